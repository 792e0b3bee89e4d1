package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scripting-kit/ipadl/internal/logger"
	"github.com/scripting-kit/ipadl/internal/types"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := logger.NewWithWriter(io.Discard, "error", false)
	r := gin.New()
	r.Use(RequestID(), RecoveryMiddleware(log), LoggerMiddleware(log), ErrorHandler(log))
	return r
}

func serve(r *gin.Engine, req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestRequestID(t *testing.T) {
	r := newRouter()
	r.GET("/", func(c *gin.Context) { Success(c, "ok") })

	w, body := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	generated := w.Header().Get("X-Request-ID")
	require.NotEmpty(t, generated)
	meta := body["metadata"].(map[string]interface{})
	assert.Equal(t, generated, meta["requestId"])

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "1b4e28ba-2fa1-11d2-883f-0016d3cca427")
	w, _ = serve(r, req)
	assert.Equal(t, "1b4e28ba-2fa1-11d2-883f-0016d3cca427", w.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "not a uuid")
	w, _ = serve(r, req)
	assert.NotEqual(t, "not a uuid", w.Header().Get("X-Request-ID"))
}

func TestErrorHandler(t *testing.T) {
	r := newRouter()
	r.GET("/coded", func(c *gin.Context) {
		c.Error(&types.ErrorInfo{Code: types.ErrTaskNotFound, Message: "task not found", Details: "42"})
	})
	r.GET("/plain", func(c *gin.Context) {
		c.Error(errors.New("disk on fire"))
	})
	r.GET("/written", func(c *gin.Context) {
		c.Error(errors.New("ignored"))
		BadRequest(c, "bad input")
	})

	w, body := serve(r, httptest.NewRequest(http.MethodGet, "/coded", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	errInfo := body["error"].(map[string]interface{})
	assert.Equal(t, "TASK_NOT_FOUND", errInfo["code"])
	assert.Equal(t, "42", errInfo["details"])

	w, body = serve(r, httptest.NewRequest(http.MethodGet, "/plain", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", body["error"].(map[string]interface{})["code"])

	w, body = serve(r, httptest.NewRequest(http.MethodGet, "/written", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", body["error"].(map[string]interface{})["code"])
}

func TestRecoveryMiddleware(t *testing.T) {
	r := newRouter()
	r.GET("/panic", func(c *gin.Context) { panic("boom") })

	w, body := serve(r, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, false, body["success"])
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		wantHeader string
	}{
		{"wildcard", []string{"*"}, "http://a.example", "*"},
		{"listed origin", []string{"http://a.example"}, "http://a.example", "http://a.example"},
		{"unlisted origin", []string{"http://a.example"}, "http://b.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			r := gin.New()
			r.Use(CORSMiddleware(tt.allowed))
			r.GET("/", func(c *gin.Context) { NoContent(c) })

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Origin", tt.origin)
			w, _ := serve(r, req)
			assert.Equal(t, tt.wantHeader, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}

	r := gin.New()
	r.Use(CORSMiddleware([]string{"*"}))
	w, _ := serve(r, httptest.NewRequest(http.MethodOptions, "/anything", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestResponses(t *testing.T) {
	r := newRouter()
	r.GET("/list", func(c *gin.Context) { List[string](c, nil) })
	r.POST("/created", func(c *gin.Context) { Created(c, gin.H{"id": "1"}) })
	r.POST("/accepted", func(c *gin.Context) { Accepted(c, gin.H{"outcome": "queued"}) })

	w, body := serve(r, httptest.NewRequest(http.MethodGet, "/list", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, []interface{}{}, data["items"])
	assert.Equal(t, float64(0), data["total"])

	w, _ = serve(r, httptest.NewRequest(http.MethodPost, "/created", nil))
	assert.Equal(t, http.StatusCreated, w.Code)
	w, _ = serve(r, httptest.NewRequest(http.MethodPost, "/accepted", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
}
