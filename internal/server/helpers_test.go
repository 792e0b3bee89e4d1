package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scripting-kit/ipadl/internal/download"
	"github.com/scripting-kit/ipadl/internal/logger"
	"github.com/scripting-kit/ipadl/internal/state"
	"github.com/scripting-kit/ipadl/internal/storage"
	"github.com/scripting-kit/ipadl/internal/tasklist"
	"github.com/scripting-kit/ipadl/internal/types"
)

var fileContent = bytes.Repeat([]byte("ipadl-test-data!"), 4096)

// newOrigin serves fileContent under /files/, honours ranges and HEAD, and
// holds /slow/ bodies until the client goes away
func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(fileContent))
	})
	mux.HandleFunc("/slow/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(fileContent)))
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/missing.ipa", http.NotFound)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func quietLogger() *logger.Logger {
	return logger.NewWithWriter(io.Discard, "error", false)
}

type fixture struct {
	server    *Server
	downloads *download.Manager
	tasks     *tasklist.Mirror
	hub       *Hub
	origin    *httptest.Server
}

type fixtureOptions struct {
	download   download.Config
	downloadOp []download.Option
	server     []Option
	store      storage.Store
	autoStart  bool
}

func newFixture(t *testing.T, fo fixtureOptions) *fixture {
	t.Helper()
	origin := newOrigin(t)
	log := quietLogger()

	if fo.download.Directory == "" {
		fo.download.Directory = t.TempDir()
	}
	hub := NewHub(log)
	dlOpts := append([]download.Option{
		download.WithHTTPClient(origin.Client()),
		download.WithNotifier(hub),
		download.WithLogger(log),
	}, fo.downloadOp...)
	downloads := download.NewManager(fo.download, dlOpts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = downloads.Close(ctx)
	})

	tasks := tasklist.New(state.NewEnv(fo.store, log))
	srvOpts := append([]Option{WithHTTPClient(origin.Client()), WithLogger(log)}, fo.server...)
	s := NewServer(&Config{Host: "127.0.0.1", AutoStart: fo.autoStart}, downloads, tasks, hub, srvOpts...)

	return &fixture{server: s, downloads: downloads, tasks: tasks, hub: hub, origin: origin}
}

type envelope struct {
	Success bool             `json:"success"`
	Data    json.RawMessage  `json:"data"`
	Error   *types.ErrorInfo `json:"error"`
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func (f *fixture) create(t *testing.T, req CreateTaskRequest) TaskResponse {
	t.Helper()
	w, env := f.do(t, http.MethodPost, "/api/tasks", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[TaskResponse](t, env)
}

func (f *fixture) eventuallyStatus(t *testing.T, id string, want download.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, ok := f.downloads.FindTaskByID(id)
		return ok && task.Status() == want
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", id, want)
}

func boolPtr(b bool) *bool { return &b }
