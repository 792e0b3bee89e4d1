package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scripting-kit/ipadl/internal/background"
	"github.com/scripting-kit/ipadl/internal/diskspace"
	"github.com/scripting-kit/ipadl/internal/download"
	"github.com/scripting-kit/ipadl/internal/storage"
	"github.com/scripting-kit/ipadl/internal/types"
)

func TestCreateTask_ProbesAndStarts(t *testing.T) {
	f := newFixture(t, fixtureOptions{autoStart: true})

	resp := f.create(t, CreateTaskRequest{URL: f.origin.URL + "/files/App.ipa"})
	assert.Equal(t, "App.ipa", resp.Task.Name)
	assert.Equal(t, int64(len(fileContent)), resp.Task.TotalSize)
	assert.Equal(t, "started", resp.Outcome)
	assert.Empty(t, resp.Error)

	f.eventuallyStatus(t, resp.Task.ID, download.StatusCompleted)

	item, ok := f.tasks.Get(resp.Task.ID)
	require.True(t, ok)
	assert.Equal(t, download.StatusCompleted, item.Status)
	assert.Len(t, f.tasks.List(), 1, "probe placeholder is removed")

	w, env := f.do(t, http.MethodGet, "/api/tasks/"+resp.Task.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[download.TaskInfo](t, env)
	assert.Equal(t, int64(len(fileContent)), info.DownloadedSize)
	assert.Equal(t, 1.0, info.Percent)
}

func TestCreateTask_WithoutProbeOrStart(t *testing.T) {
	f := newFixture(t, fixtureOptions{autoStart: true})

	resp := f.create(t, CreateTaskRequest{
		URL:   f.origin.URL + "/files/Other.ipa",
		ID:    "fixed",
		Start: boolPtr(false),
		Probe: boolPtr(false),
	})
	assert.Equal(t, "fixed", resp.Task.ID)
	assert.Equal(t, "Other.ipa", resp.Task.Name)
	assert.Zero(t, resp.Task.TotalSize)
	assert.Equal(t, download.StatusPending, resp.Task.Status)
	assert.Empty(t, resp.Outcome)

	w, env := f.do(t, http.MethodPost, "/api/tasks", CreateTaskRequest{URL: f.origin.URL + "/files/x.ipa", ID: "fixed"})
	require.Equal(t, http.StatusOK, w.Code, "existing id returns the existing task")
	assert.Equal(t, "Other.ipa", decode[TaskResponse](t, env).Task.Name)
	assert.Equal(t, 1, f.downloads.TaskCount())
}

func TestCreateTask_Errors(t *testing.T) {
	f := newFixture(t, fixtureOptions{download: download.Config{MaxTaskCount: 1}})

	tests := []struct {
		name     string
		body     interface{}
		wantHTTP int
		wantCode types.ErrorCode
	}{
		{"missing url", map[string]string{"name": "x"}, http.StatusBadRequest, types.ErrInvalidRequest},
		{"upstream 404", CreateTaskRequest{URL: f.origin.URL + "/missing.ipa"}, http.StatusBadGateway, types.ErrUpstreamFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := f.do(t, http.MethodPost, "/api/tasks", tt.body)
			assert.Equal(t, tt.wantHTTP, w.Code)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.wantCode, env.Error.Code)
		})
	}

	t.Run("task limit", func(t *testing.T) {
		f.create(t, CreateTaskRequest{URL: f.origin.URL + "/files/a.ipa", Probe: boolPtr(false)})
		w, env := f.do(t, http.MethodPost, "/api/tasks", CreateTaskRequest{URL: f.origin.URL + "/files/b.ipa", Probe: boolPtr(false)})
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, types.ErrResourceExhausted, env.Error.Code)
	})
}

func TestGetTask_NotFound(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	w, env := f.do(t, http.MethodGet, "/api/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.ErrTaskNotFound, env.Error.Code)
	assert.Equal(t, "nope", env.Error.Details)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestStartTask_QueuedThenPromoted(t *testing.T) {
	f := newFixture(t, fixtureOptions{download: download.Config{MaxDownloadingCount: 1}})

	first := f.create(t, CreateTaskRequest{URL: f.origin.URL + "/slow/one.ipa", Probe: boolPtr(false)})
	second := f.create(t, CreateTaskRequest{URL: f.origin.URL + "/slow/two.ipa", Probe: boolPtr(false)})

	w, env := f.do(t, http.MethodPost, "/api/tasks/"+first.Task.ID+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "started", decode[TaskResponse](t, env).Outcome)
	f.eventuallyStatus(t, first.Task.ID, download.StatusDownloading)

	w, env = f.do(t, http.MethodPost, "/api/tasks/"+second.Task.ID+"/start", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[TaskResponse](t, env)
	assert.Equal(t, "queued", resp.Outcome)
	assert.Equal(t, download.StatusQueued, resp.Task.Status)

	w, env = f.do(t, http.MethodPost, "/api/tasks/"+first.Task.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled struct {
		Cancelled bool `json:"cancelled"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &cancelled))
	assert.True(t, cancelled.Cancelled)

	f.eventuallyStatus(t, second.Task.ID, download.StatusDownloading)

	w, env = f.do(t, http.MethodPost, "/api/tasks/"+second.Task.ID+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "toggled", decode[TaskResponse](t, env).Outcome)
	f.eventuallyStatus(t, second.Task.ID, download.StatusCancelled)
}

func TestStartTask_RejectedForDiskSpace(t *testing.T) {
	full := func(path string) (diskspace.Usage, error) {
		return diskspace.Usage{Path: path, Free: 10, Total: 100}, nil
	}
	f := newFixture(t, fixtureOptions{
		downloadOp: []download.Option{download.WithStartGuard(diskspace.Guard(0, full, quietLogger()))},
	})

	created := f.create(t, CreateTaskRequest{URL: f.origin.URL + "/files/big.ipa"})
	require.Equal(t, int64(len(fileContent)), created.Task.TotalSize)

	w, env := f.do(t, http.MethodPost, "/api/tasks/"+created.Task.ID+"/start", nil)
	assert.Equal(t, http.StatusInsufficientStorage, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.ErrInsufficientStorage, env.Error.Code)
	assert.Equal(t, download.StatusFailed, f.tasksStatus(t, created.Task.ID))
}

func (f *fixture) tasksStatus(t *testing.T, id string) download.Status {
	t.Helper()
	task, ok := f.downloads.FindTaskByID(id)
	require.True(t, ok)
	return task.Status()
}

func TestListTasks_FilterByStatus(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.create(t, CreateTaskRequest{URL: f.origin.URL + "/files/a.ipa", Probe: boolPtr(false)})
	done := f.create(t, CreateTaskRequest{URL: f.origin.URL + "/files/b.ipa", Start: boolPtr(true)})
	f.eventuallyStatus(t, done.Task.ID, download.StatusCompleted)

	w, env := f.do(t, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decode[types.ListResponse[download.TaskInfo]](t, env)
	assert.Equal(t, 2, all.Total)

	w, env = f.do(t, http.MethodGet, "/api/tasks?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	completed := decode[types.ListResponse[download.TaskInfo]](t, env)
	require.Equal(t, 1, completed.Total)
	assert.Equal(t, done.Task.ID, completed.Items[0].ID)

	w, _ = f.do(t, http.MethodGet, "/api/tasks?status=paused", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteAndClear(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	a := f.create(t, CreateTaskRequest{URL: f.origin.URL + "/files/a.ipa", Probe: boolPtr(false)})
	f.create(t, CreateTaskRequest{URL: f.origin.URL + "/files/b.ipa", Probe: boolPtr(false)})
	f.create(t, CreateTaskRequest{URL: f.origin.URL + "/files/c.ipa", Probe: boolPtr(false)})

	w, _ := f.do(t, http.MethodDelete, "/api/tasks/"+a.Task.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = f.do(t, http.MethodGet, "/api/tasks/"+a.Task.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Len(t, f.tasks.List(), 2)

	w, env := f.do(t, http.MethodPost, "/api/tasks/cancel-all", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled struct {
		Cancelled int `json:"cancelled"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &cancelled))
	assert.Zero(t, cancelled.Cancelled, "nothing was running")

	w, _ = f.do(t, http.MethodDelete, "/api/tasks", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, f.downloads.TaskCount())
	assert.Empty(t, f.tasks.List())
}

func TestSystem(t *testing.T) {
	bg := background.New(nil)
	probe := func(path string) (diskspace.Usage, error) {
		return diskspace.Usage{Path: path, Free: 1 << 30, Total: 1 << 31}, nil
	}
	f := newFixture(t, fixtureOptions{
		download: download.Config{MaxTaskCount: 5, MaxDownloadingCount: 2},
		server:   []Option{WithDiskProbe(probe), WithBackground(bg)},
	})

	w, env := f.do(t, http.MethodGet, "/api/system", nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[SystemInfo](t, env)
	require.NotNil(t, info.Disk)
	assert.Equal(t, uint64(1<<30), info.Disk.Free)
	assert.Equal(t, 5, info.MaxTaskCount)
	assert.Equal(t, 2, info.MaxDownloadingCount)
	assert.False(t, info.Keepalive)

	failing := func(string) (diskspace.Usage, error) { return diskspace.Usage{}, errors.New("no statfs") }
	f.server.diskProbe = failing
	_, env = f.do(t, http.MethodGet, "/api/system", nil)
	info = decode[SystemInfo](t, env)
	assert.Nil(t, info.Disk)
	assert.Equal(t, "no statfs", info.DiskError)
}

func TestRestore(t *testing.T) {
	store := storage.NewMemoryStore()

	before := newFixture(t, fixtureOptions{store: store})
	created := before.create(t, CreateTaskRequest{URL: before.origin.URL + "/files/keep.ipa", Probe: boolPtr(false)})

	after := newFixture(t, fixtureOptions{store: store})
	require.NoError(t, after.server.Restore())

	task, ok := after.downloads.FindTaskByID(created.Task.ID)
	require.True(t, ok)
	assert.Equal(t, "keep.ipa", task.Name())
	assert.Equal(t, download.StatusPending, task.Status())
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWebSocket_StreamsEvents(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	require.NoError(t, f.server.Start())

	wsURL := url.URL{Scheme: "ws", Host: f.server.Addr(), Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, EventConnected, readEvent(t, conn).Type)
	assert.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	body := strings.NewReader(`{"url":"` + f.origin.URL + `/files/ws.ipa","probe":false,"start":false}`)
	resp, err := http.Post("http://"+f.server.Addr()+"/api/tasks", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ev := readEvent(t, conn)
	assert.Equal(t, EventTaskCreated, ev.Type)
	data, ok := ev.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ws.ipa", data["name"])

	require.NoError(t, f.hub.Schedule("Task limit", "too many tasks"))
	ev = readEvent(t, conn)
	assert.Equal(t, EventNotification, ev.Type)
	assert.Equal(t, map[string]interface{}{"title": "Task limit", "body": "too many tasks"}, ev.Data)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "connection is closed on shutdown")

	assert.Error(t, f.server.Shutdown(ctx), "second shutdown reports not started")
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	require.NoError(t, f.server.Start())
	t.Cleanup(func() { _ = f.server.Shutdown(context.Background()) })

	header := http.Header{"Origin": []string{"http://evil.example"}}
	wsURL := "ws://" + f.server.Addr() + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want types.ErrorCode
	}{
		{download.ErrTaskNotFound, types.ErrTaskNotFound},
		{download.ErrEmptyURL, types.ErrInvalidRequest},
		{download.ErrTaskLimit, types.ErrResourceExhausted},
		{diskspace.ErrInsufficientSpace, types.ErrInsufficientStorage},
		{download.ErrManagerClosed, types.ErrUnavailable},
		{download.ErrTaskRemoved, types.ErrConflict},
		{context.DeadlineExceeded, types.ErrTimeout},
		{&download.HTTPStatusError{StatusCode: 500}, types.ErrUpstreamFailed},
		{errors.New("other"), types.ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, errorCode(tt.err, types.ErrInternalError))
		})
	}
}

func TestCreateTask_ConcurrentSameIDTracksOnce(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	body := `{"url":"` + f.origin.URL + `/files/App.ipa","id":"dup","start":false}`
	codes := make(chan int, 6)
	var wg sync.WaitGroup
	for i := 0; i < cap(codes); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			f.server.Engine().ServeHTTP(w, req)
			codes <- w.Code
		}()
	}
	wg.Wait()
	close(codes)

	counts := map[int]int{}
	for code := range codes {
		counts[code]++
	}
	assert.Equal(t, 1, counts[http.StatusCreated])
	assert.Equal(t, cap(codes)-1, counts[http.StatusOK])

	assert.Equal(t, 1, f.downloads.TaskCount())
	_, ok := f.tasks.Get("dup")
	assert.True(t, ok)
}
