package download

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scripting-kit/ipadl/internal/logger"
)

// fakeServer serves content with "bytes=N-" range support. Requests for a
// gated path send headers and then hold the body until the gate is released.
type fakeServer struct {
	*httptest.Server
	content     []byte
	ignoreRange bool

	mu     sync.Mutex
	ranges []string
	gates  map[string]chan struct{}
	once   map[string]*sync.Once
}

func newFakeServer(t *testing.T, content []byte) *fakeServer {
	t.Helper()
	s := &fakeServer{
		content: content,
		gates:   make(map[string]chan struct{}),
		once:    make(map[string]*sync.Once),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	t.Cleanup(s.releaseAll)
	return s
}

func (s *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.ranges = append(s.ranges, r.Header.Get("Range"))
	gate := s.gates[r.URL.Path]
	s.mu.Unlock()

	if r.URL.Path == "/missing" {
		http.NotFound(w, r)
		return
	}

	offset := 0
	if rng := r.Header.Get("Range"); strings.HasPrefix(rng, "bytes=") && !s.ignoreRange {
		offset, _ = strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
	}
	if offset > len(s.content) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	body := s.content[offset:]
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if offset > 0 {
		w.Header().Set("Content-Range", "bytes "+strconv.Itoa(offset)+"-"+strconv.Itoa(len(s.content)-1)+"/"+strconv.Itoa(len(s.content)))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if gate != nil {
		w.(http.Flusher).Flush()
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	_, _ = w.Write(body)
}

// gate holds responses for path until the returned func is called
func (s *fakeServer) gate(path string) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	once := &sync.Once{}
	s.gates[path] = ch
	s.once[path] = once
	return func() { once.Do(func() { close(ch) }) }
}

func (s *fakeServer) releaseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, ch := range s.gates {
		ch := ch
		s.once[path].Do(func() { close(ch) })
	}
}

func (s *fakeServer) rangeHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

func testContent(n int) []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), n/16+1)[:n]
}

func quietLogger() *logger.Logger {
	return logger.NewWithWriter(io.Discard, "error", false)
}

func newTestManager(t *testing.T, srv *fakeServer, cfg Config, opts ...Option) *Manager {
	t.Helper()
	if cfg.Directory == "" {
		cfg.Directory = t.TempDir()
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 1024
	}
	opts = append([]Option{WithHTTPClient(srv.Client()), WithLogger(quietLogger())}, opts...)
	m := NewManager(cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func waitTask(t *testing.T, task *Task) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, task.Wait(ctx))
}

func eventuallyStatus(t *testing.T, task *Task, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return task.Status() == want }, 5*time.Second, 5*time.Millisecond,
		"task %s never reached %s (last %s)", task.ID(), want, task.Status())
}
