// Package server provides the HTTP API of ipadl: task management over
// REST and a websocket stream of task events.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/scripting-kit/ipadl/internal/api"
	"github.com/scripting-kit/ipadl/internal/background"
	"github.com/scripting-kit/ipadl/internal/diskspace"
	"github.com/scripting-kit/ipadl/internal/download"
	"github.com/scripting-kit/ipadl/internal/logger"
	"github.com/scripting-kit/ipadl/internal/tasklist"
)

// Config contains server configuration
type Config struct {
	Host           string
	Port           int // 0 picks a free port
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	CORSEnabled    bool
	AllowedOrigins []string
	AutoStart      bool          // start tasks on creation unless the request says otherwise
	ProbeTimeout   time.Duration // bound for the metadata request made on creation
	Debug          bool
}

// Server represents the HTTP server
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	config     *Config
	upgrader   websocket.Upgrader

	downloads  *download.Manager
	tasks      *tasklist.Mirror
	hub        *Hub
	background *background.Manager
	client     download.Doer
	diskProbe  diskspace.Probe
	log        *logger.Logger

	mu     sync.Mutex
	addr   string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Server
type Option func(*Server)

// WithHTTPClient sets the client used to probe URLs before creating tasks
func WithHTTPClient(c download.Doer) Option {
	return func(s *Server) { s.client = c }
}

// WithDiskProbe replaces the disk usage probe behind /api/system
func WithDiskProbe(p diskspace.Probe) Option {
	return func(s *Server) { s.diskProbe = p }
}

// WithBackground reports the keepalive state in /api/system
func WithBackground(bg *background.Manager) Option {
	return func(s *Server) { s.background = bg }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// NewServer creates a new HTTP server. Tasks created through it are
// mirrored into tasks and streamed through hub.
func NewServer(config *Config, downloads *download.Manager, tasks *tasklist.Mirror, hub *Hub, opts ...Option) *Server {
	s := &Server{
		config:    config,
		downloads: downloads,
		tasks:     tasks,
		hub:       hub,
		diskProbe: diskspace.Stat,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.GetLogger()
	}
	s.log = s.log.Named("server")
	if s.hub == nil {
		s.hub = NewHub(s.log)
	}
	if s.client == nil {
		s.client = download.NewHTTPClient(downloads.Config().Timeout)
	}
	if s.config.ProbeTimeout <= 0 {
		s.config.ProbeTimeout = 15 * time.Second
	}
	s.upgrader = newUpgrader(config.AllowedOrigins)

	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.engine.Use(
		api.RequestID(),
		api.RecoveryMiddleware(s.log),
		api.LoggerMiddleware(s.log),
		api.ErrorHandler(s.log),
	)
	if s.config.CORSEnabled {
		s.engine.Use(api.CORSMiddleware(s.config.AllowedOrigins))
	}
}

func (s *Server) setupRoutes() {
	s.engine.GET("/ws", s.handleWebSocket)

	r := s.engine.Group("/api")
	{
		r.GET("/system", s.handleSystem)

		tasks := r.Group("/tasks")
		{
			tasks.GET("", s.handleListTasks)
			tasks.POST("", s.handleCreateTask)
			tasks.DELETE("", s.handleClearTasks)
			tasks.POST("/cancel-all", s.handleCancelAll)
			tasks.GET("/:id", s.handleGetTask)
			tasks.POST("/:id/start", s.handleStartTask)
			tasks.POST("/:id/cancel", s.handleCancelTask)
			tasks.DELETE("/:id", s.handleDeleteTask)
		}
	}
}

// Engine returns the gin engine, mainly for tests
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Restore recreates the persisted task list and streams its tasks
func (s *Server) Restore() error {
	restored, err := s.tasks.Restore(s.downloads)
	for _, t := range restored {
		s.watch(t)
	}
	if len(restored) > 0 {
		s.log.WithField("count", len(restored)).Info("restored tasks")
	}
	return err
}

// track mirrors a new task into the list and the event stream
func (s *Server) track(t *download.Task) {
	s.tasks.Bind(t)
	s.watch(t)
	s.hub.Emit(EventTaskCreated, t.Snapshot())
}

func (s *Server) watch(t *download.Task) {
	t.OnStatusChange(func(download.Status) {
		s.hub.Emit(EventTaskStatus, t.Snapshot())
	})
	t.OnProgress(func(p download.Progress) {
		s.hub.Emit(EventTaskProgress, p)
	})
	t.OnRemove(func(t *download.Task) {
		s.hub.Emit(EventTaskRemoved, map[string]string{"id": t.ID()})
	})
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()

	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run(ctx)
	}()
	go func(srv *http.Server) {
		defer s.wg.Done()
		s.log.WithField("addr", s.addr).Info("HTTP server listening")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}(s.httpServer)

	return nil
}

// Addr returns the address the server listens on once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops accepting requests, waits for in-flight ones until ctx
// ends and disconnects websocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	cancel := s.cancel
	s.httpServer = nil
	s.mu.Unlock()

	if srv == nil {
		return fmt.Errorf("server not started")
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		s.log.WithError(err).Warn("graceful shutdown failed, closing connections")
		srv.Close()
	}
	s.hub.Stop()
	cancel()
	s.wg.Wait()

	s.log.Info("HTTP server stopped")
	return err
}
