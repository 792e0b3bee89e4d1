// Package shutdown runs prioritized cleanup hooks on SIGINT/SIGTERM or on
// request.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/scripting-kit/ipadl/internal/logger"
)

// ShutdownHook represents a function that can be called during shutdown
type ShutdownHook func(ctx context.Context) error

// HookPriority defines the order in which hooks are executed
type HookPriority int

const (
	// PriorityCritical hooks run first (e.g., stop accepting new connections)
	PriorityCritical HookPriority = 0
	// PriorityHigh hooks run second (e.g., stop downloads)
	PriorityHigh HookPriority = 1
	// PriorityNormal hooks run third (e.g., close storage)
	PriorityNormal HookPriority = 2
	// PriorityLow hooks run last (e.g., flush logs)
	PriorityLow HookPriority = 3
)

type shutdownHook struct {
	name     string
	hook     ShutdownHook
	priority HookPriority
}

// Manager manages graceful shutdown
type Manager struct {
	mu          sync.RWMutex
	hooks       []shutdownHook
	timeout     time.Duration
	sigChan     chan os.Signal
	stopChan    chan struct{}
	shutdownCtx context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
	shutdown    bool
	log         *logger.Logger
}

// NewManager creates a shutdown manager; timeout bounds each hook
func NewManager(timeout time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		timeout:     timeout,
		sigChan:     make(chan os.Signal, 1),
		stopChan:    make(chan struct{}, 1),
		shutdownCtx: ctx,
		cancel:      cancel,
		log:         logger.GetLogger().Named("shutdown"),
	}
}

// Register adds a hook. Hooks of equal priority run in registration order.
func (m *Manager) Register(name string, hook ShutdownHook, priority HookPriority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, shutdownHook{
		name:     name,
		hook:     hook,
		priority: priority,
	})
	m.log.WithField("hook", name).WithField("priority", int(priority)).Debug("registered shutdown hook")
}

// Start begins listening for shutdown signals
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	signal.Notify(m.sigChan,
		os.Interrupt,    // Ctrl+C
		syscall.SIGTERM, // kill command
		syscall.SIGQUIT, // quit signal
	)

	m.wg.Add(1)
	go m.waitForShutdown()
}

func (m *Manager) waitForShutdown() {
	defer m.wg.Done()
	defer signal.Stop(m.sigChan)

	select {
	case sig := <-m.sigChan:
		m.log.WithField("signal", sig.String()).Info("shutdown signal received")
	case <-m.stopChan:
		m.log.Info("shutdown requested")
	case <-m.shutdownCtx.Done():
		m.log.Info("shutdown context cancelled")
	}
	m.performShutdown()
}

// performShutdown executes all shutdown hooks in priority order
func (m *Manager) performShutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	hooks := make([]shutdownHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	m.log.Info("shutting down")

	// lower number runs first
	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].priority < hooks[j].priority
	})

	for _, hook := range hooks {
		m.runHook(hook)
	}

	m.log.Info("shutdown complete")
	m.cancel()
}

func (m *Manager) runHook(hook shutdownHook) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	entry := m.log.WithField("hook", hook.name)
	done := make(chan error, 1)
	go func() {
		done <- hook.hook(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			entry.WithError(err).Error("shutdown hook failed")
		} else {
			entry.Debug("shutdown hook done")
		}
	case <-ctx.Done():
		entry.WithField("timeout", m.timeout.String()).Error("shutdown hook timed out")
	}
}

// Stop triggers graceful shutdown programmatically
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	select {
	case m.stopChan <- struct{}{}:
	default:
	}
}

// Context is cancelled once every hook has run
func (m *Manager) Context() context.Context {
	return m.shutdownCtx
}

// Done returns a channel that's closed when shutdown is complete
func (m *Manager) Done() <-chan struct{} {
	return m.shutdownCtx.Done()
}

// Wait blocks until shutdown is complete
func (m *Manager) Wait() {
	m.wg.Wait()
}
