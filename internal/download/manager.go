package download

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/scripting-kit/ipadl/internal/background"
	"github.com/scripting-kit/ipadl/internal/logger"
	"github.com/scripting-kit/ipadl/internal/notify"
)

// StartGuard may veto a task start before admission. Returning a
// *StatusError moves the task to that status.
type StartGuard func(t *Task) error

// Option configures a Manager
type Option func(*Manager)

// WithHTTPClient replaces the default streaming client
func WithHTTPClient(c Doer) Option {
	return func(m *Manager) { m.env.client = c }
}

// WithFilesystem replaces the local disk
func WithFilesystem(fs Filesystem) Option {
	return func(m *Manager) { m.env.fs = fs }
}

// WithNotifier sets where task-limit notifications go
func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithBackground registers the manager as an owner on bg
func WithBackground(bg *background.Manager) Option {
	return func(m *Manager) { m.bg = bg }
}

// WithStartGuard adds a check run before every admission
func WithStartGuard(g StartGuard) Option {
	return func(m *Manager) { m.guards = append(m.guards, g) }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager manages download tasks. It caps the number of tasks and the
// number of tasks downloading at once, queues starts beyond the second cap
// and promotes queued tasks in registration order as slots free up.
type Manager struct {
	config   Config
	env      *taskEnv
	notifier notify.Notifier
	bg       *background.Manager
	owner    *background.Owner
	guards   []StartGuard
	log      *logger.Logger

	mu    sync.RWMutex
	tasks map[string]*Task
	order []string

	// admitMu serializes slot accounting
	admitMu sync.Mutex
	closed  bool
}

// NewManager creates a new download manager
func NewManager(config Config, opts ...Option) *Manager {
	config = config.withDefaults()

	m := &Manager{
		config: config,
		env: &taskEnv{
			fs:        OSFilesystem{},
			chunkSize: config.ChunkSize,
			userAgent: config.UserAgent,
		},
		tasks: make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.log == nil {
		m.log = logger.GetLogger()
	}
	m.log = m.log.Named("download")
	m.env.log = m.log
	if m.env.client == nil {
		m.env.client = NewHTTPClient(config.Timeout)
	}
	m.env.limiter = newLimiter(config.RateLimit, config.ChunkSize)
	if m.notifier == nil {
		m.notifier = notify.Log{Logger: m.log}
	}
	if m.bg == nil {
		m.bg = background.New(nil)
	}
	m.owner = m.bg.Register("download")

	return m
}

// Config returns the effective configuration
func (m *Manager) Config() Config {
	return m.config
}

// CreateTask registers a task. An existing task with the same ID is
// returned as is. Creating beyond MaxTaskCount fails with ErrTaskLimit and
// schedules a notification.
func (m *Manager) CreateTask(opts TaskOptions) (*Task, error) {
	t, _, err := m.AddTask(opts)
	return t, err
}

// AddTask is CreateTask that also reports whether the task is new, so
// concurrent callers racing on one ID can tell which of them created it.
func (m *Manager) AddTask(opts TaskOptions) (*Task, bool, error) {
	if opts.URL == "" {
		return nil, false, ErrEmptyURL
	}

	m.mu.Lock()
	if opts.ID != "" {
		if existing, ok := m.tasks[opts.ID]; ok {
			m.mu.Unlock()
			return existing, false, nil
		}
	}

	if limit := m.config.MaxTaskCount; limit > 0 && len(m.tasks) >= limit {
		m.mu.Unlock()
		err := fmt.Errorf("%w: at most %d tasks", ErrTaskLimit, limit)
		if nerr := m.notifier.Schedule("Download limit reached", fmt.Sprintf("At most %d download tasks can exist at once.", limit)); nerr != nil {
			m.log.WithError(nerr).Warn("failed to schedule notification")
		}
		return nil, false, err
	}

	if opts.ID == "" {
		opts.ID = m.nextID()
	}
	if opts.Name == "" {
		opts.Name = FileNameFromURL(opts.URL)
		if opts.Name == "" {
			opts.Name = opts.ID
		}
	}
	if opts.Folder == "" {
		opts.Folder = m.config.Directory
	}

	t := newTask(opts, m.env)
	t.owner = owner{
		admit:    m.admit,
		rejected: func(*Task) { m.release() },
		settled:  func(*Task) { m.promote() },
		removed:  func(t *Task) { m.evict(t.ID()) },
	}

	m.tasks[t.id] = t
	m.order = append(m.order, t.id)
	m.mu.Unlock()

	m.log.WithField("task", t.id).WithField("url", t.url).Debug("task created")
	return t, true, nil
}

// nextID must be called with m.mu held
func (m *Manager) nextID() string {
	n := time.Now().UnixNano()
	for {
		id := strconv.FormatInt(n, 10)
		if _, taken := m.tasks[id]; !taken {
			return id
		}
		n++
	}
}

// admit runs before a task's own start hooks
func (m *Manager) admit(t *Task) error {
	m.admitMu.Lock()
	defer m.admitMu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	for _, guard := range m.guards {
		if err := guard(t); err != nil {
			return err
		}
	}
	if limit := m.config.MaxDownloadingCount; limit > 0 && m.downloadingCount(t) >= limit {
		return &StatusError{Status: StatusQueued, Err: ErrDownloadingLimit}
	}

	t.claim()
	m.owner.SetActive(true)
	return nil
}

// promote runs after every attempt: it starts queued tasks into free slots
// and releases the keepalive once nothing is active
func (m *Manager) promote() {
	m.admitMu.Lock()
	closed := m.closed
	m.admitMu.Unlock()

	if !closed {
		queued := m.TasksByStatus(StatusQueued)
		free := len(queued)
		if limit := m.config.MaxDownloadingCount; limit > 0 {
			free = limit - m.DownloadingCount()
		}
		for i := 0; i < free && i < len(queued); i++ {
			if outcome, err := queued[i].startQueued(); err != nil && outcome != OutcomeQueued {
				m.log.WithField("task", queued[i].ID()).WithError(err).Warn("failed to start queued task")
			}
		}
	}

	m.release()
}

// release drops the keepalive when no task occupies a slot
func (m *Manager) release() {
	m.admitMu.Lock()
	defer m.admitMu.Unlock()
	if m.downloadingCount(nil) == 0 {
		m.owner.SetActive(false)
	}
}

func (m *Manager) evict(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return
	}
	delete(m.tasks, id)
	for i, cur := range m.order {
		if cur == id {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
}

// FindTaskByID returns a task by ID
func (m *Manager) FindTaskByID(id string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Tasks returns every task in registration order
func (m *Manager) Tasks() []*Task {
	return m.TasksByStatus(StatusAll)
}

// TasksByStatus returns the tasks in status, in registration order
func (m *Manager) TasksByStatus(status Status) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := make([]*Task, 0, len(m.order))
	for _, id := range m.order {
		t := m.tasks[id]
		if status == StatusAll || t.Status() == status {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// TaskCount returns the number of registered tasks
func (m *Manager) TaskCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// DownloadingCount returns the number of tasks occupying a slot
func (m *Manager) DownloadingCount() int {
	return m.downloadingCount(nil)
}

func (m *Manager) downloadingCount(exclude *Task) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, t := range m.tasks {
		if t != exclude && t.Status().Active() {
			n++
		}
	}
	return n
}

// CancelAllTasks cancels every active task and returns how many it cancelled
func (m *Manager) CancelAllTasks() int {
	n := 0
	for _, t := range m.Tasks() {
		if t.Cancel() {
			n++
		}
	}
	return n
}

// ClearAllTasks removes every task and its file
func (m *Manager) ClearAllTasks() {
	for _, t := range m.Tasks() {
		t.Remove()
	}

	m.mu.Lock()
	m.tasks = make(map[string]*Task)
	m.order = nil
	m.mu.Unlock()
}

// Close stops admitting tasks, cancels active ones and waits for their
// goroutines to return
func (m *Manager) Close(ctx context.Context) error {
	m.admitMu.Lock()
	m.closed = true
	m.admitMu.Unlock()

	tasks := m.Tasks()
	for _, t := range tasks {
		t.Cancel()
	}
	for _, t := range tasks {
		if err := t.Wait(ctx); err != nil {
			return fmt.Errorf("timeout waiting for downloads to finish: %w", err)
		}
	}
	m.owner.Clear()
	return nil
}
