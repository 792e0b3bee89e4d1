// Package background tracks which components currently need the process to
// stay active and drives a shared keepalive permit accordingly.
package background

import (
	"sync"

	"github.com/scripting-kit/ipadl/internal/logger"
)

// Keeper is the keepalive primitive being driven.
// Its methods are called with the manager lock held and must not call back
// into the Manager.
type Keeper interface {
	Activate() error
	Deactivate() error
}

// Rule decides whether the permit should be held for the given owners.
type Rule func(owners []*Owner) bool

// AnyActive holds the permit while at least one owner is active.
func AnyActive(owners []*Owner) bool {
	for _, o := range owners {
		if o.active {
			return true
		}
	}
	return false
}

// Option configures a Manager.
type Option func(*Manager)

// WithRule replaces the default AnyActive rule.
func WithRule(rule Rule) Option {
	return func(m *Manager) {
		if rule != nil {
			m.rule = rule
		}
	}
}

// WithLogger sets the logger used for keeper failures.
func WithLogger(log *logger.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// Manager owns the registered owners and the permit state.
type Manager struct {
	mu     sync.Mutex
	keeper Keeper
	rule   Rule
	log    *logger.Logger
	owners []*Owner
	active bool
}

// New creates a manager driving keeper. A nil keeper only tracks state.
func New(keeper Keeper, opts ...Option) *Manager {
	m := &Manager{
		keeper: keeper,
		rule:   AnyActive,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.GetLogger().Named("background")
	}
	return m
}

// Register adds a new inactive owner.
func (m *Manager) Register(name string) *Owner {
	o := &Owner{name: name, m: m}
	m.mu.Lock()
	m.owners = append(m.owners, o)
	m.mu.Unlock()
	return o
}

// Active reports whether the permit is currently held.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Owners returns the number of registered owners.
func (m *Manager) Owners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owners)
}

// evaluate must be called with m.mu held.
func (m *Manager) evaluate() {
	want := m.rule(m.owners)
	if want == m.active {
		return
	}
	m.active = want
	if m.keeper == nil {
		return
	}

	var err error
	if want {
		err = m.keeper.Activate()
	} else {
		err = m.keeper.Deactivate()
	}
	if err != nil {
		m.log.WithError(err).WithField("active", want).Warn("keepalive transition failed")
	}
}

// Owner is one participant in the keepalive decision.
type Owner struct {
	name   string
	m      *Manager
	active bool
}

// Name returns the owner's name.
func (o *Owner) Name() string { return o.name }

// Active reports the owner's own flag.
func (o *Owner) Active() bool {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	return o.active
}

// SetActive updates the owner's flag and re-evaluates the rule.
func (o *Owner) SetActive(active bool) {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	o.active = active
	o.m.evaluate()
}

// Clear deregisters the owner and re-evaluates the rule.
func (o *Owner) Clear() {
	m := o.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, cur := range m.owners {
		if cur == o {
			m.owners = append(m.owners[:i:i], m.owners[i+1:]...)
			break
		}
	}
	o.active = false
	m.evaluate()
}
