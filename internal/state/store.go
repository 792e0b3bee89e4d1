// Package state implements a shared, observable reducer store.
//
// A Store holds one value of type S in a cache.Persistent under a unique
// id. Actions go through an optional middleware chain into the reducer,
// which settles synchronously or asynchronously. Every commit notifies the
// store's subscribers through an eventbus.Bus; subscribers that tracked
// reads through a View are only called when something they read changed.
//
// When several async dispatches overlap, the one dispatched last wins: a
// settle is dropped if any dispatch or direct write happened after it.
package state

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/scripting-kit/ipadl/internal/cache"
	"github.com/scripting-kit/ipadl/internal/eventbus"
	"github.com/scripting-kit/ipadl/internal/logger"
	"github.com/scripting-kit/ipadl/internal/storage"
)

// Env is the application context shared by stores.
type Env struct {
	Bus   *eventbus.Bus[string, struct{}]
	Cache *cache.Persistent
	Log   *logger.Logger
}

// NewEnv creates an Env whose cache mirrors to store. store may be nil.
func NewEnv(store storage.Store, log *logger.Logger) *Env {
	if log == nil {
		log = logger.GetLogger()
	}
	log = log.Named("state")
	return &Env{
		Bus:   eventbus.New[string, struct{}](),
		Cache: cache.New(store, log),
		Log:   log,
	}
}

// API is the read access middlewares get to the store.
type API[S any] interface {
	State() S
	Snapshot() AsyncState[S]
}

// Config configures a Store.
type Config[S, A any] struct {
	// StorageKey hydrates the store from storage and persists every
	// fulfilled value back to it.
	StorageKey string

	// AutoReset restores the initial state when the last subscriber closes.
	AutoReset bool

	// PreciseUpdate only notifies subscribers when a value they read changed.
	PreciseUpdate bool

	Middlewares []Middleware[S, A]

	// Equal compares tracked reads. Defaults to reflect.DeepEqual.
	Equal func(a, b interface{}) bool
}

// Store is a shared reducer-driven state value.
type Store[S, A any] struct {
	id       string
	env      *Env
	reducer  Reducer[S, A]
	initial  S
	cfg      Config[S, A]
	dispatch Dispatch[S, A]

	mu   sync.Mutex
	seq  uint64
	subs int
}

// New creates a store. With a StorageKey the persisted value, if any,
// replaces initial as the starting state.
func New[S, A any](env *Env, reducer Reducer[S, A], initial S, cfg Config[S, A]) *Store[S, A] {
	if cfg.Equal == nil {
		cfg.Equal = reflect.DeepEqual
	}
	s := &Store[S, A]{
		id:      uuid.New().String(),
		env:     env,
		reducer: reducer,
		initial: initial,
		cfg:     cfg,
	}

	start := initial
	if cfg.StorageKey != "" {
		var persisted S
		found, err := env.Cache.Load(cfg.StorageKey, &persisted)
		switch {
		case err != nil:
			env.Log.WithError(err).WithField("key", cfg.StorageKey).Warn("failed to restore state, using initial value")
		case found:
			start = persisted
		}
	}
	env.Cache.Bind(s.id, cfg.StorageKey)
	env.Cache.Set(s.id, &entry[S]{value: start, status: StatusFulfilled})

	s.dispatch = ApplyMiddleware(cfg.Middlewares...)(s, s.baseDispatch)
	return s
}

// ID returns the store's unique id.
func (s *Store[S, A]) ID() string { return s.id }

func (s *Store[S, A]) current() *entry[S] {
	if v, ok := s.env.Cache.Get(s.id); ok {
		if e, ok := v.(*entry[S]); ok {
			return e
		}
	}
	return &entry[S]{value: s.initial, status: StatusFulfilled}
}

// State returns the latest settled value.
func (s *Store[S, A]) State() S {
	return s.current().value
}

// Snapshot returns the latest value with its settle status.
func (s *Store[S, A]) Snapshot() AsyncState[S] {
	return s.current().async()
}

// Dispatch sends action through the middleware chain.
func (s *Store[S, A]) Dispatch(action A, opts ...DispatchOption[S]) *Result[S] {
	return s.dispatch(action, opts...)
}

// commit stores e if seq is still the latest and notifies subscribers.
// A zero seq bumps the sequence, invalidating in-flight async work.
func (s *Store[S, A]) commit(seq uint64, e *entry[S]) bool {
	s.mu.Lock()
	if seq == 0 {
		s.seq++
	} else if seq != s.seq {
		s.mu.Unlock()
		return false
	}
	s.env.Cache.Set(s.id, e)
	s.mu.Unlock()

	s.env.Bus.Emit(s.id, struct{}{})
	return true
}

func (s *Store[S, A]) baseDispatch(action A, opts ...DispatchOption[S]) *Result[S] {
	var o dispatchOptions[S]
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	cur := s.current()
	out := s.reducer(cur.value, action)
	s.seq++
	seq := s.seq

	var next *entry[S]
	switch out.kind {
	case outcomeFail:
		next = &entry[S]{value: cur.value, status: StatusRejected, err: out.err}
	case outcomeAsync:
		next = &entry[S]{value: cur.value, status: StatusPending}
	default:
		next = &entry[S]{value: out.value, status: StatusFulfilled}
	}
	s.env.Cache.Set(s.id, next)
	s.mu.Unlock()

	s.env.Bus.Emit(s.id, struct{}{})

	switch out.kind {
	case outcomeFail:
		s.env.Log.WithError(out.err).WithField("store", s.id).Error("reducer failed")
		return settledResult(cur.value, out.err)
	case outcomeAsync:
		res := newResult[S]()
		go s.settle(seq, out.work, o, res)
		return res
	default:
		return settledResult(out.value, nil)
	}
}

type settled[S any] struct {
	value S
	err   error
}

func (s *Store[S, A]) settle(seq uint64, work func(context.Context) (S, error), o dispatchOptions[S], res *Result[S]) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan settled[S], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- settled[S]{err: fmt.Errorf("reducer panic: %v", p)}
			}
		}()
		v, err := work(ctx)
		done <- settled[S]{value: v, err: err}
	}()

	var timeout <-chan struct{}
	if o.timeout > 0 {
		tctx, tcancel := context.WithTimeout(ctx, o.timeout)
		defer tcancel()
		timeout = tctx.Done()
	}

	select {
	case r := <-done:
		if r.err != nil {
			s.env.Log.WithError(r.err).WithField("store", s.id).Error("async reducer failed")
			prev := s.State()
			s.commit(seq, &entry[S]{value: prev, status: StatusRejected, err: r.err})
			res.resolve(prev, r.err, false)
			return
		}
		s.commit(seq, &entry[S]{value: r.value, status: StatusFulfilled})
		res.resolve(r.value, nil, false)

	case <-timeout:
		cancel()
		latest := s.State()
		var fallback S
		if o.onTimeout != nil {
			fallback = o.onTimeout(latest)
		} else {
			s.env.Log.WithField("store", s.id).WithField("timeout", o.timeout).Error("dispatch timed out, keeping previous state")
			fallback = latest
		}
		s.commit(seq, &entry[S]{value: fallback, status: StatusFulfilled})
		res.resolve(fallback, nil, true)
	}
}

// ResetState restores the initial value, bypassing reducer and middleware.
func (s *Store[S, A]) ResetState() {
	s.commit(0, &entry[S]{value: s.initial, status: StatusFulfilled})
}

// SetState replaces the value, bypassing reducer and middleware.
func (s *Store[S, A]) SetState(value S) {
	s.commit(0, &entry[S]{value: value, status: StatusFulfilled})
}

// Update replaces the value with fn(latest).
func (s *Store[S, A]) Update(fn func(S) S) {
	s.mu.Lock()
	s.seq++
	next := fn(s.current().value)
	s.env.Cache.Set(s.id, &entry[S]{value: next, status: StatusFulfilled})
	s.mu.Unlock()

	s.env.Bus.Emit(s.id, struct{}{})
}

// Subscribers returns the number of open subscriptions.
func (s *Store[S, A]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs
}
