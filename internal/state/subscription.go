package state

import (
	"sync"

	"github.com/scripting-kit/ipadl/internal/eventbus"
)

// Subscription is one consumer of a store.
type Subscription[S, A any] struct {
	store    *Store[S, A]
	onChange func()
	handle   eventbus.Handle

	mu     sync.Mutex
	view   *View[S]
	closed bool
}

// Subscribe registers onChange for store notifications. onChange runs on
// the goroutine that committed the change.
func (s *Store[S, A]) Subscribe(onChange func()) *Subscription[S, A] {
	sub := &Subscription[S, A]{store: s, onChange: onChange}
	sub.handle = s.env.Bus.On(s.id, func(struct{}) { sub.notify() })

	s.mu.Lock()
	s.subs++
	s.mu.Unlock()
	return sub
}

// Use takes a fresh snapshot. The returned view starts with no recorded reads.
func (sub *Subscription[S, A]) Use() (*View[S], Dispatch[S, A], AsyncState[S]) {
	e := sub.store.current()
	v := newView(e)

	sub.mu.Lock()
	sub.view = v
	sub.mu.Unlock()

	return v, sub.store.Dispatch, e.async()
}

func (sub *Subscription[S, A]) notify() {
	sub.mu.Lock()
	closed, v := sub.closed, sub.view
	sub.mu.Unlock()

	if closed || sub.onChange == nil {
		return
	}
	if sub.store.cfg.PreciseUpdate && v != nil && !v.changed(sub.store.current(), sub.store.cfg.Equal) {
		return
	}
	sub.onChange()
}

// Close unsubscribes. With AutoReset, closing the last subscription resets
// the store to its initial value.
func (sub *Subscription[S, A]) Close() {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()

	s := sub.store
	s.env.Bus.Off(s.id, sub.handle)

	s.mu.Lock()
	s.subs--
	last := s.subs == 0
	s.mu.Unlock()

	if last && s.cfg.AutoReset {
		s.ResetState()
	}
}
