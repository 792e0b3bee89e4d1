package eventbus

import "sync"

// Guards is an ordered list of checks that may veto an operation.
// Run stops at the first non-nil error. The zero value is ready to use.
type Guards[T any] struct {
	mu     sync.RWMutex
	guards []guard[T]
}

type guard[T any] struct {
	id Handle
	fn func(T) error
}

// Add registers fn and returns its handle.
func (g *Guards[T]) Add(fn func(T) error) Handle {
	id := nextHandle()
	g.mu.Lock()
	g.guards = append(g.guards, guard[T]{id: id, fn: fn})
	g.mu.Unlock()
	return id
}

// Remove unregisters the guard with the given handle.
func (g *Guards[T]) Remove(id Handle) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, gd := range g.guards {
		if gd.id == id {
			g.guards = append(g.guards[:i:i], g.guards[i+1:]...)
			return true
		}
	}
	return false
}

// Run calls each guard in registration order and returns the first error.
func (g *Guards[T]) Run(v T) error {
	g.mu.RLock()
	snapshot := make([]guard[T], len(g.guards))
	copy(snapshot, g.guards)
	g.mu.RUnlock()

	for _, gd := range snapshot {
		if err := gd.fn(v); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes every guard.
func (g *Guards[T]) Clear() {
	g.mu.Lock()
	g.guards = nil
	g.mu.Unlock()
}

// Len returns the number of registered guards.
func (g *Guards[T]) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.guards)
}
