// Package eventbus provides small typed publish/subscribe primitives.
//
// Hook is a listener registry for one event kind; Bus groups hooks by key.
// Function values are not comparable in Go, so every registration returns a
// Handle used to remove it later.
//
// Emission snapshots the listener list first, so listeners may register or
// remove listeners (including themselves) while being called. A panicking
// listener is recovered and reported; the remaining listeners still run.
package eventbus

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/scripting-kit/ipadl/internal/logger"
)

// Handle identifies a registered listener. Handles are unique process-wide.
type Handle uint64

var lastHandle atomic.Uint64

func nextHandle() Handle {
	return Handle(lastHandle.Add(1))
}

// PanicHandler receives listener panics. The default logs them.
type PanicHandler func(value interface{}, stack []byte)

func defaultPanicHandler(value interface{}, stack []byte) {
	logger.WithField("panic", fmt.Sprint(value)).
		WithField("stack", string(stack)).
		Error("event listener panicked")
}

type listener[T any] struct {
	id   Handle
	fn   func(T)
	once bool
}

// Hook is a registry of listeners for a single event kind.
// The zero value is ready to use.
type Hook[T any] struct {
	mu        sync.RWMutex
	listeners []listener[T]
	onPanic   PanicHandler
}

// SetPanicHandler replaces the handler used for listener panics.
func (h *Hook[T]) SetPanicHandler(fn PanicHandler) {
	h.mu.Lock()
	h.onPanic = fn
	h.mu.Unlock()
}

// Add registers fn and returns its handle.
func (h *Hook[T]) Add(fn func(T)) Handle {
	return h.add(fn, false)
}

// Once registers fn to run for the next emission only.
func (h *Hook[T]) Once(fn func(T)) Handle {
	return h.add(fn, true)
}

func (h *Hook[T]) add(fn func(T), once bool) Handle {
	id := nextHandle()
	h.mu.Lock()
	h.listeners = append(h.listeners, listener[T]{id: id, fn: fn, once: once})
	h.mu.Unlock()
	return id
}

// Remove unregisters the listener with the given handle.
// It reports whether a listener was removed.
func (h *Hook[T]) Remove(id Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, l := range h.listeners {
		if l.id == id {
			h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Emit calls every listener in registration order.
func (h *Hook[T]) Emit(v T) {
	h.mu.Lock()
	snapshot := make([]listener[T], len(h.listeners))
	copy(snapshot, h.listeners)

	// Once listeners are dropped before they run so re-entrant emits skip them
	kept := h.listeners[:0:0]
	for _, l := range h.listeners {
		if !l.once {
			kept = append(kept, l)
		}
	}
	h.listeners = kept
	onPanic := h.onPanic
	h.mu.Unlock()

	if onPanic == nil {
		onPanic = defaultPanicHandler
	}
	for _, l := range snapshot {
		call(l.fn, v, onPanic)
	}
}

func call[T any](fn func(T), v T, onPanic PanicHandler) {
	defer func() {
		if p := recover(); p != nil {
			onPanic(p, debug.Stack())
		}
	}()
	fn(v)
}

// Clear removes every listener.
func (h *Hook[T]) Clear() {
	h.mu.Lock()
	h.listeners = nil
	h.mu.Unlock()
}

// Len returns the number of registered listeners.
func (h *Hook[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Bus is a keyed collection of hooks: On/Off/Once/Emit/Clear by key.
type Bus[K comparable, T any] struct {
	mu      sync.Mutex
	hooks   map[K]*Hook[T]
	onPanic PanicHandler
}

// New creates an empty bus.
func New[K comparable, T any]() *Bus[K, T] {
	return &Bus[K, T]{hooks: make(map[K]*Hook[T])}
}

// SetPanicHandler replaces the handler used for listener panics on every key.
func (b *Bus[K, T]) SetPanicHandler(fn PanicHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPanic = fn
	for _, h := range b.hooks {
		h.SetPanicHandler(fn)
	}
}

func (b *Bus[K, T]) hook(key K, create bool) *Hook[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.hooks[key]
	if !ok && create {
		h = &Hook[T]{onPanic: b.onPanic}
		b.hooks[key] = h
	}
	return h
}

// On registers fn for key.
func (b *Bus[K, T]) On(key K, fn func(T)) Handle {
	return b.hook(key, true).Add(fn)
}

// Once registers fn for the next emission on key.
func (b *Bus[K, T]) Once(key K, fn func(T)) Handle {
	return b.hook(key, true).Once(fn)
}

// Off removes the listener registered under key with handle id.
func (b *Bus[K, T]) Off(key K, id Handle) bool {
	h := b.hook(key, false)
	if h == nil {
		return false
	}
	removed := h.Remove(id)

	b.mu.Lock()
	if cur, ok := b.hooks[key]; ok && cur == h && h.Len() == 0 {
		delete(b.hooks, key)
	}
	b.mu.Unlock()
	return removed
}

// Emit calls every listener registered for key.
func (b *Bus[K, T]) Emit(key K, v T) {
	if h := b.hook(key, false); h != nil {
		h.Emit(v)
	}
}

// Clear removes listeners for the given keys, or for every key when none are given.
func (b *Bus[K, T]) Clear(keys ...K) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(keys) == 0 {
		b.hooks = make(map[K]*Hook[T])
		return
	}
	for _, k := range keys {
		delete(b.hooks, k)
	}
}

// Len returns the number of listeners registered for key.
func (b *Bus[K, T]) Len(key K) int {
	if h := b.hook(key, false); h != nil {
		return h.Len()
	}
	return 0
}
