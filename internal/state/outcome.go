package state

import (
	"context"
	"errors"
	"time"
)

type outcomeKind int

const (
	outcomeValue outcomeKind = iota
	outcomeFail
	outcomeAsync
)

// Outcome is what a reducer produces: a value, a failure, or async work
// that settles later.
type Outcome[S any] struct {
	kind  outcomeKind
	value S
	err   error
	work  func(ctx context.Context) (S, error)
}

// Value settles the dispatch synchronously with s.
func Value[S any](s S) Outcome[S] {
	return Outcome[S]{kind: outcomeValue, value: s}
}

// Fail rejects the dispatch with err. The previous value is kept.
func Fail[S any](err error) Outcome[S] {
	return Outcome[S]{kind: outcomeFail, err: err}
}

// Async marks the state pending and settles it with the result of work.
func Async[S any](work func(ctx context.Context) (S, error)) Outcome[S] {
	return Outcome[S]{kind: outcomeAsync, work: work}
}

// Reducer computes the next state from the latest state and an action.
type Reducer[S, A any] func(state S, action A) Outcome[S]

// Pure adapts a plain reducer function.
func Pure[S, A any](fn func(state S, action A) S) Reducer[S, A] {
	return func(state S, action A) Outcome[S] {
		return Value(fn(state, action))
	}
}

// Dispatch sends an action to a store.
type Dispatch[S, A any] func(action A, opts ...DispatchOption[S]) *Result[S]

// DispatchOption tunes a single dispatch.
type DispatchOption[S any] func(*dispatchOptions[S])

type dispatchOptions[S any] struct {
	timeout   time.Duration
	onTimeout func(S) S
}

// WithTimeout races async work against d. When the timer wins, onTimeout
// receives the latest state and its return value settles the dispatch.
// A nil onTimeout logs an error and keeps the latest state.
func WithTimeout[S any](d time.Duration, onTimeout func(S) S) DispatchOption[S] {
	return func(o *dispatchOptions[S]) {
		o.timeout = d
		o.onTimeout = onTimeout
	}
}

// ErrPending is returned by Result.Get while the dispatch is unsettled.
var ErrPending = errors.New("state: dispatch still pending")

// Result is the settled or pending outcome of one dispatch.
type Result[S any] struct {
	done     chan struct{}
	value    S
	err      error
	timedOut bool
}

func newResult[S any]() *Result[S] {
	return &Result[S]{done: make(chan struct{})}
}

func settledResult[S any](value S, err error) *Result[S] {
	r := newResult[S]()
	r.resolve(value, err, false)
	return r
}

func (r *Result[S]) resolve(value S, err error, timedOut bool) {
	r.value = value
	r.err = err
	r.timedOut = timedOut
	close(r.done)
}

// follow settles r with whatever src settles with.
func (r *Result[S]) follow(src *Result[S]) {
	go func() {
		<-src.done
		r.resolve(src.value, src.err, src.timedOut)
	}()
}

// Done is closed once the dispatch settles.
func (r *Result[S]) Done() <-chan struct{} {
	return r.done
}

// Pending reports whether the dispatch is still unsettled.
func (r *Result[S]) Pending() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Get returns the settled value without blocking.
func (r *Result[S]) Get() (S, error) {
	if r.Pending() {
		var zero S
		return zero, ErrPending
	}
	return r.value, r.err
}

// Wait blocks until the dispatch settles or ctx is done.
func (r *Result[S]) Wait(ctx context.Context) (S, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		var zero S
		return zero, ctx.Err()
	}
}

// TimedOut reports whether the value came from the timeout fallback.
func (r *Result[S]) TimedOut() bool {
	if r.Pending() {
		return false
	}
	return r.timedOut
}
