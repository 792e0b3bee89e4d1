package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scripting-kit/ipadl/internal/logger"
)

// Middleware wraps the next dispatch in the chain.
type Middleware[S, A any] func(api API[S], next Dispatch[S, A]) Dispatch[S, A]

// ApplyMiddleware composes mws right to left: the first is outermost and
// the last runs closest to the base dispatch.
func ApplyMiddleware[S, A any](mws ...Middleware[S, A]) Middleware[S, A] {
	return func(api API[S], next Dispatch[S, A]) Dispatch[S, A] {
		d := next
		for i := len(mws) - 1; i >= 0; i-- {
			d = mws[i](api, d)
		}
		return d
	}
}

// Debounce coalesces dispatches that arrive less than wait apart.
//
// With leading, the first dispatch of a burst runs immediately and the rest
// of the burst is dropped; dropped calls get the leading call's result.
// Otherwise only the last dispatch of a burst runs, wait after it arrived,
// and every caller in the burst shares its result.
func Debounce[S, A any](wait time.Duration, leading bool) Middleware[S, A] {
	return func(api API[S], next Dispatch[S, A]) Dispatch[S, A] {
		d := &debouncer[S, A]{wait: wait, next: next, api: api}
		if leading {
			return d.leading
		}
		return d.trailing
	}
}

type debouncer[S, A any] struct {
	wait time.Duration
	next Dispatch[S, A]
	api  API[S]

	mu       sync.Mutex
	lastCall time.Time
	last     *Result[S]

	timer   *time.Timer
	action  A
	opts    []DispatchOption[S]
	pending *Result[S]
}

func (d *debouncer[S, A]) leading(action A, opts ...DispatchOption[S]) *Result[S] {
	d.mu.Lock()
	now := time.Now()
	quiet := d.lastCall.IsZero() || now.Sub(d.lastCall) >= d.wait
	d.lastCall = now
	if !quiet {
		last := d.last
		d.mu.Unlock()
		if last == nil {
			return settledResult(d.api.State(), nil)
		}
		return last
	}
	d.mu.Unlock()

	res := d.next(action, opts...)

	d.mu.Lock()
	d.last = res
	d.mu.Unlock()
	return res
}

func (d *debouncer[S, A]) trailing(action A, opts ...DispatchOption[S]) *Result[S] {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.action = action
	d.opts = opts
	if d.pending == nil {
		d.pending = newResult[S]()
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, d.fire)
	return d.pending
}

func (d *debouncer[S, A]) fire() {
	d.mu.Lock()
	shared := d.pending
	if shared == nil {
		d.mu.Unlock()
		return
	}
	action, opts := d.action, d.opts
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()

	shared.follow(d.next(action, opts...))
}

// Logger logs every dispatch with the state before and after it and how
// long it took. Async dispatches are logged once they settle.
func Logger[S, A any](log *logger.Logger) Middleware[S, A] {
	if log == nil {
		log = logger.GetLogger().Named("state")
	}
	return func(api API[S], next Dispatch[S, A]) Dispatch[S, A] {
		return func(action A, opts ...DispatchOption[S]) *Result[S] {
			started := time.Now()
			before := api.State()
			res := next(action, opts...)

			report := func() {
				line := log.WithField("action", fmt.Sprintf("%+v", action)).
					WithField("started", started.Format(time.RFC3339Nano)).
					WithField("before", fmt.Sprintf("%+v", before)).
					WithField("after", fmt.Sprintf("%+v", api.State())).
					WithField("duration", time.Since(started))
				if _, err := res.Get(); err != nil {
					line.WithError(err).Debug("dispatch rejected")
					return
				}
				line.Debug("dispatch")
			}

			if res.Pending() {
				go func() {
					_, _ = res.Wait(context.Background())
					report()
				}()
			} else {
				report()
			}
			return res
		}
	}
}

// Timeout applies WithTimeout(d, onTimeout) to every dispatch. An explicit
// per-dispatch WithTimeout still takes precedence.
func Timeout[S, A any](d time.Duration, onTimeout func(S) S) Middleware[S, A] {
	return func(api API[S], next Dispatch[S, A]) Dispatch[S, A] {
		return func(action A, opts ...DispatchOption[S]) *Result[S] {
			withDefault := make([]DispatchOption[S], 0, len(opts)+1)
			withDefault = append(withDefault, WithTimeout(d, onTimeout))
			withDefault = append(withDefault, opts...)
			return next(action, withDefault...)
		}
	}
}
