package state

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scripting-kit/ipadl/internal/logger"
)

func tag(name string, order *[]string) Middleware[pair, op] {
	return func(api API[pair], next Dispatch[pair, op]) Dispatch[pair, op] {
		return func(action op, opts ...DispatchOption[pair]) *Result[pair] {
			*order = append(*order, name)
			return next(action, opts...)
		}
	}
}

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string
	counting := func(s pair, a op) Outcome[pair] {
		order = append(order, "reducer")
		return reduce(s, a)
	}

	s := New(quietEnv(nil), counting, pair{}, Config[pair, op]{
		Middlewares: []Middleware[pair, op]{tag("outer", &order), tag("inner", &order)},
	})
	s.Dispatch(op{Kind: "a", Value: 1})

	assert.Equal(t, []string{"outer", "inner", "reducer"}, order)
	assert.Equal(t, 1, s.State().A)
}

func countingReducer(calls *int32) Reducer[pair, op] {
	return func(s pair, a op) Outcome[pair] {
		atomic.AddInt32(calls, 1)
		return reduce(s, a)
	}
}

func TestDebounce_Trailing(t *testing.T) {
	var calls int32
	s := New(quietEnv(nil), countingReducer(&calls), pair{}, Config[pair, op]{
		Middlewares: []Middleware[pair, op]{Debounce[pair, op](30*time.Millisecond, false)},
	})

	r1 := s.Dispatch(op{Kind: "a", Value: 1})
	r2 := s.Dispatch(op{Kind: "a", Value: 2})
	r3 := s.Dispatch(op{Kind: "a", Value: 3})
	assert.Same(t, r1, r2)
	assert.Same(t, r2, r3)

	v, err := waitResult(t, r3)
	require.NoError(t, err)
	assert.Equal(t, 3, v.A)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 3, s.State().A)
}

func TestDebounce_Leading(t *testing.T) {
	var calls int32
	s := New(quietEnv(nil), countingReducer(&calls), pair{}, Config[pair, op]{
		Middlewares: []Middleware[pair, op]{Debounce[pair, op](100*time.Millisecond, true)},
	})

	r1 := s.Dispatch(op{Kind: "a", Value: 1})
	r2 := s.Dispatch(op{Kind: "a", Value: 2})
	assert.Same(t, r1, r2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, s.State().A)

	time.Sleep(150 * time.Millisecond)
	s.Dispatch(op{Kind: "a", Value: 3})
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 3, s.State().A)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogger_SyncAndAsync(t *testing.T) {
	out := &syncBuffer{}
	log := logger.NewWithWriter(out, "debug", false)

	s := New(quietEnv(nil), reduce, pair{}, Config[pair, op]{
		Middlewares: []Middleware[pair, op]{Logger[pair, op](log)},
	})

	s.Dispatch(op{Kind: "a", Value: 1})
	assert.Contains(t, out.String(), "dispatch")
	assert.Contains(t, out.String(), "before={A:0 B:0}")
	assert.Contains(t, out.String(), "after={A:1 B:0}")

	gate := make(chan struct{})
	res := s.Dispatch(op{Kind: "async", Value: 5, Gate: gate})
	assert.NotContains(t, out.String(), "after={A:5 B:0}")

	close(gate)
	_, err := res.Wait(context.Background())
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("after={A:5 B:0}"))
	}, time.Second, 10*time.Millisecond)

	s.Dispatch(op{Kind: "fail"})
	assert.Contains(t, out.String(), "dispatch rejected")
}

func TestTimeoutMiddleware(t *testing.T) {
	s := New(quietEnv(nil), reduce, pair{}, Config[pair, op]{
		Middlewares: []Middleware[pair, op]{Timeout[pair, op](20*time.Millisecond, func(p pair) pair {
			p.B = -1
			return p
		})},
	})

	res := s.Dispatch(op{Kind: "hang"})
	v, err := waitResult(t, res)
	require.NoError(t, err)
	assert.True(t, res.TimedOut())
	assert.Equal(t, -1, v.B)

	t.Run("explicit option wins", func(t *testing.T) {
		res := s.Dispatch(op{Kind: "hang"}, WithTimeout(10*time.Millisecond, func(p pair) pair {
			p.B = -2
			return p
		}))
		v, err := waitResult(t, res)
		require.NoError(t, err)
		assert.Equal(t, -2, v.B)
	})
}
