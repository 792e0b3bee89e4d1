package state

import "encoding/json"

// AsyncStatus describes whether the current state is settled.
type AsyncStatus string

const (
	StatusPending   AsyncStatus = "pending"
	StatusFulfilled AsyncStatus = "fulfilled"
	StatusRejected  AsyncStatus = "rejected"
)

// entry is what a store keeps in the cache. While pending or rejected the
// value is the last settled one.
type entry[S any] struct {
	value  S
	status AsyncStatus
	err    error
}

// Persistable keeps pending and rejected entries out of storage.
func (e *entry[S]) Persistable() bool {
	return e.status == StatusFulfilled
}

// MarshalJSON persists only the value.
func (e *entry[S]) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.value)
}

// AsyncState is the derived settle state of a store.
type AsyncState[S any] struct {
	status AsyncStatus
	err    error
	value  S
}

func (e *entry[S]) async() AsyncState[S] {
	return AsyncState[S]{status: e.status, err: e.err, value: e.value}
}

// IsReady reports whether the state is settled, successfully or not.
func (a AsyncState[S]) IsReady() bool { return a.status != StatusPending }

// Status returns pending, fulfilled or rejected.
func (a AsyncState[S]) Status() AsyncStatus { return a.status }

// Err returns the rejection error, if any.
func (a AsyncState[S]) Err() error { return a.err }

// Value returns the latest settled value.
func (a AsyncState[S]) Value() S { return a.value }

// Render calls the branch matching the current status. Nil branches are skipped.
func (a AsyncState[S]) Render(pending func(), fulfilled func(S), rejected func(error)) {
	switch a.status {
	case StatusPending:
		if pending != nil {
			pending()
		}
	case StatusRejected:
		if rejected != nil {
			rejected(a.err)
		}
	default:
		if fulfilled != nil {
			fulfilled(a.value)
		}
	}
}
