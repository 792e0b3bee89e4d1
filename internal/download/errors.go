package download

import (
	"errors"
	"fmt"
)

var (
	ErrTaskLimit        = errors.New("task limit reached")
	ErrDownloadingLimit = errors.New("downloading limit reached")
	ErrResumeFailed     = errors.New("resume failed, delete file and retry")
	ErrTaskRemoved      = errors.New("task has been removed")
	ErrTaskNotFound     = errors.New("task not found")
	ErrManagerClosed    = errors.New("download manager is closed")
	ErrEmptyURL         = errors.New("URL cannot be empty")
)

// StatusError carries the status a task should move to. Start hooks return
// one to queue a task, and the transfer loop returns one when the task's
// status was changed from outside.
type StatusError struct {
	Status Status
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("task status changed to %s", e.Status)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusOf returns the status tagged on err, if any
func StatusOf(err error) (Status, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return "", false
}

// HTTPStatusError is returned for non-2xx responses
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}
