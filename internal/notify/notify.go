// Package notify delivers short user-facing notifications.
package notify

import (
	"errors"

	"github.com/scripting-kit/ipadl/internal/logger"
)

// Notifier schedules a notification. Delivery is fire-and-forget; the error
// only reports that scheduling failed.
type Notifier interface {
	Schedule(title, body string) error
}

// Func adapts a function to Notifier
type Func func(title, body string) error

func (f Func) Schedule(title, body string) error {
	return f(title, body)
}

// Log writes notifications to a logger at warn level
type Log struct {
	Logger *logger.Logger
}

func (n Log) Schedule(title, body string) error {
	l := n.Logger
	if l == nil {
		l = logger.GetLogger()
	}
	l.WithField("title", title).Warn(body)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors
type Multi []Notifier

func (m Multi) Schedule(title, body string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Schedule(title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every notification
var Discard Notifier = Func(func(string, string) error { return nil })
