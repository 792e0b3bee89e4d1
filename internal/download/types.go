// Package download provides resumable single-stream downloads and a manager
// that bounds how many tasks exist and how many transfer at once.
package download

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task
type Status string

const (
	StatusPending     Status = "pending"
	StatusQueued      Status = "queued"
	StatusFetching    Status = "fetching"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusFailed      Status = "failed"
	StatusDeleted     Status = "deleted"

	// StatusAll matches every status in Manager.TasksByStatus
	StatusAll Status = "all"
)

// Active reports whether the status occupies a download slot
func (s Status) Active() bool {
	return s == StatusDownloading || s == StatusFetching
}

// Terminal reports whether a transfer in this status has ended
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusDeleted:
		return true
	}
	return false
}

// ParseStatus validates a status name
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusQueued, StatusFetching, StatusDownloading,
		StatusCompleted, StatusCancelled, StatusFailed, StatusDeleted, StatusAll:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status: %q", s)
}

// Progress is emitted after every appended chunk. Percent is not clamped.
type Progress struct {
	TaskID     string  `json:"taskId"`
	Downloaded int64   `json:"downloaded"`
	Total      int64   `json:"total"`
	Percent    float64 `json:"percent"`
}

// Clamped returns Percent limited to [0, 1]
func (p Progress) Clamped() float64 {
	switch {
	case p.Percent < 0:
		return 0
	case p.Percent > 1:
		return 1
	}
	return p.Percent
}

func newProgress(id string, downloaded, total int64) Progress {
	p := Progress{TaskID: id, Downloaded: downloaded, Total: total}
	if total > 0 {
		p.Percent = float64(downloaded) / float64(total)
	}
	return p
}

// TaskOptions describes a task to create
type TaskOptions struct {
	ID        string
	URL       string
	Name      string
	Folder    string
	TotalSize int64
}

// TaskInfo is a point-in-time copy of a task
type TaskInfo struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	Name           string    `json:"name"`
	Folder         string    `json:"folder"`
	Path           string    `json:"path"`
	Status         Status    `json:"status"`
	TotalSize      int64     `json:"totalSize"`
	DownloadedSize int64     `json:"downloadedSize"`
	Percent        float64   `json:"percent"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// StartOutcome tells the caller what Start did
type StartOutcome int

const (
	// OutcomeSkipped means Start was called with run=false
	OutcomeSkipped StartOutcome = iota
	// OutcomeToggled means the task was active and has been cancelled instead
	OutcomeToggled
	// OutcomeQueued means admission deferred the task
	OutcomeQueued
	// OutcomeRejected means a start hook refused the task
	OutcomeRejected
	// OutcomeStarted means a transfer goroutine is running
	OutcomeStarted
)

func (o StartOutcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeToggled:
		return "toggled"
	case OutcomeQueued:
		return "queued"
	case OutcomeRejected:
		return "rejected"
	case OutcomeStarted:
		return "started"
	default:
		return "unknown"
	}
}

// Config contains configuration for downloads
type Config struct {
	Directory           string        // Default folder for tasks without one
	MaxTaskCount        int           // 0 means unbounded
	MaxDownloadingCount int           // 0 means unbounded
	ChunkSize           int64         // Bytes read and appended per step
	RateLimit           int64         // Bytes per second across all tasks, 0 means unlimited
	Timeout             time.Duration // Response header timeout
	UserAgent           string
}

const (
	DefaultChunkSize = 256 * 1024
	DefaultUserAgent = "ipadl/1.0"
)

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Directory == "" {
		c.Directory = "."
	}
	return c
}
