package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/scripting-kit/ipadl/internal/eventbus"
	"github.com/scripting-kit/ipadl/internal/logger"
)

// taskEnv holds the collaborators shared by every task of a manager
type taskEnv struct {
	client    Doer
	fs        Filesystem
	limiter   *rate.Limiter
	chunkSize int64
	userAgent string
	log       *logger.Logger
}

type failure struct {
	status Status
	err    error
}

type final struct {
	status Status
	task   *Task
}

// Task is a single resumable download. Its transfer runs on its own
// goroutine; every exported method is safe for concurrent use.
type Task struct {
	id        string
	url       string
	name      string
	folder    string
	createdAt time.Time
	env       *taskEnv
	log       *logger.LogEntry

	startMu sync.Mutex
	// writeMu pairs the liveness check with each append and guards the
	// resume offset read, so a superseded attempt never writes past it
	writeMu sync.Mutex

	mu             sync.RWMutex
	status         Status
	totalSize      int64
	downloadedSize int64
	lastErr        error
	gen            uint64
	cancelReq      context.CancelFunc
	done           chan struct{}

	onCancel       eventbus.Hook[*Task]
	onRemove       eventbus.Hook[*Task]
	onStart        eventbus.Guards[*Task]
	onProgress     eventbus.Hook[Progress]
	onEnd          eventbus.Hook[*Task]
	onFailed       eventbus.Hook[failure]
	onFinally      eventbus.Hook[final]
	onStatusChange eventbus.Hook[Status]

	owner owner
}

// owner is the manager's wiring. It runs ahead of the listeners and
// survives Dispose.
type owner struct {
	admit    func(*Task) error
	rejected func(*Task) // releases a slot claimed before a later start hook refused
	settled  func(*Task)
	removed  func(*Task)
}

func newTask(opts TaskOptions, env *taskEnv) *Task {
	t := &Task{
		id:        opts.ID,
		url:       opts.URL,
		name:      opts.Name,
		folder:    opts.Folder,
		createdAt: time.Now(),
		env:       env,
		status:    StatusPending,
		totalSize: opts.TotalSize,
	}
	t.log = env.log.WithField("task", t.id)
	return t
}

func (t *Task) ID() string     { return t.id }
func (t *Task) URL() string    { return t.url }
func (t *Task) Name() string   { return t.name }
func (t *Task) Folder() string { return t.folder }

// Path is the destination file
func (t *Task) Path() string {
	return filepath.Join(t.folder, t.name)
}

func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Task) TotalSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalSize
}

func (t *Task) DownloadedSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.downloadedSize
}

// Err returns the error that ended the last attempt, if any
func (t *Task) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

// Size returns the on-disk size of the destination, 0 when absent
func (t *Task) Size() int64 {
	size, err := t.env.fs.Size(t.Path())
	if err != nil {
		return 0
	}
	return size
}

// Snapshot returns a copy of the task's current state
func (t *Task) Snapshot() TaskInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info := TaskInfo{
		ID:             t.id,
		URL:            t.url,
		Name:           t.name,
		Folder:         t.folder,
		Path:           t.Path(),
		Status:         t.status,
		TotalSize:      t.totalSize,
		DownloadedSize: t.downloadedSize,
		CreatedAt:      t.createdAt,
	}
	if t.totalSize > 0 {
		info.Percent = newProgress(t.id, t.downloadedSize, t.totalSize).Clamped()
	}
	if t.lastErr != nil {
		info.Error = t.lastErr.Error()
	}
	return info
}

// setStatus must be called with t.mu held. It reports whether the status changed.
func (t *Task) setStatus(status Status) bool {
	if t.status == status {
		return false
	}
	t.status = status
	return true
}

func (t *Task) transition(status Status) {
	t.mu.Lock()
	changed := t.setStatus(status)
	t.mu.Unlock()
	if changed {
		t.onStatusChange.Emit(status)
	}
}

// claim marks an admitted task as occupying a slot
func (t *Task) claim() {
	t.transition(StatusFetching)
}

// Start begins or resumes the transfer.
//
// With run false nothing happens. An active task is cancelled instead,
// which makes Start a pause toggle. Otherwise start hooks run in order;
// a hook error tagged with a status moves the task there (queued tasks
// report OutcomeQueued) and no transfer begins.
func (t *Task) Start(run bool) (StartOutcome, error) {
	if !run {
		return OutcomeSkipped, nil
	}

	t.startMu.Lock()
	defer t.startMu.Unlock()

	switch status := t.Status(); {
	case status.Active():
		t.Cancel()
		return OutcomeToggled, nil
	case status == StatusDeleted:
		return OutcomeRejected, ErrTaskRemoved
	}
	return t.begin()
}

// startQueued starts the task only if it is still queued. Concurrent
// promotions may race for the same task; the losers skip.
func (t *Task) startQueued() (StartOutcome, error) {
	t.startMu.Lock()
	defer t.startMu.Unlock()

	if t.Status() != StatusQueued {
		return OutcomeSkipped, nil
	}
	return t.begin()
}

// begin must be called with t.startMu held
func (t *Task) begin() (StartOutcome, error) {
	before := t.Status()
	if err := t.runStartHooks(); err != nil {
		status, tagged := StatusOf(err)
		if !tagged {
			status = StatusFailed
		}
		t.mu.Lock()
		t.lastErr = err
		changed := t.setStatus(status)
		t.mu.Unlock()
		if changed {
			t.onStatusChange.Emit(status)
		}

		if status == StatusQueued {
			t.log.Debug("start deferred, task queued")
			return OutcomeQueued, err
		}
		t.log.WithError(err).Warn("start rejected")
		t.rejected()
		return OutcomeRejected, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	if t.status != before && t.status != StatusFetching {
		// cancelled or removed while the hooks ran
		status := t.status
		t.mu.Unlock()
		cancel()
		t.rejected()
		return OutcomeRejected, &StatusError{Status: status}
	}
	t.gen++
	gen := t.gen
	t.cancelReq = cancel
	t.done = done
	t.lastErr = nil
	changed := t.setStatus(StatusFetching)
	t.mu.Unlock()
	if changed {
		t.onStatusChange.Emit(StatusFetching)
	}

	go t.run(ctx, gen, done)
	return OutcomeStarted, nil
}

func (t *Task) runStartHooks() error {
	if t.owner.admit != nil {
		if err := t.owner.admit(t); err != nil {
			return err
		}
	}
	return t.onStart.Run(t)
}

func (t *Task) rejected() {
	if t.owner.rejected != nil {
		t.owner.rejected(t)
	}
}

func (t *Task) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	err := t.transfer(ctx, gen)
	t.finish(gen, err)
}

// current reports the status and whether gen is still the live attempt
func (t *Task) current(gen uint64) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status, t.gen == gen
}

func (t *Task) transfer(ctx context.Context, gen uint64) error {
	dest := t.Path()
	t.writeMu.Lock()
	downloaded, err := t.env.fs.Size(dest)
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("stat destination: %w", err)
	}

	t.mu.Lock()
	t.downloadedSize = downloaded
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", t.env.userAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", downloaded))

	resp, err := t.env.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if downloaded > 0 && resp.StatusCode != http.StatusPartialContent {
		return ErrResumeFailed
	}

	t.mu.Lock()
	if t.totalSize <= 0 {
		total := int64(-1)
		if resp.StatusCode == http.StatusPartialContent {
			total = parseContentRangeTotal(resp.Header.Get("Content-Range"))
		}
		if total < 0 && resp.ContentLength >= 0 {
			total = downloaded + resp.ContentLength
		}
		if total > 0 {
			t.totalSize = total
		}
	}
	total := t.totalSize
	if t.gen != gen || t.status != StatusFetching {
		status := t.status
		t.mu.Unlock()
		return &StatusError{Status: status}
	}
	t.setStatus(StatusDownloading)
	t.mu.Unlock()
	t.onStatusChange.Emit(StatusDownloading)

	if err := t.env.fs.MkdirAll(t.folder); err != nil {
		return fmt.Errorf("create folder: %w", err)
	}

	t.log.WithField("offset", humanize.IBytes(uint64(downloaded))).
		WithField("total", humanize.IBytes(uint64(max(total, 0)))).
		Info("transfer started")

	buf := make([]byte, t.env.chunkSize)
	for {
		n, rerr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if t.env.limiter != nil {
				if err := t.env.limiter.WaitN(ctx, n); err != nil {
					return err
				}
			}
			if err := t.appendChunk(gen, dest, buf[:n]); err != nil {
				return err
			}

			t.mu.Lock()
			t.downloadedSize += int64(n)
			p := newProgress(t.id, t.downloadedSize, t.totalSize)
			t.mu.Unlock()
			t.onProgress.Emit(p)
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			return nil
		default:
			if status, live := t.current(gen); !live || status != StatusDownloading {
				return &StatusError{Status: status, Err: rerr}
			}
			return rerr
		}
	}
}

// appendChunk writes data only while gen is the live, downloading attempt
func (t *Task) appendChunk(gen uint64, dest string, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if status, live := t.current(gen); !live || status != StatusDownloading {
		return &StatusError{Status: status}
	}
	if err := t.env.fs.Append(dest, data); err != nil {
		return fmt.Errorf("append chunk: %w", err)
	}
	return nil
}

func (t *Task) finish(gen uint64, err error) {
	t.mu.Lock()
	if t.gen != gen {
		// superseded by a newer Start
		t.mu.Unlock()
		return
	}

	status := StatusCompleted
	if err != nil {
		status = StatusFailed
		if tagged, ok := StatusOf(err); ok {
			status = tagged
		} else if t.status == StatusCancelled || t.status == StatusDeleted {
			// the request was aborted by Cancel or Remove
			status = t.status
			err = &StatusError{Status: status, Err: err}
		}
		t.lastErr = err
	}
	if t.status == StatusDeleted && status != StatusDeleted {
		status = StatusDeleted
		err = &StatusError{Status: StatusDeleted, Err: err}
		t.lastErr = err
	}
	changed := t.setStatus(status)
	cancel := t.cancelReq
	downloaded, total := t.downloadedSize, t.totalSize
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if changed {
		t.onStatusChange.Emit(status)
	}

	if err == nil {
		t.log.WithField("size", humanize.IBytes(uint64(downloaded))).Info("download completed")
		t.onEnd.Emit(t)
	} else {
		line := t.log.WithField("status", status).
			WithField("downloaded", humanize.IBytes(uint64(downloaded))).
			WithField("total", humanize.IBytes(uint64(max(total, 0))))
		if status == StatusFailed {
			line.WithError(err).Error("download failed")
		} else {
			line.Info("download stopped")
		}
		t.onFailed.Emit(failure{status: status, err: err})
	}
	if t.owner.settled != nil {
		t.owner.settled(t)
	}
	t.onFinally.Emit(final{status: status, task: t})
}

// Cancel stops an active transfer and keeps the partial file for resume.
// It reports false, doing nothing, when the task is not active.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	if !t.status.Active() {
		t.mu.Unlock()
		return false
	}
	t.setStatus(StatusCancelled)
	cancel := t.cancelReq
	t.mu.Unlock()

	t.onStatusChange.Emit(StatusCancelled)
	if cancel != nil {
		cancel()
	}
	t.onCancel.Emit(t)
	return true
}

// Remove marks the task deleted, aborts any transfer and deletes the
// destination file in the background once the transfer has exited.
func (t *Task) Remove() {
	t.mu.Lock()
	changed := t.setStatus(StatusDeleted)
	cancel := t.cancelReq
	done := t.done
	t.mu.Unlock()

	if changed {
		t.onStatusChange.Emit(StatusDeleted)
	}
	if cancel != nil {
		cancel()
	}

	go func() {
		if done != nil {
			<-done
		}
		if err := t.env.fs.Remove(t.Path()); err != nil {
			t.log.WithError(err).Warn("failed to remove downloaded file")
		}
	}()

	if t.owner.removed != nil {
		t.owner.removed(t)
	}
	t.onRemove.Emit(t)
}

// Wait blocks until the current transfer goroutine, including its hooks,
// has returned
func (t *Task) Wait(ctx context.Context) error {
	t.mu.RLock()
	done := t.done
	t.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose removes every listener. The owning manager keeps admitting,
// promoting and evicting the task.
func (t *Task) Dispose() {
	t.onCancel.Clear()
	t.onRemove.Clear()
	t.onStart.Clear()
	t.onProgress.Clear()
	t.onEnd.Clear()
	t.onFailed.Clear()
	t.onFinally.Clear()
	t.onStatusChange.Clear()
}

// OnCancel runs fn after an active task is cancelled
func (t *Task) OnCancel(fn func(*Task)) eventbus.Handle { return t.onCancel.Add(fn) }

// OnRemove runs fn after the task is marked deleted
func (t *Task) OnRemove(fn func(*Task)) eventbus.Handle { return t.onRemove.Add(fn) }

// OnStart registers a start hook; returning an error prevents the transfer
func (t *Task) OnStart(fn func(*Task) error) eventbus.Handle { return t.onStart.Add(fn) }

// OnProgress runs fn after every appended chunk, in order
func (t *Task) OnProgress(fn func(Progress)) eventbus.Handle { return t.onProgress.Add(fn) }

// OnEnd runs fn after a successful download
func (t *Task) OnEnd(fn func(*Task)) eventbus.Handle { return t.onEnd.Add(fn) }

// OnFailed runs fn when an attempt ends with an error, including
// cooperative stops whose status is cancelled or deleted
func (t *Task) OnFailed(fn func(Status, error)) eventbus.Handle {
	return t.onFailed.Add(func(f failure) { fn(f.status, f.err) })
}

// OnFinally runs fn after every attempt
func (t *Task) OnFinally(fn func(Status, *Task)) eventbus.Handle {
	return t.onFinally.Add(func(f final) { fn(f.status, f.task) })
}

// OnStatusChange runs fn on every status transition
func (t *Task) OnStatusChange(fn func(Status)) eventbus.Handle {
	return t.onStatusChange.Add(fn)
}

// Off removes the listener registered with h
func (t *Task) Off(h eventbus.Handle) *Task {
	_ = t.onCancel.Remove(h) ||
		t.onRemove.Remove(h) ||
		t.onStart.Remove(h) ||
		t.onProgress.Remove(h) ||
		t.onEnd.Remove(h) ||
		t.onFailed.Remove(h) ||
		t.onFinally.Remove(h) ||
		t.onStatusChange.Remove(h)
	return t
}
