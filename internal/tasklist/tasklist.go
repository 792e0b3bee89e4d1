// Package tasklist keeps a persisted list of download tasks in a state
// store so views can follow individual tasks.
package tasklist

import (
	"sort"
	"time"

	"github.com/scripting-kit/ipadl/internal/download"
	"github.com/scripting-kit/ipadl/internal/eventbus"
	"github.com/scripting-kit/ipadl/internal/state"
)

// StorageKey is where the list is persisted
const StorageKey = "ipadl.tasks"

// Item is the list entry for one task
type Item struct {
	ID             string          `json:"id"`
	URL            string          `json:"url"`
	Name           string          `json:"name"`
	Folder         string          `json:"folder,omitempty"`
	Status         download.Status `json:"status"`
	TotalSize      int64           `json:"totalSize"`
	DownloadedSize int64           `json:"downloadedSize"`
	Percent        float64         `json:"percent"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

func itemFromInfo(info download.TaskInfo) Item {
	return Item{
		ID:             info.ID,
		URL:            info.URL,
		Name:           info.Name,
		Folder:         info.Folder,
		Status:         info.Status,
		TotalSize:      info.TotalSize,
		DownloadedSize: info.DownloadedSize,
		Percent:        info.Percent,
		Error:          info.Error,
		CreatedAt:      info.CreatedAt,
	}
}

// List maps task IDs to items. Reducers never modify a List in place.
type List map[string]Item

// Items returns the items oldest first
func (l List) Items() []Item {
	items := make([]Item, 0, len(l))
	for _, it := range l {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items
}

func (l List) with(it Item) List {
	out := make(List, len(l)+1)
	for k, v := range l {
		out[k] = v
	}
	out[it.ID] = it
	return out
}

func (l List) without(id string) List {
	out := make(List, len(l))
	for k, v := range l {
		if k != id {
			out[k] = v
		}
	}
	return out
}

// Source is anything that can report a task snapshot
type Source interface {
	Snapshot() download.TaskInfo
}

// Kind names an Action
type Kind string

const (
	KindFetching Kind = "fetching"
	KindUpsert   Kind = "upsert"
	KindRefresh  Kind = "refresh"
	KindProgress Kind = "progress"
	KindStatus   Kind = "status"
	KindRemove   Kind = "remove"
	KindClear    Kind = "clear"
)

// Action is a change to the list
type Action struct {
	Kind     Kind              `json:"kind"`
	ID       string            `json:"id,omitempty"`
	Item     Item              `json:"item,omitempty"`
	Progress download.Progress `json:"progress,omitempty"`
	Status   download.Status   `json:"status,omitempty"`
	Error    string            `json:"error,omitempty"`

	source Source
}

// Fetching adds a placeholder for a task whose metadata is still being
// resolved
func Fetching(id, url string) Action {
	return Action{Kind: KindFetching, Item: Item{
		ID:        id,
		URL:       url,
		Name:      download.FileNameFromURL(url),
		Status:    download.StatusFetching,
		CreatedAt: time.Now(),
	}}
}

// Upsert stores a snapshot
func Upsert(info download.TaskInfo) Action {
	return Action{Kind: KindUpsert, ID: info.ID, Item: itemFromInfo(info)}
}

// Refresh stores the snapshot src reports when the action is applied.
// Concurrent refreshes therefore never store an older snapshot last.
func Refresh(src Source) Action {
	return Action{Kind: KindRefresh, source: src}
}

func Progress(p download.Progress) Action {
	return Action{Kind: KindProgress, ID: p.TaskID, Progress: p}
}

func SetStatus(id string, status download.Status, errMsg string) Action {
	return Action{Kind: KindStatus, ID: id, Status: status, Error: errMsg}
}

func Remove(id string) Action {
	return Action{Kind: KindRemove, ID: id}
}

func Clear() Action {
	return Action{Kind: KindClear}
}

// Reduce applies a to l. Progress and status updates for unknown IDs are
// ignored.
func Reduce(l List, a Action) List {
	switch a.Kind {
	case KindFetching, KindUpsert:
		return l.with(a.Item)

	case KindRefresh:
		if a.source == nil {
			return l
		}
		return l.with(itemFromInfo(a.source.Snapshot()))

	case KindProgress:
		it, ok := l[a.ID]
		if !ok {
			return l
		}
		it.DownloadedSize = a.Progress.Downloaded
		if a.Progress.Total > 0 {
			it.TotalSize = a.Progress.Total
		}
		it.Percent = a.Progress.Clamped()
		return l.with(it)

	case KindStatus:
		it, ok := l[a.ID]
		if !ok {
			return l
		}
		it.Status = a.Status
		it.Error = a.Error
		return l.with(it)

	case KindRemove:
		if _, ok := l[a.ID]; !ok {
			return l
		}
		return l.without(a.ID)

	case KindClear:
		if len(l) == 0 {
			return l
		}
		return List{}
	}
	return l
}

// Mirror owns the task list store
type Mirror struct {
	store *state.Store[List, Action]
}

// New creates the list store on env. The persisted list, if any, is
// restored; its entries keep their last known state until rebound.
func New(env *state.Env, mws ...state.Middleware[List, Action]) *Mirror {
	return &Mirror{
		store: state.New(env, state.Pure(Reduce), List{}, state.Config[List, Action]{
			StorageKey:    StorageKey,
			PreciseUpdate: true,
			Middlewares:   mws,
		}),
	}
}

// Store exposes the underlying state store for subscriptions
func (m *Mirror) Store() *state.Store[List, Action] { return m.store }

func (m *Mirror) Dispatch(a Action) *state.Result[List] { return m.store.Dispatch(a) }

func (m *Mirror) List() List { return m.store.State() }

func (m *Mirror) Items() []Item { return m.store.State().Items() }

func (m *Mirror) Get(id string) (Item, bool) {
	it, ok := m.store.State()[id]
	return it, ok
}

// Bind mirrors t into the list until the returned func is called or the
// task is removed
func (m *Mirror) Bind(t *download.Task) (unbind func()) {
	m.Dispatch(Refresh(t))

	handles := []eventbus.Handle{
		t.OnStatusChange(func(download.Status) { m.Dispatch(Refresh(t)) }),
		t.OnProgress(func(p download.Progress) { m.Dispatch(Progress(p)) }),
		t.OnFinally(func(download.Status, *download.Task) { m.Dispatch(Refresh(t)) }),
	}
	var removeHandle eventbus.Handle
	unbind = func() {
		for _, h := range handles {
			t.Off(h)
		}
		t.Off(removeHandle)
	}
	removeHandle = t.OnRemove(func(t *download.Task) {
		unbind()
		m.Dispatch(Remove(t.ID()))
	})
	return unbind
}

// Prune drops entries whose IDs are not in keep, typically restored
// entries with no live task behind them
func (m *Mirror) Prune(keep func(id string) bool) int {
	n := 0
	for id := range m.List() {
		if !keep(id) {
			m.Dispatch(Remove(id))
			n++
		}
	}
	return n
}
