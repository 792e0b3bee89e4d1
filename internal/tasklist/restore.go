package tasklist

import (
	"github.com/scripting-kit/ipadl/internal/download"
)

// Restore recreates a task in mgr for every persisted entry that is not
// deleted and binds it. Entries that cannot be recreated are dropped.
// Restored tasks start out pending; starting one resumes from the bytes
// already on disk.
func (m *Mirror) Restore(mgr *download.Manager) ([]*download.Task, error) {
	var restored []*download.Task
	var firstErr error

	for _, it := range m.Items() {
		if it.Status == download.StatusDeleted {
			m.Dispatch(Remove(it.ID))
			continue
		}
		task, err := mgr.CreateTask(download.TaskOptions{
			ID:        it.ID,
			URL:       it.URL,
			Name:      it.Name,
			Folder:    it.Folder,
			TotalSize: it.TotalSize,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.Dispatch(Remove(it.ID))
			continue
		}
		m.Bind(task)
		restored = append(restored, task)
	}
	return restored, firstErr
}
