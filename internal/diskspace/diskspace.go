// Package diskspace reports free space for download folders and refuses
// to start transfers that would not fit.
package diskspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/scripting-kit/ipadl/internal/download"
	"github.com/scripting-kit/ipadl/internal/logger"
)

// ErrInsufficientSpace is returned by Guard when a task would not fit
var ErrInsufficientSpace = errors.New("insufficient disk space")

// Usage describes the filesystem holding Path
type Usage struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

// Probe reads usage for a path. Stat is the real implementation.
type Probe func(path string) (Usage, error)

// Stat reports usage for the filesystem containing path. A path that does
// not exist yet is resolved to its nearest existing parent.
func Stat(path string) (Usage, error) {
	dir, err := existingParent(path)
	if err != nil {
		return Usage{}, err
	}
	st, err := disk.Usage(dir)
	if err != nil {
		return Usage{}, fmt.Errorf("disk usage for %s: %w", dir, err)
	}
	return Usage{
		Path:        path,
		Total:       st.Total,
		Free:        st.Free,
		Used:        st.Used,
		UsedPercent: st.UsedPercent,
	}, nil
}

func existingParent(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(abs); err == nil {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return abs, nil
		}
		abs = parent
	}
}

// Guard returns a start guard that rejects a task when the free space in
// its folder minus the bytes it still needs would drop below reserve.
// Tasks of unknown size only need the reserve. A nil probe uses Stat.
// When the probe fails the task starts anyway and the error is logged.
func Guard(reserve uint64, probe Probe, log *logger.Logger) download.StartGuard {
	if probe == nil {
		probe = Stat
	}
	if log == nil {
		log = logger.GetLogger()
	}
	log = log.Named("diskspace")
	return func(t *download.Task) error {
		usage, err := probe(t.Folder())
		if err != nil {
			log.WithField("task", t.ID()).WithField("folder", t.Folder()).WithError(err).
				Warn("cannot read free space, starting anyway")
			return nil
		}

		need := reserve
		if remaining := t.TotalSize() - t.Size(); remaining > 0 {
			need += uint64(remaining)
		}
		if usage.Free < need {
			return fmt.Errorf("%w: need %s, %s free in %s", ErrInsufficientSpace,
				humanize.IBytes(need), humanize.IBytes(usage.Free), usage.Path)
		}
		return nil
	}
}
