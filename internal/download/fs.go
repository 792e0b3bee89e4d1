package download

import (
	"errors"
	"io/fs"
	"os"
)

// Filesystem is the storage a task writes to
type Filesystem interface {
	// Size returns the size of path, or 0 with a nil error when it does not exist
	Size(path string) (int64, error)
	// Append creates path if needed and appends data
	Append(path string, data []byte) error
	// Remove deletes path; a missing file is not an error
	Remove(path string) error
	MkdirAll(dir string) error
}

// OSFilesystem implements Filesystem on the local disk
type OSFilesystem struct{}

func (OSFilesystem) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (OSFilesystem) Append(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (OSFilesystem) Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (OSFilesystem) MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0755)
}
