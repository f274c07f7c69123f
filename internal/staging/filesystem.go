package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// fileStore spools staged payloads as files in a directory:
//
//	<staging_dir>/
//	  files/
//	    <handle>    (one file per staged payload)
type fileStore struct {
	filesDir string
}

var _ stagingStore = (*fileStore)(nil)

// NewFileSystemStagingArea creates a new filesystem-based staging area.
// maxSize is the maximum total size in bytes; must be positive.
// Leftovers from an interrupted run are removed.
func NewFileSystemStagingArea(stagingDir string, maxSize int64) (*Area, error) {
	filesDir := filepath.Join(stagingDir, "files")
	if err := os.RemoveAll(filesDir); err != nil {
		return nil, fmt.Errorf("clearing staging directory: %w", err)
	}
	if err := os.MkdirAll(filesDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	return &Area{
		store:   &fileStore{filesDir: filesDir},
		maxSize: maxSize,
	}, nil
}

func (f *fileStore) path(handle string) (string, error) {
	if _, err := uuid.Parse(handle); err != nil {
		return "", fmt.Errorf("invalid staging handle %q", handle)
	}
	return filepath.Join(f.filesDir, handle), nil
}

func (f *fileStore) StoreContent(r io.Reader) (string, int64, error) {
	handle := uuid.NewString()
	p := filepath.Join(f.filesDir, handle)

	file, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", 0, fmt.Errorf("creating staging file: %w", err)
	}
	n, err := io.Copy(file, r)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(p)
		return "", 0, err
	}
	return handle, n, nil
}

func (f *fileStore) RemoveContent(handle string) {
	if p, err := f.path(handle); err == nil {
		os.Remove(p)
	}
}

func (f *fileStore) OpenContent(handle string) (io.ReadCloser, error) {
	p, err := f.path(handle)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening staged content: %w", err)
	}
	return file, nil
}

func (f *fileStore) ContentSize() (int64, error) {
	entries, err := os.ReadDir(f.filesDir)
	if err != nil {
		return 0, fmt.Errorf("reading staging directory: %w", err)
	}
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
