package testutil

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"recov-go/internal/fs"
	"recov-go/internal/recov"
)

// FaultyFilesystem wraps the real filesystem manager and fails Open for
// selected paths. Safe for concurrent use.
type FaultyFilesystem struct {
	*fs.OSFilesystemManager

	mu       sync.Mutex
	failOpen map[string]error
}

var _ recov.FilesystemManager = (*FaultyFilesystem)(nil)

// NewFaultyFilesystem creates a FaultyFilesystem with no faults.
func NewFaultyFilesystem() *FaultyFilesystem {
	return &FaultyFilesystem{
		OSFilesystemManager: fs.NewOSFilesystemManager(),
		failOpen:            make(map[string]error),
	}
}

// FailOpen makes Open of the absolute path return err. A nil err clears it.
func (f *FaultyFilesystem) FailOpen(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failOpen, path)
		return
	}
	f.failOpen[path] = err
}

func (f *FaultyFilesystem) Open(p *recov.Path) (io.ReadCloser, error) {
	f.mu.Lock()
	err := f.failOpen[p.String()]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.OSFilesystemManager.Open(p)
}

// WriteFiles creates files under root from a map of slash-separated
// relative path to content.
func WriteFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("creating directory: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("writing %s: %v", rel, err)
		}
	}
}

// ReadTree returns every regular file under root keyed by slash-separated
// relative path.
func ReadTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("reading tree: %v", err)
	}
	return out
}
