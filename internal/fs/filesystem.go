package fs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"recov-go/internal/recov"
)

// IgnoreFileName is read from the root of every walked directory.
const IgnoreFileName = ".recovignore"

// OSFilesystemManager is the real filesystem implementation of FilesystemManager.
// It performs actual filesystem operations using the os package.
type OSFilesystemManager struct {
	ignore []string // patterns applied under every root
}

// Compile-time check that OSFilesystemManager implements recov.FilesystemManager interface
var _ recov.FilesystemManager = (*OSFilesystemManager)(nil)

// NewOSFilesystemManager creates a new filesystem manager that operates on the real filesystem.
// ignorePatterns are applied in addition to each root's .recovignore file.
func NewOSFilesystemManager(ignorePatterns ...string) *OSFilesystemManager {
	return &OSFilesystemManager{ignore: ignorePatterns}
}

// Resolve validates a raw path and returns a Path object.
// Symlinks are followed; the target must be a regular file or directory.
func (m *OSFilesystemManager) Resolve(rawPath string) (*recov.Path, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if err := checkMode(absPath, info.Mode()); err != nil {
		return nil, err
	}

	return recov.NewPath(absPath, info.IsDir(), info), nil
}

func checkMode(p string, mode fs.FileMode) error {
	switch {
	case mode&os.ModeDevice != 0:
		return fmt.Errorf("device files not supported: %s", p)
	case mode&os.ModeNamedPipe != 0:
		return fmt.Errorf("named pipes not supported: %s", p)
	case mode&os.ModeSocket != 0:
		return fmt.Errorf("sockets not supported: %s", p)
	case !mode.IsRegular() && !mode.IsDir():
		return fmt.Errorf("unsupported file type %s: %s", mode.Type(), p)
	}
	return nil
}

// Open opens a file for reading.
func (m *OSFilesystemManager) Open(p *recov.Path) (io.ReadCloser, error) {
	if p.IsDir() {
		return nil, fmt.Errorf("cannot open directory as file: %s", p.String())
	}
	return os.Open(p.String())
}

// Stat returns fresh file info for a path.
func (m *OSFilesystemManager) Stat(p *recov.Path) (fs.FileInfo, error) {
	return os.Stat(p.String())
}

// walker carries the state of one FindFiles call.
type walker struct {
	ctx      context.Context
	matcher  *IgnoreMatcher
	files    []*recov.Path
	problems []*recov.Error
	stack    []fs.FileInfo // directories currently being walked, outermost first
}

// FindFiles discovers regular files under root, recursively, following
// symlinks. A symlinked directory that leads back into one of its own
// ancestors is reported and not descended into.
func (m *OSFilesystemManager) FindFiles(ctx context.Context, root *recov.Path) ([]*recov.Path, []*recov.Error, error) {
	if !root.IsDir() {
		return nil, nil, fmt.Errorf("path is not a directory: %s", root.String())
	}

	patterns := append([]string{IgnoreFileName}, m.ignore...)
	fromFile, err := ParseIgnoreFile(filepath.Join(root.String(), IgnoreFileName))
	if err != nil {
		return nil, nil, err
	}
	patterns = append(patterns, fromFile...)

	w := &walker{ctx: ctx, matcher: NewIgnoreMatcher(patterns)}
	if err := w.walk(root.String(), "", root.Info()); err != nil {
		return nil, nil, err
	}

	sort.Slice(w.files, func(i, j int) bool { return w.files[i].Relative() < w.files[j].Relative() })
	return w.files, w.problems, nil
}

func (w *walker) walk(dir, rel string, info fs.FileInfo) error {
	for _, anc := range w.stack {
		if os.SameFile(anc, info) {
			w.problems = append(w.problems, recov.NewError(recov.KindSourceUnreadable, dir,
				fmt.Errorf("symlink loop")))
			return nil
		}
	}
	w.stack = append(w.stack, info)
	defer func() { w.stack = w.stack[:len(w.stack)-1] }()

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.problems = append(w.problems, recov.NewError(recov.KindSourceUnreadable, dir, err))
		return nil
	}

	for _, entry := range entries {
		if err := w.ctx.Err(); err != nil {
			return err
		}

		full := filepath.Join(dir, entry.Name())
		childRel := path.Join(rel, entry.Name())

		// Stat follows symlinks.
		childInfo, err := os.Stat(full)
		if err != nil {
			if !w.matcher.Match(childRel, entry.IsDir()) {
				w.problems = append(w.problems, recov.NewError(recov.KindSourceUnreadable, full, err))
			}
			continue
		}
		if w.matcher.Match(childRel, childInfo.IsDir()) {
			continue
		}

		switch {
		case childInfo.IsDir():
			if err := w.walk(full, childRel, childInfo); err != nil {
				return err
			}
		case childInfo.Mode().IsRegular():
			w.files = append(w.files, recov.NewPath(full, false, childInfo).WithRelative(childRel))
		}
	}
	return nil
}
