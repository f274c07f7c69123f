package recov

import (
	"context"
	"io"
	"io/fs"
)

// FilesystemManager provides an interface for filesystem operations on
// backup sources.
type FilesystemManager interface {
	// Resolve validates a raw path and returns a Path object.
	// It resolves the path to an absolute path, stats it (following
	// symlinks), and validates it's a regular file or directory.
	Resolve(rawPath string) (*Path, error)

	// FindFiles enumerates regular files under root, recursively.
	// Symlinked directories are followed once; a link that would re-enter a
	// directory already on the walk is reported as a problem and skipped.
	// Paths that cannot be read are reported in problems instead of aborting.
	FindFiles(ctx context.Context, root *Path) (files []*Path, problems []*Error, err error)

	// Open opens a file for reading.
	Open(path *Path) (io.ReadCloser, error)

	// Stat returns fresh file info for a path.
	// Unlike path.Info() which returns cached info from when the path was resolved,
	// this always fetches current info from the filesystem.
	Stat(path *Path) (fs.FileInfo, error)
}
