package recov

import "io/fs"

// Path represents a validated filesystem path with cached metadata.
// Path objects are created by FilesystemManager which validates
// the path exists, resolves it to an absolute path, and caches stat info.
type Path struct {
	absPath string
	relPath string
	isDir   bool
	info    fs.FileInfo
}

// NewPath creates a Path from its components.
// This is primarily for use by FilesystemManager implementations.
func NewPath(absPath string, isDir bool, info fs.FileInfo) *Path {
	return &Path{
		absPath: absPath,
		isDir:   isDir,
		info:    info,
	}
}

// WithRelative returns a copy of p carrying its path relative to the walk root.
func (p *Path) WithRelative(rel string) *Path {
	c := *p
	c.relPath = rel
	return &c
}

// String returns the absolute path as a string.
func (p *Path) String() string {
	return p.absPath
}

// Relative returns the path relative to the root it was found under, using
// forward slashes. Empty for paths returned by Resolve.
func (p *Path) Relative() string {
	return p.relPath
}

// IsDir returns true if this path points to a directory.
func (p *Path) IsDir() bool {
	return p.isDir
}

// Info returns the cached file info from when the path was resolved.
func (p *Path) Info() fs.FileInfo {
	return p.info
}
