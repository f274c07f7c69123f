package staging

import "io"

// stagingStore abstracts the storage mechanics for a staging area.
// Concurrency is managed by the caller (Area.mu), so stores
// do not need to be safe for concurrent use.
type stagingStore interface {
	// StoreContent reads r to completion and stores it under a new handle.
	StoreContent(r io.Reader) (handle string, size int64, err error)

	// RemoveContent removes stored content (best-effort).
	RemoveContent(handle string)

	// OpenContent returns a reader for stored content.
	OpenContent(handle string) (io.ReadCloser, error)

	// ContentSize returns total bytes of all stored content.
	ContentSize() (int64, error)
}
