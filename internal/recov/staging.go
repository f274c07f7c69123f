package recov

import (
	"errors"
	"io"
)

// ErrStagingFull is returned by StagingArea.Stage when accepting the content
// would exceed the configured maximum size.
var ErrStagingFull = errors.New("staging area full")

// StagingArea spools encoded payloads before they are uploaded to the vault.
// Vault uploads need the exact size up front, which is unknown until a
// compressed or encrypted stream has been fully produced.
type StagingArea interface {
	// Stage reads r to completion and stores it. Returns a handle and the
	// number of bytes stored.
	Stage(r io.Reader) (handle string, size int64, err error)

	// Open returns a reader for staged content.
	Open(handle string) (io.ReadCloser, error)

	// Remove deletes staged content. Removing a missing handle is not an error.
	Remove(handle string) error

	// Size returns the total size of staged content in bytes.
	Size() (int64, error)
}
