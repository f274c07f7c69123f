package recov

import "io"

// Vault provides an interface for archive storage backends.
// All operations use io.Reader/io.Writer for streaming to support large files
// without loading them entirely into memory.
type Vault interface {
	// PutContent stores an object under key.
	// size is the number of bytes that will be read from r.
	// Writing an existing key replaces it atomically.
	PutContent(key string, r io.Reader, size int64) error

	// GetContent retrieves the object stored under key and writes it to w.
	// Returns an error wrapping ErrContentNotFound if the key does not exist.
	GetContent(key string, w io.Writer) error

	// HasContent reports whether an object exists under key.
	HasContent(key string) (bool, error)

	// DeleteContent removes the object under key. Deleting a missing key is not an error.
	DeleteContent(key string) error

	// PutMetadata stores a named metadata item for a specific host.
	// version is stored alongside the metadata for consistency checks.
	// Known names: "db" (SQLite manifest store snapshot).
	PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error

	// GetMetadata retrieves a named metadata item for a specific host and writes it to w.
	GetMetadata(hostID string, name string, w io.Writer) error

	// GetMetadataVersion returns the metadata version for a named item on a host.
	// Returns 0 if no metadata has been stored for this host/name.
	GetMetadataVersion(hostID string, name string) (int64, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup() error
}
