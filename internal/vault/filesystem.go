package vault

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"recov-go/internal/recov"
)

// FileSystemVault is a filesystem-based implementation of the Vault interface.
// It stores objects and metadata as files in a directory structure:
//
//	<root>/
//	  objects/
//	    runs/<run-id>/000001   (one file per object key)
//	  metadata/
//	    <hostID>/<name>        (per-host metadata files)
//	    <hostID>/<name>.version
type FileSystemVault struct {
	name        string
	root        string
	objectsDir  string
	metadataDir string
}

// Compile-time check that FileSystemVault implements recov.Vault interface
var _ recov.Vault = (*FileSystemVault)(nil)

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	objectsDir := filepath.Join(root, "objects")
	metadataDir := filepath.Join(root, "metadata")

	for _, dir := range []string{objectsDir, metadataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create vault directory: %w", err)
		}
	}

	return &FileSystemVault{
		name:        name,
		root:        root,
		objectsDir:  objectsDir,
		metadataDir: metadataDir,
	}, nil
}

func (v *FileSystemVault) objectPath(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return filepath.Join(v.objectsDir, filepath.FromSlash(key)), nil
}

// PutContent stores an object. An existing object under the same key is
// replaced atomically.
func (v *FileSystemVault) PutContent(key string, r io.Reader, size int64) error {
	dest, err := v.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	return writeFileAtomic(dest, r, size)
}

// GetContent retrieves an object and writes it to w.
func (v *FileSystemVault) GetContent(key string, w io.Writer) error {
	src, err := v.objectPath(key)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", recov.ErrContentNotFound, key)
		}
		return fmt.Errorf("failed to open object: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read object: %w", err)
	}
	return nil
}

func (v *FileSystemVault) HasContent(key string) (bool, error) {
	p, err := v.objectPath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking object: %w", err)
}

// DeleteContent removes an object and any directories it leaves empty.
func (v *FileSystemVault) DeleteContent(key string) error {
	p, err := v.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting object: %w", err)
	}

	for dir := filepath.Dir(p); dir != v.objectsDir && strings.HasPrefix(dir, v.objectsDir); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break // not empty
		}
	}
	return nil
}

func (v *FileSystemVault) metadataPaths(hostID, name string) (data, version string, err error) {
	if err := checkName("host id", hostID); err != nil {
		return "", "", err
	}
	if err := checkName("metadata name", name); err != nil {
		return "", "", err
	}
	dir := filepath.Join(v.metadataDir, hostID)
	return filepath.Join(dir, name), filepath.Join(dir, name+".version"), nil
}

// PutMetadata stores metadata for a specific host along with a version marker.
func (v *FileSystemVault) PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error {
	dataPath, versionPath, err := v.metadataPaths(hostID, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	if err := writeFileAtomic(dataPath, r, size); err != nil {
		return err
	}

	versionData := strconv.FormatInt(version, 10)
	return writeFileAtomic(versionPath, strings.NewReader(versionData), int64(len(versionData)))
}

// GetMetadataVersion returns the metadata version for a named item on a host.
// Returns 0 if no version file exists.
func (v *FileSystemVault) GetMetadataVersion(hostID string, name string) (int64, error) {
	_, versionPath, err := v.metadataPaths(hostID, name)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(versionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version file: %w", err)
	}

	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// GetMetadata retrieves a named metadata item for a specific host and writes it to w.
func (v *FileSystemVault) GetMetadata(hostID string, name string, w io.Writer) error {
	dataPath, _, err := v.metadataPaths(hostID, name)
	if err != nil {
		return err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("metadata %q not found for host: %s", name, hostID)
		}
		return fmt.Errorf("failed to open metadata: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	return nil
}

// ValidateSetup verifies that the vault directories are accessible and writable.
func (v *FileSystemVault) ValidateSetup() error {
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("vault root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root is not a directory: %s", v.root)
	}

	for _, dir := range []string{v.objectsDir, v.metadataDir} {
		probe, err := os.CreateTemp(dir, ".tmp-probe-*")
		if err != nil {
			return fmt.Errorf("vault directory not writable: %w", err)
		}
		probe.Close()
		os.Remove(probe.Name())
	}
	return nil
}

// writeFileAtomic writes r to destPath through a temp file and rename, so
// readers never observe a partial file.
func writeFileAtomic(destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
