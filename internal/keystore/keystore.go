// Package keystore holds the master secret used to sign recovery tokens.
package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/awnumar/memguard"

	"recov-go/internal/config"
	"recov-go/internal/recov"
)

// KeySize is the length of the master secret in bytes.
const KeySize = 32

// FileKeyStore keeps the master secret in a file readable only by its owner.
// The secret is generated on first use. Once loaded it lives in a memguard
// enclave, encrypted at rest in memory, and is only decrypted into a locked
// buffer for the duration of a WithSigningKey call.
type FileKeyStore struct {
	path string

	mu      sync.Mutex
	enclave *memguard.Enclave
}

var _ recov.KeyStore = (*FileKeyStore)(nil)

// NewFileKeyStore creates a FileKeyStore. Nothing is read until first use.
func NewFileKeyStore(path string) *FileKeyStore {
	return &FileKeyStore{path: path}
}

func (k *FileKeyStore) WithSigningKey(fn func(key []byte) error) error {
	enclave, err := k.load()
	if err != nil {
		return err
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

func (k *FileKeyStore) load() (*memguard.Enclave, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.enclave != nil {
		return k.enclave, nil
	}

	data, err := os.ReadFile(k.path)
	switch {
	case err == nil:
		if len(data) != KeySize {
			memguard.WipeBytes(data)
			return nil, fmt.Errorf("key file %s: want %d bytes, got %d", k.path, KeySize, len(data))
		}
		k.enclave = memguard.NewEnclave(data)
	case errors.Is(err, os.ErrNotExist):
		if k.enclave, err = k.generate(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return k.enclave, nil
}

// generate creates a fresh secret and persists it without replacing a file
// another process may have written in the meantime.
func (k *FileKeyStore) generate() (*memguard.Enclave, error) {
	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	buf := memguard.NewBufferRandom(KeySize)
	defer buf.Destroy()

	f, err := os.OpenFile(k.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		data, err := os.ReadFile(k.path)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		if len(data) != KeySize {
			return nil, fmt.Errorf("key file %s: want %d bytes, got %d", k.path, KeySize, len(data))
		}
		return memguard.NewEnclave(data), nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating key file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(k.path)
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(k.path)
		return nil, fmt.Errorf("closing key file: %w", err)
	}

	return buf.Seal(), nil
}

// MemoryKeyStore holds a fixed secret. Use in tests.
type MemoryKeyStore struct {
	key []byte
}

var _ recov.KeyStore = (*MemoryKeyStore)(nil)

// NewMemoryKeyStore creates a MemoryKeyStore with a copy of key.
func NewMemoryKeyStore(key []byte) *MemoryKeyStore {
	return &MemoryKeyStore{key: append([]byte(nil), key...)}
}

func (k *MemoryKeyStore) WithSigningKey(fn func(key []byte) error) error {
	return fn(k.key)
}

// NewKeyStoreFromConfig builds the key store selected by cfg.Type.
func NewKeyStoreFromConfig(cfg config.KeyStoreConfig) (recov.KeyStore, error) {
	switch cfg.Type {
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("file key store requires a path")
		}
		return NewFileKeyStore(cfg.Path), nil
	case "memory":
		return NewMemoryKeyStore([]byte(cfg.Secret)), nil
	default:
		return nil, fmt.Errorf("unknown key store type: %s", cfg.Type)
	}
}
