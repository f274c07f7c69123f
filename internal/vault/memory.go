package vault

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"recov-go/internal/recov"
)

type memoryEntry struct {
	data    []byte
	version int64
}

// MemoryVault keeps objects and catalog snapshots in process memory. Tests
// use it directly and through the "memory" vault type. Safe for concurrent use.
type MemoryVault struct {
	name string

	mu       sync.RWMutex
	objects  map[string][]byte
	metadata map[[2]string]memoryEntry // {hostID, name}
}

var _ recov.Vault = (*MemoryVault)(nil)

func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:     name,
		objects:  make(map[string][]byte),
		metadata: make(map[[2]string]memoryEntry),
	}
}

func (m *MemoryVault) PutContent(key string, r io.Reader, size int64) error {
	if err := checkKey(key); err != nil {
		return err
	}
	data, err := readExactly(r, size)
	if err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}

	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryVault) GetContent(key string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", recov.ErrContentNotFound, key)
	}
	_, err := w.Write(data)
	return err
}

func (m *MemoryVault) HasContent(key string) (bool, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	return ok, nil
}

func (m *MemoryVault) DeleteContent(key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Corrupt flips a byte in the middle of a stored object and reports whether
// there was one to flip.
func (m *MemoryVault) Corrupt(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := m.objects[key]
	if len(data) == 0 {
		return false
	}
	c := bytes.Clone(data)
	c[len(c)/2] ^= 0xff
	m.objects[key] = c
	return true
}

// Len is the number of stored objects.
func (m *MemoryVault) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *MemoryVault) PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error {
	data, err := readExactly(r, size)
	if err != nil {
		return fmt.Errorf("storing metadata %s: %w", name, err)
	}

	m.mu.Lock()
	m.metadata[[2]string{hostID, name}] = memoryEntry{data: data, version: version}
	m.mu.Unlock()
	return nil
}

func (m *MemoryVault) GetMetadataVersion(hostID string, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata[[2]string{hostID, name}].version, nil
}

func (m *MemoryVault) GetMetadata(hostID string, name string, w io.Writer) error {
	m.mu.RLock()
	e, ok := m.metadata[[2]string{hostID, name}]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("metadata %q not found for host: %s", name, hostID)
	}
	_, err := w.Write(e.data)
	return err
}

func (m *MemoryVault) ValidateSetup() error {
	return nil
}
