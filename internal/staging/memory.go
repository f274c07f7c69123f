package staging

import (
	"bytes"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// memoryStore keeps staged payloads in byte slices. Useful for tests and
// for small backups where a spool directory is not wanted.
type memoryStore struct {
	content map[string][]byte
	size    int64
}

var _ stagingStore = (*memoryStore)(nil)

// NewMemoryStagingArea creates a new in-memory staging area.
// maxSize is the maximum total size in bytes; must be positive.
func NewMemoryStagingArea(maxSize int64) *Area {
	return &Area{
		store:   &memoryStore{content: make(map[string][]byte)},
		maxSize: maxSize,
	}
}

func (m *memoryStore) StoreContent(r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	handle := uuid.NewString()
	m.content[handle] = data
	m.size += int64(len(data))
	return handle, int64(len(data)), nil
}

func (m *memoryStore) RemoveContent(handle string) {
	if data, ok := m.content[handle]; ok {
		m.size -= int64(len(data))
		delete(m.content, handle)
	}
}

func (m *memoryStore) OpenContent(handle string) (io.ReadCloser, error) {
	data, ok := m.content[handle]
	if !ok {
		return nil, fmt.Errorf("staged content not found: %s", handle)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) ContentSize() (int64, error) {
	return m.size, nil
}
