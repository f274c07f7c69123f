package staging

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"recov-go/internal/recov"
)

// Area implements recov.StagingArea using a pluggable stagingStore
// for the storage mechanics. Size accounting lives here.
type Area struct {
	store   stagingStore
	maxSize int64
	mu      sync.Mutex
}

var _ recov.StagingArea = (*Area)(nil)

// errOverLimit marks a read that went past the remaining budget.
var errOverLimit = errors.New("over limit")

// limitedReader fails once more than n bytes have been read.
type limitedReader struct {
	r io.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n < 0 {
		return 0, errOverLimit
	}
	if int64(len(p)) > l.n+1 {
		p = p[:l.n+1]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	if l.n < 0 {
		return n, errOverLimit
	}
	return n, err
}

// Stage reads r into the store. The lock is held for the whole copy, so the
// size budget cannot be oversubscribed by concurrent stagers.
func (s *Area) Stage(r io.Reader) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	used, err := s.store.ContentSize()
	if err != nil {
		return "", 0, fmt.Errorf("getting current size: %w", err)
	}

	handle, size, err := s.store.StoreContent(&limitedReader{r: r, n: s.maxSize - used})
	if err != nil {
		if errors.Is(err, errOverLimit) {
			return "", 0, fmt.Errorf("%w: would exceed max size of %d bytes", recov.ErrStagingFull, s.maxSize)
		}
		return "", 0, fmt.Errorf("storing content: %w", err)
	}
	return handle, size, nil
}

// Open returns a reader for staged content.
func (s *Area) Open(handle string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.OpenContent(handle)
}

// Remove deletes staged content.
func (s *Area) Remove(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.RemoveContent(handle)
	return nil
}

// Size returns the total size of staged content in bytes.
func (s *Area) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.ContentSize()
}
