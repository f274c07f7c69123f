package testutil

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"recov-go/internal/recov"
)

// Epoch is where FixedClock starts.
var Epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// StubClock only moves when a test moves it.
type StubClock struct {
	mu  sync.RWMutex
	now time.Time
}

var _ recov.Clock = (*StubClock)(nil)

func FixedClock() *StubClock {
	return &StubClock{now: Epoch}
}

func (c *StubClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *StubClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func (c *StubClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// SequentialIDs hands out "<prefix>-0001", "<prefix>-0002", ...
type SequentialIDs struct {
	prefix string
	n      atomic.Int64
}

var _ recov.IDGenerator = (*SequentialIDs)(nil)

func NewSequentialIDs(prefix string) *SequentialIDs {
	return &SequentialIDs{prefix: prefix}
}

func (g *SequentialIDs) New() string {
	return fmt.Sprintf("%s-%04d", g.prefix, g.n.Add(1))
}
