package recov

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestOutcomeGate(t *testing.T) {
	t.Run("first caller decides", func(t *testing.T) {
		g := &outcomeGate{}
		if !g.decide() {
			t.Fatal("first decide() = false")
		}
		if g.decide() {
			t.Error("second decide() = true")
		}
	})

	t.Run("one winner under contention", func(t *testing.T) {
		g := &outcomeGate{}
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if g.decide() {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if winners != 1 {
			t.Errorf("%d winners, want 1", winners)
		}
	})
}

func TestInterrupted(t *testing.T) {
	if err := interrupted("a", context.DeadlineExceeded, time.Second); !errors.Is(err, ErrTimeout) {
		t.Errorf("deadline error = %v, want Timeout", err)
	}
	if err := interrupted("a", context.Canceled, time.Second); !errors.Is(err, ErrCancelled) {
		t.Errorf("cancel error = %v, want Cancelled", err)
	}
}
