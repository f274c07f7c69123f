package recov

import (
	"context"
	"sync"
)

// Progress is a snapshot of a long-running operation.
type Progress struct {
	Phase   string
	Current int
	Total   int
	Path    string
}

// ProgressFunc receives progress reports. It is called synchronously from
// the operation and must not block.
type ProgressFunc func(Progress)

func (f ProgressFunc) report(p Progress) {
	if f != nil {
		f(p)
	}
}

// Task is a long-running operation executing in its own goroutine.
type Task[T any] struct {
	progress chan Progress
	done     chan struct{}
	cancel   context.CancelFunc

	mu     sync.Mutex
	result T
	err    error
}

// Go starts fn in a new goroutine. fn receives a cancellable context and a
// ProgressFunc feeding the task's progress channel. Progress reports are
// dropped when the consumer falls behind, so fn never stalls on a slow reader.
func Go[T any](ctx context.Context, fn func(ctx context.Context, progress ProgressFunc) (T, error)) *Task[T] {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{
		progress: make(chan Progress, 16),
		done:     make(chan struct{}),
		cancel:   cancel,
	}

	report := func(p Progress) {
		select {
		case t.progress <- p:
		default:
		}
	}

	go func() {
		defer close(t.done)
		defer close(t.progress)
		defer cancel()

		res, err := fn(ctx, report)

		t.mu.Lock()
		t.result, t.err = res, err
		t.mu.Unlock()
	}()

	return t
}

// Progress returns the channel of progress reports. It is closed when the
// task finishes.
func (t *Task[T]) Progress() <-chan Progress {
	return t.progress
}

// Done is closed when the task finishes.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Cancel requests cancellation. The operation stops at its next file boundary.
func (t *Task[T]) Cancel() {
	t.cancel()
}

// Wait blocks until the task finishes and returns its outcome.
func (t *Task[T]) Wait() (T, error) {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}
