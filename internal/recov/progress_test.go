package recov_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"recov-go/internal/recov"
	"recov-go/internal/testutil"
)

func TestTask(t *testing.T) {
	t.Run("delivers progress and result", func(t *testing.T) {
		task := recov.Go(context.Background(), func(ctx context.Context, progress recov.ProgressFunc) (int, error) {
			for i := 1; i <= 3; i++ {
				progress(recov.Progress{Phase: "count", Current: i, Total: 3})
			}
			return 42, nil
		})

		var seen []int
		for p := range task.Progress() {
			seen = append(seen, p.Current)
		}
		got, err := task.Wait()
		if err != nil || got != 42 {
			t.Errorf("Wait() = %d, %v, want 42, nil", got, err)
		}
		if len(seen) != 3 {
			t.Errorf("progress reports = %v, want 3", seen)
		}
	})

	t.Run("cancel stops the task", func(t *testing.T) {
		started := make(chan struct{})
		task := recov.Go(context.Background(), func(ctx context.Context, _ recov.ProgressFunc) (struct{}, error) {
			close(started)
			<-ctx.Done()
			return struct{}{}, ctx.Err()
		})

		<-started
		task.Cancel()
		select {
		case <-task.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("task did not finish after Cancel")
		}
		if _, err := task.Wait(); !errors.Is(err, context.Canceled) {
			t.Errorf("Wait() error = %v, want context.Canceled", err)
		}
	})

	t.Run("slow consumer does not stall the task", func(t *testing.T) {
		task := recov.Go(context.Background(), func(ctx context.Context, progress recov.ProgressFunc) (int, error) {
			for i := 0; i < 1000; i++ {
				progress(recov.Progress{Current: i})
			}
			return 1, nil
		})

		select {
		case <-task.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("task blocked on unread progress")
		}
	})

	t.Run("backup as a task", func(t *testing.T) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{"a": "a", "b": "b"})

		task := recov.Go(context.Background(), func(ctx context.Context, progress recov.ProgressFunc) (*recov.BackupResult, error) {
			return h.Service.CreateBackup(ctx, "docs", []string{src}, recov.BackupOptions{}, progress)
		})
		reports := 0
		for range task.Progress() {
			reports++
		}
		res, err := task.Wait()
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if res.FilesBackedUp != 2 || reports == 0 {
			t.Errorf("FilesBackedUp = %d, reports = %d", res.FilesBackedUp, reports)
		}
	})
}
