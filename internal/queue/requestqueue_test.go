package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/queue"
)

func blockingExecutor(release <-chan struct{}, value any) queue.Executor {
	return func(ctx context.Context) (any, error) {
		select {
		case <-release:
			return value, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestRequestQueue_EnqueueRunsImmediatelyUnderCapacity(t *testing.T) {
	q := queue.NewRequestQueue("llm", 2, nil)
	v, _, err := q.Enqueue(context.Background(), "song-1", 5, "openai", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" {
		t.Errorf("value = %v, want ok", v)
	}
}

func TestRequestQueue_PendingItemPromotedWhenSlotFrees(t *testing.T) {
	q := queue.NewRequestQueue("llm", 1, nil)
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Enqueue(context.Background(), "song-occupying", 10, "openai", blockingExecutor(release, "first"))
	}()

	// Give the first enqueue time to claim the only active slot.
	time.Sleep(20 * time.Millisecond)

	done := make(chan any, 1)
	go func() {
		v, _, _ := q.Enqueue(context.Background(), "song-pending", 5, "openai", func(ctx context.Context) (any, error) {
			return "second", nil
		})
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	pending, active, _, _ := q.Stats()
	if pending != 1 || active != 1 {
		t.Fatalf("before release: pending=%d active=%d, want 1,1", pending, active)
	}

	close(release)
	wg.Wait()

	select {
	case v := <-done:
		if v != "second" {
			t.Errorf("second result = %v, want second", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending item was never promoted")
	}
}

func TestRequestQueue_CancelSongRemovesPendingItem(t *testing.T) {
	q := queue.NewRequestQueue("llm", 1, nil)
	release := make(chan struct{})
	defer close(release)

	go q.Enqueue(context.Background(), "song-occupying", 10, "openai", blockingExecutor(release, "first"))
	time.Sleep(20 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, _, err := q.Enqueue(context.Background(), "song-cancelled", 5, "openai", func(ctx context.Context) (any, error) {
			return nil, nil
		})
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	q.CancelSong("song-cancelled")

	select {
	case err := <-errCh:
		if !errors.Is(err, queue.ErrCancelled) {
			t.Errorf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled enqueue never returned")
	}
}

func TestRequestQueue_CancelSongCancelsActiveContext(t *testing.T) {
	q := queue.NewRequestQueue("llm", 1, nil)
	started := make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, _, err := q.Enqueue(context.Background(), "song-active", 1, "openai", func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		errCh <- err
	}()

	<-started
	q.CancelSong("song-active")

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected non-nil error after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("active item's executor never observed cancellation")
	}
}

func TestRequestQueue_UpdatePendingPriorityReordersDequeue(t *testing.T) {
	q := queue.NewRequestQueue("llm", 1, nil)
	release := make(chan struct{})

	go q.Enqueue(context.Background(), "song-occupying", 10, "openai", blockingExecutor(release, "first"))
	time.Sleep(20 * time.Millisecond)

	var order []string
	var mu sync.Mutex
	record := func(name string) queue.Executor {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); q.Enqueue(context.Background(), "song-low", 5, "openai", record("low")) }()
	time.Sleep(10 * time.Millisecond)
	go func() { defer wg.Done(); q.Enqueue(context.Background(), "song-high", 5, "openai", record("high")) }()
	time.Sleep(10 * time.Millisecond)

	// song-high arrived second at the same priority (FIFO would run it
	// last); bump it ahead of song-low.
	q.UpdatePendingPriority("song-high", 0)

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "high" {
		t.Errorf("execution order = %v, want [high low]", order)
	}
}

func TestRequestQueue_RefreshConcurrencyPromotesPending(t *testing.T) {
	q := queue.NewRequestQueue("llm", 1, nil)
	release := make(chan struct{})

	go q.Enqueue(context.Background(), "song-occupying", 10, "openai", blockingExecutor(release, "first"))
	time.Sleep(20 * time.Millisecond)

	done := make(chan any, 1)
	go func() {
		v, _, _ := q.Enqueue(context.Background(), "song-waiting", 5, "openai", func(ctx context.Context) (any, error) {
			return "ran", nil
		})
		done <- v
	}()
	time.Sleep(20 * time.Millisecond)

	q.RefreshConcurrency(2)

	select {
	case v := <-done:
		if v != "ran" {
			t.Errorf("value = %v, want ran", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("increasing concurrency did not promote the pending item")
	}
	close(release)
}

func TestRequestQueue_EnqueueAfterStopFails(t *testing.T) {
	q := queue.NewRequestQueue("llm", 1, nil)
	q.Stop()
	_, _, err := q.Enqueue(context.Background(), "song-1", 1, "openai", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	if !errors.Is(err, queue.ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}
