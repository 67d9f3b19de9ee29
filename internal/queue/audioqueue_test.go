package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
	"github.com/beastyrabbit/infinitune-sub001/internal/queue"
)

// pollServer is a tiny in-memory stand-in for an audio provider's poll
// endpoint, letting tests drive status transitions deterministically.
type pollServer struct {
	mu       sync.Mutex
	statuses map[string]provider.AudioStatus
}

func newPollServer() *pollServer {
	return &pollServer{statuses: make(map[string]provider.AudioStatus)}
}

func (p *pollServer) set(taskID string, status provider.AudioStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[taskID] = status
}

func (p *pollServer) poll(ctx context.Context, taskID string) (provider.AudioPollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.statuses[taskID]
	if !ok {
		status = provider.AudioNotFound
	}
	return provider.AudioPollResult{Status: status, AudioPath: "/audio/" + taskID}, nil
}

func TestAudioQueue_SubmitThenPollSucceeds(t *testing.T) {
	srv := newPollServer()
	q := queue.NewAudioQueue(queue.AudioQueueConfig{PollInterval: 10 * time.Millisecond}, srv.poll, nil)
	defer q.Stop()

	submitted := make(chan struct{})
	go func() {
		<-submitted
		time.Sleep(20 * time.Millisecond)
		srv.set("task-1", provider.AudioSucceeded)
	}()

	res, _, err := q.Enqueue(context.Background(), "song-1", 1, func(ctx context.Context) (any, error) {
		close(submitted)
		return provider.AudioSubmitResult{TaskID: "task-1"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != provider.AudioSucceeded {
		t.Errorf("status = %v, want succeeded", res.Status)
	}
	if res.AudioPath != "/audio/task-1" {
		t.Errorf("audio path = %q", res.AudioPath)
	}
}

func TestAudioQueue_OnlyOneActiveSlot(t *testing.T) {
	srv := newPollServer()
	q := queue.NewAudioQueue(queue.AudioQueueConfig{PollInterval: 10 * time.Millisecond}, srv.poll, nil)
	defer q.Stop()

	firstSubmitted := make(chan struct{})
	go q.Enqueue(context.Background(), "song-first", 10, func(ctx context.Context) (any, error) {
		close(firstSubmitted)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-firstSubmitted

	time.Sleep(20 * time.Millisecond)
	pending, active, _, _ := q.Stats()
	if !active {
		t.Fatal("expected a slot to be active after first submit")
	}

	secondStarted := make(chan struct{}, 1)
	go q.Enqueue(context.Background(), "song-second", 5, func(ctx context.Context) (any, error) {
		secondStarted <- struct{}{}
		return provider.AudioSubmitResult{TaskID: "task-2"}, nil
	})
	time.Sleep(20 * time.Millisecond)

	select {
	case <-secondStarted:
		t.Fatal("second item's executor ran while the first slot was still occupied")
	default:
	}

	pending, active, _, _ = q.Stats()
	if pending != 1 || !active {
		t.Errorf("pending=%d active=%v, want 1,true", pending, active)
	}
}

func TestAudioQueue_NotFoundWithinGraceDoesNotResolve(t *testing.T) {
	srv := newPollServer() // task-1 defaults to not_found (absent from the map)
	q := queue.NewAudioQueue(queue.AudioQueueConfig{
		PollInterval:  5 * time.Millisecond,
		NotFoundGrace: 60 * time.Millisecond,
	}, srv.poll, nil)
	defer q.Stop()

	done := make(chan provider.AudioPollResult, 1)
	go func() {
		res, _, _ := q.Enqueue(context.Background(), "song-1", 1, func(ctx context.Context) (any, error) {
			return provider.AudioSubmitResult{TaskID: "task-1"}, nil
		})
		done <- res
	}()

	select {
	case <-done:
		t.Fatal("resolved before the not_found grace period elapsed")
	case <-time.After(30 * time.Millisecond):
	}

	select {
	case res := <-done:
		if res.Status != provider.AudioNotFound {
			t.Errorf("status = %v, want not_found", res.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("not_found never resolved after the grace period")
	}
}

func TestAudioQueue_ResumePollSkipsSubmission(t *testing.T) {
	srv := newPollServer()
	srv.set("task-resumed", provider.AudioSucceeded)
	q := queue.NewAudioQueue(queue.AudioQueueConfig{PollInterval: 10 * time.Millisecond}, srv.poll, nil)
	defer q.Stop()

	res, _, err := q.ResumePoll(context.Background(), "song-1", "task-resumed", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != provider.AudioSucceeded {
		t.Errorf("status = %v, want succeeded", res.Status)
	}
}

func TestAudioQueue_CancelMidPollLeavesSlotActive(t *testing.T) {
	srv := newPollServer()
	q := queue.NewAudioQueue(queue.AudioQueueConfig{PollInterval: 10 * time.Millisecond}, srv.poll, nil)
	defer q.Stop()

	errCh := make(chan error, 1)
	submitted := make(chan struct{})
	go func() {
		_, _, err := q.Enqueue(context.Background(), "song-1", 1, func(ctx context.Context) (any, error) {
			close(submitted)
			return provider.AudioSubmitResult{TaskID: "task-1"}, nil
		})
		errCh <- err
	}()
	<-submitted
	time.Sleep(20 * time.Millisecond)

	q.CancelSong("song-1")

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller never unblocked")
	}

	_, active, _, _ := q.Stats()
	if !active {
		t.Error("slot should remain occupied after a mid-poll cancellation; the provider task keeps running")
	}
}
