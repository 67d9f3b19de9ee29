package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/beastyrabbit/infinitune-sub001/internal/observe"
	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
)

// PollFunc polls the audio provider for the current status of taskID.
// Supplied by the caller (the song pipeline) wiring in a concrete
// provider.Audio implementation — the queue itself never imports a provider
// package's HTTP client, only the shared result types.
type PollFunc func(ctx context.Context, taskID string) (provider.AudioPollResult, error)

// AudioQueue is the submit-then-poll queue: exactly one active slot
// system-wide, split into a submitting substate (an executor in flight
// producing a taskID) and a polling substate (a ticker advances the slot on
// a fixed interval until the provider reports a terminal status).
type AudioQueue struct {
	pollInterval  time.Duration
	notFoundGrace time.Duration
	pollFn        PollFunc
	metrics       *observe.Metrics

	mu      sync.Mutex
	pending []*item
	active  *audioSlot
	stopped bool

	stopOnce sync.Once
	done     chan struct{}

	errCount  int
	lastError error
}

// audioSlot is the single active slot's state.
type audioSlot struct {
	it            *item
	taskID        string
	submittedAt   time.Time
	polling       bool
	notFoundSince time.Time
}

// AudioQueueConfig tunes an [AudioQueue].
type AudioQueueConfig struct {
	PollInterval  time.Duration // default 2s
	NotFoundGrace time.Duration // default 120s
}

// NewAudioQueue creates an AudioQueue and starts its polling ticker.
func NewAudioQueue(cfg AudioQueueConfig, pollFn PollFunc, metrics *observe.Metrics) *AudioQueue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.NotFoundGrace <= 0 {
		cfg.NotFoundGrace = 120 * time.Second
	}
	q := &AudioQueue{
		pollInterval:  cfg.PollInterval,
		notFoundGrace: cfg.NotFoundGrace,
		pollFn:        pollFn,
		metrics:       metrics,
		done:          make(chan struct{}),
	}
	go q.tick()
	return q
}

// Enqueue submits exec (the audio submission call) for songID, blocking
// until the resulting task resolves succeeded/failed/not_found, is
// cancelled, or ctx is done. exec must return a provider.AudioSubmitResult.
func (q *AudioQueue) Enqueue(ctx context.Context, songID string, priority int, exec Executor) (provider.AudioPollResult, time.Duration, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return provider.AudioPollResult{}, 0, ErrStopped
	}

	it := newItem(songID, priority, "audio", exec)
	if q.active == nil {
		q.active = &audioSlot{it: it}
		q.mu.Unlock()
		q.addActiveGauge(1)
		go q.submit(it)
	} else {
		q.pending = append(q.pending, it)
		q.sortPendingLocked()
		q.mu.Unlock()
		q.addDepth(1)
	}

	return q.await(ctx, it)
}

// ResumePoll inserts a priority-0 item that skips submission entirely and
// starts directly in the polling substate, preserving the "exactly one
// active slot" invariant across a process restart.
func (q *AudioQueue) ResumePoll(ctx context.Context, songID, taskID string, submittedAt time.Time) (provider.AudioPollResult, time.Duration, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return provider.AudioPollResult{}, 0, ErrStopped
	}

	it := newItem(songID, 0, "audio", nil)
	it.presetTaskID = taskID
	it.presetSubmittedAt = submittedAt
	if q.active == nil {
		q.active = &audioSlot{it: it, taskID: taskID, submittedAt: submittedAt, polling: true}
		q.mu.Unlock()
		q.addActiveGauge(1)
	} else {
		q.pending = append([]*item{it}, q.pending...)
		q.mu.Unlock()
		q.addDepth(1)
	}
	return q.await(ctx, it)
}

func (q *AudioQueue) await(ctx context.Context, it *item) (provider.AudioPollResult, time.Duration, error) {
	select {
	case r := <-it.resultCh:
		if r.err != nil {
			return provider.AudioPollResult{}, r.processingTime, r.err
		}
		out, _ := r.value.(provider.AudioPollResult)
		return out, r.processingTime, nil
	case <-ctx.Done():
		return provider.AudioPollResult{}, 0, ctx.Err()
	}
}

// submit runs the submission executor; on success it transitions the slot
// into polling, on failure it frees the slot and drains the next pending item.
func (q *AudioQueue) submit(it *item) {
	start := time.Now()
	v, err := it.executor(it.ctx)

	q.mu.Lock()
	if err != nil {
		q.errCount++
		q.lastError = err
		q.active = nil
		next, needsSubmit := q.promoteLocked()
		q.mu.Unlock()
		q.addActiveGauge(-1)
		if next != nil {
			q.addDepth(-1)
			if needsSubmit {
				go q.submit(next)
			}
		}
		it.resolve(result{err: err, processingTime: time.Since(start)})
		return
	}

	sr, _ := v.(provider.AudioSubmitResult)
	q.active.taskID = sr.TaskID
	q.active.submittedAt = start
	q.active.polling = true
	q.mu.Unlock()
}

// tick drives the polling substate on a fixed interval.
func (q *AudioQueue) tick() {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.pollOnce()
		}
	}
}

func (q *AudioQueue) pollOnce() {
	q.mu.Lock()
	slot := q.active
	if slot == nil || !slot.polling {
		q.mu.Unlock()
		return
	}
	taskID := slot.taskID
	q.mu.Unlock()

	res, err := q.pollFn(context.Background(), taskID)

	q.mu.Lock()
	// The slot may have been freed (e.g. cancelled+replaced) between the
	// unlock above and here; re-validate before mutating.
	if q.active == nil || q.active.taskID != taskID {
		q.mu.Unlock()
		return
	}
	if err != nil {
		q.mu.Unlock()
		return
	}

	switch res.Status {
	case provider.AudioRunning:
		q.mu.Unlock()

	case provider.AudioNotFound:
		if q.active.notFoundSince.IsZero() {
			q.active.notFoundSince = time.Now()
			q.mu.Unlock()
			return
		}
		if time.Since(q.active.notFoundSince) < q.notFoundGrace {
			q.mu.Unlock()
			return
		}
		it := q.active.it
		q.active = nil
		next, needsSubmit := q.promoteLocked()
		q.mu.Unlock()
		q.addActiveGauge(-1)
		if next != nil {
			q.addDepth(-1)
			if needsSubmit {
				go q.submit(next)
			}
		}
		it.resolve(result{value: res})

	default: // succeeded or failed: both terminal
		it := q.active.it
		q.active = nil
		next, needsSubmit := q.promoteLocked()
		q.mu.Unlock()
		q.addActiveGauge(-1)
		if next != nil {
			q.addDepth(-1)
			if needsSubmit {
				go q.submit(next)
			}
		}
		it.resolve(result{value: res})
	}
}

// promoteLocked pops the next pending item into the active slot. It reports
// whether the caller still needs to run the submission executor: a
// ResumePoll item already carries a live taskID and enters directly in the
// polling substate.
func (q *AudioQueue) promoteLocked() (next *item, needsSubmit bool) {
	if len(q.pending) == 0 {
		return nil, false
	}
	next = q.pending[0]
	q.pending = q.pending[1:]
	if next.presetTaskID != "" {
		q.active = &audioSlot{it: next, taskID: next.presetTaskID, submittedAt: next.presetSubmittedAt, polling: true}
		return next, false
	}
	q.active = &audioSlot{it: next}
	return next, true
}

// CancelSong cancels songID's pending or submitting item. A song already in
// the polling substate is detached from its caller but the external task
// keeps running — the slot
// frees itself naturally on the next terminal poll result.
func (q *AudioQueue) CancelSong(songID string) {
	q.mu.Lock()
	for i, it := range q.pending {
		if it.songID == songID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.mu.Unlock()
			it.resolve(result{err: ErrCancelled})
			q.addDepth(-1)
			return
		}
	}
	if q.active != nil && q.active.it.songID == songID {
		q.active.it.cancel()
		q.active.it.resolve(result{err: ErrCancelled})
	}
	q.mu.Unlock()
}

// RefreshConcurrency is a no-op for the audio queue, which is fixed at
// exactly one active slot system-wide, regardless of provider limits.
func (q *AudioQueue) RefreshConcurrency(int) {}

// Stats reports current pending count, whether a slot is active, and the
// last submission/poll error.
func (q *AudioQueue) Stats() (pending int, activeOccupied bool, errCount int, lastErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), q.active != nil, q.errCount, q.lastError
}

// Stop stops the polling ticker, marks the queue stopped, and cancels every
// pending item and the active one: their callers receive ErrStopped and the
// active executor's ctx is cancelled.
func (q *AudioQueue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		dropped := len(q.pending)
		outstanding := q.pending
		q.pending = nil
		if q.active != nil {
			outstanding = append(outstanding, q.active.it)
		}
		for _, it := range outstanding {
			it.cancel()
			it.resolve(result{err: ErrStopped})
		}
		q.mu.Unlock()
		close(q.done)
		if dropped > 0 {
			q.addDepth(-dropped)
		}
	})
}

func (q *AudioQueue) sortPendingLocked() {
	sort.SliceStable(q.pending, func(i, j int) bool {
		return less(q.pending[i], q.pending[j])
	})
}

func (q *AudioQueue) addDepth(delta int) {
	if q.metrics == nil {
		return
	}
	q.metrics.QueueDepth.Add(context.Background(), int64(delta),
		metric.WithAttributes(observe.Attr("queue", "audio")),
	)
}

func (q *AudioQueue) addActiveGauge(delta int) {
	if q.metrics == nil {
		return
	}
	q.metrics.ActiveAudioSlots.Add(context.Background(), int64(delta))
}
