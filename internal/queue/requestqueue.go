package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/beastyrabbit/infinitune-sub001/internal/observe"
)

// RequestQueue is the request-response queue variant
// describes for the llm and image endpoints: a sorted pending list and a
// bounded active set keyed by songID. When an active slot frees, the next
// pending item is promoted under the mutex.
type RequestQueue struct {
	name    string
	metrics *observe.Metrics

	mu          sync.Mutex
	concurrency int
	pending     []*item
	active      map[string]*item
	stopped     bool

	errCount  int
	lastError error
}

// NewRequestQueue creates a RequestQueue named name (used as the "queue"
// metric attribute) with the given initial concurrency.
func NewRequestQueue(name string, concurrency int, metrics *observe.Metrics) *RequestQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &RequestQueue{
		name:        name,
		metrics:     metrics,
		concurrency: concurrency,
		active:      make(map[string]*item),
	}
}

// Enqueue submits exec for songID at priority, blocking until it completes,
// is cancelled via CancelSong, or ctx is done. Returns the executor's result
// and the wall-clock processing time.
func (q *RequestQueue) Enqueue(ctx context.Context, songID string, priority int, endpoint string, exec Executor) (any, time.Duration, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, 0, ErrStopped
	}

	it := newItem(songID, priority, endpoint, exec)
	if len(q.active) < q.concurrency {
		q.active[songID] = it
		q.mu.Unlock()
		go q.run(it)
	} else {
		q.pending = append(q.pending, it)
		q.sortPendingLocked()
		q.mu.Unlock()
		q.addDepth(1)
	}

	select {
	case r := <-it.resultCh:
		return r.value, r.processingTime, r.err
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// run executes it outside the queue lock and, on completion, frees the slot
// and promotes the next pending item.
func (q *RequestQueue) run(it *item) {
	start := time.Now()
	v, err := it.executor(it.ctx)
	elapsed := time.Since(start)

	q.mu.Lock()
	delete(q.active, it.songID)
	if err != nil {
		q.errCount++
		q.lastError = err
	}
	next := q.promoteLocked()
	q.mu.Unlock()
	if next != nil {
		q.addDepth(-1)
	}

	it.resolve(result{value: v, err: err, processingTime: elapsed})

	if next != nil {
		go q.run(next)
	}
}

// promoteLocked pops the highest-priority pending item into the active set,
// if a slot is free. Must be called with q.mu held.
func (q *RequestQueue) promoteLocked() *item {
	if len(q.pending) == 0 || len(q.active) >= q.concurrency {
		return nil
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	q.active[next.songID] = next
	return next
}

// CancelSong cancels songID's pending or active item in this queue, if any.
func (q *RequestQueue) CancelSong(songID string) {
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
	if it, ok := q.active[songID]; ok {
		it.cancel()
	}
	q.mu.Unlock()
}

// UpdatePendingPriority changes songID's priority if it is still pending,
// without losing its place on ties against equal-priority items already
// ahead of it (resort re-establishes FIFO order for the new priority band).
func (q *RequestQueue) UpdatePendingPriority(songID string, newPriority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.pending {
		if it.songID == songID {
			it.priority = newPriority
			q.sortPendingLocked()
			return
		}
	}
}

// ResortPending re-sorts the pending list, e.g. after an epoch bump changed
// many songs' priorities at once.
func (q *RequestQueue) ResortPending() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sortPendingLocked()
}

func (q *RequestQueue) sortPendingLocked() {
	sort.SliceStable(q.pending, func(i, j int) bool {
		return less(q.pending[i], q.pending[j])
	})
}

// RefreshConcurrency changes the active-slot limit without dropping queued
// or in-flight work; an increase immediately promotes pending items.
func (q *RequestQueue) RefreshConcurrency(limit int) {
	if limit < 1 {
		limit = 1
	}
	q.mu.Lock()
	q.concurrency = limit
	var promoted []*item
	for {
		next := q.promoteLocked()
		if next == nil {
			break
		}
		promoted = append(promoted, next)
	}
	q.mu.Unlock()
	if len(promoted) > 0 {
		q.addDepth(-len(promoted))
	}
	for _, it := range promoted {
		go q.run(it)
	}
}

// Stop marks the queue as stopped; further Enqueue calls return ErrStopped.
// The ctx of every pending and active item is cancelled; each caller still
// receives its executor's result once the executor returns.
func (q *RequestQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	for _, it := range q.pending {
		it.cancel()
	}
	for _, it := range q.active {
		it.cancel()
	}
	q.mu.Unlock()
}

// Stats reports current pending/active counts and the last executor error,
// for diagnostics.
func (q *RequestQueue) Stats() (pending, active, errCount int, lastErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.active), q.errCount, q.lastError
}

// addDepth applies delta to the queue depth gauge (infinitune.queue.depth)
// for this queue's name.
// Called outside q.mu — the gauge is a best-effort observability signal,
// not a source of truth for scheduling.
func (q *RequestQueue) addDepth(delta int) {
	if q.metrics == nil {
		return
	}
	q.metrics.QueueDepth.Add(context.Background(), int64(delta),
		metric.WithAttributes(observe.Attr("queue", q.name)),
	)
}
