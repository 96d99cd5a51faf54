package egress

import (
	"math/rand"
	"sync"
	"time"
)

// maxRetryQueueLen bounds the retry queue at 100 entries (spec §4.2:
// "a bounded retry queue (cap 100); pushing past the cap drops the
// oldest queued retry").
const maxRetryQueueLen = 100

// retryJob is one failed batch send awaiting its next attempt.
type retryJob struct {
	kind    Kind
	items   []any
	attempt int
	id      int64
}

// retryQueue is a bounded, drop-oldest FIFO of pending retries. Each
// job also owns its own backoff timer (the self-rescheduling one-shot
// timer pattern used throughout this module), so the queue itself is
// just bookkeeping for the bound and for Stop()'s cancellation sweep.
type retryQueue struct {
	mu      sync.Mutex
	jobs    map[int64]*retryJob
	order   []int64
	nextID  int64
	timers  map[int64]*time.Timer
	dropped int64
}

func newRetryQueue() *retryQueue {
	return &retryQueue{
		jobs:   make(map[int64]*retryJob),
		timers: make(map[int64]*time.Timer),
	}
}

// push enqueues job, evicting the oldest queued job first if the queue
// is already at capacity, and returns the job's assigned id.
func (q *retryQueue) push(job *retryJob, timer *time.Timer) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) >= maxRetryQueueLen {
		oldest := q.order[0]
		q.order = q.order[1:]
		if t, ok := q.timers[oldest]; ok {
			t.Stop()
			delete(q.timers, oldest)
		}
		delete(q.jobs, oldest)
		q.dropped++
	}

	q.nextID++
	job.id = q.nextID
	q.jobs[job.id] = job
	q.order = append(q.order, job.id)
	q.timers[job.id] = timer
	return job.id
}

// remove drops a job from the queue when its backoff timer fires, just
// before the retry attempt is dispatched, without touching that
// (already-fired) timer.
func (q *retryQueue) remove(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, id)
	delete(q.timers, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// stopAll cancels every pending retry timer, used on Stop().
func (q *retryQueue) stopAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.timers {
		t.Stop()
	}
}

func (q *retryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

func (q *retryQueue) droppedCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// backoff computes the exponential-backoff-with-jitter delay for a
// given attempt number (0-indexed), per spec §4.2: "min(2^attempt *
// 1s, 30s) plus uniform jitter up to 20% of the base delay".
func backoff(attempt int) time.Duration {
	base := time.Duration(1) << uint(attempt) * time.Second
	const cap = 30 * time.Second
	if base > cap {
		base = cap
	}
	jitter := time.Duration(rand.Int63n(int64(base)/5 + 1))
	return base + jitter
}
