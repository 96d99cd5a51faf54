package egress

import (
	"sync"

	"github.com/brain2apm/agent/internal/estimator"
)

// batch accumulates items of one Kind until a flush trigger fires
// (spec §4.2: "Each kind has its own queue and byte counter; flush
// triggers when a queue's item count reaches batchSize OR its byte
// estimate reaches batchSizeBytes, whichever comes first").
type batch struct {
	mu    sync.Mutex
	items []any
	bytes int64
}

// add appends item and returns the batch's new (count, bytes) so the
// caller can decide whether a flush trigger fired without re-locking.
func (b *batch) add(item any) (count int, bytes int64) {
	size := estimator.Estimate(item)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, item)
	b.bytes += size
	return len(b.items), b.bytes
}

// addPreflight appends item, but first flushes the batch as it stood
// if appending item would push b.bytes past byteBudget (spec §4.2 step
// 2: a byte-overflowing item starts a fresh batch rather than being
// folded into the batch it overflows). A batch with nothing queued yet
// is never preemptively flushed, since there is nothing to flush — the
// item is simply the first one in, even if it alone exceeds byteBudget.
// Returns the drained predecessor batch (nil if none), plus the new
// batch's (count, bytes) for the caller's own threshold check.
func (b *batch) addPreflight(item any, itemBytes int64, byteBudget int64) (drained []any, count int, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) > 0 && b.bytes+itemBytes > byteBudget {
		drained = b.items
		b.items = nil
		b.bytes = 0
	}
	b.items = append(b.items, item)
	b.bytes += itemBytes
	return drained, len(b.items), b.bytes
}

// drain atomically removes and returns every item currently queued,
// resetting the batch to empty. Returns nil if there was nothing to
// drain, so callers can skip a pointless send.
func (b *batch) drain() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil
	}
	out := b.items
	b.items = nil
	b.bytes = 0
	return out
}

func (b *batch) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
