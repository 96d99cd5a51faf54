// Package queuewait implements the Queue Wait Collector of spec §4.7:
// before a request's Context exists, there is nowhere to record how
// long its message sat in the session's input queue, so this package
// stamps queue-enter-time at message arrival, hands the resolved wait
// off to the Request Tracer through the shared internal/waittable, and
// wraps the handler's unblock callable to compute blocking-time and
// waited-on against sibling messages still queued behind it. It reuses
// internal/collector.Base for the periodic message-cache sweep the same
// way internal/egress.Client reuses it for its flush loop, and
// internal/wrapping for the double-wrap guard and the unblock
// single-shot discipline.
package queuewait

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/appcache"
	"github.com/brain2apm/agent/internal/collector"
	"github.com/brain2apm/agent/internal/tracectx"
	"github.com/brain2apm/agent/internal/waittable"
	"github.com/brain2apm/agent/internal/wrapping"
)

const (
	maxMessageCacheSize = 5000
	messageTTL          = 5 * time.Minute
	sweepInterval        = 60 * time.Second
	sweepDropFraction    = 0.2
)

type queuedMessage struct {
	sessionID string
	msgID     string
	enterTime time.Time
}

// Collector is the Queue Wait Collector. One instance is shared by
// every session; per-session state lives in the bounded message cache
// and the guards map.
type Collector struct {
	base      *collector.Base
	waitTable *waittable.Table
	logger    *zap.Logger
	cache     *appcache.Cache[*queuedMessage]

	mu            sync.Mutex
	sessionGuards map[string]*wrapping.Guard
}

// New constructs a Queue Wait Collector sharing waitTable with the
// Request Tracer (spec §4.7 "Handoff").
func New(logger *zap.Logger, waitTable *waittable.Table) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		base:          collector.NewBase("queue-wait", logger),
		waitTable:     waitTable,
		logger:        logger,
		cache:         appcache.New[*queuedMessage](maxMessageCacheSize, messageTTL, sweepDropFraction),
		sessionGuards: make(map[string]*wrapping.Guard),
	}
}

// Name satisfies collector.Collector.
func (c *Collector) Name() string { return c.base.Name() }

// Stats satisfies collector.Collector.
func (c *Collector) Stats() collector.Stats { return c.base.Stats() }

// Start begins the self-rescheduling message-cache sweep (spec §4.7
// "Message cache bounds").
func (c *Collector) Start() error {
	return c.base.TryStart(func() error {
		c.base.RunSelfRescheduling(sweepInterval, c.sweep)
		return nil
	})
}

// Stop halts the sweep timer. Already-cached entries are left in
// place; they age out naturally if the collector is restarted.
func (c *Collector) Stop() error {
	return c.base.TryStop(func() error { return nil })
}

func (c *Collector) sweep() {
	expired, dropped := c.cache.Sweep()
	if expired+dropped > 0 {
		c.base.RecordCollected(int64(expired + dropped))
		c.logger.Debug("queue-wait message cache swept",
			zap.Int("expired", expired), zap.Int("droppedOldest", dropped))
	}
}

func cacheKey(sessionID, msgID string) string {
	return fmt.Sprintf("%s\x00%s", sessionID, msgID)
}

func isSession(sessionID string) func(string) bool {
	prefix := sessionID + "\x00"
	return func(key string) bool { return len(key) >= len(prefix) && key[:len(prefix)] == prefix }
}

// OnSessionOpen installs the per-session interception exactly once
// (spec §4.7 "Session bookkeeping": "Double-wrapping is prevented by a
// collector-specific marker").
func (c *Collector) OnSessionOpen(sessionID string) {
	c.mu.Lock()
	guard, ok := c.sessionGuards[sessionID]
	if !ok {
		guard = &wrapping.Guard{}
		c.sessionGuards[sessionID] = guard
	}
	c.mu.Unlock()

	guard.InstallOnce(func() {
		c.logger.Debug("queue-wait interception installed", zap.String("session", sessionID))
	})
}

// OnSessionClose evicts every (session, *) wait-list key and the
// session's wait-table entry, then releases the double-wrap guard
// (spec §4.7: "On session close ... evict all (session, *) wait-list
// keys and the currentlyProcessing entry").
func (c *Collector) OnSessionClose(sessionID string) {
	c.cache.DeleteMatching(isSession(sessionID))
	c.waitTable.Evict(sessionID)

	c.mu.Lock()
	delete(c.sessionGuards, sessionID)
	c.mu.Unlock()
}

// OnMessageEnqueue stamps queue-enter-time for an inbound method or
// sub message (spec §4.7 "Design").
func (c *Collector) OnMessageEnqueue(sessionID, msgID string) {
	c.cache.Put(cacheKey(sessionID, msgID), &queuedMessage{
		sessionID: sessionID,
		msgID:     msgID,
		enterTime: time.Now(),
	})
}

// OnHandlerEntry resolves and clears the wait list for msgID (it is no
// longer queued, it is now processing), computes its own queue-wait
// duration, and writes the handoff entry the Request Tracer consumes
// on this same sessionID (spec §4.7 "Design", §3 "DDP-wait-by-session").
func (c *Collector) OnHandlerEntry(sessionID, msgID string) {
	now := time.Now()

	own, ok := c.cache.Take(cacheKey(sessionID, msgID))
	var duration time.Duration
	if ok {
		duration = now.Sub(own.enterTime)
	}

	rest := c.cache.Match(isSession(sessionID))
	waitList := make([]string, 0, len(rest))
	for _, m := range rest {
		waitList = append(waitList, m.msgID)
	}

	c.waitTable.Put(sessionID, waittable.Entry{
		Duration:    duration,
		WaitList:    waitList,
		MessageInfo: msgID,
	})
}

// WrapUnblock instruments a host-provided unblock callable so that,
// on its first invocation, blocking-time and waited-on are computed
// against whatever messages are still queued behind this handler and
// stamped onto the active request Context (spec §4.7 "The handler's
// unblock is wrapped per §4.3 to record blocking-time and waited-on at
// its invocation"). handlerStart is the handler's own start time, used
// both for blocking-time and as the floor in the waited-on formula.
func (c *Collector) WrapUnblock(ctx context.Context, sessionID, msgID string, handlerStart time.Time, captured func()) func() {
	bookkeeping := func() {
		blockingTime := time.Since(handlerStart)
		waitedOn := c.computeWaitedOn(sessionID, msgID, handlerStart)
		if tc, ok := tracectx.FromContext(ctx); ok {
			tc.SetBlockingInfo(blockingTime, waitedOn)
		}
	}
	return wrapping.OnceFunc(c.logger, bookkeeping, captured)
}

// computeWaitedOn implements spec §4.7's "Waited-on computation":
// for each message currently in the session's input queue at the
// moment this is evaluated, its contribution is
// now - max(queue_enter_time, startTime), floored at zero, summed
// across the queue.
func (c *Collector) computeWaitedOn(sessionID, msgID string, startTime time.Time) time.Duration {
	now := time.Now()
	queued := c.cache.Match(isSession(sessionID))

	var total time.Duration
	for _, m := range queued {
		if m.msgID == msgID {
			continue
		}
		floor := m.enterTime
		if startTime.After(floor) {
			floor = startTime
		}
		if contribution := now.Sub(floor); contribution > 0 {
			total += contribution
		}
	}
	return total
}
