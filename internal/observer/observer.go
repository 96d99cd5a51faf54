// Package observer implements the Observer Collector of spec §4.8:
// live reactive database observers are the canonical leak source in
// this class of system, so every one is wrapped at creation, attributed
// to a driver variant, deduplicated by the underlying multiplexer's
// identity, and tracked through its full lifespan with a bounded,
// stopped-record-preferring eviction policy.
//
// Go has no shared mutable "constructor name" to sniff the way a
// dynamically-typed host would; detectVariant instead uses optional
// marker interfaces a driver handle can implement and defaults to
// polling when a handle implements neither. No environment heuristic
// is consulted.
package observer

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/collector"
	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/egress"
	"github.com/brain2apm/agent/internal/wrapping"
)

// Variant is the driver mechanism backing a live observer.
type Variant string

const (
	VariantChangeStream Variant = "changeStream"
	VariantOplog        Variant = "oplog"
	VariantPolling      Variant = "polling"
)

const (
	initialLoadFence = 50 * time.Millisecond
	stoppedRetention = 5 * time.Minute
	evictFraction    = 0.1
)

// Callbacks are the four reactive callback kinds an observer handle
// fires, matching spec §4.8's "added/addedBefore, changed, removed".
type Callbacks struct {
	Added       func(id string, fields map[string]any)
	AddedBefore func(id string, fields map[string]any, before string)
	Changed     func(id string, fields map[string]any)
	Removed     func(id string)
}

// Handle is the host-provided observer handle returned by the wrapped
// creation method.
type Handle interface {
	MultiplexerID() string
	Stop()
}

// ChangeStreamAware and OplogAware are optional marker interfaces a
// Handle's driver object can implement to self-identify its variant
// (spec §4.8 "inspect the handle's multiplexer's driver-object
// constructor name").
type ChangeStreamAware interface{ IsChangeStream() bool }
type OplogAware interface{ IsOplogTailing() bool }

// CreateFunc is the single async method spec §4.8 says "all observers
// pass through": cursor description (selector), an ordering flag, and
// the callbacks to invoke.
type CreateFunc func(selector any, ordered bool, cb Callbacks) (Handle, error)

// DriverHealth is the best-effort snapshot sampled per variant (spec
// §4.8 "Driver health snapshot"); fields outside the active variant
// are left at their zero value.
type DriverHealth struct {
	OplogPhase                 string
	OplogPhaseAge              time.Duration
	PendingFetchBacklog        int
	CurrentlyFetching          int
	BlockedWritesAtSteadyState int
	PublishedDocSetSize        int
	PollingInterval            time.Duration
	PollingThrottle            time.Duration
	PendingPolls               int
	UnpublishedBufferSize      int
}

// HealthSampler is implemented by a host driver adapter able to
// produce a DriverHealth snapshot for a given multiplexer. Optional:
// a Collector with no sampler simply omits health fields.
type HealthSampler interface {
	SampleHealth(multiplexerID string) DriverHealth
}

// Record is one tracked observer, from provisional creation through
// stop and eventual purge.
type Record struct {
	ID              string
	MultiplexerID   string
	Variant         Variant
	CreatedAt       time.Time
	StoppedAt       time.Time
	Status          string // "active" | "stopped"
	HandlersSharing int
	AddedInitially  int
	LiveUpdateCount int
	ChangedCount    int
	RemovedCount    int
	LastActivity    time.Time

	mu                  sync.Mutex
	initialLoadComplete bool
	fenceTimer          *time.Timer
	stopGuard           wrapping.Guard
}

func (r *Record) markActivity(initial, live *int64) {
	r.mu.Lock()
	complete := r.initialLoadComplete
	if complete {
		r.LiveUpdateCount++
	}
	r.mu.Unlock()
	r.LastActivity = time.Now()
	if complete {
		atomic.AddInt64(live, 1)
	} else {
		atomic.AddInt64(initial, 1)
	}
}

// Collector is the Observer Collector.
type Collector struct {
	base   *collector.Base
	cfg    *config.Config
	logger *zap.Logger
	sink   *egress.Client
	sampler HealthSampler

	mu            sync.Mutex
	records       map[string]*Record // by provisional ID
	byMultiplexer map[string]*Record
}

// New constructs an Observer Collector. sampler may be nil, which
// disables driver health sampling.
func New(cfg *config.Config, logger *zap.Logger, sink *egress.Client, sampler HealthSampler) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		base:          collector.NewBase("observer", logger),
		cfg:           cfg,
		logger:        logger,
		sink:          sink,
		sampler:       sampler,
		records:       make(map[string]*Record),
		byMultiplexer: make(map[string]*Record),
	}
}

func (c *Collector) Name() string            { return c.base.Name() }
func (c *Collector) Stats() collector.Stats  { return c.base.Stats() }

// Start begins the periodic send tick that samples driver health and
// emits live-query records (spec §4.8 "Driver health snapshot").
func (c *Collector) Start() error {
	return c.base.TryStart(func() error {
		c.base.RunSelfRescheduling(c.cfg.Collectors.ObserverSendInterval, c.tick)
		return nil
	})
}

func (c *Collector) Stop() error {
	return c.base.TryStop(func() error { return nil })
}

// Wrap instruments the host's observer-creation method. A provisional
// record is created before calling through so that the initial burst
// of "added" callbacks (fired synchronously during the call, per spec
// §4.8) is attributed to the initial load rather than live updates.
func (c *Collector) Wrap(create CreateFunc) CreateFunc {
	return func(selector any, ordered bool, cb Callbacks) (Handle, error) {
		provisional := &Record{
			ID:        uuid.NewString(),
			CreatedAt: time.Now(),
			Status:    "active",
		}

		var initialCount, liveCount int64
		wrapped := Callbacks{
			Added: func(id string, fields map[string]any) {
				provisional.markActivity(&initialCount, &liveCount)
				if cb.Added != nil {
					cb.Added(id, fields)
				}
			},
			AddedBefore: func(id string, fields map[string]any, before string) {
				provisional.markActivity(&initialCount, &liveCount)
				if cb.AddedBefore != nil {
					cb.AddedBefore(id, fields, before)
				}
			},
			Changed: func(id string, fields map[string]any) {
				provisional.mu.Lock()
				provisional.ChangedCount++
				provisional.mu.Unlock()
				provisional.LastActivity = time.Now()
				if cb.Changed != nil {
					cb.Changed(id, fields)
				}
			},
			Removed: func(id string) {
				provisional.mu.Lock()
				provisional.RemovedCount++
				provisional.mu.Unlock()
				provisional.LastActivity = time.Now()
				if cb.Removed != nil {
					cb.Removed(id)
				}
			},
		}

		handle, err := create(selector, ordered, wrapped)
		if err != nil {
			return handle, err
		}

		rec := c.finalize(provisional, handle, &initialCount, &liveCount)
		c.scheduleInitialLoadFence(rec)
		return c.wrapHandleStop(handle, rec), nil
	}
}

// finalize resolves the provisional record against existing tracked
// observers by multiplexer identity (spec §4.8 "Deduplication").
func (c *Collector) finalize(provisional *Record, handle Handle, initialCount, liveCount *int64) *Record {
	multiplexerID := handle.MultiplexerID()
	variant := detectVariant(handle)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byMultiplexer[multiplexerID]; ok {
		existing.mu.Lock()
		existing.HandlersSharing++
		existing.AddedInitially += int(atomic.LoadInt64(initialCount))
		existing.LiveUpdateCount += int(atomic.LoadInt64(liveCount))
		existing.mu.Unlock()
		return existing
	}

	provisional.MultiplexerID = multiplexerID
	provisional.Variant = variant
	provisional.HandlersSharing = 1
	provisional.AddedInitially = int(atomic.LoadInt64(initialCount))
	provisional.LiveUpdateCount = int(atomic.LoadInt64(liveCount))
	c.records[provisional.ID] = provisional
	c.byMultiplexer[multiplexerID] = provisional
	c.evictIfOverCap()
	return provisional
}

// detectVariant lets the driver handle identify itself through the
// ChangeStreamAware and OplogAware marker interfaces and defaults to
// polling when neither reports true. It has no environment-heuristic
// fallback.
func detectVariant(handle Handle) Variant {
	if cs, ok := handle.(ChangeStreamAware); ok && cs.IsChangeStream() {
		return VariantChangeStream
	}
	if ol, ok := handle.(OplogAware); ok && ol.IsOplogTailing() {
		return VariantOplog
	}
	return VariantPolling
}

func (c *Collector) scheduleInitialLoadFence(rec *Record) {
	rec.mu.Lock()
	rec.fenceTimer = time.AfterFunc(initialLoadFence, func() {
		rec.mu.Lock()
		rec.initialLoadComplete = true
		rec.mu.Unlock()
	})
	rec.mu.Unlock()
}

// wrapHandleStop wraps the handle so stop() records lifespan and
// status exactly once, then schedules the record's purge after the
// 5-minute retention window (spec §4.8 "Handle stop").
func (c *Collector) wrapHandleStop(handle Handle, rec *Record) Handle {
	return &stopWrappedHandle{Handle: handle, collector: c, rec: rec}
}

type stopWrappedHandle struct {
	Handle
	collector *Collector
	rec       *Record
}

func (h *stopWrappedHandle) Stop() {
	h.rec.stopGuard.InstallOnce(func() {
		h.rec.mu.Lock()
		h.rec.StoppedAt = time.Now()
		h.rec.Status = "stopped"
		if h.rec.fenceTimer != nil {
			h.rec.fenceTimer.Stop()
		}
		h.rec.mu.Unlock()

		time.AfterFunc(stoppedRetention, func() { h.collector.purge(h.rec.ID, h.rec.MultiplexerID) })
	})
	h.Handle.Stop()
}

func (c *Collector) purge(id, multiplexerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, id)
	delete(c.byMultiplexer, multiplexerID)
}

// evictIfOverCap implements spec §4.8 "Eviction": at max-observers,
// evict 10% oldest, preferring stopped observers. Caller must hold c.mu.
func (c *Collector) evictIfOverCap() {
	max := c.cfg.Collectors.ObserverMaxRecords
	if max <= 0 || len(c.records) <= max {
		return
	}
	ordered := make([]*Record, 0, len(c.records))
	for _, r := range c.records {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		si, sj := ordered[i].Status == "stopped", ordered[j].Status == "stopped"
		if si != sj {
			return si // stopped first
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})
	toEvict := int(float64(len(ordered)) * evictFraction)
	if toEvict < len(ordered)-max {
		toEvict = len(ordered) - max
	}
	for i := 0; i < toEvict && i < len(ordered); i++ {
		delete(c.records, ordered[i].ID)
		delete(c.byMultiplexer, ordered[i].MultiplexerID)
	}
}

func (c *Collector) tick() {
	c.mu.Lock()
	active := make([]*Record, 0, len(c.records))
	for _, r := range c.records {
		if r.Status != "stopped" {
			active = append(active, r)
		}
	}
	c.mu.Unlock()

	for _, r := range active {
		var health DriverHealth
		if c.sampler != nil {
			health = c.sampler.SampleHealth(r.MultiplexerID)
		}
		rating := performanceRating(r, health)

		if c.sink != nil {
			c.sink.Add(egress.KindLiveQueries, map[string]any{
				"id":              r.ID,
				"variant":         r.Variant,
				"handlersSharing": r.HandlersSharing,
				"addedInitially":  r.AddedInitially,
				"liveUpdateCount": r.LiveUpdateCount,
				"changedCount":    r.ChangedCount,
				"removedCount":    r.RemovedCount,
				"lastActivity":    r.LastActivity,
				"health":          health,
				"rating":          rating,
			})
		}
	}
	c.base.RecordCollected(int64(len(active)))
}

// performanceRating implements spec §4.8's per-variant thresholds.
func performanceRating(r *Record, health DriverHealth) string {
	switch r.Variant {
	case VariantChangeStream:
		processing := time.Since(r.LastActivity)
		switch {
		case processing < 50*time.Millisecond:
			return "optimal"
		case processing < 200*time.Millisecond:
			return "good"
		default:
			return "slow"
		}
	case VariantOplog:
		if health.BlockedWritesAtSteadyState > 0 || health.OplogPhase == "QUERYING" {
			return "slow"
		}
		switch {
		case health.PendingFetchBacklog == 0:
			return "optimal"
		case health.PendingFetchBacklog < 10:
			return "good"
		default:
			return "slow"
		}
	case VariantPolling:
		if health.PendingPolls > 1 || health.BlockedWritesAtSteadyState > 0 {
			return "inefficient"
		}
		elapsed := time.Since(r.CreatedAt).Minutes()
		updatesPerMinute := float64(r.LiveUpdateCount)
		if elapsed > 0 {
			updatesPerMinute /= elapsed
		}
		switch {
		case updatesPerMinute < 1:
			return "optimal"
		case updatesPerMinute < 10:
			return "good"
		default:
			return "inefficient"
		}
	default:
		return "good"
	}
}
