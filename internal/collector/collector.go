// Package collector defines the uniform lifecycle contract every
// telemetry source implements (spec §4.4): start()/stop()/getStats(),
// both idempotent, and a single owned repeating timer for collectors
// that do periodic work.
package collector

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Collector is the contract every instrumentation source satisfies.
type Collector interface {
	Start() error
	Stop() error
	Stats() Stats
	Name() string
}

// Stats is the minimal uniform stat surface every collector reports;
// individual collectors embed this and add their own counters.
type Stats struct {
	Started        bool
	Collected      int64
	Errors         int64
	LastActivity   time.Time
}

// Base provides the idempotent start/stop bookkeeping and the single
// owned periodic timer described in spec §4.4, so each concrete
// collector only has to supply its own start/stop/tick logic. This
// mirrors the teacher's decorator-composition style (embed a small
// struct that does the mechanical part, let the concrete type focus on
// domain logic) rather than reimplementing the guard in every
// collector.
type Base struct {
	name    string
	logger  *zap.Logger
	started atomic.Bool

	mu     sync.Mutex
	timer  *time.Timer
	ticker *time.Ticker
	stopCh chan struct{}

	collected atomic.Int64
	errors    atomic.Int64
	lastAct   atomic.Int64 // unix nanos
}

// NewBase constructs a Base for a collector named name.
func NewBase(name string, logger *zap.Logger) *Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Base{name: name, logger: logger}
}

// Name returns the collector's name.
func (b *Base) Name() string { return b.name }

// TryStart runs onStart exactly once; a second call logs at debug and
// returns nil, matching spec §4.4 "start is idempotent (second call is
// a no-op logged at debug level)".
func (b *Base) TryStart(onStart func() error) error {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Debug("collector already started", zap.String("collector", b.name))
		return nil
	}
	b.stopCh = make(chan struct{})
	return onStart()
}

// TryStop runs onStop exactly once; idempotent like TryStart.
func (b *Base) TryStop(onStop func() error) error {
	if !b.started.CompareAndSwap(true, false) {
		return nil
	}
	b.stopSelfTimer()
	if b.stopCh != nil {
		close(b.stopCh)
	}
	return onStop()
}

// Started reports whether the collector is currently running.
func (b *Base) Started() bool { return b.started.Load() }

// RunSelfRescheduling starts a self-rescheduling one-shot timer: tick()
// runs, then the next timer is scheduled only after tick() returns.
// This is the "interval is a bound, not a floor" semantics from spec
// §2 and the anti-timer-stacking design of §4.2's flush loop, reused
// here for every periodic collector so a slow tick never overlaps with
// itself.
func (b *Base) RunSelfRescheduling(interval time.Duration, tick func()) {
	b.mu.Lock()
	stopCh := b.stopCh
	b.mu.Unlock()

	var schedule func()
	schedule = func() {
		b.mu.Lock()
		if !b.started.Load() {
			b.mu.Unlock()
			return
		}
		b.timer = time.AfterFunc(interval, func() {
			select {
			case <-stopCh:
				return
			default:
			}
			if !b.started.Load() {
				return
			}
			tick()
			schedule()
		})
		b.mu.Unlock()
	}
	schedule()
}

func (b *Base) stopSelfTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.ticker != nil {
		b.ticker.Stop()
		b.ticker = nil
	}
}

// RecordCollected increments the collected counter and stamps
// lastActivity.
func (b *Base) RecordCollected(n int64) {
	b.collected.Add(n)
	b.lastAct.Store(time.Now().UnixNano())
}

// RecordError increments the error counter.
func (b *Base) RecordError() {
	b.errors.Add(1)
}

// Stats returns the uniform stat snapshot.
func (b *Base) Stats() Stats {
	var last time.Time
	if ns := b.lastAct.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Started:      b.started.Load(),
		Collected:    b.collected.Load(),
		Errors:       b.errors.Load(),
		LastActivity: last,
	}
}

// Logger exposes the collector's logger to embedding types.
func (b *Base) Logger() *zap.Logger { return b.logger }
