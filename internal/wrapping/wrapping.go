// Package wrapping implements the function-replacement discipline of
// spec §4.3, generalized to Go's closest analogue of monkey-patching:
// decorator values that close over a captured original and implement
// the same interface or function type (spec §9's branch (a), "interface
// abstraction: the host exposes instrumentable hook points; the agent
// registers a hook").
//
// The invariants this package exists to guarantee, independent of what
// is being wrapped:
//  1. Capture the current function once; never try to "unwrap" to find
//     a true original.
//  2. Call the captured function exactly once per invocation; never
//     retry it on post-work failure.
//  3. Bookkeeping errors are caught and logged, never allowed to
//     suppress or duplicate the captured call.
//  4. Repeated wrap attempts by the same collector are idempotent.
package wrapping

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Guard is embedded (or held alongside) a wrappable host value to make
// "install only if not already set" idempotent without relying on map
// access patterns at every call site (spec §4.3 rule 4).
type Guard struct {
	installed atomic.Bool
}

// InstallOnce runs install() only the first time it is called on this
// Guard; subsequent calls are no-ops and report false. This realizes
// "start(); start() ≡ start()" at the level of a single wrapped
// function rather than a whole collector.
func (g *Guard) InstallOnce(install func()) (didInstall bool) {
	if !g.installed.CompareAndSwap(false, true) {
		return false
	}
	install()
	return true
}

// Installed reports whether InstallOnce has already run.
func (g *Guard) Installed() bool {
	return g.installed.Load()
}

// Reset clears the guard, used by the restore-or-leave path on stop
// when this wrapper was the only (or outermost) layer.
func (g *Guard) Reset() {
	g.installed.Store(false)
}

// OnceFunc wraps captured with a single-shot guard: the first call
// performs bookkeeping (recovering and logging any panic so it can
// never suppress the call-through), then invokes captured exactly
// once. Every subsequent call is a silent no-op. This is the
// "unblock-wrapping invariant (critical)" of spec §4.3, generalized to
// any zero-argument callable — the shape the unblock callback and most
// host lifecycle hooks take.
//
// The single-shot guard is an atomic CAS rather than sync.Once
// because bookkeeping must run with the flag already flipped: if
// bookkeeping itself re-entered this wrapper (a pathological but
// possible case for buggy instrumentation), sync.Once would deadlock
// on itself, whereas the CAS makes the re-entrant call observe
// "already invoked" and return immediately.
func OnceFunc(logger *zap.Logger, bookkeeping func(), captured func()) func() {
	var invoked atomic.Bool
	return func() {
		if !invoked.CompareAndSwap(false, true) {
			return
		}
		safeRun(logger, "unblock bookkeeping", bookkeeping)
		captured()
	}
}

// safeRun invokes fn, recovering and logging any panic rather than
// letting it propagate (spec §4.3 rule 3, §7 "Instrumentation error").
func safeRun(logger *zap.Logger, label string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Warn("instrumentation bookkeeping panicked", zap.String("stage", label), zap.Any("recovered", r))
			}
		}
	}()
	fn()
}

// CallThroughOnce runs pre(), then calls captured exactly once
// capturing its result and error, then runs post(result, err), finally
// returning the captured call's own result/error untouched — spec §4.3
// rule 2/3: "the captured function's completion and return value are
// authoritative" even if post-work itself fails. post's own error (if
// it returns one) is logged, never surfaced to the caller.
func CallThroughOnce[R any](logger *zap.Logger, pre func(), captured func() (R, error), post func(R, error)) (R, error) {
	safeRun(logger, "pre-work", pre)
	result, err := captured()
	safeRun(logger, "post-work", func() {
		if post != nil {
			post(result, err)
		}
	})
	return result, err
}

// RestoreRegistry tracks, per collector key, whether this collector's
// layer is still the outermost wrapper on a host object. Stop() should
// only physically restore the original when this collector's wrapper
// is outermost; otherwise it must leave the chain intact (spec §4.3
// rule 5: "restoration is best-effort; if another wrapper layered on
// top is still present, leave the chain intact rather than tear out a
// middle link").
type RestoreRegistry struct {
	mu    sync.Mutex
	outer map[string]string // key -> id of the collector that installed the outermost wrapper
}

// NewRestoreRegistry constructs an empty registry.
func NewRestoreRegistry() *RestoreRegistry {
	return &RestoreRegistry{outer: make(map[string]string)}
}

// RecordOutermost marks collectorID as the current outermost wrapper
// for key.
func (r *RestoreRegistry) RecordOutermost(key, collectorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outer[key] = collectorID
}

// IsOutermost reports whether collectorID is still the outermost
// wrapper for key.
func (r *RestoreRegistry) IsOutermost(key, collectorID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outer[key] == collectorID
}

// Clear removes the outermost marker for key, called when that
// wrapper is actually torn down.
func (r *RestoreRegistry) Clear(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outer, key)
}
