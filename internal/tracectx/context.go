// Package tracectx implements the Context Store and the call stack
// described in spec §3 and §4.3.
//
// Go has neither a thread-local (classic thread-per-request servers)
// nor an async-local-store primitive (cooperative single-threaded
// runtimes); it has context.Context, threaded explicitly through every
// instrumented call site. That is branch (b) of spec §9's Design
// Notes: "an explicit Context parameter threaded through instrumented
// call sites when the runtime uses an explicit task model". The
// get-current-context / run-in-context operations below have exactly
// the semantics spec §4.3 requires: reads return the context bound to
// the current logical request, writes affect that context, and code
// holding no context.Context (e.g. a ticker callback) is, by
// construction, "outside any chain".
package tracectx

import (
	"context"
	"sync"
	"time"

	"github.com/brain2apm/agent/internal/tracemodel"
)

type ctxKey struct{}

// Context is the mutable Trace-in-progress (spec §3 "Context"). All
// mutating methods take the lock; readers copying out a snapshot
// (e.g. at emit) should call Finalize.
type Context struct {
	mu sync.Mutex

	trace       tracemodel.Trace
	start       time.Time
	createdAt   time.Time
	pendingExplains map[string]struct{} // bounded to 50 (§4.5)

	queryFingerprints map[string]*fingerprintEntry // lazy (§3, §8)

	unblockCalled        bool
	unblockCalledAt      time.Time
	unblockImpactBlocking time.Duration
	unblockImpactWaitedOn time.Duration
}

type fingerprintEntry struct {
	collection string
	operation  string
	count      int
	totalDur   time.Duration
	samples    []tracemodel.Operation
}

const maxPendingExplains = 50

// New creates a fresh Context for a request entering the call stack.
func New(methodName string) *Context {
	now := time.Now()
	return &Context{
		start:     now,
		createdAt: now,
		trace: tracemodel.Trace{
			MethodName: methodName,
			StartTime:  now,
		},
	}
}

// WithContext returns a derived context.Context carrying tc as the
// active request Context — the "run-in-context" operation of spec
// §4.3. Any goroutine or continuation spawned from the returned
// context.Context inherits tc automatically via normal Go context
// propagation, satisfying "any asynchronous continuation ... must
// inherit the same Context" without any extra bookkeeping at the call
// site.
func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext is the "get-current-context" operation: O(1), returns
// (nil, false) for code running outside any chain.
func FromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(*Context)
	return tc, ok
}

// StartedAt returns the Context's start time (monotonic-anchored via
// time.Now(), matching Go's monotonic-reading time.Time semantics).
func (c *Context) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start
}

// SetTraceID stamps the trace id assigned at Context creation (spec
// §4.5: the id is assigned up front so nested children, which run
// before this Context's own emit, can record it as their parent id).
func (c *Context) SetTraceID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trace.TraceID = id
}

// TraceID returns the trace id assigned at Context creation, or "" if
// none has been assigned yet.
func (c *Context) TraceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trace.TraceID
}

// SetIdentity records user/session/client metadata on the Trace.
func (c *Context) SetIdentity(userID, sessionID, clientAddr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trace.UserID = userID
	c.trace.SessionID = sessionID
	c.trace.ClientAddr = clientAddr
}

// SetArgs stores the sanitized argument map on the Trace.
func (c *Context) SetArgs(args any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trace.Args = args
}

// SetParent records parent linkage for a nested request (§4.5 "Parent
// linkage").
func (c *Context) SetParent(callerHandler, callerSession, parentTraceID string, callDepth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trace.CallerHandler = callerHandler
	c.trace.CallerSession = callerSession
	c.trace.ParentTraceID = parentTraceID
	c.trace.CallDepth = callDepth
}

// SetWait records the pool-wait / queue-wait sample consumed at
// handler entry (§3 "Pool-wait sample / DDP-wait-by-session").
func (c *Context) SetWait(wait tracemodel.WaitInfo, blockingTime, waitedOn time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trace.Wait = wait
	c.trace.BlockingTime = blockingTime
	c.trace.WaitedOn = waitedOn
	c.unblockImpactBlocking = blockingTime
	c.unblockImpactWaitedOn = waitedOn
}

// SetBlockingInfo records blocking-time and waited-on as measured at
// the handler's actual unblock invocation (spec §4.7 "The handler's
// unblock is wrapped per §4.3 to record blocking-time and waited-on at
// its invocation"), superseding whatever SetWait stamped from the
// inbound queue-wait handoff.
func (c *Context) SetBlockingInfo(blockingTime, waitedOn time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trace.BlockingTime = blockingTime
	c.trace.WaitedOn = waitedOn
	c.unblockImpactBlocking = blockingTime
	c.unblockImpactWaitedOn = waitedOn
}

// AddOperation appends an Operation to the timeline, stamping its
// Offset relative to the Context's start (spec §3 "Every Operation
// carries a relative time offset from its owning Trace's start").
func (c *Context) AddOperation(op tracemodel.Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op.Offset = time.Since(c.start)
	c.trace.Operations = append(c.trace.Operations, op)
}

// RecordDBOperation appends a db Operation and updates the lazily
// initialized query-fingerprint map used for N+1 detection (§4.5). It
// returns the Offset actually stamped on the stored Operation, so
// callers that need to mutate it later (the explain() side-channel)
// can address it precisely instead of racing a second time.Since call.
func (c *Context) RecordDBOperation(op tracemodel.Operation, fingerprint string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	op.Offset = time.Since(c.start)
	c.trace.Operations = append(c.trace.Operations, op)

	if c.queryFingerprints == nil {
		c.queryFingerprints = make(map[string]*fingerprintEntry)
	}
	entry, ok := c.queryFingerprints[fingerprint]
	if !ok {
		entry = &fingerprintEntry{collection: op.Collection, operation: op.DBOperation}
		c.queryFingerprints[fingerprint] = entry
	}
	entry.count++
	entry.totalDur += op.Duration
	if len(entry.samples) < 3 {
		entry.samples = append(entry.samples, op)
	}
	return op.Offset
}

// MutateOperation locates the db Operation with the given collection
// and Offset and mutates it in place — the synchronous explain() merge
// path of §4.5, valid only while the owning Trace has not yet emitted.
func (c *Context) MutateOperation(collection string, offset time.Duration, mutate func(*tracemodel.Operation)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.trace.Operations {
		op := &c.trace.Operations[i]
		if op.Type == tracemodel.OpDB && op.Collection == collection && op.Offset == offset {
			mutate(op)
			return true
		}
	}
	return false
}

// TrackExplain registers a pending explain() side-channel, bounded to
// 50 in flight per request (§4.5, §5 "Memory caps").
func (c *Context) TrackExplain(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingExplains == nil {
		c.pendingExplains = make(map[string]struct{})
	}
	if len(c.pendingExplains) >= maxPendingExplains {
		return false
	}
	c.pendingExplains[id] = struct{}{}
	return true
}

// UntrackExplain removes a completed (or abandoned) explain() entry.
func (c *Context) UntrackExplain(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pendingExplains, id)
}

// MarkUnblockCalled records the single-shot unblock invocation used by
// the emit-time impact derivation (§4.5 "Unblock tracking").
func (c *Context) MarkUnblockCalled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unblockCalled {
		return
	}
	c.unblockCalled = true
	c.unblockCalledAt = time.Now()
}

// Finalize returns the accumulated Trace, the set of N+1 fingerprint
// entries (for the tracer's emit-time derivation), and whether
// unblock was called plus when. It does not mutate the Context
// further; callers own the returned Trace from this point on.
func (c *Context) Finalize() (tracemodel.Trace, map[string]*fingerprintEntry, bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ttu time.Duration
	if c.unblockCalled {
		ttu = c.unblockCalledAt.Sub(c.start)
	}
	return c.trace, c.queryFingerprints, c.unblockCalled, ttu
}

// Fingerprint exports the read-only view a fingerprintEntry needs
// outside this package.
type Fingerprint struct {
	Collection string
	Operation  string
	Count      int
	TotalDur   time.Duration
	Samples    []tracemodel.Operation
}

// Fingerprints converts the internal lazy map into exported structs.
func Fingerprints(m map[string]*fingerprintEntry) map[string]Fingerprint {
	out := make(map[string]Fingerprint, len(m))
	for k, v := range m {
		out[k] = Fingerprint{
			Collection: v.collection,
			Operation:  v.operation,
			Count:      v.count,
			TotalDur:   v.totalDur,
			Samples:    v.samples,
		}
	}
	return out
}
