// Package tracer implements the Request Tracer of spec §4.5: it wraps
// a host's request handlers, assembles a Trace around each call, runs
// the emit-time derivations (unblock impact, N+1 aggregation), and
// hands the finished Trace to the Egress Client.
package tracer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/egress"
	"github.com/brain2apm/agent/internal/otelbridge"
	"github.com/brain2apm/agent/internal/sanitize"
	"github.com/brain2apm/agent/internal/tracectx"
	"github.com/brain2apm/agent/internal/tracemodel"
	"github.com/brain2apm/agent/internal/waittable"
	"github.com/brain2apm/agent/internal/wrapping"
)

// Handler is the shape of a host request handler once instrumented:
// it receives the instrumented context.Context (carrying the active
// tracectx.Context) and returns its own result or error, unchanged
// from the host's perspective.
type Handler func(ctx context.Context, sessionID string, args any) (any, error)

// Tracer owns the process-wide call stack and wait-time handoff table
// shared by every wrapped handler, plus the egress sink traces are
// emitted to.
type Tracer struct {
	cfg       *config.Config
	logger    *zap.Logger
	callStack *tracectx.CallStack
	waitTable *waittable.Table
	sink      *egress.Client
	otel      *otelbridge.Bridge
}

// New constructs a Tracer. callStack and waitTable are shared with the
// Queue Wait Collector (spec §4.7's handoff design), so both are
// injected rather than owned here. otel may be nil, which disables the
// OpenTelemetry span bridge entirely (spec §11: purely additive, never
// gates the core pipeline below).
func New(cfg *config.Config, logger *zap.Logger, callStack *tracectx.CallStack, waitTable *waittable.Table, sink *egress.Client, otel *otelbridge.Bridge) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracer{cfg: cfg, logger: logger, callStack: callStack, waitTable: waitTable, sink: sink, otel: otel}
}

// Wrap instruments a handler per spec §4.5 responsibilities (a)-(e).
// The returned Handler is what the host actually registers.
func (t *Tracer) Wrap(name string, handler Handler) Handler {
	return func(ctx context.Context, sessionID string, args any) (any, error) {
		start := time.Now()
		traceID := nextTraceID(name, start)
		tc := tracectx.New(name)
		tc.SetTraceID(traceID)
		tc.SetArgs(sanitize.Sanitize(args))
		tc.AddOperation(tracemodel.Operation{Type: tracemodel.OpStart})

		parentCtx, callerSession, callerHandler, hasParent := t.callStack.Top()
		callDepth := t.callStack.Depth()
		var parentTraceID string
		if hasParent {
			parentTraceID = parentCtx.TraceID()
		}
		tc.SetParent(callerHandler, callerSession, parentTraceID, callDepth)

		if entry, ok := t.waitTable.Take(sessionID); ok {
			tc.SetWait(tracemodel.WaitInfo{
				InboundQueueWait: entry.Duration,
				WaitList:         entry.WaitList,
			}, entry.Duration, 0)
		}

		t.callStack.Push(tc, sessionID, name)

		span := t.otel.StartTrace(ctx, traceID, name, start)
		reqCtx := tracectx.WithContext(span.Context(ctx), tc)

		result, err := handler(reqCtx, sessionID, args)
		duration := time.Since(start)
		tc.AddOperation(tracemodel.Operation{Type: tracemodel.OpComplete})

		t.callStack.Pop(tc)

		var parentForLinkage *tracectx.Context
		if hasParent {
			parentForLinkage = parentCtx
		}
		emitted := t.emit(tc, parentForLinkage, name, start, duration, err)
		for _, op := range emitted.Operations {
			span.RecordOperation(op)
		}
		span.EndTrace(err, start.Add(duration))

		return result, err
	}
}

// WrapUnblock instruments a host-provided unblock callable with the
// single-shot discipline of spec §4.3's critical invariant, recording
// into tc that unblock was called (spec §4.5 "Unblock tracking").
// Bookkeeping panics are logged through the Tracer's own logger.
func (t *Tracer) WrapUnblock(tc *tracectx.Context, captured func()) func() {
	return wrapping.OnceFunc(t.logger, tc.MarkUnblockCalled, captured)
}

func (t *Tracer) emit(tc *tracectx.Context, parent *tracectx.Context, name string, start time.Time, duration time.Duration, handlerErr error) *tracemodel.Trace {
	trace, fingerprints, unblockCalled, timeToUnblock := tc.Finalize()

	trace.Duration = duration
	if handlerErr != nil {
		trace.Error = handlerErr.Error()
	}

	trace.UnblockAnalysis = deriveUnblockAnalysis(unblockCalled, timeToUnblock, trace.BlockingTime, trace.WaitedOn, duration)
	trace.N1Patterns = deriveN1Patterns(tracectx.Fingerprints(fingerprints), t.cfg.MinN1TotalDuration)

	// Parent linkage: append this nested call as a method Operation on
	// the caller's still-open Context (spec §4.5 "Parent linkage").
	// The caller's own Context is still live (it hasn't emitted yet),
	// so this mutation lands in its timeline before its own Finalize.
	if parent != nil {
		parent.AddOperation(tracemodel.Operation{
			Type:         tracemodel.OpMethod,
			ChildTraceID: trace.TraceID,
			MethodName:   name,
			Duration:     duration,
		})
	}

	if t.sink != nil {
		t.sink.Add(egress.KindTraces, trace)
	}

	return trace
}
