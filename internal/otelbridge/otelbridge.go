// Package otelbridge is the optional OpenTelemetry span bridge named
// in spec §11's domain-stack expansion: a host already running its own
// OTel collector can opt in to seeing this agent's Traces as spans in
// that same backend. It is purely additive — the Request Tracer's
// Finalize/emit pipeline (spec §4.5) runs unchanged whether or not a
// Bridge is wired in, and a nil or disabled Bridge is a safe no-op.
//
// This mirrors the teacher's internal/infrastructure/observability
// tracing wrapper (a TracerProvider built from config, one span per
// traced call, errors recorded onto the span) adapted to this agent's
// shape: one span per Trace, parented by the call stack the Request
// Tracer already tracks, with Operations attached as span events
// instead of child spans (Operations are already faithfully captured
// in the Trace payload itself; span events give a host's OTel backend
// a readable timeline without re-deriving child spans for every db
// call).
package otelbridge

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/tracemodel"
)

// Bridge opens one OTel span per Trace and records Operations as span
// events. A nil *Bridge (or one built with OTelEnabled=false) is safe
// to call every method on; all of them become no-ops.
type Bridge struct {
	enabled  bool
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New builds a Bridge per cfg.OTelEnabled/OTelServiceName. exporter is
// the host's own OTel span exporter (e.g. an otlptracegrpc.Client-backed
// exporter pointed at its existing collector); passing nil still builds
// a working TracerProvider, just one with nothing to export to, which
// is only useful for tests. Hosts without OTel at all should leave
// cfg.OTelEnabled false and skip this entirely.
func New(cfg *config.Config, exporter sdktrace.SpanExporter) *Bridge {
	if cfg == nil || !cfg.OTelEnabled {
		return &Bridge{enabled: false}
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	provider := sdktrace.NewTracerProvider(opts...)

	return &Bridge{
		enabled:  true,
		provider: provider,
		tracer:   provider.Tracer(cfg.OTelServiceName),
	}
}

// Enabled reports whether the bridge will actually open spans.
func (b *Bridge) Enabled() bool {
	return b != nil && b.enabled
}

// Shutdown flushes and stops the underlying TracerProvider. Safe to
// call on a disabled or nil Bridge.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if !b.Enabled() {
		return nil
	}
	return b.provider.Shutdown(ctx)
}

// spanHandle carries the open span plus its context across the
// StartTrace/EndTrace pair, since the Request Tracer's own call stack
// (internal/tracectx.CallStack) is what supplies parent linkage — the
// bridge does not maintain a parallel stack of its own.
type spanHandle struct {
	ctx  context.Context
	span trace.Span
}

// StartTrace opens a span for the Trace identified by traceID, nested
// under parentCtx if the caller has one (the Request Tracer passes the
// parent handler's own span-bearing context.Context when hasParent is
// true, mirroring spec §4.5's call-stack parent linkage). Returns nil
// when the bridge is disabled.
func (b *Bridge) StartTrace(parentCtx context.Context, traceID, methodName string, start time.Time) *spanHandle {
	if !b.Enabled() {
		return nil
	}
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, span := b.tracer.Start(parentCtx, methodName,
		trace.WithTimestamp(start),
		trace.WithAttributes(attribute.String("apm.trace_id", traceID)),
	)
	return &spanHandle{ctx: ctx, span: span}
}

// Context returns the span-bearing context.Context to thread into any
// nested call, or fallback unchanged when h is nil (disabled bridge).
func (h *spanHandle) Context(fallback context.Context) context.Context {
	if h == nil {
		return fallback
	}
	return h.ctx
}

// RecordOperation attaches one Operation as a span event (spec §11:
// "records Operations as span events"). A nil handle is a no-op.
func (h *spanHandle) RecordOperation(op tracemodel.Operation) {
	if h == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("apm.operation.type", string(op.Type)),
		attribute.Int64("apm.operation.offset_ms", op.Offset.Milliseconds()),
	}
	switch op.Type {
	case tracemodel.OpDB:
		attrs = append(attrs,
			attribute.String("db.collection", op.Collection),
			attribute.String("db.operation", op.DBOperation),
			attribute.Int64("apm.operation.duration_ms", op.Duration.Milliseconds()),
		)
		if op.SlowQuery != nil {
			attrs = append(attrs, attribute.String("apm.slow_query.severity", op.SlowQuery.Severity))
		}
	case tracemodel.OpMethod:
		attrs = append(attrs,
			attribute.String("apm.child_trace_id", op.ChildTraceID),
			attribute.String("apm.method_name", op.MethodName),
		)
	case tracemodel.OpHTTP:
		attrs = append(attrs,
			attribute.String("http.url", op.URL),
			attribute.Int("http.status_code", op.StatusCode),
		)
	}
	if op.Error != "" {
		attrs = append(attrs, attribute.String("apm.operation.error", op.Error))
	}
	h.span.AddEvent(string(op.Type), trace.WithAttributes(attrs...))
}

// EndTrace closes the span, recording handlerErr onto it per the
// teacher's RecordError-on-failure convention, and setting the overall
// span status so a host's OTel backend surfaces the failure without
// parsing the error string. A nil handle is a no-op.
func (h *spanHandle) EndTrace(handlerErr error, end time.Time) {
	if h == nil {
		return
	}
	if handlerErr != nil {
		h.span.RecordError(handlerErr)
		h.span.SetStatus(codes.Error, handlerErr.Error())
	} else {
		h.span.SetStatus(codes.Ok, "")
	}
	h.span.End(trace.WithTimestamp(end))
}
