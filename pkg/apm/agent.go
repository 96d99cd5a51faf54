// Package apm is the public facade a host process imports: Configure
// builds every internal component (egress sink, Request Tracer,
// Database Instrumentation, Queue Wait Collector, Observer Collector,
// the eight thin collectors, the optional OpenTelemetry bridge, and
// the self-metrics exporter), Start/Stop drive their shared lifecycle,
// and the Tracer()/DB()/QueueWait()/Observer()/Logs()/OutboundHTTP()/
// Publications()/DeprecatedAPIs() accessors are what a host's own
// instrumentation adapters wrap around.
//
// Grounded on the teacher's dependency-container pattern
// (infrastructure/di: a single struct wiring every service, built by
// one Initialize call, consumed by cmd/* entrypoints) adapted to an
// embeddable library instead of a standalone process: nothing here
// calls os.Exit or reads os.Args, since a host embeds this agent
// inside its own process rather than running it as one.
package apm

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/brain2apm/agent/internal/collector"
	"github.com/brain2apm/agent/internal/collectors"
	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/dbinstrument"
	"github.com/brain2apm/agent/internal/egress"
	"github.com/brain2apm/agent/internal/observer"
	"github.com/brain2apm/agent/internal/otelbridge"
	"github.com/brain2apm/agent/internal/queuewait"
	"github.com/brain2apm/agent/internal/selfmetrics"
	"github.com/brain2apm/agent/internal/tracectx"
	"github.com/brain2apm/agent/internal/tracer"
	"github.com/brain2apm/agent/internal/waittable"
)

// defaultCPUProfileThreshold is the GCCPUFraction cutoff (§4.9) above
// which the CPU Profile Trigger captures a profile; exposed as an
// Option rather than a Config field since it is a trigger tuning knob,
// not part of the wire-level configuration surface spec §6 enumerates.
const defaultCPUProfileThreshold = 0.25

// Agent owns every wired component's lifecycle. The zero value is not
// usable; build one with Configure.
type Agent struct {
	cfg    *config.Config
	logger *zap.Logger

	callStack *tracectx.CallStack
	waitTable *waittable.Table

	sink      *egress.Client
	tracer    *tracer.Tracer
	db        *dbinstrument.Instrumentor
	queueWait *queuewait.Collector
	observer  *observer.Collector
	otel      *otelbridge.Bridge

	metricsExporter  *selfmetrics.Exporter
	metricsCollector *selfmetrics.Collector

	dns         *collectors.DNSCollector
	env         *collectors.EnvCollector
	deprecated  *collectors.DeprecatedAPICollector
	outbound    *collectors.OutboundHTTPCollector
	publication *collectors.PublicationCollector
	jobs        *collectors.JobMonitor
	cpuProfile  *collectors.CPUProfileCollector
	logs        *collectors.LogCollector

	collectors []collector.Collector
}

// Option mutates an Agent under construction, the seam for components
// that need a concrete driver adapter a host supplies (an Explainer,
// a HealthSampler, a JobAdapter, an OTel span exporter) since this
// package has no opinion on which database driver, job queue, or
// collector backend a host actually runs.
type Option func(*Agent)

// WithExplainer installs the database driver's index-usage side
// channel (spec §4.5/§4.6). Without one, CaptureIndexUsage is silently
// inert regardless of configuration.
func WithExplainer(explainer dbinstrument.Explainer) Option {
	return func(a *Agent) {
		a.db = dbinstrument.New(a.cfg, a.logger, explainer, a.sink)
	}
}

// WithHealthSampler installs the Observer Collector's optional
// per-multiplexer driver-health sampler (spec §4.8).
func WithHealthSampler(sampler observer.HealthSampler) Option {
	return func(a *Agent) {
		a.observer = observer.New(a.cfg, a.logger, a.sink, sampler)
	}
}

// WithJobAdapter installs the Thin Job Monitor's factory-detected
// queue backend (spec §4.9 "Background Job Monitor").
func WithJobAdapter(adapter collectors.JobAdapter) Option {
	return func(a *Agent) {
		a.jobs = collectors.NewJobMonitor(a.logger, a.sink, a.cfg, adapter)
	}
}

// WithOTelExporter installs the host's own OpenTelemetry span exporter
// (e.g. one already pointed at its existing collector) into the
// optional span bridge. Requires cfg.OTelEnabled; otherwise a no-op.
func WithOTelExporter(exporter sdktrace.SpanExporter) Option {
	return func(a *Agent) {
		a.otel = otelbridge.New(a.cfg, exporter)
		a.tracer = tracer.New(a.cfg, a.logger, a.callStack, a.waitTable, a.sink, a.otel)
	}
}

// WithCPUProfileThreshold overrides defaultCPUProfileThreshold.
func WithCPUProfileThreshold(threshold float64) Option {
	return func(a *Agent) {
		a.cpuProfile = collectors.NewCPUProfileCollector(a.logger, a.sink, a.cfg, threshold)
	}
}

// Configure builds a fully wired, not-yet-started Agent from cfg. A
// nil logger falls back to zap.NewNop(), matching every internal
// constructor's nil-safety.
func Configure(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("apm: cfg must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("apm: invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sink := egress.New(cfg, logger)
	callStack := tracectx.NewCallStack()
	waitTable := waittable.New()
	otelNoop := otelbridge.New(cfg, nil)

	a := &Agent{
		cfg:             cfg,
		logger:          logger,
		callStack:       callStack,
		waitTable:       waitTable,
		sink:            sink,
		otel:            otelNoop,
		tracer:          tracer.New(cfg, logger, callStack, waitTable, sink, otelNoop),
		db:              dbinstrument.New(cfg, logger, nil, sink),
		queueWait:       queuewait.New(logger, waitTable),
		observer:        observer.New(cfg, logger, sink, nil),
		metricsExporter: selfmetrics.New("apm_agent"),
		dns:             collectors.NewDNSCollector(logger, sink, "", cfg.Collectors.DNSInterval),
		env:             collectors.NewEnvCollector(logger, sink, cfg),
		deprecated:      collectors.NewDeprecatedAPICollector(logger, sink, cfg, ""),
		outbound:        collectors.NewOutboundHTTPCollector(logger, sink, cfg),
		publication:     collectors.NewPublicationCollector(logger, sink, cfg),
		jobs:            collectors.NewJobMonitor(logger, sink, cfg, nil),
		cpuProfile:      collectors.NewCPUProfileCollector(logger, sink, cfg, defaultCPUProfileThreshold),
		logs:            collectors.NewLogCollector(logger, sink),
	}
	a.metricsCollector = selfmetrics.NewCollector(logger, a.metricsExporter, sink)

	for _, opt := range opts {
		opt(a)
	}

	a.collectors = a.enabledCollectors()
	return a, nil
}

// enabledCollectors filters the fixed collector set by cfg.Collectors'
// per-collector toggles (spec §6 "per-collector enable flags").
func (a *Agent) enabledCollectors() []collector.Collector {
	t := a.cfg.Collectors
	var cs []collector.Collector
	if t.QueueWaitEnabled {
		cs = append(cs, a.queueWait)
	}
	if t.ObserverEnabled {
		cs = append(cs, a.observer)
	}
	if t.DNSEnabled {
		cs = append(cs, a.dns)
	}
	if t.EnvEnabled {
		cs = append(cs, a.env)
	}
	if t.DeprecatedAPIEnabled {
		cs = append(cs, a.deprecated)
	}
	if t.OutboundHTTPEnabled {
		cs = append(cs, a.outbound)
	}
	if t.PublicationEnabled {
		cs = append(cs, a.publication)
	}
	if t.JobEnabled {
		cs = append(cs, a.jobs)
	}
	if t.CPUProfileEnabled {
		cs = append(cs, a.cpuProfile)
	}
	if t.LogEnabled {
		cs = append(cs, a.logs)
	}
	cs = append(cs, a.metricsCollector)
	return cs
}

// Start brings up the egress flush loop and every enabled collector.
// A disabled agent (cfg.Enabled == false) starts nothing, matching
// spec §6's kill switch.
func (a *Agent) Start(ctx context.Context) error {
	if !a.cfg.Enabled {
		a.logger.Info("apm agent disabled, not starting")
		return nil
	}
	if err := a.sink.Start(); err != nil {
		return fmt.Errorf("apm: starting egress: %w", err)
	}
	for _, c := range a.collectors {
		if err := c.Start(); err != nil {
			return fmt.Errorf("apm: starting %s: %w", c.Name(), err)
		}
	}
	return nil
}

// Stop halts every collector, then the egress client last, so a
// collector's final tick still has a live sink to hand off to (spec
// §4.2's best-effort final flush still applies to whatever lands in
// that last window).
func (a *Agent) Stop(ctx context.Context) error {
	for _, c := range a.collectors {
		if err := c.Stop(); err != nil {
			a.logger.Warn("apm: collector stop reported an error", zap.String("collector", c.Name()), zap.Error(err))
		}
	}
	if err := a.otel.Shutdown(ctx); err != nil {
		a.logger.Warn("apm: otel bridge shutdown reported an error", zap.Error(err))
	}
	return a.sink.Stop()
}

// Tracer returns the Request Tracer a host wraps its request handlers
// with (spec §4.5).
func (a *Agent) Tracer() *tracer.Tracer { return a.tracer }

// DB returns the Database Instrumentation a host wraps its terminal
// query methods with (spec §4.6).
func (a *Agent) DB() *dbinstrument.Instrumentor { return a.db }

// QueueWait returns the Queue Wait Collector a host's message dispatch
// loop reports enqueue/handler-entry events to (spec §4.7).
func (a *Agent) QueueWait() *queuewait.Collector { return a.queueWait }

// Observer returns the Observer Collector a host wraps its live-query
// subscription factory with (spec §4.8).
func (a *Agent) Observer() *observer.Collector { return a.observer }

// Logs returns the Log Collector a host's logging backend's hook
// wraps (spec §4.9 "Log Volume & Error Rate").
func (a *Agent) Logs() *collectors.LogCollector { return a.logs }

// OutboundHTTP returns the http.RoundTripper wrapper for the Outbound
// HTTP Latency collector (spec §4.9).
func (a *Agent) OutboundHTTP() *collectors.OutboundHTTPCollector { return a.outbound }

// Publications returns the collector a host's publish/subscribe layer
// reports document-set sizes to (spec §4.9 "Publication Performance").
func (a *Agent) Publications() *collectors.PublicationCollector { return a.publication }

// DeprecatedAPIs returns the collector a host's deprecated-API call
// sites report usage to (spec §4.9).
func (a *Agent) DeprecatedAPIs() *collectors.DeprecatedAPICollector { return a.deprecated }

// Egress returns the underlying telemetry sink, for hosts that need to
// ship a custom item kind directly (spec §4.9 "Custom Metrics API").
func (a *Agent) Egress() *egress.Client { return a.sink }

// Stats reports the egress client's operational stats, the same
// counters selfmetrics exports as its egress Prometheus series.
func (a *Agent) Stats() egress.Stats { return a.sink.Stats() }

// MetricsRegistry returns the self-metrics Prometheus registry a host
// wires into its own /metrics handler (promhttp.HandlerFor).
func (a *Agent) MetricsRegistry() *prometheus.Registry { return a.metricsExporter.Registry() }
