// Package selfmetrics is the agent watching itself: process-local
// Prometheus gauges and counters exposing the agent's own operational
// health, distinct from the telemetry the agent ships to its own
// ingestion endpoint (spec §11's domain-stack expansion). A host
// operator scrapes these the same way they scrape anything else in
// their fleet.
//
// Grounded on the teacher's own metrics collector
// (internal/infrastructure/observability/metrics.go): a private
// registry built with prometheus.NewRegistry rather than the global
// default registry, so embedding this agent into a host that already
// runs its own collector never collides on metric names, plus the
// same MustRegister-at-construction-time, read-only-after shape.
package selfmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/collector"
	"github.com/brain2apm/agent/internal/egress"
	"github.com/brain2apm/agent/internal/estimator"
)

// sampleInterval is how often Collector pulls a fresh snapshot from
// the egress Client into the exported Prometheus series.
const sampleInterval = 15 * time.Second

// Exporter holds the agent's self-observability gauges/counters on a
// private registry.
type Exporter struct {
	registry *prometheus.Registry

	batchesSent    prometheus.Counter
	batchesFailed  prometheus.Counter
	itemsDropped   prometheus.Counter
	retryQueueSize prometheus.Gauge
	cyclesDetected prometheus.Counter
}

// New builds an Exporter under namespace (typically "apm_agent").
func New(namespace string) *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry: registry,
		batchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "egress_items_sent_total",
			Help:      "Total telemetry items successfully sent to the ingestion endpoint.",
		}),
		batchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "egress_items_failed_total",
			Help:      "Total telemetry items that failed after exhausting retries.",
		}),
		itemsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "egress_items_dropped_total",
			Help:      "Total retry-queue batches dropped by the queue's bounded drop-oldest eviction.",
		}),
		retryQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "egress_retry_queue_depth",
			Help:      "Current number of batches awaiting retry.",
		}),
		cyclesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "estimator_cycles_detected_total",
			Help:      "Total cyclic references detected and broken by the size estimator.",
		}),
	}

	registry.MustRegister(
		e.batchesSent,
		e.batchesFailed,
		e.itemsDropped,
		e.retryQueueSize,
		e.cyclesDetected,
	)

	return e
}

// Registry returns the private Prometheus registry a host wires into
// its own /metrics handler (promhttp.HandlerFor(exporter.Registry(), ...)).
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// LastCounts lets Sample compute the delta against egress.Stats'
// monotonic counters, since prometheus.Counter only supports Add, not
// Set, and egress.Client.Stats returns cumulative totals rather than
// deltas. The zero value is the correct starting point before the
// first Sample call.
type LastCounts struct {
	sent, failed, dropped, cyclesDetected int64
}

// Sample pulls a fresh snapshot from the egress Client and the
// size estimator's cycle-detection counter and folds any delta since the
// last call into the exported counters, setting the retry-queue gauge
// outright since that one is a point-in-time value rather than a
// monotonic total.
func (e *Exporter) Sample(egressStats egress.Stats, prev LastCounts) LastCounts {
	e.batchesSent.Add(float64(egressStats.Sent - prev.sent))
	e.batchesFailed.Add(float64(egressStats.Failed - prev.failed))
	e.itemsDropped.Add(float64(egressStats.Dropped - prev.dropped))
	e.retryQueueSize.Set(float64(egressStats.Queued))

	cycles := estimator.CyclesDetected()
	e.cyclesDetected.Add(float64(cycles - prev.cyclesDetected))

	return LastCounts{sent: egressStats.Sent, failed: egressStats.Failed, dropped: egressStats.Dropped, cyclesDetected: cycles}
}

// Collector drives periodic Sample calls, satisfying the same
// start/stop/stats lifecycle as every other instrumentation source
// (spec §4.4), so a host wires it into the agent's lifecycle
// identically to the thin collectors in internal/collectors.
type Collector struct {
	base     *collector.Base
	exporter *Exporter
	egress   *egress.Client
	prev     LastCounts
}

// NewCollector ties an Exporter's periodic Sample to an egress Client.
func NewCollector(logger *zap.Logger, exporter *Exporter, sink *egress.Client) *Collector {
	return &Collector{base: collector.NewBase("selfmetrics", logger), exporter: exporter, egress: sink}
}

func (c *Collector) Name() string          { return c.base.Name() }
func (c *Collector) Stats() collector.Stats { return c.base.Stats() }

func (c *Collector) Start() error {
	return c.base.TryStart(func() error {
		c.base.RunSelfRescheduling(sampleInterval, c.tick)
		return nil
	})
}

func (c *Collector) Stop() error {
	return c.base.TryStop(func() error { return nil })
}

func (c *Collector) tick() {
	c.prev = c.exporter.Sample(c.egress.Stats(), c.prev)
	c.base.RecordCollected(1)
}
