package collectors

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/collector"
	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/egress"
)

// outboundSample is one completed outbound HTTP call.
type outboundSample struct {
	host       string
	statusCode int
	durationMs float64
	err        bool
}

// OutboundHTTPCollector observes outbound HTTP calls by wrapping an
// http.RoundTripper (the Go analogue of spec §4.9's "diagnostics-
// channel" subscription model: Node's diagnostics_channel publishes
// an event per outbound request; Go's equivalent seam is the
// RoundTripper a client is built with), bucketing per-host latency and
// error rate.
type OutboundHTTPCollector struct {
	base *collector.Base
	sink *egress.Client
	cfg  *config.Config

	mu      sync.Mutex
	samples []outboundSample
}

func NewOutboundHTTPCollector(logger *zap.Logger, sink *egress.Client, cfg *config.Config) *OutboundHTTPCollector {
	return &OutboundHTTPCollector{
		base: collector.NewBase("outbound-http", logger),
		sink: sink,
		cfg:  cfg,
	}
}

func (c *OutboundHTTPCollector) Name() string           { return c.base.Name() }
func (c *OutboundHTTPCollector) Stats() collector.Stats { return c.base.Stats() }

func (c *OutboundHTTPCollector) Start() error {
	return c.base.TryStart(func() error {
		c.base.RunSelfRescheduling(c.cfg.Collectors.OutboundHTTPInterval, c.tick)
		return nil
	})
}

func (c *OutboundHTTPCollector) Stop() error {
	return c.base.TryStop(func() error { return nil })
}

// WrapTransport returns an http.RoundTripper that records each
// request's host, status, duration, and error outcome before
// delegating to next (nil defaults to http.DefaultTransport).
func (c *OutboundHTTPCollector) WrapTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &instrumentedTransport{next: next, collector: c}
}

type instrumentedTransport struct {
	next      http.RoundTripper
	collector *OutboundHTTPCollector
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	sample := outboundSample{
		host:       req.URL.Host,
		durationMs: float64(time.Since(start).Microseconds()) / 1000.0,
		err:        err != nil,
	}
	if resp != nil {
		sample.statusCode = resp.StatusCode
	}
	t.collector.record(sample)
	return resp, err
}

func (c *OutboundHTTPCollector) record(s outboundSample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
	c.base.RecordCollected(1)
}

func (c *OutboundHTTPCollector) tick() {
	c.mu.Lock()
	samples := c.samples
	c.samples = nil
	c.mu.Unlock()

	if len(samples) == 0 || c.sink == nil {
		return
	}

	byHost := make(map[string][]float64)
	errorsByHost := make(map[string]int64)
	for _, s := range samples {
		byHost[s.host] = append(byHost[s.host], s.durationMs)
		if s.err || s.statusCode >= 500 {
			errorsByHost[s.host]++
		}
	}

	hosts := make([]map[string]any, 0, len(byHost))
	for host, durations := range byHost {
		hosts = append(hosts, map[string]any{
			"host":      host,
			"count":     len(durations),
			"p50Ms":     percentile(durations, 50),
			"p95Ms":     percentile(durations, 95),
			"errorRate": float64(errorsByHost[host]) / float64(len(durations)),
		})
	}

	c.sink.Add(egress.KindOutboundHTTP, map[string]any{"hosts": hosts})
}
