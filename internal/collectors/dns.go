package collectors

import (
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/collector"
	"github.com/brain2apm/agent/internal/egress"
)

// dnsProbeHosts is the small rotating set of well-known hostnames
// probed each tick, so resolution-latency samples reflect genuine
// network behavior instead of a stubbed constant.
var dnsProbeHosts = []string{
	"google.com.",
	"cloudflare.com.",
	"amazon.com.",
	"github.com.",
}

// DNSCollector times A-record lookups against a rotating host set and
// reports resolution-latency percentiles (spec §4.9 "DNS Timing").
type DNSCollector struct {
	base     *collector.Base
	sink     *egress.Client
	server   string // resolver address, e.g. "1.1.1.1:53"
	interval time.Duration
	hostIdx  int
	buf      *boundedBuffer[float64]
}

// NewDNSCollector constructs a DNS Timing collector. resolver is a
// "host:port" address; an empty string defaults to a public resolver.
func NewDNSCollector(logger *zap.Logger, sink *egress.Client, resolver string, interval time.Duration) *DNSCollector {
	if resolver == "" {
		resolver = "1.1.1.1:53"
	}
	return &DNSCollector{
		base:     collector.NewBase("dns-timing", logger),
		sink:     sink,
		server:   resolver,
		interval: interval,
		buf:      newBoundedBuffer[float64](256),
	}
}

func (c *DNSCollector) Name() string           { return c.base.Name() }
func (c *DNSCollector) Stats() collector.Stats { return c.base.Stats() }

func (c *DNSCollector) Start() error {
	return c.base.TryStart(func() error {
		c.base.RunSelfRescheduling(c.interval, c.tick)
		return nil
	})
}

func (c *DNSCollector) Stop() error {
	return c.base.TryStop(func() error { return nil })
}

func (c *DNSCollector) tick() {
	host := dnsProbeHosts[c.hostIdx%len(dnsProbeHosts)]
	c.hostIdx++

	latencyMs, err := c.probe(host)
	if err != nil {
		c.base.RecordError()
		c.base.Logger().Debug("dns probe failed", zap.String("host", host), zap.Error(err))
		return
	}
	c.buf.add(latencyMs)
	c.base.RecordCollected(1)

	if c.buf.len() < 4 {
		return
	}
	samples := c.buf.drain()
	if c.sink != nil {
		c.sink.Add(egress.KindDNSMetrics, map[string]any{
			"sampleCount": len(samples),
			"p50Ms":       percentile(samples, 50),
			"p95Ms":       percentile(samples, 95),
			"p99Ms":       percentile(samples, 99),
		})
	}
}

func (c *DNSCollector) probe(host string) (float64, error) {
	m := new(dns.Msg)
	m.SetQuestion(host, dns.TypeA)

	client := new(dns.Client)
	client.Timeout = 2 * time.Second

	_, rtt, err := client.Exchange(m, c.server)
	if err != nil {
		return 0, err
	}
	return float64(rtt.Microseconds()) / 1000.0, nil
}
