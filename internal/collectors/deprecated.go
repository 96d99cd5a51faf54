package collectors

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/collector"
	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/egress"
)

// DeprecatedAPICollector counts calls into host-flagged deprecated API
// surface and emits both a lightweight per-interval tally and a daily
// digest of the top offenders (spec §4.9 "Deprecated-API"), the digest
// cadence scheduled with a calendar expression rather than the base
// interval timer (spec §11's cron wiring note).
type DeprecatedAPICollector struct {
	base *collector.Base
	sink *egress.Client
	cfg  *config.Config
	cron *cron.Cron

	mu     sync.Mutex
	counts map[string]int64
}

// NewDeprecatedAPICollector constructs the collector. digestSchedule is
// a standard cron expression (e.g. "0 0 * * *" for daily at midnight);
// an empty string disables the digest and relies on the interval tally
// alone.
func NewDeprecatedAPICollector(logger *zap.Logger, sink *egress.Client, cfg *config.Config, digestSchedule string) *DeprecatedAPICollector {
	c := &DeprecatedAPICollector{
		base:   collector.NewBase("deprecated-api", logger),
		sink:   sink,
		cfg:    cfg,
		counts: make(map[string]int64),
	}
	if digestSchedule != "" {
		c.cron = cron.New()
		_, _ = c.cron.AddFunc(digestSchedule, c.emitDigest)
	}
	return c
}

func (c *DeprecatedAPICollector) Name() string           { return c.base.Name() }
func (c *DeprecatedAPICollector) Stats() collector.Stats { return c.base.Stats() }

func (c *DeprecatedAPICollector) Start() error {
	return c.base.TryStart(func() error {
		c.base.RunSelfRescheduling(c.cfg.Collectors.DeprecatedAPIInterval, c.tickTally)
		if c.cron != nil {
			c.cron.Start()
		}
		return nil
	})
}

func (c *DeprecatedAPICollector) Stop() error {
	return c.base.TryStop(func() error {
		if c.cron != nil {
			<-c.cron.Stop().Done()
		}
		return nil
	})
}

// RecordUsage is called by the host's wrapped deprecated-API call site
// (spec §4.3's wrap discipline applies at the host adapter layer; this
// collector only owns the counting and aggregation).
func (c *DeprecatedAPICollector) RecordUsage(apiName string) {
	c.mu.Lock()
	c.counts[apiName]++
	c.mu.Unlock()
	c.base.RecordCollected(1)
}

func (c *DeprecatedAPICollector) tickTally() {
	snapshot := c.snapshotAndReset(false)
	if len(snapshot) == 0 || c.sink == nil {
		return
	}
	c.sink.Add(egress.KindDeprecatedAPIs, map[string]any{
		"kind":  "interval",
		"top":   topN(snapshot, 10),
	})
}

func (c *DeprecatedAPICollector) emitDigest() {
	snapshot := c.snapshotAndReset(true)
	if c.sink == nil {
		return
	}
	c.sink.Add(egress.KindDeprecatedAPIs, map[string]any{
		"kind": "dailyDigest",
		"top":  topN(snapshot, 25),
		"at":   time.Now(),
	})
}

func (c *DeprecatedAPICollector) snapshotAndReset(reset bool) map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	if reset {
		c.counts = make(map[string]int64)
	}
	return out
}
