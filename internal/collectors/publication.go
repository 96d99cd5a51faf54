package collectors

import (
	"sync"

	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/collector"
	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/egress"
)

type publicationSample struct {
	docCount   int
	durationMs float64
}

// PublicationCollector tracks how efficiently each named publication
// serves documents (spec §4.9 "Publication Efficiency"): documents
// published per call and the time spent assembling them, aggregated
// per publication name into latency percentiles and an average
// documents-per-call ratio that flags publications streaming far more
// data than a client plausibly renders.
type PublicationCollector struct {
	base *collector.Base
	sink *egress.Client
	cfg  *config.Config

	mu      sync.Mutex
	samples map[string][]publicationSample
}

func NewPublicationCollector(logger *zap.Logger, sink *egress.Client, cfg *config.Config) *PublicationCollector {
	return &PublicationCollector{
		base:    collector.NewBase("publication-efficiency", logger),
		sink:    sink,
		cfg:     cfg,
		samples: make(map[string][]publicationSample),
	}
}

func (c *PublicationCollector) Name() string           { return c.base.Name() }
func (c *PublicationCollector) Stats() collector.Stats { return c.base.Stats() }

func (c *PublicationCollector) Start() error {
	return c.base.TryStart(func() error {
		c.base.RunSelfRescheduling(c.cfg.Collectors.PublicationInterval, c.tick)
		return nil
	})
}

func (c *PublicationCollector) Stop() error {
	return c.base.TryStop(func() error { return nil })
}

// RecordPublish is called by the host's wrapped publish function
// (spec §4.3's wrap discipline) once per publish invocation.
func (c *PublicationCollector) RecordPublish(name string, docCount int, durationMs float64) {
	c.mu.Lock()
	c.samples[name] = append(c.samples[name], publicationSample{docCount: docCount, durationMs: durationMs})
	c.mu.Unlock()
	c.base.RecordCollected(1)
}

func (c *PublicationCollector) tick() {
	c.mu.Lock()
	samples := c.samples
	c.samples = make(map[string][]publicationSample)
	c.mu.Unlock()

	if len(samples) == 0 || c.sink == nil {
		return
	}

	results := make([]map[string]any, 0, len(samples))
	for name, s := range samples {
		durations := make([]float64, len(s))
		var totalDocs int
		for i, sample := range s {
			durations[i] = sample.durationMs
			totalDocs += sample.docCount
		}
		results = append(results, map[string]any{
			"publication":   name,
			"calls":         len(s),
			"avgDocsPerCall": float64(totalDocs) / float64(len(s)),
			"p50Ms":         percentile(durations, 50),
			"p95Ms":         percentile(durations, 95),
		})
	}
	c.sink.Add(egress.KindPublications, map[string]any{"publications": results})
}
