package collectors

import (
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/collector"
	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/egress"
)

// EnvCollector takes a periodic snapshot of the host's runtime
// environment (spec §4.9 "Env Snapshot"): Go version, GOOS/GOARCH,
// uptime since the collector was constructed, and live
// goroutine/memory counts. No third-party
// library exists for reading the Go runtime's own introspection
// surface; this is the one thin collector that is legitimately
// stdlib-only (runtime, os) — see DESIGN.md.
type EnvCollector struct {
	base      *collector.Base
	sink      *egress.Client
	cfg       *config.Config
	startedAt time.Time
}

func NewEnvCollector(logger *zap.Logger, sink *egress.Client, cfg *config.Config) *EnvCollector {
	return &EnvCollector{
		base:      collector.NewBase("env-snapshot", logger),
		sink:      sink,
		cfg:       cfg,
		startedAt: time.Now(),
	}
}

func (c *EnvCollector) Name() string           { return c.base.Name() }
func (c *EnvCollector) Stats() collector.Stats { return c.base.Stats() }

func (c *EnvCollector) Start() error {
	return c.base.TryStart(func() error {
		c.base.RunSelfRescheduling(c.cfg.Collectors.EnvInterval, c.tick)
		return nil
	})
}

func (c *EnvCollector) Stop() error {
	return c.base.TryStop(func() error { return nil })
}

func (c *EnvCollector) tick() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	host, _ := os.Hostname()
	snapshot := map[string]any{
		"goVersion":    runtime.Version(),
		"goos":         runtime.GOOS,
		"goarch":       runtime.GOARCH,
		"host":         host,
		"appVersion":   c.cfg.AppVersion,
		"uptimeSec":    time.Since(c.startedAt).Seconds(),
		"numGoroutine": runtime.NumGoroutine(),
		"numCPU":       runtime.NumCPU(),
		"heapAllocBytes": mem.HeapAlloc,
		"gcCycles":       mem.NumGC,
	}
	c.base.RecordCollected(1)
	if c.sink != nil {
		c.sink.Add(egress.KindEnvironment, snapshot)
	}
}
