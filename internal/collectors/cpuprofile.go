package collectors

import (
	"bytes"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/collector"
	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/egress"
)

const (
	cpuProfileDuration = 3 * time.Second
	cpuProfileCooldown  = time.Minute
)

// CPUProfileCollector polls an approximation of process CPU pressure
// and, when it crosses a threshold outside of cooldown, captures a
// short in-process CPU profile and emits a summary of it — never the
// raw profile (spec §4.9 "CPU Profile Trigger"). There is no
// third-party CPU-sampling library in the retrieved pack (no gopsutil,
// no equivalent); runtime.MemStats.GCCPUFraction is the one cheap,
// dependency-free proxy the standard library exposes for sustained CPU
// pressure, and runtime/pprof is the standard library's own CPU
// profiler — both justified as stdlib-only in DESIGN.md.
type CPUProfileCollector struct {
	base      *collector.Base
	sink      *egress.Client
	cfg       *config.Config
	threshold float64

	mu         sync.Mutex
	lastFiredAt time.Time
}

// NewCPUProfileCollector constructs the collector. threshold is a
// GCCPUFraction cutoff (0..1) above which a profile is triggered.
func NewCPUProfileCollector(logger *zap.Logger, sink *egress.Client, cfg *config.Config, threshold float64) *CPUProfileCollector {
	return &CPUProfileCollector{
		base:      collector.NewBase("cpu-profile-trigger", logger),
		sink:      sink,
		cfg:       cfg,
		threshold: threshold,
	}
}

func (c *CPUProfileCollector) Name() string           { return c.base.Name() }
func (c *CPUProfileCollector) Stats() collector.Stats { return c.base.Stats() }

func (c *CPUProfileCollector) Start() error {
	return c.base.TryStart(func() error {
		c.base.RunSelfRescheduling(c.cfg.Collectors.CPUProfileInterval, c.tick)
		return nil
	})
}

func (c *CPUProfileCollector) Stop() error {
	return c.base.TryStop(func() error { return nil })
}

func (c *CPUProfileCollector) tick() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	if mem.GCCPUFraction < c.threshold {
		return
	}

	c.mu.Lock()
	inCooldown := time.Since(c.lastFiredAt) < cpuProfileCooldown
	if inCooldown {
		c.mu.Unlock()
		return
	}
	c.lastFiredAt = time.Now()
	c.mu.Unlock()

	go c.captureAndEmit(mem.GCCPUFraction)
}

func (c *CPUProfileCollector) captureAndEmit(gcCPUFraction float64) {
	var buf bytes.Buffer
	if err := pprof.StartCPUProfile(&buf); err != nil {
		c.base.RecordError()
		c.base.Logger().Debug("cpu profile start failed", zap.Error(err))
		return
	}
	time.Sleep(cpuProfileDuration)
	pprof.StopCPUProfile()

	c.base.RecordCollected(1)
	if c.sink == nil {
		return
	}
	c.sink.Add(egress.KindCPUProfiles, map[string]any{
		"triggerGCCPUFraction": gcCPUFraction,
		"durationMs":           cpuProfileDuration.Milliseconds(),
		"sampleBytes":          buf.Len(),
		"numGoroutine":         runtime.NumGoroutine(),
		"at":                   time.Now(),
	})
}
