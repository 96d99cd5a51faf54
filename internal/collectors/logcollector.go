package collectors

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/collector"
	"github.com/brain2apm/agent/internal/egress"
)

const logAggregationInterval = 30 * time.Second

// agentLogPrefix tags this agent's own log lines so the Log Collector
// can filter them out before they feed back into itself.
const agentLogPrefix = "[apm-agent]"

// LogFunc is a host log-package level method (e.g. zapcore's Write,
// or a plain fmt.Println-shaped sink) being wrapped.
type LogFunc func(level, message string)

// LogCollector wraps a host's console/log-package level methods with
// the three-layer recursion defense spec §4.9 calls out: the original
// is captured once, a re-entrancy guard flag prevents a log call
// triggered by this collector's own bookkeeping from looping back in,
// and a prefix filter drops the agent's own emitted lines before they
// are ever counted.
type LogCollector struct {
	base *collector.Base
	sink *egress.Client

	reentering atomic.Bool

	mu     sync.Mutex
	counts map[string]int64 // level -> count
	buf    *boundedBuffer[string]
}

func NewLogCollector(logger *zap.Logger, sink *egress.Client) *LogCollector {
	return &LogCollector{
		base:   collector.NewBase("log-collector", logger),
		sink:   sink,
		counts: make(map[string]int64),
		buf:    newBoundedBuffer[string](200),
	}
}

func (c *LogCollector) Name() string           { return c.base.Name() }
func (c *LogCollector) Stats() collector.Stats { return c.base.Stats() }

func (c *LogCollector) Start() error {
	return c.base.TryStart(func() error {
		c.base.RunSelfRescheduling(logAggregationInterval, c.tick)
		return nil
	})
}

func (c *LogCollector) Stop() error {
	return c.base.TryStop(func() error { return nil })
}

// Wrap instruments a host log-level method. captured is called exactly
// once per invocation regardless of recursion guard state, per the
// wrapping package's invariant that the captured call is authoritative.
func (c *LogCollector) Wrap(captured LogFunc) LogFunc {
	return func(level, message string) {
		if strings.HasPrefix(message, agentLogPrefix) {
			captured(level, message)
			return
		}
		if c.reentering.CompareAndSwap(false, true) {
			c.record(level, message)
			c.reentering.Store(false)
		}
		captured(level, message)
	}
}

func (c *LogCollector) record(level, message string) {
	c.mu.Lock()
	c.counts[level]++
	if level == "error" || level == "fatal" {
		c.buf.add(message)
	}
	c.mu.Unlock()
	c.base.RecordCollected(1)
}

func (c *LogCollector) tick() {
	c.mu.Lock()
	counts := c.counts
	c.counts = make(map[string]int64)
	recentErrors := c.buf.drain()
	c.mu.Unlock()

	if len(counts) == 0 || c.sink == nil {
		return
	}
	c.sink.Add(egress.KindLogs, map[string]any{
		"countsByLevel": counts,
		"recentErrors":  recentErrors,
	})
}
