// Package egress implements the bounded, sampling, batching,
// retrying, fire-and-forget telemetry sink described in spec §4.2. It
// is grounded on the teacher's resilience stack: the self-rescheduling
// flush timer generalizes the teacher's anti-timer-stacking idiom
// (internal/collector.Base.RunSelfRescheduling), retries follow
// internal/infrastructure/persistence/retry_decorator.go's
// exponential-backoff-with-jitter shape, and the optional circuit
// breaker reuses internal/middleware/circuit_breaker.go's gobreaker
// wiring around the send path instead of an HTTP handler.
package egress

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brain2apm/agent/internal/collector"
	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/estimator"
)

// Client is the egress client: one batch per Kind, a shared sender,
// and a bounded retry queue. All public methods are safe for
// concurrent use.
type Client struct {
	base   *collector.Base
	cfg    *config.Config
	logger *zap.Logger
	sender *sender
	stats  statCounters

	batchesMu sync.Mutex
	batches   map[Kind]*batch
	retry     *retryQueue
}

// New constructs a stopped Client; call Start to begin the periodic
// flush loop.
func New(cfg *config.Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		base:    collector.NewBase("egress", logger),
		cfg:     cfg,
		logger:  logger,
		sender:  newSender(cfg.Endpoint, cfg.APIKey, cfg.RequestTimeout, logger, true),
		batches: make(map[Kind]*batch),
		retry:   newRetryQueue(),
	}
	return c
}

func (c *Client) batchFor(kind Kind) *batch {
	c.batchesMu.Lock()
	defer c.batchesMu.Unlock()
	b, ok := c.batches[kind]
	if !ok {
		b = &batch{}
		c.batches[kind] = b
	}
	return b
}

// allBatches returns a stable snapshot of the kind->batch map for
// iteration, so Flush never races with batchFor's lazy insertion.
func (c *Client) allBatches() map[Kind]*batch {
	c.batchesMu.Lock()
	defer c.batchesMu.Unlock()
	out := make(map[Kind]*batch, len(c.batches))
	for k, v := range c.batches {
		out[k] = v
	}
	return out
}

// Start begins the self-rescheduling periodic flush loop.
func (c *Client) Start() error {
	return c.base.TryStart(func() error {
		c.base.RunSelfRescheduling(c.cfg.FlushInterval, func() {
			c.Flush()
		})
		return nil
	})
}

// Stop halts the flush loop, cancels pending retries, and performs one
// final flush whose outcome is not awaited (spec §4.2: "on shutdown,
// a final in-process flush is invoked but its send outcome is not
// awaited — shutdown must not block on network I/O").
func (c *Client) Stop() error {
	return c.base.TryStop(func() error {
		c.retry.stopAll()
		c.flushOnShutdown()
		return nil
	})
}

// flushOnShutdown fans every non-empty kind's final send out through an
// errgroup.Group, coordinating the per-kind dispatch the way Flush
// does, but — matching the "not awaited" contract above — waits on the
// group from a detached goroutine rather than blocking Stop itself.
func (c *Client) flushOnShutdown() {
	var g errgroup.Group
	for kind, b := range c.allBatches() {
		if b.len() == 0 {
			continue
		}
		kind, b := kind, b
		g.Go(func() error {
			c.flushKind(kind, b)
			return nil
		})
	}
	go func() {
		if err := g.Wait(); err != nil {
			c.logger.Debug("final shutdown flush reported an error", zap.Error(err))
		}
	}()
}

// Add enqueues item under kind, applying kind-level sampling and
// kind-level batch-trigger accounting (spec §4.2). Sampled-out items
// are silently dropped without incrementing Dropped — sampling is not
// a failure mode.
//
// Byte-budget overflow is checked before the item is appended: an item
// that would push the batch over BatchSizeBytes flushes the batch as
// it stood beforehand, and starts a fresh batch with the item itself
// (spec §4.2 step 2, §8's boundary property), rather than folding the
// overflowing item into the batch it just overflowed.
func (c *Client) Add(kind Kind, item any) {
	if !c.shouldSample(kind) {
		return
	}
	b := c.batchFor(kind)
	itemBytes := estimator.Estimate(item)
	preflushed, count, bytes := b.addPreflight(item, itemBytes, c.cfg.BatchSizeBytes)
	if len(preflushed) > 0 {
		go c.dispatch(kind, preflushed, 0)
	}
	if count >= c.cfg.BatchSize || bytes >= c.cfg.BatchSizeBytes {
		go c.flushKind(kind, b)
	}
}

func (c *Client) shouldSample(kind Kind) bool {
	if !sampledKinds[kind] {
		return true
	}
	rate := c.cfg.TraceSampleRate
	if kind == KindRUM {
		rate = c.cfg.RUMSampleRate
	}
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return rand.Float64() < rate
}

// Flush drains every kind's batch and sends each concurrently,
// fire-and-forget: Flush itself returns once sends are dispatched, not
// once they complete.
func (c *Client) Flush() {
	for kind, b := range c.allBatches() {
		if b.len() == 0 {
			continue
		}
		go c.flushKind(kind, b)
	}
}

func (c *Client) flushKind(kind Kind, b *batch) {
	items := b.drain()
	if len(items) == 0 {
		return
	}
	c.dispatch(kind, items, 0)
}

// dispatch sends one batch and, on failure, schedules a retry (spec
// §4.2's bounded, exponential-backoff-with-jitter retry queue) up to
// cfg.MaxRetries attempts, after which the batch is dropped.
func (c *Client) dispatch(kind Kind, items []any, attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	err := c.sender.send(ctx, kind, items)
	if err == nil {
		c.stats.sent.Add(int64(len(items)))
		return
	}

	if attempt >= c.cfg.MaxRetries {
		c.stats.failed.Add(int64(len(items)))
		c.logger.Warn("egress batch dropped after max retries",
			zap.String("kind", string(kind)), zap.Int("attempt", attempt), zap.Error(err))
		return
	}

	c.logger.Debug("egress batch failed, scheduling retry",
		zap.String("kind", string(kind)), zap.Int("attempt", attempt), zap.Error(err))

	job := &retryJob{kind: kind, items: items, attempt: attempt + 1}
	delay := backoff(attempt)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		id := job.id
		c.retry.remove(id)
		c.dispatch(job.kind, job.items, job.attempt)
	})
	id := c.retry.push(job, timer)
	job.id = id
}

// Stats returns a snapshot of the client's operational counters,
// including the retry queue's own drop-oldest count folded into
// Dropped.
func (c *Client) Stats() Stats {
	s := c.stats.snapshot(int64(c.retry.len()))
	s.Dropped += c.retry.droppedCount()
	return s
}
