package observer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/config"
)

type fakeHandle struct {
	id       string
	stopped  bool
	stopHook func()
}

func (h *fakeHandle) MultiplexerID() string { return h.id }
func (h *fakeHandle) Stop() {
	h.stopped = true
	if h.stopHook != nil {
		h.stopHook()
	}
}

func newTestCollector(t *testing.T) *Collector {
	cfg := config.Default()
	cfg.Collectors.ObserverMaxRecords = 5000
	return New(cfg, zap.NewNop(), nil, nil)
}

func TestCollector_Wrap_PromotesProvisionalRecordOnFirstObserver(t *testing.T) {
	c := newTestCollector(t)

	create := func(selector any, ordered bool, cb Callbacks) (Handle, error) {
		cb.Added("doc1", map[string]any{"x": 1})
		return &fakeHandle{id: "mux1"}, nil
	}
	wrapped := c.Wrap(create)

	handle, err := wrapped(map[string]any{}, false, Callbacks{})
	require.NoError(t, err)
	require.NotNil(t, handle)

	c.mu.Lock()
	rec, ok := c.byMultiplexer["mux1"]
	c.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, 1, rec.HandlersSharing)
	assert.Equal(t, 1, rec.AddedInitially)
	assert.Equal(t, 0, rec.LiveUpdateCount)
}

func TestCollector_Wrap_DeduplicatesByMultiplexerIdentity(t *testing.T) {
	c := newTestCollector(t)

	create := func(selector any, ordered bool, cb Callbacks) (Handle, error) {
		return &fakeHandle{id: "shared-mux"}, nil
	}
	wrapped := c.Wrap(create)

	_, err := wrapped(nil, false, Callbacks{})
	require.NoError(t, err)
	_, err = wrapped(nil, false, Callbacks{})
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.byMultiplexer, 1)
	assert.Equal(t, 2, c.byMultiplexer["shared-mux"].HandlersSharing)
}

func TestCollector_WrapHandleStop_RecordsLifespanAndStatusOnce(t *testing.T) {
	c := newTestCollector(t)

	create := func(selector any, ordered bool, cb Callbacks) (Handle, error) {
		return &fakeHandle{id: "mux2"}, nil
	}
	wrapped := c.Wrap(create)

	handle, err := wrapped(nil, false, Callbacks{})
	require.NoError(t, err)

	c.mu.Lock()
	rec := c.byMultiplexer["mux2"]
	c.mu.Unlock()

	handle.Stop()
	handle.Stop()

	assert.Equal(t, "stopped", rec.Status)
	assert.False(t, rec.StoppedAt.IsZero())
}

func TestCollector_InitialLoadFence_DistinguishesInitialFromLiveAdds(t *testing.T) {
	c := newTestCollector(t)

	var capturedCB Callbacks
	create := func(selector any, ordered bool, cb Callbacks) (Handle, error) {
		capturedCB = cb
		cb.Added("doc1", nil)
		return &fakeHandle{id: "mux3"}, nil
	}
	wrapped := c.Wrap(create)
	_, err := wrapped(nil, false, Callbacks{})
	require.NoError(t, err)

	time.Sleep(initialLoadFence + 20*time.Millisecond)
	capturedCB.Added("doc2", nil)

	c.mu.Lock()
	rec := c.byMultiplexer["mux3"]
	c.mu.Unlock()
	assert.Equal(t, 1, rec.AddedInitially)
	assert.Equal(t, 1, rec.LiveUpdateCount)
}

func TestDetectVariant_FallsBackToPollingWhenUnidentified(t *testing.T) {
	variant := detectVariant(&fakeHandle{id: "x"})
	assert.Equal(t, VariantPolling, variant)
}

func TestPerformanceRating_OplogSlowWhenBlockedWrites(t *testing.T) {
	rec := &Record{Variant: VariantOplog}
	rating := performanceRating(rec, DriverHealth{BlockedWritesAtSteadyState: 1})
	assert.Equal(t, "slow", rating)
}

func TestPerformanceRating_PollingInefficientWhenPendingPolls(t *testing.T) {
	rec := &Record{Variant: VariantPolling, CreatedAt: time.Now()}
	rating := performanceRating(rec, DriverHealth{PendingPolls: 2})
	assert.Equal(t, "inefficient", rating)
}

func TestCollector_EvictIfOverCap_PrefersStoppedAndOldest(t *testing.T) {
	c := newTestCollector(t)
	c.cfg.Collectors.ObserverMaxRecords = 2

	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		c.records[id] = &Record{ID: id, MultiplexerID: id, CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond)}
		c.byMultiplexer[id] = c.records[id]
	}
	c.records["a"].Status = "stopped"

	c.evictIfOverCap()
	_, stillThere := c.records["a"]
	assert.False(t, stillThere, "stopped record should be evicted first")
}
