package egress

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/config"
)

func testConfig(endpoint string) *config.Config {
	cfg := config.Default()
	cfg.Endpoint = endpoint
	cfg.APIKey = "test-key"
	cfg.BatchSize = 3
	cfg.BatchSizeBytes = 1 << 20
	cfg.FlushInterval = time.Second
	cfg.MaxRetries = 2
	cfg.TraceSampleRate = 1.0
	cfg.RUMSampleRate = 1.0
	return cfg
}

func TestClient_Add_FlushesOnBatchSizeBoundary(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), zap.NewNop())
	c.Add(KindErrors, map[string]any{"message": "boom1"})
	c.Add(KindErrors, map[string]any{"message": "boom2"})
	c.Add(KindErrors, map[string]any{"message": "boom3"}) // hits batchSize=3, triggers async flush

	require.Eventually(t, func() bool { return atomic.LoadInt32(&requests) >= 1 }, time.Second, 10*time.Millisecond)

	stats := c.Stats()
	assert.GreaterOrEqual(t, stats.Sent, int64(3))
}

func TestClient_NeverSampledKindAlwaysEnqueued(t *testing.T) {
	cfg := testConfig("http://example.invalid")
	cfg.TraceSampleRate = 0
	c := New(cfg, zap.NewNop())

	c.Add(KindErrors, map[string]any{"message": "x"})
	b := c.batchFor(KindErrors)
	assert.Equal(t, 1, b.len())
}

func TestClient_SampledKindDroppedAtZeroRate(t *testing.T) {
	cfg := testConfig("http://example.invalid")
	cfg.TraceSampleRate = 0
	c := New(cfg, zap.NewNop())

	c.Add(KindTraces, map[string]any{"traceId": "abc"})
	b := c.batchFor(KindTraces)
	assert.Equal(t, 0, b.len())
}

func TestClient_RetryQueueDropsOldestPastCap(t *testing.T) {
	q := newRetryQueue()
	var ids []int64
	for i := 0; i < maxRetryQueueLen+10; i++ {
		id := q.push(&retryJob{kind: KindErrors}, time.NewTimer(time.Hour))
		ids = append(ids, id)
	}
	assert.Equal(t, maxRetryQueueLen, q.len())
	assert.Equal(t, int64(10), q.droppedCount())
	q.stopAll()
}

func TestClient_FailedSendDroppedImmediatelyWhenMaxRetriesIsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 0
	c := New(cfg, zap.NewNop())

	c.dispatch(KindErrors, []any{map[string]any{"message": "boom"}}, 0)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Sent)
}

func TestBatch_DrainResetsBytesAndItems(t *testing.T) {
	b := &batch{}
	b.add(map[string]any{"a": 1})
	b.add(map[string]any{"b": 2})
	items := b.drain()
	assert.Len(t, items, 2)
	assert.Equal(t, 0, b.len())
	assert.Nil(t, b.drain())
}

func TestSafeCopy_BreaksSelfReferencingCycle(t *testing.T) {
	type node struct {
		Name string
		Next *node
	}
	n := &node{Name: "root"}
	n.Next = n

	out := safeCopy(n)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "root", m["Name"])
	assert.Equal(t, cycleSentinel, m["Next"])
}

func TestBackoff_CapsAtThirtySeconds(t *testing.T) {
	d := backoff(10) // 2^10s would be far over the cap
	assert.LessOrEqual(t, d, 30*time.Second+6*time.Second)
}
