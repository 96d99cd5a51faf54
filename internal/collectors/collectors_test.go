package collectors

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/egress"
)

func testSink(t *testing.T) *egress.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Endpoint = srv.URL
	cfg.APIKey = "test"
	return egress.New(cfg, zap.NewNop())
}

func TestPercentile_NearestRank(t *testing.T) {
	samples := []float64{10, 20, 30, 40, 50}
	assert.Equal(t, float64(30), percentile(samples, 50))
	assert.Equal(t, float64(50), percentile(samples, 100))
	assert.Equal(t, float64(0), percentile(nil, 50))
}

func TestTopN_SortsDescendingAndTruncates(t *testing.T) {
	counts := map[string]int64{"a": 1, "b": 5, "c": 3}
	top := topN(counts, 2)
	require.Len(t, top, 2)
	assert.Equal(t, "b", top[0].Key)
	assert.Equal(t, "c", top[1].Key)
}

func TestBoundedBuffer_DropsOldestPastCapacity(t *testing.T) {
	buf := newBoundedBuffer[int](3)
	for i := 0; i < 5; i++ {
		buf.add(i)
	}
	assert.Equal(t, []int{2, 3, 4}, buf.drain())
	assert.Equal(t, 0, buf.len())
}

func TestInferJobType_MatchesSubstring(t *testing.T) {
	assert.Equal(t, "notification", inferJobType("sendWelcomeEmail"))
	assert.Equal(t, "export", inferJobType("csvExportJob"))
	assert.Equal(t, "other", inferJobType("widgetRebuild"))
}

func TestJobMonitor_LifecycleMovesActiveToHistory(t *testing.T) {
	sink := testSink(t)
	m := NewJobMonitor(zap.NewNop(), sink, config.Default(), nil)

	m.OnEnqueue("job1", "sendEmail", map[string]any{"to": "a@b.com"})
	m.OnStart("job1")
	m.OnProgress("job1", 0.5)
	m.OnComplete("job1")

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.history, 1)
	assert.Equal(t, "completed", m.history[0].Status)
	assert.Equal(t, "notification", m.history[0].Type)
	assert.Empty(t, m.active)
}

func TestJobMonitor_OnFail_FormatsBoundedErrorStack(t *testing.T) {
	sink := testSink(t)
	m := NewJobMonitor(zap.NewNop(), sink, config.Default(), nil)

	m.OnEnqueue("job2", "exportReport", nil)
	m.OnStart("job2")
	m.OnFail("job2", errors.New("boom"))

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.history, 1)
	assert.Equal(t, "failed", m.history[0].Status)
	assert.Equal(t, "boom", m.history[0].Error)
}

func TestLogCollector_Wrap_FiltersAgentOwnMessages(t *testing.T) {
	sink := testSink(t)
	c := NewLogCollector(zap.NewNop(), sink)

	var captured []string
	wrapped := c.Wrap(func(level, message string) { captured = append(captured, message) })

	wrapped("info", agentLogPrefix+" internal note")
	wrapped("error", "something broke")

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, int64(1), c.counts["error"])
	assert.Len(t, captured, 2, "captured (original) call-through always runs")
}

func TestOutboundHTTPCollector_RecordsPerHostSamples(t *testing.T) {
	sink := testSink(t)
	c := NewOutboundHTTPCollector(zap.NewNop(), sink, config.Default())

	c.record(outboundSample{host: "api.example.com", statusCode: 200, durationMs: 10})
	c.record(outboundSample{host: "api.example.com", statusCode: 500, durationMs: 20})

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.samples, 2)
}

func TestDNSCollector_ProbeMeasuresLatencyOrFailsCleanly(t *testing.T) {
	c := NewDNSCollector(zap.NewNop(), nil, "127.0.0.1:1", 10*time.Millisecond)
	_, err := c.probe("example.com.")
	assert.Error(t, err, "no resolver listening on 127.0.0.1:1")
}

func TestDeprecatedAPICollector_RecordUsageAggregatesCounts(t *testing.T) {
	sink := testSink(t)
	c := NewDeprecatedAPICollector(zap.NewNop(), sink, config.Default(), "")

	c.RecordUsage("oldMethod")
	c.RecordUsage("oldMethod")
	c.RecordUsage("otherOldMethod")

	snapshot := c.snapshotAndReset(false)
	assert.Equal(t, int64(2), snapshot["oldMethod"])
}

func TestPublicationCollector_RecordPublishAggregatesPerName(t *testing.T) {
	sink := testSink(t)
	c := NewPublicationCollector(zap.NewNop(), sink, config.Default())

	c.RecordPublish("users", 10, 5.0)
	c.RecordPublish("users", 20, 15.0)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.samples["users"], 2)
}
