package tracer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/egress"
	"github.com/brain2apm/agent/internal/tracectx"
	"github.com/brain2apm/agent/internal/waittable"
)

func newTestTracer(t *testing.T) (*Tracer, *egress.Client) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Endpoint = srv.URL
	cfg.APIKey = "test"
	cfg.MinN1TotalDuration = 0
	cfg.BatchSize = 1

	client := egress.New(cfg, zap.NewNop())
	tr := New(cfg, zap.NewNop(), tracectx.NewCallStack(), waittable.New(), client, nil)
	return tr, client
}

func TestTracer_WrapAssignsTraceIDAndEmits(t *testing.T) {
	tr, client := newTestTracer(t)

	wrapped := tr.Wrap("users.get", func(ctx context.Context, sessionID string, args any) (any, error) {
		tc, ok := tracectx.FromContext(ctx)
		require.True(t, ok)
		assert.NotEmpty(t, tc.TraceID())
		return "ok", nil
	})

	result, err := wrapped(context.Background(), "session1", map[string]any{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	require.Eventually(t, func() bool { return client.Stats().Sent >= 1 }, time.Second, 10*time.Millisecond)
}

func TestTracer_NestedWrapRunsInnerHandler(t *testing.T) {
	tr, _ := newTestTracer(t)

	var childRan bool
	outer := tr.Wrap("outer", func(ctx context.Context, sessionID string, args any) (any, error) {
		inner := tr.Wrap("inner", func(ctx context.Context, sessionID string, args any) (any, error) {
			childRan = true
			return nil, nil
		})
		_, err := inner(ctx, sessionID, nil)
		return nil, err
	})

	_, err := outer(context.Background(), "session1", nil)
	require.NoError(t, err)
	assert.True(t, childRan)
}

func TestDeriveUnblockAnalysis_OmittedWhenNotCalledAndNoImpact(t *testing.T) {
	analysis := deriveUnblockAnalysis(false, 0, 0, 0, 5*time.Millisecond)
	assert.Nil(t, analysis)
}

func TestDeriveUnblockAnalysis_PotentialSavingClampedAtZero(t *testing.T) {
	analysis := deriveUnblockAnalysis(false, 0, 300*time.Millisecond, 300*time.Millisecond, 10*time.Millisecond)
	require.NotNil(t, analysis)
	assert.Equal(t, time.Duration(0), analysis.PotentialSaving)
}

func TestDeriveUnblockAnalysis_HighImpactWhenCalledLate(t *testing.T) {
	analysis := deriveUnblockAnalysis(true, 500*time.Millisecond, 250*time.Millisecond, 250*time.Millisecond, 2*time.Second)
	require.NotNil(t, analysis)
	assert.True(t, analysis.Called)
	assert.Equal(t, "HIGH", analysis.Recommendation)
	assert.Equal(t, 500*time.Millisecond, analysis.TimeToUnblock)
}

func TestAnalyzeSlowQuery_EmptySelectorIsCollectionScan(t *testing.T) {
	cfg := config.Default()
	cfg.SlowQueryThreshold = 100 * time.Millisecond
	info := AnalyzeSlowQuery(cfg, 200*time.Millisecond, map[string]any{})
	require.NotNil(t, info)
	assert.Contains(t, info.LikelyIssues, "COLLECTION_SCAN")
	assert.Equal(t, "MEDIUM", info.Severity)
}

func TestAnalyzeSlowQuery_BelowThresholdReturnsNil(t *testing.T) {
	cfg := config.Default()
	cfg.SlowQueryThreshold = time.Second
	info := AnalyzeSlowQuery(cfg, 10*time.Millisecond, map[string]any{"id": 1})
	assert.Nil(t, info)
}

func TestAnalyzeSlowQuery_RegexDetected(t *testing.T) {
	cfg := config.Default()
	cfg.SlowQueryThreshold = 10 * time.Millisecond
	info := AnalyzeSlowQuery(cfg, 50*time.Millisecond, map[string]any{"name": map[string]any{"$regex": "^foo"}})
	require.NotNil(t, info)
	assert.Contains(t, info.LikelyIssues, "REGEX_QUERY")
}

func TestDeriveN1Patterns_FiltersBelowThresholds(t *testing.T) {
	raw := map[string]tracectx.Fingerprint{
		"users.find::{id:?}": {Collection: "users", Operation: "find", Count: 6, TotalDur: 10 * time.Millisecond},
		"orders.find::{id:?}": {Collection: "orders", Operation: "find", Count: 2, TotalDur: 50 * time.Millisecond},
	}
	patterns := deriveN1Patterns(raw, 2*time.Millisecond)
	require.Len(t, patterns, 1)
	assert.Equal(t, "users", patterns[0].Collection)
}
