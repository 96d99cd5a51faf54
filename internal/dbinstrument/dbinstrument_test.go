package dbinstrument

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/tracectx"
	"github.com/brain2apm/agent/internal/tracemodel"
)

type fakeExplainer struct {
	usage *tracemodel.IndexUsage
	err   error
}

func (f *fakeExplainer) Explain(ctx context.Context, q Query) (*tracemodel.IndexUsage, error) {
	return f.usage, f.err
}

func newTestCtx(methodName string) (context.Context, *tracectx.Context) {
	tc := tracectx.New(methodName)
	return tracectx.WithContext(context.Background(), tc), tc
}

func TestInstrumentor_Wrap_RecordsDBOperation(t *testing.T) {
	cfg := config.Default()
	cfg.CaptureIndexUsage = false
	in := New(cfg, zap.NewNop(), nil, nil)

	captured := func(ctx context.Context) (any, error) { return []int{1, 2}, nil }
	wrapped := in.Wrap("users.find", Query{Collection: "users", Operation: "find", Selector: map[string]any{"active": true}}, captured)

	ctx, tc := newTestCtx("handler")
	result, err := wrapped(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, result)

	trace, _, _, _ := tc.Finalize()
	require.Len(t, trace.Operations, 1)
	assert.Equal(t, tracemodel.OpDB, trace.Operations[0].Type)
	assert.Equal(t, "users", trace.Operations[0].Collection)
}

func TestInstrumentor_Wrap_IsIdempotentByInstallKey(t *testing.T) {
	cfg := config.Default()
	in := New(cfg, zap.NewNop(), nil, nil)

	calls := 0
	captured := func(ctx context.Context) (any, error) { calls++; return nil, nil }

	w1 := in.Wrap("users.find", Query{Collection: "users", Operation: "find"}, captured)
	w2 := in.Wrap("users.find", Query{Collection: "users", Operation: "find"}, func(ctx context.Context) (any, error) {
		t.Fatal("second captured func should never be used")
		return nil, nil
	})

	ctx, _ := newTestCtx("handler")
	_, _ = w1(ctx)
	_, _ = w2(ctx)
	assert.Equal(t, 2, calls)
}

func TestInstrumentor_SlowQueryAttachedWhenOverThreshold(t *testing.T) {
	cfg := config.Default()
	cfg.SlowQueryThreshold = time.Millisecond
	cfg.CaptureIndexUsage = false
	in := New(cfg, zap.NewNop(), nil, nil)

	captured := func(ctx context.Context) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}
	wrapped := in.Wrap("orders.find", Query{Collection: "orders", Operation: "find", Selector: map[string]any{}}, captured)

	ctx, tc := newTestCtx("handler")
	_, _ = wrapped(ctx)

	trace, _, _, _ := tc.Finalize()
	require.Len(t, trace.Operations, 1)
	require.NotNil(t, trace.Operations[0].SlowQuery)
	assert.Contains(t, trace.Operations[0].SlowQuery.LikelyIssues, "COLLECTION_SCAN")
}

func TestInstrumentor_ExplainMergesIndexUsageInPlace(t *testing.T) {
	cfg := config.Default()
	cfg.CaptureIndexUsage = true
	cfg.IndexUsageSampleRate = 1.0
	explainer := &fakeExplainer{usage: &tracemodel.IndexUsage{IndexName: "idx_email", DocsExamined: 10, RowsReturned: 5}}
	in := New(cfg, zap.NewNop(), explainer, nil)

	captured := func(ctx context.Context) (any, error) { return nil, nil }
	wrapped := in.Wrap("users.findOne", Query{Collection: "users", Operation: "findOne", Selector: map[string]any{"email": "a@b.com"}}, captured)

	ctx, tc := newTestCtx("handler")
	_, _ = wrapped(ctx)

	require.Eventually(t, func() bool {
		trace, _, _, _ := tc.Finalize()
		return len(trace.Operations) == 1 && trace.Operations[0].IndexUsage != nil
	}, time.Second, 5*time.Millisecond)

	trace, _, _, _ := tc.Finalize()
	assert.Equal(t, "idx_email", trace.Operations[0].IndexUsage.IndexName)
	assert.Equal(t, float64(50), trace.Operations[0].IndexUsage.EfficiencyPct)
}
