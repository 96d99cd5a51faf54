// Package dbinstrument implements the Database Instrumentation of
// spec §4.6: wrapping each terminal query method to record a db
// Operation into the active request Context, attach slow-query
// analysis, and kick off the index-usage side-channel when sampled.
package dbinstrument

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/egress"
	"github.com/brain2apm/agent/internal/sanitize"
	"github.com/brain2apm/agent/internal/tracectx"
	"github.com/brain2apm/agent/internal/tracemodel"
	"github.com/brain2apm/agent/internal/tracer"
	"github.com/brain2apm/agent/internal/wrapping"
)

// terminalOperations enumerates the query methods spec §4.6 names:
// "findOne, insert, update, remove, upsert, cursor.fetch, cursor.count,
// aggregate.toArray, and their async variants". Go has no sync/async
// method pairs to distinguish, so this instrumentation wraps whatever
// single Go method the host driver exposes for each kind.
var terminalOperations = map[string]bool{
	"findOne":          true,
	"find":             true,
	"insert":           true,
	"update":           true,
	"remove":           true,
	"upsert":           true,
	"cursor.fetch":     true,
	"cursor.count":     true,
	"aggregate.toArray": true,
}

// Query is the normalized shape of one database call site, built by
// the host adapter from whatever driver-specific arguments it has.
type Query struct {
	Collection string
	Operation  string
	Selector   any
	Pipeline   any
}

// Explainer performs the side-channel explain() described in spec
// §4.5/§4.6: given a Query, it returns index-usage statistics
// asynchronously. Implementations wrap a real driver's explain() call;
// tests and hosts without explain support can omit it entirely.
type Explainer interface {
	Explain(ctx context.Context, q Query) (*tracemodel.IndexUsage, error)
}

// Instrumentor wraps terminal query methods for one logical database
// connection.
type Instrumentor struct {
	cfg       *config.Config
	logger    *zap.Logger
	explainer Explainer
	sink      *egress.Client

	mu       sync.Mutex
	guards   map[string]*wrapping.Guard
	wrapped  map[string]QueryFunc

	explainGroup singleflight.Group
}

// New constructs an Instrumentor. explainer may be nil, which disables
// the index-usage side-channel regardless of configuration.
func New(cfg *config.Config, logger *zap.Logger, explainer Explainer, sink *egress.Client) *Instrumentor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instrumentor{
		cfg:       cfg,
		logger:    logger,
		explainer: explainer,
		sink:      sink,
		guards:    make(map[string]*wrapping.Guard),
		wrapped:   make(map[string]QueryFunc),
	}
}

// QueryFunc is the captured original terminal query method (spec
// §4.3 rule 1: "capture the current f ... do not attempt to find a
// true original").
type QueryFunc func(ctx context.Context) (result any, err error)

// Wrap instruments one call site. installKey identifies the host
// object+method pair being wrapped (e.g. "<collectionName>.<operation>"),
// so repeated Wrap calls for the same pair are idempotent per spec
// §4.3 rule 4: the first call captures and wraps captured; every
// subsequent call with the same key returns that same wrapper,
// ignoring the newly passed captured, exactly like "install a pointer
// to the original under a collector-specific key, guarded by only if
// not already set".
func (in *Instrumentor) Wrap(installKey string, q Query, captured QueryFunc) QueryFunc {
	in.mu.Lock()
	guard, ok := in.guards[installKey]
	if !ok {
		guard = &wrapping.Guard{}
		in.guards[installKey] = guard
	}
	in.mu.Unlock()

	var result QueryFunc
	guard.InstallOnce(func() {
		result = in.buildWrapper(q, captured)
		in.mu.Lock()
		in.wrapped[installKey] = result
		in.mu.Unlock()
	})
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.wrapped[installKey]
}

func (in *Instrumentor) buildWrapper(q Query, captured QueryFunc) QueryFunc {
	return func(ctx context.Context) (any, error) {
		start := time.Now()
		result, err := captured(ctx)
		duration := time.Since(start)

		tc, ok := tracectx.FromContext(ctx)
		if !ok {
			return result, err
		}

		op := tracemodel.Operation{
			Type:        tracemodel.OpDB,
			Collection:  q.Collection,
			DBOperation: q.Operation,
			Selector:    sanitize.SanitizeDBArgs(q.Selector),
			Pipeline:    sanitize.SanitizeDBArgs(q.Pipeline),
			Duration:    duration,
		}
		if err != nil {
			op.Error = err.Error()
		}
		if slow := tracer.AnalyzeSlowQuery(in.cfg, duration, q.Selector); slow != nil {
			op.SlowQuery = slow
		}

		fingerprint := sanitize.Fingerprint(q.Collection, q.Operation, q.Selector)
		offset := tc.RecordDBOperation(op, fingerprint)

		if in.shouldExplain(q) {
			in.kickOffExplain(tc, q, fingerprint, offset)
		}

		return result, err
	}
}

func (in *Instrumentor) shouldExplain(q Query) bool {
	if in.explainer == nil || !in.cfg.CaptureIndexUsage {
		return false
	}
	if !terminalOperations[q.Operation] && q.Operation != "find" && q.Operation != "aggregate" {
		return false
	}
	if in.cfg.IndexUsageSampleRate >= 1 {
		return true
	}
	if in.cfg.IndexUsageSampleRate <= 0 {
		return false
	}
	return rand.Float64() < in.cfg.IndexUsageSampleRate
}

// kickOffExplain launches the asynchronous explain() side-channel
// (spec §4.5): it records a pending-explain entry (bounded to 50),
// then on completion merges the result into the original Operation by
// in-place mutation if the owning Trace has not yet emitted, or ships
// it as a standalone addendum item otherwise (spec §13's resolution of
// the late-arrival open question). Concurrent explains sharing the
// same query fingerprint are deduped via singleflight: a hot N+1 loop
// firing the identical query dozens of times in a tight window drives
// one real explain() call instead of dozens.
func (in *Instrumentor) kickOffExplain(tc *tracectx.Context, q Query, fingerprint string, offset time.Duration) {
	id := fmt.Sprintf("%s.%s-%d", q.Collection, q.Operation, time.Now().UnixNano())
	if !tc.TrackExplain(id) {
		in.logger.Debug("pending-explain cap reached, skipping explain", zap.String("collection", q.Collection))
		return
	}

	go func() {
		defer tc.UntrackExplain(id)

		usageVal, err, _ := in.explainGroup.Do(fingerprint, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), in.cfg.RequestTimeout)
			defer cancel()
			return in.explainer.Explain(ctx, q)
		})
		if err != nil {
			in.logger.Debug("explain side-channel failed", zap.Error(err))
			return
		}
		usage := usageVal.(*tracemodel.IndexUsage)
		if usage.DocsExamined > 0 {
			usage.EfficiencyPct = 100 * float64(usage.RowsReturned) / float64(usage.DocsExamined)
		}
		usage.IsCollectionScan = usage.IndexName == "" || usage.IndexName == "COLLSCAN"

		merged := tc.MutateOperation(q.Collection, offset, func(o *tracemodel.Operation) {
			o.IndexUsage = usage
			if usage.IsCollectionScan && o.SlowQuery != nil {
				o.SlowQuery.LikelyIssues = appendUnique(o.SlowQuery.LikelyIssues, "COLLECTION_SCAN")
			}
		})
		if !merged && in.sink != nil {
			// Trace already emitted; ship as a standalone addendum item
			// instead of mutating a Trace the Egress Client no longer
			// owns (spec §4.5 "Fire-and-forget at emit").
			in.sink.Add(egress.KindIndexUsage, map[string]any{
				"traceId":         tc.TraceID(),
				"collection":      q.Collection,
				"operation":       q.Operation,
				"operationOffset": offset,
				"indexUsage":      usage,
			})
		}
	}()
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}
