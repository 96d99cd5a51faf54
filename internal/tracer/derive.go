package tracer

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/tracectx"
	"github.com/brain2apm/agent/internal/tracemodel"
)

// deriveUnblockAnalysis implements spec §4.5's emit-time derivation:
// impactScore in [0,10] built from blocking time (0-4), waited-on
// (0-4), and duration (0-2), each scaled linearly up to a saturation
// point, then mapped to a NONE/LOW/MEDIUM/HIGH recommendation.
// unblockAnalysis is omitted entirely when unblock was never called
// and the recommendation would be NONE anyway.
func deriveUnblockAnalysis(called bool, timeToUnblock, blockingTime, waitedOn, duration time.Duration) *tracemodel.UnblockAnalysis {
	blockingScore := scaleScore(blockingTime, 200*time.Millisecond, 4)
	waitedScore := scaleScore(waitedOn, 200*time.Millisecond, 4)
	durationScore := scaleScore(duration, time.Second, 2)
	impact := blockingScore + waitedScore + durationScore

	recommendation := "NONE"
	switch {
	case impact >= 7:
		recommendation = "HIGH"
	case impact >= 4:
		recommendation = "MEDIUM"
	case impact >= 1:
		recommendation = "LOW"
	}

	if !called && recommendation == "NONE" {
		return nil
	}

	analysis := &tracemodel.UnblockAnalysis{
		Called:         called,
		ImpactScore:    impact,
		Recommendation: recommendation,
	}
	if called {
		analysis.TimeToUnblock = timeToUnblock
	} else {
		// potentialSaving = min(duration - 20ms, waited-on), spec §4.5,
		// clamped at zero so a handler that finished almost immediately
		// never reports a negative saving.
		saving := duration - 20*time.Millisecond
		if waitedOn < saving {
			saving = waitedOn
		}
		if saving < 0 {
			saving = 0
		}
		analysis.PotentialSaving = saving
	}
	return analysis
}

func scaleScore(d, saturateAt time.Duration, max float64) float64 {
	if d <= 0 {
		return 0
	}
	if d >= saturateAt {
		return max
	}
	return max * float64(d) / float64(saturateAt)
}

// n1Suggestion derives the advisory string from the operation kind
// (spec §4.5: "Suggestion string derived from the operation kind
// (find, findOne, update, remove)").
func n1Suggestion(operation string) string {
	switch operation {
	case "find", "findOne":
		return "Consider batching these reads (e.g. $in on the shared key) or adding a loader cache."
	case "update":
		return "Consider a single bulk update instead of per-document updates in a loop."
	case "remove":
		return "Consider a single bulk delete with a compound selector instead of per-document removes."
	default:
		return "Consider batching these " + operation + " operations instead of issuing them individually in a loop."
	}
}

// deriveN1Patterns converts the Context's lazily-tracked fingerprints
// into the aggregated N1Pattern list emitted on the Trace (spec §4.5:
// "emit as N+1 pattern every fingerprint with count >= 5 and total
// duration >= 2ms. Sort descending by total duration").
func deriveN1Patterns(raw map[string]tracectx.Fingerprint, minTotalDuration time.Duration) []tracemodel.N1Pattern {
	out := make([]tracemodel.N1Pattern, 0, len(raw))
	for fp, entry := range raw {
		if entry.Count < 5 || entry.TotalDur < minTotalDuration {
			continue
		}
		out = append(out, tracemodel.N1Pattern{
			Fingerprint:   fp,
			Collection:    entry.Collection,
			Operation:     entry.Operation,
			Count:         entry.Count,
			TotalDuration: entry.TotalDur,
			AvgDuration:   entry.TotalDur / time.Duration(entry.Count),
			Samples:       entry.Samples,
			Suggestion:    n1Suggestion(entry.Operation),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalDuration > out[j].TotalDuration })
	return out
}

var (
	regexOperatorPattern = regexp.MustCompile(`\$regex`)
	complexOperatorKeys  = []string{"$where", "$expr"}
)

// AnalyzeSlowQuery builds the heuristic slow-query analysis for a db
// Operation whose duration crossed cfg.SlowQueryThreshold (spec
// §4.5 "Slow-query analysis"). Exported so internal/dbinstrument can
// attach it at record time per spec §4.6 step 4.
func AnalyzeSlowQuery(cfg *config.Config, durationMs time.Duration, selector any) *tracemodel.SlowQueryInfo {
	if durationMs < cfg.SlowQueryThreshold {
		return nil
	}

	severity := "LOW"
	switch {
	case durationMs >= time.Second:
		severity = "CRITICAL"
	case durationMs >= 500*time.Millisecond:
		severity = "HIGH"
	case durationMs >= 200*time.Millisecond:
		severity = "MEDIUM"
	}

	var issues []string
	m, isMap := selector.(map[string]any)

	if selector == nil || (isMap && len(m) == 0) {
		// an empty selector carries no index signal at all, so it is
		// always a collection scan running without an index.
		issues = append(issues, "COLLECTION_SCAN", "MISSING_INDEX")
	}
	if isMap && len(m) > 2 {
		issues = append(issues, "COMPLEX_QUERY")
	}
	if isMap && containsRegex(m) {
		issues = append(issues, "REGEX_QUERY")
	}
	if isMap && containsComplexOperator(m) {
		issues = append(issues, "COMPLEX_OPERATOR")
	}
	if len(issues) == 0 {
		issues = append(issues, "MISSING_INDEX", "SUBOPTIMAL_INDEX")
	}

	return &tracemodel.SlowQueryInfo{
		Severity:        severity,
		LikelyIssues:    issues,
		Recommendations: recommendationsFor(issues),
	}
}

func containsRegex(m map[string]any) bool {
	for k, v := range m {
		if strings.EqualFold(k, "$regex") {
			return true
		}
		if nested, ok := v.(map[string]any); ok && containsRegex(nested) {
			return true
		}
		if s, ok := v.(string); ok && regexOperatorPattern.MatchString(s) {
			return true
		}
	}
	return false
}

func containsComplexOperator(m map[string]any) bool {
	for _, key := range complexOperatorKeys {
		if _, ok := m[key]; ok {
			return true
		}
	}
	for _, v := range m {
		if nested, ok := v.(map[string]any); ok && containsComplexOperator(nested) {
			return true
		}
	}
	return false
}

func recommendationsFor(issues []string) []string {
	recs := make([]string, 0, len(issues))
	for _, issue := range issues {
		switch issue {
		case "MISSING_INDEX":
			recs = append(recs, "Add an index covering the query's filter fields.")
		case "SUBOPTIMAL_INDEX":
			recs = append(recs, "Review the existing index's field order against this query's filter and sort.")
		case "COLLECTION_SCAN":
			recs = append(recs, "Avoid empty or near-empty selectors on large collections.")
		case "COMPLEX_QUERY":
			recs = append(recs, "Simplify the filter or split it across a compound index.")
		case "REGEX_QUERY":
			recs = append(recs, "Anchor regex patterns or use a text index instead of a leading wildcard.")
		case "COMPLEX_OPERATOR":
			recs = append(recs, "Avoid $where/$expr on hot paths; they bypass index selection.")
		}
	}
	return recs
}
