// Package tracemodel defines the wire-level data model for a Trace and
// its Operations (spec §3). These types are what the Request Tracer
// assembles and what the Egress Client serializes; nothing in this
// package performs I/O or holds a mutex, keeping it safe to pass
// across goroutines once a Trace has been emitted (spec invariant:
// "once emitted, a Trace is immutable").
package tracemodel

import "time"

// OperationType enumerates the Operation variants from spec §3.
type OperationType string

const (
	OpStart    OperationType = "start"
	OpComplete OperationType = "complete"
	OpDB       OperationType = "db"
	OpHTTP     OperationType = "http"
	OpWait     OperationType = "wait"
	OpCompute  OperationType = "compute"
	OpAsync    OperationType = "async"
	OpEmail    OperationType = "email"
	OpMethod   OperationType = "method"
)

// Operation is a single typed entry in a Trace's timeline. Every field
// beyond Type/Offset is variant-specific and left zero-valued when not
// applicable; this mirrors the source's tagged-union-by-convention
// shape without needing a discriminated union type in Go.
type Operation struct {
	Type   OperationType `json:"type"`
	Offset time.Duration `json:"offset"` // relative to the owning Trace's start

	// db variant
	Collection   string         `json:"collection,omitempty"`
	DBOperation  string         `json:"dbOperation,omitempty"`
	Selector     any            `json:"selector,omitempty"`
	Pipeline     any            `json:"pipeline,omitempty"`
	Duration     time.Duration  `json:"duration,omitempty"`
	SlowQuery    *SlowQueryInfo `json:"slowQuery,omitempty"`
	IndexUsage   *IndexUsage    `json:"indexUsage,omitempty"`
	Error        string         `json:"error,omitempty"`

	// method variant (nested request)
	ChildTraceID string `json:"childTraceId,omitempty"`
	MethodName   string `json:"methodName,omitempty"`

	// http variant
	URL        string `json:"url,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`

	// wait variant
	WaitKind string `json:"waitKind,omitempty"`
}

// SlowQueryInfo is the heuristic analysis attached to a db Operation
// whose duration crosses the configured slow-query threshold (§4.5).
type SlowQueryInfo struct {
	Severity        string   `json:"severity"`
	LikelyIssues    []string `json:"likelyIssues"`
	Recommendations []string `json:"recommendations"`
}

// IndexUsage is populated asynchronously by the explain() side-channel
// (§4.5, §4.6) and merged into its owning Operation in-place when it
// arrives before emit, or shipped as an addendum item when it arrives
// after (§13 resolution of the late-arrival open question).
type IndexUsage struct {
	IndexName     string  `json:"indexName,omitempty"`
	DocsExamined  int64   `json:"docsExamined"`
	KeysExamined  int64   `json:"keysExamined"`
	RowsReturned  int64   `json:"rowsReturned"`
	EfficiencyPct float64 `json:"efficiencyPct"`
	IsCollectionScan bool `json:"isCollectionScan,omitempty"`
}

// UnblockAnalysis is the emit-time derivation described in §4.5.
type UnblockAnalysis struct {
	Called          bool          `json:"called"`
	TimeToUnblock   time.Duration `json:"timeToUnblock,omitempty"`
	ImpactScore     float64       `json:"impactScore"`
	Recommendation  string        `json:"recommendation"`
	PotentialSaving time.Duration `json:"potentialSaving,omitempty"`
}

// N1Pattern is an aggregated N+1 finding (§4.5).
type N1Pattern struct {
	Fingerprint  string        `json:"fingerprint"`
	Collection   string        `json:"collection"`
	Operation    string        `json:"operation"`
	Count        int           `json:"count"`
	TotalDuration time.Duration `json:"totalDuration"`
	AvgDuration  time.Duration `json:"avgDuration"`
	Samples      []Operation   `json:"samples"`
	Suggestion   string        `json:"suggestion"`
}

// WaitInfo captures the inbound-queue / pool wait measured before a
// Context existed for this request (§3 "Pool-wait sample / DDP-wait").
type WaitInfo struct {
	InboundQueueWait time.Duration `json:"inboundQueueWait,omitempty"`
	ConnectionPoolWait time.Duration `json:"connectionPoolWait,omitempty"`
	WaitList         []string      `json:"waitList,omitempty"`
}

// Trace is the per-request record described in spec §3. Once handed
// to the Egress Client via Emit, callers must not mutate it further
// (the in-place explain() mutation path is the one sanctioned
// exception, gated on emit not yet having been observed — see
// internal/tracer).
type Trace struct {
	TraceID       string        `json:"traceId"`
	ParentTraceID string        `json:"parentTraceId,omitempty"`
	MethodName    string        `json:"methodName"`
	StartTime     time.Time     `json:"startTime"`
	Duration      time.Duration `json:"duration"`

	CallerHandler string `json:"callerHandler,omitempty"`
	CallerSession string `json:"callerSession,omitempty"`
	CallDepth     int    `json:"callDepth"`

	UserID       string         `json:"userId,omitempty"`
	SessionID    string         `json:"sessionId,omitempty"`
	ClientAddr   string         `json:"clientAddr,omitempty"`
	Args         any            `json:"args,omitempty"`

	Operations []Operation `json:"operations"`

	Wait         WaitInfo `json:"wait"`
	BlockingTime time.Duration `json:"blockingTime,omitempty"`
	WaitedOn     time.Duration `json:"waitedOn,omitempty"`

	UnblockAnalysis *UnblockAnalysis `json:"unblockAnalysis,omitempty"`
	N1Patterns      []N1Pattern      `json:"n1Patterns,omitempty"`

	Error string `json:"error,omitempty"`
}
