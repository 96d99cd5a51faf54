package tracer

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// traceCounter is shared across every handler name; spec §4.5 only
// requires "monotonic within process", not monotonic per handler, so
// one counter keeps the id trivially collision-free at the stated
// load (≤1M requests/s) without a per-handler map.
var traceCounter atomic.Int64

// nextTraceID builds handlerName-startMillis-incrementedCounter (spec
// §4.5 "Trace id"). A handler registered under an empty name (a host
// misconfiguration, not a case spec §4.5 otherwise accounts for) would
// otherwise produce a degenerate id indistinguishable across different
// handlers; falling back to a random uuid keeps the id globally unique
// without inventing a synthetic name.
func nextTraceID(handlerName string, start time.Time) string {
	if handlerName == "" {
		return uuid.NewString()
	}
	n := traceCounter.Add(1)
	return fmt.Sprintf("%s-%d-%d", handlerName, start.UnixMilli(), n)
}
