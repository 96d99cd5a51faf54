// Package waittable implements the process-wide handoff tables
// described in spec §3 ("Pool-wait sample / DDP-wait-by-session") and
// elaborated in §9's Design Notes: "a cleaner design is a per-session
// slot in a concurrent hash map, written by the queue collector and
// drained atomically by the tracer on handler entry". That is exactly
// what this package is: a sync.Mutex-guarded map keyed by session id,
// written once by the Queue Wait Collector before a request begins
// executing (when there is no Context yet to write into) and consumed
// exactly once by the Request Tracer at handler entry.
package waittable

import (
	"sync"
	"time"
)

// Entry is the record handed off from the Queue Wait Collector to the
// Request Tracer for a single session's next request.
type Entry struct {
	Duration    time.Duration
	WaitList    []string
	MessageInfo string
	SessionID   string
	RecordedAt  time.Time
}

// Table is a process-wide, single-slot-per-session handoff map. Per
// spec §5 "Ordering guarantees": "messages execute sequentially (host
// contract); the wait-time handoff table's single-slot-per-session
// design depends on this" — a session never has two in-flight
// requests racing to write/read the same slot.
type Table struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// New constructs an empty handoff table.
func New() *Table {
	return &Table{entries: make(map[string]Entry)}
}

// Put writes (overwrites) the entry for a session. Spec §8: "the
// DDP-wait-by-session table contains at most one live entry keyed by
// S at any moment" — a Put before the prior entry was consumed simply
// replaces it, preserving the at-most-one invariant.
func (t *Table) Put(sessionID string, e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.SessionID = sessionID
	e.RecordedAt = time.Now()
	t.entries[sessionID] = e
}

// Take atomically reads and clears the entry for a session (the
// "consumed exactly once" contract of spec §3).
func (t *Table) Take(sessionID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[sessionID]
	if ok {
		delete(t.entries, sessionID)
	}
	return e, ok
}

// Evict drops a session's entry without consuming it, used on session
// close per spec §4.7 "Session bookkeeping": "On session close... evict
// all (session, *) wait-list keys".
func (t *Table) Evict(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, sessionID)
}

// Len reports the number of live entries, for tests and diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
