package tracectx

import (
	"sync"
	"time"
)

// MaxCallStackDepth is the hard cap from spec §5 ("Call stack: 100
// entries; drop oldest").
const MaxCallStackDepth = 100

// StaleAfter is the sweep threshold from spec §4.5 ("Stale call-stack
// sweep... entries older than 5 minutes are dropped").
const StaleAfter = 5 * time.Minute

// SweepInterval is how often the stale sweep runs (spec §4.5: "every
// 60s").
const SweepInterval = 60 * time.Second

type frame struct {
	ctx       *Context
	sessionID string
	handler   string
	pushedAt  time.Time
}

// CallStack is the process-wide, bounded, ordered sequence of
// currently-open Contexts described in spec §3. It is process-wide by
// design (§5 "The call stack is process-wide and requires a lock under
// threaded runtimes") — a single instance is shared by every Request
// Tracer in the process and guarded by a mutex, since Go request
// handling is genuinely multi-threaded (goroutines on OS threads).
type CallStack struct {
	mu     sync.Mutex
	frames []frame

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewCallStack constructs an empty call stack and starts its
// background staleness sweep.
func NewCallStack() *CallStack {
	cs := &CallStack{
		stopSweep: make(chan struct{}),
	}
	go cs.sweepLoop()
	return cs
}

// Push adds ctx to the top of the stack, dropping the oldest entry if
// at capacity (spec §8 boundary: "At call-stack depth 100, pushing
// drops the oldest entry and proceeds").
func (cs *CallStack) Push(ctx *Context, sessionID, handler string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.frames) >= MaxCallStackDepth {
		cs.frames = cs.frames[1:]
	}
	cs.frames = append(cs.frames, frame{ctx: ctx, sessionID: sessionID, handler: handler, pushedAt: time.Now()})
}

// Pop removes ctx from the stack regardless of position (a request
// may not always terminate in strict LIFO order under concurrent
// goroutines sharing a session, though the common case is LIFO).
func (cs *CallStack) Pop(ctx *Context) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i := len(cs.frames) - 1; i >= 0; i-- {
		if cs.frames[i].ctx == ctx {
			cs.frames = append(cs.frames[:i], cs.frames[i+1:]...)
			return
		}
	}
}

// Top returns the most recently pushed frame, used to derive parent
// linkage for a nested request (spec §4.5 "Parent linkage").
func (cs *CallStack) Top() (ctx *Context, sessionID, handler string, ok bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.frames) == 0 {
		return nil, "", "", false
	}
	f := cs.frames[len(cs.frames)-1]
	return f.ctx, f.sessionID, f.handler, true
}

// Depth reports the current call depth, used to derive call_depth for
// the new Context.
func (cs *CallStack) Depth() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.frames)
}

// Stop halts the background sweep. Idempotent.
func (cs *CallStack) Stop() {
	cs.sweepOnce.Do(func() {
		close(cs.stopSweep)
	})
}

func (cs *CallStack) sweepLoop() {
	t := time.NewTicker(SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			cs.sweepStale()
		case <-cs.stopSweep:
			return
		}
	}
}

func (cs *CallStack) sweepStale() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cutoff := time.Now().Add(-StaleAfter)
	fresh := cs.frames[:0]
	for _, f := range cs.frames {
		if f.pushedAt.After(cutoff) {
			fresh = append(fresh, f)
		}
	}
	cs.frames = fresh
}
