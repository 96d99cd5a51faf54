package wrapping

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestGuard_InstallOnce_Idempotent(t *testing.T) {
	var g Guard
	calls := 0
	first := g.InstallOnce(func() { calls++ })
	second := g.InstallOnce(func() { calls++ })

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, 1, calls)
}

// TestOnceFunc_ChainedWrappers regresses spec §8 scenario 4: two
// independent wrappers (simulating the tracer and the queue collector)
// wrap an "unblock" callable in sequence. Invoking the outer wrapper
// must invoke the inner host callable exactly once, even when invoked
// twice, and must never stack-overflow via mutual recursion.
func TestOnceFunc_ChainedWrappers(t *testing.T) {
	hostCalls := 0
	hostUnblock := func() { hostCalls++ }

	// Tracer wraps first (inner layer).
	tracerBookkeeping := 0
	tracerWrapped := OnceFunc(zap.NewNop(), func() { tracerBookkeeping++ }, hostUnblock)

	// Queue collector wraps the tracer's wrapper (outer layer).
	queueBookkeeping := 0
	outerWrapped := OnceFunc(zap.NewNop(), func() { queueBookkeeping++ }, tracerWrapped)

	outerWrapped()
	assert.Equal(t, 1, hostCalls)
	assert.Equal(t, 1, tracerBookkeeping)
	assert.Equal(t, 1, queueBookkeeping)

	// Invoking again must be a silent no-op at every layer.
	outerWrapped()
	assert.Equal(t, 1, hostCalls)
	assert.Equal(t, 1, tracerBookkeeping)
	assert.Equal(t, 1, queueBookkeeping)
}

func TestOnceFunc_BookkeepingPanicDoesNotSuppressCaptured(t *testing.T) {
	hostCalls := 0
	wrapped := OnceFunc(zap.NewNop(), func() { panic("boom") }, func() { hostCalls++ })

	assert.NotPanics(t, func() { wrapped() })
	assert.Equal(t, 1, hostCalls)
}

func TestOnceFunc_ConcurrentCallsInvokeCapturedOnce(t *testing.T) {
	hostCalls := 0
	var mu sync.Mutex
	wrapped := OnceFunc(zap.NewNop(), func() {}, func() {
		mu.Lock()
		hostCalls++
		mu.Unlock()
	})

	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			wrapped()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
	assert.Equal(t, 1, hostCalls)
}

func TestCallThroughOnce_CapturedResultAuthoritative(t *testing.T) {
	postErr := error(nil)
	result, err := CallThroughOnce(zap.NewNop(),
		func() {},
		func() (int, error) { return 42, nil },
		func(r int, e error) { postErr = e },
	)
	assert.Equal(t, 42, result)
	assert.NoError(t, err)
	assert.NoError(t, postErr)
}

func TestCallThroughOnce_PostWorkPanicDoesNotAffectResult(t *testing.T) {
	result, err := CallThroughOnce(zap.NewNop(),
		func() {},
		func() (string, error) { return "ok", nil },
		func(string, error) { panic("post blew up") },
	)
	assert.Equal(t, "ok", result)
	assert.NoError(t, err)
}

func TestRestoreRegistry_OutermostTracking(t *testing.T) {
	reg := NewRestoreRegistry()
	reg.RecordOutermost("unblock:session1", "tracer")
	assert.True(t, reg.IsOutermost("unblock:session1", "tracer"))

	reg.RecordOutermost("unblock:session1", "queuecollector")
	assert.False(t, reg.IsOutermost("unblock:session1", "tracer"))
	assert.True(t, reg.IsOutermost("unblock:session1", "queuecollector"))
}
