package queuewait

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/tracectx"
	"github.com/brain2apm/agent/internal/waittable"
)

func TestCollector_OnHandlerEntry_WritesWaitTableEntry(t *testing.T) {
	wt := waittable.New()
	c := New(zap.NewNop(), wt)

	c.OnMessageEnqueue("session1", "msg1")
	time.Sleep(5 * time.Millisecond)
	c.OnHandlerEntry("session1", "msg1")

	entry, ok := wt.Take("session1")
	require.True(t, ok)
	assert.GreaterOrEqual(t, entry.Duration, 5*time.Millisecond)
	assert.Equal(t, "msg1", entry.MessageInfo)
}

func TestCollector_OnHandlerEntry_ResolvesWaitListOfSiblingMessages(t *testing.T) {
	wt := waittable.New()
	c := New(zap.NewNop(), wt)

	c.OnMessageEnqueue("session1", "msg1")
	c.OnMessageEnqueue("session1", "msg2")
	c.OnMessageEnqueue("session1", "msg3")

	c.OnHandlerEntry("session1", "msg1")

	entry, ok := wt.Take("session1")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"msg2", "msg3"}, entry.WaitList)
}

func TestCollector_OnSessionClose_EvictsWaitListAndTableEntry(t *testing.T) {
	wt := waittable.New()
	c := New(zap.NewNop(), wt)

	c.OnMessageEnqueue("session1", "msg1")
	c.OnMessageEnqueue("session2", "msg1")
	wt.Put("session1", waittable.Entry{Duration: time.Second})

	c.OnSessionClose("session1")

	_, ok := wt.Take("session1")
	assert.False(t, ok)
	assert.Equal(t, 1, c.cache.Len())
}

func TestCollector_WrapUnblock_StampsBlockingInfoOnContextOnce(t *testing.T) {
	wt := waittable.New()
	c := New(zap.NewNop(), wt)

	tc := tracectx.New("handler")
	ctx := tracectx.WithContext(context.Background(), tc)

	c.OnMessageEnqueue("session1", "msg1")
	c.OnMessageEnqueue("session1", "msg2")
	start := time.Now()
	c.OnHandlerEntry("session1", "msg1")

	time.Sleep(5 * time.Millisecond)

	calls := 0
	captured := func() { calls++ }
	unblock := c.WrapUnblock(ctx, "session1", "msg1", start, captured)

	unblock()
	unblock()
	assert.Equal(t, 1, calls)

	trace, _, _, _ := tc.Finalize()
	assert.Greater(t, trace.BlockingTime, time.Duration(0))
	assert.Greater(t, trace.WaitedOn, time.Duration(0))
}

func TestCollector_ComputeWaitedOn_PositiveWithQueuedSiblingZeroWhenEmpty(t *testing.T) {
	wt := waittable.New()
	c := New(zap.NewNop(), wt)

	start := time.Now()
	c.OnMessageEnqueue("session1", "sibling")
	waited := c.computeWaitedOn("session1", "self", start)
	assert.Greater(t, waited, time.Duration(0))

	c.cache.DeleteMatching(func(string) bool { return true })
	waited = c.computeWaitedOn("session1", "self", start)
	assert.Equal(t, time.Duration(0), waited)
}
