package appcache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGetTake(t *testing.T) {
	c := New[int](10, time.Minute, 0.2)
	c.Put("a", 1)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = c.Take("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 0, c.Len())
}

func TestCache_DeleteMatchingEvictsBySessionPrefix(t *testing.T) {
	c := New[string](10, time.Minute, 0.2)
	c.Put("session1:msg1", "a")
	c.Put("session1:msg2", "b")
	c.Put("session2:msg1", "c")

	c.DeleteMatching(func(key string) bool { return strings.HasPrefix(key, "session1:") })

	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("session2:msg1")
	assert.True(t, ok)
}

func TestCache_SweepExpiresOldEntries(t *testing.T) {
	c := New[int](10, time.Millisecond, 0.2)
	c.Put("a", 1)
	time.Sleep(5 * time.Millisecond)

	expired, dropped := c.Sweep()
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, dropped)
	assert.Equal(t, 0, c.Len())
}

func TestCache_SweepDropsOldestFractionWhenOverBound(t *testing.T) {
	c := New[int](5, time.Hour, 0.2)
	for i := 0; i < 10; i++ {
		c.Put(string(rune('a'+i)), i)
		time.Sleep(time.Millisecond)
	}

	_, dropped := c.Sweep()
	assert.Equal(t, 5, dropped)
	assert.Equal(t, 5, c.Len())

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should have been dropped")
}
