package estimator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEstimate_Primitives(t *testing.T) {
	assert.Equal(t, int64(0), Estimate(nil))
	assert.Equal(t, int64(4), Estimate(true))
	assert.Equal(t, int64(8), Estimate(42))
	assert.Equal(t, int64(8), Estimate(3.14))
	assert.Equal(t, int64(10), Estimate("hello"))
	assert.Equal(t, int64(24), Estimate(time.Now()))
}

func TestEstimate_BinaryBuffer(t *testing.T) {
	buf := make([]byte, 100)
	assert.Equal(t, int64(100), Estimate(buf))
}

func TestEstimate_Array(t *testing.T) {
	arr := []int{1, 2, 3}
	// 8 + 3*8
	assert.Equal(t, int64(32), Estimate(arr))
}

func TestEstimate_Map(t *testing.T) {
	m := map[string]int{"ab": 1}
	// 8 + (2*2 + 8)
	assert.Equal(t, int64(20), Estimate(m))
}

func TestEstimate_Never_Panics_On_Cycle(t *testing.T) {
	type node struct {
		Next *node
		Val  string
	}
	n := &node{Val: "a"}
	n.Next = n
	assert.NotPanics(t, func() {
		Estimate(n)
	})
}

func TestEstimate_DepthCap(t *testing.T) {
	type deep struct {
		Child *deep
	}
	root := &deep{}
	cur := root
	for i := 0; i < 50; i++ {
		cur.Child = &deep{}
		cur = cur.Child
	}
	// Should not panic and should return a bounded value.
	got := Estimate(root)
	assert.Greater(t, got, int64(0))
}

func TestEstimate_CloneIdempotent(t *testing.T) {
	type payload struct {
		Name string
		Tags []string
	}
	a := payload{Name: "x", Tags: []string{"a", "b"}}
	b := payload{Name: "x", Tags: []string{"a", "b"}}
	assert.Equal(t, Estimate(a), Estimate(b))
}

func TestEstimate_LargeArrayExtrapolated(t *testing.T) {
	arr := make([]int, 5000)
	got := Estimate(arr)
	// 8 + 5000*8 since all elements are homogeneous ints.
	assert.Equal(t, int64(8+5000*8), got)
}
