// Package estimator implements the Size Estimator (spec §4.1): a pure,
// stateless approximation of the in-memory byte size of an arbitrary
// value, with cycle detection and a depth cap so it can never loop or
// blow the stack on attacker-shaped input.
//
// The spec's source language walks a dynamically-typed object graph
// (object/array/string/number/...). In Go there is no single dynamic
// value type that covers every telemetry item shape, so estimate()
// is defined over `any` and dispatches on the set of shapes the agent
// actually constructs: the JSON-value sum-type alluded to in spec §9
// ("Deep object traversal... a constrained intermediate representation
// is preferable") — see internal/sanitize, which produces exactly such
// a bounded intermediate representation for trace arguments before they
// ever reach the estimator or the egress client.
package estimator

import (
	"reflect"
	"regexp"
	"sync/atomic"
	"time"
)

// cyclesDetected counts self-referencing pointers short-circuited by
// isCycle across the process lifetime, exposed to internal/selfmetrics
// as an operational health signal (a steady climb means some caller is
// feeding the agent cyclic structures).
var cyclesDetected atomic.Int64

// CyclesDetected returns the cumulative number of cycles short-
// circuited by Estimate since process start.
func CyclesDetected() int64 { return cyclesDetected.Load() }

const (
	maxDepth       = 20
	depthCapBytes  = 100
	maxArrayElems  = 1000
	maxMapKeys     = 500
)

// Estimate approximates the in-memory byte size of v per the rules in
// spec §4.1. It never panics and never blocks.
func Estimate(v any) int64 {
	visited := make(map[uintptr]bool)
	return estimate(reflect.ValueOf(v), visited, 0)
}

func estimate(rv reflect.Value, visited map[uintptr]bool, depth int) int64 {
	if depth > maxDepth {
		return depthCapBytes
	}
	if !rv.IsValid() {
		return 0
	}

	switch rv.Kind() {
	case reflect.Invalid:
		return 0
	case reflect.Bool:
		return 4
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return 8
	case reflect.String:
		return 2 * int64(rv.Len())
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return 0
		}
		if rv.Kind() == reflect.Ptr {
			if isCycle(rv, visited) {
				return 0
			}
		}
		return estimate(rv.Elem(), visited, depth+1)
	case reflect.Slice, reflect.Array:
		return estimateSequence(rv, visited, depth)
	case reflect.Map:
		return estimateMap(rv, visited, depth)
	case reflect.Struct:
		return estimateStruct(rv, visited, depth)
	default:
		return 0
	}
}

// estimateSequence covers both []byte (binary buffer -> byteLength)
// and general arrays (8 + sum of element estimates, extrapolated past
// the 1000-element traversal cap).
func estimateSequence(rv reflect.Value, visited map[uintptr]bool, depth int) int64 {
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return int64(rv.Len())
	}

	n := rv.Len()
	if n == 0 {
		return 8
	}
	traverse := n
	if traverse > maxArrayElems {
		traverse = maxArrayElems
	}

	var sum int64
	for i := 0; i < traverse; i++ {
		sum += estimate(rv.Index(i), visited, depth+1)
	}

	if n > traverse {
		avg := float64(sum) / float64(traverse)
		sum += int64(avg * float64(n-traverse))
	}
	return 8 + sum
}

func estimateMap(rv reflect.Value, visited map[uintptr]bool, depth int) int64 {
	keys := rv.MapKeys()
	n := len(keys)
	if n == 0 {
		return 8
	}
	traverse := n
	if traverse > maxMapKeys {
		traverse = maxMapKeys
	}

	var sum int64
	for i := 0; i < traverse; i++ {
		k := keys[i]
		keyLen := int64(0)
		if k.Kind() == reflect.String {
			keyLen = int64(len(k.String()))
		}
		sum += 2*keyLen + estimate(rv.MapIndex(k), visited, depth+1)
	}

	if n > traverse {
		avg := float64(sum) / float64(traverse)
		sum += int64(avg * float64(n-traverse))
	}
	return 8 + sum
}

var timeType = reflect.TypeOf(time.Time{})
var regexpType = reflect.TypeOf(regexp.Regexp{})

func estimateStruct(rv reflect.Value, visited map[uintptr]bool, depth int) int64 {
	if rv.Type() == timeType {
		return 24
	}
	if rv.Type() == regexpType {
		if rv.CanAddr() {
			re := rv.Addr()
			if re.CanInterface() {
				if r, ok := re.Interface().(*regexp.Regexp); ok && r != nil {
					return 2*int64(len(r.String())) + 24
				}
			}
		}
		return 24
	}

	var sum int64
	for i := 0; i < rv.NumField(); i++ {
		f := rv.Field(i)
		if !f.CanInterface() {
			continue
		}
		sum += estimate(f, visited, depth+1)
	}
	return 8 + sum
}

// isCycle records the pointer's address and reports whether it was
// already visited on this traversal. It mutates visited so subsequent
// calls on the same pointer (a genuine cycle) short-circuit to 0.
func isCycle(rv reflect.Value, visited map[uintptr]bool) bool {
	if rv.IsNil() {
		return false
	}
	ptr := rv.Pointer()
	if visited[ptr] {
		cyclesDetected.Add(1)
		return true
	}
	visited[ptr] = true
	return false
}
