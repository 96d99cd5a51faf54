package egress

import (
	"reflect"
	"time"
)

// cycleSentinel replaces a self-referencing value so json.Marshal never
// recurses forever over a graph an instrumented caller handed the agent
// (spec §4.2 "serialization: ... guards against cycles ... by
// substituting a sentinel string"). This mirrors the estimator
// package's own cycle-detection walk (internal/estimator) but produces
// a transformed copy instead of a byte count.
const cycleSentinel = "[Circular]"

const maxDepthSentinel = "[MaxDepth]"

const safeCopyMaxDepth = 32

// safeCopy walks v and returns an equivalent value built only from
// maps, slices, and primitives, safe to hand to encoding/json: pointer
// cycles become cycleSentinel and excessive nesting becomes
// maxDepthSentinel.
func safeCopy(v any) any {
	return safeCopyValue(reflect.ValueOf(v), make(map[uintptr]bool), 0)
}

func safeCopyValue(rv reflect.Value, visited map[uintptr]bool, depth int) any {
	if !rv.IsValid() {
		return nil
	}
	if depth > safeCopyMaxDepth {
		return maxDepthSentinel
	}

	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Ptr {
			addr := rv.Pointer()
			if visited[addr] {
				return cycleSentinel
			}
			visited[addr] = true
		}
		return safeCopyValue(rv.Elem(), visited, depth+1)

	case reflect.Struct:
		if t, ok := rv.Interface().(time.Time); ok {
			return t
		}
		out := make(map[string]any, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			out[f.Name] = safeCopyValue(rv.Field(i), visited, depth+1)
		}
		return out

	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[toMapKey(iter.Key())] = safeCopyValue(iter.Value(), visited, depth+1)
		}
		return out

	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Bytes()
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = safeCopyValue(rv.Index(i), visited, depth+1)
		}
		return out

	default:
		if rv.CanInterface() {
			return rv.Interface()
		}
		return nil
	}
}

func toMapKey(rv reflect.Value) string {
	if rv.Kind() == reflect.String {
		return rv.String()
	}
	if rv.CanInterface() {
		if s, ok := rv.Interface().(interface{ String() string }); ok {
			return s.String()
		}
	}
	return reflect.ValueOf(rv.Interface()).String()
}
