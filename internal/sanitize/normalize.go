package sanitize

import (
	"reflect"
	"sort"
	"strings"
)

// leafPlaceholder replaces any scalar leaf value in Normalize's output
// — the fingerprint is "value-blind and operator-aware" (spec
// glossary): two selectors that differ only in the literal values
// compared against collapse to the same fingerprint, while their
// operator shape ($gt, $or, $in, ...) is preserved.
const leafPlaceholder = "?"

// Normalize produces the value-blind, shape-preserving string used to
// build a query fingerprint (spec §4.1: "fingerprint = collection.operation
// + '::' + normalize(selector), where normalize recursively replaces
// leaf values with a placeholder while preserving operator keys").
// Map keys are sorted so the same selector shape always normalizes
// identically regardless of Go map iteration order.
func Normalize(v any) string {
	var b strings.Builder
	normalizeValue(reflect.ValueOf(v), &b)
	return b.String()
}

func normalizeValue(rv reflect.Value, b *strings.Builder) {
	if !rv.IsValid() {
		b.WriteString(leafPlaceholder)
		return
	}
	if rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			b.WriteString(leafPlaceholder)
			return
		}
		normalizeValue(rv.Elem(), b)
		return
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			b.WriteString(leafPlaceholder)
			return
		}
		keys := make([]string, 0, rv.Len())
		values := make(map[string]reflect.Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := keyString(iter.Key())
			keys = append(keys, k)
			values[k] = iter.Value()
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte(':')
			normalizeValue(values[k], b)
		}
		b.WriteByte('}')

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			b.WriteString(leafPlaceholder)
			return
		}
		b.WriteByte('[')
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			normalizeValue(rv.Index(i), b)
		}
		b.WriteByte(']')

	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			f := t.Field(i)
			if f.IsExported() {
				out[f.Name] = rv.Field(i).Interface()
			}
		}
		normalizeValue(reflect.ValueOf(out), b)

	default:
		b.WriteString(leafPlaceholder)
	}
}

// Fingerprint builds the full fingerprint string for a database
// operation (spec §4.1).
func Fingerprint(collection, operation string, selector any) string {
	return collection + "." + operation + "::" + Normalize(selector)
}
