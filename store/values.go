package store

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Lookup resolves a dotted path inside a decoded JSON object.
func Lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// CompareValues orders two scalar values as a search store would: numbers
// numerically, times and RFC 3339 strings chronologically, strings and bools
// lexically. The second result is false when the values are not comparable.
func CompareValues(a, b any) (int, bool) {
	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			return ta.Compare(tb), true
		}
	}

	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}

	switch va := a.(type) {
	case string:
		vb, ok := asString(b)
		if !ok {
			return 0, false
		}
		return strings.Compare(va, vb), true
	case bool:
		vb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case va == vb:
			return 0, true
		case !va:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// ValuesEqual reports whether a and b compare equal.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := CompareValues(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// Values flattens the value of an OpIn filter into a slice.
func Values(v any) []any {
	if v == nil {
		return nil
	}
	if vs, ok := v.([]any); ok {
		return vs
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		if len(t) < len("2006-01-02T15:04:05Z") || t[4] != '-' || t[10] != 'T' {
			return time.Time{}, false
		}
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	}
	return "", false
}
