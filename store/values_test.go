package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLookup(t *testing.T) {
	doc := map[string]any{"name": "ada", "address": map[string]any{"city": "london"}}

	v, ok := Lookup(doc, "address.city")
	assert.True(t, ok)
	assert.Equal(t, "london", v)

	_, ok = Lookup(doc, "address.zip")
	assert.False(t, ok)

	_, ok = Lookup(doc, "name.first")
	assert.False(t, ok)
}

func TestCompareValues(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b any
		want int
		ok   bool
	}{
		{name: "ints vs floats", a: 3, b: 2.5, want: 1, ok: true},
		{name: "strings", a: "a", b: "b", want: -1, ok: true},
		{name: "bools", a: false, b: true, want: -1, ok: true},
		{name: "time vs rfc3339 string", a: ts, b: "2024-01-01T00:00:00.5Z", want: -1, ok: true},
		// lexically "...00Z" sorts after "...00.1Z"; chronologically it is earlier
		{name: "rfc3339 strings with fractions", a: "2024-01-01T00:00:00Z", b: "2024-01-01T00:00:00.1Z", want: -1, ok: true},
		{name: "mismatched kinds", a: "a", b: 1, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CompareValues(tt.a, tt.b)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, ValuesEqual(1, 1.0))
	assert.True(t, ValuesEqual(nil, nil))
	assert.False(t, ValuesEqual(nil, false))
	assert.True(t, ValuesEqual([]any{"a"}, []any{"a"}))
}

func TestQuery_AndDoesNotAlias(t *testing.T) {
	base := Query{Filters: make([]Filter, 0, 4)}
	a := base.And(Eq("x", 1))
	b := base.And(Eq("y", 2))

	assert.Len(t, a.Filters, 1)
	assert.Equal(t, "x", a.Filters[0].Field)
	assert.Equal(t, "y", b.Filters[0].Field)
	assert.True(t, Query{}.IsZero())
}
