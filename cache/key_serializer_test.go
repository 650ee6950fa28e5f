package cache

import (
	"strings"
	"testing"
	"time"
)

func joinWithSeparator(parts ...string) string {
	return strings.Join(parts, KeySeparator)
}

type sortField struct {
	Field      string
	Descending bool
}

type filter struct {
	Field string
	Value any
	note  string
}

func TestDefaultKeySerializer_BasicTypes(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	tests := []struct {
		name   string
		method string
		args   []any
		want   string
	}{
		{name: "no args", method: "Search", want: "Search"},
		{name: "single int", method: "Page", args: []any{42}, want: joinWithSeparator("Page", "42")},
		{
			name:   "mixed basic types",
			method: "Search",
			args:   []any{1, "hello", true, 3.5},
			want:   joinWithSeparator("Search", "1", `"hello"`, "true", "3.5"),
		},
		{name: "nil", method: "Search", args: []any{nil}, want: joinWithSeparator("Search", "nil")},
		{name: "slice", method: "Search", args: []any{[]string{"a", "b"}}, want: joinWithSeparator("Search", `["a","b"]`)},
		{name: "nil slice", method: "Search", args: []any{[]string(nil)}, want: joinWithSeparator("Search", "[]")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serializer.SerializeKey(tt.method, tt.args...)
			if got != tt.want {
				t.Errorf("SerializeKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDefaultKeySerializer_MapsAreSorted(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	a := map[string]any{"b": 2, "a": 1, "c": []int{3}}
	b := map[string]any{"c": []int{3}, "a": 1, "b": 2}

	ka := serializer.SerializeKey("Search", a)
	kb := serializer.SerializeKey("Search", b)
	if ka != kb {
		t.Errorf("expected equal keys, got %q and %q", ka, kb)
	}
	if want := joinWithSeparator("Search", `{"a"=1,"b"=2,"c"=[3]}`); ka != want {
		t.Errorf("SerializeKey() = %q, want %q", ka, want)
	}
}

func TestDefaultKeySerializer_Structs(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	got := serializer.SerializeKey("Search", &filter{Field: "age", Value: 30, note: "ignored"}, sortField{Field: "name"})
	want := joinWithSeparator("Search", `filter{Field:"age",Value:30}`, `sortField{Field:"name",Descending:false}`)
	if got != want {
		t.Errorf("SerializeKey() = %q, want %q", got, want)
	}
}

func TestDefaultKeySerializer_TimesAreUTC(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	utc := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	local := utc.In(time.FixedZone("UTC+2", 2*60*60))

	if serializer.SerializeKey("Search", utc) != serializer.SerializeKey("Search", local) {
		t.Error("expected same instant in different zones to serialize identically")
	}
	if got := serializer.SerializeKey("Search", utc); got != joinWithSeparator("Search", "2024-03-01T12:00:00Z") {
		t.Errorf("unexpected time key %q", got)
	}
}

func TestFingerprint(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	a := Fingerprint(serializer, "Search", map[string]int{"x": 1, "y": 2})
	b := Fingerprint(nil, "Search", map[string]int{"y": 2, "x": 1})
	c := Fingerprint(serializer, "Search", map[string]int{"x": 1, "y": 3})

	if a != b {
		t.Errorf("expected equal fingerprints, got %s and %s", a, b)
	}
	if a == c {
		t.Error("expected different queries to produce different fingerprints")
	}
	if strings.Contains(a, KeySeparator) {
		t.Errorf("fingerprint %q must not contain the key separator", a)
	}
}
