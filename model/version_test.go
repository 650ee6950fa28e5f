package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  VersionStamp
		empty bool
	}{
		{name: "seq and term", input: "12:3", want: NewVersion(12, 3)},
		{name: "surrounding space", input: "  4:1 ", want: NewVersion(4, 1)},
		{name: "blank", input: "", empty: true},
		{name: "whitespace", input: "   ", empty: true},
		{name: "missing term", input: "12", empty: true},
		{name: "not a number", input: "a:b", empty: true},
		{name: "negative", input: "-1:1", empty: true},
		{name: "too many parts", input: "1:2:3", empty: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseVersion(tt.input)
			if tt.empty {
				assert.True(t, got.IsEmpty())
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVersionStamp_String(t *testing.T) {
	assert.Equal(t, "7:2", NewVersion(7, 2).String())
	assert.Equal(t, "", EmptyVersion.String())
	assert.Equal(t, NewVersion(7, 2), ParseVersion(NewVersion(7, 2).String()))
}

func TestVersionStamp_EmptyNeverEqual(t *testing.T) {
	// Empty is deliberately non-reflexive.
	assert.False(t, EmptyVersion.Equal(EmptyVersion))
	assert.False(t, EmptyVersion.Equal(NewVersion(1, 1)))
	assert.False(t, NewVersion(1, 1).Equal(EmptyVersion))
	assert.True(t, EmptyVersion.IsEmpty())
	assert.True(t, ParseVersion("garbage").IsEmpty())

	assert.True(t, NewVersion(3, 1).Equal(NewVersion(3, 1)))
	assert.False(t, NewVersion(3, 1).Equal(NewVersion(3, 2)))
}

func TestVersionStamp_Compare(t *testing.T) {
	assert.Equal(t, -1, NewVersion(1, 5).Compare(NewVersion(2, 1)))
	assert.Equal(t, 1, NewVersion(2, 1).Compare(NewVersion(1, 5)))
	assert.Equal(t, -1, NewVersion(2, 1).Compare(NewVersion(2, 2)))
	assert.Equal(t, 0, NewVersion(2, 2).Compare(NewVersion(2, 2)))
	assert.True(t, EmptyVersion.Less(NewVersion(0, 1)))
}

func TestVersionStamp_JSON(t *testing.T) {
	type doc struct {
		Version VersionStamp `json:"version"`
	}

	data, err := json.Marshal(doc{Version: NewVersion(9, 1)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"9:1"}`, string(data))

	var out doc
	require.NoError(t, json.Unmarshal([]byte(`{"version":"bad"}`), &out))
	assert.True(t, out.Version.IsEmpty())
}
