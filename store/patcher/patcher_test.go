package patcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-repository-index/model"
)

func newPatcher(t *testing.T) *Patcher {
	t.Helper()
	p, err := New()
	require.NoError(t, err)
	return p
}

func TestApply_PartialPatch(t *testing.T) {
	p := newPatcher(t)

	out, err := p.Apply([]byte(`{"name":"ada","age":36,"tags":["a"]}`), model.PartialPatch{
		Fields: map[string]any{"age": 37, "tags": nil},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"ada","age":37}`, string(out))
}

func TestApply_JSONPatch(t *testing.T) {
	p := newPatcher(t)

	out, err := p.Apply([]byte(`{"name":"ada","tags":["a"]}`), model.JSONPatch{Operations: []model.PatchOperation{
		model.ReplaceOp("/name", "grace"),
		model.AddOp("/tags/-", "b"),
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"grace","tags":["a","b"]}`, string(out))

	_, err = p.Apply([]byte(`{}`), model.JSONPatch{Operations: []model.PatchOperation{model.ReplaceOp("/missing", 1)}})
	assert.ErrorIs(t, err, ErrInvalidPatch)
}

func TestApply_ScriptPatch(t *testing.T) {
	p := newPatcher(t)

	script := model.ScriptPatch{
		Script: `{"counter": doc.counter + params.step}`,
		Params: map[string]any{"step": 2.0},
	}

	out, err := p.Apply([]byte(`{"name":"ada","counter":1}`), script)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"ada","counter":3}`, string(out))

	// compiled program is reused
	out, err = p.Apply(out, script)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"ada","counter":5}`, string(out))
}

func TestApply_ScriptErrors(t *testing.T) {
	p := newPatcher(t)

	_, err := p.Apply([]byte(`{}`), model.ScriptPatch{Script: `doc.`})
	assert.ErrorIs(t, err, ErrInvalidPatch)

	_, err = p.Apply([]byte(`{"a":1}`), model.ScriptPatch{Script: `doc.a`})
	assert.ErrorIs(t, err, ErrInvalidPatch)

	_, err = p.Apply([]byte(`{}`), nil)
	assert.ErrorIs(t, err, ErrInvalidPatch)
}

func TestEquivalent(t *testing.T) {
	assert.True(t, Equivalent([]byte(`{"a":1,"b":[1,2]}`), []byte(`{ "b":[1,2], "a":1 }`)))
	assert.False(t, Equivalent([]byte(`{"a":1}`), []byte(`{"a":2}`)))
}
