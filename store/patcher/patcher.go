// Package patcher applies model.Patch values to JSON documents. Both store
// backends use it so that the three patch kinds behave identically.
package patcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/cel-go/cel"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/goliatone/go-repository-index/model"
)

// ErrInvalidPatch wraps every failure to interpret or apply a patch.
var ErrInvalidPatch = errors.New("invalid patch")

var mapType = reflect.TypeOf(map[string]any{})

// Patcher applies patches. Compiled scripts are memoized by source text.
type Patcher struct {
	env      *cel.Env
	programs *xsync.MapOf[string, cel.Program]
}

// New creates a Patcher with the script environment: `doc` is the document
// and `params` the script parameters, both maps of dynamic values.
func New() (*Patcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create script environment: %w", err)
	}
	return &Patcher{env: env, programs: xsync.NewMapOf[string, cel.Program]()}, nil
}

// Apply returns source with p applied.
func (p *Patcher) Apply(source []byte, patch model.Patch) ([]byte, error) {
	switch pt := patch.(type) {
	case model.PartialPatch:
		return p.merge(source, pt.Fields)
	case *model.PartialPatch:
		return p.merge(source, pt.Fields)
	case model.JSONPatch:
		return p.operations(source, pt.Operations)
	case *model.JSONPatch:
		return p.operations(source, pt.Operations)
	case model.ScriptPatch:
		return p.script(source, pt)
	case *model.ScriptPatch:
		return p.script(source, *pt)
	case nil:
		return nil, fmt.Errorf("%w: nil patch", ErrInvalidPatch)
	}
	return nil, fmt.Errorf("%w: unsupported kind %T", ErrInvalidPatch, patch)
}

func (p *Patcher) merge(source []byte, fields map[string]any) ([]byte, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: encode fields: %v", ErrInvalidPatch, err)
	}
	out, err := jsonpatch.MergePatch(source, data)
	if err != nil {
		return nil, fmt.Errorf("%w: merge: %v", ErrInvalidPatch, err)
	}
	return out, nil
}

func (p *Patcher) operations(source []byte, ops []model.PatchOperation) ([]byte, error) {
	data, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("%w: encode operations: %v", ErrInvalidPatch, err)
	}
	decoded, err := jsonpatch.DecodePatch(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode operations: %v", ErrInvalidPatch, err)
	}
	out, err := decoded.Apply(source)
	if err != nil {
		return nil, fmt.Errorf("%w: apply operations: %v", ErrInvalidPatch, err)
	}
	return out, nil
}

func (p *Patcher) script(source []byte, sp model.ScriptPatch) ([]byte, error) {
	prg, err := p.compile(sp.Script)
	if err != nil {
		return nil, err
	}

	doc := map[string]any{}
	if err := json.Unmarshal(source, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode document: %v", ErrInvalidPatch, err)
	}
	params := sp.Params
	if params == nil {
		params = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{"doc": doc, "params": params})
	if err != nil {
		return nil, fmt.Errorf("%w: evaluate script: %v", ErrInvalidPatch, err)
	}

	native, err := out.ConvertToNative(mapType)
	if err != nil {
		return nil, fmt.Errorf("%w: script must return a map of fields, got %s", ErrInvalidPatch, out.Type())
	}
	return p.merge(source, native.(map[string]any))
}

func (p *Patcher) compile(script string) (cel.Program, error) {
	if prg, ok := p.programs.Load(script); ok {
		return prg, nil
	}

	ast, issues := p.env.Compile(script)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile script: %v", ErrInvalidPatch, issues.Err())
	}
	prg, err := p.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: build script: %v", ErrInvalidPatch, err)
	}

	p.programs.Store(script, prg)
	return prg, nil
}

// Equivalent reports whether two JSON documents hold the same data,
// ignoring key order and formatting.
func Equivalent(a, b []byte) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
