package model

// Patch is a partial update applied to stored documents. The concrete kinds are
// PartialPatch, JSONPatch and ScriptPatch.
type Patch interface {
	patchKind() string
}

// PartialPatch merges Fields into the document (RFC 7386 semantics: a nil
// value removes the field).
type PartialPatch struct {
	Fields map[string]any
}

// JSONPatch applies an ordered list of RFC 6902 operations.
type JSONPatch struct {
	Operations []PatchOperation
}

// PatchOperation is one RFC 6902 operation.
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	From  string `json:"from,omitempty"`
	Value any    `json:"value,omitempty"`
}

// ScriptPatch evaluates Script against the document. The script sees the
// document as `doc` and Params as `params` and returns a map of fields to merge.
type ScriptPatch struct {
	Script string
	Params map[string]any
}

func (PartialPatch) patchKind() string { return "partial" }
func (JSONPatch) patchKind() string    { return "json" }
func (ScriptPatch) patchKind() string  { return "script" }

// PatchKind names the kind of p for logs and errors.
func PatchKind(p Patch) string {
	if p == nil {
		return ""
	}
	return p.patchKind()
}

// Op helpers for building JSON patches.
func AddOp(path string, value any) PatchOperation {
	return PatchOperation{Op: "add", Path: path, Value: value}
}

func ReplaceOp(path string, value any) PatchOperation {
	return PatchOperation{Op: "replace", Path: path, Value: value}
}

func RemoveOp(path string) PatchOperation {
	return PatchOperation{Op: "remove", Path: path}
}
