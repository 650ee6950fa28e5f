package repository

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/goliatone/go-repository-index/model"
	"github.com/goliatone/go-repository-index/store"
)

var (
	// ErrInvalidInput is matched by every *InputError.
	ErrInvalidInput = errors.New("invalid input")
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrVersionConflict is matched by every *ConcurrencyError.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDocumentNotFound is returned when patching an id that does not exist.
	ErrDocumentNotFound = store.ErrDocumentNotFound
)

// InputError rejects a call before any I/O happened.
type InputError struct {
	Op     string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: invalid input: %s", e.Op, e.Reason)
}

func (e *InputError) Is(target error) bool {
	return target == ErrInvalidInput
}

func inputError(op, reason string) error {
	return &InputError{Op: op, Reason: reason}
}

// ValidationError names the document that failed validation. The whole
// batch it belonged to was not written.
type ValidationError struct {
	ID  string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("document %q failed validation: %v", e.ID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConcurrencyError reports a stale VersionStamp on save. The document keeps
// the version it was saved with.
type ConcurrencyError struct {
	ID       string
	Expected model.VersionStamp
	Err      error
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("document %q was modified concurrently (expected version %s)", e.ID, e.Expected)
}

func (e *ConcurrencyError) Unwrap() error { return e.Err }

func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrVersionConflict || target == store.ErrVersionConflict
}

// EngineError wraps a store failure together with the request that caused it.
type EngineError struct {
	Op      string
	Request any
	Err     error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s failed: %v (request: %s)", e.Op, e.Err, describeRequest(e.Request))
}

// describeRequest names what a request addressed, leaving out document
// sources and queries.
func describeRequest(req any) string {
	switch r := req.(type) {
	case store.GetRequest:
		return r.Index + "/" + r.ID
	case []store.GetRequest:
		return fmt.Sprintf("%d document(s)", len(r))
	case store.IndexRequest:
		return r.Index + "/" + r.ID
	case store.UpdateRequest:
		return r.Index + "/" + r.ID
	case store.DeleteRequest:
		return r.Index + "/" + r.ID
	case store.BulkOp:
		return fmt.Sprintf("%s %s/%s", r.Action, r.Index, r.ID)
	case store.BulkRequest:
		return fmt.Sprintf("bulk of %d operation(s)", len(r.Ops))
	case store.SearchRequest:
		return "search " + strings.Join(r.Indices, ",")
	case store.ScrollRequest:
		return "cursor " + r.CursorID
	case store.CountRequest:
		return "count " + strings.Join(r.Indices, ",")
	case store.DeleteByQueryRequest:
		return "delete by query " + strings.Join(r.Indices, ",")
	case map[string]struct{}:
		names := make([]string, 0, len(r))
		for name := range r {
			names = append(names, name)
		}
		slices.Sort(names)
		return strings.Join(names, ",")
	case nil:
		return "none"
	}
	return fmt.Sprintf("%T", req)
}

func (e *EngineError) Unwrap() error { return e.Err }

// BulkError collects the per-document failures of a partially applied
// write. Documents not listed were written.
type BulkError struct {
	Failures []error
}

func (e *BulkError) Error() string {
	msgs := make([]string, 0, min(len(e.Failures), 3))
	for _, err := range e.Failures[:min(len(e.Failures), 3)] {
		msgs = append(msgs, err.Error())
	}
	if len(e.Failures) > 3 {
		msgs = append(msgs, fmt.Sprintf("and %d more", len(e.Failures)-3))
	}
	return fmt.Sprintf("%d document(s) failed: %s", len(e.Failures), strings.Join(msgs, "; "))
}

func (e *BulkError) Unwrap() []error { return e.Failures }

// writeError classifies a failed write of id.
func writeError(op, id string, expected model.VersionStamp, req any, err error) error {
	if errors.Is(err, store.ErrVersionConflict) {
		return &ConcurrencyError{ID: id, Expected: expected, Err: err}
	}
	return &EngineError{Op: op, Request: req, Err: err}
}
