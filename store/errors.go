package store

import "errors"

var (
	ErrIndexNotFound    = errors.New("store: index not found")
	ErrIndexExists      = errors.New("store: index already exists")
	ErrDocumentNotFound = errors.New("store: document not found")
	ErrVersionConflict  = errors.New("store: version conflict")
	ErrCursorNotFound   = errors.New("store: cursor not found or expired")
	ErrAmbiguousAlias   = errors.New("store: alias resolves to more than one index")
)

// IsIndexNotFound reports whether err means the addressed index is absent.
func IsIndexNotFound(err error) bool {
	return errors.Is(err, ErrIndexNotFound)
}
