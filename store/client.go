// Package store defines the boundary to the search/index store the
// repositories run on: point and multi gets, versioned writes, bulk writes,
// queries with snapshot cursors, aliases and index management.
//
// Two implementations ship with the module: memstore, an in-process store
// with near-real-time search visibility, and mongostore, backed by MongoDB.
package store

import "context"

// Client is the store contract. Names may be physical indices or aliases
// unless stated otherwise. Reads against an absent index fail with
// ErrIndexNotFound.
type Client interface {
	// Get is a realtime point lookup; a missing document returns (nil, nil).
	Get(ctx context.Context, req GetRequest) (*Hit, error)
	MultiGet(ctx context.Context, reqs []GetRequest) ([]GetResult, error)

	Index(ctx context.Context, req IndexRequest) (*WriteResponse, error)
	Update(ctx context.Context, req UpdateRequest) (*WriteResponse, error)
	Delete(ctx context.Context, req DeleteRequest) (*WriteResponse, error)
	Bulk(ctx context.Context, req BulkRequest) (*BulkResponse, error)

	// Search, Scroll and Count only see refreshed writes.
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
	Scroll(ctx context.Context, req ScrollRequest) (*SearchResponse, error)
	ClearCursor(ctx context.Context, cursorID string) error
	Count(ctx context.Context, req CountRequest) (int64, error)
	DeleteByQuery(ctx context.Context, req DeleteByQueryRequest) (int64, error)

	// GetAliases maps each physical index behind name to its aliases.
	GetAliases(ctx context.Context, name string) (map[string][]string, error)
	// UpdateAliases applies all actions atomically.
	UpdateAliases(ctx context.Context, actions []AliasAction) error

	IndexExists(ctx context.Context, name string) (bool, error)
	CreateIndex(ctx context.Context, req CreateIndexRequest) error
	DeleteIndex(ctx context.Context, names ...string) error
	Refresh(ctx context.Context, names ...string) error

	Close(ctx context.Context) error
}
