package store

import (
	"encoding/json"
	"time"

	"github.com/goliatone/go-repository-index/model"
)

// Hit is a stored document as returned by reads.
type Hit struct {
	Index   string
	ID      string
	Version model.VersionStamp
	Source  json.RawMessage
}

// GetRequest addresses one document.
type GetRequest struct {
	Index string
	ID    string
}

// GetResult is one slot of a MultiGet response.
type GetResult struct {
	Hit   *Hit
	Found bool
}

// IndexRequest writes a full document. IfVersion, when not empty, is a
// compare-and-swap precondition. Create fails when the id already exists.
type IndexRequest struct {
	Index     string
	ID        string
	Source    json.RawMessage
	IfVersion model.VersionStamp
	Create    bool
	Refresh   bool
}

// UpdateRequest applies a patch to an existing document.
type UpdateRequest struct {
	Index     string
	ID        string
	Patch     model.Patch
	IfVersion model.VersionStamp
	Refresh   bool
}

// DeleteRequest removes one document.
type DeleteRequest struct {
	Index     string
	ID        string
	IfVersion model.VersionStamp
	Refresh   bool
}

// Result is the outcome of a single write.
type Result string

const (
	ResultCreated  Result = "created"
	ResultUpdated  Result = "updated"
	ResultDeleted  Result = "deleted"
	ResultNoop     Result = "noop"
	ResultNotFound Result = "not_found"
)

// WriteResponse describes a completed single write.
type WriteResponse struct {
	Index   string
	ID      string
	Version model.VersionStamp
	Result  Result
}

// Action is the kind of a bulk operation.
type Action string

const (
	ActionIndex  Action = "index"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// BulkOp is one operation of a bulk request.
type BulkOp struct {
	Action    Action
	Index     string
	ID        string
	Source    json.RawMessage
	Patch     model.Patch
	IfVersion model.VersionStamp
}

// BulkRequest groups operations in one round trip. The group is not atomic.
type BulkRequest struct {
	Ops     []BulkOp
	Refresh bool
}

// BulkItem is the per operation outcome, in request order.
type BulkItem struct {
	Action  Action
	Index   string
	ID      string
	Version model.VersionStamp
	Result  Result
	Err     error
}

// BulkResponse carries one item per requested operation.
type BulkResponse struct {
	Items []BulkItem
}

// HasErrors reports whether any item failed.
func (r *BulkResponse) HasErrors() bool {
	for _, item := range r.Items {
		if item.Err != nil {
			return true
		}
	}
	return false
}

// SearchRequest runs a query against one or more indices or aliases.
// With Cursor set the store pins a snapshot of the matches and returns a
// CursorID; From is ignored in that mode.
type SearchRequest struct {
	Indices []string
	Query   Query
	Sort    []SortField
	From    int
	Size    int
	Cursor  *CursorOptions
}

// SearchResponse is one page of hits.
type SearchResponse struct {
	Hits     []Hit
	Total    int64
	CursorID string
}

// ScrollRequest advances an open cursor and extends its lifetime.
type ScrollRequest struct {
	CursorID  string
	KeepAlive time.Duration
}

// CountRequest counts matches of Query.
type CountRequest struct {
	Indices []string
	Query   Query
}

// DeleteByQueryRequest removes every match of Query.
type DeleteByQueryRequest struct {
	Indices []string
	Query   Query
	Refresh bool
}

// AliasActionType is add or remove.
type AliasActionType string

const (
	AliasAdd    AliasActionType = "add"
	AliasRemove AliasActionType = "remove"
)

// AliasAction points Alias at Index or detaches it.
type AliasAction struct {
	Type  AliasActionType
	Index string
	Alias string
}

// CreateIndexRequest creates a physical index with optional aliases.
type CreateIndexRequest struct {
	Name    string
	Aliases []string
}
