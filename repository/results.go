package repository

import (
	"context"

	"github.com/goliatone/go-repository-index/model"
	"github.com/goliatone/go-repository-index/store"
)

// FindHit is one decoded search result.
type FindHit[T any] struct {
	ID       string
	Index    string
	Version  model.VersionStamp
	Document T
}

// ContinuationToken identifies the page after the current one: either a
// live cursor or the next offset page of the same query. It holds no
// references and can be stored or sent to a client.
type ContinuationToken struct {
	CursorID string `json:"cursor_id,omitempty"`
	Page     int    `json:"page"`
	Limit    int    `json:"limit"`
}

// FindResults is a page of documents.
type FindResults[T model.Identity] struct {
	Hits  []FindHit[T]
	Total int64
	Page  int
	// HasMore is true whenever the page was full, so the last full page
	// reports more results once before an empty page ends the iteration.
	HasMore bool
	Token   ContinuationToken

	repo  *ReadOnlyRepository[T]
	query store.Query
	opts  callOptions
}

// Documents returns the documents of the current page.
func (f *FindResults[T]) Documents() []T {
	docs := make([]T, len(f.Hits))
	for i, h := range f.Hits {
		docs[i] = h.Document
	}
	return docs
}

// IDs returns the ids of the current page.
func (f *FindResults[T]) IDs() []string {
	ids := make([]string, len(f.Hits))
	for i, h := range f.Hits {
		ids[i] = h.ID
	}
	return ids
}

// NextPage replaces the current page with the following one. It reports
// false when there is nothing more to read.
func (f *FindResults[T]) NextPage(ctx context.Context) (bool, error) {
	if !f.HasMore || f.repo == nil {
		return false, nil
	}
	next, err := f.repo.continueFrom(ctx, f.query, f.Token, f.opts)
	if err != nil {
		return false, err
	}
	*f = *next
	return len(f.Hits) > 0, nil
}

// Close releases the server-side cursor, if any.
func (f *FindResults[T]) Close(ctx context.Context) error {
	if f.Token.CursorID == "" || f.repo == nil {
		return nil
	}
	id := f.Token.CursorID
	f.Token.CursorID = ""
	return f.repo.client.ClearCursor(ctx, id)
}

func (f *FindResults[T]) fill(hits []store.Hit, total int64, cursorID string) error {
	f.Hits = make([]FindHit[T], 0, len(hits))
	for _, hit := range hits {
		doc, err := f.repo.decode(hit)
		if err != nil {
			return err
		}
		f.Hits = append(f.Hits, FindHit[T]{ID: hit.ID, Index: hit.Index, Version: hit.Version, Document: doc})
	}
	f.Total = total
	f.HasMore = len(hits) > 0 && len(hits) >= f.opts.limit
	f.Token = ContinuationToken{CursorID: cursorID, Page: f.Page, Limit: f.opts.limit}
	return nil
}

// SearchResults is a page of raw store hits.
type SearchResults struct {
	Hits  []store.Hit
	Total int64
}

type cachedHit struct {
	ID      string `msgpack:"id"`
	Index   string `msgpack:"index"`
	Version string `msgpack:"version"`
	Source  []byte `msgpack:"source"`
}

func toCached(h store.Hit) cachedHit {
	return cachedHit{ID: h.ID, Index: h.Index, Version: h.Version.String(), Source: []byte(h.Source)}
}

func (c cachedHit) hit() store.Hit {
	return store.Hit{ID: c.ID, Index: c.Index, Version: model.ParseVersion(c.Version), Source: c.Source}
}

type cachedPage struct {
	Hits  []cachedHit `msgpack:"hits"`
	Total int64       `msgpack:"total"`
}
