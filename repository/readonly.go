// Package repository implements typed document repositories over a
// store.Client: cached reads, soft-delete aware queries, cursor-driven batch
// processing and a write pipeline with optimistic concurrency, lifecycle
// events and change notifications.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/goliatone/go-repository-index/cache"
	"github.com/goliatone/go-repository-index/index"
	"github.com/goliatone/go-repository-index/model"
	"github.com/goliatone/go-repository-index/store"
)

const (
	idKeyPrefix        = "id:"
	pageKeyPrefix      = "q:"
	recentlyDeletedKey = "ids"

	// ScopeName never starts with an underscore, so no entity scope can
	// contain the recently-deleted scopes.
	recentlyDeletedScope = "_deleted:"
)

func idKey(id string) string { return idKeyPrefix + id }

// ReadOnlyRepository reads documents of type T, which is normally a pointer
// to a struct implementing model.Identity.
type ReadOnlyRepository[T model.Identity] struct {
	client store.Client
	index  *index.Index
	cfg    Config
	caps   model.Capabilities
	entity string
	logger *slog.Logger

	cache   *cache.ScopedCache
	deleted *cache.ScopedCache
	keys    cache.KeySerializer

	// BeforeQuery runs before every query with the final filters.
	BeforeQuery Event[BeforeQueryEventArgs]
}

// NewReadOnly builds a read-only repository over idx.
func NewReadOnly[T model.Identity](client store.Client, idx *index.Index, opts ...RepositoryOption) (*ReadOnlyRepository[T], error) {
	return newReadOnly[T](client, idx, newSettings(opts))
}

func newSettings(opts []RepositoryOption) settings {
	s := settings{cfg: DefaultConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

func newReadOnly[T model.Identity](client store.Client, idx *index.Index, s settings) (*ReadOnlyRepository[T], error) {
	if client == nil {
		return nil, errors.New("repository: store client is required")
	}
	if idx == nil {
		return nil, errors.New("repository: index is required")
	}

	cfg := s.cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("repository: invalid config: %w", err)
	}

	caps := model.CapabilitiesOf[T]()
	entity := s.entity
	if entity == "" {
		entity = caps.Name
	}

	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &ReadOnlyRepository[T]{
		client: client,
		index:  idx,
		cfg:    cfg,
		caps:   caps,
		entity: entity,
		logger: logger.With("component", "repository", "entity", entity),
		keys:   s.keys,
	}

	scope := cache.ScopeName(entity)
	if s.cache != nil {
		r.cache = cache.NewScopedCache(s.cache, scope)
	}
	if caps.SoftDeletable {
		deleted, err := recentlyDeletedService(s.cache, cfg)
		if err != nil {
			return nil, fmt.Errorf("repository: recently deleted set: %w", err)
		}
		// Kept outside the entity scope so clearing the scope does not
		// unmask ids that were just soft deleted.
		r.deleted = cache.NewScopedCache(deleted, recentlyDeletedScope+scope)
	}
	return r, nil
}

// recentlyDeletedService returns the shared cache service, or a small
// private one when the repository runs without a cache.
func recentlyDeletedService(shared cache.CacheService, cfg Config) (cache.CacheService, error) {
	if shared != nil {
		return shared, nil
	}
	return cache.NewCacheService(cache.Config{
		Capacity:           64,
		NumShards:          1,
		TTL:                cfg.RecentlyDeletedTTL,
		EvictionPercentage: 10,
	})
}

// Entity returns the name used for cache scopes and notifications
func (r *ReadOnlyRepository[T]) Entity() string { return r.entity }

// Index returns the index configuration
func (r *ReadOnlyRepository[T]) Index() *index.Index { return r.index }

// Capabilities returns the optional interfaces T implements
func (r *ReadOnlyRepository[T]) Capabilities() model.Capabilities { return r.caps }

// CacheStats returns the hit and miss counters of the entity cache
func (r *ReadOnlyRepository[T]) CacheStats() cache.Stats {
	if r.cache == nil {
		return cache.Stats{}
	}
	return r.cache.Stats()
}

// GetByID returns the document with id, or the zero T when it does not
// exist or is hidden by the soft-delete mode.
func (r *ReadOnlyRepository[T]) GetByID(ctx context.Context, id string, opts ...Option) (T, error) {
	var zero T
	if id == "" {
		return zero, inputError("get by id", "id is required")
	}

	o := r.options(opts)
	hit, found, err := r.getHit(ctx, id, o)
	if err != nil || !found {
		return zero, err
	}

	doc, err := r.decode(hit)
	if err != nil {
		return zero, err
	}
	if !r.visible(doc, o.softDelete) {
		return zero, nil
	}
	return doc, nil
}

func (r *ReadOnlyRepository[T]) getHit(ctx context.Context, id string, o callOptions) (store.Hit, bool, error) {
	useCache := o.cache && r.cache != nil
	if useCache {
		var cached cachedHit
		lookup, err := r.cache.Get(ctx, idKey(id), &cached)
		if err != nil {
			r.logger.Warn("cache read failed", "id", id, "error", err)
		}
		switch lookup {
		case cache.Hit:
			return cached.hit(), true, nil
		case cache.NegativeHit:
			return store.Hit{}, false, nil
		}
	}

	req := store.GetRequest{Index: r.index.ReadIndex(), ID: id}
	hit, err := r.client.Get(ctx, req)
	if err != nil {
		if store.IsIndexNotFound(err) {
			return store.Hit{}, false, nil
		}
		return store.Hit{}, false, &EngineError{Op: "get", Request: req, Err: err}
	}

	if useCache {
		if hit == nil {
			err = r.cache.SetMissing(ctx, idKey(id), o.cacheTTL)
		} else {
			err = r.cache.Set(ctx, idKey(id), toCached(*hit), o.cacheTTL)
		}
		if err != nil {
			r.logger.Warn("cache write failed", "id", id, "error", err)
		}
	}

	if hit == nil {
		return store.Hit{}, false, nil
	}
	return *hit, true, nil
}

// GetByIDs returns the documents found for ids. Empty and duplicate ids
// are ignored and the result order is unspecified.
func (r *ReadOnlyRepository[T]) GetByIDs(ctx context.Context, ids []string, opts ...Option) ([]T, error) {
	o := r.options(opts)
	hits, err := r.getHits(ctx, ids, o)
	if err != nil {
		return nil, err
	}

	docs := make([]T, 0, len(hits))
	for _, hit := range hits {
		doc, err := r.decode(hit)
		if err != nil {
			return nil, err
		}
		if r.visible(doc, o.softDelete) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (r *ReadOnlyRepository[T]) getHits(ctx context.Context, ids []string, o callOptions) ([]store.Hit, error) {
	unique := uniqueIDs(ids)
	if len(unique) == 0 {
		return nil, nil
	}

	useCache := o.cache && r.cache != nil
	var hits []store.Hit
	pending := unique
	if useCache {
		pending = make([]string, 0, len(unique))
		for _, id := range unique {
			var cached cachedHit
			lookup, err := r.cache.Get(ctx, idKey(id), &cached)
			if err != nil {
				r.logger.Warn("cache read failed", "id", id, "error", err)
			}
			switch lookup {
			case cache.Hit:
				hits = append(hits, cached.hit())
			case cache.Miss:
				pending = append(pending, id)
			}
		}
	}
	if len(pending) == 0 {
		return hits, nil
	}

	fetched, err := r.fetch(ctx, pending)
	if err != nil {
		return nil, err
	}
	hits = append(hits, fetched...)

	if useCache {
		found := make(map[string]bool, len(fetched))
		for _, hit := range fetched {
			found[hit.ID] = true
			if err := r.cache.Set(ctx, idKey(hit.ID), toCached(hit), o.cacheTTL); err != nil {
				r.logger.Warn("cache write failed", "id", hit.ID, "error", err)
			}
		}
		for _, id := range pending {
			if !found[id] {
				if err := r.cache.SetMissing(ctx, idKey(id), o.cacheTTL); err != nil {
					r.logger.Warn("cache write failed", "id", id, "error", err)
				}
			}
		}
	}
	return hits, nil
}

// fetch loads ids with one multi-get, or with an id query when documents
// cannot be located by id alone.
func (r *ReadOnlyRepository[T]) fetch(ctx context.Context, ids []string) ([]store.Hit, error) {
	if !r.index.SupportsMultiGet() {
		req := store.SearchRequest{
			Indices: []string{r.index.ReadIndex()},
			Query:   store.Query{IDs: ids},
			Size:    len(ids),
		}
		resp, err := r.client.Search(ctx, req)
		if err != nil {
			if store.IsIndexNotFound(err) {
				return nil, nil
			}
			return nil, &EngineError{Op: "get by ids", Request: req, Err: err}
		}
		return resp.Hits, nil
	}

	reqs := make([]store.GetRequest, len(ids))
	for i, id := range ids {
		reqs[i] = store.GetRequest{Index: r.index.ReadIndex(), ID: id}
	}
	results, err := r.client.MultiGet(ctx, reqs)
	if err != nil {
		if store.IsIndexNotFound(err) {
			return nil, nil
		}
		return nil, &EngineError{Op: "multi get", Request: reqs, Err: err}
	}

	hits := make([]store.Hit, 0, len(results))
	for _, res := range results {
		if res.Found && res.Hit != nil {
			hits = append(hits, *res.Hit)
		}
	}
	return hits, nil
}

// Exists reports whether a visible document with id exists.
func (r *ReadOnlyRepository[T]) Exists(ctx context.Context, id string, opts ...Option) (bool, error) {
	doc, err := r.GetByID(ctx, id, opts...)
	if err != nil {
		return false, err
	}
	return !model.IsNil(doc), nil
}

// GetAll returns the first page of every visible document.
func (r *ReadOnlyRepository[T]) GetAll(ctx context.Context, opts ...Option) (*FindResults[T], error) {
	return r.Find(ctx, store.Query{}, opts...)
}

// Count returns the number of visible documents matching q.
func (r *ReadOnlyRepository[T]) Count(ctx context.Context, q store.Query, opts ...Option) (int64, error) {
	o := r.options(opts)
	query, err := r.buildQuery(ctx, q, o)
	if err != nil {
		return 0, err
	}

	req := store.CountRequest{Indices: []string{r.index.ReadIndex()}, Query: query}
	n, err := r.client.Count(ctx, req)
	if err != nil {
		if store.IsIndexNotFound(err) {
			return 0, nil
		}
		return 0, &EngineError{Op: "count", Request: req, Err: err}
	}
	return n, nil
}

// Find returns the first page of documents matching q.
func (r *ReadOnlyRepository[T]) Find(ctx context.Context, q store.Query, opts ...Option) (*FindResults[T], error) {
	o := r.options(opts)
	query, err := r.buildQuery(ctx, q, o)
	if err != nil {
		return nil, err
	}
	return r.find(ctx, query, o)
}

// FindOne returns the first document matching q, or the zero T.
func (r *ReadOnlyRepository[T]) FindOne(ctx context.Context, q store.Query, opts ...Option) (T, error) {
	var zero T
	res, err := r.Find(ctx, q, append(opts, WithPaging(1, 1))...)
	if err != nil || len(res.Hits) == 0 {
		return zero, err
	}
	return res.Hits[0].Document, nil
}

// Search runs q and returns the raw hits of the requested page without
// decoding or caching them.
func (r *ReadOnlyRepository[T]) Search(ctx context.Context, q store.Query, opts ...Option) (*SearchResults, error) {
	o := r.options(opts)
	query, err := r.buildQuery(ctx, q, o)
	if err != nil {
		return nil, err
	}

	req := store.SearchRequest{
		Indices: []string{r.index.ReadIndex()},
		Query:   query,
		Sort:    o.sort,
		From:    (o.page - 1) * o.limit,
		Size:    o.limit,
	}
	resp, err := r.client.Search(ctx, req)
	if err != nil {
		if store.IsIndexNotFound(err) {
			return &SearchResults{}, nil
		}
		return nil, &EngineError{Op: "search", Request: req, Err: err}
	}
	return &SearchResults{Hits: resp.Hits, Total: resp.Total}, nil
}

// Continue resumes the iteration described by token. Offset tokens re-run
// q with the next page number; cursor tokens advance the live cursor.
func (r *ReadOnlyRepository[T]) Continue(ctx context.Context, q store.Query, token ContinuationToken, opts ...Option) (*FindResults[T], error) {
	o := r.options(opts)
	if token.CursorID != "" {
		o.cursor = true
		if o.keepAlive <= 0 {
			o.keepAlive = r.cfg.CursorKeepAlive
		}
	}
	query, err := r.buildQuery(ctx, q, o)
	if err != nil {
		return nil, err
	}
	return r.continueFrom(ctx, query, token, o)
}

func (r *ReadOnlyRepository[T]) continueFrom(ctx context.Context, query store.Query, token ContinuationToken, o callOptions) (*FindResults[T], error) {
	if token.Limit > 0 {
		o.limit = token.Limit
	}
	o.page = token.Page + 1

	if token.CursorID == "" {
		return r.find(ctx, query, o)
	}

	req := store.ScrollRequest{CursorID: token.CursorID, KeepAlive: o.keepAlive}
	resp, err := r.client.Scroll(ctx, req)
	if err != nil {
		return nil, &EngineError{Op: "scroll", Request: req, Err: err}
	}
	res := &FindResults[T]{repo: r, query: query, opts: o, Page: o.page}
	return res, res.fill(resp.Hits, resp.Total, token.CursorID)
}

func (r *ReadOnlyRepository[T]) find(ctx context.Context, query store.Query, o callOptions) (*FindResults[T], error) {
	res := &FindResults[T]{repo: r, query: query, opts: o, Page: o.page}
	indices := []string{r.index.ReadIndex()}

	if o.cursor {
		res.Page = 1
		res.opts.page = 1
		req := store.SearchRequest{
			Indices: indices,
			Query:   query,
			Sort:    o.sort,
			Size:    o.limit,
			Cursor:  &store.CursorOptions{KeepAlive: o.keepAlive},
		}
		resp, err := r.client.Search(ctx, req)
		if err != nil {
			if store.IsIndexNotFound(err) {
				return res, nil
			}
			return nil, &EngineError{Op: "search", Request: req, Err: err}
		}
		return res, res.fill(resp.Hits, resp.Total, resp.CursorID)
	}

	useCache := o.cache && r.cache != nil
	key := ""
	if useCache {
		key = r.pageKey(query, o)
		var page cachedPage
		lookup, err := r.cache.Get(ctx, key, &page)
		if err != nil {
			r.logger.Warn("cache read failed", "key", key, "error", err)
		}
		if lookup == cache.Hit {
			hits := make([]store.Hit, len(page.Hits))
			for i, h := range page.Hits {
				hits[i] = h.hit()
			}
			return res, res.fill(hits, page.Total, "")
		}
	}

	req := store.SearchRequest{
		Indices: indices,
		Query:   query,
		Sort:    o.sort,
		From:    (o.page - 1) * o.limit,
		Size:    o.limit,
	}
	resp, err := r.client.Search(ctx, req)
	if err != nil {
		if store.IsIndexNotFound(err) {
			return res, nil
		}
		return nil, &EngineError{Op: "search", Request: req, Err: err}
	}

	if useCache {
		page := cachedPage{Hits: make([]cachedHit, len(resp.Hits)), Total: resp.Total}
		for i, h := range resp.Hits {
			page.Hits[i] = toCached(h)
		}
		if err := r.cache.Set(ctx, key, page, o.cacheTTL); err != nil {
			r.logger.Warn("cache write failed", "key", key, "error", err)
		}
	}
	return res, res.fill(resp.Hits, resp.Total, "")
}

func (r *ReadOnlyRepository[T]) pageKey(query store.Query, o callOptions) string {
	fp := cache.Fingerprint(r.keys, "find", query, o.sort)
	return pageKeyPrefix + fp + ":" + strconv.Itoa(o.page) + ":" + strconv.Itoa(o.limit)
}

// buildQuery adds the soft-delete filters to q and lets BeforeQuery
// handlers see the result.
func (r *ReadOnlyRepository[T]) buildQuery(ctx context.Context, q store.Query, o callOptions) (store.Query, error) {
	query := q.Clone()

	if r.caps.SoftDeletable {
		switch o.softDelete {
		case ActiveOnly:
			query = query.And(store.Ne(r.cfg.SoftDeleteField, true))
			ids, err := r.recentlyDeleted(ctx)
			if err != nil {
				r.logger.Warn("reading recently deleted ids failed", "error", err)
			}
			query.ExcludeIDs = append(query.ExcludeIDs, ids...)
		case DeletedOnly:
			query = query.And(store.Eq(r.cfg.SoftDeleteField, true))
		}
	}

	if r.BeforeQuery.HasHandlers() {
		args := BeforeQueryEventArgs{Entity: r.entity, Query: &query}
		if err := r.BeforeQuery.Invoke(ctx, args); err != nil {
			return store.Query{}, fmt.Errorf("before query: %w", err)
		}
	}
	return query, nil
}

func (r *ReadOnlyRepository[T]) recentlyDeleted(ctx context.Context) ([]string, error) {
	if r.deleted == nil {
		return nil, nil
	}
	ids, err := r.deleted.SetMembers(ctx, recentlyDeletedKey)
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

// InvalidateCache evicts ids and every cached query page.
func (r *ReadOnlyRepository[T]) InvalidateCache(ctx context.Context, ids ...string) error {
	if r.cache == nil {
		return nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			keys = append(keys, idKey(id))
		}
	}
	if err := r.cache.Remove(ctx, keys...); err != nil {
		return fmt.Errorf("invalidate %s cache: %w", r.entity, err)
	}
	if err := r.cache.RemoveByPrefix(ctx, pageKeyPrefix); err != nil {
		return fmt.Errorf("invalidate %s query cache: %w", r.entity, err)
	}
	return nil
}

func (r *ReadOnlyRepository[T]) decode(hit store.Hit) (T, error) {
	var doc T
	if err := json.Unmarshal(hit.Source, &doc); err != nil {
		return doc, fmt.Errorf("decode %s %s: %w", r.entity, hit.ID, err)
	}
	if model.IsNil(doc) {
		return doc, fmt.Errorf("decode %s %s: empty source", r.entity, hit.ID)
	}
	doc.SetID(hit.ID)
	if v, ok := any(doc).(model.Versioned); ok {
		v.SetVersion(hit.Version)
	}
	return doc, nil
}

func (r *ReadOnlyRepository[T]) visible(doc T, mode SoftDeleteMode) bool {
	sd, ok := any(doc).(model.SoftDeletable)
	if !ok {
		return true
	}
	switch mode {
	case ActiveOnly:
		return !sd.IsDeleted()
	case DeletedOnly:
		return sd.IsDeleted()
	}
	return true
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
