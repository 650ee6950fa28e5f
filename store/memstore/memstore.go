// Package memstore is an in-process store.Client. Writes are visible to Get
// immediately and to Search/Count only after a refresh, like a near-real-time
// search engine. Every index keeps its own sequence counter and every write
// is checked against the caller's VersionStamp.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/goliatone/go-repository-index/model"
	"github.com/goliatone/go-repository-index/store"
	"github.com/goliatone/go-repository-index/store/patcher"
)

const defaultPageSize = 10

type document struct {
	id     string
	seq    int64
	term   int64
	source json.RawMessage
	fields map[string]any
}

func (d *document) version() model.VersionStamp {
	return model.NewVersion(d.seq, d.term)
}

func (d *document) hit(index string) store.Hit {
	return store.Hit{Index: index, ID: d.id, Version: d.version(), Source: d.source}
}

type memIndex struct {
	name    string
	seq     int64
	live    map[string]*document
	visible map[string]*document
}

func newMemIndex(name string) *memIndex {
	return &memIndex{name: name, live: map[string]*document{}, visible: map[string]*document{}}
}

// refresh publishes live documents to search. Documents are immutable so the
// snapshot shares them.
func (i *memIndex) refresh() {
	visible := make(map[string]*document, len(i.live))
	for id, doc := range i.live {
		visible[id] = doc
	}
	i.visible = visible
}

// Option configures a Store.
type Option func(*Store)

// WithAutoCreateIndex controls whether writes to an unknown name create an
// index. Enabled by default.
func WithAutoCreateIndex(enabled bool) Option {
	return func(s *Store) { s.autoCreate = enabled }
}

// WithRefreshOnWrite makes every write immediately searchable.
func WithRefreshOnWrite(enabled bool) Option {
	return func(s *Store) { s.refreshOnWrite = enabled }
}

// WithClock replaces the clock used for cursor expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPrimaryTerm sets the term stamped on writes.
func WithPrimaryTerm(term int64) Option {
	return func(s *Store) { s.term = term }
}

// Store is the in-memory client.
type Store struct {
	mu      sync.RWMutex
	indices map[string]*memIndex
	aliases map[string]map[string]struct{}
	cursors *xsync.MapOf[string, *cursor]

	patcher  *patcher.Patcher
	patchErr error

	autoCreate     bool
	refreshOnWrite bool
	term           int64
	now            func() time.Time
}

var _ store.Client = (*Store)(nil)

// New creates an empty store.
func New(opts ...Option) *Store {
	p, err := patcher.New()
	s := &Store{
		indices:    map[string]*memIndex{},
		aliases:    map[string]map[string]struct{}{},
		cursors:    xsync.NewMapOf[string, *cursor](),
		patcher:    p,
		patchErr:   err,
		autoCreate: true,
		term:       1,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// resolve expands names and aliases into indices. Callers hold mu.
func (s *Store) resolve(names []string) ([]*memIndex, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no index given", store.ErrIndexNotFound)
	}

	seen := map[string]bool{}
	var out []*memIndex
	for _, name := range names {
		if idx, ok := s.indices[name]; ok {
			if !seen[name] {
				seen[name] = true
				out = append(out, idx)
			}
			continue
		}
		members, ok := s.aliases[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", store.ErrIndexNotFound, name)
		}
		for _, member := range sortedKeys(members) {
			if !seen[member] {
				seen[member] = true
				out = append(out, s.indices[member])
			}
		}
	}
	return out, nil
}

// resolveWrite finds the single index a write addresses. Callers hold mu for
// writing.
func (s *Store) resolveWrite(name string) (*memIndex, error) {
	if idx, ok := s.indices[name]; ok {
		return idx, nil
	}
	if members, ok := s.aliases[name]; ok {
		if len(members) != 1 {
			return nil, fmt.Errorf("%w: %s", store.ErrAmbiguousAlias, name)
		}
		for member := range members {
			return s.indices[member], nil
		}
	}
	if !s.autoCreate || name == "" {
		return nil, fmt.Errorf("%w: %s", store.ErrIndexNotFound, name)
	}
	idx := newMemIndex(name)
	s.indices[name] = idx
	return idx, nil
}

func (s *Store) Get(ctx context.Context, req store.GetRequest) (*store.Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs, err := s.resolve([]string{req.Index})
	if err != nil {
		return nil, err
	}
	for _, idx := range idxs {
		if doc, ok := idx.live[req.ID]; ok {
			hit := doc.hit(idx.name)
			return &hit, nil
		}
	}
	return nil, nil
}

func (s *Store) MultiGet(ctx context.Context, reqs []store.GetRequest) ([]store.GetResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.GetResult, len(reqs))
	for i, req := range reqs {
		idxs, err := s.resolve([]string{req.Index})
		if err != nil {
			continue
		}
		for _, idx := range idxs {
			if doc, ok := idx.live[req.ID]; ok {
				hit := doc.hit(idx.name)
				out[i] = store.GetResult{Hit: &hit, Found: true}
				break
			}
		}
	}
	return out, nil
}

func (s *Store) Index(ctx context.Context, req store.IndexRequest) (*store.WriteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.resolveWrite(req.Index)
	if err != nil {
		return nil, err
	}
	resp, err := s.put(idx, req.ID, req.Source, req.IfVersion, req.Create)
	if err != nil {
		return nil, err
	}
	s.maybeRefresh(req.Refresh, idx)
	return resp, nil
}

func (s *Store) Update(ctx context.Context, req store.UpdateRequest) (*store.WriteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.resolveWrite(req.Index)
	if err != nil {
		return nil, err
	}
	resp, err := s.patch(idx, req.ID, req.Patch, req.IfVersion)
	if err != nil {
		return nil, err
	}
	s.maybeRefresh(req.Refresh, idx)
	return resp, nil
}

func (s *Store) Delete(ctx context.Context, req store.DeleteRequest) (*store.WriteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.resolveWrite(req.Index)
	if err != nil {
		return nil, err
	}
	resp, err := s.remove(idx, req.ID, req.IfVersion)
	if err != nil {
		return nil, err
	}
	s.maybeRefresh(req.Refresh, idx)
	return resp, nil
}

func (s *Store) Bulk(ctx context.Context, req store.BulkRequest) (*store.BulkResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := map[string]*memIndex{}
	resp := &store.BulkResponse{Items: make([]store.BulkItem, len(req.Ops))}
	for i, op := range req.Ops {
		item := store.BulkItem{Action: op.Action, Index: op.Index, ID: op.ID}

		idx, err := s.resolveWrite(op.Index)
		if err != nil {
			item.Err = err
			resp.Items[i] = item
			continue
		}
		touched[idx.name] = idx

		var w *store.WriteResponse
		switch op.Action {
		case store.ActionIndex:
			w, err = s.put(idx, op.ID, op.Source, op.IfVersion, false)
		case store.ActionCreate:
			w, err = s.put(idx, op.ID, op.Source, op.IfVersion, true)
		case store.ActionUpdate:
			w, err = s.patch(idx, op.ID, op.Patch, op.IfVersion)
		case store.ActionDelete:
			w, err = s.remove(idx, op.ID, op.IfVersion)
		default:
			err = fmt.Errorf("memstore: unknown bulk action %q", op.Action)
		}

		if err != nil {
			item.Err = err
		} else {
			item.Index, item.Version, item.Result = w.Index, w.Version, w.Result
		}
		resp.Items[i] = item
	}

	for _, idx := range touched {
		s.maybeRefresh(req.Refresh, idx)
	}
	return resp, nil
}

func (s *Store) maybeRefresh(requested bool, idx *memIndex) {
	if requested || s.refreshOnWrite {
		idx.refresh()
	}
}

func (s *Store) checkVersion(idx *memIndex, id string, existing *document, ifVersion model.VersionStamp) error {
	if ifVersion.IsEmpty() {
		return nil
	}
	if existing == nil || !existing.version().Equal(ifVersion) {
		current := ""
		if existing != nil {
			current = existing.version().String()
		}
		return fmt.Errorf("%w: %s/%s expected %s, current %q", store.ErrVersionConflict, idx.name, id, ifVersion, current)
	}
	return nil
}

func (s *Store) put(idx *memIndex, id string, source json.RawMessage, ifVersion model.VersionStamp, create bool) (*store.WriteResponse, error) {
	if id == "" {
		return nil, fmt.Errorf("memstore: document id is required")
	}

	existing := idx.live[id]
	if create && existing != nil {
		return nil, fmt.Errorf("%w: %s/%s already exists", store.ErrVersionConflict, idx.name, id)
	}
	if err := s.checkVersion(idx, id, existing, ifVersion); err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if err := json.Unmarshal(source, &fields); err != nil {
		return nil, fmt.Errorf("memstore: decode %s/%s: %w", idx.name, id, err)
	}

	doc := &document{
		id:     id,
		seq:    idx.seq,
		term:   s.term,
		source: append(json.RawMessage(nil), source...),
		fields: fields,
	}
	idx.seq++
	idx.live[id] = doc

	result := store.ResultCreated
	if existing != nil {
		result = store.ResultUpdated
	}
	return &store.WriteResponse{Index: idx.name, ID: id, Version: doc.version(), Result: result}, nil
}

func (s *Store) patch(idx *memIndex, id string, patch model.Patch, ifVersion model.VersionStamp) (*store.WriteResponse, error) {
	if s.patchErr != nil {
		return nil, s.patchErr
	}

	existing := idx.live[id]
	if existing == nil {
		return nil, fmt.Errorf("%w: %s/%s", store.ErrDocumentNotFound, idx.name, id)
	}
	if err := s.checkVersion(idx, id, existing, ifVersion); err != nil {
		return nil, err
	}

	patched, err := s.patcher.Apply(existing.source, patch)
	if err != nil {
		return nil, err
	}
	if patcher.Equivalent(existing.source, patched) {
		return &store.WriteResponse{Index: idx.name, ID: id, Version: existing.version(), Result: store.ResultNoop}, nil
	}
	return s.put(idx, id, patched, model.EmptyVersion, false)
}

func (s *Store) remove(idx *memIndex, id string, ifVersion model.VersionStamp) (*store.WriteResponse, error) {
	existing := idx.live[id]
	if existing == nil {
		if !ifVersion.IsEmpty() {
			return nil, s.checkVersion(idx, id, nil, ifVersion)
		}
		return &store.WriteResponse{Index: idx.name, ID: id, Result: store.ResultNotFound}, nil
	}
	if err := s.checkVersion(idx, id, existing, ifVersion); err != nil {
		return nil, err
	}

	delete(idx.live, id)
	version := model.NewVersion(idx.seq, s.term)
	idx.seq++
	return &store.WriteResponse{Index: idx.name, ID: id, Version: version, Result: store.ResultDeleted}, nil
}

// matches returns the refreshed documents of name matching q, sorted.
// Callers hold mu.
func (s *Store) matches(names []string, q store.Query, sortBy []store.SortField) ([]store.Hit, error) {
	idxs, err := s.resolve(names)
	if err != nil {
		return nil, err
	}

	var hits []store.Hit
	var fields []map[string]any
	for _, idx := range idxs {
		for _, doc := range idx.visible {
			if matchQuery(q, doc) {
				hits = append(hits, doc.hit(idx.name))
				fields = append(fields, doc.fields)
			}
		}
	}

	return store.SortHits(hits, fields, sortBy), nil
}

func (s *Store) Search(ctx context.Context, req store.SearchRequest) (*store.SearchResponse, error) {
	s.mu.RLock()
	hits, err := s.matches(req.Indices, req.Query, req.Sort)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	size := req.Size
	if size <= 0 {
		size = defaultPageSize
	}
	total := int64(len(hits))

	if req.Cursor != nil {
		s.pruneCursors()
		c := &cursor{hits: hits, size: size, keepAlive: req.Cursor.KeepAlive}
		c.touch(s.now(), 0)
		page := c.next()
		id := uuid.NewString()
		s.cursors.Store(id, c)
		return &store.SearchResponse{Hits: page, Total: total, CursorID: id}, nil
	}

	from := req.From
	if from < 0 {
		from = 0
	}
	if from > len(hits) {
		from = len(hits)
	}
	end := from + size
	if end > len(hits) {
		end = len(hits)
	}
	return &store.SearchResponse{Hits: hits[from:end], Total: total}, nil
}

func (s *Store) Scroll(ctx context.Context, req store.ScrollRequest) (*store.SearchResponse, error) {
	c, ok := s.cursors.Load(req.CursorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrCursorNotFound, req.CursorID)
	}

	now := s.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !now.Before(c.expiresAt) {
		s.cursors.Delete(req.CursorID)
		return nil, fmt.Errorf("%w: %s", store.ErrCursorNotFound, req.CursorID)
	}
	c.touch(now, req.KeepAlive)
	return &store.SearchResponse{Hits: c.next(), Total: int64(len(c.hits)), CursorID: req.CursorID}, nil
}

func (s *Store) ClearCursor(ctx context.Context, cursorID string) error {
	s.cursors.Delete(cursorID)
	return nil
}

func (s *Store) pruneCursors() {
	now := s.now()
	s.cursors.Range(func(id string, c *cursor) bool {
		c.mu.Lock()
		expired := !now.Before(c.expiresAt)
		c.mu.Unlock()
		if expired {
			s.cursors.Delete(id)
		}
		return true
	})
}

func (s *Store) Count(ctx context.Context, req store.CountRequest) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits, err := s.matches(req.Indices, req.Query, nil)
	if err != nil {
		return 0, err
	}
	return int64(len(hits)), nil
}

func (s *Store) DeleteByQuery(ctx context.Context, req store.DeleteByQueryRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hits, err := s.matches(req.Indices, req.Query, nil)
	if err != nil {
		return 0, err
	}

	var deleted int64
	touched := map[string]*memIndex{}
	for _, hit := range hits {
		idx := s.indices[hit.Index]
		if _, ok := idx.live[hit.ID]; !ok {
			continue
		}
		delete(idx.live, hit.ID)
		idx.seq++
		touched[idx.name] = idx
		deleted++
	}
	for _, idx := range touched {
		s.maybeRefresh(req.Refresh, idx)
	}
	return deleted, nil
}

func (s *Store) IndexExists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, isIndex := s.indices[name]
	_, isAlias := s.aliases[name]
	return isIndex || isAlias, nil
}

func (s *Store) CreateIndex(ctx context.Context, req store.CreateIndexRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.indices[req.Name]; ok {
		return fmt.Errorf("%w: %s", store.ErrIndexExists, req.Name)
	}
	if _, ok := s.aliases[req.Name]; ok {
		return fmt.Errorf("%w: %s is an alias", store.ErrIndexExists, req.Name)
	}

	s.indices[req.Name] = newMemIndex(req.Name)
	for _, alias := range req.Aliases {
		s.bindAlias(s.aliases, alias, req.Name)
	}
	return nil
}

func (s *Store) DeleteIndex(ctx context.Context, names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range names {
		if _, ok := s.indices[name]; !ok {
			return fmt.Errorf("%w: %s", store.ErrIndexNotFound, name)
		}
	}
	for _, name := range names {
		delete(s.indices, name)
		for alias, members := range s.aliases {
			delete(members, name)
			if len(members) == 0 {
				delete(s.aliases, alias)
			}
		}
	}
	return nil
}

func (s *Store) Refresh(ctx context.Context, names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(names) == 0 {
		for _, idx := range s.indices {
			idx.refresh()
		}
		return nil
	}

	idxs, err := s.resolve(names)
	if err != nil {
		return err
	}
	for _, idx := range idxs {
		idx.refresh()
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	s.cursors.Clear()
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
