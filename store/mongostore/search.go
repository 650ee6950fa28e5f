package mongostore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/goliatone/go-repository-index/store"
)

type docRef struct {
	index string
	id    string
}

// cursor keeps the ordered identities of a result set. Pages are loaded
// lazily, so documents deleted after the search are skipped.
type cursor struct {
	mu        sync.Mutex
	refs      []docRef
	pos       int
	size      int
	keepAlive time.Duration
	expiresAt time.Time
}

func (c *cursor) touch(now time.Time, keepAlive time.Duration) {
	if keepAlive > 0 {
		c.keepAlive = keepAlive
	}
	if c.keepAlive <= 0 {
		c.keepAlive = time.Minute
	}
	c.expiresAt = now.Add(c.keepAlive)
}

func (c *cursor) next() []docRef {
	if c.pos >= len(c.refs) {
		return nil
	}
	end := min(c.pos+c.size, len(c.refs))
	page := c.refs[c.pos:end]
	c.pos = end
	return page
}

func (s *Store) Search(ctx context.Context, req store.SearchRequest) (*store.SearchResponse, error) {
	indices, err := s.resolve(ctx, req.Indices)
	if err != nil {
		return nil, err
	}

	size := req.Size
	if size <= 0 {
		size = defaultPageSize
	}
	if req.Cursor != nil {
		return s.openCursor(ctx, indices, req, size)
	}

	from := max(req.From, 0)
	filter := buildFilter(req.Query)

	var (
		total  int64
		hits   []store.Hit
		fields []map[string]any
	)
	for _, index := range indices {
		coll := s.db.Collection(index)
		n, err := coll.CountDocuments(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("mongostore: count %s: %w", index, err)
		}
		total += n

		// Each collection contributes at most from+size hits; the merged
		// page is cut after sorting.
		opts := options.Find().SetSort(buildSort(req.Sort)).SetLimit(int64(from + size))
		if len(indices) == 1 {
			opts.SetSkip(int64(from)).SetLimit(int64(size))
		}
		recs, err := s.findAll(ctx, index, filter, opts)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			hit, f, err := rec.hit(index)
			if err != nil {
				return nil, err
			}
			hits = append(hits, hit)
			fields = append(fields, f)
		}
	}

	if len(indices) > 1 {
		hits = store.SortHits(hits, fields, req.Sort)
		start := min(from, len(hits))
		hits = hits[start:min(start+size, len(hits))]
	}
	return &store.SearchResponse{Hits: hits, Total: total}, nil
}

func (s *Store) findAll(ctx context.Context, index string, filter any, opts *options.FindOptions) ([]record, error) {
	cur, err := s.db.Collection(index).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: find %s: %w", index, err)
	}
	var recs []record
	if err := cur.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("mongostore: decode %s: %w", index, err)
	}
	return recs, nil
}

func (s *Store) openCursor(ctx context.Context, indices []string, req store.SearchRequest, size int) (*store.SearchResponse, error) {
	filter := buildFilter(req.Query)

	projection := bson.M{"_id": 1, "_seq": 1, "_term": 1}
	for _, sf := range req.Sort {
		projection[field(sf.Field)] = 1
	}

	var (
		hits   []store.Hit
		fields []map[string]any
	)
	for _, index := range indices {
		recs, err := s.findAll(ctx, index, filter, options.Find().SetProjection(projection))
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			hit, f, err := rec.hit(index)
			if err != nil {
				return nil, err
			}
			hits = append(hits, hit)
			fields = append(fields, f)
		}
	}
	hits = store.SortHits(hits, fields, req.Sort)

	refs := make([]docRef, len(hits))
	for i, hit := range hits {
		refs[i] = docRef{index: hit.Index, id: hit.ID}
	}

	s.pruneCursors()
	c := &cursor{refs: refs, size: size, keepAlive: req.Cursor.KeepAlive}
	c.touch(s.now(), 0)
	page := c.next()

	id := uuid.NewString()
	s.cursors.Store(id, c)

	loaded, err := s.load(ctx, page)
	if err != nil {
		s.cursors.Delete(id)
		return nil, err
	}
	return &store.SearchResponse{Hits: loaded, Total: int64(len(refs)), CursorID: id}, nil
}

// load fetches the documents of page, preserving its order.
func (s *Store) load(ctx context.Context, page []docRef) ([]store.Hit, error) {
	byIndex := map[string][]string{}
	for _, ref := range page {
		byIndex[ref.index] = append(byIndex[ref.index], ref.id)
	}

	found := map[docRef]store.Hit{}
	for index, ids := range byIndex {
		recs, err := s.findAll(ctx, index, bson.M{"_id": bson.M{"$in": ids}}, options.Find())
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			hit, _, err := rec.hit(index)
			if err != nil {
				return nil, err
			}
			found[docRef{index: index, id: rec.ID}] = hit
		}
	}

	hits := make([]store.Hit, 0, len(page))
	for _, ref := range page {
		if hit, ok := found[ref]; ok {
			hits = append(hits, hit)
		}
	}
	return hits, nil
}

func (s *Store) Scroll(ctx context.Context, req store.ScrollRequest) (*store.SearchResponse, error) {
	c, ok := s.cursors.Load(req.CursorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrCursorNotFound, req.CursorID)
	}

	now := s.now()
	c.mu.Lock()
	if !now.Before(c.expiresAt) {
		c.mu.Unlock()
		s.cursors.Delete(req.CursorID)
		return nil, fmt.Errorf("%w: %s", store.ErrCursorNotFound, req.CursorID)
	}
	c.touch(now, req.KeepAlive)
	page := c.next()
	total := int64(len(c.refs))
	c.mu.Unlock()

	hits, err := s.load(ctx, page)
	if err != nil {
		return nil, err
	}
	return &store.SearchResponse{Hits: hits, Total: total, CursorID: req.CursorID}, nil
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
