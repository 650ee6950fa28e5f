// Package mongostore implements store.Client on MongoDB. Each physical index
// is a collection; documents are stored as {_id, _seq, _term, src}. Version
// preconditions are part of the write filter so the compare-and-swap happens
// inside MongoDB. Aliases live in one document that is replaced as a whole,
// which makes alias updates atomic without transactions.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/goliatone/go-repository-index/model"
	"github.com/goliatone/go-repository-index/store"
	"github.com/goliatone/go-repository-index/store/patcher"
)

const (
	aliasCollection    = "_aliases"
	sequenceCollection = "_sequences"
	aliasDocumentID    = "aliases"
	defaultPageSize    = 10
	maxCASAttempts     = 5
)

type record struct {
	ID     string `bson:"_id"`
	Seq    int64  `bson:"_seq"`
	Term   int64  `bson:"_term"`
	Source bson.M `bson:"src"`
}

func (r record) version() model.VersionStamp {
	return model.NewVersion(r.Seq, r.Term)
}

func (r record) hit(index string) (store.Hit, map[string]any, error) {
	source, fields, err := sourceFromBSON(r.Source)
	if err != nil {
		return store.Hit{}, nil, err
	}
	return store.Hit{Index: index, ID: r.ID, Version: r.version(), Source: source}, fields, nil
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithAutoCreateIndex(enabled bool) Option {
	return func(s *Store) { s.autoCreate = enabled }
}

func WithPrimaryTerm(term int64) Option {
	return func(s *Store) { s.term = term }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the MongoDB client.
type Store struct {
	client     *mongo.Client
	db         *mongo.Database
	ownsClient bool

	patcher *patcher.Patcher
	cursors *xsync.MapOf[string, *cursor]
	logger  *slog.Logger

	autoCreate bool
	term       int64
	now        func() time.Time
}

var _ store.Client = (*Store)(nil)

// Connect dials uri, verifies the connection and returns a Store that
// disconnects the client on Close.
func Connect(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}

	s, err := New(client, database, opts...)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	s.ownsClient = true
	return s, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client *mongo.Client, database string, opts ...Option) (*Store, error) {
	if database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	p, err := patcher.New()
	if err != nil {
		return nil, err
	}

	s := &Store{
		client:     client,
		db:         client.Database(database),
		patcher:    p,
		cursors:    xsync.NewMapOf[string, *cursor](),
		autoCreate: true,
		term:       1,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "mongostore", "database", database)
	return s, nil
}

func reserved(name string) bool {
	return strings.HasPrefix(name, "_") || strings.HasPrefix(name, "system.")
}

func (s *Store) collections(ctx context.Context) (map[string]bool, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("mongostore: list collections: %w", err)
	}
	out := make(map[string]bool, len(names))
	for _, name := range names {
		if !reserved(name) {
			out[name] = true
		}
	}
	return out, nil
}

// resolve expands names and aliases into collection names.
func (s *Store) resolve(ctx context.Context, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no index given", store.ErrIndexNotFound)
	}

	colls, err := s.collections(ctx)
	if err != nil {
		return nil, err
	}
	table, err := s.loadAliases(ctx)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []string
	for _, name := range names {
		if colls[name] {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
			continue
		}
		members, ok := table.Table[name]
		if !ok || len(members) == 0 {
			return nil, fmt.Errorf("%w: %s", store.ErrIndexNotFound, name)
		}
		for _, member := range members {
			if !seen[member] {
				seen[member] = true
				out = append(out, member)
			}
		}
	}
	return out, nil
}

func (s *Store) resolveWrite(ctx context.Context, name string) (string, error) {
	if name == "" || reserved(name) {
		return "", fmt.Errorf("%w: %q", store.ErrIndexNotFound, name)
	}

	colls, err := s.collections(ctx)
	if err != nil {
		return "", err
	}
	if colls[name] {
		return name, nil
	}

	table, err := s.loadAliases(ctx)
	if err != nil {
		return "", err
	}
	if members, ok := table.Table[name]; ok && len(members) > 0 {
		if len(members) != 1 {
			return "", fmt.Errorf("%w: %s", store.ErrAmbiguousAlias, name)
		}
		return members[0], nil
	}

	if !s.autoCreate {
		return "", fmt.Errorf("%w: %s", store.ErrIndexNotFound, name)
	}
	return name, nil
}

// nextSeq reserves the next sequence number of index.
func (s *Store) nextSeq(ctx context.Context, index string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(sequenceCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": index},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("mongostore: next sequence for %s: %w", index, err)
	}
	return counter.Seq - 1, nil
}

func (s *Store) find(ctx context.Context, index, id string) (*record, error) {
	var rec record
	err := s.db.Collection(index).FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: get %s/%s: %w", index, id, err)
	}
	return &rec, nil
}

func (s *Store) Get(ctx context.Context, req store.GetRequest) (*store.Hit, error) {
	indices, err := s.resolve(ctx, []string{req.Index})
	if err != nil {
		return nil, err
	}
	for _, index := range indices {
		rec, err := s.find(ctx, index, req.ID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			hit, _, err := rec.hit(index)
			if err != nil {
				return nil, err
			}
			return &hit, nil
		}
	}
	return nil, nil
}

func (s *Store) MultiGet(ctx context.Context, reqs []store.GetRequest) ([]store.GetResult, error) {
	out := make([]store.GetResult, len(reqs))
	for i, req := range reqs {
		hit, err := s.Get(ctx, req)
		if errors.Is(err, store.ErrIndexNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if hit != nil {
			out[i] = store.GetResult{Hit: hit, Found: true}
		}
	}
	return out, nil
}

func (s *Store) Index(ctx context.Context, req store.IndexRequest) (*store.WriteResponse, error) {
	index, err := s.resolveWrite(ctx, req.Index)
	if err != nil {
		return nil, err
	}
	return s.put(ctx, index, req.ID, req.Source, req.IfVersion, req.Create)
}

func (s *Store) put(ctx context.Context, index, id string, source []byte, ifVersion model.VersionStamp, create bool) (*store.WriteResponse, error) {
	if id == "" {
		return nil, errors.New("mongostore: document id is required")
	}

	fields, err := sourceToBSON(source)
	if err != nil {
		return nil, err
	}
	seq, err := s.nextSeq(ctx, index)
	if err != nil {
		return nil, err
	}

	rec := record{ID: id, Seq: seq, Term: s.term, Source: fields}
	coll := s.db.Collection(index)
	resp := &store.WriteResponse{Index: index, ID: id, Version: rec.version()}

	switch {
	case create:
		if _, err := coll.InsertOne(ctx, rec); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, fmt.Errorf("%w: %s/%s already exists", store.ErrVersionConflict, index, id)
			}
			return nil, fmt.Errorf("mongostore: insert %s/%s: %w", index, id, err)
		}
		resp.Result = store.ResultCreated

	case !ifVersion.IsEmpty():
		res, err := coll.ReplaceOne(ctx, versionFilter(id, ifVersion), rec)
		if err != nil {
			return nil, fmt.Errorf("mongostore: replace %s/%s: %w", index, id, err)
		}
		if res.MatchedCount == 0 {
			return nil, fmt.Errorf("%w: %s/%s expected %s", store.ErrVersionConflict, index, id, ifVersion)
		}
		resp.Result = store.ResultUpdated

	default:
		res, err := coll.ReplaceOne(ctx, bson.M{"_id": id}, rec, options.Replace().SetUpsert(true))
		if err != nil {
			return nil, fmt.Errorf("mongostore: upsert %s/%s: %w", index, id, err)
		}
		resp.Result = store.ResultUpdated
		if res.UpsertedCount > 0 {
			resp.Result = store.ResultCreated
		}
	}
	return resp, nil
}

func versionFilter(id string, v model.VersionStamp) bson.M {
	return bson.M{"_id": id, "_seq": v.SequenceNumber, "_term": v.PrimaryTerm}
}

func (s *Store) Update(ctx context.Context, req store.UpdateRequest) (*store.WriteResponse, error) {
	index, err := s.resolveWrite(ctx, req.Index)
	if err != nil {
		return nil, err
	}
	return s.patch(ctx, index, req.ID, req.Patch, req.IfVersion)
}

// patch is a read-modify-write guarded by the stored version. Without a
// caller precondition a lost race is retried.
func (s *Store) patch(ctx context.Context, index, id string, patch model.Patch, ifVersion model.VersionStamp) (*store.WriteResponse, error) {
	for attempt := 1; ; attempt++ {
		rec, err := s.find(ctx, index, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("%w: %s/%s", store.ErrDocumentNotFound, index, id)
		}
		if !ifVersion.IsEmpty() && !rec.version().Equal(ifVersion) {
			return nil, fmt.Errorf("%w: %s/%s expected %s, current %s", store.ErrVersionConflict, index, id, ifVersion, rec.version())
		}

		current, _, err := sourceFromBSON(rec.Source)
		if err != nil {
			return nil, err
		}
		patched, err := s.patcher.Apply(current, patch)
		if err != nil {
			return nil, err
		}
		if patcher.Equivalent(current, patched) {
			return &store.WriteResponse{Index: index, ID: id, Version: rec.version(), Result: store.ResultNoop}, nil
		}

		resp, err := s.put(ctx, index, id, patched, rec.version(), false)
		if err == nil || !ifVersion.IsEmpty() || !errors.Is(err, store.ErrVersionConflict) || attempt >= maxCASAttempts {
			return resp, err
		}
		s.logger.Debug("retrying patch after concurrent write", "index", index, "id", id, "attempt", attempt)
	}
}

func (s *Store) Delete(ctx context.Context, req store.DeleteRequest) (*store.WriteResponse, error) {
	index, err := s.resolveWrite(ctx, req.Index)
	if err != nil {
		return nil, err
	}
	return s.remove(ctx, index, req.ID, req.IfVersion)
}

func (s *Store) remove(ctx context.Context, index, id string, ifVersion model.VersionStamp) (*store.WriteResponse, error) {
	filter := bson.M{"_id": id}
	if !ifVersion.IsEmpty() {
		filter = versionFilter(id, ifVersion)
	}

	res, err := s.db.Collection(index).DeleteOne(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongostore: delete %s/%s: %w", index, id, err)
	}
	if res.DeletedCount == 0 {
		if !ifVersion.IsEmpty() {
			return nil, fmt.Errorf("%w: %s/%s expected %s", store.ErrVersionConflict, index, id, ifVersion)
		}
		return &store.WriteResponse{Index: index, ID: id, Result: store.ResultNotFound}, nil
	}

	seq, err := s.nextSeq(ctx, index)
	if err != nil {
		return nil, err
	}
	return &store.WriteResponse{Index: index, ID: id, Version: model.NewVersion(seq, s.term), Result: store.ResultDeleted}, nil
}

func (s *Store) Bulk(ctx context.Context, req store.BulkRequest) (*store.BulkResponse, error) {
	resp := &store.BulkResponse{Items: make([]store.BulkItem, len(req.Ops))}
	for i, op := range req.Ops {
		item := store.BulkItem{Action: op.Action, Index: op.Index, ID: op.ID}

		index, err := s.resolveWrite(ctx, op.Index)
		if err != nil {
			item.Err = err
			resp.Items[i] = item
			continue
		}

		var w *store.WriteResponse
		switch op.Action {
		case store.ActionIndex:
			w, err = s.put(ctx, index, op.ID, op.Source, op.IfVersion, false)
		case store.ActionCreate:
			w, err = s.put(ctx, index, op.ID, op.Source, op.IfVersion, true)
		case store.ActionUpdate:
			w, err = s.patch(ctx, index, op.ID, op.Patch, op.IfVersion)
		case store.ActionDelete:
			w, err = s.remove(ctx, index, op.ID, op.IfVersion)
		default:
			err = fmt.Errorf("mongostore: unknown bulk action %q", op.Action)
		}

		if err != nil {
			item.Err = err
		} else {
			item.Index, item.Version, item.Result = w.Index, w.Version, w.Result
		}
		resp.Items[i] = item

		if ctx.Err() != nil {
			return resp, ctx.Err()
		}
	}
	return resp, nil
}

func (s *Store) Count(ctx context.Context, req store.CountRequest) (int64, error) {
	indices, err := s.resolve(ctx, req.Indices)
	if err != nil {
		return 0, err
	}

	filter := buildFilter(req.Query)
	var total int64
	for _, index := range indices {
		n, err := s.db.Collection(index).CountDocuments(ctx, filter)
		if err != nil {
			return 0, fmt.Errorf("mongostore: count %s: %w", index, err)
		}
		total += n
	}
	return total, nil
}

func (s *Store) DeleteByQuery(ctx context.Context, req store.DeleteByQueryRequest) (int64, error) {
	indices, err := s.resolve(ctx, req.Indices)
	if err != nil {
		return 0, err
	}

	filter := buildFilter(req.Query)
	var deleted int64
	for _, index := range indices {
		res, err := s.db.Collection(index).DeleteMany(ctx, filter)
		if err != nil {
			return deleted, fmt.Errorf("mongostore: delete by query %s: %w", index, err)
		}
		deleted += res.DeletedCount
	}
	return deleted, nil
}

func (s *Store) IndexExists(ctx context.Context, name string) (bool, error) {
	_, err := s.resolve(ctx, []string{name})
	if errors.Is(err, store.ErrIndexNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) CreateIndex(ctx context.Context, req store.CreateIndexRequest) error {
	exists, err := s.IndexExists(ctx, req.Name)
	if err != nil {
		return err
	}
	if exists || reserved(req.Name) {
		return fmt.Errorf("%w: %s", store.ErrIndexExists, req.Name)
	}

	if err := s.db.CreateCollection(ctx, req.Name); err != nil {
		return fmt.Errorf("mongostore: create %s: %w", req.Name, err)
	}
	if len(req.Aliases) == 0 {
		return nil
	}

	actions := make([]store.AliasAction, len(req.Aliases))
	for i, alias := range req.Aliases {
		actions[i] = store.AliasAction{Type: store.AliasAdd, Index: req.Name, Alias: alias}
	}
	return s.UpdateAliases(ctx, actions)
}

func (s *Store) DeleteIndex(ctx context.Context, names ...string) error {
	colls, err := s.collections(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if !colls[name] {
			return fmt.Errorf("%w: %s", store.ErrIndexNotFound, name)
		}
	}

	for _, name := range names {
		if err := s.db.Collection(name).Drop(ctx); err != nil {
			return fmt.Errorf("mongostore: drop %s: %w", name, err)
		}
		if _, err := s.db.Collection(sequenceCollection).DeleteOne(ctx, bson.M{"_id": name}); err != nil {
			return fmt.Errorf("mongostore: drop sequence %s: %w", name, err)
		}
	}
	return s.detachIndices(ctx, names)
}

// Refresh is a no-op: MongoDB reads are immediately consistent.
func (s *Store) Refresh(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	_, err := s.resolve(ctx, names)
	return err
}

func (s *Store) Close(ctx context.Context) error {
	s.cursors.Clear()
	if s.ownsClient {
		return s.client.Disconnect(ctx)
	}
	return nil
}
