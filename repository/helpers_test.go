package repository_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-repository-index/cache"
	"github.com/goliatone/go-repository-index/index"
	"github.com/goliatone/go-repository-index/messaging"
	"github.com/goliatone/go-repository-index/model"
	"github.com/goliatone/go-repository-index/repository"
	"github.com/goliatone/go-repository-index/store"
	"github.com/goliatone/go-repository-index/store/memstore"
)

type Order struct {
	ID        string             `json:"id"`
	Customer  string             `json:"customer"`
	Status    string             `json:"status,omitempty"`
	Counter   int                `json:"counter"`
	Deleted   bool               `json:"is_deleted"`
	CreatedAt time.Time          `json:"created_utc"`
	UpdatedAt time.Time          `json:"updated_utc"`
	Version   model.VersionStamp `json:"-"`
}

func (o *Order) GetID() string                   { return o.ID }
func (o *Order) SetID(id string)                 { o.ID = id }
func (o *Order) GetCreatedUTC() time.Time        { return o.CreatedAt }
func (o *Order) SetCreatedUTC(t time.Time)       { o.CreatedAt = t }
func (o *Order) GetUpdatedUTC() time.Time        { return o.UpdatedAt }
func (o *Order) SetUpdatedUTC(t time.Time)       { o.UpdatedAt = t }
func (o *Order) GetVersion() model.VersionStamp  { return o.Version }
func (o *Order) SetVersion(v model.VersionStamp) { o.Version = v }
func (o *Order) IsDeleted() bool                 { return o.Deleted }
func (o *Order) SetDeleted(deleted bool)         { o.Deleted = deleted }

func (o *Order) Validate() error {
	return validation.ValidateStruct(o,
		validation.Field(&o.Customer, validation.Required),
	)
}

type fixture struct {
	repo   *repository.Repository[*Order]
	client *memstore.Store
	pub    *messaging.MemoryPublisher
}

type setup struct {
	noCache bool
	service cache.CacheService
	wrap    func(store.Client) store.Client
	cfg     func(*repository.Config)
	opts    []repository.RepositoryOption
}

func newFixture(t *testing.T, s setup) fixture {
	t.Helper()
	ctx := context.Background()

	client := memstore.New()
	idx := index.New("orders")
	require.NoError(t, idx.Configure(ctx, client))

	cfg := repository.DefaultConfig()
	cfg.NotificationDelay = 0
	if s.cfg != nil {
		s.cfg(&cfg)
	}

	pub := messaging.NewMemoryPublisher(nil)
	opts := []repository.RepositoryOption{repository.WithConfig(cfg), repository.WithPublisher(pub)}
	switch {
	case s.service != nil:
		opts = append(opts, repository.WithCacheService(s.service))
	case !s.noCache:
		svc, err := cache.NewCacheService(cache.DefaultConfig())
		require.NoError(t, err)
		opts = append(opts, repository.WithCacheService(svc))
	}

	var sc store.Client = client
	if s.wrap != nil {
		sc = s.wrap(client)
	}

	repo, err := repository.New[*Order](sc, idx, append(opts, s.opts...)...)
	require.NoError(t, err)
	return fixture{repo: repo, client: client, pub: pub}
}

func (f fixture) seed(t *testing.T, n int, mutate func(i int, o *Order)) []*Order {
	t.Helper()
	docs := make([]*Order, n)
	for i := range docs {
		docs[i] = &Order{Customer: "acme", Status: "open"}
		if mutate != nil {
			mutate(i, docs[i])
		}
	}
	require.NoError(t, f.repo.AddMany(context.Background(), docs, repository.WithImmediateConsistency()))
	f.pub.Reset()
	return docs
}

// failingClient fails the named operations and delegates the rest.
type failingClient struct {
	store.Client
	fail map[string]error
}

func (c *failingClient) Search(ctx context.Context, req store.SearchRequest) (*store.SearchResponse, error) {
	if err := c.fail["search"]; err != nil {
		return nil, err
	}
	return c.Client.Search(ctx, req)
}

func (c *failingClient) Bulk(ctx context.Context, req store.BulkRequest) (*store.BulkResponse, error) {
	if err := c.fail["bulk"]; err != nil {
		return nil, err
	}
	return c.Client.Bulk(ctx, req)
}

// rejectingClient fails the writes of the listed ids, one item at a time.
type rejectingClient struct {
	store.Client
	reject map[string]error
}

func (c *rejectingClient) Index(ctx context.Context, req store.IndexRequest) (*store.WriteResponse, error) {
	if err := c.reject[req.ID]; err != nil {
		return nil, err
	}
	return c.Client.Index(ctx, req)
}

func (c *rejectingClient) Bulk(ctx context.Context, req store.BulkRequest) (*store.BulkResponse, error) {
	resp := &store.BulkResponse{Items: make([]store.BulkItem, len(req.Ops))}
	pass := store.BulkRequest{Refresh: req.Refresh}
	var positions []int
	for i, op := range req.Ops {
		if err := c.reject[op.ID]; err != nil {
			resp.Items[i] = store.BulkItem{Action: op.Action, Index: op.Index, ID: op.ID, Err: err}
			continue
		}
		pass.Ops = append(pass.Ops, op)
		positions = append(positions, i)
	}
	if len(pass.Ops) == 0 {
		return resp, nil
	}

	inner, err := c.Client.Bulk(ctx, pass)
	if err != nil {
		return nil, err
	}
	for j, item := range inner.Items {
		resp.Items[positions[j]] = item
	}
	return resp, nil
}

// countingSerializer records how often query keys are built.
type countingSerializer struct {
	cache.KeySerializer
	calls atomic.Int64
}

func (s *countingSerializer) SerializeKey(method string, args ...any) string {
	s.calls.Add(1)
	return s.KeySerializer.SerializeKey(method, args...)
}

var errBoom = errors.New("boom")

func repositoryStats(hits, misses int64) cache.Stats {
	return cache.Stats{Hits: hits, Misses: misses}
}
