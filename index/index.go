// Package index describes where documents of one entity type live: the
// logical name readers address, the versioned physical index behind it and,
// for time-series entities, the daily or monthly shard a document is
// written to.
package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-repository-index/model"
	"github.com/goliatone/go-repository-index/store"
)

// Sharding selects how documents are spread over physical indices.
type Sharding int

const (
	ShardNone Sharding = iota
	ShardDaily
	ShardMonthly
)

func (s Sharding) layout() string {
	switch s {
	case ShardDaily:
		return "2006.01.02"
	case ShardMonthly:
		return "2006.01"
	}
	return ""
}

// Option configures an Index.
type Option func(*Index)

// WithVersion sets the schema generation, 1 by default.
func WithVersion(v int) Option {
	return func(i *Index) {
		if v > 0 {
			i.version = v
		}
	}
}

// WithDailyShards writes each document to a per-day index chosen by its
// creation date.
func WithDailyShards() Option {
	return func(i *Index) { i.sharding = ShardDaily }
}

// WithMonthlyShards is WithDailyShards with one index per month.
func WithMonthlyShards() Option {
	return func(i *Index) { i.sharding = ShardMonthly }
}

// WithParentChild marks documents that are routed by their parent, so they
// cannot be fetched by id alone.
func WithParentChild() Option {
	return func(i *Index) { i.parentChild = true }
}

func WithClock(now func() time.Time) Option {
	return func(i *Index) { i.now = now }
}

// Index is the index configuration of one entity type.
type Index struct {
	name        string
	version     int
	sharding    Sharding
	parentChild bool
	now         func() time.Time

	ensured *xsync.MapOf[string, struct{}]
	group   singleflight.Group
}

func New(name string, opts ...Option) *Index {
	i := &Index{
		name:    name,
		version: 1,
		now:     time.Now,
		ensured: xsync.NewMapOf[string, struct{}](),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Name is the logical name, also used as the read alias.
func (i *Index) Name() string { return i.name }

func (i *Index) Version() int { return i.version }

func (i *Index) Sharding() Sharding { return i.sharding }

func (i *Index) IsSharded() bool { return i.sharding != ShardNone }

func (i *Index) IsParentChild() bool { return i.parentChild }

// SupportsMultiGet reports whether a document can be located from its id
// alone.
func (i *Index) SupportsMultiGet() bool {
	return !i.IsSharded() && !i.parentChild
}

// VersionedName returns "{name}-v{version}".
func (i *Index) VersionedName() string {
	return fmt.Sprintf("%s-v%d", i.name, i.version)
}

// ShardName returns the physical index holding documents created at t.
// Unsharded indices always return VersionedName.
func (i *Index) ShardName(t time.Time) string {
	if !i.IsSharded() {
		return i.VersionedName()
	}
	return i.VersionedName() + "-" + t.UTC().Format(i.sharding.layout())
}

// ReadIndex is the name queries are issued against.
func (i *Index) ReadIndex() string {
	return i.name
}

// WriteIndex returns the index doc is written to. Unsharded entities write
// through the alias so a reindex cutover redirects writers too.
func (i *Index) WriteIndex(doc any) string {
	if !i.IsSharded() {
		return i.name
	}

	created := time.Time{}
	if d, ok := doc.(model.Dated); ok && !model.IsNil(doc) {
		created = d.GetCreatedUTC()
	}
	if created.IsZero() {
		created = i.now()
	}
	return i.ShardName(created)
}

// Ensure creates the physical indices in names that do not exist yet,
// aliased to the logical name. Each name is checked once per process;
// concurrent callers for the same name share one round trip.
func (i *Index) Ensure(ctx context.Context, client store.Client, names ...string) error {
	for _, name := range names {
		if name == i.name {
			continue
		}
		if _, ok := i.ensured.Load(name); ok {
			continue
		}

		_, err, _ := i.group.Do(name, func() (any, error) {
			exists, err := client.IndexExists(ctx, name)
			if err != nil {
				return nil, err
			}
			if !exists {
				err = client.CreateIndex(ctx, store.CreateIndexRequest{Name: name, Aliases: []string{i.name}})
				if err != nil && !errors.Is(err, store.ErrIndexExists) {
					return nil, err
				}
			}
			i.ensured.Store(name, struct{}{})
			return nil, nil
		})
		if err != nil {
			return fmt.Errorf("index: ensure %s: %w", name, err)
		}
	}
	return nil
}

// Forget drops names from the ensured memo, e.g. after they were deleted.
func (i *Index) Forget(names ...string) {
	for _, name := range names {
		i.ensured.Delete(name)
	}
}

// Configure creates the versioned index behind the logical alias when
// neither exists. Sharded indices are created on first write instead.
func (i *Index) Configure(ctx context.Context, client store.Client) error {
	if i.IsSharded() {
		return nil
	}
	exists, err := client.IndexExists(ctx, i.name)
	if err != nil {
		return fmt.Errorf("index: configure %s: %w", i.name, err)
	}
	if exists {
		return nil
	}
	return i.Ensure(ctx, client, i.VersionedName())
}
