package di

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/goliatone/go-repository-index/cache"
	"github.com/goliatone/go-repository-index/config"
	"github.com/goliatone/go-repository-index/index"
	"github.com/goliatone/go-repository-index/internal/logging"
	"github.com/goliatone/go-repository-index/messaging"
	"github.com/goliatone/go-repository-index/messaging/natsbus"
	"github.com/goliatone/go-repository-index/model"
	"github.com/goliatone/go-repository-index/reindex"
	"github.com/goliatone/go-repository-index/repository"
	"github.com/goliatone/go-repository-index/store"
	"github.com/goliatone/go-repository-index/store/memstore"
	"github.com/goliatone/go-repository-index/store/mongostore"
)

// Container owns the shared dependencies of the repositories: the store
// client, the cache service, the change publisher and the logger. It builds
// repositories and reindexers wired to them.
type Container struct {
	config        config.Config
	logger        *slog.Logger
	client        store.Client
	cacheService  cache.CacheService
	keySerializer cache.KeySerializer
	publisher     messaging.Publisher

	closers []func(context.Context) error
}

// NewContainer connects the backends selected in cfg.
func NewContainer(ctx context.Context, cfg config.Config) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("di: %w", err)
	}

	c := &Container{
		config:        cfg,
		logger:        logging.New(cfg.Logging.Level, cfg.Logging.Format, nil),
		keySerializer: cache.NewDefaultKeySerializer(),
	}

	if cfg.Cache.Enabled {
		svc, err := cache.NewCacheService(cfg.Cache.Config)
		if err != nil {
			return nil, fmt.Errorf("di: cache: %w", err)
		}
		c.cacheService = svc
	}

	if err := c.connectStore(ctx); err != nil {
		return nil, err
	}
	if err := c.connectPublisher(ctx); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	return c, nil
}

// NewContainerWithDefaults builds an in-memory container from config.Default.
func NewContainerWithDefaults() (*Container, error) {
	return NewContainer(context.Background(), config.Default())
}

func (c *Container) connectStore(ctx context.Context) error {
	cfg := c.config.Store
	switch cfg.Driver {
	case config.StoreMongo:
		s, err := mongostore.Connect(ctx, cfg.URI, cfg.Database,
			mongostore.WithLogger(c.logger),
			mongostore.WithAutoCreateIndex(cfg.AutoCreateIndex),
		)
		if err != nil {
			return fmt.Errorf("di: store: %w", err)
		}
		c.client = s
	default:
		c.client = memstore.New(memstore.WithAutoCreateIndex(cfg.AutoCreateIndex))
	}
	c.closers = append(c.closers, c.client.Close)
	return nil
}

func (c *Container) connectPublisher(ctx context.Context) error {
	cfg := c.config.Messaging
	switch cfg.Driver {
	case config.MessagingNATS:
		p, closeConn, err := natsbus.Connect(ctx, cfg.URL, natsbus.Options{
			StreamName:     cfg.Stream,
			SubjectPrefix:  cfg.SubjectPrefix,
			MemoryStorage:  cfg.MemoryStorage,
			PublishTimeout: cfg.Timeout,
			Logger:         c.logger,
		})
		if err != nil {
			return fmt.Errorf("di: messaging: %w", err)
		}
		c.publisher = p
		c.closers = append(c.closers, func(context.Context) error {
			p.Wait()
			return closeConn()
		})
	case config.MessagingMemory:
		c.publisher = messaging.NewMemoryPublisher(c.logger)
	default:
		c.publisher = messaging.NoopPublisher{}
	}
	return nil
}

// CacheService returns the shared cache service, or nil when caching is
// disabled.
func (c *Container) CacheService() cache.CacheService {
	return c.cacheService
}

// KeySerializer returns the serializer used for query fingerprints.
func (c *Container) KeySerializer() cache.KeySerializer {
	return c.keySerializer
}

// Config returns the configuration the container was built from.
func (c *Container) Config() config.Config {
	return c.config
}

func (c *Container) Logger() *slog.Logger           { return c.logger }
func (c *Container) Store() store.Client            { return c.client }
func (c *Container) Publisher() messaging.Publisher { return c.publisher }

// NewIndex declares a logical index and creates its physical index when it
// is not date sharded.
func (c *Container) NewIndex(ctx context.Context, name string, opts ...index.Option) (*index.Index, error) {
	idx := index.New(name, opts...)
	if err := idx.Configure(ctx, c.client); err != nil {
		return nil, fmt.Errorf("di: configure index %s: %w", name, err)
	}
	return idx, nil
}

// Reindexer returns a reindexer over the container's store.
func (c *Container) Reindexer() (*reindex.Reindexer, error) {
	return reindex.New(c.client,
		reindex.WithLogger(c.logger),
		reindex.WithBatchSize(c.config.Reindex.BatchSize),
		reindex.WithCursorKeepAlive(c.config.Reindex.CursorKeepAlive),
	)
}

// Close releases the backends in reverse order of creation.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) repositoryOptions(opts []repository.RepositoryOption) []repository.RepositoryOption {
	base := []repository.RepositoryOption{
		repository.WithConfig(c.config.Repository),
		repository.WithLogger(c.logger),
		repository.WithPublisher(c.publisher),
		repository.WithKeySerializer(c.keySerializer),
	}
	if c.cacheService != nil {
		base = append(base, repository.WithCacheService(c.cacheService))
	}
	return append(base, opts...)
}

// NewRepository builds a repository for T over idx. Options given here are
// applied after the container's, so they win.
//
// Since Go methods cannot have type parameters, this is provided as a package-level function.
// Example: NewRepository[*Order](container, ordersIndex)
func NewRepository[T model.Identity](c *Container, idx *index.Index, opts ...repository.RepositoryOption) (*repository.Repository[T], error) {
	return repository.New[T](c.client, idx, c.repositoryOptions(opts)...)
}

// NewReadOnlyRepository builds a read-only repository for T over idx.
func NewReadOnlyRepository[T model.Identity](c *Container, idx *index.Index, opts ...repository.RepositoryOption) (*repository.ReadOnlyRepository[T], error) {
	return repository.NewReadOnly[T](c.client, idx, c.repositoryOptions(opts)...)
}
