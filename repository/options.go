package repository

import (
	"log/slog"
	"time"

	"github.com/goliatone/go-repository-index/cache"
	"github.com/goliatone/go-repository-index/messaging"
	"github.com/goliatone/go-repository-index/store"
)

// SoftDeleteMode selects which documents of a soft-deletable type a read
// returns.
type SoftDeleteMode int

const (
	ActiveOnly SoftDeleteMode = iota
	DeletedOnly
	All
)

func (m SoftDeleteMode) String() string {
	switch m {
	case ActiveOnly:
		return "active_only"
	case DeletedOnly:
		return "deleted_only"
	case All:
		return "all"
	}
	return "unknown"
}

// Option tunes a single repository call.
type Option func(*callOptions)

type callOptions struct {
	cache          bool
	cacheTTL       time.Duration
	notify         bool
	immediate      bool
	page           int
	limit          int
	cursor         bool
	keepAlive      time.Duration
	sort           []store.SortField
	softDelete     SoftDeleteMode
	softDeleteSet  bool
	tolerate       bool
	skipValidation bool
}

// WithCache reads through and populates the entity cache.
func WithCache() Option {
	return func(o *callOptions) { o.cache = true }
}

// WithCacheTTL enables caching with a TTL other than the repository default.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *callOptions) {
		o.cache = true
		o.cacheTTL = ttl
	}
}

// WithNotifications toggles outbound change notifications, on by default.
func WithNotifications(enabled bool) Option {
	return func(o *callOptions) { o.notify = enabled }
}

// WithImmediateConsistency refreshes the touched indices as part of the
// write so the change is searchable when the call returns.
func WithImmediateConsistency() Option {
	return func(o *callOptions) { o.immediate = true }
}

// WithPaging selects a 1-based page of limit results.
func WithPaging(page, limit int) Option {
	return func(o *callOptions) {
		o.page = page
		o.limit = limit
	}
}

// WithLimit sets the page size.
func WithLimit(limit int) Option {
	return func(o *callOptions) { o.limit = limit }
}

// WithCursor pages through a server-side snapshot instead of offsets.
// Cursor results are never cached.
func WithCursor(keepAlive time.Duration) Option {
	return func(o *callOptions) {
		o.cursor = true
		o.keepAlive = keepAlive
	}
}

func WithSort(fields ...store.SortField) Option {
	return func(o *callOptions) { o.sort = append(o.sort, fields...) }
}

func WithSoftDeleteMode(mode SoftDeleteMode) Option {
	return func(o *callOptions) {
		o.softDelete = mode
		o.softDeleteSet = true
	}
}

// TolerateFailures makes a partially failed bulk write succeed. Failed
// documents are logged.
func TolerateFailures() Option {
	return func(o *callOptions) { o.tolerate = true }
}

// SkipValidation bypasses the document validator.
func SkipValidation() Option {
	return func(o *callOptions) { o.skipValidation = true }
}

func (r *ReadOnlyRepository[T]) options(opts []Option) callOptions {
	o := callOptions{notify: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.cacheTTL <= 0 {
		o.cacheTTL = r.cfg.DefaultCacheTTL
	}
	if o.page <= 0 {
		o.page = 1
	}
	if o.limit <= 0 {
		o.limit = r.cfg.DefaultPageLimit
	}
	if o.cursor && o.keepAlive <= 0 {
		o.keepAlive = r.cfg.CursorKeepAlive
	}
	return o
}

// RepositoryOption configures a repository at construction.
type RepositoryOption func(*settings)

type settings struct {
	cfg       Config
	logger    *slog.Logger
	cache     cache.CacheService
	keys      cache.KeySerializer
	publisher messaging.Publisher
	entity    string
	validator any
}

func WithConfig(cfg Config) RepositoryOption {
	return func(s *settings) { s.cfg = cfg }
}

func WithLogger(logger *slog.Logger) RepositoryOption {
	return func(s *settings) { s.logger = logger }
}

// WithCacheService enables the entity cache and keeps the recently-deleted
// set in service.
func WithCacheService(service cache.CacheService) RepositoryOption {
	return func(s *settings) { s.cache = service }
}

// WithKeySerializer sets the serializer used to fingerprint queries for the
// page cache.
func WithKeySerializer(serializer cache.KeySerializer) RepositoryOption {
	return func(s *settings) { s.keys = serializer }
}

func WithPublisher(publisher messaging.Publisher) RepositoryOption {
	return func(s *settings) { s.publisher = publisher }
}

// WithEntityName overrides the name used for cache scopes and
// notifications, which defaults to the document type name.
func WithEntityName(name string) RepositoryOption {
	return func(s *settings) { s.entity = name }
}

// WithValidator replaces the default validator, which calls Validate on
// documents implementing validation.Validatable.
func WithValidator[T any](v Validator[T]) RepositoryOption {
	return func(s *settings) { s.validator = v }
}
