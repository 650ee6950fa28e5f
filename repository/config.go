package repository

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config holds the repository defaults. Zero values are replaced by the
// defaults below, except NotificationDelay where zero means "publish now".
type Config struct {
	DefaultCacheTTL            time.Duration `yaml:"default_cache_ttl" envconfig:"DEFAULT_CACHE_TTL"`
	RecentlyDeletedTTL         time.Duration `yaml:"recently_deleted_ttl" envconfig:"RECENTLY_DELETED_TTL"`
	NotificationDelay          time.Duration `yaml:"notification_delay" envconfig:"NOTIFICATION_DELAY"`
	DefaultPageLimit           int           `yaml:"default_page_limit" envconfig:"DEFAULT_PAGE_LIMIT"`
	BatchSize                  int           `yaml:"batch_size" envconfig:"BATCH_SIZE"`
	CursorKeepAlive            time.Duration `yaml:"cursor_keep_alive" envconfig:"CURSOR_KEEP_ALIVE"`
	NotificationBatchThreshold int           `yaml:"notification_batch_threshold" envconfig:"NOTIFICATION_BATCH_THRESHOLD"`
	SoftDeleteField            string        `yaml:"soft_delete_field" envconfig:"SOFT_DELETE_FIELD"`

	Clock func() time.Time `yaml:"-" ignored:"true"`
}

// DefaultConfig returns the stock repository settings.
func DefaultConfig() Config {
	return Config{
		DefaultCacheTTL:            5 * time.Minute,
		RecentlyDeletedTTL:         30 * time.Second,
		NotificationDelay:          time.Second,
		DefaultPageLimit:           10,
		BatchSize:                  500,
		CursorKeepAlive:            5 * time.Minute,
		NotificationBatchThreshold: 100,
		SoftDeleteField:            "is_deleted",
		Clock:                      time.Now,
	}
}

// Validate checks the configured values
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.DefaultCacheTTL, validation.Min(time.Duration(0))),
		validation.Field(&c.RecentlyDeletedTTL, validation.Min(time.Duration(0))),
		validation.Field(&c.NotificationDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.DefaultPageLimit, validation.Min(0)),
		validation.Field(&c.BatchSize, validation.Min(0)),
		validation.Field(&c.CursorKeepAlive, validation.Min(time.Duration(0))),
		validation.Field(&c.NotificationBatchThreshold, validation.Min(0)),
	)
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultCacheTTL <= 0 {
		c.DefaultCacheTTL = d.DefaultCacheTTL
	}
	if c.RecentlyDeletedTTL <= 0 {
		c.RecentlyDeletedTTL = d.RecentlyDeletedTTL
	}
	if c.NotificationDelay < 0 {
		c.NotificationDelay = 0
	}
	if c.DefaultPageLimit <= 0 {
		c.DefaultPageLimit = d.DefaultPageLimit
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.CursorKeepAlive <= 0 {
		c.CursorKeepAlive = d.CursorKeepAlive
	}
	if c.NotificationBatchThreshold <= 0 {
		c.NotificationBatchThreshold = d.NotificationBatchThreshold
	}
	if c.SoftDeleteField == "" {
		c.SoftDeleteField = d.SoftDeleteField
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	return c
}
