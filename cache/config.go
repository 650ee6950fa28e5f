package cache

import (
	"time"

	"github.com/goliatone/go-repository-index/internal/cacheinfra"
)

// Config exposes cache configuration options for consumers of the cache package.
type Config struct {
	Capacity           int           `yaml:"capacity" envconfig:"CAPACITY"`
	NumShards          int           `yaml:"num_shards" envconfig:"NUM_SHARDS"`
	TTL                time.Duration `yaml:"ttl" envconfig:"TTL"`
	EvictionPercentage int           `yaml:"eviction_percentage" envconfig:"EVICTION_PERCENTAGE"`
	EvictionInterval   time.Duration `yaml:"eviction_interval" envconfig:"EVICTION_INTERVAL"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return convertFromInternal(cacheinfra.DefaultConfig())
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	return c.toInternal().Validate()
}

// NewCacheService constructs the default cache service implementation using the provided configuration.
func NewCacheService(cfg Config) (CacheService, error) {
	return cacheinfra.NewSturdycService(cfg.toInternal())
}

func (c Config) toInternal() cacheinfra.Config {
	return cacheinfra.Config{
		Capacity:           c.Capacity,
		NumShards:          c.NumShards,
		TTL:                c.TTL,
		EvictionPercentage: c.EvictionPercentage,
		EvictionInterval:   c.EvictionInterval,
	}
}

func convertFromInternal(cfg cacheinfra.Config) Config {
	return Config{
		Capacity:           cfg.Capacity,
		NumShards:          cfg.NumShards,
		TTL:                cfg.TTL,
		EvictionPercentage: cfg.EvictionPercentage,
		EvictionInterval:   cfg.EvictionInterval,
	}
}
