// Package config loads the engine configuration. Values are layered:
// built-in defaults, then an optional YAML file, then an optional .env file,
// then REPOINDEX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-repository-index/cache"
	"github.com/goliatone/go-repository-index/repository"
)

// EnvPrefix prefixes every environment variable, e.g. REPOINDEX_STORE_URI.
const EnvPrefix = "REPOINDEX"

const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"

	MessagingNone   = "none"
	MessagingMemory = "memory"
	MessagingNATS   = "nats"
)

// Config is the root configuration.
type Config struct {
	Store      StoreConfig       `yaml:"store" envconfig:"STORE"`
	Cache      CacheConfig       `yaml:"cache" envconfig:"CACHE"`
	Messaging  MessagingConfig   `yaml:"messaging" envconfig:"MESSAGING"`
	Repository repository.Config `yaml:"repository" envconfig:"REPOSITORY"`
	Reindex    ReindexConfig     `yaml:"reindex" envconfig:"REINDEX"`
	Logging    LoggingConfig     `yaml:"logging" envconfig:"LOGGING"`
}

type StoreConfig struct {
	Driver          string `yaml:"driver" envconfig:"DRIVER"`
	URI             string `yaml:"uri" envconfig:"URI"`
	Database        string `yaml:"database" envconfig:"DATABASE"`
	AutoCreateIndex bool   `yaml:"auto_create_index" envconfig:"AUTO_CREATE_INDEX"`
}

// CacheConfig switches the repository cache on and sizes it.
type CacheConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`

	cache.Config `yaml:",inline"`
}

type MessagingConfig struct {
	Driver        string        `yaml:"driver" envconfig:"DRIVER"`
	URL           string        `yaml:"url" envconfig:"URL"`
	Stream        string        `yaml:"stream" envconfig:"STREAM"`
	SubjectPrefix string        `yaml:"subject_prefix" envconfig:"SUBJECT_PREFIX"`
	MemoryStorage bool          `yaml:"memory_storage" envconfig:"MEMORY_STORAGE"`
	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

type ReindexConfig struct {
	BatchSize       int           `yaml:"batch_size" envconfig:"BATCH_SIZE"`
	CursorKeepAlive time.Duration `yaml:"cursor_keep_alive" envconfig:"CURSOR_KEEP_ALIVE"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

// Default returns a configuration that runs fully in memory.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver:          StoreMemory,
			Database:        "repository",
			AutoCreateIndex: true,
		},
		Cache: CacheConfig{
			Enabled: true,
			Config:  cache.DefaultConfig(),
		},
		Messaging: MessagingConfig{
			Driver:        MessagingMemory,
			Stream:        "ENTITIES",
			SubjectPrefix: "entities",
			Timeout:       5 * time.Second,
		},
		Repository: repository.DefaultConfig(),
		Reindex: ReindexConfig{
			BatchSize:       500,
			CursorKeepAlive: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from the defaults, the YAML file at path and the
// environment. An empty path skips the file. A .env file in the working
// directory is read when present; it never overrides variables that are
// already set.
func Load(path string) (Config, error) {
	return load(path, ".env")
}

func load(path, dotenv string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := loadDotEnv(dotenv); err != nil {
		return Config{}, err
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := validation.ValidateStruct(&c.Store,
		validation.Field(&c.Store.Driver, validation.Required, validation.In(StoreMemory, StoreMongo)),
		validation.Field(&c.Store.URI, validation.When(c.Store.Driver == StoreMongo, validation.Required)),
		validation.Field(&c.Store.Database, validation.When(c.Store.Driver == StoreMongo, validation.Required)),
	); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if c.Cache.Enabled {
		if err := c.Cache.Config.Validate(); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}

	if err := validation.ValidateStruct(&c.Messaging,
		validation.Field(&c.Messaging.Driver, validation.Required, validation.In(MessagingNone, MessagingMemory, MessagingNATS)),
		validation.Field(&c.Messaging.URL, validation.When(c.Messaging.Driver == MessagingNATS, validation.Required)),
		validation.Field(&c.Messaging.Stream, validation.When(c.Messaging.Driver == MessagingNATS, validation.Required)),
		validation.Field(&c.Messaging.Timeout, validation.Min(time.Duration(0))),
	); err != nil {
		return fmt.Errorf("messaging: %w", err)
	}

	if err := c.Repository.Validate(); err != nil {
		return fmt.Errorf("repository: %w", err)
	}

	if err := validation.ValidateStruct(&c.Reindex,
		validation.Field(&c.Reindex.BatchSize, validation.Min(1)),
		validation.Field(&c.Reindex.CursorKeepAlive, validation.Min(time.Second)),
	); err != nil {
		return fmt.Errorf("reindex: %w", err)
	}

	if err := validation.ValidateStruct(&c.Logging,
		validation.Field(&c.Logging.Level, validation.In("debug", "info", "warn", "error", "DEBUG", "INFO", "WARN", "ERROR")),
		validation.Field(&c.Logging.Format, validation.In("text", "json")),
	); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
