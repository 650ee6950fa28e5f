package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, 500, cfg.Repository.BatchSize)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
store:
  driver: mongo
  uri: mongodb://localhost:27017
  database: orders
cache:
  enabled: true
  ttl: 2m
repository:
  batch_size: 50
  notification_delay: 0s
logging:
  format: json
`)

	cfg, err := load(path, "")
	require.NoError(t, err)
	assert.Equal(t, StoreMongo, cfg.Store.Driver)
	assert.Equal(t, "orders", cfg.Store.Database)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 50, cfg.Repository.BatchSize)
	assert.Zero(t, cfg.Repository.NotificationDelay)
	assert.Equal(t, "is_deleted", cfg.Repository.SoftDeleteField)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	path := writeFile(t, "config.yaml", "repository:\n  batch_size: 50\n")
	t.Setenv("REPOINDEX_REPOSITORY_BATCH_SIZE", "75")
	t.Setenv("REPOINDEX_CACHE_TTL", "90s")
	t.Setenv("REPOINDEX_MESSAGING_DRIVER", "none")

	cfg, err := load(path, "")
	require.NoError(t, err)
	assert.Equal(t, 75, cfg.Repository.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, MessagingNone, cfg.Messaging.Driver)
}

func TestLoad_DotEnv(t *testing.T) {
	const key = "REPOINDEX_LOGGING_LEVEL"
	t.Cleanup(func() { _ = os.Unsetenv(key) })
	dotenv := writeFile(t, ".env", key+"=debug\n")

	cfg, err := load("", dotenv)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)

	cfg, err = load("", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("mongo without uri", func(t *testing.T) {
		t.Setenv("REPOINDEX_STORE_DRIVER", "mongo")
		_, err := load("", "")
		assert.ErrorContains(t, err, "store")
	})

	t.Run("nats without url", func(t *testing.T) {
		t.Setenv("REPOINDEX_MESSAGING_DRIVER", "nats")
		_, err := load("", "")
		assert.ErrorContains(t, err, "messaging")
	})

	t.Run("unknown driver", func(t *testing.T) {
		path := writeFile(t, "config.yaml", "store:\n  driver: redis\n")
		_, err := load(path, "")
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := writeFile(t, "config.yaml", "store: [")
		_, err := load(path, "")
		assert.ErrorContains(t, err, "parse config")
	})
}
