package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/objones25/factorstore/internal/storage/relational"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "factorstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv(ConfigPathEnvVar, path)
}

func setPostgresEnv(t *testing.T, section string) {
	t.Helper()
	t.Setenv("FACTORSTORE_"+section+"_POSTGRES_HOST", "db.internal")
	t.Setenv("FACTORSTORE_"+section+"_POSTGRES_PORT", "5433")
	t.Setenv("FACTORSTORE_"+section+"_POSTGRES_USER", "reader")
	t.Setenv("FACTORSTORE_"+section+"_POSTGRES_PASSWORD", "secret")
	t.Setenv("FACTORSTORE_"+section+"_POSTGRES_DBNAME", "ratings")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, BackendPostgres, cfg.Loader.Backend)
	assert.Equal(t, "ratings", cfg.Loader.Table)
	assert.Empty(t, cfg.Loader.Postgres.Host)
	assert.Equal(t, 500, cfg.Writer.BatchSize)
	assert.Equal(t, "models", cfg.Writer.MongoDB.Database)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)

	// Postgres connection details have no defaults.
	assert.Error(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Run("environment only", func(t *testing.T) {
		t.Setenv(ConfigPathEnvVar, "")
		setPostgresEnv(t, "LOADER")
		setPostgresEnv(t, "WRITER")
		t.Setenv("FACTORSTORE_WRITER_BATCH_SIZE", "250")
		t.Setenv("FACTORSTORE_CACHE_PRELOAD", "v1, v2,,v3")
		t.Setenv("FACTORSTORE_CACHE_WARM_TIMEOUT", "30s")
		t.Setenv("FACTORSTORE_UNKNOWN_SETTING", "ignored")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "db.internal", cfg.Loader.Postgres.Host)
		assert.Equal(t, 5433, cfg.Loader.Postgres.Port)
		assert.Equal(t, "reader", cfg.Writer.Postgres.User)
		assert.Equal(t, 250, cfg.Writer.BatchSize)
		assert.Equal(t, []string{"v1", "v2", "v3"}, cfg.Cache.Preload)
		assert.Equal(t, 30*time.Second, cfg.Cache.WarmTimeout)
		assert.Equal(t, "disable", cfg.Loader.Postgres.SSLMode)
	})

	t.Run("file overrides defaults and env overrides file", func(t *testing.T) {
		writeConfig(t, `
loader:
  backend: sqlite
  table: events
  sqlite:
    path: /tmp/ratings.db
writer:
  backend: redis
  batch_size: 100
  redis:
    host: cache.internal
    port: 6379
    key_prefix: "fs:"
cache:
  size: 3
  preload: [a, b]
logging:
  level: debug
  format: console
`)
		t.Setenv("FACTORSTORE_WRITER_BATCH_SIZE", "50")
		t.Setenv("FACTORSTORE_WRITER_REDIS_DB", "2")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, BackendSQLite, cfg.Loader.Backend)
		assert.Equal(t, "events", cfg.Loader.Table)
		assert.Equal(t, "/tmp/ratings.db", cfg.Loader.SQLite.Path)
		assert.Equal(t, BackendRedis, cfg.Writer.Backend)
		assert.Equal(t, "cache.internal", cfg.Writer.Redis.Host)
		assert.Equal(t, "6379", cfg.Writer.Redis.Port)
		assert.Equal(t, "fs:", cfg.Writer.Redis.KeyPrefix)
		assert.Equal(t, 2, cfg.Writer.Redis.DB)
		assert.Equal(t, 50, cfg.Writer.BatchSize)
		assert.Equal(t, 3, cfg.Cache.Size)
		assert.Equal(t, []string{"a", "b"}, cfg.Cache.Preload)
		assert.Equal(t, "console", cfg.Logging.Format)
	})

	t.Run("missing explicit file", func(t *testing.T) {
		t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "absent.yaml"))
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("malformed file", func(t *testing.T) {
		writeConfig(t, "loader: [unterminated")
		_, err := Load()
		assert.ErrorContains(t, err, "failed to load config file")
	})

	t.Run("validation failure", func(t *testing.T) {
		writeConfig(t, `
loader:
  backend: mock
writer:
  backend: cassandra
`)
		_, err := Load()
		assert.ErrorContains(t, err, "configuration validation failed")
	})
}

func TestValidate(t *testing.T) {
	mockBoth := func() *Config {
		cfg := Default()
		cfg.Loader.Backend = BackendMock
		cfg.Writer.Backend = BackendMock
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"mock backends need nothing", func(*Config) {}, ""},
		{"unknown loader", func(c *Config) { c.Loader.Backend = "mongodb" }, "Backend"},
		{"empty table", func(c *Config) { c.Loader.Table = "" }, "Table"},
		{"sqlite loader without path", func(c *Config) { c.Loader.Backend = BackendSQLite }, "loader sqlite"},
		{"mongodb without uri", func(c *Config) { c.Writer.Backend = BackendMongoDB }, "writer mongodb"},
		{"mongodb with uri", func(c *Config) {
			c.Writer.Backend = BackendMongoDB
			c.Writer.MongoDB.URI = "mongodb://localhost:27017"
		}, ""},
		{"redis without host", func(c *Config) { c.Writer.Backend = BackendRedis }, "writer redis"},
		{"badger in memory", func(c *Config) {
			c.Writer.Backend = BackendBadger
			c.Writer.Badger.InMemory = true
		}, ""},
		{"badger without path", func(c *Config) { c.Writer.Backend = BackendBadger }, "writer badger"},
		{"milvus without host", func(c *Config) { c.Writer.Backend = BackendMilvus }, "writer milvus"},
		{"postgres writer", func(c *Config) {
			c.Writer.Backend = BackendPostgres
			c.Writer.Postgres = relational.DevelopmentConfig()
		}, ""},
		{"negative batch size", func(c *Config) { c.Writer.BatchSize = -1 }, "BatchSize"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "Level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mockBoth()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestHasReader(t *testing.T) {
	assert.True(t, WriterConfig{Backend: BackendBadger}.HasReader())
	assert.False(t, WriterConfig{Backend: BackendMilvus}.HasReader())
}

func TestLoggingApply(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	require.NoError(t, LoggingConfig{Level: "warn", Format: "json"}.Apply(&buf))
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)

	assert.Error(t, LoggingConfig{Level: "loud"}.Apply(&buf))
}
