// Package config loads factorstore configuration in three layers: built-in
// defaults, an optional YAML file and FACTORSTORE_ environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/objones25/factorstore/internal/storage/badger"
	"github.com/objones25/factorstore/internal/storage/milvus"
	"github.com/objones25/factorstore/internal/storage/redis"
	"github.com/objones25/factorstore/internal/storage/relational"
)

// Backend names accepted by the loader and writer sections.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMongoDB  = "mongodb"
	BackendRedis    = "redis"
	BackendBadger   = "badger"
	BackendMilvus   = "milvus"
	BackendMock     = "mock"
)

// Config is the root configuration.
type Config struct {
	Loader  LoaderConfig  `koanf:"loader"`
	Writer  WriterConfig  `koanf:"writer"`
	Cache   CacheConfig   `koanf:"cache"`
	Logging LoggingConfig `koanf:"logging"`
}

// LoaderConfig selects the ratings store.
type LoaderConfig struct {
	Backend  string            `koanf:"backend" validate:"oneof=postgres sqlite mock"`
	Table    string            `koanf:"table" validate:"required"`
	Postgres relational.Config `koanf:"postgres" validate:"-"`
	SQLite   SQLiteConfig      `koanf:"sqlite" validate:"-"`
}

// WriterConfig selects the model store.
type WriterConfig struct {
	Backend   string `koanf:"backend" validate:"oneof=postgres sqlite mongodb redis badger milvus mock"`
	BatchSize int    `koanf:"batch_size" validate:"min=0"`

	// Verify reads every written version back and fails the write when it
	// differs from the model. Ignored for write-only backends.
	Verify        bool          `koanf:"verify"`
	VerifyTimeout time.Duration `koanf:"verify_timeout" validate:"min=0"`

	Postgres relational.Config `koanf:"postgres" validate:"-"`
	SQLite   SQLiteConfig      `koanf:"sqlite" validate:"-"`
	MongoDB  MongoConfig       `koanf:"mongodb" validate:"-"`
	Redis    redis.Config      `koanf:"redis" validate:"-"`
	Badger   badger.Config     `koanf:"badger" validate:"-"`
	Milvus   milvus.Config     `koanf:"milvus" validate:"-"`
}

// SQLiteConfig names a SQLite database file, or ":memory:".
type SQLiteConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// MongoConfig locates the document store.
type MongoConfig struct {
	URI      string `koanf:"uri" validate:"required,startswith=mongodb"`
	Database string `koanf:"database" validate:"required"`
}

// CacheConfig sizes the model cache placed in front of readers.
type CacheConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Size        int           `koanf:"size" validate:"min=0"`
	Preload     []string      `koanf:"preload"`
	WarmTimeout time.Duration `koanf:"warm_timeout" validate:"min=0"`
}

// LoggingConfig controls the global zerolog logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the built-in defaults. Connection details for remote
// stores have none and must be configured.
func Default() *Config {
	return &Config{
		Loader: LoaderConfig{
			Backend: BackendPostgres,
			Table:   "ratings",
			Postgres: relational.Config{
				SSLMode: "disable",
			},
		},
		Writer: WriterConfig{
			Backend:       BackendPostgres,
			BatchSize:     500,
			VerifyTimeout: 5 * time.Minute,
			Postgres: relational.Config{
				SSLMode: "disable",
			},
			MongoDB: MongoConfig{
				Database: "models",
			},
			Redis: redis.Config{
				DB: 0,
			},
			Milvus: milvus.Config{
				PoolSize: 2,
			},
		},
		Cache: CacheConfig{
			Enabled:     true,
			Size:        8,
			WarmTimeout: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the selected backends and their sections. Sections of
// unselected backends are not checked.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	switch c.Loader.Backend {
	case BackendPostgres:
		if err := c.Loader.Postgres.Validate(); err != nil {
			return fmt.Errorf("loader: %w", err)
		}
	case BackendSQLite:
		if err := validate.Struct(c.Loader.SQLite); err != nil {
			return fmt.Errorf("loader sqlite: %w", err)
		}
	}

	var section any
	switch c.Writer.Backend {
	case BackendPostgres:
		if err := c.Writer.Postgres.Validate(); err != nil {
			return fmt.Errorf("writer: %w", err)
		}
	case BackendSQLite:
		section = c.Writer.SQLite
	case BackendMongoDB:
		section = c.Writer.MongoDB
	case BackendRedis:
		section = c.Writer.Redis
	case BackendBadger:
		section = c.Writer.Badger
	case BackendMilvus:
		section = c.Writer.Milvus
	}
	if section != nil {
		if err := validate.Struct(section); err != nil {
			return fmt.Errorf("writer %s: %w", c.Writer.Backend, err)
		}
	}
	return nil
}

// HasReader reports whether the writer backend can read versions back.
func (w WriterConfig) HasReader() bool {
	return w.Backend != BackendMilvus
}
