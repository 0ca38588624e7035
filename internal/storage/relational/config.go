// Package relational implements the ratings loader and a model store on top
// of gorm. Postgres is the production dialect; SQLite serves embedded use and
// tests.
package relational

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/glebarez/sqlite"
	"github.com/go-playground/validator/v10"
	"github.com/objones25/factorstore/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const defaultTable = "ratings"

// Config holds the Postgres connection parameters. Every field except
// SSLMode is required; Open never fills in missing values.
type Config struct {
	Host     string `koanf:"host" validate:"required"`
	Port     int    `koanf:"port" validate:"required,min=1,max=65535"`
	User     string `koanf:"user" validate:"required"`
	Password string `koanf:"password" validate:"required"`
	DBName   string `koanf:"dbname" validate:"required"`
	SSLMode  string `koanf:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
}

// DevelopmentConfig returns the local development fallbacks. Production
// deployments must supply every field explicitly.
func DevelopmentConfig() Config {
	return Config{
		Host:     "127.0.0.1",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		DBName:   "postgres",
		SSLMode:  "disable",
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports missing or malformed connection parameters
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid postgres config: %w", err)
	}
	return nil
}

// DSN renders the config as a postgres URL.
func (c Config) DSN() string {
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	q.Set("TimeZone", "UTC")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.DBName,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Open validates cfg and connects to Postgres.
func Open(ctx context.Context, cfg Config) (*gorm.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return open(ctx, postgres.Open(cfg.DSN()))
}

// OpenSQLite opens an SQLite database at path; ":memory:" is accepted.
func OpenSQLite(ctx context.Context, path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	return open(ctx, sqlite.Open(path))
}

// open connects with a single pooled connection and releases it again if
// the first ping fails.
func open(ctx context.Context, dialector gorm.Dialector) (*gorm.DB, error) {
	backend := dialector.Name()

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:               gormlogger.Discard,
		TranslateError:       true,
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, storage.Unavailable(backend, "Open", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, storage.Unavailable(backend, "Open", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, storage.Unavailable(backend, "Open", err)
	}
	return db, nil
}

// closeDB releases the pool behind db.
func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type options struct {
	table     string
	batchSize int
	logger    zerolog.Logger
}

// Option configures a Loader or Writer.
type Option func(*options)

// WithTable overrides the ratings table name.
func WithTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.table = name
		}
	}
}

// WithBatchSize sets the number of factor rows a Writer inserts per
// statement.
func WithBatchSize(n int) Option {
	return func(o *options) {
		o.batchSize = n
	}
}

// WithLogger sets the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func newOptions(component string, opts ...Option) options {
	o := options{
		table:  defaultTable,
		logger: log.With().Str("component", component).Logger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
