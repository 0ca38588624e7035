// Package manager assembles the configured ratings loader and model store,
// wrapping them with metrics and the model cache.
package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/objones25/factorstore/internal/config"
	"github.com/objones25/factorstore/internal/storage"
	"github.com/objones25/factorstore/internal/storage/badger"
	"github.com/objones25/factorstore/internal/storage/cache"
	"github.com/objones25/factorstore/internal/storage/document"
	"github.com/objones25/factorstore/internal/storage/milvus"
	"github.com/objones25/factorstore/internal/storage/mock"
	"github.com/objones25/factorstore/internal/storage/monitor"
	"github.com/objones25/factorstore/internal/storage/redis"
	"github.com/objones25/factorstore/internal/storage/relational"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	// ErrNoReader is returned by Read when the writer backend is write-only
	ErrNoReader = errors.New("model store does not support reads")

	// ErrVerificationFailed is returned by Write when the version read back
	// differs from the model
	ErrVerificationFailed = errors.New("written version does not match model")
)

type healthChecker interface {
	Health(ctx context.Context) error
}

// Manager owns every backend opened for a Config.
type Manager struct {
	loader   storage.DataLoader
	writer   storage.ModelWriter
	reader   storage.ModelReader // nil for write-only backends
	cache    *cache.ModelCache   // nil when disabled or without reader
	verifier *monitor.Verifier   // nil unless verification is enabled

	mock    *mock.MockStore // shared by mock loader and writer
	cfg     *config.Config
	health  []healthChecker
	closers []func() error
	logger  zerolog.Logger
}

// Open connects the configured loader and writer. Anything opened before a
// failure is closed again.
func Open(ctx context.Context, cfg *config.Config) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		logger: log.With().Str("component", "storage_manager").Logger(),
	}

	var shared *mock.MockStore
	if cfg.Loader.Backend == config.BackendMock || cfg.Writer.Backend == config.BackendMock {
		shared = mock.NewMockStore()
		m.mock = shared
	}

	loader, err := m.openLoader(ctx, shared)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to open loader: %w", err)
	}
	m.loader = monitor.Loader(cfg.Loader.Backend, loader)

	writer, reader, err := m.openWriter(ctx, shared)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to open writer: %w", err)
	}
	m.writer = monitor.Writer(cfg.Writer.Backend, writer)

	if reader != nil {
		m.reader = monitor.Reader(cfg.Writer.Backend, reader)
		if cfg.Writer.Verify {
			m.verifier = monitor.NewVerifier(cfg.Writer.Backend, m.reader, cfg.Writer.VerifyTimeout)
		}
		if cfg.Cache.Enabled {
			if m.cache, err = cache.New(m.reader, cfg.Cache.Size); err != nil {
				m.Close()
				return nil, err
			}
			if len(cfg.Cache.Preload) > 0 {
				result := m.cache.Warm(ctx, cache.WarmerConfig{Timeout: cfg.Cache.WarmTimeout}, cfg.Cache.Preload...)
				for _, err := range result.Errors {
					m.logger.Warn().Err(err).Msg("Failed to preload model version")
				}
			}
		}
	} else if cfg.Writer.Verify {
		m.logger.Warn().Str("backend", cfg.Writer.Backend).Msg("Write verification disabled for write-only backend")
	}

	m.logger.Info().
		Str("loader", cfg.Loader.Backend).
		Str("writer", cfg.Writer.Backend).
		Bool("reader", m.reader != nil).
		Bool("cache", m.cache != nil).
		Bool("verify", m.verifier != nil).
		Msg("Storage manager initialized")
	return m, nil
}

func (m *Manager) onClose(fn func() error) {
	m.closers = append(m.closers, fn)
}

func (m *Manager) openLoader(ctx context.Context, shared *mock.MockStore) (storage.DataLoader, error) {
	cfg := m.cfg.Loader
	switch cfg.Backend {
	case config.BackendPostgres, config.BackendSQLite:
		db, err := m.openRelational(ctx, cfg.Backend, cfg.Postgres, cfg.SQLite)
		if err != nil {
			return nil, err
		}
		l := relational.NewLoader(db, relational.WithTable(cfg.Table))
		m.onClose(l.Close)
		return l, nil
	case config.BackendMock:
		return shared, nil
	default:
		return nil, fmt.Errorf("unknown loader backend %q", cfg.Backend)
	}
}

func (m *Manager) openWriter(ctx context.Context, shared *mock.MockStore) (storage.ModelWriter, storage.ModelReader, error) {
	cfg := m.cfg.Writer
	switch cfg.Backend {
	case config.BackendPostgres, config.BackendSQLite:
		db, err := m.openRelational(ctx, cfg.Backend, cfg.Postgres, cfg.SQLite)
		if err != nil {
			return nil, nil, err
		}
		w := relational.NewWriter(db, relational.WithBatchSize(cfg.BatchSize))
		m.onClose(w.Close)
		if err := w.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		return w, w, nil

	case config.BackendMongoDB:
		s, err := document.Open(ctx, cfg.MongoDB.URI,
			document.WithDatabase(cfg.MongoDB.Database),
			document.WithBatchSize(cfg.BatchSize),
		)
		if err != nil {
			return nil, nil, err
		}
		m.onClose(s.Close)
		return s, s, nil

	case config.BackendRedis:
		rc := cfg.Redis
		if rc.BatchSize == 0 {
			rc.BatchSize = cfg.BatchSize
		}
		s, err := redis.New(ctx, rc)
		if err != nil {
			return nil, nil, err
		}
		m.onClose(s.Close)
		m.health = append(m.health, s)
		return s, s, nil

	case config.BackendBadger:
		bc := cfg.Badger
		if bc.BatchSize == 0 {
			bc.BatchSize = cfg.BatchSize
		}
		s, err := badger.Open(bc)
		if err != nil {
			return nil, nil, err
		}
		m.onClose(s.Close)
		return s, s, nil

	case config.BackendMilvus:
		mc := cfg.Milvus
		if mc.BatchSize == 0 {
			mc.BatchSize = cfg.BatchSize
		}
		w, err := milvus.New(ctx, mc)
		if err != nil {
			return nil, nil, err
		}
		m.onClose(w.Close)
		return w, nil, nil

	case config.BackendMock:
		return shared, shared, nil

	default:
		return nil, nil, fmt.Errorf("unknown writer backend %q", cfg.Backend)
	}
}

func (m *Manager) openRelational(ctx context.Context, backend string, pg relational.Config, lite config.SQLiteConfig) (*gorm.DB, error) {
	if backend == config.BackendSQLite {
		return relational.OpenSQLite(ctx, lite.Path)
	}
	return relational.Open(ctx, pg)
}

// Loader returns the instrumented ratings loader.
func (m *Manager) Loader() storage.DataLoader {
	return m.loader
}

// Reader returns the cached model reader, or false for write-only backends.
func (m *Manager) Reader() (storage.ModelReader, bool) {
	switch {
	case m.cache != nil:
		return m.cache, true
	case m.reader != nil:
		return m.reader, true
	default:
		return nil, false
	}
}

// Write stores model under version and, when enabled, reads it back to
// verify it.
func (m *Manager) Write(ctx context.Context, model storage.Model, version string) error {
	if err := m.writer.Write(ctx, model, version); err != nil {
		return err
	}
	if m.verifier == nil {
		return nil
	}

	result, err := m.verifier.Verify(ctx, model, version)
	if err != nil {
		return fmt.Errorf("failed to verify %s: %w", version, err)
	}
	if !result.Consistent() {
		return fmt.Errorf("%w: %s has %d missing, %d mismatched and %d extra records",
			ErrVerificationFailed, version, result.Missing, result.Mismatches, result.Extra)
	}
	return nil
}

// Read returns a stored version through the cache.
func (m *Manager) Read(ctx context.Context, version string) (*storage.StoredModel, error) {
	r, ok := m.Reader()
	if !ok {
		return nil, ErrNoReader
	}
	return r.Read(ctx, version)
}

// Health checks every backend that supports it.
func (m *Manager) Health(ctx context.Context) error {
	var errs []error
	for _, h := range m.health {
		errs = append(errs, h.Health(ctx))
	}
	return errors.Join(errs...)
}

// Close releases backends in reverse order of opening.
func (m *Manager) Close() error {
	var errs []error
	for _, closeFn := range slices.Backward(m.closers) {
		errs = append(errs, closeFn())
	}
	m.closers = nil
	return errors.Join(errs...)
}

var (
	_ storage.ModelWriter = (*Manager)(nil)
	_ storage.ModelReader = (*Manager)(nil)
)
