package manager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/objones25/factorstore/internal/config"
	"github.com/objones25/factorstore/internal/storage"
	"github.com/objones25/factorstore/internal/storage/cache"
	"github.com/objones25/factorstore/internal/storage/mock"
	"github.com/objones25/factorstore/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(writer string) *config.Config {
	cfg := config.Default()
	cfg.Loader.Backend = config.BackendMock
	cfg.Writer.Backend = writer
	cfg.Writer.BatchSize = 3
	return cfg
}

func openManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()
	m, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("badger writer with cache and verification", func(t *testing.T) {
		cfg := testConfig(config.BackendBadger)
		cfg.Writer.Badger.InMemory = true
		cfg.Writer.Verify = true
		m := openManager(t, cfg)

		snap := storagetest.RandomSnapshot(1, 4, 7, 5)
		require.NoError(t, m.Write(ctx, snap, "v1"))

		r, ok := m.Reader()
		require.True(t, ok)
		assert.IsType(t, &cache.ModelCache{}, r)

		stored, err := m.Read(ctx, "v1")
		require.NoError(t, err)
		storagetest.AssertRoundTrip(t, snap, "v1", stored)
		assert.True(t, m.cache.Contains("v1"))

		err = m.Write(ctx, snap, "v1")
		assert.True(t, storage.IsDuplicateVersion(err))
	})

	t.Run("sqlite writer", func(t *testing.T) {
		cfg := testConfig(config.BackendSQLite)
		cfg.Writer.SQLite.Path = filepath.Join(t.TempDir(), "models.db")
		cfg.Cache.Enabled = false
		m := openManager(t, cfg)

		snap := storagetest.RandomSnapshot(2, 2, 4, 4)
		require.NoError(t, m.Write(ctx, snap, "v1"))

		r, ok := m.Reader()
		require.True(t, ok)
		assert.NotNil(t, r)
		assert.Nil(t, m.cache)

		stored, err := m.Read(ctx, "v1")
		require.NoError(t, err)
		storagetest.AssertRoundTrip(t, snap, "v1", stored)
	})

	t.Run("sqlite loader", func(t *testing.T) {
		cfg := testConfig(config.BackendMock)
		cfg.Loader.Backend = config.BackendSQLite
		cfg.Loader.SQLite.Path = filepath.Join(t.TempDir(), "ratings.db")
		m := openManager(t, cfg)

		_, err := m.Loader().FetchAll(ctx)
		assert.True(t, storage.IsStoreUnavailable(err), "table does not exist: %v", err)
	})

	t.Run("redis writer reports health", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig(config.BackendRedis)
		cfg.Writer.Redis.Host = mr.Host()
		cfg.Writer.Redis.Port = mr.Port()
		m := openManager(t, cfg)

		require.NoError(t, m.Health(ctx))
		require.NoError(t, m.Write(ctx, storagetest.RandomSnapshot(3, 2, 2, 2), "v1"))

		mr.Close()
		assert.Error(t, m.Health(ctx))
	})

	t.Run("mock loader and writer share a store", func(t *testing.T) {
		m := openManager(t, testConfig(config.BackendMock))
		require.NotNil(t, m.mock)

		m.mock.AddRatings(storage.Rating{UserID: "u1", ItemID: "p1", Value: 4, Timestamp: storagetest.Base})
		ts, err := m.Loader().LatestTimestamp(ctx)
		require.NoError(t, err)
		assert.True(t, ts.Equal(storagetest.Base))

		require.NoError(t, m.Write(ctx, storagetest.RandomSnapshot(4, 2, 1, 1), "v1"))
		assert.Equal(t, 1, m.mock.RecordCount(storage.CollectionModels))
	})

	t.Run("preload warms the cache", func(t *testing.T) {
		dir := t.TempDir()
		cfg := testConfig(config.BackendBadger)
		cfg.Writer.Badger.Path = dir

		first := openManager(t, cfg)
		require.NoError(t, first.Write(ctx, storagetest.RandomSnapshot(5, 2, 2, 2), "v1"))
		require.NoError(t, first.Close())

		cfg.Cache.Preload = []string{"v1", "missing"}
		cfg.Cache.WarmTimeout = 10 * time.Second
		second := openManager(t, cfg)
		assert.True(t, second.cache.Contains("v1"))
		assert.False(t, second.cache.Contains("missing"))
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := Open(ctx, nil)
		assert.Error(t, err)

		cfg := testConfig(config.BackendRedis)
		_, err = Open(ctx, cfg)
		assert.ErrorContains(t, err, "writer redis")
	})

	t.Run("unreachable writer closes the loader", func(t *testing.T) {
		cfg := testConfig(config.BackendRedis)
		cfg.Loader.Backend = config.BackendSQLite
		cfg.Loader.SQLite.Path = filepath.Join(t.TempDir(), "ratings.db")
		cfg.Writer.Redis.Host = "127.0.0.1"
		cfg.Writer.Redis.Port = "1"

		_, err := Open(ctx, cfg)
		require.Error(t, err)
		assert.True(t, storage.IsStoreUnavailable(err))
	})
}

func TestWriteVerification(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig(config.BackendMock)
	cfg.Writer.Verify = true
	m := openManager(t, cfg)

	require.NoError(t, m.Write(ctx, storagetest.RandomSnapshot(1, 2, 3, 3), "ok"))

	m.mock.SetError(mock.OpInsertProducts, storage.Unavailable("mock", "insert", assert.AnError))
	err := m.Write(ctx, storagetest.RandomSnapshot(2, 2, 3, 3), "partial")
	assert.True(t, storage.IsPartialWrite(err))
	assert.NotErrorIs(t, err, ErrVerificationFailed)
}

func TestManagerWithoutReader(t *testing.T) {
	m := &Manager{}
	_, ok := m.Reader()
	assert.False(t, ok)

	_, err := m.Read(context.Background(), "v1")
	assert.ErrorIs(t, err, ErrNoReader)
	assert.NoError(t, m.Health(context.Background()))
	assert.NoError(t, m.Close())
}
