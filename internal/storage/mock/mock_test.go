package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/objones25/factorstore/internal/storage"
	"github.com/objones25/factorstore/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockLoader(t *testing.T) {
	storagetest.RunLoaderSuite(t, func(t *testing.T) storagetest.LoaderHarness {
		m := NewMockStore()
		return storagetest.LoaderHarness{
			Loader: m,
			Insert: func(t *testing.T, ratings ...storage.Rating) { m.AddRatings(ratings...) },
		}
	})
}

func TestMockWriter(t *testing.T) {
	storagetest.RunWriterSuite(t, func(t *testing.T) storagetest.WriterHarness {
		m := NewMockStore()
		return storagetest.WriterHarness{Writer: m, Reader: m}
	})
}

func TestMockFailures(t *testing.T) {
	ctx := context.Background()
	down := storage.Unavailable(backendName, "test", errors.New("connection reset"))

	t.Run("loader errors propagate", func(t *testing.T) {
		m := NewMockStore()
		m.AddRatings(storage.Rating{UserID: "u1", ItemID: "p1", Value: 1, Timestamp: storagetest.Base})
		m.SetError(OpFetchAll, down)
		m.SetError(OpLatestTimestamp, down)

		_, err := m.FetchAll(ctx)
		assert.True(t, storage.IsStoreUnavailable(err))

		_, err = m.LatestTimestamp(ctx)
		assert.True(t, storage.IsStoreUnavailable(err))
		assert.False(t, storage.IsEmptyStore(err))

		m.SetError(OpFetchAll, nil)
		all, err := m.FetchAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("product phase failure leaves partial records", func(t *testing.T) {
		m := NewMockStore()
		m.SetError(OpInsertProducts, down)

		snap := storagetest.RandomSnapshot(7, 4, 3, 2)
		err := m.Write(ctx, snap, "v1")
		require.Error(t, err)
		assert.True(t, storage.IsPartialWrite(err))
		assert.True(t, storage.IsStoreUnavailable(err))

		assert.Equal(t, 1, m.RecordCount(storage.CollectionModels))
		assert.Equal(t, 3, m.RecordCount(storage.CollectionUserFactors))
		assert.Equal(t, 0, m.RecordCount(storage.CollectionProductFactors))

		stored, err := m.Read(ctx, "v1")
		require.NoError(t, err)
		assert.Len(t, stored.Users, 3)
		assert.Empty(t, stored.Products)
	})

	t.Run("metadata failure writes nothing", func(t *testing.T) {
		m := NewMockStore()
		m.SetError(OpInsertMetadata, down)

		err := m.Write(ctx, storagetest.RandomSnapshot(8, 2, 2, 2), "v1")
		assert.True(t, storage.IsStoreUnavailable(err))
		assert.False(t, storage.IsPartialWrite(err))
		assert.Equal(t, 0, m.RecordCount(storage.CollectionUserFactors))
	})

	t.Run("fail after n successful calls", func(t *testing.T) {
		m := NewMockStore()
		m.FailAfter(OpFetchAll, 1, down)

		_, err := m.FetchAll(ctx)
		assert.NoError(t, err)
		_, err = m.FetchAll(ctx)
		assert.Error(t, err)
	})

	t.Run("latency honours context", func(t *testing.T) {
		m := NewMockStore()
		m.SetLatency(time.Second)

		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := m.FetchAll(cctx)
		assert.True(t, storage.IsStoreUnavailable(err))
	})

	t.Run("creation time comes from clock", func(t *testing.T) {
		m := NewMockStore()
		fixed := time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)
		m.SetClock(func() time.Time { return fixed })

		require.NoError(t, m.Write(ctx, storagetest.RandomSnapshot(9, 2, 1, 1), "v1"))
		stored, err := m.Read(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, fixed, stored.Metadata.Created)
	})
}
