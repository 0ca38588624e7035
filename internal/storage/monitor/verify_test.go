package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/objones25/factorstore/internal/storage"
	"github.com/objones25/factorstore/internal/storage/mock"
	"github.com/objones25/factorstore/internal/storage/storagetest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticReader struct {
	stored *storage.StoredModel
}

func (r staticReader) Read(context.Context, string) (*storage.StoredModel, error) {
	return r.stored, nil
}

func TestVerifier(t *testing.T) {
	ctx := context.Background()

	t.Run("matching version", func(t *testing.T) {
		store := mock.NewMockStore()
		snap := storagetest.RandomSnapshot(1, 3, 4, 2)
		require.NoError(t, store.Write(ctx, snap, "v1"))

		result, err := NewVerifier("verify_ok_test", store, 0).Verify(ctx, snap, "v1")
		require.NoError(t, err)
		assert.True(t, result.Consistent())
		assert.Equal(t, 6, result.Checked)
		assert.Equal(t, "v1", result.Version)
	})

	t.Run("partial version is missing records", func(t *testing.T) {
		const backend = "verify_partial_test"
		store := mock.NewMockStore()
		store.SetError(mock.OpInsertProducts, errors.New("disk full"))
		snap := storagetest.RandomSnapshot(2, 2, 3, 5)
		require.True(t, storage.IsPartialWrite(store.Write(ctx, snap, "v1")))

		result, err := NewVerifier(backend, store, 0).Verify(ctx, snap, "v1")
		require.NoError(t, err)
		assert.False(t, result.Consistent())
		assert.Equal(t, 5, result.Missing)
		assert.Zero(t, result.Mismatches)
		assert.Equal(t, 5.0, testutil.ToFloat64(VerifyMismatches.WithLabelValues(backend, "missing")))
	})

	t.Run("different vectors and extra records", func(t *testing.T) {
		snap := storagetest.RandomSnapshot(3, 2, 2, 1)
		want, err := storage.Materialize(snap, "v1")
		require.NoError(t, err)

		users := append([]storage.FactorRecord(nil), want.Users...)
		users[0] = storage.FactorRecord{ModelID: "v1", ID: users[0].ID, Features: []float64{9, 9}}
		users = append(users,
			storage.FactorRecord{ModelID: "v1", ID: "stranger", Features: []float64{0, 0}},
			storage.FactorRecord{ModelID: "v0", ID: users[1].ID, Features: users[1].Features},
		)
		stored := &storage.StoredModel{
			Metadata: storage.Metadata{ID: "v1", Rank: 3},
			Users:    users,
			Products: want.Products,
		}

		result, err := NewVerifier("verify_diff_test", staticReader{stored}, 0).Verify(ctx, snap, "v1")
		require.NoError(t, err)
		assert.True(t, result.RankMismatch)
		assert.Equal(t, 1, result.Mismatches)
		assert.Equal(t, 2, result.Extra)
		assert.Zero(t, result.Missing)
	})

	t.Run("unknown version", func(t *testing.T) {
		const backend = "verify_missing_test"
		_, err := NewVerifier(backend, mock.NewMockStore(), 0).Verify(ctx, storagetest.RandomSnapshot(4, 2, 1, 1), "nope")
		assert.True(t, storage.IsVersionNotFound(err))
		assert.Equal(t, 1.0, testutil.ToFloat64(VerifyMismatches.WithLabelValues(backend, "check_failed")))
	})

	t.Run("invalid model", func(t *testing.T) {
		_, err := NewVerifier("verify_invalid_test", mock.NewMockStore(), 0).Verify(ctx, &storage.Snapshot{}, "v1")
		assert.ErrorIs(t, err, storage.ErrInvalidModel)
	})
}
