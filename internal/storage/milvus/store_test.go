package milvus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/objones25/factorstore/internal/storage"
	"github.com/objones25/factorstore/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient keeps inserted columns per collection in memory.
type fakeClient struct {
	mu          sync.Mutex
	schemas     map[string]*entity.Schema
	indexed     map[string]string
	loaded      map[string]bool
	rows        map[string][]map[string]any
	insertErr   map[string]error
	closed      bool
	createCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		schemas:   make(map[string]*entity.Schema),
		indexed:   make(map[string]string),
		loaded:    make(map[string]bool),
		rows:      make(map[string][]map[string]any),
		insertErr: make(map[string]error),
	}
}

func (f *fakeClient) HasCollection(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.schemas[name]
	return ok, nil
}

func (f *fakeClient) CreateCollection(_ context.Context, schema *entity.Schema, _ int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.schemas[schema.CollectionName] = schema
	return nil
}

func (f *fakeClient) CreateIndex(_ context.Context, collection, field string, _ entity.Index) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[collection] = field
	return nil
}

func (f *fakeClient) LoadCollection(_ context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded[collection] = true
	return nil
}

func (f *fakeClient) Insert(_ context.Context, collection string, columns ...entity.Column) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.insertErr[collection]; err != nil {
		return err
	}
	n := columns[0].Len()
	for i := 0; i < n; i++ {
		row := make(map[string]any, len(columns))
		for _, col := range columns {
			v, err := col.Get(i)
			if err != nil {
				return err
			}
			row[col.Name()] = v
		}
		f.rows[collection] = append(f.rows[collection], row)
	}
	return nil
}

func (f *fakeClient) Flush(context.Context, string) error { return nil }

// Query understands only `id == "<value>"`.
func (f *fakeClient) Query(_ context.Context, collection, expr string, _ []string) ([]entity.Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matches []string
	for _, row := range f.rows[collection] {
		if fieldID+" == "+quote(row[fieldID].(string)) == expr {
			matches = append(matches, row[fieldID].(string))
		}
	}
	return []entity.Column{entity.NewColumnVarChar(fieldID, matches)}, nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) count(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[collection])
}

func TestWriter(t *testing.T) {
	ctx := context.Background()

	t.Run("writes metadata and factor collections", func(t *testing.T) {
		fc := newFakeClient()
		w := newWriter([]vectorClient{fc}, 2)

		snap := storagetest.RandomSnapshot(3, 4, 5, 3)
		require.NoError(t, w.Write(ctx, snap, "v1"))

		assert.Equal(t, 1, fc.count(metadataCollection))
		assert.Equal(t, 5, fc.count("userFactors_r4"))
		assert.Equal(t, 3, fc.count("productFactors_r4"))
		assert.Equal(t, fieldFeatures, fc.indexed["userFactors_r4"])
		assert.Equal(t, placeholderField, fc.indexed[metadataCollection])
		assert.True(t, fc.loaded["productFactors_r4"])

		meta := fc.rows[metadataCollection][0]
		assert.Equal(t, "v1", meta[fieldID])
		assert.Equal(t, int64(4), meta[fieldRank])

		row := fc.rows["userFactors_r4"][0]
		assert.Equal(t, "v1", row[fieldModelID])
		assert.Equal(t, "user-0", row[fieldID])
		want := toFloat32(snap.Users["user-0"])
		assert.Equal(t, want, row[fieldFeatures])
	})

	t.Run("ranks get separate collections", func(t *testing.T) {
		fc := newFakeClient()
		w := newWriter([]vectorClient{fc}, 0)

		require.NoError(t, w.Write(ctx, storagetest.RandomSnapshot(1, 2, 2, 2), "a"))
		require.NoError(t, w.Write(ctx, storagetest.RandomSnapshot(2, 3, 1, 1), "b"))

		assert.Equal(t, 2, fc.count("userFactors_r2"))
		assert.Equal(t, 1, fc.count("userFactors_r3"))
		assert.Equal(t, 2, fc.count(metadataCollection))
		assert.Equal(t, 5, fc.createCalls)
	})

	t.Run("duplicate version", func(t *testing.T) {
		fc := newFakeClient()
		w := newWriter([]vectorClient{fc}, 0)

		require.NoError(t, w.Write(ctx, storagetest.RandomSnapshot(1, 2, 2, 2), "dup"))
		err := w.Write(ctx, storagetest.RandomSnapshot(2, 2, 3, 3), "dup")
		assert.True(t, storage.IsDuplicateVersion(err))
		assert.Equal(t, 2, fc.count("userFactors_r2"))
	})

	t.Run("oversized ids are rejected before metadata", func(t *testing.T) {
		fc := newFakeClient()
		w := newWriter([]vectorClient{fc}, 0)

		snap := storagetest.RandomSnapshot(1, 2, 2, 2)
		snap.Products[strings.Repeat("p", maxVarCharLen+1)] = []float64{0.1, 0.2}

		err := w.Write(ctx, snap, "v1")
		assert.ErrorIs(t, err, storage.ErrInvalidModel)
		assert.False(t, storage.IsPartialWrite(err))
		assert.Zero(t, fc.count(metadataCollection))
		assert.Zero(t, fc.count("userFactors_r2"))
	})

	t.Run("features outside float32 range are rejected", func(t *testing.T) {
		fc := newFakeClient()
		w := newWriter([]vectorClient{fc}, 0)

		snap := storagetest.RandomSnapshot(1, 2, 2, 2)
		snap.Users["u-big"] = []float64{1e300, 0}

		err := w.Write(ctx, snap, "v1")
		assert.ErrorIs(t, err, storage.ErrInvalidModel)
		assert.Zero(t, fc.count(metadataCollection))
	})

	t.Run("insert failure after metadata", func(t *testing.T) {
		fc := newFakeClient()
		fc.insertErr["productFactors_r2"] = errors.New("segment full")
		w := newWriter([]vectorClient{fc}, 0)

		err := w.Write(ctx, storagetest.RandomSnapshot(1, 2, 3, 2), "v1")
		require.Error(t, err)
		assert.True(t, storage.IsPartialWrite(err))
		assert.True(t, storage.IsStoreUnavailable(err))
		assert.Equal(t, 3, fc.count("userFactors_r2"))
	})

	t.Run("metadata failure", func(t *testing.T) {
		fc := newFakeClient()
		fc.insertErr[metadataCollection] = errors.New("unavailable")
		w := newWriter([]vectorClient{fc}, 0)

		err := w.Write(ctx, storagetest.RandomSnapshot(1, 2, 3, 2), "v1")
		assert.True(t, storage.IsStoreUnavailable(err))
		assert.False(t, storage.IsPartialWrite(err))
		assert.Zero(t, fc.count("userFactors_r2"))
	})

	t.Run("cancelled context while pool is empty", func(t *testing.T) {
		w := newWriter(nil, 0)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := w.InsertMetadata(cctx, storage.Metadata{ID: "v1", Rank: 2})
		assert.True(t, storage.IsStoreUnavailable(err))
	})

	t.Run("close releases clients", func(t *testing.T) {
		a, b := newFakeClient(), newFakeClient()
		w := newWriter([]vectorClient{a, b}, 0)
		require.NoError(t, w.Close())
		assert.True(t, a.closed)
		assert.True(t, b.closed)
	})
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "userFactors_r8", factorCollectionName(storage.CollectionUserFactors, 8))
	assert.Equal(t, `"it's \"v1\""`, quote(`it's "v1"`))
	assert.Equal(t, []float32{1, 0.5}, toFloat32([]float64{1, 0.5}))
	assert.Zero(t, rowCount(nil))

	schema := factorSchema("productFactors_r3", 3)
	require.Len(t, schema.Fields, 4)
	assert.Equal(t, "3", schema.Fields[3].TypeParams["dim"])
	assert.True(t, schema.Fields[0].AutoID)

	assert.Equal(t, placeholderField, metadataSchema().Fields[4].Name)

	_, err := New(context.Background(), Config{Port: 19530})
	assert.Error(t, err)
}
