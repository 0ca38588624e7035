// Package storagetest holds behavioural checks shared by every DataLoader and
// ModelWriter backend.
package storagetest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/objones25/factorstore/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// LoaderHarness is a DataLoader over an initially empty ratings store plus a
// way to append ratings to that store.
type LoaderHarness struct {
	Loader storage.DataLoader
	Insert func(t *testing.T, ratings ...storage.Rating)
}

// WriterHarness is a writer and a reader over the same, initially empty,
// model store.
type WriterHarness struct {
	Writer storage.ModelWriter
	Reader storage.ModelReader
}

// Base is the reference time used by the suites. Whole seconds in UTC keep
// comparisons exact on stores with text or millisecond timestamps.
var Base = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

// RatingKey renders a rating for set comparison regardless of how a backend
// represents time zones.
func RatingKey(r storage.Rating) string {
	return fmt.Sprintf("%s|%s|%g|%d", r.UserID, r.ItemID, r.Value, r.Timestamp.Unix())
}

func keys(ratings []storage.Rating) []string {
	out := make([]string, len(ratings))
	for i, r := range ratings {
		out[i] = RatingKey(r)
	}
	return out
}

// RunLoaderSuite checks the DataLoader contract against fresh harnesses.
func RunLoaderSuite(t *testing.T, newHarness func(t *testing.T) LoaderHarness) {
	ctx := context.Background()

	t.Run("EmptyStore", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.Loader.LatestTimestamp(ctx)
		require.Error(t, err)
		assert.True(t, storage.IsEmptyStore(err), "want ErrEmptyStore, got %v", err)
		assert.False(t, storage.IsStoreUnavailable(err))

		all, err := h.Loader.FetchAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)

		after, err := h.Loader.FetchAfter(ctx, Base)
		require.NoError(t, err)
		assert.NotNil(t, after)
		assert.Empty(t, after)
	})

	t.Run("TwoRatings", func(t *testing.T) {
		h := newHarness(t)
		t1, t2 := Base, Base.Add(time.Minute)
		r1 := storage.Rating{UserID: "u1", ItemID: "p1", Value: 4.0, Timestamp: t1}
		r2 := storage.Rating{UserID: "u2", ItemID: "p2", Value: 5.0, Timestamp: t2}
		h.Insert(t, r1, r2)

		all, err := h.Loader.FetchAll(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, keys([]storage.Rating{r1, r2}), keys(all))

		latest, err := h.Loader.LatestTimestamp(ctx)
		require.NoError(t, err)
		assert.True(t, latest.Equal(t2), "latest = %v, want %v", latest, t2)

		after, err := h.Loader.FetchAfter(ctx, t1)
		require.NoError(t, err)
		assert.Equal(t, keys([]storage.Rating{r2}), keys(after))
	})

	t.Run("IncrementalCompleteness", func(t *testing.T) {
		h := newHarness(t)
		var ratings []storage.Rating
		for i := 0; i < 12; i++ {
			ratings = append(ratings, storage.Rating{
				UserID:    fmt.Sprintf("u%d", i%4),
				ItemID:    fmt.Sprintf("p%d", i),
				Value:     float64(i%5) + 0.5,
				Timestamp: Base.Add(time.Duration(i/2) * time.Hour),
			})
		}
		h.Insert(t, ratings...)

		all, err := h.Loader.FetchAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, len(ratings))

		watermarks := []time.Time{
			Base.Add(-time.Hour),
			Base,
			Base.Add(90 * time.Minute),
			Base.Add(3 * time.Hour),
			Base.Add(5 * time.Hour),
		}
		for _, wm := range watermarks {
			var want []string
			for _, r := range all {
				if r.Timestamp.After(wm) {
					want = append(want, RatingKey(r))
				}
			}

			got, err := h.Loader.FetchAfter(ctx, wm)
			require.NoError(t, err)
			gotKeys := keys(got)
			assert.ElementsMatch(t, want, gotKeys, "watermark %v", wm)

			sorted := slices.Clone(gotKeys)
			slices.Sort(sorted)
			assert.Len(t, slices.Compact(sorted), len(gotKeys), "duplicates after %v", wm)
		}
	})

	t.Run("MonotonicWatermark", func(t *testing.T) {
		h := newHarness(t)
		h.Insert(t,
			storage.Rating{UserID: "u1", ItemID: "p1", Value: 1, Timestamp: Base.Add(2 * time.Hour)},
			storage.Rating{UserID: "u2", ItemID: "p1", Value: 2, Timestamp: Base},
		)

		all, err := h.Loader.FetchAll(ctx)
		require.NoError(t, err)
		maxTS := all[0].Timestamp
		for _, r := range all[1:] {
			if r.Timestamp.After(maxTS) {
				maxTS = r.Timestamp
			}
		}

		latest, err := h.Loader.LatestTimestamp(ctx)
		require.NoError(t, err)
		assert.True(t, latest.Equal(maxTS))

		newer := Base.Add(3 * time.Hour)
		h.Insert(t, storage.Rating{UserID: "u3", ItemID: "p2", Value: 3, Timestamp: newer})

		latest, err = h.Loader.LatestTimestamp(ctx)
		require.NoError(t, err)
		assert.True(t, latest.Equal(newer), "latest = %v, want %v", latest, newer)
	})

	t.Run("FetchAfterWatermark", func(t *testing.T) {
		h := newHarness(t)
		h.Insert(t, storage.Rating{UserID: "u1", ItemID: "p1", Value: 1, Timestamp: Base})

		latest, err := h.Loader.LatestTimestamp(ctx)
		require.NoError(t, err)

		for _, ts := range []time.Time{latest, latest.Add(time.Hour)} {
			got, err := h.Loader.FetchAfter(ctx, ts)
			require.NoError(t, err)
			assert.NotNil(t, got)
			assert.Empty(t, got)
		}
	})

	t.Run("MixedOffsets", func(t *testing.T) {
		h := newHarness(t)
		east := time.FixedZone("UTC+1", 3600)
		west := time.FixedZone("UTC-5", -5*3600)

		// Rendered as text, 12:00+01:00 sorts after 11:30Z but is earlier.
		early := time.Date(2024, 1, 1, 12, 0, 0, 0, east)
		late := time.Date(2024, 1, 1, 11, 30, 0, 0, time.UTC)
		latest := time.Date(2024, 1, 1, 7, 0, 0, 0, west)
		h.Insert(t,
			storage.Rating{UserID: "u1", ItemID: "p1", Value: 1, Timestamp: early},
			storage.Rating{UserID: "u2", ItemID: "p1", Value: 2, Timestamp: late},
		)

		got, err := h.Loader.LatestTimestamp(ctx)
		require.NoError(t, err)
		assert.True(t, got.Equal(late), "latest = %v, want %v", got, late)

		after, err := h.Loader.FetchAfter(ctx, late.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{RatingKey(storage.Rating{UserID: "u2", ItemID: "p1", Value: 2, Timestamp: late})}, keys(after))

		after, err = h.Loader.FetchAfter(ctx, late)
		require.NoError(t, err)
		assert.Empty(t, after)

		h.Insert(t, storage.Rating{UserID: "u3", ItemID: "p2", Value: 3, Timestamp: latest})
		got, err = h.Loader.LatestTimestamp(ctx)
		require.NoError(t, err)
		assert.True(t, got.Equal(latest), "latest = %v, want %v", got, latest)

		after, err = h.Loader.FetchAfter(ctx, late.In(east))
		require.NoError(t, err)
		assert.Equal(t, []string{RatingKey(storage.Rating{UserID: "u3", ItemID: "p2", Value: 3, Timestamp: latest})}, keys(after))
	})

	t.Run("InvalidTimestamp", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.Loader.FetchAfter(ctx, time.Time{})
		assert.True(t, storage.IsInvalidTimestamp(err), "want ErrInvalidTimestamp, got %v", err)
	})
}

// RandomSnapshot builds a deterministic model with the given shape.
func RandomSnapshot(seed int64, rank, users, products int) *storage.Snapshot {
	rng := rand.New(rand.NewSource(seed))
	vec := func() []float64 {
		v := make([]float64, rank)
		for i := range v {
			v[i] = rng.NormFloat64()
		}
		return v
	}

	snap := &storage.Snapshot{
		ModelRank: rank,
		Users:     make(map[string][]float64, users),
		Products:  make(map[string][]float64, products),
	}
	for i := 0; i < users; i++ {
		snap.Users[fmt.Sprintf("user-%d", i)] = vec()
	}
	for i := 0; i < products; i++ {
		snap.Products[fmt.Sprintf("item-%d", i)] = vec()
	}
	return snap
}

func sortRecords(records []storage.FactorRecord) []storage.FactorRecord {
	out := slices.Clone(records)
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].ID, out[j].ID) < 0 })
	return out
}

// AssertRoundTrip checks that stored reproduces snap under version exactly.
func AssertRoundTrip(t *testing.T, snap *storage.Snapshot, version string, stored *storage.StoredModel) {
	t.Helper()

	require.NotNil(t, stored)
	assert.Equal(t, version, stored.Metadata.ID)
	assert.Equal(t, snap.Rank(), stored.Metadata.Rank)

	want, err := storage.Materialize(snap, version)
	require.NoError(t, err)

	assert.Equal(t, want.Users, sortRecords(stored.Users))
	assert.Equal(t, want.Products, sortRecords(stored.Products))
}

// RunWriterSuite checks the ModelWriter contract, reading back through the
// harness reader.
func RunWriterSuite(t *testing.T, newHarness func(t *testing.T) WriterHarness) {
	ctx := context.Background()

	t.Run("SingleRecordScenario", func(t *testing.T) {
		h := newHarness(t)
		snap := &storage.Snapshot{
			ModelRank: 2,
			Users:     map[string][]float64{"u1": {0.1, 0.2}},
			Products:  map[string][]float64{"p1": {0.3, 0.4}},
		}

		before := time.Now().UTC().Add(-time.Second)
		require.NoError(t, h.Writer.Write(ctx, snap, "v1"))

		stored, err := h.Reader.Read(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, "v1", stored.Metadata.ID)
		assert.Equal(t, 2, stored.Metadata.Rank)
		assert.WithinDuration(t, before, stored.Metadata.Created, 10*time.Second)

		require.Len(t, stored.Users, 1)
		assert.Equal(t, storage.FactorRecord{ModelID: "v1", ID: "u1", Features: []float64{0.1, 0.2}}, stored.Users[0])
		require.Len(t, stored.Products, 1)
		assert.Equal(t, storage.FactorRecord{ModelID: "v1", ID: "p1", Features: []float64{0.3, 0.4}}, stored.Products[0])
	})

	t.Run("RoundTrip", func(t *testing.T) {
		h := newHarness(t)
		snap := RandomSnapshot(42, 8, 40, 25)

		require.NoError(t, h.Writer.Write(ctx, snap, "round-trip"))

		stored, err := h.Reader.Read(ctx, "round-trip")
		require.NoError(t, err)
		AssertRoundTrip(t, snap, "round-trip", stored)
	})

	t.Run("DisjointVersions", func(t *testing.T) {
		h := newHarness(t)
		a := RandomSnapshot(1, 3, 5, 4)
		b := RandomSnapshot(2, 5, 3, 6)

		require.NoError(t, h.Writer.Write(ctx, a, "a"))
		require.NoError(t, h.Writer.Write(ctx, b, "b"))

		storedA, err := h.Reader.Read(ctx, "a")
		require.NoError(t, err)
		storedB, err := h.Reader.Read(ctx, "b")
		require.NoError(t, err)

		AssertRoundTrip(t, a, "a", storedA)
		AssertRoundTrip(t, b, "b", storedB)
		for _, r := range append(storedA.Users, storedA.Products...) {
			assert.Equal(t, "a", r.ModelID)
		}
		for _, r := range append(storedB.Users, storedB.Products...) {
			assert.Equal(t, "b", r.ModelID)
		}
	})

	t.Run("DuplicateVersion", func(t *testing.T) {
		h := newHarness(t)
		first := RandomSnapshot(3, 2, 2, 2)
		require.NoError(t, h.Writer.Write(ctx, first, "dup"))

		err := h.Writer.Write(ctx, RandomSnapshot(4, 2, 3, 3), "dup")
		require.Error(t, err)
		assert.True(t, storage.IsDuplicateVersion(err), "want ErrDuplicateVersion, got %v", err)
		assert.False(t, storage.IsPartialWrite(err))

		stored, err := h.Reader.Read(ctx, "dup")
		require.NoError(t, err)
		AssertRoundTrip(t, first, "dup", stored)
	})

	t.Run("UnknownVersion", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.Reader.Read(ctx, "missing")
		assert.True(t, storage.IsVersionNotFound(err), "want ErrVersionNotFound, got %v", err)
	})

	t.Run("InvalidModel", func(t *testing.T) {
		h := newHarness(t)
		snap := &storage.Snapshot{
			ModelRank: 2,
			Users:     map[string][]float64{"u1": {0.1}},
		}
		err := h.Writer.Write(ctx, snap, "bad")
		assert.ErrorIs(t, err, storage.ErrInvalidModel)

		_, err = h.Reader.Read(ctx, "bad")
		assert.True(t, storage.IsVersionNotFound(err))
	})

	t.Run("NonFiniteFeatures", func(t *testing.T) {
		h := newHarness(t)
		snap := &storage.Snapshot{
			ModelRank: 2,
			Users:     map[string][]float64{"u1": {0.1, 0.2}},
			Products:  map[string][]float64{"p1": {math.Inf(1), 0.4}, "p2": {0.3, math.NaN()}},
		}
		err := h.Writer.Write(ctx, snap, "v1")
		assert.ErrorIs(t, err, storage.ErrInvalidModel)
		assert.False(t, storage.IsPartialWrite(err))

		_, err = h.Reader.Read(ctx, "v1")
		assert.True(t, storage.IsVersionNotFound(err), "want ErrVersionNotFound, got %v", err)
	})
}
