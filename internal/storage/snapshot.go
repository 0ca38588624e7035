package storage

import (
	"fmt"
	"iter"
	"maps"
	"math"
	"slices"
	"time"
)

// Snapshot is a map-backed Model. Iteration is in ascending ID order so that
// writes are deterministic.
type Snapshot struct {
	ModelRank int
	Users     map[string][]float64
	Products  map[string][]float64
}

var _ Model = (*Snapshot)(nil)

func (s *Snapshot) Rank() int { return s.ModelRank }

func (s *Snapshot) UserFeatures() iter.Seq2[string, []float64] {
	return sortedPairs(s.Users)
}

func (s *Snapshot) ProductFeatures() iter.Seq2[string, []float64] {
	return sortedPairs(s.Products)
}

func sortedPairs(m map[string][]float64) iter.Seq2[string, []float64] {
	return func(yield func(string, []float64) bool) {
		for _, k := range slices.Sorted(maps.Keys(m)) {
			if !yield(k, m[k]) {
				return
			}
		}
	}
}

// Snapshot converts a stored model back into a Model.
func (m *StoredModel) Snapshot() *Snapshot {
	s := &Snapshot{
		ModelRank: m.Metadata.Rank,
		Users:     make(map[string][]float64, len(m.Users)),
		Products:  make(map[string][]float64, len(m.Products)),
	}
	for _, r := range m.Users {
		s.Users[r.ID] = r.Features
	}
	for _, r := range m.Products {
		s.Products[r.ID] = r.Features
	}
	return s
}

// Factors holds the materialized feature records of one model version.
type Factors struct {
	Rank     int
	Users    []FactorRecord
	Products []FactorRecord
}

// Len returns the number of feature records.
func (f *Factors) Len() int {
	return len(f.Users) + len(f.Products)
}

// Materialize copies every vector of model into plain float slices tagged
// with version. It fails with ErrInvalidModel when the rank is not positive,
// a vector length differs from it or a feature is NaN or infinite.
func Materialize(model Model, version string) (*Factors, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: nil model", ErrInvalidModel)
	}
	if version == "" {
		return nil, fmt.Errorf("%w: empty version", ErrInvalidModel)
	}

	rank := model.Rank()
	if rank <= 0 {
		return nil, fmt.Errorf("%w: rank must be positive, got %d", ErrInvalidModel, rank)
	}

	users, err := collect(model.UserFeatures(), version, rank, "user")
	if err != nil {
		return nil, err
	}
	products, err := collect(model.ProductFeatures(), version, rank, "product")
	if err != nil {
		return nil, err
	}

	return &Factors{Rank: rank, Users: users, Products: products}, nil
}

func collect(seq iter.Seq2[string, []float64], version string, rank int, kind string) ([]FactorRecord, error) {
	var records []FactorRecord
	if seq == nil {
		return records, nil
	}
	for id, vec := range seq {
		if len(vec) != rank {
			return nil, fmt.Errorf("%w: %s %q has %d features, rank is %d",
				ErrInvalidModel, kind, id, len(vec), rank)
		}
		for i, v := range vec {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: %s %q feature %d is %v",
					ErrInvalidModel, kind, id, i, v)
			}
		}
		records = append(records, FactorRecord{
			ModelID:  version,
			ID:       id,
			Features: slices.Clone(vec),
		})
	}
	return records, nil
}

// ValidateTimestamp rejects values no backend can compare meaningfully:
// the zero time and years outside [1, 9999].
func ValidateTimestamp(ts time.Time) error {
	if ts.IsZero() {
		return fmt.Errorf("%w: zero time", ErrInvalidTimestamp)
	}
	if y := ts.Year(); y < 1 || y > 9999 {
		return fmt.Errorf("%w: year %d out of range", ErrInvalidTimestamp, y)
	}
	return nil
}
