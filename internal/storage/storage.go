package storage

import (
	"context"
	"iter"
	"time"
)

// Collection names the logical record sets a model write touches.
type Collection string

const (
	CollectionModels         Collection = "models"
	CollectionUserFactors    Collection = "userFactors"
	CollectionProductFactors Collection = "productFactors"
)

// Rating is a single observation from the ratings store.
type Rating struct {
	UserID    string
	ItemID    string
	Value     float64
	Timestamp time.Time
}

// Model is the trained artifact handed to a ModelWriter. Implementations are
// owned by the training side and are never mutated by a writer.
type Model interface {
	// Rank is the latent dimension; every feature vector has this length
	Rank() int

	// UserFeatures yields (userID, vector) pairs
	UserFeatures() iter.Seq2[string, []float64]

	// ProductFeatures yields (itemID, vector) pairs
	ProductFeatures() iter.Seq2[string, []float64]
}

// Metadata is the per-version record in the models collection.
type Metadata struct {
	ID      string    `json:"id"`
	Rank    int       `json:"rank"`
	Created time.Time `json:"created"`
}

// FactorRecord is one latent vector tagged with the version it belongs to.
type FactorRecord struct {
	ModelID  string    `json:"model_id"`
	ID       string    `json:"id"`
	Features []float64 `json:"features"`
}

// StoredModel is a persisted version read back from a model store.
type StoredModel struct {
	Metadata Metadata
	Users    []FactorRecord
	Products []FactorRecord
}

// DataLoader provides read access to the ratings store.
type DataLoader interface {
	// FetchAll returns every rating currently in the store
	FetchAll(ctx context.Context) ([]Rating, error)

	// LatestTimestamp returns the timestamp of the most recent rating,
	// or ErrEmptyStore when there are none
	LatestTimestamp(ctx context.Context) (time.Time, error)

	// FetchAfter returns all ratings strictly newer than ts
	FetchAfter(ctx context.Context, ts time.Time) ([]Rating, error)
}

// ModelWriter persists a model snapshot under a caller-chosen version.
type ModelWriter interface {
	Write(ctx context.Context, model Model, version string) error
}

// ModelReader loads a previously written version.
type ModelReader interface {
	Read(ctx context.Context, version string) (*StoredModel, error)
}
