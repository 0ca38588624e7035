package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultBatchSize = 500

// ModelSink is the backend half of a model write. Backends implement it
// privately and hand it to WriteSnapshot, which owns the ordering.
type ModelSink interface {
	// InsertMetadata stores the version's metadata record. It returns
	// ErrDuplicateVersion when the backend already holds the version.
	InsertMetadata(ctx context.Context, meta Metadata) error

	// InsertFactors stores one batch of feature records in collection. A
	// batch that fails part way may return a *BatchInsertError saying how
	// many of its records were stored.
	InsertFactors(ctx context.Context, collection Collection, records []FactorRecord) error
}

// WriteOptions tunes WriteSnapshot.
type WriteOptions struct {
	BatchSize int
	Now       func() time.Time
	Logger    zerolog.Logger
}

type WriteOption func(*WriteOptions)

// WithBatchSize sets how many feature records go to the sink per call.
func WithBatchSize(n int) WriteOption {
	return func(o *WriteOptions) {
		if n > 0 {
			o.BatchSize = n
		}
	}
}

// WithClock overrides the creation time source.
func WithClock(now func() time.Time) WriteOption {
	return func(o *WriteOptions) {
		if now != nil {
			o.Now = now
		}
	}
}

// WithWriteLogger sets the logger used for progress and failure messages.
func WithWriteLogger(l zerolog.Logger) WriteOption {
	return func(o *WriteOptions) {
		o.Logger = l
	}
}

// WriteSnapshot persists model under version through sink. The metadata
// record is stored first, then user factors, then product factors. Nothing is
// rolled back: a failure after the metadata insert returns a
// *PartialWriteError and leaves the stored records in place.
func WriteSnapshot(ctx context.Context, sink ModelSink, model Model, version string, opts ...WriteOption) error {
	options := WriteOptions{
		BatchSize: defaultBatchSize,
		Now:       time.Now,
		Logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(&options)
	}

	logger := options.Logger.With().Str("operation", "Write").Str("version", version).Logger()

	factors, err := Materialize(model, version)
	if err != nil {
		return err
	}

	meta := Metadata{
		ID:      version,
		Rank:    factors.Rank,
		Created: options.Now().UTC(),
	}
	if err := sink.InsertMetadata(ctx, meta); err != nil {
		logger.Error().Err(err).Msg("Failed to insert model metadata")
		return err
	}
	logger.Debug().Int("rank", meta.Rank).Msg("Inserted model metadata")

	written := 0
	phases := []struct {
		collection Collection
		records    []FactorRecord
	}{
		{CollectionUserFactors, factors.Users},
		{CollectionProductFactors, factors.Products},
	}
	for _, phase := range phases {
		for start := 0; start < len(phase.records); start += options.BatchSize {
			end := min(start+options.BatchSize, len(phase.records))
			if err := sink.InsertFactors(ctx, phase.collection, phase.records[start:end]); err != nil {
				var batchErr *BatchInsertError
				if errors.As(err, &batchErr) {
					written += min(batchErr.Inserted, end-start)
				}
				logger.Warn().Err(err).
					Str("collection", string(phase.collection)).
					Int("written", written).
					Msg("Model write stopped after metadata was stored")
				return &PartialWriteError{
					Version: version,
					Phase:   phase.collection,
					Written: written,
					Err:     err,
				}
			}
			written += end - start
		}
	}

	logger.Debug().
		Int("users", len(factors.Users)).
		Int("products", len(factors.Products)).
		Msg("Model write completed")
	return nil
}
