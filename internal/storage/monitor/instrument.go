// Package monitor exposes Prometheus metrics for the storage layer and
// decorators that record them around any loader, writer or reader.
package monitor

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/objones25/factorstore/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
)

// Status label values.
const (
	StatusSuccess          = "success"
	StatusEmpty            = "empty"
	StatusInvalidTimestamp = "invalid_timestamp"
	StatusDuplicate        = "duplicate"
	StatusPartial          = "partial"
	StatusNotFound         = "not_found"
	StatusInvalidModel     = "invalid_model"
	StatusUnavailable      = "unavailable"
	StatusError            = "error"
)

// Status classifies err for the status label. Partial writes are checked
// first since they also carry their cause.
func Status(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case storage.IsPartialWrite(err):
		return StatusPartial
	case storage.IsEmptyStore(err):
		return StatusEmpty
	case storage.IsInvalidTimestamp(err):
		return StatusInvalidTimestamp
	case storage.IsDuplicateVersion(err):
		return StatusDuplicate
	case storage.IsVersionNotFound(err):
		return StatusNotFound
	case errors.Is(err, storage.ErrInvalidModel):
		return StatusInvalidModel
	case storage.IsStoreUnavailable(err):
		return StatusUnavailable
	default:
		return StatusError
	}
}

func observe(ops *prometheus.CounterVec, latency *prometheus.HistogramVec, backend, op string, start time.Time, err error) {
	ops.WithLabelValues(backend, op, Status(err)).Inc()
	latency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// InstrumentedLoader records metrics for every DataLoader call.
type InstrumentedLoader struct {
	backend string
	next    storage.DataLoader
}

var _ storage.DataLoader = (*InstrumentedLoader)(nil)

// Loader wraps l, labelling its metrics with backend.
func Loader(backend string, l storage.DataLoader) *InstrumentedLoader {
	return &InstrumentedLoader{backend: backend, next: l}
}

func (l *InstrumentedLoader) FetchAll(ctx context.Context) ([]storage.Rating, error) {
	start := time.Now()
	ratings, err := l.next.FetchAll(ctx)
	observe(LoaderOperations, LoaderLatency, l.backend, "FetchAll", start, err)
	LoaderRatings.WithLabelValues(l.backend, "FetchAll").Add(float64(len(ratings)))
	return ratings, err
}

func (l *InstrumentedLoader) LatestTimestamp(ctx context.Context) (time.Time, error) {
	start := time.Now()
	ts, err := l.next.LatestTimestamp(ctx)
	observe(LoaderOperations, LoaderLatency, l.backend, "LatestTimestamp", start, err)
	return ts, err
}

func (l *InstrumentedLoader) FetchAfter(ctx context.Context, ts time.Time) ([]storage.Rating, error) {
	start := time.Now()
	ratings, err := l.next.FetchAfter(ctx, ts)
	observe(LoaderOperations, LoaderLatency, l.backend, "FetchAfter", start, err)
	LoaderRatings.WithLabelValues(l.backend, "FetchAfter").Add(float64(len(ratings)))
	return ratings, err
}

// InstrumentedWriter records metrics for every model write.
type InstrumentedWriter struct {
	backend string
	next    storage.ModelWriter
}

var _ storage.ModelWriter = (*InstrumentedWriter)(nil)

// Writer wraps w, labelling its metrics with backend.
func Writer(backend string, w storage.ModelWriter) *InstrumentedWriter {
	return &InstrumentedWriter{backend: backend, next: w}
}

func (w *InstrumentedWriter) Write(ctx context.Context, model storage.Model, version string) error {
	start := time.Now()
	err := w.next.Write(ctx, model, version)
	observe(WriterOperations, WriterLatency, w.backend, "Write", start, err)

	var partial *storage.PartialWriteError
	switch {
	case errors.As(err, &partial):
		WriterPartialFailures.WithLabelValues(w.backend, string(partial.Phase)).Inc()
	case err == nil:
		WriterRecords.WithLabelValues(w.backend, string(storage.CollectionModels)).Inc()
		WriterRecords.WithLabelValues(w.backend, string(storage.CollectionUserFactors)).Add(float64(count(model.UserFeatures())))
		WriterRecords.WithLabelValues(w.backend, string(storage.CollectionProductFactors)).Add(float64(count(model.ProductFeatures())))
	}
	return err
}

func count[K, V any](seq iter.Seq2[K, V]) int {
	n := 0
	for range seq {
		n++
	}
	return n
}

// InstrumentedReader records metrics for every model read.
type InstrumentedReader struct {
	backend string
	next    storage.ModelReader
}

var _ storage.ModelReader = (*InstrumentedReader)(nil)

// Reader wraps r, labelling its metrics with backend.
func Reader(backend string, r storage.ModelReader) *InstrumentedReader {
	return &InstrumentedReader{backend: backend, next: r}
}

func (r *InstrumentedReader) Read(ctx context.Context, version string) (*storage.StoredModel, error) {
	start := time.Now()
	stored, err := r.next.Read(ctx, version)
	observe(WriterOperations, WriterLatency, r.backend, "Read", start, err)
	return stored, err
}
