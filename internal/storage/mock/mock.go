package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/objones25/factorstore/internal/storage"
)

const backendName = "mock"

// Operation names accepted by SetError.
const (
	OpFetchAll        = "fetchall"
	OpLatestTimestamp = "latesttimestamp"
	OpFetchAfter      = "fetchafter"
	OpRead            = "read"
	OpInsertMetadata  = "insert:models"
	OpInsertUsers     = "insert:userFactors"
	OpInsertProducts  = "insert:productFactors"
)

// MockStore is an in-memory ratings store and model store for testing.
type MockStore struct {
	mu       sync.RWMutex
	ratings  []storage.Rating
	models   map[string]storage.Metadata
	factors  map[storage.Collection][]storage.FactorRecord
	errors   map[string]error // Simulate specific errors for testing
	failures map[string]int   // Successful calls left before errors[op] fires
	latency  time.Duration    // Simulate network latency
	now      func() time.Time
}

var (
	_ storage.DataLoader  = (*MockStore)(nil)
	_ storage.ModelWriter = (*MockStore)(nil)
	_ storage.ModelReader = (*MockStore)(nil)
)

func NewMockStore() *MockStore {
	return &MockStore{
		models:   make(map[string]storage.Metadata),
		factors:  make(map[storage.Collection][]storage.FactorRecord),
		errors:   make(map[string]error),
		failures: make(map[string]int),
		now:      time.Now,
	}
}

// SetLatency sets artificial latency for operations
func (m *MockStore) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SetClock overrides the clock used for metadata creation times
func (m *MockStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetError makes every call of operation fail with err. A nil err clears it.
func (m *MockStore) SetError(operation string, err error) {
	m.FailAfter(operation, 0, err)
}

// FailAfter lets operation succeed n more times, then fail with err.
func (m *MockStore) FailAfter(operation string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.errors, operation)
		delete(m.failures, operation)
		return
	}
	m.errors[operation] = err
	m.failures[operation] = n
}

// simulateLatencyAndFailure adds artificial latency and simulates failures.
// Callers hold m.mu.
func (m *MockStore) simulateLatencyAndFailure(ctx context.Context, operation string) error {
	if m.latency > 0 {
		select {
		case <-ctx.Done():
			return storage.Unavailable(backendName, operation, ctx.Err())
		case <-time.After(m.latency):
		}
	}

	err, ok := m.errors[operation]
	if !ok {
		return nil
	}
	if m.failures[operation] > 0 {
		m.failures[operation]--
		return nil
	}
	return err
}

// AddRatings appends ratings to the store
func (m *MockStore) AddRatings(ratings ...storage.Rating) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratings = append(m.ratings, ratings...)
}

// DataLoader interface implementation

func (m *MockStore) FetchAll(ctx context.Context) ([]storage.Rating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.simulateLatencyAndFailure(ctx, OpFetchAll); err != nil {
		return nil, err
	}
	return slices.Clone(m.ratings), nil
}

func (m *MockStore) LatestTimestamp(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.simulateLatencyAndFailure(ctx, OpLatestTimestamp); err != nil {
		return time.Time{}, err
	}
	if len(m.ratings) == 0 {
		return time.Time{}, storage.NewStorageError(backendName, "LatestTimestamp", storage.ErrEmptyStore, nil)
	}

	latest := m.ratings[0].Timestamp
	for _, r := range m.ratings[1:] {
		if r.Timestamp.After(latest) {
			latest = r.Timestamp
		}
	}
	return latest, nil
}

func (m *MockStore) FetchAfter(ctx context.Context, ts time.Time) ([]storage.Rating, error) {
	if err := storage.ValidateTimestamp(ts); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.simulateLatencyAndFailure(ctx, OpFetchAfter); err != nil {
		return nil, err
	}

	result := make([]storage.Rating, 0)
	for _, r := range m.ratings {
		if r.Timestamp.After(ts) {
			result = append(result, r)
		}
	}
	return result, nil
}

// ModelWriter interface implementation

func (m *MockStore) Write(ctx context.Context, model storage.Model, version string) error {
	m.mu.RLock()
	now := m.now
	m.mu.RUnlock()

	return storage.WriteSnapshot(ctx, m, model, version, storage.WithClock(now))
}

func (m *MockStore) InsertMetadata(ctx context.Context, meta storage.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.simulateLatencyAndFailure(ctx, OpInsertMetadata); err != nil {
		return err
	}
	if _, ok := m.models[meta.ID]; ok {
		return storage.NewStorageError(backendName, "InsertMetadata", storage.ErrDuplicateVersion, nil)
	}
	m.models[meta.ID] = meta
	return nil
}

func (m *MockStore) InsertFactors(ctx context.Context, collection storage.Collection, records []storage.FactorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.simulateLatencyAndFailure(ctx, "insert:"+string(collection)); err != nil {
		return err
	}
	m.factors[collection] = append(m.factors[collection], records...)
	return nil
}

// ModelReader interface implementation

func (m *MockStore) Read(ctx context.Context, version string) (*storage.StoredModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.simulateLatencyAndFailure(ctx, OpRead); err != nil {
		return nil, err
	}

	meta, ok := m.models[version]
	if !ok {
		return nil, storage.NewStorageError(backendName, "Read", storage.ErrVersionNotFound, nil)
	}
	return &storage.StoredModel{
		Metadata: meta,
		Users:    m.byVersion(storage.CollectionUserFactors, version),
		Products: m.byVersion(storage.CollectionProductFactors, version),
	}, nil
}

func (m *MockStore) byVersion(collection storage.Collection, version string) []storage.FactorRecord {
	var out []storage.FactorRecord
	for _, r := range m.factors[collection] {
		if r.ModelID == version {
			out = append(out, r)
		}
	}
	return out
}

// Helper methods for testing

// RecordCount returns the number of records stored in collection
func (m *MockStore) RecordCount(collection storage.Collection) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if collection == storage.CollectionModels {
		return len(m.models)
	}
	return len(m.factors[collection])
}

func (m *MockStore) Close() error {
	return nil
}
