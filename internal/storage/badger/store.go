// Package badger keeps model snapshots in an embedded BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/objones25/factorstore/internal/storage"
	"github.com/objones25/factorstore/internal/storage/compression"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const backendName = "badger"

// Config selects where the database lives.
type Config struct {
	Path      string `koanf:"path" validate:"required_without=InMemory"`
	InMemory  bool   `koanf:"in_memory"`
	BatchSize int    `koanf:"batch_size"`
}

// Store writes and reads model snapshots. Keys are
// "models/<version>" and "<collection>/<version>/<id>".
type Store struct {
	db        *badger.DB
	owned     bool
	codec     *compression.Codec
	batchSize int
	logger    zerolog.Logger
}

var (
	_ storage.ModelWriter = (*Store)(nil)
	_ storage.ModelReader = (*Store)(nil)
	_ storage.ModelSink   = (*Store)(nil)
)

// Open opens (or creates) the database described by cfg. The store closes
// it on Close.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger path cannot be empty")
	}

	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storage.Unavailable(backendName, "Open", err)
	}

	s := New(db)
	s.owned = true
	s.batchSize = cfg.BatchSize
	return s, nil
}

// New wraps a database owned by the caller.
func New(db *badger.DB) *Store {
	return &Store{
		db:     db,
		codec:  compression.NewCodec(compression.DefaultThreshold),
		logger: log.With().Str("component", "badger_store").Logger(),
	}
}

func metadataKey(version string) []byte {
	return []byte(string(storage.CollectionModels) + "/" + version)
}

func factorPrefix(collection storage.Collection, version string) []byte {
	return []byte(string(collection) + "/" + version + "/")
}

// Write stores model under version.
func (s *Store) Write(ctx context.Context, model storage.Model, version string) error {
	return storage.WriteSnapshot(ctx, s, model, version,
		storage.WithBatchSize(s.batchSize),
		storage.WithWriteLogger(s.logger),
	)
}

// InsertMetadata stores the metadata record unless the version exists.
func (s *Store) InsertMetadata(ctx context.Context, meta storage.Metadata) error {
	if strings.Contains(meta.ID, "/") {
		return fmt.Errorf("%w: version %q contains '/'", storage.ErrInvalidModel, meta.ID)
	}
	if err := ctx.Err(); err != nil {
		return storage.Unavailable(backendName, "InsertMetadata", err)
	}

	data, err := s.codec.Encode(meta)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		key := metadataKey(meta.ID)
		_, err := txn.Get(key)
		if err == nil {
			return storage.ErrDuplicateVersion
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrDuplicateVersion), errors.Is(err, badger.ErrConflict):
		return storage.NewStorageError(backendName, "InsertMetadata", storage.ErrDuplicateVersion, nil)
	default:
		return storage.Unavailable(backendName, "InsertMetadata", err)
	}
}

// InsertFactors stores one batch in a single transaction.
func (s *Store) InsertFactors(ctx context.Context, collection storage.Collection, records []storage.FactorRecord) error {
	if err := ctx.Err(); err != nil {
		return storage.Unavailable(backendName, "InsertFactors", err)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, r := range records {
			data, err := s.codec.Encode(r.Features)
			if err != nil {
				return fmt.Errorf("encode %s/%s: %w", collection, r.ID, err)
			}
			key := append(factorPrefix(collection, r.ModelID), r.ID...)
			if err := txn.Set(key, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storage.Unavailable(backendName, "InsertFactors", err)
	}
	return nil
}

// Read returns the stored model for version.
func (s *Store) Read(ctx context.Context, version string) (*storage.StoredModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Unavailable(backendName, "Read", err)
	}

	stored := &storage.StoredModel{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metadataKey(version))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrVersionNotFound
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return s.codec.Decode(val, &stored.Metadata)
		}); err != nil {
			return err
		}

		if stored.Users, err = s.scan(txn, storage.CollectionUserFactors, version); err != nil {
			return err
		}
		stored.Products, err = s.scan(txn, storage.CollectionProductFactors, version)
		return err
	})
	switch {
	case err == nil:
		return stored, nil
	case errors.Is(err, storage.ErrVersionNotFound):
		return nil, storage.NewStorageError(backendName, "Read", storage.ErrVersionNotFound, nil)
	default:
		return nil, storage.Unavailable(backendName, "Read", err)
	}
}

// scan collects every record under the version's prefix in key order.
func (s *Store) scan(txn *badger.Txn, collection storage.Collection, version string) ([]storage.FactorRecord, error) {
	prefix := factorPrefix(collection, version)
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
	defer it.Close()

	records := make([]storage.FactorRecord, 0)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		r := storage.FactorRecord{
			ModelID: version,
			ID:      string(item.Key()[len(prefix):]),
		}
		if err := item.Value(func(val []byte) error {
			return s.codec.Decode(val, &r.Features)
		}); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
