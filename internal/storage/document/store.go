// Package document stores model snapshots in MongoDB. Each version is one
// document in "models" plus one document per entity in "userFactors" and
// "productFactors".
package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/objones25/factorstore/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	backendName     = "mongodb"
	defaultDatabase = "models"
)

type modelDoc struct {
	ID      string    `bson:"id"`
	Rank    int       `bson:"rank"`
	Created time.Time `bson:"created"`
}

type factorDoc struct {
	ModelID  string    `bson:"model_id"`
	ID       string    `bson:"id"`
	Features []float64 `bson:"features"`
}

type config struct {
	database  string
	batchSize int
	logger    zerolog.Logger
}

// Option configures a Store.
type Option func(*config)

// WithDatabase overrides the database name.
func WithDatabase(name string) Option {
	return func(c *config) {
		if name != "" {
			c.database = name
		}
	}
}

// WithBatchSize sets the number of documents per InsertMany call.
func WithBatchSize(n int) Option {
	return func(c *config) {
		c.batchSize = n
	}
}

// WithLogger sets the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// Store writes and reads model snapshots.
type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	batchSize int
	logger    zerolog.Logger
}

var (
	_ storage.ModelWriter = (*Store)(nil)
	_ storage.ModelReader = (*Store)(nil)
	_ storage.ModelSink   = (*Store)(nil)
)

// Open connects to the MongoDB deployment at uri and ensures the indexes
// that enforce version uniqueness exist.
func Open(ctx context.Context, uri string, opts ...Option) (*Store, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongodb uri cannot be empty")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, storage.Unavailable(backendName, "Open", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, storage.Unavailable(backendName, "Open", err)
	}

	s := New(client, opts...)
	if err := s.EnsureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// New wraps a connected client. Call EnsureIndexes before relying on
// duplicate version detection.
func New(client *mongo.Client, opts ...Option) *Store {
	cfg := config{
		database: defaultDatabase,
		logger:   log.With().Str("component", "document_store").Logger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Store{
		client:    client,
		db:        client.Database(cfg.database),
		batchSize: cfg.batchSize,
		logger:    cfg.logger,
	}
}

func (s *Store) collection(c storage.Collection) *mongo.Collection {
	return s.db.Collection(string(c))
}

// EnsureIndexes creates a unique index on models.id and a lookup index on
// (model_id, id) for both factor collections.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection(storage.CollectionModels).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("models_id_unique"),
	})
	if err != nil {
		return storage.Unavailable(backendName, "EnsureIndexes", err)
	}

	for _, c := range []storage.Collection{storage.CollectionUserFactors, storage.CollectionProductFactors} {
		_, err := s.collection(c).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "model_id", Value: 1}, {Key: "id", Value: 1}},
			Options: options.Index().SetName("model_id_id"),
		})
		if err != nil {
			return storage.Unavailable(backendName, "EnsureIndexes", fmt.Errorf("%s: %w", c, err))
		}
	}
	return nil
}

// Write stores model under version.
func (s *Store) Write(ctx context.Context, model storage.Model, version string) error {
	return storage.WriteSnapshot(ctx, s, model, version,
		storage.WithBatchSize(s.batchSize),
		storage.WithWriteLogger(s.logger),
	)
}

// InsertMetadata inserts the version document. The unique index turns a
// repeated version into a duplicate key error.
func (s *Store) InsertMetadata(ctx context.Context, meta storage.Metadata) error {
	_, err := s.collection(storage.CollectionModels).InsertOne(ctx, modelDoc{
		ID:      meta.ID,
		Rank:    meta.Rank,
		Created: meta.Created,
	})
	if mongo.IsDuplicateKeyError(err) {
		return storage.NewStorageError(backendName, "InsertMetadata", storage.ErrDuplicateVersion, err)
	}
	if err != nil {
		return storage.Unavailable(backendName, "InsertMetadata", err)
	}
	return nil
}

// InsertFactors inserts one batch of factor documents. Inserts are ordered,
// so a write error at index i means the documents before it were stored.
func (s *Store) InsertFactors(ctx context.Context, collection storage.Collection, records []storage.FactorRecord) error {
	if len(records) == 0 {
		return nil
	}

	docs := make([]interface{}, len(records))
	for i, r := range records {
		docs[i] = factorDoc{ModelID: r.ModelID, ID: r.ID, Features: r.Features}
	}
	if _, err := s.collection(collection).InsertMany(ctx, docs); err != nil {
		wrapped := storage.Unavailable(backendName, "InsertFactors", err)
		if n, ok := insertedBefore(err); ok && n > 0 {
			return &storage.BatchInsertError{Inserted: n, Err: wrapped}
		}
		return wrapped
	}
	return nil
}

// insertedBefore returns how many documents an ordered InsertMany stored
// before its first write error.
func insertedBefore(err error) (int, bool) {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || len(bwe.WriteErrors) == 0 {
		return 0, false
	}
	n := bwe.WriteErrors[0].Index
	for _, we := range bwe.WriteErrors[1:] {
		n = min(n, we.Index)
	}
	return n, true
}

// Read returns the stored model for version.
func (s *Store) Read(ctx context.Context, version string) (*storage.StoredModel, error) {
	var meta modelDoc
	err := s.collection(storage.CollectionModels).FindOne(ctx, bson.M{"id": version}).Decode(&meta)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.NewStorageError(backendName, "Read", storage.ErrVersionNotFound, nil)
	}
	if err != nil {
		return nil, storage.Unavailable(backendName, "Read", err)
	}

	stored := &storage.StoredModel{
		Metadata: storage.Metadata{ID: meta.ID, Rank: meta.Rank, Created: meta.Created.UTC()},
	}
	if stored.Users, err = s.readFactors(ctx, storage.CollectionUserFactors, version); err != nil {
		return nil, err
	}
	if stored.Products, err = s.readFactors(ctx, storage.CollectionProductFactors, version); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Store) readFactors(ctx context.Context, collection storage.Collection, version string) ([]storage.FactorRecord, error) {
	cursor, err := s.collection(collection).Find(ctx,
		bson.M{"model_id": version},
		options.Find().SetSort(bson.D{{Key: "id", Value: 1}}),
	)
	if err != nil {
		return nil, storage.Unavailable(backendName, "Read", err)
	}

	var docs []factorDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, storage.Unavailable(backendName, "Read", err)
	}

	records := make([]storage.FactorRecord, len(docs))
	for i, d := range docs {
		records[i] = storage.FactorRecord{ModelID: d.ModelID, ID: d.ID, Features: d.Features}
	}
	return records, nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
