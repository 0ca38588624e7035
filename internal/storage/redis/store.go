// Package redis stores model snapshots in Redis: one string key per version
// for metadata and one hash per version and collection for factors.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/objones25/factorstore/internal/storage"
	"github.com/objones25/factorstore/internal/storage/compression"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	backendName = "redis"

	defaultPoolSize     = 10
	defaultMinIdleConns = 2
	defaultMaxRetries   = 3
	defaultDialTimeout  = 5 * time.Second
)

// Config holds the Redis connection settings. Zero numeric settings other
// than DB fall back to the package defaults.
type Config struct {
	Host      string `koanf:"host" validate:"required"`
	Port      string `koanf:"port" validate:"required"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db" validate:"min=0"`
	KeyPrefix string `koanf:"key_prefix"`

	PoolSize             int `koanf:"pool_size"`
	MinIdleConns         int `koanf:"min_idle_conns"`
	MaxRetries           int `koanf:"max_retries"`
	CompressionThreshold int `koanf:"compression_threshold"`
	BatchSize            int `koanf:"batch_size"`
}

// Store writes and reads model snapshots.
type Store struct {
	client    *goredis.Client
	prefix    string
	codec     *compression.Codec
	batchSize int
	logger    zerolog.Logger
}

var (
	_ storage.ModelWriter = (*Store)(nil)
	_ storage.ModelReader = (*Store)(nil)
	_ storage.ModelSink   = (*Store)(nil)
)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host cannot be empty")
	}
	if cfg.Port == "" {
		return nil, fmt.Errorf("port cannot be empty")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.MinIdleConns <= 0 {
		cfg.MinIdleConns = defaultMinIdleConns
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.CompressionThreshold == 0 {
		cfg.CompressionThreshold = compression.DefaultThreshold
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, storage.Unavailable(backendName, "Open", err)
	}

	return &Store{
		client:    client,
		prefix:    cfg.KeyPrefix,
		codec:     compression.NewCodec(cfg.CompressionThreshold),
		batchSize: cfg.BatchSize,
		logger:    log.With().Str("component", "redis_store").Logger(),
	}, nil
}

func (s *Store) metadataKey(version string) string {
	return fmt.Sprintf("%s%s:%s", s.prefix, storage.CollectionModels, version)
}

func (s *Store) factorsKey(collection storage.Collection, version string) string {
	return fmt.Sprintf("%s%s:%s", s.prefix, collection, version)
}

// Write stores model under version.
func (s *Store) Write(ctx context.Context, model storage.Model, version string) error {
	return storage.WriteSnapshot(ctx, s, model, version,
		storage.WithBatchSize(s.batchSize),
		storage.WithWriteLogger(s.logger),
	)
}

// InsertMetadata claims the version with SETNX so a concurrent or repeated
// write of the same version fails before any factor is stored.
func (s *Store) InsertMetadata(ctx context.Context, meta storage.Metadata) error {
	data, err := s.codec.Encode(meta)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.metadataKey(meta.ID), data, 0).Result()
	if err != nil {
		return storage.Unavailable(backendName, "InsertMetadata", err)
	}
	if !ok {
		return storage.NewStorageError(backendName, "InsertMetadata", storage.ErrDuplicateVersion, nil)
	}
	return nil
}

// InsertFactors adds one batch of records to the version's hash.
func (s *Store) InsertFactors(ctx context.Context, collection storage.Collection, records []storage.FactorRecord) error {
	if len(records) == 0 {
		return nil
	}

	values := make(map[string]interface{}, len(records))
	for _, r := range records {
		data, err := s.codec.Encode(r.Features)
		if err != nil {
			return fmt.Errorf("failed to encode %s/%s: %w", collection, r.ID, err)
		}
		values[r.ID] = data
	}

	if err := s.client.HSet(ctx, s.factorsKey(collection, records[0].ModelID), values).Err(); err != nil {
		return storage.Unavailable(backendName, "InsertFactors", err)
	}
	return nil
}

// Read returns the stored model for version.
func (s *Store) Read(ctx context.Context, version string) (*storage.StoredModel, error) {
	data, err := s.client.Get(ctx, s.metadataKey(version)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.NewStorageError(backendName, "Read", storage.ErrVersionNotFound, nil)
	}
	if err != nil {
		return nil, storage.Unavailable(backendName, "Read", err)
	}

	stored := &storage.StoredModel{}
	if err := s.codec.Decode(data, &stored.Metadata); err != nil {
		return nil, err
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
	fields, err := s.client.HGetAll(ctx, s.factorsKey(collection, version)).Result()
	if err != nil {
		return nil, storage.Unavailable(backendName, "Read", err)
	}

	records := make([]storage.FactorRecord, 0, len(fields))
	for id, raw := range fields {
		var features []float64
		if err := s.codec.Decode([]byte(raw), &features); err != nil {
			return nil, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
		}
		records = append(records, storage.FactorRecord{ModelID: version, ID: id, Features: features})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// Health checks the health of the Redis connection
func (s *Store) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements proper resource cleanup
func (s *Store) Close() error {
	return s.client.Close()
}
