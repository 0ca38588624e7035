// Package milvus writes model snapshots into Milvus collections so factor
// vectors can be served by similarity search. It is write-only.
package milvus

import (
	"context"
	"fmt"
	"iter"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/objones25/factorstore/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds the configuration for the Milvus writer
type Config struct {
	Host      string `koanf:"host" validate:"required"`
	Port      int    `koanf:"port" validate:"required,min=1,max=65535"`
	PoolSize  int    `koanf:"pool_size"`
	BatchSize int    `koanf:"batch_size"`
}

const (
	backendName = "milvus"

	defaultPoolSize = 2
	connTimeout     = 10 * time.Second
	shardNum        = 2
	indexNList      = 1024
	maxVarCharLen   = 256

	metadataCollection = "models"
	placeholderField   = "placeholder"
	placeholderDim     = 2
)

// Field names shared by the factor collections.
const (
	fieldPK       = "pk"
	fieldModelID  = "model_id"
	fieldID       = "id"
	fieldFeatures = "features"
	fieldRank     = "rank"
	fieldCreated  = "created"
)

// connectionPool hands out clients to concurrent writes.
type connectionPool struct {
	connections chan vectorClient
}

// Writer stores model snapshots in Milvus. Factor collections are named
// after the collection and the rank, since a vector field has a fixed
// dimension.
type Writer struct {
	pool      *connectionPool
	batchSize int
	logger    zerolog.Logger

	mu    sync.Mutex
	ready map[string]bool
}

var (
	_ storage.ModelWriter = (*Writer)(nil)
	_ storage.ModelSink   = (*Writer)(nil)
)

// New connects to Milvus and prepares the metadata collection.
func New(ctx context.Context, cfg Config) (*Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host cannot be empty")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("port must be positive")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	clients := make([]vectorClient, 0, cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		dialCtx, cancel := context.WithTimeout(ctx, connTimeout)
		c, err := dial(dialCtx, addr)
		cancel()
		if err != nil {
			for _, open := range clients {
				open.Close()
			}
			return nil, storage.Unavailable(backendName, "Open", err)
		}
		clients = append(clients, c)
	}

	w := newWriter(clients, cfg.BatchSize)
	if err := w.ensureCollection(ctx, metadataCollection, metadataSchema()); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(clients []vectorClient, batchSize int) *Writer {
	pool := &connectionPool{connections: make(chan vectorClient, len(clients))}
	for _, c := range clients {
		pool.connections <- c
	}
	return &Writer{
		pool:      pool,
		batchSize: batchSize,
		logger:    log.With().Str("component", "milvus_writer").Logger(),
		ready:     make(map[string]bool),
	}
}

func (w *Writer) getConnection(ctx context.Context) (vectorClient, error) {
	select {
	case c := <-w.pool.connections:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Writer) releaseConnection(c vectorClient) {
	w.pool.connections <- c
}

// withConnection runs op on a pooled client, mapping any failure to
// ErrStoreUnavailable.
func (w *Writer) withConnection(ctx context.Context, op string, fn func(vectorClient) error) error {
	c, err := w.getConnection(ctx)
	if err != nil {
		return storage.Unavailable(backendName, op, err)
	}
	defer w.releaseConnection(c)

	if err := fn(c); err != nil {
		return storage.Unavailable(backendName, op, err)
	}
	return nil
}

// factorCollectionName returns the Milvus collection holding collection's
// vectors of the given rank.
func factorCollectionName(collection storage.Collection, rank int) string {
	return fmt.Sprintf("%s_r%d", collection, rank)
}

// quote renders s as a string literal in a Milvus boolean expression.
func quote(s string) string {
	return strconv.Quote(s)
}

func varCharField(name string) *entity.Field {
	return &entity.Field{
		Name:       name,
		DataType:   entity.FieldTypeVarChar,
		TypeParams: map[string]string{"max_length": strconv.Itoa(maxVarCharLen)},
	}
}

func pkField() *entity.Field {
	return &entity.Field{
		Name:       fieldPK,
		DataType:   entity.FieldTypeInt64,
		PrimaryKey: true,
		AutoID:     true,
	}
}

func vectorField(name string, dim int) *entity.Field {
	return &entity.Field{
		Name:       name,
		DataType:   entity.FieldTypeFloatVector,
		TypeParams: map[string]string{"dim": strconv.Itoa(dim)},
	}
}

// metadataSchema describes the models collection. Milvus requires a vector
// field in every collection, so it carries a constant placeholder.
func metadataSchema() *entity.Schema {
	return &entity.Schema{
		CollectionName: metadataCollection,
		Description:    "Model versions",
		Fields: []*entity.Field{
			pkField(),
			varCharField(fieldID),
			{Name: fieldRank, DataType: entity.FieldTypeInt64},
			{Name: fieldCreated, DataType: entity.FieldTypeInt64},
			vectorField(placeholderField, placeholderDim),
		},
	}
}

func factorSchema(name string, rank int) *entity.Schema {
	return &entity.Schema{
		CollectionName: name,
		Description:    fmt.Sprintf("Latent factors of rank %d", rank),
		Fields: []*entity.Field{
			pkField(),
			varCharField(fieldModelID),
			varCharField(fieldID),
			vectorField(fieldFeatures, rank),
		},
	}
}

// ensureCollection creates, indexes and loads name once per writer.
func (w *Writer) ensureCollection(ctx context.Context, name string, schema *entity.Schema) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ready[name] {
		return nil
	}

	vectorName := schema.Fields[len(schema.Fields)-1].Name
	err := w.withConnection(ctx, "EnsureCollection", func(c vectorClient) error {
		exists, err := c.HasCollection(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to check collection existence: %w", err)
		}
		if !exists {
			w.logger.Debug().Str("collection", name).Msg("Creating collection")
			if err := c.CreateCollection(ctx, schema, shardNum); err != nil {
				return fmt.Errorf("failed to create collection: %w", err)
			}
			idx, err := entity.NewIndexIvfFlat(entity.L2, indexNList)
			if err != nil {
				return fmt.Errorf("failed to create index: %w", err)
			}
			if err := c.CreateIndex(ctx, name, vectorName, idx); err != nil {
				return fmt.Errorf("failed to create index: %w", err)
			}
		}
		if err := c.LoadCollection(ctx, name); err != nil {
			return fmt.Errorf("failed to load collection: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.ready[name] = true
	return nil
}

// Write stores model under version. Identifiers longer than a VarChar field
// and features outside the float32 range are rejected before anything is
// stored.
func (w *Writer) Write(ctx context.Context, model storage.Model, version string) error {
	if err := checkModel(model, version); err != nil {
		return err
	}
	return storage.WriteSnapshot(ctx, w, model, version,
		storage.WithBatchSize(w.batchSize),
		storage.WithWriteLogger(w.logger),
	)
}

// InsertMetadata checks the models collection for version and inserts the
// metadata row when it is absent.
func (w *Writer) InsertMetadata(ctx context.Context, meta storage.Metadata) error {
	if len(meta.ID) > maxVarCharLen {
		return fmt.Errorf("%w: version longer than %d bytes", storage.ErrInvalidModel, maxVarCharLen)
	}
	if err := w.ensureCollection(ctx, metadataCollection, metadataSchema()); err != nil {
		return err
	}

	duplicate := false
	err := w.withConnection(ctx, "InsertMetadata", func(c vectorClient) error {
		existing, err := c.Query(ctx, metadataCollection, fieldID+" == "+quote(meta.ID), []string{fieldID})
		if err != nil {
			return fmt.Errorf("failed to query existing versions: %w", err)
		}
		if rowCount(existing) > 0 {
			duplicate = true
			return nil
		}

		err = c.Insert(ctx, metadataCollection,
			entity.NewColumnVarChar(fieldID, []string{meta.ID}),
			entity.NewColumnInt64(fieldRank, []int64{int64(meta.Rank)}),
			entity.NewColumnInt64(fieldCreated, []int64{meta.Created.UnixNano()}),
			entity.NewColumnFloatVector(placeholderField, placeholderDim, [][]float32{make([]float32, placeholderDim)}),
		)
		if err != nil {
			return fmt.Errorf("failed to insert metadata: %w", err)
		}
		return c.Flush(ctx, metadataCollection)
	})
	if err != nil {
		return err
	}
	if duplicate {
		return storage.NewStorageError(backendName, "InsertMetadata", storage.ErrDuplicateVersion, nil)
	}
	return nil
}

// InsertFactors inserts one batch as columns, narrowing vectors to float32.
func (w *Writer) InsertFactors(ctx context.Context, collection storage.Collection, records []storage.FactorRecord) error {
	if len(records) == 0 {
		return nil
	}

	rank := len(records[0].Features)
	name := factorCollectionName(collection, rank)
	if err := w.ensureCollection(ctx, name, factorSchema(name, rank)); err != nil {
		return err
	}

	modelIDs := make([]string, len(records))
	ids := make([]string, len(records))
	vectors := make([][]float32, len(records))
	for i, r := range records {
		modelIDs[i] = r.ModelID
		ids[i] = r.ID
		vectors[i] = toFloat32(r.Features)
	}

	return w.withConnection(ctx, "InsertFactors", func(c vectorClient) error {
		err := c.Insert(ctx, name,
			entity.NewColumnVarChar(fieldModelID, modelIDs),
			entity.NewColumnVarChar(fieldID, ids),
			entity.NewColumnFloatVector(fieldFeatures, rank, vectors),
		)
		if err != nil {
			return fmt.Errorf("failed to insert batch into %s: %w", name, err)
		}
		return c.Flush(ctx, name)
	})
}

func checkModel(model storage.Model, version string) error {
	if model == nil {
		return nil
	}
	if len(version) > maxVarCharLen {
		return fmt.Errorf("%w: version longer than %d bytes", storage.ErrInvalidModel, maxVarCharLen)
	}

	for _, group := range []struct {
		kind string
		seq  iter.Seq2[string, []float64]
	}{
		{"user", model.UserFeatures()},
		{"product", model.ProductFeatures()},
	} {
		if group.seq == nil {
			continue
		}
		for id, vec := range group.seq {
			if len(id) > maxVarCharLen {
				return fmt.Errorf("%w: %s id of %d bytes exceeds %d",
					storage.ErrInvalidModel, group.kind, len(id), maxVarCharLen)
			}
			for i, v := range vec {
				if math.Abs(v) > math.MaxFloat32 {
					return fmt.Errorf("%w: %s %q feature %d overflows float32",
						storage.ErrInvalidModel, group.kind, id, i)
				}
			}
		}
	}
	return nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// rowCount returns the number of rows in a query result.
func rowCount(columns []entity.Column) int {
	if len(columns) == 0 {
		return 0
	}
	return columns[0].Len()
}

// Close closes every pooled connection.
func (w *Writer) Close() error {
	var firstErr error
	for {
		select {
		case c := <-w.pool.connections:
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			return firstErr
		}
	}
}
