package relational

import (
	"context"
	"fmt"
	"time"

	"github.com/objones25/factorstore/internal/storage"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type modelRow struct {
	ID      string    `gorm:"column:id;primaryKey;size:255"`
	Rank    int       `gorm:"column:rank;not null"`
	Created time.Time `gorm:"column:created;not null"`
}

func (modelRow) TableName() string { return "models" }

type factorRow struct {
	ModelID  string                       `gorm:"column:model_id;primaryKey;size:255"`
	ID       string                       `gorm:"column:id;primaryKey;size:255"`
	Features datatypes.JSONSlice[float64] `gorm:"column:features;not null"`
}

var factorTables = map[storage.Collection]string{
	storage.CollectionUserFactors:    "user_factors",
	storage.CollectionProductFactors: "product_factors",
}

// Writer stores model snapshots in relational tables and reads them back.
type Writer struct {
	db        *gorm.DB
	backend   string
	batchSize int
	logger    zerolog.Logger
}

var (
	_ storage.ModelWriter = (*Writer)(nil)
	_ storage.ModelReader = (*Writer)(nil)
	_ storage.ModelSink   = (*Writer)(nil)
)

// NewWriter wraps an open database handle. Call Migrate before the first
// write against a fresh database.
func NewWriter(db *gorm.DB, opts ...Option) *Writer {
	o := newOptions("relational_writer", opts...)
	backend := db.Dialector.Name()
	return &Writer{
		db:        db,
		backend:   backend,
		batchSize: o.batchSize,
		logger:    o.logger.With().Str("backend", backend).Logger(),
	}
}

// Migrate creates the model tables if they do not exist.
func (w *Writer) Migrate(ctx context.Context) error {
	db := w.db.WithContext(ctx)
	if err := db.AutoMigrate(&modelRow{}); err != nil {
		return storage.Unavailable(w.backend, "Migrate", err)
	}
	for _, table := range factorTables {
		if err := db.Table(table).AutoMigrate(&factorRow{}); err != nil {
			return storage.Unavailable(w.backend, "Migrate", fmt.Errorf("table %s: %w", table, err))
		}
	}
	return nil
}

// Write stores model under version.
func (w *Writer) Write(ctx context.Context, model storage.Model, version string) error {
	return storage.WriteSnapshot(ctx, w, model, version,
		storage.WithBatchSize(w.batchSize),
		storage.WithWriteLogger(w.logger),
	)
}

// InsertMetadata stores the metadata row, rejecting a version that already
// exists.
func (w *Writer) InsertMetadata(ctx context.Context, meta storage.Metadata) error {
	db := w.db.WithContext(ctx)

	var count int64
	if err := db.Model(&modelRow{}).Where("id = ?", meta.ID).Count(&count).Error; err != nil {
		return classify(w.backend, "InsertMetadata", err)
	}
	if count > 0 {
		return storage.NewStorageError(w.backend, "InsertMetadata", storage.ErrDuplicateVersion, nil)
	}

	row := modelRow{ID: meta.ID, Rank: meta.Rank, Created: meta.Created}
	if err := db.Create(&row).Error; err != nil {
		return classify(w.backend, "InsertMetadata", err)
	}
	return nil
}

// InsertFactors inserts one batch of factor rows.
func (w *Writer) InsertFactors(ctx context.Context, collection storage.Collection, records []storage.FactorRecord) error {
	table, ok := factorTables[collection]
	if !ok {
		return fmt.Errorf("unknown factor collection %q", collection)
	}

	rows := make([]factorRow, len(records))
	for i, r := range records {
		rows[i] = factorRow{ModelID: r.ModelID, ID: r.ID, Features: datatypes.NewJSONSlice(r.Features)}
	}
	if err := w.db.WithContext(ctx).Table(table).Create(&rows).Error; err != nil {
		return classify(w.backend, "InsertFactors", err)
	}
	return nil
}

// Read returns the stored model for version.
func (w *Writer) Read(ctx context.Context, version string) (*storage.StoredModel, error) {
	db := w.db.WithContext(ctx)

	var models []modelRow
	if err := db.Where("id = ?", version).Limit(1).Find(&models).Error; err != nil {
		return nil, classify(w.backend, "Read", err)
	}
	if len(models) == 0 {
		return nil, storage.NewStorageError(w.backend, "Read", storage.ErrVersionNotFound, nil)
	}

	stored := &storage.StoredModel{
		Metadata: storage.Metadata{
			ID:      models[0].ID,
			Rank:    models[0].Rank,
			Created: models[0].Created.UTC(),
		},
	}
	for collection, dst := range map[storage.Collection]*[]storage.FactorRecord{
		storage.CollectionUserFactors:    &stored.Users,
		storage.CollectionProductFactors: &stored.Products,
	} {
		var rows []factorRow
		if err := db.Table(factorTables[collection]).Where("model_id = ?", version).Order("id").Find(&rows).Error; err != nil {
			return nil, classify(w.backend, "Read", err)
		}
		records := make([]storage.FactorRecord, len(rows))
		for i, row := range rows {
			records[i] = storage.FactorRecord{ModelID: row.ModelID, ID: row.ID, Features: []float64(row.Features)}
		}
		*dst = records
	}
	return stored, nil
}

// Close releases the database connection.
func (w *Writer) Close() error {
	return closeDB(w.db)
}
