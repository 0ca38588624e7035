package relational

import (
	"context"
	"slices"
	"time"

	"github.com/objones25/factorstore/internal/storage"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ratingRow mirrors one row of the source ratings table.
type ratingRow struct {
	UserID    string    `gorm:"column:userid"`
	ProductID string    `gorm:"column:productid"`
	Rating    float64   `gorm:"column:rating"`
	Timestamp time.Time `gorm:"column:timestamp"`
}

func (r ratingRow) toRating() storage.Rating {
	return storage.Rating{
		UserID:    r.UserID,
		ItemID:    r.ProductID,
		Value:     r.Rating,
		Timestamp: r.Timestamp,
	}
}

var timestampColumn = clause.Column{Name: "timestamp"}

// dialectSQLite is the name the glebarez dialector reports.
const dialectSQLite = "sqlite"

// Loader reads ratings from a relational table. It owns db and releases it
// on Close.
type Loader struct {
	db      *gorm.DB
	table   string
	backend string
	logger  zerolog.Logger
}

var _ storage.DataLoader = (*Loader)(nil)

// NewLoader wraps an open database handle.
func NewLoader(db *gorm.DB, opts ...Option) *Loader {
	o := newOptions("relational_loader", opts...)
	backend := db.Dialector.Name()
	return &Loader{
		db:      db,
		table:   o.table,
		backend: backend,
		logger:  o.logger.With().Str("backend", backend).Str("table", o.table).Logger(),
	}
}

func (l *Loader) query(ctx context.Context) *gorm.DB {
	return l.db.WithContext(ctx).Table(l.table).Select("userid", "productid", "rating", "timestamp")
}

func (l *Loader) find(ctx context.Context, op string, scope func(*gorm.DB) *gorm.DB) ([]storage.Rating, error) {
	logger := l.logger.With().Str("operation", op).Logger()

	var rows []ratingRow
	if err := scope(l.query(ctx)).Find(&rows).Error; err != nil {
		logger.Error().Err(err).Msg("Failed to query ratings")
		return nil, classify(l.backend, op, err)
	}

	ratings := make([]storage.Rating, 0, len(rows))
	for _, row := range rows {
		ratings = append(ratings, row.toRating())
	}
	logger.Debug().Int("count", len(ratings)).Msg("Loaded ratings")
	return ratings, nil
}

// FetchAll returns every rating in the table, unordered.
func (l *Loader) FetchAll(ctx context.Context) ([]storage.Rating, error) {
	return l.find(ctx, "FetchAll", func(db *gorm.DB) *gorm.DB { return db })
}

// textTimes reports whether the dialect keeps timestamps as offset-bearing
// text. Such columns are compared through julianday, which resolves to the
// millisecond, and the exact instant is settled in Go.
func (l *Loader) textTimes() bool {
	return l.backend == dialectSQLite
}

// LatestTimestamp returns the newest rating timestamp.
func (l *Loader) LatestTimestamp(ctx context.Context) (time.Time, error) {
	q := l.query(ctx)
	if l.textTimes() {
		newest := l.db.WithContext(ctx).Table(l.table).Select("max(julianday(timestamp))")
		q = q.Where("julianday(timestamp) = (?)", newest)
	} else {
		q = q.Order(clause.OrderByColumn{Column: timestampColumn, Desc: true}).Limit(1)
	}

	var rows []ratingRow
	if err := q.Find(&rows).Error; err != nil {
		l.logger.Error().Err(err).Str("operation", "LatestTimestamp").Msg("Failed to query latest timestamp")
		return time.Time{}, classify(l.backend, "LatestTimestamp", err)
	}
	if len(rows) == 0 {
		return time.Time{}, storage.NewStorageError(l.backend, "LatestTimestamp", storage.ErrEmptyStore, nil)
	}

	latest := rows[0].Timestamp
	for _, row := range rows[1:] {
		if row.Timestamp.After(latest) {
			latest = row.Timestamp
		}
	}
	return latest, nil
}

// FetchAfter returns ratings strictly newer than ts.
func (l *Loader) FetchAfter(ctx context.Context, ts time.Time) ([]storage.Rating, error) {
	if err := storage.ValidateTimestamp(ts); err != nil {
		return nil, err
	}
	if !l.textTimes() {
		return l.find(ctx, "FetchAfter", func(db *gorm.DB) *gorm.DB {
			return db.Where(clause.Gt{Column: timestampColumn, Value: ts.UTC()})
		})
	}

	// julianday rounds to the millisecond, so >= keeps every newer rating
	// and the filter below drops the ones that are not strictly newer.
	ratings, err := l.find(ctx, "FetchAfter", func(db *gorm.DB) *gorm.DB {
		return db.Where("julianday(timestamp) >= julianday(?)", ts.UTC())
	})
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(ratings, func(r storage.Rating) bool {
		return !r.Timestamp.After(ts)
	}), nil
}

// Close releases the database connection.
func (l *Loader) Close() error {
	return closeDB(l.db)
}
