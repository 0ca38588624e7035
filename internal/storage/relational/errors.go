package relational

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/objones25/factorstore/internal/storage"
	"gorm.io/gorm"
)

// Postgres SQLSTATE codes that carry their own meaning.
const (
	pgInvalidDatetimeFormat = "22007"
	pgDatetimeOverflow      = "22008"
	pgUniqueViolation       = "23505"
)

func hasPGCode(err error, codes ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	for _, code := range codes {
		if pgErr.Code == code {
			return true
		}
	}
	return false
}

// classify maps a driver error onto the storage taxonomy. Anything not
// recognised is treated as the store being unavailable.
func classify(backend, op string, err error) error {
	switch {
	case hasPGCode(err, pgInvalidDatetimeFormat, pgDatetimeOverflow):
		return storage.NewStorageError(backend, op, storage.ErrInvalidTimestamp, err)
	case errors.Is(err, gorm.ErrDuplicatedKey), hasPGCode(err, pgUniqueViolation):
		return storage.NewStorageError(backend, op, storage.ErrDuplicateVersion, err)
	default:
		return storage.Unavailable(backend, op, err)
	}
}
