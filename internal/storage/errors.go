package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable is returned when the backing store cannot be reached
	// or rejects a query or insert
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrEmptyStore is returned by LatestTimestamp when no ratings exist
	ErrEmptyStore = errors.New("ratings store is empty")

	// ErrInvalidTimestamp is returned for a timestamp the backend cannot compare
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrDuplicateVersion is returned when a version has already been written
	ErrDuplicateVersion = errors.New("model version already exists")

	// ErrPartialWrite is returned when a write failed after its metadata record
	// was committed
	ErrPartialWrite = errors.New("partial model write")

	// ErrVersionNotFound is returned by readers for an unknown version
	ErrVersionNotFound = errors.New("model version not found")

	// ErrInvalidModel is returned when a model's vectors do not match its rank
	ErrInvalidModel = errors.New("invalid model")
)

// StorageError carries the failing operation and backend alongside the
// classified kind and the driver's own error.
type StorageError struct {
	Op      string // Operation that failed
	Backend string // Backend name, e.g. "postgres"
	Kind    error  // One of the sentinel errors above
	Err     error  // Underlying error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Backend, e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewStorageError creates a new StorageError
func NewStorageError(backend, op string, kind, err error) error {
	return &StorageError{
		Op:      op,
		Backend: backend,
		Kind:    kind,
		Err:     err,
	}
}

// Unavailable wraps err as an ErrStoreUnavailable failure of op.
func Unavailable(backend, op string, err error) error {
	return NewStorageError(backend, op, ErrStoreUnavailable, err)
}

// PartialWriteError reports a write that stopped after its metadata record
// was stored. The store keeps whatever was written before the failure.
type PartialWriteError struct {
	Version string
	Phase   Collection // Collection being written when the failure happened
	Written int        // Factor records stored before the failure
	Err     error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write of version %q: failed in %s after %d factor records: %v",
		e.Version, e.Phase, e.Written, e.Err)
}

func (e *PartialWriteError) Unwrap() []error {
	return []error{ErrPartialWrite, e.Err}
}

// BatchInsertError is returned by a ModelSink whose failed batch still stored
// its first Inserted records.
type BatchInsertError struct {
	Inserted int
	Err      error
}

func (e *BatchInsertError) Error() string {
	return fmt.Sprintf("batch failed after %d records: %v", e.Inserted, e.Err)
}

func (e *BatchInsertError) Unwrap() error {
	return e.Err
}

// IsStoreUnavailable checks if an error is a "store unavailable" error
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsEmptyStore checks if an error is an "empty store" error
func IsEmptyStore(err error) bool {
	return errors.Is(err, ErrEmptyStore)
}

// IsInvalidTimestamp checks if an error is an "invalid timestamp" error
func IsInvalidTimestamp(err error) bool {
	return errors.Is(err, ErrInvalidTimestamp)
}

// IsDuplicateVersion checks if an error is a "duplicate version" error
func IsDuplicateVersion(err error) bool {
	return errors.Is(err, ErrDuplicateVersion)
}

// IsPartialWrite checks if an error is a "partial write" error
func IsPartialWrite(err error) bool {
	return errors.Is(err, ErrPartialWrite)
}

// IsVersionNotFound checks if an error is a "version not found" error
func IsVersionNotFound(err error) bool {
	return errors.Is(err, ErrVersionNotFound)
}
