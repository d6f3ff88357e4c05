package entities

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument indicates malformed or missing input; no backend call was made.
	ErrInvalidArgument = errors.New("entities: invalid argument")
	// ErrEntityExists indicates the target key is already occupied.
	ErrEntityExists = errors.New("entities: entity already exists")
	// ErrConcurrencyConflict indicates the stored row changed since it was read.
	ErrConcurrencyConflict = errors.New("entities: concurrency conflict")
	// ErrNotFound indicates the row to update no longer exists.
	ErrNotFound = errors.New("entities: entity not found")

	errMissingClient    = errors.New("entities: table client is required")
	errMissingTableName = errors.New("entities: table name is required")
	errMissingCodec     = errors.New("entities: row codec is required")
)

// StoreError carries a stable "<operation>.<reason>" code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation/reason code.
func (e *StoreError) Code() string {
	return e.code
}

// NewStoreError builds a StoreError for operation and reason.
func NewStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}
