// Package tablestore defines the partitioned key/value table contract the
// identity stores are written against, plus a gorm-backed implementation.
//
// Rows are addressed by (partition key, row key) inside a named table. Every
// write returns a fresh version tag; conditional writes compare it to detect
// concurrent modification. Batches are atomic and limited to one partition.
package tablestore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

// AnyETag matches any stored version tag.
const AnyETag = "*"

// MaxBatchOperations bounds the size of a single batch.
const MaxBatchOperations = 100

var (
	// ErrConflict indicates an insert collided with an existing row.
	ErrConflict = errors.New("tablestore: row already exists")
	// ErrPreconditionFailed indicates a version tag mismatch on a conditional write.
	ErrPreconditionFailed = errors.New("tablestore: version tag mismatch")
	// ErrNotFound indicates the addressed row does not exist.
	ErrNotFound = errors.New("tablestore: row not found")
	// ErrTableNotFound indicates the table has not been created.
	ErrTableNotFound = errors.New("tablestore: table not found")
	// ErrInvalidKey indicates an empty table name, partition key, or row key.
	ErrInvalidKey = errors.New("tablestore: invalid key")
	// ErrBatchTooLarge indicates a batch exceeded MaxBatchOperations.
	ErrBatchTooLarge = errors.New("tablestore: batch too large")
	// ErrBatchDuplicateRow indicates a batch touched the same row twice.
	ErrBatchDuplicateRow = errors.New("tablestore: batch addresses a row more than once")
)

// Row is a stored entity.
type Row struct {
	PartitionKey string
	RowKey       string
	Properties   Properties
	ETag         string
	Timestamp    time.Time
}

// BatchKind enumerates batch operation types.
type BatchKind int

const (
	// BatchInsert inserts a row that must not exist.
	BatchInsert BatchKind = iota
	// BatchUpsert inserts or replaces a row unconditionally.
	BatchUpsert
	// BatchReplace replaces an existing row, honoring ETag.
	BatchReplace
	// BatchDelete deletes an existing row, honoring ETag.
	BatchDelete
)

func (k BatchKind) String() string {
	switch k {
	case BatchInsert:
		return "insert"
	case BatchUpsert:
		return "upsert"
	case BatchReplace:
		return "replace"
	case BatchDelete:
		return "delete"
	default:
		return fmt.Sprintf("batch_kind(%d)", int(k))
	}
}

// BatchOperation is one write within a partition-scoped batch.
type BatchOperation struct {
	Kind       BatchKind
	RowKey     string
	Properties Properties
	// ETag is consulted by BatchReplace and BatchDelete; empty means AnyETag.
	ETag string
}

// BatchError reports which operation aborted a batch. No operation of the
// batch was applied.
type BatchError struct {
	Index int
	Kind  BatchKind
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("tablestore: batch operation %d (%s) failed: %v", e.Index, e.Kind, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Table is a handle to one named table. Implementations are safe for concurrent use.
type Table interface {
	Name() string
	CreateIfNotExists(ctx context.Context) error
	Insert(ctx context.Context, partitionKey, rowKey string, properties Properties) (Row, error)
	Replace(ctx context.Context, partitionKey, rowKey string, properties Properties, etag string) (Row, error)
	Upsert(ctx context.Context, partitionKey, rowKey string, properties Properties) (Row, error)
	Delete(ctx context.Context, partitionKey, rowKey, etag string) error
	Get(ctx context.Context, partitionKey, rowKey string) (Row, bool, error)
	// Scan lazily yields rows ordered by partition then row key. An empty
	// partitionKey scans the whole table. Each call starts a fresh scan.
	Scan(ctx context.Context, partitionKey string) iter.Seq2[Row, error]
	ExecuteBatch(ctx context.Context, partitionKey string, operations []BatchOperation) error
}

// Client hands out table handles.
type Client interface {
	Table(name string) Table
}

// ValidateBatch checks the partition-scoped batch invariants shared by all implementations.
func ValidateBatch(partitionKey string, operations []BatchOperation) error {
	if partitionKey == "" {
		return fmt.Errorf("%w: empty partition key", ErrInvalidKey)
	}
	if len(operations) > MaxBatchOperations {
		return fmt.Errorf("%w: %d operations (max %d)", ErrBatchTooLarge, len(operations), MaxBatchOperations)
	}
	seen := make(map[string]struct{}, len(operations))
	for index, operation := range operations {
		if operation.RowKey == "" {
			return &BatchError{Index: index, Kind: operation.Kind, Err: fmt.Errorf("%w: empty row key", ErrInvalidKey)}
		}
		if _, duplicate := seen[operation.RowKey]; duplicate {
			return &BatchError{Index: index, Kind: operation.Kind, Err: ErrBatchDuplicateRow}
		}
		seen[operation.RowKey] = struct{}{}
	}
	return nil
}
