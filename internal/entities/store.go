// Package entities implements the generic entity store: key derivation,
// optimistic concurrency and rename handling over one tablestore table.
package entities

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/identitystore/internal/keys"
	"github.com/MarcoPoloResearchLab/identitystore/internal/tablestore"
	"go.uber.org/zap"
)

const (
	opStoreNew   = "entities.store.new"
	opEnsure     = "entities.ensure_table"
	opAll        = "entities.all"
	opCreate     = "entities.create"
	opFindByID   = "entities.find_by_id"
	opFindByName = "entities.find_by_name"
	opUpdate     = "entities.update"
	opDelete     = "entities.delete"
)

var noOpLogger = zap.NewNop()

// Record is implemented by every type embedding Entity.
type Record interface {
	Base() *Entity
}

// RowCodec converts the type-specific part of an entity to and from row
// properties. Name and IsActive are handled by the store.
type RowCodec[E Record] interface {
	New() E
	WriteRow(entity E) (tablestore.Properties, error)
	ReadRow(properties tablestore.Properties, entity E) error
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig[E Record] struct {
	Client    tablestore.Client
	TableName string
	Codec     RowCodec[E]
	Logger    *zap.Logger
}

// Store persists one entity type in one table. It is safe for concurrent use;
// conflicting writes are serialized by the backend's version tags.
type Store[E Record] struct {
	table  tablestore.Table
	codec  RowCodec[E]
	logger *zap.Logger

	tableMu    sync.Mutex
	tableReady bool
}

// NewStore validates cfg and constructs a store. The table is created on first use.
func NewStore[E Record](cfg StoreConfig[E]) (*Store[E], error) {
	if cfg.Client == nil {
		return nil, NewStoreError(opStoreNew, "missing_client", errMissingClient)
	}
	if strings.TrimSpace(cfg.TableName) == "" {
		return nil, NewStoreError(opStoreNew, "missing_table_name", errMissingTableName)
	}
	if cfg.Codec == nil {
		return nil, NewStoreError(opStoreNew, "missing_codec", errMissingCodec)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store[E]{
		table:  cfg.Client.Table(cfg.TableName),
		codec:  cfg.Codec,
		logger: logger,
	}, nil
}

// TableName returns the name of the backing table.
func (s *Store[E]) TableName() string {
	return s.table.Name()
}

// EnsureTable creates the backing table if it does not exist yet. A failed
// attempt is retried on the next call.
func (s *Store[E]) EnsureTable(ctx context.Context) error {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	if s.tableReady {
		return nil
	}
	if err := s.table.CreateIfNotExists(ctx); err != nil {
		s.logError(opEnsure, "create_table_failed", err, zap.String("table", s.table.Name()))
		return NewStoreError(opEnsure, "create_table_failed", err)
	}
	s.tableReady = true
	return nil
}

// All lazily scans the whole table. Each iteration starts a fresh scan.
func (s *Store[E]) All(ctx context.Context) iter.Seq2[E, error] {
	return func(yield func(E, error) bool) {
		var zero E
		if err := s.EnsureTable(ctx); err != nil {
			yield(zero, err)
			return
		}
		for row, err := range s.table.Scan(ctx, "") {
			if err != nil {
				s.logError(opAll, "scan_failed", err)
				yield(zero, NewStoreError(opAll, "scan_failed", err))
				return
			}
			entity, err := s.readRow(row)
			if err != nil {
				s.logError(opAll, "decode_failed", err, zap.String("row_key", row.RowKey))
				if !yield(zero, NewStoreError(opAll, "decode_failed", err)) {
					return
				}
				continue
			}
			if !yield(entity, nil) {
				return
			}
		}
	}
}

// Create inserts entity under the key derived from its current name.
func (s *Store[E]) Create(ctx context.Context, entity E) error {
	return s.insert(ctx, opCreate, entity)
}

// FindByID loads the entity stored under identity.
func (s *Store[E]) FindByID(ctx context.Context, identity string) (E, bool, error) {
	var zero E
	if strings.TrimSpace(identity) == "" {
		return zero, false, NewStoreError(opFindByID, "invalid_argument", fmt.Errorf("%w: identity is required", ErrInvalidArgument))
	}
	return s.find(ctx, opFindByID, identity)
}

// FindByName loads the entity whose name derives to the stored identity.
func (s *Store[E]) FindByName(ctx context.Context, name string) (E, bool, error) {
	var zero E
	identity, err := keys.DeriveIdentity(name)
	if err != nil {
		return zero, false, NewStoreError(opFindByName, "invalid_argument", fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}
	return s.find(ctx, opFindByName, identity)
}

// Update persists entity. A renamed entity is created under its new identity
// and the row at the original identity is then removed; the two steps are not
// atomic and a failure in between leaves the original row behind. Otherwise the
// row is replaced only if its version tag still matches.
func (s *Store[E]) Update(ctx context.Context, entity E) error {
	base := entity.Base()
	if base.name == "" {
		return NewStoreError(opUpdate, "invalid_argument", fmt.Errorf("%w: entity has no name", ErrInvalidArgument))
	}
	if base.Renamed() {
		return s.move(ctx, entity)
	}
	if err := s.EnsureTable(ctx); err != nil {
		return err
	}
	properties, err := s.writeRow(entity)
	if err != nil {
		return NewStoreError(opUpdate, "encode_failed", err)
	}
	row, err := s.table.Replace(ctx, base.partitionID, base.identity, properties, base.versionTag)
	switch {
	case errors.Is(err, tablestore.ErrPreconditionFailed):
		return NewStoreError(opUpdate, "concurrency_conflict", fmt.Errorf("%w: %q was modified by another writer", ErrConcurrencyConflict, base.name))
	case errors.Is(err, tablestore.ErrNotFound):
		return NewStoreError(opUpdate, "not_found", fmt.Errorf("%w: %q", ErrNotFound, base.name))
	case err != nil:
		s.logError(opUpdate, "replace_failed", err, zap.String("identity", base.identity))
		return NewStoreError(opUpdate, "replace_failed", err)
	}
	base.persisted(row.ETag)
	return nil
}

// Delete removes the row the entity was loaded or last saved under, regardless
// of its version tag. Deleting a missing row succeeds.
func (s *Store[E]) Delete(ctx context.Context, entity E) error {
	base := entity.Base()
	if base.originalIdentity == "" {
		return NewStoreError(opDelete, "invalid_argument", fmt.Errorf("%w: entity has no name", ErrInvalidArgument))
	}
	if err := s.EnsureTable(ctx); err != nil {
		return err
	}
	err := s.table.Delete(ctx, base.originalPartitionID, base.originalIdentity, tablestore.AnyETag)
	if err != nil && !errors.Is(err, tablestore.ErrNotFound) {
		s.logError(opDelete, "delete_failed", err, zap.String("identity", base.originalIdentity))
		return NewStoreError(opDelete, "delete_failed", err)
	}
	return nil
}

func (s *Store[E]) move(ctx context.Context, entity E) error {
	base := entity.Base()
	previousPartition := base.originalPartitionID
	previousIdentity := base.originalIdentity
	if err := s.insert(ctx, opUpdate, entity); err != nil {
		return err
	}
	if previousIdentity == "" {
		return nil
	}
	err := s.table.Delete(ctx, previousPartition, previousIdentity, tablestore.AnyETag)
	if err != nil && !errors.Is(err, tablestore.ErrNotFound) {
		s.logError(opUpdate, "delete_previous_failed", err,
			zap.String("identity", base.identity),
			zap.String("previous_identity", previousIdentity))
		return NewStoreError(opUpdate, "delete_previous_failed", err)
	}
	return nil
}

func (s *Store[E]) insert(ctx context.Context, operation string, entity E) error {
	base := entity.Base()
	if base.name == "" {
		return NewStoreError(operation, "invalid_argument", fmt.Errorf("%w: entity has no name", ErrInvalidArgument))
	}
	if err := s.EnsureTable(ctx); err != nil {
		return err
	}
	properties, err := s.writeRow(entity)
	if err != nil {
		return NewStoreError(operation, "encode_failed", err)
	}
	row, err := s.table.Insert(ctx, base.partitionID, base.identity, properties)
	if errors.Is(err, tablestore.ErrConflict) {
		return NewStoreError(operation, "entity_exists", fmt.Errorf("%w: an entity with the name %q already exists", ErrEntityExists, base.name))
	}
	if err != nil {
		s.logError(operation, "insert_failed", err, zap.String("identity", base.identity))
		return NewStoreError(operation, "insert_failed", err)
	}
	base.persisted(row.ETag)
	return nil
}

func (s *Store[E]) find(ctx context.Context, operation, identity string) (E, bool, error) {
	var zero E
	if err := s.EnsureTable(ctx); err != nil {
		return zero, false, err
	}
	row, found, err := s.table.Get(ctx, keys.DerivePartition(identity), identity)
	if err != nil {
		s.logError(operation, "get_failed", err, zap.String("identity", identity))
		return zero, false, NewStoreError(operation, "get_failed", err)
	}
	if !found {
		return zero, false, nil
	}
	entity, err := s.readRow(row)
	if err != nil {
		s.logError(operation, "decode_failed", err, zap.String("identity", identity))
		return zero, false, NewStoreError(operation, "decode_failed", err)
	}
	return entity, true, nil
}

func (s *Store[E]) writeRow(entity E) (tablestore.Properties, error) {
	properties, err := s.codec.WriteRow(entity)
	if err != nil {
		return nil, err
	}
	if properties == nil {
		properties = tablestore.Properties{}
	}
	base := entity.Base()
	properties[PropertyName] = tablestore.StringValue(base.name)
	properties[PropertyIsActive] = tablestore.BoolValue(base.IsActive)
	return properties, nil
}

func (s *Store[E]) readRow(row tablestore.Row) (E, error) {
	entity := s.codec.New()
	if err := entity.Base().load(row); err != nil {
		var zero E
		return zero, err
	}
	if err := s.codec.ReadRow(row.Properties, entity); err != nil {
		var zero E
		return zero, err
	}
	return entity, nil
}

func (s *Store[E]) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("table", s.table.Name()),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	if len(fields) > 0 {
		attrs = append(attrs, fields...)
	}
	s.logger.Error("entity store operation failed", attrs...)
}
