package tablestore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPageSize = 100
	columnTableName = "table_name"
	queryRowKey     = "table_name = ? AND partition_key = ? AND row_key = ?"
	queryTableName  = columnTableName + " = ?"
	queryPartition  = "partition_key = ?"
	queryAfterKey   = "(partition_key > ? OR (partition_key = ? AND row_key > ?))"
	orderRowKeys    = "partition_key ASC, row_key ASC"
)

var (
	errMissingDatabase = errors.New("tablestore: database handle is required")
	tableNamePattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{2,62}$`)
)

// TableDefinition catalogs the tables created through CreateIfNotExists.
type TableDefinition struct {
	Name             string `gorm:"column:name;primaryKey;size:63;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TableDefinition) TableName() string {
	return "table_definitions"
}

// RowRecord is the physical representation of a Row.
type RowRecord struct {
	Table            string `gorm:"column:table_name;primaryKey;size:63;not null"`
	PartitionKey     string `gorm:"column:partition_key;primaryKey;size:255;not null"`
	RowKey           string `gorm:"column:row_key;primaryKey;size:1024;not null"`
	PropertiesJSON   string `gorm:"column:properties_json;type:text;not null"`
	ETag             string `gorm:"column:etag;size:64;not null"`
	TimestampSeconds int64  `gorm:"column:timestamp_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RowRecord) TableName() string {
	return "table_rows"
}

func (record RowRecord) toRow() (Row, error) {
	properties, err := UnmarshalProperties(record.PropertiesJSON)
	if err != nil {
		return Row{}, fmt.Errorf("row %s/%s: %w", record.PartitionKey, record.RowKey, err)
	}
	return Row{
		PartitionKey: record.PartitionKey,
		RowKey:       record.RowKey,
		Properties:   properties,
		ETag:         record.ETag,
		Timestamp:    time.Unix(record.TimestampSeconds, 0).UTC(),
	}, nil
}

// TagProvider issues version tags for written rows.
type TagProvider interface {
	NewTag() (string, error)
}

type uuidTagProvider struct{}

// NewUUIDTagProvider constructs a TagProvider that issues UUIDv7 tags.
func NewUUIDTagProvider() TagProvider {
	return &uuidTagProvider{}
}

func (p *uuidTagProvider) NewTag() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ClientConfig describes the dependencies of a SQLClient.
type ClientConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	TagProvider TagProvider
	PageSize    int
	Logger      *zap.Logger
}

// SQLClient serves tables from a relational database through gorm. The schema
// is created by database.OpenSQLite.
type SQLClient struct {
	db       *gorm.DB
	clock    func() time.Time
	tags     TagProvider
	pageSize int
	logger   *zap.Logger
}

// NewSQLClient validates cfg and constructs a client.
func NewSQLClient(cfg ClientConfig) (*SQLClient, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	tags := cfg.TagProvider
	if tags == nil {
		tags = NewUUIDTagProvider()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLClient{
		db:       cfg.Database,
		clock:    clock,
		tags:     tags,
		pageSize: pageSize,
		logger:   logger,
	}, nil
}

// Table returns a handle for the named table. The table itself is not created.
func (c *SQLClient) Table(name string) Table {
	return &sqlTable{client: c, name: name}
}

type sqlTable struct {
	client *SQLClient
	name   string
}

func (t *sqlTable) Name() string {
	return t.name
}

func (t *sqlTable) CreateIfNotExists(ctx context.Context) error {
	if !tableNamePattern.MatchString(t.name) {
		return fmt.Errorf("%w: table name %q", ErrInvalidKey, t.name)
	}
	definition := TableDefinition{
		Name:             t.name,
		CreatedAtSeconds: t.client.clock().UTC().Unix(),
	}
	result := t.client.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&definition)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		t.client.logger.Info("table created", zap.String("table", t.name))
	}
	return nil
}

func (t *sqlTable) Insert(ctx context.Context, partitionKey, rowKey string, properties Properties) (Row, error) {
	var row Row
	err := t.write(ctx, partitionKey, rowKey, func(tx *gorm.DB) error {
		inserted, err := t.insert(tx, partitionKey, rowKey, properties)
		row = inserted
		return err
	})
	return row, err
}

// Replace and Delete compare etag literally unless it is AnyETag; an empty
// tag never matches a stored row.
func (t *sqlTable) Replace(ctx context.Context, partitionKey, rowKey string, properties Properties, etag string) (Row, error) {
	var row Row
	err := t.write(ctx, partitionKey, rowKey, func(tx *gorm.DB) error {
		replaced, err := t.replace(tx, partitionKey, rowKey, properties, etag)
		row = replaced
		return err
	})
	return row, err
}

func (t *sqlTable) Upsert(ctx context.Context, partitionKey, rowKey string, properties Properties) (Row, error) {
	var row Row
	err := t.write(ctx, partitionKey, rowKey, func(tx *gorm.DB) error {
		upserted, err := t.upsert(tx, partitionKey, rowKey, properties)
		row = upserted
		return err
	})
	return row, err
}

func (t *sqlTable) Delete(ctx context.Context, partitionKey, rowKey, etag string) error {
	return t.write(ctx, partitionKey, rowKey, func(tx *gorm.DB) error {
		return t.delete(tx, partitionKey, rowKey, etag)
	})
}

func (t *sqlTable) Get(ctx context.Context, partitionKey, rowKey string) (Row, bool, error) {
	if err := validateKeys(partitionKey, rowKey); err != nil {
		return Row{}, false, err
	}
	db := t.client.db.WithContext(ctx)
	if err := t.requireTable(db); err != nil {
		return Row{}, false, err
	}
	var record RowRecord
	err := db.Where(queryRowKey, t.name, partitionKey, rowKey).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	row, err := record.toRow()
	if err != nil {
		return Row{}, false, err
	}
	return row, true, nil
}

func (t *sqlTable) Scan(ctx context.Context, partitionKey string) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		db := t.client.db.WithContext(ctx)
		if err := t.requireTable(db); err != nil {
			yield(Row{}, err)
			return
		}
		var last *RowRecord
		for {
			query := db.Where(queryTableName, t.name)
			if partitionKey != "" {
				query = query.Where(queryPartition, partitionKey)
			}
			if last != nil {
				query = query.Where(queryAfterKey, last.PartitionKey, last.PartitionKey, last.RowKey)
			}
			var page []RowRecord
			if err := query.Order(orderRowKeys).Limit(t.client.pageSize).Find(&page).Error; err != nil {
				yield(Row{}, err)
				return
			}
			for _, record := range page {
				row, err := record.toRow()
				if !yield(row, err) {
					return
				}
			}
			if len(page) < t.client.pageSize {
				return
			}
			last = &page[len(page)-1]
		}
	}
}

func (t *sqlTable) ExecuteBatch(ctx context.Context, partitionKey string, operations []BatchOperation) error {
	if err := ValidateBatch(partitionKey, operations); err != nil {
		return err
	}
	if len(operations) == 0 {
		return nil
	}
	err := t.client.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := t.requireTable(tx); err != nil {
			return err
		}
		for index, operation := range operations {
			if err := t.apply(tx, partitionKey, operation); err != nil {
				return &BatchError{Index: index, Kind: operation.Kind, Err: err}
			}
		}
		return nil
	})
	if err != nil {
		t.client.logger.Debug("table batch rejected",
			zap.String("table", t.name),
			zap.String("partition_key", partitionKey),
			zap.Int("operations", len(operations)),
			zap.Error(err))
	}
	return err
}

func (t *sqlTable) apply(tx *gorm.DB, partitionKey string, operation BatchOperation) error {
	etag := operation.ETag
	if etag == "" {
		etag = AnyETag
	}
	var err error
	switch operation.Kind {
	case BatchInsert:
		_, err = t.insert(tx, partitionKey, operation.RowKey, operation.Properties)
	case BatchUpsert:
		_, err = t.upsert(tx, partitionKey, operation.RowKey, operation.Properties)
	case BatchReplace:
		_, err = t.replace(tx, partitionKey, operation.RowKey, operation.Properties, etag)
	case BatchDelete:
		err = t.delete(tx, partitionKey, operation.RowKey, etag)
	default:
		err = fmt.Errorf("tablestore: unsupported batch kind %s", operation.Kind)
	}
	return err
}

// write runs a single-row mutation together with the table existence check.
func (t *sqlTable) write(ctx context.Context, partitionKey, rowKey string, mutate func(tx *gorm.DB) error) error {
	if err := validateKeys(partitionKey, rowKey); err != nil {
		return err
	}
	return t.client.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := t.requireTable(tx); err != nil {
			return err
		}
		return mutate(tx)
	})
}

func (t *sqlTable) insert(tx *gorm.DB, partitionKey, rowKey string, properties Properties) (Row, error) {
	record, err := t.newRecord(partitionKey, rowKey, properties)
	if err != nil {
		return Row{}, err
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		return Row{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Row{}, ErrConflict
	}
	return record.toRow()
}

func (t *sqlTable) upsert(tx *gorm.DB, partitionKey, rowKey string, properties Properties) (Row, error) {
	record, err := t.newRecord(partitionKey, rowKey, properties)
	if err != nil {
		return Row{}, err
	}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnTableName}, {Name: "partition_key"}, {Name: "row_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"properties_json", "etag", "timestamp_s"}),
	}).Create(&record).Error
	if err != nil {
		return Row{}, err
	}
	return record.toRow()
}

func (t *sqlTable) replace(tx *gorm.DB, partitionKey, rowKey string, properties Properties, etag string) (Row, error) {
	record, err := t.newRecord(partitionKey, rowKey, properties)
	if err != nil {
		return Row{}, err
	}
	query := tx.Model(&RowRecord{}).Where(queryRowKey, t.name, partitionKey, rowKey)
	if etag != AnyETag {
		query = query.Where("etag = ?", etag)
	}
	result := query.Updates(map[string]interface{}{
		"properties_json": record.PropertiesJSON,
		"etag":            record.ETag,
		"timestamp_s":     record.TimestampSeconds,
	})
	if result.Error != nil {
		return Row{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Row{}, t.missingOrStale(tx, partitionKey, rowKey)
	}
	return record.toRow()
}

func (t *sqlTable) delete(tx *gorm.DB, partitionKey, rowKey, etag string) error {
	query := tx.Where(queryRowKey, t.name, partitionKey, rowKey)
	if etag != AnyETag {
		query = query.Where("etag = ?", etag)
	}
	result := query.Delete(&RowRecord{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return t.missingOrStale(tx, partitionKey, rowKey)
	}
	return nil
}

// missingOrStale classifies a conditional write that matched no row.
func (t *sqlTable) missingOrStale(tx *gorm.DB, partitionKey, rowKey string) error {
	var count int64
	if err := tx.Model(&RowRecord{}).Where(queryRowKey, t.name, partitionKey, rowKey).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrPreconditionFailed
}

func (t *sqlTable) requireTable(db *gorm.DB) error {
	var count int64
	if err := db.Model(&TableDefinition{}).Where("name = ?", t.name).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrTableNotFound, t.name)
	}
	return nil
}

func (t *sqlTable) newRecord(partitionKey, rowKey string, properties Properties) (RowRecord, error) {
	propertiesJSON, err := MarshalProperties(properties)
	if err != nil {
		return RowRecord{}, err
	}
	tag, err := t.client.tags.NewTag()
	if err != nil {
		return RowRecord{}, fmt.Errorf("issue version tag: %w", err)
	}
	return RowRecord{
		Table:            t.name,
		PartitionKey:     partitionKey,
		RowKey:           rowKey,
		PropertiesJSON:   propertiesJSON,
		ETag:             tag,
		TimestampSeconds: t.client.clock().UTC().Unix(),
	}, nil
}

func validateKeys(partitionKey, rowKey string) error {
	if partitionKey == "" {
		return fmt.Errorf("%w: empty partition key", ErrInvalidKey)
	}
	if rowKey == "" {
		return fmt.Errorf("%w: empty row key", ErrInvalidKey)
	}
	return nil
}
