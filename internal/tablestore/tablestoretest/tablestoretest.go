// Package tablestoretest provides SQLite-backed table clients for tests.
package tablestoretest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/identitystore/internal/tablestore"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// NewClient returns a client over a fresh SQLite file owned by t.
func NewClient(t testing.TB) *tablestore.SQLClient {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "tables.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&tablestore.TableDefinition{}, &tablestore.RowRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	client, err := tablestore.NewSQLClient(tablestore.ClientConfig{
		Database:    db,
		Clock:       func() time.Time { return time.Unix(1700000000, 0) },
		TagProvider: &SequenceTags{},
		PageSize:    7,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

// SequenceTags issues predictable version tags.
type SequenceTags struct {
	mu   sync.Mutex
	next int
}

// NewTag returns the next tag in sequence.
func (s *SequenceTags) NewTag() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("tag-%04d", s.next), nil
}

// CountRows counts the rows of a table, optionally limited to one partition.
func CountRows(t testing.TB, table tablestore.Table, partitionKey string) int {
	t.Helper()
	count := 0
	for _, err := range table.Scan(context.Background(), partitionKey) {
		if err != nil {
			t.Fatalf("scan %s failed: %v", table.Name(), err)
		}
		count++
	}
	return count
}

// FaultyClient wraps a client and injects failures into selected table calls.
type FaultyClient struct {
	Client tablestore.Client

	mu     sync.Mutex
	faults map[string][]error
}

// FailNext makes the next call of method on any table fail with err. Methods
// are named after the Table interface, e.g. "Delete" or "ExecuteBatch".
func (c *FaultyClient) FailNext(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.faults == nil {
		c.faults = map[string][]error{}
	}
	c.faults[method] = append(c.faults[method], err)
}

func (c *FaultyClient) take(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.faults[method]
	if len(pending) == 0 {
		return nil
	}
	c.faults[method] = pending[1:]
	return pending[0]
}

// Table returns a table handle that consults the injected faults.
func (c *FaultyClient) Table(name string) tablestore.Table {
	return &faultyTable{Table: c.Client.Table(name), client: c}
}

type faultyTable struct {
	tablestore.Table
	client *FaultyClient
}

func (t *faultyTable) CreateIfNotExists(ctx context.Context) error {
	if err := t.client.take("CreateIfNotExists"); err != nil {
		return err
	}
	return t.Table.CreateIfNotExists(ctx)
}

func (t *faultyTable) Insert(ctx context.Context, partitionKey, rowKey string, properties tablestore.Properties) (tablestore.Row, error) {
	if err := t.client.take("Insert"); err != nil {
		return tablestore.Row{}, err
	}
	return t.Table.Insert(ctx, partitionKey, rowKey, properties)
}

func (t *faultyTable) Delete(ctx context.Context, partitionKey, rowKey, etag string) error {
	if err := t.client.take("Delete"); err != nil {
		return err
	}
	return t.Table.Delete(ctx, partitionKey, rowKey, etag)
}

func (t *faultyTable) ExecuteBatch(ctx context.Context, partitionKey string, operations []tablestore.BatchOperation) error {
	if err := t.client.take("ExecuteBatch"); err != nil {
		return err
	}
	return t.Table.ExecuteBatch(ctx, partitionKey, operations)
}
