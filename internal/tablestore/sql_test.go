package tablestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceTags struct {
	next int
}

func (s *sequenceTags) NewTag() (string, error) {
	s.next++
	return fmt.Sprintf("tag-%03d", s.next), nil
}

func newTestClient(t *testing.T, pageSize int) *SQLClient {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "tables.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&TableDefinition{}, &RowRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	client, err := NewSQLClient(ClientConfig{
		Database:    db,
		Clock:       func() time.Time { return time.Unix(1700000000, 0) },
		TagProvider: &sequenceTags{},
		PageSize:    pageSize,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func mustCreateTable(t *testing.T, client *SQLClient, name string) Table {
	t.Helper()
	table := client.Table(name)
	if err := table.CreateIfNotExists(context.Background()); err != nil {
		t.Fatalf("failed to create table %s: %v", name, err)
	}
	return table
}

func mustInsert(t *testing.T, table Table, partitionKey, rowKey string, properties Properties) Row {
	t.Helper()
	row, err := table.Insert(context.Background(), partitionKey, rowKey, properties)
	if err != nil {
		t.Fatalf("insert %s/%s failed: %v", partitionKey, rowKey, err)
	}
	return row
}

func TestNewSQLClientRequiresDatabase(t *testing.T) {
	if _, err := NewSQLClient(ClientConfig{}); err == nil {
		t.Fatalf("expected error without database")
	}
}

func TestCreateIfNotExistsIsIdempotent(t *testing.T) {
	client := newTestClient(t, 0)
	table := mustCreateTable(t, client, "AspNetUsers")
	if err := table.CreateIfNotExists(context.Background()); err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if err := client.Table("1bad").CreateIfNotExists(context.Background()); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key for malformed table name, got %v", err)
	}
}

func TestOperationsRequireTable(t *testing.T) {
	client := newTestClient(t, 0)
	table := client.Table("Missing")
	ctx := context.Background()
	if _, err := table.Insert(ctx, "1", "a", nil); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("insert: expected table not found, got %v", err)
	}
	if _, _, err := table.Get(ctx, "1", "a"); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("get: expected table not found, got %v", err)
	}
	for _, err := range table.Scan(ctx, "") {
		if !errors.Is(err, ErrTableNotFound) {
			t.Fatalf("scan: expected table not found, got %v", err)
		}
	}
}

func TestInsertGetAndConflict(t *testing.T) {
	client := newTestClient(t, 0)
	table := mustCreateTable(t, client, "AspNetUsers")
	ctx := context.Background()

	row := mustInsert(t, table, "250", "alice", Properties{
		"Name":              StringValue("alice@example.com"),
		"AccessFailedCount": Int64Value(2),
	})
	if row.ETag != "tag-001" {
		t.Fatalf("unexpected etag %q", row.ETag)
	}

	stored, found, err := table.Get(ctx, "250", "alice")
	if err != nil || !found {
		t.Fatalf("expected stored row, found=%v err=%v", found, err)
	}
	if name, _ := stored.Properties.String("Name"); name != "alice@example.com" {
		t.Fatalf("unexpected name %q", name)
	}
	if count, err := stored.Properties.Int64("AccessFailedCount"); err != nil || count != 2 {
		t.Fatalf("unexpected count %d (%v)", count, err)
	}
	if stored.ETag != row.ETag {
		t.Fatalf("expected etag %q, got %q", row.ETag, stored.ETag)
	}

	if _, err := table.Insert(ctx, "250", "alice", Properties{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if _, found, err := table.Get(ctx, "250", "bob"); err != nil || found {
		t.Fatalf("expected absent row, found=%v err=%v", found, err)
	}
	if _, err := table.Insert(ctx, "", "alice", nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
}

func TestTablesAreIsolated(t *testing.T) {
	client := newTestClient(t, 0)
	users := mustCreateTable(t, client, "AspNetUsers")
	roles := mustCreateTable(t, client, "AspNetRoles")
	mustInsert(t, users, "1", "same", nil)
	mustInsert(t, roles, "1", "same", nil)
	if _, found, _ := roles.Get(context.Background(), "1", "same"); !found {
		t.Fatalf("expected role row")
	}
}

func TestReplaceHonorsVersionTag(t *testing.T) {
	client := newTestClient(t, 0)
	table := mustCreateTable(t, client, "AspNetUsers")
	ctx := context.Background()
	row := mustInsert(t, table, "1", "a", Properties{"Name": StringValue("a")})

	replaced, err := table.Replace(ctx, "1", "a", Properties{"Name": StringValue("b")}, row.ETag)
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if replaced.ETag == row.ETag {
		t.Fatalf("expected a fresh etag after replace")
	}

	if _, err := table.Replace(ctx, "1", "a", Properties{}, row.ETag); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure for stale etag, got %v", err)
	}
	if _, err := table.Replace(ctx, "1", "missing", Properties{}, row.ETag); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := table.Replace(ctx, "1", "a", Properties{}, ""); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure for empty etag, got %v", err)
	}
	if _, err := table.Replace(ctx, "1", "a", Properties{"Name": StringValue("c")}, AnyETag); err != nil {
		t.Fatalf("wildcard replace failed: %v", err)
	}
	stored, _, _ := table.Get(ctx, "1", "a")
	if name, _ := stored.Properties.String("Name"); name != "c" {
		t.Fatalf("expected replaced name, got %q", name)
	}
}

func TestUpsertInsertsAndOverwrites(t *testing.T) {
	client := newTestClient(t, 0)
	table := mustCreateTable(t, client, "AspNetLogins")
	ctx := context.Background()
	first, err := table.Upsert(ctx, "google", "g-1", Properties{"UserId": StringValue("x")})
	if err != nil {
		t.Fatalf("upsert insert failed: %v", err)
	}
	second, err := table.Upsert(ctx, "google", "g-1", Properties{"UserId": StringValue("y")})
	if err != nil {
		t.Fatalf("upsert overwrite failed: %v", err)
	}
	if first.ETag == second.ETag {
		t.Fatalf("expected new etag on overwrite")
	}
	stored, _, _ := table.Get(ctx, "google", "g-1")
	if owner, _ := stored.Properties.String("UserId"); owner != "y" {
		t.Fatalf("expected overwritten owner, got %q", owner)
	}
}

func TestDeleteHonorsVersionTag(t *testing.T) {
	client := newTestClient(t, 0)
	table := mustCreateTable(t, client, "AspNetUsers")
	ctx := context.Background()
	row := mustInsert(t, table, "1", "a", nil)

	if err := table.Delete(ctx, "1", "a", "stale"); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if err := table.Delete(ctx, "1", "a", row.ETag); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := table.Delete(ctx, "1", "a", AnyETag); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestScanPagesInKeyOrder(t *testing.T) {
	client := newTestClient(t, 2)
	table := mustCreateTable(t, client, "AspNetUsers")
	mustInsert(t, table, "2", "b", nil)
	mustInsert(t, table, "1", "c", nil)
	mustInsert(t, table, "1", "a", nil)
	mustInsert(t, table, "2", "a", nil)
	mustInsert(t, table, "10", "z", nil)

	var keys []string
	for row, err := range table.Scan(context.Background(), "") {
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		keys = append(keys, row.PartitionKey+"/"+row.RowKey)
	}
	expected := []string{"1/a", "1/c", "10/z", "2/a", "2/b"}
	if fmt.Sprint(keys) != fmt.Sprint(expected) {
		t.Fatalf("expected %v, got %v", expected, keys)
	}

	var partition []string
	for row, err := range table.Scan(context.Background(), "2") {
		if err != nil {
			t.Fatalf("partition scan failed: %v", err)
		}
		partition = append(partition, row.RowKey)
	}
	if fmt.Sprint(partition) != "[a b]" {
		t.Fatalf("expected partition rows [a b], got %v", partition)
	}
}

func TestScanStopsWhenConsumerBreaks(t *testing.T) {
	client := newTestClient(t, 1)
	table := mustCreateTable(t, client, "AspNetUsers")
	for _, key := range []string{"a", "b", "c"} {
		mustInsert(t, table, "1", key, nil)
	}
	seen := 0
	for _, err := range table.Scan(context.Background(), "") {
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Fatalf("expected to stop after two rows, saw %d", seen)
	}
}

func TestExecuteBatchIsAtomic(t *testing.T) {
	client := newTestClient(t, 0)
	table := mustCreateTable(t, client, "AspNetLogins")
	ctx := context.Background()
	mustInsert(t, table, "google", "taken", Properties{"UserId": StringValue("owner")})

	err := table.ExecuteBatch(ctx, "google", []BatchOperation{
		{Kind: BatchInsert, RowKey: "fresh", Properties: Properties{"UserId": StringValue("x")}},
		{Kind: BatchInsert, RowKey: "taken", Properties: Properties{"UserId": StringValue("x")}},
	})
	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected batch error, got %v", err)
	}
	if batchErr.Index != 1 || !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict at index 1, got %v", err)
	}
	if _, found, _ := table.Get(ctx, "google", "fresh"); found {
		t.Fatalf("expected batch rollback to discard the first insert")
	}

	err = table.ExecuteBatch(ctx, "google", []BatchOperation{
		{Kind: BatchInsert, RowKey: "fresh", Properties: Properties{"UserId": StringValue("x")}},
		{Kind: BatchUpsert, RowKey: "taken", Properties: Properties{"UserId": StringValue("x")}},
	})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	taken, _, _ := table.Get(ctx, "google", "taken")
	if owner, _ := taken.Properties.String("UserId"); owner != "x" {
		t.Fatalf("expected upserted owner, got %q", owner)
	}

	err = table.ExecuteBatch(ctx, "google", []BatchOperation{
		{Kind: BatchDelete, RowKey: "fresh"},
		{Kind: BatchReplace, RowKey: "taken", Properties: Properties{}, ETag: taken.ETag},
	})
	if err != nil {
		t.Fatalf("delete/replace batch failed: %v", err)
	}
	if _, found, _ := table.Get(ctx, "google", "fresh"); found {
		t.Fatalf("expected fresh row to be deleted")
	}
}

func TestValidateBatch(t *testing.T) {
	if err := ValidateBatch("", nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key for empty partition, got %v", err)
	}
	oversized := make([]BatchOperation, MaxBatchOperations+1)
	for index := range oversized {
		oversized[index] = BatchOperation{Kind: BatchInsert, RowKey: fmt.Sprintf("k%d", index)}
	}
	if err := ValidateBatch("p", oversized); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected batch too large, got %v", err)
	}
	duplicate := []BatchOperation{{RowKey: "a"}, {RowKey: "a"}}
	if err := ValidateBatch("p", duplicate); !errors.Is(err, ErrBatchDuplicateRow) {
		t.Fatalf("expected duplicate row, got %v", err)
	}
	if err := ValidateBatch("p", oversized[:MaxBatchOperations]); err != nil {
		t.Fatalf("expected full batch to validate, got %v", err)
	}
}
