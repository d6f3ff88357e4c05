package roles

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/identitystore/internal/entities"
	"github.com/MarcoPoloResearchLab/identitystore/internal/tablestore/tablestoretest"
)

func newRoleStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Client: tablestoretest.NewClient(t), TablePrefix: "AspNet"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func mustNewRole(t *testing.T, name string) *Role {
	t.Helper()
	role, err := NewRole(name)
	if err != nil {
		t.Fatalf("failed to construct role: %v", err)
	}
	return role
}

func TestRoleLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newRoleStore(t)

	admin := mustNewRole(t, "admin")
	admin.IsActive = true
	if err := store.Create(ctx, admin); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if admin.Identity() != "YQBkAG0AaQBuAA==" || admin.PartitionID() != "219" {
		t.Fatalf("unexpected keys %s/%s", admin.PartitionID(), admin.Identity())
	}
	if err := store.Create(ctx, mustNewRole(t, "admin")); !errors.Is(err, entities.ErrEntityExists) {
		t.Fatalf("expected entity exists, got %v", err)
	}

	loaded, found, err := store.FindByID(ctx, admin.Identity())
	if err != nil || !found {
		t.Fatalf("expected role, found=%v err=%v", found, err)
	}
	if !loaded.IsActive || loaded.Name() != "admin" {
		t.Fatalf("unexpected role %+v", loaded)
	}

	if _, err := loaded.Rename("administrators"); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if err := store.Update(ctx, loaded); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, found, _ := store.FindByName(ctx, "admin"); found {
		t.Fatalf("expected old name to be gone")
	}

	count := 0
	for role, err := range store.All(ctx) {
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if role.Name() != "administrators" {
			t.Fatalf("unexpected role %q", role.Name())
		}
		count++
	}
	if count != 1 {
		t.Fatalf("expected one role, got %d", count)
	}

	if err := store.Delete(ctx, loaded); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, found, _ := store.FindByName(ctx, "administrators"); found {
		t.Fatalf("expected role to be deleted")
	}
}

func TestNewRoleRejectsBlankName(t *testing.T) {
	if _, err := NewRole(" "); !errors.Is(err, entities.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := NewStore(StoreConfig{}); err == nil {
		t.Fatalf("expected error without client")
	}
}
