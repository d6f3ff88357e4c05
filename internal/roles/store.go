// Package roles stores named roles.
package roles

import (
	"context"
	"errors"
	"iter"

	"github.com/MarcoPoloResearchLab/identitystore/internal/entities"
	"github.com/MarcoPoloResearchLab/identitystore/internal/tablestore"
	"go.uber.org/zap"
)

// DefaultTable is appended to the table prefix.
const DefaultTable = "Roles"

var errMissingClient = errors.New("roles: table client is required")

// Role is a named grouping of accounts.
type Role struct {
	entities.Entity
}

// NewRole constructs an unsaved role.
func NewRole(name string) (*Role, error) {
	entity, err := entities.NewEntity(name)
	if err != nil {
		return nil, err
	}
	return &Role{Entity: entity}, nil
}

type rowCodec struct{}

func (rowCodec) New() *Role {
	return &Role{}
}

func (rowCodec) WriteRow(*Role) (tablestore.Properties, error) {
	return tablestore.Properties{}, nil
}

func (rowCodec) ReadRow(tablestore.Properties, *Role) error {
	return nil
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Client      tablestore.Client
	TablePrefix string
	Table       string
	Logger      *zap.Logger
}

// Store persists roles.
type Store struct {
	roles *entities.Store[*Role]
}

// NewStore validates cfg and constructs a store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Client == nil {
		return nil, entities.NewStoreError("roles.store.new", "missing_client", errMissingClient)
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	roles, err := entities.NewStore(entities.StoreConfig[*Role]{
		Client:    cfg.Client,
		TableName: cfg.TablePrefix + table,
		Codec:     rowCodec{},
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Store{roles: roles}, nil
}

// EnsureTable creates the roles table if it does not exist.
func (s *Store) EnsureTable(ctx context.Context) error {
	return s.roles.EnsureTable(ctx)
}

// All lazily iterates over every stored role.
func (s *Store) All(ctx context.Context) iter.Seq2[*Role, error] {
	return s.roles.All(ctx)
}

// Create stores a new role, failing with entities.ErrEntityExists when the name is taken.
func (s *Store) Create(ctx context.Context, role *Role) error {
	return s.roles.Create(ctx, role)
}

// FindByID loads the role stored under identity.
func (s *Store) FindByID(ctx context.Context, identity string) (*Role, bool, error) {
	return s.roles.FindByID(ctx, identity)
}

// FindByName loads the role with the given name.
func (s *Store) FindByName(ctx context.Context, name string) (*Role, bool, error) {
	return s.roles.FindByName(ctx, name)
}

// Update persists role, moving it to a new key when it was renamed.
func (s *Store) Update(ctx context.Context, role *Role) error {
	return s.roles.Update(ctx, role)
}

// Delete removes role. Deleting a missing role succeeds.
func (s *Store) Delete(ctx context.Context, role *Role) error {
	return s.roles.Delete(ctx, role)
}
