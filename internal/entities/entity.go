package entities

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/identitystore/internal/keys"
	"github.com/MarcoPoloResearchLab/identitystore/internal/tablestore"
)

// Row properties written by the store for every entity.
const (
	PropertyName     = "Name"
	PropertyIsActive = "IsActive"
)

// Entity carries the naming and versioning state shared by every stored record.
// The identity and partition are derived from the name; the original* fields
// describe the row as it was last read or written.
type Entity struct {
	name        string
	identity    string
	partitionID string

	originalName        string
	originalIdentity    string
	originalPartitionID string

	versionTag string

	// IsActive is caller-managed and persisted as-is.
	IsActive bool
}

// NewEntity constructs an unsaved entity for name.
func NewEntity(name string) (Entity, error) {
	var entity Entity
	if err := entity.assign(name); err != nil {
		return Entity{}, err
	}
	entity.originalName = entity.name
	entity.originalIdentity = entity.identity
	entity.originalPartitionID = entity.partitionID
	return entity, nil
}

// Base exposes the entity to the store.
func (e *Entity) Base() *Entity {
	return e
}

// Name returns the current name.
func (e *Entity) Name() string {
	return e.name
}

// Identity returns the row key derived from the current name.
func (e *Entity) Identity() string {
	return e.identity
}

// PartitionID returns the partition derived from the current identity.
func (e *Entity) PartitionID() string {
	return e.partitionID
}

// OriginalName returns the name the entity was loaded or last saved with.
func (e *Entity) OriginalName() string {
	return e.originalName
}

// OriginalIdentity returns the row key the entity was loaded or last saved under.
func (e *Entity) OriginalIdentity() string {
	return e.originalIdentity
}

// VersionTag returns the concurrency token of the last read or write; empty
// for entities that were never stored.
func (e *Entity) VersionTag() string {
	return e.versionTag
}

// Renamed reports whether the name changed since the entity was loaded or saved.
func (e *Entity) Renamed() bool {
	return e.name != e.originalName
}

// Rename assigns a new name, recomputing identity and partition. It returns the
// identity in effect before the call. The stored row moves on the next Update.
func (e *Entity) Rename(newName string) (string, error) {
	previous := e.identity
	if err := e.assign(newName); err != nil {
		return previous, err
	}
	return previous, nil
}

func (e *Entity) assign(name string) error {
	identity, partitionID, err := keys.Derive(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	e.name = name
	e.identity = identity
	e.partitionID = partitionID
	return nil
}

func (e *Entity) load(row tablestore.Row) error {
	name, ok := row.Properties.String(PropertyName)
	if !ok || strings.TrimSpace(name) == "" {
		decoded, err := keys.DecodeIdentity(row.RowKey)
		if err != nil {
			return err
		}
		name = decoded
	}
	isActive, err := row.Properties.Bool(PropertyIsActive)
	if err != nil {
		return err
	}
	e.name = name
	e.identity = row.RowKey
	e.partitionID = row.PartitionKey
	e.IsActive = isActive
	e.persisted(row.ETag)
	return nil
}

// persisted commits the current naming state after a successful write.
func (e *Entity) persisted(versionTag string) {
	e.originalName = e.name
	e.originalIdentity = e.identity
	e.originalPartitionID = e.partitionID
	e.versionTag = versionTag
}
