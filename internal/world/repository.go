// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package world

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// ParentMode selects which part of the hierarchy a listing covers.
type ParentMode int

// Parent filter modes.
const (
	// ParentRoots lists entities with no parent. It is the zero value.
	ParentRoots ParentMode = iota
	// ParentChildren lists the direct children of ParentFilter.ID.
	ParentChildren
	// ParentAll lists every entity of the world regardless of hierarchy.
	ParentAll
)

// ParentFilter restricts a listing by position in the hierarchy.
type ParentFilter struct {
	Mode ParentMode
	ID   ulid.ULID
}

// Roots selects root entities only.
func Roots() ParentFilter { return ParentFilter{Mode: ParentRoots} }

// ChildrenOf selects the direct children of id.
func ChildrenOf(id ulid.ULID) ParentFilter { return ParentFilter{Mode: ParentChildren, ID: id} }

// AllEntities selects every entity of the world.
func AllEntities() ParentFilter { return ParentFilter{Mode: ParentAll} }

// EntityQuery is a repository-level listing query. Soft-deleted entities are
// always excluded. Results are ordered by (CreatedAt, ID) ascending.
type EntityQuery struct {
	WorldID ulid.ULID
	Parent  ParentFilter
	Type    *EntityType
	// Tags requires every listed tag to be present.
	Tags  []string
	After *Cursor
	Limit int
}

// Matches reports whether e satisfies the query filters (not the cursor or limit).
// In-memory backends use it; database backends push the same filters into queries.
func (q EntityQuery) Matches(e *Entity) bool {
	if e.IsDeleted || e.WorldID != q.WorldID {
		return false
	}
	switch q.Parent.Mode {
	case ParentRoots:
		if e.ParentID != nil {
			return false
		}
	case ParentChildren:
		if e.ParentID == nil || *e.ParentID != q.Parent.ID {
			return false
		}
	case ParentAll:
	}
	if q.Type != nil && e.Type != *q.Type {
		return false
	}
	if q.After != nil && !q.After.Before(e) {
		return false
	}
	return e.HasAllTags(q.Tags)
}

// EntityRepository manages entity persistence.
type EntityRepository interface {
	// Get retrieves an entity by ID, including soft-deleted ones.
	Get(ctx context.Context, worldID, id ulid.ULID) (*Entity, error)

	// Create persists a new entity.
	Create(ctx context.Context, e *Entity) error

	// Update writes the mutable fields of e (type, name, description, tags,
	// properties, schema version, parent, path, depth, updated_at) only if the
	// stored updated_at equals expected. Returns ErrConflict otherwise.
	// HasChildren is not written.
	Update(ctx context.Context, e *Entity, expected time.Time) error

	// SetHasChildren writes the has_children cache without touching updated_at.
	SetHasChildren(ctx context.Context, worldID, id ulid.ULID, hasChildren bool) error

	// SoftDelete marks the entity deleted. Deleting an already-deleted entity
	// succeeds and reports deleted=false.
	SoftDelete(ctx context.Context, worldID, id ulid.ULID, actorID string, at time.Time) (deleted bool, err error)

	// ListChildren returns all active direct children of parentID.
	ListChildren(ctx context.Context, worldID, parentID ulid.ULID) ([]*Entity, error)

	// List returns up to q.Limit active entities matching q.
	List(ctx context.Context, q EntityQuery) ([]*Entity, error)
}

// OperationRepository manages delete operation persistence.
type OperationRepository interface {
	// Create persists a new operation.
	Create(ctx context.Context, op *DeleteOperation) error

	// Get retrieves an operation, returning ErrNotFound if absent.
	Get(ctx context.Context, worldID, id ulid.ULID) (*DeleteOperation, error)

	// Save overwrites the mutable state of an operation.
	Save(ctx context.Context, op *DeleteOperation) error

	// ListRecent returns the newest operations of a world, newest first.
	ListRecent(ctx context.Context, worldID ulid.ULID, limit int) ([]*DeleteOperation, error)

	// ListByStatus returns operations in any world with one of the given statuses, oldest first.
	ListByStatus(ctx context.Context, statuses ...OperationStatus) ([]*DeleteOperation, error)
}

// World is the ownership record of a world.
type World struct {
	ID        ulid.ULID
	OwnerID   string
	Name      string
	CreatedAt time.Time
}

// WorldRepository manages world ownership records.
type WorldRepository interface {
	// Get retrieves a world by ID.
	Get(ctx context.Context, id ulid.ULID) (*World, error)

	// Create persists a new world.
	Create(ctx context.Context, w *World) error
}

// OwnerResolver resolves the owning user of a world.
type OwnerResolver interface {
	// ResolveOwner returns the owner ID, or ErrNotFound if the world does not exist.
	ResolveOwner(ctx context.Context, worldID ulid.ULID) (string, error)
}

// Transactor runs a function inside a storage transaction.
// Repository calls made with the context passed to fn participate in it.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
