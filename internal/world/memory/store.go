// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package memory provides in-memory world repositories for tests and local development.
package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/worldtree/internal/world"
)

// Store holds worlds, entities and delete operations in memory.
// All repositories returned by a Store share its state.
type Store struct {
	mu         sync.RWMutex
	worlds     map[ulid.ULID]*world.World
	entities   map[ulid.ULID]*world.Entity
	operations map[ulid.ULID]*world.DeleteOperation

	// txMu serializes transactions so a rollback cannot clobber another transaction's writes.
	txMu sync.Mutex
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		worlds:     make(map[ulid.ULID]*world.World),
		entities:   make(map[ulid.ULID]*world.Entity),
		operations: make(map[ulid.ULID]*world.DeleteOperation),
	}
}

// Worlds returns the world repository view of the store.
func (s *Store) Worlds() *WorldRepository { return &WorldRepository{s: s} }

// Entities returns the entity repository view of the store.
func (s *Store) Entities() *EntityRepository { return &EntityRepository{s: s} }

// Operations returns the operation repository view of the store.
func (s *Store) Operations() *OperationRepository { return &OperationRepository{s: s} }

// InTransaction runs fn and, if fn fails, restores the entities fn wrote.
// Transactions are serialized with each other. Writes made outside the
// transaction are left alone unless they touch an entity fn also wrote.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	log := &undoLog{store: s, prior: make(map[ulid.ULID]*world.Entity)}
	if err := fn(context.WithValue(ctx, undoKey{}, log)); err != nil {
		s.mu.Lock()
		for id, prior := range log.prior {
			if prior == nil {
				delete(s.entities, id)
				continue
			}
			s.entities[id] = prior
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

type undoKey struct{}

// undoLog holds the state of each entity before its first write in a transaction.
// A nil entry means the entity did not exist.
type undoLog struct {
	store *Store
	prior map[ulid.ULID]*world.Entity
}

// remember records id's current state in ctx's undo log. Callers hold s.mu.
func (s *Store) remember(ctx context.Context, id ulid.ULID) {
	log, ok := ctx.Value(undoKey{}).(*undoLog)
	if !ok || log.store != s {
		return
	}
	if _, seen := log.prior[id]; seen {
		return
	}
	var prior *world.Entity
	if e, ok := s.entities[id]; ok {
		prior = e.Clone()
	}
	log.prior[id] = prior
}

// WorldRepository implements world.WorldRepository in memory.
type WorldRepository struct {
	s *Store
}

// Get retrieves a world by ID.
func (r *WorldRepository) Get(_ context.Context, id ulid.ULID) (*world.World, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	w, ok := r.s.worlds[id]
	if !ok {
		return nil, oops.Code(world.CodeWorldNotFound).With("world_id", id.String()).Wrap(world.ErrNotFound)
	}
	c := *w
	return &c, nil
}

// Create persists a new world.
func (r *WorldRepository) Create(_ context.Context, w *world.World) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.worlds[w.ID]; ok {
		return oops.Code(world.CodeWorldExists).With("world_id", w.ID.String()).Wrap(world.ErrConflict)
	}
	c := *w
	r.s.worlds[w.ID] = &c
	return nil
}

// EntityRepository implements world.EntityRepository in memory.
type EntityRepository struct {
	s *Store
}

// Get retrieves an entity by ID, including soft-deleted ones.
func (r *EntityRepository) Get(_ context.Context, worldID, id ulid.ULID) (*world.Entity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	e, err := r.lookup(worldID, id)
	if err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

// Create persists a new entity.
func (r *EntityRepository) Create(ctx context.Context, e *world.Entity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.worlds[e.WorldID]; !ok {
		return oops.Code(world.CodeWorldNotFound).With("world_id", e.WorldID.String()).Wrap(world.ErrNotFound)
	}
	if _, ok := r.s.entities[e.ID]; ok {
		return oops.Code(world.CodeEntityExists).With("entity_id", e.ID.String()).Wrap(world.ErrConflict)
	}
	r.s.remember(ctx, e.ID)
	r.s.entities[e.ID] = e.Clone()
	return nil
}

// Update writes the mutable fields of e if the stored token equals expected.
func (r *EntityRepository) Update(ctx context.Context, e *world.Entity, expected time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, err := r.lookup(e.WorldID, e.ID)
	if err != nil {
		return err
	}
	if !stored.UpdatedAt.Equal(expected) {
		return oops.Code(world.CodeConcurrencyConflict).
			With("entity_id", e.ID.String()).
			With("expected", world.FormatToken(expected)).
			With("current", stored.ETag()).
			Wrap(world.ErrConflict)
	}
	r.s.remember(ctx, e.ID)
	next := e.Clone()
	next.HasChildren = stored.HasChildren
	next.OwnerID = stored.OwnerID
	next.CreatedAt = stored.CreatedAt
	next.IsDeleted = stored.IsDeleted
	next.DeletedAt = stored.DeletedAt
	next.DeletedBy = stored.DeletedBy
	r.s.entities[e.ID] = next
	return nil
}

// SetHasChildren writes the has_children cache.
func (r *EntityRepository) SetHasChildren(ctx context.Context, worldID, id ulid.ULID, hasChildren bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, err := r.lookup(worldID, id)
	if err != nil {
		return err
	}
	r.s.remember(ctx, id)
	stored.HasChildren = hasChildren
	return nil
}

// SoftDelete marks the entity deleted; an already-deleted entity is left untouched.
func (r *EntityRepository) SoftDelete(ctx context.Context, worldID, id ulid.ULID, actorID string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, err := r.lookup(worldID, id)
	if err != nil {
		return false, err
	}
	if stored.IsDeleted {
		return false, nil
	}
	r.s.remember(ctx, id)
	deletedAt := at.UTC().Truncate(world.TokenPrecision)
	stored.IsDeleted = true
	stored.DeletedAt = &deletedAt
	stored.DeletedBy = actorID
	stored.UpdatedAt = world.NextTimestamp(at, stored.UpdatedAt)
	return true, nil
}

// ListChildren returns all active direct children of parentID.
func (r *EntityRepository) ListChildren(_ context.Context, worldID, parentID ulid.ULID) ([]*world.Entity, error) {
	return r.find(world.EntityQuery{WorldID: worldID, Parent: world.ChildrenOf(parentID)}), nil
}

// List returns up to q.Limit active entities matching q.
func (r *EntityRepository) List(_ context.Context, q world.EntityQuery) ([]*world.Entity, error) {
	return r.find(q), nil
}

func (r *EntityRepository) find(q world.EntityQuery) []*world.Entity {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*world.Entity, 0)
	for _, e := range r.s.entities {
		if q.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *world.Entity) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return a.ID.Compare(b.ID)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// lookup must be called with the store lock held.
func (r *EntityRepository) lookup(worldID, id ulid.ULID) (*world.Entity, error) {
	e, ok := r.s.entities[id]
	if !ok || e.WorldID != worldID {
		return nil, world.EntityNotFound(worldID, id)
	}
	return e, nil
}

// OperationRepository implements world.OperationRepository in memory.
type OperationRepository struct {
	s *Store
}

// Create persists a new operation.
func (r *OperationRepository) Create(_ context.Context, op *world.DeleteOperation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.operations[op.ID]; ok {
		return oops.Code(world.CodeOperationExists).With("operation_id", op.ID.String()).Wrap(world.ErrConflict)
	}
	r.s.operations[op.ID] = op.Clone()
	return nil
}

// Get retrieves an operation.
func (r *OperationRepository) Get(_ context.Context, worldID, id ulid.ULID) (*world.DeleteOperation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	op, ok := r.s.operations[id]
	if !ok || op.WorldID != worldID {
		return nil, world.OperationNotFound(id)
	}
	return op.Clone(), nil
}

// Save overwrites the stored operation. A stored terminal operation is immutable.
func (r *OperationRepository) Save(_ context.Context, op *world.DeleteOperation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.operations[op.ID]
	if !ok {
		return world.OperationNotFound(op.ID)
	}
	if stored.Status.IsTerminal() {
		return world.OperationFinished(op.ID)
	}
	r.s.operations[op.ID] = op.Clone()
	return nil
}

// ListRecent returns the newest operations of a world, newest first.
func (r *OperationRepository) ListRecent(_ context.Context, worldID ulid.ULID, limit int) ([]*world.DeleteOperation, error) {
	ops := r.collect(func(op *world.DeleteOperation) bool { return op.WorldID == worldID })
	slices.Reverse(ops)
	if limit > 0 && len(ops) > limit {
		ops = ops[:limit]
	}
	return ops, nil
}

// ListByStatus returns operations with one of the given statuses, oldest first.
func (r *OperationRepository) ListByStatus(_ context.Context, statuses ...world.OperationStatus) ([]*world.DeleteOperation, error) {
	return r.collect(func(op *world.DeleteOperation) bool { return slices.Contains(statuses, op.Status) }), nil
}

// collect returns matching operations sorted oldest first.
func (r *OperationRepository) collect(match func(*world.DeleteOperation) bool) []*world.DeleteOperation {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*world.DeleteOperation, 0)
	for _, id := range slices.SortedFunc(maps.Keys(r.s.operations), func(a, b ulid.ULID) int { return a.Compare(b) }) {
		if op := r.s.operations[id]; match(op) {
			out = append(out, op.Clone())
		}
	}
	slices.SortStableFunc(out, func(a, b *world.DeleteOperation) int {
		return cmp.Compare(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano())
	})
	return out
}

// Compile-time interface checks.
var (
	_ world.WorldRepository     = (*WorldRepository)(nil)
	_ world.EntityRepository    = (*EntityRepository)(nil)
	_ world.OperationRepository = (*OperationRepository)(nil)
	_ world.Transactor          = (*Store)(nil)
)
