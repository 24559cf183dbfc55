// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/worldtree/internal/world"
)

// WorldRepository implements world.WorldRepository using PostgreSQL.
type WorldRepository struct {
	pool poolIface
}

// NewWorldRepository creates a new PostgreSQL world repository.
func NewWorldRepository(pool poolIface) *WorldRepository {
	return &WorldRepository{pool: pool}
}

// Get retrieves a world by ID.
func (r *WorldRepository) Get(ctx context.Context, id ulid.ULID) (*world.World, error) {
	w := &world.World{ID: id}
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT owner_id, name, created_at FROM worlds WHERE id = $1`, id.String()).
		Scan(&w.OwnerID, &w.Name, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code(world.CodeWorldNotFound).With("world_id", id.String()).Wrap(world.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("WORLD_GET_FAILED").With("world_id", id.String()).Wrap(err)
	}
	w.CreatedAt = w.CreatedAt.UTC()
	return w, nil
}

// Create persists a new world.
func (r *WorldRepository) Create(ctx context.Context, w *world.World) error {
	_, err := conn(ctx, r.pool).Exec(ctx,
		`INSERT INTO worlds (id, owner_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		w.ID.String(), w.OwnerID, w.Name, w.CreatedAt)
	if isUniqueViolation(err) {
		return oops.Code(world.CodeWorldExists).With("world_id", w.ID.String()).Wrap(world.ErrConflict)
	}
	if err != nil {
		return oops.Code("WORLD_CREATE_FAILED").With("world_id", w.ID.String()).Wrap(err)
	}
	return nil
}

var _ world.WorldRepository = (*WorldRepository)(nil)
