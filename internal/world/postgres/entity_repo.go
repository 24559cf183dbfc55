// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/worldtree/internal/world"
)

const entityColumns = `id, world_id, parent_id, entity_type, name, description, tags, properties,
	path, depth, has_children, owner_id, created_at, updated_at, is_deleted, deleted_at,
	deleted_by, schema_version`

// EntityRepository implements world.EntityRepository using PostgreSQL.
type EntityRepository struct {
	pool poolIface
}

// NewEntityRepository creates a new PostgreSQL entity repository.
func NewEntityRepository(pool poolIface) *EntityRepository {
	return &EntityRepository{pool: pool}
}

// Get retrieves an entity by ID, including soft-deleted ones.
func (r *EntityRepository) Get(ctx context.Context, worldID, id ulid.ULID) (*world.Entity, error) {
	row := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+entityColumns+` FROM world_entities WHERE world_id = $1 AND id = $2`,
		worldID.String(), id.String())
	e, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, world.EntityNotFound(worldID, id)
	}
	if err != nil {
		return nil, oops.Code("ENTITY_GET_FAILED").With("entity_id", id.String()).Wrap(err)
	}
	return e, nil
}

// Create persists a new entity.
func (r *EntityRepository) Create(ctx context.Context, e *world.Entity) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO world_entities (id, world_id, parent_id, entity_type, name, description, tags,
			properties, path, depth, has_children, owner_id, created_at, updated_at, schema_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, e.ID.String(), e.WorldID.String(), ulidToStringPtr(e.ParentID), string(e.Type), e.Name,
		e.Description, tagsParam(e.Tags), propertiesParam(e.Properties), ulidStrings(e.Path), e.Depth,
		e.HasChildren, e.OwnerID, e.CreatedAt, e.UpdatedAt, e.SchemaVersion)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return oops.Code(world.CodeEntityExists).With("entity_id", e.ID.String()).Wrap(world.ErrConflict)
	case isForeignKeyViolation(err):
		return oops.Code(world.CodeWorldNotFound).With("world_id", e.WorldID.String()).Wrap(world.ErrNotFound)
	default:
		return oops.Code("ENTITY_CREATE_FAILED").With("entity_id", e.ID.String()).Wrap(err)
	}
}

// Update writes the mutable fields of e if the stored updated_at equals expected.
func (r *EntityRepository) Update(ctx context.Context, e *world.Entity, expected time.Time) error {
	q := conn(ctx, r.pool)
	result, err := q.Exec(ctx, `
		UPDATE world_entities
		SET entity_type = $3, name = $4, description = $5, tags = $6, properties = $7,
			schema_version = $8, parent_id = $9, path = $10, depth = $11, updated_at = $12
		WHERE world_id = $1 AND id = $2 AND updated_at = $13
	`, e.WorldID.String(), e.ID.String(), string(e.Type), e.Name, e.Description, tagsParam(e.Tags),
		propertiesParam(e.Properties), e.SchemaVersion, ulidToStringPtr(e.ParentID), ulidStrings(e.Path),
		e.Depth, e.UpdatedAt, expected)
	if err != nil {
		return oops.Code("ENTITY_UPDATE_FAILED").With("entity_id", e.ID.String()).Wrap(err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var current time.Time
	err = q.QueryRow(ctx, `SELECT updated_at FROM world_entities WHERE world_id = $1 AND id = $2`,
		e.WorldID.String(), e.ID.String()).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return world.EntityNotFound(e.WorldID, e.ID)
	}
	if err != nil {
		return oops.Code("ENTITY_UPDATE_FAILED").With("entity_id", e.ID.String()).Wrap(err)
	}
	return oops.Code(world.CodeConcurrencyConflict).
		With("entity_id", e.ID.String()).
		With("expected", world.FormatToken(expected)).
		With("current", world.FormatToken(current)).
		Wrap(world.ErrConflict)
}

// SetHasChildren writes the has_children cache without touching updated_at.
func (r *EntityRepository) SetHasChildren(ctx context.Context, worldID, id ulid.ULID, hasChildren bool) error {
	result, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE world_entities SET has_children = $3 WHERE world_id = $1 AND id = $2`,
		worldID.String(), id.String(), hasChildren)
	if err != nil {
		return oops.Code("ENTITY_UPDATE_FAILED").With("entity_id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return world.EntityNotFound(worldID, id)
	}
	return nil
}

// SoftDelete marks the entity deleted. The token advances past both the
// deletion time and its previous value.
func (r *EntityRepository) SoftDelete(ctx context.Context, worldID, id ulid.ULID, actorID string, at time.Time) (bool, error) {
	q := conn(ctx, r.pool)
	deletedAt := at.UTC().Truncate(world.TokenPrecision)
	result, err := q.Exec(ctx, `
		UPDATE world_entities
		SET is_deleted = TRUE, deleted_at = $3, deleted_by = $4,
			updated_at = GREATEST($3, updated_at + INTERVAL '1 microsecond')
		WHERE world_id = $1 AND id = $2 AND NOT is_deleted
	`, worldID.String(), id.String(), deletedAt, actorID)
	if err != nil {
		return false, oops.Code("ENTITY_DELETE_FAILED").With("entity_id", id.String()).Wrap(err)
	}
	if result.RowsAffected() > 0 {
		return true, nil
	}

	var deleted bool
	err = q.QueryRow(ctx, `SELECT is_deleted FROM world_entities WHERE world_id = $1 AND id = $2`,
		worldID.String(), id.String()).Scan(&deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, world.EntityNotFound(worldID, id)
	}
	if err != nil {
		return false, oops.Code("ENTITY_DELETE_FAILED").With("entity_id", id.String()).Wrap(err)
	}
	return false, nil
}

// ListChildren returns all active direct children of parentID.
func (r *EntityRepository) ListChildren(ctx context.Context, worldID, parentID ulid.ULID) ([]*world.Entity, error) {
	return r.List(ctx, world.EntityQuery{WorldID: worldID, Parent: world.ChildrenOf(parentID)})
}

// List returns up to q.Limit active entities matching q, ordered by (created_at, id).
func (r *EntityRepository) List(ctx context.Context, q world.EntityQuery) ([]*world.Entity, error) {
	sql, args := buildListQuery(q)
	rows, err := conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, oops.Code("ENTITY_LIST_FAILED").With("world_id", q.WorldID.String()).Wrap(err)
	}
	defer rows.Close()

	entities := make([]*world.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, oops.Code("ENTITY_LIST_FAILED").With("world_id", q.WorldID.String()).Wrap(err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("ENTITY_LIST_FAILED").With("world_id", q.WorldID.String()).Wrap(err)
	}
	return entities, nil
}

// buildListQuery renders q as SQL with positional arguments.
func buildListQuery(q world.EntityQuery) (string, []any) {
	args := []any{q.WorldID.String()}
	where := []string{"world_id = $1", "NOT is_deleted"}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	switch q.Parent.Mode {
	case world.ParentRoots:
		where = append(where, "parent_id IS NULL")
	case world.ParentChildren:
		where = append(where, "parent_id = "+arg(q.Parent.ID.String()))
	case world.ParentAll:
	}
	if q.Type != nil {
		where = append(where, "entity_type = "+arg(string(*q.Type)))
	}
	if len(q.Tags) > 0 {
		where = append(where, "tags @> "+arg(q.Tags))
	}
	if q.After != nil {
		c := arg(q.After.CreatedAt)
		where = append(where, "(created_at, id) > ("+c+", "+arg(q.After.ID.String())+")")
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(entityColumns)
	b.WriteString(" FROM world_entities WHERE ")
	b.WriteString(strings.Join(where, " AND "))
	b.WriteString(" ORDER BY created_at, id")
	if q.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(arg(q.Limit))
	}
	return b.String(), args
}

// scanEntity scans one world_entities row selected with entityColumns.
func scanEntity(row pgx.Row) (*world.Entity, error) {
	var (
		idStr, worldStr, entityType string
		parentStr, deletedBy        *string
		tags, path                  []string
		properties                  []byte
		deletedAt                   *time.Time
		e                           world.Entity
	)
	if err := row.Scan(&idStr, &worldStr, &parentStr, &entityType, &e.Name, &e.Description, &tags,
		&properties, &path, &e.Depth, &e.HasChildren, &e.OwnerID, &e.CreatedAt, &e.UpdatedAt,
		&e.IsDeleted, &deletedAt, &deletedBy, &e.SchemaVersion); err != nil {
		return nil, err
	}

	var err error
	if e.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.With("operation", "parse entity id").With("id", idStr).Wrap(err)
	}
	if e.WorldID, err = ulid.Parse(worldStr); err != nil {
		return nil, oops.With("operation", "parse world id").With("world_id", worldStr).Wrap(err)
	}
	if e.ParentID, err = parseOptionalULID(parentStr, "parent_id"); err != nil {
		return nil, err
	}
	if e.Path, err = parseULIDs(path, "path"); err != nil {
		return nil, err
	}
	e.Type = world.EntityType(entityType)
	e.Tags = world.NormalizeTags(tags)
	if len(properties) > 0 {
		e.Properties = properties
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if deletedAt != nil {
		t := deletedAt.UTC()
		e.DeletedAt = &t
	}
	if deletedBy != nil {
		e.DeletedBy = *deletedBy
	}
	return &e, nil
}

// tagsParam never sends NULL for the NOT NULL tags column.
func tagsParam(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// propertiesParam sends absent properties as SQL NULL.
func propertiesParam(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

var _ world.EntityRepository = (*EntityRepository)(nil)
