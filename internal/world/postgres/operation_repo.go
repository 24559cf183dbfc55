// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/worldtree/internal/world"
)

const operationColumns = `id, world_id, root_entity_id, root_entity_name, target_ids, status, is_cascade,
	total_entities, deleted_count, failed_count, failed_entity_ids, error_details, retry_of,
	created_by, created_at, started_at, completed_at`

// OperationRepository implements world.OperationRepository using PostgreSQL.
type OperationRepository struct {
	pool poolIface
}

// NewOperationRepository creates a new PostgreSQL operation repository.
func NewOperationRepository(pool poolIface) *OperationRepository {
	return &OperationRepository{pool: pool}
}

// Create persists a new operation.
func (r *OperationRepository) Create(ctx context.Context, op *world.DeleteOperation) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO delete_operations (`+operationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, op.ID.String(), op.WorldID.String(), op.RootEntityID.String(), op.RootEntityName,
		ulidStrings(op.TargetIDs), string(op.Status), op.Cascade, op.TotalEntities, op.DeletedCount,
		op.FailedCount, ulidStrings(op.FailedEntityIDs), op.ErrorDetails, ulidToStringPtr(op.RetryOf),
		op.CreatedBy, op.CreatedAt, op.StartedAt, op.CompletedAt)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return oops.Code(world.CodeOperationExists).With("operation_id", op.ID.String()).Wrap(world.ErrConflict)
	default:
		return oops.Code("OPERATION_CREATE_FAILED").With("operation_id", op.ID.String()).Wrap(err)
	}
}

// Get retrieves an operation of a world.
func (r *OperationRepository) Get(ctx context.Context, worldID, id ulid.ULID) (*world.DeleteOperation, error) {
	row := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+operationColumns+` FROM delete_operations WHERE world_id = $1 AND id = $2`,
		worldID.String(), id.String())
	op, err := scanOperation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, world.OperationNotFound(id)
	}
	if err != nil {
		return nil, oops.Code("OPERATION_GET_FAILED").With("operation_id", id.String()).Wrap(err)
	}
	return op, nil
}

// Save overwrites the mutable state of a non-terminal operation.
func (r *OperationRepository) Save(ctx context.Context, op *world.DeleteOperation) error {
	q := conn(ctx, r.pool)
	result, err := q.Exec(ctx, `
		UPDATE delete_operations
		SET status = $2, total_entities = $3, deleted_count = $4, failed_count = $5,
			failed_entity_ids = $6, error_details = $7, started_at = $8, completed_at = $9
		WHERE id = $1 AND status IN ('pending', 'in_progress')
	`, op.ID.String(), string(op.Status), op.TotalEntities, op.DeletedCount, op.FailedCount,
		ulidStrings(op.FailedEntityIDs), op.ErrorDetails, op.StartedAt, op.CompletedAt)
	if err != nil {
		return oops.Code("OPERATION_SAVE_FAILED").With("operation_id", op.ID.String()).Wrap(err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = q.QueryRow(ctx, `SELECT status FROM delete_operations WHERE id = $1`, op.ID.String()).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return world.OperationNotFound(op.ID)
	}
	if err != nil {
		return oops.Code("OPERATION_SAVE_FAILED").With("operation_id", op.ID.String()).Wrap(err)
	}
	return world.OperationFinished(op.ID)
}

// ListRecent returns the newest operations of a world, newest first.
func (r *OperationRepository) ListRecent(ctx context.Context, worldID ulid.ULID, limit int) ([]*world.DeleteOperation, error) {
	return r.query(ctx, `SELECT `+operationColumns+` FROM delete_operations
		WHERE world_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, worldID.String(), limit)
}

// ListByStatus returns operations in any world with one of the given statuses, oldest first.
func (r *OperationRepository) ListByStatus(ctx context.Context, statuses ...world.OperationStatus) ([]*world.DeleteOperation, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return r.query(ctx, `SELECT `+operationColumns+` FROM delete_operations
		WHERE status = ANY($1) ORDER BY created_at, id`, names)
}

func (r *OperationRepository) query(ctx context.Context, sql string, args ...any) ([]*world.DeleteOperation, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, oops.Code("OPERATION_LIST_FAILED").Wrap(err)
	}
	defer rows.Close()

	ops := make([]*world.DeleteOperation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, oops.Code("OPERATION_LIST_FAILED").Wrap(err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("OPERATION_LIST_FAILED").Wrap(err)
	}
	return ops, nil
}

func scanOperation(row pgx.Row) (*world.DeleteOperation, error) {
	var (
		idStr, worldStr, rootStr, status string
		targets, failed                  []string
		retryOf                          *string
		startedAt, completedAt           *time.Time
		op                               world.DeleteOperation
	)
	if err := row.Scan(&idStr, &worldStr, &rootStr, &op.RootEntityName, &targets, &status, &op.Cascade,
		&op.TotalEntities, &op.DeletedCount, &op.FailedCount, &failed, &op.ErrorDetails, &retryOf,
		&op.CreatedBy, &op.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	var err error
	if op.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.With("operation", "parse operation id").With("id", idStr).Wrap(err)
	}
	if op.WorldID, err = ulid.Parse(worldStr); err != nil {
		return nil, oops.With("operation", "parse world id").With("world_id", worldStr).Wrap(err)
	}
	if op.RootEntityID, err = ulid.Parse(rootStr); err != nil {
		return nil, oops.With("operation", "parse root entity id").With("root_entity_id", rootStr).Wrap(err)
	}
	if op.TargetIDs, err = parseULIDs(targets, "target_ids"); err != nil {
		return nil, err
	}
	if op.FailedEntityIDs, err = parseULIDs(failed, "failed_entity_ids"); err != nil {
		return nil, err
	}
	if op.RetryOf, err = parseOptionalULID(retryOf, "retry_of"); err != nil {
		return nil, err
	}
	op.Status = world.OperationStatus(status)
	op.CreatedAt = op.CreatedAt.UTC()
	op.StartedAt = utcPtr(startedAt)
	op.CompletedAt = utcPtr(completedAt)
	return &op, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

var _ world.OperationRepository = (*OperationRepository)(nil)
