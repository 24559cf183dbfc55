// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package deletion runs cascading deletes of world entities asynchronously
// and tracks their progress as durable delete operations.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/worldtree/internal/world"
)

// List limits for ListRecent.
const (
	DefaultRecentLimit = 20
	MaxRecentLimit     = 100
)

// Error details written on terminal operations.
const (
	detailsRootNotFound = "root entity not found"
	detailsInterrupted  = "interrupted before completion"
)

// CreateOperationRequest describes a new delete operation.
type CreateOperationRequest struct {
	WorldID        ulid.ULID
	RootEntityID   ulid.ULID
	RootEntityName string
	// TargetIDs defaults to the root alone.
	TargetIDs []ulid.ULID
	Cascade   bool
	CreatedBy string
	RetryOf   *ulid.ULID
}

// Tracker owns the persisted lifecycle of delete operations.
// Only the executor running an operation calls the mutating methods for it.
type Tracker struct {
	ops    world.OperationRepository
	clock  func() time.Time
	logger *slog.Logger
}

// NewTracker creates a tracker over ops. A nil clock uses time.Now and a nil
// logger uses slog.Default.
func NewTracker(ops world.OperationRepository, clock func() time.Time, logger *slog.Logger) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{ops: ops, clock: clock, logger: logger}
}

// Create persists a new pending operation.
func (t *Tracker) Create(ctx context.Context, req CreateOperationRequest) (*world.DeleteOperation, error) {
	targets := slices.Clone(req.TargetIDs)
	if len(targets) == 0 {
		targets = []ulid.ULID{req.RootEntityID}
	}
	op := &world.DeleteOperation{
		ID:             world.NewID(),
		WorldID:        req.WorldID,
		RootEntityID:   req.RootEntityID,
		RootEntityName: req.RootEntityName,
		TargetIDs:      targets,
		Status:         world.OperationPending,
		Cascade:        req.Cascade,
		RetryOf:        req.RetryOf,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      t.clock().UTC().Truncate(world.TokenPrecision),
	}
	if err := t.ops.Create(ctx, op); err != nil {
		return nil, oops.With("operation", "create delete operation").
			With("root_entity_id", req.RootEntityID.String()).
			Wrap(err)
	}
	return op, nil
}

// Start moves a pending operation to in_progress and records the work size.
// A resumed in_progress operation keeps its counters; only the total changes.
func (t *Tracker) Start(ctx context.Context, op *world.DeleteOperation, total int) error {
	if op.Status == world.OperationPending {
		if err := op.Transition(world.OperationInProgress, t.clock()); err != nil {
			return err
		}
	}
	if op.Status != world.OperationInProgress {
		return oops.Code("INVALID_TRANSITION").
			With("operation_id", op.ID.String()).
			With("from", op.Status.String()).
			With("to", world.OperationInProgress.String()).
			Wrap(world.ErrInvalidTransition)
	}
	op.TotalEntities = total
	return t.save(ctx, op, "start")
}

// RecordDeleted counts one deleted entity.
func (t *Tracker) RecordDeleted(ctx context.Context, op *world.DeleteOperation, id ulid.ULID) error {
	op.DeletedCount++
	recordEntity(resultDeleted)
	return t.save(ctx, op, "record deleted", "entity_id", id.String())
}

// RecordFailed counts one entity that could not be deleted.
func (t *Tracker) RecordFailed(ctx context.Context, op *world.DeleteOperation, id ulid.ULID, cause error) error {
	if op.MarkFailed(id) {
		recordEntity(resultFailed)
	}
	t.logger.WarnContext(ctx, "entity delete failed",
		"operation_id", op.ID.String(),
		"entity_id", id.String(),
		"error", cause)
	return t.save(ctx, op, "record failed", "entity_id", id.String())
}

// RecordInterrupted counts every id as failed in a single write and notes the interruption.
func (t *Tracker) RecordInterrupted(ctx context.Context, op *world.DeleteOperation, ids []ulid.ULID) error {
	for _, id := range ids {
		if op.MarkFailed(id) {
			recordEntity(resultFailed)
		}
	}
	op.SetError(detailsInterrupted)
	return t.save(ctx, op, "record interrupted", "remaining", len(ids))
}

// Fail ends the operation as failed with the given details.
func (t *Tracker) Fail(ctx context.Context, op *world.DeleteOperation, details string) error {
	if err := op.Transition(world.OperationFailed, t.clock()); err != nil {
		return err
	}
	op.SetError(details)
	if err := t.save(ctx, op, "fail"); err != nil {
		return err
	}
	recordTerminal(op)
	return nil
}

// Finish ends the operation with the status its counters imply:
// completed when nothing failed, partial when something was deleted, failed otherwise.
func (t *Tracker) Finish(ctx context.Context, op *world.DeleteOperation) error {
	status := op.TerminalStatus()
	if err := op.Transition(status, t.clock()); err != nil {
		return err
	}
	if op.ErrorDetails == nil {
		switch status {
		case world.OperationPartial:
			op.SetError(fmt.Sprintf("%d of %d entities could not be deleted", op.FailedCount, op.TotalEntities))
		case world.OperationFailed:
			op.SetError("no entity could be deleted")
		case world.OperationPending, world.OperationInProgress, world.OperationCompleted:
		}
	}
	if err := t.save(ctx, op, "finish"); err != nil {
		return err
	}
	recordTerminal(op)
	return nil
}

// Get returns the operation, or nil if it does not exist.
func (t *Tracker) Get(ctx context.Context, worldID, id ulid.ULID) (*world.DeleteOperation, error) {
	op, err := t.ops.Get(ctx, worldID, id)
	if errors.Is(err, world.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.With("operation", "get delete operation").
			With("operation_id", id.String()).
			Wrap(err)
	}
	return op, nil
}

// ListRecent returns the newest operations of a world, newest first.
func (t *Tracker) ListRecent(ctx context.Context, worldID ulid.ULID, limit int) ([]*world.DeleteOperation, error) {
	switch {
	case limit <= 0:
		limit = DefaultRecentLimit
	case limit > MaxRecentLimit:
		limit = MaxRecentLimit
	}
	ops, err := t.ops.ListRecent(ctx, worldID, limit)
	if err != nil {
		return nil, oops.With("operation", "list delete operations").
			With("world_id", worldID.String()).
			Wrap(err)
	}
	return ops, nil
}

// Unfinished returns pending and in_progress operations across all worlds, oldest first.
func (t *Tracker) Unfinished(ctx context.Context) ([]*world.DeleteOperation, error) {
	ops, err := t.ops.ListByStatus(ctx, world.OperationPending, world.OperationInProgress)
	if err != nil {
		return nil, oops.With("operation", "list unfinished delete operations").Wrap(err)
	}
	return ops, nil
}

func (t *Tracker) save(ctx context.Context, op *world.DeleteOperation, step string, kv ...any) error {
	if err := t.ops.Save(ctx, op); err != nil {
		return oops.With("operation", step).
			With("operation_id", op.ID.String()).
			With("status", op.Status.String()).
			With(kv...).
			Wrap(err)
	}
	return nil
}
