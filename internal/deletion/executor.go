// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package deletion

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/worldtree/internal/world"
	"github.com/holomush/worldtree/pkg/errutil"
)

// Executor defaults.
const (
	DefaultNodeRetries    = 3
	DefaultRetryBaseDelay = 50 * time.Millisecond
)

var tracer = otel.Tracer("github.com/holomush/worldtree/internal/deletion")

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Entities world.EntityRepository
	Tracker  *Tracker
	// NodeRetries is the number of extra attempts for a transient per-entity failure.
	NodeRetries    int
	RetryBaseDelay time.Duration
	Clock          func() time.Time
	Logger         *slog.Logger
}

// Executor discovers the subtree of an operation and soft-deletes it
// deepest first, recording each outcome on the operation.
type Executor struct {
	entities  world.EntityRepository
	tracker   *Tracker
	retries   uint64
	baseDelay time.Duration
	clock     func() time.Time
	logger    *slog.Logger
}

// NewExecutor creates an executor from cfg.
func NewExecutor(cfg ExecutorConfig) *Executor {
	e := &Executor{
		entities:  cfg.Entities,
		tracker:   cfg.Tracker,
		baseDelay: cfg.RetryBaseDelay,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	if cfg.NodeRetries >= 0 {
		e.retries = uint64(cfg.NodeRetries)
	}
	if e.baseDelay <= 0 {
		e.baseDelay = DefaultRetryBaseDelay
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Run executes op until it reaches a terminal status. A pending operation is
// started from scratch; an in_progress one is resumed with its counters intact.
//
// Cancelling ctx stops processing: entities not yet attempted are recorded as
// failed so that deleted plus failed always equals the total. Terminal writes
// are made even after cancellation.
func (e *Executor) Run(ctx context.Context, op *world.DeleteOperation) (err error) {
	ctx, span := tracer.Start(ctx, "deletion.Run", trace.WithAttributes(
		attribute.String("operation.id", op.ID.String()),
		attribute.String("world.id", op.WorldID.String()),
		attribute.String("root_entity.id", op.RootEntityID.String()),
		attribute.Bool("cascade", op.Cascade),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("operation.status", op.Status.String()),
			attribute.Int("operation.deleted", op.DeletedCount),
			attribute.Int("operation.failed", op.FailedCount),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// The caller's copy may predate a run that finished elsewhere.
	fresh, err := e.tracker.Get(ctx, op.WorldID, op.ID)
	if err != nil {
		return err
	}
	if fresh != nil {
		*op = *fresh
	}
	if op.Status.IsTerminal() {
		return world.OperationFinished(op.ID)
	}
	resumed := op.Status == world.OperationInProgress
	logger := e.logger.With("operation_id", op.ID.String(), "world_id", op.WorldID.String())
	final := context.WithoutCancel(ctx)

	nodes, found, err := e.discover(ctx, op)
	if err != nil {
		if ctx.Err() != nil {
			// Nothing was attempted in this run; recovery picks the operation up again.
			return oops.With("operation_id", op.ID.String()).Wrap(err)
		}
		errutil.LogErrorContext(ctx, logger, "delete discovery failed", err)
		return e.fail(final, op, "discovery failed: "+err.Error())
	}
	if !found && op.DeletedCount+op.FailedCount == 0 {
		logger.WarnContext(ctx, "delete targets not found", "targets", len(op.TargetIDs))
		return e.fail(final, op, detailsRootNotFound)
	}

	if resumed {
		nodes = slices.DeleteFunc(nodes, func(n *world.Entity) bool {
			return n.IsDeleted || slices.Contains(op.FailedEntityIDs, n.ID)
		})
	}
	total := len(nodes)
	if resumed {
		total += op.DeletedCount + op.FailedCount
	}
	if err := e.tracker.Start(final, op, total); err != nil {
		return err
	}
	logger.InfoContext(ctx, "delete operation started",
		"total", op.TotalEntities,
		"remaining", len(nodes),
		"resumed", resumed)

	// Deepest first: discovery is breadth-first from the targets.
	slices.Reverse(nodes)
	for i, n := range nodes {
		if ctx.Err() != nil {
			return e.interrupt(final, op, nodes[i:], logger)
		}
		derr := e.deleteNode(ctx, op, n)
		if derr != nil && ctx.Err() != nil {
			return e.interrupt(final, op, nodes[i:], logger)
		}
		if derr != nil {
			if err := e.tracker.RecordFailed(final, op, n.ID, derr); err != nil {
				errutil.LogErrorContext(ctx, logger, "persist delete progress failed", err)
			}
			continue
		}
		if err := e.tracker.RecordDeleted(final, op, n.ID); err != nil {
			errutil.LogErrorContext(ctx, logger, "persist delete progress failed", err)
		}
	}
	return e.finish(final, op, logger)
}

// discover returns the targets followed by their active descendants in
// breadth-first order. found is false when no target exists at all.
func (e *Executor) discover(ctx context.Context, op *world.DeleteOperation) (nodes []*world.Entity, found bool, err error) {
	var roots []ulid.ULID
	for _, id := range op.TargetIDs {
		if slices.Contains(roots, id) {
			continue
		}
		t, err := e.entities.Get(ctx, op.WorldID, id)
		if errors.Is(err, world.ErrNotFound) {
			e.logger.WarnContext(ctx, "delete target missing",
				"operation_id", op.ID.String(),
				"entity_id", id.String())
			continue
		}
		if err != nil {
			return nil, false, oops.With("operation", "discover delete targets").
				With("entity_id", id.String()).
				Wrap(err)
		}
		nodes = append(nodes, t)
		roots = append(roots, id)
	}
	if len(nodes) == 0 {
		return nil, false, nil
	}
	if !op.Cascade {
		return nodes, true, nil
	}
	descendants, err := world.Descendants(ctx, e.entities, op.WorldID, roots...)
	if err != nil {
		return nil, false, err
	}
	return append(nodes, descendants...), true, nil
}

// deleteNode soft-deletes one entity, retrying transient failures.
// Already-deleted entities succeed without change.
func (e *Executor) deleteNode(ctx context.Context, op *world.DeleteOperation, n *world.Entity) error {
	if !op.Cascade && !n.IsDeleted {
		children, err := e.entities.ListChildren(ctx, op.WorldID, n.ID)
		if err != nil {
			return oops.With("entity_id", n.ID.String()).Wrap(err)
		}
		if len(children) > 0 {
			return world.HasChildrenError(n.ID, len(children))
		}
	}
	backoff := retry.WithMaxRetries(e.retries, retry.NewExponential(e.baseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := e.entities.SoftDelete(ctx, op.WorldID, n.ID, op.CreatedBy, e.clock())
		if err == nil {
			return nil
		}
		if world.IsRetriable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (e *Executor) interrupt(ctx context.Context, op *world.DeleteOperation, remaining []*world.Entity, logger *slog.Logger) error {
	ids := make([]ulid.ULID, len(remaining))
	for i, n := range remaining {
		ids[i] = n.ID
	}
	logger.WarnContext(ctx, "delete operation interrupted", "remaining", len(ids))
	if err := e.tracker.RecordInterrupted(ctx, op, ids); err != nil {
		errutil.LogErrorContext(ctx, logger, "persist delete progress failed", err)
	}
	return e.finish(ctx, op, logger)
}

func (e *Executor) finish(ctx context.Context, op *world.DeleteOperation, logger *slog.Logger) error {
	if err := e.tracker.Finish(ctx, op); err != nil {
		return err
	}
	logger.InfoContext(ctx, "delete operation finished",
		"status", op.Status.String(),
		"total", op.TotalEntities,
		"deleted", op.DeletedCount,
		"failed", op.FailedCount)
	return nil
}

func (e *Executor) fail(ctx context.Context, op *world.DeleteOperation, details string) error {
	if err := e.tracker.Fail(ctx, op, details); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "delete operation failed",
		"operation_id", op.ID.String(),
		"details", details)
	return nil
}
