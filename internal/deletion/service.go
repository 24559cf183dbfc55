// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package deletion

import (
	"context"
	"errors"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/worldtree/internal/world"
	"github.com/holomush/worldtree/pkg/errutil"
)

// Error codes specific to delete operations.
const (
	CodeNotRetriable   = "NOT_RETRIABLE"
	CodeNothingToRetry = "NOTHING_TO_RETRY"
)

// Dispatch starts an operation in the background.
type Dispatch interface {
	Dispatch(ctx context.Context, op *world.DeleteOperation) error
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	World      *world.Service
	Tracker    *Tracker
	Dispatcher Dispatch
	Logger     *slog.Logger
}

// Service submits, inspects and retries asynchronous cascading deletes.
type Service struct {
	world      *world.Service
	tracker    *Tracker
	dispatcher Dispatch
	logger     *slog.Logger
}

// NewService creates a deletion service from cfg.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		world:      cfg.World,
		tracker:    cfg.Tracker,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
	}
}

// SubmitDelete records a pending delete of entityID and starts it in the
// background. Without cascade an entity with active children is rejected and
// no operation is created.
func (s *Service) SubmitDelete(ctx context.Context, subjectID string, worldID, entityID ulid.ULID, cascade bool) (*world.DeleteOperation, error) {
	e, err := s.world.GetEntity(ctx, subjectID, worldID, entityID)
	if err != nil {
		return nil, err
	}
	if !cascade {
		children, err := s.world.GetChildren(ctx, subjectID, worldID, entityID)
		if err != nil {
			return nil, err
		}
		if len(children) > 0 {
			return nil, world.HasChildrenError(entityID, len(children))
		}
	}

	op, err := s.tracker.Create(ctx, CreateOperationRequest{
		WorldID:        worldID,
		RootEntityID:   e.ID,
		RootEntityName: e.Name,
		Cascade:        cascade,
		CreatedBy:      subjectID,
	})
	if err != nil {
		return nil, err
	}
	s.start(ctx, op)
	return op, nil
}

// GetStatus returns an operation of the world, or nil if it does not exist.
func (s *Service) GetStatus(ctx context.Context, subjectID string, worldID, opID ulid.ULID) (*world.DeleteOperation, error) {
	if err := s.world.Authorize(ctx, subjectID, worldID); err != nil {
		return nil, err
	}
	return s.tracker.Get(ctx, worldID, opID)
}

// ListRecent returns the world's newest operations, newest first.
func (s *Service) ListRecent(ctx context.Context, subjectID string, worldID ulid.ULID, limit int) ([]*world.DeleteOperation, error) {
	if err := s.world.Authorize(ctx, subjectID, worldID); err != nil {
		return nil, err
	}
	return s.tracker.ListRecent(ctx, worldID, limit)
}

// Retry creates a new operation for what a failed or partial operation left
// behind: the whole root when it is still present, otherwise the entities
// that failed and still exist. The original operation is not modified.
func (s *Service) Retry(ctx context.Context, subjectID string, worldID, opID ulid.ULID) (*world.DeleteOperation, error) {
	if err := s.world.Authorize(ctx, subjectID, worldID); err != nil {
		return nil, err
	}
	prev, err := s.tracker.Get(ctx, worldID, opID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, world.OperationNotFound(opID)
	}
	if !prev.Status.IsRetriable() {
		return nil, oops.Code(CodeNotRetriable).
			With("operation_id", opID.String()).
			With("status", prev.Status.String()).
			Wrap(world.ErrInvalidOperation)
	}

	targets, err := s.remainingWork(ctx, subjectID, prev)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, oops.Code(CodeNothingToRetry).
			With("operation_id", opID.String()).
			Wrap(world.ErrInvalidOperation)
	}

	retryOf := prev.ID
	op, err := s.tracker.Create(ctx, CreateOperationRequest{
		WorldID:        worldID,
		RootEntityID:   prev.RootEntityID,
		RootEntityName: prev.RootEntityName,
		TargetIDs:      targets,
		Cascade:        prev.Cascade,
		CreatedBy:      subjectID,
		RetryOf:        &retryOf,
	})
	if err != nil {
		return nil, err
	}
	s.start(ctx, op)
	return op, nil
}

func (s *Service) remainingWork(ctx context.Context, subjectID string, prev *world.DeleteOperation) ([]ulid.ULID, error) {
	active := func(id ulid.ULID) (bool, error) {
		e, err := s.world.GetEntityForAudit(ctx, subjectID, prev.WorldID, id)
		if errors.Is(err, world.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return !e.IsDeleted, nil
	}

	ok, err := active(prev.RootEntityID)
	if err != nil {
		return nil, err
	}
	if ok {
		return []ulid.ULID{prev.RootEntityID}, nil
	}
	var out []ulid.ULID
	for _, id := range prev.FailedEntityIDs {
		ok, err := active(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// Recover dispatches every pending operation and resumes every in_progress
// one left behind by a previous process. It returns the number dispatched.
func (s *Service) Recover(ctx context.Context) (int, error) {
	ops, err := s.tracker.Unfinished(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, op := range ops {
		err := s.dispatcher.Dispatch(ctx, op)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrAlreadyRunning):
		default:
			return n, oops.With("operation", "recover delete operations").Wrap(err)
		}
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "recovered delete operations", "count", n)
	}
	return n, nil
}

// start hands a copy of op to the dispatcher. A failed dispatch leaves the
// operation pending for Recover.
func (s *Service) start(ctx context.Context, op *world.DeleteOperation) {
	if err := s.dispatcher.Dispatch(ctx, op.Clone()); err != nil {
		errutil.LogErrorContext(ctx, s.logger, "dispatch delete operation failed", err, "operation_id", op.ID.String())
	}
}
