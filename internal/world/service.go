// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package world

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("worldtree/world")

// Listing limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ServiceConfig holds dependencies for Service.
type ServiceConfig struct {
	EntityRepo EntityRepository
	Owners     OwnerResolver
	Transactor Transactor

	// Validator defaults to DefaultValidator.
	Validator Validator
	// Versions defaults to SupportedVersions{Max: CurrentSchemaVersion}.
	Versions VersionChecker
	// MaxListLimit defaults to MaxListLimit.
	MaxListLimit int
	// Clock defaults to time.Now.
	Clock  func() time.Time
	Logger *slog.Logger
}

// Service provides authorized access to world entities.
// Every operation checks world ownership before touching entities.
type Service struct {
	entities   EntityRepository
	owners     OwnerResolver
	transactor Transactor
	validator  Validator
	versions   VersionChecker
	maxLimit   int
	clock      func() time.Time
	logger     *slog.Logger
}

// NewService creates a new Service with the given configuration.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		entities:   cfg.EntityRepo,
		owners:     cfg.Owners,
		transactor: cfg.Transactor,
		validator:  cfg.Validator,
		versions:   cfg.Versions,
		maxLimit:   cfg.MaxListLimit,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
	if s.validator == nil {
		s.validator = DefaultValidator{}
	}
	if s.versions == nil {
		s.versions = SupportedVersions{Max: CurrentSchemaVersion}
	}
	if s.maxLimit <= 0 {
		s.maxLimit = MaxListLimit
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Entities returns the underlying entity repository.
func (s *Service) Entities() EntityRepository {
	return s.entities
}

// Authorize checks that subjectID owns worldID.
// It returns ErrNotFound if the world does not exist and ErrUnauthorized on an owner mismatch.
func (s *Service) Authorize(ctx context.Context, subjectID string, worldID ulid.ULID) error {
	owner, err := s.owners.ResolveOwner(ctx, worldID)
	if errors.Is(err, ErrNotFound) {
		return oops.Code(CodeWorldNotFound).With("world_id", worldID.String()).Wrap(err)
	}
	if err != nil {
		return oops.With("operation", "resolve world owner").With("world_id", worldID.String()).Wrap(err)
	}
	if subjectID == "" || owner != subjectID {
		return unauthorized(subjectID, worldID.String())
	}
	return nil
}

// CreateEntityRequest describes a new entity.
type CreateEntityRequest struct {
	WorldID       ulid.ULID
	ParentID      *ulid.ULID
	Type          EntityType
	Name          string
	Description   string
	Tags          []string
	Properties    json.RawMessage
	SchemaVersion int // 0 means CurrentSchemaVersion
}

// CreateEntity creates an entity owned by subjectID.
// The parent, if any, must be an active entity of the same world. The parent's
// HasChildren flag is raised in the same transaction as the insert.
func (s *Service) CreateEntity(ctx context.Context, subjectID string, req CreateEntityRequest) (_ *Entity, err error) {
	ctx, span := tracer.Start(ctx, "world.create_entity", trace.WithAttributes(
		attribute.String("world_id", req.WorldID.String()),
	))
	defer func() { endSpan(span, err) }()

	if err := s.Authorize(ctx, subjectID, req.WorldID); err != nil {
		return nil, err
	}

	now := s.now()
	e := &Entity{
		ID:            NewID(),
		WorldID:       req.WorldID,
		Type:          req.Type,
		Name:          req.Name,
		Description:   req.Description,
		Tags:          NormalizeTags(req.Tags),
		Properties:    req.Properties,
		OwnerID:       subjectID,
		CreatedAt:     now,
		UpdatedAt:     now,
		SchemaVersion: req.SchemaVersion,
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = CurrentSchemaVersion
	}
	if err := s.validate(e); err != nil {
		return nil, err
	}

	var parent *Entity
	if req.ParentID != nil {
		parent, err = s.activeParent(ctx, req.WorldID, *req.ParentID)
		if err != nil {
			return nil, err
		}
	}
	PlaceUnder(e, parent)

	err = s.transactor.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.entities.Create(ctx, e); err != nil {
			return err
		}
		if parent != nil && !parent.HasChildren {
			return s.entities.SetHasChildren(ctx, e.WorldID, parent.ID, true)
		}
		return nil
	})
	if err != nil {
		return nil, oops.Wrapf(err, "create entity %s", e.ID)
	}
	s.logger.DebugContext(ctx, "entity created",
		"world_id", e.WorldID.String(),
		"entity_id", e.ID.String(),
		"depth", e.Depth)
	return e, nil
}

// GetEntity retrieves an active entity. Soft-deleted entities are reported as not found.
func (s *Service) GetEntity(ctx context.Context, subjectID string, worldID, id ulid.ULID) (*Entity, error) {
	e, err := s.GetEntityForAudit(ctx, subjectID, worldID, id)
	if err != nil {
		return nil, err
	}
	if e.IsDeleted {
		return nil, entityNotFound(worldID.String(), id.String())
	}
	return e, nil
}

// GetEntityForAudit retrieves an entity including soft-deleted ones.
func (s *Service) GetEntityForAudit(ctx context.Context, subjectID string, worldID, id ulid.ULID) (*Entity, error) {
	if err := s.Authorize(ctx, subjectID, worldID); err != nil {
		return nil, err
	}
	e, err := s.entities.Get(ctx, worldID, id)
	if err != nil {
		return nil, oops.Wrapf(err, "get entity %s", id)
	}
	return e, nil
}

// ParentChange requests a move. A nil ID moves the entity to the root.
type ParentChange struct {
	ID *ulid.ULID
}

// UpdateEntityRequest describes a partial update. Nil fields are left unchanged;
// a non-nil empty Tags slice clears the tags.
type UpdateEntityRequest struct {
	WorldID ulid.ULID
	ID      ulid.ULID
	// IfMatch, when set, must equal the entity's current ETag.
	IfMatch string

	Type          *EntityType
	Name          *string
	Description   *string
	Tags          []string
	Properties    json.RawMessage
	SchemaVersion *int
	Parent        *ParentChange
}

// UpdateEntity applies a partial update and bumps UpdatedAt.
// A stale IfMatch, or a concurrent write between read and write, returns ErrConflict.
func (s *Service) UpdateEntity(ctx context.Context, subjectID string, req UpdateEntityRequest) (_ *Entity, err error) {
	ctx, span := tracer.Start(ctx, "world.update_entity", trace.WithAttributes(
		attribute.String("world_id", req.WorldID.String()),
		attribute.String("entity_id", req.ID.String()),
	))
	defer func() { endSpan(span, err) }()

	current, err := s.GetEntity(ctx, subjectID, req.WorldID, req.ID)
	if err != nil {
		return nil, err
	}
	if req.IfMatch != "" && req.IfMatch != current.ETag() {
		return nil, oops.Code(CodeConcurrencyConflict).
			With("entity_id", req.ID.String()).
			With("if_match", req.IfMatch).
			With("current", current.ETag()).
			Wrap(ErrConflict)
	}

	updated := current.Clone()
	if req.Type != nil {
		updated.Type = *req.Type
	}
	if req.Name != nil {
		updated.Name = *req.Name
	}
	if req.Description != nil {
		updated.Description = *req.Description
	}
	if req.Tags != nil {
		updated.Tags = NormalizeTags(req.Tags)
	}
	if req.Properties != nil {
		updated.Properties = req.Properties
	}
	if req.SchemaVersion != nil {
		updated.SchemaVersion = *req.SchemaVersion
	}
	if err := s.validate(updated); err != nil {
		return nil, err
	}

	var newParent *Entity
	if req.Parent != nil && !sameParent(current.ParentID, req.Parent.ID) {
		if req.Parent.ID != nil {
			if *req.Parent.ID == current.ID {
				return nil, ValidateMove(current, current)
			}
			newParent, err = s.activeParent(ctx, req.WorldID, *req.Parent.ID)
			if err != nil {
				return nil, err
			}
		}
		if err := ValidateMove(current, newParent); err != nil {
			return nil, err
		}
		if err := s.checkAncestry(ctx, current, newParent); err != nil {
			return nil, err
		}
		PlaceUnder(updated, newParent)
	}

	updated.UpdatedAt = NextTimestamp(s.clock(), current.UpdatedAt)
	err = s.transactor.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.entities.Update(ctx, updated, current.UpdatedAt); err != nil {
			return err
		}
		if newParent != nil && !newParent.HasChildren {
			return s.entities.SetHasChildren(ctx, req.WorldID, newParent.ID, true)
		}
		return nil
	})
	if err != nil {
		return nil, oops.Wrapf(err, "update entity %s", req.ID)
	}
	return updated, nil
}

// MoveEntity reparents an entity (nil newParentID moves it to the root) and
// recomputes its path and depth. Descendants keep their materialized paths;
// children queries follow parent IDs.
func (s *Service) MoveEntity(ctx context.Context, subjectID string, worldID, id ulid.ULID, newParentID *ulid.ULID, ifMatch string) (*Entity, error) {
	return s.UpdateEntity(ctx, subjectID, UpdateEntityRequest{
		WorldID: worldID,
		ID:      id,
		IfMatch: ifMatch,
		Parent:  &ParentChange{ID: newParentID},
	})
}

// ListRequest describes a paginated listing.
type ListRequest struct {
	WorldID ulid.ULID
	Parent  ParentFilter
	Type    *EntityType
	Tags    []string
	Limit   int
	Cursor  string
}

// Page is one page of a listing. NextCursor is empty on the last page.
type Page struct {
	Entities   []*Entity
	NextCursor string
}

// ListEntities returns a page of active entities ordered by creation time.
// The limit is clamped to the configured maximum.
func (s *Service) ListEntities(ctx context.Context, subjectID string, req ListRequest) (*Page, error) {
	if err := s.Authorize(ctx, subjectID, req.WorldID); err != nil {
		return nil, err
	}
	limit := s.clampLimit(req.Limit)
	q := EntityQuery{
		WorldID: req.WorldID,
		Parent:  req.Parent,
		Type:    req.Type,
		Tags:    req.Tags,
		Limit:   limit + 1,
	}
	if req.Cursor != "" {
		c, err := DecodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		q.After = &c
	}
	rows, err := s.entities.List(ctx, q)
	if err != nil {
		return nil, oops.With("operation", "list entities").With("world_id", req.WorldID.String()).Wrap(err)
	}
	page := &Page{Entities: rows}
	if len(rows) > limit {
		page.Entities = rows[:limit]
		page.NextCursor = CursorAfter(page.Entities[limit-1]).Encode()
	}
	return page, nil
}

// GetChildren returns all active direct children of parentID.
func (s *Service) GetChildren(ctx context.Context, subjectID string, worldID, parentID ulid.ULID) ([]*Entity, error) {
	if err := s.Authorize(ctx, subjectID, worldID); err != nil {
		return nil, err
	}
	children, err := s.entities.ListChildren(ctx, worldID, parentID)
	if err != nil {
		return nil, oops.Wrapf(err, "list children of %s", parentID)
	}
	return children, nil
}

// DeleteEntity soft-deletes an entity synchronously.
// An entity with active children requires cascade; the whole subtree is then
// deleted in one transaction, so either every node is deleted or none is.
// Deleting an already-deleted entity is a no-op.
func (s *Service) DeleteEntity(ctx context.Context, subjectID string, worldID, id ulid.ULID, cascade bool) (err error) {
	ctx, span := tracer.Start(ctx, "world.delete_entity", trace.WithAttributes(
		attribute.String("world_id", worldID.String()),
		attribute.String("entity_id", id.String()),
		attribute.Bool("cascade", cascade),
	))
	defer func() { endSpan(span, err) }()

	e, err := s.GetEntityForAudit(ctx, subjectID, worldID, id)
	if err != nil {
		return err
	}
	if e.IsDeleted {
		return nil
	}
	children, err := s.entities.ListChildren(ctx, worldID, id)
	if err != nil {
		return oops.Wrapf(err, "list children of %s", id)
	}
	if len(children) > 0 && !cascade {
		return HasChildrenError(id, len(children))
	}

	deleted := 0
	err = s.transactor.InTransaction(ctx, func(ctx context.Context) error {
		deleted = 0
		nodes, err := Descendants(ctx, s.entities, worldID, id)
		if err != nil {
			return err
		}
		at := s.now()
		for i := len(nodes) - 1; i >= 0; i-- {
			if _, err := s.entities.SoftDelete(ctx, worldID, nodes[i].ID, subjectID, at); err != nil {
				return err
			}
			deleted++
		}
		if _, err := s.entities.SoftDelete(ctx, worldID, id, subjectID, at); err != nil {
			return err
		}
		deleted++
		return nil
	})
	if err != nil {
		return oops.Wrapf(err, "delete entity %s", id)
	}
	s.logger.InfoContext(ctx, "entity deleted",
		"world_id", worldID.String(),
		"entity_id", id.String(),
		"cascade", cascade,
		"deleted", deleted)
	return nil
}

// HasChildrenError builds the error for a non-cascade delete of a non-leaf entity.
func HasChildrenError(id ulid.ULID, children int) error {
	return oops.Code(CodeHasChildren).
		With("entity_id", id.String()).
		With("children", children).
		Wrapf(ErrInvalidOperation, "entity has child entities; specify cascade=true")
}

// activeParent loads a prospective parent, which must exist undeleted in worldID.
func (s *Service) activeParent(ctx context.Context, worldID, parentID ulid.ULID) (*Entity, error) {
	parent, err := s.entities.Get(ctx, worldID, parentID)
	if errors.Is(err, ErrNotFound) || (err == nil && parent.IsDeleted) {
		return nil, oops.Code(CodeParentNotFound).
			With("world_id", worldID.String()).
			With("parent_id", parentID.String()).
			Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, oops.Wrapf(err, "get parent %s", parentID)
	}
	return parent, nil
}

// checkAncestry walks newParent's parent chain and rejects the move when e is
// an ancestor. Stored paths of descendants go stale after a move, so the
// chain is followed through the repository.
func (s *Service) checkAncestry(ctx context.Context, e *Entity, newParent *Entity) error {
	if newParent == nil {
		return nil
	}
	seen := map[ulid.ULID]struct{}{newParent.ID: {}}
	cur := newParent
	for cur.ParentID != nil {
		pid := *cur.ParentID
		if pid == e.ID {
			return oops.Code(CodeCycleDetected).
				With("entity_id", e.ID.String()).
				With("new_parent_id", newParent.ID.String()).
				Wrapf(ErrInvalidOperation, "cannot move entity into its own subtree")
		}
		if _, ok := seen[pid]; ok {
			return oops.Code(CodeCycleDetected).
				With("entity_id", pid.String()).
				Wrapf(ErrInvalidOperation, "parent chain of %s loops", newParent.ID)
		}
		seen[pid] = struct{}{}
		next, err := s.entities.Get(ctx, e.WorldID, pid)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return oops.Wrapf(err, "get ancestor %s", pid)
		}
		cur = next
	}
	return nil
}

func (s *Service) validate(e *Entity) error {
	if err := s.validator.ValidateEntity(e); err != nil {
		return err
	}
	return s.versions.CheckSchemaVersion(e.Type, e.SchemaVersion)
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return min(limit, s.maxLimit)
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(TokenPrecision)
}

func sameParent(a, b *ulid.ULID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
