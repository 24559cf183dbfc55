// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package seed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/worldtree/internal/world"
)

// Result summarizes an import.
type Result struct {
	WorldID      ulid.ULID
	WorldCreated bool
	Created      int
	Skipped      int
}

// Importer creates the worlds and entities of outlines.
type Importer struct {
	Worlds  world.WorldRepository
	Service *world.Service
	Logger  *slog.Logger
}

// Apply imports o. Entities that already exist under the same parent with the
// same name and type are kept and their children are merged, so applying an
// outline twice creates nothing the second time.
func (im *Importer) Apply(ctx context.Context, o *Outline) (*Result, error) {
	logger := im.Logger
	if logger == nil {
		logger = slog.Default()
	}
	res := &Result{}

	w, created, err := im.ensureWorld(ctx, o.World)
	if err != nil {
		return nil, err
	}
	res.WorldID = w.ID
	res.WorldCreated = created

	a := applier{svc: im.Service, owner: w.OwnerID, worldID: w.ID, res: res}
	if err := a.entities(ctx, nil, o.Entities); err != nil {
		return res, err
	}
	logger.InfoContext(ctx, "seed applied",
		"world_id", w.ID.String(),
		"world_created", created,
		"created", res.Created,
		"skipped", res.Skipped)
	return res, nil
}

func (im *Importer) ensureWorld(ctx context.Context, spec WorldSpec) (*world.World, bool, error) {
	id := world.NewID()
	if spec.ID != "" {
		parsed, err := world.ParseID("world.id", spec.ID)
		if err != nil {
			return nil, false, err
		}
		id = parsed
		existing, err := im.Worlds.Get(ctx, id)
		switch {
		case err == nil:
			if existing.OwnerID != spec.Owner {
				return nil, false, oops.Code("SEED_OWNER_MISMATCH").
					With("world_id", id.String()).
					With("owner", existing.OwnerID).
					With("seed_owner", spec.Owner).
					Wrap(world.ErrUnauthorized)
			}
			return existing, false, nil
		case !errors.Is(err, world.ErrNotFound):
			return nil, false, oops.With("operation", "get seed world").Wrap(err)
		}
	}
	w := &world.World{
		ID:        id,
		OwnerID:   spec.Owner,
		Name:      spec.Name,
		CreatedAt: time.Now().UTC().Truncate(world.TokenPrecision),
	}
	if err := im.Worlds.Create(ctx, w); err != nil {
		return nil, false, oops.With("operation", "create seed world").Wrap(err)
	}
	return w, true, nil
}

type applier struct {
	svc     *world.Service
	owner   string
	worldID ulid.ULID
	res     *Result
}

func (a *applier) entities(ctx context.Context, parent *world.Entity, specs []EntitySpec) error {
	if len(specs) == 0 {
		return nil
	}
	existing, err := a.siblings(ctx, parent)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		typ, err := world.ParseEntityType(spec.Type)
		if err != nil {
			return oops.With("entity", spec.Name).Wrap(err)
		}
		e := findSibling(existing, spec.Name, typ)
		if e != nil {
			a.res.Skipped++
		} else {
			e, err = a.create(ctx, parent, spec, typ)
			if err != nil {
				return err
			}
			a.res.Created++
		}
		if err := a.entities(ctx, e, spec.Children); err != nil {
			return err
		}
	}
	return nil
}

func (a *applier) create(ctx context.Context, parent *world.Entity, spec EntitySpec, typ world.EntityType) (*world.Entity, error) {
	req := world.CreateEntityRequest{
		WorldID:     a.worldID,
		Type:        typ,
		Name:        spec.Name,
		Description: spec.Description,
		Tags:        spec.Tags,
	}
	if parent != nil {
		req.ParentID = &parent.ID
	}
	if len(spec.Properties) > 0 {
		props, err := json.Marshal(spec.Properties)
		if err != nil {
			return nil, oops.Code("SEED_INVALID").With("entity", spec.Name).Wrap(err)
		}
		req.Properties = props
	}
	e, err := a.svc.CreateEntity(ctx, a.owner, req)
	if err != nil {
		return nil, oops.With("entity", spec.Name).Wrap(err)
	}
	return e, nil
}

// siblings returns the active entities directly under parent, or the roots when parent is nil.
func (a *applier) siblings(ctx context.Context, parent *world.Entity) ([]*world.Entity, error) {
	if parent != nil {
		return a.svc.GetChildren(ctx, a.owner, a.worldID, parent.ID)
	}
	var out []*world.Entity
	req := world.ListRequest{WorldID: a.worldID, Parent: world.Roots(), Limit: world.MaxListLimit}
	for {
		page, err := a.svc.ListEntities(ctx, a.owner, req)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Entities...)
		if page.NextCursor == "" {
			return out, nil
		}
		req.Cursor = page.NextCursor
	}
}

func findSibling(siblings []*world.Entity, name string, typ world.EntityType) *world.Entity {
	for _, e := range siblings {
		if e.Name == name && e.Type == typ {
			return e
		}
	}
	return nil
}
