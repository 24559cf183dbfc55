// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/holomush/worldtree/internal/world"
)

type entityDoc struct {
	ID            string   `bson:"_id"`
	WorldID       string   `bson:"world_id"`
	ParentID      *string  `bson:"parent_id"`
	Type          string   `bson:"entity_type"`
	Name          string   `bson:"name"`
	Description   string   `bson:"description"`
	Tags          []string `bson:"tags"`
	Properties    string   `bson:"properties,omitempty"`
	Path          []string `bson:"path"`
	Depth         int      `bson:"depth"`
	HasChildren   bool     `bson:"has_children"`
	OwnerID       string   `bson:"owner_id"`
	CreatedUS     int64    `bson:"created_us"`
	UpdatedUS     int64    `bson:"updated_us"`
	IsDeleted     bool     `bson:"is_deleted"`
	DeletedUS     *int64   `bson:"deleted_us"`
	DeletedBy     string   `bson:"deleted_by,omitempty"`
	SchemaVersion int      `bson:"schema_version"`
}

func toEntityDoc(e *world.Entity) entityDoc {
	var parent *string
	if e.ParentID != nil {
		s := e.ParentID.String()
		parent = &s
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	return entityDoc{
		ID:            e.ID.String(),
		WorldID:       e.WorldID.String(),
		ParentID:      parent,
		Type:          string(e.Type),
		Name:          e.Name,
		Description:   e.Description,
		Tags:          tags,
		Properties:    string(e.Properties),
		Path:          idStrings(e.Path),
		Depth:         e.Depth,
		HasChildren:   e.HasChildren,
		OwnerID:       e.OwnerID,
		CreatedUS:     micros(e.CreatedAt),
		UpdatedUS:     micros(e.UpdatedAt),
		IsDeleted:     e.IsDeleted,
		DeletedUS:     microsPtr(e.DeletedAt),
		DeletedBy:     e.DeletedBy,
		SchemaVersion: e.SchemaVersion,
	}
}

func (d entityDoc) entity() (*world.Entity, error) {
	e := &world.Entity{
		Type:          world.EntityType(d.Type),
		Name:          d.Name,
		Description:   d.Description,
		Tags:          world.NormalizeTags(d.Tags),
		Depth:         d.Depth,
		HasChildren:   d.HasChildren,
		OwnerID:       d.OwnerID,
		CreatedAt:     fromMicros(d.CreatedUS),
		UpdatedAt:     fromMicros(d.UpdatedUS),
		IsDeleted:     d.IsDeleted,
		DeletedAt:     fromMicrosPtr(d.DeletedUS),
		DeletedBy:     d.DeletedBy,
		SchemaVersion: d.SchemaVersion,
	}
	if d.Properties != "" {
		e.Properties = []byte(d.Properties)
	}
	var err error
	if e.ID, err = ulid.Parse(d.ID); err != nil {
		return nil, oops.With("operation", "parse entity id").With("id", d.ID).Wrap(err)
	}
	if e.WorldID, err = ulid.Parse(d.WorldID); err != nil {
		return nil, oops.With("operation", "parse world id").With("world_id", d.WorldID).Wrap(err)
	}
	if d.ParentID != nil {
		p, err := ulid.Parse(*d.ParentID)
		if err != nil {
			return nil, oops.With("operation", "parse parent id").With("parent_id", *d.ParentID).Wrap(err)
		}
		e.ParentID = &p
	}
	if e.Path, err = parseIDs(d.Path, "path"); err != nil {
		return nil, err
	}
	return e, nil
}

// EntityRepository implements world.EntityRepository on MongoDB.
type EntityRepository struct {
	col *mongo.Collection
}

// Get retrieves an entity by ID, including soft-deleted ones.
func (r *EntityRepository) Get(ctx context.Context, worldID, id ulid.ULID) (*world.Entity, error) {
	var doc entityDoc
	err := r.col.FindOne(ctx, byID(worldID, id)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, world.EntityNotFound(worldID, id)
	}
	if err != nil {
		return nil, oops.Code("ENTITY_GET_FAILED").With("entity_id", id.String()).Wrap(err)
	}
	return doc.entity()
}

// Create persists a new entity. World existence is checked by the caller's
// ownership lookup; MongoDB has no foreign keys.
func (r *EntityRepository) Create(ctx context.Context, e *world.Entity) error {
	_, err := r.col.InsertOne(ctx, toEntityDoc(e))
	if mongo.IsDuplicateKeyError(err) {
		return oops.Code(world.CodeEntityExists).With("entity_id", e.ID.String()).Wrap(world.ErrConflict)
	}
	if err != nil {
		return oops.Code("ENTITY_CREATE_FAILED").With("entity_id", e.ID.String()).Wrap(err)
	}
	return nil
}

// Update writes the mutable fields of e if the stored token equals expected.
func (r *EntityRepository) Update(ctx context.Context, e *world.Entity, expected time.Time) error {
	doc := toEntityDoc(e)
	filter := byID(e.WorldID, e.ID)
	filter = append(filter, bson.E{Key: "updated_us", Value: micros(expected)})
	res, err := r.col.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: bson.D{
		{Key: "entity_type", Value: doc.Type},
		{Key: "name", Value: doc.Name},
		{Key: "description", Value: doc.Description},
		{Key: "tags", Value: doc.Tags},
		{Key: "properties", Value: doc.Properties},
		{Key: "schema_version", Value: doc.SchemaVersion},
		{Key: "parent_id", Value: doc.ParentID},
		{Key: "path", Value: doc.Path},
		{Key: "depth", Value: doc.Depth},
		{Key: "updated_us", Value: doc.UpdatedUS},
	}}})
	if err != nil {
		return oops.Code("ENTITY_UPDATE_FAILED").With("entity_id", e.ID.String()).Wrap(err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	current, err := r.Get(ctx, e.WorldID, e.ID)
	if err != nil {
		return err
	}
	return oops.Code(world.CodeConcurrencyConflict).
		With("entity_id", e.ID.String()).
		With("expected", world.FormatToken(expected)).
		With("current", current.ETag()).
		Wrap(world.ErrConflict)
}

// SetHasChildren writes the has_children cache without touching the token.
func (r *EntityRepository) SetHasChildren(ctx context.Context, worldID, id ulid.ULID, hasChildren bool) error {
	res, err := r.col.UpdateOne(ctx, byID(worldID, id),
		bson.D{{Key: "$set", Value: bson.D{{Key: "has_children", Value: hasChildren}}}})
	if err != nil {
		return oops.Code("ENTITY_UPDATE_FAILED").With("entity_id", id.String()).Wrap(err)
	}
	if res.MatchedCount == 0 {
		return world.EntityNotFound(worldID, id)
	}
	return nil
}

// SoftDelete marks the entity deleted in one pipeline update so the token
// advances past both the deletion time and its previous value.
func (r *EntityRepository) SoftDelete(ctx context.Context, worldID, id ulid.ULID, actorID string, at time.Time) (bool, error) {
	at = at.UTC().Truncate(world.TokenPrecision)
	filter := byID(worldID, id)
	filter = append(filter, bson.E{Key: "is_deleted", Value: false})
	res, err := r.col.UpdateOne(ctx, filter, mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "is_deleted", Value: true},
			{Key: "deleted_us", Value: micros(at)},
			{Key: "deleted_by", Value: actorID},
			{Key: "updated_us", Value: bson.D{{Key: "$max", Value: bson.A{
				micros(at),
				bson.D{{Key: "$add", Value: bson.A{"$updated_us", 1}}},
			}}}},
		}}},
	})
	if err != nil {
		return false, oops.Code("ENTITY_DELETE_FAILED").With("entity_id", id.String()).Wrap(err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	if _, err := r.Get(ctx, worldID, id); err != nil {
		return false, err
	}
	return false, nil
}

// ListChildren returns all active direct children of parentID.
func (r *EntityRepository) ListChildren(ctx context.Context, worldID, parentID ulid.ULID) ([]*world.Entity, error) {
	return r.List(ctx, world.EntityQuery{WorldID: worldID, Parent: world.ChildrenOf(parentID)})
}

// List returns up to q.Limit active entities matching q, ordered by creation.
func (r *EntityRepository) List(ctx context.Context, q world.EntityQuery) ([]*world.Entity, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_us", Value: 1}, {Key: "_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := r.col.Find(ctx, listFilter(q), opts)
	if err != nil {
		return nil, oops.Code("ENTITY_LIST_FAILED").With("world_id", q.WorldID.String()).Wrap(err)
	}
	var docs []entityDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, oops.Code("ENTITY_LIST_FAILED").With("world_id", q.WorldID.String()).Wrap(err)
	}
	out := make([]*world.Entity, 0, len(docs))
	for _, d := range docs {
		e, err := d.entity()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// listFilter renders the filters of q as a query document.
func listFilter(q world.EntityQuery) bson.D {
	filter := bson.D{
		{Key: "world_id", Value: q.WorldID.String()},
		{Key: "is_deleted", Value: false},
	}
	switch q.Parent.Mode {
	case world.ParentRoots:
		filter = append(filter, bson.E{Key: "parent_id", Value: nil})
	case world.ParentChildren:
		filter = append(filter, bson.E{Key: "parent_id", Value: q.Parent.ID.String()})
	case world.ParentAll:
	}
	if q.Type != nil {
		filter = append(filter, bson.E{Key: "entity_type", Value: string(*q.Type)})
	}
	if len(q.Tags) > 0 {
		filter = append(filter, bson.E{Key: "tags", Value: bson.D{{Key: "$all", Value: q.Tags}}})
	}
	if q.After != nil {
		c := micros(q.After.CreatedAt)
		filter = append(filter, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: "created_us", Value: bson.D{{Key: "$gt", Value: c}}}},
			bson.D{{Key: "created_us", Value: c}, {Key: "_id", Value: bson.D{{Key: "$gt", Value: q.After.ID.String()}}}},
		}})
	}
	return filter
}

func byID(worldID, id ulid.ULID) bson.D {
	return bson.D{{Key: "_id", Value: id.String()}, {Key: "world_id", Value: worldID.String()}}
}

func idStrings(ids []ulid.ULID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseIDs(ss []string, field string) ([]ulid.ULID, error) {
	out := make([]ulid.ULID, 0, len(ss))
	for _, s := range ss {
		id, err := ulid.Parse(s)
		if err != nil {
			return nil, oops.With("operation", "parse "+field).With(field, s).Wrap(err)
		}
		out = append(out, id)
	}
	return out, nil
}

var _ world.EntityRepository = (*EntityRepository)(nil)
