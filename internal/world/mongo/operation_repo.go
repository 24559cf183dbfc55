// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package mongo

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/holomush/worldtree/internal/world"
)

type operationDoc struct {
	ID              string   `bson:"_id"`
	WorldID         string   `bson:"world_id"`
	RootEntityID    string   `bson:"root_entity_id"`
	RootEntityName  string   `bson:"root_entity_name"`
	TargetIDs       []string `bson:"target_ids"`
	Status          string   `bson:"status"`
	Cascade         bool     `bson:"is_cascade"`
	TotalEntities   int      `bson:"total_entities"`
	DeletedCount    int      `bson:"deleted_count"`
	FailedCount     int      `bson:"failed_count"`
	FailedEntityIDs []string `bson:"failed_entity_ids"`
	ErrorDetails    *string  `bson:"error_details"`
	RetryOf         *string  `bson:"retry_of"`
	CreatedBy       string   `bson:"created_by"`
	CreatedUS       int64    `bson:"created_us"`
	StartedUS       *int64   `bson:"started_us"`
	CompletedUS     *int64   `bson:"completed_us"`
}

func toOperationDoc(op *world.DeleteOperation) operationDoc {
	var retryOf *string
	if op.RetryOf != nil {
		s := op.RetryOf.String()
		retryOf = &s
	}
	return operationDoc{
		ID:              op.ID.String(),
		WorldID:         op.WorldID.String(),
		RootEntityID:    op.RootEntityID.String(),
		RootEntityName:  op.RootEntityName,
		TargetIDs:       idStrings(op.TargetIDs),
		Status:          string(op.Status),
		Cascade:         op.Cascade,
		TotalEntities:   op.TotalEntities,
		DeletedCount:    op.DeletedCount,
		FailedCount:     op.FailedCount,
		FailedEntityIDs: idStrings(op.FailedEntityIDs),
		ErrorDetails:    op.ErrorDetails,
		RetryOf:         retryOf,
		CreatedBy:       op.CreatedBy,
		CreatedUS:       micros(op.CreatedAt),
		StartedUS:       microsPtr(op.StartedAt),
		CompletedUS:     microsPtr(op.CompletedAt),
	}
}

func (d operationDoc) operation() (*world.DeleteOperation, error) {
	op := &world.DeleteOperation{
		RootEntityName: d.RootEntityName,
		Status:         world.OperationStatus(d.Status),
		Cascade:        d.Cascade,
		TotalEntities:  d.TotalEntities,
		DeletedCount:   d.DeletedCount,
		FailedCount:    d.FailedCount,
		ErrorDetails:   d.ErrorDetails,
		CreatedBy:      d.CreatedBy,
		CreatedAt:      fromMicros(d.CreatedUS),
		StartedAt:      fromMicrosPtr(d.StartedUS),
		CompletedAt:    fromMicrosPtr(d.CompletedUS),
	}
	var err error
	if op.ID, err = ulid.Parse(d.ID); err != nil {
		return nil, oops.With("operation", "parse operation id").With("id", d.ID).Wrap(err)
	}
	if op.WorldID, err = ulid.Parse(d.WorldID); err != nil {
		return nil, oops.With("operation", "parse world id").With("world_id", d.WorldID).Wrap(err)
	}
	if op.RootEntityID, err = ulid.Parse(d.RootEntityID); err != nil {
		return nil, oops.With("operation", "parse root entity id").With("root_entity_id", d.RootEntityID).Wrap(err)
	}
	if op.TargetIDs, err = parseIDs(d.TargetIDs, "target_ids"); err != nil {
		return nil, err
	}
	if op.FailedEntityIDs, err = parseIDs(d.FailedEntityIDs, "failed_entity_ids"); err != nil {
		return nil, err
	}
	if d.RetryOf != nil {
		r, err := ulid.Parse(*d.RetryOf)
		if err != nil {
			return nil, oops.With("operation", "parse retry_of").With("retry_of", *d.RetryOf).Wrap(err)
		}
		op.RetryOf = &r
	}
	return op, nil
}

// OperationRepository implements world.OperationRepository on MongoDB.
type OperationRepository struct {
	col *mongo.Collection
}

// Create persists a new operation.
func (r *OperationRepository) Create(ctx context.Context, op *world.DeleteOperation) error {
	_, err := r.col.InsertOne(ctx, toOperationDoc(op))
	if mongo.IsDuplicateKeyError(err) {
		return oops.Code(world.CodeOperationExists).With("operation_id", op.ID.String()).Wrap(world.ErrConflict)
	}
	if err != nil {
		return oops.Code("OPERATION_CREATE_FAILED").With("operation_id", op.ID.String()).Wrap(err)
	}
	return nil
}

// Get retrieves an operation of a world.
func (r *OperationRepository) Get(ctx context.Context, worldID, id ulid.ULID) (*world.DeleteOperation, error) {
	var doc operationDoc
	err := r.col.FindOne(ctx, byID(worldID, id)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, world.OperationNotFound(id)
	}
	if err != nil {
		return nil, oops.Code("OPERATION_GET_FAILED").With("operation_id", id.String()).Wrap(err)
	}
	return doc.operation()
}

// Save overwrites the mutable state of a non-terminal operation.
func (r *OperationRepository) Save(ctx context.Context, op *world.DeleteOperation) error {
	doc := toOperationDoc(op)
	filter := bson.D{
		{Key: "_id", Value: doc.ID},
		{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{
			string(world.OperationPending), string(world.OperationInProgress),
		}}}},
	}
	res, err := r.col.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: doc.Status},
		{Key: "total_entities", Value: doc.TotalEntities},
		{Key: "deleted_count", Value: doc.DeletedCount},
		{Key: "failed_count", Value: doc.FailedCount},
		{Key: "failed_entity_ids", Value: doc.FailedEntityIDs},
		{Key: "error_details", Value: doc.ErrorDetails},
		{Key: "started_us", Value: doc.StartedUS},
		{Key: "completed_us", Value: doc.CompletedUS},
	}}})
	if err != nil {
		return oops.Code("OPERATION_SAVE_FAILED").With("operation_id", doc.ID).Wrap(err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := r.col.CountDocuments(ctx, bson.D{{Key: "_id", Value: doc.ID}})
	if err != nil {
		return oops.Code("OPERATION_SAVE_FAILED").With("operation_id", doc.ID).Wrap(err)
	}
	if n == 0 {
		return world.OperationNotFound(op.ID)
	}
	return world.OperationFinished(op.ID)
}

// ListRecent returns the newest operations of a world, newest first.
func (r *OperationRepository) ListRecent(ctx context.Context, worldID ulid.ULID, limit int) ([]*world.DeleteOperation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_us", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return r.find(ctx, bson.D{{Key: "world_id", Value: worldID.String()}}, opts)
}

// ListByStatus returns operations in any world with one of the given statuses, oldest first.
func (r *OperationRepository) ListByStatus(ctx context.Context, statuses ...world.OperationStatus) ([]*world.DeleteOperation, error) {
	names := make(bson.A, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return r.find(ctx, bson.D{{Key: "status", Value: bson.D{{Key: "$in", Value: names}}}},
		options.Find().SetSort(bson.D{{Key: "created_us", Value: 1}, {Key: "_id", Value: 1}}))
}

func (r *OperationRepository) find(ctx context.Context, filter bson.D, opts *options.FindOptionsBuilder) ([]*world.DeleteOperation, error) {
	cur, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, oops.Code("OPERATION_LIST_FAILED").Wrap(err)
	}
	var docs []operationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, oops.Code("OPERATION_LIST_FAILED").Wrap(err)
	}
	out := make([]*world.DeleteOperation, 0, len(docs))
	for _, d := range docs {
		op, err := d.operation()
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

var _ world.OperationRepository = (*OperationRepository)(nil)
