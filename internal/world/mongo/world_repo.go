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

	"github.com/holomush/worldtree/internal/world"
)

type worldDoc struct {
	ID        string `bson:"_id"`
	OwnerID   string `bson:"owner_id"`
	Name      string `bson:"name"`
	CreatedUS int64  `bson:"created_us"`
}

// WorldRepository implements world.WorldRepository on MongoDB.
type WorldRepository struct {
	col *mongo.Collection
}

// Get retrieves a world by ID.
func (r *WorldRepository) Get(ctx context.Context, id ulid.ULID) (*world.World, error) {
	var doc worldDoc
	err := r.col.FindOne(ctx, bson.D{{Key: "_id", Value: id.String()}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, oops.Code(world.CodeWorldNotFound).With("world_id", id.String()).Wrap(world.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("WORLD_GET_FAILED").With("world_id", id.String()).Wrap(err)
	}
	return &world.World{ID: id, OwnerID: doc.OwnerID, Name: doc.Name, CreatedAt: fromMicros(doc.CreatedUS)}, nil
}

// Create persists a new world.
func (r *WorldRepository) Create(ctx context.Context, w *world.World) error {
	_, err := r.col.InsertOne(ctx, worldDoc{
		ID:        w.ID.String(),
		OwnerID:   w.OwnerID,
		Name:      w.Name,
		CreatedUS: micros(w.CreatedAt),
	})
	if mongo.IsDuplicateKeyError(err) {
		return oops.Code(world.CodeWorldExists).With("world_id", w.ID.String()).Wrap(world.ErrConflict)
	}
	if err != nil {
		return oops.Code("WORLD_CREATE_FAILED").With("world_id", w.ID.String()).Wrap(err)
	}
	return nil
}

var _ world.WorldRepository = (*WorldRepository)(nil)
