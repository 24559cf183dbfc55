// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package mongo implements the world repositories on MongoDB.
//
// Timestamps are stored as Unix microseconds because BSON datetimes only keep
// milliseconds and entity tokens need microsecond precision.
package mongo

import (
	"context"
	"time"

	"github.com/samber/oops"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/holomush/worldtree/internal/world"
)

// Collection names.
const (
	worldsCollection     = "worlds"
	entitiesCollection   = "world_entities"
	operationsCollection = "delete_operations"
)

// Connect opens a client for uri and verifies it with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "connect mongo").Wrap(err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "ping mongo").Wrap(err)
	}
	return client, nil
}

// Store bundles the MongoDB repositories of one database.
type Store struct {
	db *mongo.Database
}

// NewStore creates a Store on db.
func NewStore(db *mongo.Database) *Store {
	return &Store{db: db}
}

// Worlds returns the world repository.
func (s *Store) Worlds() *WorldRepository {
	return &WorldRepository{col: s.db.Collection(worldsCollection)}
}

// Entities returns the entity repository.
func (s *Store) Entities() *EntityRepository {
	return &EntityRepository{col: s.db.Collection(entitiesCollection)}
}

// Operations returns the operation repository.
func (s *Store) Operations() *OperationRepository {
	return &OperationRepository{col: s.db.Collection(operationsCollection)}
}

// Transactor returns a session-backed transactor. Transactions need a replica set.
func (s *Store) Transactor() *Transactor {
	return &Transactor{client: s.db.Client()}
}

// EnsureIndexes creates the indexes the repositories query by. It is idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		worldsCollection: {
			{Keys: bson.D{{Key: "owner_id", Value: 1}}},
		},
		entitiesCollection: {
			{Keys: bson.D{
				{Key: "world_id", Value: 1},
				{Key: "parent_id", Value: 1},
				{Key: "created_us", Value: 1},
				{Key: "_id", Value: 1},
			}},
			{Keys: bson.D{{Key: "world_id", Value: 1}, {Key: "created_us", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "world_id", Value: 1}, {Key: "tags", Value: 1}}},
		},
		operationsCollection: {
			{Keys: bson.D{{Key: "world_id", Value: 1}, {Key: "created_us", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_us", Value: 1}}},
		},
	}
	for name, models := range indexes {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return oops.Code("INDEX_CREATE_FAILED").With("collection", name).Wrap(err)
		}
	}
	return nil
}

// Transactor implements world.Transactor with a MongoDB session transaction.
type Transactor struct {
	client *mongo.Client
}

// InTransaction runs fn in a session transaction. A nested call joins the
// outer session. The driver retries fn on transient transaction errors.
func (t *Transactor) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}
	sess, err := t.client.StartSession()
	if err != nil {
		return oops.Code("TX_BEGIN_FAILED").Wrap(err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

func micros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func microsPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	us := t.UnixMicro()
	return &us
}

func fromMicrosPtr(us *int64) *time.Time {
	if us == nil {
		return nil
	}
	t := fromMicros(*us)
	return &t
}

var _ world.Transactor = (*Transactor)(nil)
