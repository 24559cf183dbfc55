// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/worldtree/internal/config"
	"github.com/holomush/worldtree/internal/store"
	"github.com/holomush/worldtree/internal/world"
	"github.com/holomush/worldtree/internal/world/memory"
	worldmongo "github.com/holomush/worldtree/internal/world/mongo"
	"github.com/holomush/worldtree/internal/world/postgres"
)

const readinessTimeout = 2 * time.Second

// backend bundles the repositories of one storage driver.
type backend struct {
	worlds     world.WorldRepository
	entities   world.EntityRepository
	operations world.OperationRepository
	transactor world.Transactor
	// ping reports whether the store is reachable.
	ping  func(ctx context.Context) error
	close func(ctx context.Context)
}

// ready adapts ping to an observability readiness check.
func (b *backend) ready() bool {
	ctx, cancel := context.WithTimeout(context.Background(), readinessTimeout)
	defer cancel()
	return b.ping(ctx) == nil
}

// openBackend connects to the store selected by cfg.Store.Driver.
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		return openPostgres(ctx, cfg.Store)
	case config.DriverMongo:
		return openMongo(ctx, cfg.Store)
	case config.DriverMemory:
		return newMemoryBackend(memory.NewStore()), nil
	default:
		return nil, oops.Code("CONFIG_INVALID").With("key", "store.driver").Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openPostgres(ctx context.Context, cfg config.StoreConfig) (*backend, error) {
	pool, err := store.OpenPool(ctx, cfg.DatabaseURL, store.PoolOptions{MaxConns: cfg.MaxConns})
	if err != nil {
		return nil, err
	}
	return &backend{
		worlds:     postgres.NewWorldRepository(pool),
		entities:   postgres.NewEntityRepository(pool),
		operations: postgres.NewOperationRepository(pool),
		transactor: postgres.NewTransactor(pool),
		ping:       pool.Ping,
		close:      func(context.Context) { pool.Close() },
	}, nil
}

func openMongo(ctx context.Context, cfg config.StoreConfig) (*backend, error) {
	client, err := worldmongo.Connect(ctx, cfg.MongoURI)
	if err != nil {
		return nil, err
	}
	s := worldmongo.NewStore(client.Database(cfg.MongoDatabase))
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx) //nolint:errcheck // index error takes precedence
		return nil, err
	}
	return &backend{
		worlds:     s.Worlds(),
		entities:   s.Entities(),
		operations: s.Operations(),
		transactor: s.Transactor(),
		ping:       func(ctx context.Context) error { return client.Ping(ctx, nil) },
		close: func(ctx context.Context) {
			_ = client.Disconnect(ctx) //nolint:errcheck // shutting down
		},
	}, nil
}

func newMemoryBackend(s *memory.Store) *backend {
	return &backend{
		worlds:     s.Worlds(),
		entities:   s.Entities(),
		operations: s.Operations(),
		transactor: s,
		ping:       func(context.Context) error { return nil },
		close:      func(context.Context) {},
	}
}
