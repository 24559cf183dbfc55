// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package deletion_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/worldtree/internal/store"
	"github.com/holomush/worldtree/internal/world"
	worldpg "github.com/holomush/worldtree/internal/world/postgres"
)

func TestDeletion(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cascading Delete Integration Suite")
}

// testEnv holds the database shared by every spec.
type testEnv struct {
	ctx       context.Context
	pool      *pgxpool.Pool
	container testcontainers.Container

	Worlds     *worldpg.WorldRepository
	Entities   *worldpg.EntityRepository
	Operations *worldpg.OperationRepository
	World      *world.Service
}

var env *testEnv

var _ = BeforeSuite(func() {
	var err error
	env, err = setupTestEnv()
	Expect(err).NotTo(HaveOccurred())
})

var _ = AfterSuite(func() {
	if env != nil {
		env.cleanup()
	}
})

func setupTestEnv() (*testEnv, error) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("worldtree_test"),
		postgres.WithUsername("worldtree"),
		postgres.WithPassword("worldtree"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, err
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	migrator, err := store.NewMigrator(connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	upErr := migrator.Up()
	closeErr := migrator.Close()
	if err := errors.Join(upErr, closeErr); err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	pool, err := store.OpenPool(ctx, connStr, store.PoolOptions{MaxConns: 8})
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	worlds := worldpg.NewWorldRepository(pool)
	entities := worldpg.NewEntityRepository(pool)
	return &testEnv{
		ctx:        ctx,
		pool:       pool,
		container:  container,
		Worlds:     worlds,
		Entities:   entities,
		Operations: worldpg.NewOperationRepository(pool),
		World: world.NewService(world.ServiceConfig{
			EntityRepo: entities,
			Owners:     world.RepositoryOwnerResolver{Worlds: worlds},
			Transactor: worldpg.NewTransactor(pool),
		}),
	}, nil
}

func (e *testEnv) cleanup() {
	if e.pool != nil {
		e.pool.Close()
	}
	if e.container != nil {
		_ = e.container.Terminate(e.ctx)
	}
}
