// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/holomush/worldtree/internal/config"
	"github.com/holomush/worldtree/internal/deletion"
	"github.com/holomush/worldtree/internal/world"
	"github.com/holomush/worldtree/pkg/errutil"
)

// dispatchMode selects where submitted delete operations execute.
type dispatchMode int

const (
	// dispatchQueued leaves new operations pending for a serve process.
	dispatchQueued dispatchMode = iota
	// dispatchLocal executes operations in this process.
	dispatchLocal
)

// app is the wired service graph shared by the subcommands.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	backend    *backend
	owners     *world.CachedOwnerResolver
	world      *world.Service
	tracker    *deletion.Tracker
	dispatcher *deletion.Dispatcher
	lease      *deletion.RedisLease
	deletion   *deletion.Service
}

// queuedDispatch accepts operations without running them.
type queuedDispatch struct{}

func (queuedDispatch) Dispatch(context.Context, *world.DeleteOperation) error { return nil }

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, d *deps, mode dispatchMode) (_ *app, err error) {
	b, err := d.openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, backend: b}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	var owners world.OwnerResolver = world.RepositoryOwnerResolver{Worlds: b.worlds}
	if cfg.Owners.CacheTTL > 0 {
		a.owners, err = world.NewCachedOwnerResolver(owners, cfg.Owners.CacheSize, cfg.Owners.CacheTTL)
		if err != nil {
			return nil, err
		}
		owners = a.owners
	}
	a.world = world.NewService(world.ServiceConfig{
		EntityRepo:   b.entities,
		Owners:       owners,
		Transactor:   b.transactor,
		MaxListLimit: cfg.Listing.MaxLimit,
		Logger:       logger,
	})
	a.tracker = deletion.NewTracker(b.operations, nil, logger)

	var dispatch deletion.Dispatch = queuedDispatch{}
	if mode == dispatchLocal {
		var lease deletion.Lease
		if cfg.Deletion.RedisURL != "" {
			a.lease, err = deletion.NewRedisLease(ctx, cfg.Deletion.RedisURL, cfg.Deletion.LeaseTTL, logger)
			if err != nil {
				return nil, err
			}
			lease = a.lease
		}
		exec := deletion.NewExecutor(deletion.ExecutorConfig{
			Entities:       b.entities,
			Tracker:        a.tracker,
			NodeRetries:    cfg.Deletion.NodeRetries,
			RetryBaseDelay: cfg.Deletion.RetryBaseDelay,
			Logger:         logger,
		})
		a.dispatcher = deletion.NewDispatcher(deletion.DispatcherConfig{
			Run:     exec.Run,
			Workers: cfg.Deletion.Workers,
			Lease:   lease,
			Logger:  logger,
		})
		dispatch = a.dispatcher
	}
	a.deletion = deletion.NewService(deletion.ServiceConfig{
		World:      a.world,
		Tracker:    a.tracker,
		Dispatcher: dispatch,
		Logger:     logger,
	})
	return a, nil
}

// drain waits for running delete operations, cancelling them after the
// configured drain timeout.
func (a *app) drain(ctx context.Context) error {
	if a.dispatcher == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Deletion.DrainTimeout)
	defer cancel()
	return a.dispatcher.Close(ctx)
}

// close drains the dispatcher and releases every connection.
func (a *app) close(ctx context.Context) {
	if err := a.drain(ctx); err != nil {
		errutil.LogError(a.logger, "drain delete operations failed", err)
	}
	if a.lease != nil {
		if err := a.lease.Close(); err != nil {
			errutil.LogError(a.logger, "close redis lease failed", err)
		}
	}
	if a.owners != nil {
		a.owners.Close()
	}
	a.backend.close(ctx)
}
