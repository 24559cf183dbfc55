// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/worldtree/internal/deletion"
	"github.com/holomush/worldtree/internal/observability"
	"github.com/holomush/worldtree/pkg/errutil"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run delete operations and the observability server",
		Long: `Run the delete-operation worker. Pending and interrupted operations are
picked up at start and every recover interval. On SIGINT or SIGTERM running
operations get the drain timeout to finish before they are interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return runServe(cmd, d)
		},
	}
}

func runServe(cmd *cobra.Command, d *deps) error {
	ctx := cmd.Context()
	a, err := setup(cmd, d, dispatchLocal)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))
	logger := a.logger

	var obsErr <-chan error
	if a.cfg.Metrics.Addr != "" {
		obs, err := observability.NewServer(a.cfg.Metrics.Addr, a.backend.ready, deletion.Collectors()...)
		if err != nil {
			return err
		}
		obsErr, err = obs.WithLogger(logger).Start()
		if err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := obs.Stop(stopCtx); err != nil {
				errutil.LogError(logger, "stop observability server failed", err)
			}
		}()
	}

	logger.InfoContext(ctx, "worldtree serving",
		"store", a.cfg.Store.Driver,
		"workers", a.cfg.Deletion.Workers,
		"distributed_lease", a.lease != nil,
		"metrics_addr", a.cfg.Metrics.Addr)

	recoverOps(ctx, a)
	ticker := time.NewTicker(a.cfg.Deletion.RecoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "shutting down", "drain_timeout", a.cfg.Deletion.DrainTimeout)
			if err := a.drain(context.WithoutCancel(ctx)); err != nil {
				errutil.LogError(logger, "delete operations interrupted at shutdown", err)
			}
			return nil
		case err, ok := <-obsErr:
			if ok && err != nil {
				return oops.Code("OBSERVABILITY_FAILED").Wrap(err)
			}
			obsErr = nil
		case <-ticker.C:
			recoverOps(ctx, a)
		}
	}
}

// recoverOps dispatches unfinished operations. Failures are logged and the
// next tick tries again.
func recoverOps(ctx context.Context, a *app) {
	if _, err := a.deletion.Recover(ctx); err != nil {
		errutil.LogErrorContext(ctx, a.logger, "recover delete operations failed", err)
	}
}
