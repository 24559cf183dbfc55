// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"

	"github.com/holomush/worldtree/internal/deletion"
	"github.com/holomush/worldtree/internal/world"
)

// Defaults for waiting on a submitted operation.
const (
	defaultWaitTimeout  = 5 * time.Minute
	defaultPollInterval = 500 * time.Millisecond
)

var errNotFinished = errors.New("delete operation not finished")

// submitOptions controls how a submitted operation is followed.
type submitOptions struct {
	wait         bool
	inline       bool
	timeout      time.Duration
	pollInterval time.Duration
	json         bool
}

func (o *submitOptions) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.wait, "wait", false, "poll until the operation finishes")
	cmd.Flags().BoolVar(&o.inline, "inline", false, "execute the operation in this process instead of a serve process (implies --wait)")
	cmd.Flags().DurationVar(&o.timeout, "timeout", defaultWaitTimeout, "how long --wait polls before giving up")
	cmd.Flags().DurationVar(&o.pollInterval, "poll-interval", defaultPollInterval, "interval between status polls")
	cmd.Flags().BoolVar(&o.json, "json", false, "print the operation as JSON")
}

func (o *submitOptions) validate() error {
	if o.pollInterval <= 0 {
		return oops.Code("INVALID_FLAG").With("flag", "poll-interval").Errorf("--poll-interval must be positive")
	}
	return nil
}

func (o *submitOptions) mode() dispatchMode {
	if o.inline {
		return dispatchLocal
	}
	return dispatchQueued
}

func newDeleteCmd(d *deps) *cobra.Command {
	opts := &submitOptions{}
	var cascade bool
	cmd := &cobra.Command{
		Use:   "delete WORLD_ID ENTITY_ID",
		Short: "Submit an asynchronous delete of an entity",
		Long: `Submit a delete operation for an entity. Without --cascade an entity
with active children is refused. The operation is left pending for a serve
process unless --inline executes it here.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			user, err := actingUser(cmd)
			if err != nil {
				return err
			}
			ids, err := parseIDs(args, "world_id", "entity_id")
			if err != nil {
				return err
			}
			a, err := setup(cmd, d, opts.mode())
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(cmd.Context()))

			op, err := a.deletion.SubmitDelete(cmd.Context(), user, ids[0], ids[1], cascade)
			if err != nil {
				return err
			}
			return follow(cmd, a, user, op, opts)
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "also delete every descendant")
	opts.register(cmd)
	return cmd
}

func newRetryCmd(d *deps) *cobra.Command {
	opts := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "retry WORLD_ID OPERATION_ID",
		Short: "Retry the unfinished work of a failed or partial operation",
		Long: `Create a new operation targeting what a failed or partial operation left
behind: the root if it is still present, otherwise the entities that could
not be deleted. The original operation is not modified.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			user, err := actingUser(cmd)
			if err != nil {
				return err
			}
			ids, err := parseIDs(args, "world_id", "operation_id")
			if err != nil {
				return err
			}
			a, err := setup(cmd, d, opts.mode())
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(cmd.Context()))

			op, err := a.deletion.Retry(cmd.Context(), user, ids[0], ids[1])
			if err != nil {
				return err
			}
			return follow(cmd, a, user, op, opts)
		},
	}
	opts.register(cmd)
	return cmd
}

func newStatusCmd(d *deps) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status WORLD_ID [OPERATION_ID]",
		Short: "Show one delete operation or the most recent ones of a world",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actingUser(cmd)
			if err != nil {
				return err
			}
			ids, err := parseIDs(args, "world_id", "operation_id")
			if err != nil {
				return err
			}
			a, err := setup(cmd, d, dispatchQueued)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(cmd.Context()))

			if len(ids) == 2 {
				op, err := a.deletion.GetStatus(cmd.Context(), user, ids[0], ids[1])
				if err != nil {
					return err
				}
				if op == nil {
					return world.OperationNotFound(ids[1])
				}
				return writeOperation(cmd.OutOrStdout(), op, asJSON)
			}
			ops, err := a.deletion.ListRecent(cmd.Context(), user, ids[0], limit)
			if err != nil {
				return err
			}
			return writeOperations(cmd.OutOrStdout(), ops, asJSON)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", deletion.DefaultRecentLimit,
		fmt.Sprintf("number of recent operations to list (max %d)", deletion.MaxRecentLimit))
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

// follow prints a submitted operation, first waiting for it to finish when asked.
func follow(cmd *cobra.Command, a *app, user string, op *world.DeleteOperation, opts *submitOptions) error {
	if !opts.wait && !opts.inline {
		return writeOperation(cmd.OutOrStdout(), op, opts.json)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	done, err := waitForOperation(ctx, a.deletion, user, op, opts.pollInterval, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if err := writeOperation(cmd.OutOrStdout(), done, opts.json); err != nil {
		return err
	}
	if done.Status != world.OperationCompleted {
		return oops.Code("DELETE_INCOMPLETE").
			With("operation_id", done.ID.String()).
			With("status", done.Status.String()).
			Errorf("delete operation ended %s", done.Status)
	}
	return nil
}

// waitForOperation polls op until it reaches a terminal status, reporting
// progress changes to out.
func waitForOperation(ctx context.Context, svc *deletion.Service, user string, op *world.DeleteOperation, interval time.Duration, out io.Writer) (*world.DeleteOperation, error) {
	current := op
	last := ""
	err := retry.Do(ctx, retry.NewConstant(interval), func(ctx context.Context) error {
		got, err := svc.GetStatus(ctx, user, op.WorldID, op.ID)
		if err != nil {
			if world.IsRetriable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		if got == nil {
			return world.OperationNotFound(op.ID)
		}
		current = got
		if line := fmt.Sprintf("%s: %s", got.Status, progress(got)); line != last {
			fmt.Fprintln(out, line)
			last = line
		}
		if !got.Status.IsTerminal() {
			return retry.RetryableError(errNotFinished)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, oops.Code("WAIT_TIMEOUT").
				With("operation_id", op.ID.String()).
				With("status", current.Status.String()).
				Wrap(ctx.Err())
		}
		return nil, err
	}
	return current, nil
}
