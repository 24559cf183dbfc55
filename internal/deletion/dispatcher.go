// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package deletion

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"golang.org/x/sync/semaphore"

	"github.com/holomush/worldtree/internal/world"
	"github.com/holomush/worldtree/pkg/errutil"
)

// DefaultWorkers bounds concurrently executing operations when no value is configured.
const DefaultWorkers = 4

// Dispatcher errors.
var (
	// ErrAlreadyRunning is returned when the operation is already executing in this process.
	ErrAlreadyRunning = errors.New("delete operation already running")

	// ErrDispatcherClosed is returned by Dispatch after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// RunFunc executes one operation to completion.
type RunFunc func(ctx context.Context, op *world.DeleteOperation) error

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Run     RunFunc
	Workers int64
	// Lease guards against another process running the same operation.
	// Defaults to a LocalLease.
	Lease  Lease
	Logger *slog.Logger
}

// Dispatcher runs delete operations in the background, one goroutine per
// operation, with at most Workers executing at a time.
type Dispatcher struct {
	run    RunFunc
	sem    *semaphore.Weighted
	lease  Lease
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[ulid.ULID]struct{}
	closed  bool
}

// NewDispatcher creates a dispatcher from cfg.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	lease := cfg.Lease
	if lease == nil {
		lease = NewLocalLease()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		run:     cfg.Run,
		sem:     semaphore.NewWeighted(workers),
		lease:   lease,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[ulid.ULID]struct{}),
	}
}

// Dispatch starts op in the background and returns immediately. The run is
// detached from ctx's cancellation but keeps its values; it stops when the
// dispatcher closes.
func (d *Dispatcher) Dispatch(ctx context.Context, op *world.DeleteOperation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return oops.With("operation_id", op.ID.String()).Wrap(ErrDispatcherClosed)
	}
	if _, ok := d.running[op.ID]; ok {
		return oops.With("operation_id", op.ID.String()).Wrap(ErrAlreadyRunning)
	}
	d.running[op.ID] = struct{}{}
	d.wg.Add(1)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(d.ctx, cancel)
	go func() {
		defer d.wg.Done()
		defer func() {
			stop()
			cancel()
			d.mu.Lock()
			delete(d.running, op.ID)
			d.mu.Unlock()
		}()
		d.execute(runCtx, op)
	}()
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, op *world.DeleteOperation) {
	logger := d.logger.With("operation_id", op.ID.String())
	if err := d.sem.Acquire(ctx, 1); err != nil {
		logger.DebugContext(ctx, "dispatcher closed before delete operation started")
		return
	}
	defer d.sem.Release(1)

	release, err := d.lease.Acquire(ctx, op.ID.String())
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			logger.InfoContext(ctx, "delete operation running elsewhere")
			return
		}
		errutil.LogErrorContext(ctx, logger, "acquire delete operation lease failed", err)
		return
	}
	defer release()

	inFlight.Inc()
	defer inFlight.Dec()
	err = d.run(ctx, op)
	switch {
	case err == nil:
	case errors.Is(err, world.ErrInvalidTransition):
		logger.DebugContext(ctx, "delete operation already finished")
	default:
		errutil.LogErrorContext(ctx, logger, "delete operation run failed", err)
	}
}

// Running reports whether op is executing or queued in this process.
func (d *Dispatcher) Running(id ulid.ULID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[id]
	return ok
}

// Wait blocks until every dispatched run has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting operations and waits for in-flight runs. When ctx
// expires first, the runs are cancelled, record their unattempted entities as
// failed, and Close waits for them to finish.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return oops.Code("DISPATCHER_DRAIN_TIMEOUT").Wrap(ctx.Err())
	}
}
