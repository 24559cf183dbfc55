// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package deletion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/holomush/worldtree/internal/world"
	"github.com/holomush/worldtree/internal/world/memory"
)

const owner = "user-owner"

type fixture struct {
	store    *memory.Store
	entities *faultyEntities
	ops      *recordingOps
	world    *world.Service
	tracker  *Tracker
	worldID  ulid.ULID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	w := &world.World{ID: world.NewID(), OwnerID: owner, Name: "Aerth", CreatedAt: time.Now()}
	require.NoError(t, store.Worlds().Create(context.Background(), w))

	entities := &faultyEntities{EntityRepository: store.Entities()}
	ops := &recordingOps{OperationRepository: store.Operations()}
	return &fixture{
		store:    store,
		entities: entities,
		ops:      ops,
		world: world.NewService(world.ServiceConfig{
			EntityRepo: entities,
			Owners:     world.RepositoryOwnerResolver{Worlds: store.Worlds()},
			Transactor: store,
		}),
		tracker: NewTracker(ops, nil, nil),
		worldID: w.ID,
	}
}

func (f *fixture) executor(retries int) *Executor {
	return NewExecutor(ExecutorConfig{
		Entities:       f.entities,
		Tracker:        f.tracker,
		NodeRetries:    retries,
		RetryBaseDelay: time.Millisecond,
	})
}

func (f *fixture) create(t *testing.T, parent *world.Entity, typ world.EntityType, name string) *world.Entity {
	t.Helper()
	req := world.CreateEntityRequest{WorldID: f.worldID, Type: typ, Name: name}
	if parent != nil {
		req.ParentID = &parent.ID
	}
	e, err := f.world.CreateEntity(context.Background(), owner, req)
	require.NoError(t, err)
	return e
}

// tree builds: region -> {tavern -> {mug}, square}.
func (f *fixture) tree(t *testing.T) (region, tavern, mug, square *world.Entity) {
	t.Helper()
	region = f.create(t, nil, world.EntityTypeLocation, "Northern Reach")
	tavern = f.create(t, region, world.EntityTypeLocation, "Prancing Pony")
	mug = f.create(t, tavern, world.EntityTypeItem, "Pewter Mug")
	square = f.create(t, region, world.EntityTypeLocation, "Market Square")
	return region, tavern, mug, square
}

func (f *fixture) submit(t *testing.T, root *world.Entity, cascade bool) *world.DeleteOperation {
	t.Helper()
	op, err := f.tracker.Create(context.Background(), CreateOperationRequest{
		WorldID:        f.worldID,
		RootEntityID:   root.ID,
		RootEntityName: root.Name,
		Cascade:        cascade,
		CreatedBy:      owner,
	})
	require.NoError(t, err)
	return op
}

func (f *fixture) stored(t *testing.T, id ulid.ULID) *world.Entity {
	t.Helper()
	e, err := f.store.Entities().Get(context.Background(), f.worldID, id)
	require.NoError(t, err)
	return e
}

// faultyEntities injects SoftDelete failures and records the delete order.
type faultyEntities struct {
	world.EntityRepository

	mu       sync.Mutex
	failures map[ulid.ULID]fault
	calls    map[ulid.ULID]int
	order    []ulid.ULID
	onDelete func(id ulid.ULID)
}

type fault struct {
	err error
	// times is how many attempts fail; negative fails forever.
	times int
}

func (f *faultyEntities) failOn(id ulid.ULID, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == nil {
		f.failures = make(map[ulid.ULID]fault)
	}
	f.failures[id] = fault{err: err, times: times}
}

func (f *faultyEntities) clearFaults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = nil
}

func (f *faultyEntities) attempts(id ulid.ULID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *faultyEntities) deleted() []ulid.ULID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ulid.ULID(nil), f.order...)
}

func (f *faultyEntities) SoftDelete(ctx context.Context, worldID, id ulid.ULID, actorID string, at time.Time) (bool, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[ulid.ULID]int)
	}
	f.calls[id]++
	flt, ok := f.failures[id]
	if ok && flt.times != 0 {
		if flt.times > 0 {
			flt.times--
			f.failures[id] = flt
		}
		f.mu.Unlock()
		return false, flt.err
	}
	hook := f.onDelete
	f.mu.Unlock()

	deleted, err := f.EntityRepository.SoftDelete(ctx, worldID, id, actorID, at)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	f.order = append(f.order, id)
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return deleted, nil
}

// recordingOps keeps a copy of every saved operation state.
type recordingOps struct {
	world.OperationRepository

	mu    sync.Mutex
	saves []*world.DeleteOperation
}

func (r *recordingOps) Save(ctx context.Context, op *world.DeleteOperation) error {
	if err := r.OperationRepository.Save(ctx, op); err != nil {
		return err
	}
	r.mu.Lock()
	r.saves = append(r.saves, op.Clone())
	r.mu.Unlock()
	return nil
}

func (r *recordingOps) history(id ulid.ULID) []*world.DeleteOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*world.DeleteOperation
	for _, op := range r.saves {
		if op.ID == id {
			out = append(out, op)
		}
	}
	return out
}
