// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package deletion

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/worldtree/internal/world"
	"github.com/holomush/worldtree/pkg/errutil"
)

type serviceFixture struct {
	*fixture
	dispatcher *Dispatcher
	svc        *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := newFixture(t)
	d := NewDispatcher(DispatcherConfig{Run: f.executor(0).Run, Workers: 2})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return &serviceFixture{
		fixture:    f,
		dispatcher: d,
		svc:        NewService(ServiceConfig{World: f.world, Tracker: f.tracker, Dispatcher: d}),
	}
}

func (f *serviceFixture) await(t *testing.T, opID ulid.ULID) *world.DeleteOperation {
	t.Helper()
	f.dispatcher.Wait()
	op, err := f.svc.GetStatus(context.Background(), owner, f.worldID, opID)
	require.NoError(t, err)
	require.NotNil(t, op)
	require.True(t, op.Status.IsTerminal(), "status %s", op.Status)
	return op
}

func TestService_SubmitDelete_ThreeLevelCascade(t *testing.T) {
	f := newServiceFixture(t)
	region, tavern, mug, square := f.tree(t)

	op, err := f.svc.SubmitDelete(context.Background(), owner, f.worldID, region.ID, true)
	require.NoError(t, err)
	assert.Equal(t, world.OperationPending, op.Status)
	assert.Equal(t, region.ID, op.RootEntityID)
	assert.Equal(t, region.Name, op.RootEntityName)
	assert.Equal(t, owner, op.CreatedBy)

	done := f.await(t, op.ID)
	assert.Equal(t, world.OperationCompleted, done.Status)
	assert.Equal(t, 4, done.TotalEntities)
	assert.Equal(t, 4, done.DeletedCount)

	for _, e := range []*world.Entity{region, tavern, mug, square} {
		_, err := f.world.GetEntity(context.Background(), owner, f.worldID, e.ID)
		assert.ErrorIs(t, err, world.ErrNotFound, e.Name)
	}
}

func TestService_SubmitDelete_NonCascadeWithChildren(t *testing.T) {
	f := newServiceFixture(t)
	region, _, _, _ := f.tree(t)

	op, err := f.svc.SubmitDelete(context.Background(), owner, f.worldID, region.ID, false)
	require.Error(t, err)
	assert.Nil(t, op)
	assert.ErrorIs(t, err, world.ErrInvalidOperation)
	errutil.AssertErrorCode(t, err, world.CodeHasChildren)

	ops, err := f.svc.ListRecent(context.Background(), owner, f.worldID, 0)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestService_SubmitDelete_NonCascadeLeaf(t *testing.T) {
	f := newServiceFixture(t)
	leaf := f.create(t, nil, world.EntityTypeNote, "Reminder")

	op, err := f.svc.SubmitDelete(context.Background(), owner, f.worldID, leaf.ID, false)
	require.NoError(t, err)

	done := f.await(t, op.ID)
	assert.Equal(t, world.OperationCompleted, done.Status)
	assert.False(t, done.Cascade)
	assert.Equal(t, 1, done.DeletedCount)
}

func TestService_SubmitDelete_Rejections(t *testing.T) {
	f := newServiceFixture(t)
	leaf := f.create(t, nil, world.EntityTypeItem, "Coin")

	tests := []struct {
		name     string
		subject  string
		worldID  ulid.ULID
		entityID ulid.ULID
		wantErr  error
	}{
		{"other user", "user-intruder", f.worldID, leaf.ID, world.ErrUnauthorized},
		{"missing entity", owner, f.worldID, world.NewID(), world.ErrNotFound},
		{"missing world", owner, world.NewID(), leaf.ID, world.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := f.svc.SubmitDelete(context.Background(), tt.subject, tt.worldID, tt.entityID, true)
			assert.Nil(t, op)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestService_GetStatus(t *testing.T) {
	f := newServiceFixture(t)

	op, err := f.svc.GetStatus(context.Background(), owner, f.worldID, world.NewID())
	require.NoError(t, err)
	assert.Nil(t, op)

	_, err = f.svc.GetStatus(context.Background(), "user-intruder", f.worldID, world.NewID())
	assert.ErrorIs(t, err, world.ErrUnauthorized)
}

func TestService_Retry_AfterPartialFailure(t *testing.T) {
	f := newServiceFixture(t)
	region, _, mug, _ := f.tree(t)
	f.entities.failOn(mug.ID, oops.Code("LOCKED").Wrap(world.ErrInvalidOperation), -1)

	first, err := f.svc.SubmitDelete(context.Background(), owner, f.worldID, region.ID, true)
	require.NoError(t, err)
	first = f.await(t, first.ID)
	require.Equal(t, world.OperationPartial, first.Status)
	require.Equal(t, []ulid.ULID{mug.ID}, first.FailedEntityIDs)

	f.entities.clearFaults()
	retry, err := f.svc.Retry(context.Background(), owner, f.worldID, first.ID)
	require.NoError(t, err)
	require.NotNil(t, retry.RetryOf)
	assert.Equal(t, first.ID, *retry.RetryOf)
	assert.Equal(t, []ulid.ULID{mug.ID}, retry.TargetIDs)
	assert.Equal(t, region.ID, retry.RootEntityID)

	done := f.await(t, retry.ID)
	assert.Equal(t, world.OperationCompleted, done.Status)
	assert.Equal(t, 1, done.TotalEntities)
	assert.Equal(t, 1, done.DeletedCount)
	assert.True(t, f.stored(t, mug.ID).IsDeleted)

	original, err := f.svc.GetStatus(context.Background(), owner, f.worldID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first, original)
}

func TestService_Retry_RootStillPresent(t *testing.T) {
	f := newServiceFixture(t)
	region, _, _, _ := f.tree(t)
	f.entities.failOn(region.ID, oops.Wrap(world.ErrInvalidOperation), -1)

	first, err := f.svc.SubmitDelete(context.Background(), owner, f.worldID, region.ID, true)
	require.NoError(t, err)
	first = f.await(t, first.ID)
	require.Equal(t, world.OperationPartial, first.Status)

	f.entities.clearFaults()
	retry, err := f.svc.Retry(context.Background(), owner, f.worldID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []ulid.ULID{region.ID}, retry.TargetIDs)
	assert.True(t, retry.Cascade)

	done := f.await(t, retry.ID)
	assert.Equal(t, world.OperationCompleted, done.Status)
	assert.Equal(t, 1, done.TotalEntities)
}

func TestService_Retry_Rejections(t *testing.T) {
	f := newServiceFixture(t)
	leaf := f.create(t, nil, world.EntityTypeNote, "Memo")
	completed, err := f.svc.SubmitDelete(context.Background(), owner, f.worldID, leaf.ID, true)
	require.NoError(t, err)
	f.await(t, completed.ID)

	ghost, err := f.tracker.Create(context.Background(), CreateOperationRequest{
		WorldID:      f.worldID,
		RootEntityID: world.NewID(),
		Cascade:      true,
		CreatedBy:    owner,
	})
	require.NoError(t, err)
	require.NoError(t, f.executor(0).Run(context.Background(), ghost))
	require.Equal(t, world.OperationFailed, ghost.Status)

	tests := []struct {
		name     string
		subject  string
		opID     ulid.ULID
		wantErr  error
		wantCode string
	}{
		{"completed operation", owner, completed.ID, world.ErrInvalidOperation, CodeNotRetriable},
		{"nothing left", owner, ghost.ID, world.ErrInvalidOperation, CodeNothingToRetry},
		{"unknown operation", owner, world.NewID(), world.ErrNotFound, world.CodeOperationNotFound},
		{"other user", "user-intruder", completed.ID, world.ErrUnauthorized, world.CodeUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := f.svc.Retry(context.Background(), tt.subject, f.worldID, tt.opID)
			assert.Nil(t, op)
			assert.ErrorIs(t, err, tt.wantErr)
			errutil.AssertErrorCode(t, err, tt.wantCode)
		})
	}
}

func TestService_ListRecent(t *testing.T) {
	f := newServiceFixture(t)
	var ids []ulid.ULID
	for _, name := range []string{"One", "Two", "Three"} {
		e := f.create(t, nil, world.EntityTypeNote, name)
		op, err := f.svc.SubmitDelete(context.Background(), owner, f.worldID, e.ID, true)
		require.NoError(t, err)
		ids = append(ids, op.ID)
		time.Sleep(time.Millisecond)
	}
	f.dispatcher.Wait()

	ops, err := f.svc.ListRecent(context.Background(), owner, f.worldID, 2)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, ids[2], ops[0].ID)
	assert.Equal(t, ids[1], ops[1].ID)
}

func TestService_Recover(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	region, _, _, _ := f.tree(t)
	leaf := f.create(t, nil, world.EntityTypeItem, "Relic")
	ctx := context.Background()

	pending := f.submit(t, leaf, true)
	orphan := f.submit(t, region, true)
	require.NoError(t, f.tracker.Start(ctx, orphan, 4))

	d := NewDispatcher(DispatcherConfig{Run: f.executor(0).Run})
	svc := NewService(ServiceConfig{World: f.world, Tracker: f.tracker, Dispatcher: d})

	n, err := svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, d.Close(ctx))

	for _, id := range []ulid.ULID{pending.ID, orphan.ID} {
		op, err := f.tracker.Get(ctx, f.worldID, id)
		require.NoError(t, err)
		assert.Equal(t, world.OperationCompleted, op.Status)
	}
	unfinished, err := f.tracker.Unfinished(ctx)
	require.NoError(t, err)
	assert.Empty(t, unfinished)
}
