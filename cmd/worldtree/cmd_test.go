// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/worldtree/internal/config"
	"github.com/holomush/worldtree/internal/world"
	"github.com/holomush/worldtree/internal/world/memory"
	"github.com/holomush/worldtree/pkg/errutil"
)

const ada = "user-ada"

const outlineTemplate = `
world:
  id: %s
  name: Aerth
  owner: user-ada
entities:
  - name: Northern Reach
    type: location
    children:
      - name: Prancing Pony
        type: location
        children:
          - name: Pewter Mug
            type: item
      - name: Market Square
        type: location
`

// harness runs commands against one shared in-memory store.
type harness struct {
	store   *memory.Store
	deps    *deps
	worldID ulid.ULID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	s := memory.NewStore()
	return &harness{
		store: s,
		deps: &deps{
			openBackend: func(context.Context, *config.Config) (*backend, error) {
				return newMemoryBackend(s), nil
			},
		},
	}
}

func (h *harness) run(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	return h.runContext(context.Background(), t, args...)
}

func (h *harness) runContext(ctx context.Context, t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	cmd := newRootCmd(h.deps)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--store", config.DriverMemory, "--log-level", "error"))
	err = cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

// seed imports the standard outline and returns the root entity.
func (h *harness) seed(t *testing.T) *world.Entity {
	t.Helper()
	h.worldID = world.NewID()
	path := filepath.Join(t.TempDir(), "aerth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(outlineTemplate, h.worldID)), 0o600))

	stdout, _, err := h.run(t, "seed", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "created: 4 entities created, 0 already present")
	return h.entity(t, "Northern Reach")
}

func (h *harness) entity(t *testing.T, name string) *world.Entity {
	t.Helper()
	all, err := h.store.Entities().List(context.Background(), world.EntityQuery{
		WorldID: h.worldID,
		Parent:  world.AllEntities(),
		Limit:   100,
	})
	require.NoError(t, err)
	for _, e := range all {
		if e.Name == name {
			return e
		}
	}
	t.Fatalf("entity %q not found", name)
	return nil
}

func decodeOperation(t *testing.T, stdout string) operationView {
	t.Helper()
	var view operationView
	require.NoError(t, json.Unmarshal([]byte(stdout), &view))
	return view
}

func TestRootCmd_ListsSubcommands(t *testing.T) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())

	for _, name := range []string{"serve", "migrate", "seed", "delete", "status", "retry", "verify"} {
		assert.Contains(t, out.String(), name)
	}
	for _, flag := range []string{"--config", "--user", "--store", "--workers", "--redis-url", "--metrics-addr"} {
		assert.Contains(t, out.String(), flag)
	}
}

func TestSeed_ReimportAddsNothing(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	path := filepath.Join(t.TempDir(), "again.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(outlineTemplate, h.worldID)), 0o600))

	stdout, _, err := h.run(t, "seed", path)

	require.NoError(t, err)
	assert.Contains(t, stdout, "updated: 0 entities created, 4 already present")
}

func TestSeed_InvalidFile(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("world: {name: x}\n"), 0o600))

	_, _, err := h.run(t, "seed", path)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "SEED_INVALID")

	_, _, err = h.run(t, "seed", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "SEED_READ_FAILED")
}

func TestDelete_InlineCascade(t *testing.T) {
	h := newHarness(t)
	root := h.seed(t)

	stdout, stderr, err := h.run(t, "delete", h.worldID.String(), root.ID.String(),
		"--user", ada, "--cascade", "--inline", "--poll-interval", "5ms", "--json")
	require.NoError(t, err, stderr)

	view := decodeOperation(t, stdout)
	assert.Equal(t, world.OperationCompleted.String(), view.Status)
	assert.Equal(t, 4, view.TotalEntities)
	assert.Equal(t, 4, view.DeletedCount)
	assert.Equal(t, root.ID, view.RootEntityID)
	assert.Equal(t, ada, view.CreatedBy)
	assert.Contains(t, stderr, "completed: 4/4 deleted")

	stored, err := h.store.Entities().Get(context.Background(), h.worldID, root.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted)
}

func TestDelete_NonCascadeWithChildrenRefused(t *testing.T) {
	h := newHarness(t)
	root := h.seed(t)

	_, _, err := h.run(t, "delete", h.worldID.String(), root.ID.String(), "--user", ada)

	require.Error(t, err)
	assert.ErrorIs(t, err, world.ErrInvalidOperation)
	errutil.AssertErrorCode(t, err, world.CodeHasChildren)
}

func TestDelete_QueuedStaysPending(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	mug := h.entity(t, "Pewter Mug")

	stdout, _, err := h.run(t, "delete", h.worldID.String(), mug.ID.String(), "--user", ada)
	require.NoError(t, err)
	assert.Contains(t, stdout, "pending")

	stored, err := h.store.Entities().Get(context.Background(), h.worldID, mug.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsDeleted)
}

func TestDelete_WaitTimesOutWithoutWorker(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	mug := h.entity(t, "Pewter Mug")

	_, _, err := h.run(t, "delete", h.worldID.String(), mug.ID.String(),
		"--user", ada, "--wait", "--timeout", "30ms", "--poll-interval", "5ms")

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	errutil.AssertErrorCode(t, err, "WAIT_TIMEOUT")
	errutil.AssertErrorContext(t, err, "status", world.OperationPending.String())
}

func TestDelete_ArgumentErrors(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	mug := h.entity(t, "Pewter Mug")

	_, _, err := h.run(t, "delete", h.worldID.String(), mug.ID.String())
	errutil.AssertErrorCode(t, err, "USER_REQUIRED")

	_, _, err = h.run(t, "delete", h.worldID.String(), "not-a-ulid", "--user", ada)
	var ve *world.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "entity_id", ve.Field)

	_, _, err = h.run(t, "delete", h.worldID.String(), mug.ID.String(), "--user", "user-intruder")
	assert.ErrorIs(t, err, world.ErrUnauthorized)

	_, _, err = h.run(t, "delete", h.worldID.String(), mug.ID.String(), "--user", ada, "--poll-interval", "0s")
	errutil.AssertErrorCode(t, err, "INVALID_FLAG")
}

func TestServe_ExecutesQueuedOperations(t *testing.T) {
	h := newHarness(t)
	root := h.seed(t)
	stdout, _, err := h.run(t, "delete", h.worldID.String(), root.ID.String(), "--user", ada, "--cascade", "--json")
	require.NoError(t, err)
	opID := decodeOperation(t, stdout).ID

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := h.runContext(ctx, t, "serve", "--metrics-addr", "", "--recover-interval", "10ms")
		done <- err
	}()

	require.Eventually(t, func() bool {
		op, err := h.store.Operations().Get(context.Background(), h.worldID, opID)
		return err == nil && op.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}

	op, err := h.store.Operations().Get(context.Background(), h.worldID, opID)
	require.NoError(t, err)
	assert.Equal(t, world.OperationCompleted, op.Status)
	assert.Equal(t, 4, op.DeletedCount)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	var ids []ulid.ULID
	for _, name := range []string{"Pewter Mug", "Market Square"} {
		stdout, _, err := h.run(t, "delete", h.worldID.String(), h.entity(t, name).ID.String(),
			"--user", ada, "--inline", "--poll-interval", "5ms", "--json")
		require.NoError(t, err)
		ids = append(ids, decodeOperation(t, stdout).ID)
		time.Sleep(time.Millisecond)
	}

	t.Run("one operation", func(t *testing.T) {
		stdout, _, err := h.run(t, "status", h.worldID.String(), ids[0].String(), "--user", ada)
		require.NoError(t, err)
		assert.Contains(t, stdout, ids[0].String())
		assert.Contains(t, stdout, "Pewter Mug")
		assert.Contains(t, stdout, "1/1 deleted")
	})

	t.Run("recent as json", func(t *testing.T) {
		stdout, _, err := h.run(t, "status", h.worldID.String(), "--user", ada, "--json")
		require.NoError(t, err)
		var views []operationView
		require.NoError(t, json.Unmarshal([]byte(stdout), &views))
		require.Len(t, views, 2)
		assert.Equal(t, ids[1], views[0].ID)
		assert.Equal(t, ids[0], views[1].ID)
	})

	t.Run("recent as table", func(t *testing.T) {
		stdout, _, err := h.run(t, "status", h.worldID.String(), "--user", ada, "--limit", "1")
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(stdout), "\n")
		require.Len(t, lines, 2)
		assert.True(t, strings.HasPrefix(lines[0], "OPERATION"))
		assert.Contains(t, lines[1], ids[1].String())
	})

	t.Run("unknown operation", func(t *testing.T) {
		_, _, err := h.run(t, "status", h.worldID.String(), world.NewID().String(), "--user", ada)
		require.Error(t, err)
		assert.ErrorIs(t, err, world.ErrNotFound)
		errutil.AssertErrorCode(t, err, world.CodeOperationNotFound)
	})
}

func TestRetry_CompletedOperationRejected(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	stdout, _, err := h.run(t, "delete", h.worldID.String(), h.entity(t, "Pewter Mug").ID.String(),
		"--user", ada, "--inline", "--poll-interval", "5ms", "--json")
	require.NoError(t, err)
	opID := decodeOperation(t, stdout).ID

	_, _, err = h.run(t, "retry", h.worldID.String(), opID.String(), "--user", ada)

	require.Error(t, err)
	assert.ErrorIs(t, err, world.ErrInvalidOperation)
}

func TestVerify(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	stdout, _, err := h.run(t, "verify", h.worldID.String(), "--user", ada)
	require.NoError(t, err)
	assert.Contains(t, stdout, "hierarchy ok")

	square := h.entity(t, "Market Square")
	square.Depth = 7
	require.NoError(t, h.store.Entities().Update(context.Background(), square, square.UpdatedAt))

	stdout, _, err = h.run(t, "verify", h.worldID.String(), "--user", ada)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "HIERARCHY_INVALID")
	assert.Contains(t, stdout, square.ID.String())
}

func TestConfig_XDGFileUsedWithoutFlag(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "worldtree")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("deletion:\n  workers: 0\n"), 0o600))

	_, _, err := h.run(t, "verify", "--user", ada, world.NewID().String())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")

	_, _, err = h.run(t, "verify", "--user", ada, "--workers", "2", world.NewID().String())
	require.Error(t, err)
	assert.ErrorIs(t, err, world.ErrNotFound)
}
