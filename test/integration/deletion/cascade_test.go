// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package deletion_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/worldtree/internal/deletion"
	"github.com/holomush/worldtree/internal/seed"
	"github.com/holomush/worldtree/internal/world"
)

const owner = "user-archivist"

const outline = `
world:
  name: Vellmark
  owner: user-archivist
entities:
  - name: Ashen Coast
    type: location
    children:
      - name: Saltgate
        type: location
        children:
          - name: Harbormaster
            type: character
          - name: Brass Astrolabe
            type: item
      - name: Drowned Chapel
        type: location
  - name: The Long Tide
    type: event
`

// lockedEntities refuses to delete the entities in locked until unlocked.
type lockedEntities struct {
	world.EntityRepository

	mu     sync.Mutex
	locked map[ulid.ULID]bool
}

var errLocked = errors.New("row locked by maintenance")

func (l *lockedEntities) lock(id ulid.ULID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked[id] = true
}

func (l *lockedEntities) unlockAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.locked)
}

func (l *lockedEntities) SoftDelete(ctx context.Context, worldID, id ulid.ULID, actorID string, at time.Time) (bool, error) {
	l.mu.Lock()
	locked := l.locked[id]
	l.mu.Unlock()
	if locked {
		return false, errLocked
	}
	return l.EntityRepository.SoftDelete(ctx, worldID, id, actorID, at)
}

type stack struct {
	worldID    ulid.ULID
	entities   *lockedEntities
	tracker    *deletion.Tracker
	dispatcher *deletion.Dispatcher
	svc        *deletion.Service
}

func newStack(ctx context.Context) *stack {
	o, err := seed.Parse([]byte(outline))
	Expect(err).NotTo(HaveOccurred())
	im := &seed.Importer{Worlds: env.Worlds, Service: env.World}
	res, err := im.Apply(ctx, o)
	Expect(err).NotTo(HaveOccurred())
	Expect(res.Created).To(Equal(6))

	entities := &lockedEntities{EntityRepository: env.Entities, locked: map[ulid.ULID]bool{}}
	tracker := deletion.NewTracker(env.Operations, nil, nil)
	exec := deletion.NewExecutor(deletion.ExecutorConfig{
		Entities:       entities,
		Tracker:        tracker,
		NodeRetries:    1,
		RetryBaseDelay: time.Millisecond,
	})
	dispatcher := deletion.NewDispatcher(deletion.DispatcherConfig{Run: exec.Run, Workers: 2})
	DeferCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		Expect(dispatcher.Close(ctx)).To(Succeed())
	})
	return &stack{
		worldID:    res.WorldID,
		entities:   entities,
		tracker:    tracker,
		dispatcher: dispatcher,
		svc:        deletion.NewService(deletion.ServiceConfig{World: env.World, Tracker: tracker, Dispatcher: dispatcher}),
	}
}

func (s *stack) byName(ctx context.Context, name string) *world.Entity {
	page, err := env.World.ListEntities(ctx, owner, world.ListRequest{WorldID: s.worldID, Parent: world.AllEntities()})
	Expect(err).NotTo(HaveOccurred())
	for _, e := range page.Entities {
		if e.Name == name {
			return e
		}
	}
	Fail("no active entity named " + name)
	return nil
}

func (s *stack) await(ctx context.Context, opID ulid.ULID) *world.DeleteOperation {
	var op *world.DeleteOperation
	Eventually(func(g Gomega) {
		var err error
		op, err = s.svc.GetStatus(ctx, owner, s.worldID, opID)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(op).NotTo(BeNil())
		g.Expect(op.Status.IsTerminal()).To(BeTrue())
	}).WithTimeout(10 * time.Second).WithPolling(20 * time.Millisecond).Should(Succeed())
	return op
}

func (s *stack) active(ctx context.Context) []string {
	page, err := env.World.ListEntities(ctx, owner, world.ListRequest{WorldID: s.worldID, Parent: world.AllEntities()})
	Expect(err).NotTo(HaveOccurred())
	var names []string
	for _, e := range page.Entities {
		names = append(names, e.Name)
	}
	return names
}

var _ = Describe("Cascading delete against PostgreSQL", func() {
	var (
		ctx context.Context
		s   *stack
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = newStack(ctx)
	})

	It("deletes a seeded subtree in the background", func() {
		coast := s.byName(ctx, "Ashen Coast")

		op, err := s.svc.SubmitDelete(ctx, owner, s.worldID, coast.ID, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(op.Status).To(Equal(world.OperationPending))

		done := s.await(ctx, op.ID)
		Expect(done.Status).To(Equal(world.OperationCompleted))
		Expect(done.TotalEntities).To(Equal(5))
		Expect(done.DeletedCount).To(Equal(5))
		Expect(done.StartedAt).NotTo(BeNil())
		Expect(done.CompletedAt).NotTo(BeNil())

		Expect(s.active(ctx)).To(ConsistOf("The Long Tide"))

		audit, err := env.World.GetEntityForAudit(ctx, owner, s.worldID, coast.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(audit.IsDeleted).To(BeTrue())
		Expect(audit.DeletedBy).To(Equal(owner))
	})

	It("refuses a non-cascade delete of an entity with children", func() {
		saltgate := s.byName(ctx, "Saltgate")

		op, err := s.svc.SubmitDelete(ctx, owner, s.worldID, saltgate.ID, false)
		Expect(err).To(MatchError(world.ErrInvalidOperation))
		Expect(op).To(BeNil())

		recent, err := s.svc.ListRecent(ctx, owner, s.worldID, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(recent).To(BeEmpty())
	})

	It("rejects callers that do not own the world", func() {
		coast := s.byName(ctx, "Ashen Coast")

		_, err := s.svc.SubmitDelete(ctx, "user-stranger", s.worldID, coast.ID, true)
		Expect(err).To(MatchError(world.ErrUnauthorized))
		Expect(s.active(ctx)).To(HaveLen(6))
	})

	It("retries only what a partial run left behind", func() {
		coast := s.byName(ctx, "Ashen Coast")
		astrolabe := s.byName(ctx, "Brass Astrolabe")
		s.entities.lock(astrolabe.ID)

		first, err := s.svc.SubmitDelete(ctx, owner, s.worldID, coast.ID, true)
		Expect(err).NotTo(HaveOccurred())
		first = s.await(ctx, first.ID)
		Expect(first.Status).To(Equal(world.OperationPartial))
		Expect(first.FailedEntityIDs).To(ConsistOf(astrolabe.ID))
		Expect(first.DeletedCount + first.FailedCount).To(Equal(first.TotalEntities))
		Expect(first.ErrorDetails).NotTo(BeNil())

		s.entities.unlockAll()
		retry, err := s.svc.Retry(ctx, owner, s.worldID, first.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(retry.RetryOf).To(HaveValue(Equal(first.ID)))

		done := s.await(ctx, retry.ID)
		Expect(done.Status).To(Equal(world.OperationCompleted))
		Expect(s.active(ctx)).To(ConsistOf("The Long Tide"))

		original, err := s.svc.GetStatus(ctx, owner, s.worldID, first.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(original.Status).To(Equal(world.OperationPartial))
	})

	It("resumes operations left unfinished by a previous process", func() {
		tide := s.byName(ctx, "The Long Tide")
		orphan, err := s.tracker.Create(ctx, deletion.CreateOperationRequest{
			WorldID:        s.worldID,
			RootEntityID:   tide.ID,
			RootEntityName: tide.Name,
			Cascade:        true,
			CreatedBy:      owner,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(s.tracker.Start(ctx, orphan, 1)).To(Succeed())

		n, err := s.svc.Recover(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeNumerically(">=", 1))

		done := s.await(ctx, orphan.ID)
		Expect(done.Status).To(Equal(world.OperationCompleted))
		Expect(s.active(ctx)).NotTo(ContainElement("The Long Tide"))
	})

	It("keeps the hierarchy consistent after deleting a leaf", func() {
		chapel := s.byName(ctx, "Drowned Chapel")
		op, err := s.svc.SubmitDelete(ctx, owner, s.worldID, chapel.ID, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.await(ctx, op.ID).Status).To(Equal(world.OperationCompleted))

		issues, err := env.World.VerifyHierarchy(ctx, owner, s.worldID)
		Expect(err).NotTo(HaveOccurred())
		Expect(issues).To(BeEmpty())
	})
})
