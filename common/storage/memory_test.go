package storage_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/distributed-sessions/common/entity"
	"github.com/scusemua/distributed-sessions/common/storage"
	"github.com/scusemua/distributed-sessions/common/types"
)

var _ = Describe("Memory Provider", func() {
	var (
		ctx      context.Context
		provider *storage.MemoryProvider
	)

	leaseDuration := 15 * time.Second

	BeforeEach(func() {
		ctx = context.Background()
		provider = storage.NewMemoryProvider()
	})

	AfterEach(func() {
		Expect(provider.Close()).To(Succeed())
	})

	Context("Reservations", func() {
		It("Should create a Scheduled backend at version 1 with a lease", func() {
			b, err := provider.Reserve(ctx, "session-1", leaseDuration)
			Expect(err).ToNot(HaveOccurred())
			Expect(b.Key).To(Equal("session-1"))
			Expect(b.State).To(Equal(entity.StateScheduled))
			Expect(b.Version).To(Equal(int64(1)))

			l, err := provider.GetLease(ctx, b.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(l.BackendID).To(Equal(b.ID))
			Expect(l.Active(time.Now())).To(BeTrue())
		})

		It("Should reject a second reservation while the key is held", func() {
			_, err := provider.Reserve(ctx, "session-1", leaseDuration)
			Expect(err).ToNot(HaveOccurred())

			_, err = provider.Reserve(ctx, "session-1", leaseDuration)
			Expect(err).To(MatchError(types.ErrKeyConflict))
		})

		It("Should release the key once its backend reaches a terminal state", func() {
			b, err := provider.Reserve(ctx, "session-1", leaseDuration)
			Expect(err).ToNot(HaveOccurred())

			_, err = provider.CompareAndTransition(ctx, b.ID, 1, entity.EventWorkerReportedHealthFailure,
				&storage.TransitionOpts{Cause: "spawn failed"})
			Expect(err).ToNot(HaveOccurred())

			_, err = provider.GetBackendByKey(ctx, "session-1")
			Expect(err).To(MatchError(types.ErrBackendNotFound))

			fresh, err := provider.Reserve(ctx, "session-1", leaseDuration)
			Expect(err).ToNot(HaveOccurred())
			Expect(fresh.ID).ToNot(Equal(b.ID))
		})
	})

	Context("Compare-and-transition", func() {
		var b *entity.Backend

		BeforeEach(func() {
			var err error
			b, err = provider.Reserve(ctx, "session-1", leaseDuration)
			Expect(err).ToNot(HaveOccurred())
		})

		It("Should advance the state and bump the version on a matching version", func() {
			updated, err := provider.CompareAndTransition(ctx, b.ID, 1, entity.EventWorkerAcceptedPlacement,
				&storage.TransitionOpts{WorkerID: "worker-1"})
			Expect(err).ToNot(HaveOccurred())
			Expect(updated.State).To(Equal(entity.StateLoading))
			Expect(updated.Version).To(Equal(int64(2)))
			Expect(updated.WorkerID).To(Equal("worker-1"))
		})

		It("Should reject a stale version without changing anything", func() {
			_, err := provider.CompareAndTransition(ctx, b.ID, 1, entity.EventWorkerAcceptedPlacement, nil)
			Expect(err).ToNot(HaveOccurred())

			_, err = provider.CompareAndTransition(ctx, b.ID, 1, entity.EventWorkerReportedReady, nil)
			Expect(err).To(MatchError(types.ErrVersionMismatch))

			current, err := provider.GetBackend(ctx, b.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(current.State).To(Equal(entity.StateLoading))
			Expect(current.Version).To(Equal(int64(2)))
		})

		It("Should reject an inapplicable event so duplicate reports are no-ops", func() {
			_, err := provider.CompareAndTransition(ctx, b.ID, 1, entity.EventWorkerAcceptedPlacement, nil)
			Expect(err).ToNot(HaveOccurred())

			updated, err := provider.CompareAndTransition(ctx, b.ID, 2, entity.EventWorkerReportedReady,
				&storage.TransitionOpts{Address: "worker-1:20000"})
			Expect(err).ToNot(HaveOccurred())
			Expect(updated.State).To(Equal(entity.StateReady))
			Expect(updated.Address).To(Equal("worker-1:20000"))

			_, err = provider.CompareAndTransition(ctx, b.ID, 3, entity.EventWorkerReportedReady, nil)
			Expect(err).To(MatchError(types.ErrInvalidTransition))
		})

		It("Should append a log entry for every committed transition, in order", func() {
			_, err := provider.CompareAndTransition(ctx, b.ID, 1, entity.EventWorkerAcceptedPlacement,
				&storage.TransitionOpts{Cause: "worker accepted placement"})
			Expect(err).ToNot(HaveOccurred())

			_, err = provider.CompareAndTransition(ctx, b.ID, 2, entity.EventWorkerReportedReady,
				&storage.TransitionOpts{Cause: "worker reported ready"})
			Expect(err).ToNot(HaveOccurred())

			log, err := provider.ReadTransitionLog(ctx, b.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(log).To(HaveLen(3))

			Expect(log[0].To).To(Equal(entity.StateScheduled))
			Expect(log[1].From).To(Equal(entity.StateScheduled))
			Expect(log[1].To).To(Equal(entity.StateLoading))
			Expect(log[2].From).To(Equal(entity.StateLoading))
			Expect(log[2].To).To(Equal(entity.StateReady))

			for i, e := range log {
				Expect(e.Version).To(Equal(int64(i + 1)))
			}
		})
	})

	Context("Workers and epochs", func() {
		It("Should assign strictly increasing epochs across registrations", func() {
			w1, err := provider.RegisterWorker(ctx, "worker-1", "worker-1:9090", 4)
			Expect(err).ToNot(HaveOccurred())

			w2, err := provider.RegisterWorker(ctx, "worker-2", "worker-2:9090", 4)
			Expect(err).ToNot(HaveOccurred())
			Expect(w2.Epoch).To(BeNumerically(">", w1.Epoch))

			// Re-registration of the same worker id supersedes the old epoch.
			w1Again, err := provider.RegisterWorker(ctx, "worker-1", "worker-1:9090", 4)
			Expect(err).ToNot(HaveOccurred())
			Expect(w1Again.Epoch).To(BeNumerically(">", w2.Epoch))
		})

		It("Should reject heartbeats carrying a superseded epoch", func() {
			w, err := provider.RegisterWorker(ctx, "worker-1", "worker-1:9090", 4)
			Expect(err).ToNot(HaveOccurred())

			stale := w.Epoch

			_, err = provider.RegisterWorker(ctx, "worker-1", "worker-1:9090", 4)
			Expect(err).ToNot(HaveOccurred())

			_, err = provider.WorkerHeartbeat(ctx, "worker-1", stale)
			Expect(err).To(MatchError(types.ErrEpochMismatch))
		})
	})

	Context("Leases", func() {
		var (
			b *entity.Backend
			w *entity.Worker
		)

		BeforeEach(func() {
			var err error
			b, err = provider.Reserve(ctx, "session-1", leaseDuration)
			Expect(err).ToNot(HaveOccurred())

			w, err = provider.RegisterWorker(ctx, "worker-1", "worker-1:9090", 4)
			Expect(err).ToNot(HaveOccurred())
		})

		It("Should bind the lease to the accepting worker and epoch", func() {
			l, err := provider.BindLease(ctx, b.ID, w.ID, w.Epoch, leaseDuration)
			Expect(err).ToNot(HaveOccurred())
			Expect(l.WorkerID).To(Equal(w.ID))
			Expect(l.WorkerEpoch).To(Equal(w.Epoch))
		})

		It("Should renew only on the current epoch", func() {
			_, err := provider.BindLease(ctx, b.ID, w.ID, w.Epoch, leaseDuration)
			Expect(err).ToNot(HaveOccurred())

			renewed, err := provider.RenewLease(ctx, b.ID, w.ID, w.Epoch, leaseDuration)
			Expect(err).ToNot(HaveOccurred())
			Expect(renewed.ExpiresAt).To(BeTemporally(">", time.Now()))

			_, err = provider.RenewLease(ctx, b.ID, w.ID, w.Epoch-1, leaseDuration)
			Expect(err).To(MatchError(types.ErrEpochMismatch))
		})

		It("Should surface expired leases exactly until they are invalidated", func() {
			_, err := provider.BindLease(ctx, b.ID, w.ID, w.Epoch, 10*time.Millisecond)
			Expect(err).ToNot(HaveOccurred())

			expired, err := provider.ExpiredLeases(ctx, time.Now().Add(time.Second))
			Expect(err).ToNot(HaveOccurred())
			Expect(expired).To(HaveLen(1))
			Expect(expired[0].BackendID).To(Equal(b.ID))

			Expect(provider.InvalidateLease(ctx, b.ID)).To(Succeed())

			expired, err = provider.ExpiredLeases(ctx, time.Now().Add(time.Second))
			Expect(err).ToNot(HaveOccurred())
			Expect(expired).To(BeEmpty())
		})

		It("Should refuse to renew an already-expired lease", func() {
			_, err := provider.BindLease(ctx, b.ID, w.ID, w.Epoch, -time.Second)
			Expect(err).ToNot(HaveOccurred())

			_, err = provider.RenewLease(ctx, b.ID, w.ID, w.Epoch, leaseDuration)
			Expect(err).To(MatchError(types.ErrLeaseExpired))
		})
	})

	Context("Subscriptions", func() {
		It("Should deliver committed transitions to subscribers", func() {
			changes, cancel := provider.Subscribe(ctx)
			defer cancel()

			b, err := provider.Reserve(ctx, "session-1", leaseDuration)
			Expect(err).ToNot(HaveOccurred())

			_, err = provider.CompareAndTransition(ctx, b.ID, 1, entity.EventWorkerAcceptedPlacement, nil)
			Expect(err).ToNot(HaveOccurred())

			var change storage.StateChange
			Eventually(changes, "1s").Should(Receive(&change))
			Expect(change.Backend.ID).To(Equal(b.ID))
			Expect(change.To).To(Equal(entity.StateLoading))
		})
	})

	Context("Bounded-retry transitions", func() {
		It("Should re-read and retry after a version mismatch", func() {
			b, err := provider.Reserve(ctx, "session-1", leaseDuration)
			Expect(err).ToNot(HaveOccurred())

			// Advance the backend behind the caller's back; ApplyEvent re-reads
			// the current version rather than failing.
			_, err = provider.CompareAndTransition(ctx, b.ID, 1, entity.EventWorkerAcceptedPlacement, nil)
			Expect(err).ToNot(HaveOccurred())

			updated, err := storage.ApplyEvent(ctx, provider, b.ID, entity.EventWorkerReportedReady,
				&storage.TransitionOpts{Address: "worker-1:20000"}, 5, time.Millisecond)
			Expect(err).ToNot(HaveOccurred())
			Expect(updated.State).To(Equal(entity.StateReady))
		})
	})
})
