package admin_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/distributed-sessions/common/entity"
	"github.com/scusemua/distributed-sessions/common/proto"
	"github.com/scusemua/distributed-sessions/common/storage"
	"github.com/scusemua/distributed-sessions/common/types"
	"github.com/scusemua/distributed-sessions/gateway/internal/admin"
	"github.com/scusemua/distributed-sessions/gateway/internal/lease"
	"github.com/scusemua/distributed-sessions/gateway/internal/scheduler"
	"github.com/scusemua/distributed-sessions/gateway/internal/workers"
)

// acceptingAgent accepts every placement and acknowledges every drain.
type acceptingAgent struct{}

func (a *acceptingAgent) PlaceBackend(_ context.Context, _ *proto.PlaceBackendRequest) (*proto.PlaceBackendResponse, error) {
	return &proto.PlaceBackendResponse{Accepted: true}, nil
}

func (a *acceptingAgent) DrainBackend(_ context.Context, _ *proto.DrainBackendRequest) (*proto.DrainBackendResponse, error) {
	return &proto.DrainBackendResponse{}, nil
}

var _ = Describe("Admin API", func() {
	var (
		ctx      context.Context
		provider *storage.MemoryProvider
		registry *workers.Registry
		sched    *scheduler.Scheduler
		server   *admin.Server
	)

	request := func(method string, path string) *httptest.ResponseRecorder {
		recorder := httptest.NewRecorder()
		server.ServeHTTP(recorder, httptest.NewRequest(method, path, nil))
		return recorder
	}

	// readyBackend schedules a backend for the key and walks it to Ready.
	readyBackend := func(key string) string {
		handle, err := sched.Acquire(ctx, key)
		Expect(err).ToNot(HaveOccurred())

		Expect(registry.ReportReady(ctx, &proto.ReadyNotification{
			BackendID: handle.BackendID(),
			Address:   "worker-1:20000",
		})).To(Succeed())

		return handle.BackendID()
	}

	BeforeEach(func() {
		ctx = context.Background()
		provider = storage.NewMemoryProvider()

		leases := lease.NewManager(provider, 15*time.Second, time.Hour, 5, time.Millisecond, nil)

		dial := func(string) proto.WorkerAgent { return &acceptingAgent{} }
		registry = workers.NewRegistry(provider, leases, dial, 5*time.Second, 5, time.Millisecond, nil)

		policy, err := scheduler.NewPolicy(scheduler.LeastLoaded)
		Expect(err).ToNot(HaveOccurred())

		sched = scheduler.NewScheduler(provider, registry, leases, policy, "session-backend:latest",
			3, time.Second, 5, time.Millisecond, 30*time.Second, nil)

		resp, err := registry.RegisterWorker(ctx, &proto.RegisterWorkerRequest{
			WorkerID:     "worker-1",
			AgentAddress: "worker-1:9090",
			CapacityHint: 8,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(resp.Accepted).To(BeTrue())

		server = admin.NewServer(0, provider, sched)
	})

	AfterEach(func() {
		Expect(provider.Close()).To(Succeed())
	})

	Context("Draining a worker", func() {
		It("Should mark the worker draining without disturbing its hosted backends", func() {
			backendID := readyBackend("session-1")

			recorder := request(http.MethodPost, "/api/workers/worker-1/drain")
			Expect(recorder.Code).To(Equal(http.StatusAccepted))

			w, err := provider.GetWorker(ctx, "worker-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(w.Status).To(Equal(entity.WorkerDraining))

			// The hosted backend keeps serving on its existing lease.
			b, err := provider.GetBackend(ctx, backendID)
			Expect(err).ToNot(HaveOccurred())
			Expect(b.State).To(Equal(entity.StateReady))

			// But the worker no longer receives new placements.
			_, err = sched.Acquire(ctx, "session-2")
			Expect(err).To(MatchError(types.ErrSchedulingFailed))
		})

		It("Should wind hosted backends down only when the operator forces it", func() {
			backendID := readyBackend("session-1")

			recorder := request(http.MethodPost, "/api/workers/worker-1/drain?force=true")
			Expect(recorder.Code).To(Equal(http.StatusAccepted))

			b, err := provider.GetBackend(ctx, backendID)
			Expect(err).ToNot(HaveOccurred())
			Expect(b.State).To(Equal(entity.StateDraining))
		})

		It("Should return 404 for an unknown worker", func() {
			recorder := request(http.MethodPost, "/api/workers/nonexistent/drain")
			Expect(recorder.Code).To(Equal(http.StatusNotFound))
		})
	})

	Context("Terminating a backend", func() {
		It("Should start draining the backend and report 202", func() {
			backendID := readyBackend("session-1")

			recorder := request(http.MethodDelete, "/api/backends/"+backendID)
			Expect(recorder.Code).To(Equal(http.StatusAccepted))

			b, err := provider.GetBackend(ctx, backendID)
			Expect(err).ToNot(HaveOccurred())
			Expect(b.State).To(Equal(entity.StateDraining))
		})

		It("Should return 404 for an unknown backend", func() {
			recorder := request(http.MethodDelete, "/api/backends/nonexistent")
			Expect(recorder.Code).To(Equal(http.StatusNotFound))
		})
	})
})
