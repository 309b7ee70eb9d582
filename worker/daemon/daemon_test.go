package daemon_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/distributed-sessions/common/configuration"
	"github.com/scusemua/distributed-sessions/common/proto"
	"github.com/scusemua/distributed-sessions/worker/daemon"
	"github.com/scusemua/distributed-sessions/worker/domain"
	"github.com/scusemua/distributed-sessions/worker/invoker"
)

// fakeOrchestrator records the reports the daemon pushes to the gateway.
type fakeOrchestrator struct {
	mu sync.Mutex

	registrations int
	heartbeats    []*proto.HeartbeatRequest

	ready      []*proto.ReadyNotification
	failures   []*proto.HealthFailureNotification
	terminated []*proto.TerminatedNotification

	rejectNextHeartbeat bool
}

func (o *fakeOrchestrator) RegisterWorker(_ context.Context, _ *proto.RegisterWorkerRequest) (*proto.RegisterWorkerResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.registrations++
	return &proto.RegisterWorkerResponse{
		Accepted:                 true,
		WorkerEpoch:              int64(o.registrations),
		HeartbeatIntervalSeconds: 1,
		LeaseDurationSeconds:     3,
	}, nil
}

func (o *fakeOrchestrator) Heartbeat(_ context.Context, in *proto.HeartbeatRequest) (*proto.HeartbeatResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.heartbeats = append(o.heartbeats, in)

	if o.rejectNextHeartbeat {
		o.rejectNextHeartbeat = false
		return &proto.HeartbeatResponse{Accepted: false, Reregister: true}, nil
	}

	return &proto.HeartbeatResponse{Accepted: true}, nil
}

func (o *fakeOrchestrator) ReportReady(_ context.Context, in *proto.ReadyNotification) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.ready = append(o.ready, in)
	return nil
}

func (o *fakeOrchestrator) ReportHealthFailure(_ context.Context, in *proto.HealthFailureNotification) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.failures = append(o.failures, in)
	return nil
}

func (o *fakeOrchestrator) ReportTerminated(_ context.Context, in *proto.TerminatedNotification) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.terminated = append(o.terminated, in)
	return nil
}

func (o *fakeOrchestrator) readyReports() []*proto.ReadyNotification {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*proto.ReadyNotification(nil), o.ready...)
}

func (o *fakeOrchestrator) failureReports() []*proto.HealthFailureNotification {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*proto.HealthFailureNotification(nil), o.failures...)
}

func (o *fakeOrchestrator) terminationReports() []*proto.TerminatedNotification {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*proto.TerminatedNotification(nil), o.terminated...)
}

func (o *fakeOrchestrator) registrationCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.registrations
}

// scriptedInvoker is an in-memory stand-in for a container or process.
type scriptedInvoker struct {
	mu sync.Mutex

	failLaunch bool
	status     invoker.BackendStatus

	shutdowns int
	closed    bool
}

func (s *scriptedInvoker) InvokeWithContext(_ context.Context, spec *proto.BackendSpec, port int) (string, error) {
	if s.failLaunch {
		return "", fmt.Errorf("image %s cannot be pulled", spec.Image)
	}

	s.mu.Lock()
	s.status = invoker.StatusRunning
	s.mu.Unlock()

	return fmt.Sprintf("localhost:%d", port), nil
}

func (s *scriptedInvoker) Status(_ context.Context) (invoker.BackendStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

func (s *scriptedInvoker) Shutdown(_ context.Context, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shutdowns++
	s.status = invoker.StatusExited
	return nil
}

func (s *scriptedInvoker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func (s *scriptedInvoker) setStatus(status invoker.BackendStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *scriptedInvoker) wasShutDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdowns > 0
}

var _ = Describe("Worker Daemon", func() {
	var (
		ctx          context.Context
		cancel       context.CancelFunc
		orchestrator *fakeOrchestrator
		ivk          *scriptedInvoker
		workerDaemon *daemon.Daemon
	)

	newOptions := func() *domain.WorkerOptions {
		opts := &domain.WorkerOptions{
			CommonOptions: configuration.CommonOptions{
				HeartbeatIntervalSeconds: 1,
			},
			WorkerID:        "worker-1",
			GatewayAddress:  "localhost:8081",
			AgentPort:       9090,
			AdvertiseHost:   "localhost",
			InvokerType:     "process",
			CapacityHint:    2,
			BackendPortBase: 20000,
		}
		opts.ValidateWorkerOptions()
		return opts
	}

	spec := &proto.BackendSpec{
		BackendID: "backend-1",
		Key:       "session-1",
		Image:     "session-backend:latest",
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		orchestrator = &fakeOrchestrator{}
		ivk = &scriptedInvoker{}

		workerDaemon = daemon.NewDaemon(newOptions(), orchestrator,
			func() (invoker.Invoker, error) { return ivk, nil })

		Expect(workerDaemon.Start(ctx)).To(Succeed())
	})

	AfterEach(func() {
		workerDaemon.Stop()
		cancel()
	})

	Context("Registration", func() {
		It("Should register once at startup and adopt the assigned epoch", func() {
			Expect(orchestrator.registrationCount()).To(Equal(1))
			Expect(workerDaemon.Epoch()).To(Equal(int64(1)))
		})

		It("Should re-register for a fresh epoch after a rejected heartbeat", func() {
			orchestrator.mu.Lock()
			orchestrator.rejectNextHeartbeat = true
			orchestrator.mu.Unlock()

			Eventually(workerDaemon.Epoch, "5s").Should(Equal(int64(2)))
		})
	})

	Context("Placement", func() {
		It("Should accept a placement, launch the backend, and report readiness", func() {
			resp, err := workerDaemon.PlaceBackend(ctx, &proto.PlaceBackendRequest{Spec: spec})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Accepted).To(BeTrue())

			Eventually(orchestrator.readyReports, "2s").Should(HaveLen(1))
			Expect(orchestrator.readyReports()[0].BackendID).To(Equal("backend-1"))
			Expect(orchestrator.readyReports()[0].Address).To(Equal("localhost:20000"))
		})

		It("Should acknowledge duplicate placements without launching twice", func() {
			_, err := workerDaemon.PlaceBackend(ctx, &proto.PlaceBackendRequest{Spec: spec})
			Expect(err).ToNot(HaveOccurred())

			resp, err := workerDaemon.PlaceBackend(ctx, &proto.PlaceBackendRequest{Spec: spec})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Accepted).To(BeTrue())

			Consistently(orchestrator.readyReports, "500ms").Should(HaveLen(1))
		})

		It("Should reject placements beyond its capacity", func() {
			for i := 0; i < 2; i++ {
				_, err := workerDaemon.PlaceBackend(ctx, &proto.PlaceBackendRequest{
					Spec: &proto.BackendSpec{BackendID: fmt.Sprintf("backend-%d", i), Key: fmt.Sprintf("session-%d", i)},
				})
				Expect(err).ToNot(HaveOccurred())
			}

			resp, err := workerDaemon.PlaceBackend(ctx, &proto.PlaceBackendRequest{
				Spec: &proto.BackendSpec{BackendID: "backend-overflow", Key: "session-overflow"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Accepted).To(BeFalse())
			Expect(resp.Reason).ToNot(BeEmpty())
		})

		It("Should report a health failure when the launch fails", func() {
			ivk.failLaunch = true

			resp, err := workerDaemon.PlaceBackend(ctx, &proto.PlaceBackendRequest{Spec: spec})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Accepted).To(BeTrue())

			Eventually(orchestrator.failureReports, "2s").Should(HaveLen(1))
			Eventually(orchestrator.terminationReports, "2s").Should(HaveLen(1))
			Expect(orchestrator.readyReports()).To(BeEmpty())
		})
	})

	Context("Heartbeats", func() {
		It("Should carry the hosted backend ids so their leases renew", func() {
			_, err := workerDaemon.PlaceBackend(ctx, &proto.PlaceBackendRequest{Spec: spec})
			Expect(err).ToNot(HaveOccurred())

			Eventually(func() []string {
				orchestrator.mu.Lock()
				defer orchestrator.mu.Unlock()

				if len(orchestrator.heartbeats) == 0 {
					return nil
				}
				return orchestrator.heartbeats[len(orchestrator.heartbeats)-1].BackendIDs
			}, "5s").Should(ContainElement("backend-1"))
		})
	})

	Context("Draining", func() {
		It("Should stop the backend gracefully and report termination", func() {
			_, err := workerDaemon.PlaceBackend(ctx, &proto.PlaceBackendRequest{Spec: spec})
			Expect(err).ToNot(HaveOccurred())

			Eventually(orchestrator.readyReports, "2s").Should(HaveLen(1))

			_, err = workerDaemon.DrainBackend(ctx, &proto.DrainBackendRequest{
				BackendID:    "backend-1",
				GraceSeconds: 1,
			})
			Expect(err).ToNot(HaveOccurred())

			Eventually(orchestrator.terminationReports, "5s").Should(HaveLen(1))
			Expect(orchestrator.terminationReports()[0].BackendID).To(Equal("backend-1"))
			Expect(ivk.wasShutDown()).To(BeTrue())
		})

		It("Should treat a drain for an unknown backend as a no-op", func() {
			_, err := workerDaemon.DrainBackend(ctx, &proto.DrainBackendRequest{BackendID: "nonexistent"})
			Expect(err).ToNot(HaveOccurred())

			Consistently(orchestrator.terminationReports, "300ms").Should(BeEmpty())
		})
	})

	Context("Supervision", func() {
		It("Should report a failure and then termination when the backend dies", func() {
			_, err := workerDaemon.PlaceBackend(ctx, &proto.PlaceBackendRequest{Spec: spec})
			Expect(err).ToNot(HaveOccurred())

			Eventually(orchestrator.readyReports, "2s").Should(HaveLen(1))

			ivk.setStatus(invoker.StatusFailed)

			Eventually(orchestrator.failureReports, "5s").Should(HaveLen(1))
			Eventually(orchestrator.terminationReports, "5s").Should(HaveLen(1))
		})
	})
})
