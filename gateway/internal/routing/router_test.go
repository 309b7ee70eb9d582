package routing_test

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/distributed-sessions/common/proto"
	"github.com/scusemua/distributed-sessions/common/storage"
	"github.com/scusemua/distributed-sessions/common/types"
	"github.com/scusemua/distributed-sessions/gateway/internal/lease"
	"github.com/scusemua/distributed-sessions/gateway/internal/routing"
	"github.com/scusemua/distributed-sessions/gateway/internal/scheduler"
	"github.com/scusemua/distributed-sessions/gateway/internal/workers"
)

// acceptingAgent accepts every placement; the tests play the worker's part by
// reporting readiness themselves.
type acceptingAgent struct{}

func (a *acceptingAgent) PlaceBackend(_ context.Context, _ *proto.PlaceBackendRequest) (*proto.PlaceBackendResponse, error) {
	return &proto.PlaceBackendResponse{Accepted: true}, nil
}

func (a *acceptingAgent) DrainBackend(_ context.Context, _ *proto.DrainBackendRequest) (*proto.DrainBackendResponse, error) {
	return &proto.DrainBackendResponse{}, nil
}

// mutedStore wraps a provider with a subscription that never delivers,
// modeling a subscriber whose notifications were dropped.
type mutedStore struct {
	storage.Provider
}

func (s *mutedStore) Subscribe(_ context.Context) (<-chan storage.StateChange, func()) {
	return make(chan storage.StateChange), func() {}
}

// echoListener runs a trivial backend that echoes lines back to the client.
func echoListener() (net.Listener, string) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).ToNot(HaveOccurred())

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}

			go func(conn net.Conn) {
				defer func() { _ = conn.Close() }()

				reader := bufio.NewReader(conn)
				for {
					line, err := reader.ReadString('\n')
					if err != nil {
						return
					}
					if _, err := conn.Write([]byte(line)); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return lis, lis.Addr().String()
}

var _ = Describe("Router", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		provider *storage.MemoryProvider
		registry *workers.Registry
		sched    *scheduler.Scheduler
		router   *routing.Router
	)

	const (
		waitTimeout  = 500 * time.Millisecond
		drainGrace   = 200 * time.Millisecond
		pollInterval = 50 * time.Millisecond
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		provider = storage.NewMemoryProvider()

		leases := lease.NewManager(provider, 15*time.Second, time.Hour, 5, time.Millisecond, nil)

		dial := func(string) proto.WorkerAgent { return &acceptingAgent{} }
		registry = workers.NewRegistry(provider, leases, dial, 5*time.Second, 5, time.Millisecond, nil)

		policy, err := scheduler.NewPolicy(scheduler.LeastLoaded)
		Expect(err).ToNot(HaveOccurred())

		sched = scheduler.NewScheduler(provider, registry, leases, policy, "session-backend:latest",
			3, time.Second, 5, time.Millisecond, drainGrace, nil)

		resp, err := registry.RegisterWorker(ctx, &proto.RegisterWorkerRequest{
			WorkerID:     "worker-1",
			AgentAddress: "worker-1:9090",
			CapacityHint: 8,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(resp.Accepted).To(BeTrue())

		router = routing.NewRouter(provider, sched, waitTimeout, drainGrace, pollInterval, nil)
		router.Start(ctx)
	})

	AfterEach(func() {
		router.Stop()
		cancel()
		Expect(provider.Close()).To(Succeed())
	})

	Context("Routing to a Ready backend", func() {
		It("Should connect straight through once the backend is serving", func() {
			lis, address := echoListener()
			defer func() { _ = lis.Close() }()

			handle, err := sched.Acquire(ctx, "session-1")
			Expect(err).ToNot(HaveOccurred())

			Expect(registry.ReportReady(ctx, &proto.ReadyNotification{
				BackendID: handle.BackendID(),
				Address:   address,
			})).To(Succeed())

			conn, err := router.Route(ctx, "session-1")
			Expect(err).ToNot(HaveOccurred())
			defer func() { _ = conn.Close() }()

			_, err = conn.Write([]byte("ping\n"))
			Expect(err).ToNot(HaveOccurred())

			line, err := bufio.NewReader(conn).ReadString('\n')
			Expect(err).ToNot(HaveOccurred())
			Expect(line).To(Equal("ping\n"))
		})
	})

	Context("Waiting for a loading backend", func() {
		It("Should hold the connection until readiness and then serve it", func() {
			lis, address := echoListener()
			defer func() { _ = lis.Close() }()

			handle, err := sched.Acquire(ctx, "session-1")
			Expect(err).ToNot(HaveOccurred())

			type routeResult struct {
				conn net.Conn
				err  error
			}

			results := make(chan routeResult, 1)
			go func() {
				defer GinkgoRecover()
				conn, routeErr := router.Route(ctx, "session-1")
				results <- routeResult{conn: conn, err: routeErr}
			}()

			// Give the route call time to park before readiness arrives.
			Consistently(results, "100ms").ShouldNot(Receive())

			Expect(registry.ReportReady(ctx, &proto.ReadyNotification{
				BackendID: handle.BackendID(),
				Address:   address,
			})).To(Succeed())

			var result routeResult
			Eventually(results, "2s").Should(Receive(&result))
			Expect(result.err).ToNot(HaveOccurred())
			defer func() { _ = result.conn.Close() }()

			_, err = result.conn.Write([]byte("hello\n"))
			Expect(err).ToNot(HaveOccurred())

			line, err := bufio.NewReader(result.conn).ReadString('\n')
			Expect(err).ToNot(HaveOccurred())
			Expect(line).To(Equal("hello\n"))
		})

		It("Should release every parked connection when readiness arrives", func() {
			lis, address := echoListener()
			defer func() { _ = lis.Close() }()

			handle, err := sched.Acquire(ctx, "session-1")
			Expect(err).ToNot(HaveOccurred())

			const waiters = 8

			var wg sync.WaitGroup
			wg.Add(waiters)
			errs := make(chan error, waiters)

			for i := 0; i < waiters; i++ {
				go func() {
					defer wg.Done()
					defer GinkgoRecover()

					conn, routeErr := router.Route(ctx, "session-1")
					if routeErr == nil {
						_ = conn.Close()
					}
					errs <- routeErr
				}()
			}

			time.Sleep(100 * time.Millisecond)

			Expect(registry.ReportReady(ctx, &proto.ReadyNotification{
				BackendID: handle.BackendID(),
				Address:   address,
			})).To(Succeed())

			wg.Wait()
			close(errs)

			for routeErr := range errs {
				Expect(routeErr).ToNot(HaveOccurred())
			}
		})

		It("Should release parked connections in arrival order", func() {
			lis, address := echoListener()
			defer func() { _ = lis.Close() }()

			handle, err := sched.Acquire(ctx, "session-1")
			Expect(err).ToNot(HaveOccurred())

			// A dedicated router with a generous wait budget, so that parking
			// the waiters one at a time cannot race the timeout.
			orderRouter := routing.NewRouter(provider, sched, 10*time.Second, drainGrace, pollInterval, nil)
			defer orderRouter.Stop()

			var mu sync.Mutex
			var releases []time.Time
			orderRouter.ObserveReleases(func(enqueuedAt time.Time) {
				mu.Lock()
				defer mu.Unlock()
				releases = append(releases, enqueuedAt)
			})

			orderRouter.Start(ctx)

			const waiters = 5

			var wg sync.WaitGroup
			wg.Add(waiters)

			for i := 0; i < waiters; i++ {
				go func() {
					defer wg.Done()
					defer GinkgoRecover()

					conn, routeErr := orderRouter.Route(ctx, "session-1")
					Expect(routeErr).ToNot(HaveOccurred())
					_ = conn.Close()
				}()

				// Park one connection at a time so the arrival order is known.
				parked := i + 1
				Eventually(func() int {
					return orderRouter.ParkedWaiters(handle.BackendID())
				}, "2s").Should(Equal(parked))
			}

			Expect(registry.ReportReady(ctx, &proto.ReadyNotification{
				BackendID: handle.BackendID(),
				Address:   address,
			})).To(Succeed())

			wg.Wait()

			mu.Lock()
			defer mu.Unlock()

			Expect(releases).To(HaveLen(waiters))
			for i := 1; i < len(releases); i++ {
				Expect(releases[i].After(releases[i-1])).To(BeTrue(),
					"waiter %d was released before waiter %d", i, i-1)
			}
		})

		It("Should give up with a timeout when readiness never arrives", func() {
			_, err := sched.Acquire(ctx, "session-1")
			Expect(err).ToNot(HaveOccurred())

			started := time.Now()
			_, err = router.Route(ctx, "session-1")
			Expect(err).To(MatchError(types.ErrRouteTimeout))
			Expect(time.Since(started)).To(BeNumerically(">=", waitTimeout))
		})

		It("Should fail parked connections immediately when the backend fails", func() {
			handle, err := sched.Acquire(ctx, "session-1")
			Expect(err).ToNot(HaveOccurred())

			results := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, routeErr := router.Route(ctx, "session-1")
				results <- routeErr
			}()

			time.Sleep(100 * time.Millisecond)

			Expect(registry.ReportHealthFailure(ctx, &proto.HealthFailureNotification{
				BackendID: handle.BackendID(),
				Reason:    "spawn failed",
			})).To(Succeed())

			var routeErr error
			Eventually(results, "2s").Should(Receive(&routeErr))
			Expect(routeErr).To(MatchError(types.ErrBackendNotViable))
		})
	})

	Context("Draining backends", func() {
		It("Should refuse new connections to a draining backend", func() {
			lis, address := echoListener()
			defer func() { _ = lis.Close() }()

			handle, err := sched.Acquire(ctx, "session-1")
			Expect(err).ToNot(HaveOccurred())

			Expect(registry.ReportReady(ctx, &proto.ReadyNotification{
				BackendID: handle.BackendID(),
				Address:   address,
			})).To(Succeed())

			Expect(sched.Terminate(ctx, handle.BackendID())).To(Succeed())

			// The router observes the drain via its subscription; the cached
			// resolution is invalidated along the way.
			Eventually(func() error {
				_, routeErr := router.Route(ctx, "session-1")
				return routeErr
			}, "2s").Should(MatchError(types.ErrBackendNotViable))
		})
	})

	Context("Recovering from missed notifications", func() {
		It("Should evict a stale cached resolution within one poll interval", func() {
			lis, address := echoListener()
			defer func() { _ = lis.Close() }()

			handle, err := sched.Acquire(ctx, "session-1")
			Expect(err).ToNot(HaveOccurred())

			Expect(registry.ReportReady(ctx, &proto.ReadyNotification{
				BackendID: handle.BackendID(),
				Address:   address,
			})).To(Succeed())

			// A router whose subscription never delivers, standing in for a
			// subscriber that overflowed and dropped the drain notification.
			// Only the poll pass can keep its cache honest.
			deafRouter := routing.NewRouter(&mutedStore{Provider: provider}, sched, waitTimeout, drainGrace, pollInterval, nil)
			deafRouter.Start(ctx)
			defer deafRouter.Stop()

			conn, err := deafRouter.Route(ctx, "session-1")
			Expect(err).ToNot(HaveOccurred())
			_ = conn.Close()

			Expect(sched.Terminate(ctx, handle.BackendID())).To(Succeed())

			Eventually(func() error {
				routed, routeErr := deafRouter.Route(ctx, "session-1")
				if routeErr == nil {
					_ = routed.Close()
				}
				return routeErr
			}, "2s").Should(MatchError(types.ErrBackendNotViable))
		})
	})

	Context("Proxying", func() {
		It("Should bridge bytes in both directions until the client closes", func() {
			lis, address := echoListener()
			defer func() { _ = lis.Close() }()

			handle, err := sched.Acquire(ctx, "session-1")
			Expect(err).ToNot(HaveOccurred())

			Expect(registry.ReportReady(ctx, &proto.ReadyNotification{
				BackendID: handle.BackendID(),
				Address:   address,
			})).To(Succeed())

			clientEnd, proxyEnd := net.Pipe()

			proxyDone := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				proxyDone <- router.Proxy(ctx, proxyEnd, "session-1")
			}()

			_, err = clientEnd.Write([]byte("roundtrip\n"))
			Expect(err).ToNot(HaveOccurred())

			line, err := bufio.NewReader(clientEnd).ReadString('\n')
			Expect(err).ToNot(HaveOccurred())
			Expect(line).To(Equal("roundtrip\n"))

			Expect(clientEnd.Close()).To(Succeed())
			Eventually(proxyDone, "2s").Should(Receive(BeNil()))
		})
	})
})
