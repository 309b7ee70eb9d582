// Package daemon implements the worker process: it registers with the
// gateway, heartbeats to keep its leases alive, and hosts the backends the
// scheduler places on it.
package daemon

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/distributed-sessions/common/proto"
	"github.com/scusemua/distributed-sessions/common/utils"
	"github.com/scusemua/distributed-sessions/common/utils/hashmap"
	"github.com/scusemua/distributed-sessions/worker/domain"
	"github.com/scusemua/distributed-sessions/worker/invoker"
)

const (
	monitorInterval  = 2 * time.Second
	reportAttempts   = 5
	registerBackoff  = 2500 * time.Millisecond
	defaultDrainTime = 30 * time.Second
)

// hostedBackend is one backend this worker is responsible for.
type hostedBackend struct {
	spec    *proto.BackendSpec
	ivk     invoker.Invoker
	address string

	draining int32
	stopped  int32
}

// Daemon is the worker-side agent. It implements proto.WorkerAgent for the
// gateway and pushes lifecycle reports back through proto.Orchestrator.
type Daemon struct {
	opts         *domain.WorkerOptions
	orchestrator proto.Orchestrator
	newInvoker   invoker.Factory

	backends hashmap.HashMap[string, *hostedBackend]

	// epoch is the worker epoch assigned at registration. Superseded epochs
	// are rejected by the gateway, forcing a re-register.
	epoch int64

	heartbeatInterval int64 // nanoseconds, updated from the registration response
	nextPortOffset    int64

	stopChan chan struct{}

	log logger.Logger
}

// NewDaemon creates a new Daemon struct and returns a pointer to it.
func NewDaemon(opts *domain.WorkerOptions, orchestrator proto.Orchestrator, newInvoker invoker.Factory) *Daemon {
	daemon := &Daemon{
		opts:         opts,
		orchestrator: orchestrator,
		newInvoker:   newInvoker,
		backends:     hashmap.NewConcurrentMap[*hostedBackend](32),
		stopChan:     make(chan struct{}),
	}
	config.InitLogger(&daemon.log, daemon)

	atomic.StoreInt64(&daemon.heartbeatInterval, int64(opts.HeartbeatInterval()))

	return daemon
}

// Start registers with the gateway (retrying until it succeeds) and launches
// the heartbeat loop.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.register(ctx); err != nil {
		return err
	}

	go d.heartbeatLoop(ctx)

	return nil
}

// Stop terminates the daemon's background loops. Hosted backends keep
// running; their leases expire and the gateway reclaims them.
func (d *Daemon) Stop() {
	close(d.stopChan)
}

// Epoch returns the worker epoch assigned at the most recent registration.
func (d *Daemon) Epoch() int64 {
	return atomic.LoadInt64(&d.epoch)
}

// register announces this worker to the gateway, retrying with a fixed delay
// until the gateway accepts or the context is cancelled.
func (d *Daemon) register(ctx context.Context) error {
	req := &proto.RegisterWorkerRequest{
		WorkerID:     d.opts.WorkerID,
		AgentAddress: utils.JoinHostPort(d.opts.AdvertiseHost, d.opts.AgentPort),
		CapacityHint: int32(d.opts.CapacityHint),
	}

	for attempt := 1; ; attempt++ {
		resp, err := d.orchestrator.RegisterWorker(ctx, req)
		if err == nil && resp.Accepted {
			atomic.StoreInt64(&d.epoch, resp.WorkerEpoch)

			if resp.HeartbeatIntervalSeconds > 0 {
				atomic.StoreInt64(&d.heartbeatInterval, int64(time.Duration(resp.HeartbeatIntervalSeconds)*time.Second))
			}

			d.log.Info(utils.GreenStyle.Render("Registered with gateway as worker \"%s\" (epoch %d)."),
				d.opts.WorkerID, resp.WorkerEpoch)

			return nil
		}

		if err != nil {
			d.log.Warn("Registration attempt %d failed: %v", attempt, err)
		} else {
			d.log.Warn("Gateway rejected registration attempt %d.", attempt)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopChan:
			return context.Canceled
		case <-time.After(registerBackoff):
		}
	}
}

func (d *Daemon) heartbeatLoop(ctx context.Context) {
	for {
		interval := time.Duration(atomic.LoadInt64(&d.heartbeatInterval))

		select {
		case <-ctx.Done():
			return
		case <-d.stopChan:
			return
		case <-time.After(interval):
		}

		d.heartbeat(ctx)
	}
}

// heartbeat reports liveness and the set of hosted backends, which renews
// their leases. A rejected heartbeat means this worker's epoch was superseded;
// it re-registers for a fresh one.
func (d *Daemon) heartbeat(ctx context.Context) {
	backendIDs := make([]string, 0, d.backends.Len())
	d.backends.Range(func(id string, _ *hostedBackend) bool {
		backendIDs = append(backendIDs, id)
		return true
	})

	resp, err := d.orchestrator.Heartbeat(ctx, &proto.HeartbeatRequest{
		WorkerID:    d.opts.WorkerID,
		WorkerEpoch: d.Epoch(),
		BackendIDs:  backendIDs,
	})
	if err != nil {
		d.log.Warn("Heartbeat failed: %v", err)
		return
	}

	if !resp.Accepted && resp.Reregister {
		d.log.Warn(utils.OrangeStyle.Render("Heartbeat rejected; re-registering for a fresh epoch."))

		if err := d.register(ctx); err != nil {
			d.log.Error("Re-registration failed: %v", err)
		}
	}
}

// PlaceBackend accepts or rejects a placement command from the gateway.
// Acceptance is decided synchronously; the actual launch happens in the
// background, with the outcome reported via ReportReady or
// ReportHealthFailure.
func (d *Daemon) PlaceBackend(_ context.Context, in *proto.PlaceBackendRequest) (*proto.PlaceBackendResponse, error) {
	spec := in.Spec

	// A re-delivered placement for a backend we already host is acknowledged,
	// not launched twice.
	if _, loaded := d.backends.Load(spec.BackendID); loaded {
		d.log.Debug("Placement for backend %s is a duplicate; already hosting it.", spec.BackendID)
		return &proto.PlaceBackendResponse{Accepted: true}, nil
	}

	if d.backends.Len() >= d.opts.CapacityHint {
		return &proto.PlaceBackendResponse{
			Accepted: false,
			Reason:   fmt.Sprintf("worker is at capacity (%d backends)", d.backends.Len()),
		}, nil
	}

	ivk, err := d.newInvoker()
	if err != nil {
		return &proto.PlaceBackendResponse{Accepted: false, Reason: err.Error()}, nil
	}

	hb := &hostedBackend{spec: spec, ivk: ivk}
	if _, loaded := d.backends.LoadOrStore(spec.BackendID, hb); loaded {
		// Lost a race with a concurrent duplicate delivery.
		_ = ivk.Close()
		return &proto.PlaceBackendResponse{Accepted: true}, nil
	}

	d.log.Info("Accepted placement of backend %s (key \"%s\").", spec.BackendID, spec.Key)

	go d.launch(hb)

	return &proto.PlaceBackendResponse{Accepted: true}, nil
}

// launch starts the backend and reports the outcome to the gateway.
func (d *Daemon) launch(hb *hostedBackend) {
	port := d.opts.BackendPortBase + int(atomic.AddInt64(&d.nextPortOffset, 1)-1)

	address, err := hb.ivk.InvokeWithContext(context.Background(), hb.spec, port)
	if err != nil {
		d.log.Error(utils.RedStyle.Render("Failed to launch backend %s: %v"), hb.spec.BackendID, err)

		d.reportHealthFailure(hb.spec.BackendID, err.Error())
		d.teardown(hb, 0)
		return
	}

	hb.address = address

	d.pushReport(fmt.Sprintf("ready report for backend %s", hb.spec.BackendID), func(ctx context.Context) error {
		return d.orchestrator.ReportReady(ctx, &proto.ReadyNotification{
			BackendID: hb.spec.BackendID,
			Address:   address,
		})
	})

	go d.monitor(hb)
}

// monitor polls the backend until it stops, then reports what happened.
func (d *Daemon) monitor(hb *hostedBackend) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
		}

		statusCtx, cancel := context.WithTimeout(context.Background(), monitorInterval)
		status, err := hb.ivk.Status(statusCtx)
		cancel()

		if err != nil {
			d.log.Warn("Failed to check status of backend %s: %v", hb.spec.BackendID, err)
			continue
		}

		switch status {
		case invoker.StatusRunning, invoker.StatusInitializing:
			continue

		case invoker.StatusFailed:
			if atomic.LoadInt32(&hb.draining) == 0 {
				d.log.Warn(utils.OrangeStyle.Render("Backend %s failed."), hb.spec.BackendID)
				d.reportHealthFailure(hb.spec.BackendID, "backend exited abnormally")
			}
			d.teardown(hb, 0)
			return

		case invoker.StatusExited:
			d.log.Info("Backend %s exited.", hb.spec.BackendID)
			d.teardown(hb, 0)
			return
		}
	}
}

// DrainBackend winds down a hosted backend on the gateway's command. The stop
// itself runs in the background; termination is reported once it completes.
func (d *Daemon) DrainBackend(_ context.Context, in *proto.DrainBackendRequest) (*proto.DrainBackendResponse, error) {
	hb, loaded := d.backends.Load(in.BackendID)
	if !loaded {
		// Already gone; the drain is a duplicate or raced with an exit.
		d.log.Debug("Drain for backend %s is a no-op; not hosting it.", in.BackendID)
		return &proto.DrainBackendResponse{}, nil
	}

	if !atomic.CompareAndSwapInt32(&hb.draining, 0, 1) {
		return &proto.DrainBackendResponse{}, nil
	}

	grace := defaultDrainTime
	if in.GraceSeconds > 0 {
		grace = time.Duration(in.GraceSeconds) * time.Second
	}

	d.log.Info("Draining backend %s with a grace period of %v.", in.BackendID, grace)

	go d.teardown(hb, grace)

	return &proto.DrainBackendResponse{}, nil
}

// teardown stops the backend (gracefully when a grace period is given),
// releases its resources, and reports termination. Only the first caller
// does any work; the drain path and the monitor both funnel through here.
func (d *Daemon) teardown(hb *hostedBackend, grace time.Duration) {
	if !atomic.CompareAndSwapInt32(&hb.stopped, 0, 1) {
		return
	}

	if grace > 0 {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace+monitorInterval)
		if err := hb.ivk.Shutdown(shutdownCtx, grace); err != nil && err != invoker.ErrNotStarted {
			d.log.Warn("Graceful shutdown of backend %s failed: %v", hb.spec.BackendID, err)
		}
		cancel()
	}

	if err := hb.ivk.Close(); err != nil {
		d.log.Warn("Failed to release resources of backend %s: %v", hb.spec.BackendID, err)
	}

	d.backends.Delete(hb.spec.BackendID)

	d.pushReport(fmt.Sprintf("termination report for backend %s", hb.spec.BackendID), func(ctx context.Context) error {
		return d.orchestrator.ReportTerminated(ctx, &proto.TerminatedNotification{
			BackendID: hb.spec.BackendID,
		})
	})
}

func (d *Daemon) reportHealthFailure(backendID string, reason string) {
	d.pushReport(fmt.Sprintf("health-failure report for backend %s", backendID), func(ctx context.Context) error {
		return d.orchestrator.ReportHealthFailure(ctx, &proto.HealthFailureNotification{
			BackendID: backendID,
			Reason:    reason,
		})
	})
}

// pushReport delivers a lifecycle report at-least-once, retrying with
// exponential backoff. The gateway treats duplicates as no-ops, so retrying a
// report that may have already landed is always safe.
func (d *Daemon) pushReport(what string, send func(ctx context.Context) error) {
	for attempt := 0; attempt < reportAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := send(ctx)
		cancel()

		if err == nil {
			return
		}

		d.log.Warn("Failed to deliver %s (attempt %d): %v", what, attempt+1, err)
		time.Sleep(utils.ExponentialBackoff(attempt, 100*time.Millisecond, 5*time.Second))
	}

	d.log.Error(utils.RedStyle.Render("Gave up delivering %s after %d attempts."), what, reportAttempts)
}
