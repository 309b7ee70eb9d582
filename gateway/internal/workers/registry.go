// Package workers maintains the gateway's view of the worker fleet and applies
// the reports workers push back: registrations, heartbeats, and backend state
// changes.
package workers

import (
	"context"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/distributed-sessions/common/entity"
	"github.com/scusemua/distributed-sessions/common/proto"
	"github.com/scusemua/distributed-sessions/common/storage"
	"github.com/scusemua/distributed-sessions/common/types"
	"github.com/scusemua/distributed-sessions/common/utils"
	"github.com/scusemua/distributed-sessions/common/utils/hashmap"
	"github.com/scusemua/distributed-sessions/gateway/internal/lease"
	"github.com/scusemua/distributed-sessions/gateway/internal/metrics"
)

// AgentDialer constructs a WorkerAgent client for the worker reachable at the
// given address. Transports plug in here; tests use an in-process dialer.
type AgentDialer func(address string) proto.WorkerAgent

// Registry implements proto.Orchestrator. All report handlers are idempotent:
// reports are delivered at-least-once and duplicates are rejected by the state
// machine, logged, and dropped.
type Registry struct {
	store  storage.Provider
	leases *lease.Manager
	dial   AgentDialer

	// agents caches WorkerAgent clients by worker id. Advisory only; rebuilt
	// from the store's recorded agent addresses on demand.
	agents hashmap.BaseHashMap[string, proto.WorkerAgent]

	heartbeatInterval time.Duration

	maxRetries   int
	retryBackoff time.Duration

	metrics *metrics.Manager

	log logger.Logger
}

// NewRegistry creates a new Registry struct and returns a pointer to it.
func NewRegistry(store storage.Provider, leaseManager *lease.Manager, dial AgentDialer,
	heartbeatInterval time.Duration, maxRetries int, retryBackoff time.Duration,
	metricsManager *metrics.Manager) *Registry {

	registry := &Registry{
		store:             store,
		leases:            leaseManager,
		dial:              dial,
		agents:            hashmap.NewSyncMap[string, proto.WorkerAgent](),
		heartbeatInterval: heartbeatInterval,
		maxRetries:        maxRetries,
		retryBackoff:      retryBackoff,
		metrics:           metricsManager,
	}
	config.InitLogger(&registry.log, registry)

	return registry
}

func (r *Registry) RegisterWorker(ctx context.Context, in *proto.RegisterWorkerRequest) (*proto.RegisterWorkerResponse, error) {
	w, err := r.store.RegisterWorker(ctx, in.WorkerID, in.AgentAddress, in.CapacityHint)
	if err != nil {
		return nil, err
	}

	if in.AgentAddress != "" {
		r.agents.Store(w.ID, r.dial(in.AgentAddress))
	}

	r.log.Info(utils.GreenStyle.Render("Worker \"%s\" registered with epoch %d (agent address: %s)."),
		w.ID, w.Epoch, in.AgentAddress)

	return &proto.RegisterWorkerResponse{
		Accepted:                 true,
		WorkerEpoch:              w.Epoch,
		HeartbeatIntervalSeconds: int32(r.heartbeatInterval / time.Second),
		LeaseDurationSeconds:     int32(r.leases.Duration() / time.Second),
	}, nil
}

func (r *Registry) Heartbeat(ctx context.Context, in *proto.HeartbeatRequest) (*proto.HeartbeatResponse, error) {
	_, err := r.store.WorkerHeartbeat(ctx, in.WorkerID, in.WorkerEpoch)
	if err == types.ErrWorkerNotFound || err == types.ErrEpochMismatch {
		// The worker is unknown or was superseded; it must re-register for a
		// fresh epoch before any of its renewals can be honored.
		r.log.Warn("Rejected heartbeat from worker \"%s\" (epoch %d): %v", in.WorkerID, in.WorkerEpoch, err)
		return &proto.HeartbeatResponse{Accepted: false, Reregister: true}, nil
	}
	if err != nil {
		return nil, err
	}

	r.leases.Renew(ctx, in.WorkerID, in.WorkerEpoch, in.BackendIDs)

	return &proto.HeartbeatResponse{Accepted: true}, nil
}

func (r *Registry) ReportReady(ctx context.Context, in *proto.ReadyNotification) error {
	return r.applyReport(ctx, in.BackendID, entity.EventWorkerReportedReady, &storage.TransitionOpts{
		Cause:   "worker reported ready",
		Address: in.Address,
	})
}

func (r *Registry) ReportHealthFailure(ctx context.Context, in *proto.HealthFailureNotification) error {
	cause := "worker reported health failure"
	if in.Reason != "" {
		cause = cause + ": " + in.Reason
	}

	return r.applyReport(ctx, in.BackendID, entity.EventWorkerReportedHealthFailure, &storage.TransitionOpts{
		Cause: cause,
	})
}

func (r *Registry) ReportTerminated(ctx context.Context, in *proto.TerminatedNotification) error {
	return r.applyReport(ctx, in.BackendID, entity.EventWorkerReportedTerminated, &storage.TransitionOpts{
		Cause: "worker reported terminated",
	})
}

// applyReport drives a worker-reported event through the state machine with
// the standard bounded-retry policy. An inapplicable event means the report is
// a duplicate or arrived out of order; it is dropped, not propagated.
func (r *Registry) applyReport(ctx context.Context, backendID string, event entity.Event, opts *storage.TransitionOpts) error {
	updated, err := storage.ApplyEvent(ctx, r.store, backendID, event, opts, r.maxRetries, r.retryBackoff)

	if err == types.ErrInvalidTransition {
		r.log.Debug("Dropped inapplicable report %s for backend %s (duplicate or stale).", event, backendID)
		return nil
	}
	if err != nil {
		return err
	}

	r.log.Debug("Applied report %s to backend %s; now %s (version %d).",
		event, backendID, updated.State, updated.Version)

	if r.metrics != nil {
		r.metrics.BackendTransitionsCounter.WithLabelValues(updated.State.String()).Inc()
	}

	return nil
}

// AgentFor returns a WorkerAgent client for the given worker, dialing one from
// the store's recorded agent address if the cache has no entry.
func (r *Registry) AgentFor(ctx context.Context, workerID string) (proto.WorkerAgent, error) {
	if agent, ok := r.agents.Load(workerID); ok {
		return agent, nil
	}

	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}

	if w.AgentAddress == "" {
		return nil, types.ErrWorkerNotFound
	}

	agent := r.dial(w.AgentAddress)
	r.agents.Store(workerID, agent)

	return agent, nil
}
