// Package scheduler accepts session-key requests, decides whether to reuse an
// existing live backend or place a new one, and drives new backends through
// their lifecycle by coordinating with worker agents.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-sessions/common/entity"
	"github.com/scusemua/distributed-sessions/common/proto"
	"github.com/scusemua/distributed-sessions/common/storage"
	"github.com/scusemua/distributed-sessions/common/types"
	"github.com/scusemua/distributed-sessions/common/utils"
	"github.com/scusemua/distributed-sessions/gateway/internal/lease"
	"github.com/scusemua/distributed-sessions/gateway/internal/metrics"
	"github.com/scusemua/distributed-sessions/gateway/internal/workers"
)

// Handle references the backend serving (or about to serve) a session key.
// It is a snapshot; the state store remains authoritative.
type Handle struct {
	Backend *entity.Backend
}

// BackendID returns the id of the referenced backend.
func (h *Handle) BackendID() string {
	return h.Backend.ID
}

// Scheduler coordinates placement of session backends onto the worker fleet.
type Scheduler struct {
	store    storage.Provider
	registry *workers.Registry
	leases   *lease.Manager
	policy   PlacementPolicy

	backendImage string

	maxPlacementAttempts int
	placementTimeout     time.Duration
	maxRetries           int
	retryBackoff         time.Duration
	drainGrace           time.Duration

	metrics *metrics.Manager

	log logger.Logger
}

// NewScheduler creates a new Scheduler struct and returns a pointer to it.
func NewScheduler(store storage.Provider, registry *workers.Registry, leaseManager *lease.Manager,
	policy PlacementPolicy, backendImage string, maxPlacementAttempts int, placementTimeout time.Duration,
	maxRetries int, retryBackoff time.Duration, drainGrace time.Duration, metricsManager *metrics.Manager) *Scheduler {

	scheduler := &Scheduler{
		store:                store,
		registry:             registry,
		leases:               leaseManager,
		policy:               policy,
		backendImage:         backendImage,
		maxPlacementAttempts: maxPlacementAttempts,
		placementTimeout:     placementTimeout,
		maxRetries:           maxRetries,
		retryBackoff:         retryBackoff,
		drainGrace:           drainGrace,
		metrics:              metricsManager,
	}
	config.InitLogger(&scheduler.log, scheduler)

	scheduler.log.Info("Scheduler created with policy \"%s\" and %d max placement attempt(s).",
		policy.Name(), maxPlacementAttempts)

	return scheduler
}

// Acquire returns a handle to the live backend for the given key, scheduling a
// new one if none exists.
//
// Acquire is idempotent under concurrent first-requests: if a concurrent
// caller wins the reservation race, the loser re-reads and returns the
// winner's backend, so all callers converge on the same backend id.
func (s *Scheduler) Acquire(ctx context.Context, key string) (*Handle, error) {
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		existing, err := s.store.GetBackendByKey(ctx, key)
		if err == nil {
			if existing.State.Live() {
				s.log.Debug("Reusing live backend %s (%s) for key \"%s\".", existing.ID, existing.State, key)
				return &Handle{Backend: existing}, nil
			}

			// The key is still held by a draining backend; the caller must
			// retry once it finishes winding down.
			return nil, types.ErrBackendNotViable
		}
		if err != types.ErrBackendNotFound {
			return nil, err
		}

		reserved, err := s.store.Reserve(ctx, key, s.leases.Duration())
		if err == types.ErrKeyConflict {
			// A concurrent caller won the race. Re-read and return the winner.
			s.log.Debug("Lost reservation race for key \"%s\"; re-reading winner.", key)
			continue
		}
		if err != nil {
			return nil, err
		}

		s.log.Info("Reserved backend %s for key \"%s\".", reserved.ID, key)

		if s.metrics != nil {
			s.metrics.BackendsScheduledCounter.Inc()
		}

		return s.place(ctx, reserved)
	}

	return nil, types.ErrRetriesExhausted
}

// place drives a freshly-reserved backend to Loading by finding a worker that
// accepts it, retrying on distinct workers up to the configured bound.
func (s *Scheduler) place(ctx context.Context, b *entity.Backend) (*Handle, error) {
	spec := &proto.BackendSpec{
		BackendID: b.ID,
		Key:       b.Key,
		Image:     s.backendImage,
	}

	startedAt := time.Now()
	blacklist := make(map[string]struct{})

	for attempt := 0; attempt < s.maxPlacementAttempts; attempt++ {
		workerID, err := s.selectWorker(ctx, blacklist, spec)
		if err != nil {
			s.log.Warn("No viable worker for backend %s on attempt %d: %v", b.ID, attempt+1, err)
			break
		}

		accepted, err := s.tryPlace(ctx, b, spec, workerID)
		if err != nil {
			blacklist[workerID] = struct{}{}
			s.log.Warn(utils.OrangeStyle.Render("Worker \"%s\" did not accept backend %s: %v"), workerID, b.ID, err)
			continue
		}

		latency := time.Since(startedAt)
		s.log.Info(utils.GreenStyle.Render("Placed backend %s on worker \"%s\" after %v (attempt %d)."),
			b.ID, workerID, latency, attempt+1)

		if s.metrics != nil {
			s.metrics.PlacementLatencyHistogram.WithLabelValues("true").Observe(latency.Seconds())
		}

		return &Handle{Backend: accepted}, nil
	}

	if s.metrics != nil {
		s.metrics.PlacementLatencyHistogram.WithLabelValues("false").Observe(time.Since(startedAt).Seconds())
	}

	// Exhausted the placement budget; the backend is a spawn failure.
	_, err := storage.ApplyEvent(ctx, s.store, b.ID, entity.EventWorkerReportedHealthFailure,
		&storage.TransitionOpts{Cause: "placement failed: no worker accepted the backend"},
		s.maxRetries, s.retryBackoff)
	if err != nil && err != types.ErrInvalidTransition {
		s.log.Error("Failed to mark backend %s failed after exhausting placement attempts: %v", b.ID, err)
	}

	return nil, types.ErrSchedulingFailed
}

// tryPlace sends the placement command to a single worker and, on acceptance,
// binds the lease to that worker and transitions the backend to Loading.
func (s *Scheduler) tryPlace(ctx context.Context, b *entity.Backend, spec *proto.BackendSpec, workerID string) (*entity.Backend, error) {
	agent, err := s.registry.AgentFor(ctx, workerID)
	if err != nil {
		return nil, err
	}

	placementCtx, cancel := context.WithTimeout(ctx, s.placementTimeout)
	resp, err := agent.PlaceBackend(placementCtx, &proto.PlaceBackendRequest{Spec: spec})
	cancel()

	if err != nil {
		return nil, errors.Wrap(types.ErrPlacementFailed, err.Error())
	}
	if !resp.Accepted {
		return nil, errors.Wrap(types.ErrPlacementFailed, resp.Reason)
	}

	w, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		s.abortPlacement(ctx, agent, b.ID, workerID)
		return nil, err
	}

	if _, err := s.store.BindLease(ctx, b.ID, workerID, w.Epoch, s.leases.Duration()); err != nil {
		s.abortPlacement(ctx, agent, b.ID, workerID)
		return nil, err
	}

	accepted, err := storage.ApplyEvent(ctx, s.store, b.ID, entity.EventWorkerAcceptedPlacement,
		&storage.TransitionOpts{Cause: "worker accepted placement", WorkerID: workerID},
		s.maxRetries, s.retryBackoff)
	if err != nil {
		// The backend moved out of Scheduled underneath us (e.g., reclaimed by
		// the lease sweep). The worker accepted the launch, so tell it to stop.
		s.abortPlacement(ctx, agent, b.ID, workerID)
		return nil, err
	}

	return accepted, nil
}

// abortPlacement tells a worker to discard a backend it accepted but whose
// placement could not be committed. Best-effort: if the command is lost, the
// orphan's lease never binds and its reports are dropped as inapplicable.
func (s *Scheduler) abortPlacement(ctx context.Context, agent proto.WorkerAgent, backendID string, workerID string) {
	drainCtx, cancel := context.WithTimeout(ctx, s.placementTimeout)
	defer cancel()

	if _, err := agent.DrainBackend(drainCtx, &proto.DrainBackendRequest{BackendID: backendID}); err != nil {
		s.log.Warn("Failed to abort placement of backend %s on worker \"%s\": %v", backendID, workerID, err)
	}
}

// selectWorker asks the placement policy to choose among Active workers that
// have not already rejected this backend. Loads are derived by querying the
// store, never from a cached reverse index.
func (s *Scheduler) selectWorker(ctx context.Context, blacklist map[string]struct{}, spec *proto.BackendSpec) (string, error) {
	fleet, err := s.store.ListWorkers(ctx)
	if err != nil {
		return "", err
	}

	candidates := make([]*entity.Worker, 0, len(fleet))
	for _, w := range fleet {
		if w.Status != entity.WorkerActive {
			continue
		}
		if _, rejected := blacklist[w.ID]; rejected {
			continue
		}
		candidates = append(candidates, w)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	live, err := s.store.ListLiveBackends(ctx)
	if err != nil {
		return "", err
	}

	loads := make(map[string]int, len(candidates))
	for _, b := range live {
		if b.WorkerID != "" {
			loads[b.WorkerID]++
		}
	}

	return s.policy.SelectWorker(candidates, loads, spec)
}

// Terminate requests a graceful wind-down of the backend. The backend is not
// force-removed: it leaves Draining only once the worker confirms termination
// or its lease expires.
func (s *Scheduler) Terminate(ctx context.Context, id string) error {
	updated, err := storage.ApplyEvent(ctx, s.store, id, entity.EventExplicitTerminate,
		&storage.TransitionOpts{Cause: "explicit terminate requested"},
		s.maxRetries, s.retryBackoff)

	if err == types.ErrInvalidTransition {
		// Already draining or terminal; terminate is idempotent.
		s.log.Debug("Terminate for backend %s is a no-op in its current state.", id)
		return nil
	}
	if err != nil {
		return err
	}

	s.log.Info("Backend %s is draining.", id)

	if updated.WorkerID != "" {
		s.notifyDrain(ctx, updated)
	}

	return nil
}

// notifyDrain tells the owning worker to wind the backend down. Best-effort:
// if the command is lost, the lease sweep finalizes the backend instead.
func (s *Scheduler) notifyDrain(ctx context.Context, b *entity.Backend) {
	agent, err := s.registry.AgentFor(ctx, b.WorkerID)
	if err != nil {
		s.log.Warn("No agent for worker \"%s\" while draining backend %s: %v", b.WorkerID, b.ID, err)
		return
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.placementTimeout)
	defer cancel()

	if _, err := agent.DrainBackend(drainCtx, &proto.DrainBackendRequest{
		BackendID:    b.ID,
		GraceSeconds: int32(s.drainGrace / time.Second),
	}); err != nil {
		s.log.Warn("Failed to deliver drain command for backend %s to worker \"%s\": %v", b.ID, b.WorkerID, err)
	}
}
