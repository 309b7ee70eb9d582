// Package lease issues and renews the time-bounded, epoch-tagged ownership
// leases binding backends to workers, and reclaims backends whose leases
// expire without renewal.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/distributed-sessions/common/entity"
	"github.com/scusemua/distributed-sessions/common/storage"
	"github.com/scusemua/distributed-sessions/common/types"
	"github.com/scusemua/distributed-sessions/common/utils"
	"github.com/scusemua/distributed-sessions/gateway/internal/metrics"
)

// Manager runs the background lease-expiry sweep and applies lease renewals
// carried by worker heartbeats.
//
// The sweep is deliberately independent of any request's lifecycle: it keeps
// running until Stop is called, regardless of what the rest of the gateway is
// doing.
type Manager struct {
	store storage.Provider
	log   logger.Logger

	duration      time.Duration
	sweepInterval time.Duration

	maxRetries   int
	retryBackoff time.Duration

	metrics *metrics.Manager

	stopChan chan struct{}
}

// NewManager creates a new Manager struct and returns a pointer to it.
func NewManager(store storage.Provider, duration time.Duration, sweepInterval time.Duration,
	maxRetries int, retryBackoff time.Duration, metricsManager *metrics.Manager) *Manager {

	manager := &Manager{
		store:         store,
		duration:      duration,
		sweepInterval: sweepInterval,
		maxRetries:    maxRetries,
		retryBackoff:  retryBackoff,
		metrics:       metricsManager,
		stopChan:      make(chan struct{}),
	}
	config.InitLogger(&manager.log, manager)

	return manager
}

// Duration returns the lease duration the manager issues and renews with.
func (m *Manager) Duration() time.Duration {
	return m.duration
}

// Start launches the background sweep loop.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop terminates the background sweep loop.
func (m *Manager) Stop() {
	close(m.stopChan)
}

func (m *Manager) run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	m.log.Debug("Lease sweep running with interval %v and lease duration %v.", m.sweepInterval, m.duration)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			if _, err := m.SweepOnce(ctx); err != nil {
				m.log.Error("Lease sweep failed: %v", err)
			}
		}
	}
}

// SweepOnce performs a single sweep pass: every lease whose expiry passed
// without renewal has its backend transitioned to Lost (if the backend is
// still non-terminal) and is invalidated. Workers whose heartbeats lapsed
// beyond the lease duration are marked Lost as well.
//
// SweepOnce returns the number of backends reclaimed.
func (m *Manager) SweepOnce(ctx context.Context) (int, error) {
	now := time.Now()

	expired, err := m.store.ExpiredLeases(ctx, now)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, l := range expired {
		if m.reclaim(ctx, l) {
			reclaimed++
		}
	}

	if err := m.sweepWorkers(ctx, now); err != nil {
		m.log.Error("Worker liveness sweep failed: %v", err)
	}

	if reclaimed > 0 {
		m.log.Warn(utils.OrangeStyle.Render("Reclaimed %d backend(s) whose leases expired."), reclaimed)

		if m.metrics != nil {
			m.metrics.LeaseReclamationsCounter.Add(float64(reclaimed))
		}
	}

	if m.metrics != nil {
		if live, err := m.store.ListLiveBackends(ctx); err == nil {
			m.metrics.NumLiveBackendsGauge.Set(float64(len(live)))
		}
	}

	return reclaimed, nil
}

// reclaim transitions a single backend with an expired lease. Returns true if
// the backend was actually moved out of a live state by this pass.
func (m *Manager) reclaim(ctx context.Context, l *entity.Lease) bool {
	cause := fmt.Sprintf("lease expired (worker \"%s\", epoch %d)", l.WorkerID, l.WorkerEpoch)

	_, err := storage.ApplyEvent(ctx, m.store, l.BackendID, entity.EventLeaseExpired,
		&storage.TransitionOpts{Cause: cause}, m.maxRetries, m.retryBackoff)

	switch {
	case err == nil:
		m.log.Warn("Backend %s reclaimed: %s.", l.BackendID, cause)
	case err == types.ErrInvalidTransition:
		// Already terminal; nothing to reclaim.
	case err == types.ErrBackendNotFound:
		m.log.Warn("Lease for unknown backend %s; invalidating.", l.BackendID)
	default:
		m.log.Error("Failed to reclaim backend %s: %v", l.BackendID, err)
		return false
	}

	if invErr := m.store.InvalidateLease(ctx, l.BackendID); invErr != nil && invErr != types.ErrLeaseNotFound {
		m.log.Error("Failed to invalidate lease for backend %s: %v", l.BackendID, invErr)
	}

	return err == nil
}

func (m *Manager) sweepWorkers(ctx context.Context, now time.Time) error {
	workers, err := m.store.ListWorkers(ctx)
	if err != nil {
		return err
	}

	for _, w := range workers {
		if w.Status == entity.WorkerLost {
			continue
		}

		if now.Sub(w.LastHeartbeatAt) > m.duration {
			m.log.Warn(utils.OrangeStyle.Render("Worker \"%s\" missed heartbeats for %v; marking lost."),
				w.ID, now.Sub(w.LastHeartbeatAt))

			if _, err := m.store.SetWorkerStatus(ctx, w.ID, entity.WorkerLost); err != nil {
				m.log.Error("Failed to mark worker \"%s\" lost: %v", w.ID, err)
			}
		}
	}

	return nil
}

// Renew extends the leases of the given backends on behalf of a heartbeating
// worker. Renewal is epoch-checked: a stale or superseded worker cannot renew.
// Individual failures are logged and skipped; a single missed renewal is never
// fatal, only expiry is authoritative.
func (m *Manager) Renew(ctx context.Context, workerID string, epoch int64, backendIDs []string) {
	for _, backendID := range backendIDs {
		_, err := m.store.RenewLease(ctx, backendID, workerID, epoch, m.duration)
		if err == nil {
			continue
		}

		switch err {
		case types.ErrEpochMismatch:
			m.log.Warn("Worker \"%s\" (epoch %d) presented a stale epoch renewing lease for backend %s.",
				workerID, epoch, backendID)
		case types.ErrLeaseExpired:
			m.log.Warn("Worker \"%s\" attempted to renew an expired lease for backend %s.", workerID, backendID)
		case types.ErrLeaseNotFound:
			m.log.Warn("Worker \"%s\" attempted to renew a nonexistent lease for backend %s.", workerID, backendID)
		default:
			m.log.Error("Failed to renew lease for backend %s: %v", backendID, err)
		}
	}
}
