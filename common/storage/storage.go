// Package storage defines the state store: the sole source of truth for
// backend, worker, and lease records plus the append-only transition log.
//
// All mutating operations are atomic and version-checked. Every other component
// of the system holds only advisory caches that must be reconciled against the
// store, never treated as authoritative.
package storage

import (
	"context"
	"time"

	"github.com/scusemua/distributed-sessions/common/entity"
)

// TransitionOpts carries the side effects a transition applies to the backend
// record alongside the state change itself.
type TransitionOpts struct {
	// Cause is recorded in the transition log entry.
	Cause string

	// Address is recorded on the backend (worker-reported serving address).
	// Only applied when non-empty; a duplicate ready report therefore leaves
	// the recorded address unchanged.
	Address string

	// WorkerID binds the backend to its owning worker. Set once; a transition
	// attempting to overwrite an existing, different worker id is rejected
	// with types.ErrInvalidTransition.
	WorkerID string
}

// StateChange is pushed to subscribers after every committed transition.
type StateChange struct {
	Backend *entity.Backend
	From    entity.State
	To      entity.State
}

// Provider is the state store contract.
//
// Mutations are linearizable and version-checked: callers supply the version
// they last observed, and a mismatch (types.ErrVersionMismatch) means a
// concurrent writer won; the caller must re-read and retry. No locks are held
// across calls.
type Provider interface {
	// Reserve atomically creates a Scheduled backend for the key together with
	// a scheduler-held lease of the given duration. It fails with
	// types.ErrKeyConflict if a non-terminal backend already holds the key;
	// this is the mechanism enforcing at-most-one-live-backend-per-key.
	Reserve(ctx context.Context, key string, leaseDuration time.Duration) (*entity.Backend, error)

	// CompareAndTransition applies event to the backend iff the supplied
	// version is current, appending a transition log entry and incrementing
	// the version. It fails with types.ErrVersionMismatch on a stale version
	// and types.ErrInvalidTransition if the event has no edge from the
	// backend's current state. Neither failure has side effects.
	CompareAndTransition(ctx context.Context, id string, expectedVersion int64, event entity.Event, opts *TransitionOpts) (*entity.Backend, error)

	GetBackend(ctx context.Context, id string) (*entity.Backend, error)

	// GetBackendByKey returns the non-terminal backend holding the key, or
	// types.ErrBackendNotFound if the key is free.
	GetBackendByKey(ctx context.Context, key string) (*entity.Backend, error)

	// ListLiveBackends returns all backends in {Scheduled, Loading, Ready}.
	ListLiveBackends(ctx context.Context) ([]*entity.Backend, error)

	// ListBackends returns every backend record, terminal ones included.
	ListBackends(ctx context.Context) ([]*entity.Backend, error)

	// ReadTransitionLog returns the backend's transitions in commit order.
	ReadTransitionLog(ctx context.Context, backendID string) ([]*entity.LogEntry, error)

	// RegisterWorker creates or reinstates a worker with a fresh, monotonic epoch.
	RegisterWorker(ctx context.Context, id string, agentAddress string, capacityHint int32) (*entity.Worker, error)

	// WorkerHeartbeat records a heartbeat. The presented epoch must match the
	// worker's current epoch (types.ErrEpochMismatch otherwise).
	WorkerHeartbeat(ctx context.Context, id string, epoch int64) (*entity.Worker, error)

	SetWorkerStatus(ctx context.Context, id string, status entity.WorkerStatus) (*entity.Worker, error)
	GetWorker(ctx context.Context, id string) (*entity.Worker, error)
	ListWorkers(ctx context.Context) ([]*entity.Worker, error)

	GetLease(ctx context.Context, backendID string) (*entity.Lease, error)

	// BindLease rebinds the backend's lease to the accepting worker and its
	// epoch, replacing the scheduler-held placement lease.
	BindLease(ctx context.Context, backendID string, workerID string, epoch int64, duration time.Duration) (*entity.Lease, error)

	// RenewLease extends the lease iff the presenting worker and epoch match
	// and the lease is still active. Fails with types.ErrEpochMismatch or
	// types.ErrLeaseExpired.
	RenewLease(ctx context.Context, backendID string, workerID string, epoch int64, extend time.Duration) (*entity.Lease, error)

	// ExpiredLeases returns leases whose expiry passed without renewal and
	// which have not been invalidated yet.
	ExpiredLeases(ctx context.Context, now time.Time) ([]*entity.Lease, error)

	// InvalidateLease marks the lease reclaimed. Idempotent.
	InvalidateLease(ctx context.Context, backendID string) error

	// Subscribe returns a channel of committed state changes plus a cancel
	// function. Deliveries are best-effort (slow subscribers may miss events);
	// consumers that cannot tolerate gaps must poll as a fallback.
	Subscribe(ctx context.Context) (<-chan StateChange, func())

	Close() error
}

// applyTransition advances the backend record in place: state machine check,
// side effects, version bump. Shared by all providers so that the semantics
// cannot drift between them. Returns the log entry to append.
func applyTransition(b *entity.Backend, event entity.Event, opts *TransitionOpts, now time.Time) (*entity.LogEntry, error) {
	next, err := entity.NextState(b.State, event)
	if err != nil {
		return nil, err
	}

	if opts != nil && opts.WorkerID != "" {
		if b.WorkerID != "" && b.WorkerID != opts.WorkerID {
			// Worker binding is set-once.
			return nil, errInvalidWorkerRebind
		}
		b.WorkerID = opts.WorkerID
	}

	if opts != nil && opts.Address != "" {
		b.Address = opts.Address
	}

	from := b.State
	b.State = next
	b.Version++
	b.LastStateChangeAt = now

	cause := ""
	if opts != nil {
		cause = opts.Cause
	}
	if cause == "" {
		cause = event.String()
	}

	return &entity.LogEntry{
		BackendID: b.ID,
		From:      from,
		To:        next,
		Version:   b.Version,
		Timestamp: now,
		Cause:     cause,
	}, nil
}
