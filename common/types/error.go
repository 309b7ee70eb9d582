package types

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrKeyConflict indicates that a live backend already holds the requested routing key.
	// It is a redirect signal, not a failure: callers should re-read and use the existing backend.
	ErrKeyConflict = errors.New("a live backend already exists for the specified key")

	// ErrVersionMismatch indicates that an optimistic, version-checked mutation lost a race
	// with a concurrent writer. Callers must re-read and retry.
	ErrVersionMismatch = errors.New("backend was modified concurrently; supplied version is stale")

	// ErrInvalidTransition indicates that an event does not apply to the backend's current state.
	// Duplicate or stale worker reports surface as ErrInvalidTransition and are dropped.
	ErrInvalidTransition = errors.New("event is not applicable in the backend's current state")

	ErrBackendNotFound = errors.New("no backend found for the specified id or key")
	ErrWorkerNotFound  = errors.New("no worker found with the specified id")
	ErrLeaseNotFound   = errors.New("no lease found for the specified backend")

	// ErrEpochMismatch indicates that a worker presented a stale epoch while renewing a lease.
	// A worker that re-registered after losing connectivity cannot renew leases issued to its
	// prior incarnation.
	ErrEpochMismatch = errors.New("presented worker epoch does not match the lease's recorded epoch")

	// ErrLeaseExpired indicates that a lease's expiry passed without renewal.
	ErrLeaseExpired = errors.New("lease has expired")

	ErrPlacementFailed   = status.Error(codes.Unavailable, "worker rejected or timed out on backend placement")
	ErrSchedulingFailed  = status.Error(codes.Unavailable, "failed to place backend on any worker")
	ErrRouteTimeout      = status.Error(codes.Unavailable, "backend did not become ready within the route wait budget")
	ErrBackendNotViable  = status.Error(codes.FailedPrecondition, "backend is in a terminal or draining state and cannot serve traffic")
	ErrRetriesExhausted  = status.Error(codes.Unavailable, "exhausted bounded retries against the state store")
	ErrNoViableWorkers   = status.Error(codes.ResourceExhausted, "no active workers are available for placement")
	ErrStoreClosed       = errors.New("state store has been closed")
	ErrWorkerNotAccepted = errors.New("worker has not accepted the placement")
)
