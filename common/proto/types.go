// Package proto defines the transport-agnostic contract between the gateway
// (orchestrator) and the worker agents. Messages are plain structs; transports
// (in-process, HTTP) marshal them however they see fit.
package proto

import (
	"context"

	"github.com/goccy/go-json"
)

// BackendSpec describes a session backend to be launched on a worker.
type BackendSpec struct {
	// BackendID is the globally-unique identifier assigned by the scheduler.
	BackendID string `json:"backend_id"`

	// Key is the routing key of the session the backend serves.
	Key string `json:"key"`

	// Image is the container image (or executable, for process invokers) to launch.
	Image string `json:"image"`

	// Env contains additional environment variables for the backend, as KEY=VALUE pairs.
	Env []string `json:"env,omitempty"`
}

func (s *BackendSpec) String() string {
	m, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}

	return string(m)
}

type PlaceBackendRequest struct {
	Spec *BackendSpec `json:"spec"`
}

type PlaceBackendResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type DrainBackendRequest struct {
	BackendID string `json:"backend_id"`

	// GraceSeconds bounds how long the worker may wait for the backend to wind
	// down before stopping it forcibly. Zero means the worker's default.
	GraceSeconds int32 `json:"grace_seconds,omitempty"`
}

type DrainBackendResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

type RegisterWorkerRequest struct {
	WorkerID string `json:"worker_id"`

	// AgentAddress is the host:port at which the worker's agent endpoint is reachable.
	AgentAddress string `json:"agent_address"`

	CapacityHint int32 `json:"capacity_hint"`
}

type RegisterWorkerResponse struct {
	Accepted bool `json:"accepted"`

	// WorkerEpoch is the fresh epoch assigned to this incarnation of the worker.
	// All lease renewals must present it.
	WorkerEpoch int64 `json:"worker_epoch"`

	HeartbeatIntervalSeconds int32 `json:"heartbeat_interval_seconds"`
	LeaseDurationSeconds     int32 `json:"lease_duration_seconds"`
}

type HeartbeatRequest struct {
	WorkerID    string `json:"worker_id"`
	WorkerEpoch int64  `json:"worker_epoch"`

	// BackendIDs lists the backends the worker believes it is hosting.
	// Their leases are renewed as a side effect of the heartbeat.
	BackendIDs []string `json:"backend_ids,omitempty"`
}

type HeartbeatResponse struct {
	Accepted bool `json:"accepted"`

	// Reregister instructs the worker to re-register (its epoch is stale or unknown).
	Reregister bool `json:"reregister,omitempty"`
}

// ReadyNotification reports that a backend finished loading and is accepting traffic.
type ReadyNotification struct {
	BackendID string `json:"backend_id"`

	// Address is the host:port at which the backend accepts connections.
	Address string `json:"address"`
}

type HealthFailureNotification struct {
	BackendID string `json:"backend_id"`
	Reason    string `json:"reason,omitempty"`
}

type TerminatedNotification struct {
	BackendID string `json:"backend_id"`
}

// WorkerAgent is the inbound contract each worker implements: the gateway pushes
// placement and drain commands through it.
type WorkerAgent interface {
	PlaceBackend(ctx context.Context, in *PlaceBackendRequest) (*PlaceBackendResponse, error)
	DrainBackend(ctx context.Context, in *DrainBackendRequest) (*DrainBackendResponse, error)
}

// Orchestrator is the outbound contract the gateway implements: workers push
// registrations, heartbeats, and backend state reports through it.
//
// Reports are delivered at-least-once; every handler must be idempotent. A
// duplicate ReadyNotification for an already-ready backend is a no-op, not an error.
type Orchestrator interface {
	RegisterWorker(ctx context.Context, in *RegisterWorkerRequest) (*RegisterWorkerResponse, error)
	Heartbeat(ctx context.Context, in *HeartbeatRequest) (*HeartbeatResponse, error)
	ReportReady(ctx context.Context, in *ReadyNotification) error
	ReportHealthFailure(ctx context.Context, in *HealthFailureNotification) error
	ReportTerminated(ctx context.Context, in *TerminatedNotification) error
}
