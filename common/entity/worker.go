package entity

import (
	"time"

	"github.com/goccy/go-json"
)

// WorkerStatus identifies a worker's standing within the fleet.
type WorkerStatus string

const (
	// WorkerActive means the worker heartbeats on time and accepts new placements.
	WorkerActive WorkerStatus = "active"
	// WorkerDraining means the worker accepts no new placements but existing
	// backends (and their leases) are left undisturbed.
	WorkerDraining WorkerStatus = "draining"
	// WorkerLost means the worker's heartbeats lapsed beyond the lease duration.
	WorkerLost WorkerStatus = "lost"
)

func (s WorkerStatus) String() string {
	return string(s)
}

// Worker is a fleet member capable of hosting backends.
type Worker struct {
	ID     string       `json:"id"`
	Status WorkerStatus `json:"status"`

	// Epoch is incremented on every (re-)registration. Lease renewals must
	// present the epoch of the registering incarnation; a partitioned worker
	// that re-registered cannot renew leases issued to its prior epoch.
	Epoch int64 `json:"epoch"`

	// AgentAddress is the host:port of the worker's agent endpoint.
	AgentAddress string `json:"agent_address,omitempty"`

	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`

	// CapacityHint is an advisory count of how many backends the worker can
	// comfortably host. Placement policies may use it to normalize load.
	CapacityHint int32 `json:"capacity_hint"`

	RegisteredAt time.Time `json:"registered_at"`
}

func (w *Worker) Clone() *Worker {
	clone := *w
	return &clone
}

func (w *Worker) String() string {
	m, err := json.Marshal(w)
	if err != nil {
		panic(err)
	}

	return string(m)
}
