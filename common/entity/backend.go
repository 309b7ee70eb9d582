package entity

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/scusemua/distributed-sessions/common/types"
)

// State identifies a stage in a backend's lifecycle.
type State string

const (
	// StateScheduled means the backend has been reserved and is awaiting placement on a worker.
	StateScheduled State = "scheduled"
	// StateLoading means a worker accepted the placement and the backend is starting up.
	StateLoading State = "loading"
	// StateReady means the backend is serving and reachable at its recorded address.
	StateReady State = "ready"
	// StateDraining means the backend is winding down; no new connections are routed to it.
	StateDraining State = "draining"
	// StateTerminated means the backend stopped cleanly. Terminal.
	StateTerminated State = "terminated"
	// StateLost means the owning worker's lease expired without renewal. Terminal.
	StateLost State = "lost"
	// StateFailed means the backend could not be spawned. Terminal.
	StateFailed State = "failed"
)

func (s State) String() string {
	return string(s)
}

// Terminal returns true if no transitions may originate from the state.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateLost || s == StateFailed
}

// Live returns true if the backend either serves traffic or will once loading completes.
// At most one backend per routing key may be Live at any instant.
func (s State) Live() bool {
	return s == StateScheduled || s == StateLoading || s == StateReady
}

// Event identifies an occurrence that may advance a backend's lifecycle.
type Event string

const (
	EventWorkerAcceptedPlacement     Event = "worker_accepted_placement"
	EventWorkerReportedReady         Event = "worker_reported_ready"
	EventWorkerReportedHealthFailure Event = "worker_reported_health_failure"
	EventDrainRequested              Event = "drain_requested"
	EventWorkerReportedTerminated    Event = "worker_reported_terminated"
	EventLeaseExpired                Event = "lease_expired"
	EventExplicitTerminate           Event = "explicit_terminate"
)

func (e Event) String() string {
	return string(e)
}

// transitions is the complete edge set of the backend lifecycle graph.
// Anything absent from this table is rejected.
var transitions = map[State]map[Event]State{
	StateScheduled: {
		EventWorkerAcceptedPlacement:     StateLoading,
		EventWorkerReportedHealthFailure: StateFailed,
		EventLeaseExpired:                StateLost,
		EventDrainRequested:              StateDraining,
		EventExplicitTerminate:           StateDraining,
	},
	StateLoading: {
		EventWorkerReportedReady:         StateReady,
		EventWorkerReportedHealthFailure: StateFailed,
		EventLeaseExpired:                StateLost,
		EventDrainRequested:              StateDraining,
		EventExplicitTerminate:           StateDraining,
		EventWorkerReportedTerminated:    StateTerminated,
	},
	StateReady: {
		EventDrainRequested:              StateDraining,
		EventExplicitTerminate:           StateDraining,
		EventLeaseExpired:                StateLost,
		EventWorkerReportedHealthFailure: StateDraining,
		EventWorkerReportedTerminated:    StateTerminated,
	},
	StateDraining: {
		EventWorkerReportedTerminated: StateTerminated,
		// A draining backend whose worker vanishes is finalized rather than
		// resurrected; the lease sweep closes it out.
		EventLeaseExpired: StateTerminated,
	},
}

// NextState computes the successor state for (current, event).
//
// NextState is pure and total: it returns types.ErrInvalidTransition for any
// pair without an edge in the lifecycle graph. Rejection is not a system
// error; it is the mechanism that makes duplicate, at-least-once worker
// reports safe to apply.
func NextState(current State, event Event) (State, error) {
	edges, ok := transitions[current]
	if !ok {
		return current, types.ErrInvalidTransition
	}

	next, ok := edges[event]
	if !ok {
		return current, types.ErrInvalidTransition
	}

	return next, nil
}

// Backend is one scheduled unit of session compute.
type Backend struct {
	// ID is globally unique and immutable.
	ID string `json:"id"`

	// Key is the routing key. Unique among live backends, not across history.
	Key string `json:"key"`

	State State `json:"state"`

	// WorkerID is the owning worker. Set once placement succeeds; immutable thereafter.
	WorkerID string `json:"worker_id,omitempty"`

	// Address is the host:port at which the backend serves. Absent before Ready.
	Address string `json:"address,omitempty"`

	// Version is a monotonic counter used for optimistic concurrency. Every
	// successful transition increments it; a caller presenting a stale version
	// loses the race and must re-read.
	Version int64 `json:"version"`

	CreatedAt         time.Time `json:"created_at"`
	LastStateChangeAt time.Time `json:"last_state_change_at"`
}

// Clone returns a copy of the backend. Store implementations hand out clones so
// that callers can never mutate authoritative records in place.
func (b *Backend) Clone() *Backend {
	clone := *b
	return &clone
}

func (b *Backend) String() string {
	m, err := json.Marshal(b)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// LogEntry is one record of the append-only transition log.
type LogEntry struct {
	BackendID string    `json:"backend_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Cause     string    `json:"cause,omitempty"`
}

func (e *LogEntry) String() string {
	m, err := json.Marshal(e)
	if err != nil {
		panic(err)
	}

	return string(m)
}
