package entity

import (
	"time"

	"github.com/goccy/go-json"
)

// Lease binds a backend to a worker for a bounded time window, tagged with the
// worker's epoch. A backend has at most one active lease at a time.
//
// A lease is created atomically with the backend's reservation, initially held
// by the scheduler itself (no worker, epoch zero), and rebound to the owning
// worker once that worker accepts the placement. Either way, expiry without
// renewal is the sole authoritative signal that the backend is gone.
type Lease struct {
	BackendID string `json:"backend_id"`

	// WorkerID is empty until a worker accepts the placement.
	WorkerID string `json:"worker_id,omitempty"`

	// WorkerEpoch is the epoch of the worker incarnation the lease was issued
	// to. Renewal requires presenting an equal epoch.
	WorkerEpoch int64 `json:"worker_epoch"`

	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// Invalidated is set once the lease has been reclaimed; an invalidated
	// lease can never be renewed.
	Invalidated bool `json:"invalidated,omitempty"`
}

// Active returns true if the lease is neither invalidated nor expired at the given instant.
func (l *Lease) Active(now time.Time) bool {
	return !l.Invalidated && now.Before(l.ExpiresAt)
}

// Expired returns true if the lease's expiry has passed and it has not been invalidated yet.
func (l *Lease) Expired(now time.Time) bool {
	return !l.Invalidated && !now.Before(l.ExpiresAt)
}

func (l *Lease) Clone() *Lease {
	clone := *l
	return &clone
}

func (l *Lease) String() string {
	m, err := json.Marshal(l)
	if err != nil {
		panic(err)
	}

	return string(m)
}
