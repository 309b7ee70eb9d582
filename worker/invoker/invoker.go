// Package invoker launches and supervises the actual backend processes or
// containers a worker hosts. One Invoker instance manages one backend.
package invoker

import (
	"context"
	"errors"
	"time"

	"github.com/scusemua/distributed-sessions/common/proto"
)

// BackendStatus describes what an invoker's backend is doing right now.
type BackendStatus string

const (
	StatusInitializing BackendStatus = "initializing"
	StatusRunning      BackendStatus = "running"
	StatusExited       BackendStatus = "exited"
	StatusFailed       BackendStatus = "failed"
)

var (
	ErrNotStarted     = errors.New("the backend has not been started")
	ErrAlreadyStarted = errors.New("the backend has already been started")
)

// Invoker launches one backend and supervises it until it stops.
type Invoker interface {
	// InvokeWithContext launches the backend described by the spec, listening
	// on the given port. Returns the address at which the backend serves.
	InvokeWithContext(ctx context.Context, spec *proto.BackendSpec, port int) (string, error)

	// Status reports what the backend is doing right now.
	Status(ctx context.Context) (BackendStatus, error)

	// Shutdown asks the backend to stop gracefully, waiting up to grace
	// before giving up. A backend that ignores the request is killed by Close.
	Shutdown(ctx context.Context, grace time.Duration) error

	// Close forcibly stops the backend and releases its resources. Idempotent.
	Close() error
}

// Factory constructs a fresh Invoker for one backend placement.
type Factory func() (Invoker, error)
