package storage

import (
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-sessions/common/types"
)

var (
	// Rebinding a backend to a different worker is never legal; surfaced as an
	// invalid transition so that callers drop it like any other stale report.
	errInvalidWorkerRebind = errors.Wrap(types.ErrInvalidTransition, "backend is already bound to a different worker")
)
