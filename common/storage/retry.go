package storage

import (
	"context"
	"time"

	"github.com/scusemua/distributed-sessions/common/entity"
	"github.com/scusemua/distributed-sessions/common/types"
	"github.com/scusemua/distributed-sessions/common/utils"
)

// ApplyEvent drives a transition through CompareAndTransition with the standard
// retry policy: re-read on version mismatch, exponential backoff, bounded
// attempts. types.ErrInvalidTransition propagates immediately and without side
// effects so that callers can drop duplicate/stale reports.
func ApplyEvent(ctx context.Context, p Provider, id string, event entity.Event, opts *TransitionOpts, maxAttempts int, backoffBase time.Duration) (*entity.Backend, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		b, err := p.GetBackend(ctx, id)
		if err != nil {
			return nil, err
		}

		updated, err := p.CompareAndTransition(ctx, id, b.Version, event, opts)
		if err == nil {
			return updated, nil
		}

		if err != types.ErrVersionMismatch {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(utils.ExponentialBackoff(attempt, backoffBase, time.Second)):
		}
	}

	return nil, types.ErrRetriesExhausted
}
