package scheduler

import (
	"fmt"
	"sync/atomic"

	"github.com/scusemua/distributed-sessions/common/entity"
	"github.com/scusemua/distributed-sessions/common/proto"
	"github.com/scusemua/distributed-sessions/common/types"
)

const (
	LeastLoaded PolicyKey = "least-loaded"
	RoundRobin  PolicyKey = "round-robin"
)

// PolicyKey indicates the placement policy the gateway is configured to use.
type PolicyKey string

func (k PolicyKey) String() string {
	return string(k)
}

// PlacementPolicy selects the worker a new backend should be placed on.
// Implementations are swappable strategies; the scheduler hands them only
// Active, non-blacklisted candidates.
type PlacementPolicy interface {
	// Name returns a human-readable name suitable for logging.
	Name() string

	// SelectWorker returns the id of the chosen worker. loads maps worker id
	// to the number of live backends it currently hosts (derived by query,
	// never cached). Returns types.ErrNoViableWorkers when candidates is empty.
	SelectWorker(candidates []*entity.Worker, loads map[string]int, spec *proto.BackendSpec) (string, error)
}

// NewPolicy resolves a PolicyKey to its implementation.
func NewPolicy(key PolicyKey) (PlacementPolicy, error) {
	switch key {
	case LeastLoaded, "":
		return &LeastLoadedPolicy{}, nil
	case RoundRobin:
		return &RoundRobinPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown placement policy \"%s\"", key)
	}
}

// LeastLoadedPolicy selects the candidate with the lowest ratio of live
// backends to capacity hint.
type LeastLoadedPolicy struct{}

func (p *LeastLoadedPolicy) Name() string {
	return "Least-Loaded"
}

func (p *LeastLoadedPolicy) SelectWorker(candidates []*entity.Worker, loads map[string]int, _ *proto.BackendSpec) (string, error) {
	if len(candidates) == 0 {
		return "", types.ErrNoViableWorkers
	}

	var (
		best     string
		bestLoad float64
	)

	for _, w := range candidates {
		capacity := float64(w.CapacityHint)
		if capacity <= 0 {
			capacity = 1
		}

		load := float64(loads[w.ID]) / capacity
		if best == "" || load < bestLoad {
			best = w.ID
			bestLoad = load
		}
	}

	return best, nil
}

// RoundRobinPolicy cycles through candidates in order.
type RoundRobinPolicy struct {
	counter uint64
}

func (p *RoundRobinPolicy) Name() string {
	return "Round-Robin"
}

func (p *RoundRobinPolicy) SelectWorker(candidates []*entity.Worker, _ map[string]int, _ *proto.BackendSpec) (string, error) {
	if len(candidates) == 0 {
		return "", types.ErrNoViableWorkers
	}

	n := atomic.AddUint64(&p.counter, 1)
	return candidates[int((n-1)%uint64(len(candidates)))].ID, nil
}
