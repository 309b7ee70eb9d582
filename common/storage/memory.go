package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"

	"github.com/scusemua/distributed-sessions/common/entity"
	"github.com/scusemua/distributed-sessions/common/types"
)

const subscriberBufferSize = 256

// MemoryProvider is a linearizable, in-process Provider. It is authoritative
// for single-node deployments and for tests; a single mutex serializes every
// operation, which is what makes each of them atomic.
type MemoryProvider struct {
	mu sync.Mutex

	backends map[string]*entity.Backend
	byKey    map[string]string // routing key -> id of the non-terminal backend holding it
	workers  map[string]*entity.Worker
	leases   map[string]*entity.Lease
	logs     map[string][]*entity.LogEntry

	epochCounter int64

	subscribers map[int]chan StateChange
	nextSubID   int

	closed bool
	log    logger.Logger
}

// NewMemoryProvider creates a new MemoryProvider struct and returns a pointer to it.
func NewMemoryProvider() *MemoryProvider {
	provider := &MemoryProvider{
		backends:    make(map[string]*entity.Backend),
		byKey:       make(map[string]string),
		workers:     make(map[string]*entity.Worker),
		leases:      make(map[string]*entity.Lease),
		logs:        make(map[string][]*entity.LogEntry),
		subscribers: make(map[int]chan StateChange),
	}
	config.InitLogger(&provider.log, provider)
	return provider
}

func (p *MemoryProvider) Reserve(_ context.Context, key string, leaseDuration time.Duration) (*entity.Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, types.ErrStoreClosed
	}

	if existingID, ok := p.byKey[key]; ok {
		if existing, ok := p.backends[existingID]; ok && !existing.State.Terminal() {
			return nil, types.ErrKeyConflict
		}
		// Stale index entry for a terminal backend; fall through and reclaim the key.
	}

	now := time.Now()
	b := &entity.Backend{
		ID:                uuid.NewString(),
		Key:               key,
		State:             entity.StateScheduled,
		Version:           1,
		CreatedAt:         now,
		LastStateChangeAt: now,
	}

	p.backends[b.ID] = b
	p.byKey[key] = b.ID

	// The placement lease is scheduler-held (no worker, epoch zero) until a
	// worker accepts; a crash mid-placement still reclaims via expiry.
	p.leases[b.ID] = &entity.Lease{
		BackendID: b.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(leaseDuration),
	}

	p.logs[b.ID] = append(p.logs[b.ID], &entity.LogEntry{
		BackendID: b.ID,
		From:      "",
		To:        entity.StateScheduled,
		Version:   b.Version,
		Timestamp: now,
		Cause:     "reserved",
	})

	p.log.Debug("Reserved backend %s for key \"%s\" with lease duration %v.", b.ID, key, leaseDuration)

	return b.Clone(), nil
}

func (p *MemoryProvider) CompareAndTransition(_ context.Context, id string, expectedVersion int64, event entity.Event, opts *TransitionOpts) (*entity.Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, types.ErrStoreClosed
	}

	b, ok := p.backends[id]
	if !ok {
		return nil, types.ErrBackendNotFound
	}

	if b.Version != expectedVersion {
		return nil, types.ErrVersionMismatch
	}

	from := b.State
	entry, err := applyTransition(b, event, opts, time.Now())
	if err != nil {
		return nil, err
	}

	p.logs[id] = append(p.logs[id], entry)

	if b.State.Terminal() {
		// Release the routing key for reuse.
		if heldBy, ok := p.byKey[b.Key]; ok && heldBy == id {
			delete(p.byKey, b.Key)
		}
	}

	p.notifyLocked(StateChange{Backend: b.Clone(), From: from, To: b.State})

	return b.Clone(), nil
}

func (p *MemoryProvider) GetBackend(_ context.Context, id string) (*entity.Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.backends[id]
	if !ok {
		return nil, types.ErrBackendNotFound
	}

	return b.Clone(), nil
}

func (p *MemoryProvider) GetBackendByKey(_ context.Context, key string) (*entity.Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.byKey[key]
	if !ok {
		return nil, types.ErrBackendNotFound
	}

	b, ok := p.backends[id]
	if !ok || b.State.Terminal() {
		return nil, types.ErrBackendNotFound
	}

	return b.Clone(), nil
}

func (p *MemoryProvider) ListLiveBackends(_ context.Context) ([]*entity.Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := make([]*entity.Backend, 0, len(p.byKey))
	for _, b := range p.backends {
		if b.State.Live() {
			live = append(live, b.Clone())
		}
	}

	sortBackends(live)
	return live, nil
}

func (p *MemoryProvider) ListBackends(_ context.Context) ([]*entity.Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all := make([]*entity.Backend, 0, len(p.backends))
	for _, b := range p.backends {
		all = append(all, b.Clone())
	}

	sortBackends(all)
	return all, nil
}

func (p *MemoryProvider) ReadTransitionLog(_ context.Context, backendID string) ([]*entity.LogEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries, ok := p.logs[backendID]
	if !ok {
		return nil, types.ErrBackendNotFound
	}

	out := make([]*entity.LogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (p *MemoryProvider) RegisterWorker(_ context.Context, id string, agentAddress string, capacityHint int32) (*entity.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, types.ErrStoreClosed
	}

	p.epochCounter++
	now := time.Now()

	w := &entity.Worker{
		ID:              id,
		Status:          entity.WorkerActive,
		Epoch:           p.epochCounter,
		AgentAddress:    agentAddress,
		LastHeartbeatAt: now,
		CapacityHint:    capacityHint,
		RegisteredAt:    now,
	}
	p.workers[id] = w

	p.log.Debug("Registered worker %s with epoch %d (capacity hint: %d).", id, w.Epoch, capacityHint)

	return w.Clone(), nil
}

func (p *MemoryProvider) WorkerHeartbeat(_ context.Context, id string, epoch int64) (*entity.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return nil, types.ErrWorkerNotFound
	}

	if w.Epoch != epoch {
		return nil, types.ErrEpochMismatch
	}

	w.LastHeartbeatAt = time.Now()
	if w.Status == entity.WorkerLost {
		// A heartbeat under the current epoch means the worker was never
		// actually superseded; reinstate it.
		w.Status = entity.WorkerActive
	}

	return w.Clone(), nil
}

func (p *MemoryProvider) SetWorkerStatus(_ context.Context, id string, status entity.WorkerStatus) (*entity.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return nil, types.ErrWorkerNotFound
	}

	w.Status = status
	return w.Clone(), nil
}

func (p *MemoryProvider) GetWorker(_ context.Context, id string) (*entity.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return nil, types.ErrWorkerNotFound
	}

	return w.Clone(), nil
}

func (p *MemoryProvider) ListWorkers(_ context.Context) ([]*entity.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	workers := make([]*entity.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w.Clone())
	}

	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers, nil
}

func (p *MemoryProvider) GetLease(_ context.Context, backendID string) (*entity.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.leases[backendID]
	if !ok {
		return nil, types.ErrLeaseNotFound
	}

	return l.Clone(), nil
}

func (p *MemoryProvider) BindLease(_ context.Context, backendID string, workerID string, epoch int64, duration time.Duration) (*entity.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.leases[backendID]
	if !ok {
		return nil, types.ErrLeaseNotFound
	}

	if l.Invalidated {
		return nil, types.ErrLeaseExpired
	}

	now := time.Now()
	l.WorkerID = workerID
	l.WorkerEpoch = epoch
	l.IssuedAt = now
	l.ExpiresAt = now.Add(duration)

	return l.Clone(), nil
}

func (p *MemoryProvider) RenewLease(_ context.Context, backendID string, workerID string, epoch int64, extend time.Duration) (*entity.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.leases[backendID]
	if !ok {
		return nil, types.ErrLeaseNotFound
	}

	if l.WorkerID != workerID || l.WorkerEpoch != epoch {
		return nil, types.ErrEpochMismatch
	}

	now := time.Now()
	if !l.Active(now) {
		return nil, types.ErrLeaseExpired
	}

	l.ExpiresAt = now.Add(extend)
	return l.Clone(), nil
}

func (p *MemoryProvider) ExpiredLeases(_ context.Context, now time.Time) ([]*entity.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	expired := make([]*entity.Lease, 0)
	for _, l := range p.leases {
		if l.Expired(now) {
			expired = append(expired, l.Clone())
		}
	}

	sort.Slice(expired, func(i, j int) bool { return expired[i].BackendID < expired[j].BackendID })
	return expired, nil
}

func (p *MemoryProvider) InvalidateLease(_ context.Context, backendID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.leases[backendID]
	if !ok {
		return types.ErrLeaseNotFound
	}

	l.Invalidated = true
	return nil
}

func (p *MemoryProvider) Subscribe(ctx context.Context) (<-chan StateChange, func()) {
	p.mu.Lock()

	id := p.nextSubID
	p.nextSubID++

	ch := make(chan StateChange, subscriberBufferSize)
	p.subscribers[id] = ch

	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		if existing, ok := p.subscribers[id]; ok {
			delete(p.subscribers, id)
			close(existing)
		}
		p.mu.Unlock()
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return ch, cancel
}

func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	for id, ch := range p.subscribers {
		delete(p.subscribers, id)
		close(ch)
	}

	return nil
}

// notifyLocked fans a committed change out to subscribers. Deliveries are
// best-effort: a subscriber whose buffer is full misses the event and is
// expected to reconcile by polling.
func (p *MemoryProvider) notifyLocked(change StateChange) {
	for _, ch := range p.subscribers {
		select {
		case ch <- change:
		default:
			p.log.Warn("Subscriber buffer full; dropped state change %s -> %s for backend %s.",
				change.From, change.To, change.Backend.ID)
		}
	}
}

func sortBackends(backends []*entity.Backend) {
	sort.Slice(backends, func(i, j int) bool {
		if backends[i].CreatedAt.Equal(backends[j].CreatedAt) {
			return backends[i].ID < backends[j].ID
		}
		return backends[i].CreatedAt.Before(backends[j].CreatedAt)
	})
}
