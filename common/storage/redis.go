package storage

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/net/context"

	"github.com/scusemua/distributed-sessions/common/entity"
	"github.com/scusemua/distributed-sessions/common/types"
)

const (
	backendKeyPrefix = "sessions:backend:"
	routingKeyPrefix = "sessions:key:"
	workerKeyPrefix  = "sessions:worker:"
	leaseKeyPrefix   = "sessions:lease:"
	logKeyPrefix     = "sessions:log:"

	backendsSetKey = "sessions:backends"
	workersSetKey  = "sessions:workers"
	leasesSetKey   = "sessions:leases"

	workerEpochCounterKey = "sessions:worker-epoch"

	eventsChannel = "sessions:events"

	// casAttempts bounds the WATCH/EXEC retry loop. Optimistic transactions
	// only fail when another writer touched the same key, so contention this
	// deep indicates something is wrong.
	casAttempts = 32
)

// RedisProvider implements the Provider API against Redis.
//
// Atomicity comes from WATCH-guarded transactions: each mutating operation
// watches the keys it reads, re-reads them inside the transaction, and retries
// on redis.TxFailedErr. State-change notifications ride Redis pub/sub.
type RedisProvider struct {
	logger        *zap.Logger
	sugaredLogger *zap.SugaredLogger

	hostname      string
	password      string
	databaseIndex int

	redisClient *redis.Client
}

// NewRedisProvider creates a new RedisProvider struct and returns a pointer to it.
func NewRedisProvider(hostname string, password string, databaseIndex int) *RedisProvider {
	provider := &RedisProvider{
		hostname:      hostname,
		password:      password,
		databaseIndex: databaseIndex,
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "[ERROR] Failed to create Zap Development logger because: %v\n", err)
		return nil
	}
	provider.logger = logger
	provider.sugaredLogger = logger.Sugar()

	return provider
}

func (p *RedisProvider) Connect() error {
	p.redisClient = redis.NewClient(&redis.Options{
		Addr:     p.hostname,
		Password: p.password,
		DB:       p.databaseIndex,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := p.redisClient.Ping(ctx).Err(); err != nil {
		return err
	}

	p.sugaredLogger.Infof("Connected to Redis at '%s' (database %d).", p.hostname, p.databaseIndex)
	return nil
}

func (p *RedisProvider) Close() error {
	if p.redisClient == nil {
		return nil
	}

	return p.redisClient.Close()
}

func (p *RedisProvider) Reserve(ctx context.Context, key string, leaseDuration time.Duration) (*entity.Backend, error) {
	routingKey := routingKeyPrefix + key

	var reserved *entity.Backend

	for attempt := 0; attempt < casAttempts; attempt++ {
		err := p.redisClient.Watch(ctx, func(tx *redis.Tx) error {
			existingID, err := tx.Get(ctx, routingKey).Result()
			if err != nil && err != redis.Nil {
				return err
			}

			if err == nil && existingID != "" {
				existing, getErr := p.getBackendTx(ctx, tx, existingID)
				if getErr == nil && !existing.State.Terminal() {
					return types.ErrKeyConflict
				}
				// Stale index entry; the transaction below overwrites it.
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

			lease := &entity.Lease{
				BackendID: b.ID,
				IssuedAt:  now,
				ExpiresAt: now.Add(leaseDuration),
			}

			entry := &entity.LogEntry{
				BackendID: b.ID,
				From:      "",
				To:        entity.StateScheduled,
				Version:   b.Version,
				Timestamp: now,
				Cause:     "reserved",
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, backendKeyPrefix+b.ID, mustMarshal(b), 0)
				pipe.Set(ctx, routingKey, b.ID, 0)
				pipe.SAdd(ctx, backendsSetKey, b.ID)
				pipe.Set(ctx, leaseKeyPrefix+b.ID, mustMarshal(lease), 0)
				pipe.SAdd(ctx, leasesSetKey, b.ID)
				pipe.RPush(ctx, logKeyPrefix+b.ID, mustMarshal(entry))
				return nil
			})
			if err != nil {
				return err
			}

			reserved = b
			return nil
		}, routingKey)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}

		p.sugaredLogger.Debugf("Reserved backend %s for key '%s'.", reserved.ID, key)
		return reserved, nil
	}

	return nil, types.ErrRetriesExhausted
}

func (p *RedisProvider) CompareAndTransition(ctx context.Context, id string, expectedVersion int64, event entity.Event, opts *TransitionOpts) (*entity.Backend, error) {
	backendKey := backendKeyPrefix + id

	var (
		updated *entity.Backend
		from    entity.State
	)

	for attempt := 0; attempt < casAttempts; attempt++ {
		err := p.redisClient.Watch(ctx, func(tx *redis.Tx) error {
			b, err := p.getBackendTx(ctx, tx, id)
			if err != nil {
				return err
			}

			if b.Version != expectedVersion {
				return types.ErrVersionMismatch
			}

			from = b.State
			entry, err := applyTransition(b, event, opts, time.Now())
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, backendKey, mustMarshal(b), 0)
				pipe.RPush(ctx, logKeyPrefix+id, mustMarshal(entry))
				if b.State.Terminal() {
					pipe.Del(ctx, routingKeyPrefix+b.Key)
				}
				return nil
			})
			if err != nil {
				return err
			}

			updated = b
			return nil
		}, backendKey)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}

		p.publish(ctx, StateChange{Backend: updated, From: from, To: updated.State})
		return updated, nil
	}

	return nil, types.ErrRetriesExhausted
}

func (p *RedisProvider) GetBackend(ctx context.Context, id string) (*entity.Backend, error) {
	payload, err := p.redisClient.Get(ctx, backendKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, types.ErrBackendNotFound
	}
	if err != nil {
		return nil, err
	}

	var b entity.Backend
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return nil, err
	}

	return &b, nil
}

func (p *RedisProvider) GetBackendByKey(ctx context.Context, key string) (*entity.Backend, error) {
	id, err := p.redisClient.Get(ctx, routingKeyPrefix+key).Result()
	if err == redis.Nil {
		return nil, types.ErrBackendNotFound
	}
	if err != nil {
		return nil, err
	}

	b, err := p.GetBackend(ctx, id)
	if err != nil {
		return nil, err
	}

	if b.State.Terminal() {
		return nil, types.ErrBackendNotFound
	}

	return b, nil
}

func (p *RedisProvider) ListLiveBackends(ctx context.Context) ([]*entity.Backend, error) {
	all, err := p.ListBackends(ctx)
	if err != nil {
		return nil, err
	}

	live := make([]*entity.Backend, 0, len(all))
	for _, b := range all {
		if b.State.Live() {
			live = append(live, b)
		}
	}

	return live, nil
}

func (p *RedisProvider) ListBackends(ctx context.Context) ([]*entity.Backend, error) {
	ids, err := p.redisClient.SMembers(ctx, backendsSetKey).Result()
	if err != nil {
		return nil, err
	}

	backends := make([]*entity.Backend, 0, len(ids))
	for _, id := range ids {
		b, err := p.GetBackend(ctx, id)
		if err == types.ErrBackendNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}

	sortBackends(backends)
	return backends, nil
}

func (p *RedisProvider) ReadTransitionLog(ctx context.Context, backendID string) ([]*entity.LogEntry, error) {
	payloads, err := p.redisClient.LRange(ctx, logKeyPrefix+backendID, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	if len(payloads) == 0 {
		return nil, types.ErrBackendNotFound
	}

	entries := make([]*entity.LogEntry, 0, len(payloads))
	for _, payload := range payloads {
		var entry entity.LogEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}

	return entries, nil
}

func (p *RedisProvider) RegisterWorker(ctx context.Context, id string, agentAddress string, capacityHint int32) (*entity.Worker, error) {
	epoch, err := p.redisClient.Incr(ctx, workerEpochCounterKey).Result()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	w := &entity.Worker{
		ID:              id,
		Status:          entity.WorkerActive,
		Epoch:           epoch,
		AgentAddress:    agentAddress,
		LastHeartbeatAt: now,
		CapacityHint:    capacityHint,
		RegisteredAt:    now,
	}

	_, err = p.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, workerKeyPrefix+id, mustMarshal(w), 0)
		pipe.SAdd(ctx, workersSetKey, id)
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.sugaredLogger.Infof("Registered worker '%s' with epoch %d.", id, epoch)
	return w, nil
}

func (p *RedisProvider) WorkerHeartbeat(ctx context.Context, id string, epoch int64) (*entity.Worker, error) {
	var updated *entity.Worker

	err := p.mutateWorker(ctx, id, func(w *entity.Worker) error {
		if w.Epoch != epoch {
			return types.ErrEpochMismatch
		}

		w.LastHeartbeatAt = time.Now()
		if w.Status == entity.WorkerLost {
			w.Status = entity.WorkerActive
		}

		updated = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (p *RedisProvider) SetWorkerStatus(ctx context.Context, id string, status entity.WorkerStatus) (*entity.Worker, error) {
	var updated *entity.Worker

	err := p.mutateWorker(ctx, id, func(w *entity.Worker) error {
		w.Status = status
		updated = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (p *RedisProvider) GetWorker(ctx context.Context, id string) (*entity.Worker, error) {
	payload, err := p.redisClient.Get(ctx, workerKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, types.ErrWorkerNotFound
	}
	if err != nil {
		return nil, err
	}

	var w entity.Worker
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, err
	}

	return &w, nil
}

func (p *RedisProvider) ListWorkers(ctx context.Context) ([]*entity.Worker, error) {
	ids, err := p.redisClient.SMembers(ctx, workersSetKey).Result()
	if err != nil {
		return nil, err
	}

	workers := make([]*entity.Worker, 0, len(ids))
	for _, id := range ids {
		w, err := p.GetWorker(ctx, id)
		if err == types.ErrWorkerNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}

	return workers, nil
}

func (p *RedisProvider) GetLease(ctx context.Context, backendID string) (*entity.Lease, error) {
	payload, err := p.redisClient.Get(ctx, leaseKeyPrefix+backendID).Result()
	if err == redis.Nil {
		return nil, types.ErrLeaseNotFound
	}
	if err != nil {
		return nil, err
	}

	var l entity.Lease
	if err := json.Unmarshal([]byte(payload), &l); err != nil {
		return nil, err
	}

	return &l, nil
}

func (p *RedisProvider) BindLease(ctx context.Context, backendID string, workerID string, epoch int64, duration time.Duration) (*entity.Lease, error) {
	var updated *entity.Lease

	err := p.mutateLease(ctx, backendID, func(l *entity.Lease) error {
		if l.Invalidated {
			return types.ErrLeaseExpired
		}

		now := time.Now()
		l.WorkerID = workerID
		l.WorkerEpoch = epoch
		l.IssuedAt = now
		l.ExpiresAt = now.Add(duration)

		updated = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (p *RedisProvider) RenewLease(ctx context.Context, backendID string, workerID string, epoch int64, extend time.Duration) (*entity.Lease, error) {
	var updated *entity.Lease

	err := p.mutateLease(ctx, backendID, func(l *entity.Lease) error {
		if l.WorkerID != workerID || l.WorkerEpoch != epoch {
			return types.ErrEpochMismatch
		}

		now := time.Now()
		if !l.Active(now) {
			return types.ErrLeaseExpired
		}

		l.ExpiresAt = now.Add(extend)
		updated = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (p *RedisProvider) ExpiredLeases(ctx context.Context, now time.Time) ([]*entity.Lease, error) {
	ids, err := p.redisClient.SMembers(ctx, leasesSetKey).Result()
	if err != nil {
		return nil, err
	}

	expired := make([]*entity.Lease, 0)
	for _, id := range ids {
		l, err := p.GetLease(ctx, id)
		if err == types.ErrLeaseNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}

		if l.Expired(now) {
			expired = append(expired, l)
		}
	}

	return expired, nil
}

func (p *RedisProvider) InvalidateLease(ctx context.Context, backendID string) error {
	return p.mutateLease(ctx, backendID, func(l *entity.Lease) error {
		l.Invalidated = true
		return nil
	})
}

func (p *RedisProvider) Subscribe(ctx context.Context) (<-chan StateChange, func()) {
	if ctx == nil {
		ctx = context.Background()
	}

	pubsub := p.redisClient.Subscribe(ctx, eventsChannel)
	out := make(chan StateChange, subscriberBufferSize)

	go func() {
		defer close(out)

		for msg := range pubsub.Channel() {
			var change publishedChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				p.sugaredLogger.Errorf("Failed to decode state-change event: %v", err)
				continue
			}

			select {
			case out <- StateChange{Backend: change.Backend, From: change.From, To: change.To}:
			default:
				p.sugaredLogger.Warnf("Subscriber buffer full; dropped state change for backend %s.", change.Backend.ID)
			}
		}
	}()

	cancel := func() {
		_ = pubsub.Close()
	}

	return out, cancel
}

type publishedChange struct {
	Backend *entity.Backend `json:"backend"`
	From    entity.State    `json:"from"`
	To      entity.State    `json:"to"`
}

func (p *RedisProvider) publish(ctx context.Context, change StateChange) {
	payload := mustMarshal(&publishedChange{Backend: change.Backend, From: change.From, To: change.To})
	if err := p.redisClient.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		p.sugaredLogger.Errorf("Failed to publish state-change event for backend %s: %v", change.Backend.ID, err)
	}
}

func (p *RedisProvider) getBackendTx(ctx context.Context, tx *redis.Tx, id string) (*entity.Backend, error) {
	payload, err := tx.Get(ctx, backendKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, types.ErrBackendNotFound
	}
	if err != nil {
		return nil, err
	}

	var b entity.Backend
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return nil, err
	}

	return &b, nil
}

// mutateWorker applies fn to the worker record under a WATCH-guarded transaction.
func (p *RedisProvider) mutateWorker(ctx context.Context, id string, fn func(*entity.Worker) error) error {
	workerKey := workerKeyPrefix + id

	for attempt := 0; attempt < casAttempts; attempt++ {
		err := p.redisClient.Watch(ctx, func(tx *redis.Tx) error {
			payload, err := tx.Get(ctx, workerKey).Result()
			if err == redis.Nil {
				return types.ErrWorkerNotFound
			}
			if err != nil {
				return err
			}

			var w entity.Worker
			if err := json.Unmarshal([]byte(payload), &w); err != nil {
				return err
			}

			if err := fn(&w); err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, workerKey, mustMarshal(&w), 0)
				return nil
			})
			return err
		}, workerKey)

		if err == redis.TxFailedErr {
			continue
		}
		return err
	}

	return types.ErrRetriesExhausted
}

// mutateLease applies fn to the lease record under a WATCH-guarded transaction.
func (p *RedisProvider) mutateLease(ctx context.Context, backendID string, fn func(*entity.Lease) error) error {
	leaseKey := leaseKeyPrefix + backendID

	for attempt := 0; attempt < casAttempts; attempt++ {
		err := p.redisClient.Watch(ctx, func(tx *redis.Tx) error {
			payload, err := tx.Get(ctx, leaseKey).Result()
			if err == redis.Nil {
				return types.ErrLeaseNotFound
			}
			if err != nil {
				return err
			}

			var l entity.Lease
			if err := json.Unmarshal([]byte(payload), &l); err != nil {
				return err
			}

			if err := fn(&l); err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, leaseKey, mustMarshal(&l), 0)
				return nil
			})
			return err
		}, leaseKey)

		if err == redis.TxFailedErr {
			continue
		}
		return err
	}

	return types.ErrRetriesExhausted
}

func mustMarshal(v interface{}) string {
	m, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	return string(m)
}
