// Package routing accepts inbound connections keyed by session, resolves each
// key to a live backend address (waiting while the backend loads), proxies
// bytes bidirectionally, and drains or reroutes when backends terminate.
package routing

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/distributed-sessions/common/entity"
	"github.com/scusemua/distributed-sessions/common/queue"
	"github.com/scusemua/distributed-sessions/common/storage"
	"github.com/scusemua/distributed-sessions/common/types"
	"github.com/scusemua/distributed-sessions/common/utils"
	"github.com/scusemua/distributed-sessions/common/utils/hashmap"
	"github.com/scusemua/distributed-sessions/gateway/internal/metrics"
	"github.com/scusemua/distributed-sessions/gateway/internal/scheduler"
)

const defaultDialTimeout = 5 * time.Second

// waitResult is delivered to a waiting connection when its backend resolves.
type waitResult struct {
	backend *entity.Backend
	err     error
}

// waiter is one connection parked until its backend becomes ready.
type waiter struct {
	resultChan chan waitResult
	enqueuedAt time.Time
}

// Router resolves session keys to live backends and bridges client
// connections to them.
//
// All router state (the resolution cache, pending-wait sets, open-connection
// tracking) is advisory and process-local; the state store remains the sole
// authority, and the router reconciles against it via its subscription and a
// polling fallback.
type Router struct {
	store     storage.Provider
	scheduler *scheduler.Scheduler

	// cache holds recent key resolutions. Invalidated on any observed state
	// change for the key's backend.
	cache *hashmap.ConcurrentMap[string, *entity.Backend]

	mu sync.Mutex
	// waiters holds, per backend id, the FIFO of connections awaiting readiness.
	waiters map[string]*queue.Fifo[*waiter]
	// conns tracks open proxied connections per backend id, for drain handling.
	conns map[string]map[net.Conn]struct{}
	// drainTimers holds the grace-deadline timer per draining backend.
	drainTimers map[string]*time.Timer

	waitTimeout  time.Duration
	drainGrace   time.Duration
	pollInterval time.Duration
	dialTimeout  time.Duration

	metrics *metrics.Manager

	stopChan chan struct{}
	stopOnce sync.Once

	// onRelease, when set, observes each waiter release in release order.
	onRelease func(w *waiter)

	log logger.Logger
}

// NewRouter creates a new Router struct and returns a pointer to it.
func NewRouter(store storage.Provider, sched *scheduler.Scheduler, waitTimeout time.Duration,
	drainGrace time.Duration, pollInterval time.Duration, metricsManager *metrics.Manager) *Router {

	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	router := &Router{
		store:        store,
		scheduler:    sched,
		cache:        hashmap.NewConcurrentMap[*entity.Backend](32),
		waiters:      make(map[string]*queue.Fifo[*waiter]),
		conns:        make(map[string]map[net.Conn]struct{}),
		drainTimers:  make(map[string]*time.Timer),
		waitTimeout:  waitTimeout,
		drainGrace:   drainGrace,
		pollInterval: pollInterval,
		dialTimeout:  defaultDialTimeout,
		metrics:      metricsManager,
		stopChan:     make(chan struct{}),
	}
	config.InitLogger(&router.log, router)

	return router
}

// Start launches the state-change subscription loop and the polling fallback.
func (r *Router) Start(ctx context.Context) {
	changes, cancel := r.store.Subscribe(ctx)

	go func() {
		defer cancel()

		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case change, ok := <-changes:
				if !ok {
					return
				}
				r.handleChange(ctx, change)
			case <-ticker.C:
				// Subscription deliveries are best-effort; reconcile parked
				// waiters and cached resolutions against the store directly.
				r.pollWaiters(ctx)
				r.refreshCache(ctx)
			}
		}
	}()
}

// Stop terminates the router's background loop.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}

// Route resolves the key to a live backend and opens a proxied connection to
// it, waiting (bounded) if the backend is still loading.
func (r *Router) Route(ctx context.Context, key string) (net.Conn, error) {
	b, err := r.routeBackend(ctx, key)
	if err != nil {
		return nil, err
	}

	return r.dial(b)
}

// routeBackend resolves the key to a Ready backend, scheduling and/or waiting
// as needed.
func (r *Router) routeBackend(ctx context.Context, key string) (*entity.Backend, error) {
	b, err := r.resolve(ctx, key)
	if err != nil {
		return nil, err
	}

	switch {
	case b.State == entity.StateReady:
		return b, nil
	case b.State == entity.StateScheduled || b.State == entity.StateLoading:
		return r.await(ctx, b)
	case b.State == entity.StateDraining:
		return nil, types.ErrBackendNotViable
	default:
		// Terminal snapshot; drop it and report not-viable, the client retries.
		r.cache.Delete(key)
		return nil, types.ErrBackendNotViable
	}
}

// resolve returns the backend for the key, consulting the advisory cache
// first and falling back to the store and then the scheduler.
func (r *Router) resolve(ctx context.Context, key string) (*entity.Backend, error) {
	if cached, ok := r.cache.Load(key); ok && cached.State == entity.StateReady {
		return cached, nil
	}

	b, err := r.store.GetBackendByKey(ctx, key)
	if err == types.ErrBackendNotFound {
		handle, err := r.scheduler.Acquire(ctx, key)
		if err != nil {
			return nil, err
		}
		b = handle.Backend
	} else if err != nil {
		return nil, err
	}

	r.cache.Store(key, b)
	return b, nil
}

// await parks the caller in the backend's FIFO pending-wait set until the
// backend becomes ready, fails, or the wait budget elapses.
func (r *Router) await(ctx context.Context, b *entity.Backend) (*entity.Backend, error) {
	w := &waiter{
		resultChan: make(chan waitResult, 1),
		enqueuedAt: time.Now(),
	}

	r.mu.Lock()
	fifo, ok := r.waiters[b.ID]
	if !ok {
		fifo = queue.NewFifo[*waiter](4)
		r.waiters[b.ID] = fifo
	}
	fifo.Enqueue(w)
	r.mu.Unlock()

	// The backend may have transitioned between our read and the enqueue;
	// reconcile once so that a missed notification cannot strand us.
	if current, err := r.store.GetBackend(ctx, b.ID); err == nil && current.State != entity.StateScheduled && current.State != entity.StateLoading {
		r.resolveWaiters(current)
	}

	timer := time.NewTimer(r.waitTimeout)
	defer timer.Stop()

	select {
	case result := <-w.resultChan:
		r.observeWait(w, resultOutcome(result))
		if result.err != nil {
			return nil, result.err
		}
		return result.backend, nil

	case <-timer.C:
		r.removeWaiter(b.ID, w)
		r.observeWait(w, "timeout")
		r.log.Warn("Connection waiting on backend %s exceeded the %v wait budget.", b.ID, r.waitTimeout)
		return nil, types.ErrRouteTimeout

	case <-ctx.Done():
		// Client went away; stop holding resources for it.
		r.removeWaiter(b.ID, w)
		r.observeWait(w, "cancelled")
		return nil, ctx.Err()
	}
}

func resultOutcome(result waitResult) string {
	if result.err != nil {
		return "failed"
	}
	return "success"
}

func (r *Router) observeWait(w *waiter, outcome string) {
	if r.metrics == nil {
		return
	}
	r.metrics.RouteWaitLatencyHistogram.WithLabelValues(outcome).Observe(time.Since(w.enqueuedAt).Seconds())
}

// removeWaiter drops a single waiter (timed out or cancelled) from the
// backend's FIFO without disturbing the order of the others.
func (r *Router) removeWaiter(backendID string, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fifo, ok := r.waiters[backendID]; ok {
		fifo.Remove(func(candidate *waiter) bool { return candidate == w })
		if fifo.Len() == 0 {
			delete(r.waiters, backendID)
		}
	}
}

// handleChange reacts to one committed state transition.
func (r *Router) handleChange(ctx context.Context, change storage.StateChange) {
	b := change.Backend

	// Any observed change invalidates the key's cached resolution.
	r.cache.Delete(b.Key)

	switch change.To {
	case entity.StateReady:
		r.cache.Store(b.Key, b)
		r.resolveWaiters(b)

	case entity.StateDraining:
		r.log.Info("Backend %s is draining; no longer routing new connections to it.", b.ID)
		r.resolveWaiters(b)
		r.beginDrain(ctx, b)

	case entity.StateFailed, entity.StateLost, entity.StateTerminated:
		r.resolveWaiters(b)
		r.cancelDrainTimer(b.ID)
		r.closeConns(b.ID)
	}
}

// resolveWaiters releases the backend's pending-wait set in arrival order:
// with a working result if the backend is Ready, or an immediate failure if it
// moved to a state that can never serve them.
func (r *Router) resolveWaiters(b *entity.Backend) {
	if b.State == entity.StateScheduled || b.State == entity.StateLoading {
		return
	}

	r.mu.Lock()
	fifo, ok := r.waiters[b.ID]
	if ok {
		delete(r.waiters, b.ID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	var result waitResult
	if b.State == entity.StateReady {
		result = waitResult{backend: b}
	} else {
		result = waitResult{err: types.ErrBackendNotViable}
	}

	released := 0
	for {
		w, ok := fifo.Dequeue()
		if !ok {
			break
		}

		w.resultChan <- result
		if r.onRelease != nil {
			r.onRelease(w)
		}
		released++
	}

	if released > 0 {
		r.log.Debug("Released %d waiting connection(s) for backend %s (%s).", released, b.ID, b.State)
	}
}

// pollWaiters is the fallback path for missed notifications: every backend
// with parked waiters is re-read from the store and resolved if it moved.
func (r *Router) pollWaiters(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.waiters))
	for id := range r.waiters {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		b, err := r.store.GetBackend(ctx, id)
		if err != nil {
			continue
		}

		r.resolveWaiters(b)
	}
}

// refreshCache re-validates every cached resolution against the store, so a
// missed notification cannot pin new connections to a stale entry for longer
// than one poll interval. Entries that no longer resolve to a Ready backend
// are dropped.
func (r *Router) refreshCache(ctx context.Context) {
	r.cache.Range(func(key string, cached *entity.Backend) bool {
		b, err := r.store.GetBackend(ctx, cached.ID)
		if err != nil || b.State != entity.StateReady {
			r.cache.Delete(key)
			return true
		}

		r.cache.Store(key, b)
		return true
	})
}

// beginDrain lets the backend's established connections run until they close
// naturally or the grace deadline elapses, after which they are forcibly
// closed and the backend's termination is requested.
func (r *Router) beginDrain(ctx context.Context, b *entity.Backend) {
	r.mu.Lock()
	open := len(r.conns[b.ID])

	if open == 0 {
		r.mu.Unlock()
		return
	}

	if _, exists := r.drainTimers[b.ID]; exists {
		r.mu.Unlock()
		return
	}

	r.drainTimers[b.ID] = time.AfterFunc(r.drainGrace, func() {
		r.log.Warn(utils.OrangeStyle.Render("Drain grace of %v elapsed for backend %s; forcibly closing connections."),
			r.drainGrace, b.ID)

		r.closeConns(b.ID)
		r.requestTermination(ctx, b.ID, "drain grace deadline elapsed")
	})
	r.mu.Unlock()

	r.log.Info("Backend %s draining with %d open connection(s); grace deadline %v.", b.ID, open, r.drainGrace)
}

func (r *Router) cancelDrainTimer(backendID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.drainTimers[backendID]; ok {
		timer.Stop()
		delete(r.drainTimers, backendID)
	}
}

// requestTermination finalizes a drained backend through the state machine. An
// inapplicable transition means the worker already reported termination.
func (r *Router) requestTermination(ctx context.Context, backendID string, cause string) {
	_, err := storage.ApplyEvent(ctx, r.store, backendID, entity.EventWorkerReportedTerminated,
		&storage.TransitionOpts{Cause: cause}, 5, 25*time.Millisecond)
	if err != nil && err != types.ErrInvalidTransition && err != types.ErrBackendNotFound {
		r.log.Error("Failed to finalize drained backend %s: %v", backendID, err)
	}
}
