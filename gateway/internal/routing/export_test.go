package routing

import "time"

// ObserveReleases registers a callback invoked synchronously as each parked
// waiter is released, in release order, with the waiter's enqueue time.
// Register before any connections are routed.
func (r *Router) ObserveReleases(cb func(enqueuedAt time.Time)) {
	r.onRelease = func(w *waiter) { cb(w.enqueuedAt) }
}

// ParkedWaiters reports how many connections are parked for the backend.
func (r *Router) ParkedWaiters(backendID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fifo, ok := r.waiters[backendID]; ok {
		return fifo.Len()
	}

	return 0
}
