package queue

// Fifo implements a generic first-in first-out (FIFO) queue.
//
// Fifo is not thread-safe. Callers that share a Fifo across goroutines must
// provide their own synchronization.
type Fifo[V any] struct {
	elements []V
}

// NewFifo creates a new Fifo with the specified initial capacity and returns a pointer to it.
func NewFifo[V any](initialSize int) *Fifo[V] {
	if initialSize < 0 {
		initialSize = 1
	}

	return &Fifo[V]{
		elements: make([]V, 0, initialSize),
	}
}

// Enqueue adds the specified element to the back of the queue.
func (q *Fifo[V]) Enqueue(elem V) {
	q.elements = append(q.elements, elem)
}

// Dequeue removes and returns the next element in the queue.
//
// If the queue is empty, Dequeue returns the zero value and false.
func (q *Fifo[V]) Dequeue() (V, bool) {
	var zero V
	if len(q.elements) == 0 {
		return zero, false
	}

	elem := q.elements[0]
	q.elements[0] = zero
	q.elements = q.elements[1:]

	return elem, true
}

// Peek returns but does not remove the next element in the queue.
//
// If the queue is empty, Peek returns the zero value and false.
func (q *Fifo[V]) Peek() (V, bool) {
	var zero V
	if len(q.elements) == 0 {
		return zero, false
	}

	return q.elements[0], true
}

// Remove deletes the first element for which the predicate returns true,
// preserving the order of the remaining elements. It returns true if an
// element was removed.
func (q *Fifo[V]) Remove(pred func(V) bool) bool {
	for i, elem := range q.elements {
		if pred(elem) {
			q.elements = append(q.elements[:i], q.elements[i+1:]...)
			return true
		}
	}

	return false
}

// Len returns the number of elements in the queue.
func (q *Fifo[V]) Len() int {
	return len(q.elements)
}
