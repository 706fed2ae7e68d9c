package scheduler

import "sync"

// PendingRegistry correlates asynchronous results back to blocked callers.
// Register hands out a waitable channel for an id, Resolve wakes exactly one
// waiter, Cancel abandons a wait without resolving it. All three serialize
// per key, so a result can never resolve a handle twice or race a
// concurrent insert. It knows nothing about brokers or HTTP, which keeps it
// testable on its own.
type PendingRegistry[T any] struct {
	mu      sync.Mutex
	pending map[string]chan T
}

func NewPendingRegistry[T any]() *PendingRegistry[T] {
	return &PendingRegistry[T]{pending: make(map[string]chan T)}
}

// Register creates the completion handle for id. The channel is buffered so
// Resolve never blocks on a waiter that has already given up.
func (r *PendingRegistry[T]) Register(id string) <-chan T {
	ch := make(chan T, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	return ch
}

// Resolve delivers value to the waiter for id and removes the handle.
// Returns false when no handle exists (timed out, or another instance's
// job), in which case the value is simply dropped.
func (r *PendingRegistry[T]) Resolve(id string, value T) bool {
	r.mu.Lock()
	ch, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- value
	return true
}

// Cancel removes the handle for id without resolving it.
func (r *PendingRegistry[T]) Cancel(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Outstanding reports how many handles are currently waiting.
func (r *PendingRegistry[T]) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
