// Package buffer provides the bounded per-topic message history.
package buffer

import "sync"

// DefaultCapacity is the history length used when a caller passes a
// non-positive capacity.
const DefaultCapacity = 1000

// Ring is a fixed-capacity FIFO over a contiguous slice.
// When full, Push evicts the oldest item. Reads return copies, so callers
// may iterate while another goroutine writes.
type Ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	head     int // next write position
	tail     int // oldest item
	size     int
	capacity int

	writes    uint64
	evictions uint64
}

// Stats are lifetime counters of a Ring.
type Stats struct {
	Writes    uint64 `json:"writes"`
	Evictions uint64 `json:"evictions"`
}

// NewRing returns an empty ring holding at most capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends item and reports whether the oldest item was evicted.
func (r *Ring[T]) Push(item T) (evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == r.capacity {
		var zero T
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % r.capacity
		r.size--
		r.evictions++
		evicted = true
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	r.writes++

	return evicted
}

// Len returns the number of stored items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Snapshot returns the stored items oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.tail+i)%r.capacity]
	}
	return out
}

// Latest returns the most recently pushed item.
func (r *Ring[T]) Latest() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[(r.head-1+r.capacity)%r.capacity], true
}

// Clear drops every stored item. Lifetime counters are kept.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.items)
	r.head, r.tail, r.size = 0, 0, 0
}

// Stats returns lifetime write and eviction counters.
func (r *Ring[T]) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Writes: r.writes, Evictions: r.evictions}
}
