package queue

import (
	"sync"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
)

// Ring is a bounded in-memory FIFO that preserves arrival order and loses
// data only through its overflow policy, counting every loss.
type Ring[T any] struct {
	mu         sync.Mutex
	items      []T
	head       int
	size       int
	dropOldest bool
	dropped    uint64
}

// NewRing returns a ring holding at most capacity items. policy is one of
// ports.OnFullDropOldest (default) or ports.OnFullDropNewest.
func NewRing[T any](capacity int, policy string) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items:      make([]T, capacity),
		dropOldest: policy != ports.OnFullDropNewest,
	}
}

func (r *Ring[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == len(r.items) {
		r.dropped++
		if !r.dropOldest {
			return false
		}
		var zero T
		r.items[r.head] = zero
		r.head = (r.head + 1) % len(r.items)
		r.size--
		r.items[(r.head+r.size)%len(r.items)] = item
		r.size++
		return false
	}

	r.items[(r.head+r.size)%len(r.items)] = item
	r.size++
	return true
}

func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return nil
	}

	var zero T
	out := make([]T, r.size)
	for i := range out {
		idx := (r.head + i) % len(r.items)
		out[i] = r.items[idx]
		r.items[idx] = zero
	}
	r.head = 0
	r.size = 0
	return out
}

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Dropped reports how many items were lost to the overflow policy.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

var _ ports.Buffer[int] = (*Ring[int])(nil)
