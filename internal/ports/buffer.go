package ports

// Buffer is a bounded FIFO shared between the broker's network goroutines and
// the processing loop.
type Buffer[T any] interface {
	// Push appends an item. It returns false when an item was lost to the
	// overflow policy (either the oldest one or the pushed one).
	Push(item T) bool
	// Drain removes and returns every buffered item in arrival order.
	Drain() []T
	Len() int
	Dropped() uint64
}
