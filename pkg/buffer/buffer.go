// Package buffer provides the bounded lock-free rings the driver uses to hand work
// between goroutines: datagrams from socket readers to the receiver duty cycle and
// commands from client calls to the conductor.
//
// A Ring never blocks. Offer fails when the ring is full and the item is dropped
// (reported through the drop callback and statistics); Poll and Drain return
// immediately when the ring is empty. Statistics are always collected; Prometheus
// export is optional via WithMetrics.
package buffer

// Queue is the interface the duty-cycle agents consume.
type Queue[T any] interface {
	// Offer adds an item and reports whether it was accepted.
	Offer(item T) bool

	// Poll removes one item. It returns false when the ring is empty.
	Poll() (T, bool)

	// Drain removes up to limit items, passing each to fn, and returns the count.
	Drain(fn func(T), limit int) int

	// Size returns an estimate of the number of queued items.
	Size() int

	// Capacity returns the maximum number of items the ring can hold.
	Capacity() int

	// Stats returns ring statistics.
	Stats() *Statistics
}

// DropCallback is called with each item rejected because the ring was full.
type DropCallback[T any] func(item T)
