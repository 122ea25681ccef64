package buffer

import (
	"math/bits"
	"sync/atomic"

	"github.com/c360/semwire/errors"
)

type slot[T any] struct {
	sequence atomic.Uint64
	item     T
}

// Ring is a bounded multi-producer multi-consumer queue. Each slot carries a sequence
// number that tells producers and consumers whether it is free or filled for the
// current lap, so neither side takes a lock.
type Ring[T any] struct {
	_     [64]byte
	head  atomic.Uint64
	_     [56]byte
	tail  atomic.Uint64
	_     [56]byte
	mask  uint64
	slots []slot[T]
	stats *Statistics
	opts  *ringOptions[T]
}

// NewRing creates a ring holding at least capacity items, rounded up to a power of two.
func NewRing[T any](capacity int, options ...Option[T]) (*Ring[T], error) {
	if capacity < 2 {
		capacity = 2
	}
	size := uint64(1) << bits.Len64(uint64(capacity-1))
	opts := applyOptions(options...)

	r := &Ring[T]{
		mask:  size - 1,
		slots: make([]slot[T], size),
		stats: NewStatistics(),
		opts:  opts,
	}
	for i := range r.slots {
		r.slots[i].sequence.Store(uint64(i))
	}

	if opts.metricsReg != nil {
		if err := registerRingMetrics(opts.metricsReg, opts.metricsPrefix, r.stats, r.Size); err != nil {
			return nil, errors.WrapTransient(err, "buffer", "NewRing", "metrics registration")
		}
	}
	return r, nil
}

// Offer adds item, returning false and invoking the drop callback when full.
func (r *Ring[T]) Offer(item T) bool {
	pos := r.head.Load()
	for {
		s := &r.slots[pos&r.mask]
		seq := s.sequence.Load()
		switch dif := int64(seq) - int64(pos); {
		case dif == 0:
			if r.head.CompareAndSwap(pos, pos+1) {
				s.item = item
				s.sequence.Store(pos + 1)
				r.stats.Write()
				return true
			}
			pos = r.head.Load()
		case dif < 0:
			r.stats.Drop()
			if r.opts.dropCallback != nil {
				r.opts.dropCallback(item)
			}
			return false
		default:
			pos = r.head.Load()
		}
	}
}

// Poll removes the oldest item.
func (r *Ring[T]) Poll() (T, bool) {
	var zero T
	pos := r.tail.Load()
	for {
		s := &r.slots[pos&r.mask]
		seq := s.sequence.Load()
		switch dif := int64(seq) - int64(pos+1); {
		case dif == 0:
			if r.tail.CompareAndSwap(pos, pos+1) {
				item := s.item
				s.item = zero
				s.sequence.Store(pos + r.mask + 1)
				r.stats.Read()
				return item, true
			}
			pos = r.tail.Load()
		case dif < 0:
			return zero, false
		default:
			pos = r.tail.Load()
		}
	}
}

// Drain removes up to limit items in order and passes each to fn.
func (r *Ring[T]) Drain(fn func(T), limit int) int {
	r.stats.ObserveSize(int64(r.Size()))
	n := 0
	for n < limit {
		item, ok := r.Poll()
		if !ok {
			break
		}
		fn(item)
		n++
	}
	return n
}

// Size returns an estimate of the number of queued items.
func (r *Ring[T]) Size() int {
	head := r.head.Load()
	tail := r.tail.Load()
	if head < tail {
		return 0
	}
	return int(head - tail)
}

// Capacity returns the number of slots.
func (r *Ring[T]) Capacity() int { return len(r.slots) }

// Stats returns ring statistics.
func (r *Ring[T]) Stats() *Statistics { return r.stats }
