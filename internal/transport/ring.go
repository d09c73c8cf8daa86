// Package transport carries envelopes from the correlator to their consumer.
//
// Ring is a fixed-capacity single-producer/single-consumer queue. The
// producer never blocks: when the consumer falls behind, new items are
// dropped and counted. The path is lossy by construction; there is no
// acknowledgement or replay.
package transport

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrInvalidCapacity is returned for capacities that are not a power of two.
var ErrInvalidCapacity = errors.New("ring capacity must be a positive power of two")

// Ring is a lock-free SPSC ring channel.
// Push/TryPush must be called from one goroutine, TryPop/Pop from one other.
type Ring[T any] struct {
	slots []T
	mask  uint64

	head atomic.Uint64 // next slot to read, owned by the consumer
	tail atomic.Uint64 // next slot to write, owned by the producer

	dropped atomic.Uint64
	notify  chan struct{}
}

// NewRing creates a ring with the given capacity.
func NewRing[T any](capacity int) (*Ring[T], error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, ErrInvalidCapacity
	}
	return &Ring[T]{
		slots: make([]T, capacity),
		mask:  uint64(capacity - 1),
		// one pending wakeup is enough, the consumer drains everything
		notify: make(chan struct{}, 1),
	}, nil
}

// TryPush appends v. It reports false, and counts a drop, when the ring is full.
func (r *Ring[T]) TryPush(v T) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() > r.mask {
		r.dropped.Add(1)
		return false
	}
	r.slots[tail&r.mask] = v
	r.tail.Store(tail + 1)

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return true
}

// TryPop removes the oldest item without blocking.
func (r *Ring[T]) TryPop() (T, bool) {
	var zero T
	head := r.head.Load()
	if head == r.tail.Load() {
		return zero, false
	}
	idx := head & r.mask
	v := r.slots[idx]
	r.slots[idx] = zero
	r.head.Store(head + 1)
	return v, true
}

// Pop blocks until an item is available or ctx is done.
func (r *Ring[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok := r.TryPop(); ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-r.notify:
		}
	}
}

// Len returns the number of queued items.
func (r *Ring[T]) Len() int {
	//nolint:gosec // bounded by capacity
	return int(r.tail.Load() - r.head.Load())
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.slots)
}

// Dropped returns how many items TryPush rejected.
func (r *Ring[T]) Dropped() uint64 {
	return r.dropped.Load()
}
