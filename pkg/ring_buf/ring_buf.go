// Package ringbuf is a single-producer single-consumer queue over a fixed
// array. Indexes are free-running counters masked down on access, so empty
// and full are distinguishable without wasting a slot.
package ringbuf

import (
	"sync/atomic"
)

type RingBuf[V any] struct {
	ring []V
	mask uint32

	read, write atomic.Uint32
}

// New rounds sz up to a power of two.
func New[V any](sz int) *RingBuf[V] {
	n := uint32(1)
	for int(n) < sz {
		n <<= 1
	}

	return &RingBuf[V]{
		ring: make([]V, n),
		mask: n - 1,
	}
}

func (r *RingBuf[V]) Cap() int {
	return len(r.ring)
}

// Push appends a value, reporting false when the ring is full. Producer side
// only.
func (r *RingBuf[V]) Push(v V) bool {
	wv := r.write.Load()
	if wv-r.read.Load() == uint32(len(r.ring)) {
		return false
	}

	r.ring[wv&r.mask] = v
	r.write.Store(wv + 1)

	return true
}

// Pop removes the oldest value. Consumer side only.
func (r *RingBuf[V]) Pop() (V, bool) {
	rv := r.read.Load()
	if rv == r.write.Load() {
		var zero V
		return zero, false
	}

	v := r.ring[rv&r.mask]

	var zero V
	r.ring[rv&r.mask] = zero
	r.read.Store(rv + 1)

	return v, true
}

// Front returns the oldest value without consuming it.
func (r *RingBuf[V]) Front() (V, bool) {
	rv := r.read.Load()
	if rv == r.write.Load() {
		var zero V
		return zero, false
	}

	return r.ring[rv&r.mask], true
}

func (r *RingBuf[V]) Len() int {
	return int(r.write.Load() - r.read.Load())
}

func (r *RingBuf[V]) Empty() bool {
	return r.Len() == 0
}

func (r *RingBuf[V]) Full() bool {
	return r.Len() == len(r.ring)
}
