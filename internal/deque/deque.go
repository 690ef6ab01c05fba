// Package deque implements the per-worker work-stealing double-ended queue.
//
// The owning worker pushes and pops at the bottom (LIFO, cache-friendly for
// freshly spawned child work); other workers steal from the top (FIFO, so the
// oldest work migrates first). The protocol is the classic Chase-Lev deque:
// only the owner writes bottom, top advances only through a successful
// compare-and-swap, so an item is handed to exactly one caller.
package deque

import (
	"sync/atomic"
)

// minCapacity is the initial ring size. Must be a power of two.
const minCapacity = 64

// ring is a fixed-size circular buffer of item pointers. Slots are atomic so
// a thief reading a slot concurrently with the owner writing a different slot
// is race-free. A ring is never written again once the owner has grown past
// it, which keeps stale-ring reads by slow thieves correct.
type ring[T any] struct {
	mask  int64
	slots []atomic.Pointer[T]
}

func newRing[T any](capacity int64) *ring[T] {
	return &ring[T]{
		mask:  capacity - 1,
		slots: make([]atomic.Pointer[T], capacity),
	}
}

func (r *ring[T]) load(i int64) *T     { return r.slots[i&r.mask].Load() }
func (r *ring[T]) store(i int64, v *T) { r.slots[i&r.mask].Store(v) }
func (r *ring[T]) capacity() int64     { return r.mask + 1 }

// Deque is an unbounded work-stealing deque of *T.
//
// PushBottom and PopBottom must only be called by the owning worker.
// Steal and Len may be called from any goroutine.
type Deque[T any] struct {
	bottom atomic.Int64
	top    atomic.Int64
	buf    atomic.Pointer[ring[T]]
}

// New creates an empty deque.
func New[T any]() *Deque[T] {
	d := &Deque[T]{}
	d.buf.Store(newRing[T](minCapacity))
	return d
}

// PushBottom appends an item at the owner end. Owner-only.
func (d *Deque[T]) PushBottom(item *T) {
	b := d.bottom.Load()
	t := d.top.Load()
	r := d.buf.Load()

	if b-t >= r.capacity() {
		r = d.grow(r, b, t)
	}
	r.store(b, item)
	d.bottom.Store(b + 1)
}

// PopBottom removes the most recently pushed item. Owner-only.
// Returns false if the deque is empty.
func (d *Deque[T]) PopBottom() (*T, bool) {
	b := d.bottom.Load() - 1
	r := d.buf.Load()
	d.bottom.Store(b)
	t := d.top.Load()

	if t > b {
		// Empty: restore bottom.
		d.bottom.Store(t)
		return nil, false
	}

	item := r.load(b)
	if t == b {
		// Last item: race against thieves for it via top.
		won := d.top.CompareAndSwap(t, t+1)
		d.bottom.Store(t + 1)
		if !won {
			return nil, false
		}
		return item, true
	}
	return item, true
}

// Steal removes the oldest item from the thief end. Safe from any goroutine.
// Returns false if the deque is empty or the steal lost a race; callers are
// expected to retry against another victim.
func (d *Deque[T]) Steal() (*T, bool) {
	t := d.top.Load()
	b := d.bottom.Load()
	if t >= b {
		return nil, false
	}
	r := d.buf.Load()
	item := r.load(t)
	if !d.top.CompareAndSwap(t, t+1) {
		return nil, false
	}
	return item, true
}

// Len reports the approximate number of queued items. It is a snapshot used
// for least-loaded placement, not a synchronization primitive.
func (d *Deque[T]) Len() int {
	n := d.bottom.Load() - d.top.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// grow doubles the ring, copying live entries. Owner-only; the old ring is
// abandoned, never reused, so thieves holding it still read valid slots.
func (d *Deque[T]) grow(old *ring[T], b, t int64) *ring[T] {
	next := newRing[T](old.capacity() * 2)
	for i := t; i < b; i++ {
		next.store(i, old.load(i))
	}
	d.buf.Store(next)
	return next
}
