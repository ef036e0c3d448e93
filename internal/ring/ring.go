// Package ring implements the bounded, lock-free, multi-producer
// multi-consumer FIFO queue that carries submissions and recyclable buffers
// between producers and worker threads (spec §3 "Ring queue", §4.2).
package ring

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ErrFull is returned by TryInsert/TryInsertMany when the queue has no
// free slots.
var ErrFull = errors.New("ring: full")

// ErrEmpty is returned by TryConsume when the queue has no committed,
// unconsumed entries.
var ErrEmpty = errors.New("ring: empty")

// Queue is a fixed-capacity, power-of-two-sized ring buffer of T, safe for
// concurrent use by multiple producers and multiple consumers without
// blocking (spec §4.2). Capacity is fixed at construction.
//
// The algorithm is a two-phase claim: a producer CAS-advances insertPending,
// writes its slot(s), then spins until insertCommitted catches up to its own
// claimed range, and only then advances insertCommitted by the number it
// claimed. Consumers are symmetric over consumePending/consumeCommitted.
// This guarantees FIFO visibility order matching insertion order even under
// producer reordering, at the cost of a short spin when producers commit out
// of order (spec §4.2, §8 Invariants).
type Queue[T any] struct {
	slots []slot[T]
	mask  uint64

	insertPending   atomic.Uint64
	insertCommitted atomic.Uint64
	consumePending  atomic.Uint64
	consumeCommitted atomic.Uint64
}

type slot[T any] struct {
	// written is a guard so TryConsume never reads a slot whose write has
	// not yet completed, matching spec §8: "no element is ever read before
	// its write completes".
	written atomic.Bool
	value   T
}

// New constructs a Queue with the given capacity, which must be a power of
// two and greater than zero.
func New[T any](capacity uint64) (*Queue[T], error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, errors.Errorf("ring: capacity %d is not a power of two", capacity)
	}
	return &Queue[T]{
		slots: make([]slot[T], capacity),
		mask:  capacity - 1,
	}, nil
}

// Capacity returns the fixed capacity of the queue.
func (q *Queue[T]) Capacity() uint64 { return q.mask + 1 }

// TryInsert attempts to insert x, returning the logical slot index it was
// written to, or ErrFull if the queue has no free slots right now.
func (q *Queue[T]) TryInsert(x T) (uint64, error) {
	idx, err := q.claimInsert(1)
	if err != nil {
		return 0, err
	}
	q.write(idx, x)
	q.commitInsert(idx, 1)
	return idx, nil
}

// TryInsertMany attempts to insert every element of xs as a contiguous
// claim, returning the first logical slot index, or ErrFull if there is not
// room for the whole span right now (spec §4.2: try_insert_many returns
// first-slot or Full).
func (q *Queue[T]) TryInsertMany(xs []T) (uint64, error) {
	n := uint64(len(xs))
	if n == 0 {
		return q.insertPending.Load(), nil
	}
	idx, err := q.claimInsert(n)
	if err != nil {
		return 0, err
	}
	for i, x := range xs {
		q.write(idx+uint64(i), x)
	}
	q.commitInsert(idx, n)
	return idx, nil
}

// claimInsert CAS-advances insertPending by n slots, failing if doing so
// would exceed capacity given the last observed consumeCommitted.
func (q *Queue[T]) claimInsert(n uint64) (uint64, error) {
	for {
		pending := q.insertPending.Load()
		consumed := q.consumeCommitted.Load()
		if pending+n-consumed > q.Capacity() {
			return 0, ErrFull
		}
		if q.insertPending.CAS(pending, pending+n) {
			return pending, nil
		}
	}
}

func (q *Queue[T]) write(idx uint64, x T) {
	s := &q.slots[idx&q.mask]
	s.value = x
	s.written.Store(true)
}

// commitInsert spins until insertCommitted reaches idx (i.e. every earlier
// claim has committed), then advances it by n. This is the short spin the
// algorithm accepts when producers retire out of order (spec §4.2).
func (q *Queue[T]) commitInsert(idx, n uint64) {
	for q.insertCommitted.Load() != idx {
		// bounded-wait-free only while uncontended; spin until every
		// earlier claim has committed.
	}
	q.insertCommitted.Store(idx + n)
}

// TryConsume removes and returns the oldest committed, unconsumed entry, or
// ErrEmpty if none is available right now.
func (q *Queue[T]) TryConsume() (T, error) {
	var zero T
	idx, err := q.claimConsume()
	if err != nil {
		return zero, err
	}
	s := &q.slots[idx&q.mask]
	for !s.written.Load() {
		// the producer that claimed this slot is still mid-write; spin.
	}
	v := s.value
	var clear T
	s.value = clear
	s.written.Store(false)
	q.commitConsume(idx)
	return v, nil
}

func (q *Queue[T]) claimConsume() (uint64, error) {
	for {
		pending := q.consumePending.Load()
		inserted := q.insertCommitted.Load()
		if pending >= inserted {
			return 0, ErrEmpty
		}
		if q.consumePending.CAS(pending, pending+1) {
			return pending, nil
		}
	}
}

func (q *Queue[T]) commitConsume(idx uint64) {
	for q.consumeCommitted.Load() != idx {
	}
	q.consumeCommitted.Store(idx + 1)
}

// Empty reports whether the queue currently has no committed, unconsumed
// entries.
func (q *Queue[T]) Empty() bool {
	return q.consumePending.Load() >= q.insertCommitted.Load()
}

// Len returns the approximate number of committed, unconsumed entries. It
// is a snapshot and may be stale immediately under concurrent access.
func (q *Queue[T]) Len() uint64 {
	inserted := q.insertCommitted.Load()
	consumed := q.consumeCommitted.Load()
	if inserted < consumed {
		return 0
	}
	return inserted - consumed
}
