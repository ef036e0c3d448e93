// Package buffer implements the engine's owned-or-borrowed contiguous byte
// region (spec §3 "Byte buffer", §4.1). It is the unit of zero-copy transfer
// between a caller, an OriginalMessage, and the worker's reuse queue.
package buffer

import "github.com/pkg/errors"

// ErrUnowned is returned by Reserve/Resize when the buffer does not own its
// backing array: writes past a borrowed buffer's capacity must fail loudly
// rather than silently reallocate someone else's memory (spec §4.1).
var ErrUnowned = errors.New("buffer: cannot grow an unowned (borrowed) buffer")

// Buffer is a contiguous byte region with a used-length (size) distinct from
// its allocated length (capacity), and an ownership flag. Invariant:
// size <= capacity always (spec §3).
type Buffer struct {
	data  []byte
	size  int
	owned bool
}

// WithCapacity allocates a new owned buffer with the given capacity and
// zero size.
func WithCapacity(n int) *Buffer {
	return &Buffer{data: make([]byte, n), size: 0, owned: true}
}

// Borrow wraps an externally-owned slice without copying. The resulting
// buffer is unowned: Reserve/Resize beyond cap(b) fail with ErrUnowned.
func Borrow(b []byte) *Buffer {
	return &Buffer{data: b, size: len(b), owned: false}
}

// Reserve grows capacity to at least n, preserving existing bytes. It fails
// on an unowned buffer whose capacity is already insufficient (spec §4.1:
// "reserve on an unowned buffer fails loudly").
func (b *Buffer) Reserve(n int) error {
	if n <= cap(b.data) {
		if n > len(b.data) {
			b.data = b.data[:n]
			b.data = b.data[:cap(b.data)]
		}
		return nil
	}
	if !b.owned {
		return ErrUnowned
	}
	grown := make([]byte, n)
	copy(grown, b.data[:b.size])
	b.data = grown
	return nil
}

// Resize sets the used length to n, implicitly reserving n bytes of
// capacity first (spec §4.1: "resize(n) implies reserve(n)").
func (b *Buffer) Resize(n int) error {
	if err := b.Reserve(n); err != nil {
		return err
	}
	b.size = n
	return nil
}

// Clear resets the used length to zero without releasing capacity.
func (b *Buffer) Clear() { b.size = 0 }

// Data returns the used portion of the buffer for read/write access.
func (b *Buffer) Data() []byte { return b.data[:b.size] }

// ConstData returns the used portion of the buffer for read-only access.
func (b *Buffer) ConstData() []byte { return b.data[:b.size] }

// Size returns the used length.
func (b *Buffer) Size() int { return b.size }

// Capacity returns the allocated length.
func (b *Buffer) Capacity() int { return cap(b.data) }

// Owned reports whether this buffer owns its backing array.
func (b *Buffer) Owned() bool { return b.owned }

// TakeOwned transfers the backing array out of b, leaving b empty and
// unowned. Used when handing a result buffer's ownership to a caller
// (spec §3 ownership summary: "transfer is by moving the owning reference").
func (b *Buffer) TakeOwned() []byte {
	out := b.data[:b.size]
	b.data = nil
	b.size = 0
	b.owned = false
	return out
}

// Grow implements the geometric growth policy for receive buffers (spec
// §4.8, §5 memory budget): grow to at least target, or 1.5x the current
// capacity, whichever is larger.
func (b *Buffer) Grow(target int) error {
	want := target
	if grown := int(float64(cap(b.data)) * 1.5); grown > want {
		want = grown
	}
	return b.Reserve(want)
}
