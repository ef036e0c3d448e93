// Package cmap implements the fixed-bucket, per-bucket-locked concurrent
// hash map used for the fd->SocketEntry and fingerprint->MessageResult
// tables (spec §3 "Concurrent map", §4.3).
package cmap

import "sync"

// HashFunc computes a hash for a key; the caller supplies it (spec §4.3:
// "Hash is caller-supplied"), e.g. github.com/OneOfOne/xxhash for integer
// or string fds/fingerprints.
type HashFunc[K comparable] func(K) uint64

// Map is a fixed-bucket-count table; each bucket holds a singly-linked
// chain protected by its own sync.RWMutex (spec §4.3).
type Map[K comparable, V any] struct {
	buckets []bucket[K, V]
	hash    HashFunc[K]
}

type bucket[K comparable, V any] struct {
	mu   sync.RWMutex
	head *node[K, V]
}

type node[K comparable, V any] struct {
	key  K
	val  V
	next *node[K, V]
}

// New constructs a Map with the given fixed bucket count and hash function.
func New[K comparable, V any](bucketCount int, hash HashFunc[K]) *Map[K, V] {
	if bucketCount < 1 {
		bucketCount = 1
	}
	return &Map[K, V]{buckets: make([]bucket[K, V], bucketCount), hash: hash}
}

func (m *Map[K, V]) bucketFor(k K) *bucket[K, V] {
	h := m.hash(k)
	return &m.buckets[h%uint64(len(m.buckets))]
}

// Insert sets key to val unconditionally, replacing any existing entry.
func (m *Map[K, V]) Insert(key K, val V) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	for n := b.head; n != nil; n = n.next {
		if n.key == key {
			n.val = val
			return
		}
	}
	b.head = &node[K, V]{key: key, val: val, next: b.head}
}

// Push inserts key/val only if key is absent, returning false if an entry
// already existed (insert-if-absent, spec §4.3).
func (m *Map[K, V]) Push(key K, val V) bool {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	for n := b.head; n != nil; n = n.next {
		if n.key == key {
			return false
		}
	}
	b.head = &node[K, V]{key: key, val: val, next: b.head}
	return true
}

// Find returns the value for key and whether it was present.
func (m *Map[K, V]) Find(key K) (V, bool) {
	b := m.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for n := b.head; n != nil; n = n.next {
		if n.key == key {
			return n.val, true
		}
	}
	var zero V
	return zero, false
}

// Erase removes key if present, returning whether it was present.
func (m *Map[K, V]) Erase(key K) bool {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	var prev *node[K, V]
	for n := b.head; n != nil; n = n.next {
		if n.key == key {
			if prev == nil {
				b.head = n.next
			} else {
				prev.next = n.next
			}
			return true
		}
		prev = n
	}
	return false
}

// BucketIterator holds a single bucket's read lock for its lifetime and
// walks its chain; it does not advance across buckets (spec §4.3: "the
// iterator does not implement advance across buckets"). Callers wanting a
// full-table walk iterate buckets externally via NumBuckets/Bucket.
type BucketIterator[K comparable, V any] struct {
	b   *bucket[K, V]
	cur *node[K, V]
}

// NumBuckets returns the fixed bucket count.
func (m *Map[K, V]) NumBuckets() int { return len(m.buckets) }

// Bucket returns an iterator over bucket i, holding that bucket's read lock
// until Close is called.
func (m *Map[K, V]) Bucket(i int) *BucketIterator[K, V] {
	b := &m.buckets[i]
	b.mu.RLock()
	return &BucketIterator[K, V]{b: b, cur: b.head}
}

// Next advances the iterator, returning false when the bucket's chain is
// exhausted.
func (it *BucketIterator[K, V]) Next() (K, V, bool) {
	if it.cur == nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	k, v := it.cur.key, it.cur.val
	it.cur = it.cur.next
	return k, v, true
}

// Close releases the bucket's read lock. Must be called exactly once per
// BucketIterator obtained from Bucket.
func (it *BucketIterator[K, V]) Close() { it.b.mu.RUnlock() }
