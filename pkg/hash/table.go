// Package hash implements an in-memory extendible hash table. The buffer
// pool uses it as its pagenum -> frame directory, so the whole structure is
// guarded by one mutex; critical sections are short and fine-grained bucket
// latching would buy nothing here.
package hash

import (
	"errors"
	"sync"

	"trilodb/pkg/assert"
)

// MaxGlobalDepth bounds directory growth. A well-distributed hasher never
// gets close; hitting the cap means keys collide on every low bit and the
// insert fails instead of doubling the directory without bound.
const MaxGlobalDepth int64 = 32

// Error for when an insert would have to grow the directory past MaxGlobalDepth.
var ErrDirectoryOverflow = errors.New("extendible hash directory exceeded max depth")

// Table is an extendible hash table mapping K to V. The directory has
// 2^globalDepth slots; slots whose indices agree on the low localDepth bits
// of a bucket all reference that same bucket.
type Table[K comparable, V any] struct {
	globalDepth int64
	bucketSize  int64
	dir         []*bucket[K, V]
	numBuckets  int64
	hasher      func(K) uint64
	mtx         sync.Mutex
}

type pair[K comparable, V any] struct {
	key   K
	value V
}

type bucket[K comparable, V any] struct {
	localDepth int64
	items      []pair[K, V]
}

// NewTable constructs an extendible hash table with the given bucket capacity
// and hash function. The directory starts with a single bucket at depth 0.
func NewTable[K comparable, V any](bucketSize int64, hasher func(K) uint64) *Table[K, V] {
	assert.Assert(bucketSize > 0, "bucket size must be positive")
	t := &Table[K, V]{
		globalDepth: 0,
		bucketSize:  bucketSize,
		dir:         []*bucket[K, V]{{localDepth: 0}},
		numBuckets:  1,
		hasher:      hasher,
	}
	return t
}

// NewInt64Table constructs a table keyed by int64 using the default xxHash
// hasher.
func NewInt64Table[V any](bucketSize int64) *Table[int64, V] {
	return NewTable[int64, V](bucketSize, XxHasher)
}

// indexOf masks the key's hash down to the current directory size.
func (t *Table[K, V]) indexOf(key K) uint64 {
	return t.hasher(key) & ((1 << t.globalDepth) - 1)
}

// GetGlobalDepth returns the table's global depth.
func (t *Table[K, V]) GetGlobalDepth() int64 {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.globalDepth
}

// GetLocalDepth returns the local depth of the bucket referenced by the given
// directory index.
func (t *Table[K, V]) GetLocalDepth(dirIndex int64) int64 {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	assert.Assert(dirIndex >= 0 && dirIndex < int64(len(t.dir)),
		"directory index %d out of range [0, %d)", dirIndex, len(t.dir))
	return t.dir[dirIndex].localDepth
}

// GetNumBuckets returns the number of distinct buckets in the table.
func (t *Table[K, V]) GetNumBuckets() int64 {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.numBuckets
}

// Find returns the value associated with the given key, if present.
func (t *Table[K, V]) Find(key K) (value V, found bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.dir[t.indexOf(key)].find(key)
}

// Remove deletes the key's pair from its bucket, reporting whether a pair was
// removed. Buckets are never merged.
func (t *Table[K, V]) Remove(key K) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.dir[t.indexOf(key)].remove(key)
}

// Insert places the key-value pair into the table, overwriting the value if
// the key already exists. Full buckets are split, doubling the directory when
// the target's local depth has caught up with the global depth. A single
// split may not free any room (all resident keys can collide on the split
// bit), so the whole placement is retried until it lands. Returns
// ErrDirectoryOverflow if a split would need a global depth past
// MaxGlobalDepth.
func (t *Table[K, V]) Insert(key K, value V) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	for {
		target := t.dir[t.indexOf(key)]
		if target.insert(key, value, t.bucketSize) {
			return nil
		}

		// Bucket is full; split it.
		if target.localDepth == t.globalDepth {
			if t.globalDepth == MaxGlobalDepth {
				return ErrDirectoryOverflow
			}
			t.extendDirectory()
		}
		t.splitBucket(target)
	}
}

// extendDirectory doubles the directory, copying each existing reference into
// the appended half so the low-bit aliasing invariant still holds.
func (t *Table[K, V]) extendDirectory() {
	t.globalDepth++
	t.dir = append(t.dir, t.dir...)
}

// splitBucket bumps the target's local depth, allocates a sibling bucket at
// the same depth, redistributes the target's pairs between the two on the new
// depth bit, and repoints every directory slot that has that bit set.
func (t *Table[K, V]) splitBucket(target *bucket[K, V]) {
	target.localDepth++
	splitBit := uint64(1) << (target.localDepth - 1)
	sibling := &bucket[K, V]{localDepth: target.localDepth}
	t.numBuckets++

	kept := target.items[:0]
	for _, item := range target.items {
		if t.hasher(item.key)&splitBit == 0 {
			kept = append(kept, item)
		} else {
			sibling.items = append(sibling.items, item)
		}
	}
	target.items = kept

	for i := range t.dir {
		if t.dir[i] == target && uint64(i)&splitBit != 0 {
			t.dir[i] = sibling
		}
	}
}

// find scans the bucket for the key.
func (b *bucket[K, V]) find(key K) (value V, found bool) {
	for _, item := range b.items {
		if item.key == key {
			return item.value, true
		}
	}
	return value, false
}

// insert updates the key in place if present, otherwise appends the pair if
// there is room. Returns false when the bucket is full.
func (b *bucket[K, V]) insert(key K, value V, capacity int64) bool {
	for i := range b.items {
		if b.items[i].key == key {
			b.items[i].value = value
			return true
		}
	}
	if int64(len(b.items)) >= capacity {
		return false
	}
	b.items = append(b.items, pair[K, V]{key: key, value: value})
	return true
}

// remove erases the key's pair, reporting whether it was present.
func (b *bucket[K, V]) remove(key K) bool {
	for i := range b.items {
		if b.items[i].key == key {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return true
		}
	}
	return false
}
