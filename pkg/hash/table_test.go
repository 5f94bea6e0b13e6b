package hash_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"trilodb/pkg/hash"
)

// identityHasher makes bucket placement transparent in tests.
func identityHasher(key int64) uint64 {
	return uint64(key)
}

func TestFindOnEmptyTable(t *testing.T) {
	table := hash.NewInt64Table[int64](2)
	_, found := table.Find(42)
	require.False(t, found)
	require.Equal(t, int64(0), table.GetGlobalDepth())
	require.Equal(t, int64(1), table.GetNumBuckets())
}

func TestInsertThenFind(t *testing.T) {
	table := hash.NewInt64Table[int64](4)
	for key := int64(0); key < 100; key++ {
		require.NoError(t, table.Insert(key, key*10))
	}
	for key := int64(0); key < 100; key++ {
		value, found := table.Find(key)
		require.True(t, found, "key %d missing", key)
		require.Equal(t, key*10, value)
	}
}

func TestInsertUpdatesDuplicateKey(t *testing.T) {
	table := hash.NewInt64Table[int64](2)
	require.NoError(t, table.Insert(7, 1))
	require.NoError(t, table.Insert(7, 2))

	value, found := table.Find(7)
	require.True(t, found)
	require.Equal(t, int64(2), value)
	require.Equal(t, int64(1), table.GetNumBuckets())
}

func TestRemove(t *testing.T) {
	table := hash.NewInt64Table[int64](2)
	require.NoError(t, table.Insert(1, 10))

	require.True(t, table.Remove(1))
	_, found := table.Find(1)
	require.False(t, found)

	// Removing an absent key reports false.
	require.False(t, table.Remove(1))
	require.False(t, table.Remove(99))
}

// Keys 0, 4, 8, 12 share their low bits under the identity hash, so bucket 0
// keeps splitting until depth 3 distinguishes them.
func TestCollidingLowBitsGrowDirectory(t *testing.T) {
	table := hash.NewTable[int64, int64](2, identityHasher)
	for _, key := range []int64{0, 4, 8, 12} {
		require.NoError(t, table.Insert(key, key))
	}

	require.Equal(t, int64(3), table.GetGlobalDepth())
	for _, key := range []int64{0, 4, 8, 12} {
		value, found := table.Find(key)
		require.True(t, found, "key %d missing after splits", key)
		require.Equal(t, key, value)
	}
}

// Two directory slots agree on the low localDepth bits of a bucket iff they
// reference that bucket, so a slot's local depth must match its canonical
// slot's.
func TestDirectoryAliasingInvariant(t *testing.T) {
	table := hash.NewTable[int64, int64](2, identityHasher)
	for key := int64(0); key < 64; key++ {
		require.NoError(t, table.Insert(key, key))
	}

	globalDepth := table.GetGlobalDepth()
	dirSize := int64(1) << globalDepth
	for i := int64(0); i < dirSize; i++ {
		localDepth := table.GetLocalDepth(i)
		require.LessOrEqual(t, localDepth, globalDepth)
		canonical := i & ((1 << localDepth) - 1)
		require.Equal(t, table.GetLocalDepth(canonical), localDepth,
			"slot %d disagrees with canonical slot %d", i, canonical)
	}
}

func TestMixedWorkload(t *testing.T) {
	table := hash.NewInt64Table[int64](4)
	for key := int64(0); key < 500; key++ {
		require.NoError(t, table.Insert(key, key))
	}
	for key := int64(0); key < 500; key += 2 {
		require.True(t, table.Remove(key))
	}
	for key := int64(0); key < 500; key++ {
		_, found := table.Find(key)
		require.Equal(t, key%2 == 1, found, "key %d residency wrong", key)
	}
}

func TestHashersDiffer(t *testing.T) {
	// Sanity-check that both hashers produce well-spread, deterministic
	// values; they back the two table constructors.
	require.Equal(t, hash.XxHasher(1), hash.XxHasher(1))
	require.Equal(t, hash.MurmurHasher(1), hash.MurmurHasher(1))
	require.NotEqual(t, hash.XxHasher(1), hash.XxHasher(2))
	require.NotEqual(t, hash.MurmurHasher(1), hash.MurmurHasher(2))
}
