package btree_test

import (
	"errors"
	"math/rand"
	"os"
	"testing"

	"golang.org/x/sync/errgroup"

	"trilodb/pkg/btree"
	"trilodb/pkg/buffer"
	"trilodb/pkg/concurrency"
	"trilodb/pkg/disk"
)

// compareInt64 is the key comparator used by every test index.
func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// setupIndex creates a B+Tree over a fresh buffer pool, checking for
// creation errors. The pool is closed (and checked for leaked pins) when the
// test ends.
func setupIndex(t *testing.T, poolSize, leafMax, internalMax int64) *btree.Index {
	tmpfile, err := os.CreateTemp(t.TempDir(), "*.db")
	if err != nil {
		t.Fatal(err)
	}
	_ = tmpfile.Close()

	manager, err := buffer.NewWithPool(tmpfile.Name(), poolSize, 2)
	if err != nil {
		t.Fatal("Failed to create a buffer pool:", err)
	}
	index, err := btree.NewIndex("test_index", manager, compareInt64, leafMax, internalMax)
	if err != nil {
		t.Fatal("Failed to create an index:", err)
	}
	t.Cleanup(func() {
		// Close errors out if any test path leaked a pin.
		if err := manager.Close(); err != nil {
			t.Error("Failed to close buffer pool:", err)
		}
	})
	return index
}

// insertEntry tries to insert (key, 2*key) into the index, failing the test
// on error.
func insertEntry(t *testing.T, index *btree.Index, key int64) {
	t.Helper()
	txn := concurrency.NewTransaction()
	if err := index.Insert(key, 2*key, txn); err != nil {
		t.Fatalf("Failed to insert key %d: %s", key, err)
	}
}

// removeEntry removes the given key, failing the test on error.
func removeEntry(t *testing.T, index *btree.Index, key int64) {
	t.Helper()
	txn := concurrency.NewTransaction()
	if err := index.Remove(key, txn); err != nil {
		t.Fatalf("Failed to remove key %d: %s", key, err)
	}
}

// checkFindEntry verifies that the key is present with value 2*key.
func checkFindEntry(t *testing.T, index *btree.Index, key int64) {
	t.Helper()
	value, err := index.Find(key)
	if err != nil {
		t.Fatalf("Failed to find inserted key %d: %s", key, err)
	}
	if value != 2*key {
		t.Fatalf("Found key %d with value %d, expected %d", key, value, 2*key)
	}
}

// checkIterateAll walks the tree from the start and checks that it yields
// exactly the given ascending keys.
func checkIterateAll(t *testing.T, index *btree.Index, wantKeys []int64) {
	t.Helper()
	it, err := index.Begin()
	if err != nil {
		t.Fatal("Failed to open iterator:", err)
	}
	defer it.Close()

	for i, want := range wantKeys {
		if it.IsEnd() {
			t.Fatalf("Iterator ended after %d entries, expected %d", i, len(wantKeys))
		}
		e, err := it.GetEntry()
		if err != nil {
			t.Fatal("Failed to read iterator entry:", err)
		}
		if e.Key != want || e.Value != 2*want {
			t.Fatalf("Iterator entry %d: got (%d, %d), expected (%d, %d)",
				i, e.Key, e.Value, want, 2*want)
		}
		it.Next()
	}
	if !it.IsEnd() {
		e, _ := it.GetEntry()
		t.Fatalf("Iterator did not end after %d entries; next key %d", len(wantKeys), e.Key)
	}
}

// checkVerify runs the structural invariant checker.
func checkVerify(t *testing.T, index *btree.Index) {
	t.Helper()
	if err := index.Verify(); err != nil {
		t.Fatal("Tree invariant violated:", err)
	}
}

func ascending(lo, hi int64) []int64 {
	keys := make([]int64, 0, hi-lo+1)
	for k := lo; k <= hi; k++ {
		keys = append(keys, k)
	}
	return keys
}

func TestBTree(t *testing.T) {
	t.Run("EmptyTree", testEmptyTree)
	t.Run("InsertTenAscending", testInsertTenAscending)
	t.Run("InsertDescending", testInsertDescending)
	t.Run("InsertRandomPermutation", testInsertRandomPermutation)
	t.Run("DuplicateInsert", testDuplicateInsert)
	t.Run("RemoveAbsentKey", testRemoveAbsentKey)
	t.Run("HeightGrowth", testHeightGrowth)
	t.Run("RemoveAllReverse", testRemoveAllReverse)
	t.Run("RemoveWithRebalancing", testRemoveWithRebalancing)
	t.Run("IteratorAtKey", testIteratorAtKey)
	t.Run("Reopen", testReopen)
	t.Run("ConcurrentDisjointInserts", testConcurrentDisjointInserts)
	t.Run("ConcurrentDisjointRemoves", testConcurrentDisjointRemoves)
	t.Run("IterateDuringInserts", testIterateDuringInserts)
}

func testEmptyTree(t *testing.T) {
	index := setupIndex(t, 8, 4, 4)
	if !index.IsEmpty() {
		t.Error("Fresh tree is not empty")
	}
	if index.RootPageID() != disk.InvalidPageID {
		t.Error("Fresh tree has a root page")
	}
	if _, err := index.Find(1); !errors.Is(err, btree.ErrKeyNotFound) {
		t.Errorf("Find on empty tree returned %v, expected ErrKeyNotFound", err)
	}

	it, err := index.Begin()
	if err != nil {
		t.Fatal("Failed to open iterator on empty tree:", err)
	}
	defer it.Close()
	if !it.IsEnd() {
		t.Error("Iterator over empty tree is not at the end")
	}
}

func testInsertTenAscending(t *testing.T) {
	index := setupIndex(t, 8, 4, 4)
	for key := int64(1); key <= 10; key++ {
		insertEntry(t, index, key)
	}
	checkVerify(t, index)
	for key := int64(1); key <= 10; key++ {
		checkFindEntry(t, index, key)
	}
	if _, err := index.Find(11); !errors.Is(err, btree.ErrKeyNotFound) {
		t.Errorf("Find(11) returned %v, expected ErrKeyNotFound", err)
	}
	checkIterateAll(t, index, ascending(1, 10))
}

func testInsertDescending(t *testing.T) {
	index := setupIndex(t, 8, 4, 4)
	for key := int64(50); key >= 1; key-- {
		insertEntry(t, index, key)
	}
	checkVerify(t, index)
	checkIterateAll(t, index, ascending(1, 50))
}

func testInsertRandomPermutation(t *testing.T) {
	index := setupIndex(t, 16, 4, 4)
	keys := rand.New(rand.NewSource(0xDB)).Perm(500)
	for _, key := range keys {
		insertEntry(t, index, int64(key))
	}
	checkVerify(t, index)
	checkIterateAll(t, index, ascending(0, 499))
}

func testDuplicateInsert(t *testing.T) {
	index := setupIndex(t, 8, 4, 4)
	insertEntry(t, index, 7)

	txn := concurrency.NewTransaction()
	err := index.Insert(7, 99, txn)
	if !errors.Is(err, btree.ErrDuplicateKey) {
		t.Fatalf("Duplicate insert returned %v, expected ErrDuplicateKey", err)
	}
	// The original value survives.
	checkFindEntry(t, index, 7)
}

func testRemoveAbsentKey(t *testing.T) {
	index := setupIndex(t, 8, 4, 4)
	// Removing from an empty tree is a no-op.
	removeEntry(t, index, 1)

	insertEntry(t, index, 1)
	removeEntry(t, index, 2)
	checkFindEntry(t, index, 1)
}

func testHeightGrowth(t *testing.T) {
	index := setupIndex(t, 16, 4, 4)
	for key := int64(1); key <= 3; key++ {
		insertEntry(t, index, key)
	}
	if h := index.Height(); h != 1 {
		t.Fatalf("Height %d after 3 keys, expected a single root leaf", h)
	}

	insertEntry(t, index, 4)
	if h := index.Height(); h != 2 {
		t.Fatalf("Height %d after first leaf split, expected 2", h)
	}

	// leaf_max * internal_max keys force at least one internal split.
	for key := int64(5); key <= 16; key++ {
		insertEntry(t, index, key)
	}
	if h := index.Height(); h < 3 {
		t.Fatalf("Height %d after 16 keys, expected an internal split", h)
	}
	checkVerify(t, index)
	checkIterateAll(t, index, ascending(1, 16))
}

func testRemoveAllReverse(t *testing.T) {
	index := setupIndex(t, 16, 4, 4)
	for key := int64(1); key <= 10; key++ {
		insertEntry(t, index, key)
	}
	for key := int64(10); key >= 1; key-- {
		removeEntry(t, index, key)
		checkVerify(t, index)
		if _, err := index.Find(key); !errors.Is(err, btree.ErrKeyNotFound) {
			t.Fatalf("Key %d still findable after removal", key)
		}
	}

	if !index.IsEmpty() {
		t.Error("Tree not empty after removing every key")
	}
	if index.RootPageID() != disk.InvalidPageID {
		t.Error("Root page id not invalid after emptying the tree")
	}
	// The header record tracks the emptied tree.
	rootPN, found, err := btree.ReadRootRecord(index.GetManager(), index.GetName())
	if err != nil {
		t.Fatal("Failed to read header record:", err)
	}
	if !found || rootPN != disk.InvalidPageID {
		t.Errorf("Header record (%d, %v), expected (%d, true)", rootPN, found, disk.InvalidPageID)
	}

	// The emptied tree accepts inserts again.
	insertEntry(t, index, 42)
	checkFindEntry(t, index, 42)
}

func testRemoveWithRebalancing(t *testing.T) {
	index := setupIndex(t, 32, 4, 4)
	for key := int64(1); key <= 64; key++ {
		insertEntry(t, index, key)
	}
	checkVerify(t, index)

	// Removing every other key forces redistributions and merges across
	// the whole tree; the invariants must hold after every step.
	for key := int64(2); key <= 64; key += 2 {
		removeEntry(t, index, key)
		checkVerify(t, index)
	}
	checkIterateAll(t, index, func() []int64 {
		keys := make([]int64, 0, 32)
		for k := int64(1); k <= 63; k += 2 {
			keys = append(keys, k)
		}
		return keys
	}())

	for key := int64(1); key <= 63; key += 2 {
		removeEntry(t, index, key)
		checkVerify(t, index)
	}
	if !index.IsEmpty() {
		t.Error("Tree not empty after removing every key")
	}
}

func testIteratorAtKey(t *testing.T) {
	index := setupIndex(t, 16, 4, 4)
	// Only even keys, so odd lookups land between entries.
	for key := int64(2); key <= 40; key += 2 {
		insertEntry(t, index, key)
	}

	// Positioned exactly on a present key.
	it, err := index.BeginAt(10)
	if err != nil {
		t.Fatal(err)
	}
	e, err := it.GetEntry()
	if err != nil || e.Key != 10 {
		t.Fatalf("BeginAt(10) points at (%v, %v), expected key 10", e.Key, err)
	}
	it.Close()

	// Positioned on the next key when the exact key is absent.
	it, err = index.BeginAt(11)
	if err != nil {
		t.Fatal(err)
	}
	e, err = it.GetEntry()
	if err != nil || e.Key != 12 {
		t.Fatalf("BeginAt(11) points at (%v, %v), expected key 12", e.Key, err)
	}
	// And it continues in order from there.
	it.Next()
	e, err = it.GetEntry()
	if err != nil || e.Key != 14 {
		t.Fatalf("Iterator after BeginAt(11) points at (%v, %v), expected key 14", e.Key, err)
	}
	it.Close()

	// Positioned past every key: immediately at the end.
	it, err = index.BeginAt(41)
	if err != nil {
		t.Fatal(err)
	}
	if !it.IsEnd() {
		e, _ := it.GetEntry()
		t.Fatalf("BeginAt(41) not at end, points at key %d", e.Key)
	}
	it.Close()
}

func testReopen(t *testing.T) {
	tmpfile, err := os.CreateTemp(t.TempDir(), "*.db")
	if err != nil {
		t.Fatal(err)
	}
	_ = tmpfile.Close()
	dbPath := tmpfile.Name()

	firstPool, err := buffer.NewWithPool(dbPath, 16, 2)
	if err != nil {
		t.Fatal("Failed to create a buffer pool:", err)
	}
	index, err := btree.NewIndex("test_index", firstPool, compareInt64, 4, 4)
	if err != nil {
		t.Fatal("Failed to create an index:", err)
	}
	for key := int64(1); key <= 100; key++ {
		insertEntry(t, index, key)
	}
	if err := firstPool.Close(); err != nil {
		t.Fatal("Failed to close pool:", err)
	}

	manager, err := buffer.NewWithPool(dbPath, 16, 2)
	if err != nil {
		t.Fatal("Failed to reopen pool:", err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			t.Error("Failed to close reopened pool:", err)
		}
	}()
	reopened, err := btree.NewIndex("test_index", manager, compareInt64, 4, 4)
	if err != nil {
		t.Fatal("Failed to reopen index:", err)
	}

	checkVerify(t, reopened)
	for key := int64(1); key <= 100; key++ {
		checkFindEntry(t, reopened, key)
	}
	checkIterateAll(t, reopened, ascending(1, 100))
}

func testConcurrentDisjointInserts(t *testing.T) {
	index := setupIndex(t, 64, 32, 32)

	var group errgroup.Group
	for _, bounds := range [][2]int64{{1, 1000}, {1001, 2000}} {
		lo, hi := bounds[0], bounds[1]
		group.Go(func() error {
			txn := concurrency.NewTransaction()
			for key := lo; key <= hi; key++ {
				if err := index.Insert(key, 2*key, txn); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatal("Concurrent insert failed:", err)
	}

	checkVerify(t, index)
	for key := int64(1); key <= 2000; key++ {
		checkFindEntry(t, index, key)
	}
	checkIterateAll(t, index, ascending(1, 2000))
}

func testConcurrentDisjointRemoves(t *testing.T) {
	index := setupIndex(t, 64, 32, 32)
	for key := int64(1); key <= 2000; key++ {
		insertEntry(t, index, key)
	}

	var group errgroup.Group
	for _, bounds := range [][2]int64{{1, 1000}, {1001, 2000}} {
		lo, hi := bounds[0], bounds[1]
		group.Go(func() error {
			txn := concurrency.NewTransaction()
			for key := lo; key <= hi; key++ {
				if err := index.Remove(key, txn); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatal("Concurrent remove failed:", err)
	}

	checkVerify(t, index)
	if !index.IsEmpty() {
		t.Error("Tree not empty after concurrent removes")
	}
}

// One goroutine scans while another inserts. The scan must never crash and
// never yield a duplicate or out-of-order key.
func testIterateDuringInserts(t *testing.T) {
	index := setupIndex(t, 64, 8, 8)
	for key := int64(0); key < 1000; key += 2 {
		insertEntry(t, index, key)
	}

	done := make(chan struct{})
	var group errgroup.Group
	group.Go(func() error {
		defer close(done)
		txn := concurrency.NewTransaction()
		for key := int64(1); key < 1000; key += 2 {
			if err := index.Insert(key, 2*key, txn); err != nil {
				return err
			}
		}
		return nil
	})
	group.Go(func() error {
		for {
			select {
			case <-done:
				return nil
			default:
			}
			it, err := index.Begin()
			if err != nil {
				return err
			}
			prev := int64(-1)
			for !it.IsEnd() {
				e, err := it.GetEntry()
				if err != nil {
					it.Close()
					return err
				}
				if e.Key <= prev {
					it.Close()
					return errors.New("scan yielded keys out of order")
				}
				prev = e.Key
				it.Next()
			}
			it.Close()
		}
	})
	if err := group.Wait(); err != nil {
		t.Fatal(err)
	}

	checkVerify(t, index)
	checkIterateAll(t, index, ascending(0, 999))
}
