// Package btree implements a concurrent, disk-backed B+Tree index on top of
// the buffer pool. Writers descend with hand-over-hand exclusive latches,
// releasing all held ancestors as soon as a child is proven safe; readers
// descend with shared-latch crabbing.
package btree

import (
	"errors"
	"fmt"
	"sync"

	"trilodb/pkg/assert"
	"trilodb/pkg/buffer"
	"trilodb/pkg/concurrency"
	"trilodb/pkg/disk"
)

// Error for when an insert finds its key already present.
var ErrDuplicateKey = errors.New("cannot insert duplicate key")

// Error for when the given key has no entry in the index.
var ErrKeyNotFound = errors.New("no entry with the given key was found")

// operation classifies a descent for the latch crabbing safety rule.
type operation int

const (
	opSearch operation = iota
	opInsert
	opDelete
)

// Index is a B+Tree over int64 keys and values. The root pagenum is guarded
// by rootLatch; node pages are latched individually through the buffer pool.
type Index struct {
	indexName       string
	rootPN          int64
	manager         *buffer.Manager
	cmp             Comparator
	leafMaxSize     int64
	internalMaxSize int64
	rootLatch       sync.RWMutex
}

// NewIndex constructs a B+Tree named indexName over the given buffer pool.
// If the header page already has a root record for the name (the database
// file is being reopened), the existing tree is adopted; otherwise the tree
// starts empty.
func NewIndex(
	indexName string,
	manager *buffer.Manager,
	cmp Comparator,
	leafMaxSize int64,
	internalMaxSize int64,
) (*Index, error) {
	assert.Assert(leafMaxSize > 1 && leafMaxSize <= MAX_LEAF_ENTRIES,
		"leaf max size %d outside (1, %d]", leafMaxSize, MAX_LEAF_ENTRIES)
	assert.Assert(internalMaxSize > 2 && internalMaxSize <= MAX_INTERNAL_CHILDREN,
		"internal max size %d outside (2, %d]", internalMaxSize, MAX_INTERNAL_CHILDREN)

	index := &Index{
		indexName:       indexName,
		rootPN:          disk.InvalidPageID,
		manager:         manager,
		cmp:             cmp,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
	}
	if err := index.ensureHeaderPage(); err != nil {
		return nil, err
	}
	rootPN, found, err := ReadRootRecord(manager, indexName)
	if err != nil {
		return nil, err
	}
	if found {
		index.rootPN = rootPN
	}
	return index, nil
}

// GetName returns the index's name.
func (index *Index) GetName() string {
	return index.indexName
}

// GetManager returns the buffer pool this index runs on.
func (index *Index) GetManager() *buffer.Manager {
	return index.manager
}

// RootPageID returns the current root pagenum (InvalidPageID when empty).
func (index *Index) RootPageID() int64 {
	index.rootLatch.RLock()
	defer index.rootLatch.RUnlock()
	return index.rootPN
}

// IsEmpty reports whether the tree holds no entries.
func (index *Index) IsEmpty() bool {
	return index.RootPageID() == disk.InvalidPageID
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////// Latch crabbing helpers ////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// isSafe reports whether mutating the node cannot propagate to its parent:
// an insert into it cannot split it, or a removal from it cannot trigger a
// merge or redistribution.
func (index *Index) isSafe(node Node, op operation) bool {
	switch op {
	case opSearch:
		return true
	case opInsert:
		return node.getSize() < node.getMaxSize()-1
	default: // opDelete
		if node.getParentPN() == disk.InvalidPageID {
			if node.getNodeType() == LEAF_NODE {
				return node.getSize() > 1
			}
			return node.getSize() > 2
		}
		return node.getSize() > node.getMinSize()
	}
}

// releaseWriteSet unlatches and unpins every page in the transaction's page
// set, releasing the root latch where the nil marker sits, and clears the
// set.
func (index *Index) releaseWriteSet(txn *concurrency.Transaction) {
	for _, page := range txn.GetPageSet() {
		if page == nil {
			index.rootLatch.Unlock()
		} else {
			pagenum := page.GetPageNum()
			page.WUnlock()
			index.manager.PutPage(pagenum, false)
		}
	}
	txn.ClearPageSet()
}

// drainDeletedPages physically frees every page the operation queued for
// deletion. Called after all latches are released. A page an iterator still
// pins is left alone; it is unreachable from the tree either way.
func (index *Index) drainDeletedPages(txn *concurrency.Transaction) {
	for pagenum := range txn.GetDeletedPageSet() {
		index.manager.DeletePage(pagenum)
	}
	txn.ClearDeletedPageSet()
}

// findLeaf descends to the leaf that may contain the given key (or the
// leftmost leaf), returning its latched, pinned page. Search descents
// shared-latch crab; insert/delete descents exclusive-latch crab through the
// transaction's page set per the safety rule. Returns nil if the tree is
// empty.
func (index *Index) findLeaf(
	key int64,
	leftmost bool,
	op operation,
	txn *concurrency.Transaction,
) (*buffer.Page, error) {
	if op == opSearch {
		return index.findLeafForRead(key, leftmost)
	}

	index.rootLatch.Lock()
	txn.AddIntoPageSet(nil) // Marks that we hold the root latch.
	if index.rootPN == disk.InvalidPageID {
		index.releaseWriteSet(txn)
		return nil, nil
	}

	page, err := index.manager.GetPage(index.rootPN)
	if err != nil {
		index.releaseWriteSet(txn)
		return nil, err
	}
	page.WLock()
	node := pageToNode(page)
	if index.isSafe(node, op) {
		index.releaseWriteSet(txn)
	}
	txn.AddIntoPageSet(page)

	for node.getNodeType() != LEAF_NODE {
		internal := node.(*InternalNode)
		var childPN int64
		if leftmost {
			childPN = internal.getPNAt(0)
		} else {
			childPN = internal.lookup(key, index.cmp)
		}

		childPage, err := index.manager.GetPage(childPN)
		if err != nil {
			index.releaseWriteSet(txn)
			return nil, err
		}
		childPage.WLock()
		childNode := pageToNode(childPage)
		if index.isSafe(childNode, op) {
			index.releaseWriteSet(txn)
		}
		txn.AddIntoPageSet(childPage)

		page = childPage
		node = childNode
	}

	// The leaf is handed back separately; pop it off the page set.
	popped := txn.PopPageSet()
	assert.Assert(popped == page, "page set out of order during descent")
	return page, nil
}

// findLeafForRead descends with classic read crabbing: latch the child, then
// release the parent.
func (index *Index) findLeafForRead(key int64, leftmost bool) (*buffer.Page, error) {
	index.rootLatch.RLock()
	if index.rootPN == disk.InvalidPageID {
		index.rootLatch.RUnlock()
		return nil, nil
	}
	page, err := index.manager.GetPage(index.rootPN)
	if err != nil {
		index.rootLatch.RUnlock()
		return nil, err
	}
	page.RLock()
	index.rootLatch.RUnlock()

	node := pageToNode(page)
	for node.getNodeType() != LEAF_NODE {
		internal := node.(*InternalNode)
		var childPN int64
		if leftmost {
			childPN = internal.getPNAt(0)
		} else {
			childPN = internal.lookup(key, index.cmp)
		}

		childPage, err := index.manager.GetPage(childPN)
		if err != nil {
			pagenum := page.GetPageNum()
			page.RUnlock()
			index.manager.PutPage(pagenum, false)
			return nil, err
		}
		childPage.RLock()
		pagenum := page.GetPageNum()
		page.RUnlock()
		index.manager.PutPage(pagenum, false)

		page = childPage
		node = pageToNode(childPage)
	}
	return page, nil
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// Search /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Find returns the value associated with the given key, or ErrKeyNotFound.
func (index *Index) Find(key int64) (int64, error) {
	page, err := index.findLeaf(key, false, opSearch, nil)
	if err != nil {
		return 0, err
	}
	if page == nil {
		return 0, ErrKeyNotFound
	}
	leaf := pageToLeafNode(page)
	value, found := leaf.lookup(key, index.cmp)
	pagenum := page.GetPageNum()
	page.RUnlock()
	index.manager.PutPage(pagenum, false)
	if !found {
		return 0, ErrKeyNotFound
	}
	return value, nil
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////// Insertion ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Insert places the key-value pair into the tree. Returns ErrDuplicateKey
// (without mutating anything) if the key is already present.
func (index *Index) Insert(key int64, value int64, txn *concurrency.Transaction) error {
	var leafPage *buffer.Page
	for {
		index.rootLatch.Lock()
		if index.rootPN == disk.InvalidPageID {
			err := index.startNewTree(key, value)
			index.rootLatch.Unlock()
			return err
		}
		index.rootLatch.Unlock()

		page, err := index.findLeaf(key, false, opInsert, txn)
		if err != nil {
			return err
		}
		if page != nil {
			leafPage = page
			break
		}
		// The tree emptied between the check and the descent; retry.
	}

	leaf := pageToLeafNode(leafPage)
	leafPN := leafPage.GetPageNum()
	if _, found := leaf.lookup(key, index.cmp); found {
		index.releaseWriteSet(txn)
		leafPage.WUnlock()
		index.manager.PutPage(leafPN, false)
		return ErrDuplicateKey
	}

	newSize, inserted := leaf.insert(key, value, index.cmp)
	assert.Assert(inserted, "leaf insert failed after duplicate check")

	var splitErr error
	if newSize >= index.leafMaxSize {
		splitErr = index.splitLeaf(leaf, txn)
	}

	index.releaseWriteSet(txn)
	leafPage.WUnlock()
	index.manager.PutPage(leafPN, true)
	index.drainDeletedPages(txn)
	return splitErr
}

// startNewTree allocates a root leaf holding the first entry. The root latch
// must be held exclusively.
func (index *Index) startNewTree(key int64, value int64) error {
	page, err := index.manager.GetNewPage()
	if err != nil {
		return fmt.Errorf("out of memory: cannot allocate root: %w", err)
	}
	pagenum := page.GetPageNum()
	initPage(page, LEAF_NODE, index.leafMaxSize, disk.InvalidPageID)
	root := pageToLeafNode(page)
	root.insert(key, value, index.cmp)

	index.rootPN = pagenum
	err = index.updateRootRecord()
	index.manager.PutPage(pagenum, true)
	return err
}

// splitLeaf moves the upper half of the leaf into a fresh sibling and
// propagates the sibling's first key to the parent.
func (index *Index) splitLeaf(leaf *LeafNode, txn *concurrency.Transaction) error {
	newPage, err := index.manager.GetNewPage()
	if err != nil {
		return fmt.Errorf("out of memory: cannot split leaf: %w", err)
	}
	newPN := newPage.GetPageNum()
	initPage(newPage, LEAF_NODE, index.leafMaxSize, leaf.getParentPN())
	newLeaf := pageToLeafNode(newPage)

	leaf.moveHalfTo(newLeaf)
	separator := newLeaf.getKeyAt(0)

	err = index.insertIntoParent(leaf, separator, newLeaf, txn)
	index.manager.PutPage(newPN, true)
	return err
}

// splitInternal moves the upper half of the node's children into a fresh
// sibling and propagates the sibling's slot-0 key to the parent.
func (index *Index) splitInternal(node *InternalNode, txn *concurrency.Transaction) error {
	newPage, err := index.manager.GetNewPage()
	if err != nil {
		return fmt.Errorf("out of memory: cannot split internal node: %w", err)
	}
	newPN := newPage.GetPageNum()
	initPage(newPage, INTERNAL_NODE, index.internalMaxSize, node.getParentPN())
	newInternal := pageToInternalNode(newPage)

	if err := node.moveHalfTo(newInternal, index); err != nil {
		index.manager.PutPage(newPN, true)
		return err
	}
	separator := newInternal.getKeyAt(0)

	err = index.insertIntoParent(node, separator, newInternal, txn)
	index.manager.PutPage(newPN, true)
	return err
}

// insertIntoParent installs the separator between left and right in their
// parent, growing a new root when left was the root and splitting the parent
// when it overflows. All ancestors are exclusively latched via the
// transaction's page set.
func (index *Index) insertIntoParent(left Node, separator int64, right Node, txn *concurrency.Transaction) error {
	if left.getParentPN() == disk.InvalidPageID {
		// left is the root; grow the tree by one level. The split is
		// already applied, so failing to allocate here would leave the
		// separator uninstalled and the right node unreachable. That state
		// must never become observable.
		rootPage, err := index.manager.GetNewPage()
		assert.Assert(err == nil, "out of memory: cannot allocate new root during split: %v", err)
		rootPN := rootPage.GetPageNum()
		initPage(rootPage, INTERNAL_NODE, index.internalMaxSize, disk.InvalidPageID)
		newRoot := pageToInternalNode(rootPage)
		newRoot.populateNewRoot(left.getPage().GetPageNum(), separator, right.getPage().GetPageNum())
		left.setParentPN(rootPN)
		right.setParentPN(rootPN)

		index.rootPN = rootPN
		err = index.updateRootRecord()
		index.manager.PutPage(rootPN, true)
		return err
	}

	parentPN := left.getParentPN()
	parentPage, err := index.manager.GetPage(parentPN)
	if err != nil {
		return err
	}
	parent := pageToInternalNode(parentPage)
	right.setParentPN(parentPN)
	newSize := parent.insertNodeAfter(left.getPage().GetPageNum(), separator, right.getPage().GetPageNum())

	var splitErr error
	if newSize >= index.internalMaxSize {
		splitErr = index.splitInternal(parent, txn)
	}
	index.manager.PutPage(parentPN, true)
	return splitErr
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// Deletion ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Remove deletes the entry with the given key. Removing an absent key is a
// no-op, not an error.
func (index *Index) Remove(key int64, txn *concurrency.Transaction) error {
	leafPage, err := index.findLeaf(key, false, opDelete, txn)
	if err != nil {
		return err
	}
	if leafPage == nil {
		return nil
	}

	leaf := pageToLeafNode(leafPage)
	leafPN := leafPage.GetPageNum()
	_, removed := leaf.remove(key, index.cmp)
	if !removed {
		index.releaseWriteSet(txn)
		leafPage.WUnlock()
		index.manager.PutPage(leafPN, false)
		return nil
	}

	// An empty page set means the leaf was proven delete-safe during the
	// descent: the removal cannot have underflowed it, and no ancestor is
	// latched, so rebalancing must not (and need not) touch the parent.
	if len(txn.GetPageSet()) > 0 {
		var shouldDelete bool
		shouldDelete, err = index.coalesceOrRedistribute(leaf, txn)
		if shouldDelete {
			txn.AddIntoDeletedPageSet(leafPN)
		}
	}

	index.releaseWriteSet(txn)
	leafPage.WUnlock()
	index.manager.PutPage(leafPN, true)
	index.drainDeletedPages(txn)
	return err
}

// coalesceOrRedistribute restores the node's minimum-size invariant after a
// removal, borrowing from or merging with a sibling. Reports whether the
// node itself should be deleted (the caller queues it).
func (index *Index) coalesceOrRedistribute(node Node, txn *concurrency.Transaction) (bool, error) {
	if node.getParentPN() == disk.InvalidPageID {
		return index.adjustRoot(node)
	}
	if node.getSize() >= node.getMinSize() {
		return false, nil
	}

	parentPN := node.getParentPN()
	parentPage, err := index.manager.GetPage(parentPN)
	if err != nil {
		return false, err
	}
	parent := pageToInternalNode(parentPage)
	nodeIndex := parent.valueIndex(node.getPage().GetPageNum())
	assert.Assert(nodeIndex >= 0, "node %d not found in its parent %d",
		node.getPage().GetPageNum(), parentPN)

	// Prefer the left sibling; fall back to the right for the first child.
	fromLeft := nodeIndex > 0
	var siblingPN int64
	if fromLeft {
		siblingPN = parent.getPNAt(nodeIndex - 1)
	} else {
		siblingPN = parent.getPNAt(nodeIndex + 1)
	}
	siblingPage, err := index.manager.GetPage(siblingPN)
	if err != nil {
		index.manager.PutPage(parentPN, false)
		return false, err
	}
	// The sibling is off the latched path but about to be mutated; latch it
	// so iterators pinned on it see a consistent leaf. Writers cannot hold
	// it: they would have had to pass our latched ancestors first.
	siblingPage.WLock()
	sibling := pageToNode(siblingPage)

	if sibling.getSize() > sibling.getMinSize() {
		err := index.redistribute(sibling, node, parent, nodeIndex, fromLeft)
		siblingPage.WUnlock()
		index.manager.PutPage(siblingPN, true)
		index.manager.PutPage(parentPN, true)
		return false, err
	}

	// Merge. The right-hand node of the pair is always the one that
	// vanishes.
	if fromLeft {
		err = index.coalesce(sibling, node, parent, nodeIndex, txn)
		siblingPage.WUnlock()
		index.manager.PutPage(siblingPN, true)
		index.manager.PutPage(parentPN, true)
		return true, err
	}
	err = index.coalesce(node, sibling, parent, nodeIndex+1, txn)
	txn.AddIntoDeletedPageSet(siblingPN)
	siblingPage.WUnlock()
	index.manager.PutPage(siblingPN, true)
	index.manager.PutPage(parentPN, true)
	return false, err
}

// coalesce merges node (the right sibling, at slot nodeIndex of the parent)
// into neighbor (its left sibling), removes the vacated slot from the
// parent, and recursively fixes the parent.
func (index *Index) coalesce(
	neighbor Node,
	node Node,
	parent *InternalNode,
	nodeIndex int64,
	txn *concurrency.Transaction,
) error {
	middleKey := parent.getKeyAt(nodeIndex)

	if node.getNodeType() == LEAF_NODE {
		node.(*LeafNode).moveAllTo(neighbor.(*LeafNode))
	} else {
		err := node.(*InternalNode).moveAllTo(neighbor.(*InternalNode), middleKey, index)
		if err != nil {
			return err
		}
	}
	parent.removeAt(nodeIndex)

	parentShouldDelete, err := index.coalesceOrRedistribute(parent, txn)
	if parentShouldDelete {
		txn.AddIntoDeletedPageSet(parent.getPage().GetPageNum())
	}
	return err
}

// redistribute moves one entry from the sibling into the node across the
// parent's separator, updating the separator to preserve ordering.
func (index *Index) redistribute(
	sibling Node,
	node Node,
	parent *InternalNode,
	nodeIndex int64,
	fromLeft bool,
) error {
	if node.getNodeType() == LEAF_NODE {
		leaf := node.(*LeafNode)
		siblingLeaf := sibling.(*LeafNode)
		if fromLeft {
			siblingLeaf.moveLastToFrontOf(leaf)
			parent.updateKeyAt(nodeIndex, leaf.getKeyAt(0))
		} else {
			siblingLeaf.moveFirstToEndOf(leaf)
			parent.updateKeyAt(nodeIndex+1, siblingLeaf.getKeyAt(0))
		}
		return nil
	}

	internal := node.(*InternalNode)
	siblingInternal := sibling.(*InternalNode)
	if fromLeft {
		middleKey := parent.getKeyAt(nodeIndex)
		newSeparator := siblingInternal.getKeyAt(siblingInternal.getSize() - 1)
		if err := siblingInternal.moveLastToFrontOf(internal, middleKey, index); err != nil {
			return err
		}
		parent.updateKeyAt(nodeIndex, newSeparator)
		return nil
	}
	middleKey := parent.getKeyAt(nodeIndex + 1)
	if err := siblingInternal.moveFirstToEndOf(internal, middleKey, index); err != nil {
		return err
	}
	parent.updateKeyAt(nodeIndex+1, siblingInternal.getKeyAt(0))
	return nil
}

// adjustRoot handles the root's relaxed sizing rules after a removal: an
// empty root leaf empties the tree, and a root internal node with a single
// child hands the root role to that child. Reports whether the old root
// should be deleted.
func (index *Index) adjustRoot(root Node) (bool, error) {
	if root.getNodeType() == LEAF_NODE && root.getSize() == 0 {
		index.rootPN = disk.InvalidPageID
		return true, index.updateRootRecord()
	}

	if root.getNodeType() == INTERNAL_NODE && root.getSize() == 1 {
		childPN := root.(*InternalNode).getPNAt(0)
		childPage, err := index.manager.GetPage(childPN)
		if err != nil {
			return false, err
		}
		setParentOnPage(childPage, disk.InvalidPageID)
		index.manager.PutPage(childPN, true)

		index.rootPN = childPN
		return true, index.updateRootRecord()
	}
	return false, nil
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// Helpers ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// reparent rewrites the parent pointer of the node stored at childPN.
// The caller's exclusive ancestor latches cover the child, so only a pin is
// taken.
func (index *Index) reparent(childPN int64, parentPN int64) error {
	childPage, err := index.manager.GetPage(childPN)
	if err != nil {
		return err
	}
	setParentOnPage(childPage, parentPN)
	index.manager.PutPage(childPN, true)
	return nil
}
