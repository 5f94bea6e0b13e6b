package btree

import (
	"encoding/binary"
	"sort"

	"trilodb/pkg/buffer"
)

// InternalNode represents a non-leaf node that stores separator keys and
// child pagenums to aid traversal. The node's size counts children; the key
// slot at index 0 is unused.
type InternalNode struct {
	NodeHeader // Embeds all NodeHeader fields.
}

// pageToInternalNode returns the internal node stored in the specified page.
// Concurrency note: the given page must at least be read-latched.
func pageToInternalNode(page *buffer.Page) *InternalNode {
	return &InternalNode{NodeHeader: pageToNodeHeader(page)}
}

// getMinSize returns the smallest child count a non-root internal node may
// hold.
func (node *InternalNode) getMinSize() int64 {
	return (node.maxSize + 1) / 2
}

// lookup returns the pagenum of the child whose subtree may contain the
// given key. Searches keys [1, size) since the key at slot 0 is unused.
func (node *InternalNode) lookup(key int64, cmp Comparator) int64 {
	// Find the first index whose key is strictly greater than the search
	// key; the wanted child sits just before it.
	index := sort.Search(
		int(node.size-1),
		func(idx int) bool {
			return cmp(key, node.getKeyAt(int64(idx)+1)) < 0
		},
	)
	return node.getPNAt(int64(index))
}

// valueIndex returns the child slot holding the given pagenum, or -1.
func (node *InternalNode) valueIndex(pagenum int64) int64 {
	for i := int64(0); i < node.size; i++ {
		if node.getPNAt(i) == pagenum {
			return i
		}
	}
	return -1
}

// populateNewRoot initializes a fresh root with two children separated by
// the given key.
func (node *InternalNode) populateNewRoot(leftPN int64, key int64, rightPN int64) {
	node.updatePNAt(0, leftPN)
	node.updateKeyAt(1, key)
	node.updatePNAt(1, rightPN)
	node.updateSize(2)
}

// insertNodeAfter inserts the key and child pagenum immediately after the
// slot pointing to oldPN, returning the new size.
func (node *InternalNode) insertNodeAfter(oldPN int64, key int64, newPN int64) int64 {
	insertPos := node.valueIndex(oldPN) + 1
	for i := node.size; i > insertPos; i-- {
		node.updateKeyAt(i, node.getKeyAt(i-1))
		node.updatePNAt(i, node.getPNAt(i-1))
	}
	node.updateKeyAt(insertPos, key)
	node.updatePNAt(insertPos, newPN)
	node.updateSize(node.size + 1)
	return node.size
}

// removeAt shift-deletes the key and child at the given slot.
func (node *InternalNode) removeAt(index int64) {
	for i := index; i < node.size-1; i++ {
		node.updateKeyAt(i, node.getKeyAt(i+1))
		node.updatePNAt(i, node.getPNAt(i+1))
	}
	node.updateSize(node.size - 1)
}

// moveHalfTo moves the upper half of this node's entries (children included,
// starting at size/2) into the freshly created recipient, rewriting the
// migrated children's parent pointers. The recipient's slot-0 key holds the
// separator that the caller passes up.
func (node *InternalNode) moveHalfTo(recipient *InternalNode, index *Index) error {
	midpoint := node.size / 2
	for i := midpoint; i < node.size; i++ {
		if err := recipient.copyLastFrom(node.getKeyAt(i), node.getPNAt(i), index); err != nil {
			return err
		}
	}
	node.updateSize(midpoint)
	return nil
}

// moveAllTo merges every child of this node into the recipient (its left
// neighbor), folding in the parent's separator key as the key of this node's
// first child.
func (node *InternalNode) moveAllTo(recipient *InternalNode, middleKey int64, index *Index) error {
	node.updateKeyAt(0, middleKey)
	for i := int64(0); i < node.size; i++ {
		if err := recipient.copyLastFrom(node.getKeyAt(i), node.getPNAt(i), index); err != nil {
			return err
		}
	}
	node.updateSize(0)
	return nil
}

// moveFirstToEndOf moves this node's first child to the end of the recipient
// (its left neighbor), keyed by the parent's separator. After the call this
// node's slot-1 key has shifted into slot 0; the caller reads it there as the
// new separator.
func (node *InternalNode) moveFirstToEndOf(recipient *InternalNode, middleKey int64, index *Index) error {
	if err := recipient.copyLastFrom(middleKey, node.getPNAt(0), index); err != nil {
		return err
	}
	for i := int64(0); i < node.size-1; i++ {
		node.updateKeyAt(i, node.getKeyAt(i+1))
		node.updatePNAt(i, node.getPNAt(i+1))
	}
	node.updateSize(node.size - 1)
	return nil
}

// moveLastToFrontOf moves this node's last child to the front of the
// recipient (its right neighbor). The parent's separator descends as the key
// of the recipient's previously-first child; the donor's last key is the new
// separator and is read by the caller before this call shrinks the donor.
func (node *InternalNode) moveLastToFrontOf(recipient *InternalNode, middleKey int64, index *Index) error {
	movedPN := node.getPNAt(node.size - 1)
	for i := recipient.size; i > 0; i-- {
		recipient.updateKeyAt(i, recipient.getKeyAt(i-1))
		recipient.updatePNAt(i, recipient.getPNAt(i-1))
	}
	recipient.updatePNAt(0, movedPN)
	recipient.updateKeyAt(1, middleKey)
	recipient.updateSize(recipient.size + 1)
	node.updateSize(node.size - 1)
	return index.reparent(movedPN, recipient.page.GetPageNum())
}

// copyLastFrom appends a key/child pair and rewrites the child's parent
// pointer to this node.
func (node *InternalNode) copyLastFrom(key int64, childPN int64, index *Index) error {
	node.updateKeyAt(node.size, key)
	node.updatePNAt(node.size, childPN)
	node.updateSize(node.size + 1)
	return index.reparent(childPN, node.page.GetPageNum())
}

/////////////////////////////////////////////////////////////////////////////
///////////////////// Internal Node Helper Functions ////////////////////////
/////////////////////////////////////////////////////////////////////////////

// keyPos returns the page offset to the internal node's ith key.
func keyPos(index int64) int64 {
	return KEYS_OFFSET + index*KEY_SIZE
}

// pnPos returns the page offset to the internal node's ith child pagenum.
// The pagenum array starts after the key array, which holds one slot beyond
// the node's max size.
func (node *InternalNode) pnPos(index int64) int64 {
	return KEYS_OFFSET + (node.maxSize+1)*KEY_SIZE + index*PN_SIZE
}

// getKeyAt returns the key stored at the given index of the internal node.
// Concurrency note: the node's page must at least be read-latched.
func (node *InternalNode) getKeyAt(index int64) int64 {
	startPos := keyPos(index)
	key, _ := binary.Varint(node.page.GetData()[startPos : startPos+KEY_SIZE])
	return key
}

// updateKeyAt updates the key at the given index of the internal node.
func (node *InternalNode) updateKeyAt(index int64, newKey int64) {
	data := make([]byte, KEY_SIZE)
	binary.PutVarint(data, newKey)
	node.page.Update(data, keyPos(index), KEY_SIZE)
}

// getPNAt returns the child pagenum stored at the given index.
// Concurrency note: the node's page must at least be read-latched.
func (node *InternalNode) getPNAt(index int64) int64 {
	startPos := node.pnPos(index)
	pagenum, _ := binary.Varint(node.page.GetData()[startPos : startPos+PN_SIZE])
	return pagenum
}

// updatePNAt updates the child pagenum at the given index.
func (node *InternalNode) updatePNAt(index int64, newPagenum int64) {
	data := make([]byte, PN_SIZE)
	binary.PutVarint(data, newPagenum)
	node.page.Update(data, node.pnPos(index), PN_SIZE)
}
