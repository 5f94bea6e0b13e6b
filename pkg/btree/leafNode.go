package btree

import (
	"encoding/binary"
	"sort"

	"trilodb/pkg/buffer"
	"trilodb/pkg/entry"
)

// LeafNode represents a node at the bottom of the B+Tree that stores the
// actual key-value entries. Leaves are chained into a singly linked list in
// key order via their next pagenum.
type LeafNode struct {
	NodeHeader       // Embeds all NodeHeader fields.
	nextPN     int64 // The pagenum of the right sibling leaf.
}

// readNextPN parses a leaf page's next pagenum field.
func readNextPN(page *buffer.Page) int64 {
	nextPN, _ := binary.Varint(page.GetData()[NEXT_PN_OFFSET : NEXT_PN_OFFSET+NEXT_PN_SIZE])
	return nextPN
}

// pageToLeafNode returns the leaf node stored in the specified page.
// Concurrency note: the given page must at least be read-latched.
func pageToLeafNode(page *buffer.Page) *LeafNode {
	return &LeafNode{
		NodeHeader: pageToNodeHeader(page),
		nextPN:     readNextPN(page),
	}
}

// getMinSize returns the smallest entry count a non-root leaf may hold.
func (node *LeafNode) getMinSize() int64 {
	return node.maxSize / 2
}

// search returns the first index whose key is >= the given key.
// If no key satisfies this condition, returns the node's size.
func (node *LeafNode) search(key int64, cmp Comparator) int64 {
	index := sort.Search(
		int(node.size),
		func(idx int) bool {
			return cmp(node.getKeyAt(int64(idx)), key) >= 0
		},
	)
	return int64(index)
}

// lookup returns the value associated with an exact key match, if any.
func (node *LeafNode) lookup(key int64, cmp Comparator) (value int64, found bool) {
	index := node.search(key, cmp)
	if index >= node.size || cmp(node.getKeyAt(index), key) != 0 {
		return 0, false
	}
	return node.getValueAt(index), true
}

// insert places the key-value pair into the leaf in sorted order, returning
// the new size. Duplicate keys are rejected with inserted == false.
func (node *LeafNode) insert(key int64, value int64, cmp Comparator) (newSize int64, inserted bool) {
	insertPos := node.search(key, cmp)
	if insertPos < node.size && cmp(node.getKeyAt(insertPos), key) == 0 {
		return node.size, false
	}
	// Shift entries to the right to make room.
	for i := node.size - 1; i >= insertPos; i-- {
		node.modifyEntry(i+1, node.getEntry(i))
	}
	node.modifyEntry(insertPos, entry.New(key, value))
	node.updateSize(node.size + 1)
	return node.size, true
}

// remove shift-deletes the entry with the given key, if present.
func (node *LeafNode) remove(key int64, cmp Comparator) (newSize int64, removed bool) {
	deletePos := node.search(key, cmp)
	if deletePos >= node.size || cmp(node.getKeyAt(deletePos), key) != 0 {
		return node.size, false
	}
	for i := deletePos; i < node.size-1; i++ {
		node.modifyEntry(i, node.getEntry(i+1))
	}
	node.updateSize(node.size - 1)
	return node.size, true
}

// moveHalfTo moves the upper half of this leaf's entries (starting at
// size/2) into the freshly created recipient and threads the recipient into
// the sibling chain.
func (node *LeafNode) moveHalfTo(recipient *LeafNode) {
	midpoint := node.size / 2
	for i := midpoint; i < node.size; i++ {
		recipient.modifyEntry(recipient.size, node.getEntry(i))
		recipient.updateSize(recipient.size + 1)
	}
	recipient.setNextPN(node.nextPN)
	node.setNextPN(recipient.page.GetPageNum())
	node.updateSize(midpoint)
}

// moveAllTo merges every entry of this leaf into the recipient (its left
// neighbor) and splices this leaf out of the sibling chain.
func (node *LeafNode) moveAllTo(recipient *LeafNode) {
	for i := int64(0); i < node.size; i++ {
		recipient.modifyEntry(recipient.size, node.getEntry(i))
		recipient.updateSize(recipient.size + 1)
	}
	recipient.setNextPN(node.nextPN)
	node.updateSize(0)
}

// moveLastToFrontOf moves this leaf's last entry to the front of the
// recipient (its right neighbor).
func (node *LeafNode) moveLastToFrontOf(recipient *LeafNode) {
	moved := node.getEntry(node.size - 1)
	for i := recipient.size; i > 0; i-- {
		recipient.modifyEntry(i, recipient.getEntry(i-1))
	}
	recipient.modifyEntry(0, moved)
	recipient.updateSize(recipient.size + 1)
	node.updateSize(node.size - 1)
}

// moveFirstToEndOf moves this leaf's first entry to the end of the
// recipient (its left neighbor).
func (node *LeafNode) moveFirstToEndOf(recipient *LeafNode) {
	moved := node.getEntry(0)
	recipient.modifyEntry(recipient.size, moved)
	recipient.updateSize(recipient.size + 1)
	for i := int64(0); i < node.size-1; i++ {
		node.modifyEntry(i, node.getEntry(i+1))
	}
	node.updateSize(node.size - 1)
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////// Leaf Node Helper Functions ///////////////////////
/////////////////////////////////////////////////////////////////////////////

// getNextPN returns the pagenum of the right sibling leaf.
func (node *LeafNode) getNextPN() int64 {
	return node.nextPN
}

// setNextPN sets the right sibling pagenum field of the leaf node and
// updates the page accordingly.
func (node *LeafNode) setNextPN(pagenum int64) {
	node.nextPN = pagenum
	data := make([]byte, NEXT_PN_SIZE)
	binary.PutVarint(data, pagenum)
	node.page.Update(data, NEXT_PN_OFFSET, NEXT_PN_SIZE)
}

// entryPos returns the page offset to the entry at the given index.
func entryPos(index int64) int64 {
	return LEAF_NODE_HEADER_SIZE + index*entry.Size
}

// modifyEntry overwrites the entry stored at the given index.
func (node *LeafNode) modifyEntry(index int64, e entry.Entry) {
	node.page.Update(e.Marshal(), entryPos(index), entry.Size)
}

// getEntry returns the entry stored at the given index.
// Concurrency note: the leaf's page must at least be read-latched.
func (node *LeafNode) getEntry(index int64) entry.Entry {
	startPos := entryPos(index)
	return entry.Unmarshal(node.page.GetData()[startPos : startPos+entry.Size])
}

// getKeyAt returns the key stored at the given index of the leaf node.
func (node *LeafNode) getKeyAt(index int64) int64 {
	return node.getEntry(index).Key
}

// getValueAt returns the value stored at the given index of the leaf node.
func (node *LeafNode) getValueAt(index int64) int64 {
	return node.getEntry(index).Value
}
