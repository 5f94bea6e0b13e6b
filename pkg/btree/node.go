package btree

import (
	"encoding/binary"

	"trilodb/pkg/buffer"
	"trilodb/pkg/disk"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////// Structs and interfaces ////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Comparator orders two keys: negative if a < b, zero if equal, positive
// if a > b.
type Comparator func(a, b int64) int

// Node defines the operations shared by leaf and internal nodes that the
// tree's rebalancing code needs without knowing the node's variant.
type Node interface {
	getPage() *buffer.Page
	getNodeType() NodeType
	getSize() int64
	getMaxSize() int64
	// getMinSize returns the smallest size the node may have without
	// triggering coalesce/redistribute (root nodes are exempt).
	getMinSize() int64
	getParentPN() int64
	setParentPN(pagenum int64)
	getKeyAt(index int64) int64
}

// NodeType identifies if a node is a leaf node or an internal node.
type NodeType bool

const (
	INTERNAL_NODE NodeType = false
	LEAF_NODE     NodeType = true
)

// NodeHeader contains metadata common to all types of nodes. The parent
// pagenum is deliberately not cached here: rebalancing rewrites it on pages
// it covers with ancestor latches rather than page latches, so only write
// descents (which exclude such rewrites) may look at it, and they read it on
// demand via getParentPN.
type NodeHeader struct {
	nodeType NodeType
	size     int64
	maxSize  int64
	page     *buffer.Page // The page that holds the node's data.
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////// Generic Helper Functions ///////////////////////////
/////////////////////////////////////////////////////////////////////////////

// initPage resets the page's data and writes a fresh node header.
func initPage(page *buffer.Page, nodeType NodeType, maxSize int64, parentPN int64) {
	newData := make([]byte, buffer.Pagesize)
	if nodeType == LEAF_NODE {
		newData[NODETYPE_OFFSET] = 1
	}
	binary.PutVarint(newData[MAX_SIZE_OFFSET:MAX_SIZE_OFFSET+MAX_SIZE_SIZE], maxSize)
	binary.PutVarint(newData[PARENT_PN_OFFSET:PARENT_PN_OFFSET+PARENT_PN_SIZE], parentPN)
	if nodeType == LEAF_NODE {
		binary.PutVarint(newData[NEXT_PN_OFFSET:NEXT_PN_OFFSET+NEXT_PN_SIZE], disk.InvalidPageID)
	}
	page.Update(newData, 0, buffer.Pagesize)
}

// pageToNode returns the node corresponding to the given page.
// Concurrency note: the given page must at least be read-latched.
func pageToNode(page *buffer.Page) Node {
	header := pageToNodeHeader(page)
	if header.nodeType == LEAF_NODE {
		return &LeafNode{NodeHeader: header, nextPN: readNextPN(page)}
	}
	return &InternalNode{NodeHeader: header}
}

// pageToNodeHeader parses the shared node header from the given page.
// Concurrency note: the given page must at least be read-latched.
func pageToNodeHeader(page *buffer.Page) NodeHeader {
	var nodeType NodeType
	if page.GetData()[NODETYPE_OFFSET] == 0 {
		nodeType = INTERNAL_NODE
	} else {
		nodeType = LEAF_NODE
	}
	size, _ := binary.Varint(page.GetData()[SIZE_OFFSET : SIZE_OFFSET+SIZE_SIZE])
	maxSize, _ := binary.Varint(page.GetData()[MAX_SIZE_OFFSET : MAX_SIZE_OFFSET+MAX_SIZE_SIZE])
	return NodeHeader{
		nodeType: nodeType,
		size:     size,
		maxSize:  maxSize,
		page:     page,
	}
}

// getPage returns the node's underlying page.
func (header *NodeHeader) getPage() *buffer.Page {
	return header.page
}

// getNodeType returns whether the node is a leaf or an internal node.
func (header *NodeHeader) getNodeType() NodeType {
	return header.nodeType
}

// getSize returns the node's current size.
func (header *NodeHeader) getSize() int64 {
	return header.size
}

// getMaxSize returns the node's max size.
func (header *NodeHeader) getMaxSize() int64 {
	return header.maxSize
}

// getParentPN returns the pagenum of the node's parent, or InvalidPageID
// for the root. Only write descents may call this; see the NodeHeader
// comment.
func (header *NodeHeader) getParentPN() int64 {
	parentPN, _ := binary.Varint(
		header.page.GetData()[PARENT_PN_OFFSET : PARENT_PN_OFFSET+PARENT_PN_SIZE])
	return parentPN
}

// updateSize updates the size field in the node struct and the page.
func (header *NodeHeader) updateSize(newSize int64) {
	header.size = newSize
	data := make([]byte, SIZE_SIZE)
	binary.PutVarint(data, newSize)
	header.page.Update(data, SIZE_OFFSET, SIZE_SIZE)
}

// setParentPN updates the parent pagenum on the page.
func (header *NodeHeader) setParentPN(pagenum int64) {
	data := make([]byte, PARENT_PN_SIZE)
	binary.PutVarint(data, pagenum)
	header.page.Update(data, PARENT_PN_OFFSET, PARENT_PN_SIZE)
}

// setParentOnPage rewrites just the parent pagenum of an arbitrary node page
// without parsing the whole header. Used when children migrate between
// parents during splits and merges.
func setParentOnPage(page *buffer.Page, parentPN int64) {
	data := make([]byte, PARENT_PN_SIZE)
	binary.PutVarint(data, parentPN)
	page.Update(data, PARENT_PN_OFFSET, PARENT_PN_SIZE)
}
