package btree

import (
	"fmt"
	"math"

	"trilodb/pkg/disk"
)

// Verify walks the whole tree and checks its structural invariants: all
// leaves at equal depth, keys strictly ascending within each node, separator
// bounds respected, every non-root node at or above its min size, and a
// sorted, acyclic leaf chain. Intended for tests; the tree must be quiescent.
func (index *Index) Verify() error {
	rootPN := index.RootPageID()
	if rootPN == disk.InvalidPageID {
		return nil
	}
	_, _, depth, err := index.verifyNode(rootPN, true, math.MinInt64, math.MaxInt64)
	if err != nil {
		return err
	}
	return index.verifyLeafChain(depth)
}

// Height returns the number of levels in the tree (0 when empty), walking
// the left spine. Intended for tests and debugging; the tree must be
// quiescent.
func (index *Index) Height() int64 {
	pagenum := index.RootPageID()
	var height int64
	for pagenum != disk.InvalidPageID {
		page, err := index.manager.GetPage(pagenum)
		if err != nil {
			return height
		}
		height++
		node := pageToNode(page)
		next := disk.InvalidPageID
		if internal, ok := node.(*InternalNode); ok {
			next = internal.getPNAt(0)
		}
		index.manager.PutPage(pagenum, false)
		pagenum = next
	}
	return height
}

// verifyNode recursively checks the subtree rooted at pagenum, whose keys
// must lie within [lower, upper). Returns the subtree's key bounds and leaf
// depth.
func (index *Index) verifyNode(pagenum int64, isRoot bool, lower int64, upper int64) (minKey int64, maxKey int64, depth int64, err error) {
	page, err := index.manager.GetPage(pagenum)
	if err != nil {
		return 0, 0, 0, err
	}
	defer index.manager.PutPage(pagenum, false)
	node := pageToNode(page)

	if err := index.verifySize(node, isRoot); err != nil {
		return 0, 0, 0, err
	}

	switch n := node.(type) {
	case *LeafNode:
		for i := int64(0); i < n.getSize(); i++ {
			key := n.getKeyAt(i)
			if i > 0 && index.cmp(n.getKeyAt(i-1), key) >= 0 {
				return 0, 0, 0, fmt.Errorf("leaf %d: keys not strictly ascending at slot %d", pagenum, i)
			}
			if index.cmp(key, lower) < 0 || index.cmp(key, upper) >= 0 {
				return 0, 0, 0, fmt.Errorf("leaf %d: key %d outside separator bounds [%d, %d)", pagenum, key, lower, upper)
			}
		}
		if n.getSize() == 0 {
			return lower, lower, 1, nil
		}
		return n.getKeyAt(0), n.getKeyAt(n.getSize() - 1), 1, nil

	case *InternalNode:
		var subtreeDepth int64 = -1
		for i := int64(0); i < n.getSize(); i++ {
			childLower, childUpper := lower, upper
			if i > 0 {
				childLower = n.getKeyAt(i)
				if index.cmp(childLower, lower) < 0 || index.cmp(childLower, upper) >= 0 {
					return 0, 0, 0, fmt.Errorf("internal %d: separator %d outside bounds [%d, %d)", pagenum, childLower, lower, upper)
				}
				if i > 1 && index.cmp(n.getKeyAt(i-1), childLower) >= 0 {
					return 0, 0, 0, fmt.Errorf("internal %d: separators not strictly ascending at slot %d", pagenum, i)
				}
			}
			if i < n.getSize()-1 {
				childUpper = n.getKeyAt(i + 1)
			}
			childMin, childMax, childDepth, err := index.verifyNode(n.getPNAt(i), false, childLower, childUpper)
			if err != nil {
				return 0, 0, 0, err
			}
			if subtreeDepth == -1 {
				subtreeDepth = childDepth
				minKey = childMin
			} else if childDepth != subtreeDepth {
				return 0, 0, 0, fmt.Errorf("internal %d: uneven leaf depth under child %d", pagenum, i)
			}
			maxKey = childMax
		}
		return minKey, maxKey, subtreeDepth + 1, nil
	}
	return 0, 0, 0, fmt.Errorf("page %d holds no recognizable node", pagenum)
}

// verifySize checks the node's sizing invariant.
func (index *Index) verifySize(node Node, isRoot bool) error {
	pagenum := node.getPage().GetPageNum()
	if node.getSize() > node.getMaxSize() {
		return fmt.Errorf("node %d: size %d exceeds max %d", pagenum, node.getSize(), node.getMaxSize())
	}
	if isRoot {
		if node.getNodeType() == INTERNAL_NODE && node.getSize() < 2 {
			return fmt.Errorf("root %d: internal root must hold at least 2 children", pagenum)
		}
		return nil
	}
	if node.getSize() < node.getMinSize() {
		return fmt.Errorf("node %d: size %d below min %d", pagenum, node.getSize(), node.getMinSize())
	}
	return nil
}

// verifyLeafChain walks the sibling chain from the leftmost leaf, checking
// that it is sorted, covers exactly the tree's leaves, and terminates.
func (index *Index) verifyLeafChain(treeDepth int64) error {
	// Descend the left spine.
	pagenum := index.RootPageID()
	for d := treeDepth; d > 1; d-- {
		page, err := index.manager.GetPage(pagenum)
		if err != nil {
			return err
		}
		next := pageToInternalNode(page).getPNAt(0)
		index.manager.PutPage(pagenum, false)
		pagenum = next
	}

	seen := make(map[int64]struct{})
	var lastKey int64
	haveLast := false
	for pagenum != disk.InvalidPageID {
		if _, dup := seen[pagenum]; dup {
			return fmt.Errorf("leaf chain revisits page %d", pagenum)
		}
		seen[pagenum] = struct{}{}

		page, err := index.manager.GetPage(pagenum)
		if err != nil {
			return err
		}
		leaf := pageToLeafNode(page)
		for i := int64(0); i < leaf.getSize(); i++ {
			key := leaf.getKeyAt(i)
			if haveLast && index.cmp(lastKey, key) >= 0 {
				index.manager.PutPage(pagenum, false)
				return fmt.Errorf("leaf chain out of order at page %d key %d", pagenum, key)
			}
			lastKey = key
			haveLast = true
		}
		next := leaf.getNextPN()
		index.manager.PutPage(pagenum, false)
		pagenum = next
	}
	return nil
}
