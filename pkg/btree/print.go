package btree

import (
	"fmt"
	"io"
	"strconv"

	"trilodb/pkg/disk"
)

// Print will pretty-print all nodes in the B+Tree.
func (index *Index) Print(w io.Writer) {
	rootPN := index.RootPageID()
	if rootPN == disk.InvalidPageID {
		io.WriteString(w, "(empty tree)\n")
		return
	}
	index.printPN(rootPN, w, "", "")
}

// PrintPN will pretty-print the node with the given pagenum.
func (index *Index) PrintPN(pagenum int64, w io.Writer) {
	index.printPN(pagenum, w, "", "")
}

func (index *Index) printPN(pagenum int64, w io.Writer, firstPrefix string, prefix string) {
	page, err := index.manager.GetPage(pagenum)
	if err != nil {
		return
	}
	defer index.manager.PutPage(pagenum, false)

	switch node := pageToNode(page).(type) {
	case *LeafNode:
		numKeys := strconv.Itoa(int(node.getSize()))
		io.WriteString(w, fmt.Sprintf("%v[%v] Leaf size: %v\n",
			firstPrefix, pagenum, numKeys))
		for i := int64(0); i < node.getSize(); i++ {
			e := node.getEntry(i)
			io.WriteString(w, fmt.Sprintf("%v |--> (%v, %v)\n", prefix, e.Key, e.Value))
		}
		if node.getNextPN() != disk.InvalidPageID {
			io.WriteString(w, fmt.Sprintf("%v |--+ right sibling @ [%v]\n",
				prefix, node.getNextPN()))
		}
	case *InternalNode:
		numKeys := strconv.Itoa(int(node.getSize()))
		io.WriteString(w, fmt.Sprintf("%v[%v] Internal size: %v\n",
			firstPrefix, pagenum, numKeys))
		nextFirstPrefix := prefix + " |--> "
		nextPrefix := prefix + " |    "
		for i := int64(0); i < node.getSize(); i++ {
			if i > 0 {
				io.WriteString(w, fmt.Sprintf("%v[KEY] %v\n", nextPrefix, node.getKeyAt(i)))
			}
			index.printPN(node.getPNAt(i), w, nextFirstPrefix, nextPrefix)
		}
	}
}
