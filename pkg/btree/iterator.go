package btree

import (
	"encoding/binary"
	"errors"

	"trilodb/pkg/buffer"
	"trilodb/pkg/disk"
	"trilodb/pkg/entry"
)

// Iterator walks the tree's entries in key order by following the leaf
// sibling chain. It keeps exactly one leaf pinned at a time and holds no
// latches between steps: concurrent mutators may change what a later step
// sees, but every step observes a consistent leaf.
type Iterator struct {
	index    *Index
	curPage  *buffer.Page // The pinned leaf, nil once the iterator is exhausted.
	curIndex int64        // The current slot within curPage.
}

// Begin returns an iterator positioned at the tree's first entry.
func (index *Index) Begin() (*Iterator, error) {
	return index.begin(0, true)
}

// BeginAt returns an iterator positioned at the first entry whose key is
// >= the given key.
func (index *Index) BeginAt(key int64) (*Iterator, error) {
	return index.begin(key, false)
}

func (index *Index) begin(key int64, leftmost bool) (*Iterator, error) {
	page, err := index.findLeaf(key, leftmost, opSearch, nil)
	if err != nil {
		return nil, err
	}
	it := &Iterator{index: index}
	if page == nil {
		return it, nil
	}

	leaf := pageToLeafNode(page)
	var startIndex int64
	if !leftmost {
		startIndex = leaf.search(key, index.cmp)
	}
	atLeafEnd := startIndex >= leaf.getSize()
	page.RUnlock()

	it.curPage = page
	it.curIndex = startIndex
	if atLeafEnd {
		// The key lies past this leaf's last entry (or the leaf is
		// empty); step to the next leaf that has one.
		it.curIndex--
		it.Next()
	}
	return it, nil
}

// IsEnd reports whether the iterator has moved past the last entry.
func (it *Iterator) IsEnd() bool {
	return it.curPage == nil
}

// GetEntry returns the entry the iterator currently points at.
func (it *Iterator) GetEntry() (entry.Entry, error) {
	if it.curPage == nil {
		return entry.Entry{}, errors.New("iterator is exhausted")
	}
	it.curPage.RLock()
	defer it.curPage.RUnlock()
	if it.curIndex >= iterLeafSize(it.curPage) {
		return entry.Entry{}, errors.New("iterator is not pointing at a valid entry")
	}
	return iterLeafEntry(it.curPage, it.curIndex), nil
}

// Next moves the iterator ahead by one entry, unpinning the current leaf and
// pinning its successor when stepping across a leaf boundary. Returns true
// once the iterator has moved past the last entry.
func (it *Iterator) Next() (atEnd bool) {
	if it.curPage == nil {
		return true
	}

	it.curIndex++
	it.curPage.RLock()
	for it.curIndex >= iterLeafSize(it.curPage) {
		nextPN := iterLeafNextPN(it.curPage)
		pagenum := it.curPage.GetPageNum()
		it.curPage.RUnlock()
		it.index.manager.PutPage(pagenum, false)
		it.curPage = nil

		if nextPN == disk.InvalidPageID {
			it.curIndex = 0
			return true
		}
		nextPage, err := it.index.manager.GetPage(nextPN)
		if err != nil {
			it.curIndex = 0
			return true
		}
		it.curPage = nextPage
		it.curIndex = 0
		it.curPage.RLock()
	}
	it.curPage.RUnlock()
	return false
}

// Close unpins the held leaf. The iterator must not be used afterwards.
func (it *Iterator) Close() {
	if it.curPage != nil {
		it.index.manager.PutPage(it.curPage.GetPageNum(), false)
		it.curPage = nil
	}
}

// The helpers below re-read the leaf fields the iterator needs (size, next
// sibling, entries) on every step, since concurrent writers may change them
// between steps. All three fields are mutated only under the page's write
// latch.

func iterLeafSize(page *buffer.Page) int64 {
	size, _ := binary.Varint(page.GetData()[SIZE_OFFSET : SIZE_OFFSET+SIZE_SIZE])
	return size
}

func iterLeafNextPN(page *buffer.Page) int64 {
	return readNextPN(page)
}

func iterLeafEntry(page *buffer.Page, index int64) entry.Entry {
	startPos := entryPos(index)
	return entry.Unmarshal(page.GetData()[startPos : startPos+entry.Size])
}
