package buffer

import (
	"sync"
	"sync/atomic"

	"trilodb/pkg/disk"
)

// Pagesize is re-exported so callers sizing node layouts don't need to
// import the disk package for it.
const Pagesize int64 = disk.Pagesize

// Page is a frame of the buffer pool: one page image plus metadata. The
// frame's identity is its index in the pool's frame array; the page it holds
// changes over time as the frame is rebound.
type Page struct {
	manager  *Manager     // Pointer to the buffer manager that owns this frame.
	pagenum  int64        // The pagenum of the page currently resident in this frame.
	pinCount atomic.Int64 // The number of active references to this page.
	dirty    bool         // Whether the in-memory image differs from the on-disk image.
	rwlock   sync.RWMutex // Reader-writer latch on the page contents.
	data     []byte       // The actual Pagesize bytes of the page image.
}

// GetManager returns the buffer manager this frame belongs to.
func (page *Page) GetManager() *Manager {
	return page.manager
}

// GetPageNum returns the pagenum of the resident page.
func (page *Page) GetPageNum() int64 {
	return page.pagenum
}

// GetPinCount returns the number of outstanding pins on this frame.
func (page *Page) GetPinCount() int64 {
	return page.pinCount.Load()
}

// IsDirty reports whether the page's data has changed and needs to be
// written to disk.
func (page *Page) IsDirty() bool {
	return page.dirty
}

// SetDirty changes the dirty status of the page.
func (page *Page) SetDirty(dirty bool) {
	page.dirty = dirty
}

// GetData returns the byte data held by the page.
func (page *Page) GetData() []byte {
	return page.data
}

// Update writes `size` bytes of the given data slice into the page image at
// the specified offset and marks the page dirty.
func (page *Page) Update(data []byte, offset int64, size int64) {
	page.dirty = true
	copy(page.data[offset:offset+size], data)
}

// reset zeroes the image and clears the frame metadata. The frame must not
// be pinned.
func (page *Page) reset() {
	page.pagenum = disk.InvalidPageID
	page.dirty = false
	page.pinCount.Store(0)
	for i := range page.data {
		page.data[i] = 0
	}
}

// [CONCURRENCY] Grab a writers latch on the page.
func (page *Page) WLock() {
	page.rwlock.Lock()
}

// [CONCURRENCY] Release a writers latch.
func (page *Page) WUnlock() {
	page.rwlock.Unlock()
}

// [CONCURRENCY] Grab a readers latch on the page.
func (page *Page) RLock() {
	page.rwlock.RLock()
}

// [CONCURRENCY] Release a readers latch.
func (page *Page) RUnlock() {
	page.rwlock.RUnlock()
}
