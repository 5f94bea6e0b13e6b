// Package buffer implements the buffer pool: a fixed array of frames caching
// disk pages, an extendible-hash directory from pagenum to frame, and an
// LRU-K replacer deciding which frame to reuse when the pool is full.
package buffer

import (
	"errors"
	"sync"

	"github.com/ncw/directio"
	"go.uber.org/zap"

	"trilodb/pkg/assert"
	"trilodb/pkg/config"
	"trilodb/pkg/disk"
	"trilodb/pkg/hash"
	"trilodb/pkg/list"
)

// Error for when there are no free frames and every frame is pinned.
var ErrRanOutOfFrames = errors.New("no available frames")

// Capacity of each bucket in the pagenum -> frame directory.
const directoryBucketSize = 4

// Manager owns the frame array and coordinates the directory, the replacer,
// and the disk manager. One mutex guards all pool state; page latches are a
// separate, finer-grained layer that callers take through Page.
type Manager struct {
	poolSize  int64
	frames    []Page
	freeList  *list.List[int64]             // Frames holding no page, reused first (FIFO).
	pageTable *hash.Table[int64, int64]     // pagenum -> frame index directory.
	replacer  *LRUKReplacer
	disk      *disk.Manager
	mtx       sync.Mutex
	logger    *zap.Logger
}

// New constructs a buffer pool over a database file at filePath using the
// default pool size and replacer K.
func New(filePath string) (*Manager, error) {
	return NewWithPool(filePath, config.MaxPagesInBuffer, config.ReplacerK)
}

// NewWithPool constructs a buffer pool of poolSize frames with an LRU-K
// replacer of the given K, backed by a database file at filePath.
func NewWithPool(filePath string, poolSize int64, replacerK int64) (*Manager, error) {
	assert.Assert(poolSize > 0, "pool size must be positive")

	diskManager, err := disk.New(filePath)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		poolSize:  poolSize,
		frames:    make([]Page, poolSize),
		freeList:  list.NewList[int64](),
		pageTable: hash.NewInt64Table[int64](directoryBucketSize),
		replacer:  NewLRUKReplacer(poolSize, replacerK),
		disk:      diskManager,
		logger:    zap.NewNop(),
	}

	// One aligned arena for all frames keeps direct io happy.
	arena := directio.AlignedBlock(int(poolSize * Pagesize))
	for i := int64(0); i < poolSize; i++ {
		m.frames[i] = Page{
			manager: m,
			pagenum: disk.InvalidPageID,
			data:    arena[i*Pagesize : (i+1)*Pagesize],
		}
		m.freeList.PushTail(i)
	}
	return m, nil
}

// SetLogger installs a logger for debug-level tracing; the disk manager
// inherits it.
func (m *Manager) SetLogger(logger *zap.Logger) {
	m.logger = logger
	m.disk.SetLogger(logger)
}

// GetDiskManager returns the underlying disk manager.
func (m *Manager) GetDiskManager() *disk.Manager {
	return m.disk
}

// GetPoolSize returns the number of frames in the pool.
func (m *Manager) GetPoolSize() int64 {
	return m.poolSize
}

// acquireFrame finds a frame to hold a new page image: the free list first,
// otherwise a victim from the replacer. A dirty victim is written back, and
// its pagenum is removed from the directory, before the frame is handed out.
// The pool mutex must be held on entry.
func (m *Manager) acquireFrame() (frameID int64, err error) {
	if head := m.freeList.PeekHead(); head != nil {
		head.PopSelf()
		return head.GetValue(), nil
	}

	frameID, ok := m.replacer.Evict()
	if !ok {
		return 0, ErrRanOutOfFrames
	}

	victim := &m.frames[frameID]
	assert.Assert(victim.GetPinCount() == 0, "victim frame %d is pinned", frameID)
	m.logger.Debug("evicting page",
		zap.Int64("pagenum", victim.pagenum), zap.Int64("frame", frameID))

	if victim.dirty {
		if err := m.disk.WritePage(victim.pagenum, victim.data); err != nil {
			// The frame still holds a valid image; put it back under
			// replacer control so a later eviction can retry.
			m.replacer.RecordAccess(frameID)
			m.replacer.SetEvictable(frameID, true)
			return 0, err
		}
		victim.dirty = false
	}
	m.pageTable.Remove(victim.pagenum)
	return frameID, nil
}

// installFrame binds the given frame to pagenum with a single pin and
// registers it with the directory and replacer. The pool mutex must be held.
func (m *Manager) installFrame(frameID int64, pagenum int64) (*Page, error) {
	frame := &m.frames[frameID]
	frame.pagenum = pagenum
	frame.dirty = false
	frame.pinCount.Store(1)

	if err := m.pageTable.Insert(pagenum, frameID); err != nil {
		return nil, err
	}
	m.replacer.RecordAccess(frameID)
	m.replacer.SetEvictable(frameID, false)
	return frame, nil
}

// GetNewPage allocates a fresh pagenum and returns its frame, pinned and
// zeroed. Fails with ErrRanOutOfFrames iff every frame is pinned.
func (m *Manager) GetNewPage() (*Page, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	frameID, err := m.acquireFrame()
	if err != nil {
		return nil, err
	}

	pagenum := m.disk.AllocatePage()
	frame := &m.frames[frameID]
	for i := range frame.data {
		frame.data[i] = 0
	}
	return m.installFrame(frameID, pagenum)
}

// GetPage returns the frame holding pagenum, pinning it again if resident or
// reading it from disk into an acquired frame otherwise.
func (m *Manager) GetPage(pagenum int64) (*Page, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if frameID, ok := m.pageTable.Find(pagenum); ok {
		frame := &m.frames[frameID]
		frame.pinCount.Add(1)
		m.replacer.RecordAccess(frameID)
		m.replacer.SetEvictable(frameID, false)
		return frame, nil
	}

	frameID, err := m.acquireFrame()
	if err != nil {
		return nil, err
	}

	frame := &m.frames[frameID]
	if err := m.disk.ReadPage(pagenum, frame.data); err != nil {
		frame.reset()
		m.freeList.PushTail(frameID)
		return nil, err
	}
	return m.installFrame(frameID, pagenum)
}

// PutPage releases one pin on the page, recording whether the caller dirtied
// it. When the last pin is dropped, the frame becomes evictable. Returns
// false if the page is not resident or was not pinned.
func (m *Manager) PutPage(pagenum int64, dirty bool) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	frameID, ok := m.pageTable.Find(pagenum)
	if !ok {
		return false
	}
	frame := &m.frames[frameID]
	if frame.GetPinCount() == 0 {
		return false
	}
	if dirty {
		frame.dirty = true
	}
	if frame.pinCount.Add(-1) == 0 {
		m.replacer.SetEvictable(frameID, true)
	}
	return true
}

// FlushPage writes the page's image to disk and clears its dirty flag,
// regardless of pin state. Returns false if the page is not resident.
func (m *Manager) FlushPage(pagenum int64) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	frameID, ok := m.pageTable.Find(pagenum)
	if !ok {
		return false
	}
	frame := &m.frames[frameID]
	if err := m.disk.WritePage(pagenum, frame.data); err != nil {
		m.logger.Error("flush failed", zap.Int64("pagenum", pagenum), zap.Error(err))
		return false
	}
	frame.dirty = false
	return true
}

// FlushAllPages writes every resident page to disk and clears dirty flags.
func (m *Manager) FlushAllPages() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var err error
	for i := range m.frames {
		frame := &m.frames[i]
		if frame.pagenum == disk.InvalidPageID {
			continue
		}
		if werr := m.disk.WritePage(frame.pagenum, frame.data); werr != nil {
			err = errors.Join(err, werr)
			continue
		}
		frame.dirty = false
	}
	return err
}

// DeletePage removes the page from the pool and tells the disk manager to
// deallocate its pagenum. Returns false, without touching anything, if the
// page is resident and pinned.
func (m *Manager) DeletePage(pagenum int64) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if frameID, ok := m.pageTable.Find(pagenum); ok {
		frame := &m.frames[frameID]
		if frame.GetPinCount() > 0 {
			return false
		}
		m.pageTable.Remove(pagenum)
		m.replacer.Remove(frameID)
		frame.reset()
		m.freeList.PushTail(frameID)
	}
	m.disk.DeallocatePage(pagenum)
	return true
}

// Close flushes all resident pages and closes the backing file. Closing with
// pages still pinned is an error.
func (m *Manager) Close() error {
	err := func() error {
		m.mtx.Lock()
		defer m.mtx.Unlock()
		for i := range m.frames {
			if m.frames[i].GetPinCount() > 0 {
				return errors.New("pages are still pinned on close")
			}
		}
		return nil
	}()
	if err != nil {
		return err
	}
	if err := m.FlushAllPages(); err != nil {
		return err
	}
	return m.disk.Close()
}
