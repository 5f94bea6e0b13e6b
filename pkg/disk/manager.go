// Package disk implements the block-addressed disk manager that backs the
// buffer pool. Pages live at fixed offsets (pagenum * Pagesize) in a single
// database file opened for direct io.
package disk

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/ncw/directio"
	"go.uber.org/zap"

	"trilodb/pkg/assert"
)

// Pagesize is the size of an individual page (ie the maximum number of bytes
// that a page can hold) - defaults to 4kb.
const Pagesize int64 = directio.BlockSize

// InvalidPageID is the pagenum for when there is no page being referenced.
const InvalidPageID int64 = -1

// Manager hands out page numbers and moves page images between memory and the
// database file. Page numbers are allocated densely by a monotonic counter;
// deallocated pages are only tracked, never reused, so a pagenum uniquely
// identifies one file offset for the life of the database.
type Manager struct {
	file        *os.File       // File descriptor for the backing database file.
	numPages    int64          // Next pagenum to hand out; starts at the file's page count.
	deallocated *bitset.BitSet // Pages that have been released by DeallocatePage.
	mtx         sync.Mutex     // Guards the allocation state.
	logger      *zap.Logger
}

// New constructs a disk manager backed by a database file at the specified
// filePath, creating the file (and any prerequisite directories) if needed.
func New(filePath string) (*Manager, error) {
	m := &Manager{
		deallocated: bitset.New(0),
		logger:      zap.NewNop(),
	}
	if err := m.open(filePath); err != nil {
		return nil, err
	}
	return m, nil
}

// SetLogger installs a logger for debug-level io tracing.
func (m *Manager) SetLogger(logger *zap.Logger) {
	m.logger = logger
}

// GetFileName returns the file name/path used to open the backing file.
func (m *Manager) GetFileName() string {
	return m.file.Name()
}

// GetNumPages returns the number of pages allocated so far.
func (m *Manager) GetNumPages() int64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.numPages
}

// open (re-)initializes the manager with a database file at filePath.
func (m *Manager) open(filePath string) error {
	if idx := strings.LastIndex(filePath, "/"); idx != -1 {
		if err := os.MkdirAll(filePath[:idx], 0775); err != nil {
			return err
		}
	}
	file, err := directio.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	if info.Size()%Pagesize != 0 {
		file.Close()
		return errors.New("db file has been corrupted")
	}
	m.file = file
	m.numPages = info.Size() / Pagesize
	return nil
}

// AllocatePage hands out the next free pagenum.
func (m *Manager) AllocatePage() int64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	pagenum := m.numPages
	m.numPages++
	m.logger.Debug("allocated page", zap.Int64("pagenum", pagenum))
	return pagenum
}

// DeallocatePage records that the given pagenum is no longer referenced.
// The file offset stays reserved; the bit is bookkeeping for Allocated.
func (m *Manager) DeallocatePage(pagenum int64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	assert.Assert(pagenum >= 0 && pagenum < m.numPages,
		"deallocating pagenum %d outside allocated range [0, %d)", pagenum, m.numPages)
	m.deallocated.Set(uint(pagenum))
	m.logger.Debug("deallocated page", zap.Int64("pagenum", pagenum))
}

// Allocated reports whether the given pagenum has been handed out and not
// deallocated since.
func (m *Manager) Allocated(pagenum int64) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if pagenum < 0 || pagenum >= m.numPages {
		return false
	}
	return !m.deallocated.Test(uint(pagenum))
}

// ReadPage populates buf with the on-disk image of the given page.
// Reading a page that has never been written yields zeroes.
func (m *Manager) ReadPage(pagenum int64, buf []byte) error {
	assert.Assert(int64(len(buf)) == Pagesize, "read buffer must be exactly one page")
	n, err := m.file.ReadAt(buf, pagenum*Pagesize)
	if err != nil && err != io.EOF {
		return err
	}
	// Short reads past EOF are logically zero-filled.
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	m.logger.Debug("read page", zap.Int64("pagenum", pagenum))
	return nil
}

// WritePage writes buf as the on-disk image of the given page.
func (m *Manager) WritePage(pagenum int64, buf []byte) error {
	assert.Assert(int64(len(buf)) == Pagesize, "write buffer must be exactly one page")
	if _, err := m.file.WriteAt(buf, pagenum*Pagesize); err != nil {
		return err
	}
	m.logger.Debug("wrote page", zap.Int64("pagenum", pagenum))
	return nil
}

// Close closes the backing file.
func (m *Manager) Close() error {
	return m.file.Close()
}
