package buffer_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/otiai10/copy"
	"github.com/stretchr/testify/require"

	"trilodb/pkg/buffer"
)

// setupManager creates a buffer pool of the given size over a temp database
// file, returning the manager and the file's path.
func setupManager(t *testing.T, poolSize int64) (*buffer.Manager, string) {
	tmpfile, err := os.CreateTemp(t.TempDir(), "*.db")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	m, err := buffer.NewWithPool(tmpfile.Name(), poolSize, 2)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
	})
	return m, tmpfile.Name()
}

// stampPage writes a recognizable pattern into a pinned page.
func stampPage(page *buffer.Page, tag byte) {
	data := bytes.Repeat([]byte{tag}, 128)
	page.Update(data, 0, int64(len(data)))
}

// requireStamp checks that a pinned page carries the pattern stampPage wrote.
func requireStamp(t *testing.T, page *buffer.Page, tag byte) {
	t.Helper()
	require.Equal(t, bytes.Repeat([]byte{tag}, 128), page.GetData()[:128])
}

func TestGetNewPage(t *testing.T) {
	m, _ := setupManager(t, 3)
	page, err := m.GetNewPage()
	require.NoError(t, err)
	require.Equal(t, int64(0), page.GetPageNum())
	require.Equal(t, int64(1), page.GetPinCount())
	require.False(t, page.IsDirty())
	require.Equal(t, make([]byte, buffer.Pagesize), page.GetData())
	require.True(t, m.PutPage(page.GetPageNum(), false))
}

func TestPutPageContract(t *testing.T) {
	m, _ := setupManager(t, 3)
	page, err := m.GetNewPage()
	require.NoError(t, err)
	pagenum := page.GetPageNum()

	require.True(t, m.PutPage(pagenum, false))
	// Already at pin count zero.
	require.False(t, m.PutPage(pagenum, false))
	// Never resident.
	require.False(t, m.PutPage(999, false))
}

func TestPoolExhaustion(t *testing.T) {
	m, _ := setupManager(t, 3)
	pages := make([]*buffer.Page, 0, 3)
	for i := 0; i < 3; i++ {
		page, err := m.GetNewPage()
		require.NoError(t, err)
		pages = append(pages, page)
	}

	// Every frame is pinned: no new page can be allocated.
	_, err := m.GetNewPage()
	require.ErrorIs(t, err, buffer.ErrRanOutOfFrames)

	// Unpinning one frame frees it up.
	require.True(t, m.PutPage(pages[0].GetPageNum(), false))
	page, err := m.GetNewPage()
	require.NoError(t, err)
	require.True(t, m.PutPage(page.GetPageNum(), false))
	for _, p := range pages[1:] {
		require.True(t, m.PutPage(p.GetPageNum(), false))
	}
}

// Pool of 3 with K=2: pages A, B, C are created and unpinned, B is fetched
// again, and the next allocation must evict A (the LRU of the frames with a
// single recorded access).
func TestEvictionPicksColdestPage(t *testing.T) {
	m, _ := setupManager(t, 3)

	var pagenums []int64
	for i := 0; i < 3; i++ {
		page, err := m.GetNewPage()
		require.NoError(t, err)
		stampPage(page, byte('A'+i))
		pagenums = append(pagenums, page.GetPageNum())
		require.True(t, m.PutPage(page.GetPageNum(), true))
	}
	pageA, pageB, pageC := pagenums[0], pagenums[1], pagenums[2]

	// Touch B again; it must still be resident (no disk manager involved,
	// contents survive as-is).
	b, err := m.GetPage(pageB)
	require.NoError(t, err)
	requireStamp(t, b, 'B')
	require.True(t, m.PutPage(pageB, false))

	// Allocating a fourth page forces an eviction; A is the victim.
	d, err := m.GetNewPage()
	require.NoError(t, err)
	require.True(t, m.PutPage(d.GetPageNum(), false))

	// A's dirty image was written back before the frame was rebound, so
	// fetching it again reads the stamp from disk. B and C kept theirs.
	for i, pagenum := range []int64{pageA, pageB, pageC} {
		page, err := m.GetPage(pagenum)
		require.NoError(t, err)
		requireStamp(t, page, byte('A'+i))
		require.True(t, m.PutPage(pagenum, true))
	}
}

func TestDeletePage(t *testing.T) {
	m, _ := setupManager(t, 3)
	page, err := m.GetNewPage()
	require.NoError(t, err)
	pagenum := page.GetPageNum()

	// Pinned pages cannot be deleted.
	require.False(t, m.DeletePage(pagenum))

	require.True(t, m.PutPage(pagenum, false))
	require.True(t, m.DeletePage(pagenum))
	require.False(t, m.GetDiskManager().Allocated(pagenum))

	// The freed frame is reusable and the pagenum sequence stays dense.
	next, err := m.GetNewPage()
	require.NoError(t, err)
	require.Equal(t, pagenum+1, next.GetPageNum())
	require.True(t, m.PutPage(next.GetPageNum(), false))
}

func TestFlushPage(t *testing.T) {
	m, _ := setupManager(t, 3)
	page, err := m.GetNewPage()
	require.NoError(t, err)
	pagenum := page.GetPageNum()
	stampPage(page, 'Z')
	require.True(t, page.IsDirty())

	// Flushing clears the dirty flag but leaves the pin alone.
	require.True(t, m.FlushPage(pagenum))
	require.False(t, page.IsDirty())
	require.Equal(t, int64(1), page.GetPinCount())

	require.False(t, m.FlushPage(999))
	require.True(t, m.PutPage(pagenum, false))
}

// A flushed database file, copied aside and opened through a fresh buffer
// pool, reads back the same page contents.
func TestFlushAllThenReopen(t *testing.T) {
	m, dbPath := setupManager(t, 3)

	const numPages = 8 // More pages than frames, so evictions happen too.
	for i := 0; i < numPages; i++ {
		page, err := m.GetNewPage()
		require.NoError(t, err)
		stampPage(page, byte(i))
		require.True(t, m.PutPage(page.GetPageNum(), true))
	}
	require.NoError(t, m.FlushAllPages())

	snapshot := filepath.Join(t.TempDir(), "snapshot.db")
	require.NoError(t, copy.Copy(dbPath, snapshot))

	reopened, err := buffer.NewWithPool(snapshot, 3, 2)
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	require.Equal(t, int64(numPages), reopened.GetDiskManager().GetNumPages())
	for i := 0; i < numPages; i++ {
		page, err := reopened.GetPage(int64(i))
		require.NoError(t, err)
		requireStamp(t, page, byte(i))
		require.True(t, reopened.PutPage(int64(i), false))
	}
}

func TestFetchUnknownPageStaysConsistent(t *testing.T) {
	m, _ := setupManager(t, 3)
	// Fetching a page that was allocated but never written yields zeroes.
	pagenum := m.GetDiskManager().AllocatePage()
	page, err := m.GetPage(pagenum)
	require.NoError(t, err)
	require.Equal(t, make([]byte, buffer.Pagesize), page.GetData())
	require.Equal(t, pagenum, page.GetPageNum())
	require.True(t, m.PutPage(pagenum, false))
}

func TestCloseWithPinnedPageFails(t *testing.T) {
	tmpfile, err := os.CreateTemp(t.TempDir(), "*.db")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	m, err := buffer.NewWithPool(tmpfile.Name(), 3, 2)
	require.NoError(t, err)

	page, err := m.GetNewPage()
	require.NoError(t, err)
	require.Error(t, m.Close())

	require.True(t, m.PutPage(page.GetPageNum(), false))
	require.NoError(t, m.Close())
}
