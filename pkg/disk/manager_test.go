package disk_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/ncw/directio"
	"github.com/stretchr/testify/require"

	"trilodb/pkg/disk"
)

// setupDiskManager creates a disk manager over a temp database file.
func setupDiskManager(t *testing.T) *disk.Manager {
	t.Parallel()
	tmpfile, err := os.CreateTemp(t.TempDir(), "*.db")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	m, err := disk.New(tmpfile.Name())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
	})
	return m
}

func TestAllocatePagenumsAreDense(t *testing.T) {
	m := setupDiskManager(t)
	for want := int64(0); want < 10; want++ {
		require.Equal(t, want, m.AllocatePage())
	}
	require.Equal(t, int64(10), m.GetNumPages())
}

func TestDeallocateTracking(t *testing.T) {
	m := setupDiskManager(t)
	first := m.AllocatePage()
	second := m.AllocatePage()

	require.True(t, m.Allocated(first))
	require.True(t, m.Allocated(second))

	m.DeallocatePage(first)
	require.False(t, m.Allocated(first))
	require.True(t, m.Allocated(second))

	// Pagenums stay dense; a deallocated page is never handed out again.
	require.Equal(t, int64(2), m.AllocatePage())
}

func TestReadNeverWrittenPageIsZeroed(t *testing.T) {
	m := setupDiskManager(t)
	pagenum := m.AllocatePage()

	buf := directio.AlignedBlock(int(disk.Pagesize))
	buf[0] = 0xFF
	require.NoError(t, m.ReadPage(pagenum, buf))
	require.Equal(t, make([]byte, disk.Pagesize), buf)
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := setupDiskManager(t)
	pagenum := m.AllocatePage()

	written := directio.AlignedBlock(int(disk.Pagesize))
	copy(written, bytes.Repeat([]byte{0xAB}, 64))
	require.NoError(t, m.WritePage(pagenum, written))

	read := directio.AlignedBlock(int(disk.Pagesize))
	require.NoError(t, m.ReadPage(pagenum, read))
	require.Equal(t, written, read)
}
