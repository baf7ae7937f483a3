package cpm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"diskcore"
	"diskcore/chunk"
	"diskcore/filesystem"
	"diskcore/storage"
)

func newImage(t *testing.T) chunk.Source {
	t.Helper()
	mem := storage.NewBlankMemSource(diskcore.SectorSize * 16 * 35)
	l, err := chunk.NewLinear(mem, chunk.Geometry{
		FormattedLength: diskcore.SectorSize * 16 * 35,
		HasSectors:      true,
		Tracks:          35,
		SectorsPerTrack: 16,
		HasBlocks:       true,
		FileOrder:       diskcore.OrderCPMKBlock,
	})
	require.NoError(t, err)
	return l
}

func TestFormatProducesEmptyDirectory(t *testing.T) {
	src := newImage(t)
	var drv Driver
	require.NoError(t, drv.Format(src, ""))
	require.Equal(t, filesystem.Maybe, drv.TestImage(src))
}

func TestScanFindsSingleExtentFile(t *testing.T) {
	src := newImage(t)
	var drv Driver
	require.NoError(t, drv.Format(src, ""))

	entries := make([]extent, (directoryBlocks*diskcore.KBlockSize)/extentSize)
	for i := range entries {
		entries[i].UserNumber = deletedUser
	}
	copy(entries[0].Name[:], "HELLO   ")
	copy(entries[0].Type[:], "TXT")
	entries[0].UserNumber = 0
	entries[0].RecordCnt = 1
	entries[0].Blocks[0] = byte(directoryBlocks)
	require.NoError(t, writeDirectoryBlocks(src, entries))

	host := filesystem.NewHost(src, drv)
	require.NoError(t, host.ToCooked(false))

	got := host.Entries()
	require.Len(t, got, 1)
	require.Equal(t, "/HELLO.TXT", got[0].Path)
	require.Equal(t, int64(recordSize), got[0].Size)
}
