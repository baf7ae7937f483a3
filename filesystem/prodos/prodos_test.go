package prodos

import (
	"testing"

	"github.com/stretchr/testify/require"

	"diskcore"
	"diskcore/chunk"
	"diskcore/filesystem"
	"diskcore/storage"
	"diskcore/volumeusage"
)

func newUnadornedSectorImage(t *testing.T) chunk.Source {
	t.Helper()
	mem := storage.NewBlankMemSource(diskcore.SectorSize * 16 * 35) // 140KB
	l, err := chunk.NewLinear(mem, chunk.Geometry{
		FormattedLength: diskcore.SectorSize * 16 * 35,
		HasSectors:      true,
		Tracks:          35,
		SectorsPerTrack: 16,
		HasBlocks:       true,
		FileOrder:       diskcore.OrderDOSSector,
	})
	require.NoError(t, err)
	return l
}

// Scenario S1: format and write a ProDOS volume.
func TestFormatCreateWriteReadCycle(t *testing.T) {
	src := newUnadornedSectorImage(t)
	var drv Driver
	require.NoError(t, drv.Format(src, "NEWDISK"))

	host := filesystem.NewHost(src, drv)
	require.NoError(t, host.ToCooked(false))
	require.Empty(t, host.Entries())

	require.NoError(t, drv.CreateFile(host, "HELLO", 0x06, 0x2000))

	require.NoError(t, host.ToRaw())
	require.NoError(t, host.ToCooked(false))

	entries := host.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "/HELLO", entries[0].Path)

	stream, err := host.Open("/HELLO", true)
	require.NoError(t, err)
	payload := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	n, err := stream.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, stream.Close())

	require.NoError(t, host.ToRaw())
	require.NoError(t, host.ToCooked(false))
	entries = host.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, int64(len(payload)), entries[0].Size)

	readStream, err := host.Open("/HELLO", false)
	require.NoError(t, err)
	out := make([]byte, len(payload))
	_, err = readStream.Read(out)
	require.NoError(t, err)
	require.Equal(t, payload, out)
	require.NoError(t, readStream.Close())
}

func TestToRawRejectsWithOpenStream(t *testing.T) {
	src := newUnadornedSectorImage(t)
	var drv Driver
	require.NoError(t, drv.Format(src, "NEWDISK"))
	host := filesystem.NewHost(src, drv)
	require.NoError(t, host.ToCooked(false))
	require.NoError(t, drv.CreateFile(host, "A", 0x06, 0))
	require.NoError(t, host.ToRaw())
	require.NoError(t, host.ToCooked(false))

	stream, err := host.Open("/A", false)
	require.NoError(t, err)

	err = host.ToRaw()
	require.Error(t, err)

	require.NoError(t, stream.Close())
	require.NoError(t, host.ToRaw())
}

// Scenario S6 (adapted): two file entries claiming the same block are
// reported as a volume-usage conflict and both marked dubious.
func TestScanReportsBlockConflict(t *testing.T) {
	src := newUnadornedSectorImage(t)
	var drv Driver
	require.NoError(t, drv.Format(src, "NEWDISK"))

	h, err := readHeader(src)
	require.NoError(t, err)
	dirents := []direntOnDisk{
		{NameLen: 1, StorageType: 0, Size: 10, FirstBlock: h.DataStart},
		{NameLen: 1, StorageType: 0, Size: 10, FirstBlock: h.DataStart},
	}
	copy(dirents[0].Name[:], "A")
	copy(dirents[1].Name[:], "B")
	require.NoError(t, writeDirectory(src, h, dirents))

	host := filesystem.NewHost(src, drv)
	require.NoError(t, host.ToCooked(false))

	entries := host.Entries()
	require.Len(t, entries, 2)
	require.True(t, entries[0].Dubious)
	require.True(t, entries[1].Dubious)

	usage := host.Usage()
	entry := usage.Get(int(h.DataStart))
	require.True(t, entry.Flags&volumeusage.FlagConflict != 0)
	require.ElementsMatch(t, []volumeusage.Owner{volumeusage.FileOwner("A"), volumeusage.FileOwner("B")}, entry.Disputants)

	markedUsed, _, _, conflicts := usage.Analyze()
	require.GreaterOrEqual(t, conflicts, 1)
	require.Greater(t, markedUsed, 0)
}
