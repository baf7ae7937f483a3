package chunk

import (
	"testing"

	"github.com/stretchr/testify/require"

	"diskcore"
	"diskcore/storage"
)

func newProDOSDisk(t *testing.T) *Linear {
	t.Helper()
	mem := storage.NewBlankMemSource(diskcore.SectorSize * 16 * 35)
	l, err := NewLinear(mem, Geometry{
		FormattedLength: diskcore.SectorSize * 16 * 35,
		HasSectors:      true,
		Tracks:          35,
		SectorsPerTrack: 16,
		HasBlocks:       true,
		FileOrder:       diskcore.OrderProDOSBlock,
	})
	require.NoError(t, err)
	return l
}

// Property 1: skew round-trip for every order and every sector.
func TestSkewRoundTrip(t *testing.T) {
	orders := []diskcore.FileOrder{
		diskcore.OrderPhysical,
		diskcore.OrderDOSSector,
		diskcore.OrderProDOSBlock,
		diskcore.OrderCPMKBlock,
	}
	for _, order := range orders {
		for s := 0; s < 16; s++ {
			file := PhysToFile(order, s)
			back := FileToPhys(order, file)
			require.Equal(t, s, back, "order %v sector %d", order, s)
		}
	}
}

// Property 2 (sector half): any byte pattern written is returned identical,
// for each file order.
func TestSectorReadWriteIdentity(t *testing.T) {
	orders := []diskcore.FileOrder{
		diskcore.OrderDOSSector,
		diskcore.OrderProDOSBlock,
		diskcore.OrderCPMKBlock,
	}
	for _, order := range orders {
		mem := storage.NewBlankMemSource(diskcore.SectorSize * 16 * 35)
		l, err := NewLinear(mem, Geometry{
			FormattedLength: diskcore.SectorSize * 16 * 35,
			HasSectors:      true,
			Tracks:          35,
			SectorsPerTrack: 16,
			HasBlocks:       true,
			FileOrder:       order,
		})
		require.NoError(t, err)

		for s := 0; s < 16; s++ {
			pattern := make([]byte, diskcore.SectorSize)
			for i := range pattern {
				pattern[i] = byte(s*17 + i)
			}
			require.NoError(t, l.WriteSector(5, s, pattern))
			out := make([]byte, diskcore.SectorSize)
			require.NoError(t, l.ReadSector(5, s, out))
			require.Equal(t, pattern, out, "order %v sector %d", order, s)
		}
	}
}

// Property 3: reading block b yields the concatenation of the correctly
// skewed sector halves, for every file order.
func TestBlockAsTwoSectors(t *testing.T) {
	orders := []diskcore.FileOrder{
		diskcore.OrderDOSSector,
		diskcore.OrderProDOSBlock,
	}
	for _, order := range orders {
		mem := storage.NewBlankMemSource(diskcore.SectorSize * 16 * 35)
		l, err := NewLinear(mem, Geometry{
			FormattedLength: diskcore.SectorSize * 16 * 35,
			HasSectors:      true,
			Tracks:          35,
			SectorsPerTrack: 16,
			HasBlocks:       true,
			FileOrder:       order,
		})
		require.NoError(t, err)

		half0 := make([]byte, diskcore.SectorSize)
		half1 := make([]byte, diskcore.SectorSize)
		for i := range half0 {
			half0[i] = byte(i)
			half1[i] = byte(255 - i)
		}
		// block 3 => track 0, sectors 6 and 7.
		require.NoError(t, l.WriteSector(0, 6, half0))
		require.NoError(t, l.WriteSector(0, 7, half1))

		block := make([]byte, diskcore.BlockSize)
		require.NoError(t, l.ReadBlock(3, block))
		require.Equal(t, half0, block[:diskcore.SectorSize])
		require.Equal(t, half1, block[diskcore.SectorSize:])
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	mem := storage.NewReadOnlyMemSource(make([]byte, diskcore.SectorSize*16*35))
	l, err := NewLinear(mem, Geometry{
		FormattedLength: diskcore.SectorSize * 16 * 35,
		HasSectors:      true,
		Tracks:          35,
		SectorsPerTrack: 16,
		HasBlocks:       true,
		FileOrder:       diskcore.OrderDOSSector,
	})
	require.NoError(t, err)
	require.True(t, l.Geometry().ReadOnly)

	err = l.WriteSector(0, 0, make([]byte, diskcore.SectorSize))
	require.Error(t, err)
}

func TestOutOfRangeSector(t *testing.T) {
	l := newProDOSDisk(t)
	err := l.ReadSector(35, 0, make([]byte, diskcore.SectorSize))
	require.Error(t, err)
	err = l.ReadSector(0, 16, make([]byte, diskcore.SectorSize))
	require.Error(t, err)
}

func TestReadWriteCounters(t *testing.T) {
	l := newProDOSDisk(t)
	require.Equal(t, uint64(0), l.ReadCount())
	require.NoError(t, l.WriteSector(0, 0, make([]byte, diskcore.SectorSize)))
	require.Equal(t, uint64(1), l.WriteCount())
	require.True(t, l.Dirty())
	require.NoError(t, l.ReadSector(0, 0, make([]byte, diskcore.SectorSize)))
	require.Equal(t, uint64(1), l.ReadCount())
}

func TestGeometryInvariantRejectsBadLength(t *testing.T) {
	mem := storage.NewBlankMemSource(100)
	_, err := NewLinear(mem, Geometry{
		FormattedLength: 100,
		HasSectors:      true,
		Tracks:          35,
		SectorsPerTrack: 16,
	})
	require.Error(t, err)
}
