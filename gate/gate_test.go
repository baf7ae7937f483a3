package gate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"diskcore"
	"diskcore/chunk"
	"diskcore/storage"
)

func newGated(t *testing.T) *Gated {
	t.Helper()
	mem := storage.NewBlankMemSource(diskcore.SectorSize * 16 * 35)
	l, err := chunk.NewLinear(mem, chunk.Geometry{
		FormattedLength: diskcore.SectorSize * 16 * 35,
		HasSectors:      true,
		Tracks:          35,
		SectorsPerTrack: 16,
		HasBlocks:       true,
		FileOrder:       diskcore.OrderProDOSBlock,
	})
	require.NoError(t, err)
	return New(l)
}

// Property 7: Open allows reads and writes; ReadOnly allows reads but
// rejects writes; Closed rejects everything.
func TestGateModeInvariant(t *testing.T) {
	g := newGated(t)
	buf := make([]byte, diskcore.SectorSize)

	require.NoError(t, g.WriteSector(0, 0, buf))
	require.NoError(t, g.ReadSector(0, 0, buf))

	g.SetLevel(ReadOnly)
	require.NoError(t, g.ReadSector(0, 0, buf))
	require.Error(t, g.WriteSector(0, 0, buf))

	g.SetLevel(Closed)
	require.Error(t, g.ReadSector(0, 0, buf))
	require.Error(t, g.WriteSector(0, 0, buf))

	g.SetLevel(Open)
	require.NoError(t, g.WriteSector(0, 0, buf))
}

func TestGateUnknownRejectsByDefault(t *testing.T) {
	mem := storage.NewBlankMemSource(diskcore.SectorSize * 16 * 35)
	l, err := chunk.NewLinear(mem, chunk.Geometry{
		FormattedLength: diskcore.SectorSize * 16 * 35,
		HasSectors:      true,
		Tracks:          35,
		SectorsPerTrack: 16,
		HasBlocks:       true,
		FileOrder:       diskcore.OrderProDOSBlock,
	})
	require.NoError(t, err)
	g := &Gated{src: l}
	require.Error(t, g.ReadSector(0, 0, make([]byte, diskcore.SectorSize)))
}
