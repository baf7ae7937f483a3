package diskimage

import (
	"bytes"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"

	"diskcore"
	"diskcore/chunk"
	"diskcore/filesystem"
	"diskcore/filesystem/prodos"
	"diskcore/nibble"
	"diskcore/storage"
)

// buildSectorPayload produces a deterministic, track/sector-identifying
// 256-byte payload so a test can assert the right sector round-tripped.
func buildSectorPayload(track, sector int) []byte {
	buf := make([]byte, diskcore.SectorSize)
	for i := range buf {
		buf[i] = byte(track*16 + sector + i)
	}
	return buf
}

// buildNibbleImage encodes a full 35-track, 16-sector-per-track 6&2 GCR
// image (scenario S2's 232,960-byte sample) and returns its raw bytes
// along with the payload it wrote at track 17, sector 0 (standing in for
// the VTOC).
func buildNibbleImage(t *testing.T) ([]byte, []byte) {
	t.Helper()
	const volume = diskcore.Default525VolumeNum
	raw := make([]byte, 0, 35*NibbleTrackBytes)
	var vtoc []byte
	for trk := 0; trk < 35; trk++ {
		track := nibble.NewBlankTrack(NibbleTrackBytes * 8)
		track.Seek(0)
		for sec := 0; sec < 16; sec++ {
			payload := buildSectorPayload(trk, sec)
			if trk == 17 && sec == 0 {
				vtoc = payload
			}
			require.NoError(t, nibble.StandardDOS33.WriteSectorField(track, volume, byte(trk), byte(sec), payload))
		}
		raw = append(raw, track.Bytes()...)
	}
	return raw, vtoc
}

// Scenario S2: decode a 5.25" DOS 3.3 nibble image.
func TestAnalyzeNibbleImage(t *testing.T) {
	raw, vtoc := buildNibbleImage(t)
	img := NewImage(storage.NewMemSource(raw))
	require.NoError(t, img.Analyze(".nib"))

	require.Equal(t, diskcore.ContainerUnadornedNibble525, img.Kind)
	require.Equal(t, diskcore.OrderDOSSector, img.FileOrder)
	require.NotNil(t, img.Chunk)

	g := img.Chunk.Geometry()
	require.True(t, g.HasSectors)
	require.Equal(t, 35, g.Tracks)
	require.Equal(t, 16, g.SectorsPerTrack)

	out := make([]byte, diskcore.SectorSize)
	require.NoError(t, img.Chunk.ReadSector(17, 0, out))
	require.Equal(t, vtoc, out)
}

func newUnadornedSectorBytes(t *testing.T, drv prodos.Driver) []byte {
	t.Helper()
	mem := storage.NewBlankMemSource(diskcore.SectorSize * 16 * 35)
	l, err := chunk.NewLinear(mem, chunk.Geometry{
		FormattedLength: diskcore.SectorSize * 16 * 35,
		HasSectors:      true,
		Tracks:          35,
		SectorsPerTrack: 16,
		HasBlocks:       true,
		FileOrder:       diskcore.OrderDOSSector,
	})
	require.NoError(t, err)
	require.NoError(t, drv.Format(l, "NEWDISK"))
	return mem.Bytes()
}

func TestAnalyzeUnadornedSectorIdentifiesProDOS(t *testing.T) {
	var drv prodos.Driver
	raw := newUnadornedSectorBytes(t, drv)

	img := NewImage(storage.NewMemSource(append([]byte(nil), raw...)))
	require.NoError(t, img.Analyze(".do"))

	require.Equal(t, diskcore.ContainerUnadornedSector, img.Kind)
	require.Equal(t, diskcore.FSProDOS, img.FSTag)
	require.NotNil(t, img.Host)
}

// Property 10: analyze(stream, correct_extension) and analyze(stream, "")
// agree on the recognized kind for every known-kind sample.
func TestAnalyzerStabilityAcrossExtensionHint(t *testing.T) {
	var drv prodos.Driver
	raw := newUnadornedSectorBytes(t, drv)

	withExt := NewImage(storage.NewMemSource(append([]byte(nil), raw...)))
	require.NoError(t, withExt.Analyze(".do"))

	withoutExt := NewImage(storage.NewMemSource(append([]byte(nil), raw...)))
	require.NoError(t, withoutExt.Analyze(""))

	require.Equal(t, withExt.Kind, withoutExt.Kind)
	require.Equal(t, withExt.FSTag, withoutExt.FSTag)
}

// GZip wraps an otherwise ordinary unadorned sector image; analyzing it
// should decompress transparently and still reach ProDOS identification.
func TestAnalyzeGZipWrappedSectorImage(t *testing.T) {
	var drv prodos.Driver
	raw := newUnadornedSectorBytes(t, drv)

	var buf bytes.Buffer
	zw := pgzip.NewWriter(&buf)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	img := NewImage(storage.NewMemSource(buf.Bytes()))
	require.NoError(t, img.Analyze(".gz"))

	require.Equal(t, diskcore.ContainerGZip, img.Kind)
	require.Equal(t, diskcore.FSProDOS, img.FSTag)
	require.NotNil(t, img.Host)
}

func putAPMEntry(raw []byte, block int, name, typ string, mapBlockCnt, start, length uint32) {
	off := block * apmBlockSize
	buf := raw[off : off+apmBlockSize]
	buf[0], buf[1] = 0x50, 0x4D // "PM"
	putBE32(buf[4:8], mapBlockCnt)
	putBE32(buf[8:12], start)
	putBE32(buf[12:16], length)
	copy(buf[16:48], name)
	copy(buf[48:80], typ)
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// Scenario S5: multi-part partition listing over an APM-formatted image.
func TestAnalyzeAPMMultiPart(t *testing.T) {
	const totalBlocks = 104
	raw := make([]byte, totalBlocks*diskcore.BlockSize)
	putAPMEntry(raw, 1, "Apple", "Apple_partition_map", 3, 1, 3)
	putAPMEntry(raw, 2, "ProDOS", "Apple_ProDOS", 3, 4, 90)
	putAPMEntry(raw, 3, "Extra", "Apple_Free", 3, 94, 10)

	mem := storage.NewMemSource(raw)
	partWindow := storage.NewWindow(mem, 4*diskcore.BlockSize, 90*diskcore.BlockSize)
	l, err := chunk.NewLinear(partWindow, chunk.Geometry{
		FormattedLength: 90 * diskcore.BlockSize,
		HasBlocks:       true,
	})
	require.NoError(t, err)
	var drv prodos.Driver
	require.NoError(t, drv.Format(l, "PART1"))

	img := NewImage(mem)
	require.NoError(t, img.Analyze(""))

	require.Equal(t, ContentsMultiPart, img.Contents)
	require.NotNil(t, img.MultiPart)
	require.Len(t, img.MultiPart.Partitions, 3)

	p := img.MultiPart.Partitions[1]
	require.Equal(t, "ProDOS", p.Name)
	require.Equal(t, int64(4), p.StartBlock)
	require.Equal(t, int64(90), p.LengthBlocks)

	h, err := p.OpenFilesystem()
	require.NoError(t, err)
	require.NoError(t, h.ToCooked(false))
	require.Equal(t, filesystem.Cooked, h.Mode())
}
