package nibble

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func trackBits(encodedLen int) int {
	return encodedLen * 8 * 2 // generous slack for prolog/epilog/sync
}

// Property 4: GCR round-trip for all three codec variants.
func TestGCRRoundTrip(t *testing.T) {
	codecs := []*Codec{&StandardDOS33, &StandardDOS32, &Standard35}
	for _, c := range codecs {
		track := NewBlankTrack(trackBits(c.EncodedSectorSize) * 8)
		data := make([]byte, c.DecodedSectorSize)
		for i := range data {
			data[i] = byte(i*31 + 7)
		}

		require.NoError(t, c.EncodeSector(track, data))

		track.Seek(0)
		got, _, _, damaged := c.decodeSectorDataAt(track, nil)
		require.False(t, damaged, "codec %s", c.Name)
		require.Equal(t, data, got, "codec %s", c.Name)
	}
}

// Property 5: an invalid alphabet byte in the data field is detected and
// reported as damage rather than silently decoded.
func TestGCRInvalidAlphabetByte(t *testing.T) {
	c := &StandardDOS33
	track := NewBlankTrack(trackBits(c.EncodedSectorSize) * 8)
	data := make([]byte, c.DecodedSectorSize)
	require.NoError(t, c.EncodeSector(track, data))

	track.Seek(0)
	// Corrupt the first on-disk byte with a value outside the 6&2 alphabet.
	track.WriteRawByte(0x00)

	track.Seek(0)
	_, _, _, damaged := c.decodeSectorDataAt(track, nil)
	require.True(t, damaged)
}

// Scenario S4: for the 524-byte GCR62 variant, flipping any one of the
// four trailing checksum bytes must surface as decode damage, not a
// silent accept.
func TestGCR62_524ChecksumSensitivity(t *testing.T) {
	c := &Standard35
	data := make([]byte, c.DecodedSectorSize)
	for i := range data {
		data[i] = byte(i % 256)
	}

	for flip := 0; flip < 4; flip++ {
		track := NewBlankTrack(trackBits(c.EncodedSectorSize) * 8)
		require.NoError(t, c.EncodeSector(track, data))

		track.Seek(0)
		got, _, _, damaged := c.decodeSectorDataAt(track, nil)
		require.False(t, damaged)
		require.Equal(t, data, got)

		// Flip one bit of the flip-th trailing checksum byte
		// (EncodedSectorSize counts the aux, primary and four checksum
		// bytes but not the data epilog, so the checksum is its last four).
		checksumStart := c.EncodedSectorSize - 4
		track.Seek(0)
		for i := 0; i < checksumStart+flip; i++ {
			track.ReadRawByte()
		}
		b := track.ReadRawByte()
		track.Seek(0)
		for i := 0; i < checksumStart+flip; i++ {
			track.ReadRawByte()
		}
		track.WriteRawByte(b ^ 0x01)

		track.Seek(0)
		_, _, _, damaged = c.decodeSectorDataAt(track, nil)
		require.True(t, damaged, "flipping checksum byte %d should be detected", flip)
	}
}

func TestGCRWriteSectorFieldFindable(t *testing.T) {
	c := &StandardDOS33
	track := NewBlankTrack((len(c.AddressProlog)+8+len(c.AddressEpilog)+len(c.DataProlog)+c.EncodedSectorSize+16)*8*2 + 200)

	require.NoError(t, c.WriteSectorField(track, 254, 3, 5, make([]byte, c.DecodedSectorSize)))

	track.Seek(0)
	found := c.FindSectors(track, 3, -1)
	require.NotEmpty(t, found)
	require.Equal(t, 5, found[0].Sector)
	require.False(t, found[0].AddrDamaged)
}
