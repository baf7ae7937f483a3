package zipfile

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"diskcore"
	"diskcore/archive"
	"diskcore/diskerr"
	"diskcore/storage"
)

// bytesPartSource is a PartSource over an in-memory byte slice, counting
// Open calls so a test can assert the rewind-and-retry compression path
// re-reads from the start rather than trusting an already-consumed reader.
type bytesPartSource struct {
	data   []byte
	opens  int
	closes int
}

func (s *bytesPartSource) Open() (io.Reader, error) {
	s.opens++
	return bytes.NewReader(s.data), nil
}

func (s *bytesPartSource) Close() error {
	s.closes++
	return nil
}

var _ archive.PartSource = (*bytesPartSource)(nil)

func TestCommitRoundTripsCompressibleAndTinyParts(t *testing.T) {
	big := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 400)
	tiny := []byte{0x01, 0x02, 0x03, 0x04}

	a, err := archive.Open(storage.NewMemSource(nil), New())
	require.NoError(t, err)

	tx, err := a.Begin()
	require.NoError(t, err)
	tinyEntry := tx.CreateRecord("TINY.TXT")
	tinySrc := &bytesPartSource{data: tiny}
	tx.AddPart(tinyEntry, archive.PartData, tinySrc, diskcore.CompressionDeflate)
	bigEntry := tx.CreateRecord("BIG.TXT")
	bigSrc := &bytesPartSource{data: big}
	tx.AddPart(bigEntry, archive.PartData, bigSrc, diskcore.CompressionDeflate)

	output := storage.NewBlankMemSource(0)
	require.NoError(t, a.Commit(output))

	// The tiny payload doesn't shrink under Deflate, so Commit must have
	// rewound and retried it uncompressed - two Open calls, not one.
	require.Equal(t, 2, tinySrc.opens)
	require.Equal(t, 2, tinySrc.closes)
	require.Equal(t, 1, bigSrc.opens, "the compressible payload shrinks on the first attempt")

	var tinyInfo, bigInfo *archive.PartInfo
	for _, e := range a.Entries() {
		switch e.Name {
		case "TINY.TXT":
			tinyInfo = e.Parts[archive.PartData]
		case "BIG.TXT":
			bigInfo = e.Parts[archive.PartData]
		}
	}
	require.NotNil(t, tinyInfo)
	require.NotNil(t, bigInfo)
	require.Equal(t, diskcore.CompressionUncompressed, tinyInfo.Compression)
	require.Equal(t, diskcore.CompressionDeflate, bigInfo.Compression)
	require.Less(t, bigInfo.CompressedLength, bigInfo.UncompressedLength)

	// Reopen against the committed bytes as a fresh reader would, and
	// confirm both parts round-trip byte-for-byte.
	reopened, err := archive.Open(output, New())
	require.NoError(t, err)

	var reTiny, reBig *archive.Entry
	for _, e := range reopened.Entries() {
		switch e.Name {
		case "TINY.TXT":
			reTiny = e
		case "BIG.TXT":
			reBig = e
		}
	}
	require.NotNil(t, reTiny)
	require.NotNil(t, reBig)

	readAllPart := func(e *archive.Entry) []byte {
		rs, err := reopened.OpenReadStream(e, archive.PartData)
		require.NoError(t, err)
		defer rs.Close()
		data, err := io.ReadAll(rs)
		require.NoError(t, err)
		return data
	}
	require.Equal(t, tiny, readAllPart(reTiny))
	require.Equal(t, big, readAllPart(reBig))
}

// Property 9: a single-byte corruption of a stored (uncompressed) part's
// bytes surfaces as diskerr.ErrCorruptedData once the read reaches the
// part's declared end, rather than being silently accepted.
func TestReadStreamDetectsSingleByteCorruption(t *testing.T) {
	tiny := []byte{0x01, 0x02, 0x03, 0x04}

	a, err := archive.Open(storage.NewMemSource(nil), New())
	require.NoError(t, err)
	tx, err := a.Begin()
	require.NoError(t, err)
	e := tx.CreateRecord("TINY.TXT")
	tx.AddPart(e, archive.PartData, &bytesPartSource{data: tiny}, diskcore.CompressionDeflate)

	output := storage.NewBlankMemSource(0)
	require.NoError(t, a.Commit(output))

	// TINY.TXT is the only entry, stored uncompressed (see above), so its
	// raw bytes begin immediately after the fixed-size local header at
	// offset 0 with a zero-length name.
	corrupted := append([]byte(nil), output.Bytes()...)
	corrupted[localHeaderFixedSize] ^= 0xFF
	corruptedSrc := storage.NewMemSource(corrupted)

	reopened, err := archive.Open(corruptedSrc, New())
	require.NoError(t, err)
	var entry *archive.Entry
	for _, e := range reopened.Entries() {
		if e.Name == "TINY.TXT" {
			entry = e
		}
	}
	require.NotNil(t, entry)

	rs, err := reopened.OpenReadStream(entry, archive.PartData)
	require.NoError(t, err)
	defer rs.Close()

	_, err = io.ReadAll(rs)
	require.Error(t, err)
	require.True(t, errors.Is(err, diskerr.ErrCorruptedData))
}

// A valid, uncorrupted read must succeed end-to-end.
func TestReadStreamAcceptsValidChecksum(t *testing.T) {
	tiny := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}

	a, err := archive.Open(storage.NewMemSource(nil), New())
	require.NoError(t, err)
	tx, err := a.Begin()
	require.NoError(t, err)
	e := tx.CreateRecord("OK.TXT")
	tx.AddPart(e, archive.PartData, &bytesPartSource{data: tiny}, diskcore.CompressionDeflate)

	output := storage.NewBlankMemSource(0)
	require.NoError(t, a.Commit(output))

	reopened, err := archive.Open(output, New())
	require.NoError(t, err)
	entry := reopened.Entries()[0]

	rs, err := reopened.OpenReadStream(entry, archive.PartData)
	require.NoError(t, err)
	defer rs.Close()

	data, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, tiny, data)
}

func TestTestFormatRecognizesLocalHeaderSignature(t *testing.T) {
	a, err := archive.Open(storage.NewMemSource(nil), New())
	require.NoError(t, err)
	tx, err := a.Begin()
	require.NoError(t, err)
	e := tx.CreateRecord("FILE")
	tx.AddPart(e, archive.PartData, &bytesPartSource{data: []byte("hi")}, diskcore.CompressionUncompressed)

	output := storage.NewBlankMemSource(0)
	require.NoError(t, a.Commit(output))

	require.True(t, New().TestFormat(output))
}
