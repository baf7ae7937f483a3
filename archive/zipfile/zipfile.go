// Package zipfile is the archive.Driver for ZIP-family containers (spec
// §4.8 "Driver: archive/zipfile").
//
// stdlib archive/zip.Writer is append-only and offers no way to rewind a
// part mid-write and retry it uncompressed, which spec §4.8 step 3
// requires ("a compression attempt that fails to shrink a part rewinds
// that portion of output"). This package hand-rolls a ZIP-shaped streaming
// writer/reader instead: real ZIP local-file-header and end-of-central-
// directory signatures, but a simplified central-directory record (no
// zip64, no extra fields, no PKZIP method-code table - this driver never
// interoperates with an external unzip tool) so the rewind-and-retry path
// stays simple. Grounded on the teacher's explicit-step Read() method
// shape (amstrad/dsk/dsk.go) for Load/Commit's field-by-field decode, per
// DESIGN.md.
package zipfile

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"

	"diskcore"
	"diskcore/archive"
	"diskcore/diskerr"
	"diskcore/storage"
)

const (
	localHeaderSig = 0x04034b50
	centralDirSig  = 0x02014b50
	endOfDirSig    = 0x06054b50
)

// localHeaderFixedSize is the byte size of one local record's header:
// Sig(4) Compression(2) PartKind(2) UncompressedSize(4) CompressedSize(4)
// CRC32(4) NameLen(2). NameLen is always written as 0 by this driver - the
// entry name lives only in the central directory - but the field is kept
// so the local header stays recognizable as ZIP-shaped.
const localHeaderFixedSize = 4 + 2 + 2 + 4 + 4 + 4 + 2

// Driver implements archive.Driver for this package's ZIP-shaped format.
// Each Driver instance owns its own part-offset table (see offsets below),
// so distinct archives never share mutable state, per spec §5 ("the core
// has no global mutable state, so separate instances may be used in
// parallel from separate threads without coordination").
type Driver struct {
	offsets map[*archive.Entry]map[archive.PartKind]int64
}

// New returns a ready-to-use Driver. The zero value Driver{} is also usable
// (its offset table is lazily allocated on first use) so literal
// zipfile.Driver{} construction keeps working, but New is the preferred
// spelling.
func New() *Driver {
	return &Driver{offsets: map[*archive.Entry]map[archive.PartKind]int64{}}
}

func (d *Driver) ensureOffsets() {
	if d.offsets == nil {
		d.offsets = map[*archive.Entry]map[archive.PartKind]int64{}
	}
}

func (*Driver) Name() string { return "zipfile" }

// TestFormat checks for the real ZIP local-file-header or end-of-central-
// directory signature, matching diskimage's ZIP content test (spec §4.3)
// without re-implementing it.
func (*Driver) TestFormat(src storage.Source) bool {
	buf := make([]byte, 4)
	if _, err := src.ReadAt(buf, 0); err != nil {
		return false
	}
	sig := binary.LittleEndian.Uint32(buf)
	return sig == localHeaderSig || sig == endOfDirSig
}

func (*Driver) ReconstructionNeeded() bool { return true }

// partRecord is one part's on-disk location plus the metadata the central
// directory stored for it.
type partRecord struct {
	offset int64
	info   archive.PartInfo
}

// Load reads the trailing central directory and returns the entries it
// describes. Part byte offsets are threaded from here (and from Commit)
// through to OpenReadStream via d.offsets, keyed by *archive.Entry pointer
// identity, stable for the lifetime of one archive.Archive - this avoids
// widening the shared archive.PartInfo struct (used by every driver) with
// a zipfile-only field.
func (d *Driver) Load(src storage.Source) ([]*archive.Entry, error) {
	d.ensureOffsets()
	length, err := src.Len()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	recs, err := readCentralDirectory(src, length)
	if err != nil {
		return nil, err
	}

	entries := make([]*archive.Entry, 0, len(recs))
	for _, rec := range recs {
		e := &archive.Entry{Name: rec.name, Parts: map[archive.PartKind]*archive.PartInfo{}, Attrs: rec.attrs}
		partOffsets := map[archive.PartKind]int64{}
		for kind, loc := range rec.parts {
			info := loc.info
			e.Parts[kind] = &info
			partOffsets[kind] = loc.offset
		}
		d.offsets[e] = partOffsets
		entries = append(entries, e)
	}
	return entries, nil
}

type centralRecord struct {
	name  string
	attrs map[string]string
	parts map[archive.PartKind]partRecord
}

// readCentralDirectory scans the end-of-central-directory footer for the
// central directory's location, then decodes each record it describes.
// Simplified single-disk, non-zip64 case only.
func readCentralDirectory(src storage.Source, length int64) (map[string]*centralRecord, error) {
	const footerSize = 4 + 8 + 8
	if length < footerSize {
		return nil, errors.Wrap(diskerr.ErrCorruptedData, "zipfile: file too short for end-of-central-directory record")
	}
	footer := make([]byte, footerSize)
	if _, err := src.ReadAt(footer, length-footerSize); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(footer[0:4]) != endOfDirSig {
		return nil, errors.Wrap(diskerr.ErrCorruptedData, "zipfile: missing end-of-central-directory signature")
	}
	cdOffset := int64(binary.LittleEndian.Uint64(footer[4:12]))
	cdSize := int64(binary.LittleEndian.Uint64(footer[12:20]))

	cdBuf := make([]byte, cdSize)
	if _, err := src.ReadAt(cdBuf, cdOffset); err != nil {
		return nil, errors.Wrap(err, "zipfile: reading central directory")
	}

	records := map[string]*centralRecord{}
	r := bytes.NewReader(cdBuf)
	for r.Len() > 0 {
		var sig uint32
		if err := binary.Read(r, binary.LittleEndian, &sig); err != nil {
			return nil, err
		}
		if sig != centralDirSig {
			return nil, errors.Wrap(diskerr.ErrCorruptedData, "zipfile: malformed central directory record")
		}
		name, err := readString16(r)
		if err != nil {
			return nil, err
		}
		rec := &centralRecord{name: name, attrs: map[string]string{}, parts: map[archive.PartKind]partRecord{}}

		var partCount uint16
		if err := binary.Read(r, binary.LittleEndian, &partCount); err != nil {
			return nil, err
		}
		for i := uint16(0); i < partCount; i++ {
			var kind, compression uint16
			var offset, uncompressed, compressed uint64
			var checksum uint32
			for _, field := range []interface{}{&kind, &compression, &offset, &uncompressed, &compressed, &checksum} {
				if err := binary.Read(r, binary.LittleEndian, field); err != nil {
					return nil, err
				}
			}
			rec.parts[archive.PartKind(kind)] = partRecord{
				offset: int64(offset),
				info: archive.PartInfo{
					Compression:        diskcore.CompressionFormat(compression),
					UncompressedLength: uncompressed,
					CompressedLength:   compressed,
					Checksum:           checksum,
					HasChecksum:        true,
				},
			}
		}

		var attrCount uint16
		if err := binary.Read(r, binary.LittleEndian, &attrCount); err != nil {
			return nil, err
		}
		for i := uint16(0); i < attrCount; i++ {
			k, err := readString16(r)
			if err != nil {
				return nil, err
			}
			v, err := readString16(r)
			if err != nil {
				return nil, err
			}
			rec.attrs[k] = v
		}
		records[rec.name] = rec
	}
	return records, nil
}

func readString16(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeString16(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

// crc32IEEE is a minimal hash.Hash32 over crc32.IEEETable, used both while
// encoding new parts and by archive.ReadStream while decoding them.
type crc32IEEE struct{ sum uint32 }

func (c *crc32IEEE) Write(p []byte) (int, error) {
	c.sum = crc32.Update(c.sum, crc32.IEEETable, p)
	return len(p), nil
}
func (c *crc32IEEE) Sum(b []byte) []byte {
	return append(b, byte(c.sum>>24), byte(c.sum>>16), byte(c.sum>>8), byte(c.sum))
}
func (c *crc32IEEE) Reset()         { c.sum = 0 }
func (c *crc32IEEE) Size() int      { return 4 }
func (c *crc32IEEE) BlockSize() int { return 1 }
func (c *crc32IEEE) Sum32() uint32  { return c.sum }

// OpenReadStream opens a forward-only reader over one part, chaining a
// flate decompressor when the part was stored Deflate-compressed (spec
// §4.9).
func (d *Driver) OpenReadStream(src storage.Source, e *archive.Entry, part archive.PartKind) (*archive.ReadStream, error) {
	info, ok := e.Parts[part]
	if !ok {
		return nil, errors.Wrapf(diskerr.ErrNotFound, "zipfile: %q has no %s part", e.Name, part)
	}
	off, ok := d.offsets[e][part]
	if !ok {
		return nil, errors.Wrapf(diskerr.ErrInvalidOperation, "zipfile: %q %s part has no known on-disk location", e.Name, part)
	}

	header := make([]byte, localHeaderFixedSize)
	if _, err := src.ReadAt(header, off); err != nil {
		return nil, err
	}
	nameLen := binary.LittleEndian.Uint16(header[20:22])
	dataOffset := off + int64(localHeaderFixedSize) + int64(nameLen)

	raw := io.NewSectionReader(&sourceReaderAt{src}, dataOffset, int64(info.CompressedLength))
	var reader io.Reader = raw
	var closer func() error

	if info.Compression == diskcore.CompressionDeflate {
		fr := flate.NewReader(raw)
		reader = fr
		closer = fr.Close
	}

	var check crc32IEEE
	knownLength := int64(info.UncompressedLength)
	if info.HasChecksum {
		return archive.NewReadStream(reader, knownLength, &check, info.Checksum, closer), nil
	}
	return archive.NewReadStream(reader, knownLength, nil, 0, closer), nil
}

// sourceReaderAt adapts storage.Source to io.ReaderAt for io.SectionReader.
type sourceReaderAt struct{ src storage.Source }

func (s *sourceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return s.src.ReadAt(p, off)
}

// encodedPart is one part's final bytes, ready to be written as a local
// record, plus the metadata the central directory will need.
type encodedPart struct {
	kind archive.PartKind
	data []byte
	info archive.PartInfo
}

// encodeNewPart drains source per spec §4.8 step 3: attempt the requested
// compression, and if it fails to shrink the part, reopen the source and
// write it uncompressed instead.
func encodeNewPart(kind archive.PartKind, source archive.PartSource, compression diskcore.CompressionFormat) (*encodedPart, error) {
	if compression == diskcore.CompressionDeflate {
		part, shrank, err := tryDeflate(kind, source)
		if err != nil {
			return nil, err
		}
		if shrank {
			return part, nil
		}
		// Falls through to the uncompressed path below, re-opening source.
	}

	r, err := source.Open()
	if err != nil {
		return nil, errors.Wrap(err, "zipfile: opening part source")
	}
	var crc crc32IEEE
	data, err := io.ReadAll(io.TeeReader(r, &crc))
	closeErr := source.Close()
	if err != nil {
		return nil, errors.Wrap(err, "zipfile: reading part source")
	}
	if closeErr != nil {
		return nil, errors.Wrap(closeErr, "zipfile: closing part source")
	}
	return &encodedPart{
		kind: kind,
		data: data,
		info: archive.PartInfo{
			Compression:        diskcore.CompressionUncompressed,
			UncompressedLength: uint64(len(data)),
			CompressedLength:   uint64(len(data)),
			Checksum:           crc.Sum32(),
			HasChecksum:        true,
		},
	}, nil
}

// tryDeflate compresses source's bytes with flate. shrank reports whether
// the compressed form is smaller than the original; when false, the caller
// re-opens source and writes it uncompressed instead of trusting this
// attempt's (already-consumed) reader.
func tryDeflate(kind archive.PartKind, source archive.PartSource) (part *encodedPart, shrank bool, err error) {
	r, err := source.Open()
	if err != nil {
		return nil, false, errors.Wrap(err, "zipfile: opening part source")
	}
	var crc crc32IEEE
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		_ = source.Close()
		return nil, false, errors.Wrap(err, "zipfile: creating deflate writer")
	}
	n, err := io.Copy(fw, io.TeeReader(r, &crc))
	if err != nil {
		_ = source.Close()
		return nil, false, errors.Wrap(err, "zipfile: deflating part")
	}
	if err := fw.Close(); err != nil {
		_ = source.Close()
		return nil, false, errors.Wrap(err, "zipfile: finishing deflate stream")
	}
	if err := source.Close(); err != nil {
		return nil, false, errors.Wrap(err, "zipfile: closing part source")
	}

	if int64(buf.Len()) >= n {
		return nil, false, nil
	}
	return &encodedPart{
		kind: kind,
		data: buf.Bytes(),
		info: archive.PartInfo{
			Compression:        diskcore.CompressionDeflate,
			UncompressedLength: uint64(n),
			CompressedLength:   uint64(buf.Len()),
			Checksum:           crc.Sum32(),
			HasChecksum:        true,
		},
	}, true, nil
}

// copyOldPart copies an existing part's encoded bytes verbatim from src
// into the new archive, with no decompress/recompress round-trip.
func copyOldPart(src storage.Source, kind archive.PartKind, loc partRecord) (*encodedPart, error) {
	header := make([]byte, localHeaderFixedSize)
	if _, err := src.ReadAt(header, loc.offset); err != nil {
		return nil, err
	}
	nameLen := binary.LittleEndian.Uint16(header[20:22])
	dataOffset := loc.offset + int64(localHeaderFixedSize) + int64(nameLen)
	data := make([]byte, loc.info.CompressedLength)
	if _, err := src.ReadAt(data, dataOffset); err != nil {
		return nil, err
	}
	return &encodedPart{kind: kind, data: data, info: loc.info}, nil
}

// pendingEntry is the working state for one surviving entry while Commit
// assembles the new archive.
type pendingEntry struct {
	entry *archive.Entry
	name  string
	attrs map[string]string
	plan  map[archive.PartKind]partPlan
}

type partPlan struct {
	source      archive.PartSource
	compression diskcore.CompressionFormat
	copyFrom    *partRecord
}

// Commit writes a complete new ZIP-shaped archive to output: local records
// for every surviving part (verbatim-copied for untouched parts, freshly
// encoded for AddPart'd ones), a central directory, and a trailing
// end-of-central-directory footer (spec §4.8).
func (d *Driver) Commit(src storage.Source, entries []*archive.Entry, ops []archive.Op, output io.WriteSeeker) ([]*archive.Entry, error) {
	d.ensureOffsets()
	pending := make([]*pendingEntry, 0, len(entries))
	byEntry := map[*archive.Entry]*pendingEntry{}
	for _, e := range entries {
		attrs := map[string]string{}
		for k, v := range e.Attrs {
			attrs[k] = v
		}
		p := &pendingEntry{entry: e, name: e.Name, attrs: attrs, plan: map[archive.PartKind]partPlan{}}
		for kind, info := range e.Parts {
			if off, ok := d.offsets[e][kind]; ok {
				rec := partRecord{offset: off, info: *info}
				p.plan[kind] = partPlan{copyFrom: &rec}
			}
		}
		pending = append(pending, p)
		byEntry[e] = p
	}

	for _, o := range ops {
		switch o.Kind {
		case archive.OpCreateRecord:
			p := &pendingEntry{entry: o.Entry, name: o.Entry.Name, attrs: map[string]string{}, plan: map[archive.PartKind]partPlan{}}
			pending = append(pending, p)
			byEntry[o.Entry] = p
		case archive.OpDeleteRecord:
			p := byEntry[o.Entry]
			pending = removePending(pending, p)
			delete(byEntry, o.Entry)
		case archive.OpAddPart:
			p := byEntry[o.Entry]
			if p == nil {
				return nil, errors.Wrap(diskerr.ErrInvalidOperation, "zipfile: AddPart on an entry outside this transaction")
			}
			p.plan[o.Part] = partPlan{source: o.Source, compression: o.Compression}
		case archive.OpDeletePart:
			p := byEntry[o.Entry]
			if p != nil {
				delete(p.plan, o.Part)
			}
		case archive.OpSetAttr:
			p := byEntry[o.Entry]
			if p != nil {
				p.attrs[o.AttrKey] = o.AttrValue
			}
		}
	}

	var cursor int64
	newOffsets := map[*archive.Entry]map[archive.PartKind]int64{}
	finalEntries := make([]*archive.Entry, 0, len(pending))

	for _, p := range pending {
		parts := map[archive.PartKind]*archive.PartInfo{}
		partOffsets := map[archive.PartKind]int64{}

		for kind, plan := range p.plan {
			var encoded *encodedPart
			var err error
			if plan.copyFrom != nil {
				encoded, err = copyOldPart(src, kind, *plan.copyFrom)
			} else {
				encoded, err = encodeNewPart(kind, plan.source, plan.compression)
			}
			if err != nil {
				return nil, errors.Wrapf(err, "zipfile: encoding %q %s part", p.name, kind)
			}

			headerStart := cursor
			header := make([]byte, localHeaderFixedSize)
			binary.LittleEndian.PutUint32(header[0:4], localHeaderSig)
			binary.LittleEndian.PutUint16(header[4:6], uint16(encoded.info.Compression))
			binary.LittleEndian.PutUint16(header[6:8], uint16(kind))
			binary.LittleEndian.PutUint32(header[8:12], uint32(encoded.info.UncompressedLength))
			binary.LittleEndian.PutUint32(header[12:16], uint32(encoded.info.CompressedLength))
			binary.LittleEndian.PutUint32(header[16:20], encoded.info.Checksum)
			binary.LittleEndian.PutUint16(header[20:22], 0) // NameLen, always 0

			if _, err := output.Seek(headerStart, io.SeekStart); err != nil {
				return nil, err
			}
			if _, err := output.Write(header); err != nil {
				return nil, err
			}
			if _, err := output.Write(encoded.data); err != nil {
				return nil, err
			}
			cursor = headerStart + int64(localHeaderFixedSize) + int64(len(encoded.data))

			info := encoded.info
			parts[kind] = &info
			partOffsets[kind] = headerStart
		}

		// A fresh Entry, not p.entry: the transaction's original entries
		// must stay untouched until the whole commit (through the footer
		// write below) has succeeded, so a failure partway through this
		// loop leaves nothing mutated for the caller to observe (spec §8
		// property 8 / scenario S3).
		final := &archive.Entry{Name: p.name, Parts: parts, Attrs: p.attrs}
		newOffsets[final] = partOffsets
		finalEntries = append(finalEntries, final)
	}

	cdStart := cursor
	var cdBuf bytes.Buffer
	for _, e := range finalEntries {
		_ = binary.Write(&cdBuf, binary.LittleEndian, uint32(centralDirSig))
		if err := writeString16(&cdBuf, e.Name); err != nil {
			return nil, err
		}
		partOffsets := newOffsets[e]
		_ = binary.Write(&cdBuf, binary.LittleEndian, uint16(len(e.Parts)))
		for kind, info := range e.Parts {
			_ = binary.Write(&cdBuf, binary.LittleEndian, uint16(kind))
			_ = binary.Write(&cdBuf, binary.LittleEndian, uint16(info.Compression))
			_ = binary.Write(&cdBuf, binary.LittleEndian, uint64(partOffsets[kind]))
			_ = binary.Write(&cdBuf, binary.LittleEndian, info.UncompressedLength)
			_ = binary.Write(&cdBuf, binary.LittleEndian, info.CompressedLength)
			_ = binary.Write(&cdBuf, binary.LittleEndian, info.Checksum)
		}
		_ = binary.Write(&cdBuf, binary.LittleEndian, uint16(len(e.Attrs)))
		for k, v := range e.Attrs {
			if err := writeString16(&cdBuf, k); err != nil {
				return nil, err
			}
			if err := writeString16(&cdBuf, v); err != nil {
				return nil, err
			}
		}
	}

	if _, err := output.Seek(cdStart, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := output.Write(cdBuf.Bytes()); err != nil {
		return nil, err
	}
	cdSize := int64(cdBuf.Len())

	footer := make([]byte, 4+8+8)
	binary.LittleEndian.PutUint32(footer[0:4], endOfDirSig)
	binary.LittleEndian.PutUint64(footer[4:12], uint64(cdStart))
	binary.LittleEndian.PutUint64(footer[12:20], uint64(cdSize))
	if _, err := output.Write(footer); err != nil {
		return nil, err
	}
	finalLength := cdStart + cdSize + int64(len(footer))
	if trunc, ok := output.(interface{ Truncate(int64) error }); ok {
		if err := trunc.Truncate(finalLength); err != nil {
			return nil, err
		}
	}

	for e, po := range newOffsets {
		d.offsets[e] = po
	}
	return finalEntries, nil
}

func removePending(pending []*pendingEntry, target *pendingEntry) []*pendingEntry {
	out := pending[:0]
	for _, p := range pending {
		if p != target {
			out = append(out, p)
		}
	}
	return out
}

var _ archive.Driver = (*Driver)(nil)
