// Package cpm implements filesystem.Driver for CP/M volumes on Apple II
// 5.25"/3.5" media: directory extents, user numbers and allocation blocks.
//
// Grounded on the teacher's amstrad/dsk/amsdos.go (AmsDos.readDirectories,
// the 64-entry/2048-byte directory area, the UserNumber<=32 validity
// filter) and amstrad/amsdos/headers.go's RecordHeader, retargeted from
// Amstrad CPC 9-sector/512-byte geometry to Apple CP/M's 16-sector/256-byte
// DOS-ordered geometry addressed through chunk.Source.ReadBlockCPM. The
// precise on-disk Directory struct in retroio/cpm/cpm2 was referenced by
// the teacher but not present in the retrieval pack, so the 32-byte
// extent layout below follows the standard CP/M 2.2 convention instead
// (documented in DESIGN.md).
package cpm

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"diskcore"
	"diskcore/chunk"
	"diskcore/diskerr"
	"diskcore/filesystem"
	"diskcore/volumeusage"
)

const (
	directoryBlocks = 2 // 2 KB of directory = 64 32-byte extents
	extentSize      = 32
	recordSize      = 128
	deletedUser     = 0xE5
)

// extent is one 32-byte CP/M directory entry.
type extent struct {
	UserNumber byte
	Name       [8]byte
	Type       [3]byte
	ExtentLow  byte
	S1         byte
	ExtentHigh byte
	RecordCnt  byte
	Blocks     [16]byte // 8-bit allocation map, sufficient for <256-block volumes
}

// Driver implements filesystem.Driver for CP/M.
type Driver struct{}

func (Driver) Name() string { return "CPM" }

func readDirectoryBlocks(src chunk.Source) ([]extent, error) {
	var raw []byte
	for b := 0; b < directoryBlocks; b++ {
		buf := make([]byte, diskcore.KBlockSize)
		if err := src.ReadBlockCPM(b, buf); err != nil {
			return nil, err
		}
		raw = append(raw, buf...)
	}
	count := len(raw) / extentSize
	out := make([]extent, 0, count)
	r := bytes.NewReader(raw)
	for i := 0; i < count; i++ {
		var e extent
		if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func writeDirectoryBlocks(src chunk.Source, entries []extent) error {
	var buf bytes.Buffer
	for _, e := range entries {
		if err := binary.Write(&buf, binary.LittleEndian, &e); err != nil {
			return errors.Wrap(err, "cpm: encode directory extent")
		}
	}
	data := buf.Bytes()
	for b := 0; b < directoryBlocks; b++ {
		chunkBuf := make([]byte, diskcore.KBlockSize)
		start := b * diskcore.KBlockSize
		end := start + diskcore.KBlockSize
		if start < len(data) {
			copy(chunkBuf, data[start:min(end, len(data))])
		}
		if err := src.WriteBlockCPM(b, chunkBuf); err != nil {
			return err
		}
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func isLive(e extent) bool {
	return e.UserNumber <= 15
}

func (Driver) TestImage(src chunk.Source) filesystem.Confidence {
	g := src.Geometry()
	if !g.HasSectors && !g.HasBlocks {
		return filesystem.No
	}
	entries, err := readDirectoryBlocks(src)
	if err != nil {
		return filesystem.No
	}
	live, deleted := 0, 0
	for _, e := range entries {
		switch {
		case isLive(e):
			live++
		case e.UserNumber == deletedUser:
			deleted++
		default:
			return filesystem.No
		}
	}
	if live == 0 {
		if deleted == len(entries) {
			return filesystem.Maybe // plausible blank CP/M directory
		}
		return filesystem.No
	}
	return filesystem.Good
}

func (Driver) Format(src chunk.Source, volumeName string) error {
	entries := make([]extent, (directoryBlocks*diskcore.KBlockSize)/extentSize)
	for i := range entries {
		entries[i].UserNumber = deletedUser
	}
	return writeDirectoryBlocks(src, entries)
}

func name(e extent) string {
	n := bytes.TrimRight(e.Name[:], " ")
	t := bytes.TrimRight(e.Type[:], " ")
	t2 := bytes.TrimRight(t, "\x00")
	if len(t2) == 0 {
		return string(n)
	}
	return string(n) + "." + string(t2)
}

// groupedFile accumulates every extent belonging to one name, in extent
// order, so total size and block list can be computed across multi-extent
// files.
type groupedFile struct {
	name    string
	extents []extent
}

func groupExtents(entries []extent) []groupedFile {
	order := []string{}
	byName := map[string]*groupedFile{}
	for _, e := range entries {
		if !isLive(e) {
			continue
		}
		n := name(e)
		g, ok := byName[n]
		if !ok {
			g = &groupedFile{name: n}
			byName[n] = g
			order = append(order, n)
		}
		g.extents = append(g.extents, e)
	}
	out := make([]groupedFile, 0, len(order))
	for _, n := range order {
		out = append(out, *byName[n])
	}
	return out
}

func (g groupedFile) size() int64 {
	var total int64
	for _, e := range g.extents {
		total += int64(e.RecordCnt) * recordSize
	}
	return total
}

func (g groupedFile) blockList() []int {
	var blocks []int
	for _, e := range g.extents {
		for _, b := range e.Blocks {
			if b != 0 {
				blocks = append(blocks, int(b))
			}
		}
	}
	return blocks
}

// Scan parses the directory into grouped files, publishing FileEntry
// records and a volumeusage.Map keyed by CP/M allocation block number.
func (d Driver) Scan(host *filesystem.Host, quick bool) error {
	src := host.RawSource()
	raw, err := readDirectoryBlocks(src)
	if err != nil {
		return err
	}
	groups := groupExtents(raw)

	totalBlocks := int(src.Geometry().FormattedLength / diskcore.KBlockSize)
	usage := volumeusage.New(totalBlocks)
	for b := 0; b < directoryBlocks; b++ {
		usage.MarkInUse(b)
		_ = usage.SetUsage(b, volumeusage.SystemOwner)
	}

	var entries []filesystem.FileEntry
	for _, g := range groups {
		dubious := false
		for _, b := range g.blockList() {
			usage.MarkInUse(b)
			if err := usage.SetUsage(b, volumeusage.FileOwner(g.name)); err != nil {
				dubious = true
				var conflict *volumeusage.Conflict
				if errors.As(err, &conflict) {
					for _, owner := range []volumeusage.Owner{conflict.Existing, conflict.Incoming} {
						if owner.Kind != volumeusage.OwnerFile {
							continue
						}
						for i := range entries {
							if entries[i].Path == "/"+owner.Ref {
								entries[i].Dubious = true
							}
						}
					}
				}
			}
		}
		entries = append(entries, filesystem.FileEntry{
			Path:    "/" + g.name,
			Size:    g.size(),
			Dubious: dubious,
		})
	}

	host.SetUsage(usage)
	host.SetEntries(entries)
	return nil
}

type blockBacking struct {
	src    chunk.Source
	blocks []int
	size   int64
}

func (b *blockBacking) Size() int64 { return b.size }

func (b *blockBacking) ReadAt(p []byte, off int64) (int, error) {
	if off >= b.size {
		return 0, nil
	}
	n := len(p)
	if off+int64(n) > b.size {
		n = int(b.size - off)
	}
	buf := make([]byte, diskcore.KBlockSize)
	total := 0
	for total < n {
		idx := int((off + int64(total)) / diskcore.KBlockSize)
		if idx >= len(b.blocks) {
			break
		}
		blockOff := int((off + int64(total)) % diskcore.KBlockSize)
		if err := b.src.ReadBlockCPM(b.blocks[idx], buf); err != nil {
			return total, err
		}
		total += copy(p[total:n], buf[blockOff:])
	}
	return total, nil
}

func (b *blockBacking) WriteAt(p []byte, off int64) (int, error) {
	return 0, diskerr.ErrUnsupported // CP/M write support is not implemented
}

func (b *blockBacking) SetLength(n int64) error { return diskerr.ErrUnsupported }

func (b *blockBacking) NextDataOrHole(off int64, data bool) (int64, error) {
	if data {
		if off < b.size {
			return off, nil
		}
		return 0, diskerr.ErrOutOfRange
	}
	return b.size, nil
}

func (b *blockBacking) Flush() error { return nil }

func (d Driver) Open(host *filesystem.Host, path string, writable bool) (*filesystem.FileStream, error) {
	if writable {
		return nil, diskerr.ErrUnsupported
	}
	src := host.RawSource()
	raw, err := readDirectoryBlocks(src)
	if err != nil {
		return nil, err
	}
	groups := groupExtents(raw)
	trimmed := path
	if len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}
	for _, g := range groups {
		if g.name == trimmed {
			backing := &blockBacking{src: src, blocks: g.blockList(), size: g.size()}
			return filesystem.NewFileStream(backing), nil
		}
	}
	return nil, errors.Wrapf(diskerr.ErrNotFound, "cpm: open %q", path)
}

func (d Driver) Entries(host *filesystem.Host) []filesystem.FileEntry {
	return host.Entries()
}

var _ filesystem.Driver = Driver{}
