// Package prodos implements filesystem.Driver for ProDOS-formatted
// volumes: a compact volume header, a flat directory, a free-block bitmap
// and contiguous file allocation.
//
// This is a from-scratch implementation (no teacher code decodes ProDOS);
// it follows the struct-tag + encoding/binary.Read idiom the teacher uses
// throughout amstrad/dsk for on-disk header parsing, generalized to
// ProDOS's block layout instead of Amstrad's DPB.
package prodos

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
	headerBlock    = 0
	directoryBlock = 1
	bitmapBlock    = 2
	magic          = "PD01"
	maxNameLen     = 27
)

type volumeHeader struct {
	Magic        [4]byte
	VolumeName   [16]byte
	TotalBlocks  uint32
	EntryCount   uint32
	DirBlock     uint32
	BitmapBlock  uint32
	DataStart    uint32
}

type direntOnDisk struct {
	NameLen     byte
	Name        [maxNameLen]byte
	StorageType byte // 0 = file, 1 = directory
	ProDOSType  byte
	AuxWord     uint16
	Size        uint32
	FirstBlock  uint32
	AccessFlags byte
	Dubious     byte
	Damaged     byte
	_           [2]byte // pad to a round size
}

// Driver implements filesystem.Driver for the ProDOS format described
// above.
type Driver struct{}

func (Driver) Name() string { return "ProDOS" }

func readHeader(src chunk.Source) (volumeHeader, error) {
	var h volumeHeader
	buf := make([]byte, diskcore.BlockSize)
	if err := src.ReadBlock(headerBlock, buf); err != nil {
		return h, err
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &h); err != nil {
		return h, errors.Wrap(err, "prodos: decode volume header")
	}
	return h, nil
}

func (Driver) TestImage(src chunk.Source) filesystem.Confidence {
	g := src.Geometry()
	if !g.HasBlocks {
		return filesystem.No
	}
	h, err := readHeader(src)
	if err != nil {
		return filesystem.No
	}
	if !bytes.Equal(h.Magic[:], []byte(magic)) {
		return filesystem.No
	}
	if h.TotalBlocks == 0 || int64(h.TotalBlocks)*diskcore.BlockSize > g.FormattedLength {
		return filesystem.Barely
	}
	return filesystem.Yes
}

func (Driver) Format(src chunk.Source, volumeName string) error {
	g := src.Geometry()
	if !g.HasBlocks {
		return diskerr.ErrUnsupported
	}
	total := uint32(g.FormattedLength / diskcore.BlockSize)
	if total < 4 {
		return errors.Wrap(diskerr.ErrOutOfRange, "prodos: volume too small")
	}

	h := volumeHeader{
		TotalBlocks: total,
		EntryCount:  0,
		DirBlock:    directoryBlock,
		BitmapBlock: bitmapBlock,
		DataStart:   bitmapBlock + bitmapBlocksFor(total),
	}
	copy(h.Magic[:], magic)
	copy(h.VolumeName[:], volumeName)

	var hbuf bytes.Buffer
	if err := binary.Write(&hbuf, binary.LittleEndian, &h); err != nil {
		return errors.Wrap(err, "prodos: encode volume header")
	}
	block := make([]byte, diskcore.BlockSize)
	copy(block, hbuf.Bytes())
	if err := src.WriteBlock(headerBlock, block); err != nil {
		return err
	}

	empty := make([]byte, diskcore.BlockSize)
	if err := src.WriteBlock(directoryBlock, empty); err != nil {
		return err
	}

	// Bitmap: 1 = free. Mark header/dir/bitmap/everything-before-DataStart
	// as used (zero bit), everything else free (one bit).
	bmBlocks := bitmapBlocksFor(total)
	for b := uint32(0); b < bmBlocks; b++ {
		bm := make([]byte, diskcore.BlockSize)
		for i := range bm {
			bm[i] = 0xFF
		}
		if err := src.WriteBlock(int(bitmapBlock+b), bm); err != nil {
			return err
		}
	}
	for used := uint32(0); used < h.DataStart; used++ {
		if err := markBlockUsed(src, h, used, false); err != nil {
			return err
		}
	}
	return nil
}

func bitmapBlocksFor(total uint32) uint32 {
	bits := total
	return (bits + diskcore.BlockSize*8 - 1) / (diskcore.BlockSize * 8)
}

func markBlockUsed(src chunk.Source, h volumeHeader, block uint32, free bool) error {
	bmBlock := h.BitmapBlock + block/(diskcore.BlockSize*8)
	bitIdx := block % (diskcore.BlockSize * 8)
	byteIdx := bitIdx / 8
	bitInByte := 7 - (bitIdx % 8)

	buf := make([]byte, diskcore.BlockSize)
	if err := src.ReadBlock(int(bmBlock), buf); err != nil {
		return err
	}
	if free {
		buf[byteIdx] |= 1 << bitInByte
	} else {
		buf[byteIdx] &^= 1 << bitInByte
	}
	return src.WriteBlock(int(bmBlock), buf)
}

func allocBlock(src chunk.Source, h volumeHeader) (uint32, error) {
	bmBlocks := bitmapBlocksFor(h.TotalBlocks)
	for bb := uint32(0); bb < bmBlocks; bb++ {
		buf := make([]byte, diskcore.BlockSize)
		if err := src.ReadBlock(int(h.BitmapBlock+bb), buf); err != nil {
			return 0, err
		}
		for byteIdx, bval := range buf {
			if bval == 0 {
				continue
			}
			for bit := 0; bit < 8; bit++ {
				if bval&(1<<(7-uint(bit))) != 0 {
					block := bb*diskcore.BlockSize*8 + uint32(byteIdx)*8 + uint32(bit)
					if block >= h.TotalBlocks {
						continue
					}
					if err := markBlockUsed(src, h, block, false); err != nil {
						return 0, err
					}
					return block, nil
				}
			}
		}
	}
	return 0, diskerr.ErrDiskFull
}

func readDirectory(src chunk.Source, h volumeHeader) ([]direntOnDisk, error) {
	buf := make([]byte, diskcore.BlockSize)
	if err := src.ReadBlock(int(h.DirBlock), buf); err != nil {
		return nil, err
	}
	entrySize := binary.Size(direntOnDisk{})
	count := len(buf) / entrySize
	var out []direntOnDisk
	r := bytes.NewReader(buf)
	for i := 0; i < count; i++ {
		var e direntOnDisk
		if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
			break
		}
		if e.NameLen == 0 {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func writeDirectory(src chunk.Source, h volumeHeader, entries []direntOnDisk) error {
	var buf bytes.Buffer
	for _, e := range entries {
		if err := binary.Write(&buf, binary.LittleEndian, &e); err != nil {
			return errors.Wrap(err, "prodos: encode directory entry")
		}
	}
	block := make([]byte, diskcore.BlockSize)
	copy(block, buf.Bytes())
	return src.WriteBlock(int(h.DirBlock), block)
}

// Scan reads the volume header and directory, publishing FileEntry records
// and a volumeusage.Map in which every block below DataStart is owned by
// the system and each file's block range by that file (cross-checked for
// conflicts per spec §4.5/scenario S6). The on-disk bitmap is not read.
func (d Driver) Scan(host *filesystem.Host, quick bool) error {
	src := host.RawSource()
	h, err := readHeader(src)
	if err != nil {
		return err
	}
	dirents, err := readDirectory(src, h)
	if err != nil {
		return err
	}

	usage := volumeusage.New(int(h.TotalBlocks))
	for b := uint32(0); b < h.DataStart; b++ {
		usage.MarkInUse(int(b))
		_ = usage.SetUsage(int(b), volumeusage.SystemOwner)
	}

	var entries []filesystem.FileEntry
	for i := range dirents {
		e := &dirents[i]
		name := string(bytes.TrimRight(e.Name[:e.NameLen], "\x00"))
		blocks := (e.Size + diskcore.BlockSize - 1) / diskcore.BlockSize
		if blocks == 0 && e.Size > 0 {
			blocks = 1
		}
		dubious := e.Dubious != 0
		for bi := uint32(0); bi < blocks; bi++ {
			block := e.FirstBlock + bi
			usage.MarkInUse(int(block))
			if err := usage.SetUsage(int(block), volumeusage.FileOwner(name)); err != nil {
				dubious = true
				var conflict *volumeusage.Conflict
				if errors.As(err, &conflict) {
					entries = markOwnerDubious(entries, conflict)
				}
			}
		}
		entries = append(entries, filesystem.FileEntry{
			Path:        "/" + name,
			Size:        int64(e.Size),
			IsDir:       e.StorageType == 1,
			Dubious:     dubious,
			Damaged:     e.Damaged != 0,
			AccessFlags: diskcore.AccessFlags(e.AccessFlags),
		})
	}

	host.SetUsage(usage)
	host.SetEntries(entries)
	if !quick {
		host.Notes = append(host.Notes, "prodos: full scan complete")
	}
	return nil
}

// markOwnerDubious marks every already-published entry named by either
// side of conflict as dubious (scenario S6: "both files are marked
// dubious"). The entry for the file currently being scanned is not in
// entries yet; its own dubious flag is set by the caller's local variable.
func markOwnerDubious(entries []filesystem.FileEntry, conflict *volumeusage.Conflict) []filesystem.FileEntry {
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
	return entries
}

// blockBacking adapts a contiguous run of ProDOS blocks to filesystem.Backing.
type blockBacking struct {
	src        chunk.Source
	h          volumeHeader
	dirents    []direntOnDisk
	entryIndex int
}

func (b *blockBacking) entry() *direntOnDisk { return &b.dirents[b.entryIndex] }

func (b *blockBacking) Size() int64 { return int64(b.entry().Size) }

func (b *blockBacking) ReadAt(p []byte, off int64) (int, error) {
	e := b.entry()
	if off >= int64(e.Size) {
		return 0, nil
	}
	n := len(p)
	if off+int64(n) > int64(e.Size) {
		n = int(int64(e.Size) - off)
	}
	block := make([]byte, diskcore.BlockSize)
	total := 0
	for total < n {
		blockIdx := e.FirstBlock + uint32((off+int64(total))/diskcore.BlockSize)
		blockOff := int((off + int64(total)) % diskcore.BlockSize)
		if err := b.src.ReadBlock(int(blockIdx), block); err != nil {
			return total, err
		}
		copied := copy(p[total:n], block[blockOff:])
		total += copied
	}
	return total, nil
}

func (b *blockBacking) WriteAt(p []byte, off int64) (int, error) {
	e := b.entry()
	needBlocks := (off + int64(len(p)) + diskcore.BlockSize - 1) / diskcore.BlockSize
	haveBlocks := int64((e.Size + diskcore.BlockSize - 1) / diskcore.BlockSize)
	if haveBlocks == 0 {
		// CreateFile always pre-allocates one block for the new entry.
		haveBlocks = 1
	}
	for haveBlocks < needBlocks {
		if _, err := allocBlock(b.src, b.h); err != nil {
			return 0, err
		}
		haveBlocks++
	}

	block := make([]byte, diskcore.BlockSize)
	total := 0
	for total < len(p) {
		blockIdx := e.FirstBlock + uint32((off+int64(total))/diskcore.BlockSize)
		blockOff := int((off + int64(total)) % diskcore.BlockSize)
		_ = b.src.ReadBlock(int(blockIdx), block)
		n := copy(block[blockOff:], p[total:])
		if err := b.src.WriteBlock(int(blockIdx), block); err != nil {
			return total, err
		}
		total += n
	}
	if off+int64(len(p)) > int64(e.Size) {
		e.Size = uint32(off + int64(len(p)))
	}
	return total, nil
}

func (b *blockBacking) SetLength(n int64) error {
	b.entry().Size = uint32(n)
	return nil
}

func (b *blockBacking) NextDataOrHole(off int64, data bool) (int64, error) {
	// Allocation is contiguous and dense in this implementation: the whole
	// file is "data", and the first hole is at end-of-file.
	if data {
		if off < int64(b.entry().Size) {
			return off, nil
		}
		return 0, diskerr.ErrOutOfRange
	}
	return int64(b.entry().Size), nil
}

func (b *blockBacking) Flush() error {
	return writeDirectory(b.src, b.h, b.dirents)
}

// Open locates path in the directory and returns a FileStream backed by
// its contiguous block run. writable streams may grow the file.
func (d Driver) Open(host *filesystem.Host, path string, writable bool) (*filesystem.FileStream, error) {
	src := host.RawSource()
	h, err := readHeader(src)
	if err != nil {
		return nil, err
	}
	dirents, err := readDirectory(src, h)
	if err != nil {
		return nil, err
	}
	name := bytes.TrimPrefix([]byte(path), []byte("/"))
	for i := range dirents {
		if bytes.Equal(bytes.TrimRight(dirents[i].Name[:dirents[i].NameLen], "\x00"), name) {
			backing := &blockBacking{src: src, h: h, dirents: dirents, entryIndex: i}
			return filesystem.NewFileStream(backing), nil
		}
	}
	return nil, errors.Wrapf(diskerr.ErrNotFound, "prodos: open %q", path)
}

func (d Driver) Entries(host *filesystem.Host) []filesystem.FileEntry {
	return host.Entries()
}

// CreateFile adds a new zero-length directory entry for name with the
// given ProDOS type/aux word, allocating its first block immediately
// (contiguous "seedling" allocation). This supplements the distilled spec,
// which specifies file creation informally via scenario S1 but leaves the
// concrete directory-entry API to the driver.
func (d Driver) CreateFile(host *filesystem.Host, name string, prodosType byte, aux uint16) error {
	src := host.RawSource()
	h, err := readHeader(src)
	if err != nil {
		return err
	}
	dirents, err := readDirectory(src, h)
	if err != nil {
		return err
	}
	if len(name) > maxNameLen {
		return errors.Wrap(diskerr.ErrInvalidName, "prodos: name too long")
	}

	first, err := allocBlock(src, h)
	if err != nil {
		return err
	}

	var e direntOnDisk
	e.NameLen = byte(len(name))
	copy(e.Name[:], name)
	e.StorageType = 0
	e.ProDOSType = prodosType
	e.AuxWord = aux
	e.FirstBlock = first
	e.AccessFlags = byte(diskcore.AccessRead | diskcore.AccessWrite | diskcore.AccessRename | diskcore.AccessDestroy)

	dirents = append(dirents, e)
	h.EntryCount++

	var hbuf bytes.Buffer
	if err := binary.Write(&hbuf, binary.LittleEndian, &h); err != nil {
		return err
	}
	block := make([]byte, diskcore.BlockSize)
	copy(block, hbuf.Bytes())
	if err := src.WriteBlock(headerBlock, block); err != nil {
		return err
	}

	return writeDirectory(src, h, dirents)
}

var _ filesystem.Driver = Driver{}
