// Package chunk maps a raw byte or nibble stream to fixed-size sectors
// (256 B) and/or blocks (512 B or, for CP/M, 1024 B), translating sector
// order (skew) as required. This is L1 of the disk-image and filesystem
// access core.
//
// Grounded on the logical/physical sector-mapping idiom in the pack's
// zellyn-diskii lib/disk MappedDisk/DiskBlockDevice, generalized to the
// full {Physical, DOS, ProDOS, CPM} order set named in the spec.
package chunk

import (
	"github.com/pkg/errors"

	"diskcore"
	"diskcore/diskerr"
	"diskcore/storage"
)

// Geometry describes the physical shape of a formatted medium.
type Geometry struct {
	// FormattedLength is the total usable length in bytes.
	FormattedLength int64
	// HasSectors is true when track/sector addressing is available.
	HasSectors bool
	Tracks     int
	SectorsPerTrack int // one of {13, 16, 32} when HasSectors
	// HasBlocks is true unless this is a 13-sector 5.25" disk.
	HasBlocks bool
	FileOrder diskcore.FileOrder
	ReadOnly  bool
}

// validate checks the invariants from spec §3.
func (g Geometry) validate() error {
	if g.HasSectors {
		want := int64(g.Tracks) * int64(g.SectorsPerTrack) * diskcore.SectorSize
		if want != g.FormattedLength {
			return errors.Errorf("geometry invariant violated: tracks(%d)*sectors(%d)*256 = %d != formatted length %d",
				g.Tracks, g.SectorsPerTrack, want, g.FormattedLength)
		}
	}
	if g.HasBlocks && g.FormattedLength%diskcore.BlockSize != 0 {
		return errors.Errorf("geometry invariant violated: formatted length %d not a multiple of %d", g.FormattedLength, diskcore.BlockSize)
	}
	if g.SectorsPerTrack != 16 && g.FileOrder != diskcore.OrderUnknown && g.FileOrder != diskcore.OrderPhysical && g.FileOrder != diskcore.OrderDOSSector {
		return errors.Errorf("sector order %s only meaningful when sectors/track = 16, got %d", g.FileOrder, g.SectorsPerTrack)
	}
	return nil
}

// Source is the chunk-access contract: fixed-size sector/block reads and
// writes, with sector-order translation applied transparently.
type Source interface {
	Geometry() Geometry

	ReadSector(track, sector int, out []byte) error
	WriteSector(track, sector int, data []byte) error
	TestSector(track, sector int) bool

	ReadBlock(block int, out []byte) error
	WriteBlock(block int, data []byte) error
	TestBlock(block int) bool

	ReadBlockCPM(block int, out []byte) error
	WriteBlockCPM(block int, data []byte) error

	Initialize() error

	ReadCount() uint64
	WriteCount() uint64
	Dirty() bool
	SetDirty(bool)
}

// Linear is a chunk.Source backed directly by a storage.Source: the common
// case of an "unadorned" disk image where sectors/blocks map straight onto
// byte offsets, modulo sector-order translation.
type Linear struct {
	src      storage.Source
	geometry Geometry

	readCount  uint64
	writeCount uint64
	dirty      bool
}

// NewLinear wraps src as a chunk.Source with the given geometry. The
// geometry is validated against spec §3's invariants.
func NewLinear(src storage.Source, geometry Geometry) (*Linear, error) {
	if err := geometry.validate(); err != nil {
		return nil, err
	}
	if !src.CanWrite() {
		geometry.ReadOnly = true
	}
	return &Linear{src: src, geometry: geometry}, nil
}

// WithFileOrder returns a new Linear over the same backing storage.Source
// and geometry, but with FileOrder replaced - used by the analyzer's
// file-order retry loop (spec §4.3) where the same bytes are reinterpreted
// under each candidate order in turn.
func (l *Linear) WithFileOrder(order diskcore.FileOrder) (*Linear, error) {
	g := l.geometry
	g.FileOrder = order
	return NewLinear(l.src, g)
}

func (l *Linear) Geometry() Geometry { return l.geometry }
func (l *Linear) ReadCount() uint64  { return l.readCount }
func (l *Linear) WriteCount() uint64 { return l.writeCount }
func (l *Linear) Dirty() bool        { return l.dirty }
func (l *Linear) SetDirty(d bool)    { l.dirty = d }

// sectorOffset computes the byte offset of a DOS-logical sector, applying
// the two-stage skew translation from spec §4.1: DOS-logical -> physical
// -> file-ordered logical.
func (l *Linear) sectorOffset(track, sector int) (int64, error) {
	g := l.geometry
	if !g.HasSectors {
		return 0, diskerr.ErrNoSectors
	}
	if track < 0 || track >= g.Tracks || sector < 0 || sector >= g.SectorsPerTrack {
		return 0, errors.Wrapf(diskerr.ErrOutOfRange, "track %d sector %d outside geometry (%d tracks, %d sectors/track)", track, sector, g.Tracks, g.SectorsPerTrack)
	}

	fileSector := sector
	if g.SectorsPerTrack == 16 {
		physical := callerToPhys(sector)
		fileSector = physToFileOrdered(g.FileOrder, physical)
	}
	// For 13- and 32-sector disks, file order is always DOS and no
	// translation is applied (spec §4.1).

	return int64(track)*int64(g.SectorsPerTrack)*diskcore.SectorSize + int64(fileSector)*diskcore.SectorSize, nil
}

func (l *Linear) ReadSector(track, sector int, out []byte) error {
	off, err := l.sectorOffset(track, sector)
	if err != nil {
		return err
	}
	if len(out) != diskcore.SectorSize {
		return errors.Errorf("ReadSector: output buffer must be %d bytes, got %d", diskcore.SectorSize, len(out))
	}
	if _, err := l.src.ReadAt(out, off); err != nil {
		return errors.Wrapf(err, "ReadSector(%d,%d)", track, sector)
	}
	l.readCount++
	return nil
}

func (l *Linear) WriteSector(track, sector int, data []byte) error {
	if l.geometry.ReadOnly {
		return errors.Wrapf(diskerr.ErrReadOnly, "WriteSector(%d,%d)", track, sector)
	}
	off, err := l.sectorOffset(track, sector)
	if err != nil {
		return err
	}
	if len(data) != diskcore.SectorSize {
		return errors.Errorf("WriteSector: input buffer must be %d bytes, got %d", diskcore.SectorSize, len(data))
	}
	if _, err := l.src.WriteAt(data, off); err != nil {
		return errors.Wrapf(err, "WriteSector(%d,%d)", track, sector)
	}
	l.writeCount++
	l.dirty = true
	return nil
}

func (l *Linear) TestSector(track, sector int) bool {
	if l.geometry.ReadOnly {
		return false
	}
	_, err := l.sectorOffset(track, sector)
	return err == nil
}

// blockToSectorPair computes the two DOS-logical sectors backing a
// 512-byte block on a 16-sector-per-track disk (spec §4.1: "a block is two
// sectors").
func blockToSectorPair(block, sectorsPerTrack int) (track int, s0, s1 int) {
	track = block / 8
	pair := (block % 8) * 2
	return track, pair, pair + 1
}

func (l *Linear) ReadBlock(block int, out []byte) error {
	g := l.geometry
	if !g.HasBlocks {
		return diskerr.ErrNoBlocks
	}
	if len(out) != diskcore.BlockSize {
		return errors.Errorf("ReadBlock: output buffer must be %d bytes, got %d", diskcore.BlockSize, len(out))
	}
	if g.HasSectors && g.SectorsPerTrack == 16 {
		track, s0, s1 := blockToSectorPair(block, g.SectorsPerTrack)
		if err := l.ReadSector(track, s0, out[:diskcore.SectorSize]); err != nil {
			return errors.Wrapf(err, "ReadBlock(%d) first half", block)
		}
		if err := l.ReadSector(track, s1, out[diskcore.SectorSize:]); err != nil {
			return errors.Wrapf(err, "ReadBlock(%d) second half", block)
		}
		return nil
	}
	// Pure block device (e.g. a .po image with no sector addressing at all).
	off := int64(block) * diskcore.BlockSize
	if off < 0 || off+diskcore.BlockSize > g.FormattedLength {
		return errors.Wrapf(diskerr.ErrOutOfRange, "block %d out of range", block)
	}
	if _, err := l.src.ReadAt(out, off); err != nil {
		return errors.Wrapf(err, "ReadBlock(%d)", block)
	}
	l.readCount++
	return nil
}

func (l *Linear) WriteBlock(block int, data []byte) error {
	g := l.geometry
	if g.ReadOnly {
		return errors.Wrapf(diskerr.ErrReadOnly, "WriteBlock(%d)", block)
	}
	if !g.HasBlocks {
		return diskerr.ErrNoBlocks
	}
	if len(data) != diskcore.BlockSize {
		return errors.Errorf("WriteBlock: input buffer must be %d bytes, got %d", diskcore.BlockSize, len(data))
	}
	if g.HasSectors && g.SectorsPerTrack == 16 {
		track, s0, s1 := blockToSectorPair(block, g.SectorsPerTrack)
		if err := l.WriteSector(track, s0, data[:diskcore.SectorSize]); err != nil {
			return errors.Wrapf(err, "WriteBlock(%d) first half", block)
		}
		if err := l.WriteSector(track, s1, data[diskcore.SectorSize:]); err != nil {
			return errors.Wrapf(err, "WriteBlock(%d) second half", block)
		}
		return nil
	}
	off := int64(block) * diskcore.BlockSize
	if off < 0 || off+diskcore.BlockSize > g.FormattedLength {
		return errors.Wrapf(diskerr.ErrOutOfRange, "block %d out of range", block)
	}
	if _, err := l.src.WriteAt(data, off); err != nil {
		return errors.Wrapf(err, "WriteBlock(%d)", block)
	}
	l.writeCount++
	l.dirty = true
	return nil
}

func (l *Linear) TestBlock(block int) bool {
	if l.geometry.ReadOnly {
		return false
	}
	g := l.geometry
	if g.HasSectors && g.SectorsPerTrack == 16 {
		track, s0, s1 := blockToSectorPair(block, g.SectorsPerTrack)
		return l.TestSector(track, s0) && l.TestSector(track, s1)
	}
	off := int64(block) * diskcore.BlockSize
	return off >= 0 && off+diskcore.BlockSize <= g.FormattedLength
}

// ReadBlockCPM reads a 1KB CP/M block. On 5.25" 16-sector media a CP/M
// block is four consecutive DOS-logical 256-byte sectors; on anything else
// the call degenerates to two 512-byte ReadBlock calls, per spec §4.1.
func (l *Linear) ReadBlockCPM(block int, out []byte) error {
	if len(out) != diskcore.KBlockSize {
		return errors.Errorf("ReadBlockCPM: output buffer must be %d bytes, got %d", diskcore.KBlockSize, len(out))
	}
	g := l.geometry
	if g.HasSectors && g.SectorsPerTrack == 16 {
		sectorsPerTrack := g.SectorsPerTrack
		base := block * 4
		track := base / sectorsPerTrack
		sector := base % sectorsPerTrack
		for i := 0; i < 4; i++ {
			t, s := track, sector+i
			if s >= sectorsPerTrack {
				s -= sectorsPerTrack
				t++
			}
			if err := l.ReadSector(t, s, out[i*diskcore.SectorSize:(i+1)*diskcore.SectorSize]); err != nil {
				return errors.Wrapf(err, "ReadBlockCPM(%d) sector %d", block, i)
			}
		}
		return nil
	}
	for i := 0; i < 2; i++ {
		if err := l.ReadBlock(block*2+i, out[i*diskcore.BlockSize:(i+1)*diskcore.BlockSize]); err != nil {
			return errors.Wrapf(err, "ReadBlockCPM(%d) sub-block %d", block, i)
		}
	}
	return nil
}

func (l *Linear) WriteBlockCPM(block int, data []byte) error {
	if len(data) != diskcore.KBlockSize {
		return errors.Errorf("WriteBlockCPM: input buffer must be %d bytes, got %d", diskcore.KBlockSize, len(data))
	}
	g := l.geometry
	if g.HasSectors && g.SectorsPerTrack == 16 {
		sectorsPerTrack := g.SectorsPerTrack
		base := block * 4
		track := base / sectorsPerTrack
		sector := base % sectorsPerTrack
		for i := 0; i < 4; i++ {
			t, s := track, sector+i
			if s >= sectorsPerTrack {
				s -= sectorsPerTrack
				t++
			}
			if err := l.WriteSector(t, s, data[i*diskcore.SectorSize:(i+1)*diskcore.SectorSize]); err != nil {
				return errors.Wrapf(err, "WriteBlockCPM(%d) sector %d", block, i)
			}
		}
		return nil
	}
	for i := 0; i < 2; i++ {
		if err := l.WriteBlock(block*2+i, data[i*diskcore.BlockSize:(i+1)*diskcore.BlockSize]); err != nil {
			return errors.Wrapf(err, "WriteBlockCPM(%d) sub-block %d", block, i)
		}
	}
	return nil
}

// Initialize zero-fills the entire formatted length.
func (l *Linear) Initialize() error {
	if l.geometry.ReadOnly {
		return diskerr.ErrReadOnly
	}
	zero := make([]byte, diskcore.SectorSize)
	if l.geometry.HasSectors {
		for t := 0; t < l.geometry.Tracks; t++ {
			for s := 0; s < l.geometry.SectorsPerTrack; s++ {
				if err := l.WriteSector(t, s, zero); err != nil {
					return err
				}
			}
		}
		return nil
	}
	blocks := int(l.geometry.FormattedLength / diskcore.BlockSize)
	zeroBlock := make([]byte, diskcore.BlockSize)
	for b := 0; b < blocks; b++ {
		if err := l.WriteBlock(b, zeroBlock); err != nil {
			return err
		}
	}
	return nil
}
