package diskimage

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"

	"diskcore"
	"diskcore/chunk"
	"diskcore/diskerr"
	"diskcore/filesystem"
	"diskcore/storage"
)

// Partition describes one entry of an Apple Partition Map (APM): a
// contiguous run of 512-byte blocks on a hard-drive-style image, named and
// typed independently of whatever filesystem (if any) lives inside it.
// Grounded on spec §3's "Disk image... contents is one of {Filesystem,
// MultiPart, None}" and scenario S5 in §8 (three-partition APM image).
type Partition struct {
	Name         string
	Type         string
	StartBlock   int64
	LengthBlocks int64

	source storage.Source
}

// MultiPart is a disk image's contents when it is found to be a container
// of several independently addressable partitions rather than a single
// filesystem (spec §3 "Disk image", §4.6 "embedded volumes").
type MultiPart struct {
	Partitions []Partition
}

// apmEntrySignature is the big-endian "PM" tag (0x504D) that opens every
// Apple Partition Map entry block.
const apmEntrySignature = 0x504D

// apmBlockSize is always 512 regardless of the host medium's native sector
// size; APM is a hard-drive format and spec §6 names BlockSize = 512 as
// the unit it addresses in.
const apmBlockSize = diskcore.BlockSize

// apmEntry mirrors the fixed fields of one 512-byte APM partition map
// block that this build reads: signature, total map length (in entries),
// this partition's start/length in blocks, its name and type strings, all
// within the block's first 80 bytes. The real on-disk record carries
// further fields from byte 80 on (data-area bounds, status, processor
// type) that no component in this repo consumes, so they are skipped
// rather than modeled.
type apmEntry struct {
	Signature   uint16
	_           uint16
	MapBlockCnt uint32
	StartBlock  uint32
	BlockCount  uint32
	Name        [32]byte
	Type        [32]byte
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func parseAPMEntry(buf []byte) (apmEntry, bool) {
	if len(buf) < apmBlockSize {
		return apmEntry{}, false
	}
	sig := be16(buf[0:2])
	if sig != apmEntrySignature {
		return apmEntry{}, false
	}
	e := apmEntry{
		Signature:   sig,
		MapBlockCnt: be32(buf[4:8]),
		StartBlock:  be32(buf[8:12]),
		BlockCount:  be32(buf[12:16]),
	}
	copy(e.Name[:], buf[16:48])
	copy(e.Type[:], buf[48:80])
	return e, true
}

// buildMultiPart reads the full Apple Partition Map starting at block 1
// and returns one Partition per entry, per spec §4.3/§8 scenario S5. It
// runs after buildSectorChunk has accepted img.raw as a sector image; a
// map entry block that would lie past the end of img.raw ends the scan.
func (img *Image) buildMultiPart() (*MultiPart, error) {
	raw, err := readAll(img.raw)
	if err != nil {
		return nil, err
	}
	if len(raw) < 2*apmBlockSize {
		return nil, errors.Wrap(diskerr.ErrFormatUnknown, "diskimage: image too short for an APM partition map")
	}
	first, ok := parseAPMEntry(raw[apmBlockSize : 2*apmBlockSize])
	if !ok {
		return nil, errors.Wrap(diskerr.ErrFormatUnknown, "diskimage: no APM entry at block 1")
	}
	mapLen := int(first.MapBlockCnt)
	if mapLen <= 0 {
		return nil, errors.Wrap(diskerr.ErrFormatUnknown, "diskimage: APM map block count is zero")
	}

	mp := &MultiPart{}
	for i := 0; i < mapLen; i++ {
		off := int64(1+i) * apmBlockSize
		if off+apmBlockSize > int64(len(raw)) {
			break
		}
		e, ok := parseAPMEntry(raw[off : off+apmBlockSize])
		if !ok {
			continue
		}
		start := int64(e.StartBlock) * apmBlockSize
		length := int64(e.BlockCount) * apmBlockSize
		mp.Partitions = append(mp.Partitions, Partition{
			Name:         cstring(e.Name[:]),
			Type:         cstring(e.Type[:]),
			StartBlock:   int64(e.StartBlock),
			LengthBlocks: int64(e.BlockCount),
			source:       storage.NewWindow(img.raw, start, length),
		})
	}
	if len(mp.Partitions) == 0 {
		return nil, errors.Wrap(diskerr.ErrFormatUnknown, "diskimage: APM map parsed but yielded no partitions")
	}
	return mp, nil
}

// OpenFilesystem identifies and opens the filesystem (if any) living
// inside this partition's block range, using the same registered-driver
// dispatch table the top-level Image.Analyze uses (spec §4.3's dispatch
// table applies uniformly whether the chunk source backing it is a whole
// image or one partition window of one).
func (p *Partition) OpenFilesystem() (*filesystem.Host, error) {
	l, err := chunk.NewLinear(p.source, chunk.Geometry{
		FormattedLength: p.LengthBlocks * apmBlockSize,
		HasBlocks:       true,
	})
	if err != nil {
		return nil, err
	}
	var best *filesystem.Host
	var bestConf filesystem.Confidence
	for _, reg := range registeredDrivers {
		conf := reg.driver.TestImage(l)
		if conf == filesystem.No {
			continue
		}
		if best == nil || conf > bestConf {
			best = filesystem.NewHost(l, reg.driver)
			bestConf = conf
		}
	}
	if best == nil {
		return nil, errors.Wrap(diskerr.ErrFormatUnknown, "diskimage: no registered filesystem driver recognized this partition")
	}
	return best, nil
}
