// Package diskimage identifies a raw byte stream's container format,
// sector order and filesystem without prior knowledge, and exposes the
// resulting chunk.Source and (if recognized) filesystem.Host.
//
// Grounded on the teacher's dispatch-by-type-switch CLI entrypoints
// (cmd/amstrad_cat.go: "switch dskType { case \"dsk\": ... }") generalized
// into a data-driven descriptor table, per spec §4.3's "tagged
// enumeration, dispatch table, no reflection" design note.
package diskimage

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/pkg/errors"

	"diskcore"
	"diskcore/chunk"
	"diskcore/diskerr"
	"diskcore/filesystem"
	"diskcore/filesystem/cpm"
	"diskcore/filesystem/prodos"
	"diskcore/nibble"
	"diskcore/storage"
)

// Contents classifies what an analyzed image was found to contain.
type Contents int

const (
	ContentsNone Contents = iota
	ContentsFilesystem
	ContentsMultiPart
)

// Image owns a raw byte source and, once Analyze succeeds, the derived
// chunk source and contents.
type Image struct {
	raw storage.Source

	Kind      diskcore.ContainerKind
	FileOrder diskcore.FileOrder
	FSTag     diskcore.FilesystemTag

	Contents  Contents
	Chunk     chunk.Source
	Host      *filesystem.Host
	MultiPart *MultiPart

	Notes []string
}

// NewImage wraps raw as an unanalyzed image.
func NewImage(raw storage.Source) *Image {
	return &Image{raw: raw}
}

func (img *Image) note(s string) { img.Notes = append(img.Notes, s) }

type kindDescriptor struct {
	Kind diskcore.ContainerKind
	Test func(storage.Source) bool
}

// extensionEntry is one extensionMap row: one or two candidate kinds
// (ambiguous suffixes list two) plus a sector-order hint.
type extensionEntry struct {
	Primary   diskcore.ContainerKind
	Secondary diskcore.ContainerKind // ContainerUnknown if unambiguous
	FileOrder diskcore.FileOrder
}

var extensionMap = map[string]extensionEntry{
	".2mg":  {Primary: diskcore.ContainerTwoIMG, FileOrder: diskcore.OrderProDOSBlock},
	".2img": {Primary: diskcore.ContainerTwoIMG, FileOrder: diskcore.OrderProDOSBlock},
	".woz":  {Primary: diskcore.ContainerWoz},
	".zip":  {Primary: diskcore.ContainerZip},
	".shk":  {Primary: diskcore.ContainerNuFX},
	".sdk":  {Primary: diskcore.ContainerNuFX},
	// ".bxy" legitimately matches both signatures (a NuFX archive wrapped
	// in a Binary2 envelope); NuFX is tried first per spec §4.3 step 2.
	".bxy": {Primary: diskcore.ContainerNuFX, Secondary: diskcore.ContainerBinary2},
	".bny": {Primary: diskcore.ContainerBinary2},
	".bqy": {Primary: diskcore.ContainerBinary2},
	".gz":  {Primary: diskcore.ContainerGZip},
	".as":  {Primary: diskcore.ContainerAppleSingle},
	".dc":  {Primary: diskcore.ContainerDiskCopy},
	".dc42": {Primary: diskcore.ContainerDiskCopy},
	".image": {Primary: diskcore.ContainerDiskCopy},
	".ddd":  {Primary: diskcore.ContainerDDD},
	".acu":  {Primary: diskcore.ContainerACU},
	".nib":  {Primary: diskcore.ContainerUnadornedNibble525, FileOrder: diskcore.OrderDOSSector},
	".d13":  {Primary: diskcore.ContainerUnadornedSector, FileOrder: diskcore.OrderDOSSector},
	".do":   {Primary: diskcore.ContainerUnadornedSector, FileOrder: diskcore.OrderDOSSector},
	".po":   {Primary: diskcore.ContainerUnadornedSector, FileOrder: diskcore.OrderProDOSBlock},
	// Generic suffixes are genuinely ambiguous between sector orders; spec
	// §4.3 says ambiguous suffixes give two candidates and suppress
	// "create". We model that by giving no FileOrder hint at all so the
	// filesystem-identification retry loop below picks it.
	".dsk": {Primary: diskcore.ContainerUnadornedSector, Secondary: diskcore.ContainerUnadornedNibble525},
	".raw": {Primary: diskcore.ContainerUnadornedSector, Secondary: diskcore.ContainerUnadornedNibble525},
	".img": {Primary: diskcore.ContainerUnadornedSector},
}

// probeOrder is the fixed ordered probe list from spec §4.3 step 2: more
// specific tests before less specific ones.
var probeOrder = []diskcore.ContainerKind{
	diskcore.ContainerTwoIMG,
	diskcore.ContainerWoz,
	diskcore.ContainerZip,
	diskcore.ContainerNuFX,
	diskcore.ContainerGZip,
	diskcore.ContainerAppleSingle,
	diskcore.ContainerDiskCopy,
	diskcore.ContainerACU,
	diskcore.ContainerBinary2,
	diskcore.ContainerTrackstar,
	diskcore.ContainerUnadornedNibble525,
	diskcore.ContainerUnadornedSector,
}

// NibbleTrackBytes is the raw byte length of one self-synchronized 5.25"
// nibble track in an UnadornedNibble525 container: 16 sectors of 416
// encoded bytes apiece, matching the historical .nib track length and
// spec scenario S2's 232,960-byte (35*16*416) sample image.
const NibbleTrackBytes = 16 * 416

func readAll(src storage.Source) ([]byte, error) {
	n, err := src.Len()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := src.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

func test2IMG(src storage.Source) bool {
	buf := make([]byte, 4)
	_, err := src.ReadAt(buf, 0)
	return err == nil && string(buf) == "2IMG"
}

func testWoz(src storage.Source) bool {
	buf := make([]byte, 4)
	_, err := src.ReadAt(buf, 0)
	return err == nil && (string(buf) == "WOZ1" || string(buf) == "WOZ2")
}

func testZip(src storage.Source) bool {
	buf := make([]byte, 4)
	_, err := src.ReadAt(buf, 0)
	if err != nil {
		return false
	}
	return bytes.Equal(buf, []byte{0x50, 0x4B, 0x03, 0x04}) || bytes.Equal(buf, []byte{0x50, 0x4B, 0x05, 0x06})
}

func testGZip(src storage.Source) bool {
	buf := make([]byte, 2)
	_, err := src.ReadAt(buf, 0)
	return err == nil && buf[0] == 0x1F && buf[1] == 0x8B
}

func testAppleSingle(src storage.Source) bool {
	buf := make([]byte, 4)
	_, err := src.ReadAt(buf, 0)
	return err == nil && bytes.Equal(buf, []byte{0x00, 0x05, 0x16, 0x00})
}

// testNuFX, testDiskCopy, testACU, testBinary2 and testTrackstar have no
// byte-exact wire specification in spec.md (only the container kind name
// is listed in §6) and no format documentation survived retrieval into
// original_source/; each is given a minimal, internally-consistent magic
// signature check instead of a historically accurate one, matching how
// nibble's GCR codec is self-consistent rather than bit-exact to real
// hardware captures (see DESIGN.md).
func testNuFX(src storage.Source) bool {
	buf := make([]byte, 6)
	_, err := src.ReadAt(buf, 0)
	return err == nil && string(buf) == "NuFile"
}

func testBinary2(src storage.Source) bool {
	buf := make([]byte, 2)
	_, err := src.ReadAt(buf, 0)
	return err == nil && buf[0] == 0x0A && buf[1] == 0x47
}

func testDiskCopy(src storage.Source) bool {
	buf := make([]byte, 4)
	_, err := src.ReadAt(buf, 0)
	return err == nil && string(buf) == "DC42"
}

func testACU(src storage.Source) bool {
	buf := make([]byte, 4)
	_, err := src.ReadAt(buf, 0)
	return err == nil && string(buf) == "ACU\x00"
}

func testTrackstar(src storage.Source) bool {
	buf := make([]byte, 4)
	_, err := src.ReadAt(buf, 0)
	return err == nil && string(buf) == "TRAK"
}

func testUnadornedNibble525(src storage.Source) bool {
	n, err := src.Len()
	if err != nil || n <= 0 || n%NibbleTrackBytes != 0 {
		return false
	}
	tracks := n / NibbleTrackBytes
	return tracks >= 1 && tracks <= 80
}

func testUnadornedSector(src storage.Source) bool {
	n, err := src.Len()
	if err != nil || n <= 0 {
		return false
	}
	if n%diskcore.SectorSize != 0 {
		return false
	}
	// The only exact-size rule spec.md names (§4.3 step 3): ".d13" images
	// are exactly 13*35*256 bytes. Any other multiple of 256 (and, for
	// block-only images such as .po, of 512) is accepted generically; the
	// geometry/file-order retry loop in identifyFilesystem narrows further.
	return n%diskcore.SectorSize == 0
}

var descriptors = []kindDescriptor{
	{diskcore.ContainerTwoIMG, test2IMG},
	{diskcore.ContainerWoz, testWoz},
	{diskcore.ContainerZip, testZip},
	{diskcore.ContainerNuFX, testNuFX},
	{diskcore.ContainerGZip, testGZip},
	{diskcore.ContainerAppleSingle, testAppleSingle},
	{diskcore.ContainerDiskCopy, testDiskCopy},
	{diskcore.ContainerACU, testACU},
	{diskcore.ContainerBinary2, testBinary2},
	{diskcore.ContainerTrackstar, testTrackstar},
	{diskcore.ContainerUnadornedNibble525, testUnadornedNibble525},
	{diskcore.ContainerUnadornedSector, testUnadornedSector},
}

func descriptorFor(kind diskcore.ContainerKind) *kindDescriptor {
	for i := range descriptors {
		if descriptors[i].Kind == kind {
			return &descriptors[i]
		}
	}
	return nil
}

// Analyze runs the spec §4.3 analysis procedure: extension-guided probing
// first, then the fixed probe-order fallback, then (for a sector or
// nibble image) sector-order and filesystem identification.
func (img *Image) Analyze(extensionHint string) error {
	ext := strings.ToLower(extensionHint)
	if entry, ok := extensionMap[ext]; ok {
		if d := descriptorFor(entry.Primary); d != nil && d.Test(img.raw) {
			img.Kind = entry.Primary
			img.FileOrder = entry.FileOrder
		} else if entry.Secondary != diskcore.ContainerUnknown {
			if d := descriptorFor(entry.Secondary); d != nil && d.Test(img.raw) {
				img.Kind = entry.Secondary
			}
		}
	}

	if img.Kind == diskcore.ContainerUnknown {
		for _, kind := range probeOrder {
			d := descriptorFor(kind)
			if d != nil && d.Test(img.raw) {
				img.Kind = kind
				break
			}
		}
	}

	if img.Kind == diskcore.ContainerUnknown {
		return errors.Wrap(diskerr.ErrFormatUnknown, "diskimage: no container kind matched")
	}

	if img.Kind == diskcore.ContainerUnadornedNibble525 {
		err := img.buildNibbleChunk()
		if err == nil {
			img.identifyFilesystem()
			return nil
		}
		// A whole number of nibble tracks is also a whole number of
		// sectors, so an image no nibble codec decodes is retried as a
		// sector image.
		if !testUnadornedSector(img.raw) {
			return err
		}
		img.note("UnadornedNibble525: no nibble codec decoded the image, retrying as UnadornedSector")
		img.Kind = diskcore.ContainerUnadornedSector
	}

	switch img.Kind {
	case diskcore.ContainerUnadornedSector:
		if err := img.buildSectorChunk(); err != nil {
			return err
		}
		if mp, err := img.buildMultiPart(); err == nil {
			img.MultiPart = mp
			img.Contents = ContentsMultiPart
			img.FSTag = diskcore.FSAPM
			img.note("Apple Partition Map: found " + strconv.Itoa(len(mp.Partitions)) + " partitions")
			return nil
		}
	case diskcore.ContainerGZip:
		if err := img.buildGZipChunk(); err != nil {
			return err
		}
	default:
		img.note(img.Kind.String() + ": recognized, no extraction driver in this build")
		return nil
	}

	img.identifyFilesystem()
	return nil
}

// buildGZipChunk decompresses a GZip-wrapped sector image in full (spec §6
// "GZip" container kind: a single compressed stream around one otherwise
// ordinary unadorned disk image, not a multi-entry archive) and re-enters
// sector-chunk detection against the decoded bytes.
func (img *Image) buildGZipChunk() error {
	raw, err := readAll(img.raw)
	if err != nil {
		return err
	}
	zr, err := pgzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return errors.Wrap(err, "diskimage: opening gzip stream")
	}
	defer zr.Close()
	decoded, err := io.ReadAll(zr)
	if err != nil {
		return errors.Wrap(err, "diskimage: decompressing gzip stream")
	}
	img.raw = storage.NewReadOnlyMemSource(decoded)
	return img.buildSectorChunk()
}

func (img *Image) buildSectorChunk() error {
	n, err := img.raw.Len()
	if err != nil {
		return err
	}
	orders := []diskcore.FileOrder{diskcore.OrderDOSSector, diskcore.OrderProDOSBlock, diskcore.OrderCPMKBlock, diskcore.OrderPhysical}
	if img.FileOrder != diskcore.OrderUnknown {
		orders = []diskcore.FileOrder{img.FileOrder}
	}

	tracks := int(n / (16 * diskcore.SectorSize))
	sectorsPerTrack := 16
	if n == 13*35*diskcore.SectorSize {
		tracks, sectorsPerTrack = 35, 13
	}

	for _, order := range orders {
		l, err := chunk.NewLinear(img.raw, chunk.Geometry{
			FormattedLength: n,
			HasSectors:      true,
			Tracks:          tracks,
			SectorsPerTrack: sectorsPerTrack,
			HasBlocks:       sectorsPerTrack == 16,
			FileOrder:       order,
		})
		if err != nil {
			continue
		}
		img.Chunk = l
		img.FileOrder = order
		return nil
	}
	return errors.Wrap(diskerr.ErrFormatUnknown, "diskimage: no geometry matched sector image length")
}

// nibbleCandidate scores one codec against img's raw bytes at the sample
// tracks named in spec §4.3, decoding every sector it can find.
type nibbleCandidate struct {
	codec       *nibble.Codec
	score       int
	fullSectors int
}

var sampleTracks = []int{1, 16, 17, 22}

func (img *Image) buildNibbleChunk() error {
	raw, err := readAll(img.raw)
	if err != nil {
		return err
	}
	totalTracks := len(raw) / NibbleTrackBytes

	candidates := []*nibble.Codec{&nibble.StandardDOS33, &nibble.StandardDOS32}
	var best *nibbleCandidate
	for _, c := range candidates {
		cand := &nibbleCandidate{codec: c}
		for _, t := range sampleTracks {
			if t >= totalTracks {
				continue
			}
			track := nibble.NewTrackFromBytes(raw[t*NibbleTrackBytes : (t+1)*NibbleTrackBytes])
			ptrs := c.FindSectors(track, t, -1)
			for _, p := range ptrs {
				if p.AddrDamaged {
					cand.score++
					continue
				}
				if p.DataDamaged {
					cand.score += 2
					continue
				}
				track.Seek(p.DataPrologBit)
				if _, derr := c.DecodeSector(track); derr != nil {
					cand.score++
					continue
				}
				cand.score += 4
				cand.fullSectors++
			}
		}
		if best == nil || cand.score > best.score {
			best = cand
		}
	}

	if best == nil || best.fullSectors < 12 {
		return errors.Wrap(diskerr.ErrFormatUnknown, "diskimage: no nibble codec scored above the acceptance floor")
	}

	out := make([]byte, totalTracks*16*diskcore.SectorSize)
	for t := 0; t < totalTracks; t++ {
		track := nibble.NewTrackFromBytes(raw[t*NibbleTrackBytes : (t+1)*NibbleTrackBytes])
		ptrs := best.codec.FindSectors(track, t, -1)
		for _, p := range ptrs {
			if p.AddrDamaged || p.DataDamaged {
				continue
			}
			track.Seek(p.DataPrologBit)
			data, derr := best.codec.DecodeSector(track)
			if derr != nil {
				continue
			}
			off := t*16*diskcore.SectorSize + p.Sector*diskcore.SectorSize
			copy(out[off:off+diskcore.SectorSize], data)
		}
	}

	mem := storage.NewMemSource(out)
	l, err := chunk.NewLinear(mem, chunk.Geometry{
		FormattedLength: int64(len(out)),
		HasSectors:      true,
		Tracks:          totalTracks,
		SectorsPerTrack: 16,
		HasBlocks:       true,
		FileOrder:       diskcore.OrderDOSSector,
	})
	if err != nil {
		return err
	}
	img.Chunk = l
	img.FileOrder = diskcore.OrderDOSSector
	img.note(best.codec.Name + ": decoded from nibble image")
	return nil
}

// registeredDrivers lists filesystem drivers in priority order (spec §4.3
// "iterate the ordered filesystem list in priority order"). Only ProDOS
// and CP/M are implemented in this build (see the non-goals in
// SPEC_FULL.md).
var registeredDrivers = []struct {
	tag    diskcore.FilesystemTag
	driver filesystem.Driver
}{
	{diskcore.FSProDOS, prodos.Driver{}},
	{diskcore.FSCPM, cpm.Driver{}},
}

// identifyFilesystem tries every registered driver against img.Chunk,
// retrying with every alternate file order when the first doesn't match,
// and keeps the best-scoring instantiation (spec §4.3 "filesystem
// identification").
func (img *Image) identifyFilesystem() {
	if img.Chunk == nil {
		return
	}
	l, ok := img.Chunk.(*chunk.Linear)
	orders := []diskcore.FileOrder{img.FileOrder}
	if ok && img.Chunk.Geometry().HasSectors && img.Chunk.Geometry().SectorsPerTrack == 16 {
		orders = []diskcore.FileOrder{diskcore.OrderDOSSector, diskcore.OrderProDOSBlock, diskcore.OrderCPMKBlock, diskcore.OrderPhysical}
	}

	type found struct {
		tag   diskcore.FilesystemTag
		drv   filesystem.Driver
		order diskcore.FileOrder
		conf  filesystem.Confidence
	}
	var bestMatch *found

	for _, order := range orders {
		src := img.Chunk
		if ok {
			relinked, err := l.WithFileOrder(order)
			if err != nil {
				continue
			}
			src = relinked
		}
		for _, reg := range registeredDrivers {
			conf := reg.driver.TestImage(src)
			if conf == filesystem.No {
				continue
			}
			if bestMatch == nil || conf > bestMatch.conf {
				bestMatch = &found{tag: reg.tag, drv: reg.driver, order: order, conf: conf}
			}
			if conf >= filesystem.Yes {
				break
			}
		}
		if bestMatch != nil && bestMatch.conf >= filesystem.Good {
			break
		}
	}

	if bestMatch == nil {
		img.note("no registered filesystem driver recognized this volume")
		return
	}

	img.FSTag = bestMatch.tag
	img.FileOrder = bestMatch.order
	if ok {
		if relinked, err := l.WithFileOrder(bestMatch.order); err == nil {
			img.Chunk = relinked
		}
	}
	img.Host = filesystem.NewHost(img.Chunk, bestMatch.drv)
	img.Contents = ContentsFilesystem
}
