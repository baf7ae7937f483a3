package nibble

// Codec describes one nibble-encoding format variant: the exact prolog and
// epilog byte sequences, the GCR scheme, decoded/encoded sizes, checksum
// seeds and verification flags. A Codec is pure with respect to everything
// except the Track and output buffers passed to it.
type Codec struct {
	Name string

	AddressProlog []byte
	AddressEpilog []byte
	DataProlog    []byte
	DataEpilog    []byte
	// EpilogVerifyBytes is how many leading epilog bytes must match for the
	// field to be considered undamaged.
	EpilogVerifyBytes int

	Scheme            Scheme
	DecodedSectorSize int // 256 or 524
	EncodedSectorSize int

	AddressChecksumSeed byte
	DataChecksumSeed    byte

	VerifyTrackNumber bool
	VerifyChecksums   bool
	ReadOnly          bool

	// MaxAddrDataGap bounds the forward search (in bytes) for the data
	// prolog after a valid address field, per spec §4.2 step 5.
	MaxAddrDataGap int
}

// StandardDOS33 is the standard 5.25" 6&2 codec used by DOS 3.3/ProDOS
// formatted disks.
var StandardDOS33 = Codec{
	Name:                "6&2 (DOS 3.3 / ProDOS, 5.25\")",
	AddressProlog:       []byte{0xD5, 0xAA, 0x96},
	AddressEpilog:       []byte{0xDE, 0xAA, 0xEB},
	DataProlog:          []byte{0xD5, 0xAA, 0xAD},
	DataEpilog:          []byte{0xDE, 0xAA, 0xEB},
	EpilogVerifyBytes:   2,
	Scheme:              GCR62,
	DecodedSectorSize:   256,
	EncodedSectorSize:   343, // 86 auxiliary "twos" + 256 primary six-bit bytes + 1 checksum, see buildRawSequence
	AddressChecksumSeed: 0,
	DataChecksumSeed:    0,
	VerifyTrackNumber:   true,
	VerifyChecksums:     true,
	MaxAddrDataGap:      20,
}

// StandardDOS32 is the older 5.25" 5&3 codec (13-sector disks).
var StandardDOS32 = Codec{
	Name:                "5&3 (DOS 3.2, 5.25\")",
	AddressProlog:       []byte{0xD5, 0xAA, 0xB5},
	AddressEpilog:       []byte{0xDE, 0xAA, 0xEB},
	DataProlog:          []byte{0xD5, 0xAA, 0xAD},
	DataEpilog:          []byte{0xDE, 0xAA, 0xEB},
	EpilogVerifyBytes:   2,
	Scheme:              GCR53,
	DecodedSectorSize:   256,
	EncodedSectorSize:   411, // 410 encoded bytes + 1 checksum byte
	AddressChecksumSeed: 0,
	DataChecksumSeed:    0,
	VerifyTrackNumber:   true,
	VerifyChecksums:     true,
	MaxAddrDataGap:      20,
}

// Standard35 is the 3.5" 6&2 codec used for 524-byte (512 data + 12 tag)
// GCR blocks. Its data field carries a four-byte trailing checksum rather
// than the single byte the 256-byte variants use (spec §4.2 "GCR62/524"),
// so EncodedSectorSize includes three extra checksum bytes: 175 auxiliary
// + 524 primary + 4 checksum = 703.
var Standard35 = Codec{
	Name:                "6&2 (3.5\")",
	AddressProlog:       []byte{0xD5, 0xAA, 0x96},
	AddressEpilog:       []byte{0xDE, 0xAA},
	DataProlog:          []byte{0xD5, 0xAA, 0xAD},
	DataEpilog:          []byte{0xDE, 0xAA},
	EpilogVerifyBytes:   2,
	Scheme:              GCR62,
	DecodedSectorSize:   524,
	EncodedSectorSize:   703,
	AddressChecksumSeed: 0,
	DataChecksumSeed:    0,
	VerifyTrackNumber:   true,
	VerifyChecksums:     true,
	MaxAddrDataGap:      32,
}

// SectorPointer is a located sector descriptor produced by a codec scan. It
// is immutable during a single read and rebuilt on every scan; it is never
// persisted across scans.
type SectorPointer struct {
	AddrPrologBit int
	DataPrologBit int
	DataEndBit    int

	Track  int
	Sector int
	Side   int
	Format int
	Volume int

	AddrChecksumXOR byte

	AddrDamaged bool
	DataDamaged bool
}

// decode44 performs Apple "4-and-4" decoding: a single byte is spread
// across two disk bytes, odd = (v>>1)|0xAA, even = v|0xAA.
func decode44(odd, even byte) byte {
	return ((odd << 1) | 1) & even
}

func encode44(v byte) (odd, even byte) {
	return (v >> 1) | 0xAA, v | 0xAA
}

// FindSectors scans track for every sector address+data field it can
// locate, stopping when a sector number reappears at the address-prolog
// bit offset of its first occurrence (the track is a loop, spec §4.2
// "Deduplicate"). expectedTrack/expectedSide are used only for the track
// number verification (spec §4.2 step 3); pass -1 to skip that check.
func (c *Codec) FindSectors(track *Track, expectedTrack, expectedSide int) []SectorPointer {
	if track.Len() == 0 {
		return nil
	}

	var results []SectorPointer
	firstOffsetForSector := map[int]int{}
	revolutionBits := track.Len()
	scanned := 0
	startCursor := -1

	for scanned < revolutionBits+len(c.AddressProlog)*8 {
		if !track.FindSequence(c.AddressProlog, revolutionBits) {
			break
		}
		addrPrologBit := (track.Tell() - len(c.AddressProlog)*8 + track.Len()) % track.Len()
		if startCursor == -1 {
			startCursor = addrPrologBit
		} else if addrPrologBit == startCursor {
			break
		}

		ptr, ok := c.decodeAddressField(track, expectedTrack, expectedSide)
		if !ok {
			scanned = (addrPrologBit - startCursor + track.Len()) % track.Len()
			if scanned == 0 {
				scanned = track.Len()
			}
			continue
		}
		ptr.AddrPrologBit = addrPrologBit

		if first, seen := firstOffsetForSector[ptr.Sector]; seen {
			if first == addrPrologBit {
				break
			}
			// Duplicate at a different offset: keep whichever is valid,
			// preferring the undamaged copy (spec §4.2 "Deduplicate").
			c.findDataField(track, &ptr)
			if !ptr.AddrDamaged && !ptr.DataDamaged {
				results = replaceOrAppend(results, ptr)
			}
		} else {
			firstOffsetForSector[ptr.Sector] = addrPrologBit
			c.findDataField(track, &ptr)
			results = append(results, ptr)
		}

		scanned = (addrPrologBit - startCursor + track.Len()) % track.Len()
		if scanned == 0 && len(results) > 0 {
			scanned = track.Len()
		}
	}

	return results
}

func replaceOrAppend(results []SectorPointer, ptr SectorPointer) []SectorPointer {
	for i, r := range results {
		if r.Sector == ptr.Sector {
			results[i] = ptr
			return results
		}
	}
	return append(results, ptr)
}

// decodeAddressField decodes the address header immediately following an
// already-matched address prolog, verifying checksum/track/epilog per spec
// §4.2 steps 2-4.
func (c *Codec) decodeAddressField(track *Track, expectedTrack, expectedSide int) (SectorPointer, bool) {
	var ptr SectorPointer

	switch c.widthOf35() {
	case false: // 5.25": 4&4 encoding of {volume, track, sector, checksum}
		vol0, vol1 := track.ReadRawByte(), track.ReadRawByte()
		trk0, trk1 := track.ReadRawByte(), track.ReadRawByte()
		sec0, sec1 := track.ReadRawByte(), track.ReadRawByte()
		chk0, chk1 := track.ReadRawByte(), track.ReadRawByte()

		vol := decode44(vol0, vol1)
		trk := decode44(trk0, trk1)
		sec := decode44(sec0, sec1)
		chk := decode44(chk0, chk1)

		ptr.Volume = int(vol)
		ptr.Track = int(trk)
		ptr.Sector = int(sec)
		ptr.AddrChecksumXOR = vol ^ trk ^ sec

		if c.VerifyChecksums && ptr.AddrChecksumXOR != chk {
			ptr.AddrDamaged = true
		}
	default: // 3.5": 6&2 of {track-low, sector, track-high-side, format, checksum}
		var fields [5]byte
		ok := true
		for i := range fields {
			b := track.ReadRawByte()
			v, valid := decode62(b)
			if !valid {
				ok = false
			}
			fields[i] = v
		}
		if !ok {
			ptr.AddrDamaged = true
		}
		trackLow := fields[0]
		sector := fields[1]
		trackHighSide := fields[2]
		format := fields[3]
		checksum := fields[4]

		xsum := trackLow ^ sector ^ trackHighSide ^ format
		if c.VerifyChecksums && xsum != checksum {
			ptr.AddrDamaged = true
		}

		side := int(trackHighSide) >> 5
		trackHigh := int(trackHighSide) & 0x1
		ptr.Track = int(trackLow) | (trackHigh << 6)
		ptr.Sector = int(sector)
		ptr.Side = side
		ptr.Format = int(format)
		ptr.AddrChecksumXOR = xsum
	}

	if expectedTrack >= 0 && c.VerifyTrackNumber && ptr.Track != expectedTrack {
		ptr.AddrDamaged = true
	}
	if expectedSide >= 0 && c.widthOf35() && ptr.Side != expectedSide {
		ptr.AddrDamaged = true
	}

	if !track.MatchBytes(c.AddressEpilog[:min(len(c.AddressEpilog), c.EpilogVerifyBytes)]) {
		ptr.AddrDamaged = true
	}

	return ptr, true
}

func (c *Codec) widthOf35() bool {
	return c.DecodedSectorSize == 524
}

// findDataField searches a short forward window for the data prolog and,
// if found, decodes the data field and records its bit offsets, per spec
// §4.2 steps 5-7.
func (c *Codec) findDataField(track *Track, ptr *SectorPointer) {
	gapBytes := c.MaxAddrDataGap + len(c.DataProlog)
	if !track.FindSequence(c.DataProlog, gapBytes*8) {
		if c.Scheme == GCR62 {
			ptr.DataDamaged = true
		}
		// GCR53: a newly-formatted sector legitimately lacks a data field.
		return
	}

	ptr.DataPrologBit = track.Tell()
	_, _, endBit, damaged := c.decodeSectorDataAt(track, nil)
	ptr.DataEndBit = endBit
	if damaged {
		ptr.DataDamaged = true
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
