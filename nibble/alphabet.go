package nibble

// Scheme selects the GCR encoding variant used for one sector's data
// field.
type Scheme int

const (
	GCR53 Scheme = iota
	GCR62
)

// alphabet53 is the 32-symbol 5&3 disk-byte alphabet, bit-exact per spec §6.
var alphabet53 = []byte{
	0xAB, 0xAD, 0xAE, 0xAF, 0xB5, 0xB6, 0xB7, 0xBA,
	0xBB, 0xBD, 0xBE, 0xBF, 0xD6, 0xD7, 0xDA, 0xDB,
	0xDD, 0xDE, 0xDF, 0xEA, 0xEB, 0xED, 0xEE, 0xEF,
	0xF5, 0xF6, 0xF7, 0xFA, 0xFB, 0xFD, 0xFE, 0xFF,
}

// alphabet62 is the 64-symbol 6&2 disk-byte alphabet, bit-exact per spec §6.
var alphabet62 = []byte{
	0x96, 0x97, 0x9A, 0x9B, 0x9D, 0x9E, 0x9F, 0xA6,
	0xA7, 0xAB, 0xAC, 0xAD, 0xAE, 0xAF, 0xB2, 0xB3,
	0xB4, 0xB5, 0xB6, 0xB7, 0xB9, 0xBA, 0xBB, 0xBC,
	0xBD, 0xBE, 0xBF, 0xCB, 0xCD, 0xCE, 0xCF, 0xD3,
	0xD6, 0xD7, 0xD9, 0xDA, 0xDB, 0xDC, 0xDD, 0xDE,
	0xDF, 0xE5, 0xE6, 0xE7, 0xE9, 0xEA, 0xEB, 0xEC,
	0xED, 0xEE, 0xEF, 0xF2, 0xF3, 0xF4, 0xF5, 0xF6,
	0xF7, 0xF9, 0xFA, 0xFB, 0xFC, 0xFD, 0xFE, 0xFF,
}

// inverse53/inverse62 map a disk byte back to its alphabet index, or -1 if
// the byte is not a valid member of the alphabet - used by find_sectors to
// detect a byte outside the disk-byte alphabet (spec §4.2 step 6).
var inverse53 = buildInverse(alphabet53)
var inverse62 = buildInverse(alphabet62)

func buildInverse(alphabet []byte) [256]int16 {
	var inv [256]int16
	for i := range inv {
		inv[i] = -1
	}
	for i, b := range alphabet {
		inv[b] = int16(i)
	}
	return inv
}

// decode53 returns the 5-bit value (0-31) encoded by disk byte b, or false
// if b is not a valid 5&3 disk byte.
func decode53(b byte) (byte, bool) {
	v := inverse53[b]
	if v < 0 {
		return 0, false
	}
	return byte(v), true
}

// decode62 returns the 6-bit value (0-63) encoded by disk byte b, or false
// if b is not a valid 6&2 disk byte.
func decode62(b byte) (byte, bool) {
	v := inverse62[b]
	if v < 0 {
		return 0, false
	}
	return byte(v), true
}

func encode53(v byte) byte { return alphabet53[v&0x1F] }
func encode62(v byte) byte { return alphabet62[v&0x3F] }
