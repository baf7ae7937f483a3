package chunk

import "diskcore"

// Sector-skew tables, bit-exact per the external interface contract.
// Each table maps an input sector index to an output sector index for
// 16-sector-per-track 5.25" media.
var (
	physToDOS = [16]byte{0, 7, 14, 6, 13, 5, 12, 4, 11, 3, 10, 2, 9, 1, 8, 15}
	dosToPhys = [16]byte{0, 13, 11, 9, 7, 5, 3, 1, 14, 12, 10, 8, 6, 4, 2, 15}

	physToProDOS = [16]byte{0, 8, 1, 9, 2, 10, 3, 11, 4, 12, 5, 13, 6, 14, 7, 15}
	prodosToPhys = [16]byte{0, 2, 4, 6, 8, 10, 12, 14, 1, 3, 5, 7, 9, 11, 13, 15}

	physToCPM = [16]byte{0, 11, 6, 1, 12, 7, 2, 13, 8, 3, 14, 9, 4, 15, 10, 5}
	cpmToPhys = [16]byte{0, 3, 6, 9, 12, 15, 2, 5, 8, 11, 14, 1, 4, 7, 10, 13}

	identity16 = [16]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
)

// physToFileTable returns the physical->file table for the given FileOrder,
// on 16-sector media. OrderPhysical (and any other order) returns identity.
func physToFileTable(order diskcore.FileOrder) [16]byte {
	switch order {
	case diskcore.OrderDOSSector:
		return physToDOS
	case diskcore.OrderProDOSBlock:
		return physToProDOS
	case diskcore.OrderCPMKBlock:
		return physToCPM
	default:
		return identity16
	}
}

// fileToPhysTable returns the file->physical table for the given FileOrder.
func fileToPhysTable(order diskcore.FileOrder) [16]byte {
	switch order {
	case diskcore.OrderDOSSector:
		return dosToPhys
	case diskcore.OrderProDOSBlock:
		return prodosToPhys
	case diskcore.OrderCPMKBlock:
		return cpmToPhys
	default:
		return identity16
	}
}

// callerToPhys converts a DOS-logical (caller-addressed) sector number to
// its physical sector number. Callers of read_sector/write_sector always
// address sectors in DOS logical order, per spec §4.1, regardless of the
// chunk source's own file order.
func callerToPhys(sector int) int {
	return int(dosToPhys[sector])
}

// physToFileOrdered converts a physical sector number to the file-ordered
// logical sector number for the chunk source's configured FileOrder.
func physToFileOrdered(order diskcore.FileOrder, physical int) int {
	table := physToFileTable(order)
	return int(table[physical])
}

// PhysToFile converts a physical sector number to the file-ordered logical
// sector number for order. Exported so callers (and tests) can verify the
// skew round-trip invariant directly.
func PhysToFile(order diskcore.FileOrder, physical int) int {
	return physToFileOrdered(order, physical)
}

// FileToPhys converts a file-ordered logical sector number back to its
// physical sector number for order. The inverse of PhysToFile.
func FileToPhys(order diskcore.FileOrder, file int) int {
	table := fileToPhysTable(order)
	return int(table[file])
}
