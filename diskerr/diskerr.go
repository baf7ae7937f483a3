// Package diskerr defines the sentinel error taxonomy shared across every
// layer of the disk-image and archive core, so callers can use errors.Is
// regardless of which layer raised the error.
package diskerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors. Wrap these with errors.Wrap/Wrapf for context; callers
// unwrap with errors.Is.
var (
	ErrDiskFull         = errors.New("disk full")
	ErrNotFound         = errors.New("entry not found")
	ErrDuplicate        = errors.New("duplicate name")
	ErrInvalidName      = errors.New("invalid name")
	ErrReadOnly         = errors.New("read-only")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrCorruptedData    = errors.New("corrupted data")
	ErrFormatUnknown    = errors.New("format unknown")
	ErrUnsupported      = errors.New("unsupported")
	ErrOutOfRange       = errors.New("out of range")
	ErrNoSectors        = errors.New("chunk source has no sector addressing")
	ErrNoBlocks         = errors.New("chunk source has no block addressing")
	ErrAccessDenied     = errors.New("access denied")
	ErrShortRead        = errors.New("short read")
)

// BadBlockError records a single unreadable physical chunk. It carries
// either a track/sector pair (nibble-backed media) or a block number, never
// both.
type BadBlockError struct {
	HasTrackSector bool
	Track, Sector  int
	Block          int
}

func (e *BadBlockError) Error() string {
	if e.HasTrackSector {
		return fmt.Sprintf("bad block: track %d sector %d", e.Track, e.Sector)
	}
	return fmt.Sprintf("bad block: block %d", e.Block)
}

// BadBlockTrackSector builds a BadBlockError for a nibble-backed chunk
// source, addressed by track/sector.
func BadBlockTrackSector(track, sector int) error {
	return &BadBlockError{HasTrackSector: true, Track: track, Sector: sector}
}

// BadBlockNumber builds a BadBlockError for a block-addressed chunk source.
func BadBlockNumber(block int) error {
	return &BadBlockError{Block: block}
}

// IsBadBlock reports whether err is, or wraps, a *BadBlockError.
func IsBadBlock(err error) bool {
	var bb *BadBlockError
	return errors.As(err, &bb)
}
