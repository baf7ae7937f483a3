// Package gate wraps a chunk.Source with a capability gate that a
// filesystem driver closes (or downgrades to read-only) while it holds
// cooked metadata caches, so raw sector/block writes made through the same
// disk image can never silently desync a driver's in-memory directory
// structures (spec §4.4).
package gate

import (
	"github.com/pkg/errors"

	"diskcore/chunk"
	"diskcore/diskerr"
)

// Access is the current capability level of a Gated chunk source.
type Access int

const (
	// Unknown is the zero value; a Gated must be explicitly opened before
	// any chunk access is permitted.
	Unknown Access = iota
	// Open permits both raw reads and raw writes.
	Open
	// ReadOnly permits raw reads but rejects raw writes - the state a
	// filesystem driver puts the gate in once it has cooked metadata
	// cached, since a raw write could invalidate that cache without the
	// driver knowing.
	ReadOnly
	// Closed rejects all raw chunk access; only the driver holding the
	// gate may touch the underlying chunk source (conceptually - Gated
	// does not itself enforce the holder identity, only the level).
	Closed
)

// Gated wraps a chunk.Source, enforcing an Access level on every call.
// The zero value is not usable; construct with New.
type Gated struct {
	src   chunk.Source
	level Access
}

// New returns a Gated wrapping src, initially Open.
func New(src chunk.Source) *Gated {
	return &Gated{src: src, level: Open}
}

// Level returns the current access level.
func (g *Gated) Level() Access { return g.level }

// SetLevel changes the gate's access level. Any level transition is legal;
// it is the caller's (driver's) responsibility to only narrow the gate
// while cooked metadata is cached and widen it back once that cache is
// discarded.
func (g *Gated) SetLevel(level Access) { g.level = level }

func (g *Gated) check(write bool) error {
	switch g.level {
	case Closed:
		return errors.Wrap(diskerr.ErrAccessDenied, "chunk gate is closed")
	case ReadOnly:
		if write {
			return errors.Wrap(diskerr.ErrAccessDenied, "chunk gate is read-only")
		}
	case Open:
		// no restriction
	case Unknown:
		return errors.Wrap(diskerr.ErrInvalidOperation, "chunk gate was never opened")
	}
	return nil
}

func (g *Gated) Geometry() chunk.Geometry { return g.src.Geometry() }

func (g *Gated) ReadSector(track, sector int, out []byte) error {
	if err := g.check(false); err != nil {
		return err
	}
	return g.src.ReadSector(track, sector, out)
}

func (g *Gated) WriteSector(track, sector int, data []byte) error {
	if err := g.check(true); err != nil {
		return err
	}
	return g.src.WriteSector(track, sector, data)
}

func (g *Gated) TestSector(track, sector int) bool {
	return g.check(false) == nil && g.src.TestSector(track, sector)
}

func (g *Gated) ReadBlock(block int, out []byte) error {
	if err := g.check(false); err != nil {
		return err
	}
	return g.src.ReadBlock(block, out)
}

func (g *Gated) WriteBlock(block int, data []byte) error {
	if err := g.check(true); err != nil {
		return err
	}
	return g.src.WriteBlock(block, data)
}

func (g *Gated) TestBlock(block int) bool {
	return g.check(false) == nil && g.src.TestBlock(block)
}

func (g *Gated) ReadBlockCPM(block int, out []byte) error {
	if err := g.check(false); err != nil {
		return err
	}
	return g.src.ReadBlockCPM(block, out)
}

func (g *Gated) WriteBlockCPM(block int, data []byte) error {
	if err := g.check(true); err != nil {
		return err
	}
	return g.src.WriteBlockCPM(block, data)
}

func (g *Gated) Initialize() error {
	if err := g.check(true); err != nil {
		return err
	}
	return g.src.Initialize()
}

func (g *Gated) ReadCount() uint64  { return g.src.ReadCount() }
func (g *Gated) WriteCount() uint64 { return g.src.WriteCount() }
func (g *Gated) Dirty() bool        { return g.src.Dirty() }
func (g *Gated) SetDirty(v bool)    { g.src.SetDirty(v) }

var _ chunk.Source = (*Gated)(nil)
