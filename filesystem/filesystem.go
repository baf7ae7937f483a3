// Package filesystem implements the Raw/Cooked lifecycle shared by every
// disk filesystem driver (ProDOS, CP/M, and future additions): scanning a
// gated chunk source into a directory tree, tracking volume usage, and
// exposing FileStream handles, while enforcing that cooked metadata can
// never silently desync from the underlying bytes (spec §4.6/§4.7).
//
// Grounded on the teacher's container/driver split (amstrad/dsk.Disk
// dispatching to a format-specific catalog reader), generalized from one
// hard-coded Amstrad format to the pluggable Driver registry below.
package filesystem

import (
	"log/slog"

	"github.com/pkg/errors"

	"diskcore"
	"diskcore/chunk"
	"diskcore/diskerr"
	"diskcore/gate"
	"diskcore/volumeusage"
)

// Mode is the filesystem lifecycle state.
type Mode int

const (
	Raw Mode = iota
	Cooked
)

func (m Mode) String() string {
	if m == Cooked {
		return "Cooked"
	}
	return "Raw"
}

// Confidence is a filesystem driver's self-reported match quality for a
// candidate chunk source, used by the analyzer to pick among drivers and
// file orders.
type Confidence int

const (
	No Confidence = iota
	Barely
	Maybe
	Good
	Yes
)

// FileEntry is one cataloged directory entry. Dubious entries may be read
// but not modified or deleted; damaged entries may not be opened at all.
type FileEntry struct {
	Path        string
	Size        int64
	IsDir       bool
	Dubious     bool
	Damaged     bool
	AccessFlags diskcore.AccessFlags
}

// Driver is the per-filesystem-format plugin contract (spec §6 "interfaces
// for external collaborators").
type Driver interface {
	Name() string
	TestImage(src chunk.Source) Confidence
	// Scan populates h's directory tree and volume usage. quick requests a
	// fast structural pass only (no deep validation).
	Scan(h *Host, quick bool) error
	Format(src chunk.Source, volumeName string) error

	Open(h *Host, path string, writable bool) (*FileStream, error)
	Entries(h *Host) []FileEntry
}

// Host is one mounted filesystem instance: a gated chunk source plus the
// driver-owned cooked state (directory tree, volume usage, open streams).
type Host struct {
	src    chunk.Source
	gated  *gate.Gated
	driver Driver
	mode   Mode

	Notes []string
	log   *slog.Logger

	usage        *volumeusage.Map
	entries      []FileEntry
	dubiousVolume bool

	openStreams map[*FileStream]bool
}

// NewHost wraps src (already a chunk.Source) in a gate and returns an
// unmounted (Raw) Host for driver. Diagnostics go to slog.Default() until
// SetLogger overrides it; the host is a library, not a terminal tool, so it
// never prints directly.
func NewHost(src chunk.Source, driver Driver) *Host {
	return &Host{
		src:         src,
		gated:       gate.New(src),
		driver:      driver,
		mode:        Raw,
		log:         slog.Default(),
		openStreams: make(map[*FileStream]bool),
	}
}

// SetLogger redirects the host's diagnostics to logger, letting a caller
// that embeds Host in a larger service route its notes into its own
// structured log instead of the default handler.
func (h *Host) SetLogger(logger *slog.Logger) { h.log = logger }

func (h *Host) Mode() Mode        { return h.mode }

// Gate returns the external-facing gated chunk source: raw reads/writes
// made through it are subject to the Raw/Cooked access level, so an
// external caller holding onto it cannot desync a driver's cooked cache.
// Drivers themselves read/write through RawSource, bypassing the gate,
// per spec §4.6 ("the filesystem never writes through the raw stream
// while in Cooked mode" describes the external contract, not a
// restriction on the driver's own cooked I/O).
func (h *Host) Gate() *gate.Gated { return h.gated }

// RawSource returns the underlying chunk.Source for driver-internal use,
// unmediated by the gate.
func (h *Host) RawSource() chunk.Source { return h.src }
func (h *Host) Usage() *volumeusage.Map { return h.usage }
func (h *Host) Dubious() bool         { return h.dubiousVolume }
func (h *Host) note(s string) {
	h.Notes = append(h.Notes, s)
	if h.log != nil {
		h.log.Debug(s, "mode", h.mode.String())
	}
}

// MarkDubious records that the volume itself should be treated as
// effectively read-only in Cooked mode.
func (h *Host) MarkDubious() { h.dubiousVolume = true }

// SetUsage replaces the host's volume-usage map; drivers call this during
// Scan to publish what they found.
func (h *Host) SetUsage(m *volumeusage.Map) { h.usage = m }

// SetEntries replaces the host's cataloged entries; drivers call this
// during Scan.
func (h *Host) SetEntries(e []FileEntry) { h.entries = e }

// Entries returns the cataloged directory entries. Only meaningful in
// Cooked mode.
func (h *Host) Entries() []FileEntry { return h.entries }

// ToCooked performs the Raw -> Cooked transition: test_image, scan, close
// the gate to ReadOnly (spec §4.6).
func (h *Host) ToCooked(quick bool) error {
	if h.mode == Cooked {
		return nil
	}
	conf := h.driver.TestImage(h.src)
	if conf < Barely {
		return errors.Wrapf(diskerr.ErrFormatUnknown, "%s: image did not pass test_image (confidence %d)", h.driver.Name(), conf)
	}
	if err := h.driver.Scan(h, quick); err != nil {
		return errors.Wrapf(err, "%s: scan failed", h.driver.Name())
	}
	h.gated.SetLevel(gate.ReadOnly)
	h.mode = Cooked
	h.note("cooked: " + h.driver.Name())
	return nil
}

// ToRaw performs the Cooked -> Raw transition: refuses while any file
// stream is open, discards the cached entries, usage map and dubious flag
// without writing anything, then reopens the gate.
func (h *Host) ToRaw() error {
	if h.mode == Raw {
		return nil
	}
	if len(h.openStreams) > 0 {
		return errors.Wrap(diskerr.ErrInvalidOperation, "cannot return to raw mode: file streams are still open")
	}
	h.entries = nil
	h.usage = nil
	h.dubiousVolume = false
	h.gated.SetLevel(gate.Open)
	h.mode = Raw
	h.note("raw")
	return nil
}

// CloseAll closes every open file stream, then permits ToRaw to succeed.
func (h *Host) CloseAll() error {
	for s := range h.openStreams {
		_ = s.Close()
	}
	return nil
}

// Open opens path for reading (or read/write if writable), enforcing the
// dubious/damaged rules and the one-read-write-stream-per-fork invariant.
func (h *Host) Open(path string, writable bool) (*FileStream, error) {
	if h.mode != Cooked {
		return nil, errors.Wrap(diskerr.ErrInvalidOperation, "filesystem must be Cooked to open files")
	}
	entry := h.find(path)
	if entry == nil {
		return nil, errors.Wrapf(diskerr.ErrNotFound, "open %q", path)
	}
	if entry.Damaged {
		return nil, errors.Wrapf(diskerr.ErrCorruptedData, "open %q: entry is damaged", path)
	}
	if writable && (entry.Dubious || h.dubiousVolume) {
		return nil, errors.Wrapf(diskerr.ErrReadOnly, "open %q: dubious, read-only", path)
	}
	if writable {
		for s := range h.openStreams {
			if s.path == path && s.writable {
				return nil, errors.Wrapf(diskerr.ErrInvalidOperation, "%q already has an open read-write stream", path)
			}
		}
	}
	stream, err := h.driver.Open(h, path, writable)
	if err != nil {
		return nil, err
	}
	stream.host = h
	stream.path = path
	stream.writable = writable
	h.openStreams[stream] = true
	return stream, nil
}

func (h *Host) find(path string) *FileEntry {
	for i := range h.entries {
		if h.entries[i].Path == path {
			return &h.entries[i]
		}
	}
	return nil
}

func (h *Host) forgetStream(s *FileStream) {
	delete(h.openStreams, s)
}

// FindEmbeddedVolumes reports sub-volumes nested inside this host's data
// area (e.g. a ProDOS sparse-partition table, or a CP/M volume inside a
// ProDOS file). This is a supplemented feature: the distilled spec names
// the capability but leaves discovery to drivers willing to implement it.
func (h *Host) FindEmbeddedVolumes() ([]*Host, error) {
	type embedder interface {
		EmbeddedVolumes(h *Host) ([]*Host, error)
	}
	e, ok := h.driver.(embedder)
	if !ok {
		return nil, nil
	}
	return e.EmbeddedVolumes(h)
}
