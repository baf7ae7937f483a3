// Package archive implements the file-archive transaction model (spec
// §4.8/§4.9): queued multi-edit transactions applied atomically by a
// streamed, end-to-end rewrite, plus a forward-only read stream over one
// archive fork's uncompressed bytes.
//
// Grounded on the teacher's explicit-step, errors.Wrap-heavy decode method
// shape (amstrad/dsk/dsk.go's (d *DSK) Read() walking a structured
// multi-part format field by field); no file in the pack models a
// rewind-and-retry streaming commit, so Commit's multi-phase write is
// built directly from spec §4.8.
package archive

import (
	"io"
	"log/slog"

	"github.com/pkg/errors"

	"diskcore"
	"diskcore/diskerr"
	"diskcore/storage"
)

// PartKind identifies which fork of an entry an operation targets.
type PartKind int

const (
	PartData PartKind = iota
	PartResource
	PartDiskImage
)

func (k PartKind) String() string {
	switch k {
	case PartResource:
		return "resource"
	case PartDiskImage:
		return "disk-image"
	default:
		return "data"
	}
}

// PartSource is a deferred byte producer for one part being added during a
// transaction (spec §3 "Part source"). Open may be called more than once:
// a failed compression attempt rewinds the output and retries uncompressed,
// which requires re-reading the source from the start.
type PartSource interface {
	// Open returns a fresh reader positioned at the start of the part's
	// bytes. The length is not known a priori.
	Open() (io.Reader, error)
	// Close releases any resource Open acquired. Called once per Open,
	// and always by the time Commit returns (success, failure, or cancel).
	Close() error
}

// PartInfo records one part's metadata as present in the underlying
// archive, or as queued to be written by a pending AddPart.
type PartInfo struct {
	Compression        diskcore.CompressionFormat
	CompressedLength   uint64
	UncompressedLength uint64
	Checksum           uint32
	HasChecksum        bool
}

// Entry is one archived record: a name plus whichever parts (data fork,
// resource fork, disk image) it carries. Entries returned by Archive.Entries
// belong to the archive and must not be mutated directly; all edits go
// through a Transaction.
type Entry struct {
	Name  string
	Parts map[PartKind]*PartInfo
	Attrs map[string]string

	deleted bool
}

func newEntry(name string) *Entry {
	return &Entry{Name: name, Parts: map[PartKind]*PartInfo{}, Attrs: map[string]string{}}
}

type opKind int

const (
	opCreateRecord opKind = iota
	opDeleteRecord
	opAddPart
	opDeletePart
	opSetAttr
)

type op struct {
	kind        opKind
	entry       *Entry
	part        PartKind
	source      PartSource
	compression diskcore.CompressionFormat
	attrKey     string
	attrVal     string
}

// Transaction is the in-memory queue of edits accumulated between
// Archive.Begin and Archive.Commit/Cancel (spec §3 "Archive transaction").
// At most one Transaction may be open per Archive.
type Transaction struct {
	archive *Archive
	ops     []op
}

// CreateRecord queues a new entry named name. The returned Entry is only
// valid for building further queued operations (AddPart, SetAttr) against;
// it does not appear in Archive.Entries until Commit succeeds.
func (t *Transaction) CreateRecord(name string) *Entry {
	e := newEntry(name)
	t.ops = append(t.ops, op{kind: opCreateRecord, entry: e})
	return e
}

// DeleteRecord queues removal of an existing entry.
func (t *Transaction) DeleteRecord(e *Entry) {
	t.ops = append(t.ops, op{kind: opDeleteRecord, entry: e})
}

// AddPart queues writing source's bytes as part kind of e, compressed with
// compression if the driver supports it (falling back to Uncompressed on a
// failed shrink attempt per spec §4.8 step 3).
func (t *Transaction) AddPart(e *Entry, part PartKind, source PartSource, compression diskcore.CompressionFormat) {
	t.ops = append(t.ops, op{kind: opAddPart, entry: e, part: part, source: source, compression: compression})
}

// DeletePart queues removal of one part from e, leaving the entry and its
// other parts intact.
func (t *Transaction) DeletePart(e *Entry, part PartKind) {
	t.ops = append(t.ops, op{kind: opDeletePart, entry: e, part: part})
}

// SetAttr queues an attribute edit (e.g. file type, timestamps) on e.
func (t *Transaction) SetAttr(e *Entry, key, value string) {
	t.ops = append(t.ops, op{kind: opSetAttr, entry: e, attrKey: key, attrVal: value})
}

// sizingAffecting reports whether any queued op changes the archive's part
// data (as opposed to attribute-only edits), per spec §4.8 step 1.
func (t *Transaction) sizingAffecting() bool {
	for _, o := range t.ops {
		switch o.kind {
		case opCreateRecord, opDeleteRecord, opAddPart, opDeletePart:
			return true
		}
	}
	return false
}

// Driver is the per-archive-format plugin contract (spec §6 "interfaces for
// external collaborators").
type Driver interface {
	Name() string
	// TestFormat reports whether src looks like this driver's container.
	TestFormat(src storage.Source) bool
	// Load reads src's directory and returns the entries found.
	Load(src storage.Source) ([]*Entry, error)
	// ReconstructionNeeded reports whether every commit must write a
	// complete new archive to an output stream (false permits the
	// output=nil fast path of spec §4.8 step 1 for attribute-only
	// transactions).
	ReconstructionNeeded() bool
	// Commit writes a complete new archive incorporating base (the
	// existing entries not deleted) plus the queued ops, to output, and
	// returns the authoritative post-commit entry list (fully populated
	// Parts/Attrs, ready to become the Archive's new Entries()). It must
	// fully drain every PartSource exactly once per Open call and dispose
	// it before returning. On any error, the caller rewinds and truncates
	// output; Commit itself must not assume output is usable after it
	// returns an error.
	Commit(src storage.Source, entries []*Entry, ops []Op, output io.WriteSeeker) ([]*Entry, error)
	// OpenReadStream opens a forward-only reader over one part's
	// uncompressed bytes.
	OpenReadStream(src storage.Source, e *Entry, part PartKind) (*ReadStream, error)
}

// Op is the read-only view of one queued operation exposed to Driver.Commit.
type Op struct {
	Kind        OpKind
	Entry       *Entry
	Part        PartKind
	Source      PartSource
	Compression diskcore.CompressionFormat
	AttrKey     string
	AttrValue   string
}

// OpKind is the exported tag for Op.Kind.
type OpKind int

const (
	OpCreateRecord OpKind = iota
	OpDeleteRecord
	OpAddPart
	OpDeletePart
	OpSetAttr
)

func exportOps(ops []op) []Op {
	out := make([]Op, len(ops))
	for i, o := range ops {
		out[i] = Op{
			Kind:        OpKind(o.kind),
			Entry:       o.entry,
			Part:        o.part,
			Source:      o.source,
			Compression: o.compression,
			AttrKey:     o.attrKey,
			AttrValue:   o.attrVal,
		}
	}
	return out
}

// Archive is one open file archive: an underlying byte source, a driver,
// the entries the driver last loaded, and at most one open Transaction.
// Grounded on filesystem.Host's analogous role at L4 - this is the L4′
// sibling for archive containers rather than disk filesystems.
type Archive struct {
	src    storage.Source
	driver Driver

	entries []*Entry
	Notes   []string
	log     *slog.Logger

	tx          *Transaction
	openStreams int
}

// Open loads src's directory via driver and returns a ready Archive.
// Diagnostics go to slog.Default() until SetLogger overrides it.
func Open(src storage.Source, driver Driver) (*Archive, error) {
	entries, err := driver.Load(src)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: load", driver.Name())
	}
	return &Archive{src: src, driver: driver, entries: entries, log: slog.Default()}, nil
}

// SetLogger redirects the archive's diagnostics to logger.
func (a *Archive) SetLogger(logger *slog.Logger) { a.log = logger }

func (a *Archive) note(s string) {
	a.Notes = append(a.Notes, s)
	if a.log != nil {
		a.log.Debug(s, "driver", a.driver.Name())
	}
}

// Entries returns the archive's current entries. Only valid outside an open
// transaction's uncommitted edits; entries queued by CreateRecord do not
// appear here until Commit succeeds.
func (a *Archive) Entries() []*Entry { return a.entries }

// Begin starts a new Transaction. Only one may be open at a time (spec §3
// "Archive transaction" invariant).
func (a *Archive) Begin() (*Transaction, error) {
	if a.tx != nil {
		return nil, errors.Wrap(diskerr.ErrInvalidOperation, "archive: a transaction is already open")
	}
	t := &Transaction{archive: a}
	a.tx = t
	return t, nil
}

// Cancel discards the open transaction without applying any of its queued
// operations.
func (a *Archive) Cancel() {
	a.tx = nil
}

// OpenReadStream opens a forward-only reader over one part's uncompressed
// bytes. Read streams may not be opened while a transaction is open (spec
// §4.8 "no open read streams during commit").
func (a *Archive) OpenReadStream(e *Entry, part PartKind) (*ReadStream, error) {
	if a.tx != nil {
		return nil, errors.Wrap(diskerr.ErrInvalidOperation, "archive: cannot open a read stream while a transaction is open")
	}
	rs, err := a.driver.OpenReadStream(a.src, e, part)
	if err != nil {
		return nil, err
	}
	rs.archive = a
	a.openStreams++
	return rs, nil
}

func (a *Archive) forgetStream() { a.openStreams-- }

// Commit applies the open transaction's queued operations (spec §4.8).
//
// When the driver reports ReconstructionNeeded()==false and the queued ops
// are all attribute-only, output may be nil: the edits are then applied to
// the in-memory entries only, and nothing is written to the existing
// stream. Otherwise output
// must be a distinct, writable, seekable stream; a complete new archive is
// written to it end-to-end. On any error the library rewinds output to
// position 0 and truncates it, and the transaction remains open so the
// caller may retry or Cancel. On success, a adopts output as its new
// underlying stream and the caller is responsible for swapping files on
// disk (spec §4.8 step 4 - "the library dereferences the old stream").
func (a *Archive) Commit(output io.WriteSeeker) error {
	t := a.tx
	if t == nil {
		return errors.Wrap(diskerr.ErrInvalidOperation, "archive: no open transaction to commit")
	}
	if a.openStreams > 0 {
		return errors.Wrap(diskerr.ErrInvalidOperation, "archive: cannot commit while read streams are open")
	}

	if output == nil {
		if a.driver.ReconstructionNeeded() || t.sizingAffecting() {
			return errors.Wrap(diskerr.ErrInvalidOperation, "archive: output stream required for this transaction")
		}
		if err := a.commitInPlace(t); err != nil {
			return err
		}
		a.applyOpsToEntries(t)
		a.tx = nil
		return nil
	}

	ops := exportOps(t.ops)
	newEntries, err := a.driver.Commit(a.src, a.entries, ops, output)
	if err != nil {
		if _, serr := output.Seek(0, io.SeekStart); serr == nil {
			if trunc, ok := output.(interface{ Truncate(int64) error }); ok {
				_ = trunc.Truncate(0)
			}
		}
		return errors.Wrapf(err, "%s: commit", a.driver.Name())
	}

	newSrc, ok := output.(storage.Source)
	if !ok {
		return errors.Wrap(diskerr.ErrInvalidOperation, "archive: output stream does not implement storage.Source")
	}
	a.src = newSrc
	a.entries = newEntries
	a.tx = nil
	a.note("commit: rewrote archive via " + a.driver.Name())
	return nil
}

// commitInPlace applies attribute-only edits directly to a's existing
// entries with no stream rewrite, per spec §4.8 step 1.
func (a *Archive) commitInPlace(t *Transaction) error {
	for _, o := range t.ops {
		if o.kind != opSetAttr {
			return errors.Wrap(diskerr.ErrInvalidOperation, "archive: in-place commit saw a non-attribute op")
		}
		o.entry.Attrs[o.attrKey] = o.attrVal
	}
	return nil
}

// applyOpsToEntries updates a.entries to reflect a successful commit's
// queued operations (the driver's Commit already wrote the bytes; this
// keeps the in-memory model in sync without re-Load-ing).
func (a *Archive) applyOpsToEntries(t *Transaction) {
	for _, o := range t.ops {
		switch o.kind {
		case opCreateRecord:
			a.entries = append(a.entries, o.entry)
		case opDeleteRecord:
			o.entry.deleted = true
			a.entries = removeEntry(a.entries, o.entry)
		case opAddPart:
			o.entry.Parts[o.part] = &PartInfo{Compression: o.compression}
		case opDeletePart:
			delete(o.entry.Parts, o.part)
		case opSetAttr:
			o.entry.Attrs[o.attrKey] = o.attrVal
		}
	}
}

func removeEntry(entries []*Entry, target *Entry) []*Entry {
	out := entries[:0]
	for _, e := range entries {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}
