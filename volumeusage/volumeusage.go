// Package volumeusage tracks, per allocation chunk (sector or block),
// whether it is marked in use and which owner claims it - mirroring the
// free/used bitmaps ProDOS and DOS 3.3 keep on-disk, but held in memory as
// a single flags+owner map so a filesystem driver's directory scan can be
// cross-checked for conflicting claims without parsing an on-disk bitmap
// format.
package volumeusage

import "fmt"

// Flags is the bit set of per-chunk diagnostics named in spec §3: "flags
// ⊂ {MarkedInUse, Unreadable, Conflict}".
type Flags int

const (
	FlagMarkedInUse Flags = 1 << iota
	FlagUnreadable
	FlagConflict
)

// OwnerKind discriminates the closed owner sum type named in spec §3:
// "owner ∈ {None, SystemSentinel, FileRef}".
type OwnerKind int

const (
	OwnerNone OwnerKind = iota
	OwnerSystem
	OwnerFile
)

// Owner is the sum type over {None, SystemSentinel, FileRef}. The system
// variant is a distinguished value, not a sentinel pointer, so the
// conflict-notification path stays total (spec §9 "Null sentinels").
type Owner struct {
	Kind OwnerKind
	Ref  string // file/directory path; set only when Kind == OwnerFile
}

// NoneOwner is the zero Owner value - an unclaimed chunk.
var NoneOwner = Owner{Kind: OwnerNone}

// SystemOwner is the distinguished sentinel for boot/system-reserved
// chunks that belong to no file.
var SystemOwner = Owner{Kind: OwnerSystem}

// FileOwner returns the FileRef owner variant for the given path/name.
func FileOwner(ref string) Owner {
	return Owner{Kind: OwnerFile, Ref: ref}
}

// IsNone reports whether o is the None variant.
func (o Owner) IsNone() bool { return o.Kind == OwnerNone }

func (o Owner) String() string {
	switch o.Kind {
	case OwnerSystem:
		return "<system>"
	case OwnerFile:
		return o.Ref
	default:
		return "<none>"
	}
}

// Entry records one chunk's flags and owner. Disputants holds every owner
// that has claimed this chunk once FlagConflict is set, so a later read
// can report both owners of a dispute (spec §3 "records the dispute on
// both owners"; property 6 "subsequent reads report both owners").
type Entry struct {
	Flags      Flags
	Owner      Owner
	Disputants []Owner
}

// InUse reports whether the entry has any owner or diagnostic flag set.
func (e Entry) InUse() bool {
	return e.Flags != 0 || !e.Owner.IsNone()
}

// Conflict reports that two different non-None owners both claimed the
// same chunk (spec §3 invariant on SetUsage).
type Conflict struct {
	Chunk    int
	Existing Owner
	Incoming Owner
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("chunk %d already owned by %q, cannot assign to %q", c.Chunk, c.Existing, c.Incoming)
}

// Map is a fixed-size dense array of Entry, one per allocation chunk, sized
// to a volume's allocation count (spec §4.5 "Fixed-size array created
// sized to the allocation count").
type Map struct {
	entries []Entry
}

// New returns a Map with total chunk entries, each initially free (zero
// Flags, None owner).
func New(total int) *Map {
	return &Map{entries: make([]Entry, total)}
}

// Total returns the volume's total chunk count as supplied to New.
func (m *Map) Total() int { return len(m.entries) }

// SetUsage records that chunk belongs to owner. If the slot already has a
// non-None owner different from a non-None owner argument, this raises
// Conflict: both the existing and incoming owners are recorded as
// disputants of the slot and FlagConflict is set, but the slot's Owner is
// left as the existing (first) claimant (spec §3: "SetUsage with a
// non-None owner on a non-None slot raises Conflict and records the
// dispute on both owners"). Setting the same owner again, or setting a
// None owner, never conflicts.
func (m *Map) SetUsage(chunk int, owner Owner) error {
	e := &m.entries[chunk]
	if !e.Owner.IsNone() && !owner.IsNone() && e.Owner != owner {
		if len(e.Disputants) == 0 {
			e.Disputants = append(e.Disputants, e.Owner)
		}
		e.Disputants = append(e.Disputants, owner)
		e.Flags |= FlagConflict
		return &Conflict{Chunk: chunk, Existing: e.Owner, Incoming: owner}
	}
	e.Owner = owner
	return nil
}

// MarkInUse sets FlagMarkedInUse on chunk, independent of ownership (spec
// §4.5 "mark_in_use(chunk): set MarkedInUse").
func (m *Map) MarkInUse(chunk int) {
	m.entries[chunk].Flags |= FlagMarkedInUse
}

// MarkUnreadable sets FlagUnreadable on chunk, recording that the medium
// could not be read at this allocation unit (spec §3 flag set).
func (m *Map) MarkUnreadable(chunk int) {
	m.entries[chunk].Flags |= FlagUnreadable
}

// AllocChunk claims chunk for owner in one step: sets FlagMarkedInUse and
// the owner together, asserting the slot was previously unowned (spec
// §4.5 "alloc_chunk(chunk, owner): combined mark + ownership; asserts the
// slot was unowned"). It returns an error rather than panicking if that
// assertion is violated, since the caller is a filesystem driver scanning
// possibly-corrupt on-disk structures, not trusted in-process code.
func (m *Map) AllocChunk(chunk int, owner Owner) error {
	e := &m.entries[chunk]
	if !e.Owner.IsNone() {
		return fmt.Errorf("volumeusage: AllocChunk chunk %d already owned by %q", chunk, e.Owner)
	}
	e.Owner = owner
	e.Flags |= FlagMarkedInUse
	return nil
}

// FreeChunk clears chunk's flags, owner and disputants, making it
// available again (spec §4.5 "free_chunk(chunk): clears both").
func (m *Map) FreeChunk(chunk int) {
	m.entries[chunk] = Entry{}
}

// Get returns the Entry recorded for chunk.
func (m *Map) Get(chunk int) Entry {
	return m.entries[chunk]
}

// IsFree reports whether chunk has no owner and is not marked in use.
func (m *Map) IsFree(chunk int) bool {
	e := m.entries[chunk]
	return e.Owner.IsNone() && e.Flags&FlagMarkedInUse == 0
}

// Owners returns the set of distinct FileRef owner paths currently
// recorded (SystemSentinel and None are not file references).
func (m *Map) Owners() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range m.entries {
		if e.Owner.Kind != OwnerFile || seen[e.Owner.Ref] {
			continue
		}
		seen[e.Owner.Ref] = true
		out = append(out, e.Owner.Ref)
	}
	return out
}

// Analyze returns the four counters named in spec §4.5: the number of
// chunks marked in use, the number marked in use with no owner, the
// number owned but not marked in use, and the number with a recorded
// conflict. Scenario S6 asserts conflicts >= 1 after a scan that finds two
// files both claiming the same block.
func (m *Map) Analyze() (markedUsed, markedNoOwner, ownedNotMarked, conflicts int) {
	for _, e := range m.entries {
		marked := e.Flags&FlagMarkedInUse != 0
		owned := !e.Owner.IsNone()
		if marked {
			markedUsed++
			if !owned {
				markedNoOwner++
			}
		} else if owned {
			ownedNotMarked++
		}
		if e.Flags&FlagConflict != 0 {
			conflicts++
		}
	}
	return
}

// GenerateNoUsageSet returns the maximal sorted set of chunk indexes that
// are MarkedInUse but unowned - the "lost" blocks a scan could not
// attribute to any file (spec §4.5 "generate_no_usage_set()").
func (m *Map) GenerateNoUsageSet() []int {
	var lost []int
	for i, e := range m.entries {
		if e.Flags&FlagMarkedInUse != 0 && e.Owner.IsNone() {
			lost = append(lost, i)
		}
	}
	return lost
}
