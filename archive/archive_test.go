package archive

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"diskcore"
	"diskcore/storage"
)

// fakeDriver is a minimal Driver used to exercise Archive's transaction and
// commit-rewind logic independently of any real container format.
type fakeDriver struct {
	reconstructionNeeded bool
	commitErr            error
	commitEntries        []*Entry
}

func (d *fakeDriver) Name() string                         { return "fake" }
func (d *fakeDriver) TestFormat(storage.Source) bool        { return true }
func (d *fakeDriver) Load(storage.Source) ([]*Entry, error) { return nil, nil }
func (d *fakeDriver) ReconstructionNeeded() bool             { return d.reconstructionNeeded }

func (d *fakeDriver) Commit(src storage.Source, entries []*Entry, ops []Op, output io.WriteSeeker) ([]*Entry, error) {
	if d.commitErr != nil {
		return nil, d.commitErr
	}
	if _, err := output.Write([]byte("fake-archive-bytes")); err != nil {
		return nil, err
	}
	return d.commitEntries, nil
}

func (d *fakeDriver) OpenReadStream(storage.Source, *Entry, PartKind) (*ReadStream, error) {
	return nil, nil
}

var _ Driver = (*fakeDriver)(nil)

// Scenario S3 / property 8: a commit that fails must leave the original
// archive untouched, truncate the output stream, and leave the transaction
// open for Cancel or retry.
func TestCommitFailureRewindsOutputAndLeavesTransactionOpen(t *testing.T) {
	drv := &fakeDriver{reconstructionNeeded: true, commitErr: errBoom}
	a, err := Open(storage.NewMemSource(nil), drv)
	require.NoError(t, err)

	tx, err := a.Begin()
	require.NoError(t, err)
	e := tx.CreateRecord("NEW.FILE")
	tx.AddPart(e, PartData, nil, diskcore.CompressionDeflate)

	output := storage.NewBlankMemSource(0)
	_, _ = output.Write([]byte("stale garbage from a previous attempt"))

	err = a.Commit(output)
	require.Error(t, err)

	require.NotNil(t, a.tx, "transaction must remain open after a failed commit")

	n, lenErr := output.Len()
	require.NoError(t, lenErr)
	require.Equal(t, int64(0), n, "output must be truncated to zero on commit failure")

	require.Empty(t, a.Entries(), "entries must be unchanged by a failed commit")

	a.Cancel()
	require.Nil(t, a.tx)
}

// A transaction containing only SetAttr ops, against a driver that never
// needs full reconstruction, commits in place with no output stream.
func TestCommitInPlaceForAttributeOnlyTransaction(t *testing.T) {
	drv := &fakeDriver{reconstructionNeeded: false}
	a := &Archive{src: storage.NewMemSource(nil), driver: drv, entries: []*Entry{newEntry("FILE")}}

	tx, err := a.Begin()
	require.NoError(t, err)
	tx.SetAttr(a.Entries()[0], "type", "TXT")

	require.NoError(t, a.Commit(nil))
	require.Nil(t, a.tx)
	require.Equal(t, "TXT", a.Entries()[0].Attrs["type"])
}

// A sizing-affecting transaction against a driver with
// ReconstructionNeeded()==false still requires an explicit output stream,
// since the in-place path can only ever patch attributes.
func TestCommitInPlaceRejectsSizingAffectingOps(t *testing.T) {
	drv := &fakeDriver{reconstructionNeeded: false}
	a := &Archive{src: storage.NewMemSource(nil), driver: drv, entries: []*Entry{newEntry("FILE")}}

	tx, err := a.Begin()
	require.NoError(t, err)
	tx.DeletePart(a.Entries()[0], PartData)

	require.Error(t, a.Commit(nil))
}

func TestBeginRejectsSecondOpenTransaction(t *testing.T) {
	drv := &fakeDriver{}
	a, err := Open(storage.NewMemSource(nil), drv)
	require.NoError(t, err)

	_, err = a.Begin()
	require.NoError(t, err)

	_, err = a.Begin()
	require.Error(t, err)
}

func TestOpenReadStreamRejectedWhileTransactionOpen(t *testing.T) {
	drv := &fakeDriver{}
	a, err := Open(storage.NewMemSource(nil), drv)
	require.NoError(t, err)
	e := newEntry("FILE")
	a.entries = []*Entry{e}

	_, err = a.Begin()
	require.NoError(t, err)

	_, err = a.OpenReadStream(e, PartData)
	require.Error(t, err)
}

// errBoom is a stand-in failure a PartSource or Driver might return; using
// a plain sentinel keeps the test focused on Archive's own rewind logic
// rather than any particular driver's error taxonomy.
var errBoom = errSentinel("boom")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
