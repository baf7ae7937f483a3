package filesystem

import (
	"io"

	"github.com/pkg/errors"

	"diskcore/diskerr"
)

// Extra seek origins beyond io.SeekStart/Current/End, used to walk sparse
// regions (spec §4.7). Values are chosen well outside io's small int range
// so a caller that mistakenly passes one to a plain io.Seeker gets an
// obvious out-of-range error rather than a silently wrong seek.
const (
	SeekData = 100 + iota
	SeekHole
)

// Backing is the data-access contract a driver gives a FileStream: random
// access reads/writes against the file's allocated extents, plus sparse
// hole/data queries. Drivers implement this directly against their extent
// or block-pointer structures.
type Backing interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	// SetLength truncates or (sparsely) extends the file.
	SetLength(n int64) error
	// NextDataOrHole returns the next offset >= off that begins a data
	// region (data=true) or a hole (data=false).
	NextDataOrHole(off int64, data bool) (int64, error)
	Flush() error
}

// FileStream is a random-access, seekable handle on one fork of one file.
// Only one writable FileStream may exist per fork at a time; the Host
// enforces that at Open time.
type FileStream struct {
	host     *Host
	path     string
	writable bool
	pos      int64
	backing  Backing
	closed   bool
}

// NewFileStream is called by drivers from their Open implementation.
func NewFileStream(backing Backing) *FileStream {
	return &FileStream{backing: backing}
}

func (f *FileStream) Read(p []byte) (int, error) {
	if f.closed {
		return 0, errors.Wrap(diskerr.ErrInvalidOperation, "read on closed stream")
	}
	n, err := f.backing.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *FileStream) Write(p []byte) (int, error) {
	if f.closed {
		return 0, errors.Wrap(diskerr.ErrInvalidOperation, "write on closed stream")
	}
	if !f.writable {
		return 0, errors.Wrap(diskerr.ErrReadOnly, "write on read-only stream")
	}
	n, err := f.backing.WriteAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

// Seek supports io.SeekStart/Current/End and the filesystem-specific
// SeekData/SeekHole origins.
func (f *FileStream) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = f.backing.Size() + offset
	case SeekData:
		next, err := f.backing.NextDataOrHole(f.pos+offset, true)
		if err != nil {
			return f.pos, err
		}
		f.pos = next
	case SeekHole:
		next, err := f.backing.NextDataOrHole(f.pos+offset, false)
		if err != nil {
			return f.pos, err
		}
		f.pos = next
	default:
		return f.pos, errors.Errorf("unsupported seek whence %d", whence)
	}
	if f.pos < 0 {
		return f.pos, errors.Wrap(diskerr.ErrOutOfRange, "seek before start of file")
	}
	return f.pos, nil
}

// SetLength truncates or extends the file. Truncation defers actual block
// release until Close (spec §4.7); Backing implementations are expected to
// honor that by only releasing blocks in Flush/Close.
func (f *FileStream) SetLength(n int64) error {
	if !f.writable {
		return errors.Wrap(diskerr.ErrReadOnly, "SetLength on read-only stream")
	}
	return f.backing.SetLength(n)
}

func (f *FileStream) Size() int64 { return f.backing.Size() }

// Close flushes pending writes and unregisters the stream from its Host.
func (f *FileStream) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	err := f.backing.Flush()
	if f.host != nil {
		f.host.forgetStream(f)
	}
	return err
}

var _ io.ReadWriteSeeker = (*FileStream)(nil)
