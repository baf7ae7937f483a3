// Package storage provides the seekable, length-known byte source that
// every disk-image, filesystem and archive instance is built on top of.
//
// It is the read/write generalization of the teacher's storage.Reader: a
// thin wrapper around a host-provided stream. The core never closes a
// caller-supplied Source; it is released by whoever constructed it.
package storage

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Source is a seekable, length-known, optionally writable byte stream.
// Implementations need not be safe for concurrent use; the core never
// calls a Source from more than one goroutine at a time.
type Source interface {
	// ReadAt reads len(buf) bytes starting at off. It returns
	// io.ErrUnexpectedEOF (wrapped) on a short read.
	ReadAt(buf []byte, off int64) (int, error)
	// WriteAt writes buf at off, growing the source if supported and
	// necessary.
	WriteAt(buf []byte, off int64) (int, error)
	// Len returns the current length of the source in bytes.
	Len() (int64, error)
	CanRead() bool
	CanWrite() bool
	CanSeek() bool
}

// MemSource is an in-memory Source, used extensively in tests and for
// building freshly formatted images. It also implements io.WriteSeeker
// (via a sequential cursor layered over ReadAt/WriteAt) so it can serve
// directly as the output stream of an archive.Archive.Commit in tests.
type MemSource struct {
	data     []byte
	readOnly bool
	pos      int64
}

// NewMemSource wraps data as a writable in-memory Source. The returned
// Source owns a copy of data only if the caller never reuses the slice;
// callers that need isolation should clone before calling this.
func NewMemSource(data []byte) *MemSource {
	return &MemSource{data: data}
}

// NewBlankMemSource returns a zero-filled writable in-memory Source of the
// given length.
func NewBlankMemSource(length int64) *MemSource {
	return &MemSource{data: make([]byte, length)}
}

// NewReadOnlyMemSource wraps data as a read-only in-memory Source.
func NewReadOnlyMemSource(data []byte) *MemSource {
	return &MemSource{data: data, readOnly: true}
}

func (m *MemSource) ReadAt(buf []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.data)) {
		return 0, errors.Wrapf(io.EOF, "ReadAt offset %d out of range (len %d)", off, len(m.data))
	}
	n := copy(buf, m.data[off:])
	if n < len(buf) {
		return n, errors.Wrap(io.ErrUnexpectedEOF, "short read")
	}
	return n, nil
}

func (m *MemSource) WriteAt(buf []byte, off int64) (int, error) {
	if m.readOnly {
		return 0, errors.New("MemSource is read-only")
	}
	end := off + int64(len(buf))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[off:], buf), nil
}

func (m *MemSource) Len() (int64, error) { return int64(len(m.data)), nil }
func (m *MemSource) CanRead() bool       { return true }
func (m *MemSource) CanWrite() bool      { return !m.readOnly }
func (m *MemSource) CanSeek() bool       { return true }

// Bytes returns the current contents. The returned slice aliases the
// source's backing array; callers must not mutate it.
func (m *MemSource) Bytes() []byte { return m.data }

// Truncate resizes the source to length, zero-filling on growth.
func (m *MemSource) Truncate(length int64) error {
	if length <= int64(len(m.data)) {
		m.data = m.data[:length]
		return nil
	}
	grown := make([]byte, length)
	copy(grown, m.data)
	m.data = grown
	return nil
}

// Write implements io.Writer by writing at, and advancing, the internal
// cursor Seek moves.
func (m *MemSource) Write(p []byte) (int, error) {
	n, err := m.WriteAt(p, m.pos)
	m.pos += int64(n)
	return n, err
}

// Seek implements io.Seeker over the same cursor Write advances.
func (m *MemSource) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = m.pos
	case io.SeekEnd:
		base = int64(len(m.data))
	default:
		return 0, errors.Errorf("MemSource.Seek: invalid whence %d", whence)
	}
	pos := base + offset
	if pos < 0 {
		return 0, errors.Errorf("MemSource.Seek: negative position %d", pos)
	}
	m.pos = pos
	return pos, nil
}

// FileSource adapts an *os.File to Source.
type FileSource struct {
	f        *os.File
	readOnly bool
}

// NewFileSource wraps an already-open *os.File. The caller retains
// ownership and must close f itself; FileSource never closes it.
func NewFileSource(f *os.File, readOnly bool) *FileSource {
	return &FileSource{f: f, readOnly: readOnly}
}

func (s *FileSource) ReadAt(buf []byte, off int64) (int, error) {
	n, err := s.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return n, errors.Wrap(err, "FileSource.ReadAt")
	}
	if n < len(buf) {
		return n, errors.Wrap(io.ErrUnexpectedEOF, "short read")
	}
	return n, nil
}

func (s *FileSource) WriteAt(buf []byte, off int64) (int, error) {
	if s.readOnly {
		return 0, errors.New("FileSource is read-only")
	}
	n, err := s.f.WriteAt(buf, off)
	if err != nil {
		return n, errors.Wrap(err, "FileSource.WriteAt")
	}
	return n, nil
}

func (s *FileSource) Len() (int64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "FileSource.Len")
	}
	return info.Size(), nil
}

func (s *FileSource) CanRead() bool  { return true }
func (s *FileSource) CanWrite() bool { return !s.readOnly }
func (s *FileSource) CanSeek() bool  { return true }

// Write implements io.Writer by delegating to the wrapped *os.File's own
// sequential cursor.
func (s *FileSource) Write(p []byte) (int, error) {
	if s.readOnly {
		return 0, errors.New("FileSource is read-only")
	}
	return s.f.Write(p)
}

// Seek implements io.Seeker by delegating to the wrapped *os.File.
func (s *FileSource) Seek(offset int64, whence int) (int64, error) {
	return s.f.Seek(offset, whence)
}

// Truncate resizes the wrapped *os.File, satisfying the
// interface{ Truncate(int64) error } assertion archive.Archive.Commit
// uses to reset output on a failed commit.
func (s *FileSource) Truncate(length int64) error {
	if s.readOnly {
		return errors.New("FileSource is read-only")
	}
	return s.f.Truncate(length)
}

// ReadFull reads len(buf) bytes from src at off, returning a wrapped error
// on a short read - the common case throughout chunk/nibble decode paths.
func ReadFull(src Source, buf []byte, off int64) error {
	_, err := src.ReadAt(buf, off)
	return err
}

// Window is a Source restricted to a contiguous byte range of a parent
// Source, used to expose one partition of a multi-part container (spec
// §4.3 "Filesystem identification" applied per-partition, §8 S5) as an
// independently analyzable Source without copying bytes.
type Window struct {
	parent Source
	offset int64
	length int64
}

// NewWindow returns a Source over parent[offset:offset+length]. It does not
// validate that parent is at least offset+length bytes long; out-of-range
// access surfaces as a ReadAt/WriteAt error from the parent.
func NewWindow(parent Source, offset, length int64) *Window {
	return &Window{parent: parent, offset: offset, length: length}
}

func (w *Window) ReadAt(buf []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(buf)) > w.length {
		return 0, errors.Errorf("Window.ReadAt: [%d,%d) outside window of length %d", off, off+int64(len(buf)), w.length)
	}
	return w.parent.ReadAt(buf, w.offset+off)
}

func (w *Window) WriteAt(buf []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(buf)) > w.length {
		return 0, errors.Errorf("Window.WriteAt: [%d,%d) outside window of length %d", off, off+int64(len(buf)), w.length)
	}
	return w.parent.WriteAt(buf, w.offset+off)
}

func (w *Window) Len() (int64, error) { return w.length, nil }
func (w *Window) CanRead() bool       { return w.parent.CanRead() }
func (w *Window) CanWrite() bool      { return w.parent.CanWrite() }
func (w *Window) CanSeek() bool       { return w.parent.CanSeek() }
