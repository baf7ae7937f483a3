package archive

import (
	"hash"
	"io"

	"github.com/pkg/errors"

	"diskcore/diskerr"
)

// ReadStream is a forward-only reader over one archive fork's uncompressed
// bytes (spec §4.9). It optionally chains a decompression filter over the
// archive's raw byte source, and optionally finalizes a running checksum
// once the known uncompressed length is reached.
type ReadStream struct {
	archive *Archive

	reader io.Reader
	check  hash.Hash32
	want   uint32
	have   bool

	knownLength int64
	pos         int64

	closed  bool
	onClose func() error
}

// NewReadStream builds a ReadStream that reads from reader (already chained
// through any decompression filter the driver needs), validating check
// against want once knownLength bytes have been produced. If check is nil
// the end-of-stream checksum validation is skipped (spec §4.9 "if the
// checksum is absent, the end-of-stream check is skipped"). onClose, if
// non-nil, is called once on Close to release driver-owned resources (e.g.
// a decompressor).
func NewReadStream(reader io.Reader, knownLength int64, check hash.Hash32, want uint32, onClose func() error) *ReadStream {
	return &ReadStream{
		reader:      reader,
		check:       check,
		want:        want,
		have:        check != nil,
		knownLength: knownLength,
		onClose:     onClose,
	}
}

// Read implements io.Reader. On the read that reaches knownLength (or
// returns 0 with no error, for formats with no declared length) the
// checksum is finalized and validated; a mismatch surfaces as
// diskerr.ErrCorruptedData on that same call.
func (r *ReadStream) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errors.Wrap(diskerr.ErrInvalidOperation, "read on closed archive stream")
	}
	n, err := r.reader.Read(p)
	if n > 0 {
		r.pos += int64(n)
		if r.have {
			_, _ = r.check.Write(p[:n])
		}
	}

	atEnd := (r.knownLength >= 0 && r.pos >= r.knownLength) || (err == io.EOF) || (n == 0 && err == nil)
	if atEnd && r.have {
		r.have = false // finalize exactly once
		if r.check.Sum32() != r.want {
			return n, errors.Wrap(diskerr.ErrCorruptedData, "archive read stream: checksum mismatch")
		}
	}
	return n, err
}

// Pos returns the stream's current logical (uncompressed) position.
func (r *ReadStream) Pos() int64 { return r.pos }

// Close releases any decompression resource the driver attached and
// unregisters the stream from its Archive.
func (r *ReadStream) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.onClose != nil {
		err = r.onClose()
	}
	if r.archive != nil {
		r.archive.forgetStream()
	}
	return err
}

var _ io.ReadCloser = (*ReadStream)(nil)
