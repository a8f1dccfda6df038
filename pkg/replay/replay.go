// Package replay provides replayable readers over fully buffered
// response payloads.
//
// A Reader stands in for a live response body once the body has been
// drained into memory. Reads never block and never fail with transport
// errors: the bytes are already present. Unlike a live body, a Reader
// can be rewound and read again, and closing it is a no-op.
package replay

import (
	"bytes"
	"io"
)

// Reader replays a fully buffered payload.
//
// It implements io.ReadCloser and carries the full seeking and sizing
// surface of bytes.Reader, so callers can read everything at once,
// read exact byte counts, or consume the payload incrementally.
//
// A single Reader must not be shared between goroutines, but any
// number of Readers may be created over the same payload: each keeps
// its own offset and the payload itself is never mutated.
type Reader struct {
	*bytes.Reader
	payload []byte
}

// New returns a Reader over the given payload.
// A nil or empty payload yields a reader that is immediately at EOF.
func New(payload []byte) *Reader {
	return &Reader{
		Reader:  bytes.NewReader(payload),
		payload: payload,
	}
}

// Close implements io.Closer. It does nothing and never fails.
// Reading after Close is allowed.
func (r *Reader) Close() error {
	return nil
}

// Reset rewinds the reader to the start of the payload so it can be
// replayed from the beginning.
func (r *Reader) Reset() {
	r.Reader.Reset(r.payload)
}

// AtEOF reports whether the whole payload has been consumed.
func (r *Reader) AtEOF() bool {
	return r.Len() == 0
}

// ReadBytes reads until the first occurrence of delim, returning the
// bytes read up to and including the delimiter. If the delimiter is
// not found before the end of the payload, the remaining bytes are
// returned together with io.EOF.
//
// The returned slice shares memory with the payload and must not be
// modified.
func (r *Reader) ReadBytes(delim byte) ([]byte, error) {
	pos := len(r.payload) - r.Len()
	if pos >= len(r.payload) {
		return nil, io.EOF
	}
	if i := bytes.IndexByte(r.payload[pos:], delim); i >= 0 {
		end := pos + i + 1
		r.Seek(int64(end), io.SeekStart)
		return r.payload[pos:end], nil
	}
	r.Seek(int64(len(r.payload)), io.SeekStart)
	return r.payload[pos:], io.EOF
}
