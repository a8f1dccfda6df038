// Package snapshot captures fully received HTTP responses as
// immutable, serializable records and rehydrates them into responses
// whose bodies replay the captured payload.
//
// A snapshot is built from a live response with Capture, turned into
// storable bytes with Encode, and brought back with Decode. A decoded
// snapshot produces any number of independent response values through
// Response; their bodies are replay readers that never touch the
// network.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/snapcache/snapcache/pkg/replay"
)

// ErrNotCaptured is returned when encoding a snapshot that was not
// produced by Capture or Decode and is missing its wire facts.
var ErrNotCaptured = errors.New("snapshot is missing head bytes")

// DefaultEncoding is the charset recorded when the response does not
// declare one.
const DefaultEncoding = "utf-8"

// Snapshot is the immutable record of one fully received response.
//
// Head holds the status line and header block exactly as written to
// the wire; decoded headers are always derived from these bytes.
// Response metadata that header parsing would normalize away is
// carried alongside verbatim.
//
// Once built, only LastUsed ever changes (through Touch).
type Snapshot struct {
	Method string `msgpack:"method"`
	URL    string `msgpack:"url"`

	Head []byte `msgpack:"head"`
	Body []byte `msgpack:"body"`

	// Encoding is the response charset, resolved when the snapshot is
	// built.
	Encoding string `msgpack:"encoding"`

	ContentLength    int64       `msgpack:"content_length"`
	TransferEncoding []string    `msgpack:"transfer_encoding,omitempty"`
	Uncompressed     bool        `msgpack:"uncompressed"`
	Trailer          http.Header `msgpack:"trailer,omitempty"`

	CreatedAt time.Time `msgpack:"created_at"`
	LastUsed  time.Time `msgpack:"last_used"`

	// Expires is the absolute expiry time in RFC 3339 format.
	// An empty string means the snapshot never expires.
	Expires string `msgpack:"expires,omitempty"`

	// History holds the redirect responses that led to this one,
	// oldest first. History entries have no history of their own.
	History []Snapshot `msgpack:"history,omitempty"`
}

// Capture builds a snapshot from a fully received live response.
//
// The body is drained to completion first. If draining fails, no
// snapshot is returned: the bytes read so far are put back on the
// response followed by the original read error, so the caller can
// still pass the response on, but nothing may be stored.
//
// On success the response is frozen: its body is replaced with a
// replay reader over the captured payload, so the response stays fully
// readable (and re-readable) after capture. Redirect responses hanging
// off the request chain are captured into History and frozen the same
// way.
//
// A zero expires time means the snapshot never expires.
func Capture(res *http.Response, expires time.Time) (*Snapshot, error) {
	if res == nil {
		return nil, errors.New("cannot capture nil response")
	}
	body, err := drainBody(res)
	if err != nil {
		return nil, fmt.Errorf("draining response body: %w", err)
	}
	now := time.Now().UTC()

	snap := newSnapshot(res, body, now)
	if !expires.IsZero() {
		snap.Expires = expires.UTC().Format(time.RFC3339Nano)
	}

	var history []Snapshot
	for prev := redirectParent(res); prev != nil; prev = redirectParent(prev) {
		history = append(history, captureRedirect(prev, now))
	}
	// the transport links the chain newest first
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	snap.History = history

	res.Body = replay.New(body)
	return &snap, nil
}

// newSnapshot records the wire facts of a response whose body has
// already been drained into body.
func newSnapshot(res *http.Response, body []byte, now time.Time) Snapshot {
	s := Snapshot{
		Head:          writeHead(res),
		Body:          body,
		Encoding:      resolveEncoding(res.Header),
		ContentLength: res.ContentLength,
		Uncompressed:  res.Uncompressed,
		CreatedAt:     now,
		LastUsed:      now,
	}
	if len(res.TransferEncoding) > 0 {
		s.TransferEncoding = append([]string(nil), res.TransferEncoding...)
	}
	if len(res.Trailer) > 0 {
		s.Trailer = res.Trailer.Clone()
	}
	if res.Request != nil {
		s.Method = res.Request.Method
		if res.Request.URL != nil {
			s.URL = res.Request.URL.String()
		}
	}
	return s
}

// captureRedirect records one response from the redirect chain.
// The client has normally closed redirect bodies long before capture,
// so whatever cannot be read is recorded as empty rather than failing
// the capture of the final response.
func captureRedirect(res *http.Response, now time.Time) Snapshot {
	var body []byte
	if res.Body != nil {
		b, err := io.ReadAll(res.Body)
		if err != nil {
			log.Trace().Err(err).Msg("Redirect body not readable, recording empty body")
		} else {
			body = b
		}
		res.Body.Close()
	}
	res.Body = replay.New(body)
	return newSnapshot(res, body, now)
}

// redirectParent returns the response that redirected to res, if any.
func redirectParent(res *http.Response) *http.Response {
	if res.Request == nil {
		return nil
	}
	return res.Request.Response
}

// drainBody reads the live body to completion and closes it.
// On error the bytes read so far are put back on the response,
// followed by the original error, and the error is returned.
func drainBody(res *http.Response) ([]byte, error) {
	if res.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		res.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), errReader{err}))
		return nil, err
	}
	return body, nil
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

// resolveEncoding returns the charset declared in the Content-Type
// header, or DefaultEncoding if none is declared.
func resolveEncoding(h http.Header) string {
	ct := h.Get("Content-Type")
	if ct == "" {
		return DefaultEncoding
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return DefaultEncoding
	}
	if cs, ok := params["charset"]; ok && cs != "" {
		return strings.ToLower(cs)
	}
	return DefaultEncoding
}

// Expired reports whether the snapshot is past its expiry time.
// A snapshot with no expiry never expires. An expiry too damaged to
// parse is reported as expired.
func (s *Snapshot) Expired() bool {
	if s.Expires == "" {
		return false
	}
	expires, err := time.Parse(time.RFC3339Nano, s.Expires)
	if err != nil {
		return true
	}
	return time.Now().After(expires)
}

// ExpiresAt returns the parsed expiry time. The zero time means the
// snapshot never expires; an unparseable expiry also yields the zero
// time, so use Expired for the fail-safe staleness check.
func (s *Snapshot) ExpiresAt() time.Time {
	if s.Expires == "" {
		return time.Time{}
	}
	expires, err := time.Parse(time.RFC3339Nano, s.Expires)
	if err != nil {
		return time.Time{}
	}
	return expires
}

// Touch records a use of the snapshot. Only LastUsed changes; the
// captured facts never do.
func (s *Snapshot) Touch() {
	s.LastUsed = time.Now().UTC()
}
