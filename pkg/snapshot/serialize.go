package snapshot

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes the snapshot into storable bytes.
// It returns ErrNotCaptured for a snapshot that is missing its wire
// facts, i.e. one not produced by Capture or Decode.
func (s *Snapshot) Encode() ([]byte, error) {
	if len(s.Head) == 0 {
		return nil, ErrNotCaptured
	}
	b, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return b, nil
}

// Decode deserializes an encoded snapshot.
// The head bytes of the snapshot and all of its history entries are
// parsed right away, so a damaged entry surfaces here rather than at
// replay time. Callers should treat any error as a corrupt cache
// entry.
func Decode(b []byte) (*Snapshot, error) {
	s := &Snapshot{}
	if err := msgpack.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if _, err := s.parseHead(); err != nil {
		return nil, err
	}
	for i := range s.History {
		if _, err := s.History[i].parseHead(); err != nil {
			return nil, fmt.Errorf("history entry %d: %w", i, err)
		}
	}
	return s, nil
}

// writeHead serializes the status line and header block the way they
// appear on the wire. Header keys are written in sorted order so equal
// headers always produce equal bytes.
func writeHead(res *http.Response) []byte {
	proto := res.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	status := res.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", res.StatusCode, http.StatusText(res.StatusCode))
	}
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "%s %s\r\n", proto, status)
	res.Header.Write(buf)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// parseHead re-derives the response shell, status line and headers,
// from the stored wire bytes.
func (s *Snapshot) parseHead() (*http.Response, error) {
	if len(s.Head) == 0 {
		return nil, ErrNotCaptured
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(s.Head)), nil)
	if err != nil {
		return nil, fmt.Errorf("parsing head bytes: %w", err)
	}
	res.Body.Close()
	return res, nil
}
