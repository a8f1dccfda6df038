package snapshot

import (
	"fmt"
	"net/http"

	"github.com/snapcache/snapcache/pkg/replay"
)

// Response rehydrates the snapshot into a response whose body replays
// the captured payload.
//
// Every call returns an independent value: headers may be mutated and
// the body consumed, rewound and consumed again without touching the
// snapshot or any other rehydrated response. Response metadata that
// header parsing alone cannot restore (ContentLength, TransferEncoding,
// Uncompressed, Trailer) is filled in from the captured facts.
//
// The response's Request reports the URL the exchange landed on, just
// like a live response. Without redirects that is req itself, derived
// from the captured method and URL when req is nil. With redirects the
// final request is derived from the captured method and URL, and req
// describes the first hop, so it is attached to the oldest history
// entry, exactly where a live client leaves it.
func (s *Snapshot) Response(req *http.Request) (*http.Response, error) {
	res, err := s.parseHead()
	if err != nil {
		return nil, err
	}
	res.Body = replay.New(s.Body)
	res.ContentLength = s.ContentLength
	res.TransferEncoding = nil
	if len(s.TransferEncoding) > 0 {
		res.TransferEncoding = append([]string(nil), s.TransferEncoding...)
	}
	res.Uncompressed = s.Uncompressed
	if len(s.Trailer) > 0 {
		res.Trailer = s.Trailer.Clone()
	}

	if len(s.History) > 0 {
		return s.linkHistory(res, req)
	}

	if req == nil {
		req, err = http.NewRequest(s.Method, s.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("deriving request: %w", err)
		}
	}
	res.Request = req
	return res, nil
}

// linkHistory rebuilds the redirect chain below res through
// Request.Response links, oldest hop deepest, as the transport builds
// it on a live redirect. The final request carries the URL of the last
// hop; the caller's request, when given, belongs to the oldest one.
func (s *Snapshot) linkHistory(res *http.Response, req *http.Request) (*http.Response, error) {
	final, err := http.NewRequest(s.Method, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("deriving request: %w", err)
	}
	res.Request = final

	var prev *http.Response
	for i := range s.History {
		var hopReq *http.Request
		if i == 0 {
			hopReq = req
		}
		hop, err := s.History[i].Response(hopReq)
		if err != nil {
			return nil, fmt.Errorf("rehydrating history entry %d: %w", i, err)
		}
		hop.Request.Response = prev
		prev = hop
	}
	res.Request.Response = prev
	return res, nil
}
