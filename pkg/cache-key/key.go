// Package cachekey computes cache keys for outgoing requests.
package cachekey

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	methodSeparator = " "
	fieldSeparator  = "\t"
)

// Keyer computes cache keys for requests. The zero value is ready to
// use.
type Keyer struct {
	// VaryHeaders lists request headers folded into the key, so
	// responses that differ by these headers are stored separately.
	VaryHeaders []string
}

// Key returns the cache key for the given request.
// The key is the method and the normalized URL, plus a digest of the
// request body for methods that carry one, plus any configured vary
// headers present on the request.
func (k Keyer) Key(r *http.Request) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteString(methodSeparator)
	b.WriteString(normalizeURL(r.URL))
	if hash := bodyHash(r); hash != "" {
		b.WriteString(fieldSeparator)
		b.WriteString(hash)
	}
	for _, name := range k.VaryHeaders {
		if value := r.Header.Get(name); value != "" {
			b.WriteString(fieldSeparator)
			b.WriteString(strings.ToLower(name))
			b.WriteString(": ")
			b.WriteString(value)
		}
	}
	return b.String()
}

// normalizeURL renders the URL with a lowercased scheme and host, the
// default port stripped, the fragment dropped, and query parameters in
// sorted order, so equivalent URLs produce equal keys.
func normalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	if (n.Scheme == "http" && strings.HasSuffix(n.Host, ":80")) ||
		(n.Scheme == "https" && strings.HasSuffix(n.Host, ":443")) {
		n.Host = n.Host[:strings.LastIndex(n.Host, ":")]
	}
	if n.RawQuery != "" {
		if values, err := url.ParseQuery(n.RawQuery); err == nil {
			n.RawQuery = values.Encode()
		}
	}
	n.Fragment = ""
	n.RawFragment = ""
	return n.String()
}

// bodyHash digests the request body for methods that carry one.
// The body is rewound afterwards so the transport can still send it.
// A body that fails mid-read is not hashed; it is restored as the
// bytes read so far followed by the original error, so the failure
// surfaces to whoever sends the request instead of a truncated body.
func bodyHash(r *http.Request) string {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return ""
	}
	if r.Body == nil {
		return ""
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), errReader{err}))
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if len(body) == 0 {
		return ""
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }
