// Package rfc9211 builds the Cache-Status HTTP response header field
// defined in RFC 9211.
package rfc9211

import (
	"fmt"
	"net/http"
)

// HeaderName is the name of the Cache-Status header field.
const HeaderName = "Cache-Status"

// cacheName identifies this cache in the Cache-Status field value.
const cacheName = "snapcache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

// FwdReason is the reason a request was forwarded instead of being
// served from the cache.
type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"

	// The cache was able to select a fresh response for the request,
	// but the request's semantics did not allow its use.
	FwdReasonRequest FwdReason = "request"

	// The cache was able to select a response for the request, but it
	// was stale.
	FwdReasonStale FwdReason = "stale"
)

// CacheStatus is one Cache-Status entry for this cache.
// The zero value renders nothing.
type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// Stored indicates whether a forwarded response was stored.
	Stored bool
	// TimeToLive is the remaining freshness lifetime of a hit in
	// seconds.
	TimeToLive int
	detail     string
}

// Hit marks the response as served from the cache with the given
// remaining time to live in seconds.
func (cs *CacheStatus) Hit(ttl int) {
	cs.Status = StatusHit
	cs.TimeToLive = ttl
}

// Forward marks the response as forwarded toward the origin.
func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// Detail attaches an implementation-specific detail parameter.
func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	value := fmt.Sprintf("%s; %s", cacheName, cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		value = fmt.Sprintf("%s=%s", value, cs.FwdReason)
	}
	if cs.Status == StatusFwd && cs.Stored {
		value += "; stored"
	}
	if cs.Status == StatusHit && cs.TimeToLive > 0 {
		value = fmt.Sprintf("%s; ttl=%d", value, cs.TimeToLive)
	}
	if cs.detail != "" {
		value += "; detail=" + cs.detail
	}
	return value
}

// AddToHeader appends the entry to the header. An entry that was never
// marked hit or forward is not added.
func (cs *CacheStatus) AddToHeader(h http.Header) {
	if cs.Status == "" {
		return
	}
	h.Add(HeaderName, cs.String())
}
