// Package snapcache is a snapshotting cache for HTTP clients.
//
// Responses fetched through it are captured as immutable snapshots
// and replayed for later requests until they expire. Snapshots live in
// a pluggable cache provider, expiry is decided by a configurable
// policy, and every response carries a Cache-Status header describing
// how it was served.
package snapcache

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/snapcache/snapcache/cache"
	cachekey "github.com/snapcache/snapcache/pkg/cache-key"
	"github.com/snapcache/snapcache/pkg/policy"
	"github.com/snapcache/snapcache/pkg/snapshot"
	"github.com/snapcache/snapcache/rfc9211"
)

type Config struct {
	// Storage for cache entries. An in-memory cache is used if nil.
	Cache cache.CacheProvider
	// Policy decides what is stored and for how long. The default
	// policy stores successful GET responses for an hour.
	Policy *policy.Policy
	// Keyer computes storage keys for requests.
	Keyer *cachekey.Keyer
	// Client performs the actual network requests.
	// http.DefaultClient is used if nil.
	Client *http.Client
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Client is an HTTP client that snapshots the responses it fetches and
// serves the snapshots for later requests whenever it can.
type Client struct {
	cache  cache.CacheProvider
	policy policy.Policy
	keyer  cachekey.Keyer
	client *http.Client
	log    zerolog.Logger
}

// New creates a snapshotting client from the given config.
func New(config Config) *Client {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("component", "snapcache").Logger()

	c := &Client{
		cache:  config.Cache,
		policy: policy.Default(),
		client: http.DefaultClient,
		log:    logger,
	}
	if c.cache == nil {
		c.cache = cache.NewMemCache()
	}
	if config.Policy != nil {
		c.policy = *config.Policy
	}
	if config.Keyer != nil {
		c.keyer = *config.Keyer
	}
	if config.Client != nil {
		c.client = config.Client
	}
	return c
}

// Do executes the request, serving it from the snapshot cache when a
// fresh snapshot exists and forwarding it to the wrapped client
// otherwise. The returned response carries a Cache-Status header
// describing what happened.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var status rfc9211.CacheStatus

	// Keying buffers the request body for methods that carry one, so
	// requests the cache never serves are forwarded without it.
	if !c.policy.ServesMethod(req.Method) {
		status.Forward(rfc9211.FwdReasonMethod)
		return c.forward(req, "", &status, c.log)
	}

	key := c.keyer.Key(req)
	logger := c.log.With().Str("key", key).Logger()

	snap, ok := c.lookup(key, logger)
	switch {
	case !ok:
		status.Forward(rfc9211.FwdReasonUriMiss)
	case snap.Expired():
		logger.Trace().Msg("Snapshot expired")
		status.Forward(rfc9211.FwdReasonStale)
	default:
		res, err := snap.Response(req)
		if err == nil {
			c.touch(snap, key, logger)
			status.Hit(remainingTTL(snap))
			status.AddToHeader(res.Header)
			logger.Trace().Msg("Serving snapshot")
			return res, nil
		}
		logger.Error().Err(err).Msg("Cannot rehydrate snapshot, purging")
		c.purge(key, logger)
		status.Forward(rfc9211.FwdReasonMiss)
	}
	return c.forward(req, key, &status, logger)
}

// Get issues a GET through the snapshot cache.
func (c *Client) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// SweepExpired removes all expired entries from the underlying cache
// and reports how many were removed. The client never sweeps on its
// own; expired entries are simply skipped until swept.
func (c *Client) SweepExpired() (int, error) {
	return c.cache.DeleteExpired()
}

// Close releases the underlying cache provider.
func (c *Client) Close() error {
	return c.cache.Close()
}

// RoundTripper adapts the client for use as a transport, so it can be
// dropped into an existing http.Client. The wrapped Client must use a
// separate transport of its own.
func (c *Client) RoundTripper() http.RoundTripper {
	return roundTripper{c}
}

type roundTripper struct {
	client *Client
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.client.Do(req)
}

// lookup fetches and decodes the snapshot stored under key, if any.
// Entries too damaged to decode are purged, so the next fetch stores a
// fresh one.
func (c *Client) lookup(key string, logger zerolog.Logger) (*snapshot.Snapshot, bool) {
	bts, ok, err := c.cache.Get(key)
	if err != nil {
		logger.Error().Err(err).Msg("Cannot read from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	snap, err := snapshot.Decode(bts)
	if err != nil {
		logger.Error().Err(err).Msg("Cannot decode cache entry, purging")
		c.purge(key, logger)
		return nil, false
	}
	return snap, true
}

// forward sends the request to the wrapped client and stores a
// snapshot of the response when the policy allows it.
func (c *Client) forward(req *http.Request, key string, status *rfc9211.CacheStatus, logger zerolog.Logger) (*http.Response, error) {
	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if storable, expires := c.policy.Storable(req, res); storable {
		if err := c.store(res, key, expires, logger); err != nil {
			logger.Warn().Err(err).Msg("Cannot store response")
			status.Detail("store-failed")
		} else {
			status.Stored = true
		}
	}
	status.AddToHeader(res.Header)
	return res, nil
}

// store captures the response into a snapshot and writes it to the
// cache. The response is left frozen and fully readable either way.
func (c *Client) store(res *http.Response, key string, expires time.Time, logger zerolog.Logger) error {
	snap, err := snapshot.Capture(res, expires)
	if err != nil {
		return fmt.Errorf("capturing response: %w", err)
	}
	bts, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := c.cache.Put(key, expires, bts); err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}
	logger.Trace().Time("expires", expires).Msg("Stored response snapshot")
	return nil
}

// touch bumps the snapshot's last-used time and writes it back.
func (c *Client) touch(snap *snapshot.Snapshot, key string, logger zerolog.Logger) {
	snap.Touch()
	bts, err := snap.Encode()
	if err != nil {
		logger.Warn().Err(err).Msg("Cannot encode snapshot for last-used update")
		return
	}
	if err := c.cache.Put(key, snap.ExpiresAt(), bts); err != nil {
		logger.Warn().Err(err).Msg("Cannot update last-used time")
	}
}

func (c *Client) purge(key string, logger zerolog.Logger) {
	if err := c.cache.Purge(key); err != nil {
		logger.Error().Err(err).Msg("Cannot purge cache entry")
	}
}

// remainingTTL is the remaining lifetime of the snapshot in whole
// seconds, or 0 when it never expires.
func remainingTTL(snap *snapshot.Snapshot) int {
	expires := snap.ExpiresAt()
	if expires.IsZero() {
		return 0
	}
	return int(time.Until(expires).Seconds())
}
