// Package cache provides pluggable persistence for encoded response
// snapshots.
package cache

import (
	"sync"
	"time"
)

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent encoded
// response snapshots. It also keeps track of expiration times of cache
// entries, so expired entries can be swept without decoding them.
//
// A zero expiry time means the entry never expires.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Get returns the stored bytes for the given key, if they exist.
	// It also returns a boolean indicating whether retrieval was
	// successful. Entries past their expiry time are not returned.
	Get(key string) ([]byte, bool, error)
	// Put stores the given bytes under the given key.
	// It also sets an expiration time for the entry.
	Put(key string, expires time.Time, bytes []byte) error
	// Purge removes the cache entry for the given key.
	Purge(key string) error
	// Has checks if the specified key exists in the cache.
	Has(key string) (bool, error)
	// Keys calls the given callback for each key.
	Keys(cb func(key string)) error
	// DeleteExpired removes all entries past their expiry time and
	// reports how many were removed.
	DeleteExpired() (int, error)
	// Close releases any resources held by the provider.
	Close() error
}

// expired reports whether an entry with the given expiry time is past
// it. A zero expiry never expires.
func expired(expires time.Time) bool {
	return !expires.IsZero() && time.Now().After(expires)
}

// expiredUnix is expired for expiry times stored as Unix seconds,
// where 0 means the entry never expires.
func expiredUnix(expires int64) bool {
	return expires > 0 && time.Now().After(time.Unix(expires, 0))
}

type memEntry struct {
	expires time.Time
	bytes   []byte
}

// MemCache is an in-memory cache provider backed by a plain map.
// Use it for tests and short-lived processes.
type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]memEntry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]memEntry),
	}
}

func (m MemCache) Get(key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[key]
	if !ok {
		return nil, false, nil
	}
	if expired(entry.expires) {
		return nil, false, nil
	}
	return entry.bytes, true, nil
}

func (m MemCache) Put(key string, expires time.Time, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = memEntry{expires, bytes}
	return nil
}

func (m MemCache) Purge(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m MemCache) Has(key string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.db[key]
	return ok, nil
}

func (m MemCache) Keys(cb func(string)) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for key := range m.db {
		cb(key)
	}
	return nil
}

func (m MemCache) DeleteExpired() (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	removed := 0
	for key, entry := range m.db {
		if expired(entry.expires) {
			delete(m.db, key)
			removed++
		}
	}
	return removed, nil
}

func (m MemCache) Close() error {
	return nil
}
