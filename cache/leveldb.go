package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/vmihailenco/msgpack/v5"
)

// leveldbEntry is the stored record for one key.
type leveldbEntry struct {
	Expires int64  `msgpack:"expires"`
	Bytes   []byte `msgpack:"bytes"`
}

// LevelDBCache is a cache provider backed by a LevelDB directory.
type LevelDBCache struct {
	db *leveldb.DB
}

// NewLevelDBCache opens (or creates) a LevelDB cache at the given
// path.
func NewLevelDBCache(path string) (LevelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return LevelDBCache{}, fmt.Errorf("opening %s: %w", path, err)
	}
	return LevelDBCache{db: db}, nil
}

func (l LevelDBCache) Get(key string) ([]byte, bool, error) {
	value, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry leveldbEntry
	if err := msgpack.Unmarshal(value, &entry); err != nil {
		return nil, false, fmt.Errorf("decoding entry for %s: %w", key, err)
	}
	if expiredUnix(entry.Expires) {
		return nil, false, nil
	}
	return entry.Bytes, true, nil
}

func (l LevelDBCache) Put(key string, expires time.Time, bts []byte) error {
	entry := leveldbEntry{Bytes: bts}
	if !expires.IsZero() {
		entry.Expires = expires.Unix()
	}
	value, err := msgpack.Marshal(entry)
	if err != nil {
		return err
	}
	return l.db.Put([]byte(key), value, nil)
}

func (l LevelDBCache) Purge(key string) error {
	return l.db.Delete([]byte(key), nil)
}

func (l LevelDBCache) Has(key string) (bool, error) {
	return l.db.Has([]byte(key), nil)
}

func (l LevelDBCache) Keys(cb func(string)) error {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		cb(string(iter.Key()))
	}
	return iter.Error()
}

func (l LevelDBCache) DeleteExpired() (int, error) {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()
	removed := 0
	for iter.Next() {
		var entry leveldbEntry
		if err := msgpack.Unmarshal(iter.Value(), &entry); err != nil {
			continue
		}
		if !expiredUnix(entry.Expires) {
			continue
		}
		key := append([]byte(nil), iter.Key()...)
		if err := l.db.Delete(key, nil); err != nil {
			return removed, err
		}
		removed++
	}
	log.Trace().Int("removed", removed).Msg("Swept expired leveldb cache entries")
	return removed, iter.Error()
}

func (l LevelDBCache) Close() error {
	return l.db.Close()
}
