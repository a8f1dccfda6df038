package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog/log"
)

// SQLiteCache is a cache provider backed by an SQLite database file.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If the filename is empty, an in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("opening %s: %w", filename, err)
	}
	inits := []string{
		"CREATE TABLE IF NOT EXISTS cache (key TEXT PRIMARY KEY, expires INTEGER, bytes BLOB)",
		"CREATE INDEX IF NOT EXISTS expires_idx ON cache (expires)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range inits {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("initializing cache db: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Get(key string) ([]byte, bool, error) {
	var expires int64
	var bts []byte
	err := s.db.QueryRow("SELECT expires, bytes FROM cache WHERE key = ?", key).Scan(&expires, &bts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expiredUnix(expires) {
		return nil, false, nil
	}
	return bts, true, nil
}

func (s SQLiteCache) Put(key string, expires time.Time, bts []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var exp int64
	if !expires.IsZero() {
		exp = expires.Unix()
	}
	_, err := s.db.Exec("INSERT OR REPLACE INTO cache (key, expires, bytes) VALUES (?, ?, ?)", key, exp, bts)
	return err
}

func (s SQLiteCache) Purge(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE key = ?", key)
	return err
}

func (s SQLiteCache) Has(key string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM cache WHERE key = ?", key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s SQLiteCache) Keys(cb func(string)) error {
	rows, err := s.db.Query("SELECT key FROM cache")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

func (s SQLiteCache) DeleteExpired() (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.Exec("DELETE FROM cache WHERE expires > 0 AND expires < ?", time.Now().Unix())
	if err != nil {
		return 0, err
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	log.Trace().Int64("removed", removed).Msg("Swept expired sqlite cache entries")
	return int(removed), nil
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
