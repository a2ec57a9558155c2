// Package kvstore implements a TTL-bounded key/blob store over sqlite.
//
// Entries are invisible to readers as soon as their TTL elapses; Prune
// physically removes them and is expected to run opportunistically (~60s).
package kvstore

import (
	"database/sql"
	"time"

	"github.com/planetrenox/sune-proxy/internal/logger"
)

// DefaultTTL bounds the lifetime of every persisted run artifact.
const DefaultTTL = 20 * time.Minute

// Store is a mapping key -> blob with a per-entry TTL.
//
// It is safe for interleaved access by the coordinator and the sweeper.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// New creates a Store on top of an opened database.
//
// defaultTTL is used when Set is called with ttl <= 0.
func New(db *sql.DB, defaultTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Store{db: db, ttl: defaultTTL, now: time.Now}
}

// Get returns the blob stored under key, or false when the key is absent or
// expired.
func (s *Store) Get(key string) ([]byte, bool) {
	var value []byte
	err := s.db.QueryRow(
		`SELECT value FROM kv_entries WHERE key = ? AND expires_at > ?`,
		key, s.now().UnixMilli(),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		logger.Errorf("[kv] get %s: %v", key, err)
		return nil, false
	}
	return value, true
}

// Set stores blob under key with the given TTL (the store default when
// ttl <= 0), replacing any previous entry.
func (s *Store) Set(key string, blob []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	expiresAt := s.now().Add(ttl).UnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, blob, expiresAt,
	)
	if err != nil {
		logger.Errorf("[kv] set %s: %v", key, err)
	}
}

// Del removes key if present.
func (s *Store) Del(key string) {
	if _, err := s.db.Exec(`DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		logger.Errorf("[kv] del %s: %v", key, err)
	}
}

// List returns the live keys starting with prefix, in no particular order.
func (s *Store) List(prefix string) []string {
	rows, err := s.db.Query(
		`SELECT key FROM kv_entries WHERE key >= ? AND key < ? AND expires_at > ?`,
		prefix, prefix+"\xff", s.now().UnixMilli(),
	)
	if err != nil {
		logger.Errorf("[kv] list %s: %v", prefix, err)
		return nil
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			logger.Errorf("[kv] list scan: %v", err)
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// Prune physically deletes expired entries and returns the number removed.
func (s *Store) Prune() int {
	res, err := s.db.Exec(`DELETE FROM kv_entries WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		logger.Errorf("[kv] prune: %v", err)
		return 0
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.Debugf("[kv] pruned %d expired entries", n)
	}
	return int(n)
}
