package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/finsight/quotecrawler/internal/observ"
)

// Cache is a single-file SQLite-backed key/value store with per-entry TTL and
// hit statistics. Payloads are opaque to the cache.
type Cache struct {
	db   *sqlx.DB
	path string
	ttl  time.Duration
}

// Error is a distinguishable cache fault carrying the failed operation and
// key. Callers above the cache must degrade it to a miss, never propagate it.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

const schema = `
CREATE TABLE IF NOT EXISTS cache (
	cache_key     TEXT PRIMARY KEY,
	category      TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	payload       BLOB NOT NULL,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	hit_count     INTEGER NOT NULL DEFAULT 0,
	last_accessed INTEGER
);
CREATE INDEX IF NOT EXISTS idx_cache_category_symbol ON cache(category, symbol);
CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache(expires_at);
`

// Open opens (creating if needed) the cache database at path.
func Open(path string, ttl time.Duration) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	db, err := sqlx.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	// SQLite permits a single writer; serialize access through one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &Error{Op: "initialize", Err: err}
	}
	observ.Log("cache_opened", map[string]any{"path": path, "ttl_seconds": ttl.Seconds()})
	return &Cache{db: db, path: path, ttl: ttl}, nil
}

// Key builds the normalized composite cache key: category lower-cased, symbol
// upper-cased, so lookups are case-insensitive.
func Key(category, symbol string) string {
	return strings.ToLower(strings.TrimSpace(category)) + ":" + strings.ToUpper(strings.TrimSpace(symbol))
}

// Get returns the payload for (category, symbol) if a live entry exists.
// Validity is checked against a single timestamp taken at call start; a hit
// increments hit_count and stamps last_accessed in the same transaction.
func (c *Cache) Get(category, symbol string) ([]byte, bool, error) {
	key := Key(category, symbol)
	now := time.Now().UTC().UnixNano()

	tx, err := c.db.Beginx()
	if err != nil {
		return nil, false, &Error{Op: "read", Key: key, Err: err}
	}
	defer tx.Rollback()

	var payload []byte
	err = tx.Get(&payload, `SELECT payload FROM cache WHERE cache_key = ? AND expires_at > ?`, key, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &Error{Op: "read", Key: key, Err: err}
	}
	if _, err := tx.Exec(`UPDATE cache SET hit_count = hit_count + 1, last_accessed = ? WHERE cache_key = ?`, now, key); err != nil {
		return nil, false, &Error{Op: "read", Key: key, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, &Error{Op: "read", Key: key, Err: err}
	}
	return payload, true, nil
}

// Set stores payload under (category, symbol), overwriting any previous entry
// and restarting its TTL and hit counter.
func (c *Cache) Set(category, symbol string, payload []byte) error {
	key := Key(category, symbol)
	now := time.Now().UTC()
	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO cache
			(cache_key, category, symbol, payload, created_at, expires_at, hit_count, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL)`,
		key,
		strings.ToLower(strings.TrimSpace(category)),
		strings.ToUpper(strings.TrimSpace(symbol)),
		payload,
		now.UnixNano(),
		now.Add(c.ttl).UnixNano(),
	)
	if err != nil {
		return &Error{Op: "write", Key: key, Err: err}
	}
	return nil
}

// Invalidate deletes the entry for (category, symbol), reporting whether one
// existed.
func (c *Cache) Invalidate(category, symbol string) (bool, error) {
	key := Key(category, symbol)
	res, err := c.db.Exec(`DELETE FROM cache WHERE cache_key = ?`, key)
	if err != nil {
		return false, &Error{Op: "delete", Key: key, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &Error{Op: "delete", Key: key, Err: err}
	}
	if n > 0 {
		observ.Log("cache_invalidated", map[string]any{"key": key})
	}
	return n > 0, nil
}

// ClearExpired deletes exactly the entries whose expiry has passed and
// returns how many were removed.
func (c *Cache) ClearExpired() (int, error) {
	now := time.Now().UTC().UnixNano()
	res, err := c.db.Exec(`DELETE FROM cache WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, &Error{Op: "clear_expired", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &Error{Op: "clear_expired", Err: err}
	}
	if n > 0 {
		observ.Log("cache_expired_cleared", map[string]any{"deleted": n})
	}
	return int(n), nil
}

// ClearAll deletes every entry. It refuses to run without explicit
// confirmation.
func (c *Cache) ClearAll(confirm bool) (int, error) {
	if !confirm {
		return 0, &Error{Op: "clear_all", Err: errors.New("requires explicit confirmation")}
	}
	var total int
	if err := c.db.Get(&total, `SELECT COUNT(*) FROM cache`); err != nil {
		return 0, &Error{Op: "clear_all", Err: err}
	}
	if _, err := c.db.Exec(`DELETE FROM cache`); err != nil {
		return 0, &Error{Op: "clear_all", Err: err}
	}
	observ.Log("cache_cleared", map[string]any{"deleted": total})
	return total, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}
