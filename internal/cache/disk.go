package cache

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/bgdnvk/cloudcost/internal/clock"
)

// DiskCache implements Backend on a single sqlite file so cached billing data
// survives process restarts. The store is bounded by a byte budget: when a
// write pushes it over, the least-recently-read transient entries are removed
// first. Entries written with a permanent TTL hold finalized billing data and
// are never removed by the size sweep.
//
// Concurrent readers are safe; concurrent writers resolve last-write-wins,
// which is fine because entries are derived, re-derivable data.
type DiskCache struct {
	db       *sql.DB
	maxBytes int64
	clock    clock.Clock
	logger   zerolog.Logger
}

const diskSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key         TEXT PRIMARY KEY,
	value       BLOB NOT NULL,
	expires_at  INTEGER NOT NULL,
	last_access INTEGER NOT NULL,
	permanent   INTEGER NOT NULL DEFAULT 0,
	byte_size   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_last_access ON cache_entries(last_access);
`

// NewDiskCache opens (or creates) the cache database at path.
func NewDiskCache(path string, maxBytes int64, clk clock.Clock, logger zerolog.Logger) (*DiskCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(diskSchema); err != nil {
		db.Close()
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if maxBytes <= 0 {
		maxBytes = 256 << 20
	}
	return &DiskCache{
		db:       db,
		maxBytes: maxBytes,
		clock:    clk,
		logger:   logger.With().Str("component", "disk-cache").Logger(),
	}, nil
}

// Close releases the underlying database handle.
func (c *DiskCache) Close() error {
	return c.db.Close()
}

func (c *DiskCache) Get(key string) ([]byte, bool) {
	now := c.clock.Now().Unix()

	var value []byte
	var expiresAt int64
	err := c.db.QueryRow(
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if err != nil {
		if err != sql.ErrNoRows {
			c.logger.Debug().Err(err).Str("key", key).Msg("read failed, treating as miss")
		}
		return nil, false
	}
	if now > expiresAt {
		c.Delete(key)
		return nil, false
	}
	if _, err := c.db.Exec(
		`UPDATE cache_entries SET last_access = ? WHERE key = ?`, now, key,
	); err != nil {
		c.logger.Debug().Err(err).Msg("access-time update failed")
	}
	return value, true
}

func (c *DiskCache) Set(key string, value []byte, ttl time.Duration) bool {
	now := c.clock.Now()
	permanent := 0
	if ttl >= PermanentTTL {
		permanent = 1
	}
	_, err := c.db.Exec(
		`INSERT INTO cache_entries (key, value, expires_at, last_access, permanent, byte_size)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value = excluded.value,
		   expires_at = excluded.expires_at,
		   last_access = excluded.last_access,
		   permanent = excluded.permanent,
		   byte_size = excluded.byte_size`,
		key, value, now.Add(ttl).Unix(), now.Unix(), permanent, len(value),
	)
	if err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("write failed, skipping cache")
		return false
	}
	c.enforceBudget()
	return true
}

func (c *DiskCache) Delete(key string) bool {
	res, err := c.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("delete failed")
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

func (c *DiskCache) Clear() {
	if _, err := c.db.Exec(`DELETE FROM cache_entries`); err != nil {
		c.logger.Debug().Err(err).Msg("clear failed")
	}
}

func (c *DiskCache) Size() int {
	var n int
	err := c.db.QueryRow(
		`SELECT COUNT(*) FROM cache_entries WHERE expires_at >= ?`, c.clock.Now().Unix(),
	).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}

func (c *DiskCache) Keys() []string {
	rows, err := c.db.Query(
		`SELECT key FROM cache_entries WHERE expires_at >= ? ORDER BY last_access DESC`,
		c.clock.Now().Unix(),
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return keys
		}
		keys = append(keys, k)
	}
	return keys
}

// enforceBudget expires dead rows and, if the store still exceeds its byte
// budget, removes transient entries oldest-read first. Permanent entries are
// exempt: finalized billing data is exactly what a disk cache is for.
func (c *DiskCache) enforceBudget() {
	now := c.clock.Now().Unix()
	if _, err := c.db.Exec(
		`DELETE FROM cache_entries WHERE expires_at < ? AND permanent = 0`, now,
	); err != nil {
		c.logger.Debug().Err(err).Msg("expiry sweep failed")
		return
	}

	var total int64
	if err := c.db.QueryRow(`SELECT COALESCE(SUM(byte_size), 0) FROM cache_entries`).Scan(&total); err != nil {
		return
	}
	for total > c.maxBytes {
		var key string
		var size int64
		err := c.db.QueryRow(
			`SELECT key, byte_size FROM cache_entries WHERE permanent = 0 ORDER BY last_access ASC LIMIT 1`,
		).Scan(&key, &size)
		if err != nil {
			if err != sql.ErrNoRows {
				c.logger.Debug().Err(err).Msg("budget sweep failed")
			} else {
				c.logger.Warn().Int64("bytes", total).Msg("cache over budget with only permanent entries")
			}
			return
		}
		if _, err := c.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			return
		}
		total -= size
	}
}
