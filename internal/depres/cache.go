package depres

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one cached version pin.
type Entry struct {
	Version string
	At      time.Time
}

// Cache is the injected store for registry lookups. Implementations must
// tolerate concurrent access; per-key last-write-wins is acceptable.
// Staleness is handled by the resolver (TTL), not the cache.
type Cache interface {
	Get(name string) (Entry, bool)
	Put(name string, e Entry)
}

// MemoryCache is the in-process Cache used by tests and as the default.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]Entry{}}
}

func (c *MemoryCache) Get(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e, ok
}

func (c *MemoryCache) Put(name string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = e
}

// SQLiteCache persists pins across process restarts. All failures degrade
// to cache misses; a broken store must never block live resolution.
type SQLiteCache struct {
	db *sql.DB
}

func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing cache db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS version_cache (
	name       TEXT PRIMARY KEY,
	version    TEXT NOT NULL,
	at_unix_ms INTEGER NOT NULL
);`); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteCache{db: db}, nil
}

func (c *SQLiteCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *SQLiteCache) Get(name string) (Entry, bool) {
	if c == nil || c.db == nil {
		return Entry{}, false
	}
	var version string
	var atMs int64
	err := c.db.QueryRow(`SELECT version, at_unix_ms FROM version_cache WHERE name = ?`, name).Scan(&version, &atMs)
	if err != nil {
		return Entry{}, false
	}
	return Entry{Version: version, At: time.UnixMilli(atMs)}, true
}

func (c *SQLiteCache) Put(name string, e Entry) {
	if c == nil || c.db == nil {
		return
	}
	_, _ = c.db.Exec(`
INSERT INTO version_cache (name, version, at_unix_ms) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET version = excluded.version, at_unix_ms = excluded.at_unix_ms`,
		name, e.Version, e.At.UnixMilli())
}
