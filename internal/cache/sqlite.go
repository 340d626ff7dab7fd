package cache

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/kodikgo/kodik/internal/errs"
)

// SQLiteStore is the high-capacity durable tier. Unlike BoltStore it
// keeps an index on expires_at, so the cleanup sweep is a single
// indexed DELETE instead of a full scan.
type SQLiteStore struct {
	db         *sql.DB
	maxEntries int

	getPS    *sql.Stmt
	putPS    *sql.Stmt
	deletePS *sql.Stmt
	countPS  *sql.Stmt
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	key           TEXT PRIMARY KEY,
	value         BLOB NOT NULL,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	priority      INTEGER NOT NULL DEFAULT 1,
	size_bytes    INTEGER NOT NULL DEFAULT 0,
	access_count  INTEGER NOT NULL DEFAULT 0,
	last_accessed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries(expires_at);
CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at);
`

// NewSQLiteStore opens (creating if needed) the SQLite cache at path.
func NewSQLiteStore(path string, maxEntries int) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating cache dir")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite cache")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "applying cache schema")
	}

	s := &SQLiteStore{db: db, maxEntries: maxEntries}
	if err := s.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) prepare() error {
	var err error
	if s.getPS, err = s.db.Prepare(
		`SELECT value, created_at, expires_at, priority, size_bytes, access_count, last_accessed
		 FROM entries WHERE key = ?`); err != nil {
		return errors.Wrap(err, "preparing get")
	}
	if s.putPS, err = s.db.Prepare(
		`INSERT INTO entries (key, value, created_at, expires_at, priority, size_bytes, access_count, last_accessed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value = excluded.value, created_at = excluded.created_at,
		   expires_at = excluded.expires_at, priority = excluded.priority,
		   size_bytes = excluded.size_bytes, access_count = excluded.access_count,
		   last_accessed = excluded.last_accessed`); err != nil {
		return errors.Wrap(err, "preparing put")
	}
	if s.deletePS, err = s.db.Prepare(`DELETE FROM entries WHERE key = ?`); err != nil {
		return errors.Wrap(err, "preparing delete")
	}
	if s.countPS, err = s.db.Prepare(`SELECT COUNT(*) FROM entries`); err != nil {
		return errors.Wrap(err, "preparing count")
	}
	return nil
}

func (s *SQLiteStore) Get(key string) (*Entry, error) {
	e := &Entry{Key: key}
	var created, expires, lastAccessed int64
	err := s.getPS.QueryRow(key).Scan(
		&e.Value, &created, &expires, &e.Priority, &e.SizeBytes, &e.AccessCount, &lastAccessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading cache entry")
	}
	e.CreatedAt = time.Unix(0, created)
	e.ExpiresAt = time.Unix(0, expires)
	e.LastAccessed = time.Unix(0, lastAccessed)
	return e, nil
}

func (s *SQLiteStore) Put(e *Entry) error {
	if s.maxEntries > 0 {
		var count int
		if err := s.countPS.QueryRow().Scan(&count); err != nil {
			return errors.Wrap(err, "counting cache entries")
		}
		if count >= s.maxEntries {
			if existing, err := s.Get(e.Key); err != nil || existing == nil {
				return errs.ErrQuotaExceeded
			}
		}
	}
	_, err := s.putPS.Exec(
		e.Key, e.Value,
		e.CreatedAt.UnixNano(), e.ExpiresAt.UnixNano(),
		e.Priority, e.SizeBytes, e.AccessCount, e.LastAccessed.UnixNano())
	return errors.Wrap(err, "writing cache entry")
}

func (s *SQLiteStore) Delete(key string) error {
	_, err := s.deletePS.Exec(key)
	return errors.Wrap(err, "deleting cache entry")
}

func (s *SQLiteStore) Clear() error {
	_, err := s.db.Exec(`DELETE FROM entries`)
	return errors.Wrap(err, "clearing cache")
}

// SweepExpired uses the expires_at index directly.
func (s *SQLiteStore) SweepExpired(now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM entries WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "sweeping expired entries")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) EvictOldest(n int) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM entries WHERE key IN (
			SELECT key FROM entries
			ORDER BY (expires_at <= ?) DESC, created_at ASC
			LIMIT ?)`,
		time.Now().UnixNano(), n)
	if err != nil {
		return 0, errors.Wrap(err, "evicting oldest entries")
	}
	removed, _ := res.RowsAffected()
	return int(removed), nil
}

func (s *SQLiteStore) Close() error {
	for _, ps := range []*sql.Stmt{s.getPS, s.putPS, s.deletePS, s.countPS} {
		if ps != nil {
			ps.Close()
		}
	}
	return s.db.Close()
}
