// Package kv implements the embedded name->string persistence store
// described in spec.md section 3 ("KV Store") and section 5 ("the core
// opens each table lazily on first use and keeps the handle for
// process lifetime").
//
// Grounded on the teacher's db/connection.go Open()/WAL-pragma/
// busy-timeout pattern, minus the sqlite-vec extension (no vector
// search need in this domain).
package kv

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/foldlattice/agent/internal/errs"
)

const journalMode = "WAL"

// Store is the per-path-keyed sqlite handle; tables are plain SQL
// tables within the single database file, not separate files, matching
// spec.md's five named tables (config, groups, units, cores, wu_log).
type Store struct {
	db     *sql.DB
	log    *zap.SugaredLogger
	mu     sync.Mutex
	opened map[string]bool
}

// Open opens (creating if absent) the sqlite database at path.
func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrapf(err, "failed to create kv store directory: %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Wrapf(err, "failed to open kv store at %s", path)
	}

	if _, err := db.Exec("PRAGMA journal_mode = " + journalMode); err != nil {
		db.Close()
		return nil, errs.Wrapf(err, "failed to enable %s journal mode", journalMode)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errs.Wrap(err, "failed to set busy timeout")
	}

	log.Infow("kv store opened", "path", path)

	return &Store{db: db, log: log, opened: make(map[string]bool)}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Table returns a handle bound to a single logical table, creating its
// backing SQL table on first use (the "lazy per-table initialization"
// of spec.md section 5).
func (s *Store) Table(name string) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened[name] {
		stmt := `CREATE TABLE IF NOT EXISTS "` + name + `" (key TEXT PRIMARY KEY, value TEXT NOT NULL)`
		if _, err := s.db.Exec(stmt); err != nil {
			return nil, errs.Wrapf(err, "failed to initialize table %s", name)
		}
		s.opened[name] = true
	}

	return &Table{db: s.db, name: name}, nil
}

// Table is a name-keyed string store backed by one sqlite table.
type Table struct {
	db   *sql.DB
	name string
}

// Get returns the stored value and whether a row existed.
func (t *Table) Get(key string) (string, bool, error) {
	var value string
	err := t.db.QueryRow(`SELECT value FROM "`+t.name+`" WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrapf(err, "failed to read %s/%s", t.name, key)
	}
	return value, true, nil
}

// Set upserts key->value.
func (t *Table) Set(key, value string) error {
	_, err := t.db.Exec(
		`INSERT INTO "`+t.name+`" (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return errs.Wrapf(err, "failed to write %s/%s", t.name, key)
	}
	return nil
}

// Delete removes key, if present. Deleting an absent key is not an error.
func (t *Table) Delete(key string) error {
	_, err := t.db.Exec(`DELETE FROM "`+t.name+`" WHERE key = ?`, key)
	if err != nil {
		return errs.Wrapf(err, "failed to delete %s/%s", t.name, key)
	}
	return nil
}

// Keys returns every key currently stored in the table.
func (t *Table) Keys() ([]string, error) {
	rows, err := t.db.Query(`SELECT key FROM "` + t.name + `"`)
	if err != nil {
		return nil, errs.Wrapf(err, "failed to list keys in %s", t.name)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errs.Wrap(err, "failed to scan key")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// All returns every key/value pair currently stored in the table.
func (t *Table) All() (map[string]string, error) {
	rows, err := t.db.Query(`SELECT key, value FROM "` + t.name + `"`)
	if err != nil {
		return nil, errs.Wrapf(err, "failed to scan %s", t.name)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errs.Wrap(err, "failed to scan row")
		}
		out[k] = v
	}
	return out, rows.Err()
}
