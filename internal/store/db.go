package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultMaxConns bounds the connection pool. SQLite serializes writes
// internally; readers run concurrently up to this limit.
const DefaultMaxConns = 10

// timeFormat is how timestamps are persisted. RFC3339 UTC strings compare
// lexicographically, so range filters work with plain string comparison.
const timeFormat = time.RFC3339

// SQLite is the Store implementation backed by an embedded SQLite file.
type SQLite struct {
	db *sql.DB

	// settings cache, invalidated on write.
	settingsMu    sync.RWMutex
	settingsCache map[string]string
}

// Open opens (or creates) the database at path and configures the pool.
// Pass ":memory:" for an ephemeral database; the pool is then pinned to a
// single connection because each SQLite memory connection is its own
// database.
func Open(path string) (*SQLite, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = "file:" + dsn + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(DefaultMaxConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &SQLite{db: db, settingsCache: make(map[string]string)}
	if path == ":memory:" {
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Ping checks database reachability.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isConstraintErr reports whether err is a SQLite integrity-constraint
// violation (uniqueness, foreign key, ...).
func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite wraps the SQLITE_CONSTRAINT family in its error
	// string; primary code 19, extended codes 19|n<<8.
	msg := err.Error()
	return strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT") ||
		strings.Contains(msg, "(19)") || strings.Contains(msg, "(1555)") || strings.Contains(msg, "(2067)")
}

// nullTime converts an optional time to its stored representation.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

// scanTime parses a stored timestamp.
func scanTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// scanNullTime parses an optional stored timestamp.
func scanNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := scanTime(ns.String)
	return &t
}

// notFound is a small helper for the common miss path.
func notFound(err error, entity, key string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &ErrNotFound{Entity: entity, Key: key}
	}
	return err
}
