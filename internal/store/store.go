// Package store is the SQLite-backed host registry, template catalog and append-only
// execution history.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("duplicate")
)

type DB struct {
	conn *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Pragmas are per connection; a single connection also serialises the hash chain.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, p := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS hosts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		address TEXT NOT NULL,
		port INTEGER NOT NULL,
		username TEXT NOT NULL,
		elevation_mode TEXT NOT NULL DEFAULT 'none',
		elevation_user TEXT NOT NULL DEFAULT '',
		elevation_shell TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'unknown',
		status_checked TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (address, port, username)
	);

	CREATE TABLE IF NOT EXISTS credentials (
		host_id TEXT PRIMARY KEY,
		password TEXT NOT NULL DEFAULT '',
		private_key TEXT NOT NULL DEFAULT '',
		passphrase TEXT NOT NULL DEFAULT '',
		elevation_secret TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (host_id) REFERENCES hosts(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		host_kinds TEXT NOT NULL,
		params TEXT NOT NULL,
		timeout_seconds INTEGER NOT NULL DEFAULT 0,
		confirm BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_templates_category ON templates(category);

	CREATE TABLE IF NOT EXISTS executions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		template_id TEXT NOT NULL,
		host_id TEXT NOT NULL,
		parameters TEXT,
		exit_code INTEGER NOT NULL,
		stdout TEXT NOT NULL,
		stderr TEXT NOT NULL,
		duration_ns INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_host_id ON executions(host_id);
	CREATE INDEX IF NOT EXISTS idx_executions_template_id ON executions(template_id);

	CREATE TRIGGER IF NOT EXISTS executions_no_update BEFORE UPDATE ON executions
	BEGIN
		SELECT RAISE(ABORT, 'executions are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS executions_no_delete BEFORE DELETE ON executions
	BEGIN
		SELECT RAISE(ABORT, 'executions are append-only');
	END;
	`

	_, err := db.conn.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// queryContext is satisfied by *sql.DB and *sql.Tx.
type queryContext interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
