// Package storage opens and bootstraps the embedded SQLite database that
// backs the dispatch journal.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures the journal tables exist. The path must be on a local
// filesystem; SQLite locking is unreliable over network mounts.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the journal tables and indexes if missing.
// dispatch_log holds one row per completed dispatch; circuit_log holds
// one row per circuit state transition. Raw script output is never
// stored in either.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dispatch_log (
  id          TEXT PRIMARY KEY,
  caller      TEXT NOT NULL,
  category    TEXT NOT NULL,
  template    TEXT NOT NULL,
  outcome     TEXT NOT NULL,
  error_kind  TEXT,
  message     TEXT,
  timed_out   INTEGER NOT NULL DEFAULT 0,
  attempts    INTEGER NOT NULL DEFAULT 0,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  finished_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS circuit_log (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  category    TEXT NOT NULL,
  from_state  TEXT NOT NULL,
  to_state    TEXT NOT NULL,
  failures    INTEGER NOT NULL DEFAULT 0,
  occurred_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS dispatch_log_finished_at_idx ON dispatch_log(finished_at);`,
		`CREATE INDEX IF NOT EXISTS dispatch_log_category_outcome_idx ON dispatch_log(category, outcome);`,
		`CREATE INDEX IF NOT EXISTS circuit_log_category_occurred_at_idx ON circuit_log(category, occurred_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
