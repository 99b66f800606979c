package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/driftlock/driftlock/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// Init initializes the SQLite database at baseDir/driftlock.db.
// The baseDir parameter allows tests to use t.TempDir() instead of
// ~/.driftlock.
func Init(baseDir string) (*sql.DB, error) {
	// Create base directory with restricted permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	// Explicit chmod (best-effort, may not work on all platforms)
	_ = os.Chmod(baseDir, 0700)

	// Open database with pragmas in connection string (applies to all connections)
	dbPath := filepath.Join(baseDir, "driftlock.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify WAL mode is active
	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations (this creates the file if it doesn't exist)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	// Set file permissions after file exists (best-effort)
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: Initial schema (v1)
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS objects (
		  uuid        TEXT PRIMARY KEY,
		  class_name  TEXT NOT NULL,
		  object_id   TEXT,
		  payload     TEXT NOT NULL,
		  created_at  INTEGER NOT NULL,
		  updated_at  INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_objects_class_object
		ON objects(class_name, object_id)
		WHERE object_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS pins (
		  pin_name    TEXT NOT NULL,
		  object_uuid TEXT NOT NULL,
		  added_at    INTEGER NOT NULL,
		  PRIMARY KEY (pin_name, object_uuid),
		  FOREIGN KEY (object_uuid) REFERENCES objects(uuid)
		);

		CREATE INDEX IF NOT EXISTS idx_pins_object
		ON pins(object_uuid);

		CREATE TABLE IF NOT EXISTS queue (
		  seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		  command_id    TEXT NOT NULL UNIQUE,
		  kind          TEXT NOT NULL,
		  class_name    TEXT NOT NULL,
		  object_key    TEXT NOT NULL,
		  payload       TEXT NOT NULL,
		  session_token TEXT,
		  pin_name      TEXT,
		  state         TEXT NOT NULL DEFAULT 'pending',
		  attempts      INTEGER NOT NULL DEFAULT 0,
		  enqueued_at   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_queue_state
		ON queue(state, seq);

		CREATE TABLE IF NOT EXISTS kv (
		  name       TEXT PRIMARY KEY,
		  payload    TEXT NOT NULL,
		  updated_at INTEGER NOT NULL
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Future migrations go here:
	// if version < 2 { ... }

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise. Multi-row pin and queue mutations go through this so they
// apply all-or-nothing.
func WithTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
