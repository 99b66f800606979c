package db

import (
	"database/sql"

	"github.com/driftlock/driftlock/internal/errors"
)

// KVGet reads a named blob from the kv table.
func KVGet(db *sql.DB, name string) ([]byte, bool, error) {
	var payload string
	err := db.QueryRow(`SELECT payload FROM kv WHERE name = ?`, name).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.NewPersistence("kv read", err)
	}
	return []byte(payload), true, nil
}

// KVPut writes a named blob, replacing any existing value.
func KVPut(db *sql.DB, name string, payload []byte) error {
	query := `
		INSERT INTO kv (name, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`
	if _, err := db.Exec(query, name, string(payload), nowUnix()); err != nil {
		return errors.NewPersistence("kv write", err)
	}
	return nil
}

// KVPutIfAbsent writes a named blob only when no value exists yet, and
// reports whether the write happened. The migrator uses this as its
// compare-and-swap against "new store is empty".
func KVPutIfAbsent(db *sql.DB, name string, payload []byte) (bool, error) {
	query := `
		INSERT INTO kv (name, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`
	result, err := db.Exec(query, name, string(payload), nowUnix())
	if err != nil {
		return false, errors.NewPersistence("kv write", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.NewPersistence("kv write", err)
	}
	return n > 0, nil
}

// KVDelete removes a named blob. Deleting a missing name is a no-op.
func KVDelete(db *sql.DB, name string) error {
	if _, err := db.Exec(`DELETE FROM kv WHERE name = ?`, name); err != nil {
		return errors.NewPersistence("kv delete", err)
	}
	return nil
}

// KVExists reports whether a named blob is present.
func KVExists(db *sql.DB, name string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM kv WHERE name = ? LIMIT 1`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.NewPersistence("kv read", err)
	}
	return true, nil
}
