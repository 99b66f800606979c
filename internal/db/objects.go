package db

import (
	"database/sql"
	"time"

	"github.com/driftlock/driftlock/internal/errors"
)

// ObjectRow is one persisted object graph node.
type ObjectRow struct {
	UUID      string  // stable local key (entity local ID)
	ClassName string
	ObjectID  *string // server identifier, nil until first save
	Payload   string  // codec-encoded field map
	CreatedAt int64
	UpdatedAt int64
}

// UpsertObject writes an object row inside tx, replacing any existing row
// with the same UUID.
func UpsertObject(tx *sql.Tx, row *ObjectRow) error {
	query := `
		INSERT INTO objects (uuid, class_name, object_id, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			object_id = excluded.object_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`
	_, err := tx.Exec(query,
		row.UUID, row.ClassName, toNullString(row.ObjectID),
		row.Payload, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return errors.NewPersistence("object upsert", err)
	}
	return nil
}

// GetObjectByUUID retrieves one object row by its local key.
func GetObjectByUUID(db *sql.DB, uuid string) (*ObjectRow, error) {
	query := `
		SELECT uuid, class_name, object_id, payload, created_at, updated_at
		FROM objects
		WHERE uuid = ?
	`
	row, err := scanObject(db.QueryRow(query, uuid))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(uuid)
	}
	if err != nil {
		return nil, errors.NewPersistence("object read", err)
	}
	return row, nil
}

// FindObjectUUID returns the local key for a (class, objectID) pair, if
// the object has been persisted before.
func FindObjectUUID(db *sql.DB, className, objectID string) (string, bool, error) {
	query := `
		SELECT uuid FROM objects
		WHERE class_name = ? AND object_id = ?
		LIMIT 1
	`
	var uuid string
	err := db.QueryRow(query, className, objectID).Scan(&uuid)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.NewPersistence("object lookup", err)
	}
	return uuid, true, nil
}

// PurgeUnpinnedObjects deletes, inside tx, every object row no pin
// references. Returns the number of rows removed.
func PurgeUnpinnedObjects(tx *sql.Tx) (int64, error) {
	query := `
		DELETE FROM objects
		WHERE uuid NOT IN (SELECT DISTINCT object_uuid FROM pins)
	`
	result, err := tx.Exec(query)
	if err != nil {
		return 0, errors.NewPersistence("object purge", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.NewPersistence("object purge", err)
	}
	return n, nil
}

// scanObject scans a single row into an ObjectRow.
func scanObject(row *sql.Row) (*ObjectRow, error) {
	var (
		o        ObjectRow
		objectID sql.NullString
	)
	err := row.Scan(&o.UUID, &o.ClassName, &objectID, &o.Payload, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.ObjectID = fromNullString(objectID)
	return &o, nil
}

// toNullString converts a *string to sql.NullString.
func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// fromNullString converts a sql.NullString to *string.
func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

// nowUnix returns the current time as a Unix timestamp.
func nowUnix() int64 {
	return time.Now().Unix()
}
