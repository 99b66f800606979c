package db

import (
	"database/sql"

	"github.com/driftlock/driftlock/internal/errors"
)

// AddPin associates an object with a pin name inside tx. Pinning an
// already-pinned object is a no-op, pins are additive.
func AddPin(tx *sql.Tx, pinName, objectUUID string) error {
	query := `
		INSERT INTO pins (pin_name, object_uuid, added_at)
		VALUES (?, ?, ?)
		ON CONFLICT(pin_name, object_uuid) DO NOTHING
	`
	if _, err := tx.Exec(query, pinName, objectUUID, nowUnix()); err != nil {
		return errors.NewPersistence("pin add", err)
	}
	return nil
}

// RemovePinByName drops every association for pinName inside tx.
func RemovePinByName(tx *sql.Tx, pinName string) error {
	if _, err := tx.Exec(`DELETE FROM pins WHERE pin_name = ?`, pinName); err != nil {
		return errors.NewPersistence("pin remove", err)
	}
	return nil
}

// RemovePinObjects drops the association between pinName and the given
// objects inside tx, leaving the pin's other members alone.
func RemovePinObjects(tx *sql.Tx, pinName string, objectUUIDs []string) error {
	stmt, err := tx.Prepare(`DELETE FROM pins WHERE pin_name = ? AND object_uuid = ?`)
	if err != nil {
		return errors.NewPersistence("pin remove", err)
	}
	defer stmt.Close()
	for _, uuid := range objectUUIDs {
		if _, err := stmt.Exec(pinName, uuid); err != nil {
			return errors.NewPersistence("pin remove", err)
		}
	}
	return nil
}

// PinnedObjects returns the object rows associated with pinName, in the
// order they were stored. That insertion order is what makes local query
// sorting stable.
func PinnedObjects(db *sql.DB, pinName string) ([]*ObjectRow, error) {
	query := `
		SELECT o.uuid, o.class_name, o.object_id, o.payload, o.created_at, o.updated_at
		FROM objects o
		JOIN pins p ON p.object_uuid = o.uuid
		WHERE p.pin_name = ?
		ORDER BY p.added_at, o.uuid
	`
	rows, err := db.Query(query, pinName)
	if err != nil {
		return nil, errors.NewPersistence("pin scan", err)
	}
	defer rows.Close()

	var result []*ObjectRow
	for rows.Next() {
		var (
			o        ObjectRow
			objectID sql.NullString
		)
		if err := rows.Scan(&o.UUID, &o.ClassName, &objectID, &o.Payload, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, errors.NewPersistence("pin scan", err)
		}
		o.ObjectID = fromNullString(objectID)
		result = append(result, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistence("pin scan", err)
	}
	return result, nil
}

// PinNames returns every pin name present in the store.
func PinNames(db *sql.DB) ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT pin_name FROM pins ORDER BY pin_name`)
	if err != nil {
		return nil, errors.NewPersistence("pin list", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.NewPersistence("pin list", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistence("pin list", err)
	}
	return names, nil
}
