package db

import (
	"database/sql"

	"github.com/driftlock/driftlock/internal/errors"
)

// Command states persisted in the queue table.
const (
	CommandPending   = "pending"
	CommandExecuting = "executing"
)

// CommandRow is one durably queued command awaiting network availability.
type CommandRow struct {
	Seq          int64
	CommandID    string
	Kind         string // save | delete | save_event
	ClassName    string
	ObjectKey    string
	Payload      string
	SessionToken *string
	PinName      *string
	State        string
	Attempts     int
	EnqueuedAt   int64
}

// EnqueueCommand durably appends a command and returns its assigned
// sequence number. The append is visible (committed) before return.
func EnqueueCommand(db *sql.DB, row *CommandRow) (int64, error) {
	query := `
		INSERT INTO queue (command_id, kind, class_name, object_key, payload,
			session_token, pin_name, state, attempts, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`
	result, err := db.Exec(query,
		row.CommandID, row.Kind, row.ClassName, row.ObjectKey, row.Payload,
		toNullString(row.SessionToken), toNullString(row.PinName),
		CommandPending, nowUnix(),
	)
	if err != nil {
		return 0, errors.NewPersistence("command enqueue", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, errors.NewPersistence("command enqueue", err)
	}
	return seq, nil
}

// PendingCommands returns all unresolved commands ordered by sequence
// number. Commands left in the executing state by a crash are included:
// replay is at-least-once.
func PendingCommands(db *sql.DB) ([]*CommandRow, error) {
	query := `
		SELECT seq, command_id, kind, class_name, object_key, payload,
			session_token, pin_name, state, attempts, enqueued_at
		FROM queue
		ORDER BY seq
	`
	rows, err := db.Query(query)
	if err != nil {
		return nil, errors.NewPersistence("queue scan", err)
	}
	defer rows.Close()

	var result []*CommandRow
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, errors.NewPersistence("queue scan", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistence("queue scan", err)
	}
	return result, nil
}

// HeadCommand returns the lowest-sequence command, or nil when the queue
// is empty.
func HeadCommand(db *sql.DB) (*CommandRow, error) {
	query := `
		SELECT seq, command_id, kind, class_name, object_key, payload,
			session_token, pin_name, state, attempts, enqueued_at
		FROM queue
		ORDER BY seq
		LIMIT 1
	`
	rows, err := db.Query(query)
	if err != nil {
		return nil, errors.NewPersistence("queue head", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.NewPersistence("queue head", err)
		}
		return nil, nil
	}
	c, err := scanCommand(rows)
	if err != nil {
		return nil, errors.NewPersistence("queue head", err)
	}
	return c, nil
}

// MarkCommandExecuting transitions a command to the executing state and
// bumps its attempt counter.
func MarkCommandExecuting(db *sql.DB, seq int64) error {
	query := `UPDATE queue SET state = ?, attempts = attempts + 1 WHERE seq = ?`
	return execExpectingRow(db, query, CommandExecuting, seq)
}

// MarkCommandPending returns an executing command to the pending state
// after a transient failure, keeping it at the head for the next replay.
func MarkCommandPending(db *sql.DB, seq int64) error {
	query := `UPDATE queue SET state = ? WHERE seq = ?`
	return execExpectingRow(db, query, CommandPending, seq)
}

// RemoveCommand durably deletes a resolved command (completed or
// permanently failed).
func RemoveCommand(db *sql.DB, seq int64) error {
	result, err := db.Exec(`DELETE FROM queue WHERE seq = ?`, seq)
	if err != nil {
		return errors.NewPersistence("command remove", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.NewPersistence("command remove", err)
	}
	if n == 0 {
		return errors.NewNotFound("queue command")
	}
	return nil
}

// QueueStats summarizes the durable queue for inspection.
type QueueStats struct {
	Pending   int   `json:"pending"`
	OldestSeq int64 `json:"oldest_seq"`
	NewestSeq int64 `json:"newest_seq"`
}

// Stats returns queue counters.
func Stats(db *sql.DB) (*QueueStats, error) {
	var (
		stats  QueueStats
		oldest sql.NullInt64
		newest sql.NullInt64
	)
	query := `SELECT COUNT(*), MIN(seq), MAX(seq) FROM queue`
	if err := db.QueryRow(query).Scan(&stats.Pending, &oldest, &newest); err != nil {
		return nil, errors.NewPersistence("queue stats", err)
	}
	stats.OldestSeq = oldest.Int64
	stats.NewestSeq = newest.Int64
	return &stats, nil
}

func execExpectingRow(db *sql.DB, query string, args ...any) error {
	result, err := db.Exec(query, args...)
	if err != nil {
		return errors.NewPersistence("queue update", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.NewPersistence("queue update", err)
	}
	if n == 0 {
		return errors.NewNotFound("queue command")
	}
	return nil
}

func scanCommand(rows *sql.Rows) (*CommandRow, error) {
	var (
		c            CommandRow
		sessionToken sql.NullString
		pinName      sql.NullString
	)
	err := rows.Scan(&c.Seq, &c.CommandID, &c.Kind, &c.ClassName, &c.ObjectKey,
		&c.Payload, &sessionToken, &pinName, &c.State, &c.Attempts, &c.EnqueuedAt)
	if err != nil {
		return nil, err
	}
	c.SessionToken = fromNullString(sessionToken)
	c.PinName = fromNullString(pinName)
	return &c, nil
}
