package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/banshee-data/coverage.report/internal/monitoring"
)

// Session is a named recording window for one device. A device has at most
// one active session (ended_at_unix NULL) at a time; StartSession enforces
// this by returning the existing active session instead of creating another.
type Session struct {
	ID         int64    `json:"id"`
	DeviceID   int64    `json:"device_id"`
	Name       string   `json:"name"`
	StartedAt  float64  `json:"started_at_unix"`
	EndedAt    *float64 `json:"ended_at_unix"`
	Archived   bool     `json:"archived"`
	ArchivedAt *float64 `json:"archived_at_unix"`
	CreatedAt  float64  `json:"created_at"`
}

const sessionColumns = `id, device_id, name, started_at_unix, ended_at_unix, archived, archived_at_unix, created_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var archived int
	err := row.Scan(
		&s.ID, &s.DeviceID, &s.Name, &s.StartedAt,
		&s.EndedAt, &archived, &s.ArchivedAt, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Archived = archived == 1
	return &s, nil
}

// StartSession opens a session for a device at startedAt. If the device
// already has an active session it is returned unchanged; starting is
// idempotent by design so the geofence agent can retry safely.
func (db *DB) StartSession(deviceID int64, name string, startedAt float64) (*Session, bool, error) {
	existing, err := db.ActiveSession(deviceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	result, err := db.Exec(`
		INSERT INTO sessions (device_id, name, started_at_unix)
		VALUES (?, ?, ?)`,
		deviceID, name, startedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to start session: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	s, err := db.GetSession(id)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// ActiveSession returns the device's most recent session with no end time.
func (db *DB) ActiveSession(deviceID int64) (*Session, error) {
	s, err := scanSession(db.QueryRow(`
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE device_id = ? AND ended_at_unix IS NULL
		ORDER BY started_at_unix DESC
		LIMIT 1`,
		deviceID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active session for device %d: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return s, nil
}

// EndSession closes the session at endedAt. Ending an already-ended session
// is an error; callers wanting idempotent stop should check first.
func (db *DB) EndSession(id int64, endedAt float64) error {
	result, err := db.Exec(`
		UPDATE sessions SET ended_at_unix = ?
		WHERE id = ? AND ended_at_unix IS NULL`,
		endedAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("active session %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetSession retrieves a session by id.
func (db *DB) GetSession(id int64) (*Session, error) {
	s, err := scanSession(db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// ListSessions returns sessions for a device, newest first.
func (db *DB) ListSessions(deviceID int64, includeArchived bool) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE device_id = ?`
	if !includeArchived {
		query += ` AND archived = 0`
	}
	query += ` ORDER BY started_at_unix DESC`

	rows, err := db.Query(query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// ArchiveSession flips the archived flag and records when. Measurements are
// untouched.
func (db *DB) ArchiveSession(id int64) error {
	result, err := db.Exec(`
		UPDATE sessions
		SET archived = 1, archived_at_unix = UNIXEPOCH('subsec')
		WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSession removes a session, detaching its measurements rather than
// deleting them. Both steps run in one transaction.
func (db *DB) DeleteSession(id int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			monitoring.Logf("warning: failed to rollback transaction: %v", err)
		}
	}()

	if _, err := tx.Exec(`UPDATE measurements SET session_id = NULL WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to detach measurements: %w", err)
	}

	result, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %d: %w", id, ErrNotFound)
	}

	return tx.Commit()
}
