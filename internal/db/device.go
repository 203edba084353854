package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Device is a tracked radio, identified by its stable external UID
// (a LoRaWAN DevEUI or a Meshtastic node id).
type Device struct {
	ID         int64    `json:"id"`
	DeviceUID  string   `json:"device_uid"`
	Name       string   `json:"name"`
	Notes      *string  `json:"notes"`
	Archived   bool     `json:"archived"`
	LastSeenAt *float64 `json:"last_seen_unix"`
	CreatedAt  float64  `json:"created_at"`
	UpdatedAt  float64  `json:"updated_at"`
}

// UpsertDeviceByUID returns the device with the given UID, creating it if it
// does not exist. When seenAt is non-nil the device's last_seen_unix is
// advanced to it; last-seen only ever moves forward.
func (db *DB) UpsertDeviceByUID(uid string, seenAt *float64) (*Device, error) {
	if uid == "" {
		return nil, fmt.Errorf("device uid must not be empty")
	}

	_, err := db.Exec(`
		INSERT INTO devices (device_uid, name)
		VALUES (?, ?)
		ON CONFLICT(device_uid) DO NOTHING`,
		uid, uid,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert device: %w", err)
	}

	if seenAt != nil {
		_, err = db.Exec(`
			UPDATE devices
			SET last_seen_unix = MAX(COALESCE(last_seen_unix, 0), ?),
			    updated_at = UNIXEPOCH('subsec')
			WHERE device_uid = ?`,
			*seenAt, uid,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to advance device last seen: %w", err)
		}
	}

	return db.GetDeviceByUID(uid)
}

// CreateDevice registers a device explicitly, ahead of its first measurement.
func (db *DB) CreateDevice(d *Device) error {
	if d.DeviceUID == "" {
		return fmt.Errorf("device uid must not be empty")
	}
	result, err := db.Exec(`
		INSERT INTO devices (device_uid, name, notes)
		VALUES (?, ?, ?)`,
		d.DeviceUID, d.Name, d.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	d.ID = id
	return nil
}

const deviceColumns = `id, device_uid, name, notes, archived, last_seen_unix, created_at, updated_at`

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var d Device
	var archived int
	err := row.Scan(
		&d.ID, &d.DeviceUID, &d.Name, &d.Notes,
		&archived, &d.LastSeenAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Archived = archived == 1
	return &d, nil
}

// GetDevice retrieves a device by its internal id.
func (db *DB) GetDevice(id int64) (*Device, error) {
	d, err := scanDevice(db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// GetDeviceByUID retrieves a device by its external UID.
func (db *DB) GetDeviceByUID(uid string) (*Device, error) {
	d, err := scanDevice(db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE device_uid = ?`, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %q: %w", uid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// ListDevices returns all devices, optionally including archived ones.
func (db *DB) ListDevices(includeArchived bool) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY device_uid ASC`

	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

// UpdateDevice updates the mutable attributes of a device (name, notes).
func (db *DB) UpdateDevice(d *Device) error {
	result, err := db.Exec(`
		UPDATE devices
		SET name = ?, notes = ?, updated_at = UNIXEPOCH('subsec')
		WHERE id = ?`,
		d.Name, d.Notes, d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("device %d: %w", d.ID, ErrNotFound)
	}
	return nil
}

// SetDeviceArchived flips the archived flag on a device.
func (db *DB) SetDeviceArchived(id int64, archived bool) error {
	archivedInt := 0
	if archived {
		archivedInt = 1
	}
	result, err := db.Exec(`
		UPDATE devices SET archived = ?, updated_at = UNIXEPOCH('subsec') WHERE id = ?`,
		archivedInt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to archive device: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	return nil
}

// UnixSeconds converts a time.Time to unix seconds with sub-second precision.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
