package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/banshee-data/coverage.report/internal/monitoring"
)

// Measurement is one normalized telemetry point. Immutable once written,
// except that deleting its session nulls the session reference.
// CapturedAt is when the device measured; IngestedAt is when the row was
// written here. Capture order is unreliable (radio links reorder and
// retry), so the aggregation cursor orders by (IngestedAt, ID).
type Measurement struct {
	ID              int64    `json:"id"`
	DeviceID        int64    `json:"device_id"`
	SessionID       *int64   `json:"session_id"`
	CapturedAt      float64  `json:"captured_at_unix"`
	IngestedAt      float64  `json:"ingested_at_unix"`
	Lat             float64  `json:"lat"`
	Lon             float64  `json:"lon"`
	Altitude        *float64 `json:"altitude"`
	HDOP            *float64 `json:"hdop"`
	RSSI            *float64 `json:"rssi"`
	SNR             *float64 `json:"snr"`
	SpreadingFactor *int64   `json:"spreading_factor"`
	Bandwidth       *int64   `json:"bandwidth"`
	Frequency       *float64 `json:"frequency"`
	GatewayID       *string  `json:"gateway_id"`
	RawPayload      *string  `json:"raw_payload"`
}

// RxMetadata is one gateway's receive record for a measurement. A single
// uplink heard by several gateways produces one row per receiver.
type RxMetadata struct {
	ID            int64    `json:"id"`
	MeasurementID int64    `json:"measurement_id"`
	GatewayID     string   `json:"gateway_id"`
	RSSI          *float64 `json:"rssi"`
	SNR           *float64 `json:"snr"`
	ChannelIndex  *int64   `json:"channel_index"`
}

// NewMeasurement is the input to InsertMeasurement: a normalized point keyed
// by the device's external UID rather than an internal id.
type NewMeasurement struct {
	DeviceUID       string
	SessionID       *int64
	CapturedAt      float64
	Lat             float64
	Lon             float64
	Altitude        *float64
	HDOP            *float64
	RSSI            *float64
	SNR             *float64
	SpreadingFactor *int64
	Bandwidth       *int64
	Frequency       *float64
	GatewayID       *string
	RawPayload      *string
	Rx              []RxMetadata
}

// InsertMeasurement writes a canonical measurement and its per-gateway
// receive rows in one transaction. The device is created on first sight and
// its last-seen advanced; when no session is specified the device's active
// session, if any, is attached.
func (db *DB) InsertMeasurement(ctx context.Context, nm NewMeasurement) (*Measurement, error) {
	if nm.DeviceUID == "" {
		return nil, fmt.Errorf("device uid must not be empty")
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			monitoring.Logf("warning: failed to rollback transaction: %v", err)
		}
	}()

	// Device created on first sight and last-seen advanced, under the same
	// transaction as the measurement itself.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO devices (device_uid, name)
		VALUES (?, ?)
		ON CONFLICT(device_uid) DO NOTHING`,
		nm.DeviceUID, nm.DeviceUID,
	); err != nil {
		return nil, fmt.Errorf("failed to upsert device: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE devices
		SET last_seen_unix = MAX(COALESCE(last_seen_unix, 0), ?),
		    updated_at = UNIXEPOCH('subsec')
		WHERE device_uid = ?`,
		nm.CapturedAt, nm.DeviceUID,
	); err != nil {
		return nil, fmt.Errorf("failed to advance device last seen: %w", err)
	}
	var deviceID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM devices WHERE device_uid = ?`, nm.DeviceUID,
	).Scan(&deviceID); err != nil {
		return nil, fmt.Errorf("failed to resolve device id: %w", err)
	}

	sessionID := nm.SessionID
	if sessionID == nil {
		var activeID int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM sessions
			WHERE device_id = ? AND ended_at_unix IS NULL
			ORDER BY started_at_unix DESC
			LIMIT 1`,
			deviceID,
		).Scan(&activeID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to look up active session: %w", err)
		}
		if err == nil {
			sessionID = &activeID
		}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO measurements (
			device_id, session_id, captured_at_unix, lat, lon,
			altitude, hdop, rssi, snr,
			spreading_factor, bandwidth, frequency,
			gateway_id, raw_payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		deviceID, sessionID, nm.CapturedAt, nm.Lat, nm.Lon,
		nm.Altitude, nm.HDOP, nm.RSSI, nm.SNR,
		nm.SpreadingFactor, nm.Bandwidth, nm.Frequency,
		nm.GatewayID, nm.RawPayload,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert measurement: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	for _, rx := range nm.Rx {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rx_metadata (measurement_id, gateway_id, rssi, snr, channel_index)
			VALUES (?, ?, ?, ?, ?)`,
			id, rx.GatewayID, rx.RSSI, rx.SNR, rx.ChannelIndex,
		); err != nil {
			return nil, fmt.Errorf("failed to insert rx metadata: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit measurement: %w", err)
	}

	return db.GetMeasurement(ctx, id)
}

const measurementColumns = `id, device_id, session_id, captured_at_unix, ingested_at_unix, lat, lon,
	altitude, hdop, rssi, snr, spreading_factor, bandwidth, frequency, gateway_id, raw_payload`

func scanMeasurement(row interface{ Scan(...any) error }) (*Measurement, error) {
	var m Measurement
	err := row.Scan(
		&m.ID, &m.DeviceID, &m.SessionID, &m.CapturedAt, &m.IngestedAt,
		&m.Lat, &m.Lon, &m.Altitude, &m.HDOP, &m.RSSI, &m.SNR,
		&m.SpreadingFactor, &m.Bandwidth, &m.Frequency, &m.GatewayID, &m.RawPayload,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMeasurement retrieves a measurement by id.
func (db *DB) GetMeasurement(ctx context.Context, id int64) (*Measurement, error) {
	m, err := scanMeasurement(db.QueryRowContext(ctx,
		`SELECT `+measurementColumns+` FROM measurements WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("measurement %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get measurement: %w", err)
	}
	return m, nil
}

// RxForMeasurement returns the per-gateway receive rows for a measurement.
func (db *DB) RxForMeasurement(ctx context.Context, measurementID int64) ([]RxMetadata, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, measurement_id, gateway_id, rssi, snr, channel_index
		FROM rx_metadata
		WHERE measurement_id = ?
		ORDER BY id ASC`,
		measurementID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rx metadata: %w", err)
	}
	defer rows.Close()

	var out []RxMetadata
	for rows.Next() {
		var rx RxMetadata
		if err := rows.Scan(&rx.ID, &rx.MeasurementID, &rx.GatewayID, &rx.RSSI, &rx.SNR, &rx.ChannelIndex); err != nil {
			return nil, fmt.Errorf("failed to scan rx metadata: %w", err)
		}
		out = append(out, rx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rx metadata: %w", err)
	}
	return out, nil
}

// MeasurementsAfter returns up to limit measurements strictly after the
// (ingestedAt, id) cursor pair, in cursor order. This is the aggregation
// engine's scan.
func (db *DB) MeasurementsAfter(ctx context.Context, ingestedAt float64, id int64, limit int) ([]Measurement, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+measurementColumns+`
		FROM measurements
		WHERE (ingested_at_unix > ?) OR (ingested_at_unix = ? AND id > ?)
		ORDER BY ingested_at_unix ASC, id ASC
		LIMIT ?`,
		ingestedAt, ingestedAt, id, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements after cursor: %w", err)
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating measurements: %w", err)
	}
	return out, nil
}

// LatestMeasurement returns the device's most recent point by capture time.
func (db *DB) LatestMeasurement(ctx context.Context, deviceID int64) (*Measurement, error) {
	m, err := scanMeasurement(db.QueryRowContext(ctx, `
		SELECT `+measurementColumns+`
		FROM measurements
		WHERE device_id = ?
		ORDER BY captured_at_unix DESC, id DESC
		LIMIT 1`,
		deviceID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest measurement for device %d: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest measurement: %w", err)
	}
	return m, nil
}

// MeasurementFilter narrows ListMeasurements. Zero values are ignored.
type MeasurementFilter struct {
	DeviceID  int64
	SessionID int64
	From      float64 // captured_at_unix lower bound
	To        float64 // captured_at_unix upper bound
	Limit     int
}

// ListMeasurements returns measurements matching the filter, oldest first.
func (db *DB) ListMeasurements(ctx context.Context, f MeasurementFilter) ([]Measurement, error) {
	query := `SELECT ` + measurementColumns + ` FROM measurements WHERE 1=1`
	var args []any
	if f.DeviceID > 0 {
		query += ` AND device_id = ?`
		args = append(args, f.DeviceID)
	}
	if f.SessionID > 0 {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.From > 0 {
		query += ` AND captured_at_unix >= ?`
		args = append(args, f.From)
	}
	if f.To > 0 {
		query += ` AND captured_at_unix < ?`
		args = append(args, f.To)
	}
	query += ` ORDER BY captured_at_unix ASC, id ASC`
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating measurements: %w", err)
	}
	return out, nil
}
