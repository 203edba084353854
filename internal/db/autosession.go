package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// AutoSessionConfig is the per-device home geofence used by the session
// agent: a home circle plus dwell thresholds for starting and stopping
// sessions.
type AutoSessionConfig struct {
	DeviceID      int64    `json:"device_id"`
	Enabled       bool     `json:"enabled"`
	HomeLat       *float64 `json:"home_lat"`
	HomeLon       *float64 `json:"home_lon"`
	RadiusM       float64  `json:"radius_m"`
	MinOutsideSec int64    `json:"min_outside_s"`
	MinInsideSec  int64    `json:"min_inside_s"`
	UpdatedAt     float64  `json:"updated_at"`
}

// GetAutoSessionConfig retrieves a device's geofence config.
func (db *DB) GetAutoSessionConfig(deviceID int64) (*AutoSessionConfig, error) {
	var c AutoSessionConfig
	var enabled int
	err := db.QueryRow(`
		SELECT device_id, enabled, home_lat, home_lon, radius_m, min_outside_s, min_inside_s, updated_at
		FROM auto_session_configs
		WHERE device_id = ?`,
		deviceID,
	).Scan(&c.DeviceID, &enabled, &c.HomeLat, &c.HomeLon, &c.RadiusM, &c.MinOutsideSec, &c.MinInsideSec, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auto session config for device %d: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auto session config: %w", err)
	}
	c.Enabled = enabled == 1
	return &c, nil
}

// PutAutoSessionConfig creates or replaces a device's geofence config.
func (db *DB) PutAutoSessionConfig(c *AutoSessionConfig) error {
	enabled := 0
	if c.Enabled {
		enabled = 1
	}
	_, err := db.Exec(`
		INSERT INTO auto_session_configs (
			device_id, enabled, home_lat, home_lon, radius_m, min_outside_s, min_inside_s, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, UNIXEPOCH('subsec'))
		ON CONFLICT(device_id) DO UPDATE SET
			enabled = excluded.enabled,
			home_lat = excluded.home_lat,
			home_lon = excluded.home_lon,
			radius_m = excluded.radius_m,
			min_outside_s = excluded.min_outside_s,
			min_inside_s = excluded.min_inside_s,
			updated_at = UNIXEPOCH('subsec')`,
		c.DeviceID, enabled, c.HomeLat, c.HomeLon, c.RadiusM, c.MinOutsideSec, c.MinInsideSec,
	)
	if err != nil {
		return fmt.Errorf("failed to put auto session config: %w", err)
	}
	return nil
}

// ListEnabledAutoSessionConfigs returns all enabled geofence configs, for
// agent processes that watch every configured device.
func (db *DB) ListEnabledAutoSessionConfigs() ([]AutoSessionConfig, error) {
	rows, err := db.Query(`
		SELECT device_id, enabled, home_lat, home_lon, radius_m, min_outside_s, min_inside_s, updated_at
		FROM auto_session_configs
		WHERE enabled = 1
		ORDER BY device_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query auto session configs: %w", err)
	}
	defer rows.Close()

	var configs []AutoSessionConfig
	for rows.Next() {
		var c AutoSessionConfig
		var enabled int
		if err := rows.Scan(&c.DeviceID, &enabled, &c.HomeLat, &c.HomeLon, &c.RadiusM, &c.MinOutsideSec, &c.MinInsideSec, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan auto session config: %w", err)
		}
		c.Enabled = enabled == 1
		configs = append(configs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating auto session configs: %w", err)
	}
	return configs, nil
}

// AgentDecision is one appended row of the geofence agent's audit log.
type AgentDecision struct {
	ID         int64    `json:"id"`
	DeviceID   int64    `json:"device_id"`
	Decision   string   `json:"decision"` // start|stop|noop|stale|disabled
	Reason     *string  `json:"reason"`
	Inside     *bool    `json:"inside"`
	DistanceM  *float64 `json:"distance_m"`
	CapturedAt *float64 `json:"captured_at_unix"`
	CreatedAt  float64  `json:"created_at_unix"`
}

// InsertAgentDecision appends one decision row. The log is append-only.
func (db *DB) InsertAgentDecision(d *AgentDecision) error {
	var inside *int
	if d.Inside != nil {
		v := 0
		if *d.Inside {
			v = 1
		}
		inside = &v
	}
	result, err := db.Exec(`
		INSERT INTO agent_decisions (device_id, decision, reason, inside, distance_m, captured_at_unix)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.DeviceID, d.Decision, d.Reason, inside, d.DistanceM, d.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert agent decision: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	d.ID = id
	return nil
}

// ListAgentDecisions returns a device's decisions, newest first.
func (db *DB) ListAgentDecisions(deviceID int64, limit int) ([]AgentDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, device_id, decision, reason, inside, distance_m, captured_at_unix, created_at_unix
		FROM agent_decisions
		WHERE device_id = ?
		ORDER BY created_at_unix DESC, id DESC
		LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent decisions: %w", err)
	}
	defer rows.Close()

	var decisions []AgentDecision
	for rows.Next() {
		var d AgentDecision
		var inside *int
		if err := rows.Scan(&d.ID, &d.DeviceID, &d.Decision, &d.Reason, &inside, &d.DistanceM, &d.CapturedAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent decision: %w", err)
		}
		if inside != nil {
			v := *inside == 1
			d.Inside = &v
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent decisions: %w", err)
	}
	return decisions, nil
}
