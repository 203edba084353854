package db

import (
	"context"
	"fmt"
	"strconv"

	"github.com/banshee-data/coverage.report/internal/geo"
)

// BinKey identifies one coverage bin. A nil SessionID or GatewayID makes the
// bin a rollup across all sessions or gateways for that device/day/cell.
type BinKey struct {
	DeviceID  int64
	SessionID *int64
	GatewayID *string
	Day       string // YYYY-MM-DD UTC
	LatGrid   int
	LonGrid   int
}

// sessionKey and gatewayKey are the sentinel strings used for the unique
// index: sqlite treats NULLs as distinct, so NULL key components would let
// duplicate rollup bins accumulate.
func (k BinKey) sessionKey() string {
	if k.SessionID == nil {
		return ""
	}
	return strconv.FormatInt(*k.SessionID, 10)
}

func (k BinKey) gatewayKey() string {
	if k.GatewayID == nil {
		return ""
	}
	return *k.GatewayID
}

// BinStats are the recomputed aggregate values for one bin.
type BinStats struct {
	PointCount int64    `json:"point_count"`
	RSSIMin    *float64 `json:"rssi_min"`
	RSSIMax    *float64 `json:"rssi_max"`
	RSSIAvg    *float64 `json:"rssi_avg"`
	SNRMin     *float64 `json:"snr_min"`
	SNRMax     *float64 `json:"snr_max"`
	SNRAvg     *float64 `json:"snr_avg"`
}

// CoverageBin is one stored spatial/temporal aggregation cell.
type CoverageBin struct {
	ID        int64   `json:"id"`
	DeviceID  int64   `json:"device_id"`
	SessionID *int64  `json:"session_id"`
	GatewayID *string `json:"gateway_id"`
	Day       string  `json:"day"`
	LatGrid   int     `json:"lat_grid"`
	LonGrid   int     `json:"lon_grid"`
	BinStats
	UpdatedAt float64 `json:"updated_at"`
}

// AggregateCell recomputes the stats for a bin key with a fresh aggregate
// over the underlying measurements. Bins are always recomputed from source,
// never incremented, so a restarted aggregator cannot leave them drifted.
func (db *DB) AggregateCell(ctx context.Context, k BinKey) (BinStats, error) {
	dayStart, dayEnd, ok := geo.DayBounds(k.Day)
	if !ok {
		return BinStats{}, fmt.Errorf("invalid day %q", k.Day)
	}
	latMin, latMax := geo.CellBounds(k.LatGrid)
	lonMin, lonMax := geo.CellBounds(k.LonGrid)

	query := `
		SELECT COUNT(*),
		       MIN(rssi), MAX(rssi), AVG(rssi),
		       MIN(snr), MAX(snr), AVG(snr)
		FROM measurements
		WHERE device_id = ?
		  AND captured_at_unix >= ? AND captured_at_unix < ?
		  AND lat >= ? AND lat < ?
		  AND lon >= ? AND lon < ?`
	args := []any{k.DeviceID, dayStart, dayEnd, latMin, latMax, lonMin, lonMax}
	if k.SessionID != nil {
		query += ` AND session_id = ?`
		args = append(args, *k.SessionID)
	}
	if k.GatewayID != nil {
		query += ` AND gateway_id = ?`
		args = append(args, *k.GatewayID)
	}

	var s BinStats
	err := db.QueryRowContext(ctx, query, args...).Scan(
		&s.PointCount,
		&s.RSSIMin, &s.RSSIMax, &s.RSSIAvg,
		&s.SNRMin, &s.SNRMax, &s.SNRAvg,
	)
	if err != nil {
		return BinStats{}, fmt.Errorf("failed to aggregate cell: %w", err)
	}
	return s, nil
}

// UpsertCoverageBin writes the recomputed stats for a bin key. A bin whose
// recompute found no points is deleted instead of stored empty.
func (db *DB) UpsertCoverageBin(ctx context.Context, k BinKey, s BinStats) error {
	if s.PointCount == 0 {
		_, err := db.ExecContext(ctx, `
			DELETE FROM coverage_bins
			WHERE device_id = ? AND session_key = ? AND gateway_key = ?
			  AND day = ? AND lat_grid = ? AND lon_grid = ?`,
			k.DeviceID, k.sessionKey(), k.gatewayKey(), k.Day, k.LatGrid, k.LonGrid,
		)
		if err != nil {
			return fmt.Errorf("failed to delete empty coverage bin: %w", err)
		}
		return nil
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO coverage_bins (
			device_id, session_id, gateway_id, session_key, gateway_key,
			day, lat_grid, lon_grid,
			point_count, rssi_min, rssi_max, rssi_avg, snr_min, snr_max, snr_avg,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, UNIXEPOCH('subsec'))
		ON CONFLICT(device_id, session_key, gateway_key, day, lat_grid, lon_grid) DO UPDATE SET
			point_count = excluded.point_count,
			rssi_min = excluded.rssi_min,
			rssi_max = excluded.rssi_max,
			rssi_avg = excluded.rssi_avg,
			snr_min = excluded.snr_min,
			snr_max = excluded.snr_max,
			snr_avg = excluded.snr_avg,
			updated_at = UNIXEPOCH('subsec')`,
		k.DeviceID, k.SessionID, k.GatewayID, k.sessionKey(), k.gatewayKey(),
		k.Day, k.LatGrid, k.LonGrid,
		s.PointCount, s.RSSIMin, s.RSSIMax, s.RSSIAvg, s.SNRMin, s.SNRMax, s.SNRAvg,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert coverage bin: %w", err)
	}
	return nil
}

// CoverageFilter narrows QueryCoverageBins. Zero values are ignored.
type CoverageFilter struct {
	DayFrom   string
	DayTo     string
	DeviceID  int64
	SessionID int64
	GatewayID string
	// Bounding box in degrees; applied when MaxLat > MinLat.
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// QueryCoverageBins returns bins matching the filter, ordered by day then
// grid position.
func (db *DB) QueryCoverageBins(ctx context.Context, f CoverageFilter) ([]CoverageBin, error) {
	query := `
		SELECT id, device_id, session_id, gateway_id, day, lat_grid, lon_grid,
		       point_count, rssi_min, rssi_max, rssi_avg, snr_min, snr_max, snr_avg,
		       updated_at
		FROM coverage_bins
		WHERE 1=1`
	var args []any
	if f.DayFrom != "" {
		query += ` AND day >= ?`
		args = append(args, f.DayFrom)
	}
	if f.DayTo != "" {
		query += ` AND day <= ?`
		args = append(args, f.DayTo)
	}
	if f.DeviceID > 0 {
		query += ` AND device_id = ?`
		args = append(args, f.DeviceID)
	}
	if f.SessionID > 0 {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.GatewayID != "" {
		query += ` AND gateway_id = ?`
		args = append(args, f.GatewayID)
	}
	if f.MaxLat > f.MinLat {
		query += ` AND lat_grid >= ? AND lat_grid <= ? AND lon_grid >= ? AND lon_grid <= ?`
		args = append(args,
			geo.GridIndex(f.MinLat), geo.GridIndex(f.MaxLat),
			geo.GridIndex(f.MinLon), geo.GridIndex(f.MaxLon),
		)
	}
	query += ` ORDER BY day ASC, lat_grid ASC, lon_grid ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query coverage bins: %w", err)
	}
	defer rows.Close()

	var bins []CoverageBin
	for rows.Next() {
		var b CoverageBin
		err := rows.Scan(
			&b.ID, &b.DeviceID, &b.SessionID, &b.GatewayID, &b.Day, &b.LatGrid, &b.LonGrid,
			&b.PointCount, &b.RSSIMin, &b.RSSIMax, &b.RSSIAvg, &b.SNRMin, &b.SNRMax, &b.SNRAvg,
			&b.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan coverage bin: %w", err)
		}
		bins = append(bins, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating coverage bins: %w", err)
	}
	return bins, nil
}

// DeleteCoverageBins removes all bins for a device and day. Used by the
// one-shot recompute after backfills.
func (db *DB) DeleteCoverageBins(ctx context.Context, deviceID int64, day string) (int64, error) {
	result, err := db.ExecContext(ctx,
		`DELETE FROM coverage_bins WHERE device_id = ? AND day = ?`,
		deviceID, day,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete coverage bins: %w", err)
	}
	return result.RowsAffected()
}

// LoadCoverageCursor returns the persisted (ingested_at, id) aggregation
// cursor. A fresh database yields the zero cursor.
func (db *DB) LoadCoverageCursor(ctx context.Context) (ingestedAt float64, measurementID int64, err error) {
	err = db.QueryRowContext(ctx,
		`SELECT ingested_at_unix, measurement_id FROM coverage_cursor WHERE id = 1`,
	).Scan(&ingestedAt, &measurementID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load coverage cursor: %w", err)
	}
	return ingestedAt, measurementID, nil
}

// SaveCoverageCursor advances the persisted aggregation cursor. Called only
// after a batch's bin upserts complete, so a crash re-processes the batch
// rather than skipping it.
func (db *DB) SaveCoverageCursor(ctx context.Context, ingestedAt float64, measurementID int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE coverage_cursor
		SET ingested_at_unix = ?, measurement_id = ?, updated_at = UNIXEPOCH('subsec')
		WHERE id = 1`,
		ingestedAt, measurementID,
	)
	if err != nil {
		return fmt.Errorf("failed to save coverage cursor: %w", err)
	}
	return nil
}
