// Package aggregate maintains the coverage-bin rollups: a continuous loop
// that follows the measurement stream through a persisted cursor, and a
// one-shot recompute for repairing a device/day after backfills.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/coverage.report/internal/db"
	"github.com/banshee-data/coverage.report/internal/geo"
	"github.com/banshee-data/coverage.report/internal/monitoring"
	"github.com/banshee-data/coverage.report/internal/timeutil"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 500
)

// Aggregator consumes measurements in ingestion order and recomputes every
// coverage bin a batch touches. Bins are recomputed from the measurement
// table, never incremented, so reprocessing a batch after a crash converges
// on the same values.
type Aggregator struct {
	DB        *db.DB
	Interval  time.Duration
	BatchSize int
	Clock     timeutil.Clock
	StopChan  chan struct{}
}

func NewAggregator(database *db.DB) *Aggregator {
	return &Aggregator{
		DB:        database,
		Interval:  DefaultInterval,
		BatchSize: DefaultBatchSize,
		Clock:     timeutil.RealClock{},
		StopChan:  make(chan struct{}),
	}
}

// Start runs the periodic aggregation loop in a goroutine.
func (a *Aggregator) Start() {
	go func() {
		ticker := a.Clock.NewTicker(a.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				if _, err := a.RunOnce(context.Background()); err != nil {
					monitoring.Logf("coverage aggregator run error: %v", err)
				}
			case <-a.StopChan:
				return
			}
		}
	}()
}

// Stop requests the aggregator to stop.
func (a *Aggregator) Stop() {
	close(a.StopChan)
}

// RunOnce processes one batch past the cursor and returns the number of
// measurements consumed. The cursor only advances after every touched bin
// has been recomputed and stored.
func (a *Aggregator) RunOnce(ctx context.Context) (int, error) {
	cursorAt, cursorID, err := a.DB.LoadCoverageCursor(ctx)
	if err != nil {
		return 0, err
	}

	measurements, err := a.DB.MeasurementsAfter(ctx, cursorAt, cursorID, a.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read measurements past cursor: %w", err)
	}
	if len(measurements) == 0 {
		return 0, nil
	}

	keys := discoverKeys(measurements)
	if err := a.recomputeKeys(ctx, keys); err != nil {
		return 0, err
	}

	last := measurements[len(measurements)-1]
	if err := a.DB.SaveCoverageCursor(ctx, last.IngestedAt, last.ID); err != nil {
		return 0, err
	}
	return len(measurements), nil
}

// RecomputeDeviceDay rebuilds every bin for one device and UTC day from
// scratch: existing bins are dropped, then each cell any measurement of
// that day touches is recomputed. Used after raw-event resets and bulk
// backfills.
func (a *Aggregator) RecomputeDeviceDay(ctx context.Context, deviceID int64, day string) (int, error) {
	dayStart, dayEnd, ok := geo.DayBounds(day)
	if !ok {
		return 0, fmt.Errorf("invalid day %q", day)
	}

	if _, err := a.DB.DeleteCoverageBins(ctx, deviceID, day); err != nil {
		return 0, err
	}

	measurements, err := a.DB.ListMeasurements(ctx, db.MeasurementFilter{
		DeviceID: deviceID,
		From:     dayStart,
		To:       dayEnd,
		Limit:    1 << 30,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list measurements for recompute: %w", err)
	}

	keys := discoverKeys(measurements)
	if err := a.recomputeKeys(ctx, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// discoverKeys returns the distinct bin keys a set of measurements touches.
// Each measurement contributes its exact key and the device-level rollup
// key (all sessions, all gateways) for the same cell.
func discoverKeys(measurements []db.Measurement) []db.BinKey {
	seen := make(map[string]db.BinKey)
	for i := range measurements {
		m := &measurements[i]
		day := geo.UTCDay(time.Unix(0, int64(m.CapturedAt*1e9)).UTC())
		latGrid := geo.GridIndex(m.Lat)
		lonGrid := geo.GridIndex(m.Lon)

		exact := db.BinKey{
			DeviceID:  m.DeviceID,
			SessionID: m.SessionID,
			GatewayID: m.GatewayID,
			Day:       day,
			LatGrid:   latGrid,
			LonGrid:   lonGrid,
		}
		rollup := db.BinKey{
			DeviceID: m.DeviceID,
			Day:      day,
			LatGrid:  latGrid,
			LonGrid:  lonGrid,
		}
		seen[fingerprint(exact)] = exact
		seen[fingerprint(rollup)] = rollup
	}

	keys := make([]db.BinKey, 0, len(seen))
	for _, k := range seen {
		keys = append(keys, k)
	}
	return keys
}

func fingerprint(k db.BinKey) string {
	session := ""
	if k.SessionID != nil {
		session = fmt.Sprintf("%d", *k.SessionID)
	}
	gateway := ""
	if k.GatewayID != nil {
		gateway = *k.GatewayID
	}
	return fmt.Sprintf("%d|%s|%s|%s|%d|%d", k.DeviceID, session, gateway, k.Day, k.LatGrid, k.LonGrid)
}

func (a *Aggregator) recomputeKeys(ctx context.Context, keys []db.BinKey) error {
	for _, k := range keys {
		stats, err := a.DB.AggregateCell(ctx, k)
		if err != nil {
			return err
		}
		if err := a.DB.UpsertCoverageBin(ctx, k, stats); err != nil {
			return err
		}
	}
	return nil
}
