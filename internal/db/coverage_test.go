package db

import (
	"context"
	"testing"

	"github.com/banshee-data/coverage.report/internal/geo"
)

func insertCoveragePoint(t *testing.T, db *DB, at, lat, lon float64, rssi *float64, gateway *string) *Measurement {
	t.Helper()
	m, err := db.InsertMeasurement(context.Background(), NewMeasurement{
		DeviceUID:  "!aa",
		CapturedAt: at,
		Lat:        lat,
		Lon:        lon,
		RSSI:       rssi,
		GatewayID:  gateway,
	})
	if err != nil {
		t.Fatalf("InsertMeasurement failed: %v", err)
	}
	return m
}

// noon on 2026-03-14 in unix seconds
const day = "2026-03-14"
const dayNoon = 1773489600.0

func TestAggregateCell(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	m := insertCoveragePoint(t, db, dayNoon, 49.39591, 11.19234, floatPtr(-90), strPtr("gw-1"))
	insertCoveragePoint(t, db, dayNoon+10, 49.39592, 11.19235, floatPtr(-100), strPtr("gw-2"))
	// A point in another cell stays out of the aggregate.
	insertCoveragePoint(t, db, dayNoon+20, 49.40000, 11.19234, floatPtr(-60), strPtr("gw-1"))

	key := BinKey{
		DeviceID: m.DeviceID,
		Day:      day,
		LatGrid:  geo.GridIndex(49.39591),
		LonGrid:  geo.GridIndex(11.19234),
	}
	stats, err := db.AggregateCell(ctx, key)
	if err != nil {
		t.Fatalf("AggregateCell failed: %v", err)
	}
	if stats.PointCount != 2 {
		t.Fatalf("expected 2 points in cell, got %d", stats.PointCount)
	}
	if *stats.RSSIMin != -100 || *stats.RSSIMax != -90 || *stats.RSSIAvg != -95 {
		t.Errorf("unexpected rssi stats: %+v", stats)
	}
	if stats.SNRMin != nil {
		t.Errorf("expected nil snr stats with no snr values, got %+v", stats.SNRMin)
	}

	// Scoping to one gateway narrows the aggregate.
	gw := "gw-1"
	key.GatewayID = &gw
	stats, err = db.AggregateCell(ctx, key)
	if err != nil {
		t.Fatalf("AggregateCell failed: %v", err)
	}
	if stats.PointCount != 1 || *stats.RSSIMin != -90 {
		t.Errorf("unexpected gateway-scoped stats: %+v", stats)
	}
}

func TestUpsertCoverageBinSentinelKeys(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	m := insertCoveragePoint(t, db, dayNoon, 49.39591, 11.19234, floatPtr(-90), nil)
	key := BinKey{
		DeviceID: m.DeviceID,
		Day:      day,
		LatGrid:  geo.GridIndex(49.39591),
		LonGrid:  geo.GridIndex(11.19234),
	}

	// Upserting the same NULL-keyed rollup twice must update in place, not
	// accumulate a second row.
	stats, err := db.AggregateCell(ctx, key)
	if err != nil {
		t.Fatalf("AggregateCell failed: %v", err)
	}
	if err := db.UpsertCoverageBin(ctx, key, stats); err != nil {
		t.Fatalf("UpsertCoverageBin failed: %v", err)
	}
	insertCoveragePoint(t, db, dayNoon+5, 49.39592, 11.19235, floatPtr(-96), nil)
	stats, err = db.AggregateCell(ctx, key)
	if err != nil {
		t.Fatalf("AggregateCell failed: %v", err)
	}
	if err := db.UpsertCoverageBin(ctx, key, stats); err != nil {
		t.Fatalf("UpsertCoverageBin failed: %v", err)
	}

	bins, err := db.QueryCoverageBins(ctx, CoverageFilter{DeviceID: m.DeviceID})
	if err != nil {
		t.Fatalf("QueryCoverageBins failed: %v", err)
	}
	if len(bins) != 1 {
		t.Fatalf("expected 1 bin, got %d", len(bins))
	}
	if bins[0].PointCount != 2 {
		t.Errorf("expected updated point count 2, got %d", bins[0].PointCount)
	}
	if bins[0].SessionID != nil || bins[0].GatewayID != nil {
		t.Errorf("rollup bin must keep NULL key components, got %+v", bins[0])
	}
}

func TestUpsertCoverageBinDeletesEmpty(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	m := insertCoveragePoint(t, db, dayNoon, 49.39591, 11.19234, floatPtr(-90), nil)
	key := BinKey{
		DeviceID: m.DeviceID,
		Day:      day,
		LatGrid:  geo.GridIndex(49.39591),
		LonGrid:  geo.GridIndex(11.19234),
	}
	stats, err := db.AggregateCell(ctx, key)
	if err != nil {
		t.Fatalf("AggregateCell failed: %v", err)
	}
	if err := db.UpsertCoverageBin(ctx, key, stats); err != nil {
		t.Fatalf("UpsertCoverageBin failed: %v", err)
	}

	if _, err := db.Exec(`DELETE FROM measurements WHERE id = ?`, m.ID); err != nil {
		t.Fatalf("failed to delete measurement: %v", err)
	}
	stats, err = db.AggregateCell(ctx, key)
	if err != nil {
		t.Fatalf("AggregateCell failed: %v", err)
	}
	if stats.PointCount != 0 {
		t.Fatalf("expected empty recompute, got %d", stats.PointCount)
	}
	if err := db.UpsertCoverageBin(ctx, key, stats); err != nil {
		t.Fatalf("UpsertCoverageBin failed: %v", err)
	}

	bins, err := db.QueryCoverageBins(ctx, CoverageFilter{DeviceID: m.DeviceID})
	if err != nil {
		t.Fatalf("QueryCoverageBins failed: %v", err)
	}
	if len(bins) != 0 {
		t.Errorf("expected empty bin deleted, got %d", len(bins))
	}
}

func TestCoverageCursorRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)
	ctx := context.Background()

	at, id, err := db.LoadCoverageCursor(ctx)
	if err != nil {
		t.Fatalf("LoadCoverageCursor failed: %v", err)
	}
	if at != 0 || id != 0 {
		t.Errorf("expected zero cursor on a fresh database, got %f/%d", at, id)
	}

	if err := db.SaveCoverageCursor(ctx, 1234.5, 42); err != nil {
		t.Fatalf("SaveCoverageCursor failed: %v", err)
	}
	at, id, err = db.LoadCoverageCursor(ctx)
	if err != nil {
		t.Fatalf("LoadCoverageCursor failed: %v", err)
	}
	if at != 1234.5 || id != 42 {
		t.Errorf("unexpected cursor: %f/%d", at, id)
	}
}
