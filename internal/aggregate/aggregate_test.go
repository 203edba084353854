package aggregate

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/banshee-data/coverage.report/internal/db"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	fname := t.Name() + ".db"
	_ = os.Remove(fname)

	database, err := db.NewDB(fname)
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
		_ = os.Remove(fname)
		_ = os.Remove(fname + "-shm")
		_ = os.Remove(fname + "-wal")
	})
	return database
}

func floatPtr(f float64) *float64 { return &f }
func strPtr(s string) *string     { return &s }

func capturedAt(t *testing.T, value string) float64 {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("bad timestamp %q: %v", value, err)
	}
	return db.UnixSeconds(ts)
}

func insertPoint(t *testing.T, database *db.DB, uid string, at float64, lat, lon float64, rssi *float64, gateway *string) *db.Measurement {
	t.Helper()
	m, err := database.InsertMeasurement(context.Background(), db.NewMeasurement{
		DeviceUID:  uid,
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

func TestAggregatorBuildsBins(t *testing.T) {
	database := setupTestDB(t)
	agg := NewAggregator(database)
	ctx := context.Background()

	at := capturedAt(t, "2026-03-14T10:00:00Z")
	// Two points in the same cell, one in a neighbouring cell.
	insertPoint(t, database, "dev-1", at, 49.39591, 11.19234, floatPtr(-90), strPtr("gw-1"))
	insertPoint(t, database, "dev-1", at+10, 49.39599, 11.19299, floatPtr(-100), strPtr("gw-1"))
	insertPoint(t, database, "dev-1", at+20, 49.39710, 11.19234, floatPtr(-80), strPtr("gw-1"))

	n, err := agg.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 measurements consumed, got %d", n)
	}

	device, err := database.GetDeviceByUID("dev-1")
	if err != nil {
		t.Fatalf("GetDeviceByUID failed: %v", err)
	}
	bins, err := database.QueryCoverageBins(ctx, db.CoverageFilter{DeviceID: device.ID})
	if err != nil {
		t.Fatalf("QueryCoverageBins failed: %v", err)
	}
	// Two cells, each with a gateway-exact bin and a device rollup bin.
	if len(bins) != 4 {
		t.Fatalf("expected 4 bins, got %d", len(bins))
	}

	var dense *db.CoverageBin
	for i := range bins {
		b := &bins[i]
		if b.LatGrid == 49395 && b.GatewayID != nil {
			dense = b
		}
	}
	if dense == nil {
		t.Fatal("expected gateway bin for cell 49395")
	}
	if dense.PointCount != 2 {
		t.Errorf("expected 2 points in dense cell, got %d", dense.PointCount)
	}
	if dense.RSSIMin == nil || *dense.RSSIMin != -100 {
		t.Errorf("unexpected rssi min: %v", dense.RSSIMin)
	}
	if dense.RSSIMax == nil || *dense.RSSIMax != -90 {
		t.Errorf("unexpected rssi max: %v", dense.RSSIMax)
	}
	if dense.RSSIAvg == nil || *dense.RSSIAvg != -95 {
		t.Errorf("unexpected rssi avg: %v", dense.RSSIAvg)
	}
}

func TestAggregatorCursorAdvances(t *testing.T) {
	database := setupTestDB(t)
	agg := NewAggregator(database)
	ctx := context.Background()

	at := capturedAt(t, "2026-03-14T10:00:00Z")
	insertPoint(t, database, "dev-1", at, 49.39591, 11.19234, floatPtr(-90), nil)

	if n, err := agg.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("first run: n=%d err=%v", n, err)
	}
	// Nothing new: the cursor sits past the only measurement.
	if n, err := agg.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("second run: n=%d err=%v", n, err)
	}

	insertPoint(t, database, "dev-1", at+5, 49.39592, 11.19235, floatPtr(-110), nil)
	if n, err := agg.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("third run: n=%d err=%v", n, err)
	}

	device, _ := database.GetDeviceByUID("dev-1")
	bins, err := database.QueryCoverageBins(ctx, db.CoverageFilter{DeviceID: device.ID})
	if err != nil {
		t.Fatalf("QueryCoverageBins failed: %v", err)
	}
	if len(bins) != 1 {
		t.Fatalf("expected 1 rollup bin, got %d", len(bins))
	}
	if bins[0].PointCount != 2 {
		t.Errorf("expected recompute to see both points, got %d", bins[0].PointCount)
	}
	if bins[0].RSSIMin == nil || *bins[0].RSSIMin != -110 {
		t.Errorf("unexpected rssi min after second point: %v", bins[0].RSSIMin)
	}
}

func TestAggregatorReprocessingIsIdempotent(t *testing.T) {
	database := setupTestDB(t)
	agg := NewAggregator(database)
	ctx := context.Background()

	at := capturedAt(t, "2026-03-14T10:00:00Z")
	insertPoint(t, database, "dev-1", at, 49.39591, 11.19234, floatPtr(-90), nil)
	insertPoint(t, database, "dev-1", at+1, 49.39592, 11.19235, floatPtr(-94), nil)

	if _, err := agg.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	// Simulate a crash before the cursor advanced: rewind and rerun.
	if err := database.SaveCoverageCursor(ctx, 0, 0); err != nil {
		t.Fatalf("SaveCoverageCursor failed: %v", err)
	}
	if _, err := agg.RunOnce(ctx); err != nil {
		t.Fatalf("rerun failed: %v", err)
	}

	device, _ := database.GetDeviceByUID("dev-1")
	bins, err := database.QueryCoverageBins(ctx, db.CoverageFilter{DeviceID: device.ID})
	if err != nil {
		t.Fatalf("QueryCoverageBins failed: %v", err)
	}
	if len(bins) != 1 {
		t.Fatalf("expected 1 bin, got %d", len(bins))
	}
	if bins[0].PointCount != 2 {
		t.Errorf("expected point count 2 after reprocess, got %d", bins[0].PointCount)
	}
}

func TestAggregatorSessionAndRollupBins(t *testing.T) {
	database := setupTestDB(t)
	agg := NewAggregator(database)
	ctx := context.Background()

	device, err := database.UpsertDeviceByUID("dev-1", nil)
	if err != nil {
		t.Fatalf("UpsertDeviceByUID failed: %v", err)
	}
	at := capturedAt(t, "2026-03-14T10:00:00Z")
	session, _, err := database.StartSession(device.ID, "walk", at)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	// Active session attaches automatically on insert.
	insertPoint(t, database, "dev-1", at+1, 49.39591, 11.19234, floatPtr(-90), strPtr("gw-1"))

	if _, err := agg.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	bins, err := database.QueryCoverageBins(ctx, db.CoverageFilter{DeviceID: device.ID})
	if err != nil {
		t.Fatalf("QueryCoverageBins failed: %v", err)
	}
	if len(bins) != 2 {
		t.Fatalf("expected exact and rollup bins, got %d", len(bins))
	}

	var exact, rollup int
	for _, b := range bins {
		if b.SessionID != nil && *b.SessionID == session.ID && b.GatewayID != nil {
			exact++
		}
		if b.SessionID == nil && b.GatewayID == nil {
			rollup++
		}
	}
	if exact != 1 || rollup != 1 {
		t.Errorf("expected 1 exact and 1 rollup bin, got exact=%d rollup=%d", exact, rollup)
	}
}

func TestRecomputeDeviceDay(t *testing.T) {
	database := setupTestDB(t)
	agg := NewAggregator(database)
	ctx := context.Background()

	at := capturedAt(t, "2026-03-14T10:00:00Z")
	m := insertPoint(t, database, "dev-1", at, 49.39591, 11.19234, floatPtr(-90), nil)
	insertPoint(t, database, "dev-1", at+30, 49.39592, 11.19235, floatPtr(-96), nil)

	if _, err := agg.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	// Drop one underlying measurement behind the aggregator's back, then
	// recompute the day.
	if _, err := database.Exec(`DELETE FROM measurements WHERE id = ?`, m.ID); err != nil {
		t.Fatalf("failed to delete measurement: %v", err)
	}
	cells, err := agg.RecomputeDeviceDay(ctx, m.DeviceID, "2026-03-14")
	if err != nil {
		t.Fatalf("RecomputeDeviceDay failed: %v", err)
	}
	if cells == 0 {
		t.Fatal("expected at least one recomputed cell")
	}

	bins, err := database.QueryCoverageBins(ctx, db.CoverageFilter{DeviceID: m.DeviceID})
	if err != nil {
		t.Fatalf("QueryCoverageBins failed: %v", err)
	}
	if len(bins) != 1 {
		t.Fatalf("expected 1 bin, got %d", len(bins))
	}
	if bins[0].PointCount != 1 {
		t.Errorf("expected point count 1 after recompute, got %d", bins[0].PointCount)
	}
	if bins[0].RSSIMin == nil || *bins[0].RSSIMin != -96 {
		t.Errorf("unexpected rssi after recompute: %v", bins[0].RSSIMin)
	}
}

func TestRecomputeDeviceDayRemovesEmptyBins(t *testing.T) {
	database := setupTestDB(t)
	agg := NewAggregator(database)
	ctx := context.Background()

	at := capturedAt(t, "2026-03-14T10:00:00Z")
	m := insertPoint(t, database, "dev-1", at, 49.39591, 11.19234, floatPtr(-90), nil)

	if _, err := agg.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if _, err := database.Exec(`DELETE FROM measurements WHERE id = ?`, m.ID); err != nil {
		t.Fatalf("failed to delete measurement: %v", err)
	}
	if _, err := agg.RecomputeDeviceDay(ctx, m.DeviceID, "2026-03-14"); err != nil {
		t.Fatalf("RecomputeDeviceDay failed: %v", err)
	}

	bins, err := database.QueryCoverageBins(ctx, db.CoverageFilter{DeviceID: m.DeviceID})
	if err != nil {
		t.Fatalf("QueryCoverageBins failed: %v", err)
	}
	if len(bins) != 0 {
		t.Errorf("expected no bins for an empty day, got %d", len(bins))
	}
}
