package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/coverage.report/internal/aggregate"
	"github.com/banshee-data/coverage.report/internal/db"
)

func floatPtr(f float64) *float64 { return &f }

const testAPIKey = "test-key"

func setupTestServer(t *testing.T) (*Server, *db.DB) {
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
	return NewServer(database, aggregate.NewAggregator(database), testAPIKey), database
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-API-Key", testAPIKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with bearer token, got %d", rec.Code)
	}
}

func TestIngestLoRaWAN(t *testing.T) {
	s, database := setupTestServer(t)

	payload := `{
		"end_device_ids": {"dev_eui": "70B3D57ED0001234"},
		"correlation_ids": ["as:up:ABC123"],
		"uplink_message": {"decoded_payload": {"lat": 49.39, "lon": 11.19}}
	}`

	rec := doRequest(t, s, http.MethodPost, "/api/ingest/lorawan", payload)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ingestResponse
	decodeBody(t, rec, &resp)
	if resp.Duplicate {
		t.Error("first delivery must not be a duplicate")
	}

	// Redelivery dedups on the correlation id.
	rec = doRequest(t, s, http.MethodPost, "/api/ingest/lorawan", payload)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on redelivery, got %d", rec.Code)
	}
	var dup ingestResponse
	decodeBody(t, rec, &dup)
	if !dup.Duplicate {
		t.Error("redelivery should be reported as duplicate")
	}
	if dup.ID != resp.ID {
		t.Errorf("duplicate should reference original row %d, got %d", resp.ID, dup.ID)
	}

	pending, err := database.PendingRawEventCount(context.Background())
	if err != nil {
		t.Fatalf("PendingRawEventCount failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("expected 1 pending event, got %d", pending)
	}
}

func TestIngestRejectsBadPayloads(t *testing.T) {
	s, _ := setupTestServer(t)

	if rec := doRequest(t, s, http.MethodPost, "/api/ingest/lorawan", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty body, got %d", rec.Code)
	}
	if rec := doRequest(t, s, http.MethodPost, "/api/ingest/lorawan", "{not json"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid JSON, got %d", rec.Code)
	}
	if rec := doRequest(t, s, http.MethodGet, "/api/ingest/lorawan", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", rec.Code)
	}
}

func TestIngestMeshtasticIdempotencyKey(t *testing.T) {
	s, _ := setupTestServer(t)

	payload := `{"fromId": "!aa", "latitude": 1.0, "longitude": 2.0}`
	req1 := httptest.NewRequest(http.MethodPost, "/api/ingest/meshtastic", strings.NewReader(payload))
	req1.Header.Set("X-API-Key", testAPIKey)
	req1.Header.Set("X-Idempotency-Key", "bridge-77")
	rec1 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec1.Code)
	}

	// Same idempotency key, different body: still a duplicate.
	req2 := httptest.NewRequest(http.MethodPost, "/api/ingest/meshtastic", strings.NewReader(`{"fromId": "!aa", "latitude": 3.0, "longitude": 4.0}`))
	req2.Header.Set("X-API-Key", testAPIKey)
	req2.Header.Set("X-Idempotency-Key", "bridge-77")
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req2)
	var resp ingestResponse
	decodeBody(t, rec2, &resp)
	if !resp.Duplicate {
		t.Error("expected idempotency-key redelivery to dedup")
	}
}

func TestDeviceLifecycle(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/devices", `{"device_uid": "!cafe01", "name": "collar"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var device db.Device
	decodeBody(t, rec, &device)
	if device.ID == 0 {
		t.Fatal("expected device id assigned")
	}

	rec = doRequest(t, s, http.MethodPatch, "/api/devices/1", `{"name": "collar v2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var updated db.Device
	decodeBody(t, rec, &updated)
	if updated.Name != "collar v2" {
		t.Errorf("expected updated name, got %s", updated.Name)
	}
	if updated.DeviceUID != "!cafe01" {
		t.Errorf("PATCH must not clear unrelated fields, got uid %q", updated.DeviceUID)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/devices/1/archive", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/devices", "")
	var devices []db.Device
	decodeBody(t, rec, &devices)
	if len(devices) != 0 {
		t.Errorf("archived device should be hidden by default, got %d", len(devices))
	}

	rec = doRequest(t, s, http.MethodGet, "/api/devices?include_archived=true", "")
	decodeBody(t, rec, &devices)
	if len(devices) != 1 {
		t.Errorf("expected archived device with include_archived, got %d", len(devices))
	}

	if rec := doRequest(t, s, http.MethodGet, "/api/devices/999", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown device, got %d", rec.Code)
	}
}

func TestLatestPosition(t *testing.T) {
	s, database := setupTestServer(t)

	device, err := database.UpsertDeviceByUID("!aa", nil)
	if err != nil {
		t.Fatalf("UpsertDeviceByUID failed: %v", err)
	}
	if rec := doRequest(t, s, http.MethodGet, "/api/devices/1/position/latest", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before measurements, got %d", rec.Code)
	}

	now := db.UnixSeconds(time.Now())
	for _, offset := range []float64{0, 30, 10} {
		_, err := database.InsertMeasurement(context.Background(), db.NewMeasurement{
			DeviceUID:  "!aa",
			CapturedAt: now + offset,
			Lat:        49.0 + offset,
			Lon:        11.0,
		})
		if err != nil {
			t.Fatalf("InsertMeasurement failed: %v", err)
		}
	}

	rec := doRequest(t, s, http.MethodGet, "/api/devices/1/position/latest", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var m db.Measurement
	decodeBody(t, rec, &m)
	if m.DeviceID != device.ID {
		t.Errorf("unexpected device id %d", m.DeviceID)
	}
	// The +30 point has the latest capture time even though it was not
	// inserted last.
	if m.Lat != 79.0 {
		t.Errorf("expected latest captured point, got lat %f", m.Lat)
	}
}

func TestAutoSessionConfigEndpoint(t *testing.T) {
	s, database := setupTestServer(t)

	if _, err := database.UpsertDeviceByUID("!aa", nil); err != nil {
		t.Fatalf("UpsertDeviceByUID failed: %v", err)
	}

	// No config yet: a disabled default, not a 404.
	rec := doRequest(t, s, http.MethodGet, "/api/devices/1/autosession", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var config db.AutoSessionConfig
	decodeBody(t, rec, &config)
	if config.Enabled {
		t.Error("default config must be disabled")
	}

	rec = doRequest(t, s, http.MethodPut, "/api/devices/1/autosession",
		`{"enabled": true, "home_lat": 49.39, "home_lon": 11.19, "radius_m": 100, "min_outside_s": 30, "min_inside_s": 60}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodPut, "/api/devices/1/autosession", `{"enabled": true, "radius_m": 100}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for enabled config without home, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/devices/1/autosession", "")
	decodeBody(t, rec, &config)
	if !config.Enabled || config.RadiusM != 100 {
		t.Errorf("unexpected stored config: %+v", config)
	}
}

func TestSessionEndpoints(t *testing.T) {
	s, database := setupTestServer(t)

	if _, err := database.UpsertDeviceByUID("!aa", nil); err != nil {
		t.Fatalf("UpsertDeviceByUID failed: %v", err)
	}

	rec := doRequest(t, s, http.MethodPost, "/api/devices/1/sessions/start", `{"name": "walk"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var session db.Session
	decodeBody(t, rec, &session)

	// Starting again returns the active session with 200.
	rec = doRequest(t, s, http.MethodPost, "/api/devices/1/sessions/start", `{"name": "walk"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat start, got %d", rec.Code)
	}
	var repeat db.Session
	decodeBody(t, rec, &repeat)
	if repeat.ID != session.ID {
		t.Errorf("expected same session %d, got %d", session.ID, repeat.ID)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/devices/1/sessions/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// Stop with nothing active is a no-op.
	rec = doRequest(t, s, http.MethodPost, "/api/devices/1/sessions/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on idle stop, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/sessions/1/archive", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodDelete, "/api/sessions/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := doRequest(t, s, http.MethodGet, "/api/sessions/1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestAgentDecisionEndpoint(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/agent/decisions",
		`{"device_id": 1, "decision": "start", "reason": "outside home for 31s", "inside": false, "distance_m": 1200.5}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/api/devices/1/decisions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var decisions []db.AgentDecision
	decodeBody(t, rec, &decisions)
	if len(decisions) != 1 || decisions[0].Decision != "start" {
		t.Errorf("unexpected decisions: %+v", decisions)
	}

	if rec := doRequest(t, s, http.MethodPost, "/api/agent/decisions", `{"decision": "start"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without device_id, got %d", rec.Code)
	}
}

func TestCoverageEndpoints(t *testing.T) {
	s, database := setupTestServer(t)

	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := database.InsertMeasurement(context.Background(), db.NewMeasurement{
			DeviceUID:  "!aa",
			CapturedAt: db.UnixSeconds(now.Add(time.Duration(i) * time.Second)),
			Lat:        49.39591,
			Lon:        11.19234,
			RSSI:       floatPtr(-90 - float64(i)),
		})
		if err != nil {
			t.Fatalf("InsertMeasurement failed: %v", err)
		}
	}

	rec := doRequest(t, s, http.MethodPost, "/api/coverage/recompute", `{"device_id": 1, "day": "2026-03-14"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/api/coverage?device=1&from=2026-03-14&to=2026-03-14", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var bins []db.CoverageBin
	decodeBody(t, rec, &bins)
	if len(bins) != 1 {
		t.Fatalf("expected 1 bin, got %d", len(bins))
	}
	if bins[0].PointCount != 3 {
		t.Errorf("expected 3 points, got %d", bins[0].PointCount)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/coverage?bbox=49.0,11.0,50.0,12.0", "")
	decodeBody(t, rec, &bins)
	if len(bins) != 1 {
		t.Errorf("expected bbox to include the bin, got %d", len(bins))
	}

	rec = doRequest(t, s, http.MethodGet, "/api/coverage?bbox=50.0,11.0,51.0,12.0", "")
	decodeBody(t, rec, &bins)
	if len(bins) != 0 {
		t.Errorf("expected bbox to exclude the bin, got %d", len(bins))
	}

	if rec := doRequest(t, s, http.MethodGet, "/api/coverage?bbox=junk", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed bbox, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/measurements?device=1&limit=2", "")
	var measurements []db.Measurement
	decodeBody(t, rec, &measurements)
	if len(measurements) != 2 {
		t.Errorf("expected limit to apply, got %d", len(measurements))
	}
}

func TestReprocessEndpoint(t *testing.T) {
	s, database := setupTestServer(t)
	ctx := context.Background()

	// A processed event with an error comes back to pending after reset.
	id, _, err := database.InsertRawEvent(ctx, db.SourceLoRaWANUplink, "k1", `{"x": 1}`)
	if err != nil {
		t.Fatalf("InsertRawEvent failed: %v", err)
	}
	msg := "missing_gps"
	if err := database.MarkRawEventProcessed(ctx, id, db.UnixSeconds(time.Now()), &msg); err != nil {
		t.Fatalf("MarkRawEventProcessed failed: %v", err)
	}

	rec := doRequest(t, s, http.MethodPost, "/api/rawevents/reprocess", `{"error_contains": "missing_gps"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]int64
	decodeBody(t, rec, &resp)
	if resp["reset"] != 1 {
		t.Errorf("expected 1 row reset, got %d", resp["reset"])
	}

	pending, err := database.PendingRawEventCount(ctx)
	if err != nil {
		t.Fatalf("PendingRawEventCount failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("expected reset row pending, got %d", pending)
	}

	if rec := doRequest(t, s, http.MethodPost, "/api/rawevents/reprocess", `{"source": "bogus"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown source, got %d", rec.Code)
	}
}
