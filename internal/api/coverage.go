package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/banshee-data/coverage.report/internal/db"
	"github.com/banshee-data/coverage.report/internal/httputil"
)

func parseIntQuery(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseFloatQuery(r *http.Request, name string) float64 {
	if v := r.URL.Query().Get(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return 0
}

// queryCoverage returns coverage bins filtered by day range, device,
// session, gateway and an optional bbox=minLat,minLon,maxLat,maxLon.
func (s *Server) queryCoverage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	filter := db.CoverageFilter{
		DayFrom:   r.URL.Query().Get("from"),
		DayTo:     r.URL.Query().Get("to"),
		DeviceID:  int64(parseIntQuery(r, "device", 0)),
		SessionID: int64(parseIntQuery(r, "session", 0)),
		GatewayID: r.URL.Query().Get("gateway"),
	}
	if bbox := r.URL.Query().Get("bbox"); bbox != "" {
		parts := strings.Split(bbox, ",")
		if len(parts) != 4 {
			httputil.BadRequest(w, "bbox must be minLat,minLon,maxLat,maxLon")
			return
		}
		coords := make([]float64, 4)
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				httputil.BadRequest(w, "bbox must be minLat,minLon,maxLat,maxLon")
				return
			}
			coords[i] = f
		}
		filter.MinLat, filter.MinLon, filter.MaxLat, filter.MaxLon = coords[0], coords[1], coords[2], coords[3]
		if filter.MaxLat <= filter.MinLat || filter.MaxLon <= filter.MinLon {
			httputil.BadRequest(w, "bbox max must exceed min")
			return
		}
	}

	bins, err := s.db.QueryCoverageBins(r.Context(), filter)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to query coverage: %v", err))
		return
	}
	if bins == nil {
		bins = []db.CoverageBin{}
	}
	httputil.WriteJSONOK(w, bins)
}

type recomputeRequest struct {
	DeviceID int64  `json:"device_id"`
	Day      string `json:"day"`
}

// recomputeCoverage rebuilds one device/day slice of bins from the
// measurement table, for use after backfills or ledger reprocessing.
func (s *Server) recomputeCoverage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req recomputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	if req.DeviceID <= 0 || req.Day == "" {
		httputil.BadRequest(w, "device_id and day are required")
		return
	}

	cells, err := s.agg.RecomputeDeviceDay(r.Context(), req.DeviceID, req.Day)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to recompute coverage: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]int{"cells": cells})
}

func (s *Server) listMeasurements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	filter := db.MeasurementFilter{
		DeviceID:  int64(parseIntQuery(r, "device", 0)),
		SessionID: int64(parseIntQuery(r, "session", 0)),
		From:      parseFloatQuery(r, "from"),
		To:        parseFloatQuery(r, "to"),
		Limit:     parseIntQuery(r, "limit", 0),
	}
	measurements, err := s.db.ListMeasurements(r.Context(), filter)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list measurements: %v", err))
		return
	}
	if measurements == nil {
		measurements = []db.Measurement{}
	}
	httputil.WriteJSONOK(w, measurements)
}
