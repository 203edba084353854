package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/banshee-data/coverage.report/internal/db"
	"github.com/banshee-data/coverage.report/internal/httputil"
	"github.com/banshee-data/coverage.report/internal/ingest"
)

// maxIngestBody caps inbound payload size at 1 MiB.
const maxIngestBody = 1 << 20

type ingestResponse struct {
	ID        int64 `json:"id"`
	Duplicate bool  `json:"duplicate"`
}

// ingestLoRaWAN accepts a network-server uplink webhook. The payload is
// checked for structural validity, keyed, and written to the ledger; the
// normalization worker does the rest asynchronously. Duplicate deliveries
// return 202 like the first one.
func (s *Server) ingestLoRaWAN(w http.ResponseWriter, r *http.Request) {
	s.ingestPayload(w, r, db.SourceLoRaWANUplink, ingest.LoRaWANDedupKey)
}

// ingestMeshtastic accepts a mesh bridge event, honoring X-Idempotency-Key.
func (s *Server) ingestMeshtastic(w http.ResponseWriter, r *http.Request) {
	s.ingestPayload(w, r, db.SourceMeshtasticEvent, ingest.MeshtasticDedupKey)
}

func (s *Server) ingestPayload(w http.ResponseWriter, r *http.Request, source db.RawEventSource, keyFunc func([]byte, string) string) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		httputil.BadRequest(w, "failed to read request body")
		return
	}
	if len(payload) == 0 {
		httputil.BadRequest(w, "empty payload")
		return
	}
	if !json.Valid(payload) {
		httputil.BadRequest(w, "payload is not valid JSON")
		return
	}

	dedupKey := keyFunc(payload, r.Header.Get("X-Idempotency-Key"))
	id, inserted, err := s.db.InsertRawEvent(r.Context(), source, dedupKey, string(payload))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to record event: %v", err))
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, ingestResponse{ID: id, Duplicate: !inserted})
}

type reprocessRequest struct {
	Source        string  `json:"source"`
	ErrorContains string  `json:"error_contains"`
	Since         float64 `json:"since"`
}

// reprocessRawEvents clears the processed state of matching ledger rows so
// the worker picks them up again, typically after a normalizer fix.
func (s *Server) reprocessRawEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req reprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	if req.Source != "" && !db.ValidSource(db.RawEventSource(req.Source)) {
		httputil.BadRequest(w, fmt.Sprintf("unknown source %q", req.Source))
		return
	}

	reset, err := s.db.ResetRawEvents(r.Context(), db.RawEventResetFilter{
		Source:        db.RawEventSource(req.Source),
		ErrorContains: req.ErrorContains,
		Since:         req.Since,
	})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to reset events: %v", err))
		return
	}

	httputil.WriteJSONOK(w, map[string]int64{"reset": reset})
}
