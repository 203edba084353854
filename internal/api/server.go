// Package api exposes the HTTP surface: ingest endpoints for the radio
// bridges, device and session management, the agent boundary, and the
// coverage query/repair endpoints.
package api

import (
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/coverage.report/internal/aggregate"
	"github.com/banshee-data/coverage.report/internal/db"
	"github.com/banshee-data/coverage.report/internal/httputil"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	db     *db.DB
	agg    *aggregate.Aggregator
	apiKey string
}

// NewServer builds the API server. An empty apiKey disables authentication,
// for local development only.
func NewServer(database *db.DB, agg *aggregate.Aggregator, apiKey string) *Server {
	return &Server{
		db:     database,
		agg:    agg,
		apiKey: apiKey,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// AuthMiddleware checks the API key on every request, accepting either an
// X-API-Key header or an Authorization bearer token.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if key != s.apiKey {
				httputil.Unauthorized(w)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/ingest/lorawan", s.ingestLoRaWAN)
	mux.HandleFunc("/api/ingest/meshtastic", s.ingestMeshtastic)

	mux.HandleFunc("/api/devices", s.devicesCollection)
	mux.HandleFunc("/api/devices/{id}", s.deviceResource)
	mux.HandleFunc("/api/devices/{id}/archive", s.archiveDevice)
	mux.HandleFunc("/api/devices/{id}/position/latest", s.latestPosition)
	mux.HandleFunc("/api/devices/{id}/autosession", s.autoSessionConfig)
	mux.HandleFunc("/api/devices/{id}/sessions", s.listSessions)
	mux.HandleFunc("/api/devices/{id}/sessions/start", s.startSession)
	mux.HandleFunc("/api/devices/{id}/sessions/stop", s.stopSession)
	mux.HandleFunc("/api/devices/{id}/decisions", s.listDecisions)
	mux.HandleFunc("/api/sessions/{id}", s.sessionResource)
	mux.HandleFunc("/api/sessions/{id}/archive", s.archiveSession)

	mux.HandleFunc("/api/agent/decisions", s.recordDecision)

	mux.HandleFunc("/api/coverage", s.queryCoverage)
	mux.HandleFunc("/api/coverage/recompute", s.recomputeCoverage)
	mux.HandleFunc("/api/measurements", s.listMeasurements)
	mux.HandleFunc("/api/rawevents/reprocess", s.reprocessRawEvents)

	return mux
}

// Handler wraps the mux with auth and logging.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.AuthMiddleware(s.ServeMux()))
}

// pathID parses the {id} path segment.
func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}
