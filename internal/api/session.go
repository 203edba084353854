package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/banshee-data/coverage.report/internal/db"
	"github.com/banshee-data/coverage.report/internal/httputil"
)

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id, ok := pathID(r)
	if !ok {
		httputil.BadRequest(w, "invalid device id")
		return
	}
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	sessions, err := s.db.ListSessions(id, includeArchived)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

type startSessionRequest struct {
	Name string `json:"name"`
}

// startSession opens a recording session. Starting while one is already
// active returns the active session with 200 instead of 201; the operation
// is idempotent for the agent's sake.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	id, ok := pathID(r)
	if !ok {
		httputil.BadRequest(w, "invalid device id")
		return
	}
	var req startSessionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Name == "" {
		req.Name = "session"
	}

	session, created, err := s.db.StartSession(id, req.Name, db.UnixSeconds(time.Now()))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to start session: %v", err))
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, session)
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	id, ok := pathID(r)
	if !ok {
		httputil.BadRequest(w, "invalid device id")
		return
	}

	session, err := s.db.ActiveSession(id)
	if errors.Is(err, db.ErrNotFound) {
		// Stopping with nothing active is a no-op, mirroring start.
		httputil.WriteJSONOK(w, map[string]bool{"stopped": false})
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to find active session: %v", err))
		return
	}
	if err := s.db.EndSession(session.ID, db.UnixSeconds(time.Now())); err != nil && !errors.Is(err, db.ErrNotFound) {
		httputil.InternalServerError(w, fmt.Sprintf("failed to end session: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"stopped": true, "session_id": session.ID})
}

func (s *Server) sessionResource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		httputil.BadRequest(w, "invalid session id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		session, err := s.db.GetSession(id)
		if errors.Is(err, db.ErrNotFound) {
			httputil.NotFound(w, "session not found")
			return
		}
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to get session: %v", err))
			return
		}
		httputil.WriteJSONOK(w, session)
	case http.MethodDelete:
		if err := s.db.DeleteSession(id); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				httputil.NotFound(w, "session not found")
				return
			}
			httputil.InternalServerError(w, fmt.Sprintf("failed to delete session: %v", err))
			return
		}
		httputil.WriteJSONOK(w, map[string]bool{"deleted": true})
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) archiveSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	id, ok := pathID(r)
	if !ok {
		httputil.BadRequest(w, "invalid session id")
		return
	}
	if err := s.db.ArchiveSession(id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			httputil.NotFound(w, "session not found")
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to archive session: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"archived": true})
}
