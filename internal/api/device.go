package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/coverage.report/internal/db"
	"github.com/banshee-data/coverage.report/internal/httputil"
)

func (s *Server) devicesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		includeArchived := r.URL.Query().Get("include_archived") == "true"
		devices, err := s.db.ListDevices(includeArchived)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to list devices: %v", err))
			return
		}
		if devices == nil {
			devices = []db.Device{}
		}
		httputil.WriteJSONOK(w, devices)
	case http.MethodPost:
		var d db.Device
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			httputil.BadRequest(w, "invalid JSON body")
			return
		}
		if d.DeviceUID == "" {
			httputil.BadRequest(w, "device_uid is required")
			return
		}
		if err := s.db.CreateDevice(&d); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to create device: %v", err))
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, d)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) deviceResource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		httputil.BadRequest(w, "invalid device id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		device, err := s.db.GetDevice(id)
		if errors.Is(err, db.ErrNotFound) {
			httputil.NotFound(w, "device not found")
			return
		}
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to get device: %v", err))
			return
		}
		httputil.WriteJSONOK(w, device)
	case http.MethodPatch:
		device, err := s.db.GetDevice(id)
		if errors.Is(err, db.ErrNotFound) {
			httputil.NotFound(w, "device not found")
			return
		}
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to get device: %v", err))
			return
		}
		if err := json.NewDecoder(r.Body).Decode(device); err != nil {
			httputil.BadRequest(w, "invalid JSON body")
			return
		}
		device.ID = id
		if err := s.db.UpdateDevice(device); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to update device: %v", err))
			return
		}
		httputil.WriteJSONOK(w, device)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) archiveDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	id, ok := pathID(r)
	if !ok {
		httputil.BadRequest(w, "invalid device id")
		return
	}
	if err := s.db.SetDeviceArchived(id, true); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			httputil.NotFound(w, "device not found")
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to archive device: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"archived": true})
}

// latestPosition is the agent's read path: the most recently captured
// measurement for a device.
func (s *Server) latestPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id, ok := pathID(r)
	if !ok {
		httputil.BadRequest(w, "invalid device id")
		return
	}
	m, err := s.db.LatestMeasurement(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, "no measurements for device")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to get latest position: %v", err))
		return
	}
	httputil.WriteJSONOK(w, m)
}

func (s *Server) autoSessionConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		httputil.BadRequest(w, "invalid device id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		config, err := s.db.GetAutoSessionConfig(id)
		if errors.Is(err, db.ErrNotFound) {
			// No config yet: report the disabled default rather than 404 so
			// the agent can poll unconditionally.
			httputil.WriteJSONOK(w, db.AutoSessionConfig{DeviceID: id})
			return
		}
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to get autosession config: %v", err))
			return
		}
		httputil.WriteJSONOK(w, config)
	case http.MethodPut:
		var config db.AutoSessionConfig
		if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
			httputil.BadRequest(w, "invalid JSON body")
			return
		}
		config.DeviceID = id
		if config.Enabled && (config.HomeLat == nil || config.HomeLon == nil || config.RadiusM <= 0) {
			httputil.BadRequest(w, "enabled config requires home_lat, home_lon and a positive radius_m")
			return
		}
		if err := s.db.PutAutoSessionConfig(&config); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to store autosession config: %v", err))
			return
		}
		httputil.WriteJSONOK(w, config)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id, ok := pathID(r)
	if !ok {
		httputil.BadRequest(w, "invalid device id")
		return
	}
	limit := parseIntQuery(r, "limit", 100)
	decisions, err := s.db.ListAgentDecisions(id, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list decisions: %v", err))
		return
	}
	if decisions == nil {
		decisions = []db.AgentDecision{}
	}
	httputil.WriteJSONOK(w, decisions)
}

// recordDecision appends an agent decision to the audit log.
func (s *Server) recordDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var d db.AgentDecision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	if d.DeviceID <= 0 || d.Decision == "" {
		httputil.BadRequest(w, "device_id and decision are required")
		return
	}
	if err := s.db.InsertAgentDecision(&d); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to record decision: %v", err))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, d)
}
