// Package agent implements the home-geofence session agent: it watches a
// set of devices through the HTTP API and starts or stops recording
// sessions when a device has dwelt outside or inside its home circle long
// enough.
package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/banshee-data/coverage.report/internal/db"
	"github.com/banshee-data/coverage.report/internal/geo"
	"github.com/banshee-data/coverage.report/internal/httputil"
	"github.com/banshee-data/coverage.report/internal/monitoring"
	"github.com/banshee-data/coverage.report/internal/timeutil"
)

const (
	DefaultInterval  = 10 * time.Second
	DefaultStaleness = 60 * time.Second
)

// State is a device's geofence state as the agent sees it.
type State string

const (
	StateUnknown  State = "unknown"
	StateInside   State = "inside"
	StateOutside  State = "outside"
	StateStale    State = "stale"
	StateDisabled State = "disabled"
)

// deviceState tracks one device between ticks. fired records whether the
// dwell action for the current state already ran, so a satisfied dwell
// fires exactly once per state change.
type deviceState struct {
	state State
	since time.Time
	fired bool
}

// Agent polls each watched device's geofence config and latest position
// and drives the session lifecycle. Dwell state lives in memory: each
// device is expected to be watched by a single agent instance, and the
// decision log on the server keeps the history.
type Agent struct {
	Client    httputil.HTTPClient
	BaseURL   string
	APIKey    string
	Devices   []int64
	Interval  time.Duration
	Staleness time.Duration
	Clock     timeutil.Clock
	StopChan  chan struct{}

	states map[int64]*deviceState
}

func NewAgent(baseURL, apiKey string, devices []int64) *Agent {
	return &Agent{
		Client:    httputil.NewStandardClient(nil),
		BaseURL:   baseURL,
		APIKey:    apiKey,
		Devices:   devices,
		Interval:  DefaultInterval,
		Staleness: DefaultStaleness,
		Clock:     timeutil.RealClock{},
		StopChan:  make(chan struct{}),
		states:    make(map[int64]*deviceState),
	}
}

// Start runs the periodic agent loop in a goroutine.
func (a *Agent) Start() {
	go func() {
		ticker := a.Clock.NewTicker(a.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				a.RunOnce()
			case <-a.StopChan:
				return
			}
		}
	}()
}

// Stop requests the agent to stop.
func (a *Agent) Stop() {
	close(a.StopChan)
}

// RunOnce evaluates every watched device. A device whose fetches fail is
// skipped for this tick and retried on the next one.
func (a *Agent) RunOnce() {
	for _, deviceID := range a.Devices {
		if err := a.evaluate(deviceID); err != nil {
			monitoring.Logf("agent: device %d tick failed: %v", deviceID, err)
		}
	}
}

func (a *Agent) evaluate(deviceID int64) error {
	var config db.AutoSessionConfig
	if err := a.get(fmt.Sprintf("/api/devices/%d/autosession", deviceID), &config); err != nil {
		return fmt.Errorf("failed to fetch geofence config: %w", err)
	}

	if !config.Enabled || config.HomeLat == nil || config.HomeLon == nil {
		a.transition(deviceID, StateDisabled, "geofence disabled or unconfigured", nil, nil, nil)
		return nil
	}

	var position db.Measurement
	err := a.get(fmt.Sprintf("/api/devices/%d/position/latest", deviceID), &position)
	if err != nil {
		if isNotFound(err) {
			a.transition(deviceID, StateStale, "no position yet", nil, nil, nil)
			return nil
		}
		return fmt.Errorf("failed to fetch latest position: %w", err)
	}

	now := a.Clock.Now()
	age := now.Sub(time.Unix(0, int64(position.CapturedAt*1e9)))
	if age > a.Staleness {
		a.transition(deviceID, StateStale, fmt.Sprintf("position is %s old", age.Round(time.Second)), nil, nil, &position.CapturedAt)
		return nil
	}

	distance := geo.Haversine(position.Lat, position.Lon, *config.HomeLat, *config.HomeLon)
	inside := distance <= config.RadiusM

	next := StateOutside
	if inside {
		next = StateInside
	}
	a.transition(deviceID, next, "", &inside, &distance, &position.CapturedAt)

	st := a.states[deviceID]
	if st.fired {
		return nil
	}

	held := now.Sub(st.since)
	switch st.state {
	case StateOutside:
		if held >= time.Duration(config.MinOutsideSec)*time.Second {
			st.fired = true
			a.act(deviceID, "start", fmt.Sprintf("outside home for %s", held.Round(time.Second)), &inside, &distance, &position.CapturedAt)
		}
	case StateInside:
		if held >= time.Duration(config.MinInsideSec)*time.Second {
			st.fired = true
			a.act(deviceID, "stop", fmt.Sprintf("inside home for %s", held.Round(time.Second)), &inside, &distance, &position.CapturedAt)
		}
	}
	return nil
}

// transition moves a device to next, resetting the dwell timer on change.
// Entering disabled clears the fired memory so a re-enable starts fresh.
func (a *Agent) transition(deviceID int64, next State, reason string, inside *bool, distance, capturedAt *float64) {
	st, ok := a.states[deviceID]
	if !ok {
		st = &deviceState{state: StateUnknown, since: a.Clock.Now()}
		a.states[deviceID] = st
	}
	if st.state == next {
		return
	}
	st.state = next
	st.since = a.Clock.Now()
	st.fired = false

	decision := "noop"
	switch next {
	case StateStale:
		decision = "stale"
	case StateDisabled:
		decision = "disabled"
	}
	if reason == "" {
		reason = fmt.Sprintf("entered %s", next)
	}
	a.recordDecision(deviceID, decision, reason, inside, distance, capturedAt)
}

// act fires a session action and records it. The decision row is written
// even when the session call fails; the fired flag stays set either way
// and the failure is left to the operator, visible in the log.
func (a *Agent) act(deviceID int64, action, reason string, inside *bool, distance, capturedAt *float64) {
	path := fmt.Sprintf("/api/devices/%d/sessions/%s", deviceID, action)
	if err := a.post(path, map[string]any{"name": "auto"}, nil); err != nil {
		monitoring.Logf("agent: device %d session %s failed: %v", deviceID, action, err)
		reason = fmt.Sprintf("%s (session call failed: %v)", reason, err)
	}
	a.recordDecision(deviceID, action, reason, inside, distance, capturedAt)
}

func (a *Agent) recordDecision(deviceID int64, decision, reason string, inside *bool, distance, capturedAt *float64) {
	body := db.AgentDecision{
		DeviceID:   deviceID,
		Decision:   decision,
		Reason:     &reason,
		Inside:     inside,
		DistanceM:  distance,
		CapturedAt: capturedAt,
	}
	if err := a.post("/api/agent/decisions", body, nil); err != nil {
		monitoring.Logf("agent: device %d decision log failed: %v", deviceID, err)
	}
}

// statusError carries a non-2xx response status.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.Status == http.StatusNotFound
}

func (a *Agent) get(path string, out any) error {
	return a.do(http.MethodGet, path, nil, out)
}

func (a *Agent) post(path string, body, out any) error {
	return a.do(http.MethodPost, path, body, out)
}

func (a *Agent) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, a.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.APIKey != "" {
		req.Header.Set("X-API-Key", a.APIKey)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{Status: resp.StatusCode, Body: string(payload)}
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// CurrentState reports a device's state, mainly for tests and status
// output.
func (a *Agent) CurrentState(deviceID int64) State {
	if st, ok := a.states[deviceID]; ok {
		return st.state
	}
	return StateUnknown
}
