package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Meshtastic bridges publish JSON in several shapes depending on the bridge
// and firmware version: fields may sit at the event root, under "decoded",
// or under "decoded.payload", and position fields may additionally nest
// under a "position" object at any of those levels. The extraction
// strategies below cover the spellings seen in the field.
var (
	meshIdentityPaths = []fieldPath{{"fromId"}, {"from"}, {"nodeId"}, {"decoded", "fromId"}, {"decoded", "from"}}
	meshPacketIDPaths = []fieldPath{{"id"}, {"packetId"}, {"packet_id"}, {"decoded", "id"}}

	meshLatPaths  = positionPaths("latitude", "latitudeI", "latitude_i", "lat")
	meshLonPaths  = positionPaths("longitude", "longitudeI", "longitude_i", "lon", "lng")
	meshAltPaths  = positionPaths("altitude", "alt")
	meshHDOPPaths = positionPaths("hdop", "HDOP")

	meshRSSIPaths = []fieldPath{{"rxRssi"}, {"rx_rssi"}, {"rssi"}, {"decoded", "rxRssi"}}
	meshSNRPaths  = []fieldPath{{"rxSnr"}, {"rx_snr"}, {"snr"}, {"decoded", "rxSnr"}}
	meshTimePaths = []fieldPath{{"rxTime"}, {"rx_time"}, {"time"}, {"decoded", "rxTime"}}
)

// positionPaths expands each field spelling across the root, decoded, and
// decoded.payload levels, with and without a "position" wrapper.
func positionPaths(names ...string) []fieldPath {
	prefixes := []fieldPath{
		{},
		{"position"},
		{"decoded"},
		{"decoded", "position"},
		{"decoded", "payload"},
		{"decoded", "payload", "position"},
	}
	var paths []fieldPath
	for _, prefix := range prefixes {
		for _, name := range names {
			p := make(fieldPath, 0, len(prefix)+1)
			p = append(p, prefix...)
			p = append(p, name)
			paths = append(paths, p)
		}
	}
	return paths
}

// NormalizeCoordinate converts a Meshtastic coordinate to decimal degrees.
// Firmware publishes positions as fixed-point integers scaled by 1e7
// (493959195 means 49.3959195), but some bridges pre-convert to floats, so
// the value is divided only when it cannot already be a plausible degree:
// out of range for its axis, or an integer too large to be one.
func NormalizeCoordinate(v float64, isLat bool) float64 {
	limit := 180.0
	if isLat {
		limit = 90.0
	}
	if math.Abs(v) > limit {
		return v / 1e7
	}
	if v == math.Trunc(v) && math.Abs(v) >= 1e6 {
		return v / 1e7
	}
	return v
}

// NormalizeMeshtastic turns a bridge-published mesh event into a canonical
// measurement. receivedAt is the intake timestamp, used when the event
// carries no rx time.
func NormalizeMeshtastic(payload []byte, receivedAt time.Time) (*Normalized, error) {
	var event map[string]any
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse meshtastic event: %w", err)
	}

	uid, ok := firstString(event, meshIdentityPaths...)
	if !ok {
		return nil, &Rejection{Reason: ReasonMissingDeviceUID}
	}

	lat, latOK := firstNumber(event, meshLatPaths...)
	lon, lonOK := firstNumber(event, meshLonPaths...)
	if !latOK || !lonOK {
		return nil, &Rejection{Reason: ReasonMissingGPS}
	}

	n := &Normalized{
		DeviceUID:  uid,
		CapturedAt: receivedAt,
		Lat:        NormalizeCoordinate(lat, true),
		Lon:        NormalizeCoordinate(lon, false),
	}
	if alt, ok := firstNumber(event, meshAltPaths...); ok {
		n.Altitude = &alt
	}
	if hdop, ok := firstNumber(event, meshHDOPPaths...); ok {
		n.HDOP = &hdop
	}
	if rssi, ok := firstNumber(event, meshRSSIPaths...); ok {
		n.RSSI = &rssi
	}
	if snr, ok := firstNumber(event, meshSNRPaths...); ok {
		n.SNR = &snr
	}
	if ts, ok := firstNumber(event, meshTimePaths...); ok && ts > 0 {
		n.CapturedAt = time.Unix(int64(ts), 0).UTC()
	}

	return n, nil
}

// MeshtasticDedupKey derives the ledger dedup key for a mesh event: a
// caller-supplied idempotency key, the mesh packet id scoped by sender, or
// a hash of the whole payload.
func MeshtasticDedupKey(payload []byte, idempotencyKey string) string {
	if idempotencyKey != "" {
		return idempotencyKey
	}
	var event map[string]any
	if err := json.Unmarshal(payload, &event); err == nil {
		if pkt, ok := firstString(event, meshPacketIDPaths...); ok {
			sender, _ := firstString(event, meshIdentityPaths...)
			return fmt.Sprintf("mesh:%s:%s", sender, pkt)
		}
	}
	return hashKey(string(payload))
}
