// Package ingest normalizes upstream telemetry payloads (LoRaWAN uplinks,
// Meshtastic mesh events) into the canonical measurement shape, and derives
// the dedup keys that make raw-event intake idempotent.
package ingest

import (
	"fmt"
	"time"
)

// Rejection reason codes. Rejections are semantic: the payload parsed but
// cannot become a measurement. They are terminal unless an operator resets
// the ledger row.
const (
	ReasonMissingGPS       = "missing_gps"
	ReasonMissingDeviceUID = "missing_device_uid"
)

// Rejection is the typed error a normalizer returns for well-formed but
// non-normalizable payloads.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected: %s", r.Reason)
}

// RxRecord is one gateway's receive report inside a normalized measurement.
type RxRecord struct {
	GatewayID    string
	RSSI         *float64
	SNR          *float64
	ChannelIndex *int64
}

// Normalized is the canonical measurement produced by a normalizer, keyed by
// the device's external UID. The store resolves the UID to a device row.
type Normalized struct {
	DeviceUID       string
	CapturedAt      time.Time
	Lat             float64
	Lon             float64
	Altitude        *float64
	HDOP            *float64
	RSSI            *float64
	SNR             *float64
	SpreadingFactor *int64
	Bandwidth       *int64
	Frequency       *float64
	GatewayID       *string
	Rx              []RxRecord
}
