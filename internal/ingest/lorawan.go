package ingest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// lorawanUplink mirrors the network server's uplink webhook envelope. Only
// the fields the normalizer reads are declared; decoded_payload stays an
// untyped map because its shape is owned by whatever payload formatter the
// device fleet runs.
type lorawanUplink struct {
	ReceivedAt   string `json:"received_at"`
	EndDeviceIDs struct {
		DevEUI   string `json:"dev_eui"`
		DeviceID string `json:"device_id"`
	} `json:"end_device_ids"`
	CorrelationIDs []string `json:"correlation_ids"`
	UplinkMessage  struct {
		FCnt           int64          `json:"f_cnt"`
		FrmPayload     string         `json:"frm_payload"`
		DecodedPayload map[string]any `json:"decoded_payload"`
		RxMetadata     []struct {
			GatewayIDs struct {
				GatewayID string `json:"gateway_id"`
			} `json:"gateway_ids"`
			RSSI         *float64 `json:"rssi"`
			SNR          *float64 `json:"snr"`
			ChannelIndex *int64   `json:"channel_index"`
		} `json:"rx_metadata"`
		Settings struct {
			Frequency string `json:"frequency"`
			DataRate  struct {
				Lora struct {
					Bandwidth       int64 `json:"bandwidth"`
					SpreadingFactor int64 `json:"spreading_factor"`
				} `json:"lora"`
			} `json:"data_rate"`
		} `json:"settings"`
	} `json:"uplink_message"`
}

// Decoded-payload GPS spellings, in preference order.
var (
	lorawanLatPaths = []fieldPath{{"lat"}, {"latitude"}, {"gps", "lat"}, {"gps", "latitude"}}
	lorawanLonPaths = []fieldPath{{"lon"}, {"lng"}, {"longitude"}, {"gps", "lon"}, {"gps", "lng"}, {"gps", "longitude"}}
	lorawanAltPaths = []fieldPath{{"alt"}, {"altitude"}, {"gps", "alt"}, {"gps", "altitude"}}
	lorawanHDOPaths = []fieldPath{{"hdop"}, {"gps", "hdop"}}
)

// NormalizeLoRaWAN turns an uplink webhook payload into a canonical
// measurement. receivedAt is the intake timestamp, used when the uplink
// carries no parseable received_at of its own. Malformed-but-parseable
// payloads come back as *Rejection; only structurally invalid JSON is a
// plain error.
func NormalizeLoRaWAN(payload []byte, receivedAt time.Time) (*Normalized, error) {
	var up lorawanUplink
	if err := json.Unmarshal(payload, &up); err != nil {
		return nil, fmt.Errorf("failed to parse lorawan uplink: %w", err)
	}

	// Prefer the hardware EUI; fall back to the network-assigned id.
	uid := up.EndDeviceIDs.DevEUI
	if uid == "" {
		uid = up.EndDeviceIDs.DeviceID
	}
	if uid == "" {
		return nil, &Rejection{Reason: ReasonMissingDeviceUID}
	}

	decoded := up.UplinkMessage.DecodedPayload
	lat, latOK := firstNumber(decoded, lorawanLatPaths...)
	lon, lonOK := firstNumber(decoded, lorawanLonPaths...)
	if !latOK || !lonOK {
		return nil, &Rejection{Reason: ReasonMissingGPS}
	}

	n := &Normalized{
		DeviceUID:  uid,
		CapturedAt: receivedAt,
		Lat:        lat,
		Lon:        lon,
	}
	if ts, err := time.Parse(time.RFC3339Nano, up.ReceivedAt); err == nil {
		n.CapturedAt = ts
	}
	if alt, ok := firstNumber(decoded, lorawanAltPaths...); ok {
		n.Altitude = &alt
	}
	if hdop, ok := firstNumber(decoded, lorawanHDOPaths...); ok {
		n.HDOP = &hdop
	}

	// Radio settings, when the network server included them.
	settings := up.UplinkMessage.Settings
	if settings.DataRate.Lora.SpreadingFactor > 0 {
		sf := settings.DataRate.Lora.SpreadingFactor
		n.SpreadingFactor = &sf
	}
	if settings.DataRate.Lora.Bandwidth > 0 {
		bw := settings.DataRate.Lora.Bandwidth
		n.Bandwidth = &bw
	}
	if settings.Frequency != "" {
		if freq, err := strconv.ParseFloat(settings.Frequency, 64); err == nil {
			n.Frequency = &freq
		}
	}

	// Keep every receiving gateway as an rx record, then pick the best one
	// as the measurement's primary: highest SNR wins, RSSI breaks ties.
	for _, rx := range up.UplinkMessage.RxMetadata {
		if rx.GatewayIDs.GatewayID == "" {
			continue
		}
		n.Rx = append(n.Rx, RxRecord{
			GatewayID:    rx.GatewayIDs.GatewayID,
			RSSI:         rx.RSSI,
			SNR:          rx.SNR,
			ChannelIndex: rx.ChannelIndex,
		})
	}
	if len(n.Rx) > 0 {
		best := bestGateway(n.Rx)
		n.GatewayID = &best.GatewayID
		n.RSSI = best.RSSI
		n.SNR = best.SNR
	}

	return n, nil
}

// bestGateway sorts candidates by SNR descending then RSSI descending and
// returns the winner. Missing values sort last.
func bestGateway(rx []RxRecord) RxRecord {
	sorted := make([]RxRecord, len(rx))
	copy(sorted, rx)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := valueOrLowest(sorted[i].SNR), valueOrLowest(sorted[j].SNR)
		if si != sj {
			return si > sj
		}
		return valueOrLowest(sorted[i].RSSI) > valueOrLowest(sorted[j].RSSI)
	})
	return sorted[0]
}

func valueOrLowest(v *float64) float64 {
	if v == nil {
		return -1e9
	}
	return *v
}

// LoRaWANDedupKey derives the ledger dedup key for an uplink, in order of
// preference: the network server's uplink correlation id, a caller-supplied
// idempotency key, a hash of the stable uplink projection (device, frame
// counter, received_at, raw frame), and finally a hash of the whole payload.
func LoRaWANDedupKey(payload []byte, idempotencyKey string) string {
	var up lorawanUplink
	if err := json.Unmarshal(payload, &up); err == nil {
		for _, cid := range up.CorrelationIDs {
			if len(cid) > len(uplinkCorrelationPrefix) && cid[:len(uplinkCorrelationPrefix)] == uplinkCorrelationPrefix {
				return cid
			}
		}
		if idempotencyKey != "" {
			return idempotencyKey
		}
		uid := up.EndDeviceIDs.DevEUI
		if uid == "" {
			uid = up.EndDeviceIDs.DeviceID
		}
		if uid != "" {
			projection := fmt.Sprintf("%s|%d|%s|%s", uid, up.UplinkMessage.FCnt, up.ReceivedAt, up.UplinkMessage.FrmPayload)
			return hashKey(projection)
		}
	}
	if idempotencyKey != "" {
		return idempotencyKey
	}
	return hashKey(string(payload))
}

// uplinkCorrelationPrefix marks the network server's uplink correlation tag.
const uplinkCorrelationPrefix = "as:up:"
