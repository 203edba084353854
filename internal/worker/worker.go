// Package worker drains the raw-event ledger: it claims batches of pending
// events, normalizes each payload into a measurement, and records the
// per-event outcome back on the ledger row.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/coverage.report/internal/db"
	"github.com/banshee-data/coverage.report/internal/ingest"
	"github.com/banshee-data/coverage.report/internal/monitoring"
	"github.com/banshee-data/coverage.report/internal/timeutil"
)

const (
	DefaultInterval   = 3 * time.Second
	DefaultBatchSize  = 25
	DefaultStaleLease = 5 * time.Minute
)

// Worker is the normalization loop. Owner identifies this instance on
// ledger leases so a crashed worker's claims expire rather than wedge.
type Worker struct {
	DB         *db.DB
	Owner      string
	Interval   time.Duration
	BatchSize  int
	StaleLease time.Duration
	Clock      timeutil.Clock
	StopChan   chan struct{}
}

func NewWorker(database *db.DB) *Worker {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Worker{
		DB:         database,
		Owner:      fmt.Sprintf("%s-%s", host, uuid.NewString()),
		Interval:   DefaultInterval,
		BatchSize:  DefaultBatchSize,
		StaleLease: DefaultStaleLease,
		Clock:      timeutil.RealClock{},
		StopChan:   make(chan struct{}),
	}
}

// Start runs the periodic worker loop in a goroutine.
func (w *Worker) Start() {
	go func() {
		ticker := w.Clock.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				if _, err := w.RunOnce(context.Background()); err != nil {
					monitoring.Logf("normalize worker run error: %v", err)
				}
			case <-w.StopChan:
				return
			}
		}
	}()
}

// Stop requests the worker to stop.
func (w *Worker) Stop() {
	close(w.StopChan)
}

// RunOnce claims one batch and processes every claimed event. It returns
// the number of events handled; an error claiming the batch aborts the
// tick, but an error on an individual event is recorded on that event's
// ledger row and does not stop the rest of the batch.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := db.UnixSeconds(w.Clock.Now())
	events, err := w.DB.ClaimRawEvents(ctx, w.Owner, now, w.BatchSize, w.StaleLease.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to claim raw events: %w", err)
	}

	for i := range events {
		w.processEvent(ctx, &events[i])
	}
	return len(events), nil
}

func (w *Worker) processEvent(ctx context.Context, ev *db.RawEvent) {
	receivedAt := time.Unix(0, int64(ev.ReceivedAt*1e9)).UTC()

	var normalized *ingest.Normalized
	var err error
	switch ev.Source {
	case db.SourceLoRaWANUplink:
		normalized, err = ingest.NormalizeLoRaWAN([]byte(ev.Payload), receivedAt)
	case db.SourceMeshtasticEvent, db.SourceSimulated:
		normalized, err = ingest.NormalizeMeshtastic([]byte(ev.Payload), receivedAt)
	case db.SourceAgentDecision:
		// Decision records are audit entries, not positions.
		w.finish(ctx, ev, nil)
		return
	default:
		err = fmt.Errorf("no normalizer for source %q", ev.Source)
	}

	if err != nil {
		var rej *ingest.Rejection
		if errors.As(err, &rej) {
			reason := rej.Reason
			w.finish(ctx, ev, &reason)
		} else {
			msg := err.Error()
			w.finish(ctx, ev, &msg)
		}
		return
	}

	if _, err := w.DB.InsertMeasurement(ctx, w.toMeasurement(ev, normalized)); err != nil {
		monitoring.Logf("normalize worker: failed to store measurement for event %d: %v", ev.ID, err)
		msg := fmt.Sprintf("store: %v", err)
		w.finish(ctx, ev, &msg)
		return
	}
	w.finish(ctx, ev, nil)
}

func (w *Worker) toMeasurement(ev *db.RawEvent, n *ingest.Normalized) db.NewMeasurement {
	nm := db.NewMeasurement{
		DeviceUID:       n.DeviceUID,
		CapturedAt:      db.UnixSeconds(n.CapturedAt),
		Lat:             n.Lat,
		Lon:             n.Lon,
		Altitude:        n.Altitude,
		HDOP:            n.HDOP,
		RSSI:            n.RSSI,
		SNR:             n.SNR,
		SpreadingFactor: n.SpreadingFactor,
		Bandwidth:       n.Bandwidth,
		Frequency:       n.Frequency,
		GatewayID:       n.GatewayID,
		RawPayload:      &ev.Payload,
	}
	for _, rx := range n.Rx {
		nm.Rx = append(nm.Rx, db.RxMetadata{
			GatewayID:    rx.GatewayID,
			RSSI:         rx.RSSI,
			SNR:          rx.SNR,
			ChannelIndex: rx.ChannelIndex,
		})
	}
	return nm
}

// finish stamps the ledger row. A nil reason means success; a marking
// failure is logged and left for the stale-lease reclaim to retry.
func (w *Worker) finish(ctx context.Context, ev *db.RawEvent, reason *string) {
	processedAt := db.UnixSeconds(w.Clock.Now())
	if err := w.DB.MarkRawEventProcessed(ctx, ev.ID, processedAt, reason); err != nil {
		monitoring.Logf("normalize worker: failed to mark event %d processed: %v", ev.ID, err)
	}
}
