package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/coverage.report/internal/monitoring"
)

// RawEventSource tags where an inbound payload came from.
type RawEventSource string

const (
	SourceLoRaWANUplink   RawEventSource = "lorawan-uplink"
	SourceMeshtasticEvent RawEventSource = "meshtastic-event"
	SourceAgentDecision   RawEventSource = "agent-decision"
	SourceSimulated       RawEventSource = "simulated"
)

// ValidSource reports whether s is one of the known source tags.
func ValidSource(s RawEventSource) bool {
	switch s {
	case SourceLoRaWANUplink, SourceMeshtasticEvent, SourceAgentDecision, SourceSimulated:
		return true
	}
	return false
}

// RawEvent is one row of the durable intake ledger. Every inbound payload is
// written here before normalization; the (source, dedup_key) pair absorbs
// duplicate deliveries.
type RawEvent struct {
	ID              int64          `json:"id"`
	Source          RawEventSource `json:"source"`
	DedupKey        string         `json:"dedup_key"`
	ReceivedAt      float64        `json:"received_at_unix"`
	Payload         string         `json:"payload"`
	ProcessedAt     *float64       `json:"processed_at_unix"`
	ProcessingError *string        `json:"processing_error"`
	LeaseOwner      *string        `json:"lease_owner"`
	LeaseStartedAt  *float64       `json:"lease_started_unix"`
}

// InsertRawEvent appends a payload to the ledger. A (source, dedup_key)
// conflict is swallowed and reported as inserted == false: re-delivery of
// the same payload is a no-op, never an error.
func (db *DB) InsertRawEvent(ctx context.Context, source RawEventSource, dedupKey, payload string) (id int64, inserted bool, err error) {
	if !ValidSource(source) {
		return 0, false, fmt.Errorf("unknown raw event source %q", source)
	}
	if dedupKey == "" {
		return 0, false, fmt.Errorf("dedup key must not be empty")
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO raw_events (source, dedup_key, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(source, dedup_key) DO NOTHING`,
		string(source), dedupKey, payload,
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert raw event: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		// Duplicate delivery: look up the existing row's id.
		err = db.QueryRowContext(ctx,
			`SELECT id FROM raw_events WHERE source = ? AND dedup_key = ?`,
			string(source), dedupKey,
		).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("failed to look up existing raw event: %w", err)
		}
		return id, false, nil
	}

	id, err = result.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, true, nil
}

const rawEventColumns = `id, source, dedup_key, received_at_unix, payload, processed_at_unix, processing_error, lease_owner, lease_started_unix`

func scanRawEvent(row interface{ Scan(...any) error }) (*RawEvent, error) {
	var e RawEvent
	var source string
	err := row.Scan(
		&e.ID, &source, &e.DedupKey, &e.ReceivedAt, &e.Payload,
		&e.ProcessedAt, &e.ProcessingError, &e.LeaseOwner, &e.LeaseStartedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Source = RawEventSource(source)
	return &e, nil
}

// GetRawEvent retrieves one ledger row by id.
func (db *DB) GetRawEvent(ctx context.Context, id int64) (*RawEvent, error) {
	e, err := scanRawEvent(db.QueryRowContext(ctx, `SELECT `+rawEventColumns+` FROM raw_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("raw event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get raw event: %w", err)
	}
	return e, nil
}

// ClaimRawEvents leases up to limit pending ledger rows to owner, at lease
// timestamp now (unix seconds). A row is claimable when it is unprocessed
// and its lease is unset or older than now-staleAfterSeconds. The select,
// the conditional claim, and the confirming re-read all run inside one
// transaction; the conditional predicate on the UPDATE keeps two workers
// that selected the same candidates from both winning them.
func (db *DB) ClaimRawEvents(ctx context.Context, owner string, now float64, limit int, staleAfterSeconds float64) ([]RawEvent, error) {
	if owner == "" {
		return nil, fmt.Errorf("lease owner must not be empty")
	}
	if limit <= 0 {
		return nil, nil
	}
	staleBefore := now - staleAfterSeconds

	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			monitoring.Logf("warning: failed to rollback claim transaction: %v", err)
		}
	}()

	// Phase 1: candidate selection, oldest first.
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM raw_events
		WHERE processed_at_unix IS NULL
		  AND (lease_started_unix IS NULL OR lease_started_unix < ?)
		ORDER BY received_at_unix ASC
		LIMIT ?`,
		staleBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select claim candidates: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan candidate id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	// Phase 2: conditional claim. The pending/stale predicate is repeated so
	// rows claimed by a faster worker between our select and this update are
	// skipped rather than stolen.
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+3)
	args = append(args, owner, now)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, staleBefore)
	_, err = tx.ExecContext(ctx, `
		UPDATE raw_events
		SET lease_owner = ?, lease_started_unix = ?
		WHERE id IN (`+placeholders+`)
		  AND processed_at_unix IS NULL
		  AND (lease_started_unix IS NULL OR lease_started_unix < ?)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim raw events: %w", err)
	}

	// Phase 3: confirming re-read scoped to this owner and this exact lease
	// timestamp, in case a later, larger claim by another worker overlapped.
	readArgs := make([]any, 0, len(ids)+2)
	for _, id := range ids {
		readArgs = append(readArgs, id)
	}
	readArgs = append(readArgs, owner, now)
	claimedRows, err := tx.QueryContext(ctx, `
		SELECT `+rawEventColumns+`
		FROM raw_events
		WHERE id IN (`+placeholders+`)
		  AND lease_owner = ?
		  AND lease_started_unix = ?
		ORDER BY received_at_unix ASC`,
		readArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read claimed rows: %w", err)
	}
	defer claimedRows.Close()

	var claimed []RawEvent
	for claimedRows.Next() {
		e, err := scanRawEvent(claimedRows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed row: %w", err)
		}
		claimed = append(claimed, *e)
	}
	if err := claimedRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

// MarkRawEventProcessed stamps a ledger row as done. A nil errMsg means the
// row normalized cleanly; otherwise the reason is recorded and the row is
// terminal until an operator resets it.
func (db *DB) MarkRawEventProcessed(ctx context.Context, id int64, processedAt float64, errMsg *string) error {
	result, err := db.ExecContext(ctx, `
		UPDATE raw_events
		SET processed_at_unix = ?, processing_error = ?
		WHERE id = ?`,
		processedAt, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark raw event processed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("raw event %d: %w", id, ErrNotFound)
	}
	return nil
}

// RawEventResetFilter selects which processed ledger rows ResetRawEvents
// returns to pending. Zero-value fields are ignored.
type RawEventResetFilter struct {
	Source        RawEventSource `json:"source"`
	ErrorContains string         `json:"error_contains"`
	Since         float64        `json:"since"` // received_at_unix lower bound
}

// ResetRawEvents clears processed_at/processing_error (and any lease) on
// processed rows matching the filter, making them eligible for reclaim.
// Returns the number of rows reset. This is the operator-facing bulk retry
// control used after a normalizer fix.
func (db *DB) ResetRawEvents(ctx context.Context, f RawEventResetFilter) (int64, error) {
	query := `
		UPDATE raw_events
		SET processed_at_unix = NULL, processing_error = NULL,
		    lease_owner = NULL, lease_started_unix = NULL
		WHERE processed_at_unix IS NOT NULL`
	var args []any
	if f.Source != "" {
		if !ValidSource(f.Source) {
			return 0, fmt.Errorf("unknown raw event source %q", f.Source)
		}
		query += ` AND source = ?`
		args = append(args, string(f.Source))
	}
	if f.ErrorContains != "" {
		query += ` AND processing_error LIKE ?`
		args = append(args, "%"+f.ErrorContains+"%")
	}
	if f.Since > 0 {
		query += ` AND received_at_unix >= ?`
		args = append(args, f.Since)
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset raw events: %w", err)
	}
	return result.RowsAffected()
}

// PendingRawEventCount returns the number of unprocessed ledger rows.
func (db *DB) PendingRawEventCount(ctx context.Context) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_events WHERE processed_at_unix IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending raw events: %w", err)
	}
	return n, nil
}
