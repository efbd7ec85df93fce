package query

import (
	"SlotLock/internal/core"
	"SlotLock/internal/event"
	"SlotLock/internal/ledger"
	"SlotLock/internal/state"
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

const maxReportEntries = 10

// QueryService provides read-only access to the event log and projection
// tables. Results may trail the engine by the projection watermark.
type QueryService struct {
	db     *sql.DB
	escrow state.Identity
}

// NewQueryService reads from db. escrow is the engine identity, needed to
// recompute state hashes.
func NewQueryService(db *sql.DB, escrow state.Identity) *QueryService {
	return &QueryService{db: db, escrow: escrow}
}

// ListByOwner returns owner's reservations from the projection, newest
// day first. A non-positive limit means 100.
func (qs *QueryService) ListByOwner(ctx context.Context, owner state.Identity, limit int) ([]state.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT reservation_id, asset_id, day, contact, owner, state,
		       created_day, fulfilled_day, created_seq
		FROM projections.reservations
		WHERE owner = $1
		ORDER BY day DESC
		LIMIT $2
	`, string(owner), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []state.Reservation
	for rows.Next() {
		var (
			r                        state.Reservation
			assetID, day, createdDay int64
			fulfilled                sql.NullInt64
			ownerCol, stateCol       string
		)
		if err := rows.Scan(
			&r.ID, &assetID, &day, &r.Contact, &ownerCol, &stateCol,
			&createdDay, &fulfilled, &r.Sequence,
		); err != nil {
			return nil, err
		}
		r.AssetID = uint64(assetID)
		r.Day = state.Day(day)
		r.Owner = state.Identity(ownerCol)
		r.CreatedDay = state.Day(createdDay)
		switch stateCol {
		case state.ReservationStatePending.String():
			r.State = state.ReservationStatePending
		case state.ReservationStateFulfilled.String():
			r.State = state.ReservationStateFulfilled
		default:
			return nil, fmt.Errorf("reservation %s: unknown state %q", r.ID, stateCol)
		}
		if fulfilled.Valid {
			fd := state.Day(fulfilled.Int64)
			r.FulfilledDay = &fd
		}
		result = append(result, r)
	}

	return result, rows.Err()
}

// GetAssetHistory returns custody movements of an asset, newest first, with
// cursor pagination on sequence.
func (qs *QueryService) GetAssetHistory(
	ctx context.Context,
	assetID uint64,
	limit int,
	beforeSequence *int64,
) ([]CustodyMovement, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, journal_type, timestamp
		FROM event_log.journal
		WHERE asset_id = $1
	`
	args := []any{int64(assetID)}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CustodyMovement
	for rows.Next() {
		var (
			e  CustodyMovement
			id int64
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &id,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.AssetID = uint64(id)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// EventLogInfo reports the head of the event log and the read-side lag.
func (qs *QueryService) EventLogInfo(ctx context.Context) (*EventLogInfo, error) {
	info := &EventLogInfo{}

	var (
		latest sql.NullInt64
		hash   []byte
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM event_log.events ORDER BY sequence DESC LIMIT 1
	`).Scan(&latest, &hash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event log head: %w", err)
	}
	info.LatestSequence = latest.Int64
	if len(hash) > 0 {
		info.LatestStateHash = hex.EncodeToString(hash)
	}

	if err := qs.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.events`).Scan(&info.EventCount); err != nil {
		return nil, fmt.Errorf("event count: %w", err)
	}

	if info.ProjectionWatermark, err = qs.Watermark(ctx); err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var snap sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.snapshots WHERE verified = TRUE
	`).Scan(&snap); err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	info.LatestSnapshotSequence = snap.Int64

	return info, nil
}

// --- Admin APIs ---

// VerifyIntegrity walks the whole event log: sequences must be contiguous
// from 1, every prev_hash must equal its predecessor's state_hash, and every
// state_hash must recompute from the payload. It then checks that the
// custody journal and the projection agree on which assets are escrowed.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, event_type, payload, state_hash, prev_hash
		FROM event_log.events
		ORDER BY sequence ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expectedSeq := int64(1)
	tip := core.GenesisHash()
	for rows.Next() {
		var (
			seq                 int64
			eventType           string
			payload             []byte
			stateHash, prevHash []byte
		)
		if err := rows.Scan(&seq, &eventType, &payload, &stateHash, &prevHash); err != nil {
			return nil, err
		}
		report.EventsChecked++

		if seq != expectedSeq {
			report.SequenceGaps = appendCapped(report.SequenceGaps, seq)
		}
		expectedSeq = seq + 1

		if !bytes.Equal(prevHash, tip[:]) {
			report.HashChainBreaks = appendCapped(report.HashChainBreaks, seq)
		}

		var prev [32]byte
		copy(prev[:], prevHash)
		if recomputed, ok := qs.recompute(seq, prev, eventType, payload); !ok || !bytes.Equal(recomputed[:], stateHash) {
			report.StateHashErrors = appendCapped(report.StateHashErrors, seq)
		}
		copy(tip[:], stateHash)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mismatches, err := qs.escrowMismatches(ctx)
	if err != nil {
		return nil, err
	}
	report.EscrowMismatches = mismatches

	report.IsHealthy = len(report.SequenceGaps) == 0 &&
		len(report.HashChainBreaks) == 0 &&
		len(report.StateHashErrors) == 0 &&
		len(report.EscrowMismatches) == 0
	return report, nil
}

func (qs *QueryService) recompute(seq int64, prev [32]byte, eventType string, payload []byte) ([32]byte, bool) {
	p, err := event.DecodePayload(payload)
	if err != nil {
		return [32]byte{}, false
	}
	r, err := p.Reservation()
	if err != nil {
		return [32]byte{}, false
	}

	var loc ledger.AccountKey
	switch event.ParseEventType(eventType) {
	case event.EventTypeReservationMade:
		loc = ledger.NewEscrowAccountKey(qs.escrow)
	case event.EventTypeReservationFulfilled:
		loc = ledger.NewHolderAccountKey(r.Owner)
	default:
		return [32]byte{}, false
	}
	return core.ChainHash(prev, seq, core.StateDigest(&r, loc)), true
}

// escrowMismatches compares the assets whose latest journal entry put them
// in escrow against the Pending rows of the projection.
func (qs *QueryService) escrowMismatches(ctx context.Context) ([]uint64, error) {
	rows, err := qs.db.QueryContext(ctx, `
		WITH latest AS (
			SELECT DISTINCT ON (asset_id) asset_id, debit_account
			FROM event_log.journal
			ORDER BY asset_id, sequence DESC
		),
		escrowed AS (
			SELECT asset_id FROM latest WHERE debit_account LIKE 'escrow:%'
		),
		pending AS (
			SELECT asset_id FROM projections.reservations WHERE state = 'Pending'
		)
		SELECT asset_id FROM (
			(SELECT asset_id FROM escrowed EXCEPT SELECT asset_id FROM pending)
			UNION
			(SELECT asset_id FROM pending EXCEPT SELECT asset_id FROM escrowed)
		) diff
		ORDER BY asset_id
		LIMIT $1
	`, maxReportEntries)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, uint64(id))
	}
	return out, rows.Err()
}

// Watermark returns the last sequence applied to the reservations projection.
func (qs *QueryService) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = 'reservations'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func appendCapped(s []int64, v int64) []int64 {
	if len(s) >= maxReportEntries {
		return s
	}
	return append(s, v)
}
