package persistence

import (
	"SlotLock/internal/core"
	"SlotLock/internal/event"
	"SlotLock/internal/ledger"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const snapshotFormatVersion = 1

// SnapshotManager stores engine snapshots and reads the event log back for
// recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the JSON form of core.SnapshotState.
type SnapshotData struct {
	Sequence        int64                      `json:"sequence"`
	StateHash       []byte                     `json:"state_hash"`
	Reservations    []event.ReservationPayload `json:"reservations"`
	Redeemed        []uint64                   `json:"redeemed,omitempty"`
	Custody         map[uint64]string          `json:"custody"` // asset -> account path
	IdempotencyKeys []IdempotencySnap          `json:"idempotency_keys"`
	CreatedAt       time.Time                  `json:"created_at"`
}

type IdempotencySnap struct {
	Key           string    `json:"key"`
	ReservationID uuid.UUID `json:"reservation_id"`
}

// NewSnapshotData converts engine state into its stored form.
func NewSnapshotData(s *core.SnapshotState, now time.Time) *SnapshotData {
	data := &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       append([]byte(nil), s.StateHash[:]...),
		Reservations:    make([]event.ReservationPayload, 0, len(s.Reservations)),
		Redeemed:        s.Redeemed,
		Custody:         make(map[uint64]string, len(s.Custody)),
		IdempotencyKeys: make([]IdempotencySnap, 0, len(s.IdempotencyKeys)),
		CreatedAt:       now,
	}
	for i := range s.Reservations {
		data.Reservations = append(data.Reservations, event.NewReservationPayload(&s.Reservations[i], ""))
	}
	for assetID, key := range s.Custody {
		data.Custody[assetID] = key.AccountPath()
	}
	for _, e := range s.IdempotencyKeys {
		data.IdempotencyKeys = append(data.IdempotencyKeys, IdempotencySnap{Key: e.Key, ReservationID: e.ReservationID})
	}
	return data
}

// State converts a stored snapshot back into engine state.
func (d *SnapshotData) State() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash must be 32 bytes", d.Sequence)
	}
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Redeemed:        d.Redeemed,
		Custody:         make(map[uint64]ledger.AccountKey, len(d.Custody)),
		IdempotencyKeys: make([]core.IdempotencyEntry, 0, len(d.IdempotencyKeys)),
	}
	copy(s.StateHash[:], d.StateHash)

	for _, p := range d.Reservations {
		r, err := p.Reservation()
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		s.Reservations = append(s.Reservations, r)
	}
	for assetID, path := range d.Custody {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: asset %d: %w", d.Sequence, assetID, err)
		}
		s.Custody[assetID] = key
	}
	for _, e := range d.IdempotencyKeys {
		s.IdempotencyKeys = append(s.IdempotencyKeys, core.IdempotencyEntry{Key: e.Key, ReservationID: e.ReservationID})
	}
	return s, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Saving the same sequence twice
// overwrites the earlier one.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil when
// there is none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as usable for recovery.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, COALESCE(idempotency_key, ''), day, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Day, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or 0.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
