package core

import (
	"SlotLock/internal/event"
	"SlotLock/internal/ledger"
	"SlotLock/internal/state"
	"fmt"

	"github.com/google/uuid"
)

// SnapshotState holds the in-memory engine state for restore.
type SnapshotState struct {
	Sequence        int64 // last processed sequence
	StateHash       [32]byte
	Reservations    []state.Reservation // every reservation, in day order
	Redeemed        []uint64
	Custody         map[uint64]ledger.AccountKey
	IdempotencyKeys []IdempotencyEntry
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       e.hasher.GetPrevHash(),
		Reservations:    make([]state.Reservation, 0, e.slots.Len()),
		Redeemed:        make([]uint64, 0, len(e.redeemed)),
		Custody:         e.tracker.Snapshot(),
		IdempotencyKeys: e.idempotency.lru.Entries(),
	}
	for r := range e.slots.All() {
		snap.Reservations = append(snap.Reservations, r.Clone())
	}
	for assetID := range e.redeemed {
		snap.Redeemed = append(snap.Redeemed, assetID)
	}
	return snap
}

// RestoreFromSnapshot replaces the engine's in-memory state. Call before
// serving traffic; on warm restart, restore then Replay the events after
// snap.Sequence.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	slots := state.NewSlotIndex()
	owners := state.NewOwnerIndex()
	byID := make(map[uuid.UUID]*state.Reservation, len(snap.Reservations))
	escrowed := make(map[uint64]*state.Reservation)

	for i := range snap.Reservations {
		r := snap.Reservations[i].Clone()
		if err := slots.Book(r.Day, &r); err != nil {
			return fmt.Errorf("restore reservation %s: %w", r.ID, err)
		}
		byID[r.ID] = &r
		if r.IsPending() {
			if err := owners.Claim(r.Owner, &r); err != nil {
				return fmt.Errorf("restore reservation %s: %w", r.ID, err)
			}
			escrowed[r.AssetID] = &r
		}
	}

	e.slots = slots
	e.owners = owners
	e.byID = byID
	e.escrowed = escrowed
	e.redeemed = make(map[uint64]bool, len(snap.Redeemed))
	for _, assetID := range snap.Redeemed {
		e.redeemed[assetID] = true
	}

	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)
	e.tracker.Restore(snap.Custody)
	e.idempotency.lru.WarmFrom(snap.IdempotencyKeys)

	if err := e.postCheckInvariants(); err != nil {
		return fmt.Errorf("restored snapshot is inconsistent: %w", err)
	}
	return nil
}

// WarmLRU loads recent idempotency entries into the LRU cache.
func (e *Engine) WarmLRU(entries []IdempotencyEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.lru.WarmFrom(entries)
}

// Replay applies a persisted event without touching the registry or
// emitting outputs. The envelope must carry the next sequence, and its
// state hash must match the recomputed one.
func (e *Engine) Replay(env *event.EventEnvelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if env.Sequence != e.sequence {
		return fmt.Errorf("replay: expected sequence %d, got %d", e.sequence, env.Sequence)
	}
	if env.PrevHash != e.hasher.GetPrevHash() {
		return fmt.Errorf("replay: prev hash mismatch at sequence %d", env.Sequence)
	}

	payload, err := event.DecodePayload(env.Payload)
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}
	rec, err := payload.Reservation()
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}

	var (
		r     *state.Reservation
		batch *ledger.Batch
	)
	ts := env.Timestamp.UnixMicro()

	switch env.EventType {
	case event.EventTypeReservationMade:
		r = &rec
		if err := e.slots.Book(r.Day, r); err != nil {
			return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
		}
		if err := e.owners.Claim(r.Owner, r); err != nil {
			return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
		}
		e.byID[r.ID] = r
		e.escrowed[r.AssetID] = r
		batch = e.journalGen.GenerateEscrow(r, env.IdempotencyKey, env.Sequence, ts)

	case event.EventTypeReservationFulfilled:
		existing, ok := e.byID[rec.ID]
		if !ok {
			return fmt.Errorf("replay sequence %d: unknown reservation %s", env.Sequence, rec.ID)
		}
		if !existing.State.CanTransitionTo(state.ReservationStateFulfilled) {
			return fmt.Errorf("replay sequence %d: reservation %s is %s", env.Sequence, rec.ID, existing.State)
		}
		if _, err := e.owners.Release(existing.Owner); err != nil {
			return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
		}
		existing.State = state.ReservationStateFulfilled
		existing.FulfilledDay = rec.FulfilledDay
		delete(e.escrowed, existing.AssetID)
		e.redeemed[existing.AssetID] = true
		r = existing
		batch = e.journalGen.GenerateRelease(r, env.IdempotencyKey, env.Sequence, ts)

	default:
		return fmt.Errorf("replay sequence %d: unknown event type %s", env.Sequence, env.EventType)
	}

	if err := e.tracker.ApplyBatch(batch); err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}

	stateHash := e.hasher.ComputeHash(env.Sequence, e.computeStateDigest(r))
	if stateHash != env.StateHash {
		return fmt.Errorf("replay: state hash mismatch at sequence %d", env.Sequence)
	}

	if env.IdempotencyKey != "" {
		e.idempotency.MarkProcessed(env.EventType.String(), env.IdempotencyKey, r.ID)
	}
	e.sequence++

	if e.metrics != nil {
		e.metrics.ReplayEventsTotal.Inc()
		e.metrics.CoreSequence.Set(float64(env.Sequence))
	}
	return nil
}
