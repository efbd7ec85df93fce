package persistence

import (
	"SlotLock/internal/core"
	"SlotLock/internal/event"
	"SlotLock/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// Replayer is the part of the engine recovery drives.
type Replayer interface {
	RestoreFromSnapshot(snap *core.SnapshotState) error
	Replay(env *event.EventEnvelope) error
	GetSequence() int64
	GetStateHash() [32]byte
	ReconcileCustody(ctx context.Context) (core.CustodyReconciliation, error)
}

// RecoveryResult describes what a warm or cold start did.
type RecoveryResult struct {
	SnapshotSequence int64 // 0 on cold start
	Replayed         int64
	Custody          core.CustodyReconciliation
}

// Recover loads the latest verified snapshot into eng, replays every event
// after it, then reconciles the registry with the rebuilt state. Any gap or
// hash mismatch in the log aborts recovery.
func Recover(ctx context.Context, eng Replayer, sm *SnapshotManager, metrics *observability.Metrics, logger zerolog.Logger) (RecoveryResult, error) {
	start := time.Now()
	var res RecoveryResult

	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return res, err
	}
	if snap != nil {
		st, err := snap.State()
		if err != nil {
			return res, err
		}
		if err := eng.RestoreFromSnapshot(st); err != nil {
			return res, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		res.SnapshotSequence = snap.Sequence
		logger.Info().
			Int64("sequence", snap.Sequence).
			Int("reservations", len(st.Reservations)).
			Int("idempotency_keys", len(st.IdempotencyKeys)).
			Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start")
	}

	from := res.SnapshotSequence + 1
	for {
		rows, err := sm.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return res, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return res, err
			}
			if err := eng.Replay(env); err != nil {
				return res, err
			}
			res.Replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	custody, err := eng.ReconcileCustody(ctx)
	if err != nil {
		return res, fmt.Errorf("reconcile custody: %w", err)
	}
	res.Custody = custody
	if n := len(custody.Returned) + len(custody.Released) + len(custody.Unresolved); n > 0 {
		logger.Warn().
			Uints64("returned", custody.Returned).
			Uints64("released", custody.Released).
			Uints64("unresolved", custody.Unresolved).
			Msg("custody reconciled against registry")
	}

	if metrics != nil {
		metrics.ReplayDuration.Observe(time.Since(start).Seconds())
	}
	hash := eng.GetStateHash()
	logger.Info().
		Int64("replayed", res.Replayed).
		Int64("next_sequence", eng.GetSequence()).
		Hex("state_hash", hash[:]).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return res, nil
}
