package persistence

import (
	"SlotLock/internal/core"
	"SlotLock/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// SnapshotSource is the part of the engine snapshots are taken from.
type SnapshotSource interface {
	CreateSnapshotState() *core.SnapshotState
	GetSequence() int64
}

// Snapshotter periodically saves engine snapshots.
type Snapshotter struct {
	source   SnapshotSource
	mgr      *SnapshotManager
	interval int64 // events between snapshots
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewSnapshotter(source SnapshotSource, mgr *SnapshotManager, interval int64, metrics *observability.Metrics) *Snapshotter {
	if interval <= 0 {
		interval = 10_000
	}
	return &Snapshotter{
		source:   source,
		mgr:      mgr,
		interval: interval,
		metrics:  metrics,
		logger:   observability.NewLogger("snapshot"),
	}
}

// Run checks every tick whether interval events have passed since the last
// snapshot. Blocks until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context, tick time.Duration) error {
	last := s.source.GetSequence()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current := s.source.GetSequence()
			if current-last < s.interval {
				continue
			}
			if err := s.Take(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = current
		}
	}
}

// Take captures the engine state and persists it as a verified snapshot.
// A snapshot of an empty engine is skipped.
func (s *Snapshotter) Take(ctx context.Context) error {
	start := time.Now()

	st := s.source.CreateSnapshotState()
	if st.Sequence == 0 {
		return nil
	}
	data := NewSnapshotData(st, time.Now().UTC())

	size, err := s.mgr.SaveSnapshot(ctx, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	// Built from live state under the engine lock, so it is consistent.
	if err := s.mgr.MarkVerified(ctx, data.Sequence); err != nil {
		return fmt.Errorf("mark snapshot %d verified: %w", data.Sequence, err)
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotLastSeq.Set(float64(data.Sequence))
		s.metrics.SnapshotSizeBytes.Set(float64(size))
	}
	s.logger.Info().
		Int64("sequence", data.Sequence).
		Int("reservations", len(data.Reservations)).
		Int("size_bytes", size).
		Msg("snapshot saved")
	return nil
}
