package projection

import (
	"SlotLock/internal/core"
	"SlotLock/internal/event"
	"SlotLock/internal/observability"
	"SlotLock/internal/state"
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Sink receives every reservation as it stands after an accepted write.
type Sink interface {
	Name() string
	Apply(ctx context.Context, sequence int64, r state.Reservation) error
}

// ProjectionWorker updates read models from engine outputs. The engine
// sends to it without blocking, so a slow worker misses updates; the
// Postgres projection can be rebuilt from the event log.
type ProjectionWorker struct {
	sinks     []Sink
	inputChan <-chan core.Output
	lastSeq   atomic.Int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(inputChan <-chan core.Output, metrics *observability.Metrics, sinks ...Sink) *ProjectionWorker {
	return &ProjectionWorker{
		sinks:     sinks,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.process(ctx, output)
		}
	}
}

func (pw *ProjectionWorker) process(ctx context.Context, output core.Output) {
	seq := output.Envelope.Sequence
	for _, sink := range pw.sinks {
		start := time.Now()
		if err := sink.Apply(ctx, seq, output.Reservation); err != nil {
			// Eventually consistent; rebuild from the event log if needed.
			pw.logger.Warn().Err(err).Str("projection", sink.Name()).Int64("sequence", seq).Msg("projection update failed")
			continue
		}
		if pw.metrics != nil {
			pw.metrics.ProjectionUpdateDur.WithLabelValues(sink.Name()).Observe(time.Since(start).Seconds())
		}
	}

	pw.lastSeq.Store(seq)
	if pw.metrics != nil {
		pw.metrics.ProjectionWatermark.Set(float64(seq))
		pw.metrics.IngestToApply.WithLabelValues(output.Envelope.EventType.String()).
			Observe(time.Since(output.Envelope.Timestamp).Seconds())
	}
}

// LastSequence is the last sequence the worker handled.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}

// --- Postgres ---

const reservationsProjection = "reservations"

// PostgresSink maintains projections.reservations and its watermark.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Name() string { return reservationsProjection }

func (s *PostgresSink) Apply(ctx context.Context, sequence int64, r state.Reservation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertReservation(ctx, tx, sequence, r); err != nil {
		return fmt.Errorf("reservation projection: %w", err)
	}
	if err := advanceWatermark(ctx, tx, sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return tx.Commit()
}

// upsertReservation never moves a row backwards: an update carrying an
// older sequence than the stored one is ignored.
func upsertReservation(ctx context.Context, tx *sql.Tx, sequence int64, r state.Reservation) error {
	var fulfilled sql.NullInt64
	if r.FulfilledDay != nil {
		fulfilled = sql.NullInt64{Int64: int64(*r.FulfilledDay), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.reservations
			(reservation_id, asset_id, day, contact, owner, state, created_day, fulfilled_day, created_seq, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (reservation_id) DO UPDATE SET
			state = EXCLUDED.state,
			fulfilled_day = EXCLUDED.fulfilled_day,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.reservations.last_sequence < EXCLUDED.last_sequence
	`, r.ID, int64(r.AssetID), int64(r.Day), r.Contact, string(r.Owner), r.State.String(),
		int64(r.CreatedDay), fulfilled, r.Sequence, sequence)
	return err
}

func advanceWatermark(ctx context.Context, tx *sql.Tx, sequence int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = GREATEST(projections.watermark.last_sequence, $2), updated_at = NOW()
	`, reservationsProjection, sequence)
	return err
}

// RebuildProjections truncates the projection and replays every event from
// the log into it.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.reservations`,
		`DELETE FROM projections.watermark WHERE projection_name = 'reservations'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT sequence, payload FROM event_log.events ORDER BY sequence ASC`)
	if err != nil {
		return 0, fmt.Errorf("read event log: %w", err)
	}
	type entry struct {
		seq int64
		r   state.Reservation
	}
	var entries []entry
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			rows.Close()
			return 0, err
		}
		p, err := event.DecodePayload(payload)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("event %d: %w", seq, err)
		}
		r, err := p.Reservation()
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("event %d: %w", seq, err)
		}
		entries = append(entries, entry{seq: seq, r: r})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, e := range entries {
		if err := upsertReservation(ctx, tx, e.seq, e.r); err != nil {
			return 0, fmt.Errorf("rebuild at %d: %w", e.seq, err)
		}
	}
	if len(entries) > 0 {
		if err := advanceWatermark(ctx, tx, entries[len(entries)-1].seq); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	logger.Info().Int("events", len(entries)).Msg("projection rebuild complete")
	return int64(len(entries)), nil
}
