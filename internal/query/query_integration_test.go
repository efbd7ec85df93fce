package query_test

import (
	"SlotLock/internal/auth"
	"SlotLock/internal/clock"
	"SlotLock/internal/core"
	"SlotLock/internal/persistence"
	"SlotLock/internal/projection"
	"SlotLock/internal/query"
	"SlotLock/internal/registry"
	"SlotLock/internal/state"
	"SlotLock/internal/testutil"
	"context"
	"database/sql"
	"encoding/hex"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// seed runs a small workload and writes it through the persistence worker
// and the Postgres projection.
func seed(t *testing.T, db *sql.DB) (*core.Engine, []core.Output) {
	t.Helper()
	ctx := context.Background()
	reg := registry.NewMemory()
	persistCh := make(chan core.Output, 64)

	eng := core.NewEngine(core.Config{
		Identity:    "engine",
		Registry:    reg,
		Operators:   auth.NewOperatorSet("ops"),
		Clock:       clock.NewManual(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)),
		PersistChan: persistCh,
	})
	today := state.DayOf(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))

	for i, owner := range []state.Identity{"alice", "bob"} {
		id := uint64(i + 10)
		_ = reg.Mint(ctx, id, owner)
		_ = reg.Approve(ctx, owner, id, "engine")
		if _, err := eng.MakeReservation(ctx, id, today+state.Day(i+1), "x", owner); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := eng.FulfillReservation(ctx, "alice", "ops"); err != nil {
		t.Fatal(err)
	}
	_ = reg.Approve(ctx, "alice", 10, "engine")
	if _, err := eng.MakeReservation(ctx, 10, today+5, "x", "alice"); err != nil {
		t.Fatal(err)
	}
	close(persistCh)

	var outputs []core.Output
	for o := range persistCh {
		outputs = append(outputs, o)
	}

	in := make(chan core.Output, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)
	if err := persistence.NewPersistenceWorker(db, in, 10, time.Millisecond, nil).Run(ctx); err != nil {
		t.Fatal(err)
	}

	sink := projection.NewPostgresSink(db)
	for _, o := range outputs {
		if err := sink.Apply(ctx, o.Envelope.Sequence, o.Reservation); err != nil {
			t.Fatalf("project %d: %v", o.Envelope.Sequence, err)
		}
	}
	return eng, outputs
}

func TestIntegration_QueryService(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	eng, outputs := seed(t, db)
	qs := query.NewQueryService(db, "engine")

	list, err := qs.ListByOwner(ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("alice has %d reservations", len(list))
	}
	if list[0].State != state.ReservationStatePending || list[1].State != state.ReservationStateFulfilled {
		t.Errorf("states %s, %s", list[0].State, list[1].State)
	}

	history, err := qs.GetAssetHistory(ctx, 10, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 || history[0].JournalType != "escrow" || history[1].JournalType != "release" {
		t.Errorf("asset 10 history %+v", history)
	}
	before := history[0].Sequence
	older, _ := qs.GetAssetHistory(ctx, 10, 10, &before)
	if len(older) != 2 {
		t.Errorf("cursor page has %d entries", len(older))
	}

	info, err := qs.EventLogInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.LatestSequence != int64(len(outputs)) || info.ProjectionWatermark != info.LatestSequence {
		t.Errorf("info %+v", info)
	}
	hash := eng.GetStateHash()
	if info.LatestStateHash != hex.EncodeToString(hash[:]) {
		t.Errorf("head hash %s", info.LatestStateHash)
	}

	report, err := qs.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.IsHealthy || report.EventsChecked != int64(len(outputs)) {
		t.Errorf("report %+v", report)
	}
}

func TestIntegration_VerifyIntegrityDetectsTampering(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seed(t, db)
	if _, err := db.ExecContext(ctx, `
		UPDATE event_log.events SET payload = jsonb_set(payload, '{contact}', '"forged"') WHERE sequence = 2
	`); err != nil {
		t.Fatal(err)
	}

	report, err := query.NewQueryService(db, "engine").VerifyIntegrity(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.IsHealthy || len(report.StateHashErrors) != 1 || report.StateHashErrors[0] != 2 {
		t.Errorf("report %+v", report)
	}
}

func TestIntegration_RebuildProjections(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_, outputs := seed(t, db)
	if _, err := db.ExecContext(ctx, `DELETE FROM projections.reservations WHERE owner = 'bob'`); err != nil {
		t.Fatal(err)
	}

	qs := query.NewQueryService(db, "engine")
	report, _ := qs.VerifyIntegrity(ctx)
	if report.IsHealthy || len(report.EscrowMismatches) != 1 || report.EscrowMismatches[0] != 11 {
		t.Fatalf("expected asset 11 mismatch, got %+v", report)
	}

	n, err := projection.RebuildProjections(ctx, db, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(outputs)) {
		t.Errorf("rebuilt from %d events", n)
	}
	report, _ = qs.VerifyIntegrity(ctx)
	if !report.IsHealthy {
		t.Errorf("still unhealthy after rebuild: %+v", report)
	}
	bob, _ := qs.ListByOwner(ctx, "bob", 0)
	if len(bob) != 1 {
		t.Errorf("bob has %d rows", len(bob))
	}
}
