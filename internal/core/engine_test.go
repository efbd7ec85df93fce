package core_test

import (
	"SlotLock/internal/auth"
	"SlotLock/internal/clock"
	"SlotLock/internal/core"
	"SlotLock/internal/event"
	"SlotLock/internal/observability"
	"SlotLock/internal/registry"
	"SlotLock/internal/state"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// --- Test helpers ---

const (
	engineID state.Identity = "engine"
	operator state.Identity = "ops"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	engine      *core.Engine
	reg         *registry.Memory
	clock       *clock.Manual
	persistChan chan core.Output
	projChan    chan core.Output
	today       state.Day
}

func newHarness(t *testing.T, opts ...func(*core.Config)) *harness {
	t.Helper()
	h := &harness{
		reg:         registry.NewMemory(),
		clock:       clock.NewManual(epoch),
		persistChan: make(chan core.Output, 1024),
		projChan:    make(chan core.Output, 1024),
		today:       state.DayOf(epoch),
	}
	cfg := core.Config{
		Identity:       engineID,
		Registry:       h.reg,
		Operators:      auth.NewOperatorSet(operator),
		Clock:          h.clock,
		PersistChan:    h.persistChan,
		ProjectionChan: h.projChan,
		Metrics:        observability.NewMetrics(prometheus.NewRegistry()),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.engine = core.NewEngine(cfg)
	return h
}

// give mints assetID to owner and approves the engine to escrow it.
func (h *harness) give(t *testing.T, assetID uint64, owner state.Identity) {
	t.Helper()
	ctx := context.Background()
	if err := h.reg.Mint(ctx, assetID, owner); err != nil {
		t.Fatalf("mint %d: %v", assetID, err)
	}
	h.approve(t, assetID, owner)
}

func (h *harness) approve(t *testing.T, assetID uint64, owner state.Identity) {
	t.Helper()
	if err := h.reg.Approve(context.Background(), owner, assetID, engineID); err != nil {
		t.Fatalf("approve %d: %v", assetID, err)
	}
}

func (h *harness) reserve(assetID uint64, day state.Day, contact string, caller state.Identity) (state.Reservation, error) {
	return h.engine.MakeReservation(context.Background(), assetID, day, contact, caller)
}

func (h *harness) holder(t *testing.T, assetID uint64) state.Identity {
	t.Helper()
	id, err := h.reg.HolderOf(context.Background(), assetID)
	if err != nil {
		t.Fatalf("holder of %d: %v", assetID, err)
	}
	return id
}

func drainOutputs(ch chan core.Output) []core.Output {
	var outs []core.Output
	for {
		select {
		case o := <-ch:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

// ============================================================================
// End-to-end scenarios
// ============================================================================

func TestScenarios(t *testing.T) {
	h := newHarness(t)
	D := h.today
	h.give(t, 1, "U")
	h.give(t, 2, "U")
	h.give(t, 3, "V")
	h.give(t, 4, "W")

	// A: U reserves asset 1 for D+7.
	r, err := h.reserve(1, D+7, "u@x", "U")
	if err != nil {
		t.Fatalf("A: %v", err)
	}
	owner, got, ok := h.engine.GetReservation(D + 7)
	if !ok {
		t.Fatal("A: reservation not found")
	}
	if owner != "U" || got.AssetID != 1 || got.Day != D+7 || got.Contact != "u@x" || got.State != state.ReservationStatePending {
		t.Fatalf("A: got owner=%s %+v", owner, got)
	}
	if got.ID != r.ID {
		t.Errorf("A: returned and stored reservation differ")
	}
	if h.holder(t, 1) != engineID {
		t.Errorf("A: asset 1 should be escrowed, held by %s", h.holder(t, 1))
	}

	// B: second reservation by U fails.
	_, err = h.reserve(2, D+3, "u@x", "U")
	expectErr(t, err, core.ErrOwnerAlreadyReserved)
	if h.holder(t, 2) != "U" {
		t.Error("B: failed reservation must not move custody")
	}

	// C: V tries U's day.
	_, err = h.reserve(3, D+7, "v@x", "V")
	expectErr(t, err, core.ErrSlotTaken)

	// D: operator fulfills; U may reserve again.
	fulfilled, err := h.engine.FulfillReservation(context.Background(), "U", operator)
	if err != nil {
		t.Fatalf("D: %v", err)
	}
	if fulfilled.State != state.ReservationStateFulfilled {
		t.Errorf("D: state %s", fulfilled.State)
	}
	if fulfilled.FulfilledDay == nil || *fulfilled.FulfilledDay != D {
		t.Errorf("D: fulfilled day %v", fulfilled.FulfilledDay)
	}
	if h.holder(t, 1) != "U" {
		t.Errorf("D: asset 1 should return to U, held by %s", h.holder(t, 1))
	}
	if _, err := h.reserve(2, D+3, "u@x", "U"); err != nil {
		t.Fatalf("D: re-reserve: %v", err)
	}

	// Fulfilled reservation still answers for its day.
	owner, got, ok = h.engine.GetReservation(D + 7)
	if !ok || owner != "U" || got.State != state.ReservationStateFulfilled {
		t.Errorf("D: day D+7 after fulfillment: %s %+v %v", owner, got, ok)
	}

	// E: W tries a past day.
	_, err = h.reserve(4, D-3, "w@x", "W")
	expectErr(t, err, core.ErrPastDate)
}

// ============================================================================
// MakeReservation
// ============================================================================

func TestMakeReservation_TodayAllowed(t *testing.T) {
	h := newHarness(t)
	h.give(t, 1, "alice")

	if _, err := h.reserve(1, h.today, "c", "alice"); err != nil {
		t.Fatalf("today should be reservable: %v", err)
	}
}

func TestMakeReservation_PastDateForEveryCaller(t *testing.T) {
	h := newHarness(t)
	h.give(t, 1, "alice")
	h.give(t, 2, "bob")

	for _, tc := range []struct {
		asset  uint64
		caller state.Identity
	}{{1, "alice"}, {2, "bob"}} {
		_, err := h.reserve(tc.asset, h.today-1, "c", tc.caller)
		expectErr(t, err, core.ErrPastDate)
	}
}

func TestMakeReservation_NotHolder(t *testing.T) {
	h := newHarness(t)
	h.give(t, 1, "alice")

	_, err := h.reserve(1, h.today+1, "c", "mallory")
	expectErr(t, err, core.ErrNotAuthorized)
}

func TestMakeReservation_NotApproved(t *testing.T) {
	h := newHarness(t)
	if err := h.reg.Mint(context.Background(), 1, "alice"); err != nil {
		t.Fatal(err)
	}

	_, err := h.reserve(1, h.today+1, "c", "alice")
	expectErr(t, err, core.ErrNotAuthorized)
}

func TestMakeReservation_OperatorApprovalForAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.reg.Mint(ctx, 1, "alice")
	_ = h.reg.SetApprovalForAll(ctx, "alice", engineID, true)

	if _, err := h.reserve(1, h.today+1, "c", "alice"); err != nil {
		t.Fatalf("approval-for-all should grant escrow right: %v", err)
	}
}

func TestMakeReservation_UnknownAsset(t *testing.T) {
	h := newHarness(t)
	_, err := h.reserve(404, h.today+1, "c", "alice")
	expectErr(t, err, core.ErrNotAuthorized)
}

func TestMakeReservation_AssetAlreadyLocked(t *testing.T) {
	h := newHarness(t)
	h.give(t, 1, "alice")
	if _, err := h.reserve(1, h.today+1, "c", "alice"); err != nil {
		t.Fatal(err)
	}

	// Same asset, other callers and days.
	for _, caller := range []state.Identity{"alice", "bob", operator} {
		_, err := h.reserve(1, h.today+5, "c", caller)
		expectErr(t, err, core.ErrAssetAlreadyLocked)
	}
}

func TestMakeReservation_CheckOrder(t *testing.T) {
	h := newHarness(t)
	h.give(t, 1, "alice")
	h.give(t, 2, "alice")
	h.give(t, 3, "bob")
	if _, err := h.reserve(1, h.today+1, "c", "alice"); err != nil {
		t.Fatal(err)
	}

	// Owner conflict and slot conflict together: owner wins.
	_, err := h.reserve(2, h.today+1, "c", "alice")
	expectErr(t, err, core.ErrOwnerAlreadyReserved)

	// Not authorized beats past date.
	_, err = h.reserve(3, h.today-1, "c", "alice")
	expectErr(t, err, core.ErrNotAuthorized)

	// Past date beats locked asset.
	_, err = h.reserve(1, h.today-1, "c", "bob")
	expectErr(t, err, core.ErrPastDate)

	// Not authorized beats a bad contact.
	_, err = h.reserve(3, h.today+2, "", "alice")
	expectErr(t, err, core.ErrNotAuthorized)
}

func TestMakeReservation_InvalidContact(t *testing.T) {
	h := newHarness(t)
	h.give(t, 1, "alice")

	for _, contact := range []string{"", strings.Repeat("x", core.MaxContactBytes+1)} {
		_, err := h.reserve(1, h.today+1, contact, "alice")
		expectErr(t, err, core.ErrInvalidContact)
	}
	if _, err := h.reserve(1, h.today+1, strings.Repeat("x", core.MaxContactBytes), "alice"); err != nil {
		t.Errorf("contact at limit rejected: %v", err)
	}
}

func TestMakeReservation_FailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.give(t, 1, "alice")
	h.give(t, 2, "bob")
	_, _ = h.reserve(1, h.today+1, "c", "alice")
	drainOutputs(h.persistChan)
	seq := h.engine.GetSequence()
	hash := h.engine.GetStateHash()

	_, err := h.reserve(2, h.today+1, "c", "bob")
	expectErr(t, err, core.ErrSlotTaken)

	if h.engine.GetSequence() != seq || h.engine.GetStateHash() != hash {
		t.Error("rejected write advanced the chain")
	}
	if n := len(drainOutputs(h.persistChan)); n != 0 {
		t.Errorf("rejected write emitted %d outputs", n)
	}
	if _, ok := h.engine.ActiveReservation("bob"); ok {
		t.Error("bob should have no reservation")
	}
	if h.holder(t, 2) != "bob" {
		t.Error("bob's asset moved")
	}
}

// failingRegistry accepts escrow checks but refuses to move anything.
type failingRegistry struct {
	*registry.Memory
}

func (f failingRegistry) TransferCustody(ctx context.Context, spender state.Identity, assetID uint64, from, to state.Identity) error {
	return errors.New("registry unavailable")
}

func TestMakeReservation_TransferFailureAborts(t *testing.T) {
	mem := registry.NewMemory()
	h := newHarness(t, func(c *core.Config) { c.Registry = failingRegistry{mem} })
	ctx := context.Background()
	_ = mem.Mint(ctx, 1, "alice")
	_ = mem.Approve(ctx, "alice", 1, engineID)

	_, err := h.reserve(1, h.today+1, "c", "alice")
	if err == nil || core.IsDomainError(err) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
	if _, _, ok := h.engine.GetReservation(h.today + 1); ok {
		t.Error("day booked despite failed transfer")
	}
	if core.Reason(err) != "internal" {
		t.Errorf("reason: got %s", core.Reason(err))
	}
}

func TestMakeReservation_SingleUsePerAsset(t *testing.T) {
	h := newHarness(t, func(c *core.Config) { c.SingleUsePerAsset = true })
	ctx := context.Background()
	h.give(t, 1, "alice")

	if _, err := h.reserve(1, h.today+1, "c", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.FulfillReservation(ctx, "alice", operator); err != nil {
		t.Fatal(err)
	}
	h.approve(t, 1, "alice")

	_, err := h.reserve(1, h.today+2, "c", "alice")
	expectErr(t, err, core.ErrAssetAlreadyLocked)

	// Default policy lets the asset be pledged again.
	h2 := newHarness(t)
	h2.give(t, 1, "alice")
	_, _ = h2.reserve(1, h2.today+1, "c", "alice")
	_, _ = h2.engine.FulfillReservation(ctx, "alice", operator)
	h2.approve(t, 1, "alice")
	if _, err := h2.reserve(1, h2.today+2, "c", "alice"); err != nil {
		t.Errorf("re-pledge under default policy: %v", err)
	}
}

// ============================================================================
// FulfillReservation
// ============================================================================

func TestFulfillReservation_OneWay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.give(t, 1, "alice")
	_, _ = h.reserve(1, h.today+1, "c", "alice")

	if _, err := h.engine.FulfillReservation(ctx, "alice", operator); err != nil {
		t.Fatal(err)
	}
	_, err := h.engine.FulfillReservation(ctx, "alice", operator)
	expectErr(t, err, core.ErrNoActiveReservation)
}

func TestFulfillReservation_RequiresOperator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.give(t, 1, "alice")
	_, _ = h.reserve(1, h.today+1, "c", "alice")

	for _, caller := range []state.Identity{"alice", engineID, ""} {
		_, err := h.engine.FulfillReservation(ctx, "alice", caller)
		expectErr(t, err, core.ErrNotAuthorized)
	}
	if _, ok := h.engine.ActiveReservation("alice"); !ok {
		t.Error("reservation should still be pending")
	}
}

func TestFulfillReservation_NotByOwnOperator(t *testing.T) {
	h := newHarness(t, func(c *core.Config) { c.Operators = auth.NewOperatorSet(operator, "ops2") })
	ctx := context.Background()
	h.give(t, 1, operator)
	if _, err := h.reserve(1, h.today+1, "c", operator); err != nil {
		t.Fatal(err)
	}

	_, err := h.engine.FulfillReservation(ctx, operator, operator)
	expectErr(t, err, core.ErrNotAuthorized)
	if h.holder(t, 1) != engineID {
		t.Error("rejected fulfill moved custody")
	}

	if _, err := h.engine.FulfillReservation(ctx, operator, "ops2"); err != nil {
		t.Fatalf("another operator: %v", err)
	}
	if h.holder(t, 1) != operator {
		t.Error("asset not returned to owner")
	}
}

func TestFulfillReservation_UnknownOwner(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.FulfillReservation(context.Background(), "nobody", operator)
	expectErr(t, err, core.ErrNoActiveReservation)
}

// ============================================================================
// Queries
// ============================================================================

func TestAvailableDates_ExcludesBookedWithinHorizon(t *testing.T) {
	h := newHarness(t, func(c *core.Config) { c.HorizonDays = 5 })
	h.give(t, 1, "alice")
	h.give(t, 2, "bob")
	_, _ = h.reserve(1, h.today+1, "c", "alice")
	_, _ = h.reserve(2, h.today+3, "c", "bob")

	got := slices.Collect(h.engine.AvailableDates())
	want := []state.Day{h.today, h.today + 2, h.today + 4}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAvailableDates_FulfilledDayStaysBooked(t *testing.T) {
	h := newHarness(t, func(c *core.Config) { c.HorizonDays = 3 })
	h.give(t, 1, "alice")
	_, _ = h.reserve(1, h.today+1, "c", "alice")
	_, _ = h.engine.FulfillReservation(context.Background(), "alice", operator)

	got := slices.Collect(h.engine.AvailableDates())
	if slices.Contains(got, h.today+1) {
		t.Errorf("fulfilled day offered again: %v", got)
	}
}

func TestAvailableDates_FollowsClock(t *testing.T) {
	h := newHarness(t, func(c *core.Config) { c.HorizonDays = 2 })
	h.clock.Advance(48 * time.Hour)

	got := slices.Collect(h.engine.AvailableDates())
	want := []state.Day{h.today + 2, h.today + 3}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAvailableDates_WriteDuringIteration(t *testing.T) {
	h := newHarness(t, func(c *core.Config) { c.HorizonDays = 4 })
	h.give(t, 1, "alice")

	var got []state.Day
	for d := range h.engine.AvailableDates() {
		got = append(got, d)
		if d == h.today {
			if _, err := h.reserve(1, h.today+2, "c", "alice"); err != nil {
				t.Fatalf("reserve mid-iteration: %v", err)
			}
		}
	}
	want := []state.Day{h.today, h.today + 1, h.today + 3}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestQueries_DoNotMutate(t *testing.T) {
	h := newHarness(t, func(c *core.Config) { c.HorizonDays = 10 })
	h.give(t, 1, "alice")
	_, _ = h.reserve(1, h.today+4, "c", "alice")
	seq, hash := h.engine.GetSequence(), h.engine.GetStateHash()

	firstDates := slices.Collect(h.engine.AvailableDates())
	_, firstRes, _ := h.engine.GetReservation(h.today + 4)
	for i := 0; i < 5; i++ {
		if got := slices.Collect(h.engine.AvailableDates()); !slices.Equal(got, firstDates) {
			t.Fatalf("pass %d: dates changed", i)
		}
		_, r, ok := h.engine.GetReservation(h.today + 4)
		if !ok || r.ID != firstRes.ID || r.State != firstRes.State {
			t.Fatalf("pass %d: reservation changed", i)
		}
		if _, _, ok := h.engine.GetReservation(h.today + 5); ok {
			t.Fatalf("pass %d: phantom reservation", i)
		}
	}
	if h.engine.GetSequence() != seq || h.engine.GetStateHash() != hash {
		t.Error("queries advanced the chain")
	}
}

func TestBookedDays_Ascending(t *testing.T) {
	h := newHarness(t)
	for i, day := range []state.Day{h.today + 9, h.today + 2, h.today + 5} {
		owner := state.Identity(fmt.Sprintf("o%d", i))
		h.give(t, uint64(i+1), owner)
		if _, err := h.reserve(uint64(i+1), day, "c", owner); err != nil {
			t.Fatal(err)
		}
	}
	got := slices.Collect(h.engine.BookedDays())
	want := []state.Day{h.today + 2, h.today + 5, h.today + 9}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

// ============================================================================
// Outputs, hash chain, idempotency
// ============================================================================

func TestOutputs_ChainAndJournals(t *testing.T) {
	h := newHarness(t)
	h.give(t, 1, "alice")
	_, _ = h.reserve(1, h.today+1, "c", "alice")
	_, _ = h.engine.FulfillReservation(context.Background(), "alice", operator)

	outs := drainOutputs(h.persistChan)
	if len(outs) != 2 {
		t.Fatalf("expected 2 persist outputs, got %d", len(outs))
	}
	if n := len(drainOutputs(h.projChan)); n != 2 {
		t.Errorf("expected 2 projection outputs, got %d", n)
	}

	if outs[0].Envelope.Sequence != 1 || outs[1].Envelope.Sequence != 2 {
		t.Errorf("sequences %d, %d", outs[0].Envelope.Sequence, outs[1].Envelope.Sequence)
	}
	if outs[0].Envelope.PrevHash != core.GenesisHash() {
		t.Error("first event should chain from genesis")
	}
	if outs[1].Envelope.PrevHash != outs[0].Envelope.StateHash {
		t.Error("second event should chain from first")
	}
	if outs[1].Envelope.StateHash != h.engine.GetStateHash() {
		t.Error("engine tip should equal last state hash")
	}
	if outs[0].Envelope.EventType != event.EventTypeReservationMade || outs[1].Envelope.EventType != event.EventTypeReservationFulfilled {
		t.Errorf("event types %s, %s", outs[0].Envelope.EventType, outs[1].Envelope.EventType)
	}
	if outs[0].Batch == nil || len(outs[0].Batch.Journals) != 1 || len(outs[1].Batch.Journals) != 1 {
		t.Fatal("each write should carry one custody journal")
	}

	payload, err := event.DecodePayload(outs[1].Envelope.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if payload.State != "Fulfilled" || payload.Caller != string(operator) {
		t.Errorf("payload %+v", payload)
	}
}

func TestOutputs_ProjectionDropDoesNotBlock(t *testing.T) {
	persist := make(chan core.Output, 8)
	proj := make(chan core.Output) // unbuffered, nobody reading
	h := newHarness(t, func(c *core.Config) {
		c.PersistChan = persist
		c.ProjectionChan = proj
	})
	h.give(t, 1, "alice")

	done := make(chan error, 1)
	go func() {
		_, err := h.reserve(1, h.today+1, "c", "alice")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine blocked on projection channel")
	}
	if len(persist) != 1 {
		t.Errorf("persist got %d outputs", len(persist))
	}
}

func TestProcessCommand_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.give(t, 1, "alice")

	cmd := &event.MakeReservation{RequestID: "req-1", AssetID: 1, Day: h.today + 1, Contact: "c", Caller: "alice"}
	first, err := h.engine.ProcessCommand(ctx, cmd)
	if err != nil {
		t.Fatal(err)
	}
	again, err := h.engine.ProcessCommand(ctx, cmd)
	if err != nil {
		t.Fatalf("duplicate should succeed with the recorded result: %v", err)
	}
	if again.ID != first.ID {
		t.Error("duplicate returned a different reservation")
	}
	if n := len(drainOutputs(h.persistChan)); n != 1 {
		t.Errorf("duplicate emitted output: %d total", n)
	}

	// Same request ID for a different operation is not a duplicate.
	fulfill := &event.FulfillReservation{RequestID: "req-1", Owner: "alice", Caller: operator}
	done, err := h.engine.ProcessCommand(ctx, fulfill)
	if err != nil {
		t.Fatal(err)
	}
	if done.State != state.ReservationStateFulfilled {
		t.Errorf("state %s", done.State)
	}
	again, err = h.engine.ProcessCommand(ctx, fulfill)
	if err != nil || again.State != state.ReservationStateFulfilled {
		t.Errorf("duplicate fulfill: %+v, %v", again, err)
	}
}

func TestProcessCommand_RequestIDScopedToCaller(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.give(t, 1, "alice")
	h.give(t, 2, "bob")

	alice, err := h.engine.ProcessCommand(ctx, &event.MakeReservation{RequestID: "req-1", AssetID: 1, Day: h.today + 1, Contact: "alice@x", Caller: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	bob, err := h.engine.ProcessCommand(ctx, &event.MakeReservation{RequestID: "req-1", AssetID: 2, Day: h.today + 9, Contact: "bob@x", Caller: "bob"})
	if err != nil {
		t.Fatalf("bob's request: %v", err)
	}
	if bob.ID == alice.ID || bob.Owner != "bob" || bob.AssetID != 2 || bob.Contact != "bob@x" {
		t.Fatalf("bob got %+v", bob)
	}
	if h.holder(t, 2) != engineID {
		t.Error("bob's asset not escrowed")
	}
	if owner, _, ok := h.engine.GetReservation(h.today + 9); !ok || owner != "bob" {
		t.Errorf("day +9 owner %q, booked %v", owner, ok)
	}

	// An operator's request ID does not let anyone else fulfill.
	if _, err := h.engine.ProcessCommand(ctx, &event.FulfillReservation{RequestID: "f-1", Owner: "alice", Caller: operator}); err != nil {
		t.Fatal(err)
	}
	_, err = h.engine.ProcessCommand(ctx, &event.FulfillReservation{RequestID: "f-1", Owner: "bob", Caller: "mallory"})
	expectErr(t, err, core.ErrNotAuthorized)
	if _, ok := h.engine.ActiveReservation("bob"); !ok {
		t.Error("bob's reservation should still be pending")
	}

	outs := drainOutputs(h.persistChan)
	if len(outs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outs))
	}
	if outs[0].Envelope.IdempotencyKey == outs[1].Envelope.IdempotencyKey {
		t.Errorf("keys collide: %s", outs[0].Envelope.IdempotencyKey)
	}
}

type stubDBChecker struct {
	id    uuid.UUID
	calls int
}

func (s *stubDBChecker) LookupResult(ctx context.Context, eventType, key string) (uuid.UUID, bool, error) {
	s.calls++
	if key == event.RequestKey("alice", "seen") {
		return s.id, true, nil
	}
	return uuid.Nil, false, nil
}

func TestProcessCommand_DatabaseTier(t *testing.T) {
	db := &stubDBChecker{id: uuid.New()}
	h := newHarness(t, func(c *core.Config) { c.DBChecker = db })
	ctx := context.Background()
	h.give(t, 1, "alice")

	// Recorded before this process started and not held in memory.
	_, err := h.engine.ProcessCommand(ctx, &event.MakeReservation{RequestID: "seen", AssetID: 1, Day: h.today + 1, Contact: "c", Caller: "alice"})
	expectErr(t, err, core.ErrDuplicateRequest)
	if h.holder(t, 1) != "alice" {
		t.Error("duplicate moved custody")
	}

	// Second hit is answered by the LRU.
	_, _ = h.engine.ProcessCommand(ctx, &event.MakeReservation{RequestID: "seen", AssetID: 1, Day: h.today + 1, Contact: "c", Caller: "alice"})
	if db.calls != 1 {
		t.Errorf("expected 1 database lookup, got %d", db.calls)
	}

	if _, err := h.engine.ProcessCommand(ctx, &event.MakeReservation{RequestID: "fresh", AssetID: 1, Day: h.today + 1, Contact: "c", Caller: "alice"}); err != nil {
		t.Fatalf("fresh request: %v", err)
	}
}

func TestIdempotencyLRU_Eviction(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	lru.Add("a", a)
	lru.Add("b", b)
	lru.Contains("a") // promote a
	lru.Add("c", c)

	if lru.Contains("b") {
		t.Error("b should have been evicted")
	}
	if v, ok := lru.Get("a"); !ok || v != a {
		t.Errorf("a: %v, %v", v, ok)
	}
	if lru.Evictions() != 1 || lru.Size() != 2 {
		t.Errorf("evictions=%d size=%d", lru.Evictions(), lru.Size())
	}

	entries := lru.Entries()
	if len(entries) != 2 || entries[len(entries)-1].Key != "c" {
		t.Errorf("entries %+v", entries)
	}
}

// ============================================================================
// Snapshot & replay
// ============================================================================

func TestSnapshotRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.give(t, 1, "alice")
	h.give(t, 2, "bob")
	_, _ = h.engine.ProcessCommand(ctx, &event.MakeReservation{RequestID: "r1", AssetID: 1, Day: h.today + 1, Contact: "a", Caller: "alice"})
	_, _ = h.reserve(2, h.today+2, "b", "bob")
	_, _ = h.engine.FulfillReservation(ctx, "alice", operator)

	snap := h.engine.CreateSnapshotState()

	restored := core.NewEngine(core.Config{
		Identity:  engineID,
		Registry:  h.reg,
		Operators: auth.NewOperatorSet(operator),
		Clock:     h.clock,
	})
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if restored.GetSequence() != h.engine.GetSequence() || restored.GetStateHash() != h.engine.GetStateHash() {
		t.Error("restored chain differs")
	}
	if _, ok := restored.ActiveReservation("bob"); !ok {
		t.Error("bob's pending reservation lost")
	}
	if _, ok := restored.ActiveReservation("alice"); ok {
		t.Error("alice's fulfilled reservation restored as pending")
	}

	// Replayed request ID answers from the warmed LRU.
	r, err := restored.ProcessCommand(ctx, &event.MakeReservation{RequestID: "r1", AssetID: 1, Day: h.today + 1, Contact: "a", Caller: "alice"})
	if err != nil || r.State != state.ReservationStateFulfilled {
		t.Errorf("dedup after restore: %+v, %v", r, err)
	}

	// Bob's asset is still locked after restore.
	_, err = restored.MakeReservation(ctx, 2, h.today+9, "b", "carol")
	expectErr(t, err, core.ErrAssetAlreadyLocked)
}

func TestReplay_RebuildsIdenticalChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := uint64(1); i <= 4; i++ {
		owner := state.Identity(fmt.Sprintf("u%d", i))
		h.give(t, i, owner)
		if _, err := h.reserve(i, h.today+state.Day(i), "c", owner); err != nil {
			t.Fatal(err)
		}
	}
	_, _ = h.engine.FulfillReservation(ctx, "u2", operator)
	_, _ = h.engine.FulfillReservation(ctx, "u4", operator)

	outs := drainOutputs(h.persistChan)

	replica := core.NewEngine(core.Config{
		Identity:  engineID,
		Registry:  registry.NewMemory(),
		Operators: auth.NewOperatorSet(operator),
		Clock:     h.clock,
	})
	for _, o := range outs {
		if err := replica.Replay(o.Envelope); err != nil {
			t.Fatalf("replay %d: %v", o.Envelope.Sequence, err)
		}
	}

	if replica.GetStateHash() != h.engine.GetStateHash() {
		t.Error("replayed state hash differs")
	}
	for _, owner := range []state.Identity{"u1", "u3"} {
		if _, ok := replica.ActiveReservation(owner); !ok {
			t.Errorf("%s should be pending after replay", owner)
		}
	}
	if !slices.Equal(slices.Collect(replica.BookedDays()), slices.Collect(h.engine.BookedDays())) {
		t.Error("booked days differ after replay")
	}
}

// ============================================================================
// Custody reconciliation
// ============================================================================

// restart builds a second engine over the same registry, as after a crash.
func (h *harness) restart(t *testing.T, replay []core.Output) (*core.Engine, chan core.Output) {
	t.Helper()
	out := make(chan core.Output, 16)
	eng := core.NewEngine(core.Config{
		Identity:    engineID,
		Registry:    h.reg,
		Operators:   auth.NewOperatorSet(operator),
		Clock:       h.clock,
		PersistChan: out,
	})
	for _, o := range replay {
		if err := eng.Replay(o.Envelope); err != nil {
			t.Fatalf("replay %d: %v", o.Envelope.Sequence, err)
		}
	}
	return eng, out
}

func TestReconcileCustody_ReturnsUnrecordedEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.give(t, 1, "alice")
	h.give(t, 2, "bob")
	_, _ = h.reserve(1, h.today+1, "c", "alice")
	_, _ = h.reserve(2, h.today+2, "c", "bob")

	// Only alice's event reached the log.
	outs := drainOutputs(h.persistChan)
	eng, _ := h.restart(t, outs[:1])

	res, err := eng.ReconcileCustody(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(res.Returned, []uint64{2}) || len(res.Released) != 0 || len(res.Unresolved) != 0 {
		t.Fatalf("result %+v", res)
	}
	if h.holder(t, 2) != "bob" || h.holder(t, 1) != engineID {
		t.Errorf("holders: 1=%s 2=%s", h.holder(t, 1), h.holder(t, 2))
	}

	// Bob can reserve again once the asset is back.
	h.approve(t, 2, "bob")
	if _, err := eng.MakeReservation(ctx, 2, h.today+2, "c", "bob"); err != nil {
		t.Fatalf("retry after reconcile: %v", err)
	}
}

func TestReconcileCustody_RecordsRegistryFulfillment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.give(t, 1, "alice")
	_, _ = h.reserve(1, h.today+1, "c", "alice")
	made := drainOutputs(h.persistChan)

	// The release committed in the registry, its event did not.
	if _, err := h.engine.FulfillReservation(ctx, "alice", operator); err != nil {
		t.Fatal(err)
	}
	eng, out := h.restart(t, made)

	res, err := eng.ReconcileCustody(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(res.Released, []uint64{1}) || len(res.Returned) != 0 {
		t.Fatalf("result %+v", res)
	}
	if _, ok := eng.ActiveReservation("alice"); ok {
		t.Error("alice still pending")
	}
	emitted := drainOutputs(out)
	if len(emitted) != 1 || emitted[0].Envelope.EventType != event.EventTypeReservationFulfilled {
		t.Fatalf("emitted %+v", emitted)
	}
	if emitted[0].Envelope.Sequence != 2 {
		t.Errorf("sequence %d", emitted[0].Envelope.Sequence)
	}

	// A second pass finds nothing.
	res, err = eng.ReconcileCustody(ctx)
	if err != nil || len(res.Returned)+len(res.Released)+len(res.Unresolved) != 0 {
		t.Errorf("second pass %+v, %v", res, err)
	}
}

func TestReconcileCustody_InSyncIsNoop(t *testing.T) {
	h := newHarness(t)
	h.give(t, 1, "alice")
	_, _ = h.reserve(1, h.today+1, "c", "alice")
	drainOutputs(h.persistChan)

	res, err := h.engine.ReconcileCustody(context.Background())
	if err != nil || len(res.Returned)+len(res.Released)+len(res.Unresolved) != 0 {
		t.Errorf("result %+v, %v", res, err)
	}
	if n := len(drainOutputs(h.persistChan)); n != 0 {
		t.Errorf("emitted %d outputs", n)
	}
}

func TestReplay_RejectsTamperedEvent(t *testing.T) {
	h := newHarness(t)
	h.give(t, 1, "alice")
	_, _ = h.reserve(1, h.today+1, "c", "alice")
	out := drainOutputs(h.persistChan)[0]

	tampered := *out.Envelope
	tampered.Payload = []byte(strings.Replace(string(tampered.Payload), `"contact":"c"`, `"contact":"x"`, 1))

	replica := core.NewEngine(core.Config{Identity: engineID, Registry: registry.NewMemory(), Clock: h.clock})
	if err := replica.Replay(&tampered); err == nil {
		t.Fatal("expected hash mismatch")
	}

	gap := *out.Envelope
	gap.Sequence = 5
	replica = core.NewEngine(core.Config{Identity: engineID, Registry: registry.NewMemory(), Clock: h.clock})
	if err := replica.Replay(&gap); err == nil {
		t.Fatal("expected sequence error")
	}
}

// ============================================================================
// Properties
// ============================================================================

// TestProperty_RandomWorkload drives random operations and checks that no
// day is double-booked, no owner holds two Pending reservations and no
// asset is pledged twice.
func TestProperty_RandomWorkload(t *testing.T) {
	h := newHarness(t, func(c *core.Config) { c.PersistChan = nil; c.ProjectionChan = nil })
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	const owners, assets = 8, 16
	for a := uint64(1); a <= assets; a++ {
		h.give(t, a, state.Identity(fmt.Sprintf("o%d", a%owners)))
	}

	days := map[state.Day]string{}
	for i := 0; i < 2000; i++ {
		switch rng.Intn(4) {
		case 0, 1, 2:
			asset := uint64(rng.Intn(assets) + 1)
			caller := state.Identity(fmt.Sprintf("o%d", rng.Intn(owners)))
			day := h.today + state.Day(rng.Intn(60)-5)
			h.approve(t, asset, h.holder(t, asset))
			r, err := h.reserve(asset, day, "c", caller)
			if err == nil {
				if prev, taken := days[r.Day]; taken {
					t.Fatalf("day %s booked twice (%s, %s)", r.Day, prev, r.ID)
				}
				days[r.Day] = r.ID.String()
			} else if !core.IsDomainError(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		case 3:
			owner := state.Identity(fmt.Sprintf("o%d", rng.Intn(owners)))
			_, err := h.engine.FulfillReservation(ctx, owner, operator)
			if err != nil && !errors.Is(err, core.ErrNoActiveReservation) {
				t.Fatalf("fulfill: %v", err)
			}
		}
		if rng.Intn(50) == 0 {
			h.clock.Advance(24 * time.Hour)
		}

		pledged := map[uint64]bool{}
		for o := 0; o < owners; o++ {
			r, ok := h.engine.ActiveReservation(state.Identity(fmt.Sprintf("o%d", o)))
			if !ok {
				continue
			}
			if pledged[r.AssetID] {
				t.Fatalf("asset %d pledged twice", r.AssetID)
			}
			pledged[r.AssetID] = true
			if h.holder(t, r.AssetID) != engineID {
				t.Fatalf("pending asset %d not in escrow", r.AssetID)
			}
		}
	}
}

func TestConcurrentReservations_OneWinnerPerDay(t *testing.T) {
	h := newHarness(t, func(c *core.Config) { c.PersistChan = nil; c.ProjectionChan = nil })
	const n = 32
	for i := uint64(1); i <= n; i++ {
		h.give(t, i, state.Identity(fmt.Sprintf("u%d", i)))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := uint64(1); i <= n; i++ {
		wg.Add(1)
		go func(i uint64) {
			defer wg.Done()
			_, err := h.reserve(i, h.today+10, "c", state.Identity(fmt.Sprintf("u%d", i)))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, core.ErrSlotTaken) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}
