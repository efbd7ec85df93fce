package state_test

import (
	"SlotLock/internal/state"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newReservation(owner state.Identity, assetID uint64, day state.Day) *state.Reservation {
	return &state.Reservation{
		ID:      uuid.New(),
		AssetID: assetID,
		Day:     day,
		Contact: "contact",
		Owner:   owner,
		State:   state.ReservationStatePending,
	}
}

// ============================================================================
// Test: Day
// ============================================================================

func TestDayOf_TruncatesToUTCMidnight(t *testing.T) {
	ts := time.Date(2024, 3, 5, 23, 59, 59, 0, time.UTC)
	d := state.DayOf(ts)

	if got := d.Time(); !got.Equal(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("got %v, want 2024-03-05 00:00 UTC", got)
	}
	if d.String() != "2024-03-05" {
		t.Errorf("got %q, want %q", d.String(), "2024-03-05")
	}
}

func TestDayOf_EpochIndex(t *testing.T) {
	// 1_700_000_000 / 86400 = 19675
	d := state.DayOf(time.Unix(1_700_000_000, 0))
	if d != 19675 {
		t.Errorf("got %d, want 19675", d)
	}
}

func TestDayOf_BeforeEpoch(t *testing.T) {
	d := state.DayOf(time.Unix(-1, 0))
	if d != -1 {
		t.Errorf("got %d, want -1", d)
	}
}

func TestParseDay(t *testing.T) {
	d, err := state.ParseDay("1970-01-11")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 10 {
		t.Errorf("got %d, want 10", d)
	}

	if _, err := state.ParseDay("11/01/1970"); err == nil {
		t.Error("expected error for malformed day")
	}
}

// ============================================================================
// Test: ReservationState
// ============================================================================

func TestReservationState_Transitions(t *testing.T) {
	tests := []struct {
		from, to state.ReservationState
		ok       bool
	}{
		{state.ReservationStatePending, state.ReservationStateFulfilled, true},
		{state.ReservationStateFulfilled, state.ReservationStatePending, false},
		{state.ReservationStateFulfilled, state.ReservationStateFulfilled, false},
		{state.ReservationStatePending, state.ReservationStatePending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestReservation_CanonicalBytesDeterministic(t *testing.T) {
	r := newReservation("alice", 7, 100)
	a := r.CanonicalBytes()
	b := r.CanonicalBytes()
	if !slices.Equal(a, b) {
		t.Fatal("canonical bytes differ across calls")
	}

	fd := state.Day(101)
	r.State = state.ReservationStateFulfilled
	r.FulfilledDay = &fd
	if slices.Equal(a, r.CanonicalBytes()) {
		t.Error("canonical bytes should change on fulfillment")
	}
}

func TestReservation_CloneDetachesFulfilledDay(t *testing.T) {
	fd := state.Day(5)
	r := newReservation("alice", 1, 4)
	r.FulfilledDay = &fd

	c := r.Clone()
	*c.FulfilledDay = 99
	if *r.FulfilledDay != 5 {
		t.Errorf("clone shares FulfilledDay pointer")
	}
}

// ============================================================================
// Test: SlotIndex
// ============================================================================

func TestSlotIndex_BookAndLookup(t *testing.T) {
	si := state.NewSlotIndex()
	r := newReservation("alice", 1, 10)

	if err := si.Book(10, r); err != nil {
		t.Fatalf("book: %v", err)
	}
	got, ok := si.Lookup(10)
	if !ok || got != r {
		t.Fatalf("lookup returned %v, %v", got, ok)
	}
	if _, ok := si.Lookup(11); ok {
		t.Error("day 11 should be free")
	}
}

func TestSlotIndex_BookTwiceFails(t *testing.T) {
	si := state.NewSlotIndex()
	first := newReservation("alice", 1, 10)
	_ = si.Book(10, first)

	err := si.Book(10, newReservation("bob", 2, 10))
	if !errors.Is(err, state.ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	got, _ := si.Lookup(10)
	if got != first {
		t.Error("existing entry was overwritten")
	}
}

func TestSlotIndex_BookedAscendingAndRestartable(t *testing.T) {
	si := state.NewSlotIndex()
	for _, d := range []state.Day{30, 10, 20, 15} {
		if err := si.Book(d, newReservation("x", uint64(d), d)); err != nil {
			t.Fatalf("book %d: %v", d, err)
		}
	}

	want := []state.Day{10, 15, 20, 30}
	if got := slices.Collect(si.Booked()); !slices.Equal(got, want) {
		t.Errorf("first pass: got %v, want %v", got, want)
	}
	if got := slices.Collect(si.Booked()); !slices.Equal(got, want) {
		t.Errorf("second pass: got %v, want %v", got, want)
	}
}

func TestSlotIndex_BookedEarlyStop(t *testing.T) {
	si := state.NewSlotIndex()
	for d := state.Day(1); d <= 5; d++ {
		_ = si.Book(d, newReservation("x", uint64(d), d))
	}

	var got []state.Day
	for d := range si.Booked() {
		got = append(got, d)
		if len(got) == 2 {
			break
		}
	}
	if !slices.Equal(got, []state.Day{1, 2}) {
		t.Errorf("got %v", got)
	}
}

func TestSlotIndex_BookedSeesInsertDuringIteration(t *testing.T) {
	si := state.NewSlotIndex()
	_ = si.Book(1, newReservation("a", 1, 1))
	_ = si.Book(5, newReservation("b", 2, 5))

	var got []state.Day
	for d := range si.Booked() {
		got = append(got, d)
		if d == 1 {
			_ = si.Book(3, newReservation("c", 3, 3))
		}
	}
	if !slices.Equal(got, []state.Day{1, 3, 5}) {
		t.Errorf("got %v, want [1 3 5]", got)
	}
}

func TestSlotIndex_NextAfter(t *testing.T) {
	si := state.NewSlotIndex()
	_ = si.Book(10, newReservation("a", 1, 10))
	_ = si.Book(20, newReservation("b", 2, 20))

	tests := []struct {
		in   state.Day
		want state.Day
		ok   bool
	}{
		{0, 10, true},
		{10, 20, true},
		{15, 20, true},
		{20, 0, false},
	}
	for _, tt := range tests {
		got, ok := si.NextAfter(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NextAfter(%d) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSlotIndex_EmptyBooked(t *testing.T) {
	si := state.NewSlotIndex()
	if n := len(slices.Collect(si.Booked())); n != 0 {
		t.Errorf("expected no days, got %d", n)
	}
}

// ============================================================================
// Test: OwnerIndex
// ============================================================================

func TestOwnerIndex_ClaimReleaseCycle(t *testing.T) {
	oi := state.NewOwnerIndex()
	r := newReservation("alice", 1, 10)

	if err := oi.Claim("alice", r); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got, ok := oi.Lookup("alice"); !ok || got != r {
		t.Fatalf("lookup after claim: %v, %v", got, ok)
	}

	released, err := oi.Release("alice")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released != r {
		t.Error("release returned wrong reservation")
	}
	if _, ok := oi.Lookup("alice"); ok {
		t.Error("entry should be gone after release")
	}

	if err := oi.Claim("alice", newReservation("alice", 2, 11)); err != nil {
		t.Errorf("re-claim after release: %v", err)
	}
}

func TestOwnerIndex_DoubleClaimFails(t *testing.T) {
	oi := state.NewOwnerIndex()
	_ = oi.Claim("alice", newReservation("alice", 1, 10))

	err := oi.Claim("alice", newReservation("alice", 2, 11))
	if !errors.Is(err, state.ErrOwnerAlreadyReserved) {
		t.Fatalf("expected ErrOwnerAlreadyReserved, got %v", err)
	}
	if oi.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", oi.Len())
	}
}

func TestOwnerIndex_ReleaseAbsent(t *testing.T) {
	oi := state.NewOwnerIndex()
	_, err := oi.Release("nobody")
	if !errors.Is(err, state.ErrNoActiveReservation) {
		t.Fatalf("expected ErrNoActiveReservation, got %v", err)
	}
}
