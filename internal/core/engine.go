package core

import (
	"SlotLock/internal/clock"
	"SlotLock/internal/event"
	"SlotLock/internal/ledger"
	"SlotLock/internal/observability"
	"SlotLock/internal/registry"
	"SlotLock/internal/state"
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultHorizonDays         = 90
	DefaultIdempotencyCapacity = 100_000
)

// OperatorAuthority decides who may fulfill reservations.
type OperatorAuthority interface {
	IsOperator(id state.Identity) bool
}

// Config wires an Engine. Registry, Operators and Identity are required.
type Config struct {
	// Identity the engine holds escrowed assets under
	Identity  state.Identity
	Registry  registry.AssetRegistry
	Operators OperatorAuthority
	Clock     clock.Clock

	// Days offered by AvailableDates, starting today
	HorizonDays int

	// Refuse to reserve an asset whose earlier reservation was fulfilled
	SingleUsePerAsset bool

	IdempotencyCapacity int
	DBChecker           DBIdempotencyChecker

	// Nil channels are skipped
	PersistChan    chan<- Output
	ProjectionChan chan<- Output

	Metrics *observability.Metrics
	Logger  *zerolog.Logger
}

// Engine is the reservation state machine. Each write runs under the engine
// lock as one transaction; reads take the shared lock.
type Engine struct {
	mu sync.RWMutex

	self      state.Identity
	registry  registry.AssetRegistry
	operators OperatorAuthority
	clock     clock.Clock
	horizon   int
	singleUse bool

	slots    *state.SlotIndex
	owners   *state.OwnerIndex
	byID     map[uuid.UUID]*state.Reservation
	escrowed map[uint64]*state.Reservation // asset -> Pending reservation
	redeemed map[uint64]bool               // assets with a fulfilled reservation

	sequence    int64 // next sequence to assign
	hasher      *StateHasher
	tracker     *ledger.CustodyTracker
	journalGen  *ledger.JournalGenerator
	validator   *ledger.InvariantValidator
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- Output
	projectionChan chan<- Output
}

// Output is everything a downstream worker needs about one accepted write.
type Output struct {
	Envelope    *event.EventEnvelope
	Reservation state.Reservation
	Batch       *ledger.Batch
}

func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = DefaultHorizonDays
	}
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = DefaultIdempotencyCapacity
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	tracker := ledger.NewCustodyTracker()

	return &Engine{
		self:           cfg.Identity,
		registry:       cfg.Registry,
		operators:      cfg.Operators,
		clock:          cfg.Clock,
		horizon:        cfg.HorizonDays,
		singleUse:      cfg.SingleUsePerAsset,
		slots:          state.NewSlotIndex(),
		owners:         state.NewOwnerIndex(),
		byID:           make(map[uuid.UUID]*state.Reservation),
		escrowed:       make(map[uint64]*state.Reservation),
		redeemed:       make(map[uint64]bool),
		sequence:       1,
		hasher:         NewStateHasher(),
		tracker:        tracker,
		journalGen:     ledger.NewJournalGenerator(cfg.Identity),
		validator:      ledger.NewInvariantValidator(tracker),
		idempotency:    NewIdempotencyChecker(cfg.IdempotencyCapacity, cfg.DBChecker, cfg.Metrics),
		metrics:        cfg.Metrics,
		logger:         logger,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}
}

// MakeReservation pledges assetID to book day for caller.
func (e *Engine) MakeReservation(ctx context.Context, assetID uint64, day state.Day, contact string, caller state.Identity) (state.Reservation, error) {
	return e.ProcessCommand(ctx, &event.MakeReservation{
		AssetID: assetID,
		Day:     day,
		Contact: contact,
		Caller:  caller,
	})
}

// FulfillReservation releases owner's escrowed asset back to owner. Only
// operators may call it.
func (e *Engine) FulfillReservation(ctx context.Context, owner, caller state.Identity) (state.Reservation, error) {
	return e.ProcessCommand(ctx, &event.FulfillReservation{
		Owner:  owner,
		Caller: caller,
	})
}

// ProcessCommand is the write pipeline. A command whose request ID was
// already applied returns the recorded reservation without side effects.
func (e *Engine) ProcessCommand(ctx context.Context, cmd event.Command) (state.Reservation, error) {
	start := time.Now()
	op := cmd.EventType().String()
	key := cmd.IdempotencyKey()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 1: Idempotency check (two-tier)
	if key != "" {
		if id, dup := e.idempotency.Lookup(ctx, op, key); dup {
			e.recordRejected(op, ErrDuplicateRequest)
			r, ok := e.byID[id]
			if !ok {
				return state.Reservation{}, fmt.Errorf("request %s: %w", key, ErrDuplicateRequest)
			}
			return r.Clone(), nil
		}
	}

	// Step 2: Dispatch
	var (
		out *Output
		err error
	)
	switch c := cmd.(type) {
	case *event.MakeReservation:
		out, err = e.applyMake(ctx, c)
	case *event.FulfillReservation:
		out, err = e.applyFulfill(ctx, c)
	default:
		err = fmt.Errorf("unknown command type: %T", cmd)
	}
	if err != nil {
		e.recordRejected(op, err)
		e.logger.Debug().Str("op", op).Str("request_id", key).Err(err).Msg("rejected")
		return state.Reservation{}, err
	}

	// Step 3: Post-checks
	if err := e.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 4: Emit
	e.emit(*out)

	if key != "" {
		e.idempotency.MarkProcessed(op, key, out.Reservation.ID)
	}

	if e.metrics != nil {
		e.metrics.CoreOpsApplied.WithLabelValues(op).Inc()
		e.metrics.CoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(out.Envelope.Sequence))
		e.metrics.PendingReservations.Set(float64(e.owners.Len()))
		e.metrics.BookedDays.Set(float64(e.slots.Len()))
	}

	e.logger.Info().
		Str("op", op).
		Int64("sequence", out.Envelope.Sequence).
		Str("reservation_id", out.Reservation.ID.String()).
		Uint64("asset_id", out.Reservation.AssetID).
		Str("day", out.Reservation.Day.String()).
		Str("owner", string(out.Reservation.Owner)).
		Msg("applied")

	return out.Reservation, nil
}

func (e *Engine) applyMake(ctx context.Context, cmd *event.MakeReservation) (*Output, error) {
	today := e.today()
	_, locked := e.escrowed[cmd.AssetID]

	// 1. Authorization. An asset the engine already holds fails check 3
	// instead, since its holder can no longer prove anything.
	if !locked {
		ok, err := registry.CheckEscrowRight(ctx, e.registry, cmd.Caller, cmd.AssetID, e.self)
		if err != nil {
			return nil, fmt.Errorf("check escrow right: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%s on asset %d: %w", cmd.Caller, cmd.AssetID, ErrNotAuthorized)
		}
	}

	if cmd.Contact == "" || len(cmd.Contact) > MaxContactBytes {
		return nil, fmt.Errorf("contact of %d bytes: %w", len(cmd.Contact), ErrInvalidContact)
	}

	// 2. Temporal validity
	if cmd.Day < today {
		return nil, fmt.Errorf("day %s before %s: %w", cmd.Day, today, ErrPastDate)
	}

	// 3. Asset not already pledged
	if locked || (e.singleUse && e.redeemed[cmd.AssetID]) {
		return nil, fmt.Errorf("asset %d: %w", cmd.AssetID, ErrAssetAlreadyLocked)
	}

	// 4. One live reservation per owner
	if _, ok := e.owners.Lookup(cmd.Caller); ok {
		return nil, fmt.Errorf("%s: %w", cmd.Caller, ErrOwnerAlreadyReserved)
	}

	// 5. Day free
	if e.slots.IsBooked(cmd.Day) {
		return nil, fmt.Errorf("day %s: %w", cmd.Day, ErrSlotTaken)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Custody transfer is the only fallible effect; everything after it is
	// in-memory and already validated.
	if err := e.registry.TransferCustody(ctx, e.self, cmd.AssetID, cmd.Caller, e.self); err != nil {
		return nil, fmt.Errorf("escrow asset %d: %w", cmd.AssetID, err)
	}

	r := &state.Reservation{
		ID:         uuid.New(),
		AssetID:    cmd.AssetID,
		Day:        cmd.Day,
		Contact:    cmd.Contact,
		Owner:      cmd.Caller,
		State:      state.ReservationStatePending,
		CreatedDay: today,
		Sequence:   e.sequence,
	}

	if err := e.slots.Book(r.Day, r); err != nil {
		e.compensate(ctx, cmd.AssetID, cmd.Caller)
		panic(fmt.Sprintf("FATAL: slot index rejected validated booking: %v", err))
	}
	if err := e.owners.Claim(r.Owner, r); err != nil {
		e.compensate(ctx, cmd.AssetID, cmd.Caller)
		panic(fmt.Sprintf("FATAL: owner index rejected validated claim: %v", err))
	}
	e.byID[r.ID] = r
	e.escrowed[r.AssetID] = r

	ts := e.clock.Now()
	batch := e.journalGen.GenerateEscrow(r, cmd.IdempotencyKey(), e.sequence, ts.UnixMicro())
	return e.record(cmd, r, batch, ts), nil
}

func (e *Engine) applyFulfill(ctx context.Context, cmd *event.FulfillReservation) (*Output, error) {
	if e.operators == nil || !e.operators.IsOperator(cmd.Caller) {
		return nil, fmt.Errorf("%s is not an operator: %w", cmd.Caller, ErrNotAuthorized)
	}
	if cmd.Caller == cmd.Owner {
		return nil, fmt.Errorf("%s may not fulfill its own reservation: %w", cmd.Caller, ErrNotAuthorized)
	}

	r, ok := e.owners.Lookup(cmd.Owner)
	if !ok {
		return nil, fmt.Errorf("%s: %w", cmd.Owner, ErrNoActiveReservation)
	}
	if !r.State.CanTransitionTo(state.ReservationStateFulfilled) {
		panic(fmt.Sprintf("FATAL: owner index holds %s reservation %s", r.State, r.ID))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := e.registry.TransferCustody(ctx, e.self, r.AssetID, e.self, r.Owner); err != nil {
		return nil, fmt.Errorf("release asset %d: %w", r.AssetID, err)
	}

	return e.release(cmd, r), nil
}

// release marks r fulfilled after its asset has left escrow.
func (e *Engine) release(cmd *event.FulfillReservation, r *state.Reservation) *Output {
	if _, err := e.owners.Release(r.Owner); err != nil {
		panic(fmt.Sprintf("FATAL: owner index lost entry during fulfill: %v", err))
	}
	today := e.today()
	r.State = state.ReservationStateFulfilled
	r.FulfilledDay = &today
	delete(e.escrowed, r.AssetID)
	e.redeemed[r.AssetID] = true

	ts := e.clock.Now()
	batch := e.journalGen.GenerateRelease(r, cmd.IdempotencyKey(), e.sequence, ts.UnixMicro())
	return e.record(cmd, r, batch, ts)
}

// record applies the custody journal, extends the hash chain and builds the
// output for a write that has already mutated the indices.
func (e *Engine) record(cmd event.Command, r *state.Reservation, batch *ledger.Batch, ts time.Time) *Output {
	if err := e.validator.ValidateBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: malformed custody batch: %v", err))
	}
	if err := e.tracker.ApplyBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: custody journal out of sync: %v", err))
	}

	payload, err := event.EncodePayload(event.NewReservationPayload(r, callerOf(cmd)))
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode payload: %v", err))
	}

	hashStart := time.Now()
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, e.computeStateDigest(r))
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
		for _, j := range batch.Journals {
			e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	envelope := &event.EventEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: cmd.IdempotencyKey(),
		EventType:      cmd.EventType(),
		Day:            int64(r.Day),
		Timestamp:      ts,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	e.sequence++

	return &Output{
		Envelope:    envelope,
		Reservation: r.Clone(),
		Batch:       batch,
	}
}

// computeStateDigest creates canonical bytes for the state hash: the touched
// reservation plus where its asset now sits.
func (e *Engine) computeStateDigest(r *state.Reservation) []byte {
	loc, _ := e.tracker.LocationOf(r.AssetID)
	return StateDigest(r, loc)
}

// StateDigest is the per-event input to ChainHash. Exported so the event
// log can be verified outside the engine.
func StateDigest(r *state.Reservation, location ledger.AccountKey) []byte {
	digest := r.CanonicalBytes()
	path := location.AccountPath()
	digest = append(digest, byte(len(path)))
	digest = append(digest, path...)
	return digest
}

// postCheckInvariants validates cross-index invariants after a write
func (e *Engine) postCheckInvariants() error {
	if e.owners.Len() != len(e.escrowed) {
		return fmt.Errorf("%d owners hold pending reservations, %d assets escrowed", e.owners.Len(), len(e.escrowed))
	}

	pending := make([]uint64, 0, len(e.escrowed))
	for assetID, r := range e.escrowed {
		if owned, ok := e.owners.Lookup(r.Owner); !ok || owned != r {
			return fmt.Errorf("escrowed asset %d not indexed under owner %s", assetID, r.Owner)
		}
		pending = append(pending, assetID)
	}
	return e.validator.ValidateEscrowMatchesPending(e.journalGen.EscrowAccount(), pending)
}

// emit sends to persistence (blocking, backpressure) and projections
// (non-blocking, drop on full; projections rebuild from the event log).
func (e *Engine) emit(out Output) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}

	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("reservations").Inc()
			}
		}
	}
}

func (e *Engine) compensate(ctx context.Context, assetID uint64, to state.Identity) {
	if err := e.registry.TransferCustody(context.WithoutCancel(ctx), e.self, assetID, e.self, to); err != nil {
		e.logger.Error().Err(err).Uint64("asset_id", assetID).Msg("compensating transfer failed")
	}
	if e.metrics != nil {
		e.metrics.CustodyCompensated.Inc()
	}
}

func (e *Engine) recordRejected(op string, err error) {
	if e.metrics != nil {
		e.metrics.CoreOpsRejected.WithLabelValues(op, Reason(err)).Inc()
	}
}

func (e *Engine) today() state.Day {
	return state.DayOf(e.clock.Now())
}

func callerOf(cmd event.Command) state.Identity {
	switch c := cmd.(type) {
	case *event.MakeReservation:
		return c.Caller
	case *event.FulfillReservation:
		return c.Caller
	}
	return ""
}

// --- Queries ---

// GetReservation returns who booked day and the reservation, including
// fulfilled ones.
func (e *Engine) GetReservation(day state.Day) (state.Identity, state.Reservation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.slots.Lookup(day)
	if !ok {
		return "", state.Reservation{}, false
	}
	return r.Owner, r.Clone(), true
}

// ActiveReservation returns owner's Pending reservation, if any.
func (e *Engine) ActiveReservation(owner state.Identity) (state.Reservation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.owners.Lookup(owner)
	if !ok {
		return state.Reservation{}, false
	}
	return r.Clone(), true
}

// AvailableDates yields unbooked days from today through the horizon in
// ascending order. The shared lock is taken per step and released before
// each yield, so the consumer may write while iterating; a day booked
// concurrently ahead of the cursor is skipped.
func (e *Engine) AvailableDates() iter.Seq[state.Day] {
	return func(yield func(state.Day) bool) {
		from := e.today()
		end := from.AddDays(e.horizon)

		for d := from; d < end; d++ {
			e.mu.RLock()
			booked := e.slots.IsBooked(d)
			e.mu.RUnlock()

			if booked {
				continue
			}
			if !yield(d) {
				return
			}
		}
	}
}

// BookedDays yields every booked day in ascending order.
func (e *Engine) BookedDays() iter.Seq[state.Day] {
	return func(yield func(state.Day) bool) {
		e.mu.RLock()
		cur, ok := e.slots.NextAfter(state.Day(minDay))
		e.mu.RUnlock()

		for ok {
			if !yield(cur) {
				return
			}
			e.mu.RLock()
			cur, ok = e.slots.NextAfter(cur)
			e.mu.RUnlock()
		}
	}
}

const minDay = -1 << 62

// GetSequence returns the next sequence number to be assigned.
func (e *Engine) GetSequence() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasher.GetPrevHash()
}

// Identity is the escrow identity assets are held under.
func (e *Engine) Identity() state.Identity {
	return e.self
}

// IsDomainError reports whether err is one of the engine's sentinel
// outcomes, as opposed to an infrastructure failure.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrNotAuthorized, ErrPastDate, ErrInvalidContact, ErrAssetAlreadyLocked,
		ErrOwnerAlreadyReserved, ErrSlotTaken, ErrNoActiveReservation, ErrDuplicateRequest,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
