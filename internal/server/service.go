package server

import (
	"SlotLock/internal/auth"
	"SlotLock/internal/event"
	"SlotLock/internal/projection"
	"SlotLock/internal/query"
	"SlotLock/internal/registry"
	"SlotLock/internal/state"
	"context"
	"database/sql"
	"iter"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Engine is the part of core.Engine the API serves.
type Engine interface {
	ProcessCommand(ctx context.Context, cmd event.Command) (state.Reservation, error)
	GetReservation(day state.Day) (state.Identity, state.Reservation, bool)
	AvailableDates() iter.Seq[state.Day]
	GetSequence() int64
}

// OwnerLister answers "which reservations has this owner made". Backed by
// the Postgres projection, or by the in-memory history without a database.
type OwnerLister interface {
	ListByOwner(ctx context.Context, owner state.Identity, limit int) ([]state.Reservation, error)
}

// Snapshotter takes an on-demand snapshot.
type Snapshotter interface {
	Take(ctx context.Context) error
}

// ServerDeps holds everything the services need. Query, DB and Snapshots
// are nil when running without Postgres; the methods that need them, and
// the registry methods when Registry is nil, answer Unavailable.
type ServerDeps struct {
	Engine    Engine
	Owners    OwnerLister
	Query     *query.QueryService
	DB        *sql.DB
	Snapshots Snapshotter
	Registry  registry.Admin
	Tokens    *auth.Tokens
	Admin     *auth.AdminGate
}

type slotLockService struct {
	deps   *ServerDeps
	logger zerolog.Logger
}

func callerOf(ctx context.Context) (state.Identity, error) {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "identity token required")
	}
	return id, nil
}

func parseDay(s string) (state.Day, error) {
	day, err := state.ParseDay(s)
	if err != nil {
		return 0, status.Error(codes.InvalidArgument, err.Error())
	}
	return day, nil
}

// ============================================================================
// Reservations
// ============================================================================

func (s *slotLockService) Reserve(ctx context.Context, req *ReserveRequest) (*Reservation, error) {
	caller, err := callerOf(ctx)
	if err != nil {
		return nil, err
	}
	day, err := parseDay(req.Day)
	if err != nil {
		return nil, err
	}

	r, err := s.deps.Engine.ProcessCommand(ctx, &event.MakeReservation{
		RequestID: req.RequestID,
		AssetID:   *req.AssetID,
		Day:       day,
		Contact:   req.Contact,
		Caller:    caller,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return reservationFrom(r), nil
}

func (s *slotLockService) Fulfill(ctx context.Context, req *FulfillRequest) (*Reservation, error) {
	caller, err := callerOf(ctx)
	if err != nil {
		return nil, err
	}

	r, err := s.deps.Engine.ProcessCommand(ctx, &event.FulfillReservation{
		RequestID: req.RequestID,
		Owner:     state.Identity(req.Owner),
		Caller:    caller,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return reservationFrom(r), nil
}

func (s *slotLockService) GetReservation(ctx context.Context, req *GetReservationRequest) (*GetReservationResponse, error) {
	day, err := parseDay(req.Day)
	if err != nil {
		return nil, err
	}
	owner, r, ok := s.deps.Engine.GetReservation(day)
	if !ok {
		return &GetReservationResponse{Found: false}, nil
	}
	return &GetReservationResponse{
		Found:       true,
		Owner:       string(owner),
		Reservation: reservationFrom(r),
	}, nil
}

func (s *slotLockService) AvailableDates(ctx context.Context, req *AvailableDatesRequest) (*AvailableDatesResponse, error) {
	days := []string{}
	for d := range s.deps.Engine.AvailableDates() {
		days = append(days, d.String())
		if req.Limit > 0 && len(days) == req.Limit {
			break
		}
	}
	return &AvailableDatesResponse{Days: days}, nil
}

func (s *slotLockService) ListReservations(ctx context.Context, req *ListReservationsRequest) (*ListReservationsResponse, error) {
	if s.deps.Owners == nil {
		return nil, status.Error(codes.Unavailable, "owner listing not configured")
	}
	limit := req.Limit
	if limit == 0 {
		limit = 100
	}
	list, err := s.deps.Owners.ListByOwner(ctx, state.Identity(req.Owner), limit)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "list reservations: %v", err)
	}
	resp := &ListReservationsResponse{Reservations: make([]*Reservation, 0, len(list))}
	for _, r := range list {
		resp.Reservations = append(resp.Reservations, reservationFrom(r))
	}
	return resp, nil
}

func (s *slotLockService) GetAssetHistory(ctx context.Context, req *GetAssetHistoryRequest) (*GetAssetHistoryResponse, error) {
	if s.deps.Query == nil {
		return nil, status.Error(codes.Unavailable, "custody history requires the event log")
	}
	limit := req.Limit
	if limit == 0 {
		limit = 50
	}
	movements, err := s.deps.Query.GetAssetHistory(ctx, req.AssetID, limit, req.BeforeSequence)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get asset history: %v", err)
	}
	if movements == nil {
		movements = []query.CustodyMovement{}
	}
	return &GetAssetHistoryResponse{Movements: movements}, nil
}

// ============================================================================
// Registry
// ============================================================================

func (s *slotLockService) ApproveAsset(ctx context.Context, req *ApproveAssetRequest) (*Empty, error) {
	caller, err := callerOf(ctx)
	if err != nil {
		return nil, err
	}
	if s.deps.Registry == nil {
		return nil, status.Error(codes.Unavailable, "registry administration not configured")
	}
	if err := s.deps.Registry.Approve(ctx, caller, *req.AssetID, state.Identity(req.Spender)); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *slotLockService) SetOperator(ctx context.Context, req *SetOperatorRequest) (*Empty, error) {
	caller, err := callerOf(ctx)
	if err != nil {
		return nil, err
	}
	if s.deps.Registry == nil {
		return nil, status.Error(codes.Unavailable, "registry administration not configured")
	}
	if err := s.deps.Registry.SetApprovalForAll(ctx, caller, state.Identity(req.Operator), req.Approved); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// ============================================================================
// Admin
// ============================================================================

func (s *slotLockService) MintAsset(ctx context.Context, req *MintAssetRequest) (*Empty, error) {
	if s.deps.Registry == nil {
		return nil, status.Error(codes.Unavailable, "registry administration not configured")
	}
	if err := s.deps.Registry.Mint(ctx, *req.AssetID, state.Identity(req.Holder)); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info().Uint64("asset_id", *req.AssetID).Str("holder", req.Holder).Msg("asset minted")
	return &Empty{}, nil
}

func (s *slotLockService) IssueToken(ctx context.Context, req *IssueTokenRequest) (*IssueTokenResponse, error) {
	tok, err := s.deps.Tokens.Issue(state.Identity(req.Identity))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "issue token: %v", err)
	}
	s.logger.Info().Str("identity", req.Identity).Msg("token issued")
	return &IssueTokenResponse{Token: tok}, nil
}

func (s *slotLockService) GetEventLogInfo(ctx context.Context, _ *Empty) (*query.EventLogInfo, error) {
	if s.deps.Query == nil {
		// Without a log the engine's own counter is all there is.
		return &query.EventLogInfo{LatestSequence: s.deps.Engine.GetSequence() - 1}, nil
	}
	info, err := s.deps.Query.EventLogInfo(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "event log info: %v", err)
	}
	return info, nil
}

func (s *slotLockService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if s.deps.Query == nil {
		return nil, status.Error(codes.Unavailable, "integrity verification requires the event log")
	}
	report, err := s.deps.Query.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

func (s *slotLockService) TakeSnapshot(ctx context.Context, _ *Empty) (*TakeSnapshotResponse, error) {
	if s.deps.Snapshots == nil {
		return nil, status.Error(codes.Unavailable, "snapshots require the event log")
	}
	if err := s.deps.Snapshots.Take(ctx); err != nil {
		return nil, status.Errorf(codes.Internal, "take snapshot: %v", err)
	}
	return &TakeSnapshotResponse{Sequence: s.deps.Engine.GetSequence() - 1}, nil
}

func (s *slotLockService) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildProjectionsResponse, error) {
	if s.deps.DB == nil {
		return nil, status.Error(codes.Unavailable, "projections require the event log")
	}
	n, err := projection.RebuildProjections(ctx, s.deps.DB, s.logger)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildProjectionsResponse{EventsReplayed: n}, nil
}
