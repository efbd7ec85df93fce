package server

import (
	"SlotLock/internal/query"
	"SlotLock/internal/state"
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "slotlock.v1.SlotLock"

// Full method names.
const (
	MethodReserve            = "/" + ServiceName + "/Reserve"
	MethodFulfill            = "/" + ServiceName + "/Fulfill"
	MethodGetReservation     = "/" + ServiceName + "/GetReservation"
	MethodAvailableDates     = "/" + ServiceName + "/AvailableDates"
	MethodListReservations   = "/" + ServiceName + "/ListReservations"
	MethodGetAssetHistory    = "/" + ServiceName + "/GetAssetHistory"
	MethodApproveAsset       = "/" + ServiceName + "/ApproveAsset"
	MethodSetOperator        = "/" + ServiceName + "/SetOperator"
	MethodMintAsset          = "/" + ServiceName + "/MintAsset"
	MethodIssueToken         = "/" + ServiceName + "/IssueToken"
	MethodGetEventLogInfo    = "/" + ServiceName + "/GetEventLogInfo"
	MethodVerifyIntegrity    = "/" + ServiceName + "/VerifyIntegrity"
	MethodTakeSnapshot       = "/" + ServiceName + "/TakeSnapshot"
	MethodRebuildProjections = "/" + ServiceName + "/RebuildProjections"
)

// ============================================================================
// Messages
// ============================================================================

type Empty struct{}

// Reservation is the wire form of state.Reservation. Days are YYYY-MM-DD.
type Reservation struct {
	ID           string `json:"id"`
	AssetID      uint64 `json:"asset_id"`
	Day          string `json:"day"`
	Contact      string `json:"contact"`
	Owner        string `json:"owner"`
	State        string `json:"state"`
	CreatedDay   string `json:"created_day"`
	FulfilledDay string `json:"fulfilled_day,omitempty"`
	Sequence     int64  `json:"sequence"`
}

func reservationFrom(r state.Reservation) *Reservation {
	out := &Reservation{
		ID:         r.ID.String(),
		AssetID:    r.AssetID,
		Day:        r.Day.String(),
		Contact:    r.Contact,
		Owner:      string(r.Owner),
		State:      r.State.String(),
		CreatedDay: r.CreatedDay.String(),
		Sequence:   r.Sequence,
	}
	if r.FulfilledDay != nil {
		out.FulfilledDay = r.FulfilledDay.String()
	}
	return out
}

type ReserveRequest struct {
	RequestID string  `json:"request_id" validate:"max=128"`
	AssetID   *uint64 `json:"asset_id" validate:"required"`
	Day       string  `json:"day" validate:"required,datetime=2006-01-02"`
	Contact   string  `json:"contact"`
}

type FulfillRequest struct {
	RequestID string `json:"request_id" validate:"max=128"`
	Owner     string `json:"owner" validate:"required,max=256"`
}

type GetReservationRequest struct {
	Day string `json:"day" validate:"required,datetime=2006-01-02"`
}

type GetReservationResponse struct {
	Found       bool         `json:"found"`
	Owner       string       `json:"owner,omitempty"`
	Reservation *Reservation `json:"reservation,omitempty"`
}

type AvailableDatesRequest struct {
	// Zero means the whole horizon.
	Limit int `json:"limit" validate:"gte=0"`
}

type AvailableDatesResponse struct {
	Days []string `json:"days"`
}

type ListReservationsRequest struct {
	Owner string `json:"owner" validate:"required,max=256"`
	Limit int    `json:"limit" validate:"gte=0,lte=1000"`
}

type ListReservationsResponse struct {
	Reservations []*Reservation `json:"reservations"`
}

type GetAssetHistoryRequest struct {
	AssetID        uint64 `json:"asset_id"`
	Limit          int    `json:"limit" validate:"gte=0,lte=1000"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type GetAssetHistoryResponse struct {
	Movements []query.CustodyMovement `json:"movements"`
}

// ApproveAssetRequest lets the caller, as holder, approve a spender for one
// asset.
type ApproveAssetRequest struct {
	AssetID *uint64 `json:"asset_id" validate:"required"`
	Spender string  `json:"spender" validate:"required,max=256"`
}

type SetOperatorRequest struct {
	Operator string `json:"operator" validate:"required,max=256"`
	Approved bool   `json:"approved"`
}

type MintAssetRequest struct {
	AssetID *uint64 `json:"asset_id" validate:"required"`
	Holder  string  `json:"holder" validate:"required,max=256"`
}

type IssueTokenRequest struct {
	Identity string `json:"identity" validate:"required,max=256"`
}

type IssueTokenResponse struct {
	Token string `json:"token"`
}

type TakeSnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type RebuildProjectionsResponse struct {
	EventsReplayed int64 `json:"events_replayed"`
}

// ============================================================================
// Service descriptor
// ============================================================================

// SlotLockServer is the server API for the SlotLock service.
type SlotLockServer interface {
	Reserve(context.Context, *ReserveRequest) (*Reservation, error)
	Fulfill(context.Context, *FulfillRequest) (*Reservation, error)
	GetReservation(context.Context, *GetReservationRequest) (*GetReservationResponse, error)
	AvailableDates(context.Context, *AvailableDatesRequest) (*AvailableDatesResponse, error)
	ListReservations(context.Context, *ListReservationsRequest) (*ListReservationsResponse, error)
	GetAssetHistory(context.Context, *GetAssetHistoryRequest) (*GetAssetHistoryResponse, error)
	ApproveAsset(context.Context, *ApproveAssetRequest) (*Empty, error)
	SetOperator(context.Context, *SetOperatorRequest) (*Empty, error)
	MintAsset(context.Context, *MintAssetRequest) (*Empty, error)
	IssueToken(context.Context, *IssueTokenRequest) (*IssueTokenResponse, error)
	GetEventLogInfo(context.Context, *Empty) (*query.EventLogInfo, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *Empty) (*TakeSnapshotResponse, error)
	RebuildProjections(context.Context, *Empty) (*RebuildProjectionsResponse, error)
}

// unary builds a method descriptor whose handler decodes Req and calls fn.
func unary[Req, Resp any](name string, fn func(SlotLockServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(SlotLockServer)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var SlotLockServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SlotLockServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Reserve", SlotLockServer.Reserve),
		unary("Fulfill", SlotLockServer.Fulfill),
		unary("GetReservation", SlotLockServer.GetReservation),
		unary("AvailableDates", SlotLockServer.AvailableDates),
		unary("ListReservations", SlotLockServer.ListReservations),
		unary("GetAssetHistory", SlotLockServer.GetAssetHistory),
		unary("ApproveAsset", SlotLockServer.ApproveAsset),
		unary("SetOperator", SlotLockServer.SetOperator),
		unary("MintAsset", SlotLockServer.MintAsset),
		unary("IssueToken", SlotLockServer.IssueToken),
		unary("GetEventLogInfo", SlotLockServer.GetEventLogInfo),
		unary("VerifyIntegrity", SlotLockServer.VerifyIntegrity),
		unary("TakeSnapshot", SlotLockServer.TakeSnapshot),
		unary("RebuildProjections", SlotLockServer.RebuildProjections),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "slotlock/v1/slotlock.json",
}

func RegisterSlotLockServer(s grpc.ServiceRegistrar, srv SlotLockServer) {
	s.RegisterService(&SlotLockServiceDesc, srv)
}
