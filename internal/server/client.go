package server

import (
	"SlotLock/internal/query"
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Client calls the SlotLock service with the JSON codec.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for target. Extra options are appended after the
// defaults, so tests can swap the dialer.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// WithToken attaches a bearer identity token to outgoing calls.
func WithToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, authorizationHeader, "Bearer "+token)
}

// WithAdminPassword attaches the admin password to outgoing calls.
func WithAdminPassword(ctx context.Context, password string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, adminPasswordHeader, password)
}

func invoke[Resp any](ctx context.Context, conn *grpc.ClientConn, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := conn.Invoke(ctx, method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Reserve(ctx context.Context, req *ReserveRequest) (*Reservation, error) {
	return invoke[Reservation](ctx, c.conn, MethodReserve, req)
}

func (c *Client) Fulfill(ctx context.Context, req *FulfillRequest) (*Reservation, error) {
	return invoke[Reservation](ctx, c.conn, MethodFulfill, req)
}

func (c *Client) GetReservation(ctx context.Context, req *GetReservationRequest) (*GetReservationResponse, error) {
	return invoke[GetReservationResponse](ctx, c.conn, MethodGetReservation, req)
}

func (c *Client) AvailableDates(ctx context.Context, req *AvailableDatesRequest) (*AvailableDatesResponse, error) {
	return invoke[AvailableDatesResponse](ctx, c.conn, MethodAvailableDates, req)
}

func (c *Client) ListReservations(ctx context.Context, req *ListReservationsRequest) (*ListReservationsResponse, error) {
	return invoke[ListReservationsResponse](ctx, c.conn, MethodListReservations, req)
}

func (c *Client) GetAssetHistory(ctx context.Context, req *GetAssetHistoryRequest) (*GetAssetHistoryResponse, error) {
	return invoke[GetAssetHistoryResponse](ctx, c.conn, MethodGetAssetHistory, req)
}

func (c *Client) ApproveAsset(ctx context.Context, req *ApproveAssetRequest) error {
	return c.conn.Invoke(ctx, MethodApproveAsset, req, new(Empty))
}

func (c *Client) SetOperator(ctx context.Context, req *SetOperatorRequest) error {
	return c.conn.Invoke(ctx, MethodSetOperator, req, new(Empty))
}

func (c *Client) MintAsset(ctx context.Context, req *MintAssetRequest) error {
	return c.conn.Invoke(ctx, MethodMintAsset, req, new(Empty))
}

func (c *Client) IssueToken(ctx context.Context, req *IssueTokenRequest) (*IssueTokenResponse, error) {
	return invoke[IssueTokenResponse](ctx, c.conn, MethodIssueToken, req)
}

func (c *Client) GetEventLogInfo(ctx context.Context) (*query.EventLogInfo, error) {
	return invoke[query.EventLogInfo](ctx, c.conn, MethodGetEventLogInfo, &Empty{})
}

func (c *Client) VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error) {
	return invoke[query.IntegrityReport](ctx, c.conn, MethodVerifyIntegrity, &Empty{})
}

func (c *Client) TakeSnapshot(ctx context.Context) (*TakeSnapshotResponse, error) {
	return invoke[TakeSnapshotResponse](ctx, c.conn, MethodTakeSnapshot, &Empty{})
}

func (c *Client) RebuildProjections(ctx context.Context) (*RebuildProjectionsResponse, error) {
	return invoke[RebuildProjectionsResponse](ctx, c.conn, MethodRebuildProjections, &Empty{})
}
