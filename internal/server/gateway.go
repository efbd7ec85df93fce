package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Gateway serves the HTTP/JSON surface by forwarding each route to the
// gRPC service through a client. Errors use the gateway's status mapping,
// so gRPC codes become HTTP statuses the same way everywhere.
type Gateway struct {
	mux       *runtime.ServeMux
	client    *Client
	marshaler runtime.Marshaler
}

func NewGateway(client *Client) *Gateway {
	g := &Gateway{
		mux:       runtime.NewServeMux(),
		client:    client,
		marshaler: &runtime.JSONPb{},
	}
	g.routes()
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

func (g *Gateway) handle(method, pattern string, h func(ctx context.Context, r *http.Request, params map[string]string) (any, error)) {
	err := g.mux.HandlePath(method, pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		ctx := forwardHeaders(r)
		resp, err := h(ctx, r, params)
		if err != nil {
			runtime.HTTPError(ctx, g.mux, g.marshaler, w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	if err != nil {
		panic(err)
	}
}

func (g *Gateway) routes() {
	c := g.client

	g.handle(http.MethodPost, "/v1/reservations", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
		var req ReserveRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return c.Reserve(ctx, &req)
	})
	g.handle(http.MethodPost, "/v1/reservations/fulfill", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
		var req FulfillRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return c.Fulfill(ctx, &req)
	})
	g.handle(http.MethodGet, "/v1/reservations/{day}", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
		resp, err := c.GetReservation(ctx, &GetReservationRequest{Day: p["day"]})
		if err != nil {
			return nil, err
		}
		if !resp.Found {
			return nil, status.Errorf(codes.NotFound, "no reservation on %s", p["day"])
		}
		return resp, nil
	})
	g.handle(http.MethodGet, "/v1/available-dates", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
		limit, err := queryInt(r, "limit")
		if err != nil {
			return nil, err
		}
		return c.AvailableDates(ctx, &AvailableDatesRequest{Limit: limit})
	})
	g.handle(http.MethodGet, "/v1/owners/{owner}/reservations", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
		limit, err := queryInt(r, "limit")
		if err != nil {
			return nil, err
		}
		return c.ListReservations(ctx, &ListReservationsRequest{Owner: p["owner"], Limit: limit})
	})
	g.handle(http.MethodGet, "/v1/assets/{asset_id}/history", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
		assetID, err := pathUint(p, "asset_id")
		if err != nil {
			return nil, err
		}
		limit, err := queryInt(r, "limit")
		if err != nil {
			return nil, err
		}
		req := &GetAssetHistoryRequest{AssetID: assetID, Limit: limit}
		if v := r.URL.Query().Get("before_sequence"); v != "" {
			before, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "before_sequence: %v", err)
			}
			req.BeforeSequence = &before
		}
		return c.GetAssetHistory(ctx, req)
	})

	g.handle(http.MethodPost, "/v1/assets", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
		var req MintAssetRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return &Empty{}, c.MintAsset(ctx, &req)
	})
	g.handle(http.MethodPost, "/v1/assets/{asset_id}/approve", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
		assetID, err := pathUint(p, "asset_id")
		if err != nil {
			return nil, err
		}
		var req ApproveAssetRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		req.AssetID = &assetID
		return &Empty{}, c.ApproveAsset(ctx, &req)
	})
	g.handle(http.MethodPost, "/v1/operators", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
		var req SetOperatorRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return &Empty{}, c.SetOperator(ctx, &req)
	})
	g.handle(http.MethodPost, "/v1/tokens", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
		var req IssueTokenRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return c.IssueToken(ctx, &req)
	})

	g.handle(http.MethodGet, "/v1/admin/event-log", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
		return c.GetEventLogInfo(ctx)
	})
	g.handle(http.MethodGet, "/v1/admin/integrity", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
		return c.VerifyIntegrity(ctx)
	})
	g.handle(http.MethodPost, "/v1/admin/snapshots", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
		return c.TakeSnapshot(ctx)
	})
	g.handle(http.MethodPost, "/v1/admin/projections/rebuild", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
		return c.RebuildProjections(ctx)
	})
}

// forwardHeaders copies the credentials headers into outgoing gRPC
// metadata.
func forwardHeaders(r *http.Request) context.Context {
	ctx := r.Context()
	if v := r.Header.Get("Authorization"); v != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, authorizationHeader, v)
	}
	if v := r.Header.Get("X-Admin-Password"); v != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, adminPasswordHeader, v)
	}
	return ctx
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return status.Errorf(codes.InvalidArgument, "request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "%s: %v", key, err)
	}
	return n, nil
}

func pathUint(p map[string]string, key string) (uint64, error) {
	n, err := strconv.ParseUint(p[key], 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "%s: %v", key, err)
	}
	return n, nil
}
