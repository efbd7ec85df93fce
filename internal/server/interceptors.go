package server

import (
	"SlotLock/internal/auth"
	"SlotLock/internal/core"
	"SlotLock/internal/observability"
	"SlotLock/internal/registry"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	authorizationHeader = "authorization"
	adminPasswordHeader = "x-admin-password"
)

type policy int

const (
	policyPublic policy = iota
	policyCaller        // bearer identity token
	policyAdmin         // admin password
)

var methodPolicies = map[string]policy{
	MethodReserve:            policyCaller,
	MethodFulfill:            policyCaller,
	MethodApproveAsset:       policyCaller,
	MethodSetOperator:        policyCaller,
	MethodMintAsset:          policyAdmin,
	MethodIssueToken:         policyAdmin,
	MethodGetEventLogInfo:    policyAdmin,
	MethodVerifyIntegrity:    policyAdmin,
	MethodTakeSnapshot:       policyAdmin,
	MethodRebuildProjections: policyAdmin,
}

// toStatus maps engine and registry errors onto gRPC codes: authorization
// to PermissionDenied, validation to InvalidArgument, conflicts to
// AlreadyExists, lookups to NotFound, anything else to Internal.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, core.ErrNotAuthorized):
		code = codes.PermissionDenied
	case errors.Is(err, core.ErrPastDate), errors.Is(err, core.ErrInvalidContact):
		code = codes.InvalidArgument
	case errors.Is(err, core.ErrAssetAlreadyLocked),
		errors.Is(err, core.ErrOwnerAlreadyReserved),
		errors.Is(err, core.ErrSlotTaken),
		errors.Is(err, core.ErrDuplicateRequest),
		errors.Is(err, registry.ErrAssetExists):
		code = codes.AlreadyExists
	case errors.Is(err, core.ErrNoActiveReservation), errors.Is(err, registry.ErrAssetNotFound):
		code = codes.NotFound
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func firstHeader(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// authInterceptor resolves the caller before the handler runs.
func authInterceptor(tokens *auth.Tokens, gate *auth.AdminGate) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)

		switch methodPolicies[info.FullMethod] {
		case policyCaller:
			raw := firstHeader(md, authorizationHeader)
			token, ok := strings.CutPrefix(raw, "Bearer ")
			if !ok || token == "" {
				return nil, status.Error(codes.Unauthenticated, "bearer token required")
			}
			id, err := tokens.Verify(token)
			if err != nil {
				return nil, status.Error(codes.Unauthenticated, err.Error())
			}
			ctx = auth.WithIdentity(ctx, id)

		case policyAdmin:
			if err := gate.Check(firstHeader(md, adminPasswordHeader)); err != nil {
				return nil, status.Error(codes.PermissionDenied, err.Error())
			}
		}
		return handler(ctx, req)
	}
}

var validate = validator.New()

// validationInterceptor rejects requests that fail their struct tags.
func validationInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" "+fe.Tag())
			}
			return nil, status.Errorf(codes.InvalidArgument, "invalid request: %s", strings.Join(fields, ", "))
		}
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return handler(ctx, req)
}

// metricsInterceptor records request counts, latency and error codes per
// method.
func metricsInterceptor(metrics *observability.Metrics, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		method := info.FullMethod[strings.LastIndexByte(info.FullMethod, '/')+1:]

		resp, err := handler(ctx, req)

		code := status.Code(err)
		if metrics != nil {
			metrics.QueryRequests.WithLabelValues(method).Inc()
			metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.QueryErrors.WithLabelValues(method, code.String()).Inc()
			}
		}
		if code == codes.Internal {
			logger.Error().Err(err).Str("method", method).Msg("request failed")
		} else {
			logger.Debug().Str("method", method).Str("code", code.String()).Dur("took", time.Since(start)).Msg("request")
		}
		return resp, err
	}
}
