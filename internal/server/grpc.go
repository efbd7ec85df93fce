package server

import (
	"SlotLock/internal/observability"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer wraps the gRPC server and the HTTP gateway in front of it.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	gatherer      prometheus.Gatherer
	logger        zerolog.Logger
}

// Options configure the listeners and observability surfaces.
type Options struct {
	GRPCAddr      string
	HTTPAddr      string
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	// Served on /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// NewGRPCServer creates the gRPC server with the SlotLock and health
// services registered.
func NewGRPCServer(opts Options, deps *ServerDeps) *GRPCServer {
	logger := observability.NewLogger("server")

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			metricsInterceptor(opts.Metrics, logger),
			authInterceptor(deps.Tokens, deps.Admin),
			validationInterceptor,
		),
	)

	RegisterSlotLockServer(grpcServer, &slotLockService{deps: deps, logger: logger})

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      opts.GRPCAddr,
		httpAddr:      opts.HTTPAddr,
		healthChecker: opts.HealthChecker,
		gatherer:      opts.Gatherer,
		logger:        logger,
	}
}

// SetServing flips both the gRPC health service and the HTTP readiness
// probe.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(ServiceName, st)
	if s.healthChecker != nil {
		s.healthChecker.SetReady(serving)
	}
}

// Serve runs the gRPC server on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartGRPC listens on the configured address and serves (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// HTTPHandler is the gateway mux plus health and metrics endpoints.
func (s *GRPCServer) HTTPHandler(client *Client) http.Handler {
	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	if s.gatherer != nil {
		httpMux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	httpMux.Handle("/", NewGateway(client))
	return httpMux
}

// StartHTTPGateway serves the HTTP/JSON gateway, proxying to the gRPC
// server over a loopback client (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	client, err := Dial(s.grpcAddr)
	if err != nil {
		return fmt.Errorf("gateway dial: %w", err)
	}
	defer client.Close()

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.HTTPHandler(client),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Str("grpc", s.grpcAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
