package main

import (
	"SlotLock/internal/auth"
	"SlotLock/internal/config"
	"SlotLock/internal/core"
	"SlotLock/internal/ingestion"
	"SlotLock/internal/observability"
	"SlotLock/internal/persistence"
	"SlotLock/internal/projection"
	"SlotLock/internal/query"
	"SlotLock/internal/registry"
	"SlotLock/internal/server"
	"SlotLock/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reservation engine with its gRPC, HTTP and NATS surfaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			logger := observability.NewLoggerWithLevel("main", observability.ParseLogLevel(cfg.LogLevel))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// group is one stage of the goroutine inventory. The first error other
// than cancellation is reported on errs and triggers shutdown.
type group struct {
	wg   sync.WaitGroup
	errs chan<- error
}

func (g *group) Go(name string, fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			select {
			case g.errs <- fmt.Errorf("%s: %w", name, err):
			default:
			}
		}
	}()
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	logger.Info().Str("version", Version).Str("commit", CommitSHA).Msg("SlotLock starting")

	// --- Observability ---
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promReg)
	healthChecker := observability.NewHealthChecker()

	// --- Credentials ---
	hashKey, blockKey := cfg.TokenHashKey, cfg.TokenBlockKey
	if !cfg.HasTokenKeys() {
		hashKey, blockKey = auth.GenerateKeys()
		logger.Warn().Msg("token keys not configured, using ephemeral keys; issued tokens die with this process")
	}
	tokens := auth.NewTokens(hashKey, blockKey, cfg.TokenTTL)
	if cfg.AdminPasswordHash == "" {
		logger.Warn().Msg("admin password hash not configured, admin methods are disabled")
	}

	operators := make([]state.Identity, 0, len(cfg.Operators))
	for _, op := range cfg.Operators {
		operators = append(operators, state.Identity(op))
	}

	// Intake (servers, NATS consumers, snapshots) stops on serveCtx; the
	// output pipeline drains by channel close and is cancelled last.
	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	pipeCtx, cancelPipe := context.WithCancel(context.Background())
	defer cancelPipe()

	// --- Channels ---
	// persist blocks (backpressure), projection drops when full
	var (
		persistChan    chan core.Output
		projectionChan = make(chan core.Output, cfg.ProjectionChanSize)
		publishChan    chan core.Output
	)
	metrics.ChannelCapacity.WithLabelValues("projection").Set(float64(cfg.ProjectionChanSize))

	engineLogger := observability.NewLogger("core")
	engineCfg := core.Config{
		Identity:            state.Identity(cfg.EngineIdentity),
		Operators:           auth.NewOperatorSet(operators...),
		HorizonDays:         cfg.HorizonDays,
		SingleUsePerAsset:   cfg.SingleUsePerAsset,
		IdempotencyCapacity: cfg.IdempotencyCapacity,
		ProjectionChan:      projectionChan,
		Metrics:             metrics,
		Logger:              &engineLogger,
	}

	// --- Storage ---
	var (
		db      *sql.DB
		store   registry.Store
		owners  server.OwnerLister
		queries *query.QueryService
		sinks   []projection.Sink
		err     error
	)
	if cfg.PostgresDSN != "" {
		db, err = openDB(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		healthChecker.AddCheck("postgres", db.PingContext)
		logger.Info().Msg("Postgres connected")

		if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Msg("migrations applied")

		pool, err := registry.OpenPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = registry.NewPostgres(pool)

		persistChan = make(chan core.Output, cfg.PersistChanSize)
		metrics.ChannelCapacity.WithLabelValues("persist").Set(float64(cfg.PersistChanSize))
		engineCfg.PersistChan = persistChan
		engineCfg.DBChecker = persistence.NewPostgresIdempotencyChecker(db)

		queries = query.NewQueryService(db, engineCfg.Identity)
		owners = queries
		sinks = append(sinks, projection.NewPostgresSink(db))
	} else {
		logger.Warn().Msg("no Postgres DSN, running in memory without durability")
		store = registry.NewMemory()
		history := projection.NewHistory(0)
		owners = history
		sinks = append(sinks, history)
	}
	engineCfg.Registry = store

	eng := core.NewEngine(engineCfg)

	// --- Recovery: snapshot + replay ---
	var snapshotter *persistence.Snapshotter
	if db != nil {
		snapMgr := persistence.NewSnapshotManager(db)
		res, err := persistence.Recover(ctx, eng, snapMgr, metrics, observability.NewLogger("recovery"))
		if err != nil {
			return fmt.Errorf("recovery: %w", err)
		}
		logger.Info().
			Int64("snapshot_sequence", res.SnapshotSequence).
			Int64("replayed", res.Replayed).
			Int64("sequence", eng.GetSequence()-1).
			Int("custody_returned", len(res.Custody.Returned)).
			Int("custody_released", len(res.Custody.Released)).
			Int("custody_unresolved", len(res.Custody.Unresolved)).
			Msg("recovery complete")
		snapshotter = persistence.NewSnapshotter(eng, snapMgr, cfg.SnapshotInterval, metrics)
	}

	// --- NATS ---
	var (
		subscriber *ingestion.NATSSubscriber
		commands   chan ingestion.RawCommand
		publisher  *ingestion.OutboundPublisher
	)
	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer nc.Close()
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		})
		logger.Info().Msg("NATS connected")

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}

		commands = make(chan ingestion.RawCommand, cfg.CommandChanSize)
		metrics.ChannelCapacity.WithLabelValues("commands").Set(float64(cfg.CommandChanSize))
		subscriber = ingestion.NewNATSSubscriber(js, commands)
		if err := subscriber.Subscribe(serveCtx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}

		// Events are published only after they are durable.
		if persistChan != nil {
			publishChan = make(chan core.Output, cfg.PublishChanSize)
			metrics.ChannelCapacity.WithLabelValues("publish").Set(float64(cfg.PublishChanSize))
			publisher = ingestion.NewOutboundPublisher(js, publishChan)
		} else {
			logger.Warn().Msg("outbound events need the event log, publishing disabled")
		}
	}

	// --- gRPC + HTTP gateway ---
	deps := &server.ServerDeps{
		Engine:   eng,
		Owners:   owners,
		Query:    queries,
		DB:       db,
		Registry: store,
		Tokens:   tokens,
		Admin:    auth.NewAdminGate(cfg.AdminPasswordHash),
	}
	if snapshotter != nil {
		deps.Snapshots = snapshotter
	}
	grpcServer := server.NewGRPCServer(server.Options{
		GRPCAddr:      cfg.GRPCAddr,
		HTTPAddr:      cfg.HTTPAddr,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Gatherer:      promReg,
	}, deps)

	// --- Start goroutines ---
	errChan := make(chan error, 16)
	intake := &group{errs: errChan}
	persist := &group{errs: errChan}
	outputs := &group{errs: errChan}

	// 1. Persistence worker, feeding the publisher after each flush
	if persistChan != nil {
		worker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
		if publishChan != nil {
			worker = worker.WithPublisher(publishChan)
		}
		persist.Go("persistence", func() error { return worker.Run(pipeCtx) })
	}

	// 2. Projection worker
	projWorker := projection.NewProjectionWorker(projectionChan, metrics, sinks...)
	outputs.Go("projection", func() error { return projWorker.Run(pipeCtx) })

	// 3. Outbound publisher
	if publisher != nil {
		outputs.Go("publisher", func() error { return publisher.Run(pipeCtx) })
	}

	// 4. NATS -> engine
	if subscriber != nil {
		processor := ingestion.NewProcessor(eng, tokens, metrics)
		intake.Go("ingestion", func() error { return processor.Run(serveCtx, commands) })
	}

	// 5. gRPC server and HTTP gateway
	intake.Go("grpc", func() error { return grpcServer.StartGRPC(serveCtx) })
	intake.Go("gateway", func() error { return grpcServer.StartHTTPGateway(serveCtx) })

	// 6. Periodic snapshots
	if snapshotter != nil {
		intake.Go("snapshots", func() error { return snapshotter.Run(serveCtx, cfg.SnapshotCheck) })
	}

	// 7. Standalone metrics listener
	if cfg.MetricsAddr != "" {
		intake.Go("metrics", func() error { return serveMetrics(serveCtx, cfg.MetricsAddr, promReg) })
	}

	grpcServer.SetServing(true)
	logger.Info().
		Int64("sequence", eng.GetSequence()-1).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Bool("durable", db != nil).
		Bool("nats", subscriber != nil).
		Msg("SlotLock ready")

	// --- Wait for shutdown ---
	var failure error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case failure = <-errChan:
		logger.Error().Err(failure).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, drain the engine's outputs in order, then snapshot.
	grpcServer.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancelServe()
	intake.wg.Wait()

	if persistChan != nil {
		close(persistChan)
		persist.wg.Wait()
	}
	if publishChan != nil {
		close(publishChan)
	}
	close(projectionChan)
	outputs.wg.Wait()

	if snapshotter != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := snapshotter.Take(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		} else {
			logger.Info().Int64("sequence", eng.GetSequence()-1).Msg("final snapshot saved")
		}
	}

	logger.Info().Msg("SlotLock shutdown complete")
	return failure
}

func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
