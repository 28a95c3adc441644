package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CoverLedger/internal/alerting"
	"CoverLedger/internal/config"
	"CoverLedger/internal/core"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"
	"CoverLedger/internal/projection"
	"CoverLedger/internal/query"
	"CoverLedger/internal/server"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger: recover, ingest, persist and serve",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, flush, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			defer flush()
			return serve(cmd.Context(), cfg, logger)
		},
	}
	f := cmd.Flags()
	f.String("server.grpc_addr", "", "gRPC listen address")
	f.String("server.http_addr", "", "HTTP gateway listen address")
	f.String("metrics_addr", "", "Prometheus listen address")
	f.String("genesis_file", "", "genesis YAML applied on start")
	f.Bool("nats.enabled", true, "consume commands from NATS JetStream")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	logger.Info().Msg("CoverLedger starting")

	// ingestCtx stops everything that feeds the core; workerCtx outlives it
	// so committed outputs can drain.
	ingestCtx, stopIngest := context.WithCancel(parent)
	defer stopIngest()
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// --- Postgres ---
	db, err := openDB(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ingestCtx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")

	if cfg.Database.AutoMigrate {
		if err := persistence.NewMigrator(db, persistence.Migrations()).Up(ingestCtx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Msg("migrations applied")
	}

	var genesis *config.Genesis
	if cfg.GenesisFile != "" {
		if genesis, err = config.LoadGenesis(cfg.GenesisFile); err != nil {
			return err
		}
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()
	stateCfg := cfg.StateConfig()
	snapshots := persistence.NewSnapshotManager(db)

	// --- Core and recovery ---
	// persistChan blocks the core when full; projChan drops.
	persistChan := make(chan core.CoreOutput, cfg.Core.QueueSize)
	projChan := make(chan core.CoreOutput, cfg.Core.QueueSize)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	rec := &recovery{
		snapshots: snapshots,
		lruKeys:   cfg.Core.LRUCapacity,
		metrics:   metrics,
		logger:    observability.NewLogger("recovery"),
		newCore: func() (*core.DeterministicCore, error) {
			return core.NewDeterministicCore(stateCfg, core.Options{
				LRUCapacity: cfg.Core.LRUCapacity,
				DBChecker:   dbChecker,
				Metrics:     metrics,
			}, persistChan, projChan)
		},
	}
	deterministicCore, err := rec.run(ingestCtx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	runner := core.NewRunner(deterministicCore, cfg.Core.QueueSize, observability.NewLogger("core"))

	// --- Projections ---
	store, err := projection.NewStore(ingestCtx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// --- Downstream of durable commits ---
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Core.PersistBatch, cfg.Core.PersistFlush, metrics)
	projWorker := projection.NewProjectionWorker(store, projChan, cfg.Core.ProjectionBatch, metrics)

	var hooks []func([]core.CoreOutput)
	var alerter *alerting.Alerter
	if cfg.Telegram.Enabled {
		sender, err := alerting.NewTelegramSender(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelay)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		alerter = alerting.NewAlerter(sender, cfg.Telegram.Queue, metrics)
		hooks = append(hooks, alerter.Enqueue)
	}

	// --- NATS ---
	var (
		subscriber *ingestion.NATSSubscriber
		publisher  *ingestion.OutboundPublisher
		rawEvents  chan ingestion.RawEvent
	)
	if cfg.NATS.Enabled {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")
		health.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ingestCtx, js); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		rawEvents = make(chan ingestion.RawEvent, cfg.Core.QueueSize)
		subscriber = ingestion.NewNATSSubscriber(js, rawEvents)

		if cfg.NATS.PublishEvents {
			if err := ingestion.EnsureOutboundStream(ingestCtx, js); err != nil {
				return fmt.Errorf("ensure outbound stream: %w", err)
			}
			publisher = ingestion.NewOutboundPublisher(js, cfg.NATS.PublishQueue, metrics)
			hooks = append(hooks, publisher.Enqueue)
		}
	}
	persistWorker.OnCommit(func(outputs []core.CoreOutput) {
		for _, hook := range hooks {
			hook(outputs)
		}
	})
	health.AddCheck("postgres", db.PingContext)

	// --- Services ---
	ingest := ingestion.NewIngestService(ingestion.NewParser(ingestion.CoreAssets{Runner: runner}), runner)
	op := &operator{
		runner:    runner,
		snapshots: snapshots,
		store:     store,
		stateCfg:  stateCfg,
		keep:      cfg.Core.SnapshotsKept,
		metrics:   metrics,
		logger:    observability.NewLogger("snapshot"),
	}
	svc := server.NewService(ingest, runner, query.NewQueryService(db), op)
	grpcServer, err := server.NewGRPCServer(server.Options{
		GRPCAddr:         cfg.Server.GRPCAddr,
		HTTPAddr:         cfg.Server.HTTPAddr,
		RateLimit:        cfg.Server.RateLimit,
		RateBurst:        cfg.Server.RateBurst,
		EnableReflection: cfg.Server.EnableReflection,
	}, svc, health, metrics)
	if err != nil {
		return err
	}

	// --- Start goroutines ---
	errChan := make(chan error, 16)
	workersDone := make(chan struct{})
	persistDone := make(chan struct{})

	go runner.Run(ingestCtx)

	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()
	go func() {
		defer close(workersDone)
		projWorker.Run(workerCtx)
	}()
	if publisher != nil {
		go publisher.Run(workerCtx)
	}
	if alerter != nil {
		go alerter.Run(workerCtx)
	}

	if genesis != nil {
		if err := applyGenesis(ingestCtx, genesis, stateCfg.Owner, ingest, logger); err != nil {
			return err
		}
	}

	if subscriber != nil {
		if err := subscriber.Subscribe(ingestCtx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		go func() {
			if err := ingestion.NewDispatcher(ingest).Run(ingestCtx, rawEvents); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("dispatcher: %w", err)
			}
		}()
	}

	go func() {
		if err := grpcServer.StartGRPC(ingestCtx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.StartHTTPGateway(ingestCtx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()
	go op.runSnapshots(ingestCtx, cfg.Core.SnapshotInterval)
	go func() {
		if err := serveMetrics(ingestCtx, cfg.MetricsAddr, logger); err != nil {
			errChan <- err
		}
	}()

	health.SetReady(true)
	logger.Info().
		Int64("next_sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("CoverLedger ready")

	// --- Wait for shutdown ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-parent.Done():
		logger.Info().Msg("context cancelled, shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// stop intake, let the core finish, then drain the workers
	health.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	stopIngest()
	<-runner.Done()
	close(persistChan)
	close(projChan)

	select {
	case <-persistDone:
	case <-time.After(30 * time.Second):
		logger.Error().Msg("persistence worker did not drain in time")
	}

	// the runner has stopped, so the core can be read directly
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if seq, err := op.save(shutdownCtx, deterministicCore.CreateSnapshotState()); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	select {
	case <-workersDone:
	case <-time.After(5 * time.Second):
	}
	stopWorkers()
	logger.Info().Msg("CoverLedger shutdown complete")
	return runErr
}

// applyGenesis submits the bootstrap commands. Their idempotency keys are
// fixed, so on every later start they come back as duplicates.
func applyGenesis(ctx context.Context, g *config.Genesis, owner common.Address, ingest *ingestion.IngestService, logger zerolog.Logger) error {
	cmds, err := g.Commands(owner)
	if err != nil {
		return err
	}
	applied, duplicates := 0, 0
	for _, cmd := range cmds {
		receipt, err := ingest.Submit(ctx, cmd)
		if err != nil {
			return fmt.Errorf("genesis %s: %w", cmd.IdempotencyKey(), err)
		}
		if receipt.Duplicate {
			duplicates++
			continue
		}
		applied++
	}
	logger.Info().Int("applied", applied).Int("duplicates", duplicates).Msg("genesis submitted")
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
