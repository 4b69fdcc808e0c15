package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/txlander/service/config"
	"github.com/brojonat/txlander/service/db"
	"github.com/brojonat/txlander/service/keys"
	"github.com/brojonat/txlander/service/metrics"
	natspkg "github.com/brojonat/txlander/service/nats"
	"github.com/brojonat/txlander/service/report"
	"github.com/brojonat/txlander/service/solana"
	"github.com/brojonat/txlander/service/temporal"
)

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting temporal worker",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The worker signs with its own keys; workflows only name public keys.
	signer, err := keys.LoadSigner(cfg.SignerKeypairPath, cfg.SignerEnv)
	if err != nil {
		logger.Error("failed to load signer", "error", err)
		os.Exit(1)
	}
	keyring := temporal.NewKeyring(signer)
	logger.Info("loaded signer", "public_keys", keyring.PublicKeys())

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry
	logger.Info("Prometheus metrics collector initialized")

	// Start metrics HTTP server
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPMetricsMiddleware(metricsCollector, "/metrics")(promhttp.Handler()))
	mux.Handle("/healthz", metrics.HTTPMetricsMiddleware(metricsCollector, "/healthz")(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		},
	)))
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting metrics HTTP server", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	// Initialize Solana RPC client on one of the configured endpoints
	endpoint, err := solana.SelectRandomEndpoint(cfg.RPCEndpoints())
	if err != nil {
		logger.Error("failed to select RPC endpoint", "error", err)
		os.Exit(1)
	}
	solanaClient := solana.NewClient(
		solana.NewRPCClient(endpoint),
		solana.EndpointLabel(endpoint),
		metricsCollector,
		logger,
	).WithCallTimeout(cfg.RPCTimeout)
	logger.Info("initialized solana RPC client",
		"endpoint", solana.EndpointLabel(endpoint),
		"total_endpoints", len(cfg.RPCEndpoints()),
	)

	var reporterOpts []report.Option
	var store *db.Store

	// Optional: record submissions and outcomes
	if cfg.DatabaseURL != "" {
		dbPool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		store = db.NewStore(dbPool, metricsCollector)
		if err := store.Migrate(ctx); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		reporterOpts = append(reporterOpts, report.WithRecorder(store))
		logger.Info("connected to database")
	}

	// Optional: publish outcomes
	if cfg.NATSURL != "" {
		natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer natsPublisher.Close()
		reporterOpts = append(reporterOpts, report.WithPublisher(natsPublisher))
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	reporter := report.NewReporter(logger, cfg.ExplorerURL, endpoint, reporterOpts...)

	// Initialize Temporal worker
	workerConfig := temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Handles:           solana.NewHandleProvider(solanaClient, rpc.CommitmentFinalized),
		Submitter:         solana.NewSubmitter(solanaClient, rpc.CommitmentConfirmed),
		Waiter: solana.NewWaiter(solanaClient, solana.WaiterConfig{
			BlockInterval:       cfg.BlockInterval,
			InitialPollInterval: cfg.PollInitialInterval,
			MaxPollInterval:     cfg.PollMaxInterval,
		}),
		Keyring:  keyring,
		Reporter: reporter,
		Metrics:  metricsCollector,
		Logger:   logger,
	}
	if store != nil {
		workerConfig.Store = store
	}

	worker, err := temporal.NewWorker(workerConfig)
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		os.Exit(1)
	}

	logger.Info("temporal worker initialized, all dependencies ready",
		"endpoint", solana.EndpointLabel(endpoint),
		"recording", store != nil,
		"publishing", cfg.NATSURL != "",
		"temporal_host", cfg.TemporalHost,
		"temporal_namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
	)

	// Start worker in background
	workerErrors := make(chan error, 1)
	go func() {
		logger.Info("starting temporal worker")
		workerErrors <- worker.Start()
	}()

	// Wait for shutdown signal or worker error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		logger.Error("temporal worker error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Stop worker gracefully
		logger.Info("stopping temporal worker")
		worker.Stop()
		logger.Info("temporal worker stopped")

		logger.Info("shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
