package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.temporal.io/sdk/client"

	"github.com/brojonat/txlander/service/config"
	"github.com/brojonat/txlander/service/db"
	"github.com/brojonat/txlander/service/metrics"
	natspkg "github.com/brojonat/txlander/service/nats"
	"github.com/brojonat/txlander/service/temporal"
)

// SubmissionStore is the read side of the submission history.
type SubmissionStore interface {
	GetSubmission(ctx context.Context, signature string) (*db.Submission, error)
	ListSubmissions(ctx context.Context, params db.ListSubmissionsParams) ([]*db.Submission, error)
}

// Workflows starts and inspects land workflows. *temporal.Client implements it.
type Workflows interface {
	StartLandWorkflow(ctx context.Context, workflowID string, input temporal.LandTransactionInput) (client.WorkflowRun, error)
	DescribeLandWorkflow(ctx context.Context, workflowID string) (*temporal.LandWorkflowStatus, error)
}

// OutcomeSource streams outcome events. *nats.Subscriber implements it.
type OutcomeSource interface {
	Watch(ctx context.Context, opts natspkg.WatchOptions, handle func(*natspkg.OutcomeEvent) error) error
}

// Server is the HTTP front door to the landing workers.
type Server struct {
	addr      string
	cfg       *config.Config
	store     SubmissionStore
	workflows Workflows
	scheduler temporal.Scheduler
	outcomes  OutcomeSource
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server

	// Request contexts derive from baseCtx so Shutdown can end SSE streams,
	// which http.Server.Shutdown alone would wait on.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New creates a new HTTP server with the given dependencies.
// Every dependency except cfg and logger is optional; routes that need a
// missing one are not registered.
func New(
	addr string,
	cfg *config.Config,
	store SubmissionStore,
	workflows Workflows,
	scheduler temporal.Scheduler,
	outcomes OutcomeSource,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	baseCtx, cancelBase := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		cfg:       cfg,
		store:     store,
		workflows: workflows,
		scheduler: scheduler,
		outcomes:  outcomes,
		metrics:   m,
		logger:    logger,

		baseCtx:    baseCtx,
		cancelBase: cancelBase,
	}
}

// Handler builds the routed handler, wrapped with CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	if s.workflows != nil {
		route("POST /api/v1/transactions", "land_transaction", handleLandTransaction(s.workflows, s.cfg, s.logger))
		route("GET /api/v1/transactions/{workflow_id}", "get_transaction", handleGetTransaction(s.workflows, s.logger))
	} else {
		s.logger.Warn("temporal not configured, transaction endpoints disabled")
	}

	if s.scheduler != nil {
		route("PUT /api/v1/canaries/{name}", "upsert_canary", handleUpsertCanary(s.scheduler, s.cfg, s.logger))
		route("DELETE /api/v1/canaries/{name}", "delete_canary", handleDeleteCanary(s.scheduler, s.logger))
	}

	if s.store != nil {
		route("GET /api/v1/submissions/{signature}", "get_submission", handleGetSubmission(s.store, s.logger))
		route("GET /api/v1/submissions", "list_submissions", handleListSubmissions(s.store, s.logger))
	} else {
		s.logger.Warn("database not configured, submission endpoints disabled")
	}

	route("GET /api/v1/submissions/{signature}/qr", "submission_qr", handleSubmissionQR(s.logger))

	// SSE responses are long-lived, so they skip the duration histogram.
	if s.outcomes != nil {
		mux.Handle("GET /api/v1/stream/outcomes/{program_id}", handleStreamOutcomes(s.outcomes, s.logger))
		mux.Handle("GET /api/v1/stream/outcomes", handleStreamOutcomes(s.outcomes, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("NATS not configured, streaming endpoints disabled")
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE streams stay open for as long as the client
		// listens.
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return s.baseCtx },
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	s.cancelBase()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
