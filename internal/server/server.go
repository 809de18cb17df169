// Package server exposes pipeline submission, run history and ledger
// verification over HTTP. Submitted pipelines run one at a time.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stageci/internal/core"
	"stageci/internal/ledger"
	"stageci/internal/logfields"
	"stageci/internal/storage"
)

// Orchestrator runs pipelines and owns the stores the API reads from.
type Orchestrator interface {
	Run(ctx context.Context, p *core.Pipeline, runID string) *core.Result
	Ledger() *ledger.Ledger
	Runs() *storage.RunStore
	Logs() *storage.LogStorage
}

type job struct {
	id       string
	pipeline *core.Pipeline
}

// Server is the HTTP front end and the single run worker.
type Server struct {
	Router *chi.Mux
	Port   int

	orch   Orchestrator
	logger *slog.Logger
	queue  chan job

	mu      sync.Mutex
	status  map[string]core.Outcome
	results map[string]*core.Result
	order   []string
}

// QueueSize bounds the number of submitted runs waiting for the worker.
const QueueSize = 64

// New builds the router. metrics may be nil.
func New(port int, orch Orchestrator, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Port:    port,
		orch:    orch,
		logger:  logger,
		queue:   make(chan job, QueueSize),
		status:  make(map[string]core.Outcome),
		results: make(map[string]*core.Result),
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "stageci-api")
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	r.Post("/pipelines", s.handleSubmitPipeline)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/runs/{id}/logs/{stage}/{step}", s.handleStepLog)
	r.Get("/ledger/verify", s.handleVerifyLedger)

	s.Router = r
	return s
}

// Start runs the worker and serves HTTP until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	go s.Work(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.Int("port", s.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Work executes queued runs one after another until ctx is canceled. A
// canceled context also cancels the run in progress.
func (s *Server) Work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.setStatus(j.id, core.OutcomeRunning)
			res := s.orch.Run(ctx, j.pipeline, j.id)
			s.mu.Lock()
			s.status[j.id] = res.Outcome
			s.results[j.id] = res
			s.mu.Unlock()
			s.logger.Info("Submitted run finished", logfields.RunID(j.id), logfields.Outcome(string(res.Outcome)))
		}
	}
}

func (s *Server) setStatus(id string, o core.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.status[id]; !ok {
		s.order = append(s.order, id)
	}
	s.status[id] = o
}
