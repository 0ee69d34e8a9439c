// Package http exposes the ops surface: health probes, the job table, run
// history, and ad-hoc dispatch.
package http

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/seoulquant/collector/config"
	"github.com/seoulquant/collector/internal/adapters/scheduler"
	"github.com/seoulquant/collector/internal/data"
	"github.com/seoulquant/collector/internal/domain/model"
	"github.com/seoulquant/collector/internal/domain/schedule"
)

// RunReader lists run history for the ops endpoints.
type RunReader interface {
	ListRuns(ctx context.Context, jobID string, limit int) ([]*model.JobRun, error)
	GetRun(ctx context.Context, id string) (*model.JobRun, error)
}

// Pinger checks a dependency for the readiness probe.
type Pinger interface {
	Health(ctx context.Context) error
}

// ServerOptions holds the dependencies for the ops server.
type ServerOptions struct {
	Config     config.HTTPConfig
	Engine     *schedule.Engine
	Dispatcher schedule.Dispatcher
	Runs       RunReader
	DB         *sql.DB
	Cache      Pinger
	Heartbeat  *scheduler.Heartbeat
	// HeartbeatMaxAge is how stale the scheduler heartbeat may be before
	// liveness fails.
	HeartbeatMaxAge time.Duration
	Logger          *slog.Logger
	TimeProvider    data.TimeProvider
}

// Server is the ops HTTP listener.
type Server struct {
	cfg        config.HTTPConfig
	engine     *schedule.Engine
	dispatcher schedule.Dispatcher
	runs       RunReader
	db         *sql.DB
	cache      Pinger
	heartbeat  *scheduler.Heartbeat
	maxAge     time.Duration
	logger     *slog.Logger
	tp         data.TimeProvider
}

// NewServer builds the ops server.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Engine == nil || opts.Dispatcher == nil {
		return nil, errors.New("engine and dispatcher are required")
	}
	if opts.Runs == nil {
		return nil, errors.New("run reader is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "ops_http")
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}
	maxAge := opts.HeartbeatMaxAge
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &Server{
		cfg:        opts.Config,
		engine:     opts.Engine,
		dispatcher: opts.Dispatcher,
		runs:       opts.Runs,
		db:         opts.DB,
		cache:      opts.Cache,
		heartbeat:  opts.Heartbeat,
		maxAge:     maxAge,
		logger:     logger,
		tp:         tp,
	}, nil
}

// Routes builds the handler mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}/runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /jobs/{id}/run", s.handleTriggerRun)
	return mux
}

// Run serves until ctx is canceled, then drains connections within the
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "ops server listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown ops server: %w", err)
	}
	return ctx.Err()
}

// handleHealthz reports liveness: the process is up and the scheduler tick
// loop has run recently.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.heartbeat != nil && !s.heartbeat.Fresh(s.tp.Now(), s.maxAge) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "unhealthy",
			"reason":    "scheduler heartbeat stale",
			"last_tick": s.heartbeat.Last(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness: storage dependencies answer.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["postgres"] = err.Error()
			healthy = false
		} else {
			checks["postgres"] = "ok"
		}
	}
	if s.cache != nil {
		if err := s.cache.Health(ctx); err != nil {
			// The cache is advisory; report it but stay ready.
			checks["redis"] = err.Error()
		} else {
			checks["redis"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": healthy, "checks": checks})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.engine.Jobs()})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if _, ok := s.engine.Lookup(jobID); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown job %q", jobID))
		return
	}

	runs, err := s.runs.ListRuns(r.Context(), jobID, 50)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list runs failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, data.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.ErrorContext(r.Context(), "get run failed", "error", err)
		writeError(w, http.StatusInternalServerError, "get run failed")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleTriggerRun dispatches an ad-hoc run through the same path as a
// scheduled slot, so leases and run records apply as usual.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	def, ok := s.engine.Lookup(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown job %q", jobID))
		return
	}

	scheduledAt := s.tp.Now().UTC()
	if err := s.dispatcher.Dispatch(r.Context(), def, scheduledAt); err != nil {
		if errors.Is(err, model.ErrRunnerSaturated) {
			writeError(w, http.StatusTooManyRequests, "runner queue is full")
			return
		}
		s.logger.ErrorContext(r.Context(), "ad-hoc dispatch failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	s.logger.InfoContext(r.Context(), "ad-hoc run dispatched", "job_id", jobID, "scheduled_at", scheduledAt)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":       jobID,
		"scheduled_at": scheduledAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
