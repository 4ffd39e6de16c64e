// Package api exposes the orchestrator over HTTP: run status and
// control, ledger timelines, cost summaries, tenant quota inspection,
// Prometheus metrics, and a WebSocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ideamine/conductor/internal/engine"
	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/events"
	"github.com/ideamine/conductor/internal/ledger"
	"github.com/ideamine/conductor/internal/storage"
	"github.com/ideamine/conductor/internal/task"
)

// Server serves the orchestrator API.
type Server struct {
	addr   string
	db     *storage.DB
	led    *ledger.Ledger
	pub    events.Publisher
	eng    *engine.Engine
	logger *slog.Logger
	mux    *http.ServeMux
	ws     *WSHandler
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address. Defaults to :8480.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithEngine enables the run control endpoints (create, resume,
// cancel). Without an engine the server is read-only.
func WithEngine(eng *engine.Engine) Option {
	return func(s *Server) { s.eng = eng }
}

// New creates an API server over the given storage, ledger, and
// event publisher.
func New(db *storage.DB, led *ledger.Ledger, pub events.Publisher, opts ...Option) *Server {
	s := &Server{
		addr:   ":8480",
		db:     db,
		led:    led,
		pub:    pub,
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ws = NewWSHandler(pub, s, s.logger)
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", cors(s.handleHealth))

	s.mux.HandleFunc("GET /api/runs", cors(s.handleListRuns))
	s.mux.HandleFunc("POST /api/runs", cors(s.handleCreateRun))
	s.mux.HandleFunc("GET /api/runs/{id}", cors(s.handleGetRun))
	s.mux.HandleFunc("POST /api/runs/{id}/resume", cors(s.handleResumeRun))
	s.mux.HandleFunc("POST /api/runs/{id}/cancel", cors(s.handleCancelRun))
	s.mux.HandleFunc("GET /api/runs/{id}/timeline", cors(s.handleTimeline))
	s.mux.HandleFunc("GET /api/runs/{id}/cost", cors(s.handleCost))
	s.mux.HandleFunc("GET /api/runs/{id}/tasks", cors(s.handleTasks))
	s.mux.HandleFunc("GET /api/runs/{id}/artifacts", cors(s.handleArtifacts))
	s.mux.HandleFunc("GET /api/runs/{id}/interventions", cors(s.handleInterventions))
	s.mux.HandleFunc("GET /api/runs/{id}/gates", cors(s.handleGates))
	s.mux.HandleFunc("GET /api/runs/{id}/budget-events", cors(s.handleBudgetEvents))
	s.mux.HandleFunc("GET /api/runs/{id}/preemptions", cors(s.handlePreemptions))

	s.mux.HandleFunc("GET /api/tenants/{id}/quota", cors(s.handleTenantQuota))
	s.mux.HandleFunc("GET /api/tenants/{id}/violations", cors(s.handleTenantViolations))

	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /ws", s.ws.ServeHTTP)
}

// cors wraps a handler with permissive CORS headers.
func cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// Handler returns the server's HTTP handler (for tests).
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", s.addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.jsonError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.db.ListRuns(r.Context(), tenantID, limit)
	if err != nil {
		s.apiError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"runs": runs})
}

// CreateRunRequest is the body of POST /api/runs.
type CreateRunRequest struct {
	TenantID   string      `json:"tenant_id"`
	UserID     string      `json:"user_id"`
	IdeaSpecID string      `json:"idea_spec_id"`
	Budget     task.Budget `json:"budget"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if s.eng == nil {
		s.jsonError(w, "run control is not enabled on this server", http.StatusNotImplemented)
		return
	}

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	run, err := s.eng.CreateRun(r.Context(), req.TenantID, req.UserID, req.IdeaSpecID, req.Budget)
	if err != nil {
		s.apiError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	s.jsonResponse(w, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, run)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	if s.eng == nil {
		s.jsonError(w, "run control is not enabled on this server", http.StatusNotImplemented)
		return
	}

	id := r.PathValue("id")
	run, err := s.eng.Resume(r.Context(), id, "api")
	if err != nil {
		s.apiError(w, err)
		return
	}
	s.jsonResponse(w, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if s.eng == nil {
		s.jsonError(w, "run control is not enabled on this server", http.StatusNotImplemented)
		return
	}

	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if err := s.eng.Cancel(r.Context(), run, "api"); err != nil {
		s.apiError(w, err)
		return
	}
	s.jsonResponse(w, run)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	entries, err := s.led.Timeline(r.Context(), run.ID)
	if err != nil {
		s.apiError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"run_id": run.ID, "entries": entries})
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	summary, err := s.led.CostSummary(r.Context(), run.ID)
	if err != nil {
		s.apiError(w, err)
		return
	}
	s.jsonResponse(w, summary)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	tasks, err := s.db.ListTasks(r.Context(), run.ID, r.URL.Query().Get("phase"))
	if err != nil {
		s.apiError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"run_id": run.ID, "tasks": tasks})
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	artifacts, err := s.db.ListArtifacts(r.Context(), run.ID, r.URL.Query().Get("phase"))
	if err != nil {
		s.apiError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"run_id": run.ID, "artifacts": artifacts})
}

func (s *Server) handleInterventions(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	interventions, err := s.db.ListSEMInterventions(r.Context(), run.ID)
	if err != nil {
		s.apiError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"run_id": run.ID, "interventions": interventions})
}

func (s *Server) handleGates(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	scores, err := s.db.ListDeliberationScores(r.Context(), run.ID, r.URL.Query().Get("phase"))
	if err != nil {
		s.apiError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"run_id": run.ID, "gates": scores})
}

func (s *Server) handleBudgetEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	evts, err := s.db.ListBudgetEvents(r.Context(), run.ID)
	if err != nil {
		s.apiError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"run_id": run.ID, "events": evts})
}

func (s *Server) handlePreemptions(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	records, err := s.db.ListPreemptions(r.Context(), run.ID)
	if err != nil {
		s.apiError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"run_id": run.ID, "preemptions": records})
}

func (s *Server) handleTenantQuota(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q, err := s.db.GetTenantQuota(r.Context(), id)
	if err != nil {
		s.apiError(w, err)
		return
	}
	if q == nil {
		s.jsonError(w, "no quota configured for tenant "+id, http.StatusNotFound)
		return
	}

	usage, err := s.db.CurrentUsage(r.Context(), id)
	if err != nil {
		s.apiError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"quota": q, "usage": usage})
}

func (s *Server) handleTenantViolations(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.jsonError(w, "since must be RFC 3339", http.StatusBadRequest)
			return
		}
		since = t
	}

	violations, err := s.db.ListQuotaViolations(r.Context(), id, since, unresolvedOnly)
	if err != nil {
		s.apiError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"tenant_id": id, "violations": violations})
}

// loadRun resolves the {id} path value to a run, writing a 404 if it
// does not exist.
func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*storage.Run, bool) {
	id := r.PathValue("id")
	run, err := s.db.GetRun(r.Context(), id)
	if err != nil {
		s.apiError(w, err)
		return nil, false
	}
	return run, true
}

// jsonResponse writes a JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// jsonError writes a JSON error response.
func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// apiError maps a structured error to an HTTP status by its category.
func (s *Server) apiError(w http.ResponseWriter, err error) {
	var ce *cerr.Error
	if errors.As(err, &ce) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cerr.CategoryOf(ce).HTTPStatus())
		json.NewEncoder(w).Encode(map[string]string{
			"error": ce.What,
			"code":  string(ce.Code),
			"why":   ce.Why,
			"fix":   ce.Fix,
		})
		return
	}
	s.jsonError(w, err.Error(), http.StatusInternalServerError)
}
