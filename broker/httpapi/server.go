// Package httpapi exposes the broker over JSON HTTP.
//
// Status codes carry scheduling meaning: 200 returns a payload, 204
// means "no work available" and 404 means "not found". Bodies are
// UTF-8 JSON.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fuseline/fuseline/broker"
	"github.com/fuseline/fuseline/workflow"
)

// Server routes broker operations over HTTP.
type Server struct {
	broker broker.Broker
	logger *zap.Logger
	router chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetricsRegistry mounts a /metrics endpoint scraping reg.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
}

// NewServer wires the broker routes onto a chi router.
func NewServer(b broker.Broker, opts ...Option) *Server {
	s := &Server{
		broker: b,
		logger: zap.NewNop(),
		router: chi.NewRouter(),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.logRequests)

	s.router.Get("/status", s.handleStatus)
	s.router.Post("/worker/register", s.handleRegisterWorker)
	s.router.Post("/worker/keep-alive", s.handleKeepAlive)
	s.router.Get("/workers", s.handleListWorkers)
	s.router.Post("/repository/register", s.handleRegisterRepository)
	s.router.Get("/repository", s.handleGetRepository)
	s.router.Post("/workflow/dispatch", s.handleDispatch)
	s.router.Get("/workflow/step", s.handleGetStep)
	s.router.Post("/workflow/step", s.handleReportStep)
	s.router.Get("/workflows", s.handleListWorkflows)

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var schemas []*workflow.WorkflowSchema
	if err := json.NewDecoder(r.Body).Decode(&schemas); err != nil {
		http.Error(w, "invalid schema list: "+err.Error(), http.StatusBadRequest)
		return
	}
	workerID, err := s.broker.RegisterWorker(r.Context(), schemas)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workerID)
}

func (s *Server) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		http.Error(w, "worker_id is required", http.StatusBadRequest)
		return
	}
	if err := s.broker.KeepAlive(r.Context(), workerID); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.broker.ListWorkers(r.Context())
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleRegisterRepository(w http.ResponseWriter, r *http.Request) {
	var repo broker.RepositoryInfo
	if err := json.NewDecoder(r.Body).Decode(&repo); err != nil {
		http.Error(w, "invalid repository: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.broker.RegisterRepository(r.Context(), repo); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleGetRepository serves a single repository by name, or a page of
// repositories when no name is given.
func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if name := q.Get("name"); name != "" {
		repo, err := s.broker.GetRepository(r.Context(), name)
		if err != nil {
			s.writeBrokerError(w, err)
			return
		}
		if repo == nil {
			http.Error(w, "repository not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, repo)
		return
	}

	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	repos, err := s.broker.ListRepositories(r.Context(), page, pageSize)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

// dispatchRequest is the body of POST /workflow/dispatch.
type dispatchRequest struct {
	Workflow *workflow.WorkflowSchema `json:"workflow"`
	Inputs   map[string]any           `json:"inputs"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid dispatch request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Workflow == nil {
		http.Error(w, "workflow is required", http.StatusBadRequest)
		return
	}
	instanceID, err := s.broker.DispatchWorkflow(r.Context(), req.Workflow, req.Inputs)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instanceID)
}

func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		http.Error(w, "worker_id is required", http.StatusBadRequest)
		return
	}
	assignment, err := s.broker.GetStep(r.Context(), workerID)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	if assignment == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (s *Server) handleReportStep(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		http.Error(w, "worker_id is required", http.StatusBadRequest)
		return
	}
	var report broker.StepReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "invalid step report: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.broker.ReportStep(r.Context(), workerID, report); err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.broker.ListWorkflows(r.Context())
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

// writeBrokerError maps broker failures to status codes: schema
// conflicts are client errors, storage failures are 5xx.
func (s *Server) writeBrokerError(w http.ResponseWriter, err error) {
	if errors.Is(err, workflow.ErrSchemaMismatch) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.logger.Error("broker operation failed", zap.Error(err))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
