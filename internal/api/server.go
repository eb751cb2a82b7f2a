// Package api exposes the HTTP interface for the crawl platform.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlgrid/crawlgrid/internal/config"
	"github.com/crawlgrid/crawlgrid/internal/crawl"
	"github.com/crawlgrid/crawlgrid/internal/health"
	"github.com/crawlgrid/crawlgrid/internal/quota"
	"github.com/crawlgrid/crawlgrid/internal/scheduler"
	"github.com/crawlgrid/crawlgrid/internal/store"
	"github.com/crawlgrid/crawlgrid/internal/telemetry"
)

// JobService is the scheduler surface the API drives.
type JobService interface {
	ScheduleJob(ctx context.Context, job crawl.Job) error
	GetJob(ctx context.Context, jobID string) (crawl.Job, error)
	Cancel(ctx context.Context, jobID string) error
	UpdateJobPriority(ctx context.Context, jobID string, priority int) error
	QueueLength(ctx context.Context, priority *int) (int, error)
}

// HealthView answers agent and job progress queries.
type HealthView interface {
	AgentHealth(ctx context.Context) ([]crawl.AgentRecord, error)
	Progress(ctx context.Context, jobID string) (health.JobProgress, error)
}

// QuotaView answers read-only quota queries.
type QuotaView interface {
	GetQuotaInfo(ctx context.Context, userID string) (crawl.QuotaInfo, error)
}

// Server wires HTTP handlers to the scheduler and stores.
type Server struct {
	router  chi.Router
	jobs    JobService
	results store.ResultRepository
	monitor HealthView
	quotas  QuotaView
	idGen   crawl.IDGenerator
	clock   crawl.Clock
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs JobService,
	results store.ResultRepository,
	monitor HealthView,
	quotas QuotaView,
	idGen crawl.IDGenerator,
	clock crawl.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:    jobs,
		results: results,
		monitor: monitor,
		quotas:  quotas,
		idGen:   idGen,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	r.Use(telemetry.Middleware)
	r.Use(bearerTokenMiddleware)
	if cfg.Auth.Enabled {
		r.Use(s.apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Get("/results", s.getJobResults)
				r.Post("/cancel", s.cancelJob)
				r.Patch("/priority", s.updatePriority)
			})
		})
		r.Get("/agents", s.listAgents)
		r.Get("/queue", s.queueLength)
		r.Get("/quota", s.getQuota)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The queue length query doubles as a database liveness probe.
	if _, err := s.jobs.QueueLength(r.Context(), nil); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitJobRequest struct {
	URLs        []string `json:"urls"`
	CrawlerType string   `json:"crawler_type"`
	TemplateID  string   `json:"template_id"`
	Priority    int      `json:"priority"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		s.writeError(w, http.StatusUnauthorized, "user identity required")
		return
	}
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one URL required")
		return
	}
	crawlerType := crawl.CrawlerType(req.CrawlerType)
	if crawlerType == "" {
		crawlerType = crawl.CrawlerAuto
	}
	switch crawlerType {
	case crawl.CrawlerHTTP, crawl.CrawlerBrowser, crawl.CrawlerProvider, crawl.CrawlerMobile, crawl.CrawlerAuto:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown crawler type")
		return
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "generate job id failed")
		return
	}
	job := crawl.Job{
		ID:          jobID,
		UserID:      userID,
		URLs:        req.URLs,
		CrawlerType: crawlerType,
		TemplateID:  req.TemplateID,
		Priority:    req.Priority,
	}
	if err := s.jobs.ScheduleJob(r.Context(), job); err != nil {
		if !crawl.Retryable(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, "schedule job failed")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadOwnedJob(w, r)
	if !ok {
		return
	}
	if s.monitor != nil {
		if progress, err := s.monitor.Progress(r.Context(), job.ID); err == nil {
			s.writeJSON(w, http.StatusOK, map[string]any{"job": job, "progress": progress})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getJobResults(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadOwnedJob(w, r)
	if !ok {
		return
	}
	results, err := s.results.ListByJob(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to fetch job results")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job, "results": results})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadOwnedJob(w, r)
	if !ok {
		return
	}
	if err := s.jobs.Cancel(r.Context(), job.ID); err != nil {
		s.writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"job_id": job.ID,
		"status": string(crawl.JobStatusCancelled),
	})
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

func (s *Server) updatePriority(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadOwnedJob(w, r)
	if !ok {
		return
	}
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.jobs.UpdateJobPriority(r.Context(), job.ID, req.Priority); err != nil {
		if errors.Is(err, scheduler.ErrPriorityLocked) {
			s.writeError(w, http.StatusConflict, "job priority can no longer change")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "priority update failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "priority": req.Priority})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"agents": []crawl.AgentRecord{}})
		return
	}
	agents, err := s.monitor.AgentHealth(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) queueLength(w http.ResponseWriter, r *http.Request) {
	depth, err := s.jobs.QueueLength(r.Context(), nil)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read queue length")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"queue_length": depth})
}

func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		s.writeError(w, http.StatusUnauthorized, "user identity required")
		return
	}
	if s.quotas == nil {
		s.writeError(w, http.StatusNotFound, "quota service disabled")
		return
	}
	info, err := s.quotas.GetQuotaInfo(r.Context(), userID)
	if err != nil {
		if errors.Is(err, quota.ErrNoQuotaData) {
			s.writeError(w, http.StatusNotFound, "no quota data; re-authenticate to refresh")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to read quota")
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// loadOwnedJob loads the path job and enforces that the caller owns it.
// Foreign jobs read as not-found rather than forbidden: existence is not
// leaked across users.
func (s *Server) loadOwnedJob(w http.ResponseWriter, r *http.Request) (crawl.Job, bool) {
	userID := userIDFrom(r)
	if userID == "" {
		s.writeError(w, http.StatusUnauthorized, "user identity required")
		return crawl.Job{}, false
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return crawl.Job{}, false
	}
	if job.UserID != userID {
		s.writeError(w, http.StatusNotFound, "job not found")
		return crawl.Job{}, false
	}
	return job, true
}

func userIDFrom(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerTokenMiddleware threads the caller's access token into the context
// for the quota read-through.
func bearerTokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
			r = r.WithContext(quota.WithToken(r.Context(), token))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func (s *Server) apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				s.writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
