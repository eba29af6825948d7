// Package api provides the HTTP server for banditd: request serving,
// reward ingestion, and experiment lifecycle administration.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banditlab/banditd/internal/decision"
	"github.com/banditlab/banditd/internal/domain"
	"github.com/banditlab/banditd/internal/experiment"
	"github.com/banditlab/banditd/internal/guardrail"
	"github.com/banditlab/banditd/internal/infra/observability"
	"github.com/banditlab/banditd/internal/reward"
	"github.com/banditlab/banditd/internal/serve"
)

// Store is the read surface NewServer needs beyond the domain managers:
// admin GETs plus the analytics query endpoints. *sqlite.DB satisfies
// this directly, so callers pass the same handle they already built
// their managers over.
type Store interface {
	domain.ExperimentStore
	domain.EventStore
	domain.GuardrailStore
}

// Server is the banditd HTTP API server.
type Server struct {
	serve      *serve.Manager
	experiment *experiment.Manager
	guardrail  *guardrail.Manager
	decision   *decision.Manager
	attributor *reward.Attributor
	store      Store
	tracer     *observability.Tracer

	metricsEnabled bool
}

// NewServer creates a new API server over the given managers. store
// gives read access to experiments, serve events, and guardrail checks
// for admin GET and analytics endpoints; it is typically the same
// *sqlite.DB backing the managers.
func NewServer(serveMgr *serve.Manager, expMgr *experiment.Manager, guardrailMgr *guardrail.Manager, decisionMgr *decision.Manager, attributor *reward.Attributor, store Store, tracer *observability.Tracer) *Server {
	return &Server{
		serve:      serveMgr,
		experiment: expMgr,
		guardrail:  guardrailMgr,
		decision:   decisionMgr,
		attributor: attributor,
		store:      store,
		tracer:     tracer,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "banditd is running"})
	})

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": "0.1.0"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/serve", s.handleServe)
		r.Post("/reward", s.handleReward)
	})

	r.Route("/api/experiments", func(r chi.Router) {
		r.Post("/", s.handleCreateExperiment)
		r.Get("/{id}", s.handleGetExperiment)
		r.Post("/{id}/start", s.handleStartExperiment)
		r.Post("/{id}/pause", s.handlePauseExperiment)
		r.Post("/{id}/resume", s.handleResumeExperiment)
		r.Post("/{id}/end", s.handleEndExperiment)
		r.Post("/{id}/kill", s.handleKillExperiment)
		r.Post("/{id}/ramp", s.handleRampExperiment)
		r.Post("/{id}/salt", s.handleChangeSalt)
		r.Post("/{id}/guardrail/evaluate", s.handleEvaluateGuardrail)
		r.Post("/{id}/decision/evaluate", s.handleEvaluateDecision)

		r.Get("/{id}/analytics/summary", s.handleAnalyticsSummary)
		r.Get("/{id}/analytics/timeseries", s.handleAnalyticsTimeseries)
		r.Get("/{id}/analytics/arms", s.handleAnalyticsArms)
		r.Get("/{id}/analytics/cohorts", s.handleAnalyticsCohorts)
		r.Get("/{id}/analytics/events", s.handleAnalyticsEvents)
		r.Get("/{id}/analytics/guardrails", s.handleAnalyticsGuardrails)
		r.Get("/{id}/analytics/export", s.handleAnalyticsExport)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
		},
	})
}

// corsMiddleware adds permissive CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
