package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleEvaluateGuardrail runs one guardrail evaluation pass for an
// experiment on demand, outside the scheduler's normal cadence.
func (s *Server) handleEvaluateGuardrail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	span := s.tracer.StartSpan(r.Context(), "guardrail.evaluate", map[string]string{"experiment_id": id})
	checks, err := s.guardrail.Evaluate(r.Context(), id, time.Now())
	s.tracer.EndSpan(span, err)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"checks": checks})
}

// handleEvaluateDecision runs one decision evaluation pass for an
// experiment on demand.
func (s *Server) handleEvaluateDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	span := s.tracer.StartSpan(r.Context(), "decision.evaluate", map[string]string{"experiment_id": id})
	d, err := s.decision.Evaluate(r.Context(), id, time.Now())
	s.tracer.EndSpan(span, err)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}
