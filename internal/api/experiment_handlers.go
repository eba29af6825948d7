package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/banditlab/banditd/internal/domain"
)

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var e domain.Experiment
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.experiment.Create(r.Context(), e); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := s.store.GetExperiment(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleStartExperiment(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.experiment.Start)
}

func (s *Server) handlePauseExperiment(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.experiment.Pause)
}

func (s *Server) handleResumeExperiment(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.experiment.Resume)
}

func (s *Server) handleEndExperiment(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.experiment.End)
}

// transition runs a lifecycle method (Start/Pause/Resume/End) for the
// {id} path param and writes a uniform response.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, experimentID string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleKillExperiment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.experiment.Kill(r.Context(), id, body.Reason); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.StatusKilled)})
}

func (s *Server) handleRampExperiment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Fraction float64 `json:"fraction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.experiment.Ramp(r.Context(), id, body.Fraction); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"traffic_fraction": body.Fraction})
}

func (s *Server) handleChangeSalt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Salt string `json:"salt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.experiment.ChangeSalt(r.Context(), id, body.Salt); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"salt": body.Salt})
}
