package api

import (
	"encoding/json"
	"net/http"

	"github.com/banditlab/banditd/internal/domain"
)

type serveRequest struct {
	UserID     string         `json:"user_id"`
	Surface    string         `json:"surface"`
	Candidates []domain.Arm   `json:"candidates"`
	Context    domain.Context `json:"context"`
	K          int            `json:"k"`
}

type serveResponse struct {
	Recommendations []recommendationJSON `json:"recommendations"`
}

type recommendationJSON struct {
	ArmID        string  `json:"arm_id"`
	Position     int     `json:"position"`
	Propensity   float64 `json:"propensity"`
	Score        float64 `json:"score"`
	ExperimentID string  `json:"experiment_id,omitempty"`
	PolicyID     string  `json:"policy_id"`
	EventID      string  `json:"event_id"`
}

func (s *Server) handleServe(w http.ResponseWriter, r *http.Request) {
	var req serveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Surface == "" {
		writeError(w, http.StatusBadRequest, "user_id and surface are required")
		return
	}

	span := s.tracer.StartSpan(r.Context(), "serve.recommend", map[string]string{"surface": req.Surface})
	recs, err := s.serve.Recommend(r.Context(), req.UserID, req.Surface, req.Candidates, req.Context, req.K)
	s.tracer.EndSpan(span, err)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	out := make([]recommendationJSON, len(recs))
	for i, rec := range recs {
		out[i] = recommendationJSON{
			ArmID: rec.ArmID, Position: rec.Position, Propensity: rec.Propensity,
			Score: rec.Score, ExperimentID: rec.ExperimentID, PolicyID: rec.PolicyID,
			EventID: rec.EventID,
		}
	}
	writeJSON(w, http.StatusOK, serveResponse{Recommendations: out})
}

type rewardRequest struct {
	UserID string            `json:"user_id"`
	ArmID  string            `json:"arm_id"`
	Signal domain.RewardEvent `json:"signal"`
}

func (s *Server) handleReward(w http.ResponseWriter, r *http.Request) {
	var req rewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.ArmID == "" {
		writeError(w, http.StatusBadRequest, "user_id and arm_id are required")
		return
	}

	span := s.tracer.StartSpan(r.Context(), "reward.ingest", map[string]string{"kind": string(req.Signal.Kind)})
	err := s.attributor.IngestSignal(r.Context(), req.UserID, req.ArmID, req.Signal)
	s.tracer.EndSpan(span, err)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
