package api

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/banditlab/banditd/internal/domain"
	"github.com/banditlab/banditd/internal/stats"
)

// defaultAnalyticsWindow bounds how far back a query looks when the
// caller doesn't supply from/to, so an unscoped dashboard request over
// a long-running experiment doesn't scan its whole history.
const defaultAnalyticsWindow = 30 * 24 * time.Hour

// analyticsPageSize is the fixed page size for the events endpoint.
const analyticsPageSize = 100

// analyticsWindow parses optional from/to RFC3339 query params.
func analyticsWindow(r *http.Request) (from, to time.Time) {
	to = time.Now()
	from = to.Add(-defaultAnalyticsWindow)
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t
		}
	}
	return from, to
}

// summaryResponse is Summary(experiment_id)'s shape.
type summaryResponse struct {
	ExperimentID string  `json:"experiment_id"`
	Serves       int     `json:"serves"`
	MeanReward   float64 `json:"mean_reward"`
	CTR          float64 `json:"ctr"`
	LatencyP95Ms float64 `json:"latency_p95_ms"`
}

func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	from, to := analyticsWindow(r)
	events, err := s.store.ListServeEventsForExperiment(r.Context(), id, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summarize(id, events))
}

func summarize(experimentID string, events []domain.ServeEvent) summaryResponse {
	resp := summaryResponse{ExperimentID: experimentID, Serves: len(events)}
	if len(events) == 0 {
		return resp
	}

	var rewardSum float64
	var rewardCount, clicks int
	latencies := make([]float64, len(events))
	for i, e := range events {
		latencies[i] = float64(e.LatencyMs)
		if e.Reward != nil {
			rewardSum += *e.Reward
			rewardCount++
			if *e.Reward > 0 {
				clicks++
			}
		}
	}
	if rewardCount > 0 {
		resp.MeanReward = rewardSum / float64(rewardCount)
	}
	resp.CTR = float64(clicks) / float64(len(events))
	resp.LatencyP95Ms = stats.Percentile(latencies, 95)
	return resp
}

// timeseriesPoint is one Timeseries(...) sample.
type timeseriesPoint struct {
	Bucket string  `json:"bucket"`
	Value  float64 `json:"value"`
}

func (s *Server) handleAnalyticsTimeseries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	from, to := analyticsWindow(r)

	metric := r.URL.Query().Get("metric")
	if metric == "" {
		metric = "reward"
	}
	granularity := r.URL.Query().Get("granularity")
	if granularity == "" {
		granularity = "hour"
	}

	events, err := s.store.ListServeEventsForExperiment(r.Context(), id, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	points, err := timeseries(events, metric, granularity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func timeseries(events []domain.ServeEvent, metric, granularity string) ([]timeseriesPoint, error) {
	var layout string
	switch granularity {
	case "hour":
		layout = "2006-01-02T15"
	case "day":
		layout = "2006-01-02"
	default:
		return nil, fmt.Errorf("analytics: unknown granularity %q", granularity)
	}

	buckets := make(map[string][]domain.ServeEvent)
	for _, e := range events {
		key := e.ServedAt.UTC().Format(layout)
		buckets[key] = append(buckets[key], e)
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	points := make([]timeseriesPoint, 0, len(keys))
	for _, k := range keys {
		v, err := metricValue(buckets[k], metric)
		if err != nil {
			return nil, err
		}
		points = append(points, timeseriesPoint{Bucket: k, Value: v})
	}
	return points, nil
}

func metricValue(events []domain.ServeEvent, metric string) (float64, error) {
	switch metric {
	case "serves":
		return float64(len(events)), nil
	case "latency_p95":
		latencies := make([]float64, len(events))
		for i, e := range events {
			latencies[i] = float64(e.LatencyMs)
		}
		return stats.Percentile(latencies, 95), nil
	case "reward":
		var sum float64
		var n int
		for _, e := range events {
			if e.Reward != nil {
				sum += *e.Reward
				n++
			}
		}
		if n == 0 {
			return 0, nil
		}
		return sum / float64(n), nil
	case "ctr":
		if len(events) == 0 {
			return 0, nil
		}
		var clicks int
		for _, e := range events {
			if e.Reward != nil && *e.Reward > 0 {
				clicks++
			}
		}
		return float64(clicks) / float64(len(events)), nil
	default:
		return 0, fmt.Errorf("analytics: unknown metric %q", metric)
	}
}

// armSummary is one row of Arms(...).
type armSummary struct {
	ArmID        string  `json:"arm_id"`
	Serves       int     `json:"serves"`
	MeanReward   float64 `json:"mean_reward"`
	CTR          float64 `json:"ctr"`
	LatencyP95Ms float64 `json:"latency_p95_ms"`
}

func (s *Server) handleAnalyticsArms(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	from, to := analyticsWindow(r)
	events, err := s.store.ListServeEventsForExperiment(r.Context(), id, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	byArm := make(map[string][]domain.ServeEvent)
	for _, e := range events {
		byArm[e.ArmID] = append(byArm[e.ArmID], e)
	}

	arms := make([]armSummary, 0, len(byArm))
	for armID, armEvents := range byArm {
		sum := summarize(id, armEvents)
		arms = append(arms, armSummary{
			ArmID:        armID,
			Serves:       sum.Serves,
			MeanReward:   sum.MeanReward,
			CTR:          sum.CTR,
			LatencyP95Ms: sum.LatencyP95Ms,
		})
	}

	sortKey := r.URL.Query().Get("sort")
	if sortKey == "" {
		sortKey = "mean_reward"
	}
	sort.Slice(arms, func(i, j int) bool {
		switch sortKey {
		case "serves":
			return arms[i].Serves > arms[j].Serves
		case "latency_p95_ms":
			return arms[i].LatencyP95Ms > arms[j].LatencyP95Ms
		case "ctr":
			return arms[i].CTR > arms[j].CTR
		default:
			return arms[i].MeanReward > arms[j].MeanReward
		}
	})

	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if n, err := strconv.Atoi(limitParam); err == nil && n >= 0 && n < len(arms) {
			arms = arms[:n]
		}
	}

	writeJSON(w, http.StatusOK, arms)
}

// cohort is one row of Cohorts(...).
type cohort struct {
	Key        string  `json:"key"`
	Serves     int     `json:"serves"`
	MeanReward float64 `json:"mean_reward"`
	CTR        float64 `json:"ctr"`
}

func (s *Server) handleAnalyticsCohorts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	from, to := analyticsWindow(r)
	breakdown := r.URL.Query().Get("breakdown")
	if breakdown == "" {
		breakdown = "policy_id"
	}
	if breakdown != "policy_id" && breakdown != "arm_id" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("analytics: unknown breakdown %q", breakdown))
		return
	}

	events, err := s.store.ListServeEventsForExperiment(r.Context(), id, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	groups := make(map[string][]domain.ServeEvent)
	for _, e := range events {
		key := e.PolicyID
		if breakdown == "arm_id" {
			key = e.ArmID
		}
		groups[key] = append(groups[key], e)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cohorts := make([]cohort, 0, len(keys))
	for _, k := range keys {
		sum := summarize(id, groups[k])
		cohorts = append(cohorts, cohort{Key: k, Serves: sum.Serves, MeanReward: sum.MeanReward, CTR: sum.CTR})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakdown": breakdown,
		"cohorts":   cohorts,
	})
}

func (s *Server) handleAnalyticsEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	from, to := analyticsWindow(r)
	events, err := s.store.ListServeEventsForExperiment(r.Context(), id, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	events = filterEvents(events, r.URL.Query().Get("filter"))

	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	start := (page - 1) * analyticsPageSize
	if start > len(events) {
		start = len(events)
	}
	end := start + analyticsPageSize
	if end > len(events) {
		end = len(events)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"page":   page,
		"total":  len(events),
		"events": events[start:end],
	})
}

func filterEvents(events []domain.ServeEvent, filter string) []domain.ServeEvent {
	switch filter {
	case "attributed":
		return filterEventsFunc(events, func(e domain.ServeEvent) bool { return e.Reward != nil })
	case "unattributed":
		return filterEventsFunc(events, func(e domain.ServeEvent) bool { return e.Reward == nil })
	case "dropped":
		return filterEventsFunc(events, func(e domain.ServeEvent) bool { return e.Dropped })
	default:
		return events
	}
}

func filterEventsFunc(events []domain.ServeEvent, keep func(domain.ServeEvent) bool) []domain.ServeEvent {
	out := make([]domain.ServeEvent, 0, len(events))
	for _, e := range events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Server) handleAnalyticsGuardrails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	from, _ := analyticsWindow(r)
	checks, err := s.store.ListGuardrailChecks(r.Context(), id, from)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, checks)
}

func (s *Server) handleAnalyticsExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	from, to := analyticsWindow(r)
	events, err := s.store.ListServeEventsForExperiment(r.Context(), id, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return
			}
		}
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		cw := csv.NewWriter(w)
		cw.Write([]string{"event_id", "experiment_id", "user_id", "policy_id", "arm_id", "position", "propensity", "score", "latency_ms", "served_at", "reward"})
		for _, e := range events {
			reward := ""
			if e.Reward != nil {
				reward = strconv.FormatFloat(*e.Reward, 'f', -1, 64)
			}
			cw.Write([]string{
				e.EventID, e.ExperimentID, e.UserID, e.PolicyID, e.ArmID,
				strconv.Itoa(e.Position), strconv.FormatFloat(e.Propensity, 'f', -1, 64),
				strconv.FormatFloat(e.Score, 'f', -1, 64), strconv.FormatInt(e.LatencyMs, 10),
				e.ServedAt.UTC().Format(time.RFC3339), reward,
			})
		}
		cw.Flush()
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("analytics: unknown export format %q", format))
	}
}
