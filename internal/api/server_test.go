package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banditlab/banditd/internal/decision"
	"github.com/banditlab/banditd/internal/domain"
	"github.com/banditlab/banditd/internal/experiment"
	"github.com/banditlab/banditd/internal/guardrail"
	"github.com/banditlab/banditd/internal/infra/observability"
	"github.com/banditlab/banditd/internal/reward"
	"github.com/banditlab/banditd/internal/serve"
	"github.com/banditlab/banditd/internal/storage/sqlite"
)

func newTestServer(t *testing.T) (*Server, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	expMgr := experiment.New(experiment.Stores{Experiments: db, Arms: db, State: db, Assignments: db}, nil)
	serveMgr := serve.New(serve.DefaultConfig(), serve.Stores{Experiments: db, Arms: db, State: db, Events: db, Assignments: db}, nil)
	guardrailMgr := guardrail.New(guardrail.Stores{Experiments: db, Events: db, Guardrails: db}, expMgr, nil)
	decisionMgr := decision.New(decision.Stores{Experiments: db, Arms: db, State: db, Events: db, Decisions: db}, nil)
	attributor := reward.New(db)
	tracer := observability.NewTracer(observability.DefaultTracerConfig())

	srv := NewServer(serveMgr, expMgr, guardrailMgr, decisionMgr, attributor, db, tracer)
	return srv, db
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rec.Code)
	}
}

func TestCreateAndGetExperiment(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	e := domain.Experiment{
		ID: "exp-1", Name: "ranker rollout", Status: domain.StatusDraft,
		StartAt: time.Now(), Salt: "salt-1", TrafficFraction: 1.0,
		TrafficPlan: domain.TrafficPlan{"treatment": 1.0}, DefaultPolicyID: "treatment",
		AttributionWindow: time.Hour, RewardMapping: domain.RewardBinaryClick,
		CatalogVersion: 1, Surface: "home_feed",
	}
	rec := doJSON(t, h, http.MethodPost, "/api/experiments/", e)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /api/experiments/ = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/api/experiments/exp-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/experiments/exp-1 = %d, want 200", rec.Code)
	}
	var got domain.Experiment
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.ID != "exp-1" {
		t.Errorf("ID = %q, want exp-1", got.ID)
	}
}

func TestExperimentLifecycleTransitions(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	e := domain.Experiment{
		ID: "exp-2", Name: "ranker rollout", Status: domain.StatusDraft,
		StartAt: time.Now(), Salt: "salt-1", TrafficFraction: 1.0,
		TrafficPlan: domain.TrafficPlan{"treatment": 1.0}, DefaultPolicyID: "treatment",
		AttributionWindow: time.Hour, RewardMapping: domain.RewardBinaryClick,
		CatalogVersion: 1, Surface: "home_feed",
	}
	doJSON(t, h, http.MethodPost, "/api/experiments/", e)

	if rec := doJSON(t, h, http.MethodPost, "/api/experiments/exp-2/start", nil); rec.Code != http.StatusOK {
		t.Fatalf("start = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, h, http.MethodPost, "/api/experiments/exp-2/pause", nil); rec.Code != http.StatusOK {
		t.Fatalf("pause = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, h, http.MethodPost, "/api/experiments/exp-2/resume", nil); rec.Code != http.StatusOK {
		t.Fatalf("resume = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, h, http.MethodPost, "/api/experiments/exp-2/ramp", map[string]float64{"fraction": 0.5}); rec.Code != http.StatusOK {
		t.Fatalf("ramp = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, h, http.MethodPost, "/api/experiments/exp-2/end", nil); rec.Code != http.StatusOK {
		t.Fatalf("end = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestServeRejectsMissingFields(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/serve", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("POST /v1/serve with no fields = %d, want 400", rec.Code)
	}
}

func TestServeFallsBackToControlWithoutAnyExperiment(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	req := serveRequest{
		UserID:  "u1",
		Surface: "home_feed",
		Candidates: []domain.Arm{
			{ArmID: "a1", ExperimentID: "", Version: 1},
		},
		K: 1,
	}
	rec := doJSON(t, h, http.MethodPost, "/v1/serve", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /v1/serve = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp serveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(resp.Recommendations) != 1 {
		t.Fatalf("Recommendations len = %d, want 1", len(resp.Recommendations))
	}
}

func TestAnalyticsSummaryArmsAndCohorts(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	e := domain.Experiment{
		ID: "exp-3", Name: "ranker rollout", Status: domain.StatusDraft,
		StartAt: time.Now(), Salt: "salt-1", TrafficFraction: 1.0,
		TrafficPlan: domain.TrafficPlan{"treatment": 1.0}, DefaultPolicyID: "treatment",
		AttributionWindow: time.Hour, RewardMapping: domain.RewardBinaryClick,
		CatalogVersion: 1, Surface: "home_feed",
	}
	doJSON(t, h, http.MethodPost, "/api/experiments/", e)
	doJSON(t, h, http.MethodPost, "/api/experiments/exp-3/start", nil)

	req := serveRequest{
		UserID:     "u1",
		Surface:    "home_feed",
		Candidates: []domain.Arm{{ArmID: "a1", ExperimentID: "", Version: 1}},
		K:          1,
	}
	if rec := doJSON(t, h, http.MethodPost, "/v1/serve", req); rec.Code != http.StatusOK {
		t.Fatalf("POST /v1/serve = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	if rec := doJSON(t, h, http.MethodGet, "/api/experiments/exp-3/analytics/summary", nil); rec.Code != http.StatusOK {
		t.Fatalf("GET .../analytics/summary = %d, want 200, body=%s", rec.Code, rec.Body.String())
	} else {
		var got summaryResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("unmarshal summary: %v", err)
		}
		if got.Serves != 1 {
			t.Errorf("Serves = %d, want 1", got.Serves)
		}
	}

	if rec := doJSON(t, h, http.MethodGet, "/api/experiments/exp-3/analytics/arms", nil); rec.Code != http.StatusOK {
		t.Fatalf("GET .../analytics/arms = %d, want 200, body=%s", rec.Code, rec.Body.String())
	} else {
		var got []armSummary
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("unmarshal arms: %v", err)
		}
		if len(got) != 1 || got[0].Serves != 1 {
			t.Errorf("arms = %+v, want one arm with 1 serve", got)
		}
	}

	if rec := doJSON(t, h, http.MethodGet, "/api/experiments/exp-3/analytics/cohorts?breakdown=arm_id", nil); rec.Code != http.StatusOK {
		t.Fatalf("GET .../analytics/cohorts = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	if rec := doJSON(t, h, http.MethodGet, "/api/experiments/exp-3/analytics/timeseries?metric=serves&granularity=day", nil); rec.Code != http.StatusOK {
		t.Fatalf("GET .../analytics/timeseries = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	if rec := doJSON(t, h, http.MethodGet, "/api/experiments/exp-3/analytics/events", nil); rec.Code != http.StatusOK {
		t.Fatalf("GET .../analytics/events = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	if rec := doJSON(t, h, http.MethodGet, "/api/experiments/exp-3/analytics/guardrails", nil); rec.Code != http.StatusOK {
		t.Fatalf("GET .../analytics/guardrails = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	if rec := doJSON(t, h, http.MethodGet, "/api/experiments/exp-3/analytics/export?format=csv", nil); rec.Code != http.StatusOK {
		t.Fatalf("GET .../analytics/export?format=csv = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, h, http.MethodGet, "/api/experiments/exp-3/analytics/export?format=jsonl", nil); rec.Code != http.StatusOK {
		t.Fatalf("GET .../analytics/export?format=jsonl = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestAnalyticsTimeseriesRejectsUnknownMetric(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/experiments/exp-unknown/analytics/timeseries?metric=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("GET .../analytics/timeseries?metric=bogus = %d, want 400", rec.Code)
	}
}

func TestRewardRejectsMissingFields(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/reward", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("POST /v1/reward with no fields = %d, want 400", rec.Code)
	}
}
