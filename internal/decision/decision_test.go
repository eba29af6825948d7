package decision

import (
	"context"
	"testing"
	"time"

	"github.com/banditlab/banditd/internal/domain"
	"github.com/banditlab/banditd/internal/storage/sqlite"
)

func newTestManager(t *testing.T) (*Manager, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(Stores{Experiments: db, Arms: db, State: db, Events: db, Decisions: db}, nil), db
}

func setupExperiment(t *testing.T, db *sqlite.DB, startAt time.Time) domain.Experiment {
	t.Helper()
	ctx := context.Background()
	e := domain.Experiment{
		ID:              "exp-1",
		Name:            "ranker rollout",
		Status:          domain.StatusActive,
		StartAt:         startAt,
		Salt:            "salt-1",
		TrafficFraction: 1.0,
		TrafficPlan:     domain.TrafficPlan{"control": 0.5, "treatment": 0.5},
		DefaultPolicyID: "control",
		CatalogVersion:  1,
		Surface:         "home_feed",
	}
	if err := db.CreateExperiment(ctx, e); err != nil {
		t.Fatalf("CreateExperiment() error: %v", err)
	}
	policies := []domain.Policy{
		{ID: "control", ExperimentID: e.ID, Kind: domain.PolicyControl, Params: domain.PolicyParams{FixedArmID: "a1"}, ArmCatalogRef: 1},
		{ID: "treatment", ExperimentID: e.ID, Kind: domain.PolicyEGreedy, Params: domain.PolicyParams{Epsilon: 0.1}, ArmCatalogRef: 1},
	}
	if err := db.UpsertPolicies(ctx, policies); err != nil {
		t.Fatalf("UpsertPolicies() error: %v", err)
	}
	arms := []domain.Arm{
		{ArmID: "a1", ExperimentID: e.ID, Version: 1},
		{ArmID: "a2", ExperimentID: e.ID, Version: 1},
	}
	if err := db.PutArms(ctx, arms); err != nil {
		t.Fatalf("PutArms() error: %v", err)
	}
	for _, p := range policies {
		for _, a := range arms {
			if err := db.SeedState(ctx, domain.PolicyArmState{ExperimentID: e.ID, PolicyID: p.ID, ArmID: a.ArmID, Alpha: 1, Beta: 1}); err != nil {
				t.Fatalf("SeedState() error: %v", err)
			}
		}
	}
	return e
}

func appendRewardedEvents(t *testing.T, db *sqlite.DB, experimentID, policyID string, n int, reward, propensity float64, at time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		r := reward + 0.05*float64(i%7-3)/3.0
		e := domain.ServeEvent{
			EventID:      policyID + "-" + string(rune('a'+i%26)) + string(rune('0'+i/26)),
			ExperimentID: experimentID,
			UserID:       "u1",
			PolicyID:     policyID,
			ArmID:        "a1",
			Propensity:   propensity,
			ServedAt:     at,
			Reward:       &r,
		}
		if err := db.AppendServeEvent(ctx, e); err != nil {
			t.Fatalf("AppendServeEvent() error: %v", err)
		}
	}
}

func TestEvaluateNoPolicyDataYieldsContinue(t *testing.T) {
	mgr, db := newTestManager(t)
	now := time.Now()
	setupExperiment(t, db, now.Add(-8*24*time.Hour))

	d, err := mgr.Evaluate(context.Background(), "exp-1", now)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if d.Verdict != domain.VerdictContinue {
		t.Errorf("Verdict = %q, want continue with no events", d.Verdict)
	}
}

func TestEvaluateShipsWhenUpliftSignificantAndWindowMet(t *testing.T) {
	mgr, db := newTestManager(t)
	now := time.Now()
	startAt := now.Add(-8 * 24 * time.Hour)
	setupExperiment(t, db, startAt)

	appendRewardedEvents(t, db, "exp-1", "control", 1200, 0.3, 1.0, startAt.Add(time.Hour))
	appendRewardedEvents(t, db, "exp-1", "treatment", 1200, 0.9, 0.5, startAt.Add(time.Hour))

	d, err := mgr.Evaluate(context.Background(), "exp-1", now)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if d.Verdict != domain.VerdictShip {
		t.Fatalf("Verdict = %q, want ship (uplift %.4f confidence %.4f)", d.Verdict, d.Uplift, d.Confidence)
	}
	if d.WinnerPolicyID != "treatment" {
		t.Errorf("WinnerPolicyID = %q, want treatment", d.WinnerPolicyID)
	}

	latest, err := db.LatestDecision(context.Background(), "exp-1")
	if err != nil {
		t.Fatalf("LatestDecision() error: %v", err)
	}
	if latest.Verdict != domain.VerdictShip {
		t.Errorf("persisted verdict = %q, want ship", latest.Verdict)
	}
}

func TestEvaluateKillsOnLargeNegativeUplift(t *testing.T) {
	mgr, db := newTestManager(t)
	now := time.Now()
	startAt := now.Add(-time.Hour)
	setupExperiment(t, db, startAt)

	appendRewardedEvents(t, db, "exp-1", "control", 500, 0.8, 1.0, startAt.Add(time.Minute))
	appendRewardedEvents(t, db, "exp-1", "treatment", 500, 0.05, 0.5, startAt.Add(time.Minute))

	d, err := mgr.Evaluate(context.Background(), "exp-1", now)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if d.Verdict != domain.VerdictKill {
		t.Fatalf("Verdict = %q, want kill (uplift %.4f)", d.Verdict, d.Uplift)
	}
	if d.WinnerPolicyID != "treatment" {
		t.Errorf("WinnerPolicyID = %q, want treatment", d.WinnerPolicyID)
	}
}

func TestEvaluateIteratesAfterMaxWindowWithoutShipOrKill(t *testing.T) {
	mgr, db := newTestManager(t)
	now := time.Now()
	startAt := now.Add(-15 * 24 * time.Hour)
	setupExperiment(t, db, startAt)

	// Near-identical reward distributions: no significant uplift either
	// way, so the only way out of continue is the max-window timeout.
	appendRewardedEvents(t, db, "exp-1", "control", 1200, 0.5, 1.0, startAt.Add(time.Hour))
	appendRewardedEvents(t, db, "exp-1", "treatment", 1200, 0.5, 0.5, startAt.Add(time.Hour))

	d, err := mgr.Evaluate(context.Background(), "exp-1", now)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if d.Verdict != domain.VerdictIterate {
		t.Fatalf("Verdict = %q, want iterate (uplift %.4f confidence %.4f)", d.Verdict, d.Uplift, d.Confidence)
	}
}
