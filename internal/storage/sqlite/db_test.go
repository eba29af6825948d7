package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/banditlab/banditd/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testExperiment(id string) domain.Experiment {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return domain.Experiment{
		ID:               id,
		Name:             "ranker rollout",
		Status:           domain.StatusDraft,
		StartAt:          now,
		Salt:             "salt-1",
		TrafficFraction:  0.5,
		TrafficPlan:      domain.TrafficPlan{"p1": 0.5, "p2": 0.5},
		DefaultPolicyID:  "p1",
		AttributionWindow: 24 * time.Hour,
		RewardMapping:    domain.RewardComposite,
		CatalogVersion:   1,
		Surface:          "home_feed",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestCreateAndGetExperiment(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	e := testExperiment("exp-1")

	if err := db.CreateExperiment(ctx, e); err != nil {
		t.Fatalf("CreateExperiment() error: %v", err)
	}

	got, err := db.GetExperiment(ctx, "exp-1")
	if err != nil {
		t.Fatalf("GetExperiment() error: %v", err)
	}
	if got.Name != e.Name || got.Salt != e.Salt {
		t.Errorf("GetExperiment() = %+v, want name/salt to match %+v", got, e)
	}
	if got.TrafficPlan["p1"] != 0.5 {
		t.Errorf("TrafficPlan[p1] = %v, want 0.5", got.TrafficPlan["p1"])
	}
	if got.AttributionWindow != 24*time.Hour {
		t.Errorf("AttributionWindow = %v, want 24h", got.AttributionWindow)
	}
}

func TestGetExperimentNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetExperiment(context.Background(), "missing")
	if err != domain.ErrExperimentNotFound {
		t.Errorf("GetExperiment(missing) error = %v, want ErrExperimentNotFound", err)
	}
}

func TestListActiveExperimentsOrdersByPriority(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	low := testExperiment("exp-low")
	low.Status = domain.StatusActive
	low.Priority = 1
	high := testExperiment("exp-high")
	high.Status = domain.StatusActive
	high.Priority = 5

	db.CreateExperiment(ctx, low)
	db.CreateExperiment(ctx, high)

	list, err := db.ListActiveExperiments(ctx, "home_feed")
	if err != nil {
		t.Fatalf("ListActiveExperiments() error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}
	if list[0].ID != "exp-high" {
		t.Errorf("list[0].ID = %q, want exp-high (higher priority first)", list[0].ID)
	}
}

func TestUpdateExperimentStatusRejectsStaleFrom(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	e := testExperiment("exp-1")
	db.CreateExperiment(ctx, e)

	if err := db.UpdateExperimentStatus(ctx, "exp-1", domain.StatusDraft, domain.StatusActive); err != nil {
		t.Fatalf("UpdateExperimentStatus() error: %v", err)
	}
	if err := db.UpdateExperimentStatus(ctx, "exp-1", domain.StatusDraft, domain.StatusActive); err != domain.ErrInvalidTransition {
		t.Errorf("repeated transition error = %v, want ErrInvalidTransition", err)
	}
}

func TestUpsertAndListPolicies(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.CreateExperiment(ctx, testExperiment("exp-1"))

	policies := []domain.Policy{
		{ID: "p1", ExperimentID: "exp-1", Kind: domain.PolicyThompson, ArmCatalogRef: 1},
		{ID: "p2", ExperimentID: "exp-1", Kind: domain.PolicyUCB, Params: domain.PolicyParams{ExplorationFactor: 2}, ArmCatalogRef: 1},
	}
	if err := db.UpsertPolicies(ctx, policies); err != nil {
		t.Fatalf("UpsertPolicies() error: %v", err)
	}

	got, err := db.ListPolicies(ctx, "exp-1")
	if err != nil {
		t.Fatalf("ListPolicies() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[1].Params.ExplorationFactor != 2 {
		t.Errorf("p2 ExplorationFactor = %v, want 2", got[1].Params.ExplorationFactor)
	}
}

func TestPutArmsRejectsDuplicate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.CreateExperiment(ctx, testExperiment("exp-1"))

	arms := []domain.Arm{{ArmID: "a1", ExperimentID: "exp-1", Version: 1}}
	if err := db.PutArms(ctx, arms); err != nil {
		t.Fatalf("PutArms() error: %v", err)
	}
	if err := db.PutArms(ctx, arms); err != domain.ErrDuplicateArmID {
		t.Errorf("PutArms() duplicate error = %v, want ErrDuplicateArmID", err)
	}
}

func TestListArms(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.CreateExperiment(ctx, testExperiment("exp-1"))

	arms := []domain.Arm{
		{ArmID: "a2", ExperimentID: "exp-1", Version: 1, Metadata: map[string]string{"model": "v2"}},
		{ArmID: "a1", ExperimentID: "exp-1", Version: 1},
	}
	db.PutArms(ctx, arms)

	got, err := db.ListArms(ctx, "exp-1", 1)
	if err != nil {
		t.Fatalf("ListArms() error: %v", err)
	}
	if len(got) != 2 || got[0].ArmID != "a1" {
		t.Errorf("ListArms() = %+v, want a1 first (sorted)", got)
	}
	if got[1].Metadata["model"] != "v2" {
		t.Errorf("a2 metadata = %v, want model=v2", got[1].Metadata)
	}
}

func TestAssignmentFirstWriteWins(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	a1 := domain.Assignment{UserID: "u1", ExperimentID: "exp-1", PolicyID: "p1", Bucket: 0.1, AssignedAt: now}
	inserted, err := db.InsertAssignment(ctx, a1)
	if err != nil || !inserted {
		t.Fatalf("InsertAssignment() = (%v, %v), want (true, nil)", inserted, err)
	}

	a2 := a1
	a2.PolicyID = "p2"
	inserted, err = db.InsertAssignment(ctx, a2)
	if err != nil || inserted {
		t.Fatalf("second InsertAssignment() = (%v, %v), want (false, nil)", inserted, err)
	}

	got, err := db.GetAssignment(ctx, "u1", "exp-1")
	if err != nil {
		t.Fatalf("GetAssignment() error: %v", err)
	}
	if got.PolicyID != "p1" {
		t.Errorf("stored PolicyID = %q, want p1 (first write should stick)", got.PolicyID)
	}
}

func TestGetAssignmentMissingReturnsNil(t *testing.T) {
	db := newTestDB(t)
	got, err := db.GetAssignment(context.Background(), "nobody", "exp-1")
	if err != nil {
		t.Fatalf("GetAssignment() error: %v", err)
	}
	if got != nil {
		t.Errorf("GetAssignment() = %+v, want nil", got)
	}
}

func TestPolicyStateGetStateDefaultsUnseeded(t *testing.T) {
	db := newTestDB(t)
	s, err := db.GetState(context.Background(), "exp-1", "p1", "a1", "")
	if err != nil {
		t.Fatalf("GetState() error: %v", err)
	}
	if s.Alpha != 1 || s.Beta != 1 || s.Version != 0 {
		t.Errorf("unseeded state = %+v, want Alpha=1 Beta=1 Version=0", s)
	}
}

func TestCompareAndSwapFreshInsertThenConflict(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s := domain.PolicyArmState{ExperimentID: "exp-1", PolicyID: "p1", ArmID: "a1", Pulls: 1, Alpha: 2, Beta: 1, Version: 1}
	if err := db.CompareAndSwap(ctx, s, 0); err != nil {
		t.Fatalf("first CompareAndSwap() error: %v", err)
	}

	got, err := db.GetState(ctx, "exp-1", "p1", "a1", "")
	if err != nil {
		t.Fatalf("GetState() error: %v", err)
	}
	if got.Pulls != 1 || got.Version != 1 {
		t.Errorf("GetState() after insert = %+v, want Pulls=1 Version=1", got)
	}

	stale := domain.PolicyArmState{ExperimentID: "exp-1", PolicyID: "p1", ArmID: "a1", Pulls: 2, Version: 2}
	if err := db.CompareAndSwap(ctx, stale, 0); err != domain.ErrStateConflict {
		t.Errorf("stale CompareAndSwap() error = %v, want ErrStateConflict", err)
	}

	fresh := domain.PolicyArmState{ExperimentID: "exp-1", PolicyID: "p1", ArmID: "a1", Pulls: 2, Alpha: 3, Beta: 1, Version: 2}
	if err := db.CompareAndSwap(ctx, fresh, 1); err != nil {
		t.Fatalf("second CompareAndSwap() error: %v", err)
	}
}

func TestServeEventRoundTripAndReward(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	e := domain.ServeEvent{
		EventID: "e1", SchemaVersion: domain.CurrentSchemaVersion, ExperimentID: "exp-1",
		UserID: "u1", PolicyID: "p1", ArmID: "a1", Context: domain.Context{"locale": "en"},
		Propensity: 0.5, Score: 1.2, LatencyMs: 10, ServedAt: now,
	}
	if err := db.AppendServeEvent(ctx, e); err != nil {
		t.Fatalf("AppendServeEvent() error: %v", err)
	}

	got, err := db.GetServeEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("GetServeEvent() error: %v", err)
	}
	if got.Context["locale"] != "en" || got.Reward != nil {
		t.Errorf("GetServeEvent() = %+v, want context locale=en, reward nil", got)
	}

	if err := db.WriteReward(ctx, "e1", 1.0, now.Add(time.Minute), 0); err != nil {
		t.Fatalf("WriteReward() error: %v", err)
	}
	got, _ = db.GetServeEvent(ctx, "e1")
	if got.Reward == nil || *got.Reward != 1.0 {
		t.Errorf("reward after WriteReward = %v, want 1.0", got.Reward)
	}
	if got.AttributionVersion != 1 {
		t.Errorf("AttributionVersion = %d, want 1", got.AttributionVersion)
	}

	if err := db.WriteReward(ctx, "e1", 0.5, now.Add(2*time.Minute), 0); err != domain.ErrStateConflict {
		t.Errorf("stale WriteReward() error = %v, want ErrStateConflict", err)
	}
}

func TestListServeEventsForAttribution(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	pending := domain.ServeEvent{EventID: "e1", ExperimentID: "exp-1", UserID: "u1", PolicyID: "p1", ArmID: "a1", ServedAt: now}
	db.AppendServeEvent(ctx, pending)

	attributed := domain.ServeEvent{EventID: "e2", ExperimentID: "exp-1", UserID: "u1", PolicyID: "p1", ArmID: "a1", ServedAt: now}
	db.AppendServeEvent(ctx, attributed)
	db.WriteReward(ctx, "e2", 1, now, 0)

	due, err := db.ListServeEventsForAttribution(ctx, now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ListServeEventsForAttribution() error: %v", err)
	}
	if len(due) != 1 || due[0].EventID != "e1" {
		t.Errorf("ListServeEventsForAttribution() = %+v, want only e1", due)
	}
}

func TestListServeEventsForExperiment(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	db.AppendServeEvent(ctx, domain.ServeEvent{EventID: "e1", ExperimentID: "exp-1", UserID: "u1", PolicyID: "p1", ArmID: "a1", ServedAt: now})
	db.AppendServeEvent(ctx, domain.ServeEvent{EventID: "e2", ExperimentID: "exp-1", UserID: "u2", PolicyID: "p1", ArmID: "a2", ServedAt: now.Add(time.Minute)})
	db.AppendServeEvent(ctx, domain.ServeEvent{EventID: "e3", ExperimentID: "exp-2", UserID: "u3", PolicyID: "p1", ArmID: "a1", ServedAt: now})

	events, err := db.ListServeEventsForExperiment(ctx, "exp-1", now.Add(-time.Minute), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListServeEventsForExperiment() error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].EventID != "e1" || events[1].EventID != "e2" {
		t.Errorf("events = %+v, want [e1 e2] in served_at order", events)
	}
}

func TestRewardEventIngestAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	r := domain.RewardEvent{EventID: "sig-1", Kind: domain.RewardClick, At: now}
	if err := db.AppendRewardEvent(ctx, r, "u1", "a1"); err != nil {
		t.Fatalf("AppendRewardEvent() error: %v", err)
	}
	if err := db.AppendRewardEvent(ctx, r, "u1", "a1"); err != nil {
		t.Fatalf("duplicate AppendRewardEvent() error: %v", err)
	}

	signals, err := db.ListRewardEventsForServe(ctx, "u1", "a1", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListRewardEventsForServe() error: %v", err)
	}
	if len(signals) != 1 {
		t.Errorf("len(signals) = %d, want 1 (duplicate ignored)", len(signals))
	}
}

func TestGuardrailCheckAndRollbackCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	c := domain.GuardrailCheck{ExperimentID: "exp-1", At: now, Name: "error_rate", Value: 0.02, Threshold: 0.01, Status: domain.GuardrailFail, Action: domain.ActionRollback}
	if err := db.AppendGuardrailCheck(ctx, c); err != nil {
		t.Fatalf("AppendGuardrailCheck() error: %v", err)
	}

	n, err := db.RecentRollbacks(ctx, "exp-1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("RecentRollbacks() error: %v", err)
	}
	if n != 1 {
		t.Errorf("RecentRollbacks() = %d, want 1", n)
	}

	checks, err := db.ListGuardrailChecks(ctx, "exp-1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListGuardrailChecks() error: %v", err)
	}
	if len(checks) != 1 || checks[0].Name != "error_rate" {
		t.Errorf("ListGuardrailChecks() = %+v, want one error_rate check", checks)
	}
}

func TestDecisionAppendAndLatest(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	d1 := domain.Decision{ExperimentID: "exp-1", EvaluatedAt: now, Verdict: domain.VerdictContinue, Estimators: map[string]float64{"ips": 0.1}}
	d2 := domain.Decision{ExperimentID: "exp-1", EvaluatedAt: now.Add(time.Hour), Verdict: domain.VerdictShip, WinnerPolicyID: "p1", Uplift: 0.05, Confidence: 0.97, Estimators: map[string]float64{"dr": 0.12}}

	db.AppendDecision(ctx, d1)
	db.AppendDecision(ctx, d2)

	got, err := db.LatestDecision(ctx, "exp-1")
	if err != nil {
		t.Fatalf("LatestDecision() error: %v", err)
	}
	if got.Verdict != domain.VerdictShip || got.WinnerPolicyID != "p1" {
		t.Errorf("LatestDecision() = %+v, want verdict=ship winner=p1", got)
	}
	if got.Estimators["dr"] != 0.12 {
		t.Errorf("Estimators[dr] = %v, want 0.12", got.Estimators["dr"])
	}
}

func TestLatestDecisionNoneYet(t *testing.T) {
	db := newTestDB(t)
	got, err := db.LatestDecision(context.Background(), "exp-1")
	if err != nil {
		t.Fatalf("LatestDecision() error: %v", err)
	}
	if got != nil {
		t.Errorf("LatestDecision() = %+v, want nil", got)
	}
}
