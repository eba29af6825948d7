package experiment

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
	return New(Stores{Experiments: db, Arms: db, State: db, Assignments: db}, nil), db
}

func testExperiment(id string) domain.Experiment {
	return domain.Experiment{
		ID:              id,
		Name:            "ranker rollout",
		StartAt:         time.Now(),
		Salt:            "salt-1",
		TrafficFraction: 0.1,
		TrafficPlan:     domain.TrafficPlan{"p1": 1.0},
		DefaultPolicyID: "p1",
		Surface:         "home_feed",
	}
}

func TestCreateRejectsInvalidExperiment(t *testing.T) {
	mgr, _ := newTestManager(t)
	e := testExperiment("exp-1")
	e.Salt = ""
	if err := mgr.Create(context.Background(), e); err != domain.ErrEmptySalt {
		t.Errorf("Create() error = %v, want ErrEmptySalt", err)
	}
}

func TestStartSeedsStateAndActivates(t *testing.T) {
	mgr, db := newTestManager(t)
	ctx := context.Background()
	e := testExperiment("exp-1")
	if err := mgr.Create(ctx, e); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	db.UpsertPolicies(ctx, []domain.Policy{{ID: "p1", ExperimentID: "exp-1", Kind: domain.PolicyThompson, ArmCatalogRef: 1}})
	db.PutArms(ctx, []domain.Arm{{ArmID: "a1", ExperimentID: "exp-1", Version: 1}, {ArmID: "a2", ExperimentID: "exp-1", Version: 1}})

	if err := mgr.Start(ctx, "exp-1"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	got, err := db.GetExperiment(ctx, "exp-1")
	if err != nil {
		t.Fatalf("GetExperiment() error: %v", err)
	}
	if got.Status != domain.StatusActive {
		t.Errorf("Status = %q, want active", got.Status)
	}

	s, err := db.GetState(ctx, "exp-1", "p1", "a1", "")
	if err != nil {
		t.Fatalf("GetState() error: %v", err)
	}
	if s.Alpha != 1 || s.Beta != 1 {
		t.Errorf("seeded state = %+v, want Alpha=1 Beta=1", s)
	}
}

func TestStartTwiceFailsSecondTime(t *testing.T) {
	mgr, db := newTestManager(t)
	ctx := context.Background()
	mgr.Create(ctx, testExperiment("exp-1"))
	db.UpsertPolicies(ctx, []domain.Policy{{ID: "p1", ExperimentID: "exp-1", Kind: domain.PolicyControl, ArmCatalogRef: 1}})
	db.PutArms(ctx, []domain.Arm{{ArmID: "a1", ExperimentID: "exp-1", Version: 1}})

	if err := mgr.Start(ctx, "exp-1"); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	if err := mgr.Start(ctx, "exp-1"); err != domain.ErrInvalidTransition {
		t.Errorf("second Start() error = %v, want ErrInvalidTransition", err)
	}
}

func TestPauseResumeEndCycle(t *testing.T) {
	mgr, db := newTestManager(t)
	ctx := context.Background()
	mgr.Create(ctx, testExperiment("exp-1"))
	db.UpsertPolicies(ctx, []domain.Policy{{ID: "p1", ExperimentID: "exp-1", Kind: domain.PolicyControl, ArmCatalogRef: 1}})
	db.PutArms(ctx, []domain.Arm{{ArmID: "a1", ExperimentID: "exp-1", Version: 1}})
	mgr.Start(ctx, "exp-1")

	if err := mgr.Pause(ctx, "exp-1"); err != nil {
		t.Fatalf("Pause() error: %v", err)
	}
	if err := mgr.Resume(ctx, "exp-1"); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if err := mgr.End(ctx, "exp-1"); err != nil {
		t.Fatalf("End() error: %v", err)
	}

	got, _ := db.GetExperiment(ctx, "exp-1")
	if got.Status != domain.StatusEnded {
		t.Errorf("Status = %q, want ended", got.Status)
	}
}

func TestKillFromActiveOrPaused(t *testing.T) {
	mgr, db := newTestManager(t)
	ctx := context.Background()
	mgr.Create(ctx, testExperiment("exp-1"))
	db.UpsertPolicies(ctx, []domain.Policy{{ID: "p1", ExperimentID: "exp-1", Kind: domain.PolicyControl, ArmCatalogRef: 1}})
	db.PutArms(ctx, []domain.Arm{{ArmID: "a1", ExperimentID: "exp-1", Version: 1}})
	mgr.Start(ctx, "exp-1")

	if err := mgr.Kill(ctx, "exp-1", "error_rate guardrail breach"); err != nil {
		t.Fatalf("Kill() error: %v", err)
	}
	got, _ := db.GetExperiment(ctx, "exp-1")
	if got.Status != domain.StatusKilled {
		t.Errorf("Status = %q, want killed", got.Status)
	}
}

func TestKillFromDraftRejected(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	mgr.Create(ctx, testExperiment("exp-1"))

	if err := mgr.Kill(ctx, "exp-1", "n/a"); err != domain.ErrInvalidTransition {
		t.Errorf("Kill() from draft error = %v, want ErrInvalidTransition", err)
	}
}

func TestRampOnlyGrowsWhileActive(t *testing.T) {
	mgr, db := newTestManager(t)
	ctx := context.Background()
	mgr.Create(ctx, testExperiment("exp-1"))
	db.UpsertPolicies(ctx, []domain.Policy{{ID: "p1", ExperimentID: "exp-1", Kind: domain.PolicyControl, ArmCatalogRef: 1}})
	db.PutArms(ctx, []domain.Arm{{ArmID: "a1", ExperimentID: "exp-1", Version: 1}})
	mgr.Start(ctx, "exp-1")

	if err := mgr.Ramp(ctx, "exp-1", 0.2); err != nil {
		t.Fatalf("Ramp(0.2) error: %v", err)
	}
	if err := mgr.Ramp(ctx, "exp-1", 0.05); err != domain.ErrFractionShrunk {
		t.Errorf("Ramp(0.05) error = %v, want ErrFractionShrunk", err)
	}

	got, _ := db.GetExperiment(ctx, "exp-1")
	if got.TrafficFraction != 0.2 {
		t.Errorf("TrafficFraction = %v, want 0.2 (shrink attempt rejected)", got.TrafficFraction)
	}
}

func TestRampRejectsNonActiveExperiment(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	mgr.Create(ctx, testExperiment("exp-1"))

	if err := mgr.Ramp(ctx, "exp-1", 0.5); err != domain.ErrInvalidTransition {
		t.Errorf("Ramp() on draft error = %v, want ErrInvalidTransition", err)
	}
}

func TestChangeSaltClearsAssignments(t *testing.T) {
	mgr, db := newTestManager(t)
	ctx := context.Background()
	mgr.Create(ctx, testExperiment("exp-1"))
	db.InsertAssignment(ctx, domain.Assignment{UserID: "u1", ExperimentID: "exp-1", PolicyID: "p1", AssignedAt: time.Now()})

	if err := mgr.ChangeSalt(ctx, "exp-1", "salt-2"); err != nil {
		t.Fatalf("ChangeSalt() error: %v", err)
	}

	got, _ := db.GetExperiment(ctx, "exp-1")
	if got.Salt != "salt-2" {
		t.Errorf("Salt = %q, want salt-2", got.Salt)
	}
	a, err := db.GetAssignment(ctx, "u1", "exp-1")
	if err != nil {
		t.Fatalf("GetAssignment() error: %v", err)
	}
	if a != nil {
		t.Errorf("GetAssignment() = %+v, want nil after salt rotation", a)
	}
}
