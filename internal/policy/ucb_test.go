package policy

import (
	"math"
	"testing"

	"github.com/banditlab/banditd/internal/domain"
)

func TestUCBColdStartPrefersZeroPullArm(t *testing.T) {
	u := NewUCB(domain.PolicyParams{})
	cands := candidates("a", "b", "c")
	state := map[string]domain.PolicyArmState{
		"a": {ArmID: "a", Pulls: 50, SumReward: 40},
		"b": {ArmID: "b", Pulls: 0},
		"c": {ArmID: "c", Pulls: 50, SumReward: 45},
	}

	armID, _, score, err := u.Select(cands, nil, state)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if armID != "b" {
		t.Errorf("Select() armID = %q, want %q (untried arm)", armID, "b")
	}
	if !math.IsInf(score, 1) {
		t.Errorf("score = %v, want +Inf", score)
	}
}

func TestUCBPropensitySumsToOne(t *testing.T) {
	u := NewUCB(domain.PolicyParams{ExplorationFloor: 0.03})
	cands := candidates("a", "b")
	state := map[string]domain.PolicyArmState{
		"a": {ArmID: "a", Pulls: 20, SumReward: 18},
		"b": {ArmID: "b", Pulls: 20, SumReward: 4},
	}

	_, propChosen, _, err := u.Select(cands, nil, state)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	other := u.explorationFloor / float64(len(cands))
	sum := propChosen + other
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("propensity sum = %v, want 1.0", sum)
	}
}

func TestUCBScoreFormula(t *testing.T) {
	s := domain.PolicyArmState{Pulls: 4, SumReward: 2}
	got := ucb1Score(s, 16, DefaultExplorationFactor)
	want := 0.5 + DefaultExplorationFactor*math.Sqrt(math.Log(16)/4)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("ucb1Score() = %v, want %v", got, want)
	}
}

func TestUCBSelectNoCandidates(t *testing.T) {
	u := NewUCB(domain.PolicyParams{})
	if _, _, _, err := u.Select(nil, nil, nil); err != domain.ErrNoEligibleArm {
		t.Errorf("Select() error = %v, want ErrNoEligibleArm", err)
	}
}
