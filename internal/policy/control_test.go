package policy

import (
	"testing"

	"github.com/banditlab/banditd/internal/domain"
)

func candidates(ids ...string) []domain.Arm {
	arms := make([]domain.Arm, len(ids))
	for i, id := range ids {
		arms[i] = domain.Arm{ArmID: id}
	}
	return arms
}

func TestControlSelectFixedArm(t *testing.T) {
	c := NewControl(domain.PolicyParams{FixedArmID: "b"})
	armID, propensity, _, err := c.Select(candidates("a", "b", "c"), nil, nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if armID != "b" {
		t.Errorf("Select() armID = %q, want %q", armID, "b")
	}
	if propensity != 1.0 {
		t.Errorf("Select() propensity = %v, want 1.0", propensity)
	}
}

func TestControlSelectFixedArmMissing(t *testing.T) {
	c := NewControl(domain.PolicyParams{FixedArmID: "z"})
	if _, _, _, err := c.Select(candidates("a", "b"), nil, nil); err != domain.ErrArmNotFound {
		t.Errorf("Select() error = %v, want ErrArmNotFound", err)
	}
}

func TestControlSelectDefaultsToLowestArmID(t *testing.T) {
	c := NewControl(domain.PolicyParams{})
	armID, _, _, err := c.Select(candidates("c", "a", "b"), nil, nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if armID != "a" {
		t.Errorf("Select() armID = %q, want %q", armID, "a")
	}
}

func TestControlSelectNoCandidates(t *testing.T) {
	c := NewControl(domain.PolicyParams{})
	if _, _, _, err := c.Select(nil, nil, nil); err != domain.ErrNoEligibleArm {
		t.Errorf("Select() error = %v, want ErrNoEligibleArm", err)
	}
}

func TestControlUpdateRejectsOutOfRange(t *testing.T) {
	c := NewControl(domain.PolicyParams{})
	if _, err := c.Update(domain.PolicyArmState{}, 1.5); err != domain.ErrRewardOutOfRange {
		t.Errorf("Update() error = %v, want ErrRewardOutOfRange", err)
	}
}

func TestControlUpdateAccumulates(t *testing.T) {
	c := NewControl(domain.PolicyParams{})
	next, err := c.Update(domain.PolicyArmState{}, 1.0)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if next.Pulls != 1 || next.SumReward != 1.0 {
		t.Errorf("Update() = %+v, want Pulls=1 SumReward=1.0", next)
	}
}
