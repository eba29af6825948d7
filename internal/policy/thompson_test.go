package policy

import (
	"math"
	"math/rand"
	"testing"

	"github.com/banditlab/banditd/internal/domain"
)

func TestThompsonSelectPropensityInUnitInterval(t *testing.T) {
	th := NewThompson(domain.PolicyParams{MCDraws: 3000})
	cands := candidates("a", "b", "c")
	state := map[string]domain.PolicyArmState{
		"a": {ArmID: "a", Alpha: 20, Beta: 5},
		"b": {ArmID: "b", Alpha: 3, Beta: 20},
		"c": {ArmID: "c", Alpha: 10, Beta: 10},
	}

	armID, prop, _, err := th.Select(cands, nil, state)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if armID == "" {
		t.Fatal("Select() returned empty armID")
	}
	if prop <= 0 || prop > 1 {
		t.Errorf("propensity = %v, want in (0,1]", prop)
	}
}

func TestThompsonSelectNoCandidates(t *testing.T) {
	th := NewThompson(domain.PolicyParams{})
	if _, _, _, err := th.Select(nil, nil, nil); err != domain.ErrNoEligibleArm {
		t.Errorf("Select() error = %v, want ErrNoEligibleArm", err)
	}
}

func TestThompsonDefaultsPriorsAndDraws(t *testing.T) {
	th := NewThompson(domain.PolicyParams{})
	if th.priorAlpha != DefaultPriorAlpha || th.priorBeta != DefaultPriorBeta {
		t.Errorf("priors = (%v, %v), want (%v, %v)", th.priorAlpha, th.priorBeta, DefaultPriorAlpha, DefaultPriorBeta)
	}
	if th.mcDraws != DefaultMCDraws {
		t.Errorf("mcDraws = %v, want %v", th.mcDraws, DefaultMCDraws)
	}
}

func TestThompsonUpdateRejectsOutOfRange(t *testing.T) {
	th := NewThompson(domain.PolicyParams{})
	if _, err := th.Update(domain.PolicyArmState{}, 2.0); err != domain.ErrRewardOutOfRange {
		t.Errorf("Update() error = %v, want ErrRewardOutOfRange", err)
	}
}

func TestThompsonUpdateAlphaBetaInvariant(t *testing.T) {
	th := NewThompson(domain.PolicyParams{})
	state := domain.PolicyArmState{Alpha: 1, Beta: 1}
	next, err := th.Update(state, 1.0)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if next.Alpha != 2 || next.Beta != 1 {
		t.Errorf("Alpha/Beta = (%v, %v), want (2, 1)", next.Alpha, next.Beta)
	}
	if next.Alpha != th.priorAlpha+next.Successes {
		t.Errorf("alpha = alpha0+successes invariant broken: alpha=%v alpha0=%v successes=%v", next.Alpha, th.priorAlpha, next.Successes)
	}
}

func TestThompsonUpdateAlphaBetaInvariantFractionalReward(t *testing.T) {
	th := NewThompson(domain.PolicyParams{})
	state := domain.PolicyArmState{Alpha: 1, Beta: 1}
	next, err := th.Update(state, 0.3)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if next.Alpha != th.priorAlpha+next.Successes {
		t.Errorf("alpha = alpha0+successes invariant broken for fractional reward: alpha=%v alpha0=%v successes=%v", next.Alpha, th.priorAlpha, next.Successes)
	}
	if next.Beta != th.priorBeta+next.Failures {
		t.Errorf("beta = beta0+failures invariant broken for fractional reward: beta=%v beta0=%v failures=%v", next.Beta, th.priorBeta, next.Failures)
	}
}

func TestSampleBetaMeanConvergesToExpected(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alpha, beta := 8.0, 2.0
	const n = 20000
	var sum float64
	for i := 0; i < n; i++ {
		sum += sampleBeta(rng, alpha, beta)
	}
	mean := sum / n
	want := alpha / (alpha + beta)
	if math.Abs(mean-want) > 0.02 {
		t.Errorf("sampleBeta mean = %v, want ~%v", mean, want)
	}
}

func TestSampleBetaHandlesSmallShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		v := sampleBeta(rng, 0.3, 0.4)
		if v < 0 || v > 1 {
			t.Fatalf("sampleBeta(0.3, 0.4) = %v, want in [0,1]", v)
		}
	}
}
