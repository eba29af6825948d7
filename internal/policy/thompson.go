package policy

import (
	"math"
	"math/rand"
	"time"

	"github.com/banditlab/banditd/internal/domain"
)

// DefaultPriorAlpha and DefaultPriorBeta give a uniform Beta(1,1) prior.
const (
	DefaultPriorAlpha = 1.0
	DefaultPriorBeta  = 1.0
	// DefaultMCDraws is the Monte-Carlo sample count used for propensity
	// estimation when MCDraws is unset or below the 500-draw minimum.
	DefaultMCDraws = 2000
)

// Thompson implements Beta-Bernoulli Thompson Sampling.
//
// Selection draws θ_i ~ Beta(α_i, β_i) for every candidate and returns the
// argmax. The exact propensity of that outcome has no closed form, so it
// is approximated by resampling MCDraws times and counting how often each
// arm wins, then floored at ε = 1/(N·(1+K)) and renormalized so the
// propensities sum to exactly 1.
type Thompson struct {
	priorAlpha float64
	priorBeta  float64
	mcDraws    int
	rng        *rand.Rand
}

// NewThompson constructs a Thompson policy, applying defaults for any
// zero-valued params.
func NewThompson(p domain.PolicyParams) *Thompson {
	return newThompson(p, time.Now().UnixNano())
}

// NewThompsonSeeded constructs a Thompson policy with a deterministic
// RNG seed. Offline replay needs bit-reproducible IPS/DR estimates
// across runs over the same log, which a wall-clock seed can't give.
func NewThompsonSeeded(p domain.PolicyParams, seed int64) *Thompson {
	return newThompson(p, seed)
}

func newThompson(p domain.PolicyParams, seed int64) *Thompson {
	alpha, beta := p.PriorAlpha, p.PriorBeta
	if alpha <= 0 {
		alpha = DefaultPriorAlpha
	}
	if beta <= 0 {
		beta = DefaultPriorBeta
	}
	draws := p.MCDraws
	if draws < 500 {
		draws = DefaultMCDraws
	}
	return &Thompson{
		priorAlpha: alpha,
		priorBeta:  beta,
		mcDraws:    draws,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Kind implements domain.Policy.
func (t *Thompson) Kind() domain.PolicyKind { return domain.PolicyThompson }

// Select implements domain.Policy.
func (t *Thompson) Select(candidates []domain.Arm, _ domain.Context, state map[string]domain.PolicyArmState) (string, float64, float64, error) {
	if len(candidates) == 0 {
		return "", 0, 0, domain.ErrNoEligibleArm
	}

	alphas := make(map[string]float64, len(candidates))
	betas := make(map[string]float64, len(candidates))
	for _, a := range candidates {
		s := stateOrZero(state, a.ArmID)
		alpha, beta := s.Alpha, s.Beta
		if alpha <= 0 {
			alpha = t.priorAlpha
		}
		if beta <= 0 {
			beta = t.priorBeta
		}
		alphas[a.ArmID] = alpha
		betas[a.ArmID] = beta
	}

	// Primary draw: the actual selection.
	chosenID, chosenScore := t.drawBest(candidates, alphas, betas)

	// Monte-Carlo propensity estimate over the same candidate set.
	wins := make(map[string]int, len(candidates))
	for i := 0; i < t.mcDraws; i++ {
		id, _ := t.drawBest(candidates, alphas, betas)
		wins[id]++
	}

	k := float64(len(candidates))
	n := float64(t.mcDraws)
	epsFloor := 1.0 / (n * (1 + k))

	floored := make(map[string]float64, len(candidates))
	var total float64
	for _, a := range candidates {
		raw := float64(wins[a.ArmID]) / n
		f := math.Max(raw, epsFloor)
		floored[a.ArmID] = f
		total += f
	}

	propensity := floored[chosenID] / total
	return chosenID, propensity, chosenScore, nil
}

// drawBest samples θ_i ~ Beta(α_i, β_i) for every candidate and returns the
// argmax arm id and its sampled value.
func (t *Thompson) drawBest(candidates []domain.Arm, alphas, betas map[string]float64) (string, float64) {
	bestID := ""
	bestTheta := -1.0
	for _, a := range candidates {
		theta := sampleBeta(t.rng, alphas[a.ArmID], betas[a.ArmID])
		if theta > bestTheta {
			bestTheta = theta
			bestID = a.ArmID
		}
	}
	return bestID, bestTheta
}

// Update implements domain.Policy. On binary reward r ∈ {0,1}: α += r,
// β += 1−r. Continuous rewards in [0,1] receive the same fractional
// update. Values outside [0,1] are rejected.
func (t *Thompson) Update(state domain.PolicyArmState, reward float64) (domain.PolicyArmState, error) {
	if reward < 0 || reward > 1 {
		return domain.PolicyArmState{}, domain.ErrRewardOutOfRange
	}

	alpha, beta := state.Alpha, state.Beta
	if alpha <= 0 {
		alpha = t.priorAlpha
	}
	if beta <= 0 {
		beta = t.priorBeta
	}

	next := state
	next.Alpha = alpha + reward
	next.Beta = beta + (1 - reward)
	next.Pulls++
	next.SumReward += reward
	next.SumRewardSq += reward * reward

	next.Successes += reward
	next.Failures += 1 - reward
	return next, nil
}

// sampleBeta draws a sample from Beta(alpha, beta) via the ratio of two
// Gamma draws (Marsaglia & Tsang's method for shape >= 1, with the
// standard alpha<1/beta<1 reductions). Grounded on the sampler in
// other_examples/93ec1d8c_bivex-paywall-iap_bandit_service.go.
func sampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	if alpha <= 0 || beta <= 0 {
		return rng.Float64()
	}
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) using Marsaglia & Tsang (2000)
// for shape >= 1, and the standard boost-by-one transform for shape < 1.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*(x*x)*(x*x) {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
