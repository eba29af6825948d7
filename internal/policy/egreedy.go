package policy

import (
	"math/rand"
	"time"

	"github.com/banditlab/banditd/internal/domain"
)

// DefaultEpsilon is the exploration probability used when none is
// configured.
const DefaultEpsilon = 0.1

// EGreedy implements epsilon-greedy exploration: with probability epsilon
// pick a uniformly random candidate, otherwise pick the arm with the
// highest running mean reward (ties broken by lowest arm_id). Mean reward
// bookkeeping mirrors the running-mean update used by an mlscheduler's
// armStats, but here it's derived straight from the persisted
// PolicyArmState rather than an in-memory ring buffer.
type EGreedy struct {
	epsilon float64
	rng     *rand.Rand
}

// NewEGreedy constructs an EGreedy policy, defaulting Epsilon if unset.
func NewEGreedy(p domain.PolicyParams) *EGreedy {
	return newEGreedy(p, time.Now().UnixNano())
}

// NewEGreedySeeded constructs an EGreedy policy with a deterministic RNG
// seed, for bit-reproducible offline replay.
func NewEGreedySeeded(p domain.PolicyParams, seed int64) *EGreedy {
	return newEGreedy(p, seed)
}

func newEGreedy(p domain.PolicyParams, seed int64) *EGreedy {
	eps := p.Epsilon
	if eps <= 0 {
		eps = DefaultEpsilon
	}
	return &EGreedy{
		epsilon: eps,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Kind implements domain.Policy.
func (e *EGreedy) Kind() domain.PolicyKind { return domain.PolicyEGreedy }

// Select implements domain.Policy. The closed-form propensity for the
// chosen arm is (1-epsilon) + epsilon/K if it is the greedy best, else
// epsilon/K, which sums to exactly 1 over K candidates.
func (e *EGreedy) Select(candidates []domain.Arm, _ domain.Context, state map[string]domain.PolicyArmState) (string, float64, float64, error) {
	if len(candidates) == 0 {
		return "", 0, 0, domain.ErrNoEligibleArm
	}

	ids := sortedArmIDs(candidates)
	k := float64(len(ids))

	bestID := ids[0]
	bestMean := stateOrZero(state, bestID).MeanReward()
	for _, id := range ids[1:] {
		mean := stateOrZero(state, id).MeanReward()
		if mean > bestMean {
			bestMean = mean
			bestID = id
		}
	}

	explore := e.rng.Float64() < e.epsilon
	chosen := bestID
	if explore {
		chosen = ids[e.rng.Intn(len(ids))]
	}

	propensity := e.epsilon / k
	if chosen == bestID {
		propensity += 1 - e.epsilon
	}

	return chosen, propensity, stateOrZero(state, chosen).MeanReward(), nil
}

// Update implements domain.Policy. Accumulates sufficient statistics so
// MeanReward stays a simple running average.
func (e *EGreedy) Update(state domain.PolicyArmState, reward float64) (domain.PolicyArmState, error) {
	if reward < 0 || reward > 1 {
		return domain.PolicyArmState{}, domain.ErrRewardOutOfRange
	}
	next := state
	next.Pulls++
	next.SumReward += reward
	next.SumRewardSq += reward * reward
	next.Successes += reward
	next.Failures += 1 - reward
	return next, nil
}
