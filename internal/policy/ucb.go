package policy

import (
	"math"

	"github.com/banditlab/banditd/internal/domain"
)

// DefaultExplorationFactor is UCB1's classic sqrt(2) constant.
const DefaultExplorationFactor = 1.41421356237

// DefaultExplorationFloor bounds how small a non-chosen arm's propensity
// estimate can get; UCB1 is deterministic given state, so without a floor
// every non-chosen arm would carry propensity 0, which is unusable for
// off-policy estimators that divide by propensity.
const DefaultExplorationFloor = 0.01

// UCB implements UCB1: pick the candidate maximizing
//
//	mean(arm) + C * sqrt( ln(N) / n(arm) )
//
// where N is total pulls across all candidates and n(arm) is the arm's own
// pull count. An arm with zero pulls has infinite score, so UCB1 always
// visits every untried arm before exploiting (cold-start round-robin,
// ties broken by lowest arm_id). Adapted directly from the ucb1Score /
// armStats pairing in an ML task scheduler.
type UCB struct {
	explorationFactor float64
	explorationFloor  float64
}

// NewUCB constructs a UCB policy, defaulting ExplorationFactor and
// ExplorationFloor if unset.
func NewUCB(p domain.PolicyParams) *UCB {
	factor := p.ExplorationFactor
	if factor <= 0 {
		factor = DefaultExplorationFactor
	}
	floor := p.ExplorationFloor
	if floor <= 0 {
		floor = DefaultExplorationFloor
	}
	return &UCB{explorationFactor: factor, explorationFloor: floor}
}

// Kind implements domain.Policy.
func (u *UCB) Kind() domain.PolicyKind { return domain.PolicyUCB }

// Select implements domain.Policy.
func (u *UCB) Select(candidates []domain.Arm, _ domain.Context, state map[string]domain.PolicyArmState) (string, float64, float64, error) {
	if len(candidates) == 0 {
		return "", 0, 0, domain.ErrNoEligibleArm
	}

	ids := sortedArmIDs(candidates)

	var total int64
	for _, id := range ids {
		total += stateOrZero(state, id).Pulls
	}

	bestID := ""
	bestScore := math.Inf(-1)
	for _, id := range ids {
		score := ucb1Score(stateOrZero(state, id), total, u.explorationFactor)
		if score > bestScore {
			bestScore = score
			bestID = id
		}
	}

	k := float64(len(ids))
	propensity := u.explorationFloor / k
	if bestID != "" {
		// Reserve the floor mass for every non-chosen candidate, give the
		// remainder to the selection so propensities sum to exactly 1.
		propensity = 1 - (k-1)*(u.explorationFloor/k)
	}

	return bestID, propensity, bestScore, nil
}

// ucb1Score computes the Upper Confidence Bound for one arm. An arm with
// zero pulls returns +Inf so it is always selected before any exploited
// arm.
func ucb1Score(s domain.PolicyArmState, totalPulls int64, explorationFactor float64) float64 {
	if s.Pulls == 0 {
		return math.Inf(1)
	}
	exploitation := s.MeanReward()
	exploration := explorationFactor * math.Sqrt(math.Log(float64(totalPulls))/float64(s.Pulls))
	return exploitation + exploration
}

// Update implements domain.Policy.
func (u *UCB) Update(state domain.PolicyArmState, reward float64) (domain.PolicyArmState, error) {
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
