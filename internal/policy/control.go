package policy

import "github.com/banditlab/banditd/internal/domain"

// Control implements the deterministic legacy policy: it always serves a
// single fixed arm and never explores. Useful as a baseline arm in an
// experiment's traffic plan, or as the serving pipeline's fallback when a
// stateful policy times out.
type Control struct {
	fixedArmID string
}

// NewControl constructs a Control policy pinned to params.FixedArmID. If
// FixedArmID is empty, Select falls back to the lowest arm_id among
// candidates so the policy still returns a deterministic, valid choice.
func NewControl(p domain.PolicyParams) *Control {
	return &Control{fixedArmID: p.FixedArmID}
}

// Kind implements domain.Policy.
func (c *Control) Kind() domain.PolicyKind { return domain.PolicyControl }

// Select implements domain.Policy. Propensity is always 1: Control is
// deterministic, so it emits its fixed arm with certainty.
func (c *Control) Select(candidates []domain.Arm, _ domain.Context, _ map[string]domain.PolicyArmState) (string, float64, float64, error) {
	if len(candidates) == 0 {
		return "", 0, 0, domain.ErrNoEligibleArm
	}

	if c.fixedArmID != "" {
		for _, a := range candidates {
			if a.ArmID == c.fixedArmID {
				return a.ArmID, 1.0, 1.0, nil
			}
		}
		return "", 0, 0, domain.ErrArmNotFound
	}

	ids := sortedArmIDs(candidates)
	return ids[0], 1.0, 1.0, nil
}

// Update implements domain.Policy. Control still accumulates sufficient
// statistics so analytics over its arm are meaningful, it just never uses
// them for selection.
func (c *Control) Update(state domain.PolicyArmState, reward float64) (domain.PolicyArmState, error) {
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
