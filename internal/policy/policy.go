// Package policy implements the uniform exploration-strategy contract:
// Thompson Sampling, ε-greedy, UCB1, and a stateless Control policy, all
// behind domain.Policy.
//
// Every Select call is pure with respect to storage: it takes an
// already-loaded state snapshot and returns a decision. Every Update call
// is a pure function on sufficient statistics. Persisting the result is
// the caller's job (see internal/policystate), which keeps the policies
// themselves trivially testable and side-effect free.
package policy

import (
	"fmt"
	"sort"

	"github.com/banditlab/banditd/internal/domain"
)

// PropensityEpsilon is the tolerance used when asserting that propensities
// over a candidate set sum to 1.
const PropensityEpsilon = 1e-6

// New constructs the policy implementation for the given kind, applying
// kind-specific defaults for any zero-valued params.
func New(kind domain.PolicyKind, params domain.PolicyParams) (domain.Policy, error) {
	switch kind {
	case domain.PolicyThompson:
		return NewThompson(params), nil
	case domain.PolicyEGreedy:
		return NewEGreedy(params), nil
	case domain.PolicyUCB:
		return NewUCB(params), nil
	case domain.PolicyControl:
		return NewControl(params), nil
	default:
		return nil, fmt.Errorf("policy kind %q: %w", kind, domain.ErrUnknownPolicy)
	}
}

// NewSeeded is New with a deterministic RNG seed threaded into the two
// kinds that draw randomly (Thompson, EGreedy); UCB and Control are
// already deterministic given state. Used by offline replay, which must
// produce bit-reproducible IPS/DR estimates across runs over the same
// log.
func NewSeeded(kind domain.PolicyKind, params domain.PolicyParams, seed int64) (domain.Policy, error) {
	switch kind {
	case domain.PolicyThompson:
		return NewThompsonSeeded(params, seed), nil
	case domain.PolicyEGreedy:
		return NewEGreedySeeded(params, seed), nil
	case domain.PolicyUCB:
		return NewUCB(params), nil
	case domain.PolicyControl:
		return NewControl(params), nil
	default:
		return nil, fmt.Errorf("policy kind %q: %w", kind, domain.ErrUnknownPolicy)
	}
}

// sortedArmIDs returns candidate arm IDs in a deterministic order, used to
// break ties by lowest arm_id (ε-greedy tie-break, UCB1 cold start
// round-robin).
func sortedArmIDs(candidates []domain.Arm) []string {
	ids := make([]string, len(candidates))
	for i, a := range candidates {
		ids[i] = a.ArmID
	}
	sort.Strings(ids)
	return ids
}

// stateOrZero returns the state row for armID, or a freshly zeroed row
// scoped to armID if none exists yet.
func stateOrZero(state map[string]domain.PolicyArmState, armID string) domain.PolicyArmState {
	if s, ok := state[armID]; ok {
		return s
	}
	return domain.PolicyArmState{ArmID: armID}
}
