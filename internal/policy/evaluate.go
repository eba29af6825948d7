package policy

import "github.com/banditlab/banditd/internal/domain"

// EstimatePropensity resamples impl.Select draws times over the same
// candidate set, context, and state, and returns the empirical fraction
// of draws that reproduce armID. Used by off-policy evaluation (decision
// engine, offline replay) to score a candidate policy's propensity for
// an arbitrary already-logged arm, mirroring the same Monte-Carlo
// technique Thompson Sampling's own Select uses internally to estimate
// its chosen arm's propensity.
func EstimatePropensity(impl domain.Policy, candidates []domain.Arm, ctx domain.Context, state map[string]domain.PolicyArmState, armID string, draws int) float64 {
	if len(candidates) == 0 || draws <= 0 {
		return 0
	}
	var hits int
	for i := 0; i < draws; i++ {
		chosen, _, _, err := impl.Select(candidates, ctx, state)
		if err != nil {
			continue
		}
		if chosen == armID {
			hits++
		}
	}
	return float64(hits) / float64(draws)
}
