package reward

import (
	"context"
	"log"
	"time"

	"github.com/banditlab/banditd/internal/domain"
	"github.com/banditlab/banditd/internal/policy"
	"github.com/banditlab/banditd/internal/policystate"
)

// Sweeper periodically attributes outstanding serve events and folds the
// resulting reward into the serving policy's sufficient statistics,
// closing any event whose attribution window has elapsed without a
// downstream signal.
type Sweeper struct {
	attributor  *Attributor
	experiments domain.ExperimentStore
	state       *policystate.Manager
	logger      *log.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(attributor *Attributor, experiments domain.ExperimentStore, state *policystate.Manager, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{attributor: attributor, experiments: experiments, state: state, logger: logger}
}

// Sweep pulls up to limit unattributed serve events from store, resolves
// each one's owning experiment to learn its reward_mapping and
// attribution window, attributes (or closes) a reward, and applies it to
// the (experiment, policy, arm) state row the event was served under.
// Events served under a fallback policy the experiment no longer
// declares are attributed but skip the state update, since there is no
// tracked policy arm to credit.
func (s *Sweeper) Sweep(ctx context.Context, store domain.EventStore, now time.Time, limit int) (processed int, err error) {
	events, err := store.ListServeEventsForAttribution(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	for _, se := range events {
		if se.Dropped {
			continue
		}
		e, err := s.experiments.GetExperiment(ctx, se.ExperimentID)
		if err != nil {
			s.logger.Printf("[reward] sweep: experiment %s lookup failed for event %s: %v", se.ExperimentID, se.EventID, err)
			continue
		}

		window := e.AttributionWindow
		var reward float64
		if se.WithinWindow(now, window) {
			reward, err = s.attributor.Attribute(ctx, se, e.RewardMapping, window, now)
		} else {
			err = s.attributor.CloseWindow(ctx, se, now)
		}
		if err != nil {
			s.logger.Printf("[reward] sweep: attribution failed for event %s: %v", se.EventID, err)
			continue
		}

		policies, err := s.experiments.ListPolicies(ctx, se.ExperimentID)
		if err != nil {
			s.logger.Printf("[reward] sweep: list policies failed for event %s: %v", se.EventID, err)
			continue
		}
		pol := findPolicy(policies, se.PolicyID)
		if pol == nil {
			processed++
			continue
		}

		impl, err := policy.New(pol.Kind, pol.Params)
		if err != nil {
			s.logger.Printf("[reward] sweep: reconstruct policy %s failed: %v", pol.ID, err)
			continue
		}
		if _, err := s.state.Apply(ctx, se.ExperimentID, se.PolicyID, se.ArmID, "", impl, reward); err != nil {
			s.logger.Printf("[reward] sweep: state apply failed for event %s: %v", se.EventID, err)
			continue
		}
		processed++
	}
	return processed, nil
}

func findPolicy(policies []domain.Policy, id string) *domain.Policy {
	for i := range policies {
		if policies[i].ID == id {
			return &policies[i]
		}
	}
	return nil
}
