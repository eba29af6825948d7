// Package experiment owns the lifecycle state machine over
// Experiment.Status (C5): draft -> active -> paused/ended/killed. It is
// the only place allowed to transition an experiment or mutate its
// traffic configuration once created.
package experiment

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/banditlab/banditd/internal/domain"
)

// Stores bundles the storage boundaries the manager needs. Kept as a
// struct of interfaces (rather than one fat interface) so tests can
// supply narrow fakes.
type Stores struct {
	Experiments domain.ExperimentStore
	Arms        domain.ArmCatalogStore
	State       domain.PolicyStateStore
	Assignments domain.AssignmentStore
}

// Manager enforces the experiment state machine and config-change rules.
type Manager struct {
	stores Stores
	logger *log.Logger
}

// New constructs a Manager.
func New(stores Stores, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{stores: stores, logger: logger}
}

// Create validates and persists a new experiment in draft status.
func (m *Manager) Create(ctx context.Context, e domain.Experiment) error {
	e.Status = domain.StatusDraft
	if err := e.Validate(); err != nil {
		return err
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	return m.stores.Experiments.CreateExperiment(ctx, e)
}

// Start transitions draft -> active, seeding PolicyArmState priors for
// every (policy, arm) pair the experiment currently knows about. Start
// is atomic from the caller's perspective: if seeding fails partway, the
// experiment is left in draft rather than observably half-started.
func (m *Manager) Start(ctx context.Context, experimentID string) error {
	e, err := m.stores.Experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}

	policies, err := m.stores.Experiments.ListPolicies(ctx, experimentID)
	if err != nil {
		return err
	}
	for _, p := range policies {
		arms, err := m.stores.Arms.ListArms(ctx, experimentID, p.ArmCatalogRef)
		if err != nil {
			return err
		}
		for _, a := range arms {
			if err := m.stores.State.SeedState(ctx, domain.PolicyArmState{
				ExperimentID: experimentID,
				PolicyID:     p.ID,
				ArmID:        a.ArmID,
				Alpha:        priorOrDefault(p.Params.PriorAlpha),
				Beta:         priorOrDefault(p.Params.PriorBeta),
				UpdatedAt:    time.Now(),
			}); err != nil {
				return fmt.Errorf("experiment: seed state for policy %s arm %s: %w", p.ID, a.ArmID, err)
			}
		}
	}

	if err := m.stores.Experiments.UpdateExperimentStatus(ctx, experimentID, domain.StatusDraft, domain.StatusActive); err != nil {
		return err
	}
	m.logger.Printf("[experiment] %s draft -> active (%d policies seeded)", experimentID, len(policies))
	return nil
}

func priorOrDefault(v float64) float64 {
	if v <= 0 {
		return 1.0
	}
	return v
}

// Pause transitions active -> paused. Paused experiments stop admitting
// new assignments but existing ones are untouched.
func (m *Manager) Pause(ctx context.Context, experimentID string) error {
	return m.transition(ctx, experimentID, domain.StatusActive, domain.StatusPaused)
}

// Resume transitions paused -> active.
func (m *Manager) Resume(ctx context.Context, experimentID string) error {
	return m.transition(ctx, experimentID, domain.StatusPaused, domain.StatusActive)
}

// End transitions active -> ended. Ended experiments stop serving;
// their policy state rows are retained for post-hoc analysis.
func (m *Manager) End(ctx context.Context, experimentID string) error {
	return m.transition(ctx, experimentID, domain.StatusActive, domain.StatusEnded)
}

// Kill force-transitions an experiment to killed from either active or
// paused. Unlike the other transitions, Kill is also invoked by the
// guardrail monitor, not only admins, so it accepts either source
// status rather than requiring one.
func (m *Manager) Kill(ctx context.Context, experimentID, reason string) error {
	e, err := m.stores.Experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if e.Status != domain.StatusActive && e.Status != domain.StatusPaused {
		return domain.ErrInvalidTransition
	}
	if err := m.stores.Experiments.UpdateExperimentStatus(ctx, experimentID, e.Status, domain.StatusKilled); err != nil {
		return err
	}
	m.logger.Printf("[experiment] %s %s -> killed: %s", experimentID, e.Status, reason)
	return nil
}

func (m *Manager) transition(ctx context.Context, experimentID string, from, to domain.ExperimentStatus) error {
	if err := m.stores.Experiments.UpdateExperimentStatus(ctx, experimentID, from, to); err != nil {
		return err
	}
	m.logger.Printf("[experiment] %s %s -> %s", experimentID, from, to)
	return nil
}

// Ramp grows an experiment's traffic_fraction. Per the ramp invariant,
// fraction may only increase while the experiment is active; shrinking
// or ramping a non-active experiment is rejected so previously-admitted
// users can never be dropped out from under them.
func (m *Manager) Ramp(ctx context.Context, experimentID string, newFraction float64) error {
	if newFraction < 0 || newFraction > 1 {
		return domain.ErrInvalidFraction
	}
	e, err := m.stores.Experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if e.Status != domain.StatusActive {
		return domain.ErrInvalidTransition
	}
	if newFraction < e.TrafficFraction {
		return domain.ErrFractionShrunk
	}
	if err := m.stores.Experiments.UpdateTrafficFraction(ctx, experimentID, newFraction); err != nil {
		return err
	}
	m.logger.Printf("[experiment] %s traffic_fraction %.4f -> %.4f", experimentID, e.TrafficFraction, newFraction)
	return nil
}

// ChangeSalt rotates an experiment's routing salt and clears its cached
// assignments, since a new salt produces different hash buckets and the
// first-write-wins assignment cache would otherwise pin every user to
// their pre-rotation bucket.
func (m *Manager) ChangeSalt(ctx context.Context, experimentID, newSalt string) error {
	if newSalt == "" {
		return domain.ErrEmptySalt
	}
	if err := m.stores.Experiments.UpdateSalt(ctx, experimentID, newSalt); err != nil {
		return err
	}
	if err := m.stores.Assignments.DeleteAssignments(ctx, experimentID); err != nil {
		return fmt.Errorf("experiment: clear assignments after salt change: %w", err)
	}
	m.logger.Printf("[experiment] %s salt rotated, assignment cache cleared", experimentID)
	return nil
}
