// Package serve implements the Recommend pipeline (C3): load the
// governing experiment for a surface, assign the requesting user to a
// policy, pull arm candidates and policy state, call the policy, and log
// a ServeEvent per returned slot. Serving latency is never sacrificed to
// reward-side machinery — the policy-state reads run under PolicyTimeout
// and the whole request under EndToEndTimeout, and the pipeline degrades
// to a stateless control policy rather than fail the caller.
package serve

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/banditlab/banditd/internal/assign"
	"github.com/banditlab/banditd/internal/domain"
	"github.com/banditlab/banditd/internal/policy"
)

// Config controls pipeline deadlines. Defaults match the documented
// serve SLOs: 50ms for the policy-state reads, 120ms end to end. The
// in-memory Select call is not bounded by PolicyTimeout.
type Config struct {
	PolicyTimeout   time.Duration
	EndToEndTimeout time.Duration
}

// DefaultConfig returns the documented serve deadlines.
func DefaultConfig() Config {
	return Config{
		PolicyTimeout:   50 * time.Millisecond,
		EndToEndTimeout: 120 * time.Millisecond,
	}
}

// Stores bundles the storage boundaries Recommend reads and writes.
type Stores struct {
	Experiments domain.ExperimentStore
	Arms        domain.ArmCatalogStore
	State       domain.PolicyStateStore
	Events      domain.EventStore
	Assignments domain.AssignmentStore
}

// Manager runs the Recommend pipeline.
type Manager struct {
	config Config
	stores Stores
	logger *log.Logger
	// newEventID is overridable in tests; defaults to uuid.NewString.
	newEventID func() string
}

// New constructs a Manager.
func New(cfg Config, stores Stores, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{config: cfg, stores: stores, logger: logger, newEventID: uuid.NewString}
}

// Recommendation is one arm choice returned to the host recommender.
type Recommendation struct {
	ArmID        string
	Position     int
	Propensity   float64
	Score        float64
	ExperimentID string
	PolicyID     string
	EventID      string
}

// controlPolicyID is logged when a request falls outside any experiment
// (or the experiment's policy degrades), so default-policy traffic
// remains comparable to treatment traffic in analysis.
const controlPolicyID = "control"

// session resolves once per Recommend call, then position is drawn from
// it k times without refetching the experiment/policy/state.
type session struct {
	experimentID string
	policyID     string
	impl         domain.Policy
	state        map[string]domain.PolicyArmState
	usesControl  bool
	timedOut     bool
}

// Recommend runs one serve request: pick the governing experiment for
// surface, assign userID a policy, then draw up to k arms from the
// candidate set without replacement, logging one ServeEvent per
// position. It always returns recommendations (falling back to the
// control policy) unless the candidate set itself is empty.
func (m *Manager) Recommend(ctx context.Context, userID, surface string, candidates []domain.Arm, userCtx domain.Context, k int) ([]Recommendation, error) {
	if len(candidates) == 0 {
		return nil, domain.ErrUnavailableCatalog
	}
	if k <= 0 {
		k = 1
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.EndToEndTimeout)
	defer cancel()

	sess := m.resolve(ctx, userID, surface)

	remaining := append([]domain.Arm(nil), candidates...)
	recs := make([]Recommendation, 0, k)
	for position := 0; position < k && len(remaining) > 0; position++ {
		rec, chosenIdx, err := m.selectOne(ctx, sess, userID, remaining, userCtx, position)
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
		remaining = append(remaining[:chosenIdx], remaining[chosenIdx+1:]...)
	}
	return recs, nil
}

// resolve determines which policy governs this request, falling back to
// control whenever the experiment lookup, assignment, catalog, or policy
// construction fails — never returning an error, since the session is
// always servable by control.
func (m *Manager) resolve(ctx context.Context, userID, surface string) session {
	experiments, err := m.stores.Experiments.ListActiveExperiments(ctx, surface)
	if err != nil || len(experiments) == 0 {
		return session{usesControl: true}
	}
	e := experiments[0]

	a, err := m.assignment(ctx, e, userID)
	if err != nil {
		return session{experimentID: e.ID, usesControl: true}
	}

	armCandidates, err := m.stores.Arms.ListArms(ctx, e.ID, e.CatalogVersion)
	if err != nil || len(armCandidates) == 0 {
		return session{experimentID: e.ID, usesControl: true}
	}

	policies, err := m.stores.Experiments.ListPolicies(ctx, e.ID)
	if err != nil {
		return session{experimentID: e.ID, usesControl: true}
	}
	p := findPolicy(policies, a.PolicyID)
	if p == nil {
		return session{experimentID: e.ID, usesControl: true}
	}

	impl, err := policy.New(p.Kind, p.Params)
	if err != nil {
		return session{experimentID: e.ID, usesControl: true}
	}

	policyCtx, cancel := context.WithTimeout(ctx, m.config.PolicyTimeout)
	defer cancel()
	state, err := m.loadState(policyCtx, e.ID, p.ID, armCandidates)
	if err != nil {
		return session{experimentID: e.ID, usesControl: true, timedOut: policyCtx.Err() != nil}
	}

	return session{experimentID: e.ID, policyID: p.ID, impl: impl, state: state}
}

// assignment resolves the policy a user is bucketed into for e, memoizing
// the result in storage so the user's policy never drifts once written:
// the first Route outcome for (user, experiment) is the one that counts,
// even if a later traffic_fraction/traffic_plan ramp would route the same
// user differently today.
func (m *Manager) assignment(ctx context.Context, e domain.Experiment, userID string) (domain.Assignment, error) {
	cached, err := m.stores.Assignments.GetAssignment(ctx, userID, e.ID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if cached != nil {
		return *cached, nil
	}

	a, err := assign.Route(e, userID)
	if err != nil {
		return domain.Assignment{}, err
	}
	a.AssignedAt = time.Now()

	inserted, err := m.stores.Assignments.InsertAssignment(ctx, a)
	if err != nil {
		m.logger.Printf("[serve] experiment=%s user=%s assignment cache write failed: %v", e.ID, userID, err)
		return a, nil
	}
	if inserted {
		return a, nil
	}

	// Lost the race to a concurrent first write; the stored row is the
	// one of record.
	cached, err = m.stores.Assignments.GetAssignment(ctx, userID, e.ID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if cached != nil {
		return *cached, nil
	}
	return a, nil
}

func findPolicy(policies []domain.Policy, id string) *domain.Policy {
	for i := range policies {
		if policies[i].ID == id {
			return &policies[i]
		}
	}
	return nil
}

// contextKey is always empty: none of the shipped policies segment state
// by request context yet, matching PolicyArmState's documented
// non-contextual default.
func (m *Manager) loadState(ctx context.Context, experimentID, policyID string, candidates []domain.Arm) (map[string]domain.PolicyArmState, error) {
	const contextKey = ""
	state := make(map[string]domain.PolicyArmState, len(candidates))
	for _, c := range candidates {
		s, err := m.stores.State.GetState(ctx, experimentID, policyID, c.ArmID, contextKey)
		if err != nil {
			return nil, err
		}
		state[c.ArmID] = s
	}
	return state, nil
}

// selectOne draws one arm for position from remaining, logs a ServeEvent,
// and reports the index into remaining that was chosen so the caller can
// exclude it from the next position.
func (m *Manager) selectOne(ctx context.Context, sess session, userID string, remaining []domain.Arm, userCtx domain.Context, position int) (Recommendation, int, error) {
	policyID := sess.policyID
	impl := sess.impl
	timedOut := sess.timedOut
	if sess.usesControl {
		policyID = controlPolicyID
		impl = policy.NewControl(domain.PolicyParams{})
	}

	started := time.Now()
	armID, propensity, score, err := impl.Select(remaining, userCtx, sess.state)
	latency := time.Since(started)
	if err != nil {
		return Recommendation{}, 0, err
	}

	idx := indexOfArm(remaining, armID)

	event := domain.ServeEvent{
		EventID:       m.newEventID(),
		SchemaVersion: domain.CurrentSchemaVersion,
		ExperimentID:  sess.experimentID,
		UserID:        userID,
		PolicyID:      policyID,
		ArmID:         armID,
		Position:      position,
		Context:       userCtx,
		Propensity:    propensity,
		Score:         score,
		LatencyMs:     latency.Milliseconds(),
		ServedAt:      time.Now(),
		PolicyTimeout: timedOut,
	}
	if timedOut {
		m.logger.Printf("[serve] experiment=%s user=%s policy timed out, served control", sess.experimentID, userID)
	}
	if err := m.stores.Events.AppendServeEvent(ctx, event); err != nil {
		event.Dropped = true
		m.logger.Printf("[serve] event=%s append failed, marking dropped: %v", event.EventID, err)
	}

	return Recommendation{
		ArmID:        event.ArmID,
		Position:     event.Position,
		Propensity:   event.Propensity,
		Score:        event.Score,
		ExperimentID: event.ExperimentID,
		PolicyID:     event.PolicyID,
		EventID:      event.EventID,
	}, idx, nil
}

func indexOfArm(arms []domain.Arm, armID string) int {
	for i, a := range arms {
		if a.ArmID == armID {
			return i
		}
	}
	return 0
}
