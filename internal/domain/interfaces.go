package domain

import (
	"context"
	"time"
)

// ─── Storage Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers. Infrastructure
// implements them; the application/component layer depends on them.

// ExperimentStore persists experiment configuration and lifecycle state.
type ExperimentStore interface {
	CreateExperiment(ctx context.Context, e Experiment) error
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	ListActiveExperiments(ctx context.Context, surface string) ([]Experiment, error)
	// ListAllActiveExperiments returns every active experiment regardless
	// of surface, for the scheduler's guardrail/decision refresh loop.
	ListAllActiveExperiments(ctx context.Context) ([]Experiment, error)
	UpdateExperimentStatus(ctx context.Context, id string, from, to ExperimentStatus) error
	UpdateTrafficFraction(ctx context.Context, id string, fraction float64) error
	UpdateSalt(ctx context.Context, id, salt string) error
	UpsertPolicies(ctx context.Context, policies []Policy) error
	ListPolicies(ctx context.Context, experimentID string) ([]Policy, error)
}

// ArmCatalogStore persists the versioned arm catalog.
type ArmCatalogStore interface {
	PutArms(ctx context.Context, arms []Arm) error
	ListArms(ctx context.Context, experimentID string, version int) ([]Arm, error)
}

// AssignmentStore persists the (user, experiment) -> policy cache.
// First-write-wins: a second insert for the same key is a no-op.
type AssignmentStore interface {
	InsertAssignment(ctx context.Context, a Assignment) (inserted bool, err error)
	GetAssignment(ctx context.Context, userID, experimentID string) (*Assignment, error)
	// DeleteAssignments drops every cached assignment for an experiment.
	// Used when the experiment's salt changes: the hash function is the
	// source of truth, so the cache must be cleared for new buckets to
	// take effect instead of being masked by first-write-wins.
	DeleteAssignments(ctx context.Context, experimentID string) error
}

// PolicyStateStore persists per-key sufficient statistics with optimistic
// concurrency: Update fails with ErrStateConflict if the row's Version has
// moved since it was read.
type PolicyStateStore interface {
	GetState(ctx context.Context, experimentID, policyID, armID, contextKey string) (PolicyArmState, error)
	SeedState(ctx context.Context, s PolicyArmState) error
	CompareAndSwap(ctx context.Context, next PolicyArmState, expectVersion int64) error
}

// EventStore persists serve events and their reward attribution.
type EventStore interface {
	AppendServeEvent(ctx context.Context, e ServeEvent) error
	GetServeEvent(ctx context.Context, eventID string) (*ServeEvent, error)
	ListServeEventsForAttribution(ctx context.Context, now time.Time, limit int) ([]ServeEvent, error)
	WriteReward(ctx context.Context, eventID string, reward float64, at time.Time, expectVersion int64) error
	ListServeEventsByUserArm(ctx context.Context, userID, armID string, from, to time.Time) ([]ServeEvent, error)
	// ListServeEventsForExperiment returns every serve event logged for an
	// experiment within [from, to], for guardrail and decision evaluation.
	ListServeEventsForExperiment(ctx context.Context, experimentID string, from, to time.Time) ([]ServeEvent, error)
	AppendRewardEvent(ctx context.Context, r RewardEvent, userID, armID string) error
	ListRewardEventsForServe(ctx context.Context, userID, armID string, from, to time.Time) ([]RewardEvent, error)
}

// GuardrailStore persists guardrail evaluation history.
type GuardrailStore interface {
	AppendGuardrailCheck(ctx context.Context, c GuardrailCheck) error
	RecentRollbacks(ctx context.Context, experimentID string, since time.Time) (int, error)
	// ListGuardrailChecks returns every recorded check for an experiment
	// since a given instant, most recent first, for the analytics query
	// surface.
	ListGuardrailChecks(ctx context.Context, experimentID string, since time.Time) ([]GuardrailCheck, error)
}

// DecisionStore persists decision evaluation history.
type DecisionStore interface {
	AppendDecision(ctx context.Context, d Decision) error
	LatestDecision(ctx context.Context, experimentID string) (*Decision, error)
}

// ReplayStore persists the historical event log used for offline replay,
// independent of the live serve_events table.
type ReplayStore interface {
	AppendReplayRecords(ctx context.Context, records []ReplayRecord) error
	ListReplayRecords(ctx context.Context, from, to time.Time) ([]ReplayRecord, error)
	// ReplayRecordSpan returns the earliest and latest `at` timestamp
	// across every stored record, for window selection. Returns the zero
	// time for both if the store is empty.
	ReplayRecordSpan(ctx context.Context) (from, to time.Time, err error)
}

// ─── Policy Interface ───────────────────────────────────────────────────────

// Policy is the uniform contract every exploration strategy implements.
// state is keyed by arm_id: the caller has already resolved experiment,
// policy and context_key, so only the per-arm rows for that key remain.
type Policy interface {
	// Select returns the chosen arm and its propensity over the exact
	// candidate set, plus a selection score for analytics. propensity is
	// the probability this policy, at this state, emits armID from among
	// candidates; Σ propensity over candidates must equal 1 ± 1e-6.
	Select(candidates []Arm, ctx Context, state map[string]PolicyArmState) (armID string, propensity float64, score float64, err error)

	// Update folds a single observed reward into one arm's sufficient
	// statistics, returning the updated row. Pure: does not mutate its
	// input and does not touch storage.
	Update(state PolicyArmState, reward float64) (PolicyArmState, error)

	// Kind identifies which policy this is, for snapshot/restore routing.
	Kind() PolicyKind
}
