// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — it depends on nothing.
package domain

import "time"

// ─── Experiment ─────────────────────────────────────────────────────────────

// ExperimentStatus is a node in the experiment lifecycle state machine.
type ExperimentStatus string

const (
	StatusDraft  ExperimentStatus = "draft"
	StatusActive ExperimentStatus = "active"
	StatusPaused ExperimentStatus = "paused"
	StatusEnded  ExperimentStatus = "ended"
	StatusKilled ExperimentStatus = "killed"
)

// RewardMapping selects how downstream signals compose into a reward.
type RewardMapping string

const (
	RewardBinaryClick  RewardMapping = "binary_click"
	RewardScaledRating RewardMapping = "scaled_rating"
	RewardComposite    RewardMapping = "composite"
)

// TrafficPlan maps a policy id to its share of in-experiment traffic.
// Shares must sum to 1 within Epsilon (see Validate).
type TrafficPlan map[string]float64

// TrafficPlanEpsilon is the tolerance for traffic plan share validation:
// shares must sum to 1 ± 1e-9.
const TrafficPlanEpsilon = 1e-9

// Validate checks that shares are non-negative and sum to 1 ± epsilon.
func (p TrafficPlan) Validate() error {
	if len(p) == 0 {
		return ErrInvalidTrafficPlan
	}
	var sum float64
	for _, share := range p {
		if share < 0 {
			return ErrInvalidTrafficPlan
		}
		sum += share
	}
	if absFloat(sum-1.0) > TrafficPlanEpsilon {
		return ErrInvalidTrafficPlan
	}
	return nil
}

// GuardrailConfig carries per-experiment overrides of the package-default
// guardrail thresholds. Zero values mean "use the package default".
type GuardrailConfig struct {
	EvalInterval         time.Duration `json:"eval_interval"`
	WindowLength         time.Duration `json:"window_length"`
	ErrorRateThreshold   float64       `json:"error_rate_threshold"`
	LatencyP95ThresholdMs float64      `json:"latency_p95_threshold_ms"`
	ArmConcentrationThreshold float64  `json:"arm_concentration_threshold"`
	RewardDropThreshold  float64       `json:"reward_drop_threshold"`
	SampleRatioPValue    float64       `json:"sample_ratio_p_value"`
	RollbackCooldown     time.Duration `json:"rollback_cooldown"`
}

// DecisionConfig carries per-experiment overrides of the package-default
// ship/iterate/kill evaluation thresholds.
type DecisionConfig struct {
	EvalInterval time.Duration `json:"eval_interval"`
	MinUplift    float64       `json:"min_uplift"`
	Confidence   float64       `json:"confidence"`
	MinWindow    time.Duration `json:"min_window"`
	MaxWindow    time.Duration `json:"max_window"`
	MinEvents    int           `json:"min_events"`
	KillUplift   float64       `json:"kill_uplift"`
	ClipPMin     float64       `json:"clip_p_min"`
}

// Experiment is the root configuration object for a bandit experiment.
type Experiment struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Status           ExperimentStatus `json:"status"`
	StartAt          time.Time        `json:"start_at"`
	EndAt            *time.Time       `json:"end_at,omitempty"`
	Salt             string           `json:"salt"`
	TrafficFraction  float64          `json:"traffic_fraction"`
	TrafficPlan      TrafficPlan      `json:"traffic_plan"`
	DefaultPolicyID  string           `json:"default_policy_id"`
	AttributionWindow time.Duration   `json:"attribution_window"`
	RewardMapping    RewardMapping    `json:"reward_mapping"`
	Guardrail        GuardrailConfig  `json:"guardrail_config"`
	Decision         DecisionConfig   `json:"decision_config"`
	CatalogVersion   int              `json:"catalog_version"`
	Priority         int              `json:"priority"`
	Surface          string           `json:"surface"`
	Notes            string           `json:"notes,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Validate checks the invariants an experiment must hold before it can be
// persisted or transitioned to active.
func (e *Experiment) Validate() error {
	if e.Salt == "" {
		return ErrEmptySalt
	}
	if e.TrafficFraction < 0 || e.TrafficFraction > 1 {
		return ErrInvalidFraction
	}
	return e.TrafficPlan.Validate()
}

// IsLive reports whether the experiment currently admits new serves.
func (e *Experiment) IsLive() bool {
	return e.Status == StatusActive
}

// ─── Policy ──────────────────────────────────────────────────────────────

// PolicyKind is the sum type over supported exploration strategies.
type PolicyKind string

const (
	PolicyThompson PolicyKind = "thompson"
	PolicyEGreedy  PolicyKind = "egreedy"
	PolicyUCB      PolicyKind = "ucb"
	PolicyControl  PolicyKind = "control"
)

// PolicyParams holds kind-specific parameters. Unused fields for a given
// kind are left zero; each policy constructor applies its own defaults.
type PolicyParams struct {
	// Thompson
	PriorAlpha  float64 `json:"prior_alpha,omitempty"`
	PriorBeta   float64 `json:"prior_beta,omitempty"`
	MCDraws     int     `json:"mc_draws,omitempty"`

	// EGreedy
	Epsilon float64 `json:"epsilon,omitempty"`

	// UCB
	ExplorationFactor float64 `json:"exploration_factor,omitempty"`
	ExplorationFloor  float64 `json:"exploration_floor,omitempty"`

	// Control
	FixedArmID string `json:"fixed_arm_id,omitempty"`
}

// Policy is the persisted configuration of one arm of an experiment's
// traffic plan (a thompson/egreedy/ucb/control instance).
type Policy struct {
	ID            string       `json:"id"`
	ExperimentID  string       `json:"experiment_id"`
	Kind          PolicyKind   `json:"kind"`
	Params        PolicyParams `json:"params"`
	ArmCatalogRef int          `json:"arm_catalog_ref"`
}

// ─── Arm ─────────────────────────────────────────────────────────────────

// Arm is one candidate recommendation-algorithm variant in a pinned
// catalog version.
type Arm struct {
	ArmID        string            `json:"arm_id"`
	ExperimentID string            `json:"experiment_id"`
	Version      int               `json:"version"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	EligibleFrom *time.Time        `json:"eligible_from,omitempty"`
	EligibleUntil *time.Time       `json:"eligible_until,omitempty"`
}

// EligibleAt reports whether the arm may be served at instant t.
func (a Arm) EligibleAt(t time.Time) bool {
	if a.EligibleFrom != nil && t.Before(*a.EligibleFrom) {
		return false
	}
	if a.EligibleUntil != nil && t.After(*a.EligibleUntil) {
		return false
	}
	return true
}

// ─── Policy Arm State ────────────────────────────────────────────────────

// PolicyArmState is the per-(experiment, policy, arm, context_key)
// sufficient-statistics row. context_key is empty for non-contextual
// policies; alpha/beta are only meaningful for thompson.
type PolicyArmState struct {
	ExperimentID string    `json:"experiment_id"`
	PolicyID     string    `json:"policy_id"`
	ArmID        string    `json:"arm_id"`
	ContextKey   string    `json:"context_key"`
	Pulls        int64     `json:"pulls"`
	Successes    float64   `json:"successes"`
	Failures     float64   `json:"failures"`
	Neutrals     int64     `json:"neutrals"`
	SumReward    float64   `json:"sum_reward"`
	SumRewardSq  float64   `json:"sum_reward_sq"`
	Alpha        float64   `json:"alpha"`
	Beta         float64   `json:"beta"`
	Version      int64     `json:"version"` // CAS token, bumped on each update
	UpdatedAt    time.Time `json:"updated_at"`
}

// Key returns the composite storage key for this row.
func (s PolicyArmState) Key() string {
	return s.ExperimentID + "\x1f" + s.PolicyID + "\x1f" + s.ArmID + "\x1f" + s.ContextKey
}

// MeanReward returns the running mean of observed rewards (0 if no pulls).
func (s PolicyArmState) MeanReward() float64 {
	if s.Pulls == 0 {
		return 0
	}
	return s.SumReward / float64(s.Pulls)
}

// ─── Assignment ──────────────────────────────────────────────────────────

// Assignment is the durable, write-once record of a user's bucket in an
// experiment's traffic plan. The router's hash function is the source of
// truth; this row is a cache kept for audit.
type Assignment struct {
	UserID       string    `json:"user_id"`
	ExperimentID string    `json:"experiment_id"`
	PolicyID     string    `json:"policy_id"`
	Bucket       float64   `json:"bucket"`
	AssignedAt   time.Time `json:"assigned_at"`
	Sticky       bool      `json:"sticky"`
}

// ─── Serve Event ─────────────────────────────────────────────────────────

// Context is a declared-key/value map describing the recommendation
// request at serve time. Unknown keys are ignored by policies.
type Context map[string]string

// ServeEvent is the append-only record of one policy decision.
type ServeEvent struct {
	EventID             string    `json:"event_id"`
	SchemaVersion       int       `json:"schema_version"`
	ExperimentID        string    `json:"experiment_id"`
	UserID              string    `json:"user_id"`
	PolicyID            string    `json:"policy_id"`
	ArmID               string    `json:"arm_id"`
	Position            int       `json:"position"`
	Context             Context   `json:"context"`
	Propensity          float64   `json:"propensity"`
	Score               float64   `json:"score"`
	LatencyMs           int64     `json:"latency_ms"`
	ServedAt            time.Time `json:"served_at"`
	Reward              *float64  `json:"reward,omitempty"`
	RewardAt            *time.Time `json:"reward_at,omitempty"`
	AttributionVersion  int64     `json:"attribution_version"`
	PolicyTimeout       bool      `json:"policy_timeout"`
	Dropped             bool      `json:"dropped"`
}

// CurrentSchemaVersion is written into every new ServeEvent.
const CurrentSchemaVersion = 1

// WithinWindow reports whether `at` falls within the attribution window
// measured from ServedAt.
func (e ServeEvent) WithinWindow(at time.Time, window time.Duration) bool {
	return !at.Before(e.ServedAt) && !at.After(e.ServedAt.Add(window))
}

// ─── Reward Event ────────────────────────────────────────────────────────

// RewardKind enumerates supported downstream signal types.
type RewardKind string

const (
	RewardClick     RewardKind = "click"
	RewardRating    RewardKind = "rating"
	RewardThumbsUp  RewardKind = "thumbs_up"
	RewardThumbsDown RewardKind = "thumbs_down"
	RewardCustom    RewardKind = "custom"
)

// RewardEvent is a raw downstream user signal, prior to attribution.
type RewardEvent struct {
	EventID string     `json:"event_id"`
	Kind    RewardKind `json:"kind"`
	Value   float64    `json:"value"`
	At      time.Time  `json:"at"`
}

// ─── Decision ────────────────────────────────────────────────────────────

// Verdict is a terminal output of the decision engine.
type Verdict string

const (
	VerdictShip     Verdict = "ship"
	VerdictIterate  Verdict = "iterate"
	VerdictKill     Verdict = "kill"
	VerdictContinue Verdict = "continue"
)

// Decision is the append-only record of one periodic ship/iterate/kill
// evaluation for an experiment.
type Decision struct {
	ExperimentID   string             `json:"experiment_id"`
	EvaluatedAt    time.Time          `json:"evaluated_at"`
	Verdict        Verdict            `json:"verdict"`
	WinnerPolicyID string             `json:"winner_policy_id,omitempty"`
	Uplift         float64            `json:"uplift"`
	Confidence     float64            `json:"confidence"`
	Estimators     map[string]float64 `json:"estimators"`
	Notes          string             `json:"notes,omitempty"`
}

// ─── Guardrail Check ─────────────────────────────────────────────────────

// GuardrailStatus is the outcome of evaluating one guardrail metric.
type GuardrailStatus string

const (
	GuardrailPass GuardrailStatus = "pass"
	GuardrailWarn GuardrailStatus = "warn"
	GuardrailFail GuardrailStatus = "fail"
)

// GuardrailAction is what the monitor does in response to a check.
type GuardrailAction string

const (
	ActionNone     GuardrailAction = "none"
	ActionAlert    GuardrailAction = "alert"
	ActionRollback GuardrailAction = "rollback"
)

// GuardrailCheck is the append-only record of one periodic guardrail
// evaluation for one named metric.
type GuardrailCheck struct {
	ExperimentID string          `json:"experiment_id"`
	At           time.Time       `json:"at"`
	Name         string          `json:"name"`
	Value        float64         `json:"value"`
	Threshold    float64         `json:"threshold"`
	Status       GuardrailStatus `json:"status"`
	Action       GuardrailAction `json:"action"`
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// ─── Replay ──────────────────────────────────────────────────────────────

// ReplayRecord is one historical serve+reward pair loaded for offline
// replay. It is independent of the live serve_events log: replay logs
// may predate this system, or come from an external logging policy.
type ReplayRecord struct {
	EventID          string    `json:"event_id"`
	UserID           string    `json:"user_id"`
	Context          Context   `json:"context"`
	LoggedArmID      string    `json:"logged_arm_id"`
	LoggedPropensity float64   `json:"logged_propensity"`
	LoggedReward     float64   `json:"logged_reward"`
	At               time.Time `json:"at"`
}
