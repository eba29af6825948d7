// Package decision implements the periodic ship/iterate/kill evaluation
// (C7): for every non-control policy in an experiment's traffic plan it
// estimates value relative to control via IPS and doubly-robust
// off-policy estimators, a Welch t-test on observed reward, and a
// bootstrap confidence interval on relative uplift, then resolves the
// whole experiment to one verdict.
package decision

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/banditlab/banditd/internal/domain"
	"github.com/banditlab/banditd/internal/policy"
	"github.com/banditlab/banditd/internal/stats"
)

// Package defaults, overridden per-experiment by domain.DecisionConfig.
var (
	DefaultEvalInterval = 24 * time.Hour
	DefaultMinUplift    = 0.03
	DefaultConfidence   = 0.95
	DefaultMinWindow    = 7 * 24 * time.Hour
	DefaultMaxWindow    = 14 * 24 * time.Hour
	DefaultMinEvents    = 1000
	DefaultKillUplift   = -0.05
	DefaultClipPMin     = 0.01
)

// offPolicyDraws is the Monte-Carlo sample count used to estimate a
// candidate policy's propensity for an already-logged arm, and
// offPolicySampleCap bounds how many events get this treatment per
// evaluation so a daily batch stays cheap even over a busy experiment.
const (
	offPolicyDraws      = 200
	offPolicySampleCap  = 500
	bootstrapResamples  = 1000
)

func configOrDefault(d domain.DecisionConfig) domain.DecisionConfig {
	if d.EvalInterval <= 0 {
		d.EvalInterval = DefaultEvalInterval
	}
	if d.MinUplift <= 0 {
		d.MinUplift = DefaultMinUplift
	}
	if d.Confidence <= 0 {
		d.Confidence = DefaultConfidence
	}
	if d.MinWindow <= 0 {
		d.MinWindow = DefaultMinWindow
	}
	if d.MaxWindow <= 0 {
		d.MaxWindow = DefaultMaxWindow
	}
	if d.MinEvents <= 0 {
		d.MinEvents = DefaultMinEvents
	}
	if d.KillUplift >= 0 {
		d.KillUplift = DefaultKillUplift
	}
	if d.ClipPMin <= 0 {
		d.ClipPMin = DefaultClipPMin
	}
	return d
}

// Stores bundles the storage boundaries the decision engine reads and
// writes.
type Stores struct {
	Experiments domain.ExperimentStore
	Arms        domain.ArmCatalogStore
	State       domain.PolicyStateStore
	Events      domain.EventStore
	Decisions   domain.DecisionStore
}

// Manager evaluates experiments and records ship/iterate/kill verdicts.
type Manager struct {
	stores Stores
	logger *log.Logger
	rng    *rand.Rand
}

// New constructs a Manager.
func New(stores Stores, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		stores: stores,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// candidateResult holds one non-control policy's computed statistics for
// one evaluation.
type candidateResult struct {
	policyID       string
	n              int
	relativeUplift float64
	confidence     float64
	lowerBound     float64
	ipsControl     float64
	ipsCandidate   float64
	drControl      float64
	drCandidate    float64
}

// Evaluate scores every non-control policy in experimentID's traffic
// plan against control over the window [e.StartAt, now), resolves one
// verdict for the experiment, persists it, and returns it.
func (m *Manager) Evaluate(ctx context.Context, experimentID string, now time.Time) (*domain.Decision, error) {
	e, err := m.stores.Experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	cfg := configOrDefault(e.Decision)
	windowElapsed := now.Sub(e.StartAt)

	events, err := m.stores.Events.ListServeEventsForExperiment(ctx, experimentID, e.StartAt, now)
	if err != nil {
		return nil, err
	}

	policies, err := m.stores.Experiments.ListPolicies(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	controlRewards := rewardsForPolicy(events, e.DefaultPolicyID)

	candidates, err := m.stores.Arms.ListArms(ctx, experimentID, e.CatalogVersion)
	if err != nil {
		return nil, err
	}

	var results []candidateResult
	for _, p := range policies {
		if p.ID == e.DefaultPolicyID {
			continue
		}
		candidateRewards := rewardsForPolicy(events, p.ID)
		r := candidateResult{policyID: p.ID, n: len(candidateRewards)}

		meanControl, varControl, nControl := meanVar(controlRewards)
		meanCandidate, varCandidate, nCandidate := meanVar(candidateRewards)
		r.relativeUplift = relativeUplift(meanCandidate, meanControl)

		tStat, df := stats.WelchTTest(meanCandidate, varCandidate, nCandidate, meanControl, varControl, nControl)
		r.confidence = 1 - stats.OneSidedPValue(tStat, df)
		r.lowerBound = m.bootstrapLowerBound(candidateRewards, controlRewards)

		impl, implErr := policy.New(p.Kind, p.Params)
		if implErr == nil {
			state, stateErr := m.loadState(ctx, experimentID, p.ID, candidates)
			if stateErr == nil {
				r.ipsControl, r.drControl = m.offPolicyValue(impl, candidates, state, eventsForPolicy(events, e.DefaultPolicyID), cfg.ClipPMin)
				r.ipsCandidate, r.drCandidate = m.offPolicyValue(impl, candidates, state, eventsForPolicy(events, p.ID), cfg.ClipPMin)
			} else {
				m.logger.Printf("[decision] experiment=%s policy=%s state load failed: %v", experimentID, p.ID, stateErr)
			}
		} else {
			m.logger.Printf("[decision] experiment=%s policy=%s construction failed: %v", experimentID, p.ID, implErr)
		}

		results = append(results, r)
	}

	d := resolveVerdict(experimentID, now, windowElapsed, cfg, results)
	if err := m.stores.Decisions.AppendDecision(ctx, d); err != nil {
		m.logger.Printf("[decision] experiment=%s append decision failed: %v", experimentID, err)
	}
	m.logger.Printf("[decision] experiment=%s verdict=%s winner=%s uplift=%.4f confidence=%.4f", experimentID, d.Verdict, d.WinnerPolicyID, d.Uplift, d.Confidence)
	return &d, nil
}

func resolveVerdict(experimentID string, now time.Time, windowElapsed time.Duration, cfg domain.DecisionConfig, results []candidateResult) domain.Decision {
	d := domain.Decision{
		ExperimentID: experimentID,
		EvaluatedAt:  now,
		Verdict:      domain.VerdictContinue,
		Estimators:   make(map[string]float64),
	}
	if len(results) == 0 {
		return d
	}

	for _, r := range results {
		d.Estimators[r.policyID+":ips_control"] = r.ipsControl
		d.Estimators[r.policyID+":ips_candidate"] = r.ipsCandidate
		d.Estimators[r.policyID+":dr_control"] = r.drControl
		d.Estimators[r.policyID+":dr_candidate"] = r.drCandidate
		d.Estimators[r.policyID+":lower_bound"] = r.lowerBound
	}

	// Kill takes priority: any candidate whose bootstrap lower bound on
	// uplift falls below KillUplift at the required confidence rolls the
	// whole experiment back, regardless of window length.
	// r.confidence is the one-sided confidence that the candidate beats
	// control, so the confidence that it is worse is its complement.
	for _, r := range results {
		killConfidence := 1 - r.confidence
		if r.lowerBound < cfg.KillUplift && killConfidence >= cfg.Confidence {
			d.Verdict = domain.VerdictKill
			d.WinnerPolicyID = r.policyID
			d.Uplift = r.relativeUplift
			d.Confidence = killConfidence
			d.Notes = "lower bound of uplift breached kill threshold"
			return d
		}
	}

	best := results[0]
	for _, r := range results[1:] {
		if r.relativeUplift > best.relativeUplift {
			best = r
		}
	}

	if best.relativeUplift >= cfg.MinUplift && best.confidence >= cfg.Confidence &&
		windowElapsed >= cfg.MinWindow && best.n >= cfg.MinEvents {
		d.Verdict = domain.VerdictShip
		d.WinnerPolicyID = best.policyID
		d.Uplift = best.relativeUplift
		d.Confidence = best.confidence
		return d
	}

	if windowElapsed >= cfg.MaxWindow {
		d.Verdict = domain.VerdictIterate
		d.WinnerPolicyID = best.policyID
		d.Uplift = best.relativeUplift
		d.Confidence = best.confidence
		d.Notes = "max evaluation window reached without a ship or kill verdict"
		return d
	}

	d.WinnerPolicyID = best.policyID
	d.Uplift = best.relativeUplift
	d.Confidence = best.confidence
	return d
}

func rewardsForPolicy(events []domain.ServeEvent, policyID string) []float64 {
	var out []float64
	for _, e := range events {
		if e.PolicyID == policyID && e.Reward != nil {
			out = append(out, *e.Reward)
		}
	}
	return out
}

func eventsForPolicy(events []domain.ServeEvent, policyID string) []domain.ServeEvent {
	var out []domain.ServeEvent
	for _, e := range events {
		if e.PolicyID == policyID && e.Reward != nil {
			out = append(out, e)
		}
	}
	return out
}

func meanVar(values []float64) (mean, variance float64, n int) {
	n = len(values)
	if n == 0 {
		return 0, 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(n)
	if n < 2 {
		return mean, 0, n
	}
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	variance = sq / float64(n-1)
	return mean, variance, n
}

func relativeUplift(candidateMean, controlMean float64) float64 {
	if controlMean == 0 {
		return candidateMean
	}
	return (candidateMean - controlMean) / absFloat(controlMean)
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// bootstrapLowerBound resamples candidate and control reward slices with
// replacement, recomputes relative uplift on each resample, and returns
// the 5th percentile of the resulting distribution: the one-sided 95%
// lower confidence bound used by the kill criterion.
func (m *Manager) bootstrapLowerBound(candidate, control []float64) float64 {
	if len(candidate) == 0 || len(control) == 0 {
		return 0
	}
	diffs := make([]float64, bootstrapResamples)
	for i := 0; i < bootstrapResamples; i++ {
		cMean := m.resampleMean(candidate)
		ctlMean := m.resampleMean(control)
		diffs[i] = relativeUplift(cMean, ctlMean)
	}
	return stats.Percentile(diffs, 5)
}

func (m *Manager) resampleMean(values []float64) float64 {
	var sum float64
	for i := 0; i < len(values); i++ {
		sum += values[m.rng.Intn(len(values))]
	}
	return sum / float64(len(values))
}

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

// offPolicyValue scores impl against a set of logged events (drawn from
// any policy's traffic, including impl's own) using IPS and DR, with
// impl's propensity for each event's already-logged arm estimated by
// resampling Select and counting how often it reproduces that arm — the
// same Monte-Carlo technique Thompson Sampling uses internally for its
// own propensity, applied here uniformly across policy kinds. Event
// count is capped so a daily batch evaluation stays bounded in cost.
func (m *Manager) offPolicyValue(impl domain.Policy, candidates []domain.Arm, state map[string]domain.PolicyArmState, events []domain.ServeEvent, clipPMin float64) (ips, dr float64) {
	if len(events) == 0 {
		return 0, 0
	}
	sample := events
	if len(sample) > offPolicySampleCap {
		sample = sample[:offPolicySampleCap]
	}

	var ipsSum, drSum float64
	for _, e := range sample {
		pi := policy.EstimatePropensity(impl, candidates, e.Context, state, e.ArmID, offPolicyDraws)
		pLogged := e.Propensity
		if pLogged < clipPMin {
			pLogged = clipPMin
		}
		weight := pi / pLogged
		reward := 0.0
		if e.Reward != nil {
			reward = *e.Reward
		}
		qhat := state[e.ArmID].MeanReward()
		ipsSum += reward * weight
		drSum += reward*weight - (weight-1)*qhat
	}
	n := float64(len(sample))
	return ipsSum / n, drSum / n
}
