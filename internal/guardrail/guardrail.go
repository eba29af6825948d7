// Package guardrail implements the periodic safety monitor (C6): every
// T_g it scores a window of recent serve events against five checks —
// error rate, p95 latency, arm concentration, reward drop, and sample
// ratio mismatch — and rolls a misbehaving experiment back to killed
// when a check fails and the experiment isn't already rate-limited.
package guardrail

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/banditlab/banditd/internal/domain"
	"github.com/banditlab/banditd/internal/experiment"
	"github.com/banditlab/banditd/internal/stats"
)

// Defaults match the documented guardrail thresholds; an experiment's
// own GuardrailConfig overrides any field it sets to a non-zero value.
var (
	DefaultEvalInterval             = 5 * time.Minute
	DefaultWindowLength              = 60 * time.Minute
	DefaultErrorRateThreshold        = 0.01
	DefaultLatencyP95ThresholdMs     = 120.0
	DefaultArmConcentrationThreshold = 0.50
	DefaultRewardDropThreshold       = -0.05
	DefaultSampleRatioPValue         = 0.001
	DefaultRollbackCooldown          = time.Hour
)

// armConcentrationPersistence is how many consecutive breaches of the
// arm_concentration threshold are tolerated as alert-only before the
// monitor escalates to rollback.
const armConcentrationPersistence = 2

// Stores bundles the storage boundaries the monitor reads and writes.
type Stores struct {
	Experiments domain.ExperimentStore
	Events      domain.EventStore
	Guardrails  domain.GuardrailStore
}

// Manager evaluates guardrail checks and triggers rollbacks.
type Manager struct {
	stores     Stores
	experiment *experiment.Manager
	logger     *log.Logger

	mu                   sync.Mutex
	concentrationStreaks map[string]int
}

// New constructs a Manager. experimentMgr performs the actual kill
// transition, so guardrail never reaches past domain interfaces into
// lifecycle rules it doesn't own.
func New(stores Stores, experimentMgr *experiment.Manager, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		stores:               stores,
		experiment:           experimentMgr,
		logger:               logger,
		concentrationStreaks: make(map[string]int),
	}
}

func configOrDefault(g domain.GuardrailConfig) domain.GuardrailConfig {
	if g.WindowLength <= 0 {
		g.WindowLength = DefaultWindowLength
	}
	if g.ErrorRateThreshold <= 0 {
		g.ErrorRateThreshold = DefaultErrorRateThreshold
	}
	if g.LatencyP95ThresholdMs <= 0 {
		g.LatencyP95ThresholdMs = DefaultLatencyP95ThresholdMs
	}
	if g.ArmConcentrationThreshold <= 0 {
		g.ArmConcentrationThreshold = DefaultArmConcentrationThreshold
	}
	if g.RewardDropThreshold >= 0 {
		g.RewardDropThreshold = DefaultRewardDropThreshold
	}
	if g.SampleRatioPValue <= 0 {
		g.SampleRatioPValue = DefaultSampleRatioPValue
	}
	if g.RollbackCooldown <= 0 {
		g.RollbackCooldown = DefaultRollbackCooldown
	}
	return g
}

// Evaluate runs all five checks for one experiment over its trailing
// window, appends a GuardrailCheck row per check, and rolls the
// experiment back if warranted.
func (m *Manager) Evaluate(ctx context.Context, experimentID string, now time.Time) ([]domain.GuardrailCheck, error) {
	e, err := m.stores.Experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	cfg := configOrDefault(e.Guardrail)

	events, err := m.stores.Events.ListServeEventsForExperiment(ctx, experimentID, now.Add(-cfg.WindowLength), now)
	if err != nil {
		return nil, err
	}

	checks := []domain.GuardrailCheck{
		m.errorRateCheck(events, cfg, now),
		m.latencyCheck(events, cfg, now),
		m.armConcentrationCheck(experimentID, events, cfg, now),
		m.rewardDropCheck(e, events, cfg, now),
		m.sampleRatioCheck(*e, events, cfg, now),
	}
	for i := range checks {
		checks[i].ExperimentID = experimentID
	}

	for _, c := range checks {
		if err := m.stores.Guardrails.AppendGuardrailCheck(ctx, c); err != nil {
			m.logger.Printf("[guardrail] experiment=%s append check %s failed: %v", experimentID, c.Name, err)
		}
	}

	m.maybeRollback(ctx, *e, checks, cfg, now)
	return checks, nil
}

func (m *Manager) errorRateCheck(events []domain.ServeEvent, cfg domain.GuardrailConfig, now time.Time) domain.GuardrailCheck {
	if len(events) == 0 {
		return check("error_rate", 0, cfg.ErrorRateThreshold, now)
	}
	var errors int
	for _, e := range events {
		if e.Dropped || e.PolicyTimeout {
			errors++
		}
	}
	rate := float64(errors) / float64(len(events))
	return check("error_rate", rate, cfg.ErrorRateThreshold, now)
}

func (m *Manager) latencyCheck(events []domain.ServeEvent, cfg domain.GuardrailConfig, now time.Time) domain.GuardrailCheck {
	if len(events) == 0 {
		return check("latency_p95", 0, cfg.LatencyP95ThresholdMs, now)
	}
	latencies := make([]float64, len(events))
	for i, e := range events {
		latencies[i] = float64(e.LatencyMs)
	}
	p95 := stats.Percentile(latencies, 95)
	return check("latency_p95", p95, cfg.LatencyP95ThresholdMs, now)
}

func (m *Manager) armConcentrationCheck(experimentID string, events []domain.ServeEvent, cfg domain.GuardrailConfig, now time.Time) domain.GuardrailCheck {
	counts := make(map[string]int)
	for _, e := range events {
		counts[e.ArmID]++
	}
	var max int
	for _, n := range counts {
		if n > max {
			max = n
		}
	}
	var share float64
	if len(events) > 0 {
		share = float64(max) / float64(len(events))
	}

	c := check("arm_concentration", share, cfg.ArmConcentrationThreshold, now)

	m.mu.Lock()
	if c.Status == domain.GuardrailFail {
		m.concentrationStreaks[experimentID]++
	} else {
		m.concentrationStreaks[experimentID] = 0
	}
	streak := m.concentrationStreaks[experimentID]
	m.mu.Unlock()

	if c.Status == domain.GuardrailFail {
		if streak >= armConcentrationPersistence {
			c.Action = domain.ActionRollback
		} else {
			c.Action = domain.ActionAlert
		}
	}
	return c
}

// rewardDropCheck compares mean reward of the experiment's treatment
// traffic against its DefaultPolicyID (the control baseline configured
// in traffic_plan), over events that have been attributed a reward.
func (m *Manager) rewardDropCheck(e *domain.Experiment, events []domain.ServeEvent, cfg domain.GuardrailConfig, now time.Time) domain.GuardrailCheck {
	var controlSum, controlN, treatmentSum, treatmentN float64
	for _, ev := range events {
		if ev.Reward == nil {
			continue
		}
		if ev.PolicyID == e.DefaultPolicyID {
			controlSum += *ev.Reward
			controlN++
		} else {
			treatmentSum += *ev.Reward
			treatmentN++
		}
	}
	if controlN == 0 || treatmentN == 0 {
		return domain.GuardrailCheck{Name: "reward_drop", At: now, Value: 0, Threshold: cfg.RewardDropThreshold, Status: domain.GuardrailPass, Action: domain.ActionNone}
	}
	controlMean := controlSum / controlN
	treatmentMean := treatmentSum / treatmentN
	var relativeDrop float64
	if controlMean != 0 {
		relativeDrop = (treatmentMean - controlMean) / absFloat(controlMean)
	}

	c := domain.GuardrailCheck{Name: "reward_drop", At: now, Value: relativeDrop, Threshold: cfg.RewardDropThreshold}
	if relativeDrop < cfg.RewardDropThreshold {
		c.Status = domain.GuardrailFail
		c.Action = domain.ActionRollback
	} else {
		c.Status = domain.GuardrailPass
		c.Action = domain.ActionNone
	}
	return c
}

// sampleRatioCheck runs a chi-square goodness-of-fit test between the
// observed per-policy split and the experiment's planned traffic_plan
// shares, over in-plan policies only (out-of-experiment control traffic
// isn't part of the plan being tested).
func (m *Manager) sampleRatioCheck(e domain.Experiment, events []domain.ServeEvent, cfg domain.GuardrailConfig, now time.Time) domain.GuardrailCheck {
	observed := make(map[string]int)
	var total int
	for _, ev := range events {
		if _, inPlan := e.TrafficPlan[ev.PolicyID]; !inPlan {
			continue
		}
		observed[ev.PolicyID]++
		total++
	}

	c := domain.GuardrailCheck{Name: "sample_ratio", At: now, Threshold: cfg.SampleRatioPValue}
	if total == 0 || len(e.TrafficPlan) < 2 {
		c.Value = 1
		c.Status = domain.GuardrailPass
		c.Action = domain.ActionNone
		return c
	}

	var chiSq float64
	for policyID, share := range e.TrafficPlan {
		expected := share * float64(total)
		if expected <= 0 {
			continue
		}
		diff := float64(observed[policyID]) - expected
		chiSq += diff * diff / expected
	}
	p := stats.ChiSquarePValue(chiSq, len(e.TrafficPlan)-1)
	c.Value = p
	if p < cfg.SampleRatioPValue {
		c.Status = domain.GuardrailFail
		c.Action = domain.ActionAlert
	} else {
		c.Status = domain.GuardrailPass
		c.Action = domain.ActionNone
	}
	return c
}

func check(name string, value, threshold float64, now time.Time) domain.GuardrailCheck {
	c := domain.GuardrailCheck{Name: name, At: now, Value: value, Threshold: threshold}
	if value > threshold {
		c.Status = domain.GuardrailFail
		c.Action = domain.ActionRollback
	} else {
		c.Status = domain.GuardrailPass
		c.Action = domain.ActionNone
	}
	return c
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// maybeRollback kills the experiment if any check calls for rollback,
// unless rate-limited. error_rate and latency_p95 are critical and
// bypass the hourly cooldown; every other rollback respects it.
func (m *Manager) maybeRollback(ctx context.Context, e domain.Experiment, checks []domain.GuardrailCheck, cfg domain.GuardrailConfig, now time.Time) {
	var failing []domain.GuardrailCheck
	var critical bool
	for _, c := range checks {
		if c.Action != domain.ActionRollback {
			continue
		}
		failing = append(failing, c)
		if c.Name == "error_rate" || c.Name == "latency_p95" {
			critical = true
		}
	}
	if len(failing) == 0 {
		return
	}

	if !critical {
		recent, err := m.stores.Guardrails.RecentRollbacks(ctx, e.ID, now.Add(-cfg.RollbackCooldown))
		if err != nil {
			m.logger.Printf("[guardrail] experiment=%s rollback rate-limit check failed: %v", e.ID, err)
			return
		}
		if recent > 0 {
			m.logger.Printf("[guardrail] experiment=%s rollback suppressed: %v", e.ID, domain.ErrRollbackRateLimited)
			return
		}
	}

	reason := rollbackReason(failing)
	if err := m.experiment.Kill(ctx, e.ID, reason); err != nil {
		m.logger.Printf("[guardrail] experiment=%s rollback failed: %v", e.ID, err)
		return
	}
	m.logger.Printf("[guardrail] experiment=%s rolled back: %s", e.ID, reason)
}

func rollbackReason(failing []domain.GuardrailCheck) string {
	if len(failing) == 1 {
		return fmt.Sprintf("guardrail %s breached threshold %.4f (value %.4f)", failing[0].Name, failing[0].Threshold, failing[0].Value)
	}
	return fmt.Sprintf("%d guardrails breached, including %s", len(failing), failing[0].Name)
}
