// Package replay implements the offline replay path (C8): loading a
// historical serve+reward log, selecting its densest contiguous window,
// and scoring a candidate policy against that window using the same
// Select/Update code path the live serve pipeline uses, so the decision
// engine's off-policy estimators share semantics with the online system
// rather than approximating it separately.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/banditlab/banditd/internal/domain"
	"github.com/banditlab/banditd/internal/policy"
)

// DefaultMinWindow is the minimum contiguous window select_window will
// return.
var DefaultMinWindow = 14 * 24 * time.Hour

const (
	offPolicyDraws = 200
	// regretCurveCap bounds how many points Replay's RegretCurve carries
	// so a multi-million-event log doesn't produce an unusably large
	// response; points beyond the cap are downsampled evenly.
	regretCurveCap = 500
)

// logLine is the on-disk JSONL shape load_logs expects.
type logLine struct {
	EventID          string            `json:"event_id"`
	UserID           string            `json:"user_id"`
	Context          map[string]string `json:"context"`
	LoggedArmID      string            `json:"logged_arm"`
	LoggedPropensity float64           `json:"logged_propensity"`
	LoggedReward     float64           `json:"logged_reward"`
	At               time.Time         `json:"at"`
}

// Stores bundles the storage boundary the replay engine reads and
// writes.
type Stores struct {
	Records domain.ReplayStore
}

// Manager runs load_logs, select_window, and replay over a historical
// event log.
type Manager struct {
	stores Stores
}

// New constructs a Manager.
func New(stores Stores) *Manager {
	return &Manager{stores: stores}
}

// LoadLogs reads newline-delimited JSON serve+reward records from path
// and appends them to the replay store. Malformed lines are skipped with
// their line number folded into the returned error rather than aborting
// the whole file, so one corrupt row doesn't discard an otherwise-valid
// log.
func (m *Manager) LoadLogs(ctx context.Context, path string) (loaded int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("replay: open %s: %w", path, err)
	}
	defer f.Close()

	var records []domain.ReplayRecord
	var skipped []int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var l logLine
		if err := json.Unmarshal(line, &l); err != nil {
			skipped = append(skipped, lineNo)
			continue
		}
		records = append(records, domain.ReplayRecord{
			EventID:          l.EventID,
			UserID:           l.UserID,
			Context:          domain.Context(l.Context),
			LoggedArmID:      l.LoggedArmID,
			LoggedPropensity: l.LoggedPropensity,
			LoggedReward:     l.LoggedReward,
			At:               l.At,
		})
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("replay: scan %s: %w", path, err)
	}

	if len(records) > 0 {
		if err := m.stores.Records.AppendReplayRecords(ctx, records); err != nil {
			return 0, err
		}
	}
	if len(skipped) > 0 {
		return len(records), fmt.Errorf("replay: skipped %d malformed line(s), first at %d", len(skipped), skipped[0])
	}
	return len(records), nil
}

// Window is a contiguous span of the replay log selected for evaluation.
type Window struct {
	From, To    time.Time
	Events      int
	ArmsCovered int
}

// SelectWindow picks the contiguous window of at least minWindow that
// maximizes event density plus arm coverage, bucketing the full log into
// daily buckets and sliding a minWindow-length span across them. Ties
// favor the earliest-starting window.
func (m *Manager) SelectWindow(ctx context.Context, minWindow time.Duration) (Window, error) {
	if minWindow <= 0 {
		minWindow = DefaultMinWindow
	}
	from, to, err := m.stores.Records.ReplayRecordSpan(ctx)
	if err != nil {
		return Window{}, err
	}
	if from.IsZero() || to.IsZero() || to.Sub(from) < minWindow {
		return Window{}, domain.ErrInsufficientReplayLog
	}

	records, err := m.stores.Records.ListReplayRecords(ctx, from, to)
	if err != nil {
		return Window{}, err
	}

	days := bucketByDay(records, from, to)
	minDays := int(minWindow / (24 * time.Hour))
	if minDays < 1 {
		minDays = 1
	}

	best := Window{}
	var bestScore float64 = -1
	for start := 0; start+minDays <= len(days); start++ {
		var events int
		arms := make(map[string]struct{})
		for _, d := range days[start : start+minDays] {
			events += len(d)
			for _, r := range d {
				arms[r.LoggedArmID] = struct{}{}
			}
		}
		score := float64(events) + float64(len(arms))*float64(events)/float64(minDays)
		if score > bestScore {
			bestScore = score
			best = Window{
				From:        from.Add(time.Duration(start) * 24 * time.Hour),
				To:          from.Add(time.Duration(start+minDays) * 24 * time.Hour),
				Events:      events,
				ArmsCovered: len(arms),
			}
		}
	}
	return best, nil
}

func bucketByDay(records []domain.ReplayRecord, from, to time.Time) [][]domain.ReplayRecord {
	totalDays := int(to.Sub(from)/(24*time.Hour)) + 1
	buckets := make([][]domain.ReplayRecord, totalDays)
	for _, r := range records {
		idx := int(r.At.Sub(from) / (24 * time.Hour))
		if idx < 0 {
			idx = 0
		}
		if idx >= totalDays {
			idx = totalDays - 1
		}
		buckets[idx] = append(buckets[idx], r)
	}
	return buckets
}

// Metrics summarizes one replay run over one candidate policy.
type Metrics struct {
	PolicyKind  domain.PolicyKind
	Window      Window
	Events      int
	ArmsCovered int
	IPS         float64
	DR          float64
	RegretCurve []float64
}

// Replay runs kind/params through window's events in chronological
// order with a fresh state, scoring IPS (and DR) against each record's
// logged_reward/logged_propensity, and folding the logged reward into
// the candidate's own state as if it had served that event — the same
// Update used in production. seed makes the run bit-reproducible.
func (m *Manager) Replay(ctx context.Context, kind domain.PolicyKind, params domain.PolicyParams, candidates []domain.Arm, window Window, clipPMin float64, seed int64) (Metrics, error) {
	impl, err := policy.NewSeeded(kind, params, seed)
	if err != nil {
		return Metrics{}, err
	}
	if clipPMin <= 0 {
		clipPMin = 0.01
	}

	records, err := m.stores.Records.ListReplayRecords(ctx, window.From, window.To)
	if err != nil {
		return Metrics{}, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].At.Before(records[j].At) })

	state := make(map[string]domain.PolicyArmState, len(candidates))
	arms := make(map[string]struct{})
	var ipsSum, drSum, cumulativeRegret float64
	var curve []float64
	sampleEvery := 1
	if len(records) > regretCurveCap {
		sampleEvery = len(records) / regretCurveCap
	}

	for i, r := range records {
		arms[r.LoggedArmID] = struct{}{}
		pi := policy.EstimatePropensity(impl, candidates, r.Context, state, r.LoggedArmID, offPolicyDraws)
		pLogged := r.LoggedPropensity
		if pLogged < clipPMin {
			pLogged = clipPMin
		}
		weight := pi / pLogged
		qhat := state[r.LoggedArmID].MeanReward()

		ipsSum += r.LoggedReward * weight
		drSum += r.LoggedReward*weight - (weight-1)*qhat

		bestMean := bestMeanSoFar(state)
		cumulativeRegret += bestMean - r.LoggedReward*weight
		if i%sampleEvery == 0 {
			curve = append(curve, cumulativeRegret)
		}

		next, err := impl.Update(state[r.LoggedArmID], r.LoggedReward)
		if err != nil {
			continue
		}
		state[r.LoggedArmID] = next
	}

	n := float64(len(records))
	metrics := Metrics{PolicyKind: kind, Window: window, Events: len(records), ArmsCovered: len(arms), RegretCurve: curve}
	if n > 0 {
		metrics.IPS = ipsSum / n
		metrics.DR = drSum / n
	}
	return metrics, nil
}

func bestMeanSoFar(state map[string]domain.PolicyArmState) float64 {
	var best float64
	for _, s := range state {
		if m := s.MeanReward(); m > best {
			best = m
		}
	}
	return best
}
