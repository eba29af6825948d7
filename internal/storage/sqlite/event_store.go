package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banditlab/banditd/internal/domain"
)

// AppendServeEvent writes one immutable serve decision record.
func (db *DB) AppendServeEvent(ctx context.Context, e domain.ServeEvent) error {
	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("sqlite: marshal serve context: %w", err)
	}
	policyTimeout, dropped := 0, 0
	if e.PolicyTimeout {
		policyTimeout = 1
	}
	if e.Dropped {
		dropped = 1
	}

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO serve_events (
			event_id, schema_version, experiment_id, user_id, policy_id, arm_id,
			position, context_json, propensity, score, latency_ms, served_at,
			reward, reward_at, attribution_version, policy_timeout, dropped
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.EventID, e.SchemaVersion, e.ExperimentID, e.UserID, e.PolicyID, e.ArmID,
		e.Position, string(ctxJSON), e.Propensity, e.Score, e.LatencyMs, formatTime(e.ServedAt),
		e.Reward, formatOptionalTime(e.RewardAt), e.AttributionVersion, policyTimeout, dropped,
	)
	return err
}

// GetServeEvent retrieves one serve event by id.
func (db *DB) GetServeEvent(ctx context.Context, eventID string) (*domain.ServeEvent, error) {
	row := db.db.QueryRowContext(ctx, `
		SELECT event_id, schema_version, experiment_id, user_id, policy_id, arm_id,
			position, context_json, propensity, score, latency_ms, served_at,
			reward, reward_at, attribution_version, policy_timeout, dropped
		FROM serve_events WHERE event_id = ?
	`, eventID)
	e, err := scanServeEvent(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrServeEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListServeEventsForAttribution returns up to limit serve events that
// have not yet been attributed a reward, oldest first, for the
// attribution scheduler to sweep.
func (db *DB) ListServeEventsForAttribution(ctx context.Context, now time.Time, limit int) ([]domain.ServeEvent, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT event_id, schema_version, experiment_id, user_id, policy_id, arm_id,
			position, context_json, propensity, score, latency_ms, served_at,
			reward, reward_at, attribution_version, policy_timeout, dropped
		FROM serve_events WHERE reward IS NULL AND served_at <= ? ORDER BY served_at ASC LIMIT ?
	`, formatTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanServeEvents(rows)
}

// WriteReward attributes a reward to a serve event, gated by optimistic
// concurrency on attribution_version.
func (db *DB) WriteReward(ctx context.Context, eventID string, reward float64, at time.Time, expectVersion int64) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE serve_events
		SET reward = ?, reward_at = ?, attribution_version = attribution_version + 1
		WHERE event_id = ? AND attribution_version = ?
	`, reward, formatTime(at), eventID, expectVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		_ = db.db.QueryRowContext(ctx, `SELECT 1 FROM serve_events WHERE event_id = ?`, eventID).Scan(&exists)
		if exists == 0 {
			return domain.ErrServeEventNotFound
		}
		return domain.ErrStateConflict
	}
	return nil
}

// ListServeEventsForExperiment returns every serve event for an
// experiment within [from, to], used by guardrail and decision
// evaluation.
func (db *DB) ListServeEventsForExperiment(ctx context.Context, experimentID string, from, to time.Time) ([]domain.ServeEvent, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT event_id, schema_version, experiment_id, user_id, policy_id, arm_id,
			position, context_json, propensity, score, latency_ms, served_at,
			reward, reward_at, attribution_version, policy_timeout, dropped
		FROM serve_events
		WHERE experiment_id = ? AND served_at >= ? AND served_at <= ?
		ORDER BY served_at ASC
	`, experimentID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanServeEvents(rows)
}

// ListServeEventsByUserArm returns serve events for a (user, arm) pair
// within [from, to], used by replay and analytics.
func (db *DB) ListServeEventsByUserArm(ctx context.Context, userID, armID string, from, to time.Time) ([]domain.ServeEvent, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT event_id, schema_version, experiment_id, user_id, policy_id, arm_id,
			position, context_json, propensity, score, latency_ms, served_at,
			reward, reward_at, attribution_version, policy_timeout, dropped
		FROM serve_events
		WHERE user_id = ? AND arm_id = ? AND served_at >= ? AND served_at <= ?
		ORDER BY served_at ASC
	`, userID, armID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanServeEvents(rows)
}

// AppendRewardEvent records one raw downstream signal.
func (db *DB) AppendRewardEvent(ctx context.Context, r domain.RewardEvent, userID, armID string) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO reward_events (event_id, user_id, arm_id, kind, value, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.EventID, userID, armID, string(r.Kind), r.Value, formatTime(r.At))
	return err
}

// ListRewardEventsForServe returns raw signals for (user, arm) within
// [from, to], the window reward.ComposeReward folds over.
func (db *DB) ListRewardEventsForServe(ctx context.Context, userID, armID string, from, to time.Time) ([]domain.RewardEvent, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT event_id, kind, value, at FROM reward_events
		WHERE user_id = ? AND arm_id = ? AND at >= ? AND at <= ?
		ORDER BY at ASC
	`, userID, armID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.RewardEvent
	for rows.Next() {
		var r domain.RewardEvent
		var kind, at string
		if err := rows.Scan(&r.EventID, &kind, &r.Value, &at); err != nil {
			return nil, err
		}
		r.Kind = domain.RewardKind(kind)
		if r.At, err = parseTime(at); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanServeEvents(rows *sql.Rows) ([]domain.ServeEvent, error) {
	var result []domain.ServeEvent
	for rows.Next() {
		e, err := scanServeEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func scanServeEvent(row scannable) (*domain.ServeEvent, error) {
	var e domain.ServeEvent
	var ctxJSON, servedAt string
	var rewardAt *string
	var policyTimeout, dropped int

	err := row.Scan(
		&e.EventID, &e.SchemaVersion, &e.ExperimentID, &e.UserID, &e.PolicyID, &e.ArmID,
		&e.Position, &ctxJSON, &e.Propensity, &e.Score, &e.LatencyMs, &servedAt,
		&e.Reward, &rewardAt, &e.AttributionVersion, &policyTimeout, &dropped,
	)
	if err != nil {
		return nil, err
	}

	e.PolicyTimeout = policyTimeout != 0
	e.Dropped = dropped != 0
	if e.ServedAt, err = parseTime(servedAt); err != nil {
		return nil, err
	}
	if e.RewardAt, err = parseOptionalTime(rewardAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ctxJSON), &e.Context); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal serve context: %w", err)
	}
	return &e, nil
}
