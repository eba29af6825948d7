package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/banditlab/banditd/internal/domain"
)

// AppendDecision writes one ship/iterate/kill/continue evaluation result.
func (db *DB) AppendDecision(ctx context.Context, d domain.Decision) error {
	estimatorsJSON, err := json.Marshal(d.Estimators)
	if err != nil {
		return fmt.Errorf("sqlite: marshal decision estimators: %w", err)
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO decisions (experiment_id, evaluated_at, verdict, winner_policy_id, uplift, confidence, estimators_json, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ExperimentID, formatTime(d.EvaluatedAt), string(d.Verdict), d.WinnerPolicyID, d.Uplift, d.Confidence, string(estimatorsJSON), d.Notes)
	return err
}

// LatestDecision returns the most recent decision for an experiment, or
// nil if none has been recorded yet.
func (db *DB) LatestDecision(ctx context.Context, experimentID string) (*domain.Decision, error) {
	row := db.db.QueryRowContext(ctx, `
		SELECT experiment_id, evaluated_at, verdict, winner_policy_id, uplift, confidence, estimators_json, notes
		FROM decisions WHERE experiment_id = ? ORDER BY evaluated_at DESC LIMIT 1
	`, experimentID)

	var d domain.Decision
	var evaluatedAt, verdict, estimatorsJSON string
	err := row.Scan(&d.ExperimentID, &evaluatedAt, &verdict, &d.WinnerPolicyID, &d.Uplift, &d.Confidence, &estimatorsJSON, &d.Notes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Verdict = domain.Verdict(verdict)
	if d.EvaluatedAt, err = parseTime(evaluatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(estimatorsJSON), &d.Estimators); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal decision estimators: %w", err)
	}
	return &d, nil
}
