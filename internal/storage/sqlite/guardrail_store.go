package sqlite

import (
	"context"
	"time"

	"github.com/banditlab/banditd/internal/domain"
)

// AppendGuardrailCheck writes one periodic guardrail evaluation result.
func (db *DB) AppendGuardrailCheck(ctx context.Context, c domain.GuardrailCheck) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO guardrail_checks (experiment_id, at, name, value, threshold, status, action)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ExperimentID, formatTime(c.At), c.Name, c.Value, c.Threshold, string(c.Status), string(c.Action))
	return err
}

// RecentRollbacks counts how many rollback actions have fired for an
// experiment since a given instant, used to rate-limit rollbacks.
func (db *DB) RecentRollbacks(ctx context.Context, experimentID string, since time.Time) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM guardrail_checks
		WHERE experiment_id = ? AND action = ? AND at >= ?
	`, experimentID, string(domain.ActionRollback), formatTime(since)).Scan(&n)
	return n, err
}

// ListGuardrailChecks returns every recorded check for an experiment
// since a given instant, most recent first.
func (db *DB) ListGuardrailChecks(ctx context.Context, experimentID string, since time.Time) ([]domain.GuardrailCheck, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT experiment_id, at, name, value, threshold, status, action
		FROM guardrail_checks
		WHERE experiment_id = ? AND at >= ?
		ORDER BY at DESC
	`, experimentID, formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.GuardrailCheck
	for rows.Next() {
		var c domain.GuardrailCheck
		var at, status, action string
		if err := rows.Scan(&c.ExperimentID, &at, &c.Name, &c.Value, &c.Threshold, &status, &action); err != nil {
			return nil, err
		}
		c.Status = domain.GuardrailStatus(status)
		c.Action = domain.GuardrailAction(action)
		if c.At, err = parseTime(at); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}
