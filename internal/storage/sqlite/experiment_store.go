package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/banditlab/banditd/internal/domain"
)

// CreateExperiment inserts a new experiment row. The caller is expected to
// have already run Experiment.Validate.
func (db *DB) CreateExperiment(ctx context.Context, e domain.Experiment) error {
	trafficPlanJSON, err := json.Marshal(e.TrafficPlan)
	if err != nil {
		return fmt.Errorf("sqlite: marshal traffic_plan: %w", err)
	}
	guardrailJSON, err := json.Marshal(e.Guardrail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal guardrail_config: %w", err)
	}
	decisionJSON, err := json.Marshal(e.Decision)
	if err != nil {
		return fmt.Errorf("sqlite: marshal decision_config: %w", err)
	}

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO experiments (
			id, name, status, start_at, end_at, salt, traffic_fraction,
			traffic_plan_json, default_policy_id, attribution_window_ns,
			reward_mapping, guardrail_json, decision_json, catalog_version,
			priority, surface, notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.Name, string(e.Status), formatTime(e.StartAt), formatOptionalTime(e.EndAt),
		e.Salt, e.TrafficFraction, string(trafficPlanJSON), e.DefaultPolicyID,
		e.AttributionWindow.Nanoseconds(), string(e.RewardMapping), string(guardrailJSON),
		string(decisionJSON), e.CatalogVersion, e.Priority, e.Surface, e.Notes,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	return err
}

// GetExperiment retrieves an experiment by id.
func (db *DB) GetExperiment(ctx context.Context, id string) (*domain.Experiment, error) {
	row := db.db.QueryRowContext(ctx, `
		SELECT id, name, status, start_at, end_at, salt, traffic_fraction,
			traffic_plan_json, default_policy_id, attribution_window_ns,
			reward_mapping, guardrail_json, decision_json, catalog_version,
			priority, surface, notes, created_at, updated_at
		FROM experiments WHERE id = ?
	`, id)
	e, err := scanExperiment(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrExperimentNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListActiveExperiments returns active experiments for a surface, highest
// priority first.
func (db *DB) ListActiveExperiments(ctx context.Context, surface string) ([]domain.Experiment, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, name, status, start_at, end_at, salt, traffic_fraction,
			traffic_plan_json, default_policy_id, attribution_window_ns,
			reward_mapping, guardrail_json, decision_json, catalog_version,
			priority, surface, notes, created_at, updated_at
		FROM experiments WHERE surface = ? AND status = ? ORDER BY priority DESC, created_at ASC
	`, surface, string(domain.StatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

// ListAllActiveExperiments returns every active experiment regardless of
// surface, highest priority first.
func (db *DB) ListAllActiveExperiments(ctx context.Context) ([]domain.Experiment, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, name, status, start_at, end_at, salt, traffic_fraction,
			traffic_plan_json, default_policy_id, attribution_window_ns,
			reward_mapping, guardrail_json, decision_json, catalog_version,
			priority, surface, notes, created_at, updated_at
		FROM experiments WHERE status = ? ORDER BY priority DESC, created_at ASC
	`, string(domain.StatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

// UpdateExperimentStatus transitions an experiment's status, verifying the
// prior status still matches from (first-writer-wins on a race).
func (db *DB) UpdateExperimentStatus(ctx context.Context, id string, from, to domain.ExperimentStatus) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE experiments SET status = ?, updated_at = datetime('now')
		WHERE id = ? AND status = ?
	`, string(to), id, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// UpdateTrafficFraction sets an experiment's traffic_fraction. Ramp-only
// enforcement (fraction may only grow) lives in internal/experiment, not
// here; this is a plain write.
func (db *DB) UpdateTrafficFraction(ctx context.Context, id string, fraction float64) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE experiments SET traffic_fraction = ?, updated_at = datetime('now') WHERE id = ?
	`, fraction, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrExperimentNotFound
	}
	return nil
}

// UpdateSalt sets an experiment's salt. Callers must clear cached
// assignments (AssignmentStore.DeleteAssignments) alongside this, since
// the hash function keys off salt and a stale cache would mask the
// change for already-assigned users.
func (db *DB) UpdateSalt(ctx context.Context, id, salt string) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE experiments SET salt = ?, updated_at = datetime('now') WHERE id = ?
	`, salt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrExperimentNotFound
	}
	return nil
}

// UpsertPolicies writes (or replaces) the policy rows for an experiment.
func (db *DB) UpsertPolicies(ctx context.Context, policies []domain.Policy) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range policies {
		paramsJSON, err := json.Marshal(p.Params)
		if err != nil {
			return fmt.Errorf("sqlite: marshal policy params: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO policies (id, experiment_id, kind, params_json, arm_catalog_ref)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(experiment_id, id) DO UPDATE SET
				kind            = excluded.kind,
				params_json     = excluded.params_json,
				arm_catalog_ref = excluded.arm_catalog_ref
		`, p.ID, p.ExperimentID, string(p.Kind), string(paramsJSON), p.ArmCatalogRef)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListPolicies returns every policy configured for an experiment.
func (db *DB) ListPolicies(ctx context.Context, experimentID string) ([]domain.Policy, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, experiment_id, kind, params_json, arm_catalog_ref
		FROM policies WHERE experiment_id = ? ORDER BY id
	`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Policy
	for rows.Next() {
		var p domain.Policy
		var kind, paramsJSON string
		if err := rows.Scan(&p.ID, &p.ExperimentID, &kind, &paramsJSON, &p.ArmCatalogRef); err != nil {
			return nil, err
		}
		p.Kind = domain.PolicyKind(kind)
		if err := json.Unmarshal([]byte(paramsJSON), &p.Params); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal policy params: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// scannable abstracts over *sql.Row and *sql.Rows so scanExperiment works
// for both single-row and multi-row queries.
type scannable interface {
	Scan(dest ...any) error
}

func scanExperiment(row scannable) (*domain.Experiment, error) {
	var e domain.Experiment
	var status, rewardMapping, trafficPlanJSON, guardrailJSON, decisionJSON string
	var startAt, createdAt, updatedAt string
	var endAt *string
	var attributionWindowNs int64

	err := row.Scan(
		&e.ID, &e.Name, &status, &startAt, &endAt, &e.Salt, &e.TrafficFraction,
		&trafficPlanJSON, &e.DefaultPolicyID, &attributionWindowNs,
		&rewardMapping, &guardrailJSON, &decisionJSON, &e.CatalogVersion,
		&e.Priority, &e.Surface, &e.Notes, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = domain.ExperimentStatus(status)
	e.RewardMapping = domain.RewardMapping(rewardMapping)
	e.AttributionWindow = durationFromNs(attributionWindowNs)

	if e.StartAt, err = parseTime(startAt); err != nil {
		return nil, err
	}
	if e.EndAt, err = parseOptionalTime(endAt); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(trafficPlanJSON), &e.TrafficPlan); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal traffic_plan: %w", err)
	}
	if err := json.Unmarshal([]byte(guardrailJSON), &e.Guardrail); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal guardrail_config: %w", err)
	}
	if err := json.Unmarshal([]byte(decisionJSON), &e.Decision); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal decision_config: %w", err)
	}

	return &e, nil
}
