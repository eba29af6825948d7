package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/banditlab/banditd/internal/domain"
)

// PutArms inserts a set of catalog arms. Arms are immutable once written
// for a given (experiment, version, arm_id); a duplicate insert is
// rejected rather than silently overwritten.
func (db *DB) PutArms(ctx context.Context, arms []domain.Arm) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, a := range arms {
		metaJSON, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("sqlite: marshal arm metadata: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO arm_catalog (experiment_id, version, arm_id, metadata_json, eligible_from, eligible_until)
			VALUES (?, ?, ?, ?, ?, ?)
		`, a.ExperimentID, a.Version, a.ArmID, string(metaJSON), formatOptionalTime(a.EligibleFrom), formatOptionalTime(a.EligibleUntil))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrDuplicateArmID
		}
	}
	return tx.Commit()
}

// ListArms returns every arm pinned to one catalog version.
func (db *DB) ListArms(ctx context.Context, experimentID string, version int) ([]domain.Arm, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT experiment_id, version, arm_id, metadata_json, eligible_from, eligible_until
		FROM arm_catalog WHERE experiment_id = ? AND version = ? ORDER BY arm_id
	`, experimentID, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Arm
	for rows.Next() {
		var a domain.Arm
		var metaJSON string
		var eligibleFrom, eligibleUntil *string
		if err := rows.Scan(&a.ExperimentID, &a.Version, &a.ArmID, &metaJSON, &eligibleFrom, &eligibleUntil); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metaJSON), &a.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal arm metadata: %w", err)
		}
		if a.EligibleFrom, err = parseOptionalTime(eligibleFrom); err != nil {
			return nil, err
		}
		if a.EligibleUntil, err = parseOptionalTime(eligibleUntil); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
