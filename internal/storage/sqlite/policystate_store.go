package sqlite

import (
	"context"
	"database/sql"

	"github.com/banditlab/banditd/internal/domain"
)

// GetState returns the sufficient-statistics row for one
// (experiment, policy, arm, context_key) key, or the zero row (Version 0,
// Alpha/Beta 1) if it has not been seeded yet.
func (db *DB) GetState(ctx context.Context, experimentID, policyID, armID, contextKey string) (domain.PolicyArmState, error) {
	var s domain.PolicyArmState
	var updatedAt string
	err := db.db.QueryRowContext(ctx, `
		SELECT experiment_id, policy_id, arm_id, context_key, pulls, successes,
			failures, neutrals, sum_reward, sum_reward_sq, alpha, beta, version, updated_at
		FROM policy_arm_state
		WHERE experiment_id = ? AND policy_id = ? AND arm_id = ? AND context_key = ?
	`, experimentID, policyID, armID, contextKey).Scan(
		&s.ExperimentID, &s.PolicyID, &s.ArmID, &s.ContextKey, &s.Pulls, &s.Successes,
		&s.Failures, &s.Neutrals, &s.SumReward, &s.SumRewardSq, &s.Alpha, &s.Beta, &s.Version, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.PolicyArmState{
			ExperimentID: experimentID,
			PolicyID:     policyID,
			ArmID:        armID,
			ContextKey:   contextKey,
			Alpha:        1,
			Beta:         1,
		}, nil
	}
	if err != nil {
		return domain.PolicyArmState{}, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.PolicyArmState{}, err
	}
	return s, nil
}

// SeedState inserts the initial row for a key, failing silently (no-op)
// if a row is already present — first write wins, matching GetState's
// zero-row fallback for the unseeded case.
func (db *DB) SeedState(ctx context.Context, s domain.PolicyArmState) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO policy_arm_state (
			experiment_id, policy_id, arm_id, context_key, pulls, successes,
			failures, neutrals, sum_reward, sum_reward_sq, alpha, beta, version, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ExperimentID, s.PolicyID, s.ArmID, s.ContextKey, s.Pulls, s.Successes,
		s.Failures, s.Neutrals, s.SumReward, s.SumRewardSq, s.Alpha, s.Beta, s.Version,
		formatTime(s.UpdatedAt),
	)
	return err
}

// CompareAndSwap writes next only if the row's current version still
// equals expectVersion, then bumps the stored version to next.Version.
// Callers are expected to have set next.Version = expectVersion + 1.
// Returns domain.ErrStateConflict if the row moved. If no row exists yet,
// next is inserted whatever expectVersion is.
func (db *DB) CompareAndSwap(ctx context.Context, next domain.PolicyArmState, expectVersion int64) error {
	res, err := db.db.ExecContext(ctx, `
		INSERT INTO policy_arm_state (
			experiment_id, policy_id, arm_id, context_key, pulls, successes,
			failures, neutrals, sum_reward, sum_reward_sq, alpha, beta, version, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(experiment_id, policy_id, arm_id, context_key) DO UPDATE SET
			pulls         = excluded.pulls,
			successes     = excluded.successes,
			failures      = excluded.failures,
			neutrals      = excluded.neutrals,
			sum_reward    = excluded.sum_reward,
			sum_reward_sq = excluded.sum_reward_sq,
			alpha         = excluded.alpha,
			beta          = excluded.beta,
			version       = excluded.version,
			updated_at    = datetime('now')
		WHERE policy_arm_state.version = ?
	`,
		next.ExperimentID, next.PolicyID, next.ArmID, next.ContextKey, next.Pulls, next.Successes,
		next.Failures, next.Neutrals, next.SumReward, next.SumRewardSq, next.Alpha, next.Beta, next.Version,
		expectVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrStateConflict
	}
	return nil
}
