package sqlite

import (
	"context"
	"database/sql"

	"github.com/banditlab/banditd/internal/domain"
)

// InsertAssignment writes a's row if (user_id, experiment_id) has no
// assignment yet. First-write-wins: a second insert for the same key is a
// no-op and inserted reports false.
func (db *DB) InsertAssignment(ctx context.Context, a domain.Assignment) (bool, error) {
	sticky := 0
	if a.Sticky {
		sticky = 1
	}
	res, err := db.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO assignments (user_id, experiment_id, policy_id, bucket, assigned_at, sticky)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.UserID, a.ExperimentID, a.PolicyID, a.Bucket, formatTime(a.AssignedAt), sticky)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetAssignment retrieves the cached assignment for a user in an
// experiment, or nil if none exists yet.
func (db *DB) GetAssignment(ctx context.Context, userID, experimentID string) (*domain.Assignment, error) {
	var a domain.Assignment
	var assignedAt string
	var sticky int
	err := db.db.QueryRowContext(ctx, `
		SELECT user_id, experiment_id, policy_id, bucket, assigned_at, sticky
		FROM assignments WHERE user_id = ? AND experiment_id = ?
	`, userID, experimentID).Scan(&a.UserID, &a.ExperimentID, &a.PolicyID, &a.Bucket, &assignedAt, &sticky)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Sticky = sticky != 0
	if a.AssignedAt, err = parseTime(assignedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// DeleteAssignments drops every cached assignment for an experiment.
func (db *DB) DeleteAssignments(ctx context.Context, experimentID string) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM assignments WHERE experiment_id = ?`, experimentID)
	return err
}
