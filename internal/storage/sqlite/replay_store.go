package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banditlab/banditd/internal/domain"
)

// AppendReplayRecords bulk-inserts historical serve+reward records for
// offline replay, ignoring duplicates by event_id so re-running
// load_logs over an overlapping file is a no-op for rows already loaded.
func (db *DB) AppendReplayRecords(ctx context.Context, records []domain.ReplayRecord) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO replay_records (event_id, user_id, context_json, logged_arm_id, logged_propensity, logged_reward, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		ctxJSON, err := json.Marshal(r.Context)
		if err != nil {
			return fmt.Errorf("sqlite: marshal replay context: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, r.EventID, r.UserID, string(ctxJSON), r.LoggedArmID, r.LoggedPropensity, r.LoggedReward, formatTime(r.At)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListReplayRecords returns every record with at in [from, to], ordered
// chronologically.
func (db *DB) ListReplayRecords(ctx context.Context, from, to time.Time) ([]domain.ReplayRecord, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT event_id, user_id, context_json, logged_arm_id, logged_propensity, logged_reward, at
		FROM replay_records WHERE at >= ? AND at <= ? ORDER BY at ASC
	`, formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ReplayRecord
	for rows.Next() {
		var r domain.ReplayRecord
		var ctxJSON, at string
		if err := rows.Scan(&r.EventID, &r.UserID, &ctxJSON, &r.LoggedArmID, &r.LoggedPropensity, &r.LoggedReward, &at); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ctxJSON), &r.Context); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal replay context: %w", err)
		}
		if r.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplayRecordSpan returns the earliest and latest `at` timestamp across
// every stored replay record.
func (db *DB) ReplayRecordSpan(ctx context.Context) (from, to time.Time, err error) {
	row := db.db.QueryRowContext(ctx, `SELECT MIN(at), MAX(at) FROM replay_records`)
	var minAt, maxAt sql.NullString
	if err := row.Scan(&minAt, &maxAt); err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !minAt.Valid || !maxAt.Valid {
		return time.Time{}, time.Time{}, nil
	}
	if from, err = parseTime(minAt.String); err != nil {
		return time.Time{}, time.Time{}, err
	}
	if to, err = parseTime(maxAt.String); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}
