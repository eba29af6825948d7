// Package sqlite is the system of record for banditd: experiments,
// policies, the arm catalog, assignments, per-arm policy state, serve
// events, reward events, guardrail checks, and decisions.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a *sql.DB with the migration and CAS conventions every store
// in this package relies on.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and
// applies all migrations. path may be ":memory:" for tests.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY races
	if _, err := conn.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
	}
	if _, err := conn.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enable foreign_keys: %w", err)
	}

	db := &DB{db: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite: migration failed: %w\n%s", err, stmt)
		}
	}
	return nil
}

// Migrations returns every schema migration statement, in apply order.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS experiments (
			id                  TEXT PRIMARY KEY,
			name                TEXT NOT NULL,
			status              TEXT NOT NULL DEFAULT 'draft',
			start_at            TEXT NOT NULL,
			end_at              TEXT,
			salt                TEXT NOT NULL,
			traffic_fraction    REAL NOT NULL DEFAULT 0,
			traffic_plan_json   TEXT NOT NULL DEFAULT '{}',
			default_policy_id   TEXT NOT NULL DEFAULT '',
			attribution_window_ns INTEGER NOT NULL DEFAULT 0,
			reward_mapping      TEXT NOT NULL DEFAULT 'composite',
			guardrail_json      TEXT NOT NULL DEFAULT '{}',
			decision_json       TEXT NOT NULL DEFAULT '{}',
			catalog_version     INTEGER NOT NULL DEFAULT 1,
			priority            INTEGER NOT NULL DEFAULT 0,
			surface             TEXT NOT NULL DEFAULT '',
			notes               TEXT NOT NULL DEFAULT '',
			created_at          TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at          TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_experiments_surface_status ON experiments(surface, status, priority)`,

		`CREATE TABLE IF NOT EXISTS policies (
			id               TEXT NOT NULL,
			experiment_id    TEXT NOT NULL,
			kind             TEXT NOT NULL,
			params_json      TEXT NOT NULL DEFAULT '{}',
			arm_catalog_ref  INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (experiment_id, id)
		)`,

		`CREATE TABLE IF NOT EXISTS arm_catalog (
			experiment_id  TEXT NOT NULL,
			version        INTEGER NOT NULL,
			arm_id         TEXT NOT NULL,
			metadata_json  TEXT NOT NULL DEFAULT '{}',
			eligible_from  TEXT,
			eligible_until TEXT,
			PRIMARY KEY (experiment_id, version, arm_id)
		)`,

		`CREATE TABLE IF NOT EXISTS assignments (
			user_id       TEXT NOT NULL,
			experiment_id TEXT NOT NULL,
			policy_id     TEXT NOT NULL,
			bucket        REAL NOT NULL,
			assigned_at   TEXT NOT NULL,
			sticky        INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, experiment_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_experiment_policy ON assignments(experiment_id, policy_id)`,

		`CREATE TABLE IF NOT EXISTS policy_arm_state (
			experiment_id TEXT NOT NULL,
			policy_id     TEXT NOT NULL,
			arm_id        TEXT NOT NULL,
			context_key   TEXT NOT NULL DEFAULT '',
			pulls         INTEGER NOT NULL DEFAULT 0,
			successes     REAL NOT NULL DEFAULT 0,
			failures      REAL NOT NULL DEFAULT 0,
			neutrals      INTEGER NOT NULL DEFAULT 0,
			sum_reward    REAL NOT NULL DEFAULT 0,
			sum_reward_sq REAL NOT NULL DEFAULT 0,
			alpha         REAL NOT NULL DEFAULT 1,
			beta          REAL NOT NULL DEFAULT 1,
			version       INTEGER NOT NULL DEFAULT 0,
			updated_at    TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (experiment_id, policy_id, arm_id, context_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_policy_arm_state_lookup ON policy_arm_state(experiment_id, policy_id)`,

		`CREATE TABLE IF NOT EXISTS serve_events (
			event_id            TEXT PRIMARY KEY,
			schema_version      INTEGER NOT NULL DEFAULT 1,
			experiment_id       TEXT NOT NULL,
			user_id             TEXT NOT NULL,
			policy_id           TEXT NOT NULL,
			arm_id              TEXT NOT NULL,
			position            INTEGER NOT NULL DEFAULT 0,
			context_json        TEXT NOT NULL DEFAULT '{}',
			propensity          REAL NOT NULL,
			score               REAL NOT NULL,
			latency_ms          INTEGER NOT NULL DEFAULT 0,
			served_at           TEXT NOT NULL,
			reward              REAL,
			reward_at           TEXT,
			attribution_version INTEGER NOT NULL DEFAULT 0,
			policy_timeout      INTEGER NOT NULL DEFAULT 0,
			dropped             INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_serve_events_experiment_time ON serve_events(experiment_id, served_at)`,
		`CREATE INDEX IF NOT EXISTS idx_serve_events_user_time ON serve_events(user_id, served_at)`,
		`CREATE INDEX IF NOT EXISTS idx_serve_events_attribution ON serve_events(reward, served_at)`,

		`CREATE TABLE IF NOT EXISTS reward_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id   TEXT NOT NULL DEFAULT '',
			user_id    TEXT NOT NULL,
			arm_id     TEXT NOT NULL,
			kind       TEXT NOT NULL,
			value      REAL NOT NULL DEFAULT 0,
			at         TEXT NOT NULL,
			UNIQUE(event_id, user_id, arm_id, kind)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reward_events_user_arm_time ON reward_events(user_id, arm_id, at)`,

		`CREATE TABLE IF NOT EXISTS guardrail_checks (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			experiment_id TEXT NOT NULL,
			at            TEXT NOT NULL,
			name          TEXT NOT NULL,
			value         REAL NOT NULL,
			threshold     REAL NOT NULL,
			status        TEXT NOT NULL,
			action        TEXT NOT NULL DEFAULT 'none'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_guardrail_checks_experiment_time ON guardrail_checks(experiment_id, at)`,
		`CREATE INDEX IF NOT EXISTS idx_guardrail_checks_rollback ON guardrail_checks(experiment_id, action, at)`,

		`CREATE TABLE IF NOT EXISTS decisions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			experiment_id    TEXT NOT NULL,
			evaluated_at     TEXT NOT NULL,
			verdict          TEXT NOT NULL,
			winner_policy_id TEXT NOT NULL DEFAULT '',
			uplift           REAL NOT NULL DEFAULT 0,
			confidence       REAL NOT NULL DEFAULT 0,
			estimators_json  TEXT NOT NULL DEFAULT '{}',
			notes            TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_experiment_time ON decisions(experiment_id, evaluated_at)`,

		`CREATE TABLE IF NOT EXISTS replay_records (
			event_id          TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			context_json      TEXT NOT NULL DEFAULT '{}',
			logged_arm_id     TEXT NOT NULL,
			logged_propensity REAL NOT NULL,
			logged_reward     REAL NOT NULL,
			at                TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_replay_records_time ON replay_records(at)`,
	}
}
