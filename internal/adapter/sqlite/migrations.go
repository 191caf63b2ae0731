package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	version int
	name    string
	up      string
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial_schema",
		up: `
			CREATE TABLE IF NOT EXISTS anomalies (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				severity TEXT NOT NULL,
				confidence REAL NOT NULL,
				status TEXT NOT NULL,
				location_json TEXT,
				modalities_json TEXT NOT NULL,
				ai_analysis_json TEXT NOT NULL,
				tags_json TEXT NOT NULL,
				source_apis_json TEXT NOT NULL,
				workflow_id TEXT NOT NULL DEFAULT '',
				dedup_key TEXT UNIQUE,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_anomalies_status ON anomalies(status);
			CREATE INDEX IF NOT EXISTS idx_anomalies_severity ON anomalies(severity);
			CREATE INDEX IF NOT EXISTS idx_anomalies_created_at ON anomalies(created_at);

			-- Append-only. seq breaks ties between entries with equal timestamps.
			CREATE TABLE IF NOT EXISTS audit_log (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT UNIQUE NOT NULL,
				anomaly_id TEXT NOT NULL REFERENCES anomalies(id),
				action TEXT NOT NULL,
				actor TEXT NOT NULL,
				reasoning TEXT NOT NULL DEFAULT '',
				changes_json TEXT,
				previous_state_json TEXT,
				current_state_json TEXT NOT NULL,
				created_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_audit_anomaly ON audit_log(anomaly_id, created_at, seq);

			CREATE TABLE IF NOT EXISTS workflows (
				id TEXT PRIMARY KEY,
				anomaly_id TEXT NOT NULL REFERENCES anomalies(id),
				job_id TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_workflows_anomaly ON workflows(anomaly_id);
		`,
	},
	{
		version: 2,
		name:    "publications",
		up: `
			-- Feed anomalies written to the anomaly topic. Rows that predate
			-- the table are treated as already published.
			CREATE TABLE IF NOT EXISTS publications (
				anomaly_id TEXT PRIMARY KEY REFERENCES anomalies(id),
				published_at INTEGER NOT NULL
			);
			INSERT OR IGNORE INTO publications (anomaly_id, published_at)
				SELECT id, updated_at FROM anomalies WHERE dedup_key IS NOT NULL;
		`,
	},
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %d (%s): %w", m.version, m.name, err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.version, m.name, time.Now().UnixNano(),
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
