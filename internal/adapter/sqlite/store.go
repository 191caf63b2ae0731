// Package sqlite stores anomalies, their audit ledger, and workflow records
// in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// Pure-Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

// Store implements lifecycle.Store.
type Store struct {
	db *sql.DB
}

// New wraps an open database. The schema must already exist; see Open.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens the database at path, applies pending migrations, and returns
// the store. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite is single-writer; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

const anomalyColumns = `id, title, description, severity, confidence, status, location_json,
	modalities_json, ai_analysis_json, tags_json, source_apis_json, workflow_id, dedup_key,
	created_at, updated_at`

// CreateAnomaly inserts a and its created entry in one transaction. An
// existing dedup key makes the insert a no-op and returns domain.ErrDuplicateEvent.
func (s *Store) CreateAnomaly(ctx context.Context, a *domain.Anomaly, entry domain.AuditLogEntry) error {
	row, err := encodeAnomaly(a)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO anomalies (`+anomalyColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (dedup_key) DO NOTHING`,
			row...,
		)
		if err != nil {
			return fmt.Errorf("%w: insert anomaly: %w", domain.ErrPersistence, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: insert anomaly: %w", domain.ErrPersistence, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateEvent, a.DedupKey)
		}
		return insertAudit(ctx, tx, entry)
	})
}

// UpdateAnomaly writes the mutable fields of a and appends entry in one transaction.
func (s *Store) UpdateAnomaly(ctx context.Context, a *domain.Anomaly, entry domain.AuditLogEntry) error {
	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE anomalies
			SET title = ?, description = ?, severity = ?, confidence = ?, status = ?,
				tags_json = ?, workflow_id = ?, updated_at = ?
			WHERE id = ?`,
			a.Title, a.Description, string(a.Severity), a.Confidence, string(a.Status),
			string(tags), a.WorkflowID, a.LastUpdated.UnixNano(), a.ID,
		)
		if err != nil {
			return fmt.Errorf("%w: update anomaly: %w", domain.ErrPersistence, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: update anomaly: %w", domain.ErrPersistence, err)
		}
		if n == 0 {
			return fmt.Errorf("anomaly %s: %w", a.ID, domain.ErrNotFound)
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", domain.ErrPersistence, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", domain.ErrPersistence, err)
	}
	return nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, e domain.AuditLogEntry) error {
	changes, err := nullJSON(e.Changes, len(e.Changes) == 0)
	if err != nil {
		return err
	}
	prev, err := nullJSON(e.PreviousState, e.PreviousState == nil)
	if err != nil {
		return err
	}
	cur, err := json.Marshal(e.CurrentState)
	if err != nil {
		return fmt.Errorf("encode current state: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, anomaly_id, action, actor, reasoning, changes_json,
			previous_state_json, current_state_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AnomalyID, string(e.Action), string(e.Actor), e.Reasoning,
		changes, prev, string(cur), e.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: insert audit entry: %w", domain.ErrPersistence, err)
	}
	return nil
}

// GetAnomaly returns one anomaly by id.
func (s *Store) GetAnomaly(ctx context.Context, id string) (*domain.Anomaly, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+anomalyColumns+" FROM anomalies WHERE id = ?", id)
	return scanOne(row)
}

// FindAnomalyByDedupKey returns the anomaly created for a feed dedup key.
func (s *Store) FindAnomalyByDedupKey(ctx context.Context, key string) (*domain.Anomaly, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+anomalyColumns+" FROM anomalies WHERE dedup_key = ?", key)
	return scanOne(row)
}

func scanOne(row *sql.Row) (*domain.Anomaly, error) {
	a, err := scanAnomaly(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get anomaly: %w", domain.ErrPersistence, err)
	}
	return a, nil
}

// FindAnomalies returns one page of matching anomalies, oldest first, and the
// total number of matches.
func (s *Store) FindAnomalies(ctx context.Context, f domain.AnomalyFilter) ([]*domain.Anomaly, int, error) {
	where, args := buildWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM anomalies"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count anomalies: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query := "SELECT " + anomalyColumns + " FROM anomalies" + where +
		" ORDER BY created_at ASC, rowid ASC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	var out []*domain.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan anomaly: %w", err)
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func buildWhere(f domain.AnomalyFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(f.Severities) > 0 {
		clauses = append(clauses, "severity IN ("+placeholders(len(f.Severities))+")")
		for _, sev := range f.Severities {
			args = append(args, string(sev))
		}
	}
	if f.MinConfidence != nil {
		clauses = append(clauses, "confidence >= ?")
		args = append(args, *f.MinConfidence)
	}
	if f.MaxConfidence != nil {
		clauses = append(clauses, "confidence <= ?")
		args = append(args, *f.MaxConfidence)
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.To.UnixNano())
	}
	if f.Tag != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(anomalies.tags_json) WHERE json_each.value = ?)")
		args = append(args, f.Tag)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// CountAnomalies returns anomaly totals by status and by severity.
func (s *Store) CountAnomalies(ctx context.Context) (map[domain.Status]int64, map[domain.Severity]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, severity, COUNT(*) FROM anomalies GROUP BY status, severity")
	if err != nil {
		return nil, nil, fmt.Errorf("count anomalies: %w", err)
	}
	defer rows.Close()

	byStatus := make(map[domain.Status]int64)
	bySeverity := make(map[domain.Severity]int64)
	for rows.Next() {
		var (
			status, severity string
			n                int64
		)
		if err := rows.Scan(&status, &severity, &n); err != nil {
			return nil, nil, fmt.Errorf("scan count: %w", err)
		}
		byStatus[domain.Status(status)] += n
		bySeverity[domain.Severity(severity)] += n
	}
	return byStatus, bySeverity, rows.Err()
}

// AuditLog returns the ledger of one anomaly ordered by timestamp.
func (s *Store) AuditLog(ctx context.Context, anomalyID string) ([]domain.AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, anomaly_id, action, actor, reasoning, changes_json,
			previous_state_json, current_state_json, created_at
		FROM audit_log WHERE anomaly_id = ? ORDER BY created_at ASC, seq ASC`,
		anomalyID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditLogEntry
	for rows.Next() {
		var (
			e             domain.AuditLogEntry
			action, actor string
			changes, prev sql.NullString
			cur           string
			createdAt     int64
		)
		if err := rows.Scan(&e.ID, &e.AnomalyID, &action, &actor, &e.Reasoning,
			&changes, &prev, &cur, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = domain.AuditAction(action)
		e.Actor = domain.Actor(actor)
		e.Timestamp = fromNanos(createdAt)
		if changes.Valid {
			if err := json.Unmarshal([]byte(changes.String), &e.Changes); err != nil {
				return nil, fmt.Errorf("decode changes: %w", err)
			}
		}
		if prev.Valid {
			e.PreviousState = &domain.AnomalyState{}
			if err := json.Unmarshal([]byte(prev.String), e.PreviousState); err != nil {
				return nil, fmt.Errorf("decode previous state: %w", err)
			}
		}
		if err := json.Unmarshal([]byte(cur), &e.CurrentState); err != nil {
			return nil, fmt.Errorf("decode current state: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateWorkflow inserts a workflow record.
func (s *Store) CreateWorkflow(ctx context.Context, w domain.Workflow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, anomaly_id, job_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.AnomalyID, w.JobID, string(w.Status), w.CreatedAt.UnixNano(), w.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: insert workflow: %w", domain.ErrPersistence, err)
	}
	return nil
}

// UpdateWorkflowStatus sets the status of a workflow record.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id string, status domain.WorkflowStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?",
		string(status), at.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("%w: update workflow: %w", domain.ErrPersistence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: update workflow: %w", domain.ErrPersistence, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListWorkflows returns the workflow records of one anomaly, oldest first.
func (s *Store) ListWorkflows(ctx context.Context, anomalyID string) ([]domain.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, anomaly_id, job_id, status, created_at, updated_at
		FROM workflows WHERE anomaly_id = ? ORDER BY created_at ASC, rowid ASC`,
		anomalyID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var out []domain.Workflow
	for rows.Next() {
		var (
			w                    domain.Workflow
			status               string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&w.ID, &w.AnomalyID, &w.JobID, &status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		w.Status = domain.WorkflowStatus(status)
		w.CreatedAt = fromNanos(createdAt)
		w.UpdatedAt = fromNanos(updatedAt)
		out = append(out, w)
	}
	return out, rows.Err()
}

// MarkPublished records that the anomalies with ids were written downstream.
// Marking an id twice keeps the first time.
func (s *Store) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO publications (anomaly_id, published_at) VALUES (?, ?) ON CONFLICT (anomaly_id) DO NOTHING",
				id, at.UnixNano(),
			)
			if err != nil {
				return fmt.Errorf("%w: mark published %s: %w", domain.ErrPersistence, id, err)
			}
		}
		return nil
	})
}

// IsPublished reports whether MarkPublished recorded id.
func (s *Store) IsPublished(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM publications WHERE anomaly_id = ?", id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: check published %s: %w", domain.ErrPersistence, id, err)
	}
	return n > 0, nil
}
