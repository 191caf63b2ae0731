package lifecycle

import (
	"context"
	"time"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

// Store persists anomalies, their audit ledger, and workflow records.
//
// CreateAnomaly and UpdateAnomaly write the anomaly and its audit entry in
// one transaction: either both are stored or neither is. Lookups of missing
// records return domain.ErrNotFound. Creating an anomaly whose dedup key is
// already stored returns domain.ErrDuplicateEvent. MarkPublished is
// idempotent.
type Store interface {
	CreateAnomaly(ctx context.Context, a *domain.Anomaly, entry domain.AuditLogEntry) error
	UpdateAnomaly(ctx context.Context, a *domain.Anomaly, entry domain.AuditLogEntry) error
	GetAnomaly(ctx context.Context, id string) (*domain.Anomaly, error)
	FindAnomalyByDedupKey(ctx context.Context, key string) (*domain.Anomaly, error)
	FindAnomalies(ctx context.Context, f domain.AnomalyFilter) ([]*domain.Anomaly, int, error)
	CountAnomalies(ctx context.Context) (map[domain.Status]int64, map[domain.Severity]int64, error)
	AuditLog(ctx context.Context, anomalyID string) ([]domain.AuditLogEntry, error)

	CreateWorkflow(ctx context.Context, w domain.Workflow) error
	UpdateWorkflowStatus(ctx context.Context, id string, status domain.WorkflowStatus, at time.Time) error
	ListWorkflows(ctx context.Context, anomalyID string) ([]domain.Workflow, error)

	MarkPublished(ctx context.Context, ids []string, at time.Time) error
	IsPublished(ctx context.Context, id string) (bool, error)
}
