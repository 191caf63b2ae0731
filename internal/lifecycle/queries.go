package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

// Get returns one anomaly.
func (s *Service) Get(ctx context.Context, id string) (*domain.Anomaly, error) {
	a, err := s.store.GetAnomaly(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get anomaly %s: %w", id, err)
	}
	return a, nil
}

// Find searches anomalies and returns one page plus the total match count.
func (s *Service) Find(ctx context.Context, f domain.AnomalyFilter) ([]*domain.Anomaly, int, error) {
	out, total, err := s.store.FindAnomalies(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("find anomalies: %w", err)
	}
	return out, total, nil
}

// AlertFilter narrows the alert projection.
type AlertFilter struct {
	Statuses []domain.AlertStatus
	Limit    int
	Offset   int
}

// Alerts returns high and critical anomalies as alerts.
func (s *Service) Alerts(ctx context.Context, f AlertFilter) ([]domain.Alert, int, error) {
	filter := domain.AnomalyFilter{
		Severities: domain.AlertSeverities,
		Limit:      f.Limit,
		Offset:     f.Offset,
	}
	for _, st := range f.Statuses {
		status, ok := domain.AnomalyStatusFor(st)
		if !ok {
			return nil, 0, fmt.Errorf("%w: unknown alert status %q", domain.ErrInvalidAction, st)
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	anomalies, total, err := s.Find(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	alerts := make([]domain.Alert, 0, len(anomalies))
	for _, a := range anomalies {
		if alert, ok := domain.AlertFromAnomaly(a); ok {
			alerts = append(alerts, alert)
		}
	}
	return alerts, total, nil
}

// AuditTrail returns the ledger of one anomaly, oldest first.
func (s *Service) AuditTrail(ctx context.Context, anomalyID string) ([]domain.AuditLogEntry, error) {
	if _, err := s.store.GetAnomaly(ctx, anomalyID); err != nil {
		return nil, fmt.Errorf("audit trail %s: %w", anomalyID, err)
	}
	entries, err := s.store.AuditLog(ctx, anomalyID)
	if err != nil {
		return nil, fmt.Errorf("audit trail %s: %w", anomalyID, err)
	}
	return entries, nil
}

// SeedStats loads the current anomaly totals into the stats service.
func (s *Service) SeedStats(ctx context.Context) error {
	if s.stats == nil {
		return nil
	}
	byStatus, bySeverity, err := s.store.CountAnomalies(ctx)
	if err != nil {
		return fmt.Errorf("count anomalies: %w", err)
	}
	s.stats.Seed(byStatus, bySeverity)
	return nil
}

// LinkWorkflow records a triggered job and sets the anomaly's workflow id
// through an audited system update.
func (s *Service) LinkWorkflow(ctx context.Context, anomalyID, jobID string) (domain.Workflow, error) {
	now := s.clock.Now().UTC()
	wf := domain.Workflow{
		ID:        uuid.NewString(),
		AnomalyID: anomalyID,
		JobID:     jobID,
		Status:    domain.WorkflowPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return domain.Workflow{}, s.storeErr("create workflow", err)
	}

	_, err := s.Transition(ctx, TransitionRequest{
		AnomalyID: anomalyID,
		Action:    domain.ActionUpdate,
		Actor:     domain.ActorSystem,
		Reasoning: "workflow job " + jobID + " triggered",
		Edit:      Edit{WorkflowID: &jobID},
	})
	if err != nil {
		return wf, fmt.Errorf("link workflow %s: %w", jobID, err)
	}
	return wf, nil
}

// RecordWorkflowStatus stores the latest status of a workflow record.
func (s *Service) RecordWorkflowStatus(ctx context.Context, workflowID string, status domain.WorkflowStatus) error {
	err := s.store.UpdateWorkflowStatus(ctx, workflowID, status, s.clock.Now().UTC())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("workflow %s: %w", workflowID, err)
	default:
		return s.storeErr("update workflow", err)
	}
}

// Workflows lists the workflow records of one anomaly.
func (s *Service) Workflows(ctx context.Context, anomalyID string) ([]domain.Workflow, error) {
	out, err := s.store.ListWorkflows(ctx, anomalyID)
	if err != nil {
		return nil, fmt.Errorf("list workflows %s: %w", anomalyID, err)
	}
	return out, nil
}
