package lifecycle_test

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

// memStore is an in-memory lifecycle.Store with failure injection.
type memStore struct {
	mu        sync.Mutex
	anomalies map[string]*domain.Anomaly
	order     []string
	audit     []domain.AuditLogEntry
	workflows map[string]domain.Workflow
	published map[string]time.Time

	failCreate error
	failUpdate error
}

func newMemStore() *memStore {
	return &memStore{
		anomalies: make(map[string]*domain.Anomaly),
		workflows: make(map[string]domain.Workflow),
		published: make(map[string]time.Time),
	}
}

func (m *memStore) CreateAnomaly(_ context.Context, a *domain.Anomaly, entry domain.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return m.failCreate
	}
	if a.DedupKey != "" {
		for _, existing := range m.anomalies {
			if existing.DedupKey == a.DedupKey {
				return domain.ErrDuplicateEvent
			}
		}
	}
	m.anomalies[a.ID] = a.Clone()
	m.order = append(m.order, a.ID)
	m.audit = append(m.audit, entry)
	return nil
}

func (m *memStore) UpdateAnomaly(_ context.Context, a *domain.Anomaly, entry domain.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdate != nil {
		return m.failUpdate
	}
	if _, ok := m.anomalies[a.ID]; !ok {
		return domain.ErrNotFound
	}
	m.anomalies[a.ID] = a.Clone()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *memStore) GetAnomaly(_ context.Context, id string) (*domain.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.anomalies[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a.Clone(), nil
}

func (m *memStore) FindAnomalyByDedupKey(_ context.Context, key string) (*domain.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.anomalies {
		if a.DedupKey == key {
			return a.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) FindAnomalies(_ context.Context, f domain.AnomalyFilter) ([]*domain.Anomaly, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Anomaly
	for _, id := range m.order {
		a := m.anomalies[id]
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
			continue
		}
		if len(f.Severities) > 0 && !slices.Contains(f.Severities, a.Severity) {
			continue
		}
		if f.Tag != "" && !a.HasTag(f.Tag) {
			continue
		}
		out = append(out, a.Clone())
	}
	return out, len(out), nil
}

func (m *memStore) CountAnomalies(context.Context) (map[domain.Status]int64, map[domain.Severity]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStatus := make(map[domain.Status]int64)
	bySeverity := make(map[domain.Severity]int64)
	for _, a := range m.anomalies {
		byStatus[a.Status]++
		bySeverity[a.Severity]++
	}
	return byStatus, bySeverity, nil
}

func (m *memStore) AuditLog(_ context.Context, anomalyID string) ([]domain.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditLogEntry
	for _, e := range m.audit {
		if e.AnomalyID == anomalyID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) CreateWorkflow(_ context.Context, w domain.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[w.ID] = w
	return nil
}

func (m *memStore) UpdateWorkflowStatus(_ context.Context, id string, status domain.WorkflowStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok {
		return domain.ErrNotFound
	}
	w.Status = status
	w.UpdatedAt = at
	m.workflows[id] = w
	return nil
}

func (m *memStore) ListWorkflows(_ context.Context, anomalyID string) ([]domain.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Workflow
	for _, w := range m.workflows {
		if w.AnomalyID == anomalyID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *memStore) MarkPublished(_ context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.published[id]; !ok {
			m.published[id] = at
		}
	}
	return nil
}

func (m *memStore) IsPublished(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.published[id]
	return ok, nil
}

func (m *memStore) auditCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.audit)
}

func (m *memStore) anomalyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.anomalies)
}
