// Package lifecycle owns anomaly state. Every mutation goes through Service,
// which writes the new state and its audit entry together and serializes
// transitions per anomaly.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
	"github.com/couchcryptid/storm-anomaly-service/internal/observability"
)

// Dispatcher queues a workflow trigger for an anomaly. It must not block.
type Dispatcher interface {
	Dispatch(a *domain.Anomaly)
}

// Scorer computes the consensus for a signal set.
type Scorer interface {
	Analyze(ctx context.Context, set domain.SignalSet) domain.ConsensusResult
}

// Service is the anomaly lifecycle state machine.
type Service struct {
	store      Store
	policy     domain.Policy
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
	stats      *observability.Stats
	scorer     Scorer
	dispatcher Dispatcher
	locks      *keyedMutex
}

// Option configures a Service.
type Option func(*Service)

// WithStats updates s after every committed mutation.
func WithStats(s *observability.Stats) Option {
	return func(svc *Service) { svc.stats = s }
}

// WithScorer scores ingested feed items with sc instead of the item's own reading.
func WithScorer(sc Scorer) Option {
	return func(svc *Service) { svc.scorer = sc }
}

// NewService creates a Service.
func NewService(store Store, policy domain.Policy, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Service {
	s := &Service{
		store:   store,
		policy:  policy,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		locks:   newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetDispatcher installs the workflow dispatcher. Call it during wiring,
// before the service handles any request.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// NewAnomaly describes an anomaly to create.
type NewAnomaly struct {
	Title       string
	Description string
	Location    *domain.Location
	Analysis    domain.AIAnalysis
	Tags        []string
	SourceAPIs  []string
	DedupKey    string
	Actor       domain.Actor
	Reasoning   string
}

// Create persists a new anomaly in the detected state with a "created" audit
// entry. Severity and confidence come from the analysis result.
func (s *Service) Create(ctx context.Context, in NewAnomaly) (*domain.Anomaly, error) {
	actor := in.Actor
	if actor == "" {
		actor = domain.ActorSystem
	}
	if !actor.Valid() {
		return nil, fmt.Errorf("%w: unknown actor %q", domain.ErrInvalidAction, actor)
	}
	res := in.Analysis.Result
	if !res.Severity.Valid() {
		return nil, fmt.Errorf("create anomaly: %w: %q", domain.ErrUnknownSeverity, res.Severity)
	}

	now := s.clock.Now().UTC()
	a := &domain.Anomaly{
		ID:          uuid.NewString(),
		Title:       in.Title,
		Description: in.Description,
		Severity:    res.Severity,
		Confidence:  res.Consensus,
		Status:      domain.StatusDetected,
		Location:    in.Location,
		Modalities:  domain.Modalities(res.Agents),
		AIAnalysis:  in.Analysis,
		Timestamp:   now,
		LastUpdated: now,
		Tags:        normalizeTags(in.Tags),
		SourceAPIs:  normalizeTags(in.SourceAPIs),
		DedupKey:    in.DedupKey,
	}
	if a.Modalities == nil {
		a.Modalities = []domain.AgentType{}
	}

	entry := newEntry(a, nil, domain.AuditCreated, actor, in.Reasoning, now)
	if err := s.store.CreateAnomaly(ctx, a, entry); err != nil {
		return nil, s.storeErr("create anomaly", err)
	}

	s.afterCommit(ctx, nil, a, domain.AuditCreated)
	return a.Clone(), nil
}

// Edit lists free-form field changes applied by an update transition. Nil
// fields are left unchanged; a non-nil Tags replaces the tag list.
type Edit struct {
	Title       *string
	Description *string
	Severity    *domain.Severity
	Confidence  *float64
	Tags        []string
	WorkflowID  *string
}

// TransitionRequest asks for one lifecycle transition.
type TransitionRequest struct {
	AnomalyID string
	Action    domain.Action
	Actor     domain.Actor
	Reasoning string
	// Priority is the severity an escalation raises the anomaly to. It
	// defaults to high.
	Priority domain.Severity
	// Edit is applied by the update action only.
	Edit Edit
}

// Transition applies one action to an anomaly and appends its audit entry
// in the same write. Transitions on the same anomaly are serialized. On a
// persistence failure the stored anomaly is left as it was.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*domain.Anomaly, error) {
	if !req.Actor.Valid() {
		return nil, fmt.Errorf("%w: unknown actor %q", domain.ErrInvalidAction, req.Actor)
	}

	unlock := s.locks.Lock(req.AnomalyID)
	defer unlock()

	cur, err := s.store.GetAnomaly(ctx, req.AnomalyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("anomaly %s: %w", req.AnomalyID, err)
		}
		return nil, s.storeErr("load anomaly", err)
	}

	prev := cur.State()
	next := cur.Clone()
	if err := s.apply(next, req); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	next.LastUpdated = now
	action := req.Action.Audited()
	entry := newEntry(next, &prev, action, req.Actor, req.Reasoning, now)
	if err := s.store.UpdateAnomaly(ctx, next, entry); err != nil {
		return nil, s.storeErr("update anomaly", err)
	}

	s.afterCommit(ctx, &prev, next, action)
	return next.Clone(), nil
}

func (s *Service) apply(a *domain.Anomaly, req TransitionRequest) error {
	switch req.Action {
	case domain.ActionApprove:
		a.Status = domain.StatusApproved
	case domain.ActionReject:
		a.Status = domain.StatusRejected
	case domain.ActionEscalate:
		priority := req.Priority
		if priority == "" {
			priority = domain.SeverityHigh
		}
		if !priority.Valid() {
			return fmt.Errorf("escalate: %w: %q", domain.ErrUnknownSeverity, priority)
		}
		if priority.Rank() > a.Severity.Rank() {
			a.Severity = priority
		}
		a.Status = domain.StatusEscalated
	case domain.ActionUpdate:
		return applyEdit(a, req.Edit)
	default:
		return fmt.Errorf("%w: %q", domain.ErrInvalidAction, req.Action)
	}
	return nil
}

func applyEdit(a *domain.Anomaly, e Edit) error {
	if e.Severity != nil {
		if !e.Severity.Valid() {
			return fmt.Errorf("update: %w: %q", domain.ErrUnknownSeverity, *e.Severity)
		}
		a.Severity = *e.Severity
	}
	if e.Confidence != nil {
		if *e.Confidence < 0 || *e.Confidence > 1 {
			return fmt.Errorf("%w: confidence %v out of range", domain.ErrInvalidAction, *e.Confidence)
		}
		a.Confidence = *e.Confidence
	}
	if e.Title != nil {
		a.Title = *e.Title
	}
	if e.Description != nil {
		a.Description = *e.Description
	}
	if e.Tags != nil {
		a.Tags = normalizeTags(e.Tags)
	}
	if e.WorkflowID != nil {
		a.WorkflowID = *e.WorkflowID
	}
	return nil
}

// afterCommit runs the side effects of a committed mutation. None of them
// can fail the mutation.
func (s *Service) afterCommit(ctx context.Context, prev *domain.AnomalyState, a *domain.Anomaly, action domain.AuditAction) {
	s.metrics.Transitions.WithLabelValues(string(action)).Inc()
	if s.stats != nil {
		s.stats.RecordTransition(prev, a.State())
	}
	s.logger.Info("anomaly "+string(action),
		"anomaly_id", a.ID,
		"status", a.Status,
		"severity", a.Severity,
	)

	if s.dispatcher == nil || a.WorkflowID != "" || !s.policy.TriggersWorkflow(a.Severity) {
		return
	}
	if prev != nil && s.policy.TriggersWorkflow(prev.Severity) {
		return
	}
	s.logger.DebugContext(ctx, "dispatching workflow trigger", "anomaly_id", a.ID)
	s.dispatcher.Dispatch(a.Clone())
}

func (s *Service) storeErr(op string, err error) error {
	if errors.Is(err, domain.ErrDuplicateEvent) {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.metrics.PersistenceErrors.Inc()
	s.logger.Error("persistence failed", "op", op, "error", err)
	if errors.Is(err, domain.ErrPersistence) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrPersistence, err)
}

func newEntry(a *domain.Anomaly, prev *domain.AnomalyState, action domain.AuditAction, actor domain.Actor, reasoning string, now time.Time) domain.AuditLogEntry {
	cur := a.State()
	var changes []domain.FieldChange
	if prev != nil {
		changes = domain.DiffStates(*prev, cur)
	}
	return domain.AuditLogEntry{
		ID:            uuid.NewString(),
		AnomalyID:     a.ID,
		Action:        action,
		Actor:         actor,
		Reasoning:     reasoning,
		Changes:       changes,
		PreviousState: prev,
		CurrentState:  cur,
		Timestamp:     now,
	}
}

// normalizeTags trims, drops empties, and removes duplicates keeping first order.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}
