package lifecycle_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
	"github.com/couchcryptid/storm-anomaly-service/internal/lifecycle"
	"github.com/couchcryptid/storm-anomaly-service/internal/observability"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []*domain.Anomaly
}

func (d *recordingDispatcher) Dispatch(a *domain.Anomaly) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, a)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type fixture struct {
	svc      *lifecycle.Service
	store    *memStore
	clock    *clockwork.FakeClock
	metrics  *observability.Metrics
	stats    *observability.Stats
	dispatch *recordingDispatcher
}

func newFixture(t *testing.T, opts ...lifecycle.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMemStore(),
		clock:    clockwork.NewFakeClockAt(time.Date(2024, 5, 20, 18, 0, 0, 0, time.UTC)),
		metrics:  observability.NewMetricsForTesting(),
		stats:    observability.NewStats(),
		dispatch: &recordingDispatcher{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]lifecycle.Option{lifecycle.WithStats(f.stats)}, opts...)
	f.svc = lifecycle.NewService(f.store, domain.DefaultPolicy(), f.clock, logger, f.metrics, opts...)
	f.svc.SetDispatcher(f.dispatch)
	return f
}

func analysis(consensus float64, severity domain.Severity) domain.AIAnalysis {
	return domain.AIAnalysis{Result: domain.ConsensusResult{
		Consensus: consensus,
		Severity:  severity,
		Agents: []domain.AgentOutput{
			{AgentType: domain.AgentSensor, Confidence: consensus, Status: domain.AgentOK},
		},
	}}
}

func (f *fixture) create(t *testing.T, severity domain.Severity) *domain.Anomaly {
	t.Helper()
	a, err := f.svc.Create(context.Background(), lifecycle.NewAnomaly{
		Title:    "Hail cluster",
		Analysis: analysis(0.6, severity),
		Tags:     []string{"weather", " weather ", ""},
	})
	require.NoError(t, err)
	return a
}

func TestCreate_DetectedWithCreatedEntry(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, domain.SeverityMedium)

	assert.Equal(t, domain.StatusDetected, a.Status)
	assert.Equal(t, domain.SeverityMedium, a.Severity)
	assert.InDelta(t, 0.6, a.Confidence, 1e-9)
	assert.Equal(t, []string{"weather"}, a.Tags)
	assert.Equal(t, []domain.AgentType{domain.AgentSensor}, a.Modalities)

	trail, err := f.svc.AuditTrail(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, domain.AuditCreated, trail[0].Action)
	assert.Equal(t, domain.ActorSystem, trail[0].Actor)
	assert.Nil(t, trail[0].PreviousState)
	assert.Equal(t, domain.StatusDetected, trail[0].CurrentState.Status)
	assert.Equal(t, 0, f.dispatch.count(), "medium does not trigger a workflow")
	assert.Equal(t, int64(1), f.stats.Snapshot().Anomalies)
}

func TestTransition_EscalateRaisesSeverity(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, domain.SeverityMedium)
	f.clock.Advance(time.Minute)

	got, err := f.svc.Transition(context.Background(), lifecycle.TransitionRequest{
		AnomalyID: a.ID,
		Action:    domain.ActionEscalate,
		Actor:     domain.ActorHuman,
		Reasoning: "confirmed by field team",
		Priority:  domain.SeverityCritical,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityCritical, got.Severity)
	assert.Equal(t, domain.StatusEscalated, got.Status)
	assert.Equal(t, f.clock.Now(), got.LastUpdated)

	trail, err := f.svc.AuditTrail(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	entry := trail[1]
	assert.Equal(t, domain.AuditEscalated, entry.Action)
	assert.Equal(t, domain.ActorHuman, entry.Actor)
	assert.Equal(t, "confirmed by field team", entry.Reasoning)
	require.NotNil(t, entry.PreviousState)
	assert.Equal(t, domain.SeverityMedium, entry.PreviousState.Severity)
	assert.Equal(t, domain.SeverityCritical, entry.CurrentState.Severity)
	assert.Equal(t, []domain.FieldChange{
		{Field: "status", From: "detected", To: "escalated"},
		{Field: "severity", From: "medium", To: "critical"},
	}, entry.Changes)

	assert.Equal(t, 1, f.dispatch.count(), "crossing into high triggers a workflow")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Transitions.WithLabelValues("escalated")))
}

func TestTransition_EscalateDefaultsToHighAndNeverLowers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low := f.create(t, domain.SeverityLow)
	got, err := f.svc.Transition(ctx, lifecycle.TransitionRequest{AnomalyID: low.ID, Action: domain.ActionEscalate, Actor: domain.ActorHuman})
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityHigh, got.Severity)

	crit := f.create(t, domain.SeverityCritical)
	got, err = f.svc.Transition(ctx, lifecycle.TransitionRequest{AnomalyID: crit.ID, Action: domain.ActionEscalate, Actor: domain.ActorHuman})
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityCritical, got.Severity)

	_, err = f.svc.Transition(ctx, lifecycle.TransitionRequest{
		AnomalyID: crit.ID, Action: domain.ActionEscalate, Actor: domain.ActorHuman, Priority: "Severe",
	})
	require.ErrorIs(t, err, domain.ErrUnknownSeverity)
}

func TestTransition_AuditLedgerReconstructsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, domain.SeverityMedium)

	title := "Hail cluster near Norman"
	conf := 0.72
	steps := []lifecycle.TransitionRequest{
		{Action: domain.ActionApprove, Actor: domain.ActorHuman},
		{Action: domain.ActionUpdate, Actor: domain.ActorHuman, Edit: lifecycle.Edit{Title: &title, Confidence: &conf}},
		{Action: domain.ActionReject, Actor: domain.ActorHuman, Reasoning: "duplicate report"},
		{Action: domain.ActionEscalate, Actor: domain.ActorSystem, Priority: domain.SeverityHigh},
		{Action: domain.ActionUpdate, Actor: domain.ActorHuman, Edit: lifecycle.Edit{Tags: []string{"hail", "verified"}}},
	}
	var final *domain.Anomaly
	for _, step := range steps {
		f.clock.Advance(time.Second)
		step.AnomalyID = a.ID
		var err error
		final, err = f.svc.Transition(ctx, step)
		require.NoError(t, err)
	}

	trail, err := f.svc.AuditTrail(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, trail, len(steps)+1)
	for i := 0; i+1 < len(trail); i++ {
		require.NotNil(t, trail[i+1].PreviousState)
		if diff := cmp.Diff(trail[i].CurrentState, *trail[i+1].PreviousState); diff != "" {
			t.Errorf("entry %d current state != entry %d previous state (-want +got):\n%s", i, i+1, diff)
		}
		assert.False(t, trail[i+1].Timestamp.Before(trail[i].Timestamp))
	}
	if diff := cmp.Diff(final.State(), trail[len(trail)-1].CurrentState); diff != "" {
		t.Errorf("last entry does not match stored anomaly (-want +got):\n%s", diff)
	}
	assert.Equal(t, domain.StatusEscalated, final.Status)
	assert.Equal(t, title, final.Title)
}

func TestTransition_PersistenceFailureLeavesStateIntact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, domain.SeverityMedium)

	f.store.failUpdate = errors.New("disk I/O error")
	_, err := f.svc.Transition(ctx, lifecycle.TransitionRequest{
		AnomalyID: a.ID, Action: domain.ActionEscalate, Actor: domain.ActorHuman, Priority: domain.SeverityCritical,
	})
	require.ErrorIs(t, err, domain.ErrPersistence)

	stored, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDetected, stored.Status)
	assert.Equal(t, domain.SeverityMedium, stored.Severity)
	assert.Equal(t, 1, f.store.auditCount())
	assert.Equal(t, 0, f.dispatch.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PersistenceErrors))
}

func TestTransition_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, domain.SeverityLow)

	_, err := f.svc.Transition(ctx, lifecycle.TransitionRequest{AnomalyID: "missing", Action: domain.ActionApprove, Actor: domain.ActorHuman})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.Transition(ctx, lifecycle.TransitionRequest{AnomalyID: a.ID, Action: "resolve", Actor: domain.ActorHuman})
	require.ErrorIs(t, err, domain.ErrInvalidAction)

	_, err = f.svc.Transition(ctx, lifecycle.TransitionRequest{AnomalyID: a.ID, Action: domain.ActionApprove, Actor: "robot"})
	require.ErrorIs(t, err, domain.ErrInvalidAction)

	bad := 1.5
	_, err = f.svc.Transition(ctx, lifecycle.TransitionRequest{
		AnomalyID: a.ID, Action: domain.ActionUpdate, Actor: domain.ActorHuman, Edit: lifecycle.Edit{Confidence: &bad},
	})
	require.ErrorIs(t, err, domain.ErrInvalidAction)
	assert.Equal(t, 1, f.store.auditCount())
}

func TestTransition_ConcurrentSameAnomalyKeepsValidChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, domain.SeverityLow)

	actions := []domain.Action{domain.ActionApprove, domain.ActionReject, domain.ActionEscalate, domain.ActionUpdate}
	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Transition(ctx, lifecycle.TransitionRequest{
				AnomalyID: a.ID, Action: actions[i%len(actions)], Actor: domain.ActorHuman,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	trail, err := f.svc.AuditTrail(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, trail, 41)
	for i := 0; i+1 < len(trail); i++ {
		assert.Empty(t, cmp.Diff(trail[i].CurrentState, *trail[i+1].PreviousState), "chain broken at %d", i)
	}
}

func feedItem(eventID string, payload any) domain.FeedItem {
	raw, _ := json.Marshal(payload)
	return domain.FeedItem{
		Source:     "usgs",
		EventID:    eventID,
		Kind:       domain.KindSeismic,
		Title:      "M6.1 - 12km S of Ridgecrest",
		Location:   &domain.Location{Name: "Ridgecrest", State: "CA"},
		OccurredAt: time.Date(2024, 5, 20, 17, 55, 0, 0, time.UTC),
		Payload:    raw,
	}
}

func TestIngest_DedupIdempotence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := feedItem("ci40789", domain.SeismicPayload{EventID: "ci40789", Magnitude: 6.1})

	first, err := f.svc.Ingest(ctx, item)
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	require.NotNil(t, first.Anomaly)
	assert.Equal(t, "usgs:ci40789", first.Anomaly.DedupKey)
	assert.True(t, first.Anomaly.HasTag("usgs:ci40789"))
	assert.InDelta(t, 0.72, first.Anomaly.Confidence, 1e-9)
	assert.Equal(t, domain.SeverityHigh, first.Anomaly.Severity)
	assert.Equal(t, "feed", first.Anomaly.AIAnalysis.Provenance.Origin)
	auditsAfterFirst := f.store.auditCount()

	second, err := f.svc.Ingest(ctx, item)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Anomaly.ID, second.Anomaly.ID)

	assert.Equal(t, 1, f.store.anomalyCount())
	assert.Equal(t, auditsAfterFirst, f.store.auditCount(), "duplicate writes no audit entry")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DuplicatesSkipped))
	assert.Equal(t, 1, f.dispatch.count())
}

func TestIngest_ConcurrentDuplicatesCreateOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := feedItem("nc7311", domain.SeismicPayload{Magnitude: 3.0})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Ingest(ctx, item)
			if !assert.NoError(t, err) {
				return
			}
			if !res.Duplicate {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 1, f.store.anomalyCount())
	assert.Equal(t, 1, f.store.auditCount())
}

func TestIngest_DeclaredSeverityIsFloor(t *testing.T) {
	f := newFixture(t)
	item := feedItem("ak1", domain.SeismicPayload{Magnitude: 2.5})
	item.Severity = "Critical"

	res, err := f.svc.Ingest(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityCritical, res.Anomaly.Severity)
	assert.Zero(t, res.Anomaly.Confidence)
}

func TestIngest_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unknown := feedItem("ak2", domain.SeismicPayload{Magnitude: 4})
	unknown.Severity = "Severe"
	_, err := f.svc.Ingest(ctx, unknown)
	require.ErrorIs(t, err, domain.ErrUnknownSeverity)

	malformed := feedItem("ak3", domain.SeismicPayload{Magnitude: 12})
	_, err = f.svc.Ingest(ctx, malformed)
	require.ErrorIs(t, err, domain.ErrMalformedPayload)

	_, err = f.svc.Ingest(ctx, domain.FeedItem{Source: "usgs", Kind: domain.KindSeismic})
	require.ErrorIs(t, err, domain.ErrInvalidFeedItem)

	assert.Equal(t, 0, f.store.anomalyCount())
}

type fixedScorer struct{ result domain.ConsensusResult }

func (s fixedScorer) Analyze(context.Context, domain.SignalSet) domain.ConsensusResult {
	return s.result
}

func TestIngest_UsesScorer(t *testing.T) {
	f := newFixture(t, lifecycle.WithScorer(fixedScorer{result: domain.ConsensusResult{
		Consensus: 0.9,
		Severity:  domain.SeverityCritical,
		Agents: []domain.AgentOutput{
			{AgentType: domain.AgentText, Confidence: 0.9, Status: domain.AgentOK, Provider: "primary"},
		},
	}}))

	res, err := f.svc.Ingest(context.Background(), feedItem("ak4", domain.SeismicPayload{Magnitude: 3}))
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityCritical, res.Anomaly.Severity)
	assert.Equal(t, []string{"primary"}, res.Anomaly.AIAnalysis.Provenance.Providers)
	assert.Equal(t, map[string]domain.SignalStatus{"usgs": domain.SignalOK}, res.Anomaly.AIAnalysis.Provenance.SourceStatuses)
}

func TestLinkWorkflow_AuditedWithoutRetrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, domain.SeverityHigh)
	require.Equal(t, 1, f.dispatch.count())

	wf, err := f.svc.LinkWorkflow(ctx, a.ID, "job-42")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowPending, wf.Status)

	stored, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-42", stored.WorkflowID)

	trail, err := f.svc.AuditTrail(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, domain.AuditUpdated, trail[1].Action)
	assert.Equal(t, domain.ActorSystem, trail[1].Actor)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.svc.RecordWorkflowStatus(ctx, wf.ID, domain.WorkflowCompleted))
	wfs, err := f.svc.Workflows(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, wfs, 1)
	assert.Equal(t, domain.WorkflowCompleted, wfs[0].Status)
	assert.Equal(t, f.clock.Now(), wfs[0].UpdatedAt)

	require.ErrorIs(t, f.svc.RecordWorkflowStatus(ctx, "nope", domain.WorkflowFailed), domain.ErrNotFound)
	assert.Equal(t, 1, f.dispatch.count())
}

func TestAlerts_ProjectionAndStatusFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, domain.SeverityMedium)
	high := f.create(t, domain.SeverityHigh)
	crit := f.create(t, domain.SeverityCritical)
	_, err := f.svc.Transition(ctx, lifecycle.TransitionRequest{AnomalyID: crit.ID, Action: domain.ActionApprove, Actor: domain.ActorHuman})
	require.NoError(t, err)

	alerts, total, err := f.svc.Alerts(ctx, lifecycle.AlertFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, alerts, 2)
	assert.Equal(t, high.ID, alerts[0].AnomalyID)
	assert.Equal(t, domain.AlertNew, alerts[0].Status)
	assert.Equal(t, domain.AlertAcknowledged, alerts[1].Status)

	alerts, _, err = f.svc.Alerts(ctx, lifecycle.AlertFilter{Statuses: []domain.AlertStatus{domain.AlertAcknowledged}})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, crit.ID, alerts[0].AnomalyID)

	_, _, err = f.svc.Alerts(ctx, lifecycle.AlertFilter{Statuses: []domain.AlertStatus{"snoozed"}})
	require.ErrorIs(t, err, domain.ErrInvalidAction)
}

func TestSeedStats(t *testing.T) {
	f := newFixture(t)
	f.create(t, domain.SeverityHigh)
	f.create(t, domain.SeverityLow)

	stats := observability.NewStats()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := lifecycle.NewService(f.store, domain.DefaultPolicy(), f.clock, logger, f.metrics, lifecycle.WithStats(stats))
	require.NoError(t, svc.SeedStats(context.Background()))

	snap := stats.Snapshot()
	assert.Equal(t, int64(2), snap.Anomalies)
	assert.Equal(t, int64(2), snap.ByStatus[domain.StatusDetected])
	assert.Equal(t, int64(1), snap.BySeverity[domain.SeverityHigh])
}
