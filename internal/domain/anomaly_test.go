package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMappingTable_RoundTrips(t *testing.T) {
	for _, s := range []Status{StatusDetected, StatusApproved, StatusRejected, StatusEscalated} {
		alert, ok := AlertStatusFor(s)
		require.True(t, ok, s)
		back, ok := AnomalyStatusFor(alert)
		require.True(t, ok, alert)
		assert.Equal(t, s, back)
	}

	alert, _ := AlertStatusFor(StatusDetected)
	assert.Equal(t, AlertNew, alert)
	alert, _ = AlertStatusFor(StatusApproved)
	assert.Equal(t, AlertAcknowledged, alert)
	alert, _ = AlertStatusFor(StatusRejected)
	assert.Equal(t, AlertResolved, alert)

	_, ok := AnomalyStatusFor("snoozed")
	assert.False(t, ok)
}

func TestAlertFromAnomaly(t *testing.T) {
	a := &Anomaly{ID: "a-1", Title: "Quake", Severity: SeverityCritical, Status: StatusApproved, Confidence: 0.9}
	alert, ok := AlertFromAnomaly(a)
	require.True(t, ok)
	assert.Equal(t, AlertAcknowledged, alert.Status)
	assert.Equal(t, "a-1", alert.AnomalyID)

	_, ok = AlertFromAnomaly(&Anomaly{Severity: SeverityMedium, Status: StatusDetected})
	assert.False(t, ok)
}

func TestDiffStates(t *testing.T) {
	prev := AnomalyState{Status: StatusDetected, Severity: SeverityMedium, Confidence: 0.6, Tags: []string{"a"}}
	cur := AnomalyState{Status: StatusEscalated, Severity: SeverityCritical, Confidence: 0.6, Tags: []string{"a", "b"}}

	want := []FieldChange{
		{Field: "status", From: "detected", To: "escalated"},
		{Field: "severity", From: "medium", To: "critical"},
		{Field: "tags", From: "a", To: "a,b"},
	}
	if diff := cmp.Diff(want, DiffStates(prev, cur)); diff != "" {
		t.Fatalf("changes mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, DiffStates(prev, prev))
}

func TestAnomaly_CloneIsDeep(t *testing.T) {
	a := &Anomaly{ID: "a-1", Tags: []string{"x"}, Location: &Location{Name: "Austin"}}
	c := a.Clone()
	c.Tags[0] = "y"
	c.Location.Name = "Dallas"

	assert.Equal(t, "x", a.Tags[0])
	assert.Equal(t, "Austin", a.Location.Name)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("Escalate")
	require.NoError(t, err)
	assert.Equal(t, ActionEscalate, a)
	assert.Equal(t, AuditEscalated, a.Audited())

	_, err = ParseAction("delete")
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestParseFeedItem(t *testing.T) {
	ts := time.Date(2024, 4, 26, 0, 0, 0, 0, time.UTC)
	data, err := json.Marshal(map[string]any{
		"source":   " USGS ",
		"event_id": "us7000abcd",
		"kind":     "seismic",
		"title":    "M6.1 - 20 km SW of Ridgecrest",
		"payload":  map[string]any{"magnitude": 6.1},
	})
	require.NoError(t, err)

	item, err := ParseFeedItem(RawEvent{Value: data, Timestamp: ts})
	require.NoError(t, err)
	assert.Equal(t, "usgs:us7000abcd", item.DedupKey())
	assert.Equal(t, ts, item.OccurredAt)

	_, err = ParseFeedItem(RawEvent{Value: []byte(`{"source":"usgs","kind":"seismic"}`)})
	assert.ErrorIs(t, err, ErrInvalidFeedItem)

	_, err = ParseFeedItem(RawEvent{Value: []byte(`not json`)})
	assert.Error(t, err)
}
