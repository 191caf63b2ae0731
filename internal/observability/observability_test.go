package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

func TestNewLogger_JSONLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")

	logger.Info("dropped")
	logger.Warn("kept", "source", "usgs")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "usgs", line["source"])
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "debug", "text").Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestMetricsWith_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)
	m.Transitions.WithLabelValues("created").Inc()

	n, err := testutil.GatherAndCount(reg, "storm_anomaly_anomaly_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NotPanics(t, func() { NewMetricsWith(prometheus.NewRegistry()) })
}

func TestMetricsForTesting_Independent(t *testing.T) {
	a := NewMetricsForTesting()
	b := NewMetricsForTesting()

	a.SourceFetches.WithLabelValues("usgs", "ok").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.SourceFetches.WithLabelValues("usgs", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SourceFetches.WithLabelValues("usgs", "ok")))
}

func TestStats_RecordTransition(t *testing.T) {
	s := NewStats()

	created := domain.AnomalyState{Status: domain.StatusDetected, Severity: domain.SeverityMedium}
	s.RecordTransition(nil, created)
	escalated := domain.AnomalyState{Status: domain.StatusEscalated, Severity: domain.SeverityCritical}
	s.RecordTransition(&created, escalated)
	s.RecordAggregation(2)
	s.RecordDuplicate()

	snap := s.Snapshot()
	assert.Equal(t, int64(1), snap.Anomalies)
	assert.Equal(t, map[domain.Status]int64{domain.StatusEscalated: 1}, snap.ByStatus)
	assert.Equal(t, map[domain.Severity]int64{domain.SeverityCritical: 1}, snap.BySeverity)
	assert.Equal(t, int64(1), snap.AggregationRounds)
	assert.Equal(t, int64(2), snap.SourceFailures)
	assert.Equal(t, int64(1), snap.DuplicatesSkipped)
}

func TestStats_Seed(t *testing.T) {
	s := NewStats()
	s.Seed(
		map[domain.Status]int64{domain.StatusDetected: 3, domain.StatusApproved: 2},
		map[domain.Severity]int64{domain.SeverityHigh: 5},
	)

	snap := s.Snapshot()
	assert.Equal(t, int64(5), snap.Anomalies)
	assert.Equal(t, int64(3), snap.ByStatus[domain.StatusDetected])

	snap.ByStatus[domain.StatusDetected] = 99
	assert.Equal(t, int64(3), s.Snapshot().ByStatus[domain.StatusDetected], "snapshot is a copy")
}
