package observability

import (
	"sync"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

// StatsSnapshot is a point-in-time copy of the running totals.
type StatsSnapshot struct {
	Anomalies         int64                     `json:"anomalies"`
	ByStatus          map[domain.Status]int64   `json:"by_status"`
	BySeverity        map[domain.Severity]int64 `json:"by_severity"`
	AggregationRounds int64                     `json:"aggregation_rounds"`
	SourceFailures    int64                     `json:"source_failures"`
	DuplicatesSkipped int64                     `json:"duplicates_skipped"`
}

// Stats owns the running anomaly and aggregation totals. It is created once
// and passed to the components that update it.
type Stats struct {
	mu   sync.Mutex
	snap StatsSnapshot
}

// NewStats returns an empty Stats.
func NewStats() *Stats {
	return &Stats{snap: StatsSnapshot{
		ByStatus:   make(map[domain.Status]int64),
		BySeverity: make(map[domain.Severity]int64),
	}}
}

// Seed replaces the anomaly totals with counts read from storage.
func (s *Stats) Seed(byStatus map[domain.Status]int64, bySeverity map[domain.Severity]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.ByStatus = make(map[domain.Status]int64, len(byStatus))
	s.snap.Anomalies = 0
	for k, v := range byStatus {
		s.snap.ByStatus[k] = v
		s.snap.Anomalies += v
	}
	s.snap.BySeverity = make(map[domain.Severity]int64, len(bySeverity))
	for k, v := range bySeverity {
		s.snap.BySeverity[k] = v
	}
}

// RecordTransition moves one anomaly between buckets. prev is nil on creation.
func (s *Stats) RecordTransition(prev *domain.AnomalyState, cur domain.AnomalyState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev == nil {
		s.snap.Anomalies++
	} else {
		s.snap.ByStatus[prev.Status]--
		s.snap.BySeverity[prev.Severity]--
	}
	s.snap.ByStatus[cur.Status]++
	s.snap.BySeverity[cur.Severity]++
}

// RecordAggregation counts one aggregation round and its failed sources.
func (s *Stats) RecordAggregation(failedSources int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.AggregationRounds++
	s.snap.SourceFailures += int64(failedSources)
}

// RecordDuplicate counts one skipped feed item.
func (s *Stats) RecordDuplicate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.DuplicatesSkipped++
}

// Snapshot returns a copy of the current totals.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.snap
	out.ByStatus = make(map[domain.Status]int64, len(s.snap.ByStatus))
	for k, v := range s.snap.ByStatus {
		if v != 0 {
			out.ByStatus[k] = v
		}
	}
	out.BySeverity = make(map[domain.Severity]int64, len(s.snap.BySeverity))
	for k, v := range s.snap.BySeverity {
		if v != 0 {
			out.BySeverity[k] = v
		}
	}
	return out
}
