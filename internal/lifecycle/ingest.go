package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

// IngestResult is the outcome of ingesting one feed item. A duplicate is a
// normal outcome, not an error: Anomaly is then the already-stored record
// when it could be loaded, and Published tells whether it was already
// written downstream.
type IngestResult struct {
	Anomaly   *domain.Anomaly
	Duplicate bool
	Published bool
}

// Ingest creates at most one anomaly per feed dedup key. A second item with
// the same key is skipped without any write.
func (s *Service) Ingest(ctx context.Context, item domain.FeedItem) (IngestResult, error) {
	if err := item.Validate(); err != nil {
		return IngestResult{}, err
	}
	key := item.DedupKey()

	unlock := s.locks.Lock("dedup:" + key)
	defer unlock()

	existing, err := s.store.FindAnomalyByDedupKey(ctx, key)
	switch {
	case err == nil:
		published, err := s.store.IsPublished(ctx, existing.ID)
		if err != nil {
			return IngestResult{}, s.storeErr("check published", err)
		}
		res := s.duplicate(key, existing)
		res.Published = published
		return res, nil
	case !errors.Is(err, domain.ErrNotFound):
		return IngestResult{}, s.storeErr("check dedup key", err)
	}

	analysis, err := s.scoreFeedItem(ctx, item)
	if err != nil {
		return IngestResult{}, fmt.Errorf("score feed item %s: %w", key, err)
	}

	title := item.Title
	if title == "" {
		title = fmt.Sprintf("%s event %s", item.Kind, item.EventID)
	}
	a, err := s.Create(ctx, NewAnomaly{
		Title:       title,
		Description: item.Description,
		Location:    item.Location,
		Analysis:    analysis,
		Tags:        []string{key, string(item.Kind)},
		SourceAPIs:  []string{item.Source},
		DedupKey:    key,
		Actor:       domain.ActorSystem,
		Reasoning:   "ingested from feed " + item.Source,
	})
	if errors.Is(err, domain.ErrDuplicateEvent) {
		// Another process stored the key between the lookup and the insert.
		return s.duplicate(key, nil), nil
	}
	if err != nil {
		return IngestResult{}, err
	}
	return IngestResult{Anomaly: a}, nil
}

// MarkPublished records that anomalies were written downstream, so a
// redelivered feed item for one of them is not published again.
func (s *Service) MarkPublished(ctx context.Context, anomalies []*domain.Anomaly) error {
	ids := make([]string, 0, len(anomalies))
	for _, a := range anomalies {
		ids = append(ids, a.ID)
	}
	if err := s.store.MarkPublished(ctx, ids, s.clock.Now().UTC()); err != nil {
		return s.storeErr("mark published", err)
	}
	return nil
}

func (s *Service) duplicate(key string, existing *domain.Anomaly) IngestResult {
	s.metrics.DuplicatesSkipped.Inc()
	if s.stats != nil {
		s.stats.RecordDuplicate()
	}
	s.logger.Debug("duplicate feed item skipped", "dedup_key", key)
	return IngestResult{Anomaly: existing, Duplicate: true}
}

// scoreFeedItem turns the item into a one-signal set and scores it. A
// severity declared by the feed acts as a floor on the computed severity.
func (s *Service) scoreFeedItem(ctx context.Context, item domain.FeedItem) (domain.AIAnalysis, error) {
	now := s.clock.Now().UTC()
	sig := domain.Signal{
		SourceID:  item.Source,
		Kind:      item.Kind,
		Location:  item.Location,
		Timestamp: item.OccurredAt,
		Status:    domain.SignalOK,
		Reading:   domain.Reading{EventID: item.EventID, ObservedAt: item.OccurredAt},
	}
	if len(item.Payload) > 0 {
		p, err := domain.DecodePayload(item.Kind, item.Payload)
		if err != nil {
			return domain.AIAnalysis{}, err
		}
		reading, err := domain.Normalize(p)
		if err != nil {
			return domain.AIAnalysis{}, err
		}
		if reading.EventID == "" {
			reading.EventID = item.EventID
		}
		if reading.ObservedAt.IsZero() {
			reading.ObservedAt = item.OccurredAt
		}
		sig.Reading = reading
	}

	set := domain.SignalSet{
		Query:       item.Title,
		Signals:     []domain.Signal{sig},
		CollectedAt: now,
	}
	if item.Location != nil {
		set.Location = *item.Location
	}

	var result domain.ConsensusResult
	if s.scorer != nil {
		result = s.scorer.Analyze(ctx, set)
	} else {
		result = domain.ComputeConsensus([]domain.AgentOutput{{
			AgentType:  domain.AgentSensor,
			Confidence: sig.Reading.Intensity,
			Output:     sig.Reading.Summary,
			Status:     domain.AgentOK,
		}}, s.policy)
	}

	if item.Severity != "" {
		declared, err := domain.ParseSeverity(item.Severity)
		if err != nil {
			return domain.AIAnalysis{}, err
		}
		if declared.Rank() > result.Severity.Rank() {
			result.Severity = declared
		}
	}

	return domain.AIAnalysis{
		Result: result,
		Provenance: domain.Provenance{
			Origin:         "feed",
			Providers:      Providers(result.Agents),
			SourceStatuses: set.Statuses(),
			AnalyzedAt:     now,
		},
	}, nil
}

// Providers lists the distinct AI providers that produced agent outputs.
func Providers(agents []domain.AgentOutput) []string {
	var out []string
	for _, a := range agents {
		if a.Provider != "" && !slices.Contains(out, a.Provider) {
			out = append(out, a.Provider)
		}
	}
	return out
}
