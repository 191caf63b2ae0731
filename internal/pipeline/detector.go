package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
	"github.com/couchcryptid/storm-anomaly-service/internal/lifecycle"
	"github.com/couchcryptid/storm-anomaly-service/internal/swarm"
)

// SignalAggregator gathers one signal set for a location and query.
type SignalAggregator interface {
	Aggregate(ctx context.Context, loc domain.Location, query string) domain.SignalSet
}

// Scorer scores signal sets and cross-verifies uploads.
type Scorer interface {
	Analyze(ctx context.Context, set domain.SignalSet) domain.ConsensusResult
	CrossVerify(ctx context.Context, m swarm.ModalityAnalyzer, uploads []swarm.Upload) swarm.CrossVerification
}

// Creator persists new anomalies.
type Creator interface {
	Create(ctx context.Context, in lifecycle.NewAnomaly) (*domain.Anomaly, error)
}

// Detection is the outcome of one detection round. Anomaly is nil when the
// consensus stayed below the detection threshold.
type Detection struct {
	Signals domain.SignalSet       `json:"signals"`
	Result  domain.ConsensusResult `json:"result"`
	Anomaly *domain.Anomaly        `json:"anomaly,omitempty"`
}

// UploadDetection is the outcome of cross-verifying uploaded evidence.
// Anomaly is nil when the uploads were judged fake or scored too low.
type UploadDetection struct {
	Verification swarm.CrossVerification `json:"verification"`
	Anomaly      *domain.Anomaly         `json:"anomaly,omitempty"`
}

// Detector runs aggregate, analyze and persist for one location.
type Detector struct {
	aggregator SignalAggregator
	scorer     Scorer
	creator    Creator
	policy     domain.Policy
	logger     *slog.Logger
}

// NewDetector creates a Detector.
func NewDetector(agg SignalAggregator, scorer Scorer, creator Creator, policy domain.Policy, logger *slog.Logger) *Detector {
	return &Detector{
		aggregator: agg,
		scorer:     scorer,
		creator:    creator,
		policy:     policy,
		logger:     logger,
	}
}

// Detect aggregates signals for loc, scores them and creates an anomaly when
// the consensus reaches the detection threshold. Source failures only
// degrade the result; persistence failures are returned.
func (d *Detector) Detect(ctx context.Context, loc domain.Location, query string) (Detection, error) {
	set := d.aggregator.Aggregate(ctx, loc, query)
	result := d.scorer.Analyze(ctx, set)
	det := Detection{Signals: set, Result: result}

	if result.Consensus < d.policy.DetectionThreshold {
		d.logger.Debug("consensus below detection threshold",
			"location", set.Location.Name,
			"consensus", result.Consensus,
			"threshold", d.policy.DetectionThreshold,
		)
		return det, nil
	}

	var (
		tags    []string
		sources []string
		notes   []string
	)
	for _, s := range set.Successful() {
		tags = append(tags, string(s.Kind))
		sources = append(sources, s.SourceID)
		if s.Reading.Summary != "" {
			notes = append(notes, s.Reading.Summary)
		}
	}

	var location *domain.Location
	if set.Location.Name != "" || set.Location.HasCoords() {
		l := set.Location
		location = &l
	}

	a, err := d.creator.Create(ctx, lifecycle.NewAnomaly{
		Title:       detectionTitle(result.Severity, set),
		Description: strings.Join(notes, "; "),
		Location:    location,
		Analysis: domain.AIAnalysis{
			Result: result,
			Provenance: domain.Provenance{
				Origin:         "detector",
				Providers:      lifecycle.Providers(result.Agents),
				SourceStatuses: set.Statuses(),
				AnalyzedAt:     set.CollectedAt,
			},
		},
		Tags:       tags,
		SourceAPIs: sources,
		Actor:      domain.ActorSystem,
		Reasoning:  fmt.Sprintf("consensus %.2f across %d agents", result.Consensus, len(result.Agents)),
	})
	if err != nil {
		return det, fmt.Errorf("detect %s: %w", set.Location.Name, err)
	}
	det.Anomaly = a
	return det, nil
}

// DetectUploads cross-verifies uploaded evidence and creates an anomaly from
// it unless the analyses disagree enough to be judged fake.
func (d *Detector) DetectUploads(ctx context.Context, title string, loc *domain.Location, m swarm.ModalityAnalyzer, uploads []swarm.Upload) (UploadDetection, error) {
	cv := d.scorer.CrossVerify(ctx, m, uploads)
	out := UploadDetection{Verification: cv}

	if cv.IsFake {
		d.logger.Warn("uploads judged fake, not persisting", "title", title, "spread", cv.Spread)
		return out, nil
	}
	if cv.Consensus < d.policy.DetectionThreshold {
		return out, nil
	}

	names := make([]string, 0, len(uploads))
	for _, u := range uploads {
		names = append(names, u.Name)
	}
	tags := []string{"upload"}
	for _, mod := range domain.Modalities(cv.Agents) {
		if !slices.Contains(tags, string(mod)) {
			tags = append(tags, string(mod))
		}
	}

	a, err := d.creator.Create(ctx, lifecycle.NewAnomaly{
		Title:       title,
		Description: "Evidence: " + strings.Join(names, ", "),
		Location:    loc,
		Analysis: domain.AIAnalysis{
			Result: cv.ConsensusResult,
			Provenance: domain.Provenance{
				Origin:     "upload",
				Providers:  lifecycle.Providers(cv.Agents),
				AnalyzedAt: domain.Now(),
			},
		},
		Tags:      tags,
		Actor:     domain.ActorHuman,
		Reasoning: fmt.Sprintf("cross-verified %d uploads, spread %.2f", len(uploads), cv.Spread),
	})
	if err != nil {
		return out, fmt.Errorf("detect uploads: %w", err)
	}
	out.Anomaly = a
	return out, nil
}

func detectionTitle(sev domain.Severity, set domain.SignalSet) string {
	place := set.Location.Name
	if place == "" {
		place = fmt.Sprintf("%.3f,%.3f", set.Location.Lat, set.Location.Lon)
	}
	if set.Query != "" {
		return fmt.Sprintf("%s %s anomaly near %s", sev.Display(), set.Query, place)
	}
	return fmt.Sprintf("%s anomaly near %s", sev.Display(), place)
}
