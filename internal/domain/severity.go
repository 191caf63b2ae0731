package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Severity is the canonical, lowercase severity encoding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// ParseSeverity converts external spellings ("Critical", " HIGH ") into the
// canonical form. Unknown values are rejected.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severityRank[sev]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSeverity, s)
	}
	return sev, nil
}

// Valid reports whether s is one of the canonical severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank orders severities from low (0) to critical (3). Unknown values rank -1.
func (s Severity) Rank() int {
	r, ok := severityRank[s]
	if !ok {
		return -1
	}
	return r
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Valid() && s.Rank() >= other.Rank()
}

// Display returns the capitalized form used by presentation layers.
func (s Severity) Display() string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

// SeverityThresholds are the lower, inclusive edges of each band above low.
type SeverityThresholds struct {
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// Policy holds every scoring constant. It is built once from configuration
// and passed to the components that need it.
type Policy struct {
	Thresholds SeverityThresholds `yaml:"thresholds"`
	// FakeSpread is the confidence spread above which independent analyses
	// are considered to disagree.
	FakeSpread float64 `yaml:"fake_spread"`
	// DetectionThreshold is the minimum consensus for the detector to persist an anomaly.
	DetectionThreshold float64 `yaml:"detection_threshold"`
	// WorkflowSeverity is the minimum severity that triggers downstream workflows.
	WorkflowSeverity Severity `yaml:"workflow_severity"`
	// CorroborationLevel is the reading intensity at which a source counts as
	// corroborating an event.
	CorroborationLevel float64 `yaml:"corroboration_level"`
}

// DefaultPolicy returns the standard scoring policy.
func DefaultPolicy() Policy {
	return Policy{
		Thresholds: SeverityThresholds{
			Medium:   0.5,
			High:     0.7,
			Critical: 0.85,
		},
		FakeSpread:         0.4,
		DetectionThreshold: 0.5,
		WorkflowSeverity:   SeverityHigh,
		CorroborationLevel: 0.5,
	}
}

// Validate checks that thresholds are ascending and within (0,1].
func (p Policy) Validate() error {
	t := p.Thresholds
	if t.Medium <= 0 || t.Critical > 1 || t.Medium >= t.High || t.High >= t.Critical {
		return fmt.Errorf("severity thresholds must be ascending in (0,1]: medium=%g high=%g critical=%g",
			t.Medium, t.High, t.Critical)
	}
	if p.FakeSpread <= 0 || p.FakeSpread > 1 {
		return errors.New("fake spread must be in (0,1]")
	}
	if p.DetectionThreshold < 0 || p.DetectionThreshold > 1 {
		return errors.New("detection threshold must be in [0,1]")
	}
	if p.CorroborationLevel < 0 || p.CorroborationLevel > 1 {
		return errors.New("corroboration level must be in [0,1]")
	}
	if !p.WorkflowSeverity.Valid() {
		return fmt.Errorf("%w: workflow severity %q", ErrUnknownSeverity, p.WorkflowSeverity)
	}
	return nil
}

// SeverityFor maps a consensus score onto the threshold ladder.
func (p Policy) SeverityFor(consensus float64) Severity {
	t := p.Thresholds
	switch {
	case consensus >= t.Critical:
		return SeverityCritical
	case consensus >= t.High:
		return SeverityHigh
	case consensus >= t.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// TriggersWorkflow reports whether an anomaly of severity s should be sent
// to the workflow service.
func (p Policy) TriggersWorkflow(s Severity) bool {
	return s.AtLeast(p.WorkflowSeverity)
}
