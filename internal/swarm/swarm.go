// Package swarm scores a SignalSet with one agent per applicable modality and
// combines the agent outputs into a consensus.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

// Invoker runs a task on a remote AI provider.
type Invoker interface {
	Invoke(ctx context.Context, task domain.Task) (domain.AgentOutput, error)
}

// Analyzer is the agent swarm. A nil invoker keeps every agent local.
type Analyzer struct {
	policy  domain.Policy
	invoker Invoker
	logger  *slog.Logger
}

// New creates an Analyzer.
func New(policy domain.Policy, invoker Invoker, logger *slog.Logger) *Analyzer {
	return &Analyzer{policy: policy, invoker: invoker, logger: logger}
}

// Policy returns the scoring policy in use.
func (a *Analyzer) Policy() domain.Policy {
	return a.policy
}

// Analyze runs every agent whose modality is present in set and computes the
// consensus. Agents run in a fixed order so identical inputs give identical
// outputs.
func (a *Analyzer) Analyze(ctx context.Context, set domain.SignalSet) domain.ConsensusResult {
	ok := set.Successful()
	var agents []domain.AgentOutput

	if out, applies := sensorAgent(ok); applies {
		agents = append(agents, out)
	}
	if out, applies := a.textAgent(ctx, set, ok); applies {
		agents = append(agents, out)
	}
	if out, applies := verificationAgent(ok, a.policy.CorroborationLevel); applies {
		agents = append(agents, out)
	}
	if out, applies := forecastingAgent(ok); applies {
		agents = append(agents, out)
	}

	return domain.ComputeConsensus(agents, a.policy)
}

var sensorKinds = map[domain.SourceKind]bool{
	domain.KindWeather:    true,
	domain.KindSeismic:    true,
	domain.KindTraffic:    true,
	domain.KindAirQuality: true,
}

func sensorAgent(signals []domain.Signal) (domain.AgentOutput, bool) {
	var (
		sum     float64
		n       int
		summary []string
	)
	for _, s := range signals {
		if !sensorKinds[s.Kind] {
			continue
		}
		sum += s.Reading.Intensity
		n++
		summary = append(summary, fmt.Sprintf("%s: %s", s.SourceID, s.Reading.Summary))
	}
	if n == 0 {
		return domain.AgentOutput{}, false
	}
	return domain.AgentOutput{
		AgentType:  domain.AgentSensor,
		Confidence: sum / float64(n),
		Output:     strings.Join(summary, "; "),
		Status:     domain.AgentOK,
	}, true
}

// textAgent scores news and disaster text. With an invoker the text goes to a
// remote provider; provider failures become an error output rather than
// failing the analysis.
func (a *Analyzer) textAgent(ctx context.Context, set domain.SignalSet, signals []domain.Signal) (domain.AgentOutput, bool) {
	var (
		lines []string
		sum   float64
		n     int
	)
	for _, s := range signals {
		if s.Kind != domain.KindNews && s.Kind != domain.KindDisaster {
			continue
		}
		lines = append(lines, s.Reading.Text...)
		sum += s.Reading.Intensity
		n++
	}
	if n == 0 {
		return domain.AgentOutput{}, false
	}

	if a.invoker == nil {
		return domain.AgentOutput{
			AgentType:  domain.AgentText,
			Confidence: sum / float64(n),
			Output:     fmt.Sprintf("%d text reports", len(lines)),
			Status:     domain.AgentOK,
		}, true
	}

	out, err := a.invoker.Invoke(ctx, domain.Task{
		Agent:  domain.AgentText,
		Prompt: textPrompt(set, lines),
	})
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, domain.ErrRateLimited) {
			level = slog.LevelInfo
		}
		a.logger.Log(ctx, level, "text agent degraded", "location", set.Location.Name, "error", err)
		return domain.FailedAgent(domain.AgentText, err), true
	}
	out.AgentType = domain.AgentText
	return out, true
}

func textPrompt(set domain.SignalSet, lines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rate from 0 to 1 how strongly these reports indicate an ongoing hazard near %s", set.Location.Name)
	if set.Location.State != "" {
		fmt.Fprintf(&b, ", %s", set.Location.State)
	}
	if set.Query != "" {
		fmt.Fprintf(&b, " related to %q", set.Query)
	}
	b.WriteString(".\n")
	for _, l := range lines {
		b.WriteString("- ")
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String()
}

// verificationAgent measures how many independent sources agree that something
// is happening. It needs at least two successful sources.
func verificationAgent(signals []domain.Signal, level float64) (domain.AgentOutput, bool) {
	if len(signals) < 2 {
		return domain.AgentOutput{}, false
	}
	agree := 0
	for _, s := range signals {
		if s.Reading.Intensity >= level {
			agree++
		}
	}
	return domain.AgentOutput{
		AgentType:  domain.AgentVerification,
		Confidence: float64(agree) / float64(len(signals)),
		Output:     fmt.Sprintf("%d of %d sources corroborate", agree, len(signals)),
		Status:     domain.AgentOK,
	}, true
}

// forecastingAgent projects the worst current weather or disaster reading
// forward. Active weather alerts count as a forecast on their own.
func forecastingAgent(signals []domain.Signal) (domain.AgentOutput, bool) {
	worst := math.Inf(-1)
	var basis string
	for _, s := range signals {
		if s.Kind != domain.KindWeather && s.Kind != domain.KindDisaster {
			continue
		}
		if s.Reading.Intensity > worst {
			worst = s.Reading.Intensity
			basis = s.SourceID
		}
	}
	if math.IsInf(worst, -1) {
		return domain.AgentOutput{}, false
	}
	return domain.AgentOutput{
		AgentType:  domain.AgentForecasting,
		Confidence: worst,
		Output:     "worst projected reading from " + basis,
		Status:     domain.AgentOK,
	}, true
}
