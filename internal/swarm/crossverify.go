package swarm

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

// Upload is one user-submitted file for content analysis.
type Upload struct {
	Name        string
	ContentType string
	Modality    domain.AgentType
	Content     []byte
}

// ModalityResult is the output of an external content analyzer.
type ModalityResult struct {
	Confidence float64
	Summary    string
}

// ModalityAnalyzer analyzes one file's content.
type ModalityAnalyzer interface {
	Analyze(ctx context.Context, u Upload) (ModalityResult, error)
}

// CrossVerification is the consensus over several uploads plus whether the
// analyses disagree enough to treat the submission as fake.
type CrossVerification struct {
	domain.ConsensusResult
	Spread float64 `json:"spread"`
	IsFake bool    `json:"is_fake"`
}

// CrossVerify analyzes every upload concurrently and compares the results.
// Analyzer failures become error outputs and are excluded from the consensus.
func (a *Analyzer) CrossVerify(ctx context.Context, m ModalityAnalyzer, uploads []Upload) CrossVerification {
	agents := make([]domain.AgentOutput, len(uploads))
	var g errgroup.Group
	for i, u := range uploads {
		g.Go(func() error {
			res, err := m.Analyze(ctx, u)
			if err != nil {
				a.logger.Warn("upload analysis failed", "upload", u.Name, "error", err)
				agents[i] = domain.FailedAgent(u.Modality, fmt.Errorf("analyze %s: %w", u.Name, err))
				return nil
			}
			agents[i] = domain.AgentOutput{
				AgentType:  u.Modality,
				Confidence: res.Confidence,
				Output:     res.Summary,
				Status:     domain.AgentOK,
			}
			return nil
		})
	}
	_ = g.Wait()

	spread := domain.ConfidenceSpread(agents)
	return CrossVerification{
		ConsensusResult: domain.ComputeConsensus(agents, a.policy),
		Spread:          spread,
		IsFake:          spread > a.policy.FakeSpread,
	}
}

const maxInlineContent = 4000

// RemoteModality analyzes uploads through an AI provider. Text content is
// sent inline; other content is described by name, type and size.
type RemoteModality struct {
	invoker Invoker
}

// NewRemoteModality creates a ModalityAnalyzer backed by invoker.
func NewRemoteModality(invoker Invoker) *RemoteModality {
	return &RemoteModality{invoker: invoker}
}

func (r *RemoteModality) Analyze(ctx context.Context, u Upload) (ModalityResult, error) {
	out, err := r.invoker.Invoke(ctx, domain.Task{Agent: u.Modality, Prompt: uploadPrompt(u)})
	if err != nil {
		return ModalityResult{}, err
	}
	return ModalityResult{Confidence: out.Confidence, Summary: out.Output}, nil
}

func uploadPrompt(u Upload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rate from 0 to 1 how likely this %s evidence %q shows a genuine ongoing hazard.\n", u.Modality, u.Name)
	if u.Modality == domain.AgentText || strings.HasPrefix(u.ContentType, "text/") {
		content := u.Content
		if len(content) > maxInlineContent {
			content = content[:maxInlineContent]
		}
		b.Write(content)
		b.WriteString("\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Content type %s, %d bytes.\n", u.ContentType, len(u.Content))
	return b.String()
}
