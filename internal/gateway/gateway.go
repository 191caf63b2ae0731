// Package gateway routes AI analysis tasks to an ordered list of providers,
// skipping providers whose rate-limit window is exhausted and failing over on
// provider errors.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
	"github.com/couchcryptid/storm-anomaly-service/internal/observability"
)

// Completion is the raw answer of one provider call.
type Completion struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Provider is one AI backend.
type Provider interface {
	ID() string
	Call(ctx context.Context, task domain.Task) (Completion, error)
}

// Registration binds a provider to its request budget.
type Registration struct {
	Provider Provider
	Limit    int
	Window   time.Duration
}

type route struct {
	provider Provider
	limiter  *RateLimiter
}

// Gateway invokes providers in registration order.
type Gateway struct {
	routes  []route
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New builds a Gateway. Registration order is failover priority.
func New(regs []Registration, timeout time.Duration, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Gateway {
	routes := make([]route, 0, len(regs))
	for _, r := range regs {
		routes = append(routes, route{
			provider: r.Provider,
			limiter:  NewRateLimiter(r.Limit, r.Window, clock),
		})
	}
	return &Gateway{
		routes:  routes,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
	}
}

// Invoke runs task on the first provider with budget left. An exhausted
// provider is skipped without being called. A failed call moves on to the
// next provider; every attempt counts against its provider's budget.
//
// It returns domain.ErrRateLimited when no provider had budget, or the last
// provider error when every attempted provider failed.
func (g *Gateway) Invoke(ctx context.Context, task domain.Task) (domain.AgentOutput, error) {
	var lastErr error
	for _, r := range g.routes {
		id := r.provider.ID()
		if !r.limiter.Allow() {
			g.metrics.RateLimitRejects.WithLabelValues(id).Inc()
			g.logger.Debug("provider rate limited, failing over", "provider", id)
			continue
		}

		out, err := g.call(ctx, r.provider, task)
		if err == nil {
			g.metrics.ProviderCalls.WithLabelValues(id, "success").Inc()
			return out, nil
		}

		g.metrics.ProviderCalls.WithLabelValues(id, "error").Inc()
		g.logger.Warn("provider call failed", "provider", id, "agent", task.Agent, "error", err)
		lastErr = err
	}

	if lastErr != nil {
		return domain.AgentOutput{}, lastErr
	}
	g.metrics.GatewayExhaustions.Inc()
	return domain.AgentOutput{}, domain.ErrRateLimited
}

// States returns the rate-limit window of every provider keyed by id.
func (g *Gateway) States() map[string]RateLimitState {
	out := make(map[string]RateLimitState, len(g.routes))
	for _, r := range g.routes {
		out[r.provider.ID()] = r.limiter.State()
	}
	return out
}

func (g *Gateway) call(ctx context.Context, p Provider, task domain.Task) (domain.AgentOutput, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	c, err := p.Call(callCtx, task)
	g.metrics.ProviderDuration.WithLabelValues(p.ID()).Observe(time.Since(start).Seconds())
	if err != nil {
		return domain.AgentOutput{}, &domain.ProviderError{Provider: p.ID(), Err: err}
	}
	if math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
		return domain.AgentOutput{}, &domain.ProviderError{
			Provider: p.ID(),
			Err:      fmt.Errorf("%w: confidence %v out of range", errMalformedResponse, c.Confidence),
		}
	}
	return domain.AgentOutput{
		AgentType:  task.Agent,
		Confidence: c.Confidence,
		Output:     c.Text,
		Status:     domain.AgentOK,
		Provider:   p.ID(),
	}, nil
}

var errMalformedResponse = errors.New("malformed provider response")
