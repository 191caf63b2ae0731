// Package feeds implements source connectors over HTTP JSON endpoints, one
// per source kind, plus a caching decorator.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

const maxBodyBytes = 1 << 20

// HTTPConnector fetches one kind of payload from a JSON endpoint. Requests
// are paced client-side so a busy aggregator cannot exceed the source's quota.
type HTTPConnector struct {
	id         string
	kind       domain.SourceKind
	endpoint   string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewHTTPConnector creates a connector that allows ratePerSecond requests
// with a burst of one.
func NewHTTPConnector(id string, kind domain.SourceKind, endpoint, apiKey string, ratePerSecond float64, logger *slog.Logger) *HTTPConnector {
	return &HTTPConnector{
		id:         id,
		kind:       kind,
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		logger:     logger,
	}
}

func (c *HTTPConnector) ID() string              { return c.id }
func (c *HTTPConnector) Kind() domain.SourceKind { return c.kind }

// Fetch requests the payload for q. The deadline comes from ctx.
func (c *HTTPConnector) Fetch(ctx context.Context, q domain.Query) (domain.Payload, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, c.fail(domain.ReasonTimeout, fmt.Errorf("wait for rate limiter: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(q), nil)
	if err != nil {
		return nil, c.fail(domain.ReasonUnavailable, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, c.fail(domain.ReasonTimeout, err)
		}
		return nil, c.fail(domain.ReasonUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, c.fail(domain.ReasonHTTPStatus, fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, c.fail(domain.ReasonTimeout, err)
		}
		return nil, c.fail(domain.ReasonUnavailable, fmt.Errorf("read body: %w", err))
	}
	p, err := domain.DecodePayload(c.kind, body)
	if err != nil {
		return nil, c.fail(domain.ReasonMalformed, err)
	}

	c.logger.Debug("source fetched", "source", c.id, "kind", c.kind, "duration", time.Since(start))
	return p, nil
}

func (c *HTTPConnector) requestURL(q domain.Query) string {
	params := url.Values{}
	if q.Text != "" {
		params.Set("q", q.Text)
	}
	if q.Location.Name != "" {
		params.Set("location", q.Location.Name)
	}
	if q.Location.State != "" {
		params.Set("region", q.Location.State)
	}
	if q.Location.HasCoords() {
		params.Set("lat", strconv.FormatFloat(q.Location.Lat, 'f', 4, 64))
		params.Set("lon", strconv.FormatFloat(q.Location.Lon, 'f', 4, 64))
	}
	if len(params) == 0 {
		return c.endpoint
	}
	return c.endpoint + "?" + params.Encode()
}

func (c *HTTPConnector) fail(reason domain.ReasonCode, err error) error {
	return &domain.SourceError{SourceID: c.id, Reason: reason, Err: err}
}
