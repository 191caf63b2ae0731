// Package mapbox resolves named query locations to coordinates with the
// Mapbox geocoding API.
package mapbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

const (
	defaultBaseURL = "https://api.mapbox.com/geocoding/v5/mapbox.places"
	// Feature types a location name may resolve to.
	placeTypes = "place,locality,district,region"
)

// Client implements domain.Geocoder with the Mapbox Geocoding API.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different geocoding endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// NewClient creates a Mapbox geocoding client.
func NewClient(token string, timeout time.Duration, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    defaultBaseURL,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Locate places loc by its name, qualified by state or region when set.
// A name Mapbox cannot place yields domain.ErrNoGeocodeMatch.
func (c *Client) Locate(ctx context.Context, loc domain.Location) (domain.Location, error) {
	query := loc.Name
	if loc.State != "" {
		query += ", " + loc.State
	}

	f, err := c.lookup(ctx, query)
	if err != nil {
		return loc, err
	}
	if len(f.Center) != 2 {
		c.logger.Debug("no geocoding match", "query", query)
		return loc, fmt.Errorf("%q: %w", query, domain.ErrNoGeocodeMatch)
	}

	loc.Lon, loc.Lat = f.Center[0], f.Center[1]
	loc.FormattedAddress = f.PlaceName
	loc.GeoConfidence = f.Relevance
	return loc, nil
}

// lookup returns the best feature for query, or a zero feature when there
// is none.
func (c *Client) lookup(ctx context.Context, query string) (feature, error) {
	params := url.Values{
		"access_token": {c.token},
		"limit":        {"1"},
		"types":        {placeTypes},
	}
	endpoint := c.baseURL + "/" + url.PathEscape(query) + ".json?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return feature{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return feature{}, fmt.Errorf("geocode %q: %w", query, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return feature{}, fmt.Errorf("mapbox API error: status %d: %s", resp.StatusCode, body)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return feature{}, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Features) == 0 {
		return feature{}, nil
	}
	return out.Features[0], nil
}

type response struct {
	Features []feature `json:"features"`
}

type feature struct {
	Center    []float64 `json:"center"` // [lon, lat]
	PlaceName string    `json:"place_name"`
	Relevance float64   `json:"relevance"`
}
