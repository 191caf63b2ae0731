package mapbox

import (
	"context"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-anomaly-service/internal/cache"
	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
	"github.com/couchcryptid/storm-anomaly-service/internal/observability"
)

// CachedGeocoder wraps a Geocoder with an in-memory LRU cache.
type CachedGeocoder struct {
	inner   domain.Geocoder
	cache   *cache.LRU[domain.Location]
	metrics *observability.Metrics
}

// NewCachedGeocoder creates a cache decorator around a geocoder. Place
// coordinates do not go stale, so entries only leave by eviction.
func NewCachedGeocoder(inner domain.Geocoder, maxEntries int, metrics *observability.Metrics) *CachedGeocoder {
	return &CachedGeocoder{
		inner:   inner,
		cache:   cache.New[domain.Location](maxEntries, 0, clockwork.NewRealClock()),
		metrics: metrics,
	}
}

// Locate answers from the cache by case-insensitive name and state. Only
// successful lookups are cached, so a missed or failed name is retried.
func (c *CachedGeocoder) Locate(ctx context.Context, loc domain.Location) (domain.Location, error) {
	key := strings.ToLower(loc.Name) + "|" + strings.ToLower(loc.State)
	if hit, ok := c.cache.Get(key); ok {
		c.metrics.CacheLookups.WithLabelValues("geocode", "hit").Inc()
		loc.Lat, loc.Lon = hit.Lat, hit.Lon
		loc.FormattedAddress = hit.FormattedAddress
		loc.GeoConfidence = hit.GeoConfidence
		return loc, nil
	}
	c.metrics.CacheLookups.WithLabelValues("geocode", "miss").Inc()

	resolved, err := c.inner.Locate(ctx, loc)
	if err != nil {
		return loc, err
	}
	c.cache.Put(key, resolved)
	return resolved, nil
}
