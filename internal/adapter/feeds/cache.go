package feeds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-anomaly-service/internal/aggregator"
	"github.com/couchcryptid/storm-anomaly-service/internal/cache"
	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
	"github.com/couchcryptid/storm-anomaly-service/internal/observability"
)

// CachedConnector serves repeated queries from an LRU cache for a bounded
// time. Only successful payloads are cached.
type CachedConnector struct {
	inner   aggregator.Connector
	cache   *cache.LRU[domain.Payload]
	metrics *observability.Metrics
}

// NewCachedConnector wraps inner with a cache of maxEntries payloads, each
// valid for ttl.
func NewCachedConnector(inner aggregator.Connector, maxEntries int, ttl time.Duration, clock clockwork.Clock, metrics *observability.Metrics) *CachedConnector {
	return &CachedConnector{
		inner:   inner,
		cache:   cache.New[domain.Payload](maxEntries, ttl, clock),
		metrics: metrics,
	}
}

func (c *CachedConnector) ID() string              { return c.inner.ID() }
func (c *CachedConnector) Kind() domain.SourceKind { return c.inner.Kind() }

func (c *CachedConnector) Fetch(ctx context.Context, q domain.Query) (domain.Payload, error) {
	key := cacheKey(q)
	if p, ok := c.cache.Get(key); ok {
		c.metrics.CacheLookups.WithLabelValues("source", "hit").Inc()
		return p, nil
	}
	c.metrics.CacheLookups.WithLabelValues("source", "miss").Inc()

	p, err := c.inner.Fetch(ctx, q)
	if err != nil {
		return nil, err
	}
	c.cache.Put(key, p)
	return p, nil
}

func cacheKey(q domain.Query) string {
	return fmt.Sprintf("%s|%s|%.4f,%.4f|%s",
		strings.ToLower(q.Location.Name),
		strings.ToLower(q.Location.State),
		q.Location.Lat, q.Location.Lon,
		strings.ToLower(strings.TrimSpace(q.Text)),
	)
}
