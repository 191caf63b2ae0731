package mapbox

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
	"github.com/couchcryptid/storm-anomaly-service/internal/observability"
)

type countingGeocoder struct {
	calls int
	err   error
}

func (m *countingGeocoder) Locate(_ context.Context, loc domain.Location) (domain.Location, error) {
	m.calls++
	if m.err != nil {
		return loc, m.err
	}
	loc.Lat, loc.Lon = 29.7604, -95.3698
	loc.FormattedAddress = "Houston, Texas, United States"
	loc.GeoConfidence = 0.9
	return loc, nil
}

func TestCachedGeocoder_HitIgnoresCase(t *testing.T) {
	inner := &countingGeocoder{}
	m := observability.NewMetricsForTesting()
	cached := NewCachedGeocoder(inner, 10, m)

	first, err := cached.Locate(context.Background(), domain.Location{Name: "Houston", State: "TX"})
	require.NoError(t, err)

	second, err := cached.Locate(context.Background(), domain.Location{Name: "HOUSTON", State: "tx"})
	require.NoError(t, err)
	assert.Equal(t, "HOUSTON", second.Name, "the caller's naming is kept")
	assert.Equal(t, first.Lat, second.Lat)
	assert.Equal(t, first.FormattedAddress, second.FormattedAddress)

	assert.Equal(t, 1, inner.calls)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CacheLookups.WithLabelValues("geocode", "hit")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CacheLookups.WithLabelValues("geocode", "miss")), 0)
}

func TestCachedGeocoder_StateIsPartOfKey(t *testing.T) {
	inner := &countingGeocoder{}
	cached := NewCachedGeocoder(inner, 10, observability.NewMetricsForTesting())

	_, _ = cached.Locate(context.Background(), domain.Location{Name: "Springfield", State: "IL"})
	_, _ = cached.Locate(context.Background(), domain.Location{Name: "Springfield", State: "MO"})

	assert.Equal(t, 2, inner.calls)
}

func TestCachedGeocoder_MissesAndErrorsNotCached(t *testing.T) {
	for _, err := range []error{domain.ErrNoGeocodeMatch, errors.New("status 503")} {
		inner := &countingGeocoder{err: err}
		cached := NewCachedGeocoder(inner, 10, observability.NewMetricsForTesting())

		_, got := cached.Locate(context.Background(), domain.Location{Name: "Atlantis"})
		require.ErrorIs(t, got, err)
		_, _ = cached.Locate(context.Background(), domain.Location{Name: "Atlantis"})
		assert.Equal(t, 2, inner.calls, "%v should be retried", err)
	}
}
