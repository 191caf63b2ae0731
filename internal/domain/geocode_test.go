package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

type mockGeocoder struct {
	lat, lon float64
	address  string
	err      error
	calls    int
}

func (m *mockGeocoder) Locate(_ context.Context, loc Location) (Location, error) {
	m.calls++
	if m.err != nil {
		return Location{}, m.err
	}
	loc.Lat, loc.Lon = m.lat, m.lon
	loc.FormattedAddress = m.address
	loc.GeoConfidence = 0.95
	return loc, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveLocation(t *testing.T) {
	tests := []struct {
		name      string
		loc       Location
		geo       *mockGeocoder
		want      Location
		wantCalls int
	}{
		{
			name: "forward",
			loc:  Location{Name: "Porto Alegre", State: "RS"},
			geo:  &mockGeocoder{lat: -30.0346, lon: -51.2177, address: "Porto Alegre, Rio Grande do Sul, Brazil"},
			want: Location{
				Name: "Porto Alegre", State: "RS", Lat: -30.0346, Lon: -51.2177,
				FormattedAddress: "Porto Alegre, Rio Grande do Sul, Brazil", GeoConfidence: 0.95, GeoSource: "forward",
			},
			wantCalls: 1,
		},
		{
			name: "coordinates skip geocoding",
			loc:  Location{Name: "Norman", Lat: 35.2, Lon: -97.4},
			geo:  &mockGeocoder{},
			want: Location{Name: "Norman", Lat: 35.2, Lon: -97.4, GeoSource: "original"},
		},
		{
			name: "unnamed skips geocoding",
			loc:  Location{State: "TX"},
			geo:  &mockGeocoder{},
			want: Location{State: "TX", GeoSource: "original"},
		},
		{
			name:      "no match keeps the name",
			loc:       Location{Name: "Atlantis", State: "XX"},
			geo:       &mockGeocoder{err: fmt.Errorf("atlantis: %w", ErrNoGeocodeMatch)},
			want:      Location{Name: "Atlantis", State: "XX", GeoSource: "original"},
			wantCalls: 1,
		},
		{
			name:      "error degrades",
			loc:       Location{Name: "Houston", State: "TX"},
			geo:       &mockGeocoder{err: errors.New("API timeout")},
			want:      Location{Name: "Houston", State: "TX", GeoSource: "failed"},
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveLocation(context.Background(), tt.loc, tt.geo, discardLogger())
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantCalls, tt.geo.calls)
		})
	}
}

func TestResolveLocation_NilGeocoder(t *testing.T) {
	loc := Location{Name: "Houston", State: "TX"}
	assert.Equal(t, loc, ResolveLocation(context.Background(), loc, nil, discardLogger()))
}
