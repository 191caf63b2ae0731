package domain

import (
	"context"
	"errors"
	"log/slog"
)

// Geocoder places named locations on the map.
type Geocoder interface {
	// Locate returns loc with coordinates, formatted address and confidence
	// filled in. A name the provider cannot place yields ErrNoGeocodeMatch.
	Locate(ctx context.Context, loc Location) (Location, error)
}

// ResolveLocation fills in coordinates for a named location that has none.
// If geocoder is nil or geocoding fails the location is returned with
// GeoSource set accordingly and the aggregation proceeds name-only.
func ResolveLocation(ctx context.Context, loc Location, geocoder Geocoder, logger *slog.Logger) Location {
	if geocoder == nil {
		return loc
	}
	if loc.HasCoords() || loc.Name == "" {
		loc.GeoSource = "original"
		return loc
	}

	resolved, err := geocoder.Locate(ctx, loc)
	switch {
	case errors.Is(err, ErrNoGeocodeMatch):
		loc.GeoSource = "original"
		return loc
	case err != nil:
		logger.Warn("forward geocoding failed",
			"location", loc.Name,
			"state", loc.State,
			"error", err,
		)
		loc.GeoSource = "failed"
		return loc
	}
	resolved.GeoSource = "forward"
	return resolved
}
