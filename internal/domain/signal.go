package domain

import "time"

// SourceKind identifies the category of an external data provider.
type SourceKind string

const (
	KindWeather    SourceKind = "weather"
	KindSeismic    SourceKind = "seismic"
	KindNews       SourceKind = "news"
	KindTraffic    SourceKind = "traffic"
	KindAirQuality SourceKind = "air_quality"
	KindDisaster   SourceKind = "disaster"
)

// SourceKinds lists every supported kind in a stable order.
var SourceKinds = []SourceKind{KindWeather, KindSeismic, KindNews, KindTraffic, KindAirQuality, KindDisaster}

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	for _, known := range SourceKinds {
		if k == known {
			return true
		}
	}
	return false
}

// SignalStatus is the outcome of a single connector call.
type SignalStatus string

const (
	SignalOK      SignalStatus = "ok"
	SignalError   SignalStatus = "error"
	SignalTimeout SignalStatus = "timeout"
)

// Location is the place a query or anomaly refers to. Coordinates are WGS-84.
type Location struct {
	Name             string  `json:"name,omitempty"`
	State            string  `json:"state,omitempty"`
	Lat              float64 `json:"lat,omitempty"`
	Lon              float64 `json:"lon,omitempty"`
	FormattedAddress string  `json:"formatted_address,omitempty"`
	GeoConfidence    float64 `json:"geo_confidence,omitempty"`
	GeoSource        string  `json:"geo_source,omitempty"` // "forward", "original", "failed"
}

// HasCoords reports whether the location carries non-zero coordinates.
func (l Location) HasCoords() bool {
	return l.Lat != 0 || l.Lon != 0
}

// Query holds the parameters passed to every connector in one aggregation round.
type Query struct {
	Location Location
	Text     string
}

// Reading is the kind-independent form of a source payload.
type Reading struct {
	Intensity  float64            `json:"intensity"`
	Summary    string             `json:"summary,omitempty"`
	Text       []string           `json:"text,omitempty"`
	EventID    string             `json:"event_id,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	ObservedAt time.Time          `json:"observed_at,omitempty"`
}

// Signal is one normalized observation from one source. Failed calls still
// produce a Signal with a non-OK status and a reason code.
type Signal struct {
	SourceID  string       `json:"source_id"`
	Kind      SourceKind   `json:"kind"`
	Location  *Location    `json:"location,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Status    SignalStatus `json:"status"`
	Reason    ReasonCode   `json:"reason,omitempty"`
	Error     string       `json:"error,omitempty"`
	Reading   Reading      `json:"reading"`
}

// OK reports whether the signal carries a usable reading.
func (s Signal) OK() bool {
	return s.Status == SignalOK
}

// SignalSet is everything gathered for one location and query in one round.
// Signals are ordered by connector registration.
type SignalSet struct {
	Location    Location  `json:"location"`
	Query       string    `json:"query"`
	Signals     []Signal  `json:"signals"`
	CollectedAt time.Time `json:"collected_at"`
}

// Successful returns the signals with an OK status, preserving order.
func (s SignalSet) Successful() []Signal {
	out := make([]Signal, 0, len(s.Signals))
	for _, sig := range s.Signals {
		if sig.OK() {
			out = append(out, sig)
		}
	}
	return out
}

// Statuses maps source id to the status it reported.
func (s SignalSet) Statuses() map[string]SignalStatus {
	out := make(map[string]SignalStatus, len(s.Signals))
	for _, sig := range s.Signals {
		out[sig.SourceID] = sig.Status
	}
	return out
}
