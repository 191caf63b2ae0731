package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Payload is the raw, kind-specific result of a connector fetch. The set of
// implementations is closed; use [Normalize] to obtain a [Reading].
type Payload interface {
	Kind() SourceKind
	isPayload()
}

// WeatherPayload is a current-conditions observation.
type WeatherPayload struct {
	TemperatureC    float64   `json:"temperature_c"`
	WindSpeedMS     float64   `json:"wind_speed_ms"`
	PrecipitationMM float64   `json:"precipitation_mm"`
	Alerts          []string  `json:"alerts,omitempty"`
	ObservedAt      time.Time `json:"observed_at"`
}

// SeismicPayload is the strongest recent earthquake near the query location.
type SeismicPayload struct {
	EventID    string    `json:"event_id"`
	Magnitude  float64   `json:"magnitude"`
	DepthKM    float64   `json:"depth_km"`
	Place      string    `json:"place"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Article is one news item.
type Article struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// NewsPayload is a set of articles matching the query.
type NewsPayload struct {
	Articles []Article `json:"articles"`
}

// TrafficPayload summarizes road conditions. Congestion is a ratio in [0,1].
type TrafficPayload struct {
	Congestion float64 `json:"congestion"`
	Incidents  int     `json:"incidents"`
}

// AirQualityPayload is an air quality index reading.
type AirQualityPayload struct {
	AQI       float64 `json:"aqi"`
	Pollutant string  `json:"pollutant,omitempty"`
}

// DisasterPayload is an entry from a disaster alert feed.
type DisasterPayload struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	AlertLevel string    `json:"alert_level"` // green, orange, red
	Title      string    `json:"title"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (WeatherPayload) Kind() SourceKind    { return KindWeather }
func (SeismicPayload) Kind() SourceKind    { return KindSeismic }
func (NewsPayload) Kind() SourceKind       { return KindNews }
func (TrafficPayload) Kind() SourceKind    { return KindTraffic }
func (AirQualityPayload) Kind() SourceKind { return KindAirQuality }
func (DisasterPayload) Kind() SourceKind   { return KindDisaster }

func (WeatherPayload) isPayload()    {}
func (SeismicPayload) isPayload()    {}
func (NewsPayload) isPayload()       {}
func (TrafficPayload) isPayload()    {}
func (AirQualityPayload) isPayload() {}
func (DisasterPayload) isPayload()   {}

// hazardKeywords mark an article as reporting an emergency.
var hazardKeywords = []string{
	"earthquake", "flood", "wildfire", "evacuat", "tornado", "hurricane",
	"explosion", "outbreak", "storm", "tsunami", "landslide", "eruption",
}

// DecodePayload unmarshals JSON into the payload type for kind.
func DecodePayload(kind SourceKind, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindWeather:
		var v WeatherPayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindSeismic:
		var v SeismicPayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindNews:
		var v NewsPayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindTraffic:
		var v TrafficPayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindAirQuality:
		var v AirQualityPayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindDisaster:
		var v DisasterPayload
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown source kind %q", ErrMalformedPayload, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrMalformedPayload, kind, err)
	}
	return p, nil
}

// Normalize converts a kind-specific payload into a Reading. It rejects
// payloads whose values are outside their physical range.
func Normalize(p Payload) (Reading, error) {
	switch v := p.(type) {
	case WeatherPayload:
		return normalizeWeather(v)
	case SeismicPayload:
		return normalizeSeismic(v)
	case NewsPayload:
		return normalizeNews(v), nil
	case TrafficPayload:
		return normalizeTraffic(v)
	case AirQualityPayload:
		return normalizeAirQuality(v)
	case DisasterPayload:
		return normalizeDisaster(v)
	case nil:
		return Reading{}, fmt.Errorf("%w: nil payload", ErrMalformedPayload)
	default:
		return Reading{}, fmt.Errorf("%w: unsupported payload %T", ErrMalformedPayload, p)
	}
}

func normalizeWeather(v WeatherPayload) (Reading, error) {
	if v.WindSpeedMS < 0 || v.PrecipitationMM < 0 {
		return Reading{}, fmt.Errorf("%w: negative weather measurement", ErrMalformedPayload)
	}
	intensity := math.Max(v.WindSpeedMS/40, v.PrecipitationMM/100)
	if len(v.Alerts) > 0 {
		intensity = math.Max(intensity, 0.75)
	}
	summary := fmt.Sprintf("wind %.1f m/s, precipitation %.1f mm", v.WindSpeedMS, v.PrecipitationMM)
	if len(v.Alerts) > 0 {
		summary += ", alerts: " + strings.Join(v.Alerts, "; ")
	}
	return Reading{
		Intensity: clamp01(intensity),
		Summary:   summary,
		Text:      v.Alerts,
		Metrics: map[string]float64{
			"temperature_c":    v.TemperatureC,
			"wind_speed_ms":    v.WindSpeedMS,
			"precipitation_mm": v.PrecipitationMM,
		},
		ObservedAt: v.ObservedAt,
	}, nil
}

func normalizeSeismic(v SeismicPayload) (Reading, error) {
	if v.Magnitude < 0 || v.Magnitude > 10 {
		return Reading{}, fmt.Errorf("%w: magnitude %.1f out of range", ErrMalformedPayload, v.Magnitude)
	}
	return Reading{
		Intensity: clamp01((v.Magnitude - 2.5) / 5),
		Summary:   fmt.Sprintf("M%.1f %s", v.Magnitude, v.Place),
		EventID:   v.EventID,
		Metrics: map[string]float64{
			"magnitude": v.Magnitude,
			"depth_km":  v.DepthKM,
		},
		ObservedAt: v.OccurredAt,
	}, nil
}

func normalizeNews(v NewsPayload) Reading {
	var (
		matched int
		text    []string
		latest  time.Time
	)
	for _, a := range v.Articles {
		text = append(text, a.Title)
		if mentionsHazard(a.Title + " " + a.Description) {
			matched++
		}
		if a.PublishedAt.After(latest) {
			latest = a.PublishedAt
		}
	}
	return Reading{
		Intensity: clamp01(float64(matched) * 0.25),
		Summary:   fmt.Sprintf("%d articles, %d hazard reports", len(v.Articles), matched),
		Text:      text,
		Metrics: map[string]float64{
			"articles":       float64(len(v.Articles)),
			"hazard_reports": float64(matched),
		},
		ObservedAt: latest,
	}
}

func normalizeTraffic(v TrafficPayload) (Reading, error) {
	if v.Congestion < 0 || v.Congestion > 1 || v.Incidents < 0 {
		return Reading{}, fmt.Errorf("%w: traffic values out of range", ErrMalformedPayload)
	}
	return Reading{
		Intensity: clamp01(math.Max(v.Congestion, float64(v.Incidents)/20)),
		Summary:   fmt.Sprintf("congestion %.0f%%, %d incidents", v.Congestion*100, v.Incidents),
		Metrics: map[string]float64{
			"congestion": v.Congestion,
			"incidents":  float64(v.Incidents),
		},
	}, nil
}

func normalizeAirQuality(v AirQualityPayload) (Reading, error) {
	if v.AQI < 0 {
		return Reading{}, fmt.Errorf("%w: negative AQI", ErrMalformedPayload)
	}
	summary := fmt.Sprintf("AQI %.0f", v.AQI)
	if v.Pollutant != "" {
		summary += " (" + v.Pollutant + ")"
	}
	return Reading{
		Intensity: clamp01(v.AQI / 300),
		Summary:   summary,
		Metrics:   map[string]float64{"aqi": v.AQI},
	}, nil
}

func normalizeDisaster(v DisasterPayload) (Reading, error) {
	var intensity float64
	switch strings.ToLower(strings.TrimSpace(v.AlertLevel)) {
	case "green":
		intensity = 0.3
	case "orange":
		intensity = 0.6
	case "red":
		intensity = 0.9
	default:
		return Reading{}, fmt.Errorf("%w: unknown alert level %q", ErrMalformedPayload, v.AlertLevel)
	}
	return Reading{
		Intensity:  intensity,
		Summary:    fmt.Sprintf("%s alert: %s", strings.ToLower(v.AlertLevel), v.Title),
		Text:       []string{v.Title},
		EventID:    v.EventID,
		ObservedAt: v.OccurredAt,
	}, nil
}

func mentionsHazard(s string) bool {
	s = strings.ToLower(s)
	for _, kw := range hazardKeywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
