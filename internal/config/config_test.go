package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

const (
	defaultBroker   = "localhost:9092"
	testMapboxToken = "pk.test-token"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{defaultBroker}, cfg.KafkaBrokers)
	assert.Equal(t, "raw-event-feeds", cfg.KafkaFeedTopic)
	assert.Equal(t, "detected-anomalies", cfg.KafkaAnomalyTopic)
	assert.Equal(t, "storm-anomaly", cfg.KafkaGroupID)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "anomalies.db", cfg.DatabasePath)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.BatchFlushInterval)
	assert.Equal(t, 3*time.Second, cfg.SourceTimeout)
	assert.Equal(t, time.Minute, cfg.SourceCacheTTL)
	assert.Equal(t, 500, cfg.SourceCacheSize)
	assert.Equal(t, time.Minute, cfg.AIRateWindow)
	assert.Empty(t, cfg.Sources)
	assert.Empty(t, cfg.Providers)
	assert.False(t, cfg.WorkflowEnabled)
	assert.Equal(t, 2, cfg.WorkflowWorkers)
	assert.False(t, cfg.MapboxEnabled)
	assert.Equal(t, 1000, cfg.MapboxCacheSize)
	assert.Empty(t, cfg.WatchLocations)
	assert.Equal(t, 5*time.Minute, cfg.DetectInterval)
	assert.Equal(t, domain.DefaultPolicy(), cfg.Policy)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("KAFKA_FEED_TOPIC", "custom-feed")
	t.Setenv("KAFKA_ANOMALY_TOPIC", "custom-anomalies")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("SOURCE_TIMEOUT", "1500ms")
	t.Setenv("SOURCE_SEISMIC_URL", "http://usgs.local/quakes")
	t.Setenv("SOURCE_WEATHER_URL", "http://weather.local/current")
	t.Setenv("SOURCE_WEATHER_KEY", "wx-key")
	t.Setenv("AI_PRIMARY_URL", "http://primary.local/v1/analyze")
	t.Setenv("AI_PRIMARY_LIMIT", "5")
	t.Setenv("AI_FALLBACK_URL", "http://fallback.local/v1/analyze")
	t.Setenv("WORKFLOW_URL", "http://workflows.local")
	t.Setenv("MAPBOX_TOKEN", testMapboxToken)
	t.Setenv("WATCH_LOCATIONS", "Porto Alegre|RS; Houston | TX;;Tokyo")
	t.Setenv("DETECT_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "custom-feed", cfg.KafkaFeedTopic)
	assert.Equal(t, "custom-anomalies", cfg.KafkaAnomalyTopic)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 1500*time.Millisecond, cfg.SourceTimeout)

	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, domain.KindWeather, cfg.Sources[0].Kind, "sources follow kind order")
	assert.Equal(t, "wx-key", cfg.Sources[0].APIKey)
	assert.Equal(t, domain.KindSeismic, cfg.Sources[1].Kind)
	assert.Equal(t, "seismic", cfg.Sources[1].ID)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "primary", cfg.Providers[0].ID)
	assert.Equal(t, 5, cfg.Providers[0].Limit)
	assert.Equal(t, "fallback", cfg.Providers[1].ID)
	assert.Equal(t, 60, cfg.Providers[1].Limit)

	assert.True(t, cfg.WorkflowEnabled)
	assert.True(t, cfg.MapboxEnabled)

	assert.Equal(t, []domain.Location{
		{Name: "Porto Alegre", State: "RS"},
		{Name: "Houston", State: "TX"},
		{Name: "Tokyo"},
	}, cfg.WatchLocations)
	assert.Equal(t, 30*time.Second, cfg.DetectInterval)
}

func TestLoad_InvalidShutdownTimeout(t *testing.T) {
	t.Setenv("SHUTDOWN_TIMEOUT", "not-a-duration")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHUTDOWN_TIMEOUT")
}

func TestLoad_InvalidSourceTimeout(t *testing.T) {
	t.Setenv("SOURCE_TIMEOUT", "-3s")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOURCE_TIMEOUT")
}

func TestLoad_InvalidProviderLimit(t *testing.T) {
	t.Setenv("AI_PRIMARY_URL", "http://primary.local")
	t.Setenv("AI_PRIMARY_LIMIT", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AI_PRIMARY_LIMIT")
}

func TestLoad_MapboxEnabledWithoutToken(t *testing.T) {
	t.Setenv("MAPBOX_ENABLED", "true")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAPBOX_TOKEN")
}

func TestLoadPolicy_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
thresholds:
  medium: 0.4
  high: 0.6
  critical: 0.9
fake_spread: 0.3
workflow_severity: Critical
`), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 0.4, p.Thresholds.Medium)
	assert.Equal(t, 0.9, p.Thresholds.Critical)
	assert.Equal(t, 0.3, p.FakeSpread)
	assert.Equal(t, domain.SeverityCritical, p.WorkflowSeverity)
	assert.Equal(t, 0.5, p.DetectionThreshold, "unset keys keep defaults")
}

func TestLoadPolicy_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("thresholds:\n  medium: 0.8\n"), 0o600))

	_, err := LoadPolicy(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLICY_FILE")
}

func TestLoad_PolicyFileFromEnv(t *testing.T) {
	t.Setenv("POLICY_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLICY_FILE")
}
