package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

// SourceConfig describes one external data connector.
type SourceConfig struct {
	ID     string
	Kind   domain.SourceKind
	URL    string
	APIKey string
}

// ProviderConfig describes one AI provider. Providers are tried in slice order.
type ProviderConfig struct {
	ID     string
	URL    string
	APIKey string
	Model  string
	Limit  int
}

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	DatabasePath    string

	KafkaBrokers       []string
	KafkaFeedTopic     string
	KafkaAnomalyTopic  string
	KafkaGroupID       string
	BatchSize          int
	BatchFlushInterval time.Duration

	// Source connectors.
	Sources             []SourceConfig
	SourceTimeout       time.Duration
	SourceRatePerSecond float64
	SourceCacheSize     int
	SourceCacheTTL      time.Duration

	// AI provider gateway.
	Providers    []ProviderConfig
	AIRateWindow time.Duration
	AITimeout    time.Duration

	// Workflow automation service.
	WorkflowURL     string
	WorkflowToken   string
	WorkflowEnabled bool
	WorkflowWorkers int

	// Mapbox geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int

	// Periodic detection over a fixed list of locations.
	WatchLocations []domain.Location
	DetectInterval time.Duration

	Policy domain.Policy
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}
	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}
	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	sourceTimeout, err := parseDuration("SOURCE_TIMEOUT", "3s")
	if err != nil {
		return nil, err
	}
	sourceCacheTTL, err := parseDuration("SOURCE_CACHE_TTL", "1m")
	if err != nil {
		return nil, err
	}
	aiRateWindow, err := parseDuration("AI_RATE_WINDOW", "1m")
	if err != nil {
		return nil, err
	}
	aiTimeout, err := parseDuration("AI_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	mapboxTimeout, err := parseDuration("MAPBOX_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}

	detectInterval, err := parseDuration("DETECT_INTERVAL", "5m")
	if err != nil {
		return nil, err
	}

	ratePerSecond, err := strconv.ParseFloat(sharedcfg.EnvOrDefault("SOURCE_RATE_PER_SECOND", "5"), 64)
	if err != nil || ratePerSecond <= 0 {
		return nil, errors.New("invalid SOURCE_RATE_PER_SECOND")
	}

	providers, err := parseProviders()
	if err != nil {
		return nil, err
	}

	policy, err := LoadPolicy(os.Getenv("POLICY_FILE"))
	if err != nil {
		return nil, err
	}

	mapboxToken := os.Getenv("MAPBOX_TOKEN")
	mapboxEnabled := mapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		mapboxEnabled = v == "true"
	}

	workflowURL := os.Getenv("WORKFLOW_URL")

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		DatabasePath:    sharedcfg.EnvOrDefault("DATABASE_PATH", "anomalies.db"),

		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaFeedTopic:     sharedcfg.EnvOrDefault("KAFKA_FEED_TOPIC", "raw-event-feeds"),
		KafkaAnomalyTopic:  sharedcfg.EnvOrDefault("KAFKA_ANOMALY_TOPIC", "detected-anomalies"),
		KafkaGroupID:       sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "storm-anomaly"),
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		Sources:             parseSources(),
		SourceTimeout:       sourceTimeout,
		SourceRatePerSecond: ratePerSecond,
		SourceCacheSize:     parsePositiveInt("SOURCE_CACHE_SIZE", 500),
		SourceCacheTTL:      sourceCacheTTL,

		Providers:    providers,
		AIRateWindow: aiRateWindow,
		AITimeout:    aiTimeout,

		WorkflowURL:     workflowURL,
		WorkflowToken:   os.Getenv("WORKFLOW_TOKEN"),
		WorkflowEnabled: workflowURL != "",
		WorkflowWorkers: parsePositiveInt("WORKFLOW_WORKERS", 2),

		MapboxToken:     mapboxToken,
		MapboxEnabled:   mapboxEnabled,
		MapboxTimeout:   mapboxTimeout,
		MapboxCacheSize: parsePositiveInt("MAPBOX_CACHE_SIZE", 1000),

		WatchLocations: parseLocations(os.Getenv("WATCH_LOCATIONS")),
		DetectInterval: detectInterval,

		Policy: policy,
	}

	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaFeedTopic == "" {
		return nil, errors.New("KAFKA_FEED_TOPIC is required")
	}
	if cfg.KafkaAnomalyTopic == "" {
		return nil, errors.New("KAFKA_ANOMALY_TOPIC is required")
	}
	if cfg.MapboxEnabled && cfg.MapboxToken == "" {
		return nil, errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}

	return cfg, nil
}

// LoadPolicy returns the default scoring policy overlaid with the YAML file
// at path, if any.
func LoadPolicy(path string) (domain.Policy, error) {
	policy := domain.DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("read POLICY_FILE: %w", err)
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return domain.Policy{}, fmt.Errorf("parse POLICY_FILE: %w", err)
	}
	sev, err := domain.ParseSeverity(string(policy.WorkflowSeverity))
	if err != nil {
		return domain.Policy{}, fmt.Errorf("POLICY_FILE workflow_severity: %w", err)
	}
	policy.WorkflowSeverity = sev
	if err := policy.Validate(); err != nil {
		return domain.Policy{}, fmt.Errorf("POLICY_FILE: %w", err)
	}
	return policy, nil
}

// parseSources builds one connector per kind that has SOURCE_<KIND>_URL set,
// in the fixed kind order so aggregation output order is stable.
func parseSources() []SourceConfig {
	var sources []SourceConfig
	for _, kind := range domain.SourceKinds {
		prefix := "SOURCE_" + strings.ToUpper(string(kind))
		url := os.Getenv(prefix + "_URL")
		if url == "" {
			continue
		}
		sources = append(sources, SourceConfig{
			ID:     sharedcfg.EnvOrDefault(prefix+"_ID", string(kind)),
			Kind:   kind,
			URL:    url,
			APIKey: os.Getenv(prefix + "_KEY"),
		})
	}
	return sources
}

// parseLocations reads "Name|State" pairs separated by semicolons. The state
// part is optional.
func parseLocations(s string) []domain.Location {
	var out []domain.Location
	for _, part := range strings.Split(s, ";") {
		name, state, _ := strings.Cut(part, "|")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, domain.Location{Name: name, State: strings.TrimSpace(state)})
	}
	return out
}

func parseProviders() ([]ProviderConfig, error) {
	var providers []ProviderConfig
	for _, name := range []string{"PRIMARY", "FALLBACK"} {
		prefix := "AI_" + name
		url := os.Getenv(prefix + "_URL")
		if url == "" {
			continue
		}
		limit, err := strconv.Atoi(sharedcfg.EnvOrDefault(prefix+"_LIMIT", "60"))
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("invalid %s_LIMIT", prefix)
		}
		providers = append(providers, ProviderConfig{
			ID:     sharedcfg.EnvOrDefault(prefix+"_ID", strings.ToLower(name)),
			URL:    url,
			APIKey: os.Getenv(prefix + "_KEY"),
			Model:  os.Getenv(prefix + "_MODEL"),
			Limit:  limit,
		})
	}
	return providers, nil
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}
