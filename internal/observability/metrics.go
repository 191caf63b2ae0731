package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storm_anomaly"

// Metrics holds the Prometheus counters, histograms, and gauges for the service.
type Metrics struct {
	// Aggregation metrics.
	SourceFetches       *prometheus.CounterVec // labels: source, status={ok,error,timeout}
	AggregationDuration prometheus.Histogram

	// AI provider gateway metrics.
	ProviderCalls      *prometheus.CounterVec // labels: provider, outcome={success,error}
	RateLimitRejects   *prometheus.CounterVec // labels: provider
	ProviderDuration   *prometheus.HistogramVec
	GatewayExhaustions prometheus.Counter

	// Lifecycle metrics.
	Transitions        *prometheus.CounterVec // labels: action
	DuplicatesSkipped  prometheus.Counter
	PersistenceErrors  prometheus.Counter
	WorkflowTriggers   *prometheus.CounterVec // labels: outcome={success,error}
	WorkflowQueueDepth prometheus.Gauge

	// Feed ingestion metrics.
	MessagesConsumed        prometheus.Counter
	AnomaliesProduced       prometheus.Counter
	IngestErrors            prometheus.Counter
	PipelineRunning         prometheus.Gauge
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram

	// Cache metrics.
	CacheLookups *prometheus.CounterVec // labels: cache={source,geocode}, result={hit,miss}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsWith creates Metrics registered with reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		SourceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_fetches_total",
			Help:      "Connector calls by source and resulting signal status.",
		}, []string{"source", "status"}),
		AggregationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_duration_seconds",
			Help:      "Duration of one aggregation round across all connectors.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "AI provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_rate_limited_total",
			Help:      "Provider calls skipped because the rate-limit window was exhausted.",
		}, []string{"provider"}),
		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "AI provider call duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"provider"}),
		GatewayExhaustions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_exhausted_total",
			Help:      "Invocations rejected because every provider was rate limited.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_transitions_total",
			Help:      "Audited anomaly mutations by action.",
		}, []string{"action"}),
		DuplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_duplicates_skipped_total",
			Help:      "Feed items skipped because their dedup key already exists.",
		}),
		PersistenceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Aborted transitions due to failed anomaly or audit writes.",
		}),
		WorkflowTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_triggers_total",
			Help:      "Workflow trigger attempts by outcome.",
		}, []string{"outcome"}),
		WorkflowQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflow_queue_depth",
			Help:      "Workflow trigger tasks waiting to be dispatched.",
		}),
		MessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_messages_consumed_total",
			Help:      "Total messages read from the feed topic.",
		}),
		AnomaliesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_produced_total",
			Help:      "Total created anomalies written to the anomaly topic.",
		}),
		IngestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_errors_total",
			Help:      "Feed messages that could not be ingested.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the ingestion pipeline is active, 0 when shut down.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of messages per batch extracted from Kafka.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete batch extract-ingest-load cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache and result.",
		}, []string{"cache", "result"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SourceFetches,
		m.AggregationDuration,
		m.ProviderCalls,
		m.RateLimitRejects,
		m.ProviderDuration,
		m.GatewayExhaustions,
		m.Transitions,
		m.DuplicatesSkipped,
		m.PersistenceErrors,
		m.WorkflowTriggers,
		m.WorkflowQueueDepth,
		m.MessagesConsumed,
		m.AnomaliesProduced,
		m.IngestErrors,
		m.PipelineRunning,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.CacheLookups,
	}
}
