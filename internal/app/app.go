// Package app wires the detection core shared by the service and the
// operator CLI: storage, the lifecycle service, the AI gateway, the agent
// swarm, source connectors and the optional workflow dispatcher.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-anomaly-service/internal/adapter/aiprovider"
	"github.com/couchcryptid/storm-anomaly-service/internal/adapter/feeds"
	"github.com/couchcryptid/storm-anomaly-service/internal/adapter/mapbox"
	"github.com/couchcryptid/storm-anomaly-service/internal/adapter/sqlite"
	"github.com/couchcryptid/storm-anomaly-service/internal/adapter/workflowsvc"
	"github.com/couchcryptid/storm-anomaly-service/internal/aggregator"
	"github.com/couchcryptid/storm-anomaly-service/internal/config"
	"github.com/couchcryptid/storm-anomaly-service/internal/gateway"
	"github.com/couchcryptid/storm-anomaly-service/internal/lifecycle"
	"github.com/couchcryptid/storm-anomaly-service/internal/observability"
	"github.com/couchcryptid/storm-anomaly-service/internal/pipeline"
	"github.com/couchcryptid/storm-anomaly-service/internal/swarm"
	"github.com/couchcryptid/storm-anomaly-service/internal/workflow"
)

const (
	workflowTimeout   = 10 * time.Second
	workflowQueueSize = 256
)

// App holds the wired components.
type App struct {
	Store      *sqlite.Store
	Stats      *observability.Stats
	Gateway    *gateway.Gateway
	Analyzer   *swarm.Analyzer
	Aggregator *aggregator.Aggregator
	Lifecycle  *lifecycle.Service
	Detector   *pipeline.Detector
	// Modality analyzes uploads through the gateway. Nil when no AI provider
	// is configured.
	Modality swarm.ModalityAnalyzer
	// Dispatcher is nil unless workflows are enabled and requested.
	Dispatcher *workflow.Dispatcher
}

type options struct {
	workflows    bool
	workflowOpts []workflow.Option
	clock        clockwork.Clock
}

// Option configures New.
type Option func(*options)

// WithWorkflows installs the workflow dispatcher when the configuration
// enables it. The caller must Run or Drain it.
func WithWorkflows(opts ...workflow.Option) Option {
	return func(o *options) {
		o.workflows = true
		o.workflowOpts = opts
	}
}

// WithClock replaces the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New opens the store and wires every component from cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) (*App, error) {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	store, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &App{Store: store, Stats: observability.NewStats()}

	var invoker swarm.Invoker
	if len(cfg.Providers) > 0 {
		regs := make([]gateway.Registration, 0, len(cfg.Providers))
		for _, p := range cfg.Providers {
			regs = append(regs, gateway.Registration{
				Provider: aiprovider.NewClient(p.ID, p.URL, p.APIKey, p.Model, logger),
				Limit:    p.Limit,
				Window:   cfg.AIRateWindow,
			})
		}
		a.Gateway = gateway.New(regs, cfg.AITimeout, o.clock, logger, metrics)
		invoker = a.Gateway
		a.Modality = swarm.NewRemoteModality(a.Gateway)
	} else {
		logger.Warn("no AI provider configured, text and upload analysis run locally")
	}
	a.Analyzer = swarm.New(cfg.Policy, invoker, logger)

	connectors := make([]aggregator.Connector, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		conn := feeds.NewHTTPConnector(s.ID, s.Kind, s.URL, s.APIKey, cfg.SourceRatePerSecond, logger)
		connectors = append(connectors, feeds.NewCachedConnector(conn, cfg.SourceCacheSize, cfg.SourceCacheTTL, o.clock, metrics))
	}
	aggOpts := []aggregator.Option{aggregator.WithStats(a.Stats)}
	if cfg.MapboxEnabled {
		geo := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, logger)
		aggOpts = append(aggOpts, aggregator.WithGeocoder(mapbox.NewCachedGeocoder(geo, cfg.MapboxCacheSize, metrics)))
		logger.Info("mapbox geocoding enabled")
	}
	a.Aggregator = aggregator.New(connectors, cfg.SourceTimeout, logger, metrics, aggOpts...)

	a.Lifecycle = lifecycle.NewService(store, cfg.Policy, o.clock, logger, metrics,
		lifecycle.WithStats(a.Stats),
		lifecycle.WithScorer(a.Analyzer),
	)
	if err := a.Lifecycle.SeedStats(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	if o.workflows && cfg.WorkflowEnabled {
		client := workflowsvc.NewClient(cfg.WorkflowURL, cfg.WorkflowToken, workflowTimeout, logger)
		a.Dispatcher = workflow.New(client, a.Lifecycle, cfg.WorkflowWorkers, workflowQueueSize, logger, metrics, o.workflowOpts...)
		a.Lifecycle.SetDispatcher(a.Dispatcher)
		logger.Info("workflow dispatch enabled", "url", cfg.WorkflowURL, "workers", cfg.WorkflowWorkers)
	}

	a.Detector = pipeline.NewDetector(a.Aggregator, a.Analyzer, a.Lifecycle, cfg.Policy, logger)
	return a, nil
}

// Close releases the store.
func (a *App) Close() error {
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
