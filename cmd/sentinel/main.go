package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"

	httpadapter "github.com/couchcryptid/storm-anomaly-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/storm-anomaly-service/internal/adapter/kafka"
	"github.com/couchcryptid/storm-anomaly-service/internal/app"
	"github.com/couchcryptid/storm-anomaly-service/internal/config"
	"github.com/couchcryptid/storm-anomaly-service/internal/observability"
	"github.com/couchcryptid/storm-anomaly-service/internal/pipeline"
	"github.com/couchcryptid/storm-anomaly-service/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := app.New(ctx, cfg, logger, metrics, app.WithWorkflows())
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	reader := kafkaadapter.NewReader(cfg, logger)
	writer := kafkaadapter.NewWriter(cfg, logger)
	p := pipeline.New(reader, core.Lifecycle, writer, logger, metrics, cfg.BatchSize)

	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.Checks{core.Store, p}, core.Stats, logger)

	var wg sync.WaitGroup

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start feed ingestion pipeline.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	// Start periodic detection over the watch list.
	wg.Add(1)
	go func() {
		defer wg.Done()
		core.Detector.Watch(ctx, clockwork.NewRealClock(), cfg.DetectInterval, cfg.WatchLocations)
	}()

	if d := core.Dispatcher; d != nil {
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			workflow.LogFailures(ctx, d.Failures(), logger)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("background workers did not stop before the shutdown timeout")
	}

	if err := reader.Close(); err != nil {
		logger.Error("kafka reader close error", "error", err)
	}
	if err := writer.Close(); err != nil {
		logger.Error("kafka writer close error", "error", err)
	}
	if err := core.Close(); err != nil {
		logger.Error("store close error", "error", err)
	}

	logger.Info("shutdown complete")
}
