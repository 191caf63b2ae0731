// Package pipeline runs the feed ingestion loop and the on-demand detector.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
	"github.com/couchcryptid/storm-anomaly-service/internal/lifecycle"
	"github.com/couchcryptid/storm-anomaly-service/internal/observability"
)

// BatchExtractor reads up to batchSize raw feed messages from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error)
}

// Ingester stores a feed item as an anomaly at most once per dedup key and
// remembers which anomalies were published.
type Ingester interface {
	Ingest(ctx context.Context, item domain.FeedItem) (lifecycle.IngestResult, error)
	MarkPublished(ctx context.Context, anomalies []*domain.Anomaly) error
}

// BatchLoader publishes newly created anomalies.
type BatchLoader interface {
	LoadBatch(ctx context.Context, anomalies []*domain.Anomaly) error
}

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Pipeline orchestrates the extract-ingest-load loop.
type Pipeline struct {
	extractor BatchExtractor
	ingester  Ingester
	loader    BatchLoader
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
	batchSize int
}

// New creates a Pipeline with the given stages and observability.
func New(e BatchExtractor, i Ingester, l BatchLoader, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Pipeline {
	return &Pipeline{
		extractor: e,
		ingester:  i,
		loader:    l,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// CheckReadiness returns nil once the pipeline has processed a batch.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not processed any messages yet")
	}
	return nil
}

// Run executes the ingestion loop until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "batch_size", p.batchSize)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !p.processBatch(ctx, &backoff) {
			return nil
		}
	}
}

// processBatch runs one extract-ingest-load cycle. Returns false if the pipeline should stop.
func (p *Pipeline) processBatch(ctx context.Context, backoff *time.Duration) bool {
	start := time.Now()

	rawBatch, err := p.extractor.ExtractBatch(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Error("extract batch failed", "error", err)
		return p.backoffOrStop(ctx, backoff)
	}

	if len(rawBatch) == 0 {
		return ctx.Err() == nil
	}

	p.metrics.MessagesConsumed.Add(float64(len(rawBatch)))
	p.metrics.BatchSize.Observe(float64(len(rawBatch)))

	processed, ok := p.ingestAndLoad(ctx, rawBatch, backoff)
	if !ok {
		return false
	}
	if processed > 0 {
		p.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
		p.ready.Store(true)
	}
	return true
}

// ingestAndLoad ingests each message, publishes the anomalies it created and
// commits the processed offsets. Malformed items are committed and skipped
// straight away. A duplicate whose anomaly was never published is published
// again. A persistence failure ends the batch early without committing the
// failed message. Publishing is retried with backoff until it succeeds, so
// no offset is committed ahead of its anomaly. Returns the number of
// messages processed and false if the pipeline should stop.
func (p *Pipeline) ingestAndLoad(ctx context.Context, rawBatch []domain.RawEvent, backoff *time.Duration) (int, bool) {
	pending := make([]*domain.Anomaly, 0, len(rawBatch))
	queued := make(map[string]bool, len(rawBatch))
	processed := make([]domain.RawEvent, 0, len(rawBatch))
	var storeErr error

	for _, raw := range rawBatch {
		item, err := domain.ParseFeedItem(raw)
		if err != nil {
			p.skip(ctx, raw, err)
			continue
		}
		res, err := p.ingester.Ingest(ctx, item)
		if errors.Is(err, domain.ErrPersistence) {
			storeErr = err
			break
		}
		if err != nil {
			p.skip(ctx, raw, err)
			continue
		}
		processed = append(processed, raw)
		if res.Anomaly != nil && !res.Published && !queued[res.Anomaly.ID] {
			queued[res.Anomaly.ID] = true
			if res.Duplicate {
				p.logger.Info("republishing unpublished anomaly", "anomaly_id", res.Anomaly.ID, "dedup_key", res.Anomaly.DedupKey)
			}
			pending = append(pending, res.Anomaly)
		}
	}

	if len(pending) > 0 {
		if !p.publish(ctx, pending, backoff) {
			return 0, false
		}
	}
	for _, raw := range processed {
		p.commitOffset(ctx, raw)
	}

	if storeErr != nil {
		p.logger.Error("ingest failed, retrying after backoff", "error", storeErr)
		return len(processed), p.backoffOrStop(ctx, backoff)
	}
	*backoff = initialBackoff
	return len(processed), true
}

// publish loads anomalies until it succeeds and then marks them published.
// A failed mark only means a redelivery publishes them again. Returns false
// if the pipeline stopped first.
func (p *Pipeline) publish(ctx context.Context, anomalies []*domain.Anomaly, backoff *time.Duration) bool {
	for {
		err := p.loader.LoadBatch(ctx, anomalies)
		if err == nil {
			break
		}
		p.logger.Error("load batch failed", "error", err, "batch_size", len(anomalies))
		if !p.backoffOrStop(ctx, backoff) {
			return false
		}
	}
	p.metrics.AnomaliesProduced.Add(float64(len(anomalies)))
	if err := p.ingester.MarkPublished(ctx, anomalies); err != nil {
		p.logger.Warn("mark published failed", "error", err, "batch_size", len(anomalies))
	}
	return true
}

func (p *Pipeline) skip(ctx context.Context, raw domain.RawEvent, err error) {
	p.logger.Warn("invalid feed item, skipping message",
		"error", err,
		"topic", raw.Topic,
		"partition", raw.Partition,
		"offset", raw.Offset,
	)
	p.metrics.IngestErrors.Inc()
	p.commitOffset(ctx, raw)
}

// backoffOrStop sleeps with the current backoff and advances it. Returns
// false if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return true
}

func (p *Pipeline) commitOffset(ctx context.Context, raw domain.RawEvent) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
