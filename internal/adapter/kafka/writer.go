// Package kafka reads raw feed items from and publishes created anomalies to
// Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/storm-anomaly-service/internal/config"
	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

// Writer publishes anomalies to the anomaly topic.
// It implements pipeline.BatchLoader.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured anomaly topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaAnomalyTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// LoadBatch publishes anomalies in a single WriteMessages call. Messages are
// keyed by anomaly id so updates for one anomaly stay on one partition.
func (w *Writer) LoadBatch(ctx context.Context, anomalies []*domain.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(anomalies))
	for i, a := range anomalies {
		msg, err := serializeToMessage(a)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish anomalies: %w", err)
	}
	w.logger.Debug("published anomalies", "count", len(msgs))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

func serializeToMessage(a *domain.Anomaly) (kafkago.Message, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize anomaly %s: %w", a.ID, err)
	}
	return kafkago.Message{
		Key:   []byte(a.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "severity", Value: []byte(a.Severity)},
			{Key: "status", Value: []byte(a.Status)},
			{Key: "detected_at", Value: []byte(a.Timestamp.Format(time.RFC3339))},
		},
	}, nil
}
