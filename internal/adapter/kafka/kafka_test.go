package kafka

import (
	"encoding/json"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

func TestMapMessageToRawEvent(t *testing.T) {
	now := time.Now()
	msg := kafkago.Message{
		Key:       []byte("usgs:us7000abcd"),
		Value:     []byte(`{"source":"usgs","event_id":"us7000abcd"}`),
		Topic:     "raw-event-feeds",
		Partition: 2,
		Offset:    42,
		Time:      now,
		Headers: []kafkago.Header{
			{Key: "source", Value: []byte("usgs")},
		},
	}

	raw := mapMessageToRawEvent(msg)

	assert.Equal(t, []byte("usgs:us7000abcd"), raw.Key)
	assert.JSONEq(t, `{"source":"usgs","event_id":"us7000abcd"}`, string(raw.Value))
	assert.Equal(t, "raw-event-feeds", raw.Topic)
	assert.Equal(t, 2, raw.Partition)
	assert.Equal(t, int64(42), raw.Offset)
	assert.Equal(t, now, raw.Timestamp)
	assert.Equal(t, "usgs", raw.Headers["source"])
	assert.Nil(t, raw.Commit)
}

func TestSerializeToMessage(t *testing.T) {
	detected := time.Date(2024, 4, 26, 15, 10, 0, 0, time.UTC)
	a := &domain.Anomaly{
		ID:         "a-1",
		Title:      "M6.1 earthquake",
		Severity:   domain.SeverityHigh,
		Confidence: 0.72,
		Status:     domain.StatusDetected,
		Timestamp:  detected,
		Tags:       []string{"usgs:us7000abcd", "seismic"},
	}

	msg, err := serializeToMessage(a)
	require.NoError(t, err)

	assert.Equal(t, []byte("a-1"), msg.Key)
	var decoded domain.Anomaly
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, a.Tags, decoded.Tags)
	assert.Equal(t, domain.SeverityHigh, decoded.Severity)

	require.Len(t, msg.Headers, 3)
	assert.Equal(t, "severity", msg.Headers[0].Key)
	assert.Equal(t, []byte("high"), msg.Headers[0].Value)
	assert.Equal(t, "status", msg.Headers[1].Key)
	assert.Equal(t, []byte("detected"), msg.Headers[1].Value)
	assert.Equal(t, "detected_at", msg.Headers[2].Key)
	assert.Equal(t, []byte(detected.Format(time.RFC3339)), msg.Headers[2].Value)
}
