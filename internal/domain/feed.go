package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RawEvent is an unprocessed message from the feed topic.
type RawEvent struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// FeedItem is one entry from an external event feed.
type FeedItem struct {
	Source      string          `json:"source"`
	EventID     string          `json:"event_id"`
	Kind        SourceKind      `json:"kind"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Severity    string          `json:"severity,omitempty"`
	Location    *Location       `json:"location,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// DedupKey is the stable "source:eventId" identity of the item.
func (f FeedItem) DedupKey() string {
	return f.Source + ":" + f.EventID
}

// Validate checks the fields required for deduplication and scoring.
func (f FeedItem) Validate() error {
	switch {
	case strings.TrimSpace(f.Source) == "":
		return fmt.Errorf("%w: missing source", ErrInvalidFeedItem)
	case strings.TrimSpace(f.EventID) == "":
		return fmt.Errorf("%w: missing event_id", ErrInvalidFeedItem)
	case !f.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidFeedItem, f.Kind)
	}
	return nil
}

// ParseFeedItem decodes and validates a feed message.
func ParseFeedItem(raw RawEvent) (FeedItem, error) {
	var item FeedItem
	if err := json.Unmarshal(raw.Value, &item); err != nil {
		return FeedItem{}, fmt.Errorf("parse feed item: %w", err)
	}
	item.Source = strings.ToLower(strings.TrimSpace(item.Source))
	item.EventID = strings.TrimSpace(item.EventID)
	if item.OccurredAt.IsZero() {
		item.OccurredAt = raw.Timestamp
	}
	if err := item.Validate(); err != nil {
		return FeedItem{}, err
	}
	return item, nil
}
