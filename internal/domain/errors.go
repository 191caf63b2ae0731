package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable marks a connector failure. It degrades one signal
	// and never propagates past the aggregator.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrRateLimited is returned when every AI provider has exhausted its window.
	ErrRateLimited = errors.New("all providers rate limited")
	// ErrProviderError marks a single provider failure.
	ErrProviderError = errors.New("provider error")
	// ErrDuplicateEvent marks a feed item whose dedup key already exists.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrPersistence marks a failed anomaly or audit write. The transition is aborted.
	ErrPersistence = errors.New("persistence failure")
	// ErrWorkflowTrigger marks a failed downstream workflow trigger.
	ErrWorkflowTrigger = errors.New("workflow trigger failure")

	ErrNotFound         = errors.New("not found")
	ErrInvalidAction    = errors.New("invalid action")
	ErrUnknownSeverity  = errors.New("unknown severity")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrInvalidFeedItem  = errors.New("invalid feed item")
	ErrNoGeocodeMatch   = errors.New("no geocoding match")
)

// ReasonCode classifies why a connector call failed.
type ReasonCode string

const (
	ReasonTimeout     ReasonCode = "timeout"
	ReasonHTTPStatus  ReasonCode = "http_status"
	ReasonMalformed   ReasonCode = "malformed"
	ReasonUnavailable ReasonCode = "unavailable"
)

// SourceError is a connector failure with a reason code.
type SourceError struct {
	SourceID string
	Reason   ReasonCode
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %s: %v", e.SourceID, e.Reason, e.Err)
}

func (e *SourceError) Unwrap() []error {
	return []error{ErrSourceUnavailable, e.Err}
}

// ProviderError is a failure of one AI provider.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	return []error{ErrProviderError, e.Err}
}
