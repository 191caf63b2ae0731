// Package aggregator fans a query out to every configured source connector
// and joins the results into one SignalSet.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
	"github.com/couchcryptid/storm-anomaly-service/internal/observability"
)

// Connector fetches one payload from one external source. Connectors own any
// retry policy; the aggregator calls each exactly once per round.
type Connector interface {
	ID() string
	Kind() domain.SourceKind
	Fetch(ctx context.Context, q domain.Query) (domain.Payload, error)
}

// Aggregator runs one concurrent round across all connectors.
type Aggregator struct {
	connectors []Connector
	timeout    time.Duration
	geocoder   domain.Geocoder
	stats      *observability.Stats
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithGeocoder resolves named locations to coordinates before fan-out.
func WithGeocoder(g domain.Geocoder) Option {
	return func(a *Aggregator) { a.geocoder = g }
}

// WithStats records each round in s.
func WithStats(s *observability.Stats) Option {
	return func(a *Aggregator) { a.stats = s }
}

// New creates an Aggregator. The timeout applies to each connector call
// individually. Connector order is the order of the resulting signals.
func New(connectors []Connector, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Aggregator {
	a := &Aggregator{
		connectors: connectors,
		timeout:    timeout,
		logger:     logger,
		metrics:    metrics,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Sources returns the registered connector ids in order.
func (a *Aggregator) Sources() []string {
	ids := make([]string, len(a.connectors))
	for i, c := range a.connectors {
		ids[i] = c.ID()
	}
	return ids
}

// Aggregate queries every connector and returns one signal per connector in
// registration order. Failures and timeouts become non-OK signals; the round
// itself never fails.
func (a *Aggregator) Aggregate(ctx context.Context, loc domain.Location, query string) domain.SignalSet {
	start := time.Now()
	loc = a.resolve(ctx, loc)
	q := domain.Query{Location: loc, Text: query}

	signals := make([]domain.Signal, len(a.connectors))
	var g errgroup.Group
	for i, c := range a.connectors {
		g.Go(func() error {
			signals[i] = a.collect(ctx, c, q)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, s := range signals {
		a.metrics.SourceFetches.WithLabelValues(s.SourceID, string(s.Status)).Inc()
		if !s.OK() {
			failed++
			a.logger.Warn("source degraded",
				"source", s.SourceID,
				"status", s.Status,
				"reason", s.Reason,
				"error", s.Error,
			)
		}
	}
	a.metrics.AggregationDuration.Observe(time.Since(start).Seconds())
	if a.stats != nil {
		a.stats.RecordAggregation(failed)
	}

	return domain.SignalSet{
		Location:    loc,
		Query:       query,
		Signals:     signals,
		CollectedAt: domain.Now(),
	}
}

// resolve geocodes loc under the same per-call deadline as a connector.
func (a *Aggregator) resolve(ctx context.Context, loc domain.Location) domain.Location {
	if a.geocoder == nil {
		return loc
	}
	geoCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return domain.ResolveLocation(geoCtx, loc, a.geocoder, a.logger)
}

type fetchResult struct {
	payload domain.Payload
	err     error
}

// collect calls one connector under its own deadline. The call runs in its
// own goroutine so a connector that ignores ctx still cannot hold the round
// past the deadline.
func (a *Aggregator) collect(ctx context.Context, c Connector, q domain.Query) domain.Signal {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetchResult{err: fmt.Errorf("connector panic: %v", r)}
			}
		}()
		p, err := c.Fetch(callCtx, q)
		done <- fetchResult{payload: p, err: err}
	}()

	sig := domain.Signal{SourceID: c.ID(), Kind: c.Kind()}
	if q.Location.Name != "" || q.Location.HasCoords() {
		loc := q.Location
		sig.Location = &loc
	}

	var res fetchResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = fetchResult{err: callCtx.Err()}
	}
	sig.Timestamp = domain.Now()

	if res.err != nil {
		return failSignal(sig, res.err)
	}
	reading, err := domain.Normalize(res.payload)
	if err != nil {
		return failSignal(sig, err)
	}
	if reading.ObservedAt.IsZero() {
		reading.ObservedAt = sig.Timestamp
	}
	sig.Status = domain.SignalOK
	sig.Reading = reading
	return sig
}

func failSignal(sig domain.Signal, err error) domain.Signal {
	sig.Reason = reasonFor(err)
	sig.Status = domain.SignalError
	if sig.Reason == domain.ReasonTimeout {
		sig.Status = domain.SignalTimeout
	}
	sig.Error = err.Error()
	return sig
}

func reasonFor(err error) domain.ReasonCode {
	var serr *domain.SourceError
	switch {
	case errors.As(err, &serr) && serr.Reason != "":
		return serr.Reason
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ReasonTimeout
	case errors.Is(err, domain.ErrMalformedPayload):
		return domain.ReasonMalformed
	default:
		return domain.ReasonUnavailable
	}
}
