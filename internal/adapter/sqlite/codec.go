package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

type scanner interface {
	Scan(dest ...any) error
}

// encodeAnomaly returns the insert arguments in anomalyColumns order.
func encodeAnomaly(a *domain.Anomaly) ([]any, error) {
	loc, err := nullJSON(a.Location, a.Location == nil)
	if err != nil {
		return nil, err
	}
	fields := []struct {
		name string
		v    any
	}{
		{"modalities", a.Modalities},
		{"ai analysis", a.AIAnalysis},
		{"tags", a.Tags},
		{"source apis", a.SourceAPIs},
	}
	encoded := make([]string, len(fields))
	for i, f := range fields {
		b, err := json.Marshal(f.v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.name, err)
		}
		encoded[i] = string(b)
	}

	var dedup sql.NullString
	if a.DedupKey != "" {
		dedup = sql.NullString{String: a.DedupKey, Valid: true}
	}

	return []any{
		a.ID, a.Title, a.Description, string(a.Severity), a.Confidence, string(a.Status), loc,
		encoded[0], encoded[1], encoded[2], encoded[3], a.WorkflowID, dedup,
		a.Timestamp.UnixNano(), a.LastUpdated.UnixNano(),
	}, nil
}

func scanAnomaly(s scanner) (*domain.Anomaly, error) {
	var (
		a                                      domain.Anomaly
		severity, status                       string
		loc, dedup                             sql.NullString
		modalities, analysis, tags, sourceAPIs string
		createdAt, updatedAt                   int64
	)
	err := s.Scan(&a.ID, &a.Title, &a.Description, &severity, &a.Confidence, &status, &loc,
		&modalities, &analysis, &tags, &sourceAPIs, &a.WorkflowID, &dedup,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	a.Severity = domain.Severity(severity)
	a.Status = domain.Status(status)
	a.DedupKey = dedup.String
	a.Timestamp = fromNanos(createdAt)
	a.LastUpdated = fromNanos(updatedAt)
	if loc.Valid {
		a.Location = &domain.Location{}
		if err := json.Unmarshal([]byte(loc.String), a.Location); err != nil {
			return nil, fmt.Errorf("decode location: %w", err)
		}
	}
	for _, f := range []struct {
		raw string
		dst any
	}{
		{modalities, &a.Modalities},
		{analysis, &a.AIAnalysis},
		{tags, &a.Tags},
		{sourceAPIs, &a.SourceAPIs},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode anomaly %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

// nullJSON encodes v, or returns NULL when isNull.
func nullJSON(v any, isNull bool) (sql.NullString, error) {
	if isNull {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode %T: %w", v, err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
