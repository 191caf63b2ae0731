package domain

import "time"

// AlertStatus is the alert-facing name of an anomaly status.
type AlertStatus string

const (
	AlertNew          AlertStatus = "new"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertEscalated    AlertStatus = "escalated"
)

// statusMappings is the single table relating anomaly and alert statuses.
var statusMappings = []struct {
	anomaly Status
	alert   AlertStatus
}{
	{StatusDetected, AlertNew},
	{StatusApproved, AlertAcknowledged},
	{StatusRejected, AlertResolved},
	{StatusEscalated, AlertEscalated},
}

// AlertStatusFor maps an anomaly status to its alert name.
func AlertStatusFor(s Status) (AlertStatus, bool) {
	for _, m := range statusMappings {
		if m.anomaly == s {
			return m.alert, true
		}
	}
	return "", false
}

// AnomalyStatusFor maps an alert status back to the anomaly status.
func AnomalyStatusFor(s AlertStatus) (Status, bool) {
	for _, m := range statusMappings {
		if m.alert == s {
			return m.anomaly, true
		}
	}
	return "", false
}

// AlertSeverities are the severities projected as alerts.
var AlertSeverities = []Severity{SeverityHigh, SeverityCritical}

// Alert is a read-only view of a high or critical anomaly.
type Alert struct {
	AnomalyID  string      `json:"anomaly_id"`
	Title      string      `json:"title"`
	Severity   Severity    `json:"severity"`
	Status     AlertStatus `json:"status"`
	Confidence float64     `json:"confidence"`
	Location   *Location   `json:"location,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// AlertFromAnomaly projects a as an alert. It returns false when a is not
// severe enough to be an alert.
func AlertFromAnomaly(a *Anomaly) (Alert, bool) {
	if !a.Severity.AtLeast(SeverityHigh) {
		return Alert{}, false
	}
	status, ok := AlertStatusFor(a.Status)
	if !ok {
		return Alert{}, false
	}
	return Alert{
		AnomalyID:  a.ID,
		Title:      a.Title,
		Severity:   a.Severity,
		Status:     status,
		Confidence: a.Confidence,
		Location:   a.Location,
		Timestamp:  a.Timestamp,
	}, true
}
