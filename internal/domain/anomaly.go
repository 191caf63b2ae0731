package domain

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Status is the review state of an anomaly.
type Status string

const (
	StatusDetected  Status = "detected"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusEscalated Status = "escalated"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDetected, StatusApproved, StatusRejected, StatusEscalated:
		return true
	}
	return false
}

// Action is a requested lifecycle transition.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionEscalate Action = "escalate"
	ActionUpdate   Action = "update"
)

// ParseAction validates a transition name.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionApprove, ActionReject, ActionEscalate, ActionUpdate:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// AuditAction is the past-tense action recorded in the audit ledger.
type AuditAction string

const (
	AuditCreated   AuditAction = "created"
	AuditUpdated   AuditAction = "updated"
	AuditApproved  AuditAction = "approved"
	AuditRejected  AuditAction = "rejected"
	AuditEscalated AuditAction = "escalated"
)

// Audited returns the ledger action recorded for a transition.
func (a Action) Audited() AuditAction {
	switch a {
	case ActionApprove:
		return AuditApproved
	case ActionReject:
		return AuditRejected
	case ActionEscalate:
		return AuditEscalated
	default:
		return AuditUpdated
	}
}

// Actor identifies who caused a mutation.
type Actor string

const (
	ActorHuman  Actor = "human"
	ActorSystem Actor = "system"
)

// Valid reports whether a is a known actor.
func (a Actor) Valid() bool {
	return a == ActorHuman || a == ActorSystem
}

// Provenance records where an analysis came from.
type Provenance struct {
	Origin         string                  `json:"origin"` // "detector", "feed", "upload"
	Providers      []string                `json:"providers,omitempty"`
	SourceStatuses map[string]SignalStatus `json:"source_statuses,omitempty"`
	AnalyzedAt     time.Time               `json:"analyzed_at"`
}

// AIAnalysis is the consensus an anomaly was created from plus its provenance.
type AIAnalysis struct {
	Result     ConsensusResult `json:"result"`
	Provenance Provenance      `json:"provenance"`
}

// Anomaly is the persisted, lifecycle-tracked record of a detected event.
type Anomaly struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Severity    Severity    `json:"severity"`
	Confidence  float64     `json:"confidence"`
	Status      Status      `json:"status"`
	Location    *Location   `json:"location,omitempty"`
	Modalities  []AgentType `json:"modalities"`
	AIAnalysis  AIAnalysis  `json:"ai_analysis"`
	Timestamp   time.Time   `json:"timestamp"`
	LastUpdated time.Time   `json:"last_updated"`
	Tags        []string    `json:"tags"`
	SourceAPIs  []string    `json:"source_apis"`
	WorkflowID  string      `json:"workflow_id,omitempty"`
	// DedupKey is the "source:eventId" key for feed-created anomalies.
	DedupKey string `json:"dedup_key,omitempty"`
}

// AnomalyState is the mutable portion of an anomaly captured in audit entries.
type AnomalyState struct {
	Status      Status   `json:"status"`
	Severity    Severity `json:"severity"`
	Confidence  float64  `json:"confidence"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	WorkflowID  string   `json:"workflow_id,omitempty"`
}

// State snapshots the mutable fields of a.
func (a *Anomaly) State() AnomalyState {
	return AnomalyState{
		Status:      a.Status,
		Severity:    a.Severity,
		Confidence:  a.Confidence,
		Title:       a.Title,
		Description: a.Description,
		Tags:        slices.Clone(a.Tags),
		WorkflowID:  a.WorkflowID,
	}
}

// Clone returns a deep copy of a.
func (a *Anomaly) Clone() *Anomaly {
	c := *a
	if a.Location != nil {
		loc := *a.Location
		c.Location = &loc
	}
	c.Modalities = slices.Clone(a.Modalities)
	c.Tags = slices.Clone(a.Tags)
	c.SourceAPIs = slices.Clone(a.SourceAPIs)
	c.AIAnalysis.Result.Agents = slices.Clone(a.AIAnalysis.Result.Agents)
	c.AIAnalysis.Provenance.Providers = slices.Clone(a.AIAnalysis.Provenance.Providers)
	return &c
}

// HasTag reports whether the anomaly carries tag.
func (a *Anomaly) HasTag(tag string) bool {
	return slices.Contains(a.Tags, tag)
}

// FieldChange is one field difference between two states.
type FieldChange struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// DiffStates lists the fields that differ between prev and cur.
func DiffStates(prev, cur AnomalyState) []FieldChange {
	var changes []FieldChange
	add := func(field, from, to string) {
		if from != to {
			changes = append(changes, FieldChange{Field: field, From: from, To: to})
		}
	}
	add("status", string(prev.Status), string(cur.Status))
	add("severity", string(prev.Severity), string(cur.Severity))
	add("confidence", formatConfidence(prev.Confidence), formatConfidence(cur.Confidence))
	add("title", prev.Title, cur.Title)
	add("description", prev.Description, cur.Description)
	add("tags", strings.Join(prev.Tags, ","), strings.Join(cur.Tags, ","))
	add("workflow_id", prev.WorkflowID, cur.WorkflowID)
	return changes
}

func formatConfidence(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// AuditLogEntry is one immutable ledger record.
type AuditLogEntry struct {
	ID            string        `json:"id"`
	AnomalyID     string        `json:"anomaly_id"`
	Action        AuditAction   `json:"action"`
	Actor         Actor         `json:"actor"`
	Reasoning     string        `json:"reasoning,omitempty"`
	Changes       []FieldChange `json:"changes,omitempty"`
	PreviousState *AnomalyState `json:"previous_state,omitempty"`
	CurrentState  AnomalyState  `json:"current_state"`
	Timestamp     time.Time     `json:"timestamp"`
}

// AnomalyFilter narrows anomaly searches. Zero values mean "no constraint".
type AnomalyFilter struct {
	Statuses      []Status
	Severities    []Severity
	MinConfidence *float64
	MaxConfidence *float64
	From          time.Time
	To            time.Time
	Tag           string
	Limit         int
	Offset        int
}

// WorkflowStatus is the state of a downstream automation job.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether no further updates are expected.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// Workflow links an anomaly to a downstream job.
type Workflow struct {
	ID        string         `json:"id"`
	AnomalyID string         `json:"anomaly_id"`
	JobID     string         `json:"job_id"`
	Status    WorkflowStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
