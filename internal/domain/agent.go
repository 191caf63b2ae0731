package domain

import (
	"math"
	"sort"
)

// AgentType is the modality an agent analyzes.
type AgentType string

const (
	AgentText         AgentType = "text"
	AgentImage        AgentType = "image"
	AgentAudio        AgentType = "audio"
	AgentSensor       AgentType = "sensor"
	AgentVerification AgentType = "verification"
	AgentForecasting  AgentType = "forecasting"
)

// AgentStatus is the outcome of one agent run.
type AgentStatus string

const (
	AgentOK    AgentStatus = "ok"
	AgentError AgentStatus = "error"
)

// AgentOutput is the result of one analysis task.
type AgentOutput struct {
	AgentType  AgentType   `json:"agent_type"`
	Confidence float64     `json:"confidence"`
	Output     string      `json:"output"`
	Status     AgentStatus `json:"status"`
	Provider   string      `json:"provider,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// FailedAgent builds an error output for an agent that could not run.
func FailedAgent(agent AgentType, err error) AgentOutput {
	return AgentOutput{
		AgentType: agent,
		Status:    AgentError,
		Error:     err.Error(),
	}
}

// Task is a unit of work for a remote AI provider.
type Task struct {
	Agent  AgentType `json:"agent"`
	Prompt string    `json:"prompt"`
}

// ConsensusResult aggregates agent outputs.
type ConsensusResult struct {
	Consensus float64       `json:"consensus"`
	Severity  Severity      `json:"severity"`
	Agents    []AgentOutput `json:"agents"`
}

// ComputeConsensus averages the confidence of successful agents and maps the
// result onto the policy's severity ladder. Failed agents are kept in the
// output but excluded from the mean. With no successful agent the consensus
// is 0 and the severity low.
func ComputeConsensus(agents []AgentOutput, policy Policy) ConsensusResult {
	confidences := make([]float64, 0, len(agents))
	for _, a := range agents {
		if a.Status == AgentError {
			continue
		}
		confidences = append(confidences, clamp01(a.Confidence))
	}

	var consensus float64
	if len(confidences) > 0 {
		// Sum in sorted order so the result does not depend on agent order.
		sort.Float64s(confidences)
		var sum float64
		for _, c := range confidences {
			sum += c
		}
		consensus = sum / float64(len(confidences))
	}

	if agents == nil {
		agents = []AgentOutput{}
	}
	return ConsensusResult{
		Consensus: consensus,
		Severity:  policy.SeverityFor(consensus),
		Agents:    agents,
	}
}

// ConfidenceSpread is the distance between the highest and lowest confidence
// among successful agents. It is 0 with fewer than two.
func ConfidenceSpread(agents []AgentOutput) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	n := 0
	for _, a := range agents {
		if a.Status == AgentError {
			continue
		}
		n++
		lo = math.Min(lo, a.Confidence)
		hi = math.Max(hi, a.Confidence)
	}
	if n < 2 {
		return 0
	}
	return hi - lo
}

// Modalities returns the distinct agent types that succeeded, in first-seen order.
func Modalities(agents []AgentOutput) []AgentType {
	seen := make(map[AgentType]bool, len(agents))
	var out []AgentType
	for _, a := range agents {
		if a.Status == AgentError || seen[a.AgentType] {
			continue
		}
		seen[a.AgentType] = true
		out = append(out, a.AgentType)
	}
	return out
}
