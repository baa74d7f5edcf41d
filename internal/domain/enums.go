// Package domain defines the core domain models for the workflow orchestrator.
package domain

import (
	"fmt"
	"strings"
)

// SessionStatus represents the status of a workflow session.
type SessionStatus string

const (
	StatusQueued    SessionStatus = "queued"
	StatusAnalyzing SessionStatus = "analyzing"
	StatusExecuting SessionStatus = "executing"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
)

// transitions lists the valid next states for every non-terminal state.
var transitions = map[SessionStatus][]SessionStatus{
	StatusQueued:    {StatusAnalyzing, StatusFailed},
	StatusAnalyzing: {StatusExecuting, StatusFailed},
	StatusExecuting: {StatusCompleted, StatusFailed},
}

// IsTerminal reports whether no further transitions are allowed.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusAnalyzing, StatusExecuting, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a session in state from may move to state to.
// Staying in the same non-terminal state is allowed.
func CanTransition(from, to SessionStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WorkflowKind is the category of task requested.
type WorkflowKind string

const (
	WorkflowExecution   WorkflowKind = "execution"
	WorkflowMaintenance WorkflowKind = "maintenance"
	WorkflowAnalysis    WorkflowKind = "analysis"
)

// WorkflowKinds lists every supported kind in a stable order.
var WorkflowKinds = []WorkflowKind{WorkflowExecution, WorkflowMaintenance, WorkflowAnalysis}

// ParseWorkflowKind parses a kind case-insensitively. An empty string yields
// WorkflowExecution.
func ParseWorkflowKind(raw string) (WorkflowKind, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return WorkflowExecution, nil
	}
	for _, k := range WorkflowKinds {
		if string(k) == raw {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown workflow kind %q", raw)
}

// EventKind is the type of a progress event.
type EventKind string

const (
	EventKindStatus    EventKind = "status"
	EventKindResult    EventKind = "result"
	EventKindError     EventKind = "error"
	EventKindKeepalive EventKind = "keepalive"
)
