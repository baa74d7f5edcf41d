package domain

import (
	"encoding/json"
	"time"
)

// ProgressEvent describes one moment of workflow progress. Empty strings and
// nil pointers mean "not supplied".
type ProgressEvent struct {
	SessionID          string          `json:"session_id,omitempty"`
	Kind               EventKind       `json:"type"`
	Status             SessionStatus   `json:"status,omitempty"`
	Message            string          `json:"message,omitempty"`
	CurrentAgent       string          `json:"current_agent,omitempty"`
	Progress           *int            `json:"progress,omitempty"`
	IntermediateResult json.RawMessage `json:"intermediate_result,omitempty"`
	FinalResult        string          `json:"final_result,omitempty"`
	Error              string          `json:"error,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
}

// Percent returns a pointer to p, for filling ProgressEvent.Progress.
func Percent(p int) *int {
	return &p
}

// NewStatusEvent creates a status event.
func NewStatusEvent(status SessionStatus, message, agent string, progress int) ProgressEvent {
	return ProgressEvent{
		Kind:         EventKindStatus,
		Status:       status,
		Message:      message,
		CurrentAgent: agent,
		Progress:     Percent(progress),
		Timestamp:    time.Now(),
	}
}

// NewResultEvent creates an event carrying an intermediate payload.
func NewResultEvent(message string, progress int, payload json.RawMessage) ProgressEvent {
	return ProgressEvent{
		Kind:               EventKindResult,
		Status:             StatusExecuting,
		Message:            message,
		Progress:           Percent(progress),
		IntermediateResult: payload,
		Timestamp:          time.Now(),
	}
}

// NewErrorEvent creates a terminal error event.
func NewErrorEvent(errMsg string) ProgressEvent {
	return ProgressEvent{
		Kind:      EventKindError,
		Status:    StatusFailed,
		Error:     errMsg,
		Timestamp: time.Now(),
	}
}

// NewKeepaliveEvent creates a liveness event that carries no state.
func NewKeepaliveEvent() ProgressEvent {
	return ProgressEvent{
		Kind:      EventKindKeepalive,
		Message:   "Connection active",
		Timestamp: time.Now(),
	}
}

// Normalize fills defaults: the emission timestamp.
func (e *ProgressEvent) Normalize() {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
}
