package domain

import (
	"encoding/json"
	"time"
)

const (
	// DefaultFailureMessage is recorded when a session fails without a reason.
	DefaultFailureMessage = "workflow execution failed"
	// DefaultFinalResult is recorded when a unit completes without a response.
	DefaultFinalResult = "Workflow completed successfully"
)

// Session is one tracked attempt to execute a workflow.
type Session struct {
	SessionID           string            `json:"session_id"`
	UserID              string            `json:"user_id"`
	Query               string            `json:"query"`
	WorkflowKind        WorkflowKind      `json:"workflow_kind"`
	CogName             string            `json:"cog_name,omitempty"`
	Status              SessionStatus     `json:"status"`
	CurrentAgent        string            `json:"current_agent,omitempty"`
	Progress            int               `json:"progress"`
	IntermediateResults []json.RawMessage `json:"intermediate_results"`
	FinalResult         string            `json:"final_result,omitempty"`
	ErrorMessage        string            `json:"error_message,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
}

// NewSession returns a queued session at 0%.
func NewSession(sessionID, userID, query string, kind WorkflowKind, cogName string, now time.Time) *Session {
	return &Session{
		SessionID:           sessionID,
		UserID:              userID,
		Query:               query,
		WorkflowKind:        kind,
		CogName:             cogName,
		Status:              StatusQueued,
		Progress:            0,
		IntermediateResults: []json.RawMessage{},
		CreatedAt:           now,
	}
}

// Clone returns a deep copy safe to hand to readers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.IntermediateResults = make([]json.RawMessage, len(s.IntermediateResults))
	for i, r := range s.IntermediateResults {
		c.IntermediateResults[i] = append(json.RawMessage(nil), r...)
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Apply merges a progress event into the session and reports whether any
// field changed. Once the session is terminal every event is a no-op.
//
// Merge order: an error wins over every other field; otherwise status (only
// along a valid transition), current agent, progress (regressions are
// ignored), intermediate result (appended) and final result.
func (s *Session) Apply(ev ProgressEvent, now time.Time) bool {
	if s.Status.IsTerminal() || ev.Kind == EventKindKeepalive {
		return false
	}

	if ev.Error != "" {
		s.fail(ev.Error, now)
		return true
	}

	changed := false
	if ev.Status != "" && ev.Status != s.Status && CanTransition(s.Status, ev.Status) {
		s.setStatus(ev.Status, now)
		if ev.Status == StatusFailed {
			msg := ev.Message
			if msg == "" {
				msg = DefaultFailureMessage
			}
			s.fail(msg, now)
			return true
		}
		changed = true
	}
	if ev.CurrentAgent != "" && ev.CurrentAgent != s.CurrentAgent {
		s.CurrentAgent = ev.CurrentAgent
		changed = true
	}
	if ev.Progress != nil && *ev.Progress > s.Progress {
		s.Progress = *ev.Progress
		changed = true
	}
	if len(ev.IntermediateResult) > 0 {
		s.IntermediateResults = append(s.IntermediateResults, append(json.RawMessage(nil), ev.IntermediateResult...))
		changed = true
	}
	if ev.FinalResult != "" && ev.FinalResult != s.FinalResult {
		s.FinalResult = ev.FinalResult
		changed = true
	}
	return changed
}

// Complete forces a successful terminal commit. The status walks forward
// through the remaining states so the transition rules still hold.
func (s *Session) Complete(result string, now time.Time) bool {
	if s.Status.IsTerminal() {
		return false
	}
	for s.Status != StatusExecuting {
		s.setStatus(transitions[s.Status][0], now)
	}
	s.setStatus(StatusCompleted, now)
	if s.FinalResult == "" {
		s.FinalResult = result
	}
	if s.FinalResult == "" {
		s.FinalResult = DefaultFinalResult
	}
	s.ErrorMessage = ""
	s.Progress = 100
	return true
}

// Fail forces a failed terminal commit.
func (s *Session) Fail(errMsg string, now time.Time) bool {
	if s.Status.IsTerminal() {
		return false
	}
	if errMsg == "" {
		errMsg = DefaultFailureMessage
	}
	s.fail(errMsg, now)
	return true
}

func (s *Session) fail(errMsg string, now time.Time) {
	s.setStatus(StatusFailed, now)
	s.ErrorMessage = errMsg
	s.FinalResult = ""
}

func (s *Session) setStatus(status SessionStatus, now time.Time) {
	if s.StartedAt == nil && status != StatusQueued {
		t := now
		s.StartedAt = &t
	}
	if status.IsTerminal() && s.CompletedAt == nil {
		t := now
		s.CompletedAt = &t
	}
	s.Status = status
}
