package domain

import "time"

// Stream frame types.
const (
	FrameTypeStatus    = "status"
	FrameTypeKeepalive = "keepalive"
)

// StreamFrame is one server-pushed snapshot of a session.
type StreamFrame struct {
	Type         string        `json:"type"`
	SessionID    string        `json:"sessionId,omitempty"`
	Status       SessionStatus `json:"status,omitempty"`
	Progress     int           `json:"progress"`
	CurrentAgent string        `json:"currentAgent,omitempty"`
	Message      string        `json:"message,omitempty"`
	FinalResult  string        `json:"finalResult,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Ts           int64         `json:"ts"`
}

// IsTerminal reports whether the frame carries a terminal status.
func (f StreamFrame) IsTerminal() bool {
	return f.Type == FrameTypeStatus && f.Status.IsTerminal()
}

// SnapshotFrame builds a status frame from a session.
func SnapshotFrame(s *Session, now time.Time) StreamFrame {
	f := StreamFrame{
		Type:         FrameTypeStatus,
		SessionID:    s.SessionID,
		Status:       s.Status,
		Progress:     s.Progress,
		CurrentAgent: s.CurrentAgent,
		Ts:           now.UnixMilli(),
	}
	switch s.Status {
	case StatusCompleted:
		f.Message = "Execution completed"
		f.FinalResult = s.FinalResult
	case StatusFailed:
		f.Message = "Execution failed"
		f.ErrorMessage = s.ErrorMessage
	default:
		f.Message = "Status: " + string(s.Status)
	}
	return f
}

// KeepaliveFrame builds a liveness frame.
func KeepaliveFrame(sessionID string, now time.Time) StreamFrame {
	return StreamFrame{
		Type:      FrameTypeKeepalive,
		SessionID: sessionID,
		Message:   "Connection active",
		Ts:        now.UnixMilli(),
	}
}
