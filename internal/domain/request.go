package domain

// SubmitRequest represents a request to execute a workflow.
type SubmitRequest struct {
	SessionID    string `json:"session_id,omitempty"`
	Query        string `json:"query"`
	WorkflowKind string `json:"workflow_kind,omitempty"`
	CogName      string `json:"cog_name,omitempty"`
	Timeout      int    `json:"timeout,omitempty"` // seconds
}

// SubmitResponse is returned as soon as the session is queued.
type SubmitResponse struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
	Message   string        `json:"message"`
}

// ListSessionsResponse is a page of sessions owned by one user.
type ListSessionsResponse struct {
	Sessions []Session `json:"sessions"`
	Offset   int       `json:"offset"`
	Limit    int       `json:"limit"`
	HasMore  bool      `json:"has_more"`
}

// UnitsResponse lists the execution units a caller may name.
type UnitsResponse struct {
	Cogs     []string                `json:"cogs"`
	Defaults map[WorkflowKind]string `json:"defaults"`
}

// HealthResponse reports whether the unit library is usable.
type HealthResponse struct {
	Status               string `json:"status"`
	UnitLibraryAvailable bool   `json:"unit_library_available"`
	Mode                 string `json:"mode"`
	Version              string `json:"version"`
	Ts                   int64  `json:"ts"`
}

// CancelResponse is returned after a cancellation request.
type CancelResponse struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
	Message   string        `json:"message"`
}
