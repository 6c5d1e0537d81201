package messagequeue

// SessionStartedPayload is the schema for sessions.started messages.
type SessionStartedPayload struct {
	SessionID string `json:"session_id"`
	Operation string `json:"operation"`
	Async     bool   `json:"async"`
}

// SessionFinishedPayload is the schema for sessions.finished messages.
type SessionFinishedPayload struct {
	SessionID  string `json:"session_id"`
	Operation  string `json:"operation"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

// SessionCancelPayload is the schema for sessions.cancel messages.
type SessionCancelPayload struct {
	SessionID string `json:"session_id"`
}
