package event

// ReplayRequest holds the parameters for replaying a session's events.
type ReplayRequest struct {
	SessionID string `json:"session_id"`
	After     int64  `json:"after"`           // Return events with sequence > After
	Limit     int    `json:"limit,omitempty"` // 0 means the pipeline default
	Types     []Type `json:"types,omitempty"` // Empty means all types
}

// ReplayResult contains the outcome of a replay request.
type ReplayResult struct {
	SessionID    string       `json:"session_id"`
	Events       []AuditEvent `json:"events"`
	EventCount   int          `json:"event_count"`
	LastSequence int64        `json:"last_sequence"`
	HasMore      bool         `json:"has_more"`
}

// NewReplayResult builds a result page. HasMore is set when the page is full.
func NewReplayResult(sessionID string, events []AuditEvent, limit int) ReplayResult {
	r := ReplayResult{SessionID: sessionID, Events: events, EventCount: len(events)}
	if r.Events == nil {
		r.Events = []AuditEvent{}
	}
	if n := len(events); n > 0 {
		r.LastSequence = events[n-1].Sequence
	}
	r.HasMore = limit > 0 && len(events) == limit
	return r
}
