package messagequeue

import "time"

// EventPayload is the schema for audit.events.{session} messages.
type EventPayload struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Sequence  int64          `json:"sequence"`
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// CancelPayload is the schema for audit.control.cancel messages.
type CancelPayload struct {
	TaskID    string `json:"task_id"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
	Propagate *bool  `json:"propagate,omitempty"` // default true
}

// PropagateOrDefault reports whether the cancel should cascade to children.
func (p CancelPayload) PropagateOrDefault() bool {
	return p.Propagate == nil || *p.Propagate
}

// CancelAllPayload is the schema for audit.control.cancel_all messages.
type CancelAllPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}
