// Package event defines the AuditEvent streamed to subscribers and stored in
// the event log.
package event

import (
	"strings"
	"time"
)

// Type identifies the kind of audit event.
type Type string

const (
	TypePhaseStart    Type = "phase_start"
	TypePhaseComplete Type = "phase_complete"
	TypeThinking      Type = "thinking"
	TypeThinkingToken Type = "thinking_token"
	TypeLLMThought    Type = "llm_thought"
	TypeLLMDecision   Type = "llm_decision"
	TypeLLMAction     Type = "llm_action"
	TypeToolCall      Type = "tool_call"
	TypeToolResult    Type = "tool_result"
	TypeInfo          Type = "info"
	TypeWarning       Type = "warning"
	TypeError         Type = "error"
	TypeStatus        Type = "status"
	TypeProgress      Type = "progress"

	// Executor lifecycle
	TypeTaskStart    Type = "task_start"
	TypeTaskComplete Type = "task_complete"
	TypeTaskError    Type = "task_error"
	TypeTaskCancel   Type = "task_cancel"

	TypeFindingNew      Type = "finding_new"
	TypeFindingVerified Type = "finding_verified"
	TypeSpanStart       Type = "span_start"
	TypeSpanEnd         Type = "span_end"

	// Transport only, never sequenced.
	TypeHeartbeat Type = "heartbeat"
)

// Batched reports whether events of this type are collected into a
// per-session buffer before delivery.
func (t Type) Batched() bool {
	return t == TypeThinking || t == TypeLLMThought
}

// Throttled reports whether events of this type are rate limited per session.
func (t Type) Throttled() bool {
	return t == TypeThinking || t == TypeLLMThought || t == TypeThinkingToken
}

// AuditEvent is one entry of a session stream. Sequence is assigned by the
// event pipeline; the event is immutable afterwards.
type AuditEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Sequence  int64          `json:"sequence"`
	Type      Type           `json:"event_type"`
	Source    string         `json:"source,omitempty"`
	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`

	// IdempotencyKey derives a stable ID when ID is empty.
	IdempotencyKey string `json:"-"`
}

// Sanitize replaces invalid UTF-8 and removes control characters other than
// newline and tab.
func Sanitize(s string) string {
	s = strings.ToValidUTF8(s, "�")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f || (r >= 0x80 && r < 0xa0) {
			return -1
		}
		return r
	}, s)
}
