// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the audit runtime. Event subjects are built from the
// configured prefix as <prefix>.<session_id>.
const (
	SubjectEvents    = "audit.events"             // audit.events.{session}: broadcast of sequenced events
	SubjectCancel    = "audit.control.cancel"     // cancel one task (optionally its subtree)
	SubjectCancelAll = "audit.control.cancel_all" // cancel every registered task

	// DLQSuffix is appended to a subject for messages that failed validation.
	DLQSuffix = ".dlq"
)

// EventSubject returns the subject carrying events of sessionID.
func EventSubject(prefix, sessionID string) string {
	if prefix == "" {
		prefix = SubjectEvents
	}
	return prefix + "." + sessionID
}
