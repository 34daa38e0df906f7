// Package broadcast defines the port for fanning audit events out to
// processes beyond the local pipeline.
package broadcast

import (
	"context"

	"github.com/Strob0t/auditrt/internal/domain/event"
)

// Broadcaster sends a sequenced audit event to remote listeners.
// Failures are reported but never block local delivery.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev *event.AuditEvent) error
}
