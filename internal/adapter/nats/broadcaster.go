package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/auditrt/internal/domain/event"
	"github.com/Strob0t/auditrt/internal/port/broadcast"
	"github.com/Strob0t/auditrt/internal/port/messagequeue"
)

// Broadcaster publishes sequenced events to <prefix>.<session_id>.
type Broadcaster struct {
	queue  messagequeue.Queue
	prefix string
}

var _ broadcast.Broadcaster = (*Broadcaster)(nil)

// NewBroadcaster returns a Broadcaster publishing through queue.
func NewBroadcaster(queue messagequeue.Queue, prefix string) *Broadcaster {
	return &Broadcaster{queue: queue, prefix: prefix}
}

// Broadcast encodes ev as JSON and publishes it.
func (b *Broadcaster) Broadcast(ctx context.Context, ev *event.AuditEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.queue.Publish(ctx, messagequeue.EventSubject(b.prefix, ev.SessionID), data)
}
