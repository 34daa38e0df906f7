package execution

import (
	"fmt"

	"github.com/Strob0t/auditrt/internal/domain/event"
	"github.com/Strob0t/auditrt/internal/domain/finding"
)

// Apply folds one pipeline event into c. Events that carry no context state
// are ignored. Replaying a session's events in sequence order through Apply
// rebuilds its context.
func (c *Context) Apply(ev event.AuditEvent) error {
	p := ev.Payload
	switch ev.Type {
	case event.TypeStatus:
		return c.applyStatus(stringOf(p, "status"), stringOf(p, "error"))
	case event.TypeFindingNew, event.TypeFindingVerified:
		f := finding.FromMap(p)
		if ev.Type == event.TypeFindingVerified {
			f.Verified = true
		}
		c.AddFinding(f, f.HashKey)
	case event.TypeSpanStart:
		id := stringOf(p, "span_id")
		if id == "" {
			id = ev.ID
		}
		c.startSpan(id, stringOf(p, "owner_id"), stringOf(p, "kind"), Stage(stringOf(p, "stage")), stringOf(p, "parent_span_id"), nil)
	case event.TypeSpanEnd:
		return c.EndSpan(stringOf(p, "span_id"), stringOf(p, "status"), intOf(p, "tokens_used"), intOf(p, "tool_calls"))
	case event.TypeToolCall:
		c.AddToolCall()
	case event.TypeProgress:
		if stage := stringOf(p, "stage"); stage != "" {
			c.UpdateStageProgress(Stage(stage), float64(intOf(p, "progress")))
		}
	case event.TypePhaseStart:
		if stage := stringOf(p, "stage"); stage != "" {
			c.SetStage(Stage(stage))
		}
	case event.TypeWarning:
		c.AddWarning(ev.Message)
	}
	return nil
}

func (c *Context) applyStatus(status, reason string) error {
	switch State(status) {
	case StateRunning:
		if c.State() == StatePaused {
			return c.Resume()
		}
		return c.Start()
	case StatePaused:
		return c.Pause()
	case StateCompleted:
		return c.Complete()
	case StateFailed:
		if reason == "" {
			reason = "unknown error"
		}
		return c.Fail(reason)
	case StateCancelled:
		return c.Cancel()
	default:
		return fmt.Errorf("unknown status %q", status)
	}
}

func stringOf(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intOf(m map[string]any, key string) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
