package messagequeue

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		data    string
		wantErr string
	}{
		{"valid cancel", SubjectCancel, `{"task_id":"t1","reason":"user_requested"}`, ""},
		{"cancel without task", SubjectCancel, `{"reason":"user_requested"}`, "task_id is required"},
		{"cancel wrong type", SubjectCancel, `{"task_id":42}`, "schema validation failed"},
		{"valid cancel all", SubjectCancelAll, `{"reason":"shutdown"}`, ""},
		{"valid event", "audit.events.s1", `{"id":"e1","session_id":"s1","sequence":1,"event_type":"info","timestamp":"2026-01-01T00:00:00Z"}`, ""},
		{"event missing type", "audit.events.s1", `{"id":"e1","session_id":"s1"}`, "session_id and event_type are required"},
		{"event bad sequence", "audit.events.s1", `{"session_id":"s1","event_type":"info","sequence":"one"}`, "schema validation failed"},
		{"invalid json", SubjectCancel, `{not json`, "invalid JSON"},
		{"unknown subject", "audit.other", `{"anything":true}`, ""},
		{"dlq passes", SubjectCancel + DLQSuffix, `{"reason":"x"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.subject, []byte(tt.data))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCancelPayloadPropagateDefault(t *testing.T) {
	if !(CancelPayload{}).PropagateOrDefault() {
		t.Fatal("expected propagate to default to true")
	}
	f := false
	if (CancelPayload{Propagate: &f}).PropagateOrDefault() {
		t.Fatal("expected explicit false to be honoured")
	}
}

func TestEventSubject(t *testing.T) {
	if got := EventSubject("", "s1"); got != "audit.events.s1" {
		t.Fatalf("got %q", got)
	}
	if got := EventSubject("custom.events", "s1"); got != "custom.events.s1" {
		t.Fatalf("got %q", got)
	}
}
