package event

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "scan finished", "scan finished"},
		{"keeps newline and tab", "a\nb\tc", "a\nb\tc"},
		{"strips control", "a\x00b\x1bc\x7f", "abc"},
		{"strips c1", "a\u0085b", "ab"},
		{"replaces invalid utf8", "ok\xffok", "ok�ok"},
		{"keeps unicode", "审计 ✓", "审计 ✓"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTypeRouting(t *testing.T) {
	if !TypeThinking.Batched() || !TypeLLMThought.Batched() {
		t.Error("thinking types should be batched")
	}
	if TypeThinkingToken.Batched() {
		t.Error("thinking_token is throttled, not batched")
	}
	if !TypeThinkingToken.Throttled() {
		t.Error("thinking_token should be throttled")
	}
	if TypeToolCall.Batched() || TypeToolCall.Throttled() {
		t.Error("tool_call is delivered immediately")
	}
}

func TestNewReplayResult(t *testing.T) {
	r := NewReplayResult("s1", []AuditEvent{{Sequence: 3}, {Sequence: 4}}, 2)
	if r.LastSequence != 4 || !r.HasMore || r.EventCount != 2 {
		t.Fatalf("unexpected result %+v", r)
	}
	empty := NewReplayResult("s1", nil, 10)
	if empty.Events == nil || empty.HasMore || empty.LastSequence != 0 {
		t.Fatalf("unexpected empty result %+v", empty)
	}
}
