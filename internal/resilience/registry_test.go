package resilience

import (
	"testing"
	"time"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"model:claude", ClassModel},
		{"model", ClassModel},
		{"tool:semgrep", ClassTool},
		{"api:github", ClassAPI},
		{"nvd", ClassAPI},
		{"custom:thing", ClassAPI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.name); got != tt.want {
				t.Errorf("ClassOf(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestRegistryBreakerPerName(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, nil, WithRegistryLogger(quietLogger()))

	a := r.Breaker("tool:semgrep")
	b := r.Breaker("tool:semgrep")
	c := r.Breaker("tool:nuclei")
	if a != b {
		t.Fatal("expected the same breaker for the same name")
	}
	if a == c {
		t.Fatal("expected distinct breakers for distinct names")
	}
	if st := a.Status(); st.FailureThreshold != 3 || st.RecoveryTimeout != time.Minute {
		t.Fatalf("expected tool defaults 3/60s, got %+v", st)
	}
}

func TestRegistryLimiterAndRetryPerClass(t *testing.T) {
	r := NewRegistry(RegistryConfig{
		Limiters: map[string]LimiterConfig{ClassTool: {Rate: 1, Capacity: 2}},
	}, nil, WithRegistryLogger(quietLogger()))

	if r.Limiter("tool:semgrep") != r.Limiter("tool:nuclei") {
		t.Fatal("expected tools to share a class limiter")
	}
	if r.Limiter("tool:semgrep") == r.Limiter("model:x") {
		t.Fatal("expected model and tool limiters to differ")
	}
	if st := r.Limiter("tool:a").Status(); st.Capacity != 2 || st.Rate != 1 {
		t.Fatalf("expected overridden tool limiter, got %+v", st)
	}
	if st := r.Limiter("model:a").Status(); st.Capacity != 50 || st.Rate != 5 {
		t.Fatalf("expected default model limiter, got %+v", st)
	}
	if r.Retry("tool:a").Config() != ToolRetry {
		t.Fatalf("expected tool retry config, got %+v", r.Retry("tool:a").Config())
	}
}

func TestRegistryStatusAndReset(t *testing.T) {
	var changes []string
	r := NewRegistry(RegistryConfig{
		Breakers: map[string]BreakerConfig{ClassModel: {FailureThreshold: 1, RecoveryTimeout: time.Minute}},
	}, nil, WithRegistryLogger(quietLogger()), WithBreakerStateChange(func(name string, from, to State) {
		changes = append(changes, name+":"+to.String())
	}))

	_ = r.Breaker("model:b").Execute(func() error { return errTest })
	_ = r.Breaker("model:a")
	r.Limiter("tool:x").TryAcquire(5)

	st := r.Status()
	if len(st.Breakers) != 2 || st.Breakers[0].Name != "model:a" || st.Breakers[1].Name != "model:b" {
		t.Fatalf("expected sorted breakers, got %+v", st.Breakers)
	}
	if st.Breakers[1].State != "open" {
		t.Fatalf("expected model:b open, got %s", st.Breakers[1].State)
	}
	if len(st.Limiters) != 1 || st.Limiters[0].Name != ClassTool {
		t.Fatalf("expected one tool limiter, got %+v", st.Limiters)
	}

	r.ResetAll()
	if r.Breaker("model:b").State() != StateClosed {
		t.Fatal("expected breaker closed after ResetAll")
	}
	if r.Limiter("tool:x").Status().TotalRequests != 0 {
		t.Fatal("expected limiter stats cleared after ResetAll")
	}
	if len(changes) != 2 || changes[0] != "model:b:open" || changes[1] != "model:b:closed" {
		t.Fatalf("unexpected state changes %v", changes)
	}
}
