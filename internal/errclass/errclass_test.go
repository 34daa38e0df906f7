package errclass

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyCategories(t *testing.T) {
	tests := []struct {
		msg  string
		want Category
	}{
		{"Rate limit reached for requests", RateLimit},
		{"HTTP 429 Too Many Requests", RateLimit},
		{"insufficient_quota: You exceeded your current quota", QuotaExceeded},
		{"billing hard limit reached", QuotaExceeded},
		{"dial tcp: connection refused", Connection},
		{"dns lookup failed for host", Connection},
		{"request timed out after 30s", Timeout},
		{"context deadline exceeded", Timeout},
		{"malformed JSON body", InvalidRequest},
		{"400 bad request", InvalidRequest},
		{"401 Unauthorized", Auth},
		{"Forbidden: missing api key", Auth},
		{"model is overloaded, try later", Overloaded},
		{"503 service unavailable", Overloaded},
		{"response blocked by safety system", ContentFiltered},
		{"tool semgrep failed with exit code 2", ToolError},
		{"out of memory", ResourceExhausted},
		{"write /tmp/x: no space left on device", DiskSpace},
		{"something odd happened", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			got := Classify(errors.New(tt.msg))
			if got.Category != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.msg, got.Category, tt.want)
			}
		})
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	// Both rate_limit and timeout patterns match; rate_limit is listed first.
	got := Classify(errors.New("rate limit hit, timeout while waiting"))
	if got.Category != RateLimit {
		t.Fatalf("expected rate_limit, got %s", got.Category)
	}
	// invalid_request precedes auth, so "token invalid" lands in invalid_request.
	got = Classify(errors.New("token is invalid"))
	if got.Category != InvalidRequest {
		t.Fatalf("expected invalid_request, got %s", got.Category)
	}
}

func TestClassifyCaseInsensitive(t *testing.T) {
	if got := Classify(errors.New("RATE LIMIT EXCEEDED")); got.Category != RateLimit {
		t.Fatalf("expected rate_limit, got %s", got.Category)
	}
}

func TestPolicyTable(t *testing.T) {
	tests := []struct {
		cat        Category
		severity   Severity
		action     Action
		maxRetries int
		base       float64
	}{
		{RateLimit, Medium, RetryWithBackoff, 5, 2.0},
		{QuotaExceeded, Critical, Abort, 1, 2.0},
		{Connection, Medium, RetryWithBackoff, 3, 1.5},
		{Timeout, Medium, RetryWithBackoff, 3, 1.5},
		{InvalidRequest, High, Report, 1, 2.0},
		{Auth, Critical, Abort, 1, 2.0},
		{Overloaded, Medium, RetryWithBackoff, 4, 2.0},
		{ContentFiltered, Low, Skip, 1, 2.0},
		{ToolError, Medium, Retry, 2, 2.0},
		{ResourceExhausted, High, Fallback, 1, 2.0},
		{DiskSpace, Critical, Abort, 1, 2.0},
		{Unknown, Medium, Retry, 1, 2.0},
	}

	c := New()
	for _, tt := range tests {
		t.Run(string(tt.cat), func(t *testing.T) {
			p := c.Policy(tt.cat)
			if p.Severity != tt.severity || p.Action != tt.action || p.MaxRetries != tt.maxRetries || p.BackoffBase != tt.base {
				t.Errorf("policy %s = %+v", tt.cat, p)
			}
		})
	}
}

func TestRetryAfterExtraction(t *testing.T) {
	got := Classify(errors.New("429: please retry after: 12 seconds"))
	if got.RetryAfter != 12*time.Second {
		t.Fatalf("expected retry_after 12s, got %v", got.RetryAfter)
	}
	if d := got.Delay(0); d != 12*time.Second {
		t.Fatalf("retry_after should floor the backoff, got %v", d)
	}

	got = Classify(errors.New("quota exceeded, Retry-After 3"))
	if got.Category != QuotaExceeded || got.RetryAfter != 3*time.Second {
		t.Fatalf("expected quota with retry_after 3s, got %s %v", got.Category, got.RetryAfter)
	}
}

func TestDelay(t *testing.T) {
	c := Classification{Action: RetryWithBackoff, BackoffBase: 2.0}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if d := c.Delay(i); d != w {
			t.Errorf("Delay(%d) = %v, want %v", i, d, w)
		}
	}
	if d := c.Delay(10); d != MaxDelay {
		t.Errorf("Delay(10) = %v, want cap %v", d, MaxDelay)
	}

	w := Classification{Action: Wait}
	if d := w.Delay(0); d != DefaultWait {
		t.Errorf("wait without retry_after = %v, want %v", d, DefaultWait)
	}

	r := Classification{Action: Retry}
	if d := r.Delay(3); d != 0 {
		t.Errorf("plain retry should not wait, got %v", d)
	}
}

type selfCategorized struct{}

func (selfCategorized) Error() string           { return "breaker tripped" }
func (selfCategorized) ErrorCategory() Category { return Overloaded }

func TestTypedShortcuts(t *testing.T) {
	wrapped := fmt.Errorf("call llm: %w", selfCategorized{})
	if got := Classify(wrapped); got.Category != Overloaded {
		t.Fatalf("expected overloaded for categorized error, got %s", got.Category)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	if got := Classify(fmt.Errorf("scan: %w", ctx.Err())); got.Category != Timeout {
		t.Fatalf("expected timeout for deadline exceeded, got %s", got.Category)
	}
}

func TestClassifiedErrorWrap(t *testing.T) {
	base := errors.New("401 unauthorized")
	c := Classify(base)
	err := Wrap(base, c)

	if !errors.Is(err, base) {
		t.Fatal("wrapped error should unwrap to base")
	}
	if err.Error() != "auth: 401 unauthorized" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	got, ok := As(fmt.Errorf("task: %w", err))
	if !ok || got.Category != Auth {
		t.Fatalf("As should recover classification, got %+v %v", got, ok)
	}
	if Wrap(nil, c) != nil {
		t.Fatal("Wrap(nil) must be nil")
	}
}

func TestWithPolicyOverride(t *testing.T) {
	c := New().WithPolicy(ToolError, Policy{Severity: High, Action: Abort, MaxRetries: 1, BackoffBase: 2})
	if got := c.ClassifyMessage("tool nuclei failed"); got.Action != Abort {
		t.Fatalf("expected override action abort, got %s", got.Action)
	}
	if got := New().ClassifyMessage("tool nuclei failed"); got.Action != Retry {
		t.Fatalf("default classifier must be unchanged, got %s", got.Action)
	}
}

func TestClassifyHintsCarried(t *testing.T) {
	got := New().Classify(errors.New("boom"), map[string]any{"agent": "recon"})
	if got.Context["agent"] != "recon" {
		t.Fatalf("expected hints carried, got %v", got.Context)
	}
}
