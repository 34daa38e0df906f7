// Package errclass maps failures to a category, a severity and a recovery
// action. The resilience primitives and the executor use the result to decide
// between retrying, skipping and giving up.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Category names a class of failure.
type Category string

const (
	RateLimit         Category = "rate_limit"
	QuotaExceeded     Category = "quota_exceeded"
	Connection        Category = "connection"
	Timeout           Category = "timeout"
	InvalidRequest    Category = "invalid_request"
	Auth              Category = "auth"
	Overloaded        Category = "overloaded"
	ContentFiltered   Category = "content_filtered"
	ToolError         Category = "tool_error"
	ResourceExhausted Category = "resource_exhausted"
	DiskSpace         Category = "disk_space"
	Unknown           Category = "unknown"
)

// Severity ranks how bad a failure is.
type Severity string

const (
	Low      Severity = "low"
	Medium   Severity = "medium"
	High     Severity = "high"
	Critical Severity = "critical"
)

// Action is the recommended recovery for a failure.
type Action string

const (
	Retry            Action = "retry"
	RetryWithBackoff Action = "retry_with_backoff"
	Skip             Action = "skip"
	Fallback         Action = "fallback"
	Abort            Action = "abort"
	Report           Action = "report"
	Wait             Action = "wait"
)

// MaxDelay caps the recommended backoff.
const MaxDelay = 60 * time.Second

// DefaultWait is used by the wait action when no retry_after is known.
const DefaultWait = 5 * time.Second

// Policy is the fixed recovery entry for one category.
type Policy struct {
	Severity    Severity
	Action      Action
	MaxRetries  int
	BackoffBase float64
}

// Classification is the result of classifying one failure.
type Classification struct {
	Category    Category       `json:"category"`
	Severity    Severity       `json:"severity"`
	Action      Action         `json:"action"`
	MaxRetries  int            `json:"max_retries"`
	BackoffBase float64        `json:"backoff_base"`
	RetryAfter  time.Duration  `json:"retry_after,omitempty"`
	Message     string         `json:"message"`
	Context     map[string]any `json:"context,omitempty"`
}

// Retryable reports whether the action allows another attempt.
func (c Classification) Retryable() bool {
	switch c.Action {
	case Retry, RetryWithBackoff, Wait:
		return true
	default:
		return false
	}
}

// Delay returns the recommended wait before retry number retries (0-based):
// backoff_base^retries seconds, floored at RetryAfter and capped at MaxDelay.
func (c Classification) Delay(retries int) time.Duration {
	switch c.Action {
	case Wait:
		if c.RetryAfter > 0 {
			return min(c.RetryAfter, MaxDelay)
		}
		return DefaultWait
	case RetryWithBackoff:
		d := time.Duration(math.Pow(c.BackoffBase, float64(retries)) * float64(time.Second))
		d = max(d, c.RetryAfter)
		return min(d, MaxDelay)
	default:
		return 0
	}
}

// Categorized is implemented by errors that know their own category.
// Such errors skip pattern matching.
type Categorized interface {
	error
	ErrorCategory() Category
}

type rule struct {
	category Category
	patterns []*regexp.Regexp
}

// Classifier holds an ordered pattern table and a policy table.
// A Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	rules    []rule
	policies map[Category]Policy
	fallback Policy
}

var retryAfterRe = regexp.MustCompile(`(?i)retry.*?after\s*:?\s*(\d+)`)

// defaultPatterns lists categories in match order; the first hit wins.
var defaultPatterns = []struct {
	category Category
	patterns []string
}{
	{RateLimit, []string{`rate limit`, `rate_limit`, `too many requests`, `429`, `ratelimit`, `requests? exceeded`}},
	{QuotaExceeded, []string{`quota`, `credit`, `balance.*insufficient`, `billing`, `payment`, `usage.*limit`}},
	{Connection, []string{`connection`, `network`, `dns.*fail`, `host.*unreachable`, `refused`}},
	{Timeout, []string{`timeout`, `timed out`, `deadline.*exceed`}},
	{InvalidRequest, []string{`invalid`, `malformed`, `bad request`, `400`, `parameter`}},
	{Auth, []string{`unauthorized`, `authentication`, `forbidden`, `401`, `403`, `api key`, `token.*invalid`}},
	{Overloaded, []string{`overload`, `service.*unavailable`, `503`, `502`, `maintenance`}},
	{ContentFiltered, []string{`content.*filter`, `safety`, `policy.*violation`, `inappropriate`}},
	{ToolError, []string{`tool.*fail`, `execution.*error`, `command.*fail`}},
	{ResourceExhausted, []string{`memory`, `out of memory`, `oom`, `resource`}},
	{DiskSpace, []string{`disk.*full`, `no space`, `storage.*full`}},
}

// DefaultPolicies returns the policy table used by New.
func DefaultPolicies() map[Category]Policy {
	return map[Category]Policy{
		RateLimit:         {Medium, RetryWithBackoff, 5, 2.0},
		QuotaExceeded:     {Critical, Abort, 1, 2.0},
		Connection:        {Medium, RetryWithBackoff, 3, 1.5},
		Timeout:           {Medium, RetryWithBackoff, 3, 1.5},
		InvalidRequest:    {High, Report, 1, 2.0},
		Auth:              {Critical, Abort, 1, 2.0},
		Overloaded:        {Medium, RetryWithBackoff, 4, 2.0},
		ContentFiltered:   {Low, Skip, 1, 2.0},
		ToolError:         {Medium, Retry, 2, 2.0},
		ResourceExhausted: {High, Fallback, 1, 2.0},
		DiskSpace:         {Critical, Abort, 1, 2.0},
		Unknown:           {Medium, Retry, 1, 2.0},
	}
}

// New returns a Classifier with the default pattern and policy tables.
func New() *Classifier {
	rules := make([]rule, 0, len(defaultPatterns))
	for _, p := range defaultPatterns {
		r := rule{category: p.category}
		for _, expr := range p.patterns {
			r.patterns = append(r.patterns, regexp.MustCompile("(?i)"+expr))
		}
		rules = append(rules, r)
	}
	policies := DefaultPolicies()
	return &Classifier{rules: rules, policies: policies, fallback: policies[Unknown]}
}

// WithPolicy returns a copy of c with the policy for cat replaced.
func (c *Classifier) WithPolicy(cat Category, p Policy) *Classifier {
	policies := make(map[Category]Policy, len(c.policies))
	for k, v := range c.policies {
		policies[k] = v
	}
	policies[cat] = p
	return &Classifier{rules: c.rules, policies: policies, fallback: policies[Unknown]}
}

// Policy returns the policy entry for cat.
func (c *Classifier) Policy(cat Category) Policy {
	if p, ok := c.policies[cat]; ok {
		return p
	}
	return c.fallback
}

// Classify maps err to a Classification. An optional hints map is carried
// through to the result for reporting. A nil error classifies as unknown.
func (c *Classifier) Classify(err error, hints map[string]any) Classification {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	cat := c.category(err, msg)
	p := c.Policy(cat)
	return Classification{
		Category:    cat,
		Severity:    p.Severity,
		Action:      p.Action,
		MaxRetries:  p.MaxRetries,
		BackoffBase: p.BackoffBase,
		RetryAfter:  retryAfter(msg),
		Message:     fmt.Sprintf("%s: %s", cat, msg),
		Context:     hints,
	}
}

// ClassifyMessage classifies a bare message string.
func (c *Classifier) ClassifyMessage(msg string) Classification {
	return c.Classify(errors.New(msg), nil)
}

func (c *Classifier) category(err error, msg string) Category {
	if err != nil {
		var ce Categorized
		if errors.As(err, &ce) {
			return ce.ErrorCategory()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Timeout
		}
	}
	for _, r := range c.rules {
		for _, re := range r.patterns {
			if re.MatchString(msg) {
				return r.category
			}
		}
	}
	return Unknown
}

func retryAfter(msg string) time.Duration {
	m := retryAfterRe.FindStringSubmatch(strings.TrimSpace(msg))
	if m == nil {
		return 0
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

var defaultClassifier = New()

// Classify classifies err with the default tables.
func Classify(err error) Classification {
	return defaultClassifier.Classify(err, nil)
}

// ClassifiedError carries the classification of the error it wraps. Its
// message is the human-readable classified message.
type ClassifiedError struct {
	Classification Classification
	Err            error
}

func (e *ClassifiedError) Error() string { return e.Classification.Message }

func (e *ClassifiedError) Unwrap() error { return e.Err }

// ErrorCategory implements Categorized.
func (e *ClassifiedError) ErrorCategory() Category { return e.Classification.Category }

// Wrap attaches c to err. A nil err stays nil.
func Wrap(err error, c Classification) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Classification: c, Err: err}
}

// As returns the classification attached to err, if any.
func As(err error) (Classification, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Classification, true
	}
	return Classification{}, false
}
