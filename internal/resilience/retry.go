package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Strob0t/auditrt/internal/errclass"
)

// RetryConfig bounds a RetryPolicy.
type RetryConfig struct {
	MaxAttempts int           // Attempts per Do call, including the first
	BaseDelay   time.Duration // Scale of one backoff step
	MaxDelay    time.Duration // Cap on a single wait
}

// ModelRetry and ToolRetry are the default retry classes.
var (
	ModelRetry = RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second}
	ToolRetry  = RetryConfig{MaxAttempts: 2, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
)

// RetryEvent describes one scheduled retry.
type RetryEvent struct {
	OperationID    string
	Attempt        int
	Delay          time.Duration
	Classification errclass.Classification
	Err            error
}

// RetryPolicy executes calls with classification-driven retries. Retries are
// counted per operation id, so repeated calls for the same logical
// operation share one budget until Reset.
type RetryPolicy struct {
	cfg        RetryConfig
	classifier *errclass.Classifier
	logger     *slog.Logger

	mu  sync.Mutex
	ops map[string]*opState

	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(RetryEvent)
}

type opState struct {
	retries int
	base    float64
	b       *backoff.ExponentialBackOff
}

// RetryOption customizes a RetryPolicy.
type RetryOption func(*RetryPolicy)

// WithRetryLogger sets the logger used for retry decisions.
func WithRetryLogger(l *slog.Logger) RetryOption {
	return func(p *RetryPolicy) { p.logger = l }
}

// WithOnRetry registers a hook invoked before every retry wait.
func WithOnRetry(fn func(RetryEvent)) RetryOption {
	return func(p *RetryPolicy) { p.onRetry = fn }
}

// WithSleep overrides the wait function.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(p *RetryPolicy) { p.sleep = fn }
}

// NewRetryPolicy creates a RetryPolicy. A nil classifier uses the default tables.
func NewRetryPolicy(cfg RetryConfig, classifier *errclass.Classifier, opts ...RetryOption) *RetryPolicy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = errclass.MaxDelay
	}
	if classifier == nil {
		classifier = errclass.New()
	}
	p := &RetryPolicy{
		cfg:        cfg,
		classifier: classifier,
		logger:     slog.Default(),
		ops:        make(map[string]*opState),
		sleep:      sleepContext,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Config returns the policy bounds.
func (p *RetryPolicy) Config() RetryConfig { return p.cfg }

// Do runs fn until it succeeds, the classification forbids another attempt,
// the attempt budget is spent or ctx ends. An empty operationID gives the
// call a private budget.
//
// Failures that must not be retried come back wrapped in an
// *errclass.ClassifiedError; skip failures additionally wrap ErrSkipped and
// exhausted budgets wrap ErrRetriesExhausted.
func (p *RetryPolicy) Do(ctx context.Context, operationID string, fn func(ctx context.Context) error) error {
	st := p.state(operationID)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}

		c := p.classifier.Classify(err, map[string]any{"operation_id": operationID, "attempt": attempt})
		switch c.Action {
		case errclass.Skip:
			return fmt.Errorf("%w: %w", ErrSkipped, errclass.Wrap(err, c))
		case errclass.Abort, errclass.Report, errclass.Fallback:
			p.logger.Warn("operation failed without retry",
				"operation_id", operationID, "category", c.Category, "action", c.Action, "error", err)
			return errclass.Wrap(err, c)
		}

		delay, ok := p.reserve(st, c, attempt)
		if !ok {
			p.logger.Warn("retry budget exhausted",
				"operation_id", operationID, "category", c.Category, "attempts", attempt, "error", err)
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, errclass.Wrap(err, c))
		}

		p.logger.Info("retrying operation",
			"operation_id", operationID, "attempt", attempt, "category", c.Category, "delay", delay)
		if p.onRetry != nil {
			p.onRetry(RetryEvent{OperationID: operationID, Attempt: attempt, Delay: delay, Classification: c, Err: err})
		}
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// reserve consumes one retry from the operation budget and returns the wait
// before it.
func (p *RetryPolicy) reserve(st *opState, c errclass.Classification, attempt int) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	budget := min(c.MaxRetries, p.cfg.MaxAttempts-1)
	if attempt >= p.cfg.MaxAttempts || st.retries >= budget {
		return 0, false
	}

	var delay time.Duration
	switch c.Action {
	case errclass.RetryWithBackoff:
		delay = st.next(c.BackoffBase, p.cfg)
		delay = max(delay, c.RetryAfter)
	case errclass.Wait:
		delay = c.Delay(st.retries)
	}
	st.retries++
	return min(delay, p.cfg.MaxDelay), true
}

// next returns BaseDelay * base^retries using an exponential backoff that
// follows the operation across calls. Must be called with p.mu held.
func (s *opState) next(base float64, cfg RetryConfig) time.Duration {
	if s.b == nil || s.base != base {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.BaseDelay
		b.Multiplier = base
		b.RandomizationFactor = 0
		b.MaxInterval = cfg.MaxDelay
		b.Reset()
		for range s.retries {
			b.NextBackOff()
		}
		s.b = b
		s.base = base
	}
	return s.b.NextBackOff()
}

func (p *RetryPolicy) state(operationID string) *opState {
	if operationID == "" {
		return &opState{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.ops[operationID]
	if !ok {
		st = &opState{}
		p.ops[operationID] = st
	}
	return st
}

// Retries returns the retries already spent by operationID.
func (p *RetryPolicy) Retries(operationID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.ops[operationID]; ok {
		return st.retries
	}
	return 0
}

// Reset clears the budget of operationID. An empty id clears all operations.
func (p *RetryPolicy) Reset(operationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if operationID == "" {
		p.ops = make(map[string]*opState)
		return
	}
	delete(p.ops, operationID)
}
