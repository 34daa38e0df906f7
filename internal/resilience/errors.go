// Package resilience provides reliability patterns for calls to flaky
// dependencies: a per-operation retry policy, a circuit breaker and a token
// bucket rate limiter, composable through Guard.
package resilience

import (
	"errors"

	"github.com/Strob0t/auditrt/internal/errclass"
)

// gateError is a rejection produced by a resilience gate rather than by the
// guarded call. It classifies itself so retries treat it correctly.
type gateError struct {
	msg string
	cat errclass.Category
}

func (e *gateError) Error() string { return e.msg }

func (e *gateError) ErrorCategory() errclass.Category { return e.cat }

var (
	// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
	ErrCircuitOpen error = &gateError{msg: "circuit breaker is open", cat: errclass.Overloaded}

	// ErrRateLimited is returned when a limiter could not grant tokens in time.
	ErrRateLimited error = &gateError{msg: "rate limiter: tokens unavailable", cat: errclass.RateLimit}

	// ErrRetriesExhausted wraps the last failure once the attempt budget is spent.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrSkipped wraps a failure whose recovery action is skip. Callers treat
	// the step as a successful no-op.
	ErrSkipped = errors.New("step skipped")
)
