package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker implements a circuit breaker pattern for protecting external calls.
// It tracks consecutive failures and opens the circuit when a threshold is reached,
// preventing further calls until the recovery timeout elapses. After that a
// single trial call decides whether the circuit closes again.
type Breaker struct {
	mu          sync.Mutex
	name        string
	state       State
	failures    int
	threshold   int
	recovery    time.Duration
	openedAt    time.Time
	lastFailure time.Time
	trialActive bool
	now         func() time.Time

	isFailure     func(error) bool
	onStateChange func(name string, from, to State)
}

// BreakerOption customizes a Breaker.
type BreakerOption func(*Breaker)

// WithFailurePredicate decides which errors count against the breaker.
func WithFailurePredicate(fn func(error) bool) BreakerOption {
	return func(b *Breaker) { b.isFailure = fn }
}

// WithStateChange registers a hook called after every state transition.
// The hook runs outside the breaker lock.
func WithStateChange(fn func(name string, from, to State)) BreakerOption {
	return func(b *Breaker) { b.onStateChange = fn }
}

// NewBreaker creates a circuit breaker that opens after threshold consecutive
// failures and allows a trial call after recovery.
func NewBreaker(name string, threshold int, recovery time.Duration, opts ...BreakerOption) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	b := &Breaker{
		name:      name,
		state:     StateClosed,
		threshold: threshold,
		recovery:  recovery,
		now:       time.Now,
		isFailure: countsAsFailure,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// countsAsFailure ignores limiter rejections and caller cancellation.
func countsAsFailure(err error) bool {
	return !errors.Is(err, ErrRateLimited) && !errors.Is(err, context.Canceled)
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn if the circuit allows it.
// Returns an error wrapping ErrCircuitOpen if the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	trial, err := b.allowRequest()
	if err != nil {
		return err
	}

	err = fn()
	b.record(err, trial)
	return err
}

// allowRequest reports whether a call may proceed and whether it is the
// half-open trial call.
func (b *Breaker) allowRequest() (trial bool, err error) {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.recovery {
			b.mu.Unlock()
			return false, fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
		}
		b.state = StateHalfOpen
		b.trialActive = true
		b.mu.Unlock()
		b.notify(StateOpen, StateHalfOpen)
		return true, nil
	case StateHalfOpen:
		if b.trialActive {
			b.mu.Unlock()
			return false, fmt.Errorf("%w: %s (trial in progress)", ErrCircuitOpen, b.name)
		}
		b.trialActive = true
		b.mu.Unlock()
		return true, nil
	default:
		b.mu.Unlock()
		return false, nil
	}
}

func (b *Breaker) record(err error, trial bool) {
	b.mu.Lock()
	from := b.state
	if trial {
		b.trialActive = false
	}

	switch {
	case err != nil && !b.isFailure(err):
		// Neutral outcome: a half-open breaker waits for another trial.
	case err == nil:
		// Late results from calls admitted before the circuit opened do not
		// close it; only the trial or a closed-state call does.
		if trial || b.state == StateClosed {
			b.failures = 0
			b.state = StateClosed
		}
	default:
		b.lastFailure = b.now()
		switch {
		case trial:
			b.failures++
			b.state = StateOpen
			b.openedAt = b.lastFailure
		case b.state == StateClosed:
			b.failures++
			if b.failures >= b.threshold {
				b.state = StateOpen
				b.openedAt = b.lastFailure
			}
		}
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// BreakerStatus is a point-in-time view of a breaker.
type BreakerStatus struct {
	Name             string        `json:"name"`
	State            string        `json:"state"`
	Failures         int           `json:"failures"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	LastFailure      time.Time     `json:"last_failure,omitempty"`
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStatus{
		Name:             b.name,
		State:            b.state.String(),
		Failures:         b.failures,
		FailureThreshold: b.threshold,
		RecoveryTimeout:  b.recovery,
		LastFailure:      b.lastFailure,
	}
}

// Reset forces the breaker closed and clears the failure counter.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.trialActive = false
	b.mu.Unlock()
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}
