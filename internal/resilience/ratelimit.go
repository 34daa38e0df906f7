package resilience

import (
	"context"
	"sync"
	"time"
)

// Limiter is a token bucket. Refill is computed lazily from elapsed time on
// each acquisition attempt; there is no background timer.
type Limiter struct {
	mu         sync.Mutex
	name       string
	rate       float64 // tokens per second
	capacity   float64 // max tokens
	tokens     float64
	lastRefill time.Time

	totalRequests int64
	rejected      int64
	totalWait     time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a full bucket holding capacity tokens that refills at
// rate tokens per second.
func NewLimiter(name string, rate, capacity float64) *Limiter {
	l := &Limiter{
		name:     name,
		rate:     rate,
		capacity: capacity,
		tokens:   capacity,
		now:      time.Now,
		sleep:    sleepContext,
	}
	l.lastRefill = l.now()
	return l
}

// Name returns the limiter name.
func (l *Limiter) Name() string { return l.name }

// refill must be called with l.mu held.
func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
	}
	l.lastRefill = now
}

// take refills and consumes n tokens if available. Must be called with l.mu held.
func (l *Limiter) take(n float64) bool {
	l.refill()
	if l.tokens >= n {
		l.tokens -= n
		return true
	}
	return false
}

// TryAcquire takes n tokens without waiting.
func (l *Limiter) TryAcquire(n int) bool {
	return l.Acquire(context.Background(), n, false, 0)
}

// Acquire takes n tokens. When tokens are short and block is set, the caller
// waits for the deficit to refill, capped by timeout (zero means no cap), and
// then tries once more without waiting. Returns false when the tokens could
// not be granted, including when ctx ends during the wait or n exceeds the
// bucket capacity or is below one.
func (l *Limiter) Acquire(ctx context.Context, n int, block bool, timeout time.Duration) bool {
	need := float64(n)

	l.mu.Lock()
	l.totalRequests++
	if n < 1 {
		l.rejected++
		l.mu.Unlock()
		return false
	}
	if l.take(need) {
		l.mu.Unlock()
		return true
	}
	if !block || need > l.capacity || l.rate <= 0 {
		l.rejected++
		l.mu.Unlock()
		return false
	}
	wait := time.Duration((need - l.tokens) / l.rate * float64(time.Second))
	if timeout > 0 && wait > timeout {
		wait = timeout
	}
	l.mu.Unlock()

	err := l.sleep(ctx, wait)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalWait += wait
	if err == nil && l.take(need) {
		return true
	}
	l.rejected++
	return false
}

// Wait takes one token, blocking at most timeout, and returns ErrRateLimited
// when the token could not be granted.
func (l *Limiter) Wait(ctx context.Context, timeout time.Duration) error {
	if l.Acquire(ctx, 1, true, timeout) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrRateLimited
}

// Tokens returns the currently available tokens after refill.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

// LimiterStatus is a point-in-time view of a limiter.
type LimiterStatus struct {
	Name          string        `json:"name"`
	Rate          float64       `json:"rate"`
	Capacity      float64       `json:"capacity"`
	Tokens        float64       `json:"tokens"`
	TotalRequests int64         `json:"total_requests"`
	Rejected      int64         `json:"rejected"`
	TotalWait     time.Duration `json:"total_wait"`
}

// Status returns a snapshot of the limiter.
func (l *Limiter) Status() LimiterStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return LimiterStatus{
		Name:          l.name,
		Rate:          l.rate,
		Capacity:      l.capacity,
		Tokens:        l.tokens,
		TotalRequests: l.totalRequests,
		Rejected:      l.rejected,
		TotalWait:     l.totalWait,
	}
}

// Reset refills the bucket and clears statistics.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = l.capacity
	l.lastRefill = l.now()
	l.totalRequests = 0
	l.rejected = 0
	l.totalWait = 0
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
