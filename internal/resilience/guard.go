package resilience

import (
	"context"
	"fmt"
	"time"
)

// Guard composes the three primitives around one call. The call is gated by
// the limiter, the limiter and call together run inside the breaker, and the
// retry policy wraps everything, so limiter rejections and open-breaker
// failures are retried with backoff like any other retryable failure.
// Any of the three may be nil.
type Guard struct {
	Limiter        *Limiter
	Breaker        *Breaker
	Retry          *RetryPolicy
	AcquireTimeout time.Duration // Max wait for a limiter token; zero waits for the full deficit
}

// Do runs fn under the guard. operationID keys the retry budget.
func (g *Guard) Do(ctx context.Context, operationID string, fn func(ctx context.Context) error) error {
	once := func(ctx context.Context) error {
		limited := func() error {
			if g.Limiter != nil && !g.Limiter.Acquire(ctx, 1, true, g.AcquireTimeout) {
				if err := ctx.Err(); err != nil {
					return err
				}
				return fmt.Errorf("%w: %s", ErrRateLimited, g.Limiter.Name())
			}
			return fn(ctx)
		}
		if g.Breaker == nil {
			return limited()
		}
		return g.Breaker.Execute(limited)
	}

	if g.Retry == nil {
		return once(ctx)
	}
	return g.Retry.Do(ctx, operationID, once)
}

// Call runs fn under g and returns its value.
func Call[T any](ctx context.Context, g *Guard, operationID string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, operationID, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
