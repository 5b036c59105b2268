package retry

import (
	"context"
	"time"
)

// Policy is an explicit bounded-retry budget passed into external calls.
// Attempts counts retries after the first try; backoff grows linearly
// (Backoff, 2*Backoff, ...). Timeout bounds each individual attempt.
type Policy struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

// DefaultLLM is the budget for generation calls.
func DefaultLLM() Policy {
	return Policy{Attempts: 2, Backoff: time.Second, Timeout: 180 * time.Second}
}

// DefaultRegistry is the budget for registry lookups (best-effort, short).
func DefaultRegistry() Policy {
	return Policy{Attempts: 0, Backoff: 0, Timeout: 10 * time.Second}
}

func (p Policy) normalized() Policy {
	if p.Attempts < 0 {
		p.Attempts = 0
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// Do runs op up to 1+Attempts times. Each attempt gets its own deadline when
// Timeout is set. The last error is returned after the budget is exhausted;
// context cancellation stops the loop immediately.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	p = p.normalized()

	var lastErr error
	total := 1 + p.Attempts
	for attempt := 1; attempt <= total; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := op(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == total {
			break
		}
		if p.Backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Backoff * time.Duration(attempt)):
			}
		}
	}
	return lastErr
}
