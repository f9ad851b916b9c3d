package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrExhausted is returned when all attempts have been used without success.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes a bounded retry loop. The zero value is not usable;
// construct with Exponential or Linear.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	exponential bool
	jitter      bool
}

// Exponential returns a policy that doubles the delay after each failed attempt.
func Exponential(maxAttempts int, baseDelay time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, exponential: true, jitter: true}
}

// Linear returns a policy with a constant delay between attempts.
func Linear(maxAttempts int, baseDelay time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}
}

// Do runs fn until it returns nil, the context is cancelled, or the attempt
// budget is exhausted. On exhaustion the last error is wrapped together with
// ErrExhausted so callers can match either.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("retry policy requires at least one attempt")
	}

	var lastErr error
	delay := p.BaseDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == p.MaxAttempts {
			break
		}

		wait := delay
		if p.jitter && wait > 0 {
			// Up to 25% jitter to spread concurrent waiters
			wait += time.Duration(rand.Int63n(int64(wait)/4 + 1))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if p.exponential {
			delay *= 2
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
}
