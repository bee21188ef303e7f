package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted is returned when all retry attempts have failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Permanent wraps an error that must not be retried.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }

func (p *Permanent) Unwrap() error { return p.Err }

// Retry executes fn with exponential backoff, up to maxAttempts times.
// fn receives the 1-indexed attempt number. A *Permanent error stops
// immediately. Context cancellation is observed both between attempts and
// while sleeping, so callers never wait past their deadline.
func Retry[T any](ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}

		var perm *Permanent
		if errors.As(err, &perm) {
			return zero, perm.Err
		}
		lastErr = err

		if attempt < maxAttempts {
			if err := Sleep(ctx, policy, attempt); err != nil {
				return zero, err
			}
		}
	}

	return zero, errors.Join(ErrAttemptsExhausted, lastErr)
}

// Sleep blocks for the policy's delay at the given attempt, or until the
// context is cancelled, whichever comes first.
func Sleep(ctx context.Context, policy Policy, attempt int) error {
	timer := time.NewTimer(policy.Delay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
