package provider

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy controls backoff for transient provider failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error // overridable in tests
}

// DefaultRetryPolicy is exponential backoff 1s, 2s, 4s, 8s, 16s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second}
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Retry runs fn, retrying transient failures with exponential backoff and
// honoring rate-limit advice. Auth and protocol errors are returned
// immediately.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	delay := policy.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}

		if wait, ok := IsRateLimited(lastErr); ok {
			if attempt == policy.MaxAttempts {
				break
			}
			if wait <= 0 {
				wait = delay
			}
			if err := policy.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}
		if err := policy.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
	return lastErr
}
