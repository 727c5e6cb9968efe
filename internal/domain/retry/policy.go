// Package retry defines attempt policies for remote calls made by the pipeline.
package retry

import (
	"context"
	"time"
)

// Policy defines how many attempts a call gets and how long to wait between them.
type Policy struct {
	MaxRetries int           `json:"max_retries"`
	Delay      time.Duration `json:"delay"`

	// AttemptTimeout bounds each attempt individually. Zero disables it.
	AttemptTimeout time.Duration `json:"attempt_timeout"`
}

// FallbackPolicy runs a primary attempt and exactly one immediate fallback.
func FallbackPolicy(attemptTimeout time.Duration) Policy {
	return Policy{
		MaxRetries:     1,
		AttemptTimeout: attemptTimeout,
	}
}

// NoRetryPolicy runs a single attempt bounded by attemptTimeout.
func NoRetryPolicy(attemptTimeout time.Duration) Policy {
	return Policy{AttemptTimeout: attemptTimeout}
}

// Observer is notified after every failed attempt.
type Observer func(attempt int, err error)

// ExecuteWithResult runs fn (attempt starts at 0) until it succeeds or the policy is exhausted.
// Each attempt gets its own deadline when AttemptTimeout is set; an attempt
// that runs out of time counts as a failed attempt, not as the end of the loop.
// Cancellation of the parent context always stops the loop.
func ExecuteWithResult[T any](ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) (T, error), observers ...Observer) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		r, err := runAttempt(ctx, policy.AttemptTimeout, attempt, fn)
		if err == nil {
			return r, nil
		}

		lastErr = err
		for _, observe := range observers {
			observe(attempt, err)
		}

		if attempt >= policy.MaxRetries {
			break
		}

		if delay := policy.Delay; delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, attempt int, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx, attempt)
}
