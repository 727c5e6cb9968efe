package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"jan-server/services/chat-sync/internal/domain/retry"
)

func TestExecuteWithResult_WaitsBetweenAttempts(t *testing.T) {
	policy := retry.Policy{MaxRetries: 1, Delay: 30 * time.Millisecond}

	var starts []time.Time
	_, err := retry.ExecuteWithResult(context.Background(), policy, func(ctx context.Context, attempt int) (int, error) {
		starts = append(starts, time.Now())
		return 0, errors.New("unavailable")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if len(starts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(starts))
	}
	if gap := starts[1].Sub(starts[0]); gap < policy.Delay {
		t.Errorf("gap between attempts = %v, want at least %v", gap, policy.Delay)
	}
}

func TestExecuteWithResult_SucceedsOnFallback(t *testing.T) {
	var attempts []int
	got, err := retry.ExecuteWithResult(context.Background(), retry.FallbackPolicy(0), func(ctx context.Context, attempt int) (string, error) {
		attempts = append(attempts, attempt)
		if attempt == 0 {
			return "", errors.New("primary failed")
		}
		return "fallback-id", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "fallback-id" {
		t.Errorf("ExecuteWithResult() = %q, want fallback-id", got)
	}
	if len(attempts) != 2 {
		t.Errorf("attempts = %v, want [0 1]", attempts)
	}
}

func TestExecuteWithResult_ReturnsLastError(t *testing.T) {
	primary := errors.New("primary failed")
	fallback := errors.New("fallback failed")
	var observed []error

	_, err := retry.ExecuteWithResult(context.Background(), retry.FallbackPolicy(0), func(ctx context.Context, attempt int) (int, error) {
		if attempt == 0 {
			return 0, primary
		}
		return 0, fallback
	}, func(attempt int, err error) {
		observed = append(observed, err)
	})

	if !errors.Is(err, fallback) {
		t.Errorf("ExecuteWithResult() error = %v, want %v", err, fallback)
	}
	if len(observed) != 2 || observed[0] != primary {
		t.Errorf("observer saw %v, want both failures in order", observed)
	}
}

func TestExecuteWithResult_AttemptTimeoutFallsThrough(t *testing.T) {
	policy := retry.FallbackPolicy(20 * time.Millisecond)

	got, err := retry.ExecuteWithResult(context.Background(), policy, func(ctx context.Context, attempt int) (string, error) {
		if attempt == 0 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("ExecuteWithResult() = %q, want ok", got)
	}
}

func TestExecuteWithResult_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := retry.ExecuteWithResult(ctx, retry.FallbackPolicy(0), func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 1, nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("ExecuteWithResult() error = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestNoRetryPolicy(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		fn      func(ctx context.Context) error
	}{
		{
			name: "failure is returned after one attempt",
			fn:   func(context.Context) error { return errors.New("nope") },
		},
		{
			name:    "attempt deadline is not retried",
			timeout: 10 * time.Millisecond,
			fn: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			_, err := retry.ExecuteWithResult(context.Background(), retry.NoRetryPolicy(tt.timeout), func(ctx context.Context, attempt int) (int, error) {
				calls++
				return 0, tt.fn(ctx)
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
		})
	}
}
