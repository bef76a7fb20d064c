package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/labelmint/flow/pkg/schema"
)

// IsRetryableError classifies whether a node failure should be retried
// when a policy is attached. Configuration problems are permanent and
// never retried; evaluation, transport, and timeout failures are.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context cancelled means the execution is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Per-node deadline exceeded is retryable.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Untyped errors default to retryable; the policy caps attempts.
	return true
}

// ComputeBackoff calculates the delay after the given failed attempt
// (1-based). Fixed keeps the base delay, linear scales it by the attempt
// number, exponential doubles it per attempt; all are capped at MaxDelay.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.BackoffDelay == "" {
		return 0
	}
	base, err := time.ParseDuration(policy.BackoffDelay)
	if err != nil || base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch policy.BackoffType {
	case schema.BackoffExponential:
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay <= 0 { // overflow guard
				delay = 1<<62 - 1
				break
			}
		}
	case schema.BackoffLinear:
		delay = base * time.Duration(attempt)
	default: // fixed or unspecified
		delay = base
	}

	if policy.MaxDelay != "" {
		if maxDelay, perr := time.ParseDuration(policy.MaxDelay); perr == nil && maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for the given delay or returns early if the
// context is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
