// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package emag

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds retries of a single remote operation. Delays double per
// attempt starting from BaseDelay and are capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultFetchRetry is the page-fetch policy: five attempts with 1s/2s/4s/8s
// backoff capped at 30s. Exhaustion is the per-page circuit the orchestrator
// advances past.
func DefaultFetchRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// DefaultAckRetry is the order-acknowledgement policy: three attempts with
// 1s/2s/4s backoff. Ack failures never roll back the committed order.
func DefaultAckRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 4 * time.Second}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// withRetry runs fn under the policy, sleeping between retryable failures.
// Non-retryable errors (auth, validation) return immediately. On exhaustion
// the last error is returned wrapped, so errors.As still sees its type.
func withRetry(ctx context.Context, logger *slog.Logger, policy RetryPolicy, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := policy.delay(attempt - 1)
			logger.Warn("Retrying remote operation",
				"op", op, "attempt", attempt+1, "max_attempts", policy.MaxAttempts,
				"backoff", wait, "error", lastErr)
			if err := sleepWithContext(ctx, wait); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, policy.MaxAttempts, lastErr)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
