package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/fulfillhub/webhook-receiver/internal/repository"
)

// errRetriesExhausted marks a failure where every attempt hit a transient
// conflict. Callers may degrade gracefully on this; any other error is a
// hard failure.
var errRetriesExhausted = errors.New("retry attempts exhausted")

// runWithRetry runs fn until it succeeds, fails with a non-retryable
// error, or maxAttempts is reached. Only transient storage conflicts
// (serialization failures, deadlocks) are retried. Backoff grows with the
// attempt number and carries random jitter so concurrent writers to the
// same payment spread out instead of re-colliding.
func runWithRetry[T any](ctx context.Context, logger *slog.Logger, maxAttempts int, base time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if !repository.IsRetryableTxError(err) {
			return zero, err
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		delay := time.Duration(attempt) * base
		if base > 0 {
			delay += rand.N(base)
		}
		logger.WarnContext(ctx, "transaction conflict, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, fmt.Errorf("runWithRetry: %w after %d attempts: %v", errRetriesExhausted, maxAttempts, lastErr)
}
