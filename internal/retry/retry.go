package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mysticmarks/llm-runner-router/internal/types"
)

// Policy configures the exponential backoff loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay randomized in both directions
}

// DefaultPolicy suits most upstream LLM APIs.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Delay computes the sleep before the given retry attempt (attempt starts
// at 1 for the first retry). An explicit Retry-After from the upstream
// overrides the computed backoff.
func (p Policy) Delay(attempt int, lastErr error) time.Duration {
	var re *types.Error
	if errors.As(lastErr, &re) && re.RetryAfter > 0 {
		return re.RetryAfter
	}

	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max := float64(p.MaxDelay); delay > max {
		delay = max
	}
	if p.Jitter > 0 {
		delay *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(delay)
}

// Do runs op under the policy, retrying retryable failures with backoff.
// Cancellation preempts the sleep immediately.
func Do[T any](ctx context.Context, policy Policy, logger *logrus.Logger, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := policy.Delay(attempt-1, lastErr)
			logger.WithFields(logrus.Fields{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
			}).Debug("Retrying after backoff")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, contextError(ctx, lastErr)
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !types.IsRetryable(err) {
			return zero, annotateAttempts(err, attempt)
		}
		if ctx.Err() != nil {
			return zero, contextError(ctx, lastErr)
		}
	}
	return zero, annotateAttempts(lastErr, policy.MaxAttempts)
}

func annotateAttempts(err error, attempts int) error {
	var re *types.Error
	if errors.As(err, &re) {
		re.AttemptCount = attempts
		return err
	}
	wrapped := types.WrapError(types.KindOf(err), "operation failed", err)
	wrapped.AttemptCount = attempts
	return wrapped
}

func contextError(ctx context.Context, lastErr error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return types.WrapError(types.KindTimeout, "deadline exceeded during retry", lastErr)
	}
	return types.WrapError(types.KindCancelled, "cancelled during retry", lastErr)
}
