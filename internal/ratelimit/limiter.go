package ratelimit

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mysticmarks/llm-runner-router/internal/types"
)

// Limits configures the two buckets kept per backend.
type Limits struct {
	RequestsPerMinute int
	TokensPerMinute   int
}

// DefaultLimits is used for backends without an explicit configuration.
var DefaultLimits = Limits{
	RequestsPerMinute: 600,
	TokensPerMinute:   600000,
}

type buckets struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
}

// Limiter maintains per-backend request and token buckets. Acquire blocks
// until both buckets have capacity or the context deadline fires; waiters
// are served in arrival order by the underlying limiter.
type Limiter struct {
	mu       sync.Mutex
	backends map[string]*buckets
	limits   map[string]Limits
	logger   *logrus.Logger
}

// NewLimiter creates a limiter with the given per-backend overrides.
func NewLimiter(limits map[string]Limits, logger *logrus.Logger) *Limiter {
	return &Limiter{
		backends: make(map[string]*buckets),
		limits:   limits,
		logger:   logger,
	}
}

func (l *Limiter) bucketsFor(key string) *buckets {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.backends[key]
	if ok {
		return b
	}

	lim, ok := l.limits[key]
	if !ok {
		lim = DefaultLimits
	}
	b = &buckets{
		requests: rate.NewLimiter(rate.Limit(float64(lim.RequestsPerMinute)/60), lim.RequestsPerMinute),
		tokens:   rate.NewLimiter(rate.Limit(float64(lim.TokensPerMinute)/60), lim.TokensPerMinute),
	}
	l.backends[key] = b
	return b
}

// Acquire takes one request token and n generation tokens for the backend.
// Deadline expiry yields a retryable rate_limit error.
func (l *Limiter) Acquire(ctx context.Context, key string, tokens int) error {
	b := l.bucketsFor(key)

	if err := b.requests.Wait(ctx); err != nil {
		return l.waitError(ctx, key, err)
	}

	if tokens <= 0 {
		return nil
	}
	if burst := b.tokens.Burst(); tokens > burst {
		// A single oversized request must not deadlock against the burst cap.
		tokens = burst
	}
	if err := b.tokens.WaitN(ctx, tokens); err != nil {
		return l.waitError(ctx, key, err)
	}
	return nil
}

func (l *Limiter) waitError(ctx context.Context, key string, err error) error {
	if ctx.Err() == context.Canceled {
		return types.WrapError(types.KindCancelled, "rate limit wait cancelled", err)
	}
	l.logger.WithField("backend", key).Debug("Rate limit wait timed out")
	return types.WrapError(types.KindRateLimit, "rate_limit_wait_timeout", err)
}

// Allow reports whether a request would be admitted right now without
// consuming capacity beyond the single request token.
func (l *Limiter) Allow(key string) bool {
	return l.bucketsFor(key).requests.Allow()
}
