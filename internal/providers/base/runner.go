package base

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/mysticmarks/llm-runner-router/internal/audit"
	"github.com/mysticmarks/llm-runner-router/internal/breaker"
	"github.com/mysticmarks/llm-runner-router/internal/ratelimit"
	"github.com/mysticmarks/llm-runner-router/internal/retry"
	"github.com/mysticmarks/llm-runner-router/internal/types"
)

// RunnerConfig bounds a runner's concurrency.
type RunnerConfig struct {
	MaxConcurrentPerBackend int64
	MaxQueue                int64
	RetryPolicy             retry.Policy
}

// DefaultRunnerConfig returns the standard bounds.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		MaxConcurrentPerBackend: 32,
		MaxQueue:                256,
		RetryPolicy:             retry.DefaultPolicy(),
	}
}

// Runner is the shared dispatch pipeline every adapter call goes through:
// per-backend semaphore, then the circuit breaker guard, then rate-limiter
// acquire and the retry loop inside it. It also emits audit events with
// masked credentials.
type Runner struct {
	config  RunnerConfig
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	audit   *audit.Logger
	logger  *logrus.Logger

	mu      sync.Mutex
	sems    map[string]*semaphore.Weighted
	waiting map[string]*atomic.Int64
}

// NewRunner wires the shared machinery.
func NewRunner(config RunnerConfig, limiter *ratelimit.Limiter, brk *breaker.Breaker, auditLog *audit.Logger, logger *logrus.Logger) *Runner {
	if config.MaxConcurrentPerBackend <= 0 {
		config.MaxConcurrentPerBackend = DefaultRunnerConfig().MaxConcurrentPerBackend
	}
	if config.MaxQueue <= 0 {
		config.MaxQueue = DefaultRunnerConfig().MaxQueue
	}
	return &Runner{
		config:  config,
		limiter: limiter,
		breaker: brk,
		audit:   auditLog,
		logger:  logger,
		sems:    make(map[string]*semaphore.Weighted),
		waiting: make(map[string]*atomic.Int64),
	}
}

// Breaker exposes the breaker for health snapshots.
func (r *Runner) Breaker() *breaker.Breaker {
	return r.breaker
}

func (r *Runner) slots(backend string) (*semaphore.Weighted, *atomic.Int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.sems[backend]
	if !ok {
		sem = semaphore.NewWeighted(r.config.MaxConcurrentPerBackend)
		r.sems[backend] = sem
		r.waiting[backend] = &atomic.Int64{}
	}
	return sem, r.waiting[backend]
}

// Do executes op for one backend under the full pipeline. estTokens is the
// request's worst-case token demand, charged against the TPM bucket.
func Do[T any](ctx context.Context, r *Runner, backend string, estTokens int, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	sem, waiting := r.slots(backend)
	if waiting.Load() >= r.config.MaxQueue {
		return zero, types.NewError(types.KindOverloaded, "backend queue full: "+backend)
	}
	waiting.Add(1)
	err := sem.Acquire(ctx, 1)
	waiting.Add(-1)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return zero, types.WrapError(types.KindTimeout, "deadline exceeded queueing for backend", err)
		}
		return zero, types.WrapError(types.KindCancelled, "cancelled queueing for backend", err)
	}
	defer sem.Release(1)

	// The breaker is authoritative: an open circuit fails fast before any
	// rate-limiter or network work.
	if err := r.breaker.Allow(backend); err != nil {
		return zero, err
	}

	result, err := retry.Do(ctx, r.config.RetryPolicy, r.logger, func(ctx context.Context) (T, error) {
		if err := r.limiter.Acquire(ctx, backend, estTokens); err != nil {
			return zero, err
		}
		return op(ctx)
	})

	r.breaker.Record(backend, err == nil || !countsAsFailure(err))
	return result, err
}

// countsAsFailure excludes caller mistakes from the breaker's failure
// streak: a bad request or bad key on backend B says nothing about B's
// availability.
func countsAsFailure(err error) bool {
	switch types.KindOf(err) {
	case types.KindInvalidRequest, types.KindAuth, types.KindForbidden,
		types.KindContentFilter, types.KindCostCeiling, types.KindCancelled:
		return false
	default:
		return true
	}
}

// Audit emits a request record to the audit sink, if one is configured.
func (r *Runner) Audit(event audit.Event) {
	if r.audit != nil {
		r.audit.Emit(event)
	}
}

// ObserveLatency logs slow upstream calls at debug level.
func (r *Runner) ObserveLatency(backend string, d time.Duration) {
	if d > 10*time.Second {
		r.logger.WithFields(logrus.Fields{
			"backend":     backend,
			"duration_ms": d.Milliseconds(),
		}).Debug("Slow upstream call")
	}
}
