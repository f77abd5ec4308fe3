package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysticmarks/llm-runner-router/internal/types"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestAcquire_WithinBurst(t *testing.T) {
	l := NewLimiter(map[string]Limits{
		"backend": {RequestsPerMinute: 60, TokensPerMinute: 6000},
	}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire(ctx, "backend", 100))
	}
}

func TestAcquire_DeadlineYieldsRetryableRateLimit(t *testing.T) {
	l := NewLimiter(map[string]Limits{
		"backend": {RequestsPerMinute: 1, TokensPerMinute: 10},
	}, quietLogger())

	// Drain the single request slot.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Acquire(ctx, "backend", 1))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer waitCancel()
	err := l.Acquire(waitCtx, "backend", 1)
	require.Error(t, err)
	assert.Equal(t, types.KindRateLimit, types.KindOf(err))
	assert.True(t, types.IsRetryable(err))
}

func TestAcquire_CancellationYieldsCancelled(t *testing.T) {
	l := NewLimiter(map[string]Limits{
		"backend": {RequestsPerMinute: 1, TokensPerMinute: 10},
	}, quietLogger())

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, "backend", 1))

	waitCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Acquire(waitCtx, "backend", 1) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.Equal(t, types.KindCancelled, types.KindOf(err))
}

func TestAcquire_OversizedTokenDemandIsClamped(t *testing.T) {
	l := NewLimiter(map[string]Limits{
		"backend": {RequestsPerMinute: 60, TokensPerMinute: 100},
	}, quietLogger())

	// Demanding more tokens than the burst must not deadlock forever.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Acquire(ctx, "backend", 1000))
}

func TestAcquire_UnknownBackendGetsDefaults(t *testing.T) {
	l := NewLimiter(nil, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, l.Acquire(ctx, "anything", 10))
}

func TestAllow(t *testing.T) {
	l := NewLimiter(map[string]Limits{
		"backend": {RequestsPerMinute: 1, TokensPerMinute: 10},
	}, quietLogger())

	assert.True(t, l.Allow("backend"))
	assert.False(t, l.Allow("backend"))
}
