package breaker

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysticmarks/llm-runner-router/internal/types"
)

func testBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	now := time.Now()
	b := NewBreaker(Config{FailureThreshold: 5, Cooldown: 60 * time.Second}, logger)
	b.SetClock(func() time.Time { return now })
	return b, &now
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := testBreaker(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Allow("backend"))
		b.Record("backend", false)
	}
	assert.Equal(t, types.CircuitOpen, b.State("backend"))

	err := b.Allow("backend")
	require.Error(t, err)
	assert.Equal(t, types.KindCircuitOpen, types.KindOf(err))
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b, _ := testBreaker(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow("backend"))
		b.Record("backend", false)
	}
	require.NoError(t, b.Allow("backend"))
	b.Record("backend", true)
	assert.Equal(t, types.CircuitClosed, b.State("backend"))
	assert.Equal(t, 0, b.ConsecutiveFailures("backend"))
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	b, now := testBreaker(t)

	for i := 0; i < 5; i++ {
		b.Allow("backend")
		b.Record("backend", false)
	}
	require.Equal(t, types.CircuitOpen, b.State("backend"))

	// Cooldown elapses; one probe is admitted, a second is refused.
	*now = now.Add(61 * time.Second)
	require.NoError(t, b.Allow("backend"))
	assert.Equal(t, types.CircuitHalfOpen, b.State("backend"))

	err := b.Allow("backend")
	require.Error(t, err)
	assert.Equal(t, types.KindCircuitOpen, types.KindOf(err))
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, now := testBreaker(t)

	for i := 0; i < 5; i++ {
		b.Allow("backend")
		b.Record("backend", false)
	}
	*now = now.Add(61 * time.Second)
	require.NoError(t, b.Allow("backend"))
	b.Record("backend", true)

	assert.Equal(t, types.CircuitClosed, b.State("backend"))
	assert.Equal(t, 0, b.ConsecutiveFailures("backend"))
}

func TestBreaker_ProbeFailureReopensWithFreshCooldown(t *testing.T) {
	b, now := testBreaker(t)

	for i := 0; i < 5; i++ {
		b.Allow("backend")
		b.Record("backend", false)
	}
	*now = now.Add(61 * time.Second)
	require.NoError(t, b.Allow("backend"))
	b.Record("backend", false)
	assert.Equal(t, types.CircuitOpen, b.State("backend"))

	// Half the new cooldown: still open.
	*now = now.Add(30 * time.Second)
	assert.Error(t, b.Allow("backend"))

	*now = now.Add(31 * time.Second)
	assert.NoError(t, b.Allow("backend"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := testBreaker(t)

	for i := 0; i < 5; i++ {
		b.Allow("a")
		b.Record("a", false)
	}
	assert.Equal(t, types.CircuitOpen, b.State("a"))
	assert.NoError(t, b.Allow("b"))
	assert.Equal(t, types.CircuitClosed, b.State("b"))
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := testBreaker(t)

	for i := 0; i < 5; i++ {
		b.Allow("backend")
		b.Record("backend", false)
	}
	b.Reset("backend")
	assert.Equal(t, types.CircuitClosed, b.State("backend"))
	assert.NoError(t, b.Allow("backend"))
}
