package breaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mysticmarks/llm-runner-router/internal/types"
)

// Config holds the breaker thresholds shared by all backend keys.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	Cooldown         time.Duration // open -> half-open delay
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

type state struct {
	circuit             types.CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
}

// Breaker is a three-state circuit breaker keyed per backend. Closed admits
// all calls; open fails fast until the cooldown elapses; half-open admits
// exactly one probe whose outcome decides the next state.
type Breaker struct {
	config Config
	logger *logrus.Logger
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*state
}

// NewBreaker creates a breaker that reads time from time.Now; SetClock
// replaces the time source.
func NewBreaker(config Config, logger *logrus.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 60 * time.Second
	}
	return &Breaker{
		config: config,
		logger: logger,
		now:    time.Now,
		states: make(map[string]*state),
	}
}

// SetClock replaces the time source, for deterministic tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.now = now
}

func (b *Breaker) stateFor(key string) *state {
	s, ok := b.states[key]
	if !ok {
		s = &state{circuit: types.CircuitClosed}
		b.states[key] = s
	}
	return s
}

// Allow reports whether a call to the backend may proceed. When the breaker
// is open it returns a circuit_open error without any network activity.
func (b *Breaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stateFor(key)
	switch s.circuit {
	case types.CircuitClosed:
		return nil

	case types.CircuitOpen:
		if b.now().Sub(s.openedAt) >= b.config.Cooldown {
			s.circuit = types.CircuitHalfOpen
			s.probeInFlight = true
			b.logger.WithField("backend", key).Info("Circuit half-open, admitting probe")
			return nil
		}
		return types.NewError(types.KindCircuitOpen, "circuit open for backend "+key)

	case types.CircuitHalfOpen:
		if s.probeInFlight {
			return types.NewError(types.KindCircuitOpen, "circuit half-open, probe in flight for backend "+key)
		}
		s.probeInFlight = true
		return nil

	default:
		return types.NewError(types.KindInternal, "unknown circuit state")
	}
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(key string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stateFor(key)
	if success {
		if s.circuit == types.CircuitHalfOpen {
			b.logger.WithField("backend", key).Info("Circuit closed after successful probe")
		}
		s.circuit = types.CircuitClosed
		s.consecutiveFailures = 0
		s.probeInFlight = false
		return
	}

	s.consecutiveFailures++
	switch s.circuit {
	case types.CircuitClosed:
		if s.consecutiveFailures >= b.config.FailureThreshold {
			s.circuit = types.CircuitOpen
			s.openedAt = b.now()
			b.logger.WithFields(logrus.Fields{
				"backend":  key,
				"failures": s.consecutiveFailures,
			}).Warn("Circuit opened")
		}
	case types.CircuitHalfOpen:
		s.circuit = types.CircuitOpen
		s.openedAt = b.now()
		s.probeInFlight = false
		b.logger.WithField("backend", key).Warn("Probe failed, circuit re-opened")
	}
}

// State returns the current circuit state for a backend key.
func (b *Breaker) State(key string) types.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateFor(key).circuit
}

// ConsecutiveFailures returns the current failure streak for a backend.
func (b *Breaker) ConsecutiveFailures(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateFor(key).consecutiveFailures
}

// Reset forces a backend's circuit closed.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stateFor(key)
	s.circuit = types.CircuitClosed
	s.consecutiveFailures = 0
	s.probeInFlight = false
}
