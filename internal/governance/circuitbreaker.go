package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is probing whether the venue recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// ConsecutiveFailures opens the circuit after this many failures in a row.
	// Zero disables the check.
	ConsecutiveFailures int `yaml:"consecutive_failures"`
	// WindowSize is the number of most recent calls used for rate evaluation.
	WindowSize int `yaml:"window_size"`
	// FailureRateThreshold is the percentage (0-100) of failures within the
	// window that opens the circuit. Zero disables rate-based evaluation.
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
	// MinSamples is the number of calls required before rate evaluation applies.
	MinSamples int `yaml:"min_samples"`
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// HalfOpenTrials is the number of successful trial calls needed to close again.
	HalfOpenTrials int `yaml:"half_open_trials"`
}

// DefaultCircuitBreakerConfig returns defaults tuned for venue adapters.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		ConsecutiveFailures:  5,
		WindowSize:           20,
		FailureRateThreshold: 50,
		MinSamples:           10,
		OpenTimeout:          30 * time.Second,
		HalfOpenTrials:       2,
	}
}

func (c CircuitBreakerConfig) normalized() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.ConsecutiveFailures < 0 {
		c.ConsecutiveFailures = 0
	}
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.FailureRateThreshold < 0 {
		c.FailureRateThreshold = 0
	}
	if c.MinSamples <= 0 || c.MinSamples > c.WindowSize {
		c.MinSamples = c.WindowSize / 2
		if c.MinSamples == 0 {
			c.MinSamples = 1
		}
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	if c.HalfOpenTrials <= 0 {
		c.HalfOpenTrials = def.HalfOpenTrials
	}
	return c
}

// CircuitBreaker guards calls to one upstream. Outcomes are tracked in a
// count-based sliding window.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig
	now    func() time.Time

	state        CircuitBreakerState
	openedAt     time.Time
	changedAt    time.Time
	outcomes     []bool // true = failure
	next         int
	filled       int
	consecutive  int
	trialsOut    int
	trialsPassed int
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return newCircuitBreaker(config, time.Now)
}

func newCircuitBreaker(config CircuitBreakerConfig, now func() time.Time) *CircuitBreaker {
	config = config.normalized()
	return &CircuitBreaker{
		config:    config,
		now:       now,
		state:     StateClosed,
		changedAt: now(),
		outcomes:  make([]bool, config.WindowSize),
	}
}

// ExecuteContext runs fn if the circuit allows it and records the outcome.
// Context cancellation by the caller is not counted as an upstream failure.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		cb.release()
		return err
	}
	cb.record(err != nil)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.OpenTimeout {
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen)
		cb.trialsOut++
		return nil
	case StateHalfOpen:
		if cb.trialsOut >= cb.config.HalfOpenTrials {
			return ErrCircuitOpen
		}
		cb.trialsOut++
		return nil
	default:
		return nil
	}
}

// release returns a half-open trial slot that produced no verdict.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.trialsOut > 0 {
		cb.trialsOut--
	}
}

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		if failed {
			cb.transitionLocked(StateOpen)
			return
		}
		cb.trialsPassed++
		if cb.trialsPassed >= cb.config.HalfOpenTrials {
			cb.transitionLocked(StateClosed)
		}
		return
	}
	if cb.state != StateClosed {
		return
	}

	cb.outcomes[cb.next] = failed
	cb.next = (cb.next + 1) % len(cb.outcomes)
	if cb.filled < len(cb.outcomes) {
		cb.filled++
	}
	if failed {
		cb.consecutive++
	} else {
		cb.consecutive = 0
	}

	if cb.config.ConsecutiveFailures > 0 && cb.consecutive >= cb.config.ConsecutiveFailures {
		cb.transitionLocked(StateOpen)
		return
	}
	if cb.config.FailureRateThreshold > 0 && cb.filled >= cb.config.MinSamples {
		if cb.failureRateLocked() >= cb.config.FailureRateThreshold {
			cb.transitionLocked(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) failureRateLocked() float64 {
	if cb.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < cb.filled; i++ {
		if cb.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(cb.filled) * 100
}

func (cb *CircuitBreaker) transitionLocked(state CircuitBreakerState) {
	if cb.state == state {
		return
	}
	now := cb.now()
	cb.state = state
	cb.changedAt = now
	cb.trialsOut = 0
	cb.trialsPassed = 0
	cb.consecutive = 0
	if state == StateOpen {
		cb.openedAt = now
	}
	if state == StateClosed {
		for i := range cb.outcomes {
			cb.outcomes[i] = false
		}
		cb.next, cb.filled = 0, 0
	}
}

// State returns the current state. An open circuit whose timeout elapsed is
// reported as half-open.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.OpenTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State           string  `json:"state"`
	FailureRate     float64 `json:"failureRate"`
	Samples         int     `json:"samples"`
	LastStateChange string  `json:"lastStateChange"`
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:           string(cb.state),
		FailureRate:     cb.failureRateLocked(),
		Samples:         cb.filled,
		LastStateChange: cb.changedAt.Format(time.RFC3339),
	}
}

// Reset closes the circuit and clears recorded outcomes.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateOpen
	cb.transitionLocked(StateClosed)
}

// CircuitBreakerManager keeps one breaker per venue.
type CircuitBreakerManager struct {
	mu       sync.RWMutex
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
	now      func() time.Time
}

// NewCircuitBreakerManager creates a manager whose breakers share config.
func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		config:   config.normalized(),
		breakers: make(map[string]*CircuitBreaker),
		now:      time.Now,
	}
}

// Configure replaces the shared configuration. Existing breakers are rebuilt
// closed so new thresholds apply immediately.
func (m *CircuitBreakerManager) Configure(config CircuitBreakerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = config.normalized()
	for name := range m.breakers {
		m.breakers[name] = newCircuitBreaker(m.config, m.now)
	}
}

// Get retrieves the breaker for a venue, creating one if needed.
func (m *CircuitBreakerManager) Get(venue string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[venue]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[venue]; ok {
		return cb
	}
	cb = newCircuitBreaker(m.config, m.now)
	m.breakers[venue] = cb
	return cb
}

// Stats returns statistics for all breakers.
func (m *CircuitBreakerManager) Stats() map[string]CircuitBreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]CircuitBreakerStats, len(m.breakers))
	for name, cb := range m.breakers {
		stats[name] = cb.Stats()
	}
	return stats
}
