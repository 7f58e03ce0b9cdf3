package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// TimeoutConfig holds the timeout budgets for outbound calls. Venue and
// custody budgets are independent.
type TimeoutConfig struct {
	Venue    time.Duration `yaml:"venue"`
	Custody  time.Duration `yaml:"custody"`
	Identity time.Duration `yaml:"identity"`
	Chain    time.Duration `yaml:"chain"`
}

// DefaultTimeoutConfig returns the default budgets.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Venue:    3 * time.Second,
		Custody:  10 * time.Second,
		Identity: 5 * time.Second,
		Chain:    5 * time.Second,
	}
}

// Validate rejects non-positive budgets.
func (c TimeoutConfig) Validate() error {
	if c.Venue <= 0 {
		return fmt.Errorf("venue timeout must be positive")
	}
	if c.Custody <= 0 {
		return fmt.Errorf("custody timeout must be positive")
	}
	if c.Identity <= 0 {
		return fmt.Errorf("identity timeout must be positive")
	}
	if c.Chain <= 0 {
		return fmt.Errorf("chain timeout must be positive")
	}
	return nil
}

// TimeoutManager hands out deadline-bound contexts for outbound calls.
type TimeoutManager struct {
	mu     sync.RWMutex
	config TimeoutConfig
}

// NewTimeoutManager creates a timeout manager, filling unset budgets with defaults.
func NewTimeoutManager(config TimeoutConfig) *TimeoutManager {
	def := DefaultTimeoutConfig()
	if config.Venue <= 0 {
		config.Venue = def.Venue
	}
	if config.Custody <= 0 {
		config.Custody = def.Custody
	}
	if config.Identity <= 0 {
		config.Identity = def.Identity
	}
	if config.Chain <= 0 {
		config.Chain = def.Chain
	}
	return &TimeoutManager{config: config}
}

// Config returns a copy of the current timeout configuration.
func (tm *TimeoutManager) Config() TimeoutConfig {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.config
}

// Configure updates the timeout configuration atomically.
func (tm *TimeoutManager) Configure(config TimeoutConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	tm.mu.Lock()
	tm.config = config
	tm.mu.Unlock()
	return nil
}

// WithVenueTimeout bounds a single venue adapter call.
func (tm *TimeoutManager) WithVenueTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.Config().Venue)
}

// WithCustodyTimeout bounds a custody create or sign call.
func (tm *TimeoutManager) WithCustodyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.Config().Custody)
}

// WithIdentityTimeout bounds an identity verification.
func (tm *TimeoutManager) WithIdentityTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.Config().Identity)
}

// WithChainTimeout bounds an RPC read against the chain.
func (tm *TimeoutManager) WithChainTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.Config().Chain)
}

// RetryConfig defines retry behaviour for idempotent reads.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            bool          `yaml:"jitter"`
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy retries idempotent operations with exponential backoff.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	return &RetryPolicy{config: config}
}

// Backoff returns the delay before retry number attempt (zero based).
func (rp *RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}
	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}

// Do runs fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= rp.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryableError(lastErr) || attempt == rp.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rp.Backoff(attempt)):
		}
	}
	if !IsRetryableError(lastErr) {
		return lastErr
	}
	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// RetryableError marks an error as transient.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryableError determines if an error should trigger a retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"temporary failure",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
