package governance

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var errUpstream = errors.New("upstream failed")

func fail(context.Context) error { return errUpstream }
func pass(context.Context) error { return nil }

func TestCircuitBreakerOpensOnConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newCircuitBreaker(CircuitBreakerConfig{
		ConsecutiveFailures: 3,
		OpenTimeout:         10 * time.Second,
		HalfOpenTrials:      1,
	}, clock.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.ExecuteContext(ctx, fail), errUpstream)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.ExecuteContext(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	clock.Advance(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.ExecuteContext(ctx, pass))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newCircuitBreaker(CircuitBreakerConfig{ConsecutiveFailures: 1, OpenTimeout: time.Second}, clock.Now)
	ctx := context.Background()

	_ = cb.ExecuteContext(ctx, fail)
	clock.Advance(2 * time.Second)
	_ = cb.ExecuteContext(ctx, fail)

	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerFailureRate(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		WindowSize:           10,
		MinSamples:           10,
		FailureRateThreshold: 50,
	})
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		fn := pass
		if i%2 == 0 {
			fn = fail
		}
		_ = cb.ExecuteContext(ctx, fn)
	}
	assert.Equal(t, StateClosed, cb.State(), "below min samples")

	_ = cb.ExecuteContext(ctx, pass)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerIgnoresCallerCancellation(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{ConsecutiveFailures: 1})
	ctx, cancel := context.WithCancel(context.Background())

	err := cb.ExecuteContext(ctx, func(context.Context) error {
		cancel()
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

// **Feature: venue-governance, Property: successes never open a closed circuit**
func TestCircuitBreakerSuccessesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{
			ConsecutiveFailures:  rapid.IntRange(1, 10).Draw(t, "consecutive"),
			WindowSize:           rapid.IntRange(1, 50).Draw(t, "window"),
			FailureRateThreshold: rapid.Float64Range(1, 100).Draw(t, "rate"),
		})
		n := rapid.IntRange(1, 200).Draw(t, "calls")
		for i := 0; i < n; i++ {
			_ = cb.ExecuteContext(context.Background(), pass)
		}
		if cb.State() != StateClosed {
			t.Fatalf("circuit opened after %d successes", n)
		}
	})
}

func TestCircuitBreakerManager(t *testing.T) {
	m := NewCircuitBreakerManager(CircuitBreakerConfig{ConsecutiveFailures: 1})
	a := m.Get("a")
	assert.Same(t, a, m.Get("a"))

	_ = a.ExecuteContext(context.Background(), fail)
	assert.Equal(t, StateOpen, m.Get("a").State())
	assert.Equal(t, "open", m.Stats()["a"].State)

	m.Configure(CircuitBreakerConfig{ConsecutiveFailures: 5})
	assert.Equal(t, StateClosed, m.Get("a").State())
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Requests: 2, Window: time.Minute, Burst: 2})

	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("bob"))

	rl.Configure(RateLimiterConfig{})
	assert.True(t, rl.Allow("alice"), "disabled limiter allows everything")
}

func TestRateLimiterCleanup(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(RateLimiterConfig{Requests: 10, Window: time.Second, IdleTTL: time.Minute})
	rl.now = clock.Now

	rl.Allow("a")
	clock.Advance(2 * time.Minute)
	rl.Allow("b")

	assert.Equal(t, 1, rl.Cleanup())
}

func TestWriteRateLimitHeaders(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Requests: 5, Window: time.Minute})
	stats, ok := rl.Reserve("client")
	require.True(t, ok)

	rec := httptest.NewRecorder()
	WriteRateLimitHeaders(rec, stats)
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestTimeoutManager(t *testing.T) {
	tm := NewTimeoutManager(TimeoutConfig{Venue: 50 * time.Millisecond})
	assert.Equal(t, 10*time.Second, tm.Config().Custody)

	ctx, cancel := tm.WithVenueTimeout(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 20*time.Millisecond)

	assert.Error(t, tm.Configure(TimeoutConfig{}))
	require.NoError(t, tm.Configure(TimeoutConfig{Venue: time.Second, Custody: time.Second, Identity: time.Second, Chain: time.Second}))
	assert.Equal(t, time.Second, tm.Config().Venue)
}

func TestRetryPolicy(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})

	attempts := 0
	err := rp.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return &RetryableError{Err: errors.New("503")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = rp.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("bad request")
	})
	assert.EqualError(t, err, "bad request")
	assert.Equal(t, 1, attempts)

	err = rp.Do(context.Background(), func(context.Context) error {
		return errors.New("dial tcp: connection refused")
	})
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
}
