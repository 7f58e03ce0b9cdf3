package governance

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines the per-client request budget: Requests per Window
// with an instantaneous Burst allowance.
type RateLimiterConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Burst    int           `yaml:"burst"`
	// IdleTTL evicts limiters for clients that have not been seen for this long.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// DefaultRateLimiterConfig allows 100 requests per 15 minutes per client.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Requests: 100,
		Window:   15 * time.Minute,
		Burst:    100,
		IdleTTL:  30 * time.Minute,
	}
}

// Enabled reports whether the configuration limits anything.
func (c RateLimiterConfig) Enabled() bool {
	return c.Requests > 0 && c.Window > 0
}

func (c RateLimiterConfig) limit() rate.Limit {
	return rate.Limit(float64(c.Requests) / c.Window.Seconds())
}

func (c RateLimiterConfig) burst() int {
	if c.Burst > 0 {
		return c.Burst
	}
	return c.Requests
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client key.
type RateLimiter struct {
	mu      sync.Mutex
	config  RateLimiterConfig
	clients map[string]*clientLimiter
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		config:  config,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// Configure updates limits. Existing clients keep their remaining tokens.
func (rl *RateLimiter) Configure(config RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.config = config
	if !config.Enabled() {
		return
	}
	for _, c := range rl.clients {
		c.limiter.SetLimit(config.limit())
		c.limiter.SetBurst(config.burst())
	}
}

// Allow consumes one token for key and reports whether the request may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	_, ok := rl.Reserve(key)
	return ok
}

// Reserve consumes one token for key. It returns the configured limit state for
// response headers and whether the request may proceed.
func (rl *RateLimiter) Reserve(key string) (RateLimitStats, bool) {
	rl.mu.Lock()
	cfg := rl.config
	if !cfg.Enabled() {
		rl.mu.Unlock()
		return RateLimitStats{}, true
	}
	now := rl.now()
	c, ok := rl.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(cfg.limit(), cfg.burst())}
		rl.clients[key] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	allowed := c.limiter.AllowN(now, 1)
	remaining := int(c.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitStats{
		Limit:     cfg.Requests,
		Remaining: remaining,
		Reset:     now.Add(cfg.Window),
	}, allowed
}

// Cleanup drops limiters idle for longer than IdleTTL.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	ttl := rl.config.IdleTTL
	if ttl <= 0 {
		ttl = DefaultRateLimiterConfig().IdleTTL
	}
	now := rl.now()
	removed := 0
	for key, c := range rl.clients {
		if now.Sub(c.lastSeen) > ttl {
			delete(rl.clients, key)
			removed++
		}
	}
	return removed
}

// StartCleanupRoutine periodically evicts idle client limiters until stopCh closes.
func (rl *RateLimiter) StartCleanupRoutine(interval time.Duration, stopCh <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-stopCh:
				return
			}
		}
	}()
}

// RateLimitStats exposes the state of one client's bucket.
type RateLimitStats struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, stats RateLimitStats) {
	if stats.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(stats.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(stats.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(stats.Reset.Unix(), 10))
}
