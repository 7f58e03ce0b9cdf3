// Package aggregator fans a swap request out to every registered venue
// adapter and selects the route with the highest net value in the quote
// currency.
package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/tokenswipe/internal/governance"
	"github.com/polisai/tokenswipe/pkg/domain"
	"github.com/polisai/tokenswipe/pkg/telemetry"
)

// Config controls selection and quote validity.
type Config struct {
	// Epsilon is the net-value band, in quote-currency units, within which
	// candidates are considered tied.
	Epsilon decimal.Decimal
	// ValidityWindow is added to the request time to form the quote deadline.
	ValidityWindow time.Duration
}

// DefaultConfig returns the default selection settings.
func DefaultConfig() Config {
	return Config{
		Epsilon:        decimal.RequireFromString("0.01"),
		ValidityWindow: 600 * time.Second,
	}
}

// Aggregator implements best-quote selection across venue adapters.
type Aggregator struct {
	mu       sync.RWMutex
	adapters []domain.VenueAdapter
	config   Config

	prices   domain.PriceSource
	breakers *governance.CircuitBreakerManager
	timeouts *governance.TimeoutManager
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

// WithMetrics records venue and quote metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithBreakers shares a circuit breaker manager.
func WithBreakers(m *governance.CircuitBreakerManager) Option {
	return func(a *Aggregator) { a.breakers = m }
}

// WithTimeouts shares a timeout manager.
func WithTimeouts(tm *governance.TimeoutManager) Option {
	return func(a *Aggregator) { a.timeouts = tm }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New builds an Aggregator over adapters, valuing routes with prices.
func New(adapters []domain.VenueAdapter, prices domain.PriceSource, config Config, opts ...Option) *Aggregator {
	a := &Aggregator{
		adapters: append([]domain.VenueAdapter(nil), adapters...),
		config:   normalize(config),
		prices:   prices,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.breakers == nil {
		a.breakers = governance.NewCircuitBreakerManager(governance.DefaultCircuitBreakerConfig())
	}
	if a.timeouts == nil {
		a.timeouts = governance.NewTimeoutManager(governance.DefaultTimeoutConfig())
	}
	return a
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Epsilon.IsNegative() {
		cfg.Epsilon = def.Epsilon
	}
	if cfg.ValidityWindow <= 0 {
		cfg.ValidityWindow = def.ValidityWindow
	}
	return cfg
}

// Configure applies new selection settings.
func (a *Aggregator) Configure(cfg Config) {
	a.mu.Lock()
	a.config = normalize(cfg)
	a.mu.Unlock()
	a.logger.Info("Aggregator configuration updated",
		"epsilon", cfg.Epsilon.String(),
		"validity_window", cfg.ValidityWindow)
}

// SetAdapters replaces the registered venue adapters.
func (a *Aggregator) SetAdapters(adapters []domain.VenueAdapter) {
	a.mu.Lock()
	a.adapters = append([]domain.VenueAdapter(nil), adapters...)
	a.mu.Unlock()
}

// ValidityWindow returns the configured quote lifetime.
func (a *Aggregator) ValidityWindow() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.ValidityWindow
}

// Venues returns the names of the registered adapters.
func (a *Aggregator) Venues() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, len(a.adapters))
	for i, ad := range a.adapters {
		names[i] = ad.Name()
	}
	return names
}

// GetBestQuote validates req, queries every venue concurrently and returns
// the candidate with the best net value.
func (a *Aggregator) GetBestQuote(ctx context.Context, req domain.SwapRequest) (*domain.SwapQuote, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	priceOut, ok := a.prices.Price(req.TokenOut)
	if !ok {
		return nil, domain.NewError(domain.ErrInvalidRequest, "unsupported tokenOut")
	}
	if _, ok := a.prices.Price(req.TokenIn); !ok {
		return nil, domain.NewError(domain.ErrInvalidRequest, "unsupported tokenIn")
	}

	a.mu.RLock()
	adapters := a.adapters
	cfg := a.config
	a.mu.RUnlock()

	requestTime := a.now()

	ctx, span := telemetry.StartSpan(ctx, "aggregator.get_best_quote",
		attribute.String("swap.token_in", req.TokenIn),
		attribute.String("swap.token_out", req.TokenOut),
		attribute.Int("aggregator.venues", len(adapters)),
	)
	defer span.End()

	results := a.fanOut(ctx, adapters, req)

	statuses := make([]domain.VenueStatus, len(results))
	scored := make([]scoredCandidate, 0, len(results))
	nativePrice := a.prices.NativePrice()
	for i, res := range results {
		statuses[i] = res.status
		for _, c := range res.routes {
			scored = append(scored, score(c, priceOut, nativePrice))
		}
	}

	if len(scored) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := domain.NewError(domain.ErrNoRoutesAvailable, "no routes available").WithDetail("venues", statuses)
		telemetry.RecordError(span, err)
		a.metrics.RecordQuote("no_routes", 0)
		a.logger.Warn("No routes available", "token_in", req.TokenIn, "token_out", req.TokenOut, "venues", statuses)
		return nil, err
	}

	best := selectBest(scored, cfg.Epsilon)
	quote := buildQuote(req, best, requestTime, cfg.ValidityWindow, statuses)

	span.SetAttributes(
		attribute.String("aggregator.selected_venue", quote.Venue),
		attribute.Int("aggregator.candidates", len(scored)),
	)
	netValue, _ := quote.NetValue.Float64()
	a.metrics.RecordQuote("ok", netValue)
	a.logger.Debug("Quote selected",
		"venue", quote.Venue,
		"net_value", quote.NetValue.String(),
		"candidates", len(scored))

	return quote, nil
}

type venueResult struct {
	routes []domain.RouteCandidate
	status domain.VenueStatus
}

// fanOut queries adapters in parallel. Every adapter call is bounded by the
// venue timeout even if the adapter ignores its context.
func (a *Aggregator) fanOut(ctx context.Context, adapters []domain.VenueAdapter, req domain.SwapRequest) []venueResult {
	results := make([]venueResult, len(adapters))

	var g errgroup.Group
	for i, adapter := range adapters {
		g.Go(func() error {
			results[i] = a.queryVenue(ctx, adapter, req)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (a *Aggregator) queryVenue(ctx context.Context, adapter domain.VenueAdapter, req domain.SwapRequest) venueResult {
	name := adapter.Name()
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "venue.find_routes", attribute.String("venue.name", name))
	defer span.End()

	vctx, cancel := a.timeouts.WithVenueTimeout(ctx)
	defer cancel()

	var routes []domain.RouteCandidate
	err := a.breakers.Get(name).ExecuteContext(vctx, func(c context.Context) error {
		var err error
		routes, err = callBounded(c, adapter, req)
		return err
	})

	elapsed := time.Since(start)
	status := domain.VenueStatus{Venue: name, LatencyMs: elapsed.Milliseconds()}

	switch {
	case errors.Is(err, governance.ErrCircuitOpen):
		status.Outcome = domain.VenueCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		status.Outcome = domain.VenueTimeout
	case err != nil:
		status.Outcome = domain.VenueError
	}

	if err != nil {
		telemetry.RecordError(span, err)
		a.metrics.RecordVenueCall(name, string(status.Outcome), elapsed)
		a.logger.Warn("Venue adapter failed", "venue", name, "outcome", status.Outcome, "error", err)
		return venueResult{status: status}
	}

	valid := routes[:0:0]
	for _, c := range routes {
		if c.Venue == "" {
			c.Venue = name
		}
		if verr := c.Validate(); verr != nil {
			a.logger.Warn("Discarding malformed route", "venue", name, "error", verr)
			continue
		}
		valid = append(valid, c)
	}

	status.Candidates = len(valid)
	status.Outcome = domain.VenueOK
	if len(valid) == 0 {
		status.Outcome = domain.VenueEmpty
	}
	a.metrics.RecordVenueCall(name, string(status.Outcome), elapsed)

	return venueResult{routes: valid, status: status}
}

// callBounded runs FindRoutes and abandons it when ctx is done.
func callBounded(ctx context.Context, adapter domain.VenueAdapter, req domain.SwapRequest) ([]domain.RouteCandidate, error) {
	type result struct {
		routes []domain.RouteCandidate
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		routes, err := adapter.FindRoutes(ctx, req)
		ch <- result{routes: routes, err: err}
	}()

	select {
	case res := <-ch:
		return res.routes, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type scoredCandidate struct {
	candidate domain.RouteCandidate
	gasCost   decimal.Decimal
	netValue  decimal.Decimal
	hops      int
}

// score values c in the quote currency:
// net = amountOut*priceOut - protocolFee - gasEstimate*nativePrice.
func score(c domain.RouteCandidate, priceOut, nativePrice decimal.Decimal) scoredCandidate {
	gasCost := c.GasEstimate.Mul(nativePrice)
	net := c.AmountOut.Mul(priceOut).Sub(c.ProtocolFee).Sub(gasCost)
	return scoredCandidate{
		candidate: c,
		gasCost:   gasCost,
		netValue:  net,
		hops:      c.HopCount(),
	}
}

// selectBest returns the candidate with the highest net value. Candidates
// within epsilon of the maximum are tied and ranked by fewer hops, then lower
// price impact, then higher net value, then venue name.
func selectBest(scored []scoredCandidate, epsilon decimal.Decimal) scoredCandidate {
	maxNet := scored[0].netValue
	for _, s := range scored[1:] {
		if s.netValue.GreaterThan(maxNet) {
			maxNet = s.netValue
		}
	}

	floor := maxNet.Sub(epsilon)
	contenders := make([]scoredCandidate, 0, len(scored))
	for _, s := range scored {
		if s.netValue.GreaterThanOrEqual(floor) {
			contenders = append(contenders, s)
		}
	}

	sort.SliceStable(contenders, func(i, j int) bool {
		a, b := contenders[i], contenders[j]
		if a.hops != b.hops {
			return a.hops < b.hops
		}
		if c := a.candidate.PriceImpact.Cmp(b.candidate.PriceImpact); c != 0 {
			return c < 0
		}
		if c := a.netValue.Cmp(b.netValue); c != 0 {
			return c > 0
		}
		return a.candidate.Venue < b.candidate.Venue
	})
	return contenders[0]
}

var bpsDenominator = decimal.NewFromInt(domain.MaxSlippageBps)

func buildQuote(req domain.SwapRequest, best scoredCandidate, requestTime time.Time, window time.Duration, statuses []domain.VenueStatus) *domain.SwapQuote {
	c := best.candidate
	keep := bpsDenominator.Sub(decimal.NewFromInt(int64(req.SlippageBps))).Div(bpsDenominator)

	return &domain.SwapQuote{
		TokenIn:      req.TokenIn,
		TokenOut:     req.TokenOut,
		AmountIn:     req.AmountIn,
		AmountOut:    c.AmountOut,
		MinAmountOut: c.AmountOut.Mul(keep).Truncate(18),
		Venue:        c.Venue,
		Route:        c.Hops,
		Router:       c.Router,
		Settlement:   c.Settlement,
		GasEstimate:  c.GasEstimate,
		PriceImpact:  c.PriceImpact,
		ProtocolFee:  c.ProtocolFee,
		GasCost:      best.gasCost.Round(6),
		TotalFees:    c.ProtocolFee.Add(best.gasCost).Round(6),
		NetValue:     best.netValue,
		SlippageBps:  req.SlippageBps,
		QuotedAt:     requestTime.Unix(),
		Deadline:     requestTime.Add(window).Unix(),
		Venues:       statuses,
	}
}
