package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/polisai/tokenswipe/internal/governance"
	"github.com/polisai/tokenswipe/pkg/aggregator"
	"github.com/polisai/tokenswipe/pkg/api"
	"github.com/polisai/tokenswipe/pkg/cache"
	"github.com/polisai/tokenswipe/pkg/chain"
	"github.com/polisai/tokenswipe/pkg/config"
	"github.com/polisai/tokenswipe/pkg/custody"
	"github.com/polisai/tokenswipe/pkg/domain"
	"github.com/polisai/tokenswipe/pkg/events"
	"github.com/polisai/tokenswipe/pkg/identity"
	"github.com/polisai/tokenswipe/pkg/policy"
	"github.com/polisai/tokenswipe/pkg/session"
	"github.com/polisai/tokenswipe/pkg/swap"
	"github.com/polisai/tokenswipe/pkg/telemetry"
	"github.com/polisai/tokenswipe/pkg/tokens"
	"github.com/polisai/tokenswipe/pkg/venue"
	"github.com/polisai/tokenswipe/pkg/wallet"
)

const cleanupInterval = time.Minute

// quoting is the subset of the service needed to compute quotes: token
// snapshot, venues and the aggregator with its governance.
type quoting struct {
	registry   *tokens.Registry
	timeouts   *governance.TimeoutManager
	breakers   *governance.CircuitBreakerManager
	aggregator *aggregator.Aggregator
	eth        *ethclient.Client
}

// app is the fully wired service.
type app struct {
	quoting
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	limiter  *governance.RateLimiter
	guard    *policy.Guard
	swaps    *swap.Orchestrator
	server   *api.Server
	stop     chan struct{}
	closers  []func() error
	stopOnce sync.Once
}

func newQuoting(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *telemetry.Metrics) (*quoting, error) {
	list := cfg.Tokens
	if len(list) == 0 {
		list = tokens.DefaultTokens()
	}
	registry, err := tokens.NewRegistry(list, cfg.Chain.NativeWrapped)
	if err != nil {
		return nil, fmt.Errorf("token registry: %w", err)
	}

	q := &quoting{
		registry: registry,
		timeouts: governance.NewTimeoutManager(cfg.Timeouts),
		breakers: governance.NewCircuitBreakerManager(cfg.Breaker),
	}

	if cfg.Chain.RPCURL != "" {
		dialCtx, cancel := q.timeouts.WithChainTimeout(ctx)
		q.eth, err = chain.Dial(dialCtx, cfg.Chain.RPCURL)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	adapters, err := buildVenues(cfg.Venues, registry, q.caller())
	if err != nil {
		q.close()
		return nil, err
	}

	q.aggregator = aggregator.New(adapters, registry, aggregator.Config{
		Epsilon:        cfg.Aggregator.Epsilon,
		ValidityWindow: cfg.Aggregator.ValidityWindow,
	},
		aggregator.WithLogger(logger),
		aggregator.WithMetrics(metrics),
		aggregator.WithBreakers(q.breakers),
		aggregator.WithTimeouts(q.timeouts),
	)
	return q, nil
}

// caller returns the RPC client as a venue.Caller, or nil without one.
func (q *quoting) caller() venue.Caller {
	if q.eth == nil {
		return nil
	}
	return q.eth
}

func (q *quoting) close() {
	if q.eth != nil {
		q.eth.Close()
	}
}

// venueRouters lists the router contracts the configured venues quote through.
func venueRouters(list []config.VenueConfig) []string {
	var routers []string
	for _, v := range list {
		if v.Type == config.VenueUniswapV2 {
			routers = append(routers, v.UniswapV2.Router)
		}
	}
	return routers
}

func buildVenues(list []config.VenueConfig, registry *tokens.Registry, caller venue.Caller) ([]domain.VenueAdapter, error) {
	adapters := make([]domain.VenueAdapter, 0, len(list))
	for i, v := range list {
		switch v.Type {
		case config.VenueStatic:
			adapters = append(adapters, venue.NewStaticAdapter(v.Static, registry))
		case config.VenueHTTP:
			adapters = append(adapters, venue.NewHTTPAdapter(v.HTTP, registry, nil))
		case config.VenueUniswapV2:
			if caller == nil {
				return nil, fmt.Errorf("venues[%d]: uniswap-v2 requires chain.rpc_url", i)
			}
			cfg := v.UniswapV2
			if cfg.NativeWrapped == "" {
				cfg.NativeWrapped = registry.Native().Address
			}
			adapter, err := venue.NewUniswapV2Adapter(cfg, caller, registry)
			if err != nil {
				return nil, fmt.Errorf("venues[%d]: %w", i, err)
			}
			adapters = append(adapters, adapter)
		default:
			return nil, fmt.Errorf("venues[%d]: unknown type %q", i, v.Type)
		}
	}
	return adapters, nil
}

func newCache(cfg config.CacheConfig, logger *slog.Logger, stop <-chan struct{}) (cache.Cache, error) {
	switch cfg.Driver {
	case "redis":
		c, err := cache.NewRedisCache(cfg.Redis)
		if err != nil {
			return nil, err
		}
		logger.Info("Using Redis cache")
		return c, nil
	default:
		c := cache.NewMemoryCache(logger)
		c.StartCleanupRoutine(cleanupInterval, stop)
		logger.Warn("Using in-memory cache; sessions and wallets do not survive restarts")
		return c, nil
	}
}

func newCustody(cfg *config.Config, logger *slog.Logger) domain.CustodyProvider {
	if cfg.Custody.Driver == "http" {
		httpCfg := cfg.Custody.HTTP
		if httpCfg.ChainID == 0 {
			httpCfg.ChainID = cfg.Chain.ChainID
		}
		return custody.NewHTTPProvider(httpCfg, nil)
	}
	logger.Warn("Using local development custody; keys are held in memory")
	return custody.NewLocalProvider(custody.LocalConfig{ChainID: cfg.Chain.ChainID}, logger)
}

// newApp wires every component from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		logger:  logger,
		metrics: telemetry.NewMetrics(),
		limiter: governance.NewRateLimiter(cfg.RateLimit),
		stop:    make(chan struct{}),
	}

	q, err := newQuoting(ctx, cfg, logger, a.metrics)
	if err != nil {
		return nil, err
	}
	a.quoting = *q
	a.closers = append(a.closers, func() error { q.close(); return nil })
	a.limiter.StartCleanupRoutine(cleanupInterval, a.stop)

	store, err := newCache(cfg.Cache, logger, a.stop)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	verifier, err := identity.NewGoogleVerifier(cfg.Identity,
		identity.WithTimeouts(a.timeouts),
		identity.WithLogger(logger),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	custodian := newCustody(cfg, logger)
	wallets := wallet.NewDirectory(store, custodian,
		wallet.WithTTL(cfg.Cache.WalletTTL),
		wallet.WithTimeouts(a.timeouts),
		wallet.WithMetrics(a.metrics),
		wallet.WithLogger(logger),
	)
	sessions := session.NewStore(store,
		session.WithTTL(cfg.Cache.SessionTTL),
		session.WithMetrics(a.metrics),
		session.WithLogger(logger),
	)

	publisher := events.New(cfg.Events, logger)
	a.closers = append(a.closers, publisher.Close)

	opts := []swap.Option{
		swap.WithPublisher(publisher),
		swap.WithTimeouts(a.timeouts),
		swap.WithMetrics(a.metrics),
		swap.WithLogger(logger),
	}
	if cfg.Policy.Enabled {
		extra, err := cfg.Policy.LoadModules()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.guard, err = policy.NewGuard(ctx, cfg.Policy.Limits, extra, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("policy: %w", err)
		}
		opts = append(opts, swap.WithGuard(a.guard))
	}

	opts = append(opts, swap.WithQuoteStore(store))
	a.swaps = swap.NewOrchestrator(swap.Config{
		Router:   cfg.Chain.Router,
		Routers:  venueRouters(cfg.Venues),
		ChainID:  cfg.Chain.ChainID,
		GasLimit: cfg.Chain.GasLimit,
	}, wallets, a.aggregator, custodian, a.registry, opts...)

	deps := api.Dependencies{
		Verifier: verifier,
		Wallets:  wallets,
		Sessions: sessions,
		Swaps:    a.swaps,
		Tokens:   a.registry,
		Limiter:  a.limiter,
		Metrics:  a.metrics,
		Logger:   logger,
		Version:  version,
	}
	if a.eth != nil {
		deps.Balances = chain.NewReader(a.eth, a.timeouts)
	}
	a.server = api.NewServer(deps)
	return a, nil
}

// Reconfigure applies a reloaded configuration to the hot-swappable parts:
// timeouts, breakers, rate limits, selection settings, venues, tokens and
// policy limits. Listener, cache, identity and custody settings need a restart.
func (a *app) Reconfigure(cfg *config.Config) {
	if err := a.reconfigure(cfg); err != nil {
		a.metrics.RecordConfigReload("error")
		a.logger.Error("Failed to apply configuration", "error", err)
		return
	}
	a.metrics.RecordConfigReload("ok")
	a.logger.Info("Configuration applied", "venues", len(cfg.Venues))
}

func (a *app) reconfigure(cfg *config.Config) error {
	if len(cfg.Tokens) > 0 {
		if err := a.registry.Replace(cfg.Tokens, cfg.Chain.NativeWrapped); err != nil {
			return fmt.Errorf("tokens: %w", err)
		}
	}
	adapters, err := buildVenues(cfg.Venues, a.registry, a.caller())
	if err != nil {
		return err
	}
	if err := a.timeouts.Configure(cfg.Timeouts); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	a.breakers.Configure(cfg.Breaker)
	a.limiter.Configure(cfg.RateLimit)
	a.aggregator.Configure(aggregator.Config{
		Epsilon:        cfg.Aggregator.Epsilon,
		ValidityWindow: cfg.Aggregator.ValidityWindow,
	})
	a.aggregator.SetAdapters(adapters)
	a.swaps.SetRouters(venueRouters(cfg.Venues)...)
	if a.guard != nil {
		a.guard.Configure(cfg.Policy.Limits)
	}
	return nil
}

// Close releases background routines and external clients.
func (a *app) Close() error {
	var errs []error
	a.stopOnce.Do(func() {
		close(a.stop)
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
