package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/polisai/tokenswipe/pkg/domain"
)

// DefaultModule enforces the configured ceilings on price impact and slippage
// and rejects quotes without a route.
const DefaultModule = `package tokenswipe.swap

import rego.v1

deny contains msg if {
	input.quote.priceImpact > input.limits.maxPriceImpact
	msg := sprintf("price impact %v%% exceeds limit of %v%%", [input.quote.priceImpact, input.limits.maxPriceImpact])
}

deny contains msg if {
	input.request.slippageBps > input.limits.maxSlippageBps
	msg := sprintf("slippage %v bps exceeds limit of %v bps", [input.request.slippageBps, input.limits.maxSlippageBps])
}

deny contains "quote has no route" if {
	count(input.quote.hops) == 0
}
`

// Limits are exposed to policies as input.limits.
type Limits struct {
	MaxPriceImpact float64 `yaml:"max_price_impact"`
	MaxSlippageBps int     `yaml:"max_slippage_bps"`
}

// DefaultLimits returns the ceilings used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxPriceImpact: 15, MaxSlippageBps: 5000}
}

// Guard runs the pre-sign policy check.
type Guard struct {
	engine *Engine
	logger *slog.Logger

	mu     sync.RWMutex
	limits Limits
}

// NewGuard builds a guard over the built-in module plus any extra modules.
func NewGuard(ctx context.Context, limits Limits, extra map[string]string, logger *slog.Logger) (*Guard, error) {
	modules := map[string]string{"tokenswipe/swap.rego": DefaultModule}
	for name, src := range extra {
		modules[name] = src
	}
	engine, err := NewEngine(ctx, EngineOptions{Entrypoint: DefaultEntrypoint, Modules: modules})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{engine: engine, logger: logger, limits: limits}, nil
}

// Configure replaces the limits.
func (g *Guard) Configure(limits Limits) {
	g.mu.Lock()
	g.limits = limits
	g.mu.Unlock()
}

// Check returns ErrPolicyDenied when any policy denies the swap.
func (g *Guard) Check(ctx context.Context, userID string, quote *domain.SwapQuote) error {
	g.mu.RLock()
	limits := g.limits
	g.mu.RUnlock()

	reasons, err := g.engine.Deny(ctx, buildInput(userID, quote, limits))
	if err != nil {
		// Fail closed: a policy that cannot be evaluated does not authorise signing.
		g.logger.Error("Policy evaluation failed", "user_id", userID, "error", err)
		return domain.Wrap(domain.ErrPolicyDenied, err, "policy evaluation failed")
	}
	if len(reasons) > 0 {
		g.logger.Info("Swap denied by policy", "user_id", userID, "reasons", reasons)
		return domain.NewError(domain.ErrPolicyDenied, fmt.Sprintf("swap denied: %s", strings.Join(reasons, "; "))).
			WithDetail("reasons", reasons)
	}
	return nil
}

func buildInput(userID string, q *domain.SwapQuote, limits Limits) map[string]any {
	hops := make([]any, 0, len(q.Route))
	for _, h := range q.Route {
		hops = append(hops, map[string]any{
			"step":     h.Step,
			"dex":      h.Venue,
			"tokenIn":  h.TokenIn,
			"tokenOut": h.TokenOut,
			"portion":  h.Portion.InexactFloat64(),
		})
	}
	return map[string]any{
		"user": map[string]any{"id": userID},
		"request": map[string]any{
			"tokenIn":     q.TokenIn,
			"tokenOut":    q.TokenOut,
			"amountIn":    q.AmountIn.InexactFloat64(),
			"slippageBps": q.SlippageBps,
		},
		"quote": map[string]any{
			"venue":       q.Venue,
			"amountOut":   q.AmountOut.InexactFloat64(),
			"priceImpact": q.PriceImpact.InexactFloat64(),
			"netValue":    q.NetValue.InexactFloat64(),
			"totalFees":   q.TotalFees.InexactFloat64(),
			"deadline":    q.Deadline,
			"hops":        hops,
		},
		"limits": map[string]any{
			"maxPriceImpact": limits.MaxPriceImpact,
			"maxSlippageBps": limits.MaxSlippageBps,
		},
	}
}
