// Package venue contains the liquidity venue adapters queried by the
// aggregator: a deterministic priced venue, an HTTP aggregator API client and
// an on-chain Uniswap V2 router reader.
package venue

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/polisai/tokenswipe/pkg/domain"
)

// TokenLookup resolves token metadata by address.
type TokenLookup interface {
	Lookup(addressOrSymbol string) (domain.Token, bool)
}

// StaticConfig describes a deterministic venue priced from the token snapshot.
type StaticConfig struct {
	Name string `yaml:"name"`
	// Label is the DEX name reported on each hop.
	Label string `yaml:"label"`
	// OutputRatio scales the fair-value output, e.g. 0.99 for a 1% spread.
	OutputRatio decimal.Decimal `yaml:"output_ratio"`
	// ProtocolFee is charged per swap in quote-currency units.
	ProtocolFee decimal.Decimal `yaml:"protocol_fee"`
	// GasEstimate is the native-currency gas cost per hop.
	GasEstimate decimal.Decimal `yaml:"gas_estimate"`
	PriceImpact decimal.Decimal `yaml:"price_impact"`
	// Via routes through an intermediate token, producing a two-hop path.
	Via string `yaml:"via"`
}

// DefaultStaticConfig mirrors the single-route mock venue of the demo backend.
func DefaultStaticConfig() StaticConfig {
	return StaticConfig{
		Name:        "static",
		Label:       "Uniswap V3",
		OutputRatio: decimal.RequireFromString("0.99"),
		ProtocolFee: decimal.RequireFromString("0.003"),
		GasEstimate: decimal.RequireFromString("0.0001"),
		PriceImpact: decimal.RequireFromString("0.5"),
	}
}

// StaticAdapter quotes at the snapshot price scaled by OutputRatio.
type StaticAdapter struct {
	cfg    StaticConfig
	tokens TokenLookup
}

// NewStaticAdapter builds a static venue.
func NewStaticAdapter(cfg StaticConfig, tokens TokenLookup) *StaticAdapter {
	def := DefaultStaticConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Label == "" {
		cfg.Label = def.Label
	}
	if !cfg.OutputRatio.IsPositive() {
		cfg.OutputRatio = def.OutputRatio
	}
	return &StaticAdapter{cfg: cfg, tokens: tokens}
}

// Name implements domain.VenueAdapter.
func (s *StaticAdapter) Name() string { return s.cfg.Name }

// FindRoutes implements domain.VenueAdapter.
func (s *StaticAdapter) FindRoutes(ctx context.Context, req domain.SwapRequest) ([]domain.RouteCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, ok := s.tokens.Lookup(req.TokenIn)
	if !ok {
		return nil, fmt.Errorf("%s: unknown token %s", s.cfg.Name, req.TokenIn)
	}
	out, ok := s.tokens.Lookup(req.TokenOut)
	if !ok {
		return nil, fmt.Errorf("%s: unknown token %s", s.cfg.Name, req.TokenOut)
	}
	if !out.Price.IsPositive() {
		return nil, fmt.Errorf("%s: no price for %s", s.cfg.Name, out.Symbol)
	}

	amountOut := req.AmountIn.Mul(in.Price).Div(out.Price).Mul(s.cfg.OutputRatio).Truncate(out.Decimals)

	hops := []domain.Hop{{Step: 0, Venue: s.cfg.Label, TokenIn: in.Address, TokenOut: out.Address, Portion: decimal.NewFromInt(100)}}
	if s.cfg.Via != "" {
		via, ok := s.tokens.Lookup(s.cfg.Via)
		if ok && via.Address != in.Address && via.Address != out.Address {
			hops = []domain.Hop{
				{Step: 0, Venue: s.cfg.Label, TokenIn: in.Address, TokenOut: via.Address, Portion: decimal.NewFromInt(100)},
				{Step: 1, Venue: s.cfg.Label, TokenIn: via.Address, TokenOut: out.Address, Portion: decimal.NewFromInt(100)},
			}
		}
	}

	return []domain.RouteCandidate{{
		Venue:       s.cfg.Name,
		Hops:        hops,
		AmountOut:   amountOut,
		GasEstimate: s.cfg.GasEstimate.Mul(decimal.NewFromInt(int64(len(hops)))),
		PriceImpact: s.cfg.PriceImpact,
		ProtocolFee: s.cfg.ProtocolFee,
	}}, nil
}
