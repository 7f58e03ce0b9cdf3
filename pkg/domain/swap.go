package domain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MaxSlippageBps is the upper bound for a slippage tolerance (100%).
const MaxSlippageBps = 10000

// Token is an immutable market snapshot of a token on one chain.
type Token struct {
	ChainID        int64           `json:"chainId" yaml:"chain_id"`
	Address        string          `json:"address" yaml:"address"`
	Symbol         string          `json:"symbol" yaml:"symbol"`
	Name           string          `json:"name" yaml:"name"`
	Decimals       int32           `json:"decimals" yaml:"decimals"`
	Price          decimal.Decimal `json:"price" yaml:"price"`
	PriceChange24h float64         `json:"priceChange24h" yaml:"price_change_24h"`
	MarketCap      float64         `json:"marketCap" yaml:"market_cap"`
	Liquidity      float64         `json:"liquidity" yaml:"liquidity"`
	Volume24h      float64         `json:"volume24h" yaml:"volume_24h"`
	Logo           string          `json:"logo,omitempty" yaml:"logo"`
}

// SwapRequest asks for a conversion of AmountIn units of TokenIn into TokenOut.
// Amounts are expressed in whole token units, not base units.
type SwapRequest struct {
	TokenIn     string          `json:"tokenIn"`
	TokenOut    string          `json:"tokenOut"`
	AmountIn    decimal.Decimal `json:"amountIn"`
	SlippageBps int             `json:"slippageBps"`
}

// Validate checks the request invariants. It never performs I/O.
func (r SwapRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.TokenIn) == "":
		return NewError(ErrInvalidRequest, "tokenIn is required")
	case strings.TrimSpace(r.TokenOut) == "":
		return NewError(ErrInvalidRequest, "tokenOut is required")
	case strings.EqualFold(r.TokenIn, r.TokenOut):
		return NewError(ErrInvalidRequest, "tokenIn and tokenOut must differ")
	case !r.AmountIn.IsPositive():
		return NewError(ErrInvalidRequest, "amountIn must be greater than zero")
	case r.SlippageBps < 0 || r.SlippageBps > MaxSlippageBps:
		return NewError(ErrInvalidRequest, fmt.Sprintf("slippage must be between 0 and %d bps", MaxSlippageBps))
	}
	return nil
}

// Hop is one step of a route through a single venue pool. Hops sharing a Step
// split the input of that step; their portions sum to 100.
type Hop struct {
	Step     int             `json:"step"`
	Venue    string          `json:"dex"`
	Pool     string          `json:"pool,omitempty"`
	TokenIn  string          `json:"tokenIn,omitempty"`
	TokenOut string          `json:"tokenOut,omitempty"`
	Portion  decimal.Decimal `json:"portion"`
}

// RouteCandidate is one venue's answer to a SwapRequest.
type RouteCandidate struct {
	Venue       string          `json:"venue"`
	Hops        []Hop           `json:"path"`
	AmountOut   decimal.Decimal `json:"amountOut"`
	GasEstimate decimal.Decimal `json:"gasEstimate"` // native-currency units
	PriceImpact decimal.Decimal `json:"priceImpact"` // percent
	ProtocolFee decimal.Decimal `json:"protocolFee"` // quote-currency units
	// Router optionally overrides the configured router contract for execution.
	Router     string     `json:"router,omitempty"`
	Settlement Settlement `json:"settlement,omitempty"`
}

// Settlement says how a route is carried out on chain.
type Settlement string

const (
	// SettlementRouter routes are a single path through a Uniswap V2 style
	// router. The zero value means router settlement.
	SettlementRouter Settlement = ""
	// SettlementExternal routes need call data that only the quoting venue can
	// produce, such as split orders from an aggregator API.
	SettlementExternal Settlement = "external"
)

var hundred = decimal.NewFromInt(100)

// HopCount returns the number of sequential steps in the route.
func (c RouteCandidate) HopCount() int {
	steps := make(map[int]struct{}, len(c.Hops))
	for _, h := range c.Hops {
		steps[h.Step] = struct{}{}
	}
	return len(steps)
}

// Validate reports whether the candidate is well formed.
func (c RouteCandidate) Validate() error {
	if len(c.Hops) == 0 {
		return fmt.Errorf("route from %s has no hops", c.Venue)
	}
	if !c.AmountOut.IsPositive() {
		return fmt.Errorf("route from %s has non-positive amountOut", c.Venue)
	}
	if c.GasEstimate.IsNegative() || c.ProtocolFee.IsNegative() || c.PriceImpact.IsNegative() {
		return fmt.Errorf("route from %s has negative cost fields", c.Venue)
	}
	sums := make(map[int]decimal.Decimal)
	for _, h := range c.Hops {
		sums[h.Step] = sums[h.Step].Add(h.Portion)
	}
	for step, sum := range sums {
		if !sum.Equal(hundred) {
			return fmt.Errorf("route from %s: portions at step %d sum to %s", c.Venue, step, sum)
		}
	}
	return nil
}

// VenueOutcome is the per-venue result of one aggregation.
type VenueOutcome string

const (
	VenueOK          VenueOutcome = "ok"
	VenueError       VenueOutcome = "error"
	VenueTimeout     VenueOutcome = "timeout"
	VenueCircuitOpen VenueOutcome = "circuit_open"
	VenueEmpty       VenueOutcome = "empty"
)

// VenueStatus records how one venue behaved while a quote was computed.
type VenueStatus struct {
	Venue      string       `json:"venue"`
	Outcome    VenueOutcome `json:"outcome"`
	Candidates int          `json:"candidates"`
	LatencyMs  int64        `json:"latencyMs"`
}

// SwapQuote is the selected candidate with derived pricing fields.
type SwapQuote struct {
	ID           string          `json:"id"`
	TokenIn      string          `json:"tokenIn"`
	TokenOut     string          `json:"tokenOut"`
	AmountIn     decimal.Decimal `json:"amountIn"`
	AmountOut    decimal.Decimal `json:"amountOut"`
	MinAmountOut decimal.Decimal `json:"minAmountOut"`
	Venue        string          `json:"venue"`
	Route        []Hop           `json:"route"`
	Router       string          `json:"router,omitempty"`
	Settlement   Settlement      `json:"settlement,omitempty"`
	GasEstimate  decimal.Decimal `json:"gasEstimate"`
	PriceImpact  decimal.Decimal `json:"priceImpact"`
	ProtocolFee  decimal.Decimal `json:"protocolFee"`
	GasCost      decimal.Decimal `json:"gasCost"`
	TotalFees    decimal.Decimal `json:"totalFees"`
	NetValue     decimal.Decimal `json:"netValue"`
	SlippageBps  int             `json:"slippageBps"`
	QuotedAt     int64           `json:"quotedAt"`
	Deadline     int64           `json:"deadline"`
	Venues       []VenueStatus   `json:"venues,omitempty"`
}

// Expired reports whether the quote is no longer valid at now.
func (q *SwapQuote) Expired(now time.Time) bool {
	return now.Unix() >= q.Deadline
}

// SameTerms reports whether other carries exactly the terms of q. Venue
// statuses are informational and not compared.
func (q *SwapQuote) SameTerms(other *SwapQuote) bool {
	if q == nil || other == nil {
		return q == other
	}
	if q.ID != other.ID ||
		!strings.EqualFold(q.TokenIn, other.TokenIn) ||
		!strings.EqualFold(q.TokenOut, other.TokenOut) ||
		!strings.EqualFold(q.Router, other.Router) ||
		q.Venue != other.Venue ||
		q.Settlement != other.Settlement ||
		q.SlippageBps != other.SlippageBps ||
		q.QuotedAt != other.QuotedAt ||
		q.Deadline != other.Deadline {
		return false
	}
	amounts := [][2]decimal.Decimal{
		{q.AmountIn, other.AmountIn},
		{q.AmountOut, other.AmountOut},
		{q.MinAmountOut, other.MinAmountOut},
		{q.GasEstimate, other.GasEstimate},
		{q.PriceImpact, other.PriceImpact},
		{q.ProtocolFee, other.ProtocolFee},
		{q.GasCost, other.GasCost},
		{q.TotalFees, other.TotalFees},
		{q.NetValue, other.NetValue},
	}
	for _, pair := range amounts {
		if !pair[0].Equal(pair[1]) {
			return false
		}
	}
	if len(q.Route) != len(other.Route) {
		return false
	}
	for i, h := range q.Route {
		o := other.Route[i]
		if h.Step != o.Step || h.Venue != o.Venue || h.Pool != o.Pool ||
			!strings.EqualFold(h.TokenIn, o.TokenIn) || !strings.EqualFold(h.TokenOut, o.TokenOut) ||
			!h.Portion.Equal(o.Portion) {
			return false
		}
	}
	return true
}

// Request reconstructs the SwapRequest the quote answers.
func (q *SwapQuote) Request() SwapRequest {
	return SwapRequest{
		TokenIn:     q.TokenIn,
		TokenOut:    q.TokenOut,
		AmountIn:    q.AmountIn,
		SlippageBps: q.SlippageBps,
	}
}

// TxEnvelope is an unsigned transaction addressed to the router contract.
type TxEnvelope struct {
	ChainID  int64    `json:"chainId"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Value    *big.Int `json:"value"`
	Data     []byte   `json:"data"`
	GasLimit uint64   `json:"gasLimit"`
}

// SignedTx is the result of a custody signing call.
type SignedTx struct {
	RawTransaction string `json:"rawTransaction"`
	Hash           string `json:"hash"`
}

// SwapState is the lifecycle of a single swap request.
type SwapState string

const (
	SwapRequested SwapState = "requested"
	SwapQuoted    SwapState = "quoted"
	SwapSigned    SwapState = "signed"
	SwapSubmitted SwapState = "submitted"
	SwapExpired   SwapState = "expired"
	SwapFailed    SwapState = "failed"
)

var swapTransitions = map[SwapState][]SwapState{
	SwapRequested: {SwapQuoted, SwapFailed},
	SwapQuoted:    {SwapSigned, SwapExpired, SwapFailed},
	SwapSigned:    {SwapSubmitted, SwapExpired, SwapFailed},
}

// CanTransition reports whether moving from s to next is permitted.
func (s SwapState) CanTransition(next SwapState) bool {
	for _, allowed := range swapTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s SwapState) Terminal() bool {
	return len(swapTransitions[s]) == 0
}

// VenueAdapter queries one liquidity source for routes.
type VenueAdapter interface {
	Name() string
	FindRoutes(ctx context.Context, req SwapRequest) ([]RouteCandidate, error)
}

// PriceSource values tokens in the quote currency.
type PriceSource interface {
	// Price returns the quote-currency price of one whole token.
	Price(address string) (decimal.Decimal, bool)
	// NativePrice returns the quote-currency price of one unit of the chain's native currency.
	NativePrice() decimal.Decimal
}
