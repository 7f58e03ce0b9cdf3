package venue

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/polisai/tokenswipe/pkg/chain"
	"github.com/polisai/tokenswipe/pkg/domain"
)

// Caller is the RPC surface the Uniswap V2 adapter needs. *ethclient.Client
// satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// UniswapV2Config configures an on-chain router venue.
type UniswapV2Config struct {
	Name   string `yaml:"name"`
	Label  string `yaml:"label"`
	Router string `yaml:"router"`
	// NativeWrapped is the intermediate token for two-hop paths.
	NativeWrapped string `yaml:"native_wrapped"`
	// GasPerHop is the gas unit estimate per pair traversed.
	GasPerHop uint64 `yaml:"gas_per_hop"`
}

const defaultGasPerHop = 120_000

// referenceTradeDivisor sizes the reference trade used to estimate price impact.
var referenceTradeDivisor = big.NewInt(1000)

// UniswapV2Adapter quotes by calling getAmountsOut on a Uniswap V2 style router.
type UniswapV2Adapter struct {
	cfg    UniswapV2Config
	caller Caller
	tokens TokenLookup
	router common.Address
}

// NewUniswapV2Adapter builds an adapter for the router in cfg.
func NewUniswapV2Adapter(cfg UniswapV2Config, caller Caller, tokens TokenLookup) (*UniswapV2Adapter, error) {
	if cfg.Name == "" {
		cfg.Name = "uniswap-v2"
	}
	if cfg.Label == "" {
		cfg.Label = "Uniswap V2"
	}
	if cfg.GasPerHop == 0 {
		cfg.GasPerHop = defaultGasPerHop
	}
	router, err := chain.ParseAddress(cfg.Router)
	if err != nil {
		return nil, fmt.Errorf("%s: router: %w", cfg.Name, err)
	}
	if _, err := chain.RouterABI(); err != nil {
		return nil, fmt.Errorf("%s: router abi: %w", cfg.Name, err)
	}
	return &UniswapV2Adapter{cfg: cfg, caller: caller, tokens: tokens, router: router}, nil
}

// Name implements domain.VenueAdapter.
func (u *UniswapV2Adapter) Name() string { return u.cfg.Name }

// FindRoutes implements domain.VenueAdapter. It returns one candidate per
// path the router can price: the direct pair and, when neither side is the
// wrapped native token, the path through it.
func (u *UniswapV2Adapter) FindRoutes(ctx context.Context, req domain.SwapRequest) ([]domain.RouteCandidate, error) {
	in, ok := u.tokens.Lookup(req.TokenIn)
	if !ok {
		return nil, fmt.Errorf("%s: unknown token %s", u.cfg.Name, req.TokenIn)
	}
	out, ok := u.tokens.Lookup(req.TokenOut)
	if !ok {
		return nil, fmt.Errorf("%s: unknown token %s", u.cfg.Name, req.TokenOut)
	}

	amountIn := chain.ToBaseUnits(req.AmountIn, in.Decimals)
	if amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("%s: amount below token precision", u.cfg.Name)
	}

	paths := [][]string{{in.Address, out.Address}}
	if u.cfg.NativeWrapped != "" && !sameAddress(in.Address, u.cfg.NativeWrapped) && !sameAddress(out.Address, u.cfg.NativeWrapped) {
		paths = append(paths, []string{in.Address, u.cfg.NativeWrapped, out.Address})
	}

	gasPrice, err := u.caller.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: gas price: %w", u.cfg.Name, err)
	}

	var (
		candidates []domain.RouteCandidate
		errs       []error
	)
	for _, tokens := range paths {
		candidate, err := u.quotePath(ctx, tokens, amountIn, out.Decimals, gasPrice)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		candidates = append(candidates, candidate)
	}
	if len(candidates) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("%s: %w", u.cfg.Name, errors.Join(errs...))
	}
	return candidates, nil
}

func (u *UniswapV2Adapter) quotePath(ctx context.Context, tokens []string, amountIn *big.Int, outDecimals int32, gasPrice *big.Int) (domain.RouteCandidate, error) {
	path, err := chain.ParsePath(tokens)
	if err != nil {
		return domain.RouteCandidate{}, err
	}

	amounts, err := u.getAmountsOut(ctx, amountIn, path)
	if err != nil {
		return domain.RouteCandidate{}, err
	}
	amountOut := amounts[len(amounts)-1]
	if amountOut.Sign() <= 0 {
		return domain.RouteCandidate{}, fmt.Errorf("path %v: zero output", tokens)
	}

	impact := decimal.Zero
	refIn := new(big.Int).Quo(amountIn, referenceTradeDivisor)
	if refIn.Sign() > 0 {
		if ref, err := u.getAmountsOut(ctx, refIn, path); err == nil {
			impact = priceImpact(amountIn, amountOut, refIn, ref[len(ref)-1])
		}
	}

	hops := make([]domain.Hop, 0, len(tokens)-1)
	for i := 0; i < len(tokens)-1; i++ {
		hops = append(hops, domain.Hop{
			Step:     i,
			Venue:    u.cfg.Label,
			TokenIn:  tokens[i],
			TokenOut: tokens[i+1],
			Portion:  decimal.NewFromInt(100),
		})
	}

	gasUnits := new(big.Int).SetUint64(u.cfg.GasPerHop * uint64(len(hops)))
	gasWei := new(big.Int).Mul(gasUnits, gasPrice)

	return domain.RouteCandidate{
		Venue:       u.cfg.Name,
		Hops:        hops,
		AmountOut:   chain.FromBigInt(amountOut, outDecimals),
		GasEstimate: chain.FromBigInt(gasWei, 18),
		PriceImpact: impact,
		ProtocolFee: decimal.Zero,
		Router:      u.router.Hex(),
	}, nil
}

func (u *UniswapV2Adapter) getAmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	parsed, err := chain.RouterABI()
	if err != nil {
		return nil, err
	}
	data, err := parsed.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("pack getAmountsOut: %w", err)
	}
	raw, err := u.caller.CallContract(ctx, ethereum.CallMsg{To: &u.router, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("getAmountsOut: %w", err)
	}
	values, err := parsed.Unpack("getAmountsOut", raw)
	if err != nil {
		return nil, fmt.Errorf("decode getAmountsOut: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("decode getAmountsOut: %d values", len(values))
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok || len(amounts) != len(path) {
		return nil, fmt.Errorf("decode getAmountsOut: unexpected shape")
	}
	return amounts, nil
}

// priceImpact compares the realised rate against a small reference trade, as
// a percentage. Pool fees cancel out because both trades pay them.
func priceImpact(amountIn, amountOut, refIn, refOut *big.Int) decimal.Decimal {
	if refOut.Sign() <= 0 {
		return decimal.Zero
	}
	rate := decimal.NewFromBigInt(amountOut, 0).Div(decimal.NewFromBigInt(amountIn, 0))
	ref := decimal.NewFromBigInt(refOut, 0).Div(decimal.NewFromBigInt(refIn, 0))
	impact := decimal.NewFromInt(1).Sub(rate.Div(ref)).Mul(decimal.NewFromInt(100))
	if impact.IsNegative() {
		return decimal.Zero
	}
	return impact.Round(4)
}

func sameAddress(a, b string) bool {
	return common.HexToAddress(a) == common.HexToAddress(b)
}
