// Package tokens holds the token market snapshot used for discovery and for
// valuing routes in the quote currency.
package tokens

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/polisai/tokenswipe/pkg/domain"
)

// Category groups tokens for the discovery feed.
type Category string

const (
	CategoryAll      Category = "all"
	CategoryBlueChip Category = "blue-chip"
	CategoryEmerging Category = "emerging"
	CategoryMeme     Category = "meme"
)

// emergingMarketCap is the market-cap ceiling for the emerging category.
const emergingMarketCap = 10_000_000

// Base mainnet defaults.
const (
	BaseChainID = 8453
	WETHAddress = "0x4200000000000000000000000000000000000006"
	USDCAddress = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
)

var blueChips = map[string]struct{}{"WETH": {}, "USDC": {}}

// DefaultTokens returns the built-in Base token list.
func DefaultTokens() []domain.Token {
	return []domain.Token{
		{
			ChainID:        BaseChainID,
			Address:        WETHAddress,
			Symbol:         "WETH",
			Name:           "Wrapped Ether",
			Decimals:       18,
			Price:          decimal.NewFromInt(2500),
			PriceChange24h: 2.5,
			MarketCap:      300_000_000_000,
			Liquidity:      50_000_000,
			Volume24h:      10_000_000,
		},
		{
			ChainID:        BaseChainID,
			Address:        USDCAddress,
			Symbol:         "USDC",
			Name:           "USD Coin",
			Decimals:       6,
			Price:          decimal.NewFromInt(1),
			PriceChange24h: 0.1,
			MarketCap:      25_000_000_000,
			Liquidity:      20_000_000,
			Volume24h:      5_000_000,
		},
	}
}

// Registry is a concurrency-safe token snapshot keyed by lower-cased address.
// It implements domain.PriceSource.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]domain.Token
	native string
}

// NewRegistry builds a registry. nativeWrapped is the address of the wrapped
// native token whose price values gas.
func NewRegistry(list []domain.Token, nativeWrapped string) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(list, nativeWrapped); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps the snapshot atomically.
func (r *Registry) Replace(list []domain.Token, nativeWrapped string) error {
	tokens := make(map[string]domain.Token, len(list))
	for _, t := range list {
		if t.Address == "" || t.Symbol == "" {
			return fmt.Errorf("token entry missing address or symbol")
		}
		if t.Decimals < 0 || t.Decimals > 36 {
			return fmt.Errorf("token %s has invalid decimals %d", t.Symbol, t.Decimals)
		}
		tokens[normalize(t.Address)] = t
	}
	native := normalize(nativeWrapped)
	if _, ok := tokens[native]; !ok {
		return fmt.Errorf("native token %s is not in the token list", nativeWrapped)
	}

	r.mu.Lock()
	r.tokens = tokens
	r.native = native
	r.mu.Unlock()
	return nil
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Lookup returns the token for an address or a symbol.
func (r *Registry) Lookup(addressOrSymbol string) (domain.Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.tokens[normalize(addressOrSymbol)]; ok {
		return t, true
	}
	for _, t := range r.tokens {
		if strings.EqualFold(t.Symbol, addressOrSymbol) {
			return t, true
		}
	}
	return domain.Token{}, false
}

// Native returns the wrapped native token.
func (r *Registry) Native() domain.Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tokens[r.native]
}

// Price implements domain.PriceSource.
func (r *Registry) Price(address string) (decimal.Decimal, bool) {
	t, ok := r.Lookup(address)
	if !ok {
		return decimal.Zero, false
	}
	return t.Price, true
}

// NativePrice implements domain.PriceSource.
func (r *Registry) NativePrice() decimal.Decimal {
	return r.Native().Price
}

// List returns tokens in the category ordered by market cap, largest first.
func (r *Registry) List(category Category) []domain.Token {
	r.mu.RLock()
	out := make([]domain.Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		if Matches(t, category) {
			out = append(out, t)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketCap != out[j].MarketCap {
			return out[i].MarketCap > out[j].MarketCap
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Matches reports whether t belongs to category.
func Matches(t domain.Token, category Category) bool {
	switch category {
	case "", CategoryAll:
		return true
	case CategoryBlueChip:
		_, ok := blueChips[strings.ToUpper(t.Symbol)]
		return ok
	case CategoryEmerging:
		return t.MarketCap < emergingMarketCap
	case CategoryMeme:
		return strings.Contains(strings.ToUpper(t.Symbol), "MEME")
	default:
		return false
	}
}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case "", CategoryAll:
		return CategoryAll, nil
	case CategoryBlueChip, CategoryEmerging, CategoryMeme:
		return c, nil
	default:
		return "", domain.NewError(domain.ErrInvalidRequest, "unknown token category")
	}
}
