package tokens

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/tokenswipe/pkg/domain"
)

func testTokens() []domain.Token {
	return append(DefaultTokens(),
		domain.Token{Address: "0x1111", Symbol: "SUPERMEME", Decimals: 18, Price: decimal.RequireFromString("0.0001"), MarketCap: 5_000_000},
		domain.Token{Address: "0x2222", Symbol: "NEW", Decimals: 9, Price: decimal.NewFromInt(3), MarketCap: 9_000_000},
	)
}

func TestRegistryLookup(t *testing.T) {
	r, err := NewRegistry(testTokens(), WETHAddress)
	require.NoError(t, err)

	byAddr, ok := r.Lookup("0x833589FCD6EDB6E08F4C7C32D4F71B54BDA02913")
	require.True(t, ok)
	assert.Equal(t, "USDC", byAddr.Symbol)

	bySymbol, ok := r.Lookup("weth")
	require.True(t, ok)
	assert.Equal(t, int32(18), bySymbol.Decimals)

	_, ok = r.Lookup("0xdead")
	assert.False(t, ok)

	assert.True(t, r.NativePrice().Equal(decimal.NewFromInt(2500)))
	price, ok := r.Price(USDCAddress)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(1)))
}

func TestRegistryCategories(t *testing.T) {
	r, err := NewRegistry(testTokens(), WETHAddress)
	require.NoError(t, err)

	symbols := func(list []domain.Token) []string {
		out := make([]string, 0, len(list))
		for _, tok := range list {
			out = append(out, tok.Symbol)
		}
		return out
	}

	assert.Equal(t, []string{"WETH", "USDC", "NEW", "SUPERMEME"}, symbols(r.List(CategoryAll)))
	assert.Equal(t, []string{"WETH", "USDC"}, symbols(r.List(CategoryBlueChip)))
	assert.Equal(t, []string{"NEW", "SUPERMEME"}, symbols(r.List(CategoryEmerging)))
	assert.Equal(t, []string{"SUPERMEME"}, symbols(r.List(CategoryMeme)))
}

func TestRegistryRejectsMissingNative(t *testing.T) {
	_, err := NewRegistry(DefaultTokens(), "0xnotlisted")
	assert.Error(t, err)
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("Blue-Chip")
	require.NoError(t, err)
	assert.Equal(t, CategoryBlueChip, c)

	c, err = ParseCategory("")
	require.NoError(t, err)
	assert.Equal(t, CategoryAll, c)

	_, err = ParseCategory("nft")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
