package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/polisai/tokenswipe/internal/governance"
	"github.com/polisai/tokenswipe/pkg/domain"
)

// Backend is the subset of ethclient.Client the chain helpers depend on.
type Backend interface {
	ethereum.ContractCaller
	ethereum.ChainStateReader
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, domain.Wrap(domain.ErrProviderUnavailable, err, "dial chain rpc")
	}
	return client, nil
}

// Reader answers balance queries against a chain backend.
type Reader struct {
	backend  Backend
	timeouts *governance.TimeoutManager
	decimals int32
}

// NewReader builds a Reader. nativeDecimals is 18 on every EVM chain we target.
func NewReader(backend Backend, timeouts *governance.TimeoutManager) *Reader {
	if timeouts == nil {
		timeouts = governance.NewTimeoutManager(governance.DefaultTimeoutConfig())
	}
	return &Reader{backend: backend, timeouts: timeouts, decimals: 18}
}

// NativeBalance returns the native-currency balance of address in whole units.
func (r *Reader) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	account, err := ParseAddress(address)
	if err != nil {
		return decimal.Zero, domain.Wrap(domain.ErrInvalidRequest, err, "invalid wallet address")
	}

	ctx, cancel := r.timeouts.WithChainTimeout(ctx)
	defer cancel()

	wei, err := r.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return decimal.Zero, domain.Wrap(domain.ErrProviderUnavailable, err, "balance lookup failed")
	}
	return decimal.NewFromBigInt(wei, -r.decimals), nil
}

// TokenBalance returns the ERC-20 balance of owner for token, scaled by decimals.
func (r *Reader) TokenBalance(ctx context.Context, token, owner string, decimals int32) (decimal.Decimal, error) {
	tokenAddr, err := ParseAddress(token)
	if err != nil {
		return decimal.Zero, domain.Wrap(domain.ErrInvalidRequest, err, "invalid token address")
	}
	ownerAddr, err := ParseAddress(owner)
	if err != nil {
		return decimal.Zero, domain.Wrap(domain.ErrInvalidRequest, err, "invalid wallet address")
	}

	parsed, err := ERC20ABI()
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse erc20 abi: %w", err)
	}
	data, err := parsed.Pack("balanceOf", ownerAddr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pack balanceOf: %w", err)
	}

	ctx, cancel := r.timeouts.WithChainTimeout(ctx)
	defer cancel()

	raw, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return decimal.Zero, domain.Wrap(domain.ErrProviderUnavailable, err, "balanceOf call failed")
	}
	out, err := parsed.Unpack("balanceOf", raw)
	if err != nil || len(out) != 1 {
		return decimal.Zero, domain.Wrap(domain.ErrProviderUnavailable, err, "decode balanceOf")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, domain.NewError(domain.ErrProviderUnavailable, "unexpected balanceOf result")
	}
	return decimal.NewFromBigInt(balance, -decimals), nil
}
