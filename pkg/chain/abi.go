// Package chain holds the EVM contract bindings and read-only RPC helpers
// shared by the on-chain venue, the swap envelope builder and the wallet
// balance endpoint.
package chain

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const routerABIJSON = `[
  {"name":"getAmountsOut","type":"function","stateMutability":"view",
   "inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],
   "outputs":[{"name":"amounts","type":"uint256[]"}]},
  {"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},
             {"name":"path","type":"address[]"},{"name":"to","type":"address"},
             {"name":"deadline","type":"uint256"}],
   "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

const erc20ABIJSON = `[
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"balance","type":"uint256"}]}
]`

var (
	routerABI = sync.OnceValues(func() (abi.ABI, error) { return abi.JSON(strings.NewReader(routerABIJSON)) })
	erc20ABI  = sync.OnceValues(func() (abi.ABI, error) { return abi.JSON(strings.NewReader(erc20ABIJSON)) })
)

// RouterABI returns the parsed Uniswap V2 style router ABI.
func RouterABI() (abi.ABI, error) { return routerABI() }

// ERC20ABI returns the parsed subset of the ERC-20 ABI used for balances.
func ERC20ABI() (abi.ABI, error) { return erc20ABI() }

// ParseAddress validates a hex address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// ParsePath validates and converts a token path.
func ParsePath(tokens []string) ([]common.Address, error) {
	path := make([]common.Address, 0, len(tokens))
	for _, t := range tokens {
		addr, err := ParseAddress(t)
		if err != nil {
			return nil, err
		}
		path = append(path, addr)
	}
	return path, nil
}

// EncodeSwapExactTokensForTokens packs router call data for a swap.
func EncodeSwapExactTokensForTokens(amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, deadline int64) ([]byte, error) {
	parsed, err := RouterABI()
	if err != nil {
		return nil, err
	}
	return parsed.Pack("swapExactTokensForTokens", amountIn, amountOutMin, path, to, big.NewInt(deadline))
}
