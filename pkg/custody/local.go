// Package custody provides CustodyProvider implementations: a client for a
// remote MPC custody API and an in-memory signer for local development.
package custody

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/polisai/tokenswipe/pkg/domain"
)

// LocalConfig configures the development signer.
type LocalConfig struct {
	ChainID              int64    `yaml:"chain_id"`
	MaxFeePerGas         *big.Int `yaml:"-"`
	MaxPriorityFeePerGas *big.Int `yaml:"-"`
}

type localWallet struct {
	record domain.WalletRecord
	key    *ecdsa.PrivateKey
	nonce  uint64
}

// LocalProvider keeps secp256k1 keys in process memory and signs EIP-1559
// transactions with them. Keys are lost on restart; it is not a custody
// implementation.
type LocalProvider struct {
	mu      sync.Mutex
	cfg     LocalConfig
	byUser  map[string]*localWallet
	byID    map[string]*localWallet
	logger  *slog.Logger
	now     func() time.Time
	creates int
}

// NewLocalProvider builds an in-memory provider.
func NewLocalProvider(cfg LocalConfig, logger *slog.Logger) *LocalProvider {
	if cfg.MaxPriorityFeePerGas == nil {
		cfg.MaxPriorityFeePerGas = big.NewInt(1_000_000) // 0.001 gwei
	}
	if cfg.MaxFeePerGas == nil {
		cfg.MaxFeePerGas = big.NewInt(100_000_000) // 0.1 gwei
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalProvider{
		cfg:    cfg,
		byUser: make(map[string]*localWallet),
		byID:   make(map[string]*localWallet),
		logger: logger,
		now:    time.Now,
	}
}

// CreateWallet implements domain.CustodyProvider. Repeated calls for the same
// user return the same wallet.
func (p *LocalProvider) CreateWallet(ctx context.Context, userID string) (domain.WalletRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.WalletRecord{}, err
	}
	if userID == "" {
		return domain.WalletRecord{}, domain.NewError(domain.ErrInvalidRequest, "user id is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.byUser[userID]; ok {
		return w.record, nil
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return domain.WalletRecord{}, fmt.Errorf("generate key: %w", err)
	}

	w := &localWallet{
		key: key,
		record: domain.WalletRecord{
			UserID:    userID,
			Address:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
			CustodyID: uuid.NewString(),
			PublicKey: hexutil.Encode(crypto.FromECDSAPub(&key.PublicKey)),
			ChainID:   p.cfg.ChainID,
			CreatedAt: p.now().UTC(),
		},
	}
	p.byUser[userID] = w
	p.byID[w.record.CustodyID] = w
	p.creates++

	p.logger.Info("Local wallet created", "user_id", userID, "address", w.record.Address)
	return w.record, nil
}

// FindWallet implements domain.CustodyProvider.
func (p *LocalProvider) FindWallet(ctx context.Context, userID string) (domain.WalletRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.WalletRecord{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.byUser[userID]
	if !ok {
		return domain.WalletRecord{}, domain.ErrWalletNotFound
	}
	return w.record, nil
}

// Sign implements domain.CustodyProvider.
func (p *LocalProvider) Sign(ctx context.Context, custodyID string, envelope domain.TxEnvelope) (domain.SignedTx, error) {
	if err := ctx.Err(); err != nil {
		return domain.SignedTx{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.byID[custodyID]
	if !ok {
		return domain.SignedTx{}, fmt.Errorf("%w: unknown wallet %s", domain.ErrSigningRejected, custodyID)
	}
	if envelope.From != "" && common.HexToAddress(envelope.From) != common.HexToAddress(w.record.Address) {
		return domain.SignedTx{}, fmt.Errorf("%w: sender does not match wallet", domain.ErrSigningRejected)
	}
	if !common.IsHexAddress(envelope.To) {
		return domain.SignedTx{}, fmt.Errorf("%w: invalid recipient", domain.ErrSigningRejected)
	}

	chainID := big.NewInt(envelope.ChainID)
	to := common.HexToAddress(envelope.To)
	value := envelope.Value
	if value == nil {
		value = new(big.Int)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     w.nonce,
		GasTipCap: p.cfg.MaxPriorityFeePerGas,
		GasFeeCap: p.cfg.MaxFeePerGas,
		Gas:       envelope.GasLimit,
		To:        &to,
		Value:     value,
		Data:      envelope.Data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return domain.SignedTx{}, fmt.Errorf("%w: %v", domain.ErrSigningRejected, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return domain.SignedTx{}, fmt.Errorf("encode transaction: %w", err)
	}
	w.nonce++

	return domain.SignedTx{RawTransaction: hexutil.Encode(raw), Hash: signed.Hash().Hex()}, nil
}

// Created returns how many distinct wallets the provider has generated.
func (p *LocalProvider) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates
}
