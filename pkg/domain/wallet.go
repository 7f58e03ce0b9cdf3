package domain

import (
	"context"
	"time"
)

// WalletRecord identifies a custody-assisted wallet issued to one user.
type WalletRecord struct {
	UserID    string    `json:"userId"`
	Address   string    `json:"address"`
	CustodyID string    `json:"walletId"`
	PublicKey string    `json:"publicKey"`
	ChainID   int64     `json:"chainId"`
	CreatedAt time.Time `json:"createdAt"`
}

// PublicWallet is the subset of a wallet record exposed to clients.
type PublicWallet struct {
	Address string `json:"address"`
	ChainID int64  `json:"chainId"`
}

// Public strips custody identifiers from the record.
func (w WalletRecord) Public() PublicWallet {
	return PublicWallet{Address: w.Address, ChainID: w.ChainID}
}

// CustodyProvider is the external custody capability. CreateWallet must be
// idempotent per user at the provider. FindWallet re-derives a record lost from
// the cache and returns ErrWalletNotFound when the user has none.
type CustodyProvider interface {
	CreateWallet(ctx context.Context, userID string) (WalletRecord, error)
	FindWallet(ctx context.Context, userID string) (WalletRecord, error)
	Sign(ctx context.Context, custodyID string, envelope TxEnvelope) (SignedTx, error)
}

// Identity is the verified result of an identity assertion.
type Identity struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// IdentityVerifier validates a third-party identity token.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// User is the application profile derived from an Identity.
type User struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// SessionRecord is the server-side state behind an opaque session token.
type SessionRecord struct {
	User          User      `json:"user"`
	WalletAddress string    `json:"walletAddress,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Expired reports whether the session is past its server-side expiry.
func (s SessionRecord) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
