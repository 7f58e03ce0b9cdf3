// Package cache provides the session cache: a TTL key-value store holding
// wallet and session records. Two backends are available, an in-process map
// for single-instance deployments and tests, and Redis for shared state.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is the contract every backend satisfies. All operations are safe for
// concurrent use. A value is never returned after its TTL has elapsed since
// the last Set.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Key helpers for the records kept in the cache.
func WalletKey(userID string) string     { return "wallet:" + userID }
func WalletLockKey(userID string) string { return "wallet-lock:" + userID }
func SessionKey(token string) string     { return "session:" + token }
func UserKey(userID string) string       { return "user:" + userID }
func QuoteKey(id string) string           { return "quote:" + id }
func QuoteClaimKey(id string) string      { return "quote-claim:" + id }

// GetJSON reads key and decodes it into dest. It returns ErrMiss when absent.
func GetJSON(ctx context.Context, c Cache, key string, dest any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes value and stores it under key.
func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}
