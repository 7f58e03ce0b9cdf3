// Package session issues and resolves opaque bearer tokens backed by the
// shared cache.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/polisai/tokenswipe/pkg/cache"
	"github.com/polisai/tokenswipe/pkg/domain"
	"github.com/polisai/tokenswipe/pkg/telemetry"
)

const (
	DefaultTTL = 24 * time.Hour
	tokenBytes = 32
)

// Store maps session tokens to SessionRecords.
type Store struct {
	cache   cache.Cache
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Option customises a Store.
type Option func(*Store)

// WithTTL overrides the session lifetime.
func WithTTL(ttl time.Duration) Option { return func(s *Store) { s.ttl = ttl } }

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithMetrics records issued and revoked sessions.
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Store) { s.metrics = m } }

// NewStore builds a session store.
func NewStore(c cache.Cache, opts ...Option) *Store {
	s := &Store{cache: c, ttl: DefaultTTL, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured session lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Issue creates a session for user and stores the user profile.
func (s *Store) Issue(ctx context.Context, user domain.User, walletAddress string) (string, domain.SessionRecord, error) {
	token, err := newToken()
	if err != nil {
		return "", domain.SessionRecord{}, err
	}

	now := s.now().UTC()
	rec := domain.SessionRecord{
		User:          user,
		WalletAddress: walletAddress,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}

	if err := cache.SetJSON(ctx, s.cache, cache.UserKey(user.ID), user, s.ttl); err != nil {
		return "", domain.SessionRecord{}, domain.Wrap(domain.ErrCacheUnavailable, err, "failed to store user profile")
	}
	if err := cache.SetJSON(ctx, s.cache, cache.SessionKey(token), rec, s.ttl); err != nil {
		return "", domain.SessionRecord{}, domain.Wrap(domain.ErrCacheUnavailable, err, "failed to store session")
	}

	s.metrics.RecordSessionIssued()
	return token, rec, nil
}

// Resolve returns the session behind token. Expiry is checked on the record
// itself, before any profile lookup.
func (s *Store) Resolve(ctx context.Context, token string) (domain.SessionRecord, error) {
	if !validToken(token) {
		return domain.SessionRecord{}, domain.ErrTokenNotFound
	}

	var rec domain.SessionRecord
	err := cache.GetJSON(ctx, s.cache, cache.SessionKey(token), &rec)
	switch {
	case errors.Is(err, cache.ErrMiss):
		return domain.SessionRecord{}, domain.ErrTokenNotFound
	case err != nil:
		return domain.SessionRecord{}, domain.Wrap(domain.ErrCacheUnavailable, err, "session lookup failed")
	}

	if rec.Expired(s.now()) {
		return domain.SessionRecord{}, domain.ErrTokenExpired
	}
	return rec, nil
}

// Profile returns the stored user profile, falling back to the copy embedded
// in the session.
func (s *Store) Profile(ctx context.Context, rec domain.SessionRecord) domain.User {
	var user domain.User
	if err := cache.GetJSON(ctx, s.cache, cache.UserKey(rec.User.ID), &user); err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("User profile lookup failed", "user_id", rec.User.ID, "error", err)
		}
		return rec.User
	}
	return user
}

// Revoke deletes the session behind token.
func (s *Store) Revoke(ctx context.Context, token string) error {
	if !validToken(token) {
		return nil
	}
	if err := s.cache.Delete(ctx, cache.SessionKey(token)); err != nil {
		return domain.Wrap(domain.ErrCacheUnavailable, err, "failed to revoke session")
	}
	s.metrics.RecordSessionRevoked()
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func validToken(token string) bool {
	if len(token) != tokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}
