// Package identity verifies third-party identity assertions. The Google
// verifier checks ID tokens locally against Google's published signing keys.
package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"github.com/polisai/tokenswipe/internal/governance"
	"github.com/polisai/tokenswipe/pkg/domain"
)

const (
	DefaultJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
	// UserIDPrefix namespaces application user ids by identity provider.
	UserIDPrefix = "google_"

	defaultRefreshInterval = time.Hour
	// minUnknownKidRefresh bounds how often an unknown key id forces a refetch.
	minUnknownKidRefresh = time.Minute
)

// DefaultIssuers are the issuer values Google places in ID tokens.
var DefaultIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

// GoogleConfig configures ID token verification.
type GoogleConfig struct {
	ClientID        string        `yaml:"client_id"`
	JWKSURL         string        `yaml:"jwks_url"`
	Issuers         []string      `yaml:"issuers"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type googleClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	jwt.RegisteredClaims
}

// GoogleVerifier implements domain.IdentityVerifier for Google ID tokens.
type GoogleVerifier struct {
	cfg      GoogleConfig
	client   *http.Client
	retry    *governance.RetryPolicy
	timeouts *governance.TimeoutManager
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	fetch     singleflight.Group
}

// GoogleOption customises a GoogleVerifier.
type GoogleOption func(*GoogleVerifier)

// WithHTTPClient replaces the JWKS HTTP client.
func WithHTTPClient(c *http.Client) GoogleOption { return func(v *GoogleVerifier) { v.client = c } }

// WithClock replaces the time source used for expiry and key refresh.
func WithClock(now func() time.Time) GoogleOption { return func(v *GoogleVerifier) { v.now = now } }

// WithTimeouts shares a timeout manager.
func WithTimeouts(tm *governance.TimeoutManager) GoogleOption {
	return func(v *GoogleVerifier) { v.timeouts = tm }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) GoogleOption { return func(v *GoogleVerifier) { v.logger = l } }

// NewGoogleVerifier builds a verifier. ClientID is required.
func NewGoogleVerifier(cfg GoogleConfig, opts ...GoogleOption) (*GoogleVerifier, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("identity: google client id is required")
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = DefaultJWKSURL
	}
	if len(cfg.Issuers) == 0 {
		cfg.Issuers = DefaultIssuers
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}

	v := &GoogleVerifier{
		cfg:    cfg,
		retry:  governance.NewRetryPolicy(governance.DefaultRetryConfig()),
		logger: slog.Default(),
		now:    time.Now,
		keys:   make(map[string]*rsa.PublicKey),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.client == nil {
		v.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if v.timeouts == nil {
		v.timeouts = governance.NewTimeoutManager(governance.DefaultTimeoutConfig())
	}
	return v, nil
}

// Verify implements domain.IdentityVerifier.
func (v *GoogleVerifier) Verify(ctx context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, fmt.Errorf("%w: empty token", domain.ErrInvalidIdentityToken)
	}

	claims := &googleClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.cfg.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.key(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, domain.ErrProviderUnavailable) {
			return domain.Identity{}, err
		}
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrInvalidIdentityToken, err)
	}
	if !slices.Contains(v.cfg.Issuers, claims.Issuer) {
		return domain.Identity{}, fmt.Errorf("%w: unexpected issuer %q", domain.ErrInvalidIdentityToken, claims.Issuer)
	}
	if claims.Subject == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing subject", domain.ErrInvalidIdentityToken)
	}

	return domain.Identity{
		Subject: claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
	}, nil
}

// UserID derives the application user id from a verified identity.
func UserID(id domain.Identity) string {
	return UserIDPrefix + id.Subject
}

func (v *GoogleVerifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	fetchedAt := v.fetchedAt
	v.mu.RUnlock()

	age := v.now().Sub(fetchedAt)
	stale := fetchedAt.IsZero() || age >= v.cfg.RefreshInterval
	if ok && !stale {
		return key, nil
	}
	if !ok && !stale && age < minUnknownKidRefresh {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}

	if _, err, _ := v.fetch.Do("jwks", func() (any, error) { return nil, v.refresh(ctx) }); err != nil {
		if ok {
			// Serve the previous key set while the endpoint is unreachable.
			v.logger.Warn("JWKS refresh failed, using cached keys", "error", err)
			return key, nil
		}
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

type jwksDocument struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		Alg string `json:"alg"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (v *GoogleVerifier) refresh(ctx context.Context) error {
	ctx, cancel := v.timeouts.WithIdentityTimeout(ctx)
	defer cancel()

	var doc jwksDocument
	err := v.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
		if err != nil {
			return err
		}
		resp, err := v.client.Do(req)
		if err != nil {
			return &governance.RetryableError{Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return &governance.RetryableError{Err: fmt.Errorf("jwks status %d", resp.StatusCode)}
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("jwks status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return &governance.RetryableError{Err: err}
		}
		return json.Unmarshal(body, &doc)
	})
	if err != nil {
		return domain.Wrap(domain.ErrProviderUnavailable, err, "fetch identity signing keys")
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			v.logger.Warn("Skipping malformed JWKS key", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return domain.NewError(domain.ErrProviderUnavailable, "identity key set is empty")
	}

	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = v.now()
	v.mu.Unlock()

	v.logger.Debug("JWKS refreshed", "keys", len(keys))
	return nil
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(eb)
	if !exp.IsInt64() || exp.Int64() < 3 {
		return nil, errors.New("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp.Int64())}, nil
}
