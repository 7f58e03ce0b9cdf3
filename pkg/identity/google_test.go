package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/tokenswipe/pkg/domain"
	"github.com/polisai/tokenswipe/pkg/logging"
)

const testClientID = "client-123.apps.googleusercontent.com"

type jwksServer struct {
	*httptest.Server
	hits atomic.Int32
	fail atomic.Bool
}

func newJWKSServer(t *testing.T, keys map[string]*rsa.PublicKey) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if s.fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		type jwk struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Alg string `json:"alg"`
			N   string `json:"n"`
			E   string `json:"e"`
		}
		doc := struct {
			Keys []jwk `json:"keys"`
		}{}
		for kid, pub := range keys {
			doc.Keys = append(doc.Keys, jwk{
				Kid: kid,
				Kty: "RSA",
				Alg: "RS256",
				N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			})
		}
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(s.Close)
	return s
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims googleClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func validClaims(now time.Time) googleClaims {
	return googleClaims{
		Email:   "ada@example.com",
		Name:    "Ada",
		Picture: "https://example.com/ada.png",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "1234567890",
			Issuer:    "https://accounts.google.com",
			Audience:  jwt.ClaimStrings{testClientID},
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

type fixture struct {
	key      *rsa.PrivateKey
	server   *jwksServer
	verifier *GoogleVerifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fixture{key: key, now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	f.server = newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey})
	f.verifier, err = NewGoogleVerifier(
		GoogleConfig{ClientID: testClientID, JWKSURL: f.server.URL},
		WithHTTPClient(f.server.Client()),
		WithClock(func() time.Time { return f.now }),
		WithLogger(logging.Discard()),
	)
	require.NoError(t, err)
	return f
}

func TestGoogleVerifierAcceptsValidToken(t *testing.T) {
	f := newFixture(t)

	id, err := f.verifier.Verify(context.Background(), signToken(t, f.key, "k1", validClaims(f.now)))
	require.NoError(t, err)
	assert.Equal(t, "1234567890", id.Subject)
	assert.Equal(t, "ada@example.com", id.Email)
	assert.Equal(t, "google_1234567890", UserID(id))

	// Keys are cached between verifications.
	_, err = f.verifier.Verify(context.Background(), signToken(t, f.key, "k1", validClaims(f.now)))
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.server.hits.Load())
}

func TestGoogleVerifierRejections(t *testing.T) {
	f := newFixture(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token func() string
	}{
		{"empty", func() string { return "" }},
		{"garbage", func() string { return "not.a.jwt" }},
		{"wrong audience", func() string {
			c := validClaims(f.now)
			c.Audience = jwt.ClaimStrings{"someone-else"}
			return signToken(t, f.key, "k1", c)
		}},
		{"wrong issuer", func() string {
			c := validClaims(f.now)
			c.Issuer = "https://evil.example.com"
			return signToken(t, f.key, "k1", c)
		}},
		{"expired", func() string {
			c := validClaims(f.now)
			c.ExpiresAt = jwt.NewNumericDate(f.now.Add(-time.Second))
			return signToken(t, f.key, "k1", c)
		}},
		{"missing expiry", func() string {
			c := validClaims(f.now)
			c.ExpiresAt = nil
			return signToken(t, f.key, "k1", c)
		}},
		{"missing subject", func() string {
			c := validClaims(f.now)
			c.Subject = ""
			return signToken(t, f.key, "k1", c)
		}},
		{"wrong signer", func() string { return signToken(t, other, "k1", validClaims(f.now)) }},
		{"hmac", func() string {
			token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(f.now))
			token.Header["kid"] = "k1"
			s, err := token.SignedString([]byte("secret"))
			require.NoError(t, err)
			return s
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.verifier.Verify(context.Background(), tt.token())
			assert.ErrorIs(t, err, domain.ErrInvalidIdentityToken)
			assert.Equal(t, domain.CodeAuthenticationFailed, domain.CodeOf(err))
		})
	}
}

func TestGoogleVerifierUnknownKidRefetchIsBounded(t *testing.T) {
	f := newFixture(t)

	token := signToken(t, f.key, "rotated", validClaims(f.now))
	_, err := f.verifier.Verify(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrInvalidIdentityToken)
	assert.Equal(t, int32(1), f.server.hits.Load())

	_, err = f.verifier.Verify(context.Background(), token)
	assert.Error(t, err)
	assert.Equal(t, int32(1), f.server.hits.Load(), "unknown kid does not refetch within a minute")

	f.now = f.now.Add(2 * time.Minute)
	_, err = f.verifier.Verify(context.Background(), signToken(t, f.key, "rotated", validClaims(f.now)))
	assert.Error(t, err)
	assert.Equal(t, int32(2), f.server.hits.Load())
}

func TestGoogleVerifierKeysUnavailable(t *testing.T) {
	f := newFixture(t)
	f.server.fail.Store(true)

	_, err := f.verifier.Verify(context.Background(), signToken(t, f.key, "k1", validClaims(f.now)))
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestGoogleVerifierServesCachedKeysWhenRefreshFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.verifier.Verify(context.Background(), signToken(t, f.key, "k1", validClaims(f.now)))
	require.NoError(t, err)

	f.server.fail.Store(true)
	f.now = f.now.Add(2 * time.Hour)
	_, err = f.verifier.Verify(context.Background(), signToken(t, f.key, "k1", validClaims(f.now)))
	assert.NoError(t, err)
}

func TestNewGoogleVerifierRequiresClientID(t *testing.T) {
	_, err := NewGoogleVerifier(GoogleConfig{})
	assert.Error(t, err)
}
