package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/tokenswipe/internal/governance"
	"github.com/polisai/tokenswipe/pkg/aggregator"
	"github.com/polisai/tokenswipe/pkg/cache"
	"github.com/polisai/tokenswipe/pkg/custody"
	"github.com/polisai/tokenswipe/pkg/domain"
	"github.com/polisai/tokenswipe/pkg/logging"
	"github.com/polisai/tokenswipe/pkg/session"
	"github.com/polisai/tokenswipe/pkg/swap"
	"github.com/polisai/tokenswipe/pkg/tokens"
	"github.com/polisai/tokenswipe/pkg/wallet"
)

const testRouter = "0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24"

type fakeVerifier map[string]domain.Identity

func (f fakeVerifier) Verify(_ context.Context, token string) (domain.Identity, error) {
	id, ok := f[token]
	if !ok {
		return domain.Identity{}, domain.NewError(domain.ErrInvalidIdentityToken, "invalid Google token")
	}
	return id, nil
}

type fixedVenue struct {
	name   string
	routes []domain.RouteCandidate
	calls  atomic.Int32
}

func (v *fixedVenue) Name() string { return v.name }

func (v *fixedVenue) FindRoutes(context.Context, domain.SwapRequest) ([]domain.RouteCandidate, error) {
	v.calls.Add(1)
	return v.routes, nil
}

func candidate(venue, amountOut, fee string) domain.RouteCandidate {
	return domain.RouteCandidate{
		Venue:       venue,
		AmountOut:   decimal.RequireFromString(amountOut),
		ProtocolFee: decimal.RequireFromString(fee),
		GasEstimate: decimal.RequireFromString("0.002"),
		PriceImpact: decimal.RequireFromString("0.3"),
		Hops: []domain.Hop{{
			Venue:    venue,
			TokenIn:  tokens.WETHAddress,
			TokenOut: tokens.USDCAddress,
			Portion:  decimal.NewFromInt(100),
		}},
	}
}

type balanceStub struct {
	balance decimal.Decimal
	err     error
}

func (b balanceStub) NativeBalance(context.Context, string) (decimal.Decimal, error) {
	return b.balance, b.err
}

type testEnv struct {
	server   *Server
	venues   []*fixedVenue
	custody  *custody.LocalProvider
	sessions *session.Store
	now      atomic.Int64
}

func (e *testEnv) clock() time.Time { return time.Unix(e.now.Load(), 0) }

func (e *testEnv) advance(d time.Duration) { e.now.Add(int64(d / time.Second)) }

type envOption func(*Dependencies)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	env := &testEnv{}
	env.now.Store(time.Now().Unix())

	registry, err := tokens.NewRegistry(tokens.DefaultTokens(), tokens.WETHAddress)
	require.NoError(t, err)

	// Net 1490 vs 1502 in USDC.
	env.venues = []*fixedVenue{
		{name: "venue-a", routes: []domain.RouteCandidate{candidate("venue-a", "1520", "25")}},
		{name: "venue-b", routes: []domain.RouteCandidate{candidate("venue-b", "1510", "3")}},
	}
	adapters := []domain.VenueAdapter{env.venues[0], env.venues[1]}
	agg := aggregator.New(adapters, registry, aggregator.DefaultConfig(),
		aggregator.WithLogger(logging.Discard()), aggregator.WithClock(env.clock))

	mem := cache.NewMemoryCache(logging.Discard())
	env.custody = custody.NewLocalProvider(custody.LocalConfig{ChainID: tokens.BaseChainID}, logging.Discard())
	wallets := wallet.NewDirectory(mem, env.custody, wallet.WithLogger(logging.Discard()))
	env.sessions = session.NewStore(mem, session.WithClock(env.clock), session.WithLogger(logging.Discard()))

	orch := swap.NewOrchestrator(swap.Config{Router: testRouter, ChainID: tokens.BaseChainID},
		wallets, agg, env.custody, registry,
		swap.WithLogger(logging.Discard()), swap.WithClock(env.clock))

	deps := Dependencies{
		Verifier: fakeVerifier{
			"google-token-alice": {Subject: "1001", Email: "alice@example.com", Name: "Alice"},
			"google-token-bob":   {Subject: "1002", Email: "bob@example.com", Name: "Bob"},
		},
		Wallets:  wallets,
		Sessions: env.sessions,
		Swaps:    orch,
		Tokens:   registry,
		Balances: balanceStub{balance: decimal.RequireFromString("0.25")},
		Logger:   logging.Discard(),
		Now:      env.clock,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	env.server = NewServer(deps)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) signIn(t *testing.T, googleToken string) authResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/google", "", map[string]string{"token": googleToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[authResponse](t, rec)
}

func wethToUSDCBody() map[string]any {
	return map[string]any{
		"tokenIn":  tokens.WETHAddress,
		"tokenOut": tokens.USDCAddress,
		"amountIn": "1",
		"slippage": 0.5,
	}
}

func TestSignInThenMe(t *testing.T) {
	env := newTestEnv(t)

	auth := env.signIn(t, "google-token-alice")
	assert.Equal(t, "google_1001", auth.User.ID)
	assert.Equal(t, "alice@example.com", auth.User.Email)
	assert.NotEmpty(t, auth.SessionToken)
	assert.NotEmpty(t, auth.Wallet.Address)
	assert.Equal(t, int64(tokens.BaseChainID), auth.Wallet.ChainID)

	rec := env.do(t, http.MethodGet, "/api/auth/me", auth.SessionToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	me := decode[struct {
		User domain.User `json:"user"`
	}](t, rec)
	assert.Equal(t, auth.User, me.User)
}

func TestSignInReusesWallet(t *testing.T) {
	env := newTestEnv(t)

	first := env.signIn(t, "google-token-alice")
	second := env.signIn(t, "google-token-alice")
	assert.Equal(t, first.Wallet.Address, second.Wallet.Address)
	assert.NotEqual(t, first.SessionToken, second.SessionToken)
	assert.Equal(t, 1, env.custody.Created())
}

func TestSignInRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/auth/google", "", map[string]string{"token": "forged"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, domain.CodeAuthenticationFailed, decode[domain.ErrorResponse](t, rec).Code)
	assert.Equal(t, 0, env.custody.Created())

	rec = env.do(t, http.MethodPost, "/api/auth/google", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuoteSelectsBestNetValue(t *testing.T) {
	env := newTestEnv(t)
	auth := env.signIn(t, "google-token-alice")

	rec := env.do(t, http.MethodPost, "/api/swap/quote", auth.SessionToken, wethToUSDCBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	quote := decode[domain.SwapQuote](t, rec)
	assert.Equal(t, "venue-b", quote.Venue)
	assert.True(t, quote.NetValue.Equal(decimal.NewFromInt(1502)), quote.NetValue.String())
	assert.Equal(t, 50, quote.SlippageBps)
}

func TestQuoteValidation(t *testing.T) {
	env := newTestEnv(t)
	auth := env.signIn(t, "google-token-alice")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"same token", map[string]any{"tokenIn": tokens.WETHAddress, "tokenOut": tokens.WETHAddress, "amountIn": "1"}},
		{"zero amount", map[string]any{"tokenIn": tokens.WETHAddress, "tokenOut": tokens.USDCAddress, "amountIn": "0"}},
		{"slippage over 100", map[string]any{"tokenIn": tokens.WETHAddress, "tokenOut": tokens.USDCAddress, "amountIn": "1", "slippage": 101}},
		{"negative slippage", map[string]any{"tokenIn": tokens.WETHAddress, "tokenOut": tokens.USDCAddress, "amountIn": "1", "slippage": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/swap/quote", auth.SessionToken, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, domain.CodeInvalidRequest, decode[domain.ErrorResponse](t, rec).Code)
		})
	}
	for _, v := range env.venues {
		assert.Equal(t, int32(0), v.calls.Load())
	}
}

func TestQuoteRequiresSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/swap/quote", "", wethToUSDCBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/swap/quote", "not-a-session", wethToUSDCBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExecuteSignsSwap(t *testing.T) {
	env := newTestEnv(t)
	auth := env.signIn(t, "google-token-alice")

	rec := env.do(t, http.MethodPost, "/api/swap/execute", auth.SessionToken, wethToUSDCBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[map[string]any](t, rec)
	assert.Equal(t, "signed", resp["status"])
	assert.NotEmpty(t, resp["transactionHash"])
	assert.NotNil(t, resp["quote"])
	assert.NotContains(t, resp, "RawTransaction")
}

func (e *testEnv) quote(t *testing.T, token string) map[string]any {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/swap/quote", token, wethToUSDCBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	quoted := decode[map[string]any](t, rec)
	require.NotEmpty(t, quoted["id"])
	return quoted
}

func TestExecuteAcceptsQuote(t *testing.T) {
	env := newTestEnv(t)
	auth := env.signIn(t, "google-token-alice")

	quoted := env.quote(t, auth.SessionToken)
	rec := env.do(t, http.MethodPost, "/api/swap/execute", auth.SessionToken, map[string]any{"quote": quoted})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "signed", decode[map[string]any](t, rec)["status"])

	rec = env.do(t, http.MethodPost, "/api/swap/execute", auth.SessionToken, map[string]any{"quote": quoted})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "quote reused")

	byID := env.quote(t, auth.SessionToken)
	rec = env.do(t, http.MethodPost, "/api/swap/execute", auth.SessionToken, map[string]any{"quoteId": byID["id"]})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stale := env.quote(t, auth.SessionToken)
	env.advance(11 * time.Minute)
	rec = env.do(t, http.MethodPost, "/api/swap/execute", auth.SessionToken, map[string]any{"quote": stale})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "expired quote")
}

func TestExecuteRejectsForgedQuote(t *testing.T) {
	const attacker = "0x00000000000000000000000000000000000000ee"

	tests := []struct {
		name  string
		forge func(q map[string]any)
	}{
		{"extended deadline", func(q map[string]any) { q["deadline"] = q["deadline"].(float64) + 86400 }},
		{"foreign router", func(q map[string]any) { q["router"] = attacker }},
		{"deadline and router", func(q map[string]any) {
			q["deadline"] = q["deadline"].(float64) + 86400
			q["router"] = attacker
		}},
		{"no slippage floor", func(q map[string]any) { q["minAmountOut"] = "0" }},
		{"understated price impact", func(q map[string]any) { q["priceImpact"] = "0" }},
		{"unknown id", func(q map[string]any) { q["id"] = "00000000-0000-0000-0000-000000000000" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			auth := env.signIn(t, "google-token-alice")

			quoted := env.quote(t, auth.SessionToken)
			tt.forge(quoted)

			rec := env.do(t, http.MethodPost, "/api/swap/execute", auth.SessionToken, map[string]any{"quote": quoted})
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, domain.CodeInvalidRequest, decode[domain.ErrorResponse](t, rec).Code)
		})
	}
}

func TestExecuteRejectsRevivedQuote(t *testing.T) {
	env := newTestEnv(t)
	auth := env.signIn(t, "google-token-alice")

	quoted := env.quote(t, auth.SessionToken)
	env.advance(11 * time.Minute)
	quoted["deadline"] = float64(env.clock().Add(time.Hour).Unix())
	quoted["router"] = "0x000000000000000000000000000000000000dEaD"
	quoted["minAmountOut"] = "0"
	quoted["priceImpact"] = "0"

	rec := env.do(t, http.MethodPost, "/api/swap/execute", auth.SessionToken, map[string]any{"quote": quoted})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "signed")
}

func TestExecuteRejectsQuoteOfAnotherUser(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signIn(t, "google-token-alice")
	bob := env.signIn(t, "google-token-bob")

	quoted := env.quote(t, alice.SessionToken)
	rec := env.do(t, http.MethodPost, "/api/swap/execute", bob.SessionToken, map[string]any{"quote": quoted})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteWithoutWallet(t *testing.T) {
	env := newTestEnv(t)
	// A session whose user never had a wallet provisioned.
	token, _, err := env.sessions.Issue(context.Background(), domain.User{ID: "google_2002"}, "")
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/swap/execute", token, wethToUSDCBody())
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, domain.CodeWalletNotFound, decode[domain.ErrorResponse](t, rec).Code)
	for _, v := range env.venues {
		assert.Equal(t, int32(0), v.calls.Load(), "no venue queried without a wallet")
	}
}

func TestExpiredSession(t *testing.T) {
	env := newTestEnv(t)
	auth := env.signIn(t, "google-token-alice")

	env.advance(24*time.Hour + time.Second)

	rec := env.do(t, http.MethodGet, "/api/auth/me", auth.SessionToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, domain.CodeAuthenticationFailed, decode[domain.ErrorResponse](t, rec).Code)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	auth := env.signIn(t, "google-token-alice")

	rec := env.do(t, http.MethodPost, "/api/auth/logout", auth.SessionToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Logged out successfully", decode[map[string]string](t, rec)["message"])

	rec = env.do(t, http.MethodGet, "/api/auth/me", auth.SessionToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWallet(t *testing.T) {
	env := newTestEnv(t)
	auth := env.signIn(t, "google-token-alice")

	rec := env.do(t, http.MethodGet, "/api/wallet", auth.SessionToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[walletResponse](t, rec)
	assert.Equal(t, auth.Wallet, resp.Wallet)
	require.NotNil(t, resp.Balance)
	assert.Equal(t, "0.25", resp.Balance.String())
}

func TestWalletBalanceDegrades(t *testing.T) {
	env := newTestEnv(t, func(d *Dependencies) {
		d.Balances = balanceStub{err: errors.New("rpc down")}
	})
	auth := env.signIn(t, "google-token-alice")

	rec := env.do(t, http.MethodGet, "/api/wallet", auth.SessionToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decode[map[string]any](t, rec), "balance")
}

func TestTokens(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/tokens?category=blue-chip", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Tokens []domain.Token `json:"tokens"`
	}](t, rec)
	require.NotEmpty(t, resp.Tokens)
	for _, tok := range resp.Tokens {
		assert.Contains(t, []string{"WETH", "USDC"}, tok.Symbol)
	}

	rec = env.do(t, http.MethodGet, "/api/tokens?category=unknown", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]string](t, rec)
	assert.Equal(t, "OK", resp["status"])
	assert.Equal(t, "1.0.0", resp["version"])
	_, err := time.Parse(time.RFC3339, resp["timestamp"])
	assert.NoError(t, err)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[domain.ErrorResponse](t, rec).Code)
}

func TestRateLimit(t *testing.T) {
	limiter := governance.NewRateLimiter(governance.RateLimiterConfig{Requests: 2, Window: time.Minute, Burst: 2})
	env := newTestEnv(t, func(d *Dependencies) { d.Limiter = limiter })

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodGet, "/api/tokens", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := env.do(t, http.MethodGet, "/api/tokens", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, domain.CodeRateLimited, decode[domain.ErrorResponse](t, rec).Code)

	// Health is outside the limited surface.
	rec = env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrQuoteExpired, http.StatusBadRequest},
		{domain.ErrTokenExpired, http.StatusUnauthorized},
		{domain.ErrInvalidIdentityToken, http.StatusUnauthorized},
		{domain.NewError(domain.ErrPolicyDenied, "denied"), http.StatusForbidden},
		{domain.ErrWalletNotFound, http.StatusNotFound},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{domain.ErrNoRoutesAvailable, http.StatusBadGateway},
		{domain.Wrap(domain.ErrSigningFailed, errors.New("hsm"), "signing failed"), http.StatusBadGateway},
		{domain.ErrWalletCreationFailed, http.StatusBadGateway},
		{domain.ErrProviderUnavailable, http.StatusBadGateway},
		{domain.ErrCacheUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
