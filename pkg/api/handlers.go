package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polisai/tokenswipe/pkg/domain"
	"github.com/polisai/tokenswipe/pkg/identity"
	"github.com/polisai/tokenswipe/pkg/telemetry"
	"github.com/polisai/tokenswipe/pkg/tokens"
)

// defaultSlippagePercent applies when a quote request omits slippage.
var defaultSlippagePercent = decimal.RequireFromString("0.5")

type googleAuthRequest struct {
	Token string `json:"token"`
}

type authResponse struct {
	User         domain.User         `json:"user"`
	Wallet       domain.PublicWallet `json:"wallet"`
	SessionToken string              `json:"sessionToken"`
	ExpiresAt    time.Time           `json:"expiresAt"`
}

// swapBody is the wire form of a quote request. Slippage is a percentage.
type swapBody struct {
	TokenIn  string              `json:"tokenIn"`
	TokenOut string              `json:"tokenOut"`
	AmountIn decimal.Decimal     `json:"amountIn"`
	Slippage decimal.NullDecimal `json:"slippage"`
}

func (b swapBody) request() (domain.SwapRequest, error) {
	slippage := defaultSlippagePercent
	if b.Slippage.Valid {
		slippage = b.Slippage.Decimal
	}
	if slippage.IsNegative() || slippage.GreaterThan(decimal.NewFromInt(100)) {
		return domain.SwapRequest{}, domain.NewError(domain.ErrInvalidRequest, "slippage must be between 0 and 100 percent")
	}
	req := domain.SwapRequest{
		TokenIn:     strings.TrimSpace(b.TokenIn),
		TokenOut:    strings.TrimSpace(b.TokenOut),
		AmountIn:    b.AmountIn,
		SlippageBps: int(slippage.Mul(decimal.NewFromInt(100)).Round(0).IntPart()),
	}
	return req, req.Validate()
}

type executeBody struct {
	swapBody
	QuoteID string            `json:"quoteId"`
	Quote   *domain.SwapQuote `json:"quote"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"timestamp": s.deps.Now().UTC().Format(time.RFC3339),
		"version":   s.deps.Version,
	})
}

// handleGoogleAuth exchanges a Google ID token for a session, provisioning
// the user's wallet on first sign-in.
func (s *Server) handleGoogleAuth(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "api.auth.google")
	defer span.End()

	var body googleAuthRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if strings.TrimSpace(body.Token) == "" {
		s.writeErr(w, r, domain.NewError(domain.ErrInvalidRequest, "Google token is required"))
		return
	}

	id, err := s.deps.Verifier.Verify(ctx, body.Token)
	if err != nil {
		telemetry.RecordError(span, err)
		s.writeErr(w, r, err)
		return
	}

	user := domain.User{
		ID:      identity.UserID(id),
		Email:   id.Email,
		Name:    id.Name,
		Picture: id.Picture,
	}

	wallet, err := s.deps.Wallets.GetOrCreateWallet(ctx, user.ID)
	if err != nil {
		telemetry.RecordError(span, err)
		s.writeErr(w, r, err)
		return
	}

	token, rec, err := s.deps.Sessions.Issue(ctx, user, wallet.Address)
	if err != nil {
		telemetry.RecordError(span, err)
		s.writeErr(w, r, err)
		return
	}

	s.logger.Info("User signed in", "user_id", user.ID, "wallet", wallet.Address)
	writeJSON(w, http.StatusOK, authResponse{
		User:         user,
		Wallet:       wallet.Public(),
		SessionToken: token,
		ExpiresAt:    rec.ExpiresAt,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	rec, _ := sessionFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"user": s.deps.Sessions.Profile(r.Context(), rec)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := r.Context().Value(tokenKey).(string)
	if err := s.deps.Sessions.Revoke(r.Context(), token); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var body swapBody
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, r, err)
		return
	}
	req, err := body.request()
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	rec, _ := sessionFrom(r.Context())
	quote, err := s.deps.Swaps.Quote(r.Context(), rec.User.ID, req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// handleExecute signs either a previously issued quote, named by quoteId or
// by the id inside quote, or a fresh request.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	rec, _ := sessionFrom(r.Context())

	var body executeBody
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, r, err)
		return
	}

	if body.QuoteID != "" || body.Quote != nil {
		result, err := s.deps.Swaps.ExecuteQuote(r.Context(), rec.User.ID, body.QuoteID, body.Quote)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	req, err := body.request()
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	result, err := s.deps.Swaps.ExecuteSwap(r.Context(), rec.User.ID, req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	category, err := tokens.ParseCategory(r.URL.Query().Get("category"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tokens":   s.deps.Tokens.List(category),
		"category": category,
	})
}

type walletResponse struct {
	Wallet  domain.PublicWallet `json:"wallet"`
	Balance *decimal.Decimal    `json:"balance,omitempty"`
}

// handleWallet returns the caller's wallet. A failed balance read is logged
// and the balance omitted.
func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	rec, _ := sessionFrom(r.Context())

	wallet, err := s.deps.Wallets.GetWallet(r.Context(), rec.User.ID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	resp := walletResponse{Wallet: wallet.Public()}
	if s.deps.Balances != nil {
		balance, err := s.deps.Balances.NativeBalance(r.Context(), wallet.Address)
		if err != nil {
			s.logger.Warn("Balance lookup failed", "user_id", rec.User.ID, "error", err)
		} else {
			resp.Balance = &balance
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.NewError(domain.ErrInvalidRequest, "request body is required")
		}
		return domain.Wrap(domain.ErrInvalidRequest, err, "malformed request body")
	}
	return nil
}
