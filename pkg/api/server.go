// Package api exposes the HTTP surface: Google sign-in, opaque bearer
// sessions, quoting and swap execution.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/tokenswipe/internal/governance"
	"github.com/polisai/tokenswipe/pkg/domain"
	"github.com/polisai/tokenswipe/pkg/session"
	"github.com/polisai/tokenswipe/pkg/swap"
	"github.com/polisai/tokenswipe/pkg/telemetry"
	"github.com/polisai/tokenswipe/pkg/tokens"
)

// WalletDirectory provisions and reads user wallets.
type WalletDirectory interface {
	GetOrCreateWallet(ctx context.Context, userID string) (domain.WalletRecord, error)
	GetWallet(ctx context.Context, userID string) (domain.WalletRecord, error)
}

// SwapExecutor issues quotes and signs swaps.
type SwapExecutor interface {
	Quote(ctx context.Context, userID string, req domain.SwapRequest) (*domain.SwapQuote, error)
	ExecuteSwap(ctx context.Context, userID string, req domain.SwapRequest) (*swap.Result, error)
	ExecuteQuote(ctx context.Context, userID, quoteID string, presented *domain.SwapQuote) (*swap.Result, error)
}

// TokenLister serves the token discovery feed.
type TokenLister interface {
	List(category tokens.Category) []domain.Token
}

// BalanceReader looks up native balances.
type BalanceReader interface {
	NativeBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// Dependencies wires the server to the core components. Balances, Limiter and
// Metrics are optional.
type Dependencies struct {
	Verifier domain.IdentityVerifier
	Wallets  WalletDirectory
	Sessions *session.Store
	Swaps    SwapExecutor
	Tokens   TokenLister
	Balances BalanceReader
	Limiter  *governance.RateLimiter
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
	Version  string
	Now      func() time.Time
}

// Server routes API requests.
type Server struct {
	deps   Dependencies
	router *mux.Router
	logger *slog.Logger
}

const maxBodyBytes = 1 << 20

// NewServer builds the router.
func NewServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Version == "" {
		deps.Version = "1.0.0"
	}

	s := &Server{deps: deps, router: mux.NewRouter(), logger: deps.Logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.requestID, s.accessLog)
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.MetricsMiddleware)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, domain.NewError(domain.ErrInvalidRequest, "route not found"), http.StatusNotFound)
	})

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.rateLimit)

	api.HandleFunc("/auth/google", s.handleGoogleAuth).Methods(http.MethodPost)
	api.HandleFunc("/tokens", s.handleTokens).Methods(http.MethodGet)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.authenticate)
	authed.HandleFunc("/auth/me", s.handleMe).Methods(http.MethodGet)
	authed.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	authed.HandleFunc("/swap/quote", s.handleQuote).Methods(http.MethodPost)
	authed.HandleFunc("/swap/execute", s.handleExecute).Methods(http.MethodPost)
	authed.HandleFunc("/wallet", s.handleWallet).Methods(http.MethodGet)
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "tokenswipe.api")
}

// ServeHTTP implements http.Handler without tracing, for tests and embedding.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
