// Package swap executes swaps for authenticated users: it quotes, checks
// policy, builds the router transaction and has custody sign it. Signed
// transactions are published for an external submitter; nothing here
// broadcasts.
package swap

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/tokenswipe/internal/governance"
	"github.com/polisai/tokenswipe/pkg/cache"
	"github.com/polisai/tokenswipe/pkg/chain"
	"github.com/polisai/tokenswipe/pkg/domain"
	"github.com/polisai/tokenswipe/pkg/events"
	"github.com/polisai/tokenswipe/pkg/telemetry"
)

// NativeTokenAddress is the placeholder address for the chain's native currency.
const NativeTokenAddress = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

const defaultGasLimit = 350_000

// WalletSource returns an existing wallet without provisioning one.
type WalletSource interface {
	GetWallet(ctx context.Context, userID string) (domain.WalletRecord, error)
}

// Quoter produces the best quote for a request.
type Quoter interface {
	GetBestQuote(ctx context.Context, req domain.SwapRequest) (*domain.SwapQuote, error)
}

// Guard approves a quote for signing.
type Guard interface {
	Check(ctx context.Context, userID string, quote *domain.SwapQuote) error
}

// TokenLookup resolves token metadata.
type TokenLookup interface {
	Lookup(addressOrSymbol string) (domain.Token, bool)
}

// Config holds the transaction defaults. Router is used when the selected
// route does not name its own; Routers lists the other router contracts a venue
// may name. Routes through any other router are refused.
type Config struct {
	Router   string   `yaml:"router"`
	Routers  []string `yaml:"routers"`
	ChainID  int64    `yaml:"chain_id"`
	GasLimit uint64   `yaml:"gas_limit"`
}

// Result is returned for a signed swap.
type Result struct {
	ID              string            `json:"id"`
	TransactionHash string            `json:"transactionHash"`
	Quote           *domain.SwapQuote `json:"quote"`
	Status          domain.SwapState  `json:"status"`
	RawTransaction  string            `json:"-"`
}

// Orchestrator implements Quote, ExecuteSwap and ExecuteQuote.
type Orchestrator struct {
	cfg       Config
	quotes    *quoteBook
	store     cache.Cache
	wallets   WalletSource
	quoter    Quoter
	custody   domain.CustodyProvider
	tokens    TokenLookup
	guard     Guard
	publisher events.Publisher
	timeouts  *governance.TimeoutManager
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	routers map[common.Address]struct{}
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithGuard installs the pre-sign policy check.
func WithGuard(g Guard) Option { return func(o *Orchestrator) { o.guard = g } }

// WithPublisher sets the signed-swap event sink.
func WithPublisher(p events.Publisher) Option { return func(o *Orchestrator) { o.publisher = p } }

// WithTimeouts shares a timeout manager.
func WithTimeouts(tm *governance.TimeoutManager) Option {
	return func(o *Orchestrator) { o.timeouts = tm }
}

// WithMetrics records swap state counts.
func WithMetrics(m *telemetry.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithQuoteStore keeps issued quotes in c. Processes serving the same users
// must share it. The default is process memory.
func WithQuoteStore(c cache.Cache) Option { return func(o *Orchestrator) { o.store = c } }

// WithClock replaces the time source used for quote expiry.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(cfg Config, wallets WalletSource, quoter Quoter, custody domain.CustodyProvider, tokens TokenLookup, opts ...Option) *Orchestrator {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = defaultGasLimit
	}
	o := &Orchestrator{
		cfg:       cfg,
		wallets:   wallets,
		quoter:    quoter,
		custody:   custody,
		tokens:    tokens,
		publisher: events.NopPublisher{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.timeouts == nil {
		o.timeouts = governance.NewTimeoutManager(governance.DefaultTimeoutConfig())
	}
	if o.store == nil {
		o.store = cache.NewMemoryCache(o.logger)
	}
	o.quotes = &quoteBook{cache: o.store, now: o.now}
	o.SetRouters(cfg.Routers...)
	return o
}

// SetRouters replaces the router allow-list. The default router is always
// allowed; malformed addresses are skipped.
func (o *Orchestrator) SetRouters(routers ...string) {
	allowed := make(map[common.Address]struct{}, len(routers)+1)
	for _, r := range append([]string{o.cfg.Router}, routers...) {
		addr, err := chain.ParseAddress(r)
		if err != nil {
			if r != "" {
				o.logger.Warn("Ignoring invalid router address", "router", r)
			}
			continue
		}
		allowed[addr] = struct{}{}
	}
	o.mu.Lock()
	o.routers = allowed
	o.mu.Unlock()
}

func (o *Orchestrator) routerAllowed(addr common.Address) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.routers[addr]
	return ok
}

// run tracks one swap through its lifecycle.
type run struct {
	id     string
	userID string
	state  domain.SwapState
	o      *Orchestrator
}

func (r *run) advance(next domain.SwapState) error {
	if !r.state.CanTransition(next) {
		return fmt.Errorf("swap %s: invalid transition %s -> %s", r.id, r.state, next)
	}
	r.state = next
	r.o.metrics.RecordSwap(string(next))
	return nil
}

func (r *run) fail(err error) error {
	if r.state.CanTransition(domain.SwapFailed) {
		r.state = domain.SwapFailed
		r.o.metrics.RecordSwap(string(domain.SwapFailed))
	}
	r.o.logger.Warn("Swap failed", "swap_id", r.id, "user_id", r.userID, "code", domain.CodeOf(err), "error", err)
	return err
}

func (o *Orchestrator) newRun(userID string) *run {
	return &run{id: uuid.NewString(), userID: userID, state: domain.SwapRequested, o: o}
}

// Quote prices req and records the result for userID. Only quotes recorded
// here can be passed to ExecuteQuote.
func (o *Orchestrator) Quote(ctx context.Context, userID string, req domain.SwapRequest) (*domain.SwapQuote, error) {
	quote, err := o.quoter.GetBestQuote(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := o.quotes.issue(ctx, userID, quote); err != nil {
		return nil, err
	}
	return quote, nil
}

// ExecuteSwap quotes req and signs the best route for userID's wallet. The
// wallet must already exist; no venue is queried otherwise.
func (o *Orchestrator) ExecuteSwap(ctx context.Context, userID string, req domain.SwapRequest) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "swap.execute", attribute.String("user.id", userID))
	defer span.End()

	r := o.newRun(userID)

	wallet, err := o.wallets.GetWallet(ctx, userID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, r.fail(err)
	}

	quote, err := o.quoter.GetBestQuote(ctx, req)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, r.fail(err)
	}
	if err := r.advance(domain.SwapQuoted); err != nil {
		return nil, r.fail(err)
	}

	res, err := o.sign(ctx, r, wallet, quote)
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return res, err
}

// ExecuteQuote signs the quote issued to userID under quoteID. When the caller
// also presents its copy of the quote, every term must match the issued one.
// The issued quote is what gets signed, at most once, and only before its
// deadline.
func (o *Orchestrator) ExecuteQuote(ctx context.Context, userID, quoteID string, presented *domain.SwapQuote) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "swap.execute_quote", attribute.String("user.id", userID))
	defer span.End()

	r := o.newRun(userID)

	wallet, err := o.wallets.GetWallet(ctx, userID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, r.fail(err)
	}

	if quoteID == "" && presented != nil {
		quoteID = presented.ID
	}
	if quoteID == "" {
		return nil, r.fail(domain.NewError(domain.ErrInvalidRequest, "quote id is required"))
	}
	quote, err := o.quotes.load(ctx, userID, quoteID)
	if err != nil {
		return nil, r.fail(err)
	}
	if presented != nil && !quote.SameTerms(presented) {
		return nil, r.fail(domain.NewError(domain.ErrQuoteAltered, "quote does not match the issued quote"))
	}
	if err := r.advance(domain.SwapQuoted); err != nil {
		return nil, r.fail(err)
	}

	claimed, err := o.quotes.claim(ctx, quote)
	if err != nil {
		return nil, r.fail(err)
	}
	if !claimed {
		return nil, r.fail(domain.NewError(domain.ErrQuoteUsed, "quote already executed"))
	}

	res, err := o.sign(ctx, r, wallet, quote)
	if err != nil {
		telemetry.RecordError(span, err)
		if rerr := o.quotes.release(context.WithoutCancel(ctx), quote); rerr != nil {
			o.logger.Warn("Failed to release quote claim", "quote_id", quote.ID, "error", rerr)
		}
	}
	return res, err
}

func (o *Orchestrator) sign(ctx context.Context, r *run, wallet domain.WalletRecord, quote *domain.SwapQuote) (*Result, error) {
	if quote.Expired(o.now()) {
		_ = r.advance(domain.SwapExpired)
		o.logger.Info("Quote expired before signing", "swap_id", r.id, "deadline", quote.Deadline)
		return nil, domain.NewError(domain.ErrQuoteExpired, "quote expired")
	}

	if o.guard != nil {
		if err := o.guard.Check(ctx, r.userID, quote); err != nil {
			return nil, r.fail(err)
		}
	}

	envelope, err := o.BuildEnvelope(wallet, quote)
	if err != nil {
		return nil, r.fail(err)
	}

	sctx, cancel := o.timeouts.WithCustodyTimeout(ctx)
	defer cancel()

	signed, err := o.custody.Sign(sctx, wallet.CustodyID, envelope)
	if err != nil {
		return nil, r.fail(domain.Wrap(domain.ErrSigningFailed, err, "transaction signing failed"))
	}
	if err := r.advance(domain.SwapSigned); err != nil {
		return nil, r.fail(err)
	}

	o.logger.Info("Swap signed",
		"swap_id", r.id,
		"user_id", r.userID,
		"venue", quote.Venue,
		"tx_hash", signed.Hash)

	event := events.SwapSigned{
		ID:              r.id,
		UserID:          r.userID,
		WalletAddress:   wallet.Address,
		ChainID:         envelope.ChainID,
		TransactionHash: signed.Hash,
		RawTransaction:  signed.RawTransaction,
		Quote:           quote,
		SignedAt:        o.now().UTC(),
	}
	if err := o.publisher.PublishSwapSigned(ctx, event); err != nil {
		o.logger.Error("Failed to publish signed swap", "swap_id", r.id, "error", err)
	}

	return &Result{
		ID:              r.id,
		TransactionHash: signed.Hash,
		Quote:           quote,
		Status:          r.state,
		RawTransaction:  signed.RawTransaction,
	}, nil
}

// BuildEnvelope encodes the router call that performs quote from wallet. Only
// single-path routes through an allowed router can be encoded.
func (o *Orchestrator) BuildEnvelope(wallet domain.WalletRecord, quote *domain.SwapQuote) (domain.TxEnvelope, error) {
	invalid := func(format string, args ...any) (domain.TxEnvelope, error) {
		return domain.TxEnvelope{}, domain.NewError(domain.ErrInvalidRequest, fmt.Sprintf(format, args...))
	}
	unsupported := func(format string, args ...any) (domain.TxEnvelope, error) {
		return domain.TxEnvelope{}, domain.NewError(domain.ErrNotExecutable, fmt.Sprintf(format, args...))
	}

	if quote.Settlement != domain.SettlementRouter {
		return unsupported("routes from venue %s settle outside the router", quote.Venue)
	}
	if !singlePath(quote.Route) {
		return unsupported("split routes cannot be executed through the router")
	}

	routerAddr := quote.Router
	if routerAddr == "" {
		routerAddr = o.cfg.Router
	}
	router, err := chain.ParseAddress(routerAddr)
	if err != nil {
		return invalid("no router for venue %s", quote.Venue)
	}
	if !o.routerAllowed(router) {
		return unsupported("router %s is not allowed", router.Hex())
	}
	to, err := chain.ParseAddress(wallet.Address)
	if err != nil {
		return invalid("wallet address is invalid")
	}

	in, ok := o.tokens.Lookup(quote.TokenIn)
	if !ok {
		return invalid("unsupported tokenIn")
	}
	out, ok := o.tokens.Lookup(quote.TokenOut)
	if !ok {
		return invalid("unsupported tokenOut")
	}

	path, err := chain.ParsePath(routePath(in.Address, out.Address, quote.Route))
	if err != nil {
		return invalid("route contains an invalid token address")
	}

	amountIn := chain.ToBaseUnits(quote.AmountIn, in.Decimals)
	amountOutMin := chain.ToBaseUnits(quote.MinAmountOut, out.Decimals)

	data, err := chain.EncodeSwapExactTokensForTokens(amountIn, amountOutMin, path, to, quote.Deadline)
	if err != nil {
		return domain.TxEnvelope{}, fmt.Errorf("encode swap call: %w", err)
	}

	value := new(big.Int)
	if strings.EqualFold(in.Address, NativeTokenAddress) {
		value.Set(amountIn)
	}

	chainID := wallet.ChainID
	if chainID == 0 {
		chainID = o.cfg.ChainID
	}

	return domain.TxEnvelope{
		ChainID:  chainID,
		From:     to.Hex(),
		To:       router.Hex(),
		Value:    value,
		Data:     data,
		GasLimit: o.cfg.GasLimit,
	}, nil
}

// singlePath reports whether every step of hops is a single full hop.
func singlePath(hops []domain.Hop) bool {
	seen := make(map[int]struct{}, len(hops))
	for _, h := range hops {
		if _, dup := seen[h.Step]; dup {
			return false
		}
		seen[h.Step] = struct{}{}
	}
	return true
}

// routePath flattens hops into the token path the router walks. Split steps
// contribute one token per step.
func routePath(tokenIn, tokenOut string, hops []domain.Hop) []string {
	byStep := make(map[int]string)
	steps := make([]int, 0, len(hops))
	for _, h := range hops {
		if _, seen := byStep[h.Step]; !seen {
			byStep[h.Step] = h.TokenOut
			steps = append(steps, h.Step)
		}
	}
	sort.Ints(steps)

	path := []string{tokenIn}
	for _, s := range steps {
		next := byStep[s]
		if next == "" || common.HexToAddress(next) == common.HexToAddress(path[len(path)-1]) {
			continue
		}
		path = append(path, next)
	}
	if common.HexToAddress(path[len(path)-1]) != common.HexToAddress(tokenOut) {
		path = append(path, tokenOut)
	}
	return path
}
