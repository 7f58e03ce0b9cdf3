package venue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/polisai/tokenswipe/pkg/chain"
	"github.com/polisai/tokenswipe/pkg/domain"
)

// HTTPConfig configures a venue backed by a 0x-compatible swap quote API.
type HTTPConfig struct {
	Name              string  `yaml:"name"`
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	APIKeyHeader      string  `yaml:"api_key_header"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// HTTPAdapter queries GET {base}/swap/v1/quote and maps the response into a
// route candidate. Requests are paced by a token bucket. Its routes settle
// through the API's own call data, so they are priced but not signed here.
type HTTPAdapter struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	tokens  TokenLookup
}

const maxResponseBytes = 1 << 20

// NewHTTPAdapter builds an HTTP venue. A nil client selects an instrumented default.
func NewHTTPAdapter(cfg HTTPConfig, tokens TokenLookup, client *http.Client) *HTTPAdapter {
	if cfg.Name == "" {
		cfg.Name = "0x"
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "0x-api-key"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if client == nil {
		client = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPAdapter{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		tokens:  tokens,
	}
}

// Name implements domain.VenueAdapter.
func (v *HTTPAdapter) Name() string { return v.cfg.Name }

// FindRoutes implements domain.VenueAdapter.
func (v *HTTPAdapter) FindRoutes(ctx context.Context, req domain.SwapRequest) ([]domain.RouteCandidate, error) {
	in, ok := v.tokens.Lookup(req.TokenIn)
	if !ok {
		return nil, fmt.Errorf("%s: unknown token %s", v.cfg.Name, req.TokenIn)
	}
	out, ok := v.tokens.Lookup(req.TokenOut)
	if !ok {
		return nil, fmt.Errorf("%s: unknown token %s", v.cfg.Name, req.TokenOut)
	}

	if err := v.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limiter: %w", v.cfg.Name, err)
	}

	query := url.Values{}
	query.Set("sellToken", in.Address)
	query.Set("buyToken", out.Address)
	query.Set("sellAmount", chain.ToBaseUnits(req.AmountIn, in.Decimals).String())
	query.Set("slippagePercentage", decimal.New(int64(req.SlippageBps), -4).String())

	endpoint := strings.TrimRight(v.cfg.BaseURL, "/") + "/swap/v1/quote?" + query.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", v.cfg.Name, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if v.cfg.APIKey != "" {
		httpReq.Header.Set(v.cfg.APIKeyHeader, v.cfg.APIKey)
	}

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", v.cfg.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", v.cfg.Name, err)
	}

	if resp.StatusCode != http.StatusOK {
		reason := gjson.GetBytes(body, "reason").String()
		if reason == "" {
			reason = gjson.GetBytes(body, "message").String()
		}
		return nil, fmt.Errorf("%s: status %d: %s", v.cfg.Name, resp.StatusCode, reason)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s: invalid JSON response", v.cfg.Name)
	}

	return v.parseQuote(body, in, out)
}

func (v *HTTPAdapter) parseQuote(body []byte, in, out domain.Token) ([]domain.RouteCandidate, error) {
	result := gjson.ParseBytes(body)

	buyAmount, err := decimal.NewFromString(result.Get("buyAmount").String())
	if err != nil {
		return nil, fmt.Errorf("%s: bad buyAmount: %w", v.cfg.Name, err)
	}
	if !buyAmount.IsPositive() {
		return nil, nil
	}

	gas := decimalOrZero(result.Get("estimatedGas").String())
	gasPrice := decimalOrZero(result.Get("gasPrice").String())
	gasNative := chain.FromBaseUnits(gas.Mul(gasPrice), 18)

	impact := decimalOrZero(result.Get("estimatedPriceImpact").String())
	// protocolFee is denominated in native wei.
	feeNative := chain.FromBaseUnits(decimalOrZero(result.Get("protocolFee").String()), 18)

	var hops []domain.Hop
	result.Get("sources").ForEach(func(_, source gjson.Result) bool {
		proportion := decimalOrZero(source.Get("proportion").String())
		if proportion.IsPositive() {
			hops = append(hops, domain.Hop{
				Step:     0,
				Venue:    source.Get("name").String(),
				TokenIn:  in.Address,
				TokenOut: out.Address,
				Portion:  proportion.Mul(decimal.NewFromInt(100)),
			})
		}
		return true
	})
	if len(hops) == 0 || !sumPortions(hops).Equal(decimal.NewFromInt(100)) {
		hops = []domain.Hop{{Step: 0, Venue: v.cfg.Name, TokenIn: in.Address, TokenOut: out.Address, Portion: decimal.NewFromInt(100)}}
	}

	return []domain.RouteCandidate{{
		Venue:       v.cfg.Name,
		Hops:        hops,
		AmountOut:   chain.FromBaseUnits(buyAmount, out.Decimals),
		GasEstimate: gasNative.Add(feeNative),
		PriceImpact: impact,
		ProtocolFee: decimal.Zero,
		Settlement:  domain.SettlementExternal,
	}}, nil
}

func sumPortions(hops []domain.Hop) decimal.Decimal {
	sum := decimal.Zero
	for _, h := range hops {
		sum = sum.Add(h.Portion)
	}
	return sum
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
