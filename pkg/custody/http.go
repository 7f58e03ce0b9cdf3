package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/tokenswipe/pkg/domain"
)

// HTTPConfig configures the remote custody API client.
type HTTPConfig struct {
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	APIKeyHeader string `yaml:"api_key_header"`
	ChainID      int64  `yaml:"chain_id"`
}

// HTTPProvider talks to an MPC custody service over REST.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPProvider builds a custody client. A nil client selects an instrumented default.
func NewHTTPProvider(cfg HTTPConfig, client *http.Client) *HTTPProvider {
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if client == nil {
		client = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPProvider{cfg: cfg, client: client}
}

type createWalletRequest struct {
	UserID  string `json:"userId"`
	ChainID int64  `json:"chainId"`
}

type createWalletResponse struct {
	WalletID  string    `json:"walletId"`
	Address   string    `json:"address"`
	PublicKey string    `json:"publicKey"`
	ChainID   int64     `json:"chainId"`
	CreatedAt time.Time `json:"createdAt"`
}

type signRequest struct {
	ChainID  int64         `json:"chainId"`
	From     string        `json:"from"`
	To       string        `json:"to"`
	Value    string        `json:"value"`
	Data     hexutil.Bytes `json:"data"`
	GasLimit uint64        `json:"gasLimit"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateWallet implements domain.CustodyProvider. The user id doubles as the
// idempotency key so the provider returns the existing wallet on repeats.
func (p *HTTPProvider) CreateWallet(ctx context.Context, userID string) (domain.WalletRecord, error) {
	var resp createWalletResponse
	err := p.do(ctx, http.MethodPost, "/wallets", userID, createWalletRequest{UserID: userID, ChainID: p.cfg.ChainID}, &resp)
	if err != nil {
		return domain.WalletRecord{}, err
	}
	return p.record(userID, resp)
}

// FindWallet implements domain.CustodyProvider with GET /users/{id}/wallet.
// A 404 means the user has no wallet.
func (p *HTTPProvider) FindWallet(ctx context.Context, userID string) (domain.WalletRecord, error) {
	var resp createWalletResponse
	err := p.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/wallet", "", nil, &resp)
	if err != nil {
		return domain.WalletRecord{}, err
	}
	return p.record(userID, resp)
}

func (p *HTTPProvider) record(userID string, resp createWalletResponse) (domain.WalletRecord, error) {
	if resp.Address == "" || resp.WalletID == "" {
		return domain.WalletRecord{}, fmt.Errorf("%w: incomplete wallet response", domain.ErrProviderUnavailable)
	}

	record := domain.WalletRecord{
		UserID:    userID,
		Address:   resp.Address,
		CustodyID: resp.WalletID,
		PublicKey: resp.PublicKey,
		ChainID:   resp.ChainID,
		CreatedAt: resp.CreatedAt,
	}
	if record.ChainID == 0 {
		record.ChainID = p.cfg.ChainID
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return record, nil
}

// Sign implements domain.CustodyProvider.
func (p *HTTPProvider) Sign(ctx context.Context, custodyID string, envelope domain.TxEnvelope) (domain.SignedTx, error) {
	value := "0"
	if envelope.Value != nil {
		value = envelope.Value.String()
	}
	body := signRequest{
		ChainID:  envelope.ChainID,
		From:     envelope.From,
		To:       envelope.To,
		Value:    value,
		Data:     envelope.Data,
		GasLimit: envelope.GasLimit,
	}

	var signed domain.SignedTx
	path := "/wallets/" + url.PathEscape(custodyID) + "/sign"
	if err := p.do(ctx, http.MethodPost, path, uuid.NewString(), body, &signed); err != nil {
		return domain.SignedTx{}, err
	}
	if signed.RawTransaction == "" {
		return domain.SignedTx{}, fmt.Errorf("%w: empty signature response", domain.ErrSigningRejected)
	}
	return signed, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path, idempotencyKey string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode custody request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("build custody request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if p.cfg.APIKey != "" {
		req.Header.Set(p.cfg.APIKeyHeader, p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return domain.ErrWalletNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: custody status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var apiErr apiError
		_ = json.Unmarshal(raw, &apiErr)
		return fmt.Errorf("%w: custody status %d: %s %s", domain.ErrSigningRejected, resp.StatusCode, apiErr.Code, apiErr.Message)
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrProviderUnavailable, err)
	}
	return nil
}
