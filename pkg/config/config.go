// Package config loads the service configuration from YAML, with ${VAR}
// expansion, an optional .env file and a small set of environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/polisai/tokenswipe/internal/governance"
	tlsx "github.com/polisai/tokenswipe/internal/tls"
	"github.com/polisai/tokenswipe/pkg/cache"
	"github.com/polisai/tokenswipe/pkg/custody"
	"github.com/polisai/tokenswipe/pkg/domain"
	"github.com/polisai/tokenswipe/pkg/events"
	"github.com/polisai/tokenswipe/pkg/identity"
	"github.com/polisai/tokenswipe/pkg/logging"
	"github.com/polisai/tokenswipe/pkg/policy"
	"github.com/polisai/tokenswipe/pkg/telemetry"
	"github.com/polisai/tokenswipe/pkg/tokens"
	"github.com/polisai/tokenswipe/pkg/venue"
)

// Config holds the global configuration for the service.
type Config struct {
	Server     ServerConfig                    `yaml:"server"`
	Logging    logging.Config                  `yaml:"logging"`
	Telemetry  telemetry.Config                `yaml:"telemetry"`
	Cache      CacheConfig                     `yaml:"cache"`
	Identity   identity.GoogleConfig           `yaml:"identity"`
	Custody    CustodyConfig                   `yaml:"custody"`
	Chain      ChainConfig                     `yaml:"chain"`
	Timeouts   governance.TimeoutConfig        `yaml:"timeouts"`
	Breaker    governance.CircuitBreakerConfig `yaml:"circuit_breaker"`
	Aggregator AggregatorConfig                `yaml:"aggregator"`
	Venues     []VenueConfig                   `yaml:"venues"`
	Tokens     []domain.Token                  `yaml:"tokens"`
	Policy     PolicyConfig                    `yaml:"policy"`
	Events     events.KafkaConfig              `yaml:"events"`
	RateLimit  governance.RateLimiterConfig    `yaml:"rate_limit"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             tlsx.Config   `yaml:"tls"`
}

// CacheConfig selects the session and wallet store.
type CacheConfig struct {
	Driver     string            `yaml:"driver"` // memory | redis
	Redis      cache.RedisConfig `yaml:"redis"`
	SessionTTL time.Duration     `yaml:"session_ttl"`
	WalletTTL  time.Duration     `yaml:"wallet_ttl"`
}

// CustodyConfig selects the custody provider.
type CustodyConfig struct {
	Driver string             `yaml:"driver"` // local | http
	HTTP   custody.HTTPConfig `yaml:"http"`
}

// ChainConfig describes the target chain and router contract.
type ChainConfig struct {
	RPCURL        string `yaml:"rpc_url"`
	ChainID       int64  `yaml:"chain_id"`
	Router        string `yaml:"router"`
	NativeWrapped string `yaml:"native_wrapped"`
	GasLimit      uint64 `yaml:"gas_limit"`
}

// AggregatorConfig controls best-quote selection.
type AggregatorConfig struct {
	Epsilon        decimal.Decimal `yaml:"epsilon"`
	ValidityWindow time.Duration   `yaml:"validity_window"`
}

// Venue adapter types.
const (
	VenueStatic    = "static"
	VenueHTTP      = "http"
	VenueUniswapV2 = "uniswap-v2"
)

// VenueConfig configures one adapter. Only the block matching Type is read.
type VenueConfig struct {
	Type      string                `yaml:"type"`
	Static    venue.StaticConfig    `yaml:"static"`
	HTTP      venue.HTTPConfig      `yaml:"http"`
	UniswapV2 venue.UniswapV2Config `yaml:"uniswap_v2"`
}

// PolicyConfig configures the pre-sign guard.
type PolicyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Limits  policy.Limits `yaml:"limits"`
	// Modules lists additional rego files evaluated alongside the built-in module.
	Modules []string `yaml:"modules"`
}

// LoadModules reads the extra rego modules, keyed by file name.
func (p PolicyConfig) LoadModules() (map[string]string, error) {
	modules := make(map[string]string, len(p.Modules))
	for _, path := range p.Modules {
		// #nosec G304 -- module paths come from operator configuration
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy module %s: %w", path, err)
		}
		modules[filepath.Base(path)] = string(data)
	}
	return modules, nil
}

// Defaults returns the configuration used for unset fields.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":3001",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:   logging.Config{Level: "info"},
		Telemetry: telemetry.Config{ServiceName: "tokenswipe"},
		Cache: CacheConfig{
			Driver:     "memory",
			SessionTTL: 24 * time.Hour,
			WalletTTL:  24 * time.Hour,
		},
		Identity: identity.GoogleConfig{RefreshInterval: time.Hour},
		Custody:  CustodyConfig{Driver: "local"},
		Chain: ChainConfig{
			ChainID:       tokens.BaseChainID,
			Router:        "0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24",
			NativeWrapped: tokens.WETHAddress,
			GasLimit:      350000,
		},
		Timeouts: governance.DefaultTimeoutConfig(),
		Breaker:  governance.DefaultCircuitBreakerConfig(),
		Aggregator: AggregatorConfig{
			Epsilon:        decimal.RequireFromString("0.01"),
			ValidityWindow: 600 * time.Second,
		},
		Venues:    []VenueConfig{{Type: VenueStatic, Static: venue.DefaultStaticConfig()}},
		Policy:    PolicyConfig{Enabled: true, Limits: policy.DefaultLimits()},
		Events:    events.KafkaConfig{Topic: "tokenswipe.swaps", WriteTimeout: 5 * time.Second},
		RateLimit: governance.DefaultRateLimiterConfig(),
	}
}

// LoadDotEnv loads a .env file into the process environment. A missing file
// is not an error; existing variables are not overridden.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from a file and applies environment variable
// overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse expands ${VAR} references and decodes YAML over cfg. Unknown keys
// are rejected.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("PORT"); val != "" {
		cfg.Server.Address = ":" + val
	}
	if val := os.Getenv("TOKENSWIPE_LISTEN_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("TOKENSWIPE_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("TOKENSWIPE_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.Endpoint = val
	}
	if val := os.Getenv("REDIS_URL"); val != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.URL = val
	}
	if val := os.Getenv("GOOGLE_CLIENT_ID"); val != "" {
		cfg.Identity.ClientID = val
	}
	if val := os.Getenv("BASE_RPC_URL"); val != "" {
		cfg.Chain.RPCURL = val
	}
	if val := os.Getenv("CUSTODY_API_KEY"); val != "" {
		cfg.Custody.HTTP.APIKey = val
	}
	if val := os.Getenv("KAFKA_BROKERS"); val != "" {
		cfg.Events.Brokers = strings.Split(val, ",")
	}
}

// Validate performs comprehensive validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache configuration: %w", err)
	}
	if err := c.Custody.Validate(); err != nil {
		return fmt.Errorf("custody configuration: %w", err)
	}
	if err := c.Chain.Validate(); err != nil {
		return fmt.Errorf("chain configuration: %w", err)
	}
	if err := c.Timeouts.Validate(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	if err := c.Aggregator.Validate(); err != nil {
		return fmt.Errorf("aggregator configuration: %w", err)
	}
	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue is required")
	}
	for i, v := range c.Venues {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("venues[%d]: %w", i, err)
		}
	}
	if c.Policy.Limits.MaxSlippageBps < 0 || c.Policy.Limits.MaxSlippageBps > domain.MaxSlippageBps {
		return fmt.Errorf("policy: max_slippage_bps must be between 0 and %d", domain.MaxSlippageBps)
	}
	if c.Policy.Limits.MaxPriceImpact < 0 {
		return fmt.Errorf("policy: max_price_impact must not be negative")
	}
	if c.Events.Enabled() && strings.TrimSpace(c.Events.Topic) == "" {
		return fmt.Errorf("events: topic is required when brokers are set")
	}
	if c.RateLimit.Requests < 0 || c.RateLimit.Window < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	return nil
}

// Validate checks the listener settings.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return fmt.Errorf("address is required")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return c.TLS.Validate()
}

// Validate checks the cache driver.
func (c *CacheConfig) Validate() error {
	switch c.Driver {
	case "memory":
	case "redis":
		if c.Redis.URL == "" && c.Redis.Addr == "" {
			return fmt.Errorf("redis driver requires url or addr")
		}
	default:
		return fmt.Errorf("unknown driver %q", c.Driver)
	}
	if c.SessionTTL <= 0 || c.WalletTTL <= 0 {
		return fmt.Errorf("session_ttl and wallet_ttl must be positive")
	}
	// Sign-in renews the wallet record, so it must live as long as the session.
	if c.WalletTTL < c.SessionTTL {
		return fmt.Errorf("wallet_ttl %s is shorter than session_ttl %s", c.WalletTTL, c.SessionTTL)
	}
	return nil
}

// Validate checks the custody driver.
func (c *CustodyConfig) Validate() error {
	switch c.Driver {
	case "local":
		return nil
	case "http":
		if c.HTTP.BaseURL == "" {
			return fmt.Errorf("http driver requires base_url")
		}
		return nil
	default:
		return fmt.Errorf("unknown driver %q", c.Driver)
	}
}

// Validate checks chain identifiers and addresses.
func (c *ChainConfig) Validate() error {
	if c.ChainID <= 0 {
		return fmt.Errorf("chain_id must be positive")
	}
	if !common.IsHexAddress(c.Router) {
		return fmt.Errorf("router %q is not an address", c.Router)
	}
	if !common.IsHexAddress(c.NativeWrapped) {
		return fmt.Errorf("native_wrapped %q is not an address", c.NativeWrapped)
	}
	return nil
}

// Validate checks selection settings.
func (c *AggregatorConfig) Validate() error {
	if c.Epsilon.IsNegative() {
		return fmt.Errorf("epsilon must not be negative")
	}
	if c.ValidityWindow <= 0 {
		return fmt.Errorf("validity_window must be positive")
	}
	return nil
}

// Validate checks the adapter type and its required fields.
func (v *VenueConfig) Validate() error {
	switch v.Type {
	case VenueStatic:
		return nil
	case VenueHTTP:
		if v.HTTP.BaseURL == "" {
			return fmt.Errorf("http venue requires base_url")
		}
		return nil
	case VenueUniswapV2:
		if !common.IsHexAddress(v.UniswapV2.Router) {
			return fmt.Errorf("uniswap-v2 venue requires a router address")
		}
		return nil
	default:
		return fmt.Errorf("unknown venue type %q", v.Type)
	}
}
