package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/tokenswipe/pkg/logging"
)

const sampleConfig = `
server:
  address: ":8080"
logging:
  level: debug
cache:
  driver: memory
  session_ttl: 12h
identity:
  client_id: ${TEST_GOOGLE_CLIENT_ID}
timeouts:
  venue: 2s
  custody: 8s
  identity: 4s
  chain: 4s
aggregator:
  epsilon: 0.05
  validity_window: 5m
venues:
  - type: static
    static:
      name: demo
      output_ratio: "0.98"
  - type: http
    http:
      name: zero-x
      base_url: https://api.0x.org
      api_key: ${TEST_ZEROX_KEY}
policy:
  enabled: true
  limits:
    max_price_impact: 10
    max_slippage_bps: 300
rate_limit:
  requests: 50
  window: 10m
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "tokenswipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":3001", cfg.Server.Address)
	assert.Equal(t, 24*time.Hour, cfg.Cache.SessionTTL)
	assert.Equal(t, 100, cfg.RateLimit.Requests)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Window)
	require.Len(t, cfg.Venues, 1)
	assert.Equal(t, VenueStatic, cfg.Venues[0].Type)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_GOOGLE_CLIENT_ID", "client-123.apps.googleusercontent.com")
	t.Setenv("TEST_ZEROX_KEY", "secret")

	cfg, err := Load(writeConfig(t, t.TempDir(), sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 12*time.Hour, cfg.Cache.SessionTTL)
	assert.Equal(t, 24*time.Hour, cfg.Cache.WalletTTL, "unset fields keep defaults")
	assert.Equal(t, "client-123.apps.googleusercontent.com", cfg.Identity.ClientID)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Venue)
	assert.Equal(t, "0.05", cfg.Aggregator.Epsilon.String())
	assert.Equal(t, 5*time.Minute, cfg.Aggregator.ValidityWindow)

	require.Len(t, cfg.Venues, 2)
	assert.Equal(t, "demo", cfg.Venues[0].Static.Name)
	assert.Equal(t, "0.98", cfg.Venues[0].Static.OutputRatio.String())
	assert.Equal(t, "secret", cfg.Venues[1].HTTP.APIKey)

	assert.Equal(t, 300, cfg.Policy.Limits.MaxSlippageBps)
	assert.Equal(t, 50, cfg.RateLimit.Requests)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("REDIS_URL", "redis://localhost:6379/2")
	t.Setenv("GOOGLE_CLIENT_ID", "from-env")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":4000", cfg.Server.Address)
	assert.Equal(t, "redis", cfg.Cache.Driver)
	assert.Equal(t, "redis://localhost:6379/2", cfg.Cache.Redis.URL)
	assert.Equal(t, "from-env", cfg.Identity.ClientID)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.Brokers)
	assert.True(t, cfg.Events.Enabled())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	cfg := Defaults()
	err := Parse([]byte("server:\n  adress: \":1\"\n"), cfg)
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, t.TempDir(), "server: [not, a, map]"))
	assert.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty address", func(c *Config) { c.Server.Address = "" }, "address is required"},
		{"unknown cache driver", func(c *Config) { c.Cache.Driver = "memcached" }, "unknown driver"},
		{"redis without target", func(c *Config) { c.Cache.Driver = "redis" }, "requires url or addr"},
		{"http custody without url", func(c *Config) { c.Custody.Driver = "http" }, "base_url"},
		{"bad router", func(c *Config) { c.Chain.Router = "router" }, "not an address"},
		{"zero chain id", func(c *Config) { c.Chain.ChainID = 0 }, "chain_id"},
		{"no venues", func(c *Config) { c.Venues = nil }, "at least one venue"},
		{"unknown venue", func(c *Config) { c.Venues = []VenueConfig{{Type: "curve"}} }, "unknown venue type"},
		{"http venue without url", func(c *Config) { c.Venues = []VenueConfig{{Type: VenueHTTP}} }, "base_url"},
		{"uniswap without router", func(c *Config) { c.Venues = []VenueConfig{{Type: VenueUniswapV2}} }, "router address"},
		{"slippage ceiling too high", func(c *Config) { c.Policy.Limits.MaxSlippageBps = 20000 }, "max_slippage_bps"},
		{"wallet outlived by session", func(c *Config) { c.Cache.WalletTTL = c.Cache.SessionTTL - time.Hour }, "shorter than session_ttl"},
		{"zero validity window", func(c *Config) { c.Aggregator.ValidityWindow = 0 }, "validity_window"},
		{"zero venue timeout", func(c *Config) { c.Timeouts.Venue = 0 }, "venue timeout"},
		{"tls without cert", func(c *Config) { c.Server.TLS.Enabled = true }, "cert_file"},
		{"brokers without topic", func(c *Config) {
			c.Events.Brokers = []string{"k:9092"}
			c.Events.Topic = ""
		}, "topic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "absent.env")))

	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("TOKENSWIPE_DOTENV_CHECK=loaded\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("TOKENSWIPE_DOTENV_CHECK") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("TOKENSWIPE_DOTENV_CHECK"))
}

func TestPolicyLoadModules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "extra.rego")
	require.NoError(t, os.WriteFile(path, []byte("package tokenswipe.swap\n"), 0o600))

	modules, err := PolicyConfig{Modules: []string{path}}.LoadModules()
	require.NoError(t, err)
	assert.Equal(t, "package tokenswipe.swap\n", modules["extra.rego"])

	_, err = PolicyConfig{Modules: []string{filepath.Join(dir, "none.rego")}}.LoadModules()
	assert.Error(t, err)
}

func TestLoaderReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "rate_limit:\n  requests: 10\n  window: 1m\n")

	loader, err := NewLoader(path, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 10, loader.Current().RateLimit.Requests)

	var seen []int
	loader.OnReload(func(c *Config) { seen = append(seen, c.RateLimit.Requests) })

	writeConfig(t, dir, "rate_limit:\n  requests: 20\n  window: 1m\n")
	require.NoError(t, loader.Reload())
	assert.Equal(t, 20, loader.Current().RateLimit.Requests)

	writeConfig(t, dir, "venues: []\n")
	assert.Error(t, loader.Reload())
	assert.Equal(t, 20, loader.Current().RateLimit.Requests, "invalid revision is discarded")
	assert.Equal(t, []int{20}, seen)
}

func TestLoaderWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "logging:\n  level: info\n")

	loader, err := NewLoader(path, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = loader.Close() })

	reloaded := make(chan string, 8)
	loader.OnReload(func(c *Config) { reloaded <- c.Logging.Level })
	require.NoError(t, loader.Watch())

	writeConfig(t, dir, "logging:\n  level: debug\n")

	select {
	case level := <-reloaded:
		assert.Equal(t, "debug", level)
	case <-time.After(5 * time.Second):
		t.Fatal("configuration was not reloaded")
	}
	assert.Equal(t, "debug", loader.Current().Logging.Level)
}

func TestLoaderCloseWithoutWatch(t *testing.T) {
	loader, err := NewLoader("", logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, loader.Watch())
	assert.NoError(t, loader.Close())
}
