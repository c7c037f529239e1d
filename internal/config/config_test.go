package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	// Defaults ship with dry_run enabled, so no wallet is required.
	require.NoError(t, cfg.Validate())
}

func TestLiveTradingRequiresWallet(t *testing.T) {
	cfg := Defaults()
	cfg.Strategy.DryRun = false

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet")

	cfg.Wallet.PrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	require.NoError(t, cfg.Validate())

	// Redemption needs a Polygon RPC endpoint when trading live.
	cfg.Polymarket.RPCURL = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc_url")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.Strategy.SoftEdge = 0
	cfg.Strategy.HardEdge = -1
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "unknown mode")
	assert.Contains(t, msg, "soft_edge")
	assert.Contains(t, msg, "hard_edge")
	assert.Contains(t, msg, "redis: addr")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "monitor"
log_level = "debug"

[strategy]
assets = ["BTC"]
soft_edge = 0.04
hard_edge = 0.07
min_sustained = "5s"

[discovery]
window_duration = "15m"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, []string{"BTC"}, cfg.Strategy.Assets)
	assert.Equal(t, 0.04, cfg.Strategy.SoftEdge)
	assert.Equal(t, 5*time.Second, cfg.Strategy.MinSustained.Duration)
	assert.Equal(t, 15*time.Minute, cfg.Discovery.WindowDuration.Duration)
	// Untouched sections keep their defaults.
	assert.Equal(t, "https://clob.polymarket.com", cfg.Polymarket.ClobHost)
	assert.Equal(t, 137, cfg.Polymarket.ChainID)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = \"monitor\"\n"), 0o600))

	t.Setenv("WINDARB_MODE", "server")
	t.Setenv("WINDARB_STRATEGY_ASSETS", "BTC, ETH")
	t.Setenv("WINDARB_STRATEGY_DRY_RUN", "false")
	t.Setenv("WINDARB_WALLET_PRIVATE_KEY", "deadbeef")
	t.Setenv("WINDARB_DISCOVERY_WINDOW_DURATION", "1h")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.Strategy.Assets)
	assert.False(t, cfg.Strategy.DryRun)
	assert.Equal(t, "deadbeef", cfg.Wallet.PrivateKey)
	assert.Equal(t, time.Hour, cfg.Discovery.WindowDuration.Duration)
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "supersecret"
	cfg.Postgres.Password = "pgpass"
	cfg.Server.APIKey = "apikey"
	cfg.Notify.TelegramToken = "tok"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Wallet.PrivateKey)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	// Originals are untouched.
	assert.Equal(t, "supersecret", cfg.Wallet.PrivateKey)

	// Mutating the copy's slices must not leak back.
	red.Strategy.Assets[0] = "DOGE"
	assert.NotEqual(t, "DOGE", cfg.Strategy.Assets[0])
}

func TestDurationRoundTrip(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))

	require.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}

func TestValidateLateGuardAgainstWindow(t *testing.T) {
	cfg := Defaults()
	cfg.Strategy.LateWindowGuard = duration{10 * time.Minute}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "late_window_guard"))
}
