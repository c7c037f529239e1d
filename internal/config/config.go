// Package config defines the top-level configuration for windarb and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by WINDARB_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Strategy   StrategyConfig   `toml:"strategy"`
	Discovery  DiscoveryConfig  `toml:"discovery"`
	Feeds      FeedsConfig      `toml:"feeds"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds Ethereum wallet credentials. The private key is expected
// to arrive via environment variable or an encrypted key file, not the TOML.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
// RPCURL is the Polygon JSON-RPC endpoint used to redeem resolved positions.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	WsHost        string `toml:"ws_host"`
	RPCURL        string `toml:"rpc_url"`
	ChainID       int    `toml:"chain_id"`
	SignatureType int    `toml:"signature_type"`
}

// StrategyConfig holds the divergence strategy and risk parameters shared by
// every per-asset machine.
type StrategyConfig struct {
	Assets           []string `toml:"assets"`
	SoftEdge         float64  `toml:"soft_edge"`
	HardEdge         float64  `toml:"hard_edge"`
	EdgeHysteresis   float64  `toml:"edge_hysteresis"`
	MinSustained     duration `toml:"min_sustained"`
	SeedUSD          float64  `toml:"seed_usd"`
	DailyCapUSD      float64  `toml:"daily_cap_usd"`
	MaxOpenPositions int      `toml:"max_open_positions"`
	SizeUSD          float64  `toml:"size_usd"`
	MinSizeUSD       float64  `toml:"min_size_usd"`
	KellyFraction    float64  `toml:"kelly_fraction"`
	OrderTimeout     duration `toml:"order_timeout"`
	StaleTick        duration `toml:"stale_tick"`
	StaleVol         duration `toml:"stale_vol"`
	LateWindowGuard  duration `toml:"late_window_guard"`
	PairSumMin       float64  `toml:"pair_sum_min"`
	PairSumMax       float64  `toml:"pair_sum_max"`
	DryRun           bool     `toml:"dry_run"`
}

// DiscoveryConfig holds market discovery and window scheduling parameters.
type DiscoveryConfig struct {
	GammaHost      string   `toml:"gamma_host"`
	WindowDuration duration `toml:"window_duration"`
	PreDiscover    duration `toml:"pre_discover"`
	RetryInterval  duration `toml:"retry_interval"`
	SettleGrace    duration `toml:"settle_grace"`
	ResolutionPoll duration `toml:"resolution_poll"`
}

// FeedsConfig holds the upstream market-data endpoints. BinanceHosts is an
// ordered fallback list; the combined-stream path is derived from the asset
// list at wire time. Coinbase, Kraken, and OKX are redundant spot sources;
// an empty URL disables that exchange.
type FeedsConfig struct {
	BinanceHosts []string          `toml:"binance_ws"`
	CoinbaseWS   string            `toml:"coinbase_ws"`
	KrakenWS     string            `toml:"kraken_ws"`
	OKXWS        string            `toml:"okx_ws"`
	DeribitWS    string            `toml:"deribit_ws"`
	VolProxy     map[string]string `toml:"vol_proxy"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
	Enabled       bool   `toml:"enabled"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Enabled    bool   `toml:"enabled"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Enabled        bool   `toml:"enabled"`
}

// ServerConfig holds the status API parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string `toml:"telegram_token"`
	TelegramChatID    string `toml:"telegram_chat_id"`
	DiscordWebhookURL string `toml:"discord_webhook_url"`
	MinSeverity       string `toml:"min_severity"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:      "https://clob.polymarket.com",
			WsHost:        "wss://ws-subscriptions-clob.polymarket.com",
			RPCURL:        "https://1rpc.io/matic",
			ChainID:       137,
			SignatureType: 0,
		},
		Strategy: StrategyConfig{
			Assets:           []string{"BTC", "ETH", "SOL", "XRP"},
			SoftEdge:         0.05,
			HardEdge:         0.08,
			EdgeHysteresis:   0.01,
			MinSustained:     duration{3 * time.Second},
			SeedUSD:          1000,
			DailyCapUSD:      100,
			MaxOpenPositions: 2,
			SizeUSD:          50,
			MinSizeUSD:       1,
			KellyFraction:    0.25,
			OrderTimeout:     duration{5 * time.Second},
			StaleTick:        duration{10 * time.Second},
			StaleVol:         duration{120 * time.Second},
			LateWindowGuard:  duration{30 * time.Second},
			PairSumMin:       0.96,
			PairSumMax:       1.04,
			DryRun:           true,
		},
		Discovery: DiscoveryConfig{
			GammaHost:      "https://gamma-api.polymarket.com",
			WindowDuration: duration{5 * time.Minute},
			PreDiscover:    duration{30 * time.Second},
			RetryInterval:  duration{2 * time.Second},
			SettleGrace:    duration{60 * time.Second},
			ResolutionPoll: duration{2 * time.Second},
		},
		Feeds: FeedsConfig{
			BinanceHosts: []string{
				"wss://stream.binance.com:9443",
				"wss://stream.binance.us:9443",
			},
			CoinbaseWS: "wss://ws-feed.exchange.coinbase.com",
			KrakenWS:   "wss://ws.kraken.com/v2",
			OKXWS:      "wss://ws.okx.com:8443/ws/v5/public",
			DeribitWS:  "wss://www.deribit.com/ws/api/v2",
			VolProxy: map[string]string{
				"SOL": "BTC",
				"XRP": "BTC",
			},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "windarb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			Enabled:       true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			Enabled:    true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "windarb-data",
			UseSSL:         false,
			ForcePathStyle: true,
			Enabled:        false,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			MinSeverity: "warning",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
	"server":  true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validSeverities enumerates the accepted values for NotifyConfig.MinSeverity.
var validSeverities = map[string]bool{
	"info":     true,
	"warning":  true,
	"critical": true,
}

// tradingMode reports whether mode places (or dry-run places) orders.
func tradingMode(mode string) bool {
	return mode == "trade" || mode == "full"
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet is only required when real orders can go out.
	if tradingMode(mode) && !c.Strategy.DryRun {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for live trading")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Polymarket.RPCURL == "" {
			errs = append(errs, "polymarket: rpc_url must not be empty for live trading (redemption)")
		}
	}

	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}

	if len(c.Strategy.Assets) == 0 {
		errs = append(errs, "strategy: assets must not be empty")
	}
	if c.Strategy.SoftEdge <= 0 {
		errs = append(errs, "strategy: soft_edge must be > 0")
	}
	if c.Strategy.HardEdge < c.Strategy.SoftEdge {
		errs = append(errs, fmt.Sprintf("strategy: hard_edge (%.3f) must be >= soft_edge (%.3f)", c.Strategy.HardEdge, c.Strategy.SoftEdge))
	}
	if c.Strategy.EdgeHysteresis < 0 {
		errs = append(errs, "strategy: edge_hysteresis must be >= 0")
	}
	if c.Strategy.MinSustained.Duration <= 0 {
		errs = append(errs, "strategy: min_sustained must be > 0")
	}
	if c.Strategy.SeedUSD <= 0 {
		errs = append(errs, "strategy: seed_usd must be > 0")
	}
	if c.Strategy.DailyCapUSD <= 0 {
		errs = append(errs, "strategy: daily_cap_usd must be > 0")
	}
	if c.Strategy.MaxOpenPositions < 1 {
		errs = append(errs, "strategy: max_open_positions must be >= 1")
	}
	if c.Strategy.SizeUSD <= 0 {
		errs = append(errs, "strategy: size_usd must be > 0")
	}
	if c.Strategy.KellyFraction <= 0 || c.Strategy.KellyFraction > 1 {
		errs = append(errs, fmt.Sprintf("strategy: kelly_fraction must be in (0, 1], got %.3f", c.Strategy.KellyFraction))
	}
	if c.Strategy.OrderTimeout.Duration <= 0 {
		errs = append(errs, "strategy: order_timeout must be > 0")
	}
	if c.Strategy.StaleTick.Duration <= 0 {
		errs = append(errs, "strategy: stale_tick must be > 0")
	}
	if c.Strategy.StaleVol.Duration <= 0 {
		errs = append(errs, "strategy: stale_vol must be > 0")
	}
	if c.Strategy.PairSumMin <= 0 || c.Strategy.PairSumMax <= c.Strategy.PairSumMin {
		errs = append(errs, "strategy: pair_sum_min/pair_sum_max must form a positive band")
	}

	if c.Discovery.GammaHost == "" {
		errs = append(errs, "discovery: gamma_host must not be empty")
	}
	if c.Discovery.WindowDuration.Duration <= 0 {
		errs = append(errs, "discovery: window_duration must be > 0")
	}
	if c.Discovery.PreDiscover.Duration <= 0 {
		errs = append(errs, "discovery: pre_discover must be > 0")
	}
	if c.Discovery.PreDiscover.Duration >= c.Discovery.WindowDuration.Duration {
		errs = append(errs, "discovery: pre_discover must be shorter than window_duration")
	}
	if c.Strategy.LateWindowGuard.Duration >= c.Discovery.WindowDuration.Duration {
		errs = append(errs, "strategy: late_window_guard must be shorter than discovery.window_duration")
	}

	if tradingMode(mode) || mode == "monitor" {
		if len(c.Feeds.BinanceHosts) == 0 {
			errs = append(errs, "feeds: binance_ws must list at least one endpoint")
		}
		if c.Feeds.DeribitWS == "" {
			errs = append(errs, "feeds: deribit_ws must not be empty")
		}
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" && c.S3.Region == "" {
			errs = append(errs, "s3: endpoint or region must be set")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
			errs = append(errs, "server: rate_limit_window must be > 0 when rate_limit is set")
		}
	}

	if c.Notify.MinSeverity != "" && !validSeverities[strings.ToLower(c.Notify.MinSeverity)] {
		errs = append(errs, fmt.Sprintf("notify: unknown min_severity %q (valid: info, warning, critical)", c.Notify.MinSeverity))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
