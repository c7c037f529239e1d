package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies WINDARB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known WINDARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "WINDARB_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "WINDARB_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "WINDARB_WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "WINDARB_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.WsHost, "WINDARB_POLYMARKET_WS_HOST")
	setStr(&cfg.Polymarket.RPCURL, "WINDARB_POLYMARKET_RPC_URL")
	setInt(&cfg.Polymarket.ChainID, "WINDARB_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "WINDARB_POLYMARKET_SIGNATURE_TYPE")

	// ── Strategy ──
	setStringSlice(&cfg.Strategy.Assets, "WINDARB_STRATEGY_ASSETS")
	setFloat64(&cfg.Strategy.SoftEdge, "WINDARB_STRATEGY_SOFT_EDGE")
	setFloat64(&cfg.Strategy.HardEdge, "WINDARB_STRATEGY_HARD_EDGE")
	setFloat64(&cfg.Strategy.EdgeHysteresis, "WINDARB_STRATEGY_EDGE_HYSTERESIS")
	setDuration(&cfg.Strategy.MinSustained, "WINDARB_STRATEGY_MIN_SUSTAINED")
	setFloat64(&cfg.Strategy.SeedUSD, "WINDARB_STRATEGY_SEED_USD")
	setFloat64(&cfg.Strategy.DailyCapUSD, "WINDARB_STRATEGY_DAILY_CAP_USD")
	setInt(&cfg.Strategy.MaxOpenPositions, "WINDARB_STRATEGY_MAX_OPEN_POSITIONS")
	setFloat64(&cfg.Strategy.SizeUSD, "WINDARB_STRATEGY_SIZE_USD")
	setFloat64(&cfg.Strategy.MinSizeUSD, "WINDARB_STRATEGY_MIN_SIZE_USD")
	setFloat64(&cfg.Strategy.KellyFraction, "WINDARB_STRATEGY_KELLY_FRACTION")
	setDuration(&cfg.Strategy.OrderTimeout, "WINDARB_STRATEGY_ORDER_TIMEOUT")
	setDuration(&cfg.Strategy.StaleTick, "WINDARB_STRATEGY_STALE_TICK")
	setDuration(&cfg.Strategy.StaleVol, "WINDARB_STRATEGY_STALE_VOL")
	setDuration(&cfg.Strategy.LateWindowGuard, "WINDARB_STRATEGY_LATE_WINDOW_GUARD")
	setBool(&cfg.Strategy.DryRun, "WINDARB_STRATEGY_DRY_RUN")

	// ── Discovery ──
	setStr(&cfg.Discovery.GammaHost, "WINDARB_DISCOVERY_GAMMA_HOST")
	setDuration(&cfg.Discovery.WindowDuration, "WINDARB_DISCOVERY_WINDOW_DURATION")
	setDuration(&cfg.Discovery.PreDiscover, "WINDARB_DISCOVERY_PRE_DISCOVER")
	setDuration(&cfg.Discovery.RetryInterval, "WINDARB_DISCOVERY_RETRY_INTERVAL")
	setDuration(&cfg.Discovery.SettleGrace, "WINDARB_DISCOVERY_SETTLE_GRACE")
	setDuration(&cfg.Discovery.ResolutionPoll, "WINDARB_DISCOVERY_RESOLUTION_POLL")

	// ── Feeds ──
	setStringSlice(&cfg.Feeds.BinanceHosts, "WINDARB_FEEDS_BINANCE_WS")
	setStr(&cfg.Feeds.CoinbaseWS, "WINDARB_FEEDS_COINBASE_WS")
	setStr(&cfg.Feeds.KrakenWS, "WINDARB_FEEDS_KRAKEN_WS")
	setStr(&cfg.Feeds.OKXWS, "WINDARB_FEEDS_OKX_WS")
	setStr(&cfg.Feeds.DeribitWS, "WINDARB_FEEDS_DERIBIT_WS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "WINDARB_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "WINDARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "WINDARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "WINDARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "WINDARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "WINDARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "WINDARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "WINDARB_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "WINDARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "WINDARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "WINDARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "WINDARB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "WINDARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "WINDARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "WINDARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "WINDARB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "WINDARB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "WINDARB_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "WINDARB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "WINDARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "WINDARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "WINDARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "WINDARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "WINDARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "WINDARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "WINDARB_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "WINDARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "WINDARB_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "WINDARB_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "WINDARB_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "WINDARB_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "WINDARB_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "WINDARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "WINDARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "WINDARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.MinSeverity, "WINDARB_NOTIFY_MIN_SEVERITY")

	// ── Top-level ──
	setStr(&cfg.Mode, "WINDARB_MODE")
	setStr(&cfg.LogLevel, "WINDARB_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
