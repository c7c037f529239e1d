package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/quantfold/windarb/internal/blob/s3"
	"github.com/quantfold/windarb/internal/cache/redis"
	"github.com/quantfold/windarb/internal/config"
	"github.com/quantfold/windarb/internal/domain"
	"github.com/quantfold/windarb/internal/notify"
	"github.com/quantfold/windarb/internal/server/middleware"
	"github.com/quantfold/windarb/internal/store/postgres"
)

// Dependencies bundles the infrastructure adapters the application modes
// build on. Every field may be nil when the corresponding backend is
// disabled; the trading loop degrades to in-memory operation.
type Dependencies struct {
	// TradeStore persists the trade journal. Nil without Postgres.
	TradeStore domain.TradeStore

	// SettledTrades is the concrete store, kept for the archive job's
	// day-partitioned listing. Nil without Postgres.
	SettledTrades *postgres.TradeStore

	// PriceCache mirrors the latest observations. Nil without Redis.
	PriceCache domain.PriceCache

	// AlertStream is the durable alert fan-out. Nil without Redis.
	AlertStream *redis.AlertStream

	// Limiter backs the API rate limit. Nil without Redis.
	Limiter middleware.Limiter

	// Archiver writes daily JSONL snapshots. Nil without S3.
	Archiver *s3blob.Archiver

	// Notifier pushes alerts to chat channels. Nil when none are configured.
	Notifier *notify.Notifier
}

// Wire constructs the configured infrastructure adapters and returns them
// together with a cleanup function that must be called on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		store := postgres.NewTradeStore(pgClient.Pool())
		deps.TradeStore = store
		deps.SettledTrades = store
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.AlertStream = redis.NewAlertStream(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewBlob(s3Client), logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, domain.AlertSeverity(cfg.Notify.MinSeverity), logger)
	}

	return deps, cleanup, nil
}
