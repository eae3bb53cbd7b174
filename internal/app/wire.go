package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/tradingbuddy/internal/blob/s3"
	"github.com/alanyoungcy/tradingbuddy/internal/cache/redis"
	"github.com/alanyoungcy/tradingbuddy/internal/config"
	"github.com/alanyoungcy/tradingbuddy/internal/crypto"
	"github.com/alanyoungcy/tradingbuddy/internal/domain"
	"github.com/alanyoungcy/tradingbuddy/internal/exchange"
	"github.com/alanyoungcy/tradingbuddy/internal/exchange/bingx"
	"github.com/alanyoungcy/tradingbuddy/internal/lifecycle"
	"github.com/alanyoungcy/tradingbuddy/internal/notify"
	"github.com/alanyoungcy/tradingbuddy/internal/server/handler"
	"github.com/alanyoungcy/tradingbuddy/internal/store/memory"
	"github.com/alanyoungcy/tradingbuddy/internal/store/postgres"
)

// Dependencies bundles every concrete implementation the run modes need.
// It is built by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	TradeStore    domain.TradeStore
	AccountStore  domain.AccountStore
	AuditStore    domain.AuditStore

	// Caches and coordination
	PriceCache domain.PriceCache
	EventBus   domain.EventBus
	EventLog   handler.EventLog
	Locker     lifecycle.Locker

	// Blob storage; nil when S3 is disabled
	BlobWriter *s3blob.Writer
	BlobReader *s3blob.Reader
	Archiver   *s3blob.Archiver

	Venues   *exchange.Registry
	Notifier *notify.Notifier

	// Checks feed /api/health.
	Checks map[string]handler.Check
}

// Wire constructs the dependencies described by cfg. Disabled backends
// fall back to in-process implementations where the mode allows it;
// Validate has already rejected the combinations that do not.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- PostgreSQL, or memory for paper runs ---
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

		box, err := crypto.NewSecretBox(cfg.Crypto.MasterPassword, cfg.Crypto.Salt, cfg.Crypto.Iterations)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: secret box: %w", err)
		}

		pool := pgClient.Pool()
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.TradeStore = postgres.NewTradeStore(pool)
		deps.AccountStore = postgres.NewAccountStore(pool, box)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	} else {
		logger.Warn("postgres disabled; positions live in memory and are lost on exit")
		mem := memory.New()
		deps.PositionStore = mem.Positions()
		deps.TradeStore = mem.Trades()
		deps.AccountStore = mem.Accounts()
		deps.AuditStore = mem.Audit()
	}

	// --- Redis, or process-local coordination ---
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

		bus := redis.NewEventBus(redisClient, logger)
		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.EventBus = bus
		deps.EventLog = bus
		deps.Locker = lifecycle.NewDistributedLocker(redis.NewLockManager(redisClient), cfg.Listener.LockTTL.Duration)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		bus := memory.NewEventBus()
		deps.PriceCache = memory.NewPriceCache()
		deps.EventBus = bus
		deps.EventLog = bus
		deps.Locker = lifecycle.NewLocalLocker()
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
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.TradeStore, deps.AuditStore, logger)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Exchange venues ---
	deps.Venues = exchange.NewRegistry(bingx.NewConnector(bingx.Config{
		RESTURL:        cfg.Exchange.RESTURL,
		StreamURL:      cfg.Exchange.StreamURL,
		RequestTimeout: cfg.Exchange.RequestTimeout.Duration,
		RecvWindow:     cfg.Exchange.RecvWindow.Duration,
		RateLimit:      cfg.Exchange.RateLimit,
		Burst:          cfg.Exchange.Burst,
	}, logger))

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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
