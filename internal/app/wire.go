package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/perpbot/internal/blob/s3"
	"github.com/alanyoungcy/perpbot/internal/cache/redis"
	"github.com/alanyoungcy/perpbot/internal/config"
	"github.com/alanyoungcy/perpbot/internal/crypto"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
	"github.com/alanyoungcy/perpbot/internal/notify"
	"github.com/alanyoungcy/perpbot/internal/platform/binance"
	"github.com/alanyoungcy/perpbot/internal/server/handler"
	"github.com/alanyoungcy/perpbot/internal/store/clickhouse"
	"github.com/alanyoungcy/perpbot/internal/store/file"
	"github.com/alanyoungcy/perpbot/internal/store/postgres"
)

// Dependencies bundles every backend the application modes need. Optional
// backends stay nil when their section is disabled. It is constructed by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	Instruments domain.InstrumentTable

	// Exchange
	Gateway *binance.Client // nil without credentials
	Stream  *binance.WSClient

	// Persistence
	Ledger  domain.Ledger
	Audit   domain.AuditStore
	BarSink domain.BarSink

	// Redis
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Archiver domain.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Health probes keyed by backend name.
	Checks map[string]handler.Pinger
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{
		Instruments: cfg.InstrumentTable(),
		Checks:      map[string]handler.Pinger{},
	}

	// --- Metrics ---
	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New()
	}

	// --- PostgreSQL ---
	var pgClient *postgres.Client
	if cfg.Postgres.Enabled {
		var err error
		pgClient, err = postgres.New(ctx, postgres.ClientConfig{
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
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.Audit = postgres.NewAuditStore(pgClient.Pool())
		deps.Checks["postgres"] = pgClient
	}

	// --- Redis ---
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		var err error
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Exchange.OrdersPerSecond, time.Second)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient
	}

	// --- S3 blob storage ---
	var objects *s3blob.Objects
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
			return fail("s3", err)
		}
		objects = s3blob.NewObjects(s3Client)
		deps.Archiver = s3blob.NewArchiver(objects, cfg.S3.Prefix)
		deps.Checks["s3"] = pingFunc(s3Client.Health)
	}

	// --- ClickHouse bar sink ---
	if cfg.ClickHouse.Enabled {
		bars, err := clickhouse.New(ctx, clickhouse.Config{
			Addr:     cfg.ClickHouse.Addr,
			Database: cfg.ClickHouse.Database,
			Table:    cfg.ClickHouse.Table,
			User:     cfg.ClickHouse.User,
			Password: cfg.ClickHouse.Password,
		})
		if err != nil {
			return fail("clickhouse", err)
		}
		closers = append(closers, func() { _ = bars.Close() })
		deps.BarSink = bars
		deps.Checks["clickhouse"] = bars
	}

	// --- Ledger ---
	switch strings.ToLower(cfg.Ledger.Backend) {
	case "postgres":
		deps.Ledger = postgres.NewLedgerStore(pgClient.Pool())
	case "s3":
		deps.Ledger = s3blob.NewLedger(objects, cfg.Ledger.Key)
	default:
		deps.Ledger = file.NewLedger(cfg.Ledger.Path)
	}

	// --- Exchange ---
	var opts []binance.Option
	opts = append(opts,
		binance.WithRecvWindow(cfg.Exchange.RecvWindow.Duration),
		binance.WithInstruments(deps.Instruments),
	)
	if deps.RateLimiter != nil {
		opts = append(opts, binance.WithRateLimiter(deps.RateLimiter))
	}
	if cfg.Exchange.Credentialed() {
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			RawSecret:     cfg.Exchange.APISecret,
			EncryptedPath: cfg.Exchange.EncryptedSecretPath,
			Password:      cfg.Exchange.SecretPassword,
		})
		if err != nil {
			return fail("exchange secret", err)
		}
		deps.Gateway = binance.NewClient(cfg.Exchange.BaseURL,
			&crypto.HMACAuth{Key: cfg.Exchange.APIKey, Secret: secret}, opts...)
		deps.Checks["exchange"] = deps.Gateway
	}
	deps.Stream = binance.NewWSClient(cfg.Exchange.StreamURL, logger)
	closers = append(closers, func() { _ = deps.Stream.Close() })

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
