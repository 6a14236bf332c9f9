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
// built-in defaults, applies PERPBOT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known PERPBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are meant to arrive this way rather than through the file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ── (first slot only; more slots are a TOML concern)
	if len(cfg.Engines) > 0 {
		e := &cfg.Engines[0]
		setStr(&e.Strategy, "PERPBOT_ENGINE_STRATEGY")
		setStr(&e.Symbol, "PERPBOT_ENGINE_SYMBOL")
		setFloat64(&e.Capital, "PERPBOT_ENGINE_CAPITAL")
		setFloat64(&e.TradeCap, "PERPBOT_ENGINE_TRADE_CAP")
		setFloat64(&e.Leverage, "PERPBOT_ENGINE_LEVERAGE")
		setBool(&e.Live, "PERPBOT_ENGINE_LIVE")
		setFloat64(&e.TakeProfitPct, "PERPBOT_ENGINE_TAKE_PROFIT_PCT")
		setFloat64(&e.StopLossPct, "PERPBOT_ENGINE_STOP_LOSS_PCT")
		setFloat64(&e.TrailingPct, "PERPBOT_ENGINE_TRAILING_PCT")
	}

	// ── Candle ──
	setDuration(&cfg.Candle.Period, "PERPBOT_CANDLE_PERIOD")
	setInt(&cfg.Candle.Retain, "PERPBOT_CANDLE_RETAIN")
	setInt(&cfg.Candle.Batch, "PERPBOT_CANDLE_BATCH")
	setDuration(&cfg.Candle.FlushInterval, "PERPBOT_CANDLE_FLUSH_INTERVAL")

	// ── Exchange ──
	setStr(&cfg.Exchange.BaseURL, "PERPBOT_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.StreamURL, "PERPBOT_EXCHANGE_STREAM_URL")
	setStr(&cfg.Exchange.APIKey, "PERPBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "PERPBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.EncryptedSecretPath, "PERPBOT_EXCHANGE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Exchange.SecretPassword, "PERPBOT_EXCHANGE_SECRET_PASSWORD")
	setDuration(&cfg.Exchange.RecvWindow, "PERPBOT_EXCHANGE_RECV_WINDOW")
	setInt(&cfg.Exchange.OrdersPerSecond, "PERPBOT_EXCHANGE_ORDERS_PER_SECOND")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "PERPBOT_LEDGER_BACKEND")
	setStr(&cfg.Ledger.Path, "PERPBOT_LEDGER_PATH")
	setStr(&cfg.Ledger.Key, "PERPBOT_LEDGER_KEY")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "PERPBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "PERPBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "PERPBOT_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "PERPBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PERPBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PERPBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PERPBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PERPBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PERPBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PERPBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PERPBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PERPBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PERPBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PERPBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "PERPBOT_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.PriceTTL, "PERPBOT_REDIS_PRICE_TTL")
	setBool(&cfg.Redis.Commands, "PERPBOT_REDIS_COMMANDS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PERPBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PERPBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PERPBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PERPBOT_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "PERPBOT_S3_PREFIX")
	setBool(&cfg.S3.ArchiveBars, "PERPBOT_S3_ARCHIVE_BARS")

	// ── ClickHouse ──
	setBool(&cfg.ClickHouse.Enabled, "PERPBOT_CLICKHOUSE_ENABLED")
	setStr(&cfg.ClickHouse.Addr, "PERPBOT_CLICKHOUSE_ADDR")
	setStr(&cfg.ClickHouse.Database, "PERPBOT_CLICKHOUSE_DATABASE")
	setStr(&cfg.ClickHouse.Table, "PERPBOT_CLICKHOUSE_TABLE")
	setStr(&cfg.ClickHouse.User, "PERPBOT_CLICKHOUSE_USER")
	setStr(&cfg.ClickHouse.Password, "PERPBOT_CLICKHOUSE_PASSWORD")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PERPBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PERPBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PERPBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PERPBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PERPBOT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "PERPBOT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PERPBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PERPBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PERPBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PERPBOT_NOTIFY_EVENTS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "PERPBOT_METRICS_ENABLED")

	// ── Top-level ──
	setStr(&cfg.Mode, "PERPBOT_MODE")
	setStr(&cfg.LogLevel, "PERPBOT_LOG_LEVEL")
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
