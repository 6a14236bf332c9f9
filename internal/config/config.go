// Package config defines the top-level configuration for the perpetual
// futures bot and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PERPBOT_* environment variables.
type Config struct {
	Engines     []EngineConfig              `toml:"engine"`
	Candle      CandleConfig                `toml:"candle"`
	Instruments map[string]InstrumentConfig `toml:"instruments"`
	Exchange    ExchangeConfig              `toml:"exchange"`
	Ledger      LedgerConfig                `toml:"ledger"`
	Postgres    PostgresConfig              `toml:"postgres"`
	Redis       RedisConfig                 `toml:"redis"`
	S3          S3Config                    `toml:"s3"`
	ClickHouse  ClickHouseConfig            `toml:"clickhouse"`
	Server      ServerConfig                `toml:"server"`
	Notify      NotifyConfig                `toml:"notify"`
	Metrics     MetricsConfig               `toml:"metrics"`
	Mode        string                      `toml:"mode"`
	LogLevel    string                      `toml:"log_level"`
}

// EngineConfig describes one strategy slot. Each slot runs its own position
// engine on one symbol.
type EngineConfig struct {
	Strategy      string  `toml:"strategy"`
	Symbol        string  `toml:"symbol"`
	Capital       float64 `toml:"capital"`
	TradeCap      float64 `toml:"trade_cap"`
	Leverage      float64 `toml:"leverage"`
	Live          bool    `toml:"live"`
	TakeProfitPct float64 `toml:"take_profit_pct"`
	StopLossPct   float64 `toml:"stop_loss_pct"`
	TrailingPct   float64 `toml:"trailing_pct"`
}

// HasTPSL reports whether explicit exit levels are configured.
func (e EngineConfig) HasTPSL() bool {
	return e.TakeProfitPct > 0 || e.StopLossPct > 0
}

// CandleConfig controls bar aggregation and bar persistence batching.
type CandleConfig struct {
	Period        duration `toml:"period"`
	Retain        int      `toml:"retain"`
	Batch         int      `toml:"batch"`
	FlushInterval duration `toml:"flush_interval"`
}

// InstrumentConfig extends or overrides the built-in precision table.
type InstrumentConfig struct {
	QtyPrecision   int32 `toml:"qty_precision"`
	PricePrecision int32 `toml:"price_precision"`
}

// ExchangeConfig holds the venue endpoints and API credentials. The secret
// comes either in the clear or from a file sealed with a password.
type ExchangeConfig struct {
	BaseURL             string   `toml:"base_url"`
	StreamURL           string   `toml:"stream_url"`
	APIKey              string   `toml:"api_key"`
	APISecret           string   `toml:"api_secret"`
	EncryptedSecretPath string   `toml:"encrypted_secret_path"`
	SecretPassword      string   `toml:"secret_password"`
	RecvWindow          duration `toml:"recv_window"`
	OrdersPerSecond     int      `toml:"orders_per_second"`
}

// Credentialed reports whether any API secret source is configured.
func (e ExchangeConfig) Credentialed() bool {
	return e.APIKey != "" && (e.APISecret != "" || e.EncryptedSecretPath != "")
}

// LedgerConfig picks where position records are kept.
type LedgerConfig struct {
	Backend string `toml:"backend"` // file | postgres | s3
	Path    string `toml:"path"`
	Key     string `toml:"key"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"sslmode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters and the features riding on it.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	PriceTTL   duration `toml:"price_ttl"`
	Commands   bool     `toml:"commands"`
}

// S3Config holds S3-compatible object storage settings.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
	ArchiveBars    bool   `toml:"archive_bars"`
}

// ClickHouseConfig holds the bar sink connection.
type ClickHouseConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Database string `toml:"database"`
	Table    string `toml:"table"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP API server settings.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Candle: CandleConfig{
			Period:        duration{time.Minute},
			Retain:        1000,
			Batch:         60,
			FlushInterval: duration{5 * time.Minute},
		},
		Exchange: ExchangeConfig{
			BaseURL:         "https://fapi.binance.com",
			StreamURL:       "wss://fstream.binance.com/ws",
			RecvWindow:      duration{10 * time.Second},
			OrdersPerSecond: 5,
		},
		Ledger: LedgerConfig{
			Backend: "file",
			Path:    "data/positions.json",
			Key:     "ledger/positions.json",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "perpbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "perpbot",
			PriceTTL:   duration{time.Minute},
			Commands:   true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "perpbot-data",
			ForcePathStyle: true,
			Prefix:         "archive",
		},
		ClickHouse: ClickHouseConfig{
			Addr:     "localhost:9000",
			Database: "perpbot",
			Table:    "bars",
			User:     "default",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "position_unopened", "error"},
		},
		Metrics:  MetricsConfig{Enabled: true},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// InstrumentTable merges the configured instruments over the built-in table.
// Symbols are matched case-insensitively.
func (c *Config) InstrumentTable() domain.InstrumentTable {
	table := domain.DefaultInstruments()
	for sym, inst := range c.Instruments {
		table[strings.ToUpper(sym)] = domain.Instrument{
			QtyPrecision:   inst.QtyPrecision,
			PricePrecision: inst.PricePrecision,
		}
	}
	return table
}

// Symbols returns the distinct symbols of the configured engines in order.
func (c *Config) Symbols() []string {
	seen := make(map[string]bool, len(c.Engines))
	var out []string
	for _, e := range c.Engines {
		sym := strings.ToUpper(e.Symbol)
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}

// LiveTrading reports whether any engine sends real orders.
func (c *Config) LiveTrading() bool {
	for _, e := range c.Engines {
		if e.Live {
			return true
		}
	}
	return false
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLedgers = map[string]bool{
	"file":     true,
	"postgres": true,
	"s3":       true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engines
	if len(c.Engines) == 0 {
		errs = append(errs, "engine: at least one [[engine]] entry is required")
	}
	instruments := c.InstrumentTable()
	strategies := make(map[string]bool, len(c.Engines))
	for i, e := range c.Engines {
		where := fmt.Sprintf("engine[%d]", i)
		if e.Strategy == "" {
			errs = append(errs, where+": strategy must not be empty")
		} else if strategies[e.Strategy] {
			errs = append(errs, fmt.Sprintf("%s: duplicate strategy %q", where, e.Strategy))
		}
		strategies[e.Strategy] = true
		if _, err := instruments.Lookup(strings.ToUpper(e.Symbol)); err != nil {
			errs = append(errs, fmt.Sprintf("%s: unknown symbol %q (add it under [instruments])", where, e.Symbol))
		}
		if e.Capital <= 0 {
			errs = append(errs, where+": capital must be > 0")
		}
		if e.TradeCap < 0 {
			errs = append(errs, where+": trade_cap must be >= 0")
		}
		if e.Leverage < 0 {
			errs = append(errs, where+": leverage must be >= 0")
		}
		if e.TakeProfitPct < 0 || e.StopLossPct < 0 || e.TrailingPct < 0 {
			errs = append(errs, where+": take_profit_pct, stop_loss_pct and trailing_pct must be >= 0")
		}
	}

	// Candles
	if c.Candle.Period.Duration < time.Second {
		errs = append(errs, "candle: period must be at least 1s")
	}
	if c.Candle.Retain < 1 {
		errs = append(errs, "candle: retain must be >= 1")
	}

	// Exchange: live engines need signed access.
	if c.Exchange.BaseURL == "" {
		errs = append(errs, "exchange: base_url must not be empty")
	}
	if c.Exchange.StreamURL == "" {
		errs = append(errs, "exchange: stream_url must not be empty")
	}
	if c.LiveTrading() && strings.EqualFold(c.Mode, "trade") {
		if c.Exchange.APIKey == "" {
			errs = append(errs, "exchange: api_key is required for live engines")
		}
		if c.Exchange.APISecret == "" && c.Exchange.EncryptedSecretPath == "" {
			errs = append(errs, "exchange: either api_secret or encrypted_secret_path must be set for live engines")
		}
	}
	if c.Exchange.EncryptedSecretPath != "" && c.Exchange.SecretPassword == "" {
		errs = append(errs, "exchange: secret_password is required when encrypted_secret_path is set")
	}

	// Ledger
	backend := strings.ToLower(c.Ledger.Backend)
	if !validLedgers[backend] {
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: file, postgres, s3)", c.Ledger.Backend))
	}
	switch backend {
	case "file":
		if c.Ledger.Path == "" {
			errs = append(errs, "ledger: path must not be empty for the file backend")
		}
	case "postgres":
		if !c.Postgres.Enabled {
			errs = append(errs, "ledger: the postgres backend requires postgres.enabled")
		}
	case "s3":
		if !c.S3.Enabled {
			errs = append(errs, "ledger: the s3 backend requires s3.enabled")
		}
		if c.Ledger.Key == "" {
			errs = append(errs, "ledger: key must not be empty for the s3 backend")
		}
	}

	// Postgres
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
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// ClickHouse
	if c.ClickHouse.Enabled {
		if c.ClickHouse.Addr == "" {
			errs = append(errs, "clickhouse: addr must not be empty")
		}
		if c.ClickHouse.Table == "" {
			errs = append(errs, "clickhouse: table must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be positive when rate_limit is set")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
