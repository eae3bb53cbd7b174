// Package config defines the process configuration: a TOML file merged over
// Defaults, then TB_* environment overrides, then Validate.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Run modes.
const (
	ModeFull      = "full"
	ModeListeners = "listeners"
	ModePoller    = "poller"
)

// Config is the root configuration structure.
type Config struct {
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Exchange ExchangeConfig `toml:"exchange"`
	Listener ListenerConfig `toml:"listener"`
	Poller   PollerConfig   `toml:"poller"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Crypto   CryptoConfig   `toml:"crypto"`
}

// PostgresConfig holds the database connection. When disabled every store
// lives in process memory, which only suits paper runs in full mode.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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
}

// RedisConfig holds the connection used for cross-process locks, the price
// cache and the lifecycle event bus.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds the object store for trade charts and archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ExchangeConfig tunes the BingX connector.
type ExchangeConfig struct {
	RESTURL        string   `toml:"rest_url"`
	StreamURL      string   `toml:"stream_url"`
	RecvWindow     duration `toml:"recv_window"`
	RequestTimeout duration `toml:"request_timeout"`
	// RateLimit is requests per second shared by all accounts.
	RateLimit float64 `toml:"rate_limit"`
	Burst     int     `toml:"burst"`
}

// ListenerConfig tunes sessions and their streams.
type ListenerConfig struct {
	RenewEvery   duration `toml:"renew_every"`
	ReconnectMin duration `toml:"reconnect_min"`
	ReconnectMax duration `toml:"reconnect_max"`
	SyncEvery    duration `toml:"sync_every"`
	LockTTL      duration `toml:"lock_ttl"`
}

// PollerConfig tunes the reconciliation poller.
type PollerConfig struct {
	Interval    duration `toml:"interval"`
	HistoryLead duration `toml:"history_lead"`
	StallAfter  int      `toml:"stall_after"`
}

// ServerConfig holds the ops HTTP server.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per second per client; zero disables it.
	RateLimit float64 `toml:"rate_limit"`
}

// NotifyConfig holds alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// CryptoConfig derives the key sealing account secrets at rest.
type CryptoConfig struct {
	MasterPassword string `toml:"master_password"`
	Salt           string `toml:"salt"`
	Iterations     int    `toml:"iterations"`
}

// duration decodes TOML strings such as "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with working defaults for a local
// stack.
func Defaults() Config {
	return Config{
		Mode:     ModeFull,
		LogLevel: "info",
		Postgres: PostgresConfig{
			Enabled:       true,
			Host:          "localhost",
			Port:          5432,
			Database:      "tradingbuddy",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradingbuddy",
			ForcePathStyle: true,
		},
		Exchange: ExchangeConfig{
			RESTURL:        "https://open-api.bingx.com",
			StreamURL:      "wss://open-api-swap.bingx.com/swap-market",
			RecvWindow:     duration{5 * time.Second},
			RequestTimeout: duration{30 * time.Second},
			RateLimit:      8,
			Burst:          8,
		},
		Listener: ListenerConfig{
			RenewEvery:   duration{7 * time.Minute},
			ReconnectMin: duration{2 * time.Second},
			ReconnectMax: duration{60 * time.Second},
			SyncEvery:    duration{30 * time.Second},
			LockTTL:      duration{30 * time.Second},
		},
		Poller: PollerConfig{
			Interval:    duration{5 * time.Second},
			HistoryLead: duration{time.Minute},
			StallAfter:  12,
		},
		Server: ServerConfig{
			Enabled:   true,
			Port:      8000,
			RateLimit: 10,
		},
		Notify: NotifyConfig{
			Events: []string{"protection_failed", "history_stalled", "trade_closed", "entry_cancelled"},
		},
		Crypto: CryptoConfig{
			Iterations: 480_000,
		},
	}
}

var validModes = map[string]bool{
	ModeFull:      true,
	ModeListeners: true,
	ModePoller:    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// listenKeyLifetime is how long the venue keeps an unrenewed listen key.
const listenKeyLifetime = 60 * time.Minute

// Validate checks Config for invalid or missing values and returns one error
// listing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: full, listeners, poller)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	split := c.Mode == ModeListeners || c.Mode == ModePoller
	if split && !c.Postgres.Enabled {
		add("postgres: must be enabled in mode %s; in-memory stores are not shared between processes", c.Mode)
	}
	if split && !c.Redis.Enabled {
		add("redis: must be enabled in mode %s to lock positions across processes", c.Mode)
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
		if c.Crypto.MasterPassword == "" || c.Crypto.Salt == "" {
			add("crypto: master_password and salt are required to store account secrets")
		}
	}
	if c.Crypto.Iterations < 1 {
		add("crypto: iterations must be >= 1")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
	}

	if c.Exchange.RESTURL == "" {
		add("exchange: rest_url must not be empty")
	}
	if c.Exchange.StreamURL == "" {
		add("exchange: stream_url must not be empty")
	}
	if c.Exchange.RequestTimeout.Duration <= 0 {
		add("exchange: request_timeout must be > 0")
	}
	if c.Exchange.RateLimit < 0 {
		add("exchange: rate_limit must be >= 0")
	}

	if d := c.Listener.RenewEvery.Duration; d <= 0 || d >= listenKeyLifetime {
		add("listener: renew_every must be between 0 and %s, got %s", listenKeyLifetime, d)
	}
	if c.Listener.ReconnectMin.Duration <= 0 {
		add("listener: reconnect_min must be > 0")
	}
	if c.Listener.ReconnectMax.Duration < c.Listener.ReconnectMin.Duration {
		add("listener: reconnect_max must not be below reconnect_min")
	}
	if c.Listener.SyncEvery.Duration <= 0 {
		add("listener: sync_every must be > 0")
	}
	if c.Redis.Enabled && c.Listener.LockTTL.Duration <= 0 {
		add("listener: lock_ttl must be > 0")
	}

	if c.Poller.Interval.Duration <= 0 {
		add("poller: interval must be > 0")
	}
	if c.Poller.StallAfter < 1 {
		add("poller: stall_after must be >= 1")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
