package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Source    SourceConfig    `mapstructure:"source"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Aggregate AggregateConfig `mapstructure:"aggregate"`
	Cron      CronConfig      `mapstructure:"cron"`
	Trace     TraceConfig     `mapstructure:"trace"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

// DBConfig selects PostgreSQL when DSN is set; otherwise the in-memory
// store is used.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// SourceConfig controls the exchange info API client.
type SourceConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	FillsPageSize   int           `mapstructure:"fills_page_size"`
	FundingPageSize int           `mapstructure:"funding_page_size"`
	MaxPages        int           `mapstructure:"max_pages"`
	MaxFills        int           `mapstructure:"max_fills"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffStep     time.Duration `mapstructure:"backoff_step"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
}

type SyncConfig struct {
	HistoryStart string        `mapstructure:"history_start"`
	Overlap      time.Duration `mapstructure:"overlap"`
	RunTimeout   time.Duration `mapstructure:"run_timeout"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	Wallets      []string      `mapstructure:"wallets"`
}

// HistoryStartTime parses HistoryStart (RFC 3339). It bounds the first
// sync of a wallet.
func (c SyncConfig) HistoryStartTime() (time.Time, error) {
	if strings.TrimSpace(c.HistoryStart) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, strings.TrimSpace(c.HistoryStart))
}

type AggregateConfig struct {
	Concurrency   int    `mapstructure:"concurrency"`
	PageSize      int    `mapstructure:"page_size"`
	InitialEquity string `mapstructure:"initial_equity"`
}

type CronConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Sync    string `mapstructure:"sync"`
}

type TraceConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PNL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.development", false)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", true)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.migrate", true)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", "30s")

	v.SetDefault("source.base_url", "https://api.hyperliquid.xyz")
	v.SetDefault("source.timeout", "15s")
	v.SetDefault("source.fills_page_size", 2000)
	v.SetDefault("source.funding_page_size", 500)
	v.SetDefault("source.max_pages", 50)
	v.SetDefault("source.max_fills", 10000)
	v.SetDefault("source.max_retries", 5)
	v.SetDefault("source.backoff_step", "2s")
	v.SetDefault("source.backoff_max", "10s")

	v.SetDefault("sync.history_start", "2023-01-01T00:00:00Z")
	v.SetDefault("sync.overlap", "24h")
	v.SetDefault("sync.run_timeout", "10m")
	v.SetDefault("sync.stale_after", "30m")
	v.SetDefault("sync.wallets", []string{})

	v.SetDefault("aggregate.concurrency", 4)
	v.SetDefault("aggregate.page_size", 1000)
	v.SetDefault("aggregate.initial_equity", "0")

	v.SetDefault("cron.enabled", false)
	v.SetDefault("cron.sync", "0 */30 * * * *")

	v.SetDefault("trace.enabled", false)
	v.SetDefault("trace.service_name", "pnl-engine")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Sync.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// validate keeps stale-run takeover from firing on a run that is still
// alive: a run must time out before it can be considered abandoned.
func (c SyncConfig) validate() error {
	if c.StaleAfter <= 0 {
		return nil
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("sync.run_timeout must be set when sync.stale_after (%s) is enabled", c.StaleAfter)
	}
	if c.StaleAfter <= c.RunTimeout {
		return fmt.Errorf("sync.stale_after (%s) must exceed sync.run_timeout (%s)", c.StaleAfter, c.RunTimeout)
	}
	return nil
}
