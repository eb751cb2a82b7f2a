// Package config loads and validates platform configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Mobile    MobileConfig    `mapstructure:"mobile"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig governs retry/backoff behavior for the job state machine.
type SchedulerConfig struct {
	MaxRetries       int `mapstructure:"max_retries"`
	RetryBaseDelayMs int `mapstructure:"retry_base_delay_ms"`
	RetryMaxDelayMs  int `mapstructure:"retry_max_delay_ms"`
	RetryScanSec     int `mapstructure:"retry_scan_seconds"`
}

// WorkerConfig governs the worker pool and crawl pipeline.
type WorkerConfig struct {
	Concurrency    int    `mapstructure:"concurrency"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
	UserAgent      string `mapstructure:"user_agent"`
	FetchTimeoutS  int    `mapstructure:"fetch_timeout_seconds"`
}

// ProviderConfig configures the marketplace API client.
type ProviderConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	Locale            string `mapstructure:"locale"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	MaxRetries        int    `mapstructure:"max_retries"`
	RetryBaseDelayMs  int    `mapstructure:"retry_base_delay_ms"`
	RequestDelayMs    int    `mapstructure:"request_delay_ms"`
	ProxyRegion       string `mapstructure:"proxy_region"`
}

// QuotaConfig controls the quota cache service.
type QuotaConfig struct {
	AuthorityURL string `mapstructure:"authority_url"`
	CacheTTLMin  int    `mapstructure:"cache_ttl_minutes"`
}

// OutboxConfig controls the reliable event delivery loop.
type OutboxConfig struct {
	BatchSize       int `mapstructure:"batch_size"`
	MaxRetries      int `mapstructure:"max_retries"`
	ClaimLeaseSec   int `mapstructure:"claim_lease_seconds"`
	PollIntervalSec int `mapstructure:"poll_interval_seconds"`
}

// ProxyConfig lists rotation endpoints per region.
type ProxyConfig struct {
	Enabled   bool                `mapstructure:"enabled"`
	Endpoints map[string][]string `mapstructure:"endpoints"`
}

// BrowserConfig configures the headless browser agent.
type BrowserConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// MobileConfig points at the device-automation bridge.
type MobileConfig struct {
	BridgeURL string `mapstructure:"bridge_url"`
}

// StorageConfig sets paths and content types for blob persistence.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig controls the quota cache backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds metadata for the outbox event transport.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.retry_base_delay_ms", 2000)
	v.SetDefault("scheduler.retry_max_delay_ms", 300000)
	v.SetDefault("scheduler.retry_scan_seconds", 15)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval_ms", 500)
	v.SetDefault("worker.user_agent", "crawlgrid-bot/0.1")
	v.SetDefault("worker.fetch_timeout_seconds", 15)
	v.SetDefault("provider.locale", "en-US")
	v.SetDefault("provider.requests_per_minute", 30)
	v.SetDefault("provider.max_retries", 3)
	v.SetDefault("provider.retry_base_delay_ms", 500)
	v.SetDefault("provider.request_delay_ms", 0)
	v.SetDefault("quota.cache_ttl_minutes", 60)
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.max_retries", 10)
	v.SetDefault("outbox.claim_lease_seconds", 300)
	v.SetDefault("outbox.poll_interval_seconds", 5)
	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.max_parallel", 1)
	v.SetDefault("browser.nav_timeout_seconds", 25)
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0")
	}
	if c.Provider.RequestsPerMinute <= 0 {
		return fmt.Errorf("provider.requests_per_minute must be > 0")
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox.batch_size must be > 0")
	}
	if c.Browser.Enabled && c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0 when browser is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// RetryBaseDelay converts the scheduler backoff base into a duration.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Scheduler.RetryBaseDelayMs) * time.Millisecond
}

// RetryMaxDelay converts the scheduler backoff cap into a duration.
func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Scheduler.RetryMaxDelayMs) * time.Millisecond
}
