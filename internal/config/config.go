package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"pricewatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Source    SourceConfig    `mapstructure:"source"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Links     LinksConfig     `mapstructure:"links"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs polling cadence and cycle concurrency.
type SchedulerConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	AlignToBucket     bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey   int64         `mapstructure:"advisory_lock_key"`
	StartupDelay      time.Duration `mapstructure:"startup_delay"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	MaxUpdateAttempts int           `mapstructure:"max_update_attempts"`
}

// SourceConfig covers the remote product-data API.
type SourceConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Marketplace     string        `mapstructure:"marketplace"`
	DefaultCurrency string        `mapstructure:"default_currency"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
}

// AlertingConfig defines recipient delivery channels.
type AlertingConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	MaxEmailBounces int            `mapstructure:"max_email_bounces"`
	Telegram        TelegramConfig `mapstructure:"telegram"`
	Email           EmailConfig    `mapstructure:"email"`
}

// TelegramConfig describes the messaging bot used for direct and channel messages.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// EmailConfig describes the transactional email provider.
type EmailConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIBase string        `mapstructure:"api_base"`
	APIKey  string        `mapstructure:"api_key"`
	From    string        `mapstructure:"from"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// BroadcastConfig configures public channel publication and its suppression window.
type BroadcastConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Channels       []string `mapstructure:"channels"`
	ThreadID       string   `mapstructure:"thread_id"`
	MinDropPct     float64  `mapstructure:"min_drop_pct"`
	MinDiscountPct float64  `mapstructure:"min_discount_pct"`
	Timezone       string   `mapstructure:"timezone"`
}

// LinksConfig decorates call-to-action links.
type LinksConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	AffiliateTag string `mapstructure:"affiliate_tag"`
}

// MetricsConfig exposes Prometheus metrics when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pricewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("scheduler.interval", "15m")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70726963))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.shutdown_grace", "20s")
	v.SetDefault("scheduler.max_concurrency", 8)
	v.SetDefault("scheduler.max_update_attempts", 3)

	v.SetDefault("source.marketplace", "de")
	v.SetDefault("source.default_currency", "EUR")
	v.SetDefault("source.request_timeout", "10s")
	v.SetDefault("source.rate_limit_rps", 1.0)
	v.SetDefault("source.rate_limit_burst", 1)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.max_email_bounces", 3)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.email.enabled", false)
	v.SetDefault("alerting.email.timeout", "15s")

	v.SetDefault("broadcast.enabled", false)
	v.SetDefault("broadcast.channels", []string{})
	v.SetDefault("broadcast.min_drop_pct", 2.0)
	v.SetDefault("broadcast.min_discount_pct", 0.0)
	v.SetDefault("broadcast.timezone", "UTC")

	v.SetDefault("links.base_url", "https://www.amazon.de/dp/")

	v.SetDefault("export.max_data_points", 5000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler.max_concurrency must be greater than zero")
	}
	if c.Scheduler.MaxUpdateAttempts <= 0 {
		return fmt.Errorf("scheduler.max_update_attempts must be greater than zero")
	}
	if c.Scheduler.ShutdownGrace < 0 {
		return fmt.Errorf("scheduler.shutdown_grace cannot be negative")
	}
	if c.Source.RateLimitRPS <= 0 {
		return fmt.Errorf("source.rate_limit_rps must be greater than zero")
	}
	if c.Source.RateLimitBurst <= 0 {
		return fmt.Errorf("source.rate_limit_burst must be greater than zero")
	}
	if c.Alerting.MaxEmailBounces <= 0 {
		return fmt.Errorf("alerting.max_email_bounces must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled && c.Alerting.Telegram.BotToken == "" {
		return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
	}
	if c.Alerting.Email.Enabled {
		if c.Alerting.Email.APIBase == "" {
			return fmt.Errorf("alerting.email.api_base is required when email is enabled")
		}
		if c.Alerting.Email.From == "" {
			return fmt.Errorf("alerting.email.from is required when email is enabled")
		}
	}
	if c.Broadcast.MinDropPct < 0 || c.Broadcast.MinDiscountPct < 0 {
		return fmt.Errorf("broadcast thresholds cannot be negative")
	}
	if c.Broadcast.Enabled && len(c.Broadcast.Channels) == 0 {
		return fmt.Errorf("broadcast.channels must list at least one channel when broadcast is enabled")
	}
	if _, err := c.Broadcast.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the timezone that defines a broadcast calendar day.
func (b BroadcastConfig) Location() (*time.Location, error) {
	if b.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return nil, fmt.Errorf("broadcast.timezone: %w", err)
	}
	return loc, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
