package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"market-alerts/internal/logging"
)

// Storage drivers understood by DatabaseConfig.Driver.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Halts      HaltsConfig      `mapstructure:"halts"`
	Discord    DiscordConfig    `mapstructure:"discord"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Chart      ChartConfig      `mapstructure:"chart"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// Production reports whether the worker runs against live data and sinks.
func (a AppConfig) Production() bool {
	return strings.EqualFold(a.Environment, "production")
}

// DatabaseConfig selects and tunes the external document/alert store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Name            string        `mapstructure:"name"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// SchedulerConfig governs cycle cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// MarketDataConfig covers the candle service.
type MarketDataConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	PoolSize       int           `mapstructure:"pool_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// AlertsConfig tunes the price-alert job.
type AlertsConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	DryRun             bool          `mapstructure:"dry_run"`
	AccountAllowlist   []string      `mapstructure:"account_allowlist"`
	Expiry             time.Duration `mapstructure:"expiry"`
	DefaultDestination int64         `mapstructure:"default_destination"`
	Color              int           `mapstructure:"color"`
}

// HaltsConfig tunes the halt job.
type HaltsConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	FeedURL         string        `mapstructure:"feed_url"`
	Timezone        string        `mapstructure:"timezone"`
	Exchange        string        `mapstructure:"exchange"`
	ReasonCodesFile string        `mapstructure:"reason_codes_file"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	Workers         int           `mapstructure:"workers"`
	Color           int           `mapstructure:"color"`
}

// DiscordConfig parameterises webhook delivery.
type DiscordConfig struct {
	Username       string        `mapstructure:"username"`
	AvatarURL      string        `mapstructure:"avatar_url"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	MaxRetries     uint          `mapstructure:"max_retries"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// TelegramConfig describes the Telegram bot used for chat subscriptions.
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	APIBase        string        `mapstructure:"api_base"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ChartConfig sets chart rendering behaviour.
type ChartConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Platform          string `mapstructure:"platform"`
	IntradayTimeframe string `mapstructure:"intraday_timeframe"`
	DailyTimeframe    string `mapstructure:"daily_timeframe"`
	Width             int    `mapstructure:"width"`
	Height            int    `mapstructure:"height"`
}

// TelemetryConfig configures the OTLP metric exporter.
type TelemetryConfig struct {
	OTLPEndpoint   string        `mapstructure:"otlp_endpoint"`
	ServiceName    string        `mapstructure:"service_name"`
	ExportInterval time.Duration `mapstructure:"export_interval"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MARKETALERTS")
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
	v.SetDefault("app.name", "marketalerts")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.name", "marketalerts")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "10s")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x616c7274))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("market_data.base_url", "http://candle-server:6900")
	v.SetDefault("market_data.pool_size", 5)
	v.SetDefault("market_data.request_timeout", "30s")

	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.dry_run", false)
	v.SetDefault("alerts.expiry", "2196h")
	v.SetDefault("alerts.default_destination", int64(401328409499664394))
	v.SetDefault("alerts.color", 6765239)

	v.SetDefault("halts.enabled", true)
	v.SetDefault("halts.feed_url", "http://www.nasdaqtrader.com/rss.aspx?feed=tradehalts")
	v.SetDefault("halts.timezone", "America/New_York")
	v.SetDefault("halts.exchange", "NASDAQ")
	v.SetDefault("halts.request_timeout", "30s")
	v.SetDefault("halts.workers", 4)
	v.SetDefault("halts.color", 0x9b9b9b)

	v.SetDefault("discord.username", "Alpha")
	v.SetDefault("discord.rate_per_second", 2.0)
	v.SetDefault("discord.max_retries", 3)
	v.SetDefault("discord.request_timeout", "30s")

	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.rate_per_second", 1.0)
	v.SetDefault("telegram.request_timeout", "30s")

	v.SetDefault("chart.enabled", true)
	v.SetDefault("chart.platform", "TradingView")
	v.SetDefault("chart.intraday_timeframe", "1m")
	v.SetDefault("chart.daily_timeframe", "1D")
	v.SetDefault("chart.width", 1280)
	v.SetDefault("chart.height", 720)

	v.SetDefault("telemetry.service_name", "marketalerts")
	v.SetDefault("telemetry.export_interval", "30s")
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
	switch c.Database.Driver {
	case DriverPostgres, DriverMongo:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverMongo, c.Database.Driver)
	}
	if c.Scheduler.Interval <= 0 || c.Scheduler.Interval%time.Minute != 0 {
		return fmt.Errorf("scheduler.interval must be a positive whole number of minutes, got %s", c.Scheduler.Interval)
	}
	if !c.Scheduler.AlignToBucket {
		return fmt.Errorf("scheduler.align_to_bucket must be true: cycles run on minute boundaries")
	}
	if c.MarketData.PoolSize <= 0 {
		return fmt.Errorf("market_data.pool_size must be greater than zero")
	}
	if c.MarketData.RequestTimeout <= 0 {
		return fmt.Errorf("market_data.request_timeout must be greater than zero")
	}
	if c.Alerts.Expiry <= 0 {
		return fmt.Errorf("alerts.expiry must be greater than zero")
	}
	if c.Halts.Enabled && c.Halts.FeedURL == "" {
		return fmt.Errorf("halts.feed_url is required when halts are enabled")
	}
	if _, err := time.LoadLocation(c.Halts.Timezone); err != nil {
		return fmt.Errorf("halts.timezone: %w", err)
	}
	if c.Chart.Width <= 0 || c.Chart.Height <= 0 {
		return fmt.Errorf("chart.width and chart.height must be greater than zero")
	}
	return nil
}

// DryRun reports whether price-alert side effects should only be logged.
func (c *Config) DryRun() bool {
	return c.Alerts.DryRun || !c.App.Production()
}
