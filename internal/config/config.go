package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"potion-flow-monitor/internal/logging"
	"potion-flow-monitor/internal/model"
	"potion-flow-monitor/internal/retention"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Cache     CacheConfig     `mapstructure:"cache"`
	History   HistoryConfig   `mapstructure:"history"`
	Annotate  AnnotateConfig  `mapstructure:"annotate"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Recorder  RecorderConfig  `mapstructure:"recorder"`
	Retention RetentionConfig `mapstructure:"retention"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// UpstreamConfig points at the factory simulation API.
type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	APIKey         string        `mapstructure:"api_key"`
}

// CacheConfig holds the freshness window of each resource type.
type CacheConfig struct {
	Cauldrons time.Duration `mapstructure:"cauldrons"`
	Market    time.Duration `mapstructure:"market"`
	Couriers  time.Duration `mapstructure:"couriers"`
	Levels    time.Duration `mapstructure:"levels"`
	Tickets   time.Duration `mapstructure:"tickets"`
}

// HistoryConfig bounds the in-memory level log.
type HistoryConfig struct {
	MaxEntries   int `mapstructure:"max_entries"`
	HydrateLimit int `mapstructure:"hydrate_limit"`
}

// AnnotateConfig tunes the outlier rule.
type AnnotateConfig struct {
	OutlierMultiplier float64 `mapstructure:"outlier_multiplier"`
	GroupBy           string  `mapstructure:"group_by"`
	MinGroupSize      int     `mapstructure:"min_group_size"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigin      string        `mapstructure:"cors_origin"`
}

// SchedulerConfig governs the background poll cadence.
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// AlertingConfig defines which suspicious tickets are pushed and where.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	MinSeverity string         `mapstructure:"min_severity"`
	Channels    []string       `mapstructure:"channels"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// RecorderConfig locates the refresh journal.
type RecorderConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

// RetentionConfig prunes persisted data on a cron schedule.
type RetentionConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Schedule   string        `mapstructure:"schedule"`
	KeepLevels time.Duration `mapstructure:"keep_levels"`
	KeepAlerts time.Duration `mapstructure:"keep_alerts"`
	KeepEvents time.Duration `mapstructure:"keep_events"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("POTIONWATCH")
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

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		panic(fmt.Sprintf("decode default config: %v", err))
	}
	return &cfg
}

// loadDotEnv 读取当前目录的 .env；已存在的环境变量不会被覆盖。
func loadDotEnv() error {
	path := os.Getenv("POTIONWATCH_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
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
	v.SetDefault("app.name", "potionwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("upstream.base_url", "https://hackutd2025.eog.systems")
	v.SetDefault("upstream.request_timeout", "10s")
	v.SetDefault("upstream.user_agent", "potionwatch/1.0")

	v.SetDefault("cache.cauldrons", "5m")
	v.SetDefault("cache.market", "5m")
	v.SetDefault("cache.couriers", "5m")
	v.SetDefault("cache.levels", "30s")
	v.SetDefault("cache.tickets", "30s")

	v.SetDefault("history.max_entries", 10000)
	v.SetDefault("history.hydrate_limit", 10000)

	v.SetDefault("annotate.outlier_multiplier", 3.0)
	v.SetDefault("annotate.group_by", "courier")
	v.SetDefault("annotate.min_group_size", 3)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origin", "*")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x706f7477))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_severity", "high")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)

	v.SetDefault("recorder.sqlite_path", "")

	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.schedule", "0 30 3 * * *")
	v.SetDefault("retention.keep_levels", "720h")
	v.SetDefault("retention.keep_alerts", "2160h")
	v.SetDefault("retention.keep_events", "168h")

	v.SetDefault("export.max_data_points", 5000)
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
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url must be configured")
	}
	windows := map[string]time.Duration{
		"cache.cauldrons": c.Cache.Cauldrons,
		"cache.market":    c.Cache.Market,
		"cache.couriers":  c.Cache.Couriers,
		"cache.levels":    c.Cache.Levels,
		"cache.tickets":   c.Cache.Tickets,
	}
	for key, window := range windows {
		if window <= 0 {
			return fmt.Errorf("%s must be greater than zero", key)
		}
	}
	if c.History.MaxEntries <= 0 {
		return fmt.Errorf("history.max_entries must be greater than zero")
	}
	if c.History.HydrateLimit < 0 {
		return fmt.Errorf("history.hydrate_limit cannot be negative")
	}
	if c.Annotate.OutlierMultiplier <= 0 {
		return fmt.Errorf("annotate.outlier_multiplier must be greater than zero")
	}
	switch c.Annotate.GroupBy {
	case "courier", "cauldron":
	default:
		return fmt.Errorf("annotate.group_by must be courier or cauldron, got %q", c.Annotate.GroupBy)
	}
	if c.Annotate.MinGroupSize < 2 {
		return fmt.Errorf("annotate.min_group_size must be at least 2")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be configured")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if _, err := model.ParseSeverity(c.Alerting.MinSeverity); err != nil {
		return fmt.Errorf("alerting.min_severity must be medium, high or critical, got %q", c.Alerting.MinSeverity)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Retention.Enabled {
		if _, err := retention.ParseSchedule(c.Retention.Schedule); err != nil {
			return fmt.Errorf("retention.schedule invalid: %w", err)
		}
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
