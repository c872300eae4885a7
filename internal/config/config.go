package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"signal-fusion/internal/logging"
)

// Engine presets.
const (
	PresetConviction  = "conviction"
	PresetConvergence = "convergence"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Retention RetentionConfig `mapstructure:"retention"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Quality   QualityConfig   `mapstructure:"quality"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// EngineConfig holds the scoring thresholds and window sizes.
type EngineConfig struct {
	Preset             string        `mapstructure:"preset"`
	MinFireScore       float64       `mapstructure:"min_fire_score"`
	Window             time.Duration `mapstructure:"window"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	MinDistinctSources int           `mapstructure:"min_distinct_sources"`
	ScoreCeiling       float64       `mapstructure:"score_ceiling"`
	BonusPerSource     float64       `mapstructure:"bonus_per_source"`
	ListLimit          int           `mapstructure:"list_limit"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	InstanceLockKey    int64         `mapstructure:"instance_lock_key"`
}

// FollowUpConfig is one deferred price check.
type FollowUpConfig struct {
	Field  string        `mapstructure:"field"`
	Offset time.Duration `mapstructure:"offset"`
}

// DispatchConfig tunes notification, persistence and follow-ups.
type DispatchConfig struct {
	QueueSize           int              `mapstructure:"queue_size"`
	Workers             int              `mapstructure:"workers"`
	LookupTimeout       time.Duration    `mapstructure:"lookup_timeout"`
	NotifyTimeout       time.Duration    `mapstructure:"notify_timeout"`
	PersistTimeout      time.Duration    `mapstructure:"persist_timeout"`
	PersistRetries      int              `mapstructure:"persist_retries"`
	PersistBackoff      time.Duration    `mapstructure:"persist_backoff"`
	FollowUps           []FollowUpConfig `mapstructure:"followups"`
	FollowUpWorkers     int              `mapstructure:"followup_workers"`
	MaxPendingFollowUps int              `mapstructure:"max_pending_followups"`
	FollowUpTimeout     time.Duration    `mapstructure:"followup_timeout"`
	ShutdownTimeout     time.Duration    `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RetentionConfig bounds how long persisted alerts are kept. Zero keeps forever.
type RetentionConfig struct {
	Keep     time.Duration `mapstructure:"keep"`
	Interval time.Duration `mapstructure:"interval"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	LogSink  bool           `mapstructure:"log_sink"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	BotToken            string        `mapstructure:"bot_token"`
	ChatID              string        `mapstructure:"chat_id"`
	APIBase             string        `mapstructure:"api_base"`
	Timeout             time.Duration `mapstructure:"timeout"`
	DisableNotification bool          `mapstructure:"disable_notification"`
}

// PricingConfig captures the token-pair price API.
type PricingConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BaseURL         string        `mapstructure:"base_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
	MinLiquidityUSD float64       `mapstructure:"min_liquidity_usd"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	CacheSize       int           `mapstructure:"cache_size"`
}

// EthereumConfig covers on-chain name resolution.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// QualityConfig seeds and refreshes per-source reliability.
type QualityConfig struct {
	Default         float64            `mapstructure:"default"`
	Sources         map[string]float64 `mapstructure:"sources"`
	RefreshInterval time.Duration      `mapstructure:"refresh_interval"`
	RefreshField    string             `mapstructure:"refresh_field"`
	Lookback        time.Duration      `mapstructure:"lookback"`
	MinSamples      int                `mapstructure:"min_samples"`
}

// IngestConfig groups signal producers.
type IngestConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig describes the signal topic consumer group.
type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	Topics        []string `mapstructure:"topics"`
	GroupID       string   `mapstructure:"group_id"`
	Version       string   `mapstructure:"version"`
	InitialOffset string   `mapstructure:"initial_offset"`
}

// HTTPConfig exposes the signal, query and metrics endpoints.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBatch        int           `mapstructure:"max_batch"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FUSION")
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
	v.SetDefault("app.name", "signal-fusion")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("engine.preset", PresetConviction)
	v.SetDefault("engine.list_limit", 50)
	v.SetDefault("engine.sweep_interval", "1m")
	v.SetDefault("engine.instance_lock_key", int64(0x5349474e))

	v.SetDefault("dispatch.queue_size", 1024)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.lookup_timeout", "10s")
	v.SetDefault("dispatch.notify_timeout", "10s")
	v.SetDefault("dispatch.persist_timeout", "10s")
	v.SetDefault("dispatch.persist_retries", 3)
	v.SetDefault("dispatch.persist_backoff", "500ms")
	v.SetDefault("dispatch.followups", []map[string]interface{}{
		{"field": "price_1h", "offset": "1h"},
		{"field": "price_24h", "offset": "24h"},
	})
	v.SetDefault("dispatch.followup_workers", 4)
	v.SetDefault("dispatch.max_pending_followups", 10000)
	v.SetDefault("dispatch.followup_timeout", "15s")
	v.SetDefault("dispatch.shutdown_timeout", "20s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("retention.keep", "0s")
	v.SetDefault("retention.interval", "6h")

	v.SetDefault("alerting.log_sink", true)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("pricing.enabled", true)
	v.SetDefault("pricing.base_url", "https://api.dexscreener.com/latest/dex")
	v.SetDefault("pricing.request_timeout", "10s")
	v.SetDefault("pricing.user_agent", "signal-fusion/1.0")
	v.SetDefault("pricing.min_liquidity_usd", 0.0)
	v.SetDefault("pricing.cache_ttl", "30s")
	v.SetDefault("pricing.cache_size", 4096)

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("quality.default", 0.5)
	v.SetDefault("quality.refresh_interval", "0s")
	v.SetDefault("quality.refresh_field", "price_24h")
	v.SetDefault("quality.lookback", "720h")
	v.SetDefault("quality.min_samples", 10)

	v.SetDefault("ingest.kafka.enabled", false)
	v.SetDefault("ingest.kafka.group_id", "signal-fusion")
	v.SetDefault("ingest.kafka.version", "2.8.0")
	v.SetDefault("ingest.kafka.initial_offset", "newest")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.max_batch", 500)

	v.SetDefault("export.max_data_points", 100000)
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
	switch c.Engine.Preset {
	case PresetConviction, PresetConvergence:
	default:
		return fmt.Errorf("engine.preset must be %q or %q", PresetConviction, PresetConvergence)
	}
	// zero engine values fall back to the preset
	if c.Engine.Window < 0 || c.Engine.Cooldown < 0 {
		return fmt.Errorf("engine.window and engine.cooldown cannot be negative")
	}
	if c.Engine.MinDistinctSources != 0 && c.Engine.MinDistinctSources < 2 {
		return fmt.Errorf("engine.min_distinct_sources must be at least 2")
	}
	if c.Engine.ScoreCeiling < 0 || c.Engine.ScoreCeiling > 100 {
		return fmt.Errorf("engine.score_ceiling must be in (0, 100]")
	}
	if c.Engine.MinFireScore < 0 || c.Engine.MinFireScore > 100 {
		return fmt.Errorf("engine.min_fire_score must be in (0, 100]")
	}
	if c.Engine.BonusPerSource < 0 {
		return fmt.Errorf("engine.bonus_per_source cannot be negative")
	}
	if c.Engine.SweepInterval <= 0 {
		return fmt.Errorf("engine.sweep_interval must be greater than zero")
	}
	if c.Dispatch.PersistRetries < 0 {
		return fmt.Errorf("dispatch.persist_retries cannot be negative")
	}
	if c.Dispatch.FollowUpTimeout > 15*time.Second {
		return fmt.Errorf("dispatch.followup_timeout cannot exceed 15s")
	}
	seen := make(map[string]struct{}, len(c.Dispatch.FollowUps))
	for _, fu := range c.Dispatch.FollowUps {
		if fu.Field == "" || fu.Offset <= 0 {
			return fmt.Errorf("dispatch.followups entries need a field and a positive offset")
		}
		if _, dup := seen[fu.Field]; dup {
			return fmt.Errorf("dispatch.followups field %q is duplicated", fu.Field)
		}
		seen[fu.Field] = struct{}{}
	}
	if c.Quality.Default < 0 || c.Quality.Default > 1 {
		return fmt.Errorf("quality.default must be in [0, 1]")
	}
	if c.Retention.Keep < 0 {
		return fmt.Errorf("retention.keep cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Ingest.Kafka.Enabled {
		if len(c.Ingest.Kafka.Brokers) == 0 || len(c.Ingest.Kafka.Topics) == 0 {
			return fmt.Errorf("ingest.kafka requires brokers and topics")
		}
		if c.Ingest.Kafka.GroupID == "" {
			return fmt.Errorf("ingest.kafka.group_id 必须配置")
		}
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr must be set when http is enabled")
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

// FollowUpByField finds the configured offset for a follow-up field.
func (c *Config) FollowUpByField(field string) (FollowUpConfig, bool) {
	for _, fu := range c.Dispatch.FollowUps {
		if fu.Field == field {
			return fu, true
		}
	}
	return FollowUpConfig{}, false
}
