package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"sentinel-oracle/internal/domain"
	"sentinel-oracle/internal/logging"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Chain submission modes.
const (
	ModeDirect = "direct"
	ModePull   = "pull"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Assets    AssetsConfig    `mapstructure:"assets"`
	API       APIConfig       `mapstructure:"api"`
	Events    EventsConfig    `mapstructure:"events"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig for PostgreSQL. An empty DSN disables persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig for the optional status mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SchedulerConfig controls the per-asset update loops.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Stagger         time.Duration `mapstructure:"stagger"`
	SubmitGap       time.Duration `mapstructure:"submit_gap"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// FeedConfig points at the price provider.
type FeedConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	UserAgent      string        `mapstructure:"user_agent"`
	// Synthetic replaces the feed with generated prices when the provider
	// is unreachable.
	SyntheticFallback bool `mapstructure:"synthetic_fallback"`
}

// ChainConfig describes the oracle contract and signer.
type ChainConfig struct {
	Mode            string        `mapstructure:"mode"`
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	PrivateKey      string        `mapstructure:"private_key"`
	UpdateGasLimit  uint64        `mapstructure:"update_gas_limit"`
	PullGasLimit    uint64        `mapstructure:"pull_gas_limit"`
	ConsumeGasLimit uint64        `mapstructure:"consume_gas_limit"`
	FlagGasLimit    uint64        `mapstructure:"flag_gas_limit"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// DetectorConfig tunes the anomaly classifier.
type DetectorConfig struct {
	WindowSize   int           `mapstructure:"window_size"`
	MinSamples   int           `mapstructure:"min_samples"`
	ZThreshold   float64       `mapstructure:"z_threshold"`
	PctThreshold float64       `mapstructure:"pct_threshold"`
	ClearZ       float64       `mapstructure:"clear_z"`
	FlagCooldown time.Duration `mapstructure:"flag_cooldown"`
}

// AssetsConfig selects feeds from the catalog.
type AssetsConfig struct {
	// Select is "all" or a comma list of keys/symbols.
	Select string `mapstructure:"select"`
}

// APIConfig for the HTTP status server.
type APIConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Addr         string `mapstructure:"addr"`
	AllowUpdates bool   `mapstructure:"allow_updates"`
	HistorySize  int    `mapstructure:"history_size"`
}

// EventsConfig for the on-chain event consumer.
type EventsConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	StartBlock    uint64        `mapstructure:"start_block"`
	MaxRange      uint64        `mapstructure:"max_range"`
	Confirmations uint64        `mapstructure:"confirmations"`
	NotifyCleared bool          `mapstructure:"notify_cleared"`
}

// AlertingConfig for Telegram notifications.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig bot credentials.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig controls export limits.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

const (
	defaultInterval = 5 * time.Second
	defaultAPIAddr  = ":5001"
)

// legacyEnv maps config keys to the env names used by earlier deployments.
var legacyEnv = map[string]string{
	"chain.rpc_url":          "ETH_RPC_URL",
	"chain.contract_address": "SENTINEL_ORACLE_ADDRESS",
	"chain.private_key":      "AGENT_PRIVATE_KEY",
	"feed.base_url":          "PYTH_HERMES_URL",
	"assets.select":          "ASSETS",
	"detector.z_threshold":   "ANOMALY_THRESHOLD",
	"detector.window_size":   "WINDOW_SIZE",
}

// Load builds configuration from file, environment, and defaults. A .env
// file in the working directory (or envFile) is loaded first; variables
// already set in the environment win.
func Load(path, envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		_ = v.BindEnv(key, "SENTINEL_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}
	_ = v.BindEnv("legacy.update_interval_ms", "UPDATE_INTERVAL")
	_ = v.BindEnv("legacy.api_port", "API_PORT")
	_ = v.BindEnv("scheduler.interval")
	_ = v.BindEnv("api.addr")

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
	applyLegacy(&cfg, v)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	// .env is optional when not named explicitly.
	_ = godotenv.Load()
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

// applyLegacy handles legacy variables whose unit or shape differs from the
// config key they map to. Explicit scheduler.interval and api.addr win.
func applyLegacy(cfg *Config, v *viper.Viper) {
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = defaultInterval
		if ms := v.GetInt64("legacy.update_interval_ms"); ms > 0 {
			cfg.Scheduler.Interval = time.Duration(ms) * time.Millisecond
		}
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = defaultAPIAddr
		if port := v.GetInt("legacy.api_port"); port > 0 {
			cfg.API.Addr = fmt.Sprintf(":%d", port)
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "sentinel")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "sentinel")
	v.SetDefault("redis.ttl", "10m")

	v.SetDefault("scheduler.stagger", "1s")
	v.SetDefault("scheduler.submit_gap", "0s")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x53454e54))

	v.SetDefault("feed.base_url", "https://hermes.pyth.network")
	v.SetDefault("feed.request_timeout", "10s")
	v.SetDefault("feed.rate_limit", 5.0)
	v.SetDefault("feed.rate_burst", 5)
	v.SetDefault("feed.user_agent", "sentinel-oracle/1.0")
	v.SetDefault("feed.synthetic_fallback", true)

	v.SetDefault("chain.mode", ModeDirect)
	v.SetDefault("chain.update_gas_limit", 200000)
	v.SetDefault("chain.pull_gas_limit", 500000)
	v.SetDefault("chain.consume_gas_limit", 200000)
	v.SetDefault("chain.flag_gas_limit", 200000)
	v.SetDefault("chain.confirm_timeout", "90s")
	v.SetDefault("chain.request_timeout", "15s")

	v.SetDefault("detector.window_size", 20)
	v.SetDefault("detector.min_samples", 5)
	v.SetDefault("detector.z_threshold", 2.5)
	v.SetDefault("detector.pct_threshold", 0.08)
	v.SetDefault("detector.clear_z", 1.5)
	v.SetDefault("detector.flag_cooldown", "30s")

	v.SetDefault("assets.select", "BTC")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.allow_updates", false)
	v.SetDefault("api.history_size", 50)

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.sqlite_path", "")
	v.SetDefault("events.start_block", 0)
	v.SetDefault("events.poll_interval", "5s")
	v.SetDefault("events.max_range", 2000)
	v.SetDefault("events.confirmations", 1)
	v.SetDefault("events.notify_cleared", false)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

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

// Validate performs sanity checks that apply to every command.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return invalid("export.max_data_points must be greater than zero")
	}
	if c.Detector.WindowSize < 2 {
		return invalid("detector.window_size must be at least 2")
	}
	if c.Detector.MinSamples < 2 || c.Detector.MinSamples > c.Detector.WindowSize {
		return invalid("detector.min_samples must be between 2 and detector.window_size")
	}
	if c.Detector.ZThreshold <= 0 {
		return invalid("detector.z_threshold must be greater than zero")
	}
	if c.Detector.PctThreshold <= 0 || c.Detector.PctThreshold >= 1 {
		return invalid("detector.pct_threshold must be in (0, 1)")
	}
	if c.Detector.ClearZ < 0 || c.Detector.ClearZ > c.Detector.ZThreshold {
		return invalid("detector.clear_z must be between 0 and detector.z_threshold")
	}
	if c.Chain.Mode != ModeDirect && c.Chain.Mode != ModePull {
		return invalid("chain.mode must be %q or %q", ModeDirect, ModePull)
	}
	if _, err := c.SelectedAssets(); err != nil {
		return err
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return invalid("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return invalid("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ValidateRun adds the checks the run command needs before any loop starts.
func (c *Config) ValidateRun() error {
	if c.Scheduler.Interval <= 0 {
		return invalid("scheduler.interval must be greater than zero")
	}
	if c.Chain.RPCURL == "" {
		return invalid("chain.rpc_url is required")
	}
	if !common.IsHexAddress(c.Chain.ContractAddress) {
		return invalid("chain.contract_address is not a valid address")
	}
	if c.Chain.PrivateKey == "" {
		return invalid("chain.private_key is required")
	}
	if c.Events.Enabled && c.Events.PollInterval <= 0 {
		return invalid("events.poll_interval must be greater than zero")
	}
	return nil
}

// SelectedAssets resolves assets.select against the catalog.
func (c *Config) SelectedAssets() ([]domain.Asset, error) {
	assets, unknown := domain.SelectAssets(domain.DefaultCatalog(), c.Assets.Select)
	if len(unknown) > 0 {
		return nil, invalid("assets.select: unknown assets %s", strings.Join(unknown, ", "))
	}
	if len(assets) == 0 {
		return nil, invalid("assets.select matched no assets")
	}
	return assets, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
