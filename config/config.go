package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Fillwatch FillwatchConfig `yaml:"fillwatch"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Stream    StreamConfig    `yaml:"stream"`
	Poller    PollerConfig    `yaml:"poller"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	State     StateConfig     `yaml:"state"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type FillwatchConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	FillBuffer   int `yaml:"fill_buffer"`
	NotifyBuffer int `yaml:"notify_buffer"`
}

// StreamConfig tunes the live user-fill stream. Reconnection is
// unlimited; the backup poller covers extended outages.
type StreamConfig struct {
	Enabled            bool          `yaml:"enabled"`
	URL                string        `yaml:"url"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	StableResetAfter   time.Duration `yaml:"stable_reset_after"`
	SilenceTimeout     time.Duration `yaml:"silence_timeout"`
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval"`
}

type PollerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Lookback time.Duration `yaml:"lookback"`
}

// RecoveryConfig governs the startup reconciliation pass.
// MissingStatePolicy decides the watermark when the state file is absent
// or corrupt: "skip" starts at now and silently loses the gap, "replay"
// starts at now minus max_lookback and risks duplicate notifications.
type RecoveryConfig struct {
	Tolerance          time.Duration `yaml:"tolerance"`
	MaxLookback        time.Duration `yaml:"max_lookback"`
	MissingStatePolicy string        `yaml:"missing_state_policy"`
}

type DispatchConfig struct {
	GroupWindow        time.Duration `yaml:"group_window"`
	AggregateThreshold int           `yaml:"aggregate_threshold"`
	SendRetries        int           `yaml:"send_retries"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	RatePerSecond      float64       `yaml:"rate_per_second"`
	Burst              int           `yaml:"burst"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type ExchangeConfig struct {
	APIKey         string               `yaml:"api_key"`
	APISecret      string               `yaml:"api_secret"`
	Symbols        []string             `yaml:"symbols"`
	RESTTimeout    time.Duration        `yaml:"rest_timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type TelegramConfig struct {
	Token   string        `yaml:"token"`
	ChatID  int64         `yaml:"chat_id"`
	APIURL  string        `yaml:"api_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// DefaultConfigPath is used when no -config flag is provided.
const DefaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

// LoadConfig reads the YAML configuration, resolves environment specific
// overrides, applies defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)
	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Channels.FillBuffer == 0 {
		cfg.Channels.FillBuffer = 1000
	}
	if cfg.Channels.NotifyBuffer == 0 {
		cfg.Channels.NotifyBuffer = 500
	}
	if cfg.Stream.ReconnectBaseDelay == 0 {
		cfg.Stream.ReconnectBaseDelay = time.Second
	}
	if cfg.Stream.ReconnectMaxDelay == 0 {
		cfg.Stream.ReconnectMaxDelay = 60 * time.Second
	}
	if cfg.Stream.StableResetAfter == 0 {
		cfg.Stream.StableResetAfter = 2 * time.Minute
	}
	if cfg.Stream.SilenceTimeout == 0 {
		cfg.Stream.SilenceTimeout = 90 * time.Second
	}
	if cfg.Stream.KeepaliveInterval == 0 {
		cfg.Stream.KeepaliveInterval = 30 * time.Minute
	}
	if cfg.Poller.Interval == 0 {
		cfg.Poller.Interval = 5 * time.Minute
	}
	if cfg.Poller.Lookback == 0 {
		cfg.Poller.Lookback = 15 * time.Minute
	}
	if cfg.Recovery.Tolerance == 0 {
		cfg.Recovery.Tolerance = time.Minute
	}
	if cfg.Recovery.MaxLookback == 0 {
		cfg.Recovery.MaxLookback = 24 * time.Hour
	}
	if cfg.Recovery.MissingStatePolicy == "" {
		cfg.Recovery.MissingStatePolicy = "skip"
	}
	if cfg.Dispatch.GroupWindow == 0 {
		cfg.Dispatch.GroupWindow = 2 * time.Second
	}
	if cfg.Dispatch.AggregateThreshold == 0 {
		cfg.Dispatch.AggregateThreshold = 5
	}
	if cfg.Dispatch.SendRetries == 0 {
		cfg.Dispatch.SendRetries = 3
	}
	if cfg.Dispatch.RetryDelay == 0 {
		cfg.Dispatch.RetryDelay = 2 * time.Second
	}
	if cfg.Dispatch.RatePerSecond == 0 {
		cfg.Dispatch.RatePerSecond = 1
	}
	if cfg.Dispatch.Burst == 0 {
		cfg.Dispatch.Burst = 5
	}
	if cfg.State.Path == "" {
		cfg.State.Path = "fillwatch_state.json"
	}
	if cfg.Exchange.RESTTimeout == 0 {
		cfg.Exchange.RESTTimeout = 15 * time.Second
	}
	if cfg.Exchange.ConnectionPool.MaxIdleConns == 0 {
		cfg.Exchange.ConnectionPool.MaxIdleConns = 10
	}
	if cfg.Exchange.ConnectionPool.MaxConnsPerHost == 0 {
		cfg.Exchange.ConnectionPool.MaxConnsPerHost = 10
	}
	if cfg.Exchange.ConnectionPool.IdleConnTimeout == 0 {
		cfg.Exchange.ConnectionPool.IdleConnTimeout = 90 * time.Second
	}
	if cfg.Telegram.APIURL == "" {
		cfg.Telegram.APIURL = "https://api.telegram.org"
	}
	if cfg.Telegram.Timeout == 0 {
		cfg.Telegram.Timeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Exchange.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Exchange.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = strings.TrimSpace(v)
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("FILLWATCH_STATE_PATH"); v != "" {
		cfg.State.Path = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Metrics.CloudWatch.Region = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Fillwatch.Name == "" {
		return fmt.Errorf("fillwatch.name is required")
	}
	if cfg.Fillwatch.Version == "" {
		return fmt.Errorf("fillwatch.version is required")
	}
	if cfg.Channels.FillBuffer <= 0 {
		return fmt.Errorf("channels.fill_buffer must be greater than 0")
	}
	if cfg.Channels.NotifyBuffer <= 0 {
		return fmt.Errorf("channels.notify_buffer must be greater than 0")
	}
	if cfg.Stream.Enabled && cfg.Stream.URL == "" {
		return fmt.Errorf("stream.url is required when the stream is enabled")
	}
	if IsProductionLike(AppEnvironment()) {
		if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" {
			return fmt.Errorf("exchange credentials are required in %s", AppEnvironment())
		}
	}
	if cfg.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be greater than 0")
	}
	if cfg.Poller.Lookback < cfg.Poller.Interval {
		return fmt.Errorf("poller.lookback must cover at least one interval")
	}
	if len(cfg.Exchange.Symbols) == 0 {
		return fmt.Errorf("exchange.symbols must list at least one symbol")
	}
	if cfg.Recovery.MaxLookback < cfg.Recovery.Tolerance {
		return fmt.Errorf("recovery.max_lookback must be at least recovery.tolerance")
	}
	switch cfg.Recovery.MissingStatePolicy {
	case "skip", "replay":
	default:
		return fmt.Errorf("recovery.missing_state_policy must be 'skip' or 'replay'")
	}
	if cfg.Dispatch.AggregateThreshold <= 0 {
		return fmt.Errorf("dispatch.aggregate_threshold must be greater than 0")
	}
	if cfg.Dispatch.GroupWindow <= 0 {
		return fmt.Errorf("dispatch.group_window must be greater than 0")
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if cfg.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required")
	}
	return nil
}
