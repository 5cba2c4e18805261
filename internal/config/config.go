// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Safety   SafetyConfig   `mapstructure:"safety"`
	Backtest BacktestConfig `mapstructure:"backtest"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// EngineConfig holds live-engine configuration.
type EngineConfig struct {
	PollIntervalSeconds int  `mapstructure:"poll_interval_seconds"`
	DryRun              bool `mapstructure:"dry_run"`
	// MarketHoursOnly skips evaluation cycles while the market is closed.
	MarketHoursOnly bool `mapstructure:"market_hours_only"`
}

// SafetyConfig holds pre-trade gate limits. Zero disables a limit.
type SafetyConfig struct {
	KillSwitch             bool    `mapstructure:"kill_switch"`
	MaxPositionQty         int     `mapstructure:"max_position_qty"`
	MaxPositionNotional    float64 `mapstructure:"max_position_notional"`
	DailyLossLimit         float64 `mapstructure:"daily_loss_limit"`
	MaxDailyTrades         int     `mapstructure:"max_daily_trades"`
	AllowProduction        bool    `mapstructure:"allow_production"`
	DuplicateWindowSeconds int     `mapstructure:"duplicate_window_seconds"`
	BlockPatternDayTrades  bool    `mapstructure:"block_pattern_day_trades"`
}

// BacktestConfig holds simulator defaults.
type BacktestConfig struct {
	InitialCash float64 `mapstructure:"initial_cash"`
	ResultsDir  string  `mapstructure:"results_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/autotrader"
	}
	return filepath.Join(home, ".config", "autotrader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if err := createTemplateConfig(configDir); err != nil {
				return nil, fmt.Errorf("creating template config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.poll_interval_seconds", 30)
	v.SetDefault("engine.dry_run", false)
	v.SetDefault("engine.market_hours_only", true)

	v.SetDefault("safety.kill_switch", false)
	v.SetDefault("safety.max_position_qty", 1000)
	v.SetDefault("safety.max_position_notional", 100000.0)
	v.SetDefault("safety.daily_loss_limit", 2000.0)
	v.SetDefault("safety.max_daily_trades", 20)
	v.SetDefault("safety.allow_production", false)
	v.SetDefault("safety.duplicate_window_seconds", 60)
	v.SetDefault("safety.block_pattern_day_trades", true)

	v.SetDefault("backtest.initial_cash", 100000.0)
	v.SetDefault("backtest.results_dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRADER_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Engine.DryRun = b
		}
	}
	if v := os.Getenv("TRADER_KILL_SWITCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Safety.KillSwitch = b
		}
	}
	if v := os.Getenv("TRADER_ALLOW_PRODUCTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Safety.AllowProduction = b
		}
	}
	if v := os.Getenv("TRADER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.PollIntervalSeconds <= 0 {
		return fmt.Errorf("engine.poll_interval_seconds must be positive")
	}
	if c.Safety.MaxPositionQty < 0 {
		return fmt.Errorf("safety.max_position_qty must be non-negative")
	}
	if c.Safety.MaxPositionNotional < 0 {
		return fmt.Errorf("safety.max_position_notional must be non-negative")
	}
	if c.Safety.DailyLossLimit < 0 {
		return fmt.Errorf("safety.daily_loss_limit must be non-negative")
	}
	if c.Safety.MaxDailyTrades < 0 {
		return fmt.Errorf("safety.max_daily_trades must be non-negative")
	}
	if c.Safety.DuplicateWindowSeconds < 0 {
		return fmt.Errorf("safety.duplicate_window_seconds must be non-negative")
	}
	if c.Backtest.InitialCash <= 0 {
		return fmt.Errorf("backtest.initial_cash must be positive")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	return nil
}

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	template := `# autotrader configuration

[engine]
poll_interval_seconds = 30
dry_run = false
market_hours_only = true

[safety]
kill_switch = false
max_position_qty = 1000
max_position_notional = 100000.0
daily_loss_limit = 2000.0
max_daily_trades = 20
allow_production = false
duplicate_window_seconds = 60
block_pattern_day_trades = true

[backtest]
initial_cash = 100000.0

[logging]
level = "info"
console = true
file = true
max_size_mb = 100
max_backups = 7
max_age_days = 30
`

	path := filepath.Join(configDir, "config.toml")
	return os.WriteFile(path, []byte(template), 0644)
}
