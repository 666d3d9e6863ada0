// Package config provides configuration management for the execution engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Trading       TradingConfig      `mapstructure:"trading"`
	Risk          RiskConfig         `mapstructure:"risk"`
	Session       SessionConfig      `mapstructure:"session"`
	Data          DataConfig         `mapstructure:"data"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Credentials   Credentials        `mapstructure:"-"` // Loaded separately
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Exchange        string `mapstructure:"exchange"`         // NSE, NFO
	DefaultProduct  string `mapstructure:"default_product"`  // INTRADAY, CARRYFORWARD
	MarketOpen      string `mapstructure:"market_open"`      // "09:15"
	MarketClose     string `mapstructure:"market_close"`     // "15:30"
	EndOfDayExit    string `mapstructure:"end_of_day_exit"`  // "15:10"
}

// RiskConfig holds risk engine configuration.
type RiskConfig struct {
	RiskPerTradePercent   float64              `mapstructure:"risk_per_trade_percent"`
	MaxDailyLossPercent   float64              `mapstructure:"max_daily_loss_percent"`
	ConsecutiveLossesStop int                  `mapstructure:"consecutive_losses_stop"`
	VolatilityAdjustment  VolatilityAdjustment `mapstructure:"volatility_adjustment"`
}

// VolatilityAdjustment scales down risk when volatility is elevated.
type VolatilityAdjustment struct {
	HighVolThresholdPercent float64 `mapstructure:"high_vol_threshold_percent"`
	RiskReductionFactor     float64 `mapstructure:"risk_reduction_factor"`
}

// SessionConfig holds broker session configuration.
type SessionConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
}

// DataConfig holds market data and persistence configuration.
type DataConfig struct {
	DBPath           string        `mapstructure:"db_path"`
	TickQueueSize    int           `mapstructure:"tick_queue_size"`
	OrderQueueSize   int           `mapstructure:"order_queue_size"`
	StaleDataTimeout time.Duration `mapstructure:"stale_data_timeout"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// Credentials holds Angel One SmartAPI credentials.
type Credentials struct {
	APIKey     string `mapstructure:"api_key"`
	ClientID   string `mapstructure:"client_id"`
	Password   string `mapstructure:"password"`
	TOTPSecret string `mapstructure:"totp_secret"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/options-engine"
	}
	return filepath.Join(home, ".config", "options-engine")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// Config file not found, run on defaults
	}

	return v.Unmarshal(target)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.exchange", "NFO")
	v.SetDefault("trading.default_product", "INTRADAY")
	v.SetDefault("trading.market_open", "09:15")
	v.SetDefault("trading.market_close", "15:30")
	v.SetDefault("trading.end_of_day_exit", "15:10")

	v.SetDefault("risk.risk_per_trade_percent", 1.0)
	v.SetDefault("risk.max_daily_loss_percent", 3.0)
	v.SetDefault("risk.consecutive_losses_stop", 5)
	v.SetDefault("risk.volatility_adjustment.high_vol_threshold_percent", 2.0)
	v.SetDefault("risk.volatility_adjustment.risk_reduction_factor", 0.5)

	v.SetDefault("session.refresh_interval", 8*time.Hour)
	v.SetDefault("session.connect_timeout", 30*time.Second)
	v.SetDefault("session.request_timeout", 10*time.Second)
	v.SetDefault("session.rate_limit_per_sec", 3.0)

	v.SetDefault("data.db_path", filepath.Join(DefaultConfigDir(), "engine.db"))
	v.SetDefault("data.tick_queue_size", 2048)
	v.SetDefault("data.order_queue_size", 256)
	v.SetDefault("data.stale_data_timeout", 30*time.Second)

	v.SetDefault("notifications.enabled", false)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Credentials may come entirely from the environment
			return nil
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANGEL_API_KEY"); v != "" {
		cfg.Credentials.APIKey = v
	}
	if v := os.Getenv("ANGEL_CLIENT_ID"); v != "" {
		cfg.Credentials.ClientID = v
	}
	if v := os.Getenv("ANGEL_PASSWORD"); v != "" {
		cfg.Credentials.Password = v
	}
	if v := os.Getenv("ANGEL_TOTP_SECRET"); v != "" {
		cfg.Credentials.TOTPSecret = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Notifications.Telegram.ChatID = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Risk.RiskPerTradePercent <= 0 || c.Risk.RiskPerTradePercent > 100 {
		return fmt.Errorf("risk_per_trade_percent must be in (0, 100], got %.2f", c.Risk.RiskPerTradePercent)
	}
	if c.Risk.MaxDailyLossPercent <= 0 || c.Risk.MaxDailyLossPercent > 100 {
		return fmt.Errorf("max_daily_loss_percent must be in (0, 100], got %.2f", c.Risk.MaxDailyLossPercent)
	}
	if c.Risk.ConsecutiveLossesStop < 1 {
		return fmt.Errorf("consecutive_losses_stop must be >= 1, got %d", c.Risk.ConsecutiveLossesStop)
	}
	if f := c.Risk.VolatilityAdjustment.RiskReductionFactor; f <= 0 || f > 1 {
		return fmt.Errorf("risk_reduction_factor must be in (0, 1], got %.2f", f)
	}
	if c.Data.TickQueueSize < 1 || c.Data.OrderQueueSize < 1 {
		return fmt.Errorf("queue sizes must be positive")
	}
	return nil
}

// HasCredentials reports whether the broker credentials are complete.
func (c *Config) HasCredentials() bool {
	cr := c.Credentials
	return cr.APIKey != "" && cr.ClientID != "" && cr.Password != "" && cr.TOTPSecret != ""
}
