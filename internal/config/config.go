package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Engine    EngineConfig    `mapstructure:"engine"`
	CloseLoop CloseLoopConfig `mapstructure:"closeloop"`
	Velocity  VelocityConfig  `mapstructure:"velocity"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the HTTP API configuration
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// EngineConfig holds CHI engine configuration
type EngineConfig struct {
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	DefaultWindowMinutes int           `mapstructure:"default_window_minutes"`
}

// CloseLoopConfig holds close-the-loop monitor configuration
type CloseLoopConfig struct {
	PassInterval       time.Duration `mapstructure:"pass_interval"`
	Workers            int           `mapstructure:"workers"`
	MonitorWindow      time.Duration `mapstructure:"monitor_window"`
	SentimentRecovery  float64       `mapstructure:"sentiment_recovery"`
	IntensityDropPct   float64       `mapstructure:"intensity_drop_pct"`
	TimelineSamplesMax int           `mapstructure:"timeline_samples_max"`
}

// VelocityConfig holds early-warning detector configuration
type VelocityConfig struct {
	LookbackHours     int     `mapstructure:"lookback_hours"`
	GrowthThreshold   float64 `mapstructure:"growth_threshold"`
	CriticalIntensity float64 `mapstructure:"critical_intensity"`
	HorizonHours      float64 `mapstructure:"horizon_hours"`
	UsersPerIntensity float64 `mapstructure:"users_per_intensity"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DBPath       string        `mapstructure:"db_path"`
	PageSize     int           `mapstructure:"page_size"`
	PageRetries  int           `mapstructure:"page_retries"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix("SIGNALPULSE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8090")
	v.SetDefault("server.request_timeout", "15s")

	v.SetDefault("engine.cache_ttl", "5m")
	v.SetDefault("engine.default_window_minutes", 1440)

	v.SetDefault("closeloop.pass_interval", "2h")
	v.SetDefault("closeloop.workers", 4)
	v.SetDefault("closeloop.monitor_window", "72h")
	v.SetDefault("closeloop.sentiment_recovery", 0.2)
	v.SetDefault("closeloop.intensity_drop_pct", 50.0)
	v.SetDefault("closeloop.timeline_samples_max", 10)

	v.SetDefault("velocity.lookback_hours", 24)
	v.SetDefault("velocity.growth_threshold", 2.0)
	v.SetDefault("velocity.critical_intensity", 100.0)
	v.SetDefault("velocity.horizon_hours", 24.0)
	v.SetDefault("velocity.users_per_intensity", 50.0)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("storage.db_path", "")
	v.SetDefault("storage.page_size", 500)
	v.SetDefault("storage.page_retries", 3)
	v.SetDefault("storage.fetch_timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.RequestTimeout < time.Second {
		return fmt.Errorf("server.request_timeout must be at least 1 second")
	}

	if c.Engine.CacheTTL < time.Second {
		return fmt.Errorf("engine.cache_ttl must be at least 1 second")
	}
	if c.Engine.DefaultWindowMinutes < 1 {
		return fmt.Errorf("engine.default_window_minutes must be at least 1")
	}

	if c.CloseLoop.PassInterval < time.Minute {
		return fmt.Errorf("closeloop.pass_interval must be at least 1 minute")
	}
	if c.CloseLoop.Workers < 1 {
		return fmt.Errorf("closeloop.workers must be at least 1")
	}
	if c.CloseLoop.MonitorWindow < time.Hour {
		return fmt.Errorf("closeloop.monitor_window must be at least 1 hour")
	}
	if c.CloseLoop.SentimentRecovery <= 0 || c.CloseLoop.SentimentRecovery > 2 {
		return fmt.Errorf("closeloop.sentiment_recovery must be in (0, 2]")
	}
	if c.CloseLoop.IntensityDropPct <= 0 || c.CloseLoop.IntensityDropPct > 100 {
		return fmt.Errorf("closeloop.intensity_drop_pct must be in (0, 100]")
	}
	if c.CloseLoop.TimelineSamplesMax < 1 {
		return fmt.Errorf("closeloop.timeline_samples_max must be at least 1")
	}

	if c.Velocity.LookbackHours < 2 {
		return fmt.Errorf("velocity.lookback_hours must be at least 2")
	}
	if c.Velocity.GrowthThreshold < 0 {
		return fmt.Errorf("velocity.growth_threshold must not be negative")
	}
	if c.Velocity.CriticalIntensity <= 0 {
		return fmt.Errorf("velocity.critical_intensity must be positive")
	}
	if c.Velocity.HorizonHours <= 0 {
		return fmt.Errorf("velocity.horizon_hours must be positive")
	}
	if c.Velocity.UsersPerIntensity <= 0 {
		return fmt.Errorf("velocity.users_per_intensity must be positive")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Storage.PageSize < 1 {
		return fmt.Errorf("storage.page_size must be at least 1")
	}
	if c.Storage.PageRetries < 1 {
		return fmt.Errorf("storage.page_retries must be at least 1")
	}
	if c.Storage.FetchTimeout < time.Second {
		return fmt.Errorf("storage.fetch_timeout must be at least 1 second")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, console")
	}

	return nil
}
