// Package config loads server configuration from config.yaml and RENT_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"github.com/warp/rent-engine/generic"
	"github.com/warp/rent-engine/tariff"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig defines HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig defines the SQLite location. ":memory:" is allowed.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BillingConfig defines computation knobs.
type BillingConfig struct {
	// DiffThreshold is the month-over-month change (rubles) above which an
	// article needs an operator's look.
	DiffThreshold  float64 `mapstructure:"diff_threshold"`
	TariffFallback string  `mapstructure:"tariff_fallback"`
}

// SchedulerConfig defines the rent reminder job.
type SchedulerConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	RentReminderCron string `mapstructure:"rent_reminder_cron"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Threshold returns the drift threshold as money.
func (b BillingConfig) Threshold() generic.Money {
	return generic.NewMoney(b.DiffThreshold)
}

// Fallback returns the parsed tariff fallback policy.
func (b BillingConfig) Fallback() tariff.FallbackPolicy {
	p, err := tariff.ParseFallbackPolicy(b.TariffFallback)
	if err != nil {
		return tariff.BackfillEarliest
	}
	return p
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("database.path", "rent.db")
	v.SetDefault("billing.diff_threshold", 500)
	v.SetDefault("billing.tariff_fallback", string(tariff.BackfillEarliest))
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.rent_reminder_cron", "0 10 * * *")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads config.yaml from configPath (or the working directory) and
// overlays RENT_* environment variables, e.g. RENT_SERVER_PORT. A missing
// file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("RENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path must be specified")
	}
	if c.Billing.DiffThreshold < 0 {
		return fmt.Errorf("config: billing.diff_threshold must not be negative")
	}
	if _, err := tariff.ParseFallbackPolicy(c.Billing.TariffFallback); err != nil {
		return fmt.Errorf("config: billing.tariff_fallback: %w", err)
	}
	if c.Scheduler.Enabled {
		if _, err := cron.ParseStandard(c.Scheduler.RentReminderCron); err != nil {
			return fmt.Errorf("config: scheduler.rent_reminder_cron: %w", err)
		}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: logging.format %q must be json or console", c.Logging.Format)
	}
	return nil
}
