// Package config loads the lexora settings from a YAML file, a .env file
// and LEXORA_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const envPrefix = "LEXORA_"

type DatabaseConfig struct {
	Driver        string `yaml:"driver"`
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

type CirculationConfig struct {
	DailyFineRate  string `yaml:"daily_fine_rate"`
	LoanPeriodDays int    `yaml:"loan_period_days"`
	MaxRenewals    int    `yaml:"max_renewals"`
	Timezone       string `yaml:"timezone"`
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Circulation CirculationConfig `yaml:"circulation"`
	Retry       RetryConfig       `yaml:"retry"`
	Log         LogConfig         `yaml:"log"`
}

// Default is what Load returns when neither file nor environment set
// anything.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:        "sqlite3",
			Path:          "library.db",
			BusyTimeoutMS: 5000,
		},
		Circulation: CirculationConfig{
			DailyFineRate:  "1.00",
			LoanPeriodDays: 14,
			MaxRenewals:    2,
			Timezone:       "Local",
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelayMS: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path (skipped when empty or missing), then .env, then the
// environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		buf, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(buf, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Database.Driver, "DB_DRIVER")
	setString(&c.Database.Path, "DB_PATH")
	setString(&c.Circulation.DailyFineRate, "DAILY_FINE_RATE")
	setString(&c.Circulation.Timezone, "TIMEZONE")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	for key, dst := range map[string]*int{
		"DB_BUSY_TIMEOUT_MS":  &c.Database.BusyTimeoutMS,
		"LOAN_PERIOD_DAYS":    &c.Circulation.LoanPeriodDays,
		"MAX_RENEWALS":        &c.Circulation.MaxRenewals,
		"RETRY_MAX_ATTEMPTS":  &c.Retry.MaxAttempts,
		"RETRY_BASE_DELAY_MS": &c.Retry.BaseDelayMS,
	} {
		if err := setInt(dst, key); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = n
	return nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("database.driver must be sqlite3 or sqlite, got %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path is empty")
	}
	if c.Database.BusyTimeoutMS < 0 {
		return errors.New("database.busy_timeout_ms must not be negative")
	}
	rate, err := c.DailyFineRate()
	if err != nil {
		return err
	}
	if rate.IsNegative() {
		return errors.New("circulation.daily_fine_rate must not be negative")
	}
	if c.Circulation.LoanPeriodDays <= 0 {
		return errors.New("circulation.loan_period_days must be positive")
	}
	if c.Circulation.MaxRenewals < 0 {
		return errors.New("circulation.max_renewals must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be positive")
	}
	if c.Retry.BaseDelayMS < 0 {
		return errors.New("retry.base_delay_ms must not be negative")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// DailyFineRate parses circulation.daily_fine_rate.
func (c *Config) DailyFineRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.Circulation.DailyFineRate))
	if err != nil {
		return decimal.Zero, fmt.Errorf("circulation.daily_fine_rate: %w", err)
	}
	return rate, nil
}

// Location resolves circulation.timezone; "" and "Local" mean the host zone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Circulation.Timezone)
	if tz == "" || tz == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("circulation.timezone: %w", err)
	}
	return loc, nil
}

func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Database.BusyTimeoutMS) * time.Millisecond
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMS) * time.Millisecond
}

// LogLevel maps log.level onto slog.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
