// Package config handles configuration loading for ukenergy.
// It supports YAML config files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/seenimoa/ukenergy/internal/settlement"
)

// Config represents the complete application configuration.
type Config struct {
	Elexon  ElexonConfig  `mapstructure:"elexon"  yaml:"elexon"`
	Fetch   FetchConfig   `mapstructure:"fetch"   yaml:"fetch"`
	Paths   PathsConfig   `mapstructure:"paths"   yaml:"paths"`
	ETL     ETLConfig     `mapstructure:"etl"     yaml:"etl"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// ElexonConfig selects the dataset endpoint and the units queried.
type ElexonConfig struct {
	BaseURL string   `mapstructure:"base_url" yaml:"base_url"`
	Units   []string `mapstructure:"units"    yaml:"units"`
	Format  string   `mapstructure:"format"   yaml:"format"`
}

// FetchConfig holds bulk retrieval settings.
type FetchConfig struct {
	Year             int    `mapstructure:"year"                yaml:"year"`
	SpringForward    string `mapstructure:"spring_forward"      yaml:"spring_forward"`      // YYYY-MM-DD; empty derives the UK rule
	FallBack         string `mapstructure:"fall_back"           yaml:"fall_back"`
	MaxConcurrent    int    `mapstructure:"max_concurrent"      yaml:"max_concurrent"`
	RequestDelayMS   int    `mapstructure:"request_delay_ms"    yaml:"request_delay_ms"`
	MaxRetries       int    `mapstructure:"max_retries"         yaml:"max_retries"`         // total attempts per request
	RetryBaseDelayMS int    `mapstructure:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`
	TimeoutSec       int    `mapstructure:"timeout_sec"         yaml:"timeout_sec"`
	CheckpointEvery  int    `mapstructure:"checkpoint_every"    yaml:"checkpoint_every"`
	ProgressEvery    int    `mapstructure:"progress_every"      yaml:"progress_every"`
	RateLimitPerSec  int    `mapstructure:"rate_limit_per_sec"  yaml:"rate_limit_per_sec"`  // 0 disables
}

// PathsConfig holds file locations.
type PathsConfig struct {
	Output     string `mapstructure:"output"     yaml:"output"`
	Checkpoint string `mapstructure:"checkpoint" yaml:"checkpoint"`
	Database   string `mapstructure:"database"   yaml:"database"`
	LogFile    string `mapstructure:"log_file"   yaml:"log_file"`
}

// ETLConfig points at the warehouse recipe and the source files it expects.
type ETLConfig struct {
	Recipe  string   `mapstructure:"recipe"  yaml:"recipe"`
	Sources []string `mapstructure:"sources" yaml:"sources"`
}

// MetricsConfig holds status server settings. An empty Addr disables it.
type MetricsConfig struct {
	Addr        string   `mapstructure:"addr"         yaml:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `mapstructure:"format" yaml:"format"` // "text" or "json"
}

const envPrefix = "UKENERGY"

// Load reads the configuration from file and environment variables.
// Config file search order:
//  1. ./config/config.yaml (project root)
//  2. ~/.ukenergy/config.yaml (home directory)
//  3. /etc/ukenergy/config.yaml (system)
//
// Environment variables override config file values.
// Format: UKENERGY_<SECTION>_<KEY>, e.g., UKENERGY_FETCH_MAX_CONCURRENT
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(filepath.Join(homeDir(), ".ukenergy"))
	v.AddConfigPath("/etc/ukenergy")

	// Read config file (not required to exist)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return unmarshal(v)
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	// AutomaticEnv yields a single string for list keys
	if units := os.Getenv(envPrefix + "_ELEXON_UNITS"); units != "" {
		cfg.Elexon.Units = splitList(units)
	}
	if sources := os.Getenv(envPrefix + "_ETL_SOURCES"); sources != "" {
		cfg.ETL.Sources = splitList(sources)
	}
	return &cfg, nil
}

// setDefaults sets defaults for all config values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("elexon.base_url", "https://data.elexon.co.uk/bmrs/api/v1/datasets/B1610")
	v.SetDefault("elexon.units", []string{"T_SEAB-1", "T_SEAB-2"})
	v.SetDefault("elexon.format", "json")

	v.SetDefault("fetch.year", 2024)
	v.SetDefault("fetch.spring_forward", "")
	v.SetDefault("fetch.fall_back", "")
	v.SetDefault("fetch.max_concurrent", 10)
	v.SetDefault("fetch.request_delay_ms", 100)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.retry_base_delay_ms", 100)
	v.SetDefault("fetch.timeout_sec", 30)
	v.SetDefault("fetch.checkpoint_every", 100)
	v.SetDefault("fetch.progress_every", 1000)
	v.SetDefault("fetch.rate_limit_per_sec", 0)

	v.SetDefault("paths.output", "seabank_generation_2024.csv")
	v.SetDefault("paths.checkpoint", "seabank_checkpoint.json")
	v.SetDefault("paths.database", "data/regional_energy.db")
	v.SetDefault("paths.log_file", "seabank_generation.log")

	v.SetDefault("etl.recipe", "config/regional.yaml")
	v.SetDefault("etl.sources", []string{})

	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Elexon.BaseURL == "" {
		errs = append(errs, errors.New("elexon.base_url is required"))
	}
	if len(c.Elexon.Units) == 0 {
		errs = append(errs, errors.New("elexon.units must list at least one BM unit"))
	}
	if c.Fetch.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("fetch.max_concurrent must be positive, got %d", c.Fetch.MaxConcurrent))
	}
	if c.Fetch.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("fetch.max_retries must be positive, got %d", c.Fetch.MaxRetries))
	}
	if c.Fetch.TimeoutSec < 1 {
		errs = append(errs, fmt.Errorf("fetch.timeout_sec must be positive, got %d", c.Fetch.TimeoutSec))
	}
	if c.Fetch.RequestDelayMS < 0 || c.Fetch.RetryBaseDelayMS < 0 {
		errs = append(errs, errors.New("fetch delays must not be negative"))
	}
	if c.Fetch.CheckpointEvery < 1 {
		errs = append(errs, fmt.Errorf("fetch.checkpoint_every must be positive, got %d", c.Fetch.CheckpointEvery))
	}
	if c.Fetch.RateLimitPerSec < 0 {
		errs = append(errs, fmt.Errorf("fetch.rate_limit_per_sec must not be negative, got %d", c.Fetch.RateLimitPerSec))
	}
	if _, err := c.Calendar(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Calendar returns the settlement calendar of the configured year, with the
// clock-change days overridden when set.
func (c *Config) Calendar() (settlement.Calendar, error) {
	cal := settlement.DefaultCalendar(c.Fetch.Year)
	if c.Fetch.SpringForward != "" {
		d, err := settlement.ParseDate(c.Fetch.SpringForward)
		if err != nil {
			return cal, fmt.Errorf("fetch.spring_forward: %w", err)
		}
		cal.SpringForward = d
	}
	if c.Fetch.FallBack != "" {
		d, err := settlement.ParseDate(c.Fetch.FallBack)
		if err != nil {
			return cal, fmt.Errorf("fetch.fall_back: %w", err)
		}
		cal.FallBack = d
	}
	if err := cal.Validate(); err != nil {
		return cal, fmt.Errorf("fetch calendar: %w", err)
	}
	return cal, nil
}

// RequestDelay is the spacing held after each request.
func (f FetchConfig) RequestDelay() time.Duration {
	return time.Duration(f.RequestDelayMS) * time.Millisecond
}

// RetryBaseDelay is the first backoff interval.
func (f FetchConfig) RetryBaseDelay() time.Duration {
	return time.Duration(f.RetryBaseDelayMS) * time.Millisecond
}

// Timeout bounds a single request attempt.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSec) * time.Second
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}

// homeDir returns the user's home directory.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
