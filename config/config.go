package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"marketcore/internal/indicator"
	"marketcore/internal/marketdata/bucket"
	"marketcore/internal/markethours"
	"marketcore/internal/model"
)

// Config holds all application configuration. Values come from defaults,
// an optional config file (CONFIG_FILE) and environment variables, in
// increasing priority.
type Config struct {
	// Bars
	Interval     string `mapstructure:"interval"`
	Timezone     string `mapstructure:"timezone"`
	SessionOpen  string `mapstructure:"session_open"`  // HH:MM in Timezone
	SessionClose string `mapstructure:"session_close"` // HH:MM in Timezone
	Holidays     string `mapstructure:"holidays"`      // comma-separated YYYY-MM-DD
	Symbols      string `mapstructure:"symbols"`       // comma-separated filter; empty means all

	// Indicators ("ema(length=20);rsi(length=14)")
	Indicators string `mapstructure:"indicators"`
	MaxRows    int    `mapstructure:"max_rows"`

	// State checkpoints
	StatePath           string `mapstructure:"state_path"`
	SnapshotIntervalSec int    `mapstructure:"snapshot_interval_sec"`

	// Infrastructure
	FeedURL       string `mapstructure:"feed_url"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	MetricsAddr   string `mapstructure:"metrics_addr"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

var defaults = map[string]any{
	"interval":              "5m",
	"timezone":              "America/New_York",
	"session_open":          "09:30",
	"session_close":         "16:00",
	"holidays":              "",
	"symbols":               "",
	"indicators":            "ema(length=20);rsi(length=14);atr(length=14);macd;bbands",
	"max_rows":              5000,
	"state_path":            "data/indicator_state.json",
	"snapshot_interval_sec": 60,
	"feed_url":              "ws://localhost:9001/ws",
	"redis_addr":            "localhost:6379",
	"redis_password":        "",
	"sqlite_path":           "data/bars.db",
	"metrics_addr":          ":9090",
	"log_level":             "info",
	"log_file":              "",
}

// Load reads configuration from the environment (INTERVAL, TIMEZONE, ...)
// and, when CONFIG_FILE is set, from that YAML/TOML/JSON file.
func Load() (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// Env names are the upper-cased keys: INTERVAL, STATE_PATH, ...
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, model.NewConfigError("read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, model.NewConfigError("decode config", err)
	}
	return &cfg, nil
}

// Validate parses every structured value and returns the first ConfigError.
func (c *Config) Validate() error {
	if _, err := bucket.ParseInterval(c.Interval); err != nil {
		return err
	}
	if _, err := bucket.LoadLocation(c.Timezone); err != nil {
		return err
	}
	if _, err := c.Session(); err != nil {
		return err
	}
	if _, err := c.Specs(); err != nil {
		return err
	}
	if c.MaxRows < 0 {
		return model.NewConfigError("config", errors.New("max_rows must not be negative"))
	}
	if c.SnapshotIntervalSec < 0 {
		return model.NewConfigError("config", errors.New("snapshot_interval_sec must not be negative"))
	}
	return nil
}

// Specs parses the configured indicator list.
func (c *Config) Specs() ([]indicator.Spec, error) {
	return indicator.ParseSpecs(c.Indicators)
}

// Location loads the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	return bucket.LoadLocation(c.Timezone)
}

// Session builds the trading session from the open, close and holiday keys.
func (c *Config) Session() (*markethours.Session, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	holidays, err := markethours.ParseHolidays(c.Holidays)
	if err != nil {
		return nil, model.NewConfigError("config", err)
	}
	s, err := markethours.NewSession(loc, c.SessionOpen, c.SessionClose, holidays)
	if err != nil {
		return nil, model.NewConfigError("config", err)
	}
	return s, nil
}

// SymbolSet returns the symbol filter, nil meaning every symbol.
func (c *Config) SymbolSet() map[string]bool {
	var set map[string]bool
	for _, s := range strings.Split(c.Symbols, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if set == nil {
			set = make(map[string]bool)
		}
		set[s] = true
	}
	return set
}

// SnapshotInterval returns the checkpoint period; zero disables checkpoints.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSec) * time.Second
}
