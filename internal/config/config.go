package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rewired-gh/runflow/internal/engine"
	"github.com/rewired-gh/runflow/internal/los"
)

// Config represents the complete application configuration
type Config struct {
	Engine    EngineConfig           `mapstructure:"engine"`
	Events    map[string]EventConfig `mapstructure:"events"`
	Rulebook  RulebookConfig         `mapstructure:"rulebook"`
	Reconcile ReconcileConfig        `mapstructure:"reconcile"`
	Storage   StorageConfig          `mapstructure:"storage"`
	Telegram  TelegramConfig         `mapstructure:"telegram"`
	Logging   LoggingConfig          `mapstructure:"logging"`
}

// EngineConfig holds binning and scheduling parameters
type EngineConfig struct {
	BinStepKm          float64 `mapstructure:"bin_step_km"`
	WindowSeconds      int     `mapstructure:"window_seconds"`
	Workers            int     `mapstructure:"workers"`
	OverlapToleranceKm float64 `mapstructure:"overlap_tolerance_km"`
	Epoch              string  `mapstructure:"epoch"` // RFC 3339 race-clock zero
}

// EventConfig describes one race sharing the course
type EventConfig struct {
	CourseKm float64       `mapstructure:"course_km"`
	Start    time.Duration `mapstructure:"start"` // gun time after the epoch
}

// SchemaConfig holds the thresholds of one schema key
type SchemaConfig struct {
	Density map[string]los.BandSpec `mapstructure:"density"`
	Flow    map[string]float64      `mapstructure:"flow"`
}

// RulebookConfig holds LOS tables and flag triggers
type RulebookConfig struct {
	Schemas  map[string]SchemaConfig `mapstructure:"schemas"`
	Triggers []los.Trigger           `mapstructure:"triggers"`
}

// ReconcileConfig holds the reconciliation audit settings
type ReconcileConfig struct {
	Tolerance float64 `mapstructure:"tolerance"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	DBPath  string `mapstructure:"db_path"`
	MaxRuns int    `mapstructure:"max_runs"` // 0 keeps every run
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
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

	// RUNFLOW_TELEGRAM_BOT_TOKEN overrides telegram.bot_token
	v.SetEnvPrefix("RUNFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
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
	// Engine defaults
	v.SetDefault("engine.bin_step_km", 0.1)
	v.SetDefault("engine.window_seconds", 60)
	v.SetDefault("engine.workers", 0)
	v.SetDefault("engine.overlap_tolerance_km", 0.001)

	// Reconcile defaults
	v.SetDefault("reconcile.tolerance", 0.02)

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/runflow.db")
	v.SetDefault("storage.max_runs", 0)

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Engine config
	if c.Engine.BinStepKm <= 0 {
		return fmt.Errorf("engine.bin_step_km must be positive")
	}
	if c.Engine.WindowSeconds < 1 {
		return fmt.Errorf("engine.window_seconds must be at least 1")
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must not be negative")
	}
	if c.Engine.OverlapToleranceKm < 0 {
		return fmt.Errorf("engine.overlap_tolerance_km must not be negative")
	}
	if _, err := c.EpochTime(); err != nil {
		return err
	}

	// Validate Events
	if len(c.Events) == 0 {
		return fmt.Errorf("events must contain at least one event")
	}
	for name, e := range c.Events {
		if e.CourseKm <= 0 {
			return fmt.Errorf("events.%s.course_km must be positive", name)
		}
		if e.Start < 0 {
			return fmt.Errorf("events.%s.start must not be negative", name)
		}
	}

	// Validate Rulebook
	if _, err := c.BuildRulebook(); err != nil {
		return err
	}

	// Validate Reconcile config
	if c.Reconcile.Tolerance <= 0 || c.Reconcile.Tolerance >= 1 {
		return fmt.Errorf("reconcile.tolerance must be between 0 and 1")
	}

	// Validate Storage config
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.MaxRuns < 0 {
		return fmt.Errorf("storage.max_runs must not be negative")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// EpochTime parses engine.epoch
func (c *Config) EpochTime() (time.Time, error) {
	if c.Engine.Epoch == "" {
		return time.Time{}, fmt.Errorf("engine.epoch is required")
	}
	t, err := time.Parse(time.RFC3339, c.Engine.Epoch)
	if err != nil {
		return time.Time{}, fmt.Errorf("engine.epoch must be RFC 3339: %w", err)
	}
	return t.UTC(), nil
}

// BuildRulebook converts the rulebook section into a validated los.Rulebook.
// Schema keys and band grades are matched case-insensitively.
func (c *Config) BuildRulebook() (*los.Rulebook, error) {
	rb := &los.Rulebook{
		Schemas:  make(map[string]los.Schema, len(c.Rulebook.Schemas)),
		Triggers: c.Rulebook.Triggers,
	}
	for name, sc := range c.Rulebook.Schemas {
		table, err := los.NewTable(sc.Density)
		if err != nil {
			return nil, fmt.Errorf("rulebook.schemas.%s: %w", name, err)
		}
		flow := make(map[string]float64, len(sc.Flow))
		for ref, v := range sc.Flow {
			flow[strings.ToLower(ref)] = v
		}
		rb.Schemas[strings.ToLower(name)] = los.Schema{Density: table, Flow: flow}
	}
	if err := rb.Validate(); err != nil {
		return nil, fmt.Errorf("rulebook: %w", err)
	}
	return rb, nil
}

// EngineOptions returns the engine section as run options
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		StepKm:             c.Engine.BinStepKm,
		WindowSeconds:      float64(c.Engine.WindowSeconds),
		Workers:            c.Engine.Workers,
		OverlapToleranceKm: c.Engine.OverlapToleranceKm,
	}
}

// CourseLengths returns each event's course length in km
func (c *Config) CourseLengths() map[string]float64 {
	out := make(map[string]float64, len(c.Events))
	for name, e := range c.Events {
		out[strings.ToLower(name)] = e.CourseKm
	}
	return out
}

// EventStarts returns each event's gun time in seconds after the epoch
func (c *Config) EventStarts() map[string]float64 {
	out := make(map[string]float64, len(c.Events))
	for name, e := range c.Events {
		out[strings.ToLower(name)] = e.Start.Seconds()
	}
	return out
}
