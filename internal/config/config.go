// Package config provides configuration loading and validation for tvrelay.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort          = 8080
	defaultServerTimeout       = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultMaxOpenConns        = 25
	defaultMaxIdleConns        = 10
	defaultConnMaxIdleTime     = 10 * time.Minute
	defaultConnectTimeout      = 10 * time.Second
	defaultStallTimeout        = 10 * time.Second
	defaultSegmentDuration     = 4 * time.Second
	defaultPlaylistSize        = 6
	defaultBufferSegments      = 12
	defaultBufferMaxBytes      = "64MB"
	defaultGracePeriod         = 30 * time.Second
	defaultBackoffBase         = 2 * time.Second
	defaultBackoffMax          = 60 * time.Second
	defaultMaxAttempts         = 5
	defaultViewerIdleTimeout   = 30 * time.Second
	defaultSegmentWaitTimeout  = 15 * time.Second
	defaultHealthTimeout       = 10 * time.Second
	defaultHealthConcurrency   = 4
	defaultOfflineThreshold    = 3
	defaultHealthRangeBytes    = 4096
	defaultHealthRetention     = "7d"
	minSegmentDuration         = time.Second
	maxSegmentDuration         = 10 * time.Second
	minGracePeriod             = 30 * time.Second
	maxGracePeriod             = 60 * time.Second
	defaultHealthSchedule      = "*/5 * * * *"
	defaultHealthPruneSchedule = "0 3 * * *"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Relay    RelayConfig    `mapstructure:"relay" yaml:"relay"`
	Health   HealthConfig   `mapstructure:"health" yaml:"health"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"` // Public URL used in redirects (empty = derived from request)
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	// WriteTimeout bounds each response write. 0 disables it, which follow-mode streams require.
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// RelayConfig holds channel relay configuration.
type RelayConfig struct {
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	StallTimeout       time.Duration `mapstructure:"stall_timeout" yaml:"stall_timeout"`
	SegmentDuration    time.Duration `mapstructure:"segment_duration" yaml:"segment_duration"`
	PlaylistSize       int           `mapstructure:"playlist_size" yaml:"playlist_size"`
	BufferSegments     int           `mapstructure:"buffer_segments" yaml:"buffer_segments"`
	BufferMaxBytes     ByteSize      `mapstructure:"buffer_max_bytes" yaml:"buffer_max_bytes"` // Supports "64MB", "1GB" or raw bytes
	GracePeriod        time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	BackoffBase        time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax         time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	MaxAttempts        int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	FailureCooldown    time.Duration `mapstructure:"failure_cooldown" yaml:"failure_cooldown"`
	ViewerIdleTimeout  time.Duration `mapstructure:"viewer_idle_timeout" yaml:"viewer_idle_timeout"`
	SegmentWaitTimeout time.Duration `mapstructure:"segment_wait_timeout" yaml:"segment_wait_timeout"`
	MaxSessions        int           `mapstructure:"max_sessions" yaml:"max_sessions"` // 0 = unlimited
	UserAgent          string        `mapstructure:"user_agent" yaml:"user_agent"`     // Empty = tvrelay/<version>
}

// HealthConfig holds channel health probing configuration.
type HealthConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	Schedule         string        `mapstructure:"schedule" yaml:"schedule"` // 5-field cron expression
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Concurrency      int           `mapstructure:"concurrency" yaml:"concurrency"`
	OfflineThreshold int           `mapstructure:"offline_threshold" yaml:"offline_threshold"` // Consecutive failures before alerting
	RangeBytes       int64         `mapstructure:"range_bytes" yaml:"range_bytes"`
	Retention        Duration      `mapstructure:"retention" yaml:"retention"` // Supports "7d", "2w", "168h"
	PruneSchedule    string        `mapstructure:"prune_schedule" yaml:"prune_schedule"`
}

// MetricsConfig holds Prometheus exporter configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with TVRELAY_ and use underscores for nesting.
// Example: TVRELAY_RELAY_GRACE_PERIOD=45s.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	return LoadWith(v, configPath)
}

// LoadWith is Load on a caller-supplied viper instance, so CLI flags bound to v take effect.
func LoadWith(v *viper.Viper, configPath string) (*Config, error) {
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(".tvrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tvrelay")
	}

	v.SetEnvPrefix("TVRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	return decode(v)
}

// Defaults returns the built-in configuration, ignoring files and the environment.
func Defaults() (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "tvrelay.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Relay defaults
	v.SetDefault("relay.connect_timeout", defaultConnectTimeout)
	v.SetDefault("relay.stall_timeout", defaultStallTimeout)
	v.SetDefault("relay.segment_duration", defaultSegmentDuration)
	v.SetDefault("relay.playlist_size", defaultPlaylistSize)
	v.SetDefault("relay.buffer_segments", defaultBufferSegments)
	v.SetDefault("relay.buffer_max_bytes", defaultBufferMaxBytes)
	v.SetDefault("relay.grace_period", defaultGracePeriod)
	v.SetDefault("relay.backoff_base", defaultBackoffBase)
	v.SetDefault("relay.backoff_max", defaultBackoffMax)
	v.SetDefault("relay.max_attempts", defaultMaxAttempts)
	v.SetDefault("relay.failure_cooldown", 0)
	v.SetDefault("relay.viewer_idle_timeout", defaultViewerIdleTimeout)
	v.SetDefault("relay.segment_wait_timeout", defaultSegmentWaitTimeout)
	v.SetDefault("relay.max_sessions", 0)
	v.SetDefault("relay.user_agent", "")

	// Health defaults
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.schedule", defaultHealthSchedule)
	v.SetDefault("health.timeout", defaultHealthTimeout)
	v.SetDefault("health.concurrency", defaultHealthConcurrency)
	v.SetDefault("health.offline_threshold", defaultOfflineThreshold)
	v.SetDefault("health.range_bytes", defaultHealthRangeBytes)
	v.SetDefault("health.retention", defaultHealthRetention)
	v.SetDefault("health.prune_schedule", defaultHealthPruneSchedule)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// Database validation
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if err := c.Relay.Validate(); err != nil {
		return err
	}
	return c.Health.Validate()
}

// Validate checks the relay section.
func (c *RelayConfig) Validate() error {
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("relay.connect_timeout must be positive")
	}
	if c.StallTimeout <= 0 {
		return fmt.Errorf("relay.stall_timeout must be positive")
	}
	if c.SegmentDuration < minSegmentDuration || c.SegmentDuration > maxSegmentDuration {
		return fmt.Errorf("relay.segment_duration must be between %s and %s", minSegmentDuration, maxSegmentDuration)
	}
	if c.PlaylistSize < 1 {
		return fmt.Errorf("relay.playlist_size must be at least 1")
	}
	if c.BufferSegments < c.PlaylistSize {
		return fmt.Errorf("relay.buffer_segments must be at least relay.playlist_size (%d)", c.PlaylistSize)
	}
	if c.BufferMaxBytes < 0 {
		return fmt.Errorf("relay.buffer_max_bytes must not be negative")
	}
	if c.GracePeriod < minGracePeriod || c.GracePeriod > maxGracePeriod {
		return fmt.Errorf("relay.grace_period must be between %s and %s", minGracePeriod, maxGracePeriod)
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("relay.backoff_base must be positive and not exceed relay.backoff_max")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("relay.max_attempts must be at least 1")
	}
	if c.FailureCooldown < 0 {
		return fmt.Errorf("relay.failure_cooldown must not be negative")
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("relay.max_sessions must not be negative")
	}
	return nil
}

// Validate checks the health section.
func (c *HealthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Schedule == "" {
		return fmt.Errorf("health.schedule is required when health probing is enabled")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("health.timeout must be positive")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("health.concurrency must be at least 1")
	}
	if c.OfflineThreshold < 1 {
		return fmt.Errorf("health.offline_threshold must be at least 1")
	}
	if c.RangeBytes < 1 {
		return fmt.Errorf("health.range_bytes must be at least 1")
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
