// Package config provides configuration management using Viper.
// It loads configuration from environment variables, .env files, and config files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultServerPort   = 8080
	defaultServerHost   = "0.0.0.0"
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 30 * time.Second

	defaultPollInterval         = 10 * time.Second
	defaultMaxConsecutiveErrors = 5
	defaultMonitorRetryDelay    = 30 * time.Second

	defaultBufferDuration  = 8*time.Hour + 30*time.Minute
	defaultBufferDelay     = 8 * time.Hour
	defaultCleanupInterval = time.Minute

	defaultMaxConcurrentDownloads = 3
	defaultMaxRetries             = 3
	defaultRetryBaseDelay         = time.Second
	defaultMaxRetryDelay          = 30 * time.Second
	defaultRequestTimeout         = 30 * time.Second
	defaultMaxResumeBytes         = 4 << 20

	defaultStorageBaseDir = "./data/buffer"
	defaultStorageUseDisk = true

	defaultDatabasePath              = "./data/chronos.db"
	defaultDatabaseConnectionTimeout = 5 * time.Second
	defaultDatabaseEnableWAL         = true

	defaultNowPlayingPollInterval = 15 * time.Second

	defaultLogLevel  = "info"
	defaultLogPretty = false

	envPrefix = "CHRONOS"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Upstream   UpstreamConfig
	Buffer     BufferConfig
	Download   DownloadConfig
	Storage    StorageConfig
	Database   DatabaseConfig
	NowPlaying NowPlayingConfig
	Logging    LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// UpstreamConfig holds the upstream HLS source and monitor poll settings
type UpstreamConfig struct {
	URL                  string
	PollInterval         time.Duration
	MaxConsecutiveErrors int
	RetryDelay           time.Duration
}

// BufferConfig holds the rolling buffer retention and time-shift settings.
// Delay is how far behind live the served stream runs; it must stay below
// Duration or the anchor segment would already be evicted.
type BufferConfig struct {
	Duration        time.Duration
	Delay           time.Duration
	CleanupInterval time.Duration
}

// DownloadConfig holds segment downloader concurrency and retry settings
type DownloadConfig struct {
	MaxConcurrent  int
	MaxRetries     int
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration
	RequestTimeout time.Duration
	MaxResumeBytes int64
}

// StorageConfig holds segment persistence configuration
type StorageConfig struct {
	BaseDir string
	UseDisk bool
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Path              string
	ConnectionTimeout time.Duration
	EnableWAL         bool
}

// NowPlayingConfig holds the track-metadata poller configuration.
// An empty URL disables the poller and the /api/nowplaying route.
type NowPlayingConfig struct {
	URL          string
	PollInterval time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Pretty bool
}

// Load reads configuration from .env file, config files, environment variables, and defaults
func Load() (*Config, error) {
	// Load .env file if present (optional, won't error if missing)
	// .env files are optional in production and CI where env vars are set directly
	_ = godotenv.Load() // nolint:errcheck // .env file is optional

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/chronos")

	// Environment variable settings
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.host", defaultServerHost)
	v.SetDefault("server.readtimeout", defaultReadTimeout)
	v.SetDefault("server.writetimeout", defaultWriteTimeout)

	// Upstream defaults. The URL has no sensible default but must be
	// registered with viper so the env binding is picked up by Unmarshal.
	v.SetDefault("upstream.url", "")
	v.SetDefault("upstream.pollinterval", defaultPollInterval)
	v.SetDefault("upstream.maxconsecutiveerrors", defaultMaxConsecutiveErrors)
	v.SetDefault("upstream.retrydelay", defaultMonitorRetryDelay)

	// Buffer defaults
	v.SetDefault("buffer.duration", defaultBufferDuration)
	v.SetDefault("buffer.delay", defaultBufferDelay)
	v.SetDefault("buffer.cleanupinterval", defaultCleanupInterval)

	// Download defaults
	v.SetDefault("download.maxconcurrent", defaultMaxConcurrentDownloads)
	v.SetDefault("download.maxretries", defaultMaxRetries)
	v.SetDefault("download.retrybasedelay", defaultRetryBaseDelay)
	v.SetDefault("download.maxretrydelay", defaultMaxRetryDelay)
	v.SetDefault("download.requesttimeout", defaultRequestTimeout)
	v.SetDefault("download.maxresumebytes", defaultMaxResumeBytes)

	// Storage defaults
	v.SetDefault("storage.basedir", defaultStorageBaseDir)
	v.SetDefault("storage.usedisk", defaultStorageUseDisk)

	// Database defaults
	v.SetDefault("database.path", defaultDatabasePath)
	v.SetDefault("database.connectiontimeout", defaultDatabaseConnectionTimeout)
	v.SetDefault("database.enablewal", defaultDatabaseEnableWAL)

	// Now-playing defaults
	v.SetDefault("nowplaying.url", "")
	v.SetDefault("nowplaying.pollinterval", defaultNowPlayingPollInterval)

	// Logging defaults
	v.SetDefault("logging.level", defaultLogLevel)
	v.SetDefault("logging.pretty", defaultLogPretty)
}

// Validate checks that configuration values are valid
func (c *Config) Validate() error {
	// Validate server port
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}

	// Validate timeout durations
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("invalid read timeout: %v (must be > 0)", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("invalid write timeout: %v (must be > 0)", c.Server.WriteTimeout)
	}

	// Validate upstream settings
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream URL is required (set %s_UPSTREAM_URL)", envPrefix)
	}
	if err := validateHTTPURL(c.Upstream.URL); err != nil {
		return fmt.Errorf("invalid upstream URL: %w", err)
	}
	if c.Upstream.PollInterval <= 0 {
		return fmt.Errorf("invalid upstream poll interval: %v (must be > 0)", c.Upstream.PollInterval)
	}
	if c.Upstream.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("invalid max consecutive errors: %d (must be >= 1)", c.Upstream.MaxConsecutiveErrors)
	}
	if c.Upstream.RetryDelay <= 0 {
		return fmt.Errorf("invalid upstream retry delay: %v (must be > 0)", c.Upstream.RetryDelay)
	}

	// Validate buffer settings. The delay must leave headroom inside the
	// retention window; anchoring at an already-evicted time is a
	// misconfiguration, not something to paper over at runtime.
	if c.Buffer.Duration <= 0 {
		return fmt.Errorf("invalid buffer duration: %v (must be > 0)", c.Buffer.Duration)
	}
	if c.Buffer.Delay < 0 {
		return fmt.Errorf("invalid buffer delay: %v (must be >= 0)", c.Buffer.Delay)
	}
	if c.Buffer.Delay >= c.Buffer.Duration {
		return fmt.Errorf("buffer delay %v must be less than buffer duration %v", c.Buffer.Delay, c.Buffer.Duration)
	}
	if c.Buffer.CleanupInterval <= 0 {
		return fmt.Errorf("invalid cleanup interval: %v (must be > 0)", c.Buffer.CleanupInterval)
	}

	// Validate download settings
	if c.Download.MaxConcurrent < 1 {
		return fmt.Errorf("invalid max concurrent downloads: %d (must be >= 1)", c.Download.MaxConcurrent)
	}
	if c.Download.MaxRetries < 0 {
		return fmt.Errorf("invalid max retries: %d (must be >= 0)", c.Download.MaxRetries)
	}
	if c.Download.RetryBaseDelay <= 0 {
		return fmt.Errorf("invalid retry base delay: %v (must be > 0)", c.Download.RetryBaseDelay)
	}
	if c.Download.MaxRetryDelay < c.Download.RetryBaseDelay {
		return fmt.Errorf("invalid max retry delay: %v (must be >= retry base delay %v)", c.Download.MaxRetryDelay, c.Download.RetryBaseDelay)
	}
	if c.Download.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request timeout: %v (must be > 0)", c.Download.RequestTimeout)
	}
	if c.Download.MaxResumeBytes < 0 {
		return fmt.Errorf("invalid max resume bytes: %d (must be >= 0)", c.Download.MaxResumeBytes)
	}

	// Validate storage settings
	if c.Storage.UseDisk && c.Storage.BaseDir == "" {
		return fmt.Errorf("storage base dir cannot be empty when disk storage is enabled")
	}

	// Validate database settings
	if c.Database.ConnectionTimeout <= 0 {
		return fmt.Errorf("invalid database connection timeout: %v (must be > 0)", c.Database.ConnectionTimeout)
	}

	// Validate now-playing settings (optional feature)
	if c.NowPlaying.URL != "" {
		if err := validateHTTPURL(c.NowPlaying.URL); err != nil {
			return fmt.Errorf("invalid now-playing URL: %w", err)
		}
		if c.NowPlaying.PollInterval <= 0 {
			return fmt.Errorf("invalid now-playing poll interval: %v (must be > 0)", c.NowPlaying.PollInterval)
		}
	}

	// Validate log level
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.Logging.Level, strings.Join(validLevels, ", "))
	}

	return nil
}

// NowPlayingEnabled reports whether the track-metadata poller is configured
func (c *Config) NowPlayingEnabled() bool {
	return c.NowPlaying.URL != ""
}

// validateHTTPURL checks that a URL parses and uses an http(s) scheme
func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// contains checks if a string slice contains a specific value
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
