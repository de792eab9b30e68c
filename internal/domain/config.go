package domain

import (
	"errors"
	"time"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Download     DownloadConfig     `mapstructure:"download"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Notification NotificationConfig `mapstructure:"notification"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DownloadConfig contains the engine tunables. It is validated once when the
// download manager is built and never read again by running tasks: each task
// copies the chunk size it needs at enqueue time.
type DownloadConfig struct {
	DownloadPath           string `mapstructure:"download_path"`
	MaxConcurrentDownloads int    `mapstructure:"max_concurrent_downloads"` // 0 = unbounded
	ChunkSize              int64  `mapstructure:"chunk_size"`
	RetryAttempts          int    `mapstructure:"retry_attempts"` // 0 = unlimited
	RetryDelay             int    `mapstructure:"retry_delay"`    // seconds
	RemovePartialFiles     bool   `mapstructure:"remove_partial_files"`
}

// RetryBackoff returns the flat delay between retries
func (c DownloadConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryDelay) * time.Second
}

// Validate checks every option and reports each failure by name
func (c DownloadConfig) Validate() error {
	var errs []error
	if c.DownloadPath == "" {
		errs = append(errs, &ConfigError{Option: "download.download_path", Reason: "must not be empty"})
	}
	if c.MaxConcurrentDownloads < 0 {
		errs = append(errs, &ConfigError{Option: "download.max_concurrent_downloads", Reason: "must be >= 0 (0 = unbounded)"})
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, &ConfigError{Option: "download.chunk_size", Reason: "must be positive"})
	}
	if c.RetryAttempts < 0 {
		errs = append(errs, &ConfigError{Option: "download.retry_attempts", Reason: "must be >= 0 (0 = unlimited)"})
	}
	if c.RetryDelay < 0 {
		errs = append(errs, &ConfigError{Option: "download.retry_delay", Reason: "must be >= 0 seconds"})
	}
	return errors.Join(errs...)
}

// QueueConfig contains task store configuration
type QueueConfig struct {
	DatabasePath string `mapstructure:"database_path"`
}

// TelegramConfig contains Telegram API client configuration
type TelegramConfig struct {
	AppID             int           `mapstructure:"app_id"`
	AppHash           string        `mapstructure:"app_hash"`
	SessionPath       string        `mapstructure:"session_path"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// NotificationConfig contains notification-related configuration
type NotificationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Method  string `mapstructure:"method"` // osascript, notify-send
}

// LoggingConfig contains logging-related configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
	LogsDir    string `mapstructure:"logs_dir"`    // categorized log files
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8090,
		},
		Download: DownloadConfig{
			DownloadPath:           "./downloads",
			MaxConcurrentDownloads: 3,
			ChunkSize:              1024 * 1024,
			RetryAttempts:          5,
			RetryDelay:             5,
			RemovePartialFiles:     true,
		},
		Queue: QueueConfig{
			DatabasePath: "$HOME/.teledm/teledm.db",
		},
		Telegram: TelegramConfig{
			SessionPath:       "$HOME/.teledm/session.json",
			RequestsPerSecond: 5,
			RequestTimeout:    60 * time.Second,
		},
		Notification: NotificationConfig{
			Enabled: false,
			Method:  "notify-send",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stdout",
			LogsDir:    "$HOME/.teledm/logs",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
