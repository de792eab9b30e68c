package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/yourusername/teledm-go/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. TELEDM_DOWNLOAD_CHUNK_SIZE
const EnvPrefix = "TELEDM"

// LoadConfig loads configuration from defaults, .env files, a YAML file and
// the environment, in increasing order of precedence.
func LoadConfig(configPath string) (*domain.Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}

	config := domain.DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, config)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.teledm")
		v.AddConfigPath("/etc/teledm")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config = expandPaths(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadEnvFiles loads .env then .env.local from the working directory; both
// are optional and never override variables already set in the process.
func loadEnvFiles() error {
	for _, name := range []string{".env.local", ".env"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper, c *domain.Config) {
	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("server.port", c.Server.Port)

	v.SetDefault("download.download_path", c.Download.DownloadPath)
	v.SetDefault("download.max_concurrent_downloads", c.Download.MaxConcurrentDownloads)
	v.SetDefault("download.chunk_size", c.Download.ChunkSize)
	v.SetDefault("download.retry_attempts", c.Download.RetryAttempts)
	v.SetDefault("download.retry_delay", c.Download.RetryDelay)
	v.SetDefault("download.remove_partial_files", c.Download.RemovePartialFiles)

	v.SetDefault("queue.database_path", c.Queue.DatabasePath)

	v.SetDefault("telegram.app_id", c.Telegram.AppID)
	v.SetDefault("telegram.app_hash", c.Telegram.AppHash)
	v.SetDefault("telegram.session_path", c.Telegram.SessionPath)
	v.SetDefault("telegram.requests_per_second", c.Telegram.RequestsPerSecond)
	v.SetDefault("telegram.request_timeout", c.Telegram.RequestTimeout)

	v.SetDefault("notification.enabled", c.Notification.Enabled)
	v.SetDefault("notification.method", c.Notification.Method)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
	v.SetDefault("logging.output_path", c.Logging.OutputPath)
	v.SetDefault("logging.logs_dir", c.Logging.LogsDir)

	v.SetDefault("metrics.enabled", c.Metrics.Enabled)
}

// expandPaths expands environment variables in path configurations and makes them absolute
func expandPaths(config *domain.Config) *domain.Config {
	config.Download.DownloadPath = expandPath(config.Download.DownloadPath)
	config.Queue.DatabasePath = expandPath(config.Queue.DatabasePath)
	config.Telegram.SessionPath = expandPath(config.Telegram.SessionPath)
	config.Logging.LogsDir = expandPath(config.Logging.LogsDir)

	if config.Logging.OutputPath != "stdout" && config.Logging.OutputPath != "stderr" {
		config.Logging.OutputPath = expandPath(config.Logging.OutputPath)
	}

	return config
}

// expandPath expands environment variables and ~ in paths and anchors
// relative paths to the working directory, so a server restarted from
// elsewhere still finds its files
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	path = os.ExpandEnv(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// validateConfig checks every section and reports all failures at once
func validateConfig(config *domain.Config) error {
	var errs []error

	if config.Server.Port < 1 || config.Server.Port > 65535 {
		errs = append(errs, &domain.ConfigError{Option: "server.port", Reason: fmt.Sprintf("%d is not a valid port", config.Server.Port)})
	}

	if err := config.Download.Validate(); err != nil {
		errs = append(errs, err)
	}

	if config.Queue.DatabasePath == "" {
		errs = append(errs, &domain.ConfigError{Option: "queue.database_path", Reason: "must not be empty"})
	}

	if config.Telegram.RequestsPerSecond < 0 {
		errs = append(errs, &domain.ConfigError{Option: "telegram.requests_per_second", Reason: "must be >= 0 (0 = unlimited)"})
	}
	if config.Telegram.RequestTimeout < 0 {
		errs = append(errs, &domain.ConfigError{Option: "telegram.request_timeout", Reason: "must be >= 0"})
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	case "":
		config.Logging.Level = "info"
	default:
		errs = append(errs, &domain.ConfigError{Option: "logging.level", Reason: fmt.Sprintf("unknown level %q", config.Logging.Level)})
	}

	return errors.Join(errs...)
}

// SaveConfig saves configuration to file
func SaveConfig(config *domain.Config, path string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	v.Set("server", map[string]interface{}{
		"host": config.Server.Host,
		"port": config.Server.Port,
	})
	v.Set("download", map[string]interface{}{
		"download_path":            config.Download.DownloadPath,
		"max_concurrent_downloads": config.Download.MaxConcurrentDownloads,
		"chunk_size":               config.Download.ChunkSize,
		"retry_attempts":           config.Download.RetryAttempts,
		"retry_delay":              config.Download.RetryDelay,
		"remove_partial_files":     config.Download.RemovePartialFiles,
	})
	v.Set("queue", map[string]interface{}{
		"database_path": config.Queue.DatabasePath,
	})
	v.Set("telegram", map[string]interface{}{
		"app_id":              config.Telegram.AppID,
		"app_hash":            config.Telegram.AppHash,
		"session_path":        config.Telegram.SessionPath,
		"requests_per_second": config.Telegram.RequestsPerSecond,
		"request_timeout":     config.Telegram.RequestTimeout.String(),
	})
	v.Set("notification", map[string]interface{}{
		"enabled": config.Notification.Enabled,
		"method":  config.Notification.Method,
	})
	v.Set("logging", map[string]interface{}{
		"level":       config.Logging.Level,
		"format":      config.Logging.Format,
		"output_path": config.Logging.OutputPath,
		"logs_dir":    config.Logging.LogsDir,
	})
	v.Set("metrics", map[string]interface{}{
		"enabled": config.Metrics.Enabled,
	})

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
