package app

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/teledm-go/internal/domain"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9000
download:
  download_path: /data/telegram
  max_concurrent_downloads: 0
  chunk_size: 524288
  retry_attempts: 2
  retry_delay: 1
telegram:
  request_timeout: 30s
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, "/data/telegram", config.Download.DownloadPath)
	assert.Equal(t, 0, config.Download.MaxConcurrentDownloads)
	assert.Equal(t, int64(524288), config.Download.ChunkSize)
	assert.Equal(t, 2, config.Download.RetryAttempts)
	assert.Equal(t, time.Second, config.Download.RetryBackoff())
	assert.Equal(t, 30*time.Second, config.Telegram.RequestTimeout)
	// untouched keys keep their defaults
	assert.True(t, config.Download.RemovePartialFiles)
	assert.Equal(t, "info", config.Logging.Level)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
download:
  chunk_size: 524288
`)
	t.Setenv("TELEDM_DOWNLOAD_CHUNK_SIZE", "2097152")
	t.Setenv("TELEDM_TELEGRAM_APP_HASH", "abc123")

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, int64(2097152), config.Download.ChunkSize)
	assert.Equal(t, "abc123", config.Telegram.AppHash)
}

func TestLoadConfig_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	config, err := LoadConfig(writeConfigFile(t, "server:\n  port: 8090\n"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".teledm", "teledm.db"), config.Queue.DatabasePath)
	assert.Equal(t, filepath.Join(home, ".teledm", "logs"), config.Logging.LogsDir)
}

func TestLoadConfig_RelativePathsBecomeAbsolute(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	path := writeConfigFile(t, `
download:
  download_path: ./downloads
queue:
  database_path: data/teledm.db
`)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })
	cwd, err := os.Getwd()
	require.NoError(t, err)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(cwd, "downloads"), config.Download.DownloadPath)
	assert.Equal(t, filepath.Join(cwd, "data", "teledm.db"), config.Queue.DatabasePath)
}

func TestLoadConfig_ReportsEveryInvalidOption(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 0
download:
  chunk_size: -1
  retry_delay: -5
logging:
  level: loud
`)

	_, err := LoadConfig(path)
	require.Error(t, err)

	for _, option := range []string{"server.port", "download.chunk_size", "download.retry_delay", "logging.level"} {
		assert.Contains(t, err.Error(), option)
	}
	var cfgErr *domain.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	config := domain.DefaultConfig()
	config.Download.DownloadPath = "/srv/downloads"
	config.Download.RetryAttempts = 7
	config.Telegram.RequestTimeout = 45 * time.Second
	require.NoError(t, SaveConfig(config, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/downloads", loaded.Download.DownloadPath)
	assert.Equal(t, 7, loaded.Download.RetryAttempts)
	assert.Equal(t, 45*time.Second, loaded.Telegram.RequestTimeout)
}
