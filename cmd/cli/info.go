package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/yourusername/teledm-go/internal/app"
	"github.com/yourusername/teledm-go/internal/domain"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the effective configuration and paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := app.LoadConfig(configPath)
		if err != nil {
			return err
		}

		d := config.Download
		fmt.Println("TeleDM configuration:")
		fmt.Printf("  Server:                %s:%d\n", config.Server.Host, config.Server.Port)
		fmt.Printf("  Download path:         %s\n", d.DownloadPath)
		fmt.Printf("  Concurrent downloads:  %d\n", d.MaxConcurrentDownloads)
		fmt.Printf("  Chunk size:            %s\n", formatBytes(d.ChunkSize))
		fmt.Printf("  Retry attempts:        %s\n", unlimited(d.RetryAttempts))
		fmt.Printf("  Retry delay:           %s\n", d.RetryBackoff())
		fmt.Printf("  Remove partial files:  %t\n", d.RemovePartialFiles)
		fmt.Printf("  Database:              %s\n", config.Queue.DatabasePath)
		fmt.Printf("  Telegram session:      %s\n", config.Telegram.SessionPath)
		fmt.Printf("  Telegram app id set:   %t\n", config.Telegram.AppID != 0)
		fmt.Printf("  Requests per second:   %g\n", config.Telegram.RequestsPerSecond)
		fmt.Printf("  Logs directory:        %s\n", config.Logging.LogsDir)
		fmt.Printf("  Metrics:               %t\n", config.Metrics.Enabled)
		fmt.Printf("  Notifications:         %t (%s)\n", config.Notification.Enabled, config.Notification.Method)

		fmt.Printf("  Server reachable:      %t (%s)\n", isServerRunning(), serverURL)
		return nil
	},
}

func unlimited(n int) string {
	if n == 0 {
		return "unlimited"
	}
	return fmt.Sprint(n)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the default settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(os.Getenv("HOME"), ".teledm", "config.yaml")
		if len(args) == 1 {
			path = args[0]
		}

		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		if err := app.SaveConfig(domain.DefaultConfig(), path); err != nil {
			return err
		}
		fmt.Printf("Config written to %s\n", path)
		fmt.Println("Set telegram.app_id and telegram.app_hash before starting the server.")
		return nil
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
}
