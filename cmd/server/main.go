package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/teledm-go/api"
	"github.com/yourusername/teledm-go/api/handlers"
	"github.com/yourusername/teledm-go/internal/app"
	"github.com/yourusername/teledm-go/internal/domain"
	"github.com/yourusername/teledm-go/internal/infrastructure"
	"github.com/yourusername/teledm-go/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath = flag.String("config", "", "Path to config file (default: ./configs, ~/.teledm, /etc/teledm)")
	daemon     = flag.Bool("daemon", false, "Detach and run the server in the background")
)

func main() {
	flag.Parse()

	if *daemon {
		startAsDaemon()
		return
	}

	if err := runServer(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// startAsDaemon re-executes the binary in the foreground mode, detached from
// the terminal
func startAsDaemon() {
	execPath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get executable path: %v\n", err)
		os.Exit(1)
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "/"
	}

	args := []string{}
	if *configPath != "" {
		args = append(args, "-config", *configPath)
	}
	cmd := exec.Command(execPath, args...)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	detach(cmd)

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", os.DevNull, err)
		os.Exit(1)
	}
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start daemon: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Server started as daemon (PID: %d)\n", cmd.Process.Pid)
}

func runServer() error {
	config, err := app.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:      config.Logging.Level,
		Format:     config.Logging.Format,
		OutputPath: config.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	multiLog, err := logger.NewMultiLogger(logger.MultiLoggerConfig{
		Level:   config.Logging.Level,
		LogsDir: config.Logging.LogsDir,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize category logs: %w", err)
	}
	defer multiLog.Close()

	log.Info("Starting TeleDM server",
		zap.String("version", handlers.Version),
		zap.String("host", config.Server.Host),
		zap.Int("port", config.Server.Port),
		zap.String("download_path", config.Download.DownloadPath),
		zap.Int("max_concurrent_downloads", config.Download.MaxConcurrentDownloads))

	repo, err := infrastructure.NewSQLiteTaskRepository(config.Queue.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := infrastructure.NewTelegramProvider(config.Telegram, log)
	if err != nil {
		return err
	}
	if err := provider.Start(ctx); err != nil {
		return fmt.Errorf("failed to start telegram client: %w", err)
	}
	defer provider.Close()

	downloadMgr, err := app.NewDownloadManager(repo, provider, config.Download, log, multiLog)
	if err != nil {
		return err
	}

	notifier := infrastructure.NewNotificationService(&config.Notification, log)
	downloadMgr.Subscribe(notifier.Observe)
	defer notifier.Wait()

	opts := api.RouterOptions{LogsDir: config.Logging.LogsDir}
	if config.Metrics.Enabled {
		metrics := infrastructure.NewPrometheusMetrics()
		downloadMgr.Subscribe(metrics.Observe)
		opts.Metrics = metrics.Handler()
	}

	downloadMgr.Subscribe(func(e domain.Event) {
		if e.Type == domain.EventEngineAlert {
			log.Error("Download engine stopped accepting work", zap.String("error", e.LastError))
		}
	})

	if err := downloadMgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start download manager: %w", err)
	}

	router := api.SetupRouter(downloadMgr, log, multiLog, opts)

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("HTTP server failed", zap.Error(err))
	}

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	// running transfers persist their offset and stay queued for the next start
	if err := downloadMgr.Shutdown(shutdownCtx); err != nil {
		log.Error("Download manager did not stop cleanly", zap.Error(err))
	}

	log.Info("Server exited")
	return nil
}
