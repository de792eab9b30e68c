package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/yourusername/teledm-go/internal/domain"
	"github.com/yourusername/teledm-go/pkg/logger"
)

// DownloadManager is the engine's public surface. It owns the store, the
// scheduler and the subscriber list; presentation layers talk to workers
// only through its commands and the event stream.
type DownloadManager struct {
	repo        domain.TaskRepository
	config      domain.DownloadConfig
	bus         *EventBus
	scheduler   *Scheduler
	logger      *zap.Logger
	multiLogger *logger.MultiLogger

	mu       sync.RWMutex
	stopped  bool
	fatalErr error

	enqueueMu sync.Mutex
}

// NewDownloadManager validates config and wires the engine together
func NewDownloadManager(
	repo domain.TaskRepository,
	provider domain.FileProvider,
	config domain.DownloadConfig,
	logger *zap.Logger,
	multiLogger *logger.MultiLogger,
) (*DownloadManager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid download configuration: %w", err)
	}
	downloadPath, err := filepath.Abs(config.DownloadPath)
	if err != nil {
		return nil, fmt.Errorf("invalid download configuration: %w", &domain.ConfigError{Option: "download.download_path", Reason: err.Error()})
	}
	config.DownloadPath = downloadPath

	dm := &DownloadManager{
		repo:        repo,
		config:      config,
		bus:         NewEventBus(logger),
		logger:      logger,
		multiLogger: multiLogger,
	}
	transfer := NewTransfer(repo, provider, dm.bus, config, logger, multiLogger)
	dm.scheduler = NewScheduler(repo, transfer, dm.bus, config.MaxConcurrentDownloads, logger, multiLogger, dm.onStorageFailure)
	return dm, nil
}

// Start resumes interrupted work and begins scheduling
func (dm *DownloadManager) Start(ctx context.Context) error {
	if err := os.MkdirAll(dm.config.DownloadPath, 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	if err := dm.scheduler.Start(ctx); err != nil {
		return dm.command(err)
	}
	return nil
}

// Enqueue validates the reference and stores a queued task. The transfer
// starts asynchronously.
func (dm *DownloadManager) Enqueue(sourceRef, displayName, destinationPath string) (*domain.DownloadTask, error) {
	if err := dm.checkAccepting(); err != nil {
		return nil, err
	}

	ref, err := domain.ParseSourceRef(sourceRef)
	if err != nil {
		return nil, err
	}

	displayName = strings.TrimSpace(displayName)

	dm.enqueueMu.Lock()
	defer dm.enqueueMu.Unlock()

	destination, err := dm.resolveDestination(ref, displayName, destinationPath)
	if err != nil {
		return nil, err
	}

	task := domain.NewDownloadTask(ref, displayName, destination, dm.config.ChunkSize)
	if err := dm.repo.Create(task); err != nil {
		return nil, dm.storageFailure(err)
	}

	dm.logger.Info("Download queued",
		zap.String("id", task.ID),
		zap.String("source", task.SourceRef),
		zap.String("destination", task.DestinationPath))
	dm.multiLogger.LogQueueEvent("task_created",
		zap.String("task_id", task.ID),
		zap.String("source", task.SourceRef),
		zap.String("destination", task.DestinationPath))

	dm.bus.Publish(domain.Event{
		Type:      domain.EventTaskCreated,
		TaskID:    task.ID,
		NewStatus: task.Status,
		Task:      task.Snapshot(),
	})
	dm.scheduler.Wake()
	return task, nil
}

// resolveDestination picks the absolute file a task writes to. Relative
// paths are taken from the download directory; an existing directory
// receives the file under its display name. Names already used on disk or by another
// task get a " (n)" suffix so that no two tasks share a file.
func (dm *DownloadManager) resolveDestination(ref domain.SourceRef, displayName, destinationPath string) (string, error) {
	name := sanitizeFileName(displayName)
	if name == "" {
		name = ref.FallbackFileName()
	}

	path := filepath.Join(dm.config.DownloadPath, name)
	if destinationPath != "" {
		path = destinationPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(dm.config.DownloadPath, path)
		}
		if info, err := os.Stat(path); err == nil && info.IsDir() || strings.HasSuffix(destinationPath, string(filepath.Separator)) {
			path = filepath.Join(path, name)
		}
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: destination %q: %v", domain.ErrInvalidReference, destinationPath, err)
	}

	tasks, err := dm.repo.FindAll(domain.TaskFilter{})
	if err != nil {
		return "", dm.storageFailure(err)
	}
	taken := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		taken[t.DestinationPath] = true
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	candidate := path
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) && !taken[candidate] {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s (%d)%s", base, i, ext)
	}
}

func sanitizeFileName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, strings.ContainsRune(`/\:*?"<>|`, r):
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(name, " .")
	return name
}

// Pause requests a cooperative pause. It is a no-op for tasks that are
// already paused or terminal.
func (dm *DownloadManager) Pause(id string) error {
	return dm.command(dm.scheduler.Pause(id))
}

// Resume re-queues a paused or failed task with a fresh retry budget
func (dm *DownloadManager) Resume(id string) error {
	if err := dm.checkAccepting(); err != nil {
		return err
	}
	return dm.command(dm.scheduler.Resume(id))
}

// Cancel stops a task and keeps its row and partial file for inspection
func (dm *DownloadManager) Cancel(id string) error {
	return dm.command(dm.scheduler.Cancel(id))
}

// Remove cancels the task if needed and deletes its row. The partial file
// is deleted when remove_partial_files is set; completed files are kept.
func (dm *DownloadManager) Remove(id string) error {
	task, err := dm.scheduler.Remove(id)
	if err != nil {
		return dm.command(err)
	}

	dm.removePartialFile(task)
	dm.multiLogger.LogQueueEvent("task_removed", zap.String("task_id", task.ID))
	dm.bus.Publish(domain.Event{Type: domain.EventTaskRemoved, TaskID: task.ID, OldStatus: task.Status})
	return nil
}

// ClearAll removes every completed, failed and cancelled task and returns
// how many were removed. Queued, paused and running tasks are untouched.
func (dm *DownloadManager) ClearAll() (int, error) {
	removed, err := dm.scheduler.ClearTerminal()
	if err != nil {
		return 0, dm.command(err)
	}

	for _, task := range removed {
		dm.removePartialFile(task)
		dm.bus.Publish(domain.Event{Type: domain.EventTaskRemoved, TaskID: task.ID, OldStatus: task.Status})
	}
	dm.multiLogger.LogQueueEvent("tasks_cleared", zap.Int("count", len(removed)))
	return len(removed), nil
}

func (dm *DownloadManager) removePartialFile(task *domain.DownloadTask) {
	if !dm.config.RemovePartialFiles || task.Status == domain.StatusCompleted {
		return
	}
	if err := os.Remove(task.DestinationPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		dm.logger.Warn("Failed to remove partial file",
			zap.String("id", task.ID),
			zap.String("path", task.DestinationPath),
			zap.Error(err))
	}
}

// Subscribe registers a listener for task and engine events. Listeners run
// synchronously and must not block or call back into the manager.
func (dm *DownloadManager) Subscribe(listener domain.EventListener) (unsubscribe func()) {
	return dm.bus.Subscribe(listener)
}

// GetTask returns the persisted state of a task
func (dm *DownloadManager) GetTask(id string) (*domain.DownloadTask, error) {
	task, err := dm.repo.FindByID(id)
	if err != nil {
		return nil, dm.command(err)
	}
	return task, nil
}

// ListTasks lists tasks in enqueue order
func (dm *DownloadManager) ListTasks(filter domain.TaskFilter) ([]*domain.DownloadTask, error) {
	tasks, err := dm.repo.FindAll(filter)
	if err != nil {
		return nil, dm.command(err)
	}
	return tasks, nil
}

// Stats returns task counts per status
func (dm *DownloadManager) Stats() (*domain.TaskStats, error) {
	stats, err := dm.repo.GetStats()
	if err != nil {
		return nil, dm.command(err)
	}
	return stats, nil
}

// ActiveDownloads returns the number of tasks holding a worker slot
func (dm *DownloadManager) ActiveDownloads() int {
	return dm.scheduler.ActiveCount()
}

// Healthy reports whether the engine still accepts work
func (dm *DownloadManager) Healthy() error {
	return dm.checkAccepting()
}

// Shutdown stops accepting work and waits for running transfers to persist
// their progress. Interrupted tasks stay queued and resume on next Start.
func (dm *DownloadManager) Shutdown(ctx context.Context) error {
	dm.mu.Lock()
	dm.stopped = true
	dm.mu.Unlock()

	dm.logger.Info("Shutting down download manager")
	err := dm.scheduler.Shutdown(ctx)
	dm.multiLogger.Sync()
	return err
}

func (dm *DownloadManager) checkAccepting() error {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	if dm.fatalErr != nil {
		return fmt.Errorf("%w: %v", domain.ErrEngineStopped, dm.fatalErr)
	}
	if dm.stopped {
		return domain.ErrEngineStopped
	}
	return nil
}

// command routes store failures from a user command to the fatal path
func (dm *DownloadManager) command(err error) error {
	if errors.Is(err, domain.ErrStorageUnavailable) {
		return dm.storageFailure(err)
	}
	return err
}

func (dm *DownloadManager) storageFailure(err error) error {
	dm.onStorageFailure(err)
	dm.scheduler.halt(err)
	return err
}

// onStorageFailure stops the engine and raises the system alert once
func (dm *DownloadManager) onStorageFailure(err error) {
	dm.mu.Lock()
	first := dm.fatalErr == nil
	if first {
		dm.fatalErr = err
	}
	dm.mu.Unlock()

	if !first {
		return
	}
	dm.bus.Publish(domain.Event{
		Type:      domain.EventEngineAlert,
		LastError: err.Error(),
	})
}
