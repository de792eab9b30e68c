package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/teledm-go/internal/domain"
	"github.com/yourusername/teledm-go/pkg/logger"
)

var errEmptyChunk = errors.New("provider returned no data")

// Transfer drives the chunked resumable protocol for one task at a time.
// It is stateless between runs; all progress lives in the task row.
type Transfer struct {
	repo        domain.TaskRepository
	provider    domain.FileProvider
	bus         *EventBus
	config      domain.DownloadConfig
	logger      *zap.Logger
	multiLogger *logger.MultiLogger
	now         func() time.Time
}

// NewTransfer creates a transfer driver
func NewTransfer(
	repo domain.TaskRepository,
	provider domain.FileProvider,
	bus *EventBus,
	config domain.DownloadConfig,
	logger *zap.Logger,
	multiLogger *logger.MultiLogger,
) *Transfer {
	return &Transfer{
		repo:        repo,
		provider:    provider,
		bus:         bus,
		config:      config,
		logger:      logger,
		multiLogger: multiLogger,
		now:         time.Now,
	}
}

// Run transfers a claimed task until it completes, fails, or honours a stop.
// The final status is always persisted before Run returns. The returned error
// is non-nil only when the store failed, which is fatal to the engine.
func (tr *Transfer) Run(ctx context.Context, task *domain.DownloadTask, sig *taskSignal) error {
	ref, err := task.Ref()
	if err != nil {
		return tr.fail(task, domain.Permanent(err))
	}

	file, err := tr.openDestination(task)
	if err != nil {
		return tr.fail(task, err)
	}
	defer file.Close()

	speed := newSpeedMeter(tr.now)

	for {
		if kind := sig.Take(); kind != stopNone {
			return tr.stop(task, kind)
		}
		if ctx.Err() != nil {
			return tr.stop(task, stopShutdown)
		}

		if !task.SizeKnown() {
			info, err := tr.provider.Probe(ctx, ref)
			if err != nil {
				if done, serr := tr.handleFailure(ctx, task, sig, err); done {
					return serr
				}
				continue
			}
			tr.applyProbe(task, info)
			if err := tr.repo.Update(task); err != nil {
				return err
			}
			continue
		}

		remaining := task.Remaining()
		if remaining < 0 {
			return tr.fail(task, domain.Permanent(fmt.Errorf(
				"recorded progress %d exceeds remote size %d", task.BytesDownloaded, *task.TotalSize)))
		}
		if remaining == 0 {
			return tr.complete(task)
		}

		length := task.ChunkSize
		if remaining < length {
			length = remaining
		}
		offset := task.BytesDownloaded

		data, err := tr.provider.FetchRange(ctx, ref, offset, length)
		if err == nil && len(data) == 0 {
			err = domain.Transient(errEmptyChunk)
		}
		if err != nil {
			if done, serr := tr.handleFailure(ctx, task, sig, err); done {
				return serr
			}
			continue
		}
		// a pause or cancel that arrived during the request wins over the
		// chunk; it is fetched again on resume
		if kind := sig.TakeUserStop(); kind != stopNone {
			return tr.stop(task, kind)
		}
		if int64(len(data)) > length {
			data = data[:length]
		}

		// file first, then the row: a crash in between leaves extra bytes on
		// disk that the next run truncates
		if err := writeChunk(file, data, offset); err != nil {
			return tr.fail(task, err)
		}

		n := int64(len(data))
		task.Advance(n)
		if err := tr.repo.Update(task); err != nil {
			return err
		}

		tr.multiLogger.LogTransfer("chunk_written",
			zap.String("task_id", task.ID),
			zap.Int64("offset", offset),
			zap.Int64("bytes", n))

		tr.bus.Publish(domain.Event{
			Type:            domain.EventTaskProgress,
			TaskID:          task.ID,
			BytesDownloaded: task.BytesDownloaded,
			TotalSize:       task.TotalSize,
			ChunkBytes:      n,
			SpeedBps:        speed.Add(n),
		})
	}
}

// openDestination opens the partial file and reconciles it with the
// persisted offset
func (tr *Transfer) openDestination(task *domain.DownloadTask) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(task.DestinationPath), 0755); err != nil {
		return nil, domain.Permanent(fmt.Errorf("failed to create destination directory: %w", err))
	}

	file, err := os.OpenFile(task.DestinationPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("failed to open destination: %w", err))
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, domain.Permanent(fmt.Errorf("failed to stat destination: %w", err))
	}

	switch size := info.Size(); {
	case size > task.BytesDownloaded:
		tr.logger.Info("Truncating partial file to persisted progress",
			zap.String("id", task.ID),
			zap.Int64("file_size", size),
			zap.Int64("bytes_downloaded", task.BytesDownloaded))
		if err := file.Truncate(task.BytesDownloaded); err != nil {
			file.Close()
			return nil, domain.Permanent(fmt.Errorf("failed to truncate destination: %w", err))
		}
	case size < task.BytesDownloaded:
		file.Close()
		return nil, domain.Permanent(fmt.Errorf(
			"partial file has %d bytes but %d were recorded", size, task.BytesDownloaded))
	}

	return file, nil
}

func writeChunk(file *os.File, data []byte, offset int64) error {
	if _, err := file.WriteAt(data, offset); err != nil {
		return domain.Permanent(fmt.Errorf("failed to write chunk: %w", err))
	}
	if err := file.Sync(); err != nil {
		return domain.Permanent(fmt.Errorf("failed to sync chunk: %w", err))
	}
	return nil
}

func (tr *Transfer) applyProbe(task *domain.DownloadTask, info *domain.FileInfo) {
	task.SetTotalSize(info.Size)
	if task.DisplayName == "" && info.SuggestedName != "" {
		task.DisplayName = info.SuggestedName
	}
	if info.MimeType != "" {
		task.MimeType = info.MimeType
	}
	tr.multiLogger.LogTransfer("size_probed",
		zap.String("task_id", task.ID),
		zap.Int64("total_size", info.Size))
}

// handleFailure applies the retry policy. done reports whether Run must
// return; err is then the store error, if any.
func (tr *Transfer) handleFailure(ctx context.Context, task *domain.DownloadTask, sig *taskSignal, cause error) (done bool, err error) {
	kind, retryAfter := domain.ClassifyError(cause)
	attempt := task.RetryCount + 1
	decision := Decide(attempt, kind, retryAfter, tr.config.RetryAttempts, tr.config.RetryBackoff())

	switch decision.Action {
	case ActionCancel:
		// the worker context only ends on shutdown; a user stop takes precedence
		stop := sig.Take()
		if stop == stopNone {
			stop = stopShutdown
		}
		return true, tr.stop(task, stop)

	case ActionGiveUp:
		return true, tr.fail(task, cause)
	}

	task.RecordRetry(attempt, cause)
	if err := tr.repo.Update(task); err != nil {
		return true, err
	}

	tr.logger.Warn("Chunk request failed, retrying",
		zap.String("id", task.ID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", decision.Delay),
		zap.Error(cause))
	tr.multiLogger.LogTransfer("chunk_retry",
		zap.String("task_id", task.ID),
		zap.Int("attempt", attempt),
		zap.String("error", cause.Error()))

	tr.bus.Publish(domain.Event{
		Type:      domain.EventTaskRetrying,
		TaskID:    task.ID,
		Attempt:   attempt,
		RetryIn:   decision.Delay,
		LastError: cause.Error(),
	})

	tr.sleep(ctx, sig, decision.Delay)
	return false, nil
}

// sleep waits for the retry delay; a stop request or shutdown ends it early
func (tr *Transfer) sleep(ctx context.Context, sig *taskSignal, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-sig.Notify():
	case <-ctx.Done():
	}
}

func (tr *Transfer) complete(task *domain.DownloadTask) error {
	old := task.Status
	task.MarkCompleted()
	if err := tr.repo.Update(task); err != nil {
		return err
	}

	tr.logger.Info("Download completed",
		zap.String("id", task.ID),
		zap.String("file", task.DestinationPath),
		zap.Int64("bytes", task.BytesDownloaded))
	tr.multiLogger.LogQueueEvent("task_completed",
		zap.String("task_id", task.ID),
		zap.Int64("bytes", task.BytesDownloaded))

	tr.bus.Publish(statusChanged(task, old))
	return nil
}

func (tr *Transfer) fail(task *domain.DownloadTask, cause error) error {
	old := task.Status
	task.MarkFailed(cause)
	if err := tr.repo.Update(task); err != nil {
		return err
	}

	tr.logger.Error("Download failed",
		zap.String("id", task.ID),
		zap.String("source", task.SourceRef),
		zap.Error(cause))
	tr.multiLogger.LogQueueEvent("task_failed",
		zap.String("task_id", task.ID),
		zap.String("error", cause.Error()))

	tr.bus.Publish(domain.Event{
		Type:      domain.EventTaskFailed,
		TaskID:    task.ID,
		LastError: task.LastError,
		Task:      task.Snapshot(),
	})
	tr.bus.Publish(statusChanged(task, old))
	return nil
}

func (tr *Transfer) stop(task *domain.DownloadTask, kind stopKind) error {
	old := task.Status
	task.MarkStopped(kind.targetStatus())
	if err := tr.repo.Update(task); err != nil {
		return err
	}

	tr.multiLogger.LogQueueEvent("task_stopped",
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.Int64("bytes_downloaded", task.BytesDownloaded))

	tr.bus.Publish(statusChanged(task, old))
	return nil
}
