package infrastructure

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yourusername/teledm-go/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLiteTaskRepository implements domain.TaskRepository using SQLite
type SQLiteTaskRepository struct {
	db *gorm.DB
}

// NewSQLiteTaskRepository opens (or creates) the task database at dbPath
func NewSQLiteTaskRepository(dbPath string) (*SQLiteTaskRepository, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if err := db.Exec("PRAGMA synchronous=NORMAL").Error; err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if err := db.AutoMigrate(&domain.DownloadTask{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteTaskRepository{db: db}, nil
}

func storageErr(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrTaskNotFound
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrStorageUnavailable, op, err)
}

// Create inserts a new task
func (r *SQLiteTaskRepository) Create(task *domain.DownloadTask) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(task).Error
	})
	if err != nil {
		return storageErr("create", err)
	}
	return nil
}

// Update overwrites every column of an existing task
func (r *SQLiteTaskRepository) Update(task *domain.DownloadTask) error {
	var affected int64
	err := r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(task).Select("*").Updates(task)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return storageErr("update", err)
	}
	if affected == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// Delete deletes a task by ID
func (r *SQLiteTaskRepository) Delete(id string) error {
	res := r.db.Delete(&domain.DownloadTask{}, "id = ?", id)
	if res.Error != nil {
		return storageErr("delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// DeleteTerminal removes completed, failed and cancelled tasks in one
// transaction and returns the removed rows so callers can clean up files.
func (r *SQLiteTaskRepository) DeleteTerminal() ([]*domain.DownloadTask, error) {
	var removed []*domain.DownloadTask
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status IN ?", domain.TerminalStatuses).
			Order("rowid ASC").
			Find(&removed).Error; err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}
		return tx.Where("status IN ?", domain.TerminalStatuses).
			Delete(&domain.DownloadTask{}).Error
	})
	if err != nil {
		return nil, storageErr("delete terminal", err)
	}
	return removed, nil
}

// FindByID finds a task by ID
func (r *SQLiteTaskRepository) FindByID(id string) (*domain.DownloadTask, error) {
	var task domain.DownloadTask
	if err := r.db.First(&task, "id = ?", id).Error; err != nil {
		return nil, storageErr("find", err)
	}
	return &task, nil
}

// FindAll lists tasks in the order they were enqueued
func (r *SQLiteTaskRepository) FindAll(filter domain.TaskFilter) ([]*domain.DownloadTask, error) {
	var tasks []*domain.DownloadTask
	query := r.db.Model(&domain.DownloadTask{})
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if err := query.Order("rowid ASC").Find(&tasks).Error; err != nil {
		return nil, storageErr("list", err)
	}
	return tasks, nil
}

// ClaimNextQueued atomically moves the oldest queued task to downloading.
// Insertion order is the rowid, which SQLite assigns monotonically.
func (r *SQLiteTaskRepository) ClaimNextQueued() (*domain.DownloadTask, error) {
	var claimed *domain.DownloadTask
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var task domain.DownloadTask
		err := tx.Where("status = ?", domain.StatusQueued).
			Order("rowid ASC").
			Limit(1).
			Find(&task).Error
		if err != nil {
			return err
		}
		if task.ID == "" {
			return nil
		}
		task.MarkDownloading()
		if err := tx.Model(&task).Select("*").Updates(&task).Error; err != nil {
			return err
		}
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, storageErr("claim", err)
	}
	return claimed, nil
}

// ResetInterrupted re-queues tasks a previous process left in downloading
func (r *SQLiteTaskRepository) ResetInterrupted() (int64, error) {
	res := r.db.Model(&domain.DownloadTask{}).
		Where("status = ?", domain.StatusDownloading).
		Update("status", domain.StatusQueued)
	if res.Error != nil {
		return 0, storageErr("reset interrupted", res.Error)
	}
	return res.RowsAffected, nil
}

// GetStats returns task statistics
func (r *SQLiteTaskRepository) GetStats() (*domain.TaskStats, error) {
	stats := &domain.TaskStats{}

	statusCounts := []struct {
		Status domain.TaskStatus
		Count  int64
	}{}

	if err := r.db.Model(&domain.DownloadTask{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&statusCounts).Error; err != nil {
		return nil, storageErr("stats", err)
	}

	for _, sc := range statusCounts {
		stats.Total += sc.Count
		switch sc.Status {
		case domain.StatusQueued:
			stats.Queued = sc.Count
		case domain.StatusDownloading:
			stats.Downloading = sc.Count
		case domain.StatusPaused:
			stats.Paused = sc.Count
		case domain.StatusCompleted:
			stats.Completed = sc.Count
		case domain.StatusFailed:
			stats.Failed = sc.Count
		case domain.StatusCancelled:
			stats.Cancelled = sc.Count
		}
	}

	return stats, nil
}

// Close closes the database connection
func (r *SQLiteTaskRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
