package domain

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current status of a download task
type TaskStatus string

const (
	StatusQueued      TaskStatus = "queued"
	StatusDownloading TaskStatus = "downloading"
	StatusPaused      TaskStatus = "paused"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusCancelled   TaskStatus = "cancelled"
)

// AllStatuses lists every task status in lifecycle order
var AllStatuses = []TaskStatus{
	StatusQueued,
	StatusDownloading,
	StatusPaused,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// TerminalStatuses are the statuses clear-all is allowed to remove
var TerminalStatuses = []TaskStatus{StatusCompleted, StatusFailed, StatusCancelled}

// IsTerminal reports whether no worker will touch a task in this status again
// without an explicit user command.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ValidateStatus checks if a status string names a known status
func ValidateStatus(status TaskStatus) bool {
	for _, s := range AllStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// DownloadTask is one requested file and its persisted progress
type DownloadTask struct {
	ID              string     `json:"id" gorm:"primaryKey"`
	SourceRef       string     `json:"source_ref" gorm:"not null"`
	DisplayName     string     `json:"display_name"`
	DestinationPath string     `json:"destination_path" gorm:"not null"`
	TotalSize       *int64     `json:"total_size"`
	BytesDownloaded int64      `json:"bytes_downloaded" gorm:"not null;default:0"`
	ChunkSize       int64      `json:"chunk_size" gorm:"not null"`
	Status          TaskStatus `json:"status" gorm:"not null;index"`
	RetryCount      int        `json:"retry_count" gorm:"not null;default:0"`
	LastError       string     `json:"last_error,omitempty"`
	MimeType        string     `json:"mime_type,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// TableName keeps the schema name stable regardless of the struct name
func (DownloadTask) TableName() string {
	return "download_tasks"
}

// NewDownloadTask creates a queued task. destination must already be resolved.
func NewDownloadTask(ref SourceRef, displayName, destination string, chunkSize int64) *DownloadTask {
	now := time.Now()
	return &DownloadTask{
		ID:              uuid.New().String(),
		SourceRef:       ref.String(),
		DisplayName:     displayName,
		DestinationPath: filepath.Clean(destination),
		ChunkSize:       chunkSize,
		Status:          StatusQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Ref parses the stored source reference
func (t *DownloadTask) Ref() (SourceRef, error) {
	return ParseSourceRef(t.SourceRef)
}

// SizeKnown reports whether the remote size has been learned
func (t *DownloadTask) SizeKnown() bool {
	return t.TotalSize != nil
}

// Remaining returns the number of bytes left, or -1 when the size is unknown
func (t *DownloadTask) Remaining() int64 {
	if t.TotalSize == nil {
		return -1
	}
	return *t.TotalSize - t.BytesDownloaded
}

// IsDone reports whether every byte has been written
func (t *DownloadTask) IsDone() bool {
	return t.TotalSize != nil && t.BytesDownloaded == *t.TotalSize
}

// SetTotalSize records the remote size
func (t *DownloadTask) SetTotalSize(size int64) {
	t.TotalSize = &size
	t.UpdatedAt = time.Now()
}

// MarkDownloading marks the task as occupying a worker slot
func (t *DownloadTask) MarkDownloading() {
	now := time.Now()
	t.Status = StatusDownloading
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.UpdatedAt = now
}

// Advance applies a written chunk. A successful chunk ends the failure streak.
func (t *DownloadTask) Advance(n int64) {
	t.BytesDownloaded += n
	t.RetryCount = 0
	t.LastError = ""
	t.UpdatedAt = time.Now()
}

// RecordRetry stores the attempt number of the current failure streak
func (t *DownloadTask) RecordRetry(attempt int, err error) {
	t.RetryCount = attempt
	t.LastError = err.Error()
	t.UpdatedAt = time.Now()
}

// MarkCompleted marks the task as completed
func (t *DownloadTask) MarkCompleted() {
	now := time.Now()
	t.Status = StatusCompleted
	t.LastError = ""
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// MarkFailed marks the task as failed
func (t *DownloadTask) MarkFailed(err error) {
	now := time.Now()
	t.Status = StatusFailed
	t.LastError = err.Error()
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// MarkStopped records a cooperative stop (paused, cancelled or re-queued)
func (t *DownloadTask) MarkStopped(status TaskStatus) {
	t.Status = status
	t.UpdatedAt = time.Now()
}

// MarkQueued puts a paused or failed task back in line with a fresh retry budget
func (t *DownloadTask) MarkQueued() {
	t.Status = StatusQueued
	t.RetryCount = 0
	t.LastError = ""
	t.CompletedAt = nil
	t.UpdatedAt = time.Now()
}

// Snapshot returns a copy that is safe to hand to event listeners
func (t *DownloadTask) Snapshot() *DownloadTask {
	c := *t
	if t.TotalSize != nil {
		size := *t.TotalSize
		c.TotalSize = &size
	}
	return &c
}
