package domain

import "time"

// EventType names an engine event delivered to subscribers
type EventType string

const (
	EventTaskCreated       EventType = "task_created"
	EventTaskProgress      EventType = "task_progress"
	EventTaskStatusChanged EventType = "task_status_changed"
	EventTaskFailed        EventType = "task_failed"
	EventTaskRetrying      EventType = "task_retrying"
	EventTaskRemoved       EventType = "task_removed"
	EventEngineAlert       EventType = "engine_alert"
)

// Event is a progress or state notification for the presentation layer.
// Fields not relevant to Type are left zero.
type Event struct {
	Type            EventType     `json:"type"`
	TaskID          string        `json:"task_id,omitempty"`
	BytesDownloaded int64         `json:"bytes_downloaded,omitempty"`
	TotalSize       *int64        `json:"total_size,omitempty"`
	ChunkBytes      int64         `json:"chunk_bytes,omitempty"`
	SpeedBps        float64       `json:"speed_bps,omitempty"`
	OldStatus       TaskStatus    `json:"old_status,omitempty"`
	NewStatus       TaskStatus    `json:"new_status,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	Attempt         int           `json:"attempt,omitempty"`
	RetryIn         time.Duration `json:"retry_in,omitempty"`
	Task            *DownloadTask `json:"task,omitempty"`
	Time            time.Time     `json:"time"`
}

// EventListener receives engine events. Listeners run on the publishing
// goroutine and must not block.
type EventListener func(Event)
