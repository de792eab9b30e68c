package domain

// TaskFilter narrows FindAll. Zero value matches every task.
type TaskFilter struct {
	Statuses []TaskStatus
}

// TaskRepository defines the interface for task persistence.
// Every write stores the complete row inside a transaction; any database
// failure is reported wrapped in ErrStorageUnavailable, a missing row as
// ErrTaskNotFound.
type TaskRepository interface {
	// Create inserts a new task
	Create(task *DownloadTask) error

	// Update overwrites the full row of an existing task
	Update(task *DownloadTask) error

	// Delete deletes a task by ID
	Delete(id string) error

	// DeleteTerminal deletes completed, failed and cancelled tasks and returns them
	DeleteTerminal() ([]*DownloadTask, error)

	// FindByID finds a task by ID
	FindByID(id string) (*DownloadTask, error)

	// FindAll lists tasks in insertion order
	FindAll(filter TaskFilter) ([]*DownloadTask, error)

	// ClaimNextQueued moves the oldest queued task to downloading and returns it.
	// Returns nil, nil when nothing is queued.
	ClaimNextQueued() (*DownloadTask, error)

	// ResetInterrupted re-queues tasks left in downloading by a previous process
	ResetInterrupted() (int64, error)

	// GetStats returns task counts per status
	GetStats() (*TaskStats, error)
}

// TaskStats represents task statistics
type TaskStats struct {
	Total       int64 `json:"total"`
	Queued      int64 `json:"queued"`
	Downloading int64 `json:"downloading"`
	Paused      int64 `json:"paused"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Cancelled   int64 `json:"cancelled"`
}
