package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/teledm-go/internal/app"
	"github.com/yourusername/teledm-go/internal/domain"
)

// DownloadHandler handles task-related HTTP requests
type DownloadHandler struct {
	downloadMgr *app.DownloadManager
	logger      *zap.Logger
}

// NewDownloadHandler creates a new download handler
func NewDownloadHandler(downloadMgr *app.DownloadManager, logger *zap.Logger) *DownloadHandler {
	return &DownloadHandler{
		downloadMgr: downloadMgr,
		logger:      logger,
	}
}

// AddDownloadRequest represents a request to enqueue a file
type AddDownloadRequest struct {
	SourceRef       string `json:"source_ref" binding:"required"`
	DisplayName     string `json:"display_name,omitempty"`
	DestinationPath string `json:"destination_path,omitempty"`
}

// AddDownload handles POST /api/v1/tasks
func (h *DownloadHandler) AddDownload(c *gin.Context) {
	var req AddDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.downloadMgr.Enqueue(req.SourceRef, req.DisplayName, req.DestinationPath)
	if err != nil {
		h.respondError(c, "Failed to enqueue download", err)
		return
	}

	c.JSON(http.StatusCreated, task)
}

// GetDownload handles GET /api/v1/tasks/:id
func (h *DownloadHandler) GetDownload(c *gin.Context) {
	task, err := h.downloadMgr.GetTask(c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to get download", err)
		return
	}

	c.JSON(http.StatusOK, task)
}

// ListDownloads handles GET /api/v1/tasks?status=queued,failed
func (h *DownloadHandler) ListDownloads(c *gin.Context) {
	var filter domain.TaskFilter
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := domain.TaskStatus(strings.TrimSpace(s))
			if !domain.ValidateStatus(status) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + string(status)})
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	tasks, err := h.downloadMgr.ListTasks(filter)
	if err != nil {
		h.respondError(c, "Failed to list downloads", err)
		return
	}

	c.JSON(http.StatusOK, tasks)
}

// GetStats handles GET /api/v1/tasks/stats
func (h *DownloadHandler) GetStats(c *gin.Context) {
	stats, err := h.downloadMgr.Stats()
	if err != nil {
		h.respondError(c, "Failed to get stats", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks":  stats,
		"active": h.downloadMgr.ActiveDownloads(),
	})
}

// PauseDownload handles POST /api/v1/tasks/:id/pause
func (h *DownloadHandler) PauseDownload(c *gin.Context) {
	h.command(c, "pause", h.downloadMgr.Pause, "pause requested")
}

// ResumeDownload handles POST /api/v1/tasks/:id/resume
func (h *DownloadHandler) ResumeDownload(c *gin.Context) {
	h.command(c, "resume", h.downloadMgr.Resume, "download queued")
}

// CancelDownload handles POST /api/v1/tasks/:id/cancel
func (h *DownloadHandler) CancelDownload(c *gin.Context) {
	h.command(c, "cancel", h.downloadMgr.Cancel, "download cancelled")
}

// DeleteDownload handles DELETE /api/v1/tasks/:id
func (h *DownloadHandler) DeleteDownload(c *gin.Context) {
	h.command(c, "remove", h.downloadMgr.Remove, "download removed")
}

// ClearDownloads handles DELETE /api/v1/tasks; only finished tasks are removed
func (h *DownloadHandler) ClearDownloads(c *gin.Context) {
	removed, err := h.downloadMgr.ClearAll()
	if err != nil {
		h.respondError(c, "Failed to clear downloads", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *DownloadHandler) command(c *gin.Context, name string, fn func(id string) error, message string) {
	id := c.Param("id")
	if err := fn(id); err != nil {
		h.respondError(c, "Failed to "+name+" download", err, zap.String("id", id))
		return
	}

	task, err := h.downloadMgr.GetTask(id)
	if err != nil {
		// removed tasks have no row left to show
		c.JSON(http.StatusOK, gin.H{"message": message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": message, "task": task})
}

// respondError maps engine errors to HTTP status codes
func (h *DownloadHandler) respondError(c *gin.Context, msg string, err error, fields ...zap.Field) {
	status := StatusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
	} else {
		h.logger.Debug(msg, append(fields, zap.Error(err))...)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// StatusForError returns the HTTP status for an engine error
func StatusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidReference):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStorageUnavailable), errors.Is(err, domain.ErrEngineStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
