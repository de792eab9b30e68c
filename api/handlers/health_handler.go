package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/teledm-go/internal/app"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// HealthHandler handles health check requests
type HealthHandler struct {
	downloadMgr *app.DownloadManager
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(downloadMgr *app.DownloadManager) *HealthHandler {
	return &HealthHandler{
		downloadMgr: downloadMgr,
	}
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Engine  struct {
		Accepting       bool   `json:"accepting"`
		ActiveDownloads int    `json:"active_downloads"`
		Error           string `json:"error,omitempty"`
	} `json:"engine"`
}

// Health handles GET /health. The process answers even when the engine has
// stopped; readiness reflects the engine.
func (h *HealthHandler) Health(c *gin.Context) {
	response := HealthResponse{
		Status:  "ok",
		Version: Version,
	}
	response.Engine.ActiveDownloads = h.downloadMgr.ActiveDownloads()
	if err := h.downloadMgr.Healthy(); err != nil {
		response.Engine.Error = err.Error()
	} else {
		response.Engine.Accepting = true
	}

	c.JSON(http.StatusOK, response)
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if err := h.downloadMgr.Healthy(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
