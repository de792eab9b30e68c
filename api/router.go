package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/teledm-go/api/handlers"
	"github.com/yourusername/teledm-go/api/middleware"
	"github.com/yourusername/teledm-go/internal/app"
	"github.com/yourusername/teledm-go/pkg/logger"
)

// RouterOptions carries the optional pieces of the HTTP surface
type RouterOptions struct {
	// LogsDir enables the log endpoints when set
	LogsDir string
	// Metrics is served on /metrics when set
	Metrics http.Handler
}

// SetupRouter sets up the HTTP router over the download manager
func SetupRouter(
	downloadMgr *app.DownloadManager,
	log *zap.Logger,
	multiLogger *logger.MultiLogger,
	opts RouterOptions,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(middleware.Logger(multiLogger))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS())

	// Health endpoints
	healthHandler := handlers.NewHealthHandler(downloadMgr)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	v1 := router.Group("/api/v1")
	{
		downloadHandler := handlers.NewDownloadHandler(downloadMgr, log)
		tasks := v1.Group("/tasks")
		{
			tasks.POST("", downloadHandler.AddDownload)
			tasks.GET("", downloadHandler.ListDownloads)
			tasks.DELETE("", downloadHandler.ClearDownloads)
			tasks.GET("/stats", downloadHandler.GetStats)
			tasks.GET("/:id", downloadHandler.GetDownload)
			tasks.POST("/:id/pause", downloadHandler.PauseDownload)
			tasks.POST("/:id/resume", downloadHandler.ResumeDownload)
			tasks.POST("/:id/cancel", downloadHandler.CancelDownload)
			tasks.DELETE("/:id", downloadHandler.DeleteDownload)
		}

		eventHandler := handlers.NewEventWebSocketHandler(downloadMgr, log)
		v1.GET("/events", eventHandler.HandleWebSocket)

		if opts.LogsDir != "" {
			logHandler := handlers.NewLogHandler(opts.LogsDir)
			tasks.GET("/:id/history", logHandler.TaskHistory)

			logs := v1.Group("/logs")
			{
				logs.GET("/categories", logHandler.GetCategories)
				logs.GET("/:category", logHandler.GetLogs)
				logs.GET("/:category/search", logHandler.SearchLogs)
			}
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
