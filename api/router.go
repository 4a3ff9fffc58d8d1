// clipforge/api/router.go
package api

import (
	"github.com/gin-gonic/gin"

	"clipforge/config"
	"clipforge/fetch"
	"clipforge/settings"
	"clipforge/task"
)

func SetupRouter(jm *task.Manager, cfg *config.Config, st *settings.Store, f *fetch.Fetcher) *gin.Engine {
	r := gin.Default()
	h := NewHandler(jm, cfg, st, f)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		// Async job endpoints
		v1.POST("/jobs", h.handleCreateJob)
		v1.GET("/jobs", h.handleListJobs)
		v1.GET("/jobs/:jobId", h.handleGetJob)
		v1.PATCH("/jobs/:jobId/cancel", h.handleCancelJob)

		// File download endpoint (does not need auth if URLs are unguessable)
		// but we put it here for consistency.
		v1.GET("/files/:filename", h.handleGetFile)

		// Runtime settings
		v1.GET("/settings", h.handleGetSettings)
		v1.PUT("/settings/service-url", h.handleSetServiceURL)
		v1.PUT("/settings/storage-path", h.handleSetStoragePath)
		v1.POST("/settings/debug", h.handleToggleDebug)
		v1.POST("/settings/persistent", h.handleTogglePersistent)
		v1.PUT("/settings/expiry", h.handleSetExpiry)
		v1.PUT("/settings/threshold", h.handleSetThreshold)
		v1.POST("/settings/reset-setup", h.handleResetSetup)
	}
	return r
}
