// clipforge/api/handler.go
package api

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"clipforge/config"
	"clipforge/fetch"
	"clipforge/pipeline"
	"clipforge/settings"
	"clipforge/task"
)

type Handler struct {
	jobManager *task.Manager
	cfg        *config.Config
	st         *settings.Store
	fetcher    *fetch.Fetcher
}

func NewHandler(jm *task.Manager, cfg *config.Config, st *settings.Store, f *fetch.Fetcher) *Handler {
	return &Handler{
		jobManager: jm,
		cfg:        cfg,
		st:         st,
		fetcher:    f,
	}
}

type JobRequest struct {
	Command string `json:"command" binding:"required"`
	Args    string `json:"args" binding:"required"`
}

// handleCreateJob handles asynchronous job creation.
func (h *Handler) handleCreateJob(c *gin.Context) {
	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmd, err := pipeline.ParseCommand(req.Command)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	j, err := h.jobManager.Submit(cmd, req.Args)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": j.ID})
}

// handleListJobs lists all jobs.
func (h *Handler) handleListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, h.jobManager.List())
}

// attachDownloadURLs fills in the serving URL for every locally kept output
// of a completed job. Uploaded files already carry their hosted URL.
func (h *Handler) attachDownloadURLs(c *gin.Context, j *task.Job) {
	if j.Status != task.StatusCompleted || j.Outcome == nil {
		return
	}

	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	for i := range j.Outcome.Files {
		f := &j.Outcome.Files[i]
		if f.Uploaded || f.Path == "" {
			continue
		}
		f.DownloadURL = fmt.Sprintf("%s/api/v1/files/%s", baseURL, filepath.Base(f.Path))
	}
}

// handleGetJob retrieves the status of a single job.
func (h *Handler) handleGetJob(c *gin.Context) {
	jobID := c.Param("jobId")
	j, found := h.jobManager.Get(jobID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	h.attachDownloadURLs(c, j)
	c.JSON(http.StatusOK, j)
}

// handleCancelJob cancels a job.
func (h *Handler) handleCancelJob(c *gin.Context) {
	jobID := c.Param("jobId")
	if err := h.jobManager.Cancel(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job cancellation requested"})
}

// handleGetFile serves a completed output file.
func (h *Handler) handleGetFile(c *gin.Context) {
	filename := c.Param("filename")
	filePath, err := h.jobManager.GetFilePath(filename)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.File(filePath)
}

// handleGetSettings returns the current settings plus a live probe of the
// extraction service. A failed probe is reported in-line rather than failing
// the whole view.
func (h *Handler) handleGetSettings(c *gin.Context) {
	resp := gin.H{
		"serviceUrl":    h.st.ServiceURL(),
		"storagePath":   h.st.StoragePath(),
		"debug":         h.st.Debug(),
		"persistent":    h.st.Persistent(),
		"expiry":        h.st.Expiry(),
		"thresholdMb":   h.st.ThresholdMB(),
		"everConnected": h.st.EverConnected(),
	}

	info, err := h.fetcher.Probe(c.Request.Context())
	if err != nil {
		resp["service"] = gin.H{"reachable": false, "error": pipeline.UserMessage(err)}
	} else {
		resp["service"] = gin.H{
			"reachable":     true,
			"version":       info.Version,
			"services":      info.Services,
			"durationLimit": info.DurationLimit,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleSetServiceURL(c *gin.Context) {
	var req struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service URL must start with http:// or https://"})
		return
	}
	if err := h.st.SetServiceURL(req.URL); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"serviceUrl": req.URL})
}

func (h *Handler) handleSetStoragePath(c *gin.Context) {
	var req struct {
		Path string `json:"path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.st.SetStoragePath(req.Path); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"storagePath": req.Path})
}

func (h *Handler) handleToggleDebug(c *gin.Context) {
	v, err := h.st.ToggleDebug()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if v {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	c.JSON(http.StatusOK, gin.H{"debug": v})
}

func (h *Handler) handleTogglePersistent(c *gin.Context) {
	v, err := h.st.TogglePersistent()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"persistent": v})
}

func (h *Handler) handleSetExpiry(c *gin.Context) {
	var req struct {
		Hours string `json:"hours" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.st.SetExpiry(req.Hours); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"expiry": h.st.Expiry()})
}

func (h *Handler) handleSetThreshold(c *gin.Context) {
	var req struct {
		MB float64 `json:"mb" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.st.SetThresholdMB(req.MB); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"thresholdMb": req.MB})
}

// handleResetSetup clears the connection latch so the next service failure
// reads as a first-time setup problem again.
func (h *Handler) handleResetSetup(c *gin.Context) {
	if err := h.st.ResetSetup(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Setup state reset"})
}
