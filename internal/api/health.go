package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stwalsh4118/chronos/internal/db"
	"github.com/stwalsh4118/chronos/internal/store"
)

// HealthResponse represents the response from the health check endpoint
type HealthResponse struct {
	Status   string                 `json:"status"`
	Database string                 `json:"database"`
	Storage  string                 `json:"storage"`
	Pipeline string                 `json:"pipeline"`
	Time     string                 `json:"time"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// HealthHandler handles health check requests
type HealthHandler struct {
	db    *db.DB
	store *store.Store
	pipe  pipelineStatus
}

// NewHealthHandler creates a new health check handler.
// A nil store means segments are held in memory only.
func NewHealthHandler(database *db.DB, st *store.Store, pipe pipelineStatus) *HealthHandler {
	return &HealthHandler{db: database, store: st, pipe: pipe}
}

// Check handles the health check endpoint
func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:  "ok",
		Time:    time.Now().UTC().Format(time.RFC3339),
		Details: make(map[string]interface{}),
	}
	degraded := false

	// Check database connectivity
	if err := h.db.Health(ctx); err != nil {
		degraded = true
		response.Database = "unhealthy"
		response.Details["database_error"] = err.Error()
	} else {
		response.Database = "healthy"
	}

	// Check segment storage is writable
	if h.store == nil {
		response.Storage = "memory"
	} else if err := probeWritable(h.store.BaseDir()); err != nil {
		degraded = true
		response.Storage = "unhealthy"
		response.Details["storage_error"] = err.Error()
	} else {
		response.Storage = "healthy"
	}

	// Check the ingest pipeline is running
	if h.pipe.Status().Running {
		response.Pipeline = "running"
	} else {
		degraded = true
		response.Pipeline = "stopped"
	}

	if degraded {
		response.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

// probeWritable writes and removes a marker file in the given directory
func probeWritable(dir string) error {
	probe := filepath.Join(dir, ".healthcheck")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

// SetupHealthRoutes registers health check routes
func SetupHealthRoutes(apiGroup *gin.RouterGroup, database *db.DB, st *store.Store, pipe pipelineStatus) {
	handler := NewHealthHandler(database, st, pipe)
	apiGroup.GET("/health", handler.Check)
}
