package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stwalsh4118/chronos/internal/pipeline"
)

// pipelineStatus exposes the ingest pipeline snapshot
type pipelineStatus interface {
	Status() pipeline.Status
}

// bufferAge exposes the discovery time of the oldest buffered segment
type bufferAge interface {
	OldestTime() (int64, bool)
}

// BufferReadiness reports how far the buffer has filled toward the
// configured delay. Until the oldest segment is at least delay old, the
// time-shifted stream cannot serve real content.
type BufferReadiness struct {
	Ready             bool    `json:"ready"`
	SecondsUntilReady float64 `json:"secondsUntilReady"`
	DelaySeconds      float64 `json:"delaySeconds"`
	OldestAgeSeconds  float64 `json:"oldestAgeSeconds"`
}

// StatusResponse is the full pipeline status plus buffer readiness
type StatusResponse struct {
	pipeline.Status
	Buffer BufferReadiness `json:"buffer"`
}

// StatusHandler serves the pipeline status endpoint
type StatusHandler struct {
	pipe  pipelineStatus
	cache bufferAge
	delay time.Duration

	nowFunc func() time.Time
}

// NewStatusHandler creates a new status handler instance
func NewStatusHandler(pipe pipelineStatus, cache bufferAge, delay time.Duration) *StatusHandler {
	return &StatusHandler{
		pipe:    pipe,
		cache:   cache,
		delay:   delay,
		nowFunc: time.Now,
	}
}

// GetStatus handles GET /api/status
func (h *StatusHandler) GetStatus(c *gin.Context) {
	resp := StatusResponse{
		Status: h.pipe.Status(),
		Buffer: h.readiness(),
	}
	c.JSON(http.StatusOK, resp)
}

// readiness computes how much of the delay window is already buffered.
// An empty buffer reports the full delay outstanding.
func (h *StatusHandler) readiness() BufferReadiness {
	r := BufferReadiness{DelaySeconds: h.delay.Seconds()}

	oldest, ok := h.cache.OldestTime()
	if ok {
		r.OldestAgeSeconds = float64(h.nowFunc().UnixMilli()-oldest) / 1000
		if r.OldestAgeSeconds < 0 {
			r.OldestAgeSeconds = 0
		}
	}

	remaining := r.DelaySeconds - r.OldestAgeSeconds
	if remaining <= 0 {
		r.Ready = true
		remaining = 0
	}
	r.SecondsUntilReady = remaining
	return r
}

// SetupStatusRoutes registers status routes
func SetupStatusRoutes(apiGroup *gin.RouterGroup, pipe pipelineStatus, cache bufferAge, delay time.Duration) {
	handler := NewStatusHandler(pipe, cache, delay)
	apiGroup.GET("/status", handler.GetStatus)
}
