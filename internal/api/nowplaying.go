package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stwalsh4118/chronos/internal/db"
	"github.com/stwalsh4118/chronos/internal/logger"
	"github.com/stwalsh4118/chronos/internal/models"
)

// trackLookup resolves the track playing at a given shift behind live
type trackLookup interface {
	Lookup(ctx context.Context, shift time.Duration) (*models.TrackPlay, error)
}

// NowPlayingHandler serves the time-shifted now-playing endpoint
type NowPlayingHandler struct {
	tracker trackLookup
	delay   time.Duration
}

// NewNowPlayingHandler creates a new now-playing handler instance.
// A nil tracker means the feature is not configured.
func NewNowPlayingHandler(tracker trackLookup, delay time.Duration) *NowPlayingHandler {
	return &NowPlayingHandler{
		tracker: tracker,
		delay:   delay,
	}
}

// GetNowPlaying handles GET /api/nowplaying?timeshift
// Returns the track that was on air timeshift milliseconds ago,
// defaulting to the configured stream delay.
func (h *NowPlayingHandler) GetNowPlaying(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "nowplaying_disabled",
			Message: "No now-playing source is configured",
		})
		return
	}

	shift := h.delay
	if raw := c.Query("timeshift"); raw != "" {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || millis < 0 || millis > maxTimeshiftMillis {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_timeshift",
				Message: "Timeshift must be between 0 and 86400000 milliseconds",
			})
			return
		}
		shift = time.Duration(millis) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	play, err := h.tracker.Lookup(ctx, shift)
	if err != nil {
		if db.IsNotFound(err) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "track_not_found",
				Message: "No track recorded at that offset",
			})
			return
		}
		logger.Log.Error().Err(err).Msg("Now-playing lookup failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "lookup_failed",
			Message: "Failed to query track history",
		})
		return
	}

	c.JSON(http.StatusOK, play)
}

// SetupNowPlayingRoutes registers now-playing routes
func SetupNowPlayingRoutes(apiGroup *gin.RouterGroup, tracker trackLookup, delay time.Duration) {
	handler := NewNowPlayingHandler(tracker, delay)
	apiGroup.GET("/nowplaying", handler.GetNowPlaying)
}
