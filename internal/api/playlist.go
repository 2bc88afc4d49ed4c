package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stwalsh4118/chronos/internal/playlist"
)

const (
	minPlaylistDuration = 1
	maxPlaylistDuration = 3600
	// nominalSegmentSeconds converts a requested wall duration into a
	// window size.
	nominalSegmentSeconds = 6.4
)

// PlaylistHandler serves custom playlist windows through the JSON API
type PlaylistHandler struct {
	generator playlistGenerator
}

// NewPlaylistHandler creates a new playlist API handler instance
func NewPlaylistHandler(generator playlistGenerator) *PlaylistHandler {
	return &PlaylistHandler{generator: generator}
}

// GetPlaylist handles GET /api/playlist?duration&format&timeshift
// duration is in seconds and sizes the window; timeshift is in
// milliseconds and overrides the configured delay; format selects the
// raw m3u8 rendering or the structured JSON form.
func (h *PlaylistHandler) GetPlaylist(c *gin.Context) {
	opts := playlist.Options{TimeShift: -1}

	if raw := c.Query("duration"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < minPlaylistDuration || seconds > maxPlaylistDuration {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_duration",
				Message: "Duration must be an integer between 1 and 3600 seconds",
			})
			return
		}
		opts.WindowCount = int(math.Ceil(float64(seconds) / nominalSegmentSeconds))
	}

	if raw := c.Query("timeshift"); raw != "" {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || millis < 0 || millis > maxTimeshiftMillis {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_timeshift",
				Message: "Timeshift must be between 0 and 86400000 milliseconds",
			})
			return
		}
		opts.TimeShift = time.Duration(millis) * time.Millisecond
	}

	format := c.DefaultQuery("format", "m3u8")
	switch format {
	case "m3u8", "json":
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_format",
			Message: "Format must be m3u8 or json",
		})
		return
	}

	pl := h.generator.Generate(opts)

	if format == "json" {
		c.JSON(http.StatusOK, pl)
		return
	}
	c.Header("Cache-Control", playlistCacheCtl)
	c.Data(http.StatusOK, contentTypeM3U8, []byte(pl.M3U8))
}

// SetupPlaylistRoutes registers playlist API routes
func SetupPlaylistRoutes(apiGroup *gin.RouterGroup, generator playlistGenerator) {
	handler := NewPlaylistHandler(generator)
	apiGroup.GET("/playlist", handler.GetPlaylist)
}
