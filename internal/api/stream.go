// Package api provides HTTP handlers for the REST API endpoints.
package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stwalsh4118/chronos/internal/buffer"
	"github.com/stwalsh4118/chronos/internal/logger"
	"github.com/stwalsh4118/chronos/internal/playlist"
)

const (
	contentTypeM3U8    = "application/vnd.apple.mpegurl"
	contentTypeMPEGTS  = "video/mp2t"
	playlistCacheCtl   = "no-cache, max-age=3"
	segmentCacheCtl    = "public, max-age=86400"
	tsPacketSize       = 188
	maxTimeshiftMillis = 86400000
)

// playlistGenerator renders the time-shifted playlist for stream requests
type playlistGenerator interface {
	Generate(opts playlist.Options) *playlist.Playlist
}

// segmentCache looks up buffered segments for delivery
type segmentCache interface {
	GetBySequence(seq int64) *buffer.Segment
}

// unavailablePacket is the MPEG-TS packet served for the placeholder
// segment: a sync byte followed by zeros. Players skip it without
// stalling the stream.
var unavailablePacket = func() []byte {
	p := make([]byte, tsPacketSize)
	p[0] = 0x47
	return p
}()

// StreamHandler serves the delayed HLS stream
type StreamHandler struct {
	generator playlistGenerator
	cache     segmentCache
}

// NewStreamHandler creates a new stream handler instance
func NewStreamHandler(generator playlistGenerator, cache segmentCache) *StreamHandler {
	return &StreamHandler{
		generator: generator,
		cache:     cache,
	}
}

// GetPlaylist handles GET /stream.m3u8
// Serves the playlist window anchored at now minus the configured delay.
func (h *StreamHandler) GetPlaylist(c *gin.Context) {
	pl := h.generator.Generate(playlist.Options{TimeShift: -1})

	if !pl.Available {
		logger.Log.Debug().
			Str("client_ip", c.ClientIP()).
			Msg("Serving empty playlist template, no buffered content at offset")
	}

	c.Header("Cache-Control", playlistCacheCtl)
	c.Data(http.StatusOK, contentTypeM3U8, []byte(pl.M3U8))
}

// GetSegment handles GET /stream/segment/:file
// The file parameter is "{sequence}.ts"; bytes come from the rolling buffer.
func (h *StreamHandler) GetSegment(c *gin.Context) {
	file := c.Param("file")

	name, ok := strings.CutSuffix(file, ".ts")
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_segment",
			Message: "Segment must be a .ts file",
		})
		return
	}

	seq, err := strconv.ParseInt(name, 10, 64)
	if err != nil || seq < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_segment",
			Message: "Segment name must be a sequence number",
		})
		return
	}

	seg := h.cache.GetBySequence(seq)
	if seg == nil {
		// Either never buffered or already evicted. Not cacheable: the
		// sequence may arrive shortly after a client races the monitor.
		c.Header("Cache-Control", "no-cache")
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "segment_not_found",
			Message: "Segment not in buffer",
		})
		return
	}

	if len(seg.Bytes) == 0 {
		logger.Log.Error().
			Int64("sequence", seq).
			Msg("Segment indexed but bytes unavailable")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "segment_unavailable",
			Message: "Segment data could not be read",
		})
		return
	}

	// Buffered segments are immutable once written
	c.Header("Cache-Control", segmentCacheCtl)
	c.Data(http.StatusOK, contentTypeMPEGTS, seg.Bytes)
}

// GetUnavailable handles GET /stream/unavailable.ts
// Serves the placeholder referenced by the empty playlist template.
func (h *StreamHandler) GetUnavailable(c *gin.Context) {
	c.Header("Cache-Control", segmentCacheCtl)
	c.Data(http.StatusOK, contentTypeMPEGTS, unavailablePacket)
}

// SetupStreamRoutes registers the HLS delivery routes at the router root
func SetupStreamRoutes(router *gin.Engine, generator playlistGenerator, cache segmentCache) {
	handler := NewStreamHandler(generator, cache)

	router.GET("/stream.m3u8", handler.GetPlaylist)
	router.GET("/stream/segment/:file", handler.GetSegment)
	router.GET("/stream/unavailable.ts", handler.GetUnavailable)
}
