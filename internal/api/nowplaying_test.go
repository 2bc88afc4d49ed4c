package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stwalsh4118/chronos/internal/db"
	"github.com/stwalsh4118/chronos/internal/models"
)

// mockTrackLookup is a test helper that implements the trackLookup interface
type mockTrackLookup struct {
	play      *models.TrackPlay
	err       error
	lastShift time.Duration
}

func (m *mockTrackLookup) Lookup(ctx context.Context, shift time.Duration) (*models.TrackPlay, error) {
	m.lastShift = shift
	if m.err != nil {
		return nil, m.err
	}
	return m.play, nil
}

func newNowPlayingRouter(tracker trackLookup, delay time.Duration) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupNowPlayingRoutes(router.Group("/api"), tracker, delay)
	return router
}

func TestNowPlayingDisabled(t *testing.T) {
	router := newNowPlayingRouter(nil, 8*time.Hour)

	w := doRequest(router, "/api/nowplaying")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "nowplaying_disabled")
}

func TestNowPlayingDefaultShift(t *testing.T) {
	mock := &mockTrackLookup{
		play: models.NewTrackPlay("Song", "Artist", time.Now().Add(-8*time.Hour)),
	}
	router := newNowPlayingRouter(mock, 8*time.Hour)

	w := doRequest(router, "/api/nowplaying")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 8*time.Hour, mock.lastShift)

	var play models.TrackPlay
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &play))
	assert.Equal(t, "Song", play.Title)
	assert.Equal(t, "Artist", play.Artist)
}

func TestNowPlayingExplicitShift(t *testing.T) {
	mock := &mockTrackLookup{
		play: models.NewTrackPlay("Song", "Artist", time.Now()),
	}
	router := newNowPlayingRouter(mock, 8*time.Hour)

	w := doRequest(router, "/api/nowplaying?timeshift=60000")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Minute, mock.lastShift)
}

func TestNowPlayingInvalidShift(t *testing.T) {
	mock := &mockTrackLookup{}
	router := newNowPlayingRouter(mock, 8*time.Hour)

	for _, q := range []string{"timeshift=-1", "timeshift=86400001", "timeshift=abc"} {
		w := doRequest(router, "/api/nowplaying?"+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
		assert.Contains(t, w.Body.String(), "invalid_timeshift")
	}
}

func TestNowPlayingNoHistory(t *testing.T) {
	mock := &mockTrackLookup{err: db.ErrNotFound}
	router := newNowPlayingRouter(mock, 8*time.Hour)

	w := doRequest(router, "/api/nowplaying")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "track_not_found")
}
