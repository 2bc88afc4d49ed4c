//go:build integration
// +build integration

package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stwalsh4118/chronos/internal/db"
	"github.com/stwalsh4118/chronos/internal/nowplaying"
	"github.com/stwalsh4118/chronos/internal/playlist"
)

const (
	waitFor = 3 * time.Second
	tick    = 20 * time.Millisecond
)

func TestColdStartServesStream(t *testing.T) {
	_, srv := newRadioOrigin(t, 100, 3)
	stack := newTimeShiftStack(t, t.TempDir(), srv.URL+"/live/stream.m3u8", 8*time.Hour)
	stack.start(t)

	require.Eventually(t, func() bool {
		return stack.cache.Stats().SegmentCount == 3
	}, waitFor, tick, "buffer never filled from the origin")

	code, headers, body := stack.get(t, "/stream.m3u8")
	require.Equal(t, 200, code)
	assert.Equal(t, "application/vnd.apple.mpegurl", headers.Get("Content-Type"))

	content := string(body)
	assert.Contains(t, content, "#EXTM3U")
	assert.Contains(t, content, "#EXT-X-MEDIA-SEQUENCE:100")
	assert.Contains(t, content, "/stream/segment/100.ts")
	assert.Contains(t, content, "/stream/segment/102.ts")
	assert.NotContains(t, content, "#EXT-X-ENDLIST", "live playlists must stay open-ended")

	code, headers, body = stack.get(t, "/stream/segment/100.ts")
	require.Equal(t, 200, code)
	assert.Equal(t, "video/mp2t", headers.Get("Content-Type"))
	assert.Equal(t, []byte("mpegts-payload-100"), body)
}

func TestStatusReportsFillingBuffer(t *testing.T) {
	_, srv := newRadioOrigin(t, 100, 3)
	stack := newTimeShiftStack(t, t.TempDir(), srv.URL+"/live/stream.m3u8", 8*time.Hour)
	stack.start(t)

	require.Eventually(t, func() bool {
		return stack.cache.Stats().SegmentCount == 3
	}, waitFor, tick)

	code, _, body := stack.get(t, "/api/status")
	require.Equal(t, 200, code)

	var status struct {
		Running bool `json:"running"`
		Cache   struct {
			OldestSequence int64 `json:"oldestSequence"`
			NewestSequence int64 `json:"newestSequence"`
		} `json:"cache"`
		Buffer struct {
			Ready             bool    `json:"ready"`
			DelaySeconds      float64 `json:"delaySeconds"`
			SecondsUntilReady float64 `json:"secondsUntilReady"`
		} `json:"buffer"`
	}
	require.NoError(t, json.Unmarshal(body, &status))

	assert.True(t, status.Running)
	assert.Equal(t, int64(100), status.Cache.OldestSequence)
	assert.Equal(t, int64(102), status.Cache.NewestSequence)
	assert.False(t, status.Buffer.Ready, "an 8h delay cannot be ready seconds after start")
	assert.InDelta(t, 28800, status.Buffer.DelaySeconds, 0.01)
	assert.Greater(t, status.Buffer.SecondsUntilReady, 28000.0)
}

func TestWindowFollowsOrigin(t *testing.T) {
	origin, srv := newRadioOrigin(t, 100, 3)
	stack := newTimeShiftStack(t, t.TempDir(), srv.URL+"/live/stream.m3u8", time.Hour)
	stack.start(t)

	require.Eventually(t, func() bool {
		return stack.cache.Stats().SegmentCount == 3
	}, waitFor, tick)

	origin.advance()
	origin.advance()

	require.Eventually(t, func() bool {
		return stack.cache.Stats().NewestSequence == 104
	}, waitFor, tick, "new origin segments never reached the buffer")

	code, _, body := stack.get(t, "/api/playlist?format=json")
	require.Equal(t, 200, code)

	var pl playlist.Playlist
	require.NoError(t, json.Unmarshal(body, &pl))
	require.True(t, pl.Available)
	assert.Equal(t, int64(100), pl.MediaSequence)
	require.Len(t, pl.Segments, 5)
	assert.Equal(t, "/stream/segment/104.ts", pl.Segments[4].URI)

	code, _, body = stack.get(t, "/stream/segment/104.ts")
	require.Equal(t, 200, code)
	assert.Equal(t, []byte("mpegts-payload-104"), body)
}

func TestRestartRecoversBufferFromDisk(t *testing.T) {
	baseDir := t.TempDir()
	_, srv := newRadioOrigin(t, 100, 3)
	upstream := srv.URL + "/live/stream.m3u8"

	first := newTimeShiftStack(t, baseDir, upstream, time.Hour)
	first.start(t)
	require.Eventually(t, func() bool {
		return first.cache.Stats().SegmentCount == 3
	}, waitFor, tick)
	first.supervisor.Close()

	// A fresh process over the same directory serves the recovered
	// buffer before ingest restarts.
	second := newTimeShiftStack(t, baseDir, upstream, time.Hour)
	require.NoError(t, second.supervisor.Init())

	stats := second.cache.Stats()
	assert.Equal(t, 3, stats.SegmentCount)
	assert.Equal(t, int64(100), stats.OldestSequence)

	code, _, body := second.get(t, "/stream/segment/101.ts")
	require.Equal(t, 200, code)
	assert.Equal(t, []byte("mpegts-payload-101"), body)

	code, _, body = second.get(t, "/stream.m3u8")
	require.Equal(t, 200, code)
	assert.Contains(t, string(body), "/stream/segment/100.ts")
}

func TestEmptyBufferServesWarmupPlaylist(t *testing.T) {
	_, srv := newRadioOrigin(t, 100, 3)
	stack := newTimeShiftStack(t, t.TempDir(), srv.URL+"/live/stream.m3u8", 8*time.Hour)

	// Never started, so nothing is buffered yet.
	code, _, body := stack.get(t, "/stream.m3u8")
	require.Equal(t, 200, code)
	content := string(body)
	assert.Contains(t, content, "#EXT-X-DISCONTINUITY")
	assert.Contains(t, content, "/stream/unavailable.ts")

	code, headers, body := stack.get(t, "/stream/unavailable.ts")
	require.Equal(t, 200, code)
	assert.Equal(t, "video/mp2t", headers.Get("Content-Type"))
	require.Len(t, body, 188)
	assert.EqualValues(t, 0x47, body[0])
}

func TestNowPlayingTracksOriginMetadata(t *testing.T) {
	origin, srv := newRadioOrigin(t, 100, 3)
	origin.setTrack("Golden Hour", "The Wave")

	database := setupTestDB(t)
	repo := db.NewTrackHistoryRepository(database)
	tracker := nowplaying.NewTracker(repo, nowplaying.TrackerConfig{
		URL:          srv.URL + "/nowplaying.json",
		PollInterval: 25 * time.Millisecond,
		Retention:    time.Hour,
	})
	tracker.Start()
	t.Cleanup(tracker.Stop)

	require.Eventually(t, func() bool {
		return tracker.Status().Recorded >= 1
	}, waitFor, tick, "first track never recorded")

	origin.setTrack("Night Drive", "Neon City")

	require.Eventually(t, func() bool {
		return tracker.Status().Recorded >= 2
	}, waitFor, tick, "track change never recorded")

	play, err := repo.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Night Drive", play.Title)
	assert.Equal(t, "Neon City", play.Artist)

	current, err := tracker.Lookup(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "Night Drive", current.Title)
}
