package hls

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:7
#EXT-X-MEDIA-SEQUENCE:100
#EXTINF:6.400,
seg100.ts
#EXTINF:6.400,
seg101.ts
#EXTINF:5.760,
seg102.ts
`

const sampleMasterPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=128000,CODECS="mp4a.40.2"
aac_128/stream.m3u8
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=500000,RESOLUTION=640x360,CODECS="avc1.42e00a,mp4a.40.2"
video_500/stream.m3u8
`

func TestFetchSendsAcceptHeader(t *testing.T) {
	var gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte(sampleMediaPlaylist))
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	body, err := c.Fetch(context.Background(), srv.URL+"/stream.m3u8")
	require.NoError(t, err)
	assert.Equal(t, sampleMediaPlaylist, string(body))
	assert.Equal(t, acceptHeader, gotAccept)
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(sampleMediaPlaylist))
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	body, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, sampleMediaPlaylist, string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	_, err := c.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, int32(fetchRetries+1), calls.Load())
}

func TestFetchCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleMediaPlaylist))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(5 * time.Second)
	_, err := c.Fetch(ctx, srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseMediaPlaylist(t *testing.T) {
	mf, err := Parse([]byte(sampleMediaPlaylist))
	require.NoError(t, err)

	assert.Equal(t, TypeMedia, mf.Type)
	assert.Equal(t, int64(100), mf.MediaSequence)
	assert.Equal(t, 7.0, mf.TargetDuration)
	require.Len(t, mf.Segments, 3)
	assert.Equal(t, "seg100.ts", mf.Segments[0].URI)
	assert.InDelta(t, 6.4, mf.Segments[0].Duration, 0.001)
	assert.Equal(t, "seg102.ts", mf.Segments[2].URI)
	assert.InDelta(t, 5.76, mf.Segments[2].Duration, 0.001)
	assert.Empty(t, mf.Variants)
}

func TestParseMasterPlaylist(t *testing.T) {
	mf, err := Parse([]byte(sampleMasterPlaylist))
	require.NoError(t, err)

	assert.Equal(t, TypeMaster, mf.Type)
	assert.Empty(t, mf.Segments)
	require.Len(t, mf.Variants, 2)
	assert.Equal(t, "aac_128/stream.m3u8", mf.Variants[0].URI)
	assert.Equal(t, uint32(128000), mf.Variants[0].Bandwidth)
	assert.Equal(t, "mp4a.40.2", mf.Variants[0].Codecs)
	assert.Equal(t, "640x360", mf.Variants[1].Resolution)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("definitely not a playlist"))
	assert.Error(t, err)
}

func TestSegmentURLsMedia(t *testing.T) {
	mf := &Manifest{
		Type: TypeMedia,
		Segments: []Segment{
			{URI: "seg1.ts"},
			{URI: "/live/seg2.ts"},
			{URI: "https://cdn.example.com/seg3.ts"},
		},
	}

	urls, err := SegmentURLs(mf, "https://radio.example.com/hls/stream.m3u8")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://radio.example.com/hls/seg1.ts",
		"https://radio.example.com/live/seg2.ts",
		"https://cdn.example.com/seg3.ts",
	}, urls)
}

func TestSegmentURLsMaster(t *testing.T) {
	mf := &Manifest{
		Type: TypeMaster,
		Variants: []Variant{
			{URI: "aac_128/stream.m3u8"},
		},
	}

	urls, err := SegmentURLs(mf, "https://radio.example.com/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://radio.example.com/aac_128/stream.m3u8"}, urls)
}
