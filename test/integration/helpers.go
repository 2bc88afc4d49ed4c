//go:build integration
// +build integration

package integration

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/stwalsh4118/chronos/internal/api"
	"github.com/stwalsh4118/chronos/internal/buffer"
	"github.com/stwalsh4118/chronos/internal/db"
	"github.com/stwalsh4118/chronos/internal/hls"
	"github.com/stwalsh4118/chronos/internal/ingest"
	"github.com/stwalsh4118/chronos/internal/pipeline"
	"github.com/stwalsh4118/chronos/internal/playlist"
	"github.com/stwalsh4118/chronos/internal/store"
)

// radioOrigin is a stub upstream radio station: a live HLS media
// playlist with a sliding window plus a now-playing JSON endpoint.
type radioOrigin struct {
	mu       sync.Mutex
	mediaSeq int64
	window   []string
	payloads map[string][]byte
	track    string
	artist   string
}

// newRadioOrigin creates an origin whose window starts at the given
// media sequence with count segments
func newRadioOrigin(t *testing.T, mediaSeq int64, count int) (*radioOrigin, *httptest.Server) {
	t.Helper()

	o := &radioOrigin{mediaSeq: mediaSeq, payloads: make(map[string][]byte)}
	for i := 0; i < count; i++ {
		o.appendLocked(mediaSeq + int64(i))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/live/stream.m3u8", o.servePlaylist)
	mux.HandleFunc("/live/", o.serveSegment)
	mux.HandleFunc("/nowplaying.json", o.serveNowPlaying)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return o, srv
}

func (o *radioOrigin) appendLocked(seq int64) {
	name := fmt.Sprintf("seg-%d.ts", seq)
	o.window = append(o.window, name)
	o.payloads[name] = []byte(fmt.Sprintf("mpegts-payload-%d", seq))
}

// advance slides the live window forward by one segment
func (o *radioOrigin) advance() {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := o.mediaSeq + int64(len(o.window))
	o.appendLocked(next)
	o.window = o.window[1:]
	o.mediaSeq++
}

// setTrack changes the now-playing metadata
func (o *radioOrigin) setTrack(title, artist string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.track, o.artist = title, artist
}

func (o *radioOrigin) servePlaylist(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:7\n")
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", o.mediaSeq)
	for _, name := range o.window {
		fmt.Fprintf(&b, "#EXTINF:6.400,\n%s\n", name)
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	fmt.Fprint(w, b.String())
}

func (o *radioOrigin) serveSegment(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/live/")

	o.mu.Lock()
	payload, ok := o.payloads[name]
	o.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "video/mp2t")
	w.Write(payload)
}

func (o *radioOrigin) serveNowPlaying(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"title": %q, "artist": %q}`, o.track, o.artist)
}

// timeShiftStack is a fully wired ingest pipeline plus its HTTP
// surface, backed by a disk store
type timeShiftStack struct {
	store      *store.Store
	cache      *buffer.SegmentBuffer
	supervisor *pipeline.Supervisor
	httpServer *httptest.Server
}

// newTimeShiftStack wires the pipeline against the given upstream URL.
// delay only feeds status readiness; playlists are generated at the
// live edge so tests can assert on real content without waiting out a
// delay.
func newTimeShiftStack(t *testing.T, baseDir, upstreamURL string, delay time.Duration) *timeShiftStack {
	t.Helper()

	st := store.NewStore(baseDir)
	cache := buffer.New(st, buffer.Config{Retention: time.Hour, UseDisk: true})
	client := hls.NewClient(2 * time.Second)
	downloader := ingest.NewDownloader(cache, ingest.DownloadConfig{
		MaxConcurrent:  2,
		MaxRetries:     1,
		RetryBaseDelay: 5 * time.Millisecond,
		MaxRetryDelay:  20 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	})
	generator := playlist.NewGenerator(cache, playlist.GeneratorConfig{WindowCount: 5})
	supervisor := pipeline.New(pipeline.Config{
		UpstreamURL:          upstreamURL,
		PollInterval:         25 * time.Millisecond,
		MaxConsecutiveErrors: 5,
		RetryDelay:           100 * time.Millisecond,
		CleanupInterval:      50 * time.Millisecond,
	}, st, cache, client, downloader, generator)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api.SetupStreamRoutes(router, generator, cache)
	apiGroup := router.Group("/api")
	api.SetupStatusRoutes(apiGroup, supervisor, cache, delay)
	api.SetupPlaylistRoutes(apiGroup, generator)

	stack := &timeShiftStack{
		store:      st,
		cache:      cache,
		supervisor: supervisor,
		httpServer: httptest.NewServer(router),
	}
	t.Cleanup(func() {
		stack.supervisor.Close()
		stack.httpServer.Close()
	})
	return stack
}

// start runs Init and Start and fails the test on error
func (s *timeShiftStack) start(t *testing.T) {
	t.Helper()
	require.NoError(t, s.supervisor.Init())
	started, err := s.supervisor.Start(true)
	require.NoError(t, err)
	require.True(t, started)
}

// get fetches a path from the stack's HTTP surface
func (s *timeShiftStack) get(t *testing.T, path string) (int, http.Header, []byte) {
	t.Helper()

	resp, err := http.Get(s.httpServer.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, resp.Header, body
}

// setupTestDB creates a migrated database in a temp directory
func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), true)
	require.NoError(t, err, "Failed to create database")

	sqlDB, err := database.GetSQLDB()
	require.NoError(t, err, "Failed to get SQL DB")

	// Get absolute path to migrations directory relative to this file
	// so tests work regardless of working directory
	_, filename, _, ok := runtime.Caller(0)
	require.True(t, ok, "Failed to get current file path")

	testDir := filepath.Dir(filename)              // test/integration
	rootDir := filepath.Dir(filepath.Dir(testDir)) // module root
	migrationsPath := "file://" + filepath.Join(rootDir, "migrations")

	require.NoError(t, db.RunMigrations(sqlDB, migrationsPath), "Failed to run migrations")

	t.Cleanup(func() { _ = database.Close() })
	return database
}
