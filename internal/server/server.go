// Package server provides the HTTP server setup and routing configuration.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stwalsh4118/chronos/internal/api"
	"github.com/stwalsh4118/chronos/internal/buffer"
	"github.com/stwalsh4118/chronos/internal/config"
	"github.com/stwalsh4118/chronos/internal/db"
	"github.com/stwalsh4118/chronos/internal/hls"
	"github.com/stwalsh4118/chronos/internal/ingest"
	"github.com/stwalsh4118/chronos/internal/logger"
	"github.com/stwalsh4118/chronos/internal/middleware"
	"github.com/stwalsh4118/chronos/internal/nowplaying"
	"github.com/stwalsh4118/chronos/internal/pipeline"
	"github.com/stwalsh4118/chronos/internal/playlist"
	"github.com/stwalsh4118/chronos/internal/store"
)

// Server represents the HTTP server
type Server struct {
	config     *config.Config
	db         *db.DB
	store      *store.Store
	cache      *buffer.SegmentBuffer
	downloader *ingest.Downloader
	generator  *playlist.Generator
	supervisor *pipeline.Supervisor
	tracker    *nowplaying.Tracker
	router     *gin.Engine
	server     *http.Server
}

// New creates a new server instance and wires the ingest pipeline
func New(cfg *config.Config, database *db.DB) *Server {
	var st *store.Store
	if cfg.Storage.UseDisk {
		st = store.NewStore(cfg.Storage.BaseDir)
	}

	cache := buffer.New(st, buffer.Config{
		Retention: cfg.Buffer.Duration,
		UseDisk:   cfg.Storage.UseDisk,
	})

	client := hls.NewClient(cfg.Download.RequestTimeout)

	downloader := ingest.NewDownloader(cache, ingest.DownloadConfig{
		MaxConcurrent:  cfg.Download.MaxConcurrent,
		MaxRetries:     cfg.Download.MaxRetries,
		RetryBaseDelay: cfg.Download.RetryBaseDelay,
		MaxRetryDelay:  cfg.Download.MaxRetryDelay,
		RequestTimeout: cfg.Download.RequestTimeout,
		MaxResumeBytes: cfg.Download.MaxResumeBytes,
	})

	generator := playlist.NewGenerator(cache, playlist.GeneratorConfig{
		TimeShift: cfg.Buffer.Delay,
	})

	supervisor := pipeline.New(pipeline.Config{
		UpstreamURL:          cfg.Upstream.URL,
		PollInterval:         cfg.Upstream.PollInterval,
		MaxConsecutiveErrors: cfg.Upstream.MaxConsecutiveErrors,
		RetryDelay:           cfg.Upstream.RetryDelay,
		CleanupInterval:      cfg.Buffer.CleanupInterval,
	}, st, cache, client, downloader, generator)

	var tracker *nowplaying.Tracker
	if cfg.NowPlayingEnabled() {
		repo := db.NewTrackHistoryRepository(database)
		tracker = nowplaying.NewTracker(repo, nowplaying.TrackerConfig{
			URL:          cfg.NowPlaying.URL,
			PollInterval: cfg.NowPlaying.PollInterval,
			// History must outlive the oldest buffered segment plus the delay
			Retention: cfg.Buffer.Duration + cfg.Buffer.Delay,
		})
	}

	return &Server{
		config:     cfg,
		db:         database,
		store:      st,
		cache:      cache,
		downloader: downloader,
		generator:  generator,
		supervisor: supervisor,
		tracker:    tracker,
	}
}

// setupRouter initializes the Gin router with middleware and routes
func (s *Server) setupRouter() {
	// Set Gin mode based on log level
	if s.config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Create new Gin router
	s.router = gin.New()

	// Add middleware stack
	s.router.Use(middleware.RequestID())     // Correlation ids
	s.router.Use(middleware.RequestLogger()) // Custom zerolog request logger
	s.router.Use(gin.Recovery())             // Panic recovery
	s.router.Use(cors.Default())             // CORS support (allows all origins)

	// HLS delivery at the router root
	api.SetupStreamRoutes(s.router, s.generator, s.cache)

	// Create API route group
	apiGroup := s.router.Group("/api")

	api.SetupHealthRoutes(apiGroup, s.db, s.store, s.supervisor)
	api.SetupStatusRoutes(apiGroup, s.supervisor, s.cache, s.config.Buffer.Delay)
	api.SetupPlaylistRoutes(apiGroup, s.generator)
	if s.tracker != nil {
		api.SetupNowPlayingRoutes(apiGroup, s.tracker, s.config.Buffer.Delay)
	} else {
		api.SetupNowPlayingRoutes(apiGroup, nil, s.config.Buffer.Delay)
	}
}

// Start starts the ingest pipeline and the HTTP server
func (s *Server) Start() error {
	s.setupRouter()

	// Recover the buffer from disk and begin polling upstream
	if err := s.supervisor.Init(); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	if _, err := s.supervisor.Start(true); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	if s.tracker != nil {
		s.tracker.Start()
	}

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.server = &http.Server{
		Addr:           addr,
		Handler:        s.router,
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	logger.Log.Info().
		Str("host", s.config.Server.Host).
		Int("port", s.config.Server.Port).
		Str("upstream", s.config.Upstream.URL).
		Dur("delay", s.config.Buffer.Delay).
		Msg("Starting HTTP server")

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Log.Info().Msg("Shutting down server gracefully")

	// Stop the now-playing tracker
	if s.tracker != nil {
		s.tracker.Stop()
	}

	// Stop polling, flush pending downloads, persist the manifest
	if s.supervisor != nil {
		s.supervisor.Close()
	}

	// Check if server was started before attempting shutdown
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	logger.Log.Info().Msg("Server stopped")
	return nil
}
