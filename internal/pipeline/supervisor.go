// Package pipeline composes the ingest chain and manages its lifecycle.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stwalsh4118/chronos/internal/buffer"
	"github.com/stwalsh4118/chronos/internal/hls"
	"github.com/stwalsh4118/chronos/internal/ingest"
	"github.com/stwalsh4118/chronos/internal/logger"
	"github.com/stwalsh4118/chronos/internal/playlist"
	"github.com/stwalsh4118/chronos/internal/store"
)

// stopTimeout bounds the wait for in-flight downloads during Stop.
const stopTimeout = 10 * time.Second

// Config holds the supervisor's wiring parameters.
type Config struct {
	UpstreamURL          string
	PollInterval         time.Duration
	MaxConsecutiveErrors int
	RetryDelay           time.Duration
	CleanupInterval      time.Duration
}

// Status composes the component snapshots for the status endpoint.
type Status struct {
	Running     bool                  `json:"running"`
	UpstreamURL string                `json:"upstreamUrl"`
	MediaURL    string                `json:"mediaUrl,omitempty"`
	StartedAt   *time.Time            `json:"startedAt,omitempty"`
	Monitor     *ingest.MonitorStatus `json:"monitor,omitempty"`
	Downloader  ingest.Stats          `json:"downloader"`
	Cache       buffer.BufferStats    `json:"cache"`
}

// Supervisor wires monitor discoveries into downloader submissions and
// runs the periodic buffer maintenance. The monitor is built on each
// Start so a restart re-resolves the upstream playlist.
type Supervisor struct {
	cfg    Config
	store  *store.Store
	cache  *buffer.SegmentBuffer
	client *hls.Client
	dl     *ingest.Downloader
	gen    *playlist.Generator

	mu          sync.Mutex
	initialized bool
	running     bool
	monitor     *ingest.Monitor
	mediaURL    string
	startedAt   time.Time
	stopChan    chan struct{}
	maintDone   chan struct{}

	log zerolog.Logger
}

// New creates a supervisor over pre-built components.
func New(cfg Config, st *store.Store, cache *buffer.SegmentBuffer, client *hls.Client, dl *ingest.Downloader, gen *playlist.Generator) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		store:  st,
		cache:  cache,
		client: client,
		dl:     dl,
		gen:    gen,
		log:    logger.Component("pipeline"),
	}
}

// Init prepares the store and recovers the buffer index from disk.
// Idempotent; a second call is a no-op.
func (s *Supervisor) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	if s.store != nil {
		if err := s.store.Init(); err != nil {
			return fmt.Errorf("failed to initialize segment store: %w", err)
		}
	}

	res, err := s.cache.Recover()
	if err != nil {
		return fmt.Errorf("failed to recover segment buffer: %w", err)
	}
	if res.Restored+res.Adopted > 0 || res.Dropped+res.Deleted > 0 {
		s.log.Info().
			Int("restored", res.Restored).
			Int("adopted", res.Adopted).
			Int("dropped", res.Dropped).
			Int("deleted", res.Deleted).
			Int("evicted", res.Evicted).
			Msg("Buffer recovered from disk")
	}

	s.initialized = true
	return nil
}

// Start resolves the upstream playlist, wires the monitor to the
// downloader, and begins polling. Returns false without error when
// already running.
func (s *Supervisor) Start(immediate bool) (bool, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return false, fmt.Errorf("pipeline not initialized")
	}
	if s.running {
		s.mu.Unlock()
		return false, nil
	}
	s.running = true
	s.mu.Unlock()

	mediaURL, err := s.resolveMediaURL()
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return false, fmt.Errorf("failed to resolve upstream playlist: %w", err)
	}

	monitor := ingest.NewMonitor(s.client, ingest.MonitorConfig{
		URL:                  mediaURL,
		Interval:             s.cfg.PollInterval,
		MaxConsecutiveErrors: s.cfg.MaxConsecutiveErrors,
		RetryDelay:           s.cfg.RetryDelay,
		KnownTTL:             s.cache.Retention(),
	})
	monitor.OnDiscovery(func(rec ingest.DiscoveryRecord) {
		// Fire and forget; the pool bounds concurrency and the result
		// lands in the buffer via cache.Add.
		go s.dl.Download(rec.URL, buffer.SegmentMetadata{
			SequenceNumber: rec.SequenceNumber,
			Duration:       rec.Duration,
			URL:            rec.URL,
		}, ingest.DownloadOptions{})
	})
	monitor.OnDiscontinuity(func(d ingest.Discontinuity) {
		s.log.Warn().
			Int64("expected", d.Expected).
			Int64("actual", d.Actual).
			Int64("skipped", d.Skipped).
			Msg("Upstream discontinuity recorded")
	})
	monitor.OnMaxErrors(func(consecutive int) {
		s.log.Error().
			Int("consecutive_errors", consecutive).
			Msg("Upstream polling paused after repeated failures")
	})

	stopChan := make(chan struct{})
	maintDone := make(chan struct{})

	s.mu.Lock()
	if !s.running {
		// Stopped while the resolve was in flight
		s.mu.Unlock()
		return false, nil
	}
	s.monitor = monitor
	s.mediaURL = mediaURL
	s.startedAt = time.Now()
	s.stopChan = stopChan
	s.maintDone = maintDone
	s.mu.Unlock()

	go s.maintenanceLoop(stopChan, maintDone)
	monitor.Start(immediate)

	s.log.Info().
		Str("upstream_url", s.cfg.UpstreamURL).
		Str("media_url", mediaURL).
		Msg("Pipeline started")
	return true, nil
}

// Stop halts polling, waits out in-flight downloads up to a deadline,
// and writes a final manifest. Returns false when not running.
func (s *Supervisor) Stop() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	s.running = false
	monitor := s.monitor
	stopChan := s.stopChan
	maintDone := s.maintDone
	s.monitor = nil
	s.stopChan = nil
	s.maintDone = nil
	s.mu.Unlock()

	// monitor is nil when Stop races a Start that is still resolving
	// the upstream URL; flipping running above is enough to abort it.
	if monitor != nil {
		monitor.Stop()
	}
	if stopChan != nil {
		close(stopChan)
		<-maintDone
	}

	if !s.dl.FinishPending(stopTimeout) {
		s.log.Warn().Msg("Stopping with downloads still in flight")
	}
	if err := s.cache.SaveManifest(); err != nil {
		s.log.Warn().Err(err).Msg("Final manifest write failed")
	}

	s.log.Info().Msg("Pipeline stopped")
	return true
}

// Close stops the pipeline and shuts the downloader pool down for
// good. Used on process shutdown; a closed supervisor cannot restart.
func (s *Supervisor) Close() {
	s.Stop()
	s.dl.Stop()
}

// Status returns the composed component snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	running := s.running
	mediaURL := s.mediaURL
	monitor := s.monitor
	startedAt := s.startedAt
	s.mu.Unlock()

	st := Status{
		Running:     running,
		UpstreamURL: s.cfg.UpstreamURL,
		MediaURL:    mediaURL,
		Downloader:  s.dl.Stats(),
		Cache:       s.cache.Stats(),
	}
	if monitor != nil {
		ms := monitor.Status()
		st.Monitor = &ms
	}
	if !startedAt.IsZero() {
		st.StartedAt = &startedAt
	}
	return st
}

// resolveMediaURL fetches the configured playlist once; a master
// playlist resolves to its first variant.
func (s *Supervisor) resolveMediaURL() (string, error) {
	body, err := s.client.Fetch(context.Background(), s.cfg.UpstreamURL)
	if err != nil {
		return "", err
	}
	mf, err := hls.Parse(body)
	if err != nil {
		return "", err
	}
	if mf.Type == hls.TypeMedia {
		return s.cfg.UpstreamURL, nil
	}

	variants, err := hls.SegmentURLs(mf, s.cfg.UpstreamURL)
	if err != nil {
		return "", err
	}
	if len(variants) == 0 {
		return "", fmt.Errorf("master playlist has no variants")
	}
	s.log.Info().
		Str("variant_url", variants[0]).
		Int("variants", len(variants)).
		Msg("Resolved master playlist to first variant")
	return variants[0], nil
}

// maintenanceLoop prunes expired segments and flushes the manifest
// when the index is dirty.
func (s *Supervisor) maintenanceLoop(stopChan, done chan struct{}) {
	defer close(done)

	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			if evicted := s.cache.Prune(); evicted > 0 {
				s.log.Debug().Int("evicted", evicted).Msg("Maintenance pruned expired segments")
			}
			if s.cache.Dirty() {
				if err := s.cache.SaveManifest(); err != nil {
					s.log.Warn().Err(err).Msg("Periodic manifest write failed")
				}
			}
		}
	}
}
