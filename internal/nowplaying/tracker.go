// Package nowplaying records the upstream station's track history so the
// time-shifted listener can ask what was playing at now minus delay rather
// than at the live edge.
package nowplaying

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stwalsh4118/chronos/internal/db"
	"github.com/stwalsh4118/chronos/internal/logger"
	"github.com/stwalsh4118/chronos/internal/models"
)

const (
	defaultPollInterval     = 15 * time.Second
	defaultFailureThreshold = 5
	defaultResetTimeout     = time.Minute
	maxResponseBytes        = 64 << 10
)

// Track is the upstream now-playing payload. Stations publish wildly
// different shapes; title and artist are the common denominator.
type Track struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

// TrackerConfig holds tracker construction parameters
type TrackerConfig struct {
	// URL is the upstream now-playing JSON endpoint.
	URL string
	// PollInterval is the time between polls (default 15s).
	PollInterval time.Duration
	// Retention bounds how far back history is kept. Should cover the
	// buffer horizon plus the configured delay.
	Retention time.Duration
	// FailureThreshold opens the circuit after this many consecutive
	// poll failures (default 5).
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a probe
	// (default 1m).
	ResetTimeout time.Duration
	// RequestTimeout bounds a single poll request.
	RequestTimeout time.Duration
}

// TrackerStatus is a snapshot of the tracker state
type TrackerStatus struct {
	Running      bool      `json:"running"`
	URL          string    `json:"url"`
	LastPollAt   time.Time `json:"lastPollAt"`
	Polls        uint64    `json:"polls"`
	Recorded     uint64    `json:"recorded"`
	CircuitState string    `json:"circuitState"`
}

// Tracker polls the upstream now-playing endpoint, deduplicates
// consecutive identical tracks, and records each new track through the
// history repository. Lookup serves the time-shifted query.
type Tracker struct {
	cfg        TrackerConfig
	repo       *db.TrackHistoryRepository
	httpClient *http.Client
	breaker    *CircuitBreaker

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
	last     *models.TrackPlay
	lastPoll time.Time
	polls    uint64
	recorded uint64

	nowFunc func() time.Time
	log     zerolog.Logger
}

// NewTracker creates a tracker. The repository must be backed by a
// migrated database.
func NewTracker(repo *db.TrackHistoryRepository, cfg TrackerConfig) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Tracker{
		cfg:        cfg,
		repo:       repo,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		breaker:    NewCircuitBreaker(cfg.FailureThreshold, cfg.ResetTimeout),
		nowFunc:    time.Now,
		log:        logger.Component("nowplaying"),
	}
}

// Start begins the poll loop. Idempotent. Seeds the dedup state from
// the newest recorded play so a restart does not duplicate the track
// that is still on air.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopChan = make(chan struct{})
	t.done = make(chan struct{})
	stopChan, done := t.stopChan, t.done
	t.mu.Unlock()

	if latest, err := t.repo.Latest(context.Background()); err == nil {
		t.mu.Lock()
		t.last = latest
		t.mu.Unlock()
	}

	go t.run(stopChan, done)

	t.log.Info().
		Str("url", t.cfg.URL).
		Dur("interval", t.cfg.PollInterval).
		Msg("Now-playing tracker started")
}

// Stop halts the poll loop and waits for it to exit. Idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	stopChan, done := t.stopChan, t.done
	t.mu.Unlock()

	close(stopChan)
	<-done

	t.log.Debug().Msg("Now-playing tracker stopped")
}

// Lookup returns the track that was playing shift ago. db.ErrNotFound
// when history does not reach back that far.
func (t *Tracker) Lookup(ctx context.Context, shift time.Duration) (*models.TrackPlay, error) {
	return t.repo.PlayingAt(ctx, t.nowFunc().Add(-shift))
}

// Status returns a snapshot of the tracker state
func (t *Tracker) Status() TrackerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackerStatus{
		Running:      t.running,
		URL:          t.cfg.URL,
		LastPollAt:   t.lastPoll,
		Polls:        t.polls,
		Recorded:     t.recorded,
		CircuitState: t.breaker.State().String(),
	}
}

func (t *Tracker) run(stopChan, done chan struct{}) {
	defer close(done)

	t.pollOnce()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			t.pollOnce()
		}
	}
}

// pollOnce fetches the upstream payload and records a new play when the
// track changed. Failures feed the circuit breaker; while the circuit
// is open the poll is skipped entirely.
func (t *Tracker) pollOnce() {
	if !t.breaker.CanAttempt() {
		t.log.Debug().Str("state", t.breaker.State().String()).Msg("Skipping now-playing poll, circuit open")
		return
	}

	now := t.nowFunc()
	t.mu.Lock()
	t.lastPoll = now
	t.polls++
	t.mu.Unlock()

	track, err := t.fetch()
	if err != nil {
		t.breaker.RecordFailure()
		if t.breaker.State() == StateOpen {
			t.log.Error().
				Err(err).
				Int("failures", t.breaker.Failures()).
				Dur("reset_timeout", t.cfg.ResetTimeout).
				Msg("Pausing now-playing polls")
		} else {
			t.log.Warn().Err(err).Msg("Now-playing poll failed")
		}
		return
	}
	t.breaker.RecordSuccess()

	if track.Title == "" {
		// Between tracks or station idle
		return
	}

	t.mu.Lock()
	if t.last != nil && t.last.Same(track.Title, track.Artist) {
		t.mu.Unlock()
		return
	}
	play := models.NewTrackPlay(track.Title, track.Artist, now)
	t.last = play
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
	defer cancel()

	if err := t.repo.Record(ctx, play); err != nil {
		t.log.Error().Err(err).Str("title", track.Title).Msg("Failed to record track play")
		return
	}

	t.mu.Lock()
	t.recorded++
	t.mu.Unlock()

	t.log.Info().
		Str("title", track.Title).
		Str("artist", track.Artist).
		Msg("Track changed")

	t.pruneExpired(ctx, now)
}

func (t *Tracker) fetch() (*Track, error) {
	req, err := http.NewRequest(http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create now-playing request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch now-playing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, fmt.Errorf("now-playing endpoint returned status %d", resp.StatusCode)
	}

	var track Track
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&track); err != nil {
		return nil, fmt.Errorf("failed to decode now-playing payload: %w", err)
	}
	return &track, nil
}

// pruneExpired trims history older than the retention horizon. Runs on
// track changes, so roughly once per song.
func (t *Tracker) pruneExpired(ctx context.Context, now time.Time) {
	if t.cfg.Retention <= 0 {
		return
	}
	removed, err := t.repo.PruneBefore(ctx, now.Add(-t.cfg.Retention))
	if err != nil {
		t.log.Warn().Err(err).Msg("Failed to prune track history")
		return
	}
	if removed > 0 {
		t.log.Debug().Int64("removed", removed).Msg("Pruned expired track plays")
	}
}
