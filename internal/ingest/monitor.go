package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stwalsh4118/chronos/internal/hls"
	"github.com/stwalsh4118/chronos/internal/logger"
)

// DiscoveryRecord announces a segment that appeared in the upstream
// playlist and has not been seen before.
type DiscoveryRecord struct {
	SequenceNumber int64
	URL            string
	Duration       float64
}

// Discontinuity reports a jump in the upstream media sequence.
type Discontinuity struct {
	Expected int64
	Actual   int64
	Skipped  int64
}

// MonitorConfig holds the polling parameters for one media playlist.
type MonitorConfig struct {
	URL                  string
	Interval             time.Duration
	MaxConsecutiveErrors int
	RetryDelay           time.Duration
	// KnownTTL bounds the known-URL set; entries older than this are
	// pruned on each poll. Mirrors the buffer retention.
	KnownTTL time.Duration
}

// MonitorStatus is a point-in-time snapshot of the poll loop.
type MonitorStatus struct {
	Running           bool      `json:"running"`
	URL               string    `json:"url"`
	LastPollAt        time.Time `json:"lastPollAt"`
	LastSequence      int64     `json:"lastSequence"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	KnownURLs         int       `json:"knownUrls"`
	Discovered        uint64    `json:"discovered"`
	Discontinuities   uint64    `json:"discontinuities"`
}

// Monitor polls one upstream media playlist and publishes newly
// discovered segments in ascending sequence order.
type Monitor struct {
	cfg    MonitorConfig
	client *hls.Client

	onDiscovery     func(DiscoveryRecord)
	onDiscontinuity func(Discontinuity)
	onMaxErrors     func(consecutive int)

	mu              sync.Mutex
	running         bool
	stopChan        chan struct{}
	done            chan struct{}
	known           map[string]int64 // URL -> discovery wall time ms
	lastSeen        int64
	errCount        int
	lastPoll        time.Time
	discovered      uint64
	discontinuities uint64

	nowFunc func() time.Time
	log     zerolog.Logger
}

// NewMonitor creates a monitor for the given media playlist URL.
func NewMonitor(client *hls.Client, cfg MonitorConfig) *Monitor {
	return &Monitor{
		cfg:      cfg,
		client:   client,
		known:    make(map[string]int64),
		lastSeen: -1,
		nowFunc:  time.Now,
		log:      logger.Component("monitor"),
	}
}

// OnDiscovery registers the callback for new segments. Callbacks fire
// outside the monitor's lock, one at a time, in sequence order.
func (m *Monitor) OnDiscovery(fn func(DiscoveryRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDiscovery = fn
}

// OnDiscontinuity registers the callback for sequence jumps.
func (m *Monitor) OnDiscontinuity(fn func(Discontinuity)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDiscontinuity = fn
}

// OnMaxErrors registers the callback fired when the poll loop pauses.
func (m *Monitor) OnMaxErrors(fn func(consecutive int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMaxErrors = fn
}

// Start begins the poll loop. Idempotent; a second call while running
// is a no-op. When immediate is true the first poll happens right away
// instead of after the first interval.
func (m *Monitor) Start(immediate bool) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.done = make(chan struct{})
	stopChan, done := m.stopChan, m.done
	m.mu.Unlock()

	go m.run(immediate, stopChan, done)

	m.log.Info().
		Str("url", m.cfg.URL).
		Dur("interval", m.cfg.Interval).
		Msg("Playlist monitor started")
}

// Stop halts the poll loop and waits for it to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopChan, done := m.stopChan, m.done
	m.mu.Unlock()

	close(stopChan)
	<-done

	m.log.Debug().Str("url", m.cfg.URL).Msg("Playlist monitor stopped")
}

// Status returns a snapshot of the monitor state.
func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorStatus{
		Running:           m.running,
		URL:               m.cfg.URL,
		LastPollAt:        m.lastPoll,
		LastSequence:      m.lastSeen,
		ConsecutiveErrors: m.errCount,
		KnownURLs:         len(m.known),
		Discovered:        m.discovered,
		Discontinuities:   m.discontinuities,
	}
}

func (m *Monitor) run(immediate bool, stopChan, done chan struct{}) {
	defer close(done)

	if immediate {
		if paused := m.pollOnce(); paused {
			if !m.waitRetry(stopChan) {
				return
			}
		}
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			if paused := m.pollOnce(); paused {
				if !m.waitRetry(stopChan) {
					return
				}
			}
		}
	}
}

// waitRetry sleeps out the pause after maxConsecutiveErrors, then
// resets the counter so polling resumes with a clean slate. Returns
// false if the monitor was stopped while paused.
func (m *Monitor) waitRetry(stopChan chan struct{}) bool {
	select {
	case <-stopChan:
		return false
	case <-time.After(m.cfg.RetryDelay):
	}

	m.mu.Lock()
	m.errCount = 0
	m.mu.Unlock()

	m.log.Info().Str("url", m.cfg.URL).Msg("Resuming playlist polling after error pause")
	return true
}

// pollOnce fetches and processes the playlist once. Returns true when
// the consecutive-error threshold was reached and the loop must pause.
func (m *Monitor) pollOnce() bool {
	mf, err := m.fetchManifest()
	now := m.nowFunc()

	if err != nil {
		m.mu.Lock()
		m.errCount++
		count := m.errCount
		m.lastPoll = now
		maxErrorsCb := m.onMaxErrors
		m.mu.Unlock()

		m.log.Warn().
			Err(err).
			Str("url", m.cfg.URL).
			Int("consecutive_errors", count).
			Msg("Playlist poll failed")

		if count >= m.cfg.MaxConsecutiveErrors {
			m.log.Error().
				Int("consecutive_errors", count).
				Dur("retry_delay", m.cfg.RetryDelay).
				Msg("Too many consecutive poll failures, pausing monitor")
			if maxErrorsCb != nil {
				maxErrorsCb(count)
			}
			return true
		}
		return false
	}

	urls, err := hls.SegmentURLs(mf, m.cfg.URL)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to resolve segment URLs")
		return false
	}

	nowMs := now.UnixMilli()

	m.mu.Lock()
	var jump *Discontinuity
	if m.lastSeen >= 0 && mf.MediaSequence > m.lastSeen+1 {
		jump = &Discontinuity{
			Expected: m.lastSeen + 1,
			Actual:   mf.MediaSequence,
			Skipped:  mf.MediaSequence - m.lastSeen - 1,
		}
		m.discontinuities++
	}

	var discoveries []DiscoveryRecord
	for i, u := range urls {
		if _, ok := m.known[u]; ok {
			continue
		}
		m.known[u] = nowMs
		discoveries = append(discoveries, DiscoveryRecord{
			SequenceNumber: mf.MediaSequence + int64(i),
			URL:            u,
			Duration:       mf.Segments[i].Duration,
		})
		m.discovered++
	}

	if newest := mf.MediaSequence + int64(len(urls)) - 1; newest > m.lastSeen {
		m.lastSeen = newest
	}
	m.errCount = 0
	m.lastPoll = now
	m.pruneKnownLocked(nowMs)
	discoveryCb := m.onDiscovery
	discontinuityCb := m.onDiscontinuity
	m.mu.Unlock()

	if jump != nil {
		m.log.Warn().
			Int64("expected", jump.Expected).
			Int64("actual", jump.Actual).
			Int64("skipped", jump.Skipped).
			Msg("Upstream sequence discontinuity")
		if discontinuityCb != nil {
			discontinuityCb(*jump)
		}
	}

	for _, rec := range discoveries {
		m.log.Debug().
			Int64("sequence", rec.SequenceNumber).
			Str("url", rec.URL).
			Msg("Discovered segment")
		if discoveryCb != nil {
			discoveryCb(rec)
		}
	}

	return false
}

func (m *Monitor) fetchManifest() (*hls.Manifest, error) {
	body, err := m.client.Fetch(context.Background(), m.cfg.URL)
	if err != nil {
		return nil, err
	}
	mf, err := hls.Parse(body)
	if err != nil {
		return nil, err
	}
	if mf.Type != hls.TypeMedia {
		return nil, fmt.Errorf("expected media playlist, got %s", mf.Type)
	}
	return mf, nil
}

// pruneKnownLocked drops known URLs older than KnownTTL. Caller holds mu.
func (m *Monitor) pruneKnownLocked(nowMs int64) {
	if m.cfg.KnownTTL <= 0 {
		return
	}
	cutoff := nowMs - m.cfg.KnownTTL.Milliseconds()
	for u, ts := range m.known {
		if ts < cutoff {
			delete(m.known, u)
		}
	}
}
