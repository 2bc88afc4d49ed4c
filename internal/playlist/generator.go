// Package playlist synthesizes HLS media playlists from buffered
// segments, anchored at a configurable distance behind the live edge.
package playlist

import (
	"fmt"
	"math"
	"time"

	"github.com/Eyevinn/hls-m3u8/m3u8"
	"github.com/rs/zerolog"

	"github.com/stwalsh4118/chronos/internal/buffer"
	"github.com/stwalsh4118/chronos/internal/logger"
)

const (
	defaultWindowCount = 5
	// unavailableURI is the placeholder segment served while the
	// buffer has no content at the requested offset.
	unavailableURI = "/stream/unavailable.ts"
	// unavailableDuration is the EXTINF value advertised for the
	// placeholder segment.
	unavailableDuration = 6.0
)

// GeneratorConfig holds the per-instance defaults; requests may
// override window count, time shift, and base URL per call.
type GeneratorConfig struct {
	WindowCount int
	// TimeShift is the default distance behind the live edge.
	TimeShift time.Duration
	// BaseURL prefixes rendered segment URIs. Empty yields
	// root-relative URIs.
	BaseURL string
	// FallbackTargetDuration is advertised when the window is empty.
	FallbackTargetDuration uint
}

// Options overrides generator defaults for a single request. A
// negative TimeShift selects the configured default; zero means the
// live edge.
type Options struct {
	WindowCount int
	TimeShift   time.Duration
	BaseURL     string
}

// SegmentRef is one rendered playlist entry.
type SegmentRef struct {
	Duration       float64 `json:"duration"`
	URI            string  `json:"uri"`
	SequenceNumber int64   `json:"sequenceNumber"`
}

// Playlist is the rendered result plus its structured form.
type Playlist struct {
	M3U8           string       `json:"m3u8Content"`
	Segments       []SegmentRef `json:"segments"`
	MediaSequence  int64        `json:"mediaSequence"`
	TargetDuration uint         `json:"targetDuration"`
	// Available is false when the empty-playlist template was served.
	Available bool `json:"available"`
}

// Generator renders time-shifted playlists from the segment buffer.
type Generator struct {
	cache   *buffer.SegmentBuffer
	cfg     GeneratorConfig
	nowFunc func() time.Time
	log     zerolog.Logger
}

// NewGenerator creates a generator over the given buffer.
func NewGenerator(cache *buffer.SegmentBuffer, cfg GeneratorConfig) *Generator {
	if cfg.WindowCount <= 0 {
		cfg.WindowCount = defaultWindowCount
	}
	if cfg.FallbackTargetDuration == 0 {
		cfg.FallbackTargetDuration = 7
	}
	return &Generator{
		cache:   cache,
		cfg:     cfg,
		nowFunc: time.Now,
		log:     logger.Component("generator"),
	}
}

// Generate renders a playlist for one listener request. The window is
// anchored at now minus the time shift and kept sequence-contiguous;
// when the buffer holds nothing near the anchor the empty-playlist
// template is returned instead.
func (g *Generator) Generate(opts Options) *Playlist {
	windowCount := opts.WindowCount
	if windowCount <= 0 {
		windowCount = g.cfg.WindowCount
	}
	timeShift := opts.TimeShift
	if timeShift < 0 {
		timeShift = g.cfg.TimeShift
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = g.cfg.BaseURL
	}

	targetTime := g.nowFunc().Add(-timeShift).UnixMilli()
	anchor := g.cache.GetAt(targetTime)
	if anchor == nil {
		return g.emptyPlaylist(baseURL)
	}

	window := g.collectWindow(anchor.SequenceNumber, windowCount)
	if len(window) == 0 {
		return g.emptyPlaylist(baseURL)
	}

	maxDur := 0.0
	for _, s := range window {
		if s.Duration > maxDur {
			maxDur = s.Duration
		}
	}
	targetDuration := g.cfg.FallbackTargetDuration
	if maxDur > 0 {
		targetDuration = uint(math.Ceil(maxDur))
	}

	mediaSeq := window[0].SequenceNumber
	refs := make([]SegmentRef, 0, len(window))
	for _, s := range window {
		refs = append(refs, SegmentRef{
			Duration:       s.Duration,
			URI:            fmt.Sprintf("%s/stream/segment/%d.ts", baseURL, s.SequenceNumber),
			SequenceNumber: s.SequenceNumber,
		})
	}

	content, err := renderMediaPlaylist(refs, uint64(mediaSeq), targetDuration, false)
	if err != nil {
		g.log.Error().Err(err).Msg("Failed to encode playlist")
		return g.emptyPlaylist(baseURL)
	}

	return &Playlist{
		M3U8:           content,
		Segments:       refs,
		MediaSequence:  mediaSeq,
		TargetDuration: targetDuration,
		Available:      true,
	}
}

// collectWindow returns up to windowCount contiguous segments around
// the anchor. The window starts centered; a short side shifts it
// toward the other, never skipping over a missing sequence.
func (g *Generator) collectWindow(anchorSeq int64, windowCount int) []buffer.Segment {
	w := int64(windowCount)

	// Maximal contiguous run around the anchor, probed no further
	// than the window could ever reach.
	runLo := anchorSeq
	for anchorSeq-runLo < w-1 && g.cache.MetaBySequence(runLo-1) != nil {
		runLo--
	}
	runHi := anchorSeq
	for runHi-anchorSeq < w-1 && g.cache.MetaBySequence(runHi+1) != nil {
		runHi++
	}

	lo := anchorSeq - w/2
	hi := lo + w - 1
	if lo < runLo {
		shift := runLo - lo
		lo += shift
		hi += shift
	}
	if hi > runHi {
		shift := hi - runHi
		lo -= shift
		hi -= shift
	}
	if lo < runLo {
		lo = runLo
	}

	window := make([]buffer.Segment, 0, hi-lo+1)
	for seq := lo; seq <= hi; seq++ {
		if meta := g.cache.MetaBySequence(seq); meta != nil {
			window = append(window, *meta)
		}
	}
	return window
}

// emptyPlaylist renders the warm-up template: a discontinuity plus the
// unavailable placeholder, so clients keep polling while the buffer
// fills.
func (g *Generator) emptyPlaylist(baseURL string) *Playlist {
	refs := []SegmentRef{{
		Duration: unavailableDuration,
		URI:      baseURL + unavailableURI,
	}}

	content, err := renderMediaPlaylist(refs, 0, g.cfg.FallbackTargetDuration, true)
	if err != nil {
		g.log.Error().Err(err).Msg("Failed to encode empty playlist template")
		content = "#EXTM3U\n"
	}

	return &Playlist{
		M3U8:           content,
		Segments:       refs,
		MediaSequence:  0,
		TargetDuration: g.cfg.FallbackTargetDuration,
		Available:      false,
	}
}

// renderMediaPlaylist encodes refs through the m3u8 library. The
// playlist stays open so players treat it as live.
func renderMediaPlaylist(refs []SegmentRef, seqNo uint64, targetDuration uint, discontinuity bool) (string, error) {
	count := uint(len(refs))
	pl, err := m3u8.NewMediaPlaylist(count, count)
	if err != nil {
		return "", fmt.Errorf("failed to create media playlist: %w", err)
	}

	for i, ref := range refs {
		seg := &m3u8.MediaSegment{
			SeqId:    uint64(ref.SequenceNumber),
			URI:      ref.URI,
			Duration: ref.Duration,
		}
		if discontinuity && i == 0 {
			seg.Discontinuity = true
		}
		if err := pl.AppendSegment(seg); err != nil {
			return "", fmt.Errorf("failed to append segment: %w", err)
		}
	}

	pl.SeqNo = seqNo
	pl.TargetDuration = targetDuration

	buf := pl.Encode()
	if buf == nil {
		return "", fmt.Errorf("playlist encoding returned no content")
	}
	return buf.String(), nil
}
