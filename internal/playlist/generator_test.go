package playlist

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stwalsh4118/chronos/internal/buffer"
)

const epochMs = int64(1700000000000)

type testClock struct{ ms int64 }

func (c *testClock) now() time.Time { return time.UnixMilli(c.ms) }

func newTestBuffer() (*buffer.SegmentBuffer, *testClock) {
	clk := &testClock{ms: epochMs}
	buf := buffer.New(nil, buffer.Config{Retention: 48 * time.Hour, Now: clk.now})
	return buf, clk
}

// addAt stores a dummy payload for seq with discovery time ms.
func addAt(t *testing.T, buf *buffer.SegmentBuffer, clk *testClock, seq, ms int64) {
	t.Helper()
	clk.ms = ms
	_, err := buf.Add([]byte(fmt.Sprintf("payload-%d", seq)), buffer.SegmentMetadata{
		SequenceNumber: seq,
		Duration:       6.4,
		URL:            fmt.Sprintf("http://origin/seg/%d.ts", seq),
	})
	require.NoError(t, err)
}

// fillBuffer adds seqs [first, last] spaced 6400ms apart starting at
// the epoch, returning the discovery time of each sequence.
func fillBuffer(t *testing.T, buf *buffer.SegmentBuffer, clk *testClock, first, last int64) func(seq int64) int64 {
	t.Helper()
	for seq := first; seq <= last; seq++ {
		addAt(t, buf, clk, seq, epochMs+(seq-first)*6400)
	}
	return func(seq int64) int64 { return epochMs + (seq-first)*6400 }
}

// generatorAt pins the generator clock to nowMs.
func generatorAt(buf *buffer.SegmentBuffer, nowMs int64, cfg GeneratorConfig) *Generator {
	g := NewGenerator(buf, cfg)
	g.nowFunc = func() time.Time { return time.UnixMilli(nowMs) }
	return g
}

func sequences(p *Playlist) []int64 {
	out := make([]int64, 0, len(p.Segments))
	for _, s := range p.Segments {
		out = append(out, s.SequenceNumber)
	}
	return out
}

func TestGenerateCenteredWindow(t *testing.T) {
	buf, clk := newTestBuffer()
	at := fillBuffer(t, buf, clk, 100, 110)

	g := generatorAt(buf, at(105), GeneratorConfig{WindowCount: 5})
	p := g.Generate(Options{TimeShift: 0})

	require.True(t, p.Available)
	assert.Equal(t, []int64{103, 104, 105, 106, 107}, sequences(p))
	assert.Equal(t, int64(103), p.MediaSequence)
	assert.Equal(t, uint(7), p.TargetDuration)
}

func TestGenerateForwardExpansion(t *testing.T) {
	// Nothing precedes the anchor, so the window expands forward
	buf, clk := newTestBuffer()
	at := fillBuffer(t, buf, clk, 100, 104)

	g := generatorAt(buf, at(100), GeneratorConfig{WindowCount: 5})
	p := g.Generate(Options{TimeShift: 0})

	require.True(t, p.Available)
	assert.Equal(t, []int64{100, 101, 102, 103, 104}, sequences(p))
	assert.Equal(t, int64(100), p.MediaSequence)
}

func TestGenerateBackwardExpansion(t *testing.T) {
	// Anchor sits at the newest segment; the window reaches back
	buf, clk := newTestBuffer()
	at := fillBuffer(t, buf, clk, 100, 104)

	g := generatorAt(buf, at(104), GeneratorConfig{WindowCount: 5})
	p := g.Generate(Options{TimeShift: 0})

	require.True(t, p.Available)
	assert.Equal(t, []int64{100, 101, 102, 103, 104}, sequences(p))
}

func TestGenerateNeverSkipsGaps(t *testing.T) {
	buf, clk := newTestBuffer()
	addAt(t, buf, clk, 98, epochMs)
	addAt(t, buf, clk, 100, epochMs+12800)
	addAt(t, buf, clk, 101, epochMs+19200)
	addAt(t, buf, clk, 102, epochMs+25600)

	g := generatorAt(buf, epochMs+12800, GeneratorConfig{WindowCount: 5})
	p := g.Generate(Options{TimeShift: 0})

	require.True(t, p.Available)
	assert.Equal(t, []int64{100, 101, 102}, sequences(p),
		"window must stop at the gap rather than jump over sequence 99")
	assert.Equal(t, int64(100), p.MediaSequence)
}

func TestGenerateTimeShiftedAnchor(t *testing.T) {
	// Steady stream at 6s per segment; a 60s shift lands ten back
	buf, clk := newTestBuffer()
	for seq := int64(1); seq <= 1000; seq++ {
		addAt(t, buf, clk, seq, epochMs+seq*6000)
	}

	g := generatorAt(buf, epochMs+1000*6000+500, GeneratorConfig{WindowCount: 5})
	p := g.Generate(Options{TimeShift: 60 * time.Second})

	require.True(t, p.Available)
	require.Len(t, p.Segments, 5)
	assert.Contains(t, []int64{988, 989, 990}, p.MediaSequence)
	seqs := sequences(p)
	for i := 1; i < len(seqs); i++ {
		assert.Equal(t, seqs[i-1]+1, seqs[i], "window must be contiguous")
	}
	assert.Contains(t, seqs, int64(990))
}

func TestGenerateSingleSegmentWindow(t *testing.T) {
	buf, clk := newTestBuffer()
	addAt(t, buf, clk, 1000, epochMs)

	g := generatorAt(buf, epochMs, GeneratorConfig{WindowCount: 1})
	p := g.Generate(Options{TimeShift: 0})

	require.True(t, p.Available)
	assert.Equal(t, int64(1000), p.MediaSequence)
	require.Len(t, p.Segments, 1)
	assert.Equal(t, "/stream/segment/1000.ts", p.Segments[0].URI)
	assert.Contains(t, p.M3U8, "#EXT-X-MEDIA-SEQUENCE:1000")
	assert.Contains(t, p.M3U8, "/stream/segment/1000.ts")
}

func TestGenerateRenderedContent(t *testing.T) {
	buf, clk := newTestBuffer()
	addAt(t, buf, clk, 42, epochMs)
	addAt(t, buf, clk, 43, epochMs+6400)

	g := generatorAt(buf, epochMs, GeneratorConfig{WindowCount: 2})
	p := g.Generate(Options{TimeShift: 0})

	require.True(t, p.Available)
	assert.True(t, strings.HasPrefix(p.M3U8, "#EXTM3U"))
	assert.Contains(t, p.M3U8, "#EXT-X-TARGETDURATION:7")
	assert.Contains(t, p.M3U8, "#EXT-X-MEDIA-SEQUENCE:42")
	assert.Contains(t, p.M3U8, "#EXTINF:6.400")
	assert.Contains(t, p.M3U8, "/stream/segment/42.ts")
	assert.Contains(t, p.M3U8, "/stream/segment/43.ts")
	assert.NotContains(t, p.M3U8, "#EXT-X-ENDLIST", "live playlists stay open")
}

func TestGenerateBaseURLPrefix(t *testing.T) {
	buf, clk := newTestBuffer()
	addAt(t, buf, clk, 7, epochMs)

	g := generatorAt(buf, epochMs, GeneratorConfig{WindowCount: 1, BaseURL: "http://radio.example.com"})
	p := g.Generate(Options{TimeShift: 0})

	require.True(t, p.Available)
	assert.Equal(t, "http://radio.example.com/stream/segment/7.ts", p.Segments[0].URI)
	assert.Contains(t, p.M3U8, "http://radio.example.com/stream/segment/7.ts")
}

func TestGenerateEmptyBuffer(t *testing.T) {
	buf, _ := newTestBuffer()
	g := NewGenerator(buf, GeneratorConfig{})

	p := g.Generate(Options{TimeShift: -1})

	assert.False(t, p.Available)
	assert.Equal(t, int64(0), p.MediaSequence)
	assert.Equal(t, uint(7), p.TargetDuration)
	assert.Contains(t, p.M3U8, "#EXT-X-DISCONTINUITY")
	assert.Contains(t, p.M3U8, "/stream/unavailable.ts")
	require.Len(t, p.Segments, 1)
	assert.Equal(t, unavailableDuration, p.Segments[0].Duration)
}

func TestGenerateDefaultTimeShift(t *testing.T) {
	buf, clk := newTestBuffer()
	at := fillBuffer(t, buf, clk, 10, 12)

	// A negative option falls back to the configured shift, which
	// reaches past the oldest segment and clamps to it
	g := generatorAt(buf, at(12), GeneratorConfig{WindowCount: 1, TimeShift: time.Hour})
	p := g.Generate(Options{TimeShift: -1})

	require.True(t, p.Available)
	assert.Equal(t, int64(10), p.MediaSequence)
}

func TestGenerateDeterministic(t *testing.T) {
	buf, clk := newTestBuffer()
	addAt(t, buf, clk, 5, epochMs)
	addAt(t, buf, clk, 6, epochMs+6400)

	g := generatorAt(buf, epochMs+6400, GeneratorConfig{WindowCount: 2})
	a := g.Generate(Options{TimeShift: 0})
	b := g.Generate(Options{TimeShift: 0})

	assert.Equal(t, a.M3U8, b.M3U8)
	assert.Equal(t, a.MediaSequence, b.MediaSequence)
}

func TestGenerateTargetDurationFallback(t *testing.T) {
	buf, clk := newTestBuffer()
	clk.ms = epochMs
	_, err := buf.Add([]byte("x"), buffer.SegmentMetadata{SequenceNumber: 1, URL: "http://origin/1.ts"})
	require.NoError(t, err)

	g := generatorAt(buf, epochMs, GeneratorConfig{WindowCount: 1})
	p := g.Generate(Options{TimeShift: 0})

	require.True(t, p.Available)
	assert.Equal(t, uint(7), p.TargetDuration, "zero-duration windows use the fallback")
}
