package buffer

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stwalsh4118/chronos/internal/store"
)

func TestRecoverFromManifest(t *testing.T) {
	st := store.NewStore(t.TempDir())
	require.NoError(t, st.Init())
	clk := newFakeClock(testEpoch)

	a := New(st, Config{Retention: time.Hour, UseDisk: true})
	a.nowFunc = clk.Now

	payloads := map[int64][]byte{}
	for seq := int64(100); seq < 103; seq++ {
		payloads[seq] = []byte(fmt.Sprintf("data-%d", seq))
		_, err := a.Add(payloads[seq], testMeta(seq, 6.0))
		require.NoError(t, err)
		clk.Advance(6 * time.Second)
	}
	require.NoError(t, a.SaveManifest())
	before := a.Stats()

	// Fresh process over the same directory
	b := New(st, Config{Retention: time.Hour, UseDisk: true})
	b.nowFunc = clk.Now
	res, err := b.Recover()
	require.NoError(t, err)
	assert.Equal(t, 3, res.Restored)
	assert.Zero(t, res.Dropped)
	assert.Zero(t, res.Adopted)

	after := b.Stats()
	assert.Equal(t, before.SegmentCount, after.SegmentCount)
	assert.Equal(t, before.TotalBytes, after.TotalBytes)
	assert.Equal(t, before.OldestSequence, after.OldestSequence)
	assert.Equal(t, before.NewestSequence, after.NewestSequence)
	assert.Equal(t, before.OldestTime, after.OldestTime)

	for seq, want := range payloads {
		got := b.GetBySequence(seq)
		require.NotNil(t, got, "sequence %d", seq)
		assert.Equal(t, want, got.Bytes)
		assert.True(t, got.OnDisk)
	}
}

func TestRecoverDropsEntriesWithMissingBlobs(t *testing.T) {
	st := store.NewStore(t.TempDir())
	require.NoError(t, st.Init())
	clk := newFakeClock(testEpoch)

	a := New(st, Config{Retention: time.Hour, UseDisk: true})
	a.nowFunc = clk.Now
	for seq := int64(1); seq <= 3; seq++ {
		_, err := a.Add([]byte("x"), testMeta(seq, 6.0))
		require.NoError(t, err)
	}
	require.NoError(t, a.SaveManifest())

	// One blob disappears between runs
	require.NoError(t, st.DeleteSegment("2"))

	b := New(st, Config{Retention: time.Hour, UseDisk: true})
	b.nowFunc = clk.Now
	res, err := b.Recover()
	require.NoError(t, err)
	assert.Equal(t, 2, res.Restored)
	assert.Equal(t, 1, res.Dropped)

	assert.Nil(t, b.GetBySequence(2))
	assert.NotNil(t, b.GetBySequence(1))
	assert.NotNil(t, b.GetBySequence(3))
}

func TestRecoverAdoptsOrphanBlobs(t *testing.T) {
	st := store.NewStore(t.TempDir())
	require.NoError(t, st.Init())
	clk := newFakeClock(testEpoch)

	a := New(st, Config{Retention: time.Hour, UseDisk: true})
	a.nowFunc = clk.Now
	payloads := map[int64][]byte{}
	for seq := int64(200); seq < 210; seq++ {
		payloads[seq] = []byte(fmt.Sprintf("orphan-%d", seq))
		_, err := a.Add(payloads[seq], testMeta(seq, 6.0))
		require.NoError(t, err)
		clk.Advance(30 * time.Second)
	}
	require.NoError(t, a.SaveManifest())

	// The manifest is lost; only the blobs remain
	require.NoError(t, st.DeleteManifest())

	b := New(st, Config{Retention: time.Hour, UseDisk: true})
	b.nowFunc = clk.Now
	res, err := b.Recover()
	require.NoError(t, err)
	assert.Equal(t, 10, res.Adopted)
	assert.Zero(t, res.Restored)
	assert.Zero(t, res.Evicted)

	stats := b.Stats()
	assert.Equal(t, 10, stats.SegmentCount)
	assert.Equal(t, int64(200), stats.OldestSequence)
	assert.Equal(t, int64(209), stats.NewestSequence)

	for seq, want := range payloads {
		got := b.GetBySequence(seq)
		require.NotNil(t, got, "sequence %d", seq)
		assert.Equal(t, want, got.Bytes)
	}

	// Adopted discovery times extrapolate backward from the newest
	// sequence, preserving relative order
	now := clk.Now().UnixMilli()
	newest := b.MetaBySequence(209)
	require.NotNil(t, newest)
	assert.Equal(t, now, newest.DiscoveredAt)
	older := b.MetaBySequence(200)
	require.NotNil(t, older)
	assert.Equal(t, now-9*6400, older.DiscoveredAt)

	// A new manifest reflecting the adopted set was written
	_, err = st.ReadManifest()
	require.NoError(t, err)
}

func TestRecoverDeletesUnparseableFiles(t *testing.T) {
	st := store.NewStore(t.TempDir())
	require.NoError(t, st.Init())

	_, err := st.WriteSegment("1000", []byte("keep"))
	require.NoError(t, err)
	_, err = st.WriteSegment("stray-download", []byte("garbage"))
	require.NoError(t, err)

	b := New(st, Config{Retention: time.Hour, UseDisk: true})
	b.nowFunc = newFakeClock(testEpoch).Now
	res, err := b.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Adopted)
	assert.Equal(t, 1, res.Deleted)

	assert.False(t, st.SegmentExists("stray-download"))
	assert.True(t, st.SegmentExists("1000"))
	assert.Equal(t, 1, b.Stats().SegmentCount)
}

func TestRecoverPrunesExpiredEntries(t *testing.T) {
	st := store.NewStore(t.TempDir())
	require.NoError(t, st.Init())
	clk := newFakeClock(testEpoch)

	a := New(st, Config{Retention: 24 * time.Hour, UseDisk: true})
	a.nowFunc = clk.Now
	_, err := a.Add([]byte("old"), testMeta(1, 6.0))
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)
	_, err = a.Add([]byte("fresh"), testMeta(2, 6.0))
	require.NoError(t, err)
	require.NoError(t, a.SaveManifest())

	// Restart with a much tighter retention
	b := New(st, Config{Retention: time.Hour, UseDisk: true})
	b.nowFunc = clk.Now
	res, err := b.Recover()
	require.NoError(t, err)
	assert.Equal(t, 2, res.Restored)
	assert.Equal(t, 1, res.Evicted)

	assert.Nil(t, b.GetBySequence(1))
	assert.NotNil(t, b.GetBySequence(2))
	assert.False(t, st.SegmentExists("1"))
}

func TestRecoverFromCorruptManifest(t *testing.T) {
	st := store.NewStore(t.TempDir())
	require.NoError(t, st.Init())

	_, err := st.WriteSegment("42", []byte("still here"))
	require.NoError(t, err)
	require.NoError(t, st.WriteManifest([]byte("{this is not json")))

	b := New(st, Config{Retention: time.Hour, UseDisk: true})
	b.nowFunc = newFakeClock(testEpoch).Now
	res, err := b.Recover()
	require.NoError(t, err)

	// The blob scan still rebuilds the index
	assert.Equal(t, 1, res.Adopted)
	got := b.GetBySequence(42)
	require.NotNil(t, got)
	assert.Equal(t, []byte("still here"), got.Bytes)
}
