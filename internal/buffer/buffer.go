// Package buffer implements the hybrid rolling segment buffer at the heart of
// the time-shift pipeline: an authoritative in-memory index over blobs stored
// on disk, bounded by age, with sequence and timestamp lookup and
// crash recovery from the persisted manifest.
package buffer

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stwalsh4118/chronos/internal/logger"
	"github.com/stwalsh4118/chronos/internal/store"
)

// Config holds buffer construction parameters
type Config struct {
	// Retention is the rolling window: segments older than this are evicted.
	Retention time.Duration
	// UseDisk stores segment bytes on disk through the store; when false (or
	// when no store is given) all bytes stay in memory.
	UseDisk bool
	// Now overrides the wall clock; nil selects time.Now.
	Now func() time.Time
}

// SegmentBuffer is a concurrency-safe rolling buffer of media segments.
// The index is ordered by discovery time for anchor lookups and keyed by
// sequence number for direct lookups. All bytes I/O happens outside the lock.
type SegmentBuffer struct {
	mu sync.RWMutex

	store       *store.Store
	diskEnabled bool
	retention   time.Duration

	byTime []*cachedSegment         // sorted by (discoveredAt, sequence)
	bySeq  map[int64]*cachedSegment // sequence >= 0 only

	totalBytes    int64
	totalDuration float64
	dirty         bool

	onAdded   []func(Segment)
	onExpired []func(Segment)

	nowFunc func() time.Time
	log     zerolog.Logger
}

// New creates a segment buffer. A nil store forces memory-only mode.
func New(st *store.Store, cfg Config) *SegmentBuffer {
	diskEnabled := cfg.UseDisk && st != nil
	nowFunc := cfg.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &SegmentBuffer{
		store:       st,
		diskEnabled: diskEnabled,
		retention:   cfg.Retention,
		bySeq:       make(map[int64]*cachedSegment),
		nowFunc:     nowFunc,
		log:         logger.Component("buffer"),
	}
}

// OnSegmentAdded registers an observer for successful inserts. Register
// before ingest starts; observers run outside the buffer lock and must not
// call back into the buffer.
func (b *SegmentBuffer) OnSegmentAdded(fn func(Segment)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onAdded = append(b.onAdded, fn)
}

// OnSegmentExpired registers an observer for evictions
func (b *SegmentBuffer) OnSegmentExpired(fn func(Segment)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onExpired = append(b.onExpired, fn)
}

// Add ingests segment bytes. Duplicate sequence numbers are idempotent: the
// first write wins and the existing reference is returned. On disk-write
// failure the bytes are retained in memory and the segment still serves.
func (b *SegmentBuffer) Add(data []byte, meta SegmentMetadata) (*Segment, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot add empty segment (url=%s)", meta.URL)
	}

	now := b.nowFunc().UnixMilli()
	id := b.segmentID(meta, now)

	b.mu.Lock()
	if meta.SequenceNumber >= 0 {
		if existing, ok := b.bySeq[meta.SequenceNumber]; ok {
			ref := existing.view()
			b.mu.Unlock()
			b.log.Debug().
				Int64("sequence", meta.SequenceNumber).
				Msg("Duplicate segment ignored")
			return ref, nil
		}
	}

	entry := &cachedSegment{
		id:           id,
		sequence:     meta.SequenceNumber,
		discoveredAt: now,
		duration:     meta.Duration,
		url:          meta.URL,
		size:         int64(len(data)),
		onDisk:       false,
		bytes:        data,
	}
	b.insertLocked(entry)
	added := append([]func(Segment){}, b.onAdded...)
	b.mu.Unlock()

	// Blob write happens outside the lock; readers can serve the in-memory
	// copy until it lands.
	if b.diskEnabled {
		if _, err := b.store.WriteSegment(id, data); err != nil {
			b.log.Warn().
				Err(err).
				Str("segment_id", id).
				Msg("Disk write failed, keeping segment in memory")
		} else {
			b.mu.Lock()
			stillIndexed := entry.sequence < 0 || b.bySeq[entry.sequence] == entry
			if stillIndexed {
				entry.onDisk = true
				entry.bytes = nil
			}
			b.mu.Unlock()
			if !stillIndexed {
				// Evicted while the write was in flight; don't leak the blob
				_ = b.store.DeleteSegment(id)
			}
		}
	}

	b.Prune()

	ref := entry.view()
	for _, fn := range added {
		fn(*ref)
	}
	return ref, nil
}

// GetBySequence returns a segment with its bytes, reading the blob from disk
// on demand. A nil return means the sequence is not buffered. A non-nil
// segment with nil Bytes means the blob read failed; callers surface that as
// a transient error, and the entry is not evicted.
func (b *SegmentBuffer) GetBySequence(seq int64) *Segment {
	b.mu.RLock()
	entry, ok := b.bySeq[seq]
	if !ok {
		b.mu.RUnlock()
		return nil
	}
	seg := entry.view()
	if !entry.onDisk {
		seg.Bytes = entry.bytes
	}
	id := entry.id
	onDisk := entry.onDisk
	b.mu.RUnlock()

	if onDisk {
		data, err := b.store.ReadSegment(id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				b.log.Warn().
					Int64("sequence", seq).
					Msg("Indexed segment blob missing on disk")
			} else {
				b.log.Error().
					Err(err).
					Int64("sequence", seq).
					Msg("Failed to read segment blob")
			}
			return seg
		}
		seg.Bytes = data
	}
	return seg
}

// MetaBySequence returns the metadata-only view for a sequence, or nil.
// Never touches the disk.
func (b *SegmentBuffer) MetaBySequence(seq int64) *Segment {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.bySeq[seq]
	if !ok {
		return nil
	}
	return entry.view()
}

// GetAt returns the segment whose discovery time is nearest to target (ms).
// Targets before the window clamp to the oldest segment, after it to the
// newest; exact ties prefer the earlier segment. Empty buffer returns nil.
// The returned view carries no bytes.
func (b *SegmentBuffer) GetAt(target int64) *Segment {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.byTime)
	if n == 0 {
		return nil
	}

	idx := sort.Search(n, func(i int) bool {
		return b.byTime[i].discoveredAt >= target
	})
	if idx == 0 {
		return b.byTime[0].view()
	}
	if idx == n {
		return b.byTime[n-1].view()
	}

	prev, cur := b.byTime[idx-1], b.byTime[idx]
	if target-prev.discoveredAt <= cur.discoveredAt-target {
		return prev.view()
	}
	return cur.view()
}

// GetRange returns metadata views for all segments with start <= discoveredAt
// <= end (ms), ascending. Ranges are clamped to the buffer extent; disjoint
// ranges yield an empty slice.
func (b *SegmentBuffer) GetRange(start, end int64) []*Segment {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if start > end || len(b.byTime) == 0 {
		return nil
	}

	lo := sort.Search(len(b.byTime), func(i int) bool {
		return b.byTime[i].discoveredAt >= start
	})
	hi := sort.Search(len(b.byTime), func(i int) bool {
		return b.byTime[i].discoveredAt > end
	})

	out := make([]*Segment, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, b.byTime[i].view())
	}
	return out
}

// OldestTime returns the discovery time (ms) of the oldest segment
func (b *SegmentBuffer) OldestTime() (int64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.byTime) == 0 {
		return 0, false
	}
	return b.byTime[0].discoveredAt, true
}

// NewestTime returns the discovery time (ms) of the newest segment
func (b *SegmentBuffer) NewestTime() (int64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.byTime) == 0 {
		return 0, false
	}
	return b.byTime[len(b.byTime)-1].discoveredAt, true
}

// Stats returns an aggregate snapshot. Gap counting walks the sequence set in
// sorted order and counts adjacent pairs more than one apart.
func (b *SegmentBuffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BufferStats{
		SegmentCount:   len(b.byTime),
		TotalBytes:     b.totalBytes,
		TotalDuration:  b.totalDuration,
		OldestSequence: UnknownSequence,
		NewestSequence: UnknownSequence,
		DiskEnabled:    b.diskEnabled,
	}
	if len(b.byTime) > 0 {
		stats.OldestTime = b.byTime[0].discoveredAt
		stats.NewestTime = b.byTime[len(b.byTime)-1].discoveredAt
	}

	if len(b.bySeq) > 0 {
		seqs := make([]int64, 0, len(b.bySeq))
		for seq := range b.bySeq {
			seqs = append(seqs, seq)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		stats.OldestSequence = seqs[0]
		stats.NewestSequence = seqs[len(seqs)-1]
		for i := 1; i < len(seqs); i++ {
			if seqs[i]-seqs[i-1] > 1 {
				stats.SequenceGaps++
			}
		}
	}
	return stats
}

// Prune evicts every segment older than the retention window, strictly in
// discovery-time order. Blob deletion happens after the lock is released.
// Returns the number of evicted segments.
func (b *SegmentBuffer) Prune() int {
	cutoff := b.nowFunc().UnixMilli() - b.retention.Milliseconds()

	b.mu.Lock()
	k := 0
	for k < len(b.byTime) && b.byTime[k].discoveredAt < cutoff {
		k++
	}
	if k == 0 {
		b.mu.Unlock()
		return 0
	}

	victims := make([]*cachedSegment, k)
	copy(victims, b.byTime[:k])
	b.byTime = append([]*cachedSegment{}, b.byTime[k:]...)
	for _, v := range victims {
		if v.sequence >= 0 {
			delete(b.bySeq, v.sequence)
		}
		b.totalBytes -= v.size
		b.totalDuration -= v.duration
	}
	b.dirty = true
	expired := append([]func(Segment){}, b.onExpired...)
	b.mu.Unlock()

	for _, v := range victims {
		if v.onDisk && b.diskEnabled {
			if err := b.store.DeleteSegment(v.id); err != nil {
				b.log.Warn().
					Err(err).
					Str("segment_id", v.id).
					Msg("Failed to delete evicted blob")
			}
		}
		for _, fn := range expired {
			fn(*v.view())
		}
	}

	b.log.Debug().
		Int("evicted", len(victims)).
		Msg("Pruned expired segments")
	return len(victims)
}

// Clear wipes the index, deletes all blobs, and rewrites an empty manifest
func (b *SegmentBuffer) Clear() error {
	b.mu.Lock()
	victims := b.byTime
	b.byTime = nil
	b.bySeq = make(map[int64]*cachedSegment)
	b.totalBytes = 0
	b.totalDuration = 0
	b.dirty = true
	b.mu.Unlock()

	if b.diskEnabled {
		for _, v := range victims {
			if err := b.store.DeleteSegment(v.id); err != nil {
				b.log.Warn().
					Err(err).
					Str("segment_id", v.id).
					Msg("Failed to delete blob during clear")
			}
		}
	}
	return b.SaveManifest()
}

// Dirty reports whether index mutations have not yet reached the manifest
func (b *SegmentBuffer) Dirty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dirty
}

// Retention returns the configured rolling window
func (b *SegmentBuffer) Retention() time.Duration {
	return b.retention
}

// insertLocked places an entry into both indexes and updates aggregates.
// Normal ingest appends; the sort.Search keeps the time index correct for
// out-of-order arrivals all the same.
func (b *SegmentBuffer) insertLocked(entry *cachedSegment) {
	idx := sort.Search(len(b.byTime), func(i int) bool {
		e := b.byTime[i]
		if e.discoveredAt != entry.discoveredAt {
			return e.discoveredAt > entry.discoveredAt
		}
		return e.sequence > entry.sequence
	})
	b.byTime = append(b.byTime, nil)
	copy(b.byTime[idx+1:], b.byTime[idx:])
	b.byTime[idx] = entry

	if entry.sequence >= 0 {
		b.bySeq[entry.sequence] = entry
	}
	b.totalBytes += entry.size
	b.totalDuration += entry.duration
	b.dirty = true
}

// segmentID derives the storage id: the sequence number when known,
// otherwise the URL basename plus the wall time
func (b *SegmentBuffer) segmentID(meta SegmentMetadata, nowMs int64) string {
	if meta.SequenceNumber >= 0 {
		return strconv.FormatInt(meta.SequenceNumber, 10)
	}
	base := "segment"
	if u, err := url.Parse(meta.URL); err == nil && u.Path != "" {
		base = strings.TrimSuffix(path.Base(u.Path), ".ts")
	}
	return fmt.Sprintf("%s-%d", base, nowMs)
}
