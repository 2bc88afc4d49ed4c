package buffer

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/stwalsh4118/chronos/internal/store"
)

// fallbackSegmentDuration is assumed for adopted orphan blobs whose upstream
// duration is unknown. Derived from the typical radio target duration.
const fallbackSegmentDuration = 6.4

// Recover rebuilds the index from disk after a restart. Manifest entries are
// verified against their blobs; blobs the manifest does not know about are
// adopted when their filename parses as a sequence number and deleted
// otherwise. Adopted segments get their discovery time extrapolated backward
// from the newest known sequence so relative playback order survives. Ends
// with a prune and a fresh manifest write.
func (b *SegmentBuffer) Recover() (RecoveryResult, error) {
	var res RecoveryResult
	if !b.diskEnabled {
		return res, nil
	}

	var mf *manifestFile
	raw, err := b.store.ReadManifest()
	switch {
	case err == nil:
		if mf = parseManifest(raw); mf == nil {
			b.log.Warn().Msg("Manifest unreadable, rebuilding index from blobs")
		}
	case errors.Is(err, store.ErrNotFound):
		b.log.Info().Msg("No manifest found, rebuilding index from blobs")
	default:
		b.log.Warn().Err(err).Msg("Manifest read failed, rebuilding index from blobs")
	}

	entries := make([]*cachedSegment, 0)
	seenIDs := make(map[string]bool)
	seenSeqs := make(map[int64]bool)

	if mf != nil {
		for _, me := range mf.Segments {
			id := me.Metadata.SegmentID
			if id == "" || seenIDs[id] {
				res.Dropped++
				continue
			}
			if me.Metadata.SequenceNumber >= 0 && seenSeqs[me.Metadata.SequenceNumber] {
				res.Dropped++
				continue
			}
			// Entries whose blob is gone are dropped; this also sheds
			// memory-fallback segments, whose bytes died with the process.
			if !b.store.SegmentExists(id) {
				res.Dropped++
				continue
			}
			size := me.Size
			if sz, err := b.store.SegmentSize(id); err == nil {
				size = sz
			}
			entries = append(entries, &cachedSegment{
				id:           id,
				sequence:     me.Metadata.SequenceNumber,
				discoveredAt: me.Timestamp,
				duration:     me.Metadata.Duration,
				url:          me.Metadata.URL,
				size:         size,
				onDisk:       true,
			})
			seenIDs[id] = true
			if me.Metadata.SequenceNumber >= 0 {
				seenSeqs[me.Metadata.SequenceNumber] = true
			}
			res.Restored++
		}
	}

	ids, err := b.store.ListSegments()
	if err != nil {
		return res, fmt.Errorf("failed to reconcile segment files: %w", err)
	}

	type orphan struct {
		id  string
		seq int64
	}
	orphans := make([]orphan, 0)
	for _, id := range ids {
		if seenIDs[id] {
			continue
		}
		seq, perr := strconv.ParseInt(id, 10, 64)
		if perr != nil || seq < 0 || seenSeqs[seq] {
			if derr := b.store.DeleteSegment(id); derr != nil {
				b.log.Warn().Err(derr).Str("segment_id", id).Msg("Failed to delete stray file")
			}
			res.Deleted++
			continue
		}
		orphans = append(orphans, orphan{id: id, seq: seq})
	}

	newestSeq := UnknownSequence
	for _, e := range entries {
		if e.sequence > newestSeq {
			newestSeq = e.sequence
		}
	}
	for _, o := range orphans {
		if o.seq > newestSeq {
			newestSeq = o.seq
		}
	}

	now := b.nowFunc().UnixMilli()
	for _, o := range orphans {
		size, serr := b.store.SegmentSize(o.id)
		if serr != nil {
			size = 0
		}
		entries = append(entries, &cachedSegment{
			id:           o.id,
			sequence:     o.seq,
			discoveredAt: now - (newestSeq-o.seq)*int64(fallbackSegmentDuration*1000),
			duration:     fallbackSegmentDuration,
			size:         size,
			onDisk:       true,
		})
		seenSeqs[o.seq] = true
		res.Adopted++
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].discoveredAt != entries[j].discoveredAt {
			return entries[i].discoveredAt < entries[j].discoveredAt
		}
		return entries[i].sequence < entries[j].sequence
	})

	b.mu.Lock()
	b.byTime = entries
	b.bySeq = make(map[int64]*cachedSegment, len(entries))
	b.totalBytes = 0
	b.totalDuration = 0
	for _, e := range entries {
		if e.sequence >= 0 {
			b.bySeq[e.sequence] = e
		}
		b.totalBytes += e.size
		b.totalDuration += e.duration
	}
	b.dirty = true
	b.mu.Unlock()

	res.Evicted = b.Prune()

	if err := b.SaveManifest(); err != nil {
		b.log.Warn().Err(err).Msg("Failed to write manifest after recovery")
	}

	b.log.Info().
		Int("restored", res.Restored).
		Int("adopted", res.Adopted).
		Int("dropped", res.Dropped).
		Int("deleted", res.Deleted).
		Int("evicted", res.Evicted).
		Msg("Buffer recovery complete")
	return res, nil
}
