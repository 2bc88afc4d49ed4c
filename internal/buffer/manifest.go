package buffer

import (
	"encoding/json"
	"fmt"
	"time"
)

// The manifest is the persisted index of the buffer. It is best-effort: a
// missing or corrupt manifest costs nothing but the recovery shortcuts, since
// the blobs themselves carry enough to rebuild the index.

type manifestFile struct {
	Timestamp int64           `json:"timestamp"`
	Segments  []manifestEntry `json:"segments"`
	Stats     manifestStats   `json:"stats"`
}

type manifestEntry struct {
	Timestamp    int64        `json:"timestamp"`
	Metadata     manifestMeta `json:"metadata"`
	Size         int64        `json:"size"`
	StoredOnDisk bool         `json:"storedOnDisk"`
	FilePath     string       `json:"filePath"`
}

type manifestMeta struct {
	URL            string  `json:"url"`
	SequenceNumber int64   `json:"sequenceNumber"`
	Duration       float64 `json:"duration"`
	SegmentID      string  `json:"segmentId"`
	AddedAt        string  `json:"addedAt"`
}

type manifestStats struct {
	TotalSegments  int     `json:"totalSegments"`
	TotalSize      int64   `json:"totalSize"`
	TotalDuration  float64 `json:"totalDuration"`
	BufferDuration int64   `json:"bufferDuration"`
}

// SaveManifest serializes the current index and writes it through the store.
// A successful write clears the dirty flag. In memory-only mode this is a
// no-op: there is nothing to recover into.
func (b *SegmentBuffer) SaveManifest() error {
	if !b.diskEnabled {
		return nil
	}

	b.mu.RLock()
	mf := manifestFile{
		Timestamp: b.nowFunc().UnixMilli(),
		Segments:  make([]manifestEntry, 0, len(b.byTime)),
		Stats: manifestStats{
			TotalSegments:  len(b.byTime),
			TotalSize:      b.totalBytes,
			TotalDuration:  b.totalDuration,
			BufferDuration: b.retention.Milliseconds(),
		},
	}
	for _, entry := range b.byTime {
		mf.Segments = append(mf.Segments, manifestEntry{
			Timestamp: entry.discoveredAt,
			Metadata: manifestMeta{
				URL:            entry.url,
				SequenceNumber: entry.sequence,
				Duration:       entry.duration,
				SegmentID:      entry.id,
				AddedAt:        time.UnixMilli(entry.discoveredAt).UTC().Format(time.RFC3339),
			},
			Size:         entry.size,
			StoredOnDisk: entry.onDisk,
			FilePath:     b.store.SegmentPath(entry.id),
		})
	}
	b.mu.RUnlock()

	data, err := json.Marshal(mf)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := b.store.WriteManifest(data); err != nil {
		return fmt.Errorf("failed to persist manifest: %w", err)
	}

	b.mu.Lock()
	b.dirty = false
	b.mu.Unlock()

	b.log.Debug().
		Int("segments", len(mf.Segments)).
		Msg("Manifest saved")
	return nil
}

// parseManifest decodes manifest bytes, returning nil on any decode failure
// so recovery falls back to the blob scan
func parseManifest(data []byte) *manifestFile {
	var mf manifestFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil
	}
	return &mf
}
