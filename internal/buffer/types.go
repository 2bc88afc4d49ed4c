package buffer

import "time"

// UnknownSequence marks a segment whose upstream media sequence could not be
// determined. Such segments get a synthesized storage id and are reachable
// only through the time index.
const UnknownSequence int64 = -1

// SegmentMetadata describes a segment being handed to the buffer.
// This is the closed set of fields ingest knows at download time; the buffer
// assigns discovery time, size and storage placement itself.
type SegmentMetadata struct {
	SequenceNumber int64
	Duration       float64
	URL            string
}

// Segment is the public view of a buffered segment. Bytes is nil for pure
// index lookups and for indexed segments whose blob could not be read back;
// callers treat the latter as a transient error.
type Segment struct {
	SequenceNumber int64
	DiscoveredAt   int64 // wall clock, ms
	Duration       float64
	URL            string
	Size           int64
	OnDisk         bool
	Bytes          []byte
}

// BufferStats is a point-in-time aggregate snapshot
type BufferStats struct {
	SegmentCount   int     `json:"segmentCount"`
	TotalBytes     int64   `json:"totalBytes"`
	TotalDuration  float64 `json:"totalDuration"`
	OldestSequence int64   `json:"oldestSequence"`
	NewestSequence int64   `json:"newestSequence"`
	OldestTime     int64   `json:"oldestTime"`
	NewestTime     int64   `json:"newestTime"`
	SequenceGaps   int     `json:"sequenceGaps"`
	DiskEnabled    bool    `json:"diskEnabled"`
}

// RecoveryResult summarizes what a startup recovery pass did
type RecoveryResult struct {
	Restored int // manifest entries whose blob was verified
	Dropped  int // manifest entries whose blob was missing
	Adopted  int // on-disk blobs not in the manifest, re-indexed
	Deleted  int // unparseable on-disk files removed as garbage
	Evicted  int // recovered segments already outside the retention window
}

// cachedSegment is the internal index entry. bytes is only populated while a
// disk write is pending or after one has failed (memory fallback).
type cachedSegment struct {
	id           string
	sequence     int64
	discoveredAt int64
	duration     float64
	url          string
	size         int64
	onDisk       bool
	bytes        []byte
}

// view renders the public metadata-only form of an entry
func (c *cachedSegment) view() *Segment {
	return &Segment{
		SequenceNumber: c.sequence,
		DiscoveredAt:   c.discoveredAt,
		Duration:       c.duration,
		URL:            c.url,
		Size:           c.size,
		OnDisk:         c.onDisk,
	}
}

// Age returns how far behind the given time the segment was discovered
func (s *Segment) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-s.DiscoveredAt) * time.Millisecond
}
