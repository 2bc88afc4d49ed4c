// Package store provides low-level persistence for segment blobs and the
// buffer manifest. Segments live as individual files under
// {baseDir}/segments/, the manifest as a single JSON file next to them.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stwalsh4118/chronos/internal/logger"
)

const (
	segmentsDirName = "segments"
	manifestName    = "buffer-metadata.json"
	segmentExt      = ".ts"

	// Segment writes are retried on transient I/O errors with a fixed delay.
	// Partial writes are tolerated; the buffer verifies blobs on recovery.
	writeMaxRetries = 3
	writeRetryDelay = 100 * time.Millisecond
)

// ErrNotFound indicates the requested blob or manifest does not exist.
// Callers distinguish it from I/O failures with errors.Is.
var ErrNotFound = errors.New("store: not found")

// Store persists segment blobs and the manifest under a base directory
type Store struct {
	baseDir     string
	segmentsDir string

	// Manifest writes are serialized; concurrent segment writes target
	// distinct files and need no coordination.
	manifestMu sync.Mutex

	log zerolog.Logger
}

// NewStore creates a store rooted at baseDir. Call Init before use.
func NewStore(baseDir string) *Store {
	return &Store{
		baseDir:     baseDir,
		segmentsDir: filepath.Join(baseDir, segmentsDirName),
		log:         logger.Component("store"),
	}
}

// Init creates the base and segments directories. Idempotent.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.segmentsDir, 0755); err != nil {
		return fmt.Errorf("failed to create segments directory: %w", err)
	}
	return nil
}

// BaseDir returns the root directory of the store
func (s *Store) BaseDir() string {
	return s.baseDir
}

// SegmentPath returns the on-disk path for a segment id
func (s *Store) SegmentPath(id string) string {
	return filepath.Join(s.segmentsDir, id+segmentExt)
}

// WriteSegment persists a blob under the given id and returns its path.
// Transient write errors are retried up to writeMaxRetries times.
func (s *Store) WriteSegment(id string, data []byte) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}

	path := s.SegmentPath(id)

	var lastErr error
	for attempt := 1; attempt <= writeMaxRetries; attempt++ {
		if err := os.WriteFile(path, data, 0644); err != nil {
			lastErr = err
			s.log.Warn().
				Err(err).
				Str("segment_id", id).
				Int("attempt", attempt).
				Msg("Segment write failed")
			time.Sleep(writeRetryDelay)
			continue
		}
		return path, nil
	}

	return "", fmt.Errorf("failed to write segment %s after %d attempts: %w", id, writeMaxRetries, lastErr)
}

// ReadSegment returns the blob bytes for an id, or ErrNotFound
func (s *Store) ReadSegment(id string) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.SegmentPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read segment %s: %w", id, err)
	}
	return data, nil
}

// DeleteSegment removes a blob. Deleting a missing blob is not an error.
func (s *Store) DeleteSegment(id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	if err := os.Remove(s.SegmentPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete segment %s: %w", id, err)
	}
	return nil
}

// SegmentExists reports whether a blob exists for the id
func (s *Store) SegmentExists(id string) bool {
	if validateID(id) != nil {
		return false
	}
	_, err := os.Stat(s.SegmentPath(id))
	return err == nil
}

// SegmentSize returns the on-disk size of a blob, or ErrNotFound
func (s *Store) SegmentSize(id string) (int64, error) {
	if err := validateID(id); err != nil {
		return 0, err
	}
	info, err := os.Stat(s.SegmentPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to stat segment %s: %w", id, err)
	}
	return info.Size(), nil
}

// ListSegments enumerates stored segment ids (filenames with the extension
// stripped). Ids that do not parse as sequence numbers are returned as-is;
// the buffer decides what to do with them.
func (s *Store) ListSegments() ([]string, error) {
	entries, err := os.ReadDir(s.segmentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, segmentExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, segmentExt))
	}
	return ids, nil
}

// WriteManifest atomically replaces the manifest file (temp file + rename)
func (s *Store) WriteManifest(data []byte) error {
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()

	if err := os.MkdirAll(s.baseDir, 0755); err != nil {
		return fmt.Errorf("failed to create base directory: %w", err)
	}

	tempFile, err := os.CreateTemp(s.baseDir, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tempPath := tempFile.Name()

	defer func() {
		if tempFile != nil {
			_ = tempFile.Close()
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp manifest: %w", err)
	}

	if err := os.Rename(tempPath, filepath.Join(s.baseDir, manifestName)); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}

	// Success - prevent cleanup
	tempFile = nil

	return nil
}

// ReadManifest returns the manifest bytes, or ErrNotFound
func (s *Store) ReadManifest() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return data, nil
}

// DeleteManifest removes the manifest file. Missing is not an error.
func (s *Store) DeleteManifest() error {
	if err := os.Remove(filepath.Join(s.baseDir, manifestName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	return nil
}

// validateID rejects ids that would escape the segments directory
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("segment id cannot be empty")
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("invalid segment id: %s", id)
	}
	return nil
}
