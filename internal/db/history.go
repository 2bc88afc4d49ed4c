package db

import (
	"context"
	"fmt"
	"time"

	"github.com/stwalsh4118/chronos/internal/models"
)

// TrackHistoryRepository handles database operations for track plays
type TrackHistoryRepository struct {
	db *DB
}

// NewTrackHistoryRepository creates a new track history repository
func NewTrackHistoryRepository(db *DB) *TrackHistoryRepository {
	return &TrackHistoryRepository{db: db}
}

// Record inserts a new track play into the history
func (r *TrackHistoryRepository) Record(ctx context.Context, play *models.TrackPlay) error {
	result := r.db.WithContext(ctx).Create(play)
	if result.Error != nil {
		return fmt.Errorf("failed to record track play: %w", MapGormError(result.Error))
	}
	return nil
}

// Latest retrieves the most recently started track play
func (r *TrackHistoryRepository) Latest(ctx context.Context) (*models.TrackPlay, error) {
	var play models.TrackPlay
	result := r.db.WithContext(ctx).Order("started_at DESC").First(&play)
	if result.Error != nil {
		return nil, MapGormError(result.Error)
	}
	return &play, nil
}

// PlayingAt retrieves the track that was playing at the given instant: the
// latest play whose started_at is at or before it. Returns ErrNotFound when
// history does not reach back that far.
func (r *TrackHistoryRepository) PlayingAt(ctx context.Context, at time.Time) (*models.TrackPlay, error) {
	var play models.TrackPlay
	result := r.db.WithContext(ctx).
		Where("started_at <= ?", at.UTC()).
		Order("started_at DESC").
		First(&play)
	if result.Error != nil {
		return nil, MapGormError(result.Error)
	}
	return &play, nil
}

// History retrieves plays that started within [from, to), newest first
func (r *TrackHistoryRepository) History(ctx context.Context, from, to time.Time) ([]*models.TrackPlay, error) {
	var plays []*models.TrackPlay
	result := r.db.WithContext(ctx).
		Where("started_at >= ? AND started_at < ?", from.UTC(), to.UTC()).
		Order("started_at DESC").
		Find(&plays)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list track plays: %w", MapGormError(result.Error))
	}
	return plays, nil
}

// PruneBefore deletes plays that started before the cutoff and returns how
// many rows were removed
func (r *TrackHistoryRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("started_at < ?", cutoff.UTC()).
		Delete(&models.TrackPlay{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune track plays: %w", MapGormError(result.Error))
	}
	return result.RowsAffected, nil
}
