package models

import (
	"time"

	"github.com/google/uuid"
)

// TrackPlay records one track starting on the upstream station. StartedAt is
// the poll time at which the track was first observed, which bounds the true
// start from above by one poll interval.
type TrackPlay struct {
	ID        uuid.UUID `json:"id" gorm:"type:text;primaryKey;column:id"`
	Title     string    `json:"title" gorm:"type:text;not null;column:title"`
	Artist    string    `json:"artist" gorm:"type:text;column:artist"`
	StartedAt time.Time `json:"started_at" gorm:"type:datetime;not null;column:started_at"`
	CreatedAt time.Time `json:"created_at" gorm:"type:datetime;default:CURRENT_TIMESTAMP;column:created_at"`
}

// NewTrackPlay creates a new TrackPlay with generated UUID and timestamps
func NewTrackPlay(title, artist string, startedAt time.Time) *TrackPlay {
	return &TrackPlay{
		ID:        uuid.New(),
		Title:     title,
		Artist:    artist,
		StartedAt: startedAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}
}

// Same reports whether another play is the identical track. Used to
// deduplicate consecutive polls that see the same song.
func (t *TrackPlay) Same(title, artist string) bool {
	return t.Title == title && t.Artist == artist
}
